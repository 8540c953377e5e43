// Package wifi implements the connectivity state machine: station
// association with bounded retries, fallback to an open provisioning
// access point, and credential persistence. The hardware sits behind
// the Radio interface so the same machine runs against the simulated
// radio in development and tests.
package wifi

// State is the connectivity machine's current state.
type State int

const (
	// StateIdle means the radio is down and nothing is in progress.
	StateIdle State = iota
	// StateProvisioning means the open access point, portal and
	// captive DNS are up, waiting for credentials.
	StateProvisioning
	// StateConnecting means station association is in progress.
	StateConnecting
	// StateConnected means the station has an IP.
	StateConnected
	// StateDisconnected means the association dropped; retry or
	// fallback to provisioning follows.
	StateDisconnected
)

// String returns the lowercase state name for logs and the portal's
// status endpoint.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateProvisioning:
		return "provisioning"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}
