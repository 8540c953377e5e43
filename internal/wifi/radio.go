package wifi

import (
	"context"

	"github.com/climon-dev/climon/internal/config"
)

// EventKind identifies an asynchronous radio event.
type EventKind int

const (
	// EventStationStarted means the station radio came up and is
	// ready to associate.
	EventStationStarted EventKind = iota
	// EventDisconnected means the association dropped or an attempt
	// failed.
	EventDisconnected
	// EventGotIP means association completed and an address was
	// assigned.
	EventGotIP
)

// String returns the event name for logs.
func (k EventKind) String() string {
	switch k {
	case EventStationStarted:
		return "station_started"
	case EventDisconnected:
		return "disconnected"
	case EventGotIP:
		return "got_ip"
	default:
		return "unknown"
	}
}

// RadioEvent is one asynchronous notification from the radio.
type RadioEvent struct {
	Kind EventKind
	// IP is set on EventGotIP.
	IP string
	// Reason is set on EventDisconnected when the radio knows why.
	Reason string
}

// ScanResult is one visible network.
type ScanResult struct {
	SSID string `json:"ssid"`
	RSSI int    `json:"rssi"`
	Auth string `json:"auth"`
}

// Radio abstracts the WiFi hardware. Calls initiate work; outcomes
// arrive on the Events channel. Implementations must be safe for
// concurrent use.
type Radio interface {
	// StartStation brings the radio up in station mode targeting the
	// given network. The derived PSK is empty for open networks.
	// The radio answers with EventStationStarted.
	StartStation(ssid, psk string) error
	// Connect attempts association with the configured network. The
	// radio answers with EventGotIP or EventDisconnected.
	Connect() error
	// Disconnect drops the current association.
	Disconnect() error
	// StartAP brings the radio up as an open access point for
	// provisioning. Station scanning stays available.
	StartAP(cfg config.APConfig) error
	// Stop brings the radio down entirely.
	Stop() error
	// Scan lists visible networks, strongest first, at most max.
	Scan(ctx context.Context, max int) ([]ScanResult, error)
	// RSSI reports the current association's signal strength in dBm.
	// Fails when not associated.
	RSSI() (int, error)
	// IP reports the station address. Fails when none is assigned.
	IP() (string, error)
	// Events is the radio's notification stream. The channel stays
	// open for the radio's lifetime; Stop quiesces it but does not
	// close it.
	Events() <-chan RadioEvent
}
