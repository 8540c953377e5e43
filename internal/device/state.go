// Package device holds the unit's mutable runtime state: operating
// mode, reporting interval and the desired level of each switchable
// load. All access goes through Store, which serializes callers with a
// bounded-timeout semaphore so a stuck caller degrades into an error
// instead of wedging command handling and publishing.
package device

import (
	"errors"
	"fmt"
)

// Mode is the device operating mode. The periodic publisher only
// emits sensor data while the mode is on; state backups continue
// either way.
type Mode int

const (
	ModeOff Mode = 0
	ModeOn  Mode = 1
)

// String returns the lowercase mode name for logs.
func (m Mode) String() string {
	switch m {
	case ModeOff:
		return "off"
	case ModeOn:
		return "on"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseMode validates a wire-format mode value.
func ParseMode(v int) (Mode, error) {
	switch Mode(v) {
	case ModeOff, ModeOn:
		return Mode(v), nil
	default:
		return ModeOff, fmt.Errorf("%w: %d", ErrInvalidMode, v)
	}
}

// Canonical load names. The registry in Store is keyed by these; the
// wire format spells them out as individual fields.
const (
	Fan   = "fan"
	Light = "light"
	AC    = "ac"
)

// LoadNames returns the canonical load set in wire order.
func LoadNames() []string {
	return []string{Fan, Light, AC}
}

// Unchanged is the sentinel value for loads a set_devices command
// leaves alone.
const Unchanged = -1

// Sentinel errors for state operations. Callers match with errors.Is
// to map failures onto command responses.
var (
	// ErrBusy means the state semaphore could not be acquired within
	// the bounded timeout.
	ErrBusy = errors.New("device state busy")
	// ErrUnknownDevice means the named load is not in the registry.
	ErrUnknownDevice = errors.New("unknown device")
	// ErrInvalidInterval means a reporting interval outside the
	// allowed range.
	ErrInvalidInterval = errors.New("interval out of range")
	// ErrInvalidMode means a mode value that is neither off nor on.
	ErrInvalidMode = errors.New("invalid mode")
)

// State is a point-in-time copy of the device state. Loads maps load
// name to desired level.
type State struct {
	Mode        Mode
	IntervalSec int
	Loads       map[string]bool
}
