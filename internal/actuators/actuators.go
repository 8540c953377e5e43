// Package actuators drives the switchable loads (fan, light, AC).
package actuators

import (
	"fmt"
	"sync"
)

// Controller switches named loads on and off. Implementations must be
// safe for concurrent use; command handling and the periodic publisher
// both touch the controller.
type Controller interface {
	// Set drives the named load. Unknown names return an error.
	Set(name string, on bool) error
	// States returns the current level of every load.
	States() (map[string]bool, error)
}

// Relays is an in-memory controller standing in for the relay board.
// Individual loads can be marked as failing to exercise the command
// dispatcher's partial-failure handling.
type Relays struct {
	mu      sync.Mutex
	state   map[string]bool
	failing map[string]bool
}

// NewRelays creates a controller for the given load names, all off.
func NewRelays(names ...string) *Relays {
	state := make(map[string]bool, len(names))
	for _, n := range names {
		state[n] = false
	}
	return &Relays{
		state:   state,
		failing: make(map[string]bool),
	}
}

// Set drives one load.
func (r *Relays) Set(name string, on bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.state[name]; !ok {
		return fmt.Errorf("unknown load %q", name)
	}
	if r.failing[name] {
		return fmt.Errorf("load %q: relay fault", name)
	}
	r.state[name] = on
	return nil
}

// States returns a copy of every load's current level.
func (r *Relays) States() (map[string]bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]bool, len(r.state))
	for n, v := range r.state {
		out[n] = v
	}
	return out, nil
}

// SetFailing marks a load to fail (or recover) on subsequent Set
// calls. Simulation control only.
func (r *Relays) SetFailing(name string, fail bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failing[name] = fail
}
