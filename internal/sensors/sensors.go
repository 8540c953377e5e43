// Package sensors models the environmental sensor suite. A Source
// produces readings; the Store caches the latest one so command
// handlers and the periodic publisher never block on a slow sensor
// bus.
package sensors

import (
	"context"
	"sync"
	"time"
)

// Reading is one sample of the environmental sensors.
type Reading struct {
	// Temperature in degrees Celsius.
	Temperature float64
	// Humidity in percent relative humidity.
	Humidity float64
	// Light level in lux.
	Light int
}

// Source produces sensor readings. The simulated source is the only
// in-tree implementation; a hardware driver satisfies the same
// interface.
type Source interface {
	Read(ctx context.Context) (Reading, error)
}

// Store caches the most recent reading. Safe for concurrent use.
type Store struct {
	mu     sync.RWMutex
	latest Reading
	at     time.Time
	valid  bool
}

// NewStore returns an empty reading cache.
func NewStore() *Store {
	return &Store{}
}

// Update replaces the cached reading.
func (s *Store) Update(r Reading) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latest = r
	s.at = time.Now()
	s.valid = true
}

// Latest returns the cached reading and when it was taken. ok is false
// until the first Update.
func (s *Store) Latest() (r Reading, at time.Time, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest, s.at, s.valid
}
