package sensors

import (
	"context"
	"math/rand"
	"sync"
)

// SimSource is a simulated sensor suite. Each Read takes one step of a
// bounded random walk, producing values that drift plausibly instead
// of jumping: a development stand-in for the temperature/humidity and
// ambient-light hardware.
type SimSource struct {
	mu    sync.Mutex
	rng   *rand.Rand
	temp  float64
	humid float64
	light float64
}

// NewSimSource creates a simulated source seeded for reproducibility.
// The same seed yields the same sequence of readings.
func NewSimSource(seed int64) *SimSource {
	return &SimSource{
		rng:   rand.New(rand.NewSource(seed)),
		temp:  22.0,
		humid: 55.0,
		light: 300.0,
	}
}

// Read returns the next simulated reading. It never fails and ignores
// ctx; the signature matches Source so hardware drivers can honor
// cancellation.
func (s *SimSource) Read(_ context.Context) (Reading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.temp = clamp(s.temp+s.rng.Float64()-0.5, -10, 45)
	s.humid = clamp(s.humid+(s.rng.Float64()-0.5)*2, 5, 95)
	s.light = clamp(s.light+(s.rng.Float64()-0.5)*40, 0, 1200)

	return Reading{
		Temperature: s.temp,
		Humidity:    s.humid,
		Light:       int(s.light),
	}, nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
