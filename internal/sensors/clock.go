package sensors

import (
	"fmt"
	"sync"
	"time"
)

// Clock supplies timestamps for published payloads and accepts time
// corrections from the set_timestamp command.
type Clock interface {
	Now() time.Time
	SetTime(t time.Time) error
}

// SystemClock reads the host clock and rejects corrections. Suitable
// where the host is NTP-synced and devices should not steer it.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

func (SystemClock) SetTime(time.Time) error {
	return fmt.Errorf("system clock is not settable")
}

// OffsetClock applies a settable offset over the host clock, standing
// in for a battery-backed RTC. SetTime records the delta between the
// given time and the host clock; Now applies it.
type OffsetClock struct {
	mu     sync.RWMutex
	offset time.Duration
}

// NewOffsetClock returns a clock with zero offset.
func NewOffsetClock() *OffsetClock {
	return &OffsetClock{}
}

func (c *OffsetClock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Now().Add(c.offset)
}

func (c *OffsetClock) SetTime(t time.Time) error {
	if t.IsZero() {
		return fmt.Errorf("zero time")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offset = time.Until(t)
	return nil
}

// Offset reports the current correction.
func (c *OffsetClock) Offset() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.offset
}
