package events

import (
	"context"
	"sync"
	"time"
)

// Window maintains a rolling record of recent events: a circular buffer
// with dual eviction, count-based (buffer capacity) and age-based
// (maximum entry age applied at read time). The provisioning page reads
// it so a browser arriving late still sees how the device got into its
// current state.
type Window struct {
	mu      sync.RWMutex
	entries []Event // circular buffer, pre-allocated
	head    int     // next write position
	count   int     // entries currently stored (≤ len(entries))
	maxAge  time.Duration
	nowFunc func() time.Time
}

// NewWindow creates a window with the given buffer capacity and
// maximum entry age. Non-positive arguments fall back to 50 entries
// and 30 minutes.
func NewWindow(maxEntries int, maxAge time.Duration) *Window {
	if maxEntries <= 0 {
		maxEntries = 50
	}
	if maxAge <= 0 {
		maxAge = 30 * time.Minute
	}
	return &Window{
		entries: make([]Event, maxEntries),
		maxAge:  maxAge,
		nowFunc: time.Now,
	}
}

// Add records an event, overwriting the oldest entry once the buffer
// is full. A zero Timestamp is filled in with the current time.
func (w *Window) Add(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = w.nowFunc()
	}

	w.mu.Lock()
	w.entries[w.head] = e
	w.head = (w.head + 1) % len(w.entries)
	if w.count < len(w.entries) {
		w.count++
	}
	w.mu.Unlock()
}

// Recent returns the retained events, newest first. Entries older than
// the window's maximum age are excluded. The result is never nil, so
// it serializes as an empty JSON array rather than null.
func (w *Window) Recent() []Event {
	w.mu.RLock()
	defer w.mu.RUnlock()

	cutoff := w.nowFunc().Add(-w.maxAge)
	bufLen := len(w.entries)

	// Collect valid entries in reverse chronological order. The newest
	// entry is at (head-1) mod bufLen, walking backwards.
	out := make([]Event, 0, w.count)
	for i := 0; i < w.count; i++ {
		idx := (w.head - 1 - i + bufLen) % bufLen
		e := w.entries[idx]
		if e.Timestamp.Before(cutoff) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Start subscribes to the bus and records everything published until
// ctx is cancelled, on a background goroutine. The subscription is
// registered before Start returns, so no later publish is missed.
func (w *Window) Start(ctx context.Context, bus *Bus) {
	ch := bus.Subscribe(16)
	go func() {
		defer bus.Unsubscribe(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-ch:
				if !ok {
					return
				}
				w.Add(e)
			}
		}
	}()
}
