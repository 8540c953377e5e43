// Package lifecycle coordinates controlled reinitialization. Firmware
// would call esp_restart; here a request is delivered to the serve loop
// after a caller-chosen delay, and the loop tears the agent down and
// runs it again in place.
package lifecycle

import (
	"log/slog"
	"time"

	"github.com/climon-dev/climon/internal/events"
)

// Request kinds.
const (
	KindRestart      = "restart"
	KindFactoryReset = "factory_reset"
)

// Request asks the serve loop to reinitialize the agent. FactoryReset
// additionally erases all persisted settings before the restart.
type Request struct {
	Kind   string
	Reason string
}

// Controller schedules reinitialization requests. Requests are
// one-shot; once scheduled they cannot be cancelled.
type Controller struct {
	requests chan Request
	bus      *events.Bus
	logger   *slog.Logger
}

// NewController creates a controller. The request queue is buffered so
// a factory reset arriving while a restart is pending is not lost.
func NewController(bus *events.Bus, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		requests: make(chan Request, 4),
		bus:      bus,
		logger:   logger,
	}
}

// Requests returns the channel the serve loop consumes.
func (c *Controller) Requests() <-chan Request {
	return c.requests
}

// RequestRestart schedules a restart after delay.
func (c *Controller) RequestRestart(reason string, delay time.Duration) {
	c.schedule(Request{Kind: KindRestart, Reason: reason}, delay)
}

// RequestFactoryReset schedules a settings erase plus restart after
// delay.
func (c *Controller) RequestFactoryReset(delay time.Duration) {
	c.schedule(Request{Kind: KindFactoryReset, Reason: "factory reset"}, delay)
}

func (c *Controller) schedule(req Request, delay time.Duration) {
	c.logger.Warn("reinitialization scheduled",
		"kind", req.Kind,
		"reason", req.Reason,
		"delay", delay)

	if c.bus != nil {
		c.bus.Publish(events.Event{
			Source: events.SourceLifecycle,
			Kind:   events.KindReinitRequested,
			Data:   map[string]any{"kind": req.Kind, "reason": req.Reason},
		})
	}

	time.AfterFunc(delay, func() {
		select {
		case c.requests <- req:
		default:
			c.logger.Error("reinit queue full, request dropped", "kind", req.Kind)
		}
	})
}
