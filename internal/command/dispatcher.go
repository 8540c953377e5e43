// Package command parses and dispatches device commands arriving over
// MQTT. Each command mutates the device store, drives side effects, and
// acknowledges on the response topic.
package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/climon-dev/climon/internal/device"
	"github.com/climon-dev/climon/internal/events"
	"github.com/climon-dev/climon/internal/metrics"
	"github.com/climon-dev/climon/internal/sensors"
	"github.com/climon-dev/climon/internal/storage"
)

// commandTimeout bounds the publishes a single command may trigger.
const commandTimeout = 10 * time.Second

// restartDelay is how long reboot and factory_reset wait before the
// agent goes down, leaving room for the acknowledgement to reach the
// broker.
const restartDelay = 2 * time.Second

// Envelope is the wire shape of an inbound command.
type Envelope struct {
	ID      string         `json:"id"`
	Command string         `json:"command"`
	Params  map[string]any `json:"params"`
}

// Responder publishes command acknowledgements.
type Responder interface {
	PublishResponse(ctx context.Context, cmdID string, ok bool) error
}

// Publisher triggers the immediate topic publishes commands cause.
type Publisher interface {
	PublishData(ctx context.Context) error
	PublishState(ctx context.Context) error
	PublishInfo(ctx context.Context) error
}

// Restarter schedules delayed restarts so the acknowledgement gets out
// before the agent goes down.
type Restarter interface {
	RequestRestart(reason string, delay time.Duration)
	RequestFactoryReset(delay time.Duration)
}

// Deps are the dispatcher's collaborators.
type Deps struct {
	Devices   *device.Store
	KV        *storage.Store
	Clock     sensors.Clock
	Transport Responder
	Publisher Publisher
	Lifecycle Restarter
	Bus       *events.Bus
	Logger    *slog.Logger
}

type handlerFunc func(ctx context.Context, cmdID string, params map[string]any) error

// Dispatcher routes commands to their handlers.
type Dispatcher struct {
	devices   *device.Store
	kv        *storage.Store
	clock     sensors.Clock
	transport Responder
	publisher Publisher
	lifecycle Restarter
	bus       *events.Bus
	logger    *slog.Logger

	handlers map[string]handlerFunc
}

// NewDispatcher creates a dispatcher with the full command table
// registered.
func NewDispatcher(deps Deps) *Dispatcher {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		devices:   deps.Devices,
		kv:        deps.KV,
		clock:     deps.Clock,
		transport: deps.Transport,
		publisher: deps.Publisher,
		lifecycle: deps.Lifecycle,
		bus:       deps.Bus,
		logger:    logger,
	}
	d.registerBuiltins()
	return d
}

func (d *Dispatcher) registerBuiltins() {
	d.handlers = map[string]handlerFunc{
		"set_device":    d.handleSetDevice,
		"set_devices":   d.handleSetDevices,
		"set_mode":      d.handleSetMode,
		"set_interval":  d.handleSetInterval,
		"set_timestamp": d.handleSetTimestamp,
		"get_status":    d.handleGetStatus,
		"ping":          d.handlePing,
		"reboot":        d.handleReboot,
		"factory_reset": d.handleFactoryReset,
	}
}

// HandleMessage adapts the dispatcher to the transport's message
// handler signature.
func (d *Dispatcher) HandleMessage(topic string, payload []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	d.Handle(ctx, payload)
}

// Handle parses an envelope and runs the matching handler. Malformed
// envelopes and unknown commands are logged and dropped without a
// response.
func (d *Dispatcher) Handle(ctx context.Context, payload []byte) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		d.logger.Error("malformed command payload",
			"error", err,
			"payload_size", len(payload))
		return
	}
	if env.ID == "" || env.Command == "" {
		d.logger.Error("command envelope missing id or command")
		return
	}

	handler, ok := d.handlers[env.Command]
	if !ok {
		d.logger.Warn("unknown command", "command", env.Command, "cmd_id", env.ID)
		return
	}

	d.logger.Info("processing command", "command", env.Command, "cmd_id", env.ID)

	err := handler(ctx, env.ID, env.Params)
	if err != nil {
		d.logger.Error("command failed",
			"command", env.Command,
			"cmd_id", env.ID,
			"error", err)
	}
	d.publishEvent(env.Command, env.ID, err)
}

// Command handlers

func (d *Dispatcher) handleSetDevice(ctx context.Context, cmdID string, params map[string]any) error {
	name := stringParam(params, "device", "")
	state := intParam(params, "state", 0)

	if err := d.devices.SetDevice(name, state != 0); err != nil {
		d.respond(ctx, cmdID, false)
		return fmt.Errorf("set_device %q: %w", name, err)
	}

	d.logger.Info("device switched", "cmd_id", cmdID, "device", name, "on", state != 0)
	d.respond(ctx, cmdID, true)
	d.publishState(ctx)
	return nil
}

func (d *Dispatcher) handleSetDevices(ctx context.Context, cmdID string, params map[string]any) error {
	// Absent or negative entries leave that load untouched. Iterating
	// the store's registry means a newly registered load picks up its
	// wire field here with no dispatcher change.
	changes := make(map[string]bool)
	for _, name := range d.devices.Names() {
		if v := intParam(params, name, device.Unchanged); v >= 0 {
			changes[name] = v != 0
		}
	}

	err := d.devices.SetDevices(changes)
	d.respond(ctx, cmdID, err == nil)
	d.publishState(ctx)
	if err != nil {
		return fmt.Errorf("set_devices: %w", err)
	}
	return nil
}

func (d *Dispatcher) handleSetMode(ctx context.Context, cmdID string, params map[string]any) error {
	m := device.Mode(intParam(params, "mode", 0))

	if err := d.devices.SetMode(m); err != nil {
		d.respond(ctx, cmdID, false)
		return fmt.Errorf("set_mode %d: %w", m, err)
	}
	if d.kv != nil {
		if err := device.SaveMode(d.kv, m); err != nil {
			d.logger.Warn("mode persist failed", "error", err)
		}
	}

	d.logger.Info("mode changed", "cmd_id", cmdID, "mode", m.String())
	d.respond(ctx, cmdID, true)
	d.publishState(ctx)
	return nil
}

func (d *Dispatcher) handleSetInterval(ctx context.Context, cmdID string, params map[string]any) error {
	v := intParam(params, "interval", 0)

	if err := d.devices.SetInterval(v); err != nil {
		d.respond(ctx, cmdID, false)
		return fmt.Errorf("set_interval %d: %w", v, err)
	}

	d.logger.Info("data interval updated", "cmd_id", cmdID, "interval_sec", v)
	d.respond(ctx, cmdID, true)
	d.publishState(ctx)
	return nil
}

func (d *Dispatcher) handleSetTimestamp(ctx context.Context, cmdID string, params map[string]any) error {
	ts := int64Param(params, "timestamp", 0)

	if d.clock == nil {
		d.respond(ctx, cmdID, false)
		return fmt.Errorf("set_timestamp: no clock attached")
	}
	if ts <= 0 {
		d.respond(ctx, cmdID, false)
		return fmt.Errorf("set_timestamp: invalid timestamp %d", ts)
	}
	if err := d.clock.SetTime(time.Unix(ts, 0)); err != nil {
		d.respond(ctx, cmdID, false)
		return fmt.Errorf("set_timestamp: %w", err)
	}

	d.logger.Info("clock adjusted", "cmd_id", cmdID, "timestamp", ts)
	d.respond(ctx, cmdID, true)
	return nil
}

func (d *Dispatcher) handleGetStatus(ctx context.Context, cmdID string, params map[string]any) error {
	// Acknowledge first so the requester is not left waiting on three
	// publishes.
	d.respond(ctx, cmdID, true)

	if d.publisher == nil {
		return fmt.Errorf("get_status: no publisher attached")
	}

	var errs []error
	if err := d.publisher.PublishData(ctx); err != nil {
		errs = append(errs, fmt.Errorf("data: %w", err))
	}
	if err := d.publisher.PublishState(ctx); err != nil {
		errs = append(errs, fmt.Errorf("state: %w", err))
	}
	if err := d.publisher.PublishInfo(ctx); err != nil {
		errs = append(errs, fmt.Errorf("info: %w", err))
	}
	if len(errs) > 0 {
		return fmt.Errorf("get_status: %w", errors.Join(errs...))
	}
	return nil
}

func (d *Dispatcher) handlePing(ctx context.Context, cmdID string, params map[string]any) error {
	d.logger.Debug("ping", "cmd_id", cmdID)
	d.respond(ctx, cmdID, true)
	return nil
}

func (d *Dispatcher) handleReboot(ctx context.Context, cmdID string, params map[string]any) error {
	d.logger.Warn("reboot requested", "cmd_id", cmdID)
	d.respond(ctx, cmdID, true)

	if d.lifecycle == nil {
		return fmt.Errorf("reboot: no lifecycle controller attached")
	}
	d.lifecycle.RequestRestart("reboot command", restartDelay)
	return nil
}

func (d *Dispatcher) handleFactoryReset(ctx context.Context, cmdID string, params map[string]any) error {
	d.logger.Warn("factory reset requested", "cmd_id", cmdID)
	d.respond(ctx, cmdID, true)

	if d.lifecycle == nil {
		return fmt.Errorf("factory_reset: no lifecycle controller attached")
	}
	d.lifecycle.RequestFactoryReset(restartDelay)
	return nil
}

func (d *Dispatcher) respond(ctx context.Context, cmdID string, ok bool) {
	if d.transport == nil {
		return
	}
	if err := d.transport.PublishResponse(ctx, cmdID, ok); err != nil {
		d.logger.Warn("response publish failed", "cmd_id", cmdID, "error", err)
	}
}

func (d *Dispatcher) publishState(ctx context.Context) {
	if d.publisher == nil {
		return
	}
	if err := d.publisher.PublishState(ctx); err != nil {
		d.logger.Warn("state publish failed", "error", err)
	}
}

func (d *Dispatcher) publishEvent(command, cmdID string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.IncCommand(command, status)
	if d.bus == nil {
		return
	}
	d.bus.Publish(events.Event{
		Source: events.SourceCommand,
		Kind:   events.KindCommandHandled,
		Data:   map[string]any{"command": command, "cmd_id": cmdID, "status": status},
	})
}

// Helper functions

// stringParam reads a string parameter, falling back to def when the
// key is absent or not a string.
func stringParam(params map[string]any, key, def string) string {
	if v, ok := params[key].(string); ok {
		return v
	}
	return def
}

// intParam reads an integer parameter. JSON numbers decode as float64.
func intParam(params map[string]any, key string, def int) int {
	if v, ok := params[key].(float64); ok {
		return int(v)
	}
	return def
}

func int64Param(params map[string]any, key string, def int64) int64 {
	if v, ok := params[key].(float64); ok {
		return int64(v)
	}
	return def
}
