// Package reporter runs the periodic publishing loop: sensor telemetry
// on the configured interval, a state backup every minute, and the
// device info announcement on every broker connect.
package reporter

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/climon-dev/climon/internal/device"
	"github.com/climon-dev/climon/internal/events"
	"github.com/climon-dev/climon/internal/metrics"
	"github.com/climon-dev/climon/internal/mqtt"
	"github.com/climon-dev/climon/internal/sensors"
)

const (
	// pollInterval is the loop granularity. Timers fire on the first
	// poll at or past their deadline.
	pollInterval = time.Second

	// stateBackupInterval is the fixed cadence of full state
	// publishes, independent of the data interval.
	stateBackupInterval = 60 * time.Second
)

// Transport is the outbound side of the MQTT client.
type Transport interface {
	IsConnected() bool
	PublishData(ctx context.Context, p mqtt.DataPayload) error
	PublishState(ctx context.Context, p mqtt.StatePayload) error
	PublishInfo(ctx context.Context, p mqtt.InfoPayload) error
}

// NetworkInfo supplies the connectivity fields of the info payload.
type NetworkInfo interface {
	ConnectedSSID() string
	IP() (string, error)
}

// Deps are the reporter's collaborators.
type Deps struct {
	Transport Transport
	Devices   *device.Store
	Source    sensors.Source
	Cache     *sensors.Store
	Clock     sensors.Clock
	Network   NetworkInfo
	Bus       *events.Bus
	Logger    *slog.Logger

	DeviceID string
	Broker   string
	Firmware string
}

// Reporter owns the publish timers and payload assembly.
type Reporter struct {
	transport Transport
	devices   *device.Store
	source    sensors.Source
	cache     *sensors.Store
	clock     sensors.Clock
	network   NetworkInfo
	bus       *events.Bus
	logger    *slog.Logger

	deviceID string
	broker   string
	firmware string
}

// New creates a Reporter. Call [Reporter.Run] to start the loop.
func New(deps Deps) *Reporter {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Reporter{
		transport: deps.Transport,
		devices:   deps.Devices,
		source:    deps.Source,
		cache:     deps.Cache,
		clock:     deps.Clock,
		network:   deps.Network,
		bus:       deps.Bus,
		logger:    logger,
		deviceID:  deps.DeviceID,
		broker:    deps.Broker,
		firmware:  deps.Firmware,
	}
}

// timers holds the loop's reference points. Deltas against them are
// monotonic, so wall clock steps from set_timestamp cannot starve or
// flood the publishes.
type timers struct {
	lastData  time.Time
	lastState time.Time
}

// Run drives the timers until ctx is cancelled. Timers are only
// evaluated while the transport is connected; publishes missed while
// offline are not queued or replayed.
func (r *Reporter) Run(ctx context.Context) {
	r.logger.Info("reporter started", "state_backup_interval", stateBackupInterval)

	var sub <-chan events.Event
	if r.bus != nil {
		sub = r.bus.Subscribe(16)
		defer r.bus.Unsubscribe(sub)
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	now := time.Now()
	tm := timers{lastData: now, lastState: now}

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reporter stopped")
			return

		case ev := <-sub:
			// A fresh broker session wants the retained info topic
			// refreshed right away.
			if ev.Source == events.SourceMQTT && ev.Kind == events.KindTransportUp {
				if err := r.PublishInfo(ctx); err != nil {
					r.logger.Warn("info publish failed", "error", err)
				}
			}

		case <-ticker.C:
			r.tick(ctx, time.Now(), &tm)
		}
	}
}

// tick evaluates both timers for one poll.
func (r *Reporter) tick(ctx context.Context, now time.Time, tm *timers) {
	if !r.transport.IsConnected() {
		return
	}

	st, err := r.devices.Snapshot()
	if err != nil {
		metrics.IncPublishSkip(metrics.SkipBusy)
		r.logger.Warn("state snapshot unavailable", "error", err)
		return
	}

	if r.devices.ConsumeIntervalChanged() {
		tm.lastData = now
		r.logger.Info("data timer reset", "interval_sec", st.IntervalSec)
	}

	if now.Sub(tm.lastData) >= time.Duration(st.IntervalSec)*time.Second {
		tm.lastData = now
		if st.Mode == device.ModeOn {
			if err := r.PublishData(ctx); err != nil {
				r.logger.Warn("data publish failed", "error", err)
			}
		} else {
			metrics.IncPublishSkip(metrics.SkipModeOff)
			r.logger.Debug("data publish skipped, mode off")
		}
	}

	if now.Sub(tm.lastState) >= stateBackupInterval {
		tm.lastState = now
		if err := r.PublishState(ctx); err != nil {
			r.logger.Warn("state publish failed", "error", err)
		}
	}
}

// PublishData samples the sensors and publishes telemetry. A failed
// read falls back to the last cached reading.
func (r *Reporter) PublishData(ctx context.Context) error {
	reading, err := r.readSensors(ctx)
	if err != nil {
		return err
	}
	p := mqtt.NewDataPayload(r.clock.Now().Unix(), reading.Temperature, reading.Humidity, reading.Light)
	return r.transport.PublishData(ctx, p)
}

// PublishState syncs the registry from hardware and publishes the full
// snapshot.
func (r *Reporter) PublishState(ctx context.Context) error {
	if err := r.devices.SyncFromHardware(); err != nil {
		r.logger.Warn("hardware sync failed", "error", err)
	}
	st, err := r.devices.Snapshot()
	if err != nil {
		return fmt.Errorf("state snapshot: %w", err)
	}

	p := mqtt.StatePayload{
		Timestamp: r.clock.Now().Unix(),
		Mode:      int(st.Mode),
		Interval:  st.IntervalSec,
		Fan:       boolToInt(st.Loads[device.Fan]),
		Light:     boolToInt(st.Loads[device.Light]),
		AC:        boolToInt(st.Loads[device.AC]),
	}
	return r.transport.PublishState(ctx, p)
}

// PublishInfo publishes the device identity payload.
func (r *Reporter) PublishInfo(ctx context.Context) error {
	p := mqtt.InfoPayload{
		Timestamp: r.clock.Now().Unix(),
		ID:        r.deviceID,
		SSID:      r.ssid(),
		IP:        r.ip(),
		Broker:    r.broker,
		Firmware:  r.firmware,
	}
	return r.transport.PublishInfo(ctx, p)
}

func (r *Reporter) readSensors(ctx context.Context) (sensors.Reading, error) {
	reading, err := r.source.Read(ctx)
	if err == nil {
		if r.cache != nil {
			r.cache.Update(reading)
		}
		return reading, nil
	}

	r.logger.Warn("sensor read failed", "error", err)
	if r.cache != nil {
		if cached, _, ok := r.cache.Latest(); ok {
			return cached, nil
		}
	}
	return sensors.Reading{}, fmt.Errorf("sensor read: %w", err)
}

func (r *Reporter) ssid() string {
	if r.network != nil {
		if s := r.network.ConnectedSSID(); s != "" {
			return s
		}
	}
	return "Unknown"
}

func (r *Reporter) ip() string {
	if r.network != nil {
		if ip, err := r.network.IP(); err == nil && ip != "" {
			return ip
		}
	}
	return "0.0.0.0"
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
