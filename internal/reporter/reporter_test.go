package reporter

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/climon-dev/climon/internal/actuators"
	"github.com/climon-dev/climon/internal/device"
	"github.com/climon-dev/climon/internal/events"
	"github.com/climon-dev/climon/internal/mqtt"
	"github.com/climon-dev/climon/internal/sensors"
)

type fakeTransport struct {
	mu        sync.Mutex
	connected bool
	data      []mqtt.DataPayload
	states    []mqtt.StatePayload
	infos     []mqtt.InfoPayload
	infoCh    chan struct{}
}

func (f *fakeTransport) IsConnected() bool { return f.connected }

func (f *fakeTransport) PublishData(ctx context.Context, p mqtt.DataPayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data = append(f.data, p)
	return nil
}

func (f *fakeTransport) PublishState(ctx context.Context, p mqtt.StatePayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states = append(f.states, p)
	return nil
}

func (f *fakeTransport) PublishInfo(ctx context.Context, p mqtt.InfoPayload) error {
	f.mu.Lock()
	f.infos = append(f.infos, p)
	f.mu.Unlock()
	if f.infoCh != nil {
		f.infoCh <- struct{}{}
	}
	return nil
}

func (f *fakeTransport) counts() (data, states, infos int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.data), len(f.states), len(f.infos)
}

type fakeSource struct {
	reading sensors.Reading
	err     error
}

func (f *fakeSource) Read(ctx context.Context) (sensors.Reading, error) {
	return f.reading, f.err
}

type fakeNetwork struct {
	ssid string
	ip   string
	err  error
}

func (f *fakeNetwork) ConnectedSSID() string { return f.ssid }
func (f *fakeNetwork) IP() (string, error)   { return f.ip, f.err }

type testEnv struct {
	r         *Reporter
	transport *fakeTransport
	store     *device.Store
	relays    *actuators.Relays
	source    *fakeSource
	cache     *sensors.Store
	clock     *sensors.OffsetClock
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	relays := actuators.NewRelays(device.LoadNames()...)
	env := &testEnv{
		transport: &fakeTransport{connected: true},
		store:     device.NewStore(relays, device.ModeOn, 30, time.Second),
		relays:    relays,
		source:    &fakeSource{reading: sensors.Reading{Temperature: 22.5, Humidity: 41, Light: 300}},
		cache:     sensors.NewStore(),
		clock:     sensors.NewOffsetClock(),
	}
	env.r = New(Deps{
		Transport: env.transport,
		Devices:   env.store,
		Source:    env.source,
		Cache:     env.cache,
		Clock:     env.clock,
		Network:   &fakeNetwork{ssid: "HomeNet", ip: "192.168.1.50"},
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		DeviceID:  "dev-01",
		Broker:    "mqtt://localhost:1883",
		Firmware:  "1.2.3",
	})
	return env
}

func TestTickPublishesDataAfterInterval(t *testing.T) {
	env := newTestEnv(t)
	now := time.Now()
	tm := &timers{lastData: now.Add(-31 * time.Second), lastState: now}

	env.r.tick(context.Background(), now, tm)

	data, states, _ := env.transport.counts()
	if data != 1 {
		t.Fatalf("data publishes = %d, want 1", data)
	}
	if states != 0 {
		t.Errorf("state publishes = %d, want 0", states)
	}
	if !tm.lastData.Equal(now) {
		t.Error("data reference not advanced")
	}
	if got := env.transport.data[0].Temperature; got != 22.5 {
		t.Errorf("temperature = %v, want 22.5", got)
	}
}

func TestTickHoldsBeforeInterval(t *testing.T) {
	env := newTestEnv(t)
	now := time.Now()
	tm := &timers{lastData: now.Add(-29 * time.Second), lastState: now}

	env.r.tick(context.Background(), now, tm)

	if data, _, _ := env.transport.counts(); data != 0 {
		t.Errorf("data publishes = %d, want 0 before the interval elapses", data)
	}
}

func TestTickSkipsDataWhenModeOff(t *testing.T) {
	env := newTestEnv(t)
	if err := env.store.SetMode(device.ModeOff); err != nil {
		t.Fatalf("SetMode: %v", err)
	}
	now := time.Now()
	tm := &timers{lastData: now.Add(-31 * time.Second), lastState: now}

	env.r.tick(context.Background(), now, tm)

	if data, _, _ := env.transport.counts(); data != 0 {
		t.Errorf("data publishes = %d, want 0 in mode off", data)
	}
	// The reference still advances so switching back on does not dump
	// a backlog.
	if !tm.lastData.Equal(now) {
		t.Error("data reference not advanced in mode off")
	}
}

func TestTickSkipsWhenDisconnected(t *testing.T) {
	env := newTestEnv(t)
	env.transport.connected = false
	now := time.Now()
	tm := &timers{lastData: now.Add(-time.Hour), lastState: now.Add(-time.Hour)}

	env.r.tick(context.Background(), now, tm)

	data, states, infos := env.transport.counts()
	if data != 0 || states != 0 || infos != 0 {
		t.Errorf("publishes while disconnected: data=%d state=%d info=%d", data, states, infos)
	}
}

func TestTickIntervalChangeResetsTimer(t *testing.T) {
	env := newTestEnv(t)
	if err := env.store.SetInterval(10); err != nil {
		t.Fatalf("SetInterval: %v", err)
	}
	now := time.Now()
	// Way past the new interval, but the change flag must reset the
	// reference instead of firing immediately.
	tm := &timers{lastData: now.Add(-29 * time.Second), lastState: now}

	env.r.tick(context.Background(), now, tm)

	if data, _, _ := env.transport.counts(); data != 0 {
		t.Errorf("data publishes = %d, want 0 right after interval change", data)
	}
	if !tm.lastData.Equal(now) {
		t.Error("data reference not reset on interval change")
	}

	// Next poll past the new interval fires normally.
	later := now.Add(11 * time.Second)
	env.r.tick(context.Background(), later, tm)
	if data, _, _ := env.transport.counts(); data != 1 {
		t.Errorf("data publishes = %d, want 1 after new interval elapsed", data)
	}
}

func TestTickStateBackup(t *testing.T) {
	env := newTestEnv(t)
	// Flip a relay behind the store's back; the backup must sync from
	// hardware before publishing.
	if err := env.relays.Set(device.Fan, true); err != nil {
		t.Fatalf("relay set: %v", err)
	}
	now := time.Now()
	tm := &timers{lastData: now, lastState: now.Add(-61 * time.Second)}

	env.r.tick(context.Background(), now, tm)

	_, states, _ := env.transport.counts()
	if states != 1 {
		t.Fatalf("state publishes = %d, want 1", states)
	}
	p := env.transport.states[0]
	if p.Fan != 1 {
		t.Errorf("fan = %d, want 1 after hardware sync", p.Fan)
	}
	if p.Mode != 1 || p.Interval != 30 {
		t.Errorf("payload = %+v, want mode=1 interval=30", p)
	}
	if !tm.lastState.Equal(now) {
		t.Error("state reference not advanced")
	}
}

func TestPublishDataUsesClockOffset(t *testing.T) {
	env := newTestEnv(t)
	past := time.Now().Add(-2 * time.Hour)
	if err := env.clock.SetTime(past); err != nil {
		t.Fatalf("SetTime: %v", err)
	}

	if err := env.r.PublishData(context.Background()); err != nil {
		t.Fatalf("PublishData: %v", err)
	}

	ts := env.transport.data[0].Timestamp
	if diff := ts - past.Unix(); diff < 0 || diff > 2 {
		t.Errorf("timestamp = %d, want close to %d", ts, past.Unix())
	}
}

func TestPublishDataFallsBackToCache(t *testing.T) {
	env := newTestEnv(t)
	env.cache.Update(sensors.Reading{Temperature: 19.5, Humidity: 55, Light: 120})
	env.source.err = errors.New("bus timeout")

	if err := env.r.PublishData(context.Background()); err != nil {
		t.Fatalf("PublishData with cache: %v", err)
	}
	if got := env.transport.data[0].Temperature; got != 19.5 {
		t.Errorf("temperature = %v, want cached 19.5", got)
	}
}

func TestPublishDataFailsWithoutCache(t *testing.T) {
	env := newTestEnv(t)
	env.source.err = errors.New("bus timeout")

	if err := env.r.PublishData(context.Background()); err == nil {
		t.Error("PublishData should fail with no reading and empty cache")
	}
	if data, _, _ := env.transport.counts(); data != 0 {
		t.Errorf("data publishes = %d, want 0", data)
	}
}

func TestPublishInfo(t *testing.T) {
	env := newTestEnv(t)

	if err := env.r.PublishInfo(context.Background()); err != nil {
		t.Fatalf("PublishInfo: %v", err)
	}

	p := env.transport.infos[0]
	if p.ID != "dev-01" || p.SSID != "HomeNet" || p.IP != "192.168.1.50" {
		t.Errorf("info payload = %+v", p)
	}
	if p.Broker != "mqtt://localhost:1883" || p.Firmware != "1.2.3" {
		t.Errorf("info payload = %+v", p)
	}
}

func TestPublishInfoFallbacks(t *testing.T) {
	env := newTestEnv(t)
	env.r.network = &fakeNetwork{ssid: "", ip: "", err: errors.New("not connected")}

	if err := env.r.PublishInfo(context.Background()); err != nil {
		t.Fatalf("PublishInfo: %v", err)
	}

	p := env.transport.infos[0]
	if p.SSID != "Unknown" {
		t.Errorf("ssid = %q, want Unknown", p.SSID)
	}
	if p.IP != "0.0.0.0" {
		t.Errorf("ip = %q, want 0.0.0.0", p.IP)
	}
}

func TestTransportUpPublishesInfo(t *testing.T) {
	env := newTestEnv(t)
	env.transport.infoCh = make(chan struct{}, 1)
	bus := events.NewBus()
	env.r.bus = bus

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		env.r.Run(ctx)
		close(done)
	}()

	// Give Run a moment to subscribe.
	deadline := time.Now().Add(2 * time.Second)
	for bus.SubscriberCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("reporter never subscribed to the bus")
		}
		time.Sleep(5 * time.Millisecond)
	}

	bus.Publish(events.Event{Source: events.SourceMQTT, Kind: events.KindTransportUp})

	select {
	case <-env.transport.infoCh:
	case <-time.After(2 * time.Second):
		t.Fatal("info not published on transport up")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("reporter did not stop on cancel")
	}
}
