package wifi

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/climon-dev/climon/internal/config"
	"github.com/climon-dev/climon/internal/events"
	"github.com/climon-dev/climon/internal/metrics"
	"github.com/climon-dev/climon/internal/storage"
)

// ProvisioningUI is the user-facing provisioning surface (HTTP portal
// plus captive DNS). The manager brings it up and down with the access
// point so the two can never be observed out of step.
type ProvisioningUI interface {
	Start() error
	Stop() error
}

// Manager drives the connectivity state machine. Radio events arrive
// on a single goroutine (Run); exported methods may be called from any
// goroutine. Bus events are published after the internal lock is
// released, so subscribers can call back into the manager freely.
type Manager struct {
	cfg    config.WiFiConfig
	radio  Radio
	kv     *storage.Store
	bus    *events.Bus
	logger *slog.Logger

	mu          sync.Mutex
	ui          ProvisioningUI
	state       State
	creds       Credentials
	provisioned bool
	retryCount  int
	lastSSID    string
}

// NewManager creates the state machine in the idle state. Persisted
// credentials are loaded immediately; a credential read failure is
// logged and treated as unprovisioned, matching a device booting with
// a blank settings store.
func NewManager(cfg config.WiFiConfig, radio Radio, kv *storage.Store, bus *events.Bus, logger *slog.Logger) *Manager {
	m := &Manager{
		cfg:    cfg,
		radio:  radio,
		kv:     kv,
		bus:    bus,
		logger: logger,
		state:  StateIdle,
	}

	creds, ok, err := LoadCredentials(kv)
	if err != nil {
		logger.Warn("failed to load wifi credentials, treating as unprovisioned", "error", err)
		return m
	}
	m.creds = creds
	m.provisioned = ok
	if ok {
		logger.Info("loaded wifi credentials", "ssid", creds.SSID)
	}
	return m
}

// SetProvisioningUI wires the portal. Call during assembly, before
// Start.
func (m *Manager) SetProvisioningUI(ui ProvisioningUI) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ui = ui
}

// Start begins connectivity: station association when provisioned,
// otherwise the provisioning access point.
func (m *Manager) Start() error {
	m.mu.Lock()
	provisioned := m.provisioned && m.creds.SSID != ""
	creds := m.creds
	m.mu.Unlock()

	if !provisioned {
		m.logger.Warn("not provisioned, starting provisioning mode")
		return m.StartProvisioning()
	}
	return m.Connect(creds.SSID, creds.Password)
}

// Connect starts station association with the given network. The
// outcome arrives as radio events; Connect only kicks it off.
func (m *Manager) Connect(ssid, password string) error {
	if ssid == "" {
		return fmt.Errorf("ssid must not be empty")
	}

	m.mu.Lock()
	if err := m.radio.StartStation(ssid, DerivePSK(ssid, password)); err != nil {
		m.mu.Unlock()
		return fmt.Errorf("start station: %w", err)
	}
	m.setState(StateConnecting)
	m.retryCount = 0
	m.lastSSID = ssid
	m.mu.Unlock()

	m.publish(events.KindConnecting, map[string]any{"ssid": ssid})
	m.logger.Info("connecting", "ssid", ssid)
	return nil
}

// Disconnect drops the current association. The resulting radio event
// goes through the normal retry path.
func (m *Manager) Disconnect() error {
	return m.radio.Disconnect()
}

// StartProvisioning brings up the open access point, then the portal
// and captive DNS.
func (m *Manager) StartProvisioning() error {
	m.mu.Lock()
	if err := m.radio.StartAP(m.cfg.AP); err != nil {
		m.mu.Unlock()
		return fmt.Errorf("start access point: %w", err)
	}
	m.setState(StateProvisioning)
	ui := m.ui
	m.mu.Unlock()

	if ui != nil {
		if err := ui.Start(); err != nil {
			m.logger.Error("failed to start provisioning portal", "error", err)
		}
	}

	m.publish(events.KindProvisioningStarted, map[string]any{"ap_ssid": m.cfg.AP.SSID})
	m.logger.Info("provisioning started",
		"ap_ssid", m.cfg.AP.SSID,
		"ap_address", m.cfg.AP.Address,
		"channel", m.cfg.AP.Channel)
	return nil
}

// StopProvisioning tears down the portal and idles the radio.
func (m *Manager) StopProvisioning() error {
	m.mu.Lock()
	ui := m.ui
	m.setState(StateIdle)
	m.mu.Unlock()

	if ui != nil {
		if err := ui.Stop(); err != nil {
			m.logger.Warn("failed to stop provisioning portal", "error", err)
		}
	}
	return m.radio.Stop()
}

// Run consumes radio events until ctx is cancelled. Every radio-driven
// state transition happens here, on one goroutine.
func (m *Manager) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-m.radio.Events():
			if !ok {
				return
			}
			m.handleRadioEvent(ctx, ev)
		}
	}
}

func (m *Manager) handleRadioEvent(ctx context.Context, ev RadioEvent) {
	m.logger.Debug("radio event", "kind", ev.Kind.String(), "ip", ev.IP, "reason", ev.Reason)

	switch ev.Kind {
	case EventStationStarted:
		if err := m.radio.Connect(); err != nil {
			m.logger.Error("association kick failed", "error", err)
		}

	case EventGotIP:
		m.mu.Lock()
		m.retryCount = 0
		m.setState(StateConnected)
		m.mu.Unlock()

		m.logger.Info("got ip", "ip", ev.IP)
		m.publish(events.KindGotIP, map[string]any{"ip": ev.IP})

	case EventDisconnected:
		m.handleDisconnect(ctx, ev)
	}
}

// handleDisconnect implements the retry budget: up to MaxRetry
// reattempts, each returning the machine to connecting after the
// reconnect delay, then credentials are cleared and the machine falls
// back to provisioning. Disconnect noise while provisioning is
// ignored; the access point stays up.
func (m *Manager) handleDisconnect(ctx context.Context, ev RadioEvent) {
	m.mu.Lock()
	if m.state == StateProvisioning {
		m.mu.Unlock()
		return
	}
	m.setState(StateDisconnected)
	shouldRetry := m.retryCount < m.cfg.MaxRetry
	if shouldRetry {
		m.retryCount++
	}
	attempt := m.retryCount
	m.mu.Unlock()

	m.publish(events.KindDisconnected, map[string]any{"reason": ev.Reason})

	if shouldRetry {
		metrics.IncWiFiRetry()
		m.logger.Info("retry connecting", "attempt", attempt, "max", m.cfg.MaxRetry)
		if !sleepCtx(ctx, m.cfg.ReconnectDelay()) {
			return
		}
		m.mu.Lock()
		m.setState(StateConnecting)
		m.mu.Unlock()
		if err := m.radio.Connect(); err != nil {
			m.logger.Error("reconnect attempt failed", "error", err)
		}
		return
	}

	m.logger.Error("failed to connect, retry budget exhausted", "attempts", m.cfg.MaxRetry)
	m.logger.Warn("clearing credentials and starting provisioning mode")

	// Clear the failed credentials so the next boot goes straight to
	// provisioning instead of repeating the retry loop.
	if err := m.ClearCredentials(); err != nil {
		m.logger.Error("failed to clear credentials", "error", err)
	}
	m.publish(events.KindProvisioningFailed, map[string]any{"attempts": m.cfg.MaxRetry})

	_ = m.radio.Disconnect()
	if err := m.radio.Stop(); err != nil {
		m.logger.Warn("radio stop failed", "error", err)
	}

	// Let the radio settle before flipping to AP mode.
	if !sleepCtx(ctx, m.cfg.SettleDelay()) {
		return
	}
	if err := m.StartProvisioning(); err != nil {
		m.logger.Error("failed to start provisioning", "error", err)
	}
}

// Close stops the provisioning surface if it is up and idles the
// radio. Called during agent teardown; the event goroutine exits via
// its context.
func (m *Manager) Close() error {
	m.mu.Lock()
	ui := m.ui
	m.setState(StateIdle)
	m.mu.Unlock()

	if ui != nil {
		if err := ui.Stop(); err != nil {
			m.logger.Warn("failed to stop provisioning portal", "error", err)
		}
	}
	return m.radio.Stop()
}

// State returns the current machine state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsConnected reports whether the station holds an address.
func (m *Manager) IsConnected() bool {
	return m.State() == StateConnected
}

// IsProvisioned reports whether credentials are stored.
func (m *Manager) IsProvisioned() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.provisioned
}

// ConnectedSSID returns the associated network's name, or empty when
// not connected.
func (m *Manager) ConnectedSSID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateConnected {
		return ""
	}
	return m.lastSSID
}

// IP returns the station address. Fails when not connected.
func (m *Manager) IP() (string, error) {
	if !m.IsConnected() {
		return "", fmt.Errorf("not connected")
	}
	return m.radio.IP()
}

// RSSI returns the association's signal strength in dBm.
func (m *Manager) RSSI() (int, error) {
	return m.radio.RSSI()
}

// Scan lists visible networks, strongest first, bounded by the
// configured maximum.
func (m *Manager) Scan(ctx context.Context) ([]ScanResult, error) {
	return m.radio.Scan(ctx, m.cfg.ScanMax)
}

// SaveCredentials persists a network and updates the in-memory copy.
// SSID and password length limits follow the 802.11 element sizes.
func (m *Manager) SaveCredentials(ssid, password string) error {
	if ssid == "" {
		return fmt.Errorf("ssid must not be empty")
	}
	if len(ssid) > maxSSIDLen {
		return fmt.Errorf("ssid exceeds %d bytes", maxSSIDLen)
	}
	if len(password) > maxPasswordLen {
		return fmt.Errorf("password exceeds %d bytes", maxPasswordLen)
	}
	if err := SaveCredentials(m.kv, ssid, password); err != nil {
		return err
	}

	m.mu.Lock()
	m.creds = Credentials{SSID: ssid, Password: password}
	m.provisioned = true
	m.mu.Unlock()

	m.logger.Info("credentials saved", "ssid", ssid)
	return nil
}

// ClearCredentials wipes the stored network and the in-memory copy.
func (m *Manager) ClearCredentials() error {
	if err := ClearCredentials(m.kv); err != nil {
		return err
	}

	m.mu.Lock()
	m.creds = Credentials{}
	m.provisioned = false
	m.mu.Unlock()

	m.logger.Info("credentials cleared")
	return nil
}

// setState records a transition. Callers hold m.mu.
func (m *Manager) setState(s State) {
	m.state = s
	metrics.SetWiFiState(int(s))
}

func (m *Manager) publish(kind string, data map[string]any) {
	m.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceWiFi,
		Kind:      kind,
		Data:      data,
	})
}

// sleepCtx sleeps for d, returning false early if ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
