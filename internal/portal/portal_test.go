package portal

import (
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/miekg/dns"

	"github.com/climon-dev/climon/internal/config"
	"github.com/climon-dev/climon/internal/events"
	"github.com/climon-dev/climon/internal/storage"
	"github.com/climon-dev/climon/internal/wifi"
	"github.com/climon-dev/climon/internal/wifisim"

	_ "modernc.org/sqlite"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeRestarter struct {
	mu      sync.Mutex
	reasons []string
	delay   time.Duration
}

func (f *fakeRestarter) RequestRestart(reason string, delay time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reasons = append(f.reasons, reason)
	f.delay = delay
}

func (f *fakeRestarter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reasons)
}

type testEnv struct {
	portal  *Server
	manager *wifi.Manager
	radio   *wifisim.Radio
	kv      *storage.Store
	bus     *events.Bus
	window  *events.Window
	rst     *fakeRestarter
}

func newTestEnv(t *testing.T, networks []wifisim.Network) *testEnv {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	kv, err := storage.NewStore(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	radio := wifisim.New(networks)
	bus := events.NewBus()
	wcfg := config.WiFiConfig{
		Driver:           "sim",
		MaxRetry:         3,
		ReconnectDelayMS: 2,
		SettleDelayMS:    2,
		ScanMax:          10,
		AP: config.APConfig{
			SSID:       "Climon-Setup",
			Channel:    1,
			MaxClients: 4,
			Address:    "192.168.4.1",
		},
	}
	m := wifi.NewManager(wcfg, radio, kv, bus, testLogger())
	rst := &fakeRestarter{}
	window := events.NewWindow(16, 10*time.Minute)

	p := New(Deps{
		Config:  config.PortalConfig{Listen: "127.0.0.1:0", DNSListen: "127.0.0.1:0"},
		AP:      wcfg.AP,
		Manager: m,
		Restart: rst,
		Bus:     bus,
		Window:  window,
		Logger:  testLogger(),
		Out:     io.Discard,
	})

	return &testEnv{portal: p, manager: m, radio: radio, kv: kv, bus: bus, window: window, rst: rst}
}

func (env *testEnv) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	env.portal.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func (env *testEnv) post(t *testing.T, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	env.portal.Handler().ServeHTTP(rec, req)
	return rec
}

func TestIndexServed(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.get(t, "/")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET / = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("Content-Type = %q", ct)
	}
	if !strings.Contains(rec.Body.String(), "Climon Setup") {
		t.Error("index page does not contain the setup heading")
	}

	for path, want := range map[string]string{
		"/style.css": "text/css",
		"/script.js": "application/javascript",
	} {
		rec := env.get(t, path)
		if rec.Code != http.StatusOK {
			t.Errorf("GET %s = %d", path, rec.Code)
		}
		if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, want) {
			t.Errorf("GET %s Content-Type = %q, want %s", path, ct, want)
		}
	}
}

func TestScanEndpoint(t *testing.T) {
	env := newTestEnv(t, []wifisim.Network{
		{SSID: "Weak", Passphrase: "x", RSSI: -80},
		{SSID: "Strong", Passphrase: "", RSSI: -40},
	})

	rec := env.get(t, "/scan")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /scan = %d", rec.Code)
	}

	var results []wifi.ScanResult
	if err := json.NewDecoder(rec.Body).Decode(&results); err != nil {
		t.Fatalf("decode scan response: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("scan returned %d networks, want 2", len(results))
	}
	if results[0].SSID != "Strong" {
		t.Errorf("strongest network = %q, want Strong", results[0].SSID)
	}
	if results[0].Auth != "open" {
		t.Errorf("Strong auth = %q, want open", results[0].Auth)
	}
	if results[1].RSSI != -80 {
		t.Errorf("Weak rssi = %d", results[1].RSSI)
	}
}

func TestConnectSavesAndSchedulesRestart(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.post(t, "/connect", `{"ssid":"HomeNet","password":"pw12345678"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("POST /connect = %d, body %s", rec.Code, rec.Body.String())
	}

	var resp map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["status"] != "ok" || resp["message"] != "Connecting..." {
		t.Errorf("response = %v", resp)
	}

	creds, ok, err := wifi.LoadCredentials(env.kv)
	if err != nil || !ok {
		t.Fatalf("LoadCredentials = %v, %v", ok, err)
	}
	if creds.SSID != "HomeNet" {
		t.Errorf("stored SSID = %q", creds.SSID)
	}

	if env.rst.count() != 1 {
		t.Fatalf("restart requested %d times, want 1", env.rst.count())
	}
	if env.rst.delay != time.Second {
		t.Errorf("restart delay = %v, want 1s", env.rst.delay)
	}
}

func TestConnectMissingSSID(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.post(t, "/connect", `{"password":"pw"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("POST /connect without ssid = %d, want 400", rec.Code)
	}
	if env.rst.count() != 0 {
		t.Error("restart requested for a rejected connect")
	}
	if env.manager.IsProvisioned() {
		t.Error("manager provisioned by a rejected connect")
	}
}

func TestConnectMalformedBody(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.post(t, "/connect", `not json`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("POST /connect with garbage = %d, want 400", rec.Code)
	}
}

func TestStatusDisconnected(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.get(t, "/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /status = %d", rec.Code)
	}

	var status map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status["connected"] != false || status["provisioned"] != false {
		t.Errorf("status = %v", status)
	}
	if _, present := status["ip"]; present {
		t.Error("ip reported while disconnected")
	}
	if _, present := status["rssi"]; present {
		t.Error("rssi reported while disconnected")
	}
}

func TestStatusConnected(t *testing.T) {
	env := newTestEnv(t, []wifisim.Network{
		{SSID: "HomeNet", Passphrase: "pw12345678", RSSI: -48},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go env.manager.Run(ctx)

	if err := env.manager.Connect("HomeNet", "pw12345678"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	deadline := time.After(2 * time.Second)
	for !env.manager.IsConnected() {
		select {
		case <-deadline:
			t.Fatal("manager never connected")
		case <-time.After(5 * time.Millisecond):
		}
	}

	var status map[string]any
	rec := env.get(t, "/status")
	if err := json.NewDecoder(rec.Body).Decode(&status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status["connected"] != true {
		t.Error("connected = false after association")
	}
	if status["ip"] != "192.168.1.50" {
		t.Errorf("ip = %v", status["ip"])
	}
	if status["rssi"] != float64(-48) {
		t.Errorf("rssi = %v", status["rssi"])
	}
}

func TestResetClearsCredentials(t *testing.T) {
	env := newTestEnv(t, nil)

	if err := env.manager.SaveCredentials("HomeNet", "pw12345678"); err != nil {
		t.Fatalf("SaveCredentials: %v", err)
	}

	rec := env.post(t, "/reset", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("POST /reset = %d", rec.Code)
	}

	var resp map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["message"] != "Credentials cleared" {
		t.Errorf("message = %q", resp["message"])
	}

	if _, ok, err := wifi.LoadCredentials(env.kv); err != nil || ok {
		t.Errorf("credentials survived reset (ok=%v err=%v)", ok, err)
	}
	if env.rst.count() != 1 {
		t.Errorf("restart requested %d times, want 1", env.rst.count())
	}
}

func TestUnknownPathRedirects(t *testing.T) {
	env := newTestEnv(t, nil)

	// Captive-portal probes from phones hit vendor-specific paths.
	rec := env.get(t, "/hotspot-detect.html")
	if rec.Code != http.StatusFound {
		t.Fatalf("GET /hotspot-detect.html = %d, want 302", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != "/" {
		t.Errorf("Location = %q, want /", loc)
	}
}

func TestEventsStream(t *testing.T) {
	env := newTestEnv(t, nil)

	srv := httptest.NewServer(env.portal.Handler())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	defer conn.Close()

	// The handler subscribes after the upgrade; publish only once the
	// subscription exists.
	deadline := time.After(2 * time.Second)
	for env.bus.SubscriberCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("events handler never subscribed")
		case <-time.After(5 * time.Millisecond):
		}
	}

	env.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceWiFi,
		Kind:      events.KindConnecting,
		Data:      map[string]any{"ssid": "HomeNet"},
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev events.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if ev.Kind != events.KindConnecting || ev.Source != events.SourceWiFi {
		t.Errorf("event = %s/%s", ev.Source, ev.Kind)
	}
	if ev.Data["ssid"] != "HomeNet" {
		t.Errorf("event ssid = %v", ev.Data["ssid"])
	}
}

func TestActivityEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)

	env.window.Add(events.Event{
		Source: events.SourceWiFi,
		Kind:   events.KindConnecting,
		Data:   map[string]any{"ssid": "HomeNet"},
	})
	env.window.Add(events.Event{
		Source: events.SourceWiFi,
		Kind:   events.KindDisconnected,
	})

	rec := env.get(t, "/activity")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /activity = %d", rec.Code)
	}

	var got []events.Event
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal activity: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d events, want 2", len(got))
	}
	// Newest first.
	if got[0].Kind != events.KindDisconnected {
		t.Errorf("got[0].Kind = %s, want %s", got[0].Kind, events.KindDisconnected)
	}
	if got[1].Kind != events.KindConnecting {
		t.Errorf("got[1].Kind = %s, want %s", got[1].Kind, events.KindConnecting)
	}
	if got[1].Data["ssid"] != "HomeNet" {
		t.Errorf("got[1] ssid = %v", got[1].Data["ssid"])
	}
}

func TestActivityWithoutWindow(t *testing.T) {
	env := newTestEnv(t, nil)
	env.portal.window = nil

	rec := env.get(t, "/activity")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /activity = %d", rec.Code)
	}
	if body := strings.TrimSpace(rec.Body.String()); body != "[]" {
		t.Errorf("body = %q, want empty array", body)
	}
}

func TestStartStopIdempotent(t *testing.T) {
	env := newTestEnv(t, nil)

	if err := env.portal.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := env.portal.Start(); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if err := env.portal.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := env.portal.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

func TestCaptiveDNS(t *testing.T) {
	srv, err := newDNSServer("127.0.0.1:0", "192.168.4.1", testLogger())
	if err != nil {
		t.Fatalf("newDNSServer: %v", err)
	}
	srv.start()
	defer srv.stop()

	query := new(dns.Msg)
	query.SetQuestion("connectivitycheck.example.com.", dns.TypeA)
	reply, err := dns.Exchange(query, srv.addr())
	if err != nil {
		t.Fatalf("exchange A query: %v", err)
	}
	if !reply.Authoritative {
		t.Error("A reply not authoritative")
	}
	if len(reply.Answer) != 1 {
		t.Fatalf("A reply has %d answers, want 1", len(reply.Answer))
	}
	a, ok := reply.Answer[0].(*dns.A)
	if !ok {
		t.Fatalf("answer is %T, want *dns.A", reply.Answer[0])
	}
	if got := a.A.String(); got != "192.168.4.1" {
		t.Errorf("answer = %s, want 192.168.4.1", got)
	}
	if a.Hdr.Ttl != 60 {
		t.Errorf("ttl = %d, want 60", a.Hdr.Ttl)
	}

	// Anything that is not an A question gets an empty authoritative
	// reply, never an error.
	query = new(dns.Msg)
	query.SetQuestion("example.com.", dns.TypeTXT)
	reply, err = dns.Exchange(query, srv.addr())
	if err != nil {
		t.Fatalf("exchange TXT query: %v", err)
	}
	if !reply.Authoritative {
		t.Error("TXT reply not authoritative")
	}
	if len(reply.Answer) != 0 {
		t.Errorf("TXT reply has %d answers, want 0", len(reply.Answer))
	}
}

func TestDNSRejectsBadAPAddress(t *testing.T) {
	if _, err := newDNSServer("127.0.0.1:0", "not-an-ip", testLogger()); err == nil {
		t.Error("newDNSServer accepted a garbage access point address")
	}
}
