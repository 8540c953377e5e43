// Package portal serves the provisioning user interface: the embedded
// web page a phone lands on after joining the setup access point, the
// JSON endpoints behind it, and a captive DNS responder that steers
// every hostname at the device. The wifi manager starts and stops the
// portal together with the access point.
package portal

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	qrcode "github.com/skip2/go-qrcode"
	"golang.org/x/net/netutil"

	"github.com/climon-dev/climon/internal/config"
	"github.com/climon-dev/climon/internal/events"
	"github.com/climon-dev/climon/internal/wifi"
)

//go:embed static
var staticFiles embed.FS

const (
	// restartDelay leaves room for the acknowledgement to reach the
	// browser before the agent reinitializes.
	restartDelay = time.Second

	// connsPerClient sizes the accept cap: one joined phone opens
	// several sockets for a single page load.
	connsPerClient = 4

	shutdownTimeout = 5 * time.Second
)

// Restarter schedules a controlled reinitialization after credentials
// change.
type Restarter interface {
	RequestRestart(reason string, delay time.Duration)
}

// Deps are the portal's collaborators.
type Deps struct {
	Config  config.PortalConfig
	AP      config.APConfig
	Manager *wifi.Manager
	Restart Restarter
	Bus     *events.Bus
	// Window, when set, backs the activity endpoint with events from
	// before the page connected.
	Window *events.Window
	Logger *slog.Logger

	// Out receives the join QR code. Nil means os.Stdout.
	Out io.Writer
}

// Server is the provisioning portal. It implements wifi.ProvisioningUI.
type Server struct {
	cfg     config.PortalConfig
	ap      config.APConfig
	manager *wifi.Manager
	restart Restarter
	bus     *events.Bus
	window  *events.Window
	logger  *slog.Logger
	out     io.Writer

	mu      sync.Mutex
	httpSrv *http.Server
	dns     *dnsServer
	stop    chan struct{}
}

// New creates the portal. Nothing listens until Start.
func New(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	out := deps.Out
	if out == nil {
		out = os.Stdout
	}
	return &Server{
		cfg:     deps.Config,
		ap:      deps.AP,
		manager: deps.Manager,
		restart: deps.Restart,
		bus:     deps.Bus,
		window:  deps.Window,
		logger:  logger,
		out:     out,
	}
}

// Start binds the HTTP and DNS listeners. Starting a running portal is
// a no-op.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpSrv != nil {
		return nil
	}

	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("bind portal listener: %w", err)
	}

	dnsSrv, err := newDNSServer(s.cfg.DNSListen, s.ap.Address, s.logger)
	if err != nil {
		ln.Close()
		return err
	}

	srv := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	s.httpSrv = srv
	s.dns = dnsSrv
	s.stop = make(chan struct{})

	limit := s.ap.MaxClients * connsPerClient
	go func() {
		if err := srv.Serve(netutil.LimitListener(ln, limit)); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("portal server failed", "error", err)
		}
	}()
	dnsSrv.start()

	s.logger.Info("provisioning portal started",
		"addr", ln.Addr().String(),
		"dns", dnsSrv.addr(),
		"max_conns", limit)
	s.printJoinQR()
	return nil
}

// Stop shuts both listeners down. Open websockets are severed by the
// stop channel, not by Shutdown, which does not track hijacked
// connections.
func (s *Server) Stop() error {
	s.mu.Lock()
	srv := s.httpSrv
	dnsSrv := s.dns
	stop := s.stop
	s.httpSrv = nil
	s.dns = nil
	s.stop = nil
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	close(stop)

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if err := srv.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("portal shutdown: %w", err))
	}
	if err := dnsSrv.stop(); err != nil {
		errs = append(errs, fmt.Errorf("captive dns shutdown: %w", err))
	}
	s.logger.Info("provisioning portal stopped")
	return errors.Join(errs...)
}

// Handler builds the route tree.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/", s.serveAsset("index.html", "text/html; charset=utf-8"))
	r.Get("/style.css", s.serveAsset("style.css", "text/css; charset=utf-8"))
	r.Get("/script.js", s.serveAsset("script.js", "application/javascript; charset=utf-8"))

	r.Get("/scan", s.handleScan)
	r.Post("/connect", s.handleConnect)
	r.Get("/status", s.handleStatus)
	r.Post("/reset", s.handleReset)
	r.Get("/events", s.handleEvents)
	r.Get("/activity", s.handleActivity)

	// Captive-portal probes request arbitrary paths once DNS points
	// them here; steer them all at the page.
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/", http.StatusFound)
	})
	return r
}

func (s *Server) serveAsset(name, contentType string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		data, err := staticFiles.ReadFile("static/" + name)
		if err != nil {
			http.Error(w, "asset missing", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", contentType)
		w.Write(data)
	}
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	results, err := s.manager.Scan(r.Context())
	if err != nil {
		s.logger.Error("network scan failed", "error", err)
		writeError(w, http.StatusInternalServerError, "scan_failed", "Scan failed")
		return
	}
	writeJSON(w, http.StatusOK, results)
}

type connectRequest struct {
	SSID     string `json:"ssid"`
	Password string `json:"password"`
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", "Invalid JSON payload")
		return
	}
	if req.SSID == "" {
		writeError(w, http.StatusBadRequest, "invalid_credentials", "ssid is required")
		return
	}

	if err := s.manager.SaveCredentials(req.SSID, req.Password); err != nil {
		s.logger.Error("failed to save credentials", "error", err)
		writeError(w, http.StatusInternalServerError, "save_failed", "Failed to save credentials")
		return
	}

	s.logger.Info("credentials received, scheduling reconnect", "ssid", req.SSID)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "message": "Connecting..."})
	s.publish(events.KindProvisioningSuccess, map[string]any{"ssid": req.SSID})
	s.restart.RequestRestart("provisioning credentials received", restartDelay)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	connected := s.manager.IsConnected()
	resp := map[string]any{
		"connected":   connected,
		"provisioned": s.manager.IsProvisioned(),
	}
	if connected {
		if ip, err := s.manager.IP(); err == nil {
			resp["ip"] = ip
		}
		if rssi, err := s.manager.RSSI(); err == nil {
			resp["rssi"] = rssi
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleReset(w http.ResponseWriter, _ *http.Request) {
	if err := s.manager.ClearCredentials(); err != nil {
		s.logger.Error("failed to clear credentials", "error", err)
		writeError(w, http.StatusInternalServerError, "reset_failed", "Failed to clear credentials")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "message": "Credentials cleared"})
	s.restart.RequestRestart("wifi credentials reset", restartDelay)
}

// handleActivity returns recent connectivity events, newest first. The
// live stream only carries events from after the page connected; this
// fills in how the device got here.
func (s *Server) handleActivity(w http.ResponseWriter, _ *http.Request) {
	if s.window == nil {
		writeJSON(w, http.StatusOK, []events.Event{})
		return
	}
	writeJSON(w, http.StatusOK, s.window.Recent())
}

// The portal is an open network serving a single local page; origin
// checks add nothing.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleEvents streams connectivity bus events over a websocket so the
// page can show live progress while the device reconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	s.mu.Lock()
	stop := s.stop
	s.mu.Unlock()

	ch := s.bus.Subscribe(16)
	defer s.bus.Unsubscribe(ch)

	// Read only to notice the peer going away; the page never sends.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case <-stop:
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				s.logger.Debug("websocket write failed", "error", err)
				return
			}
		}
	}
}

// printJoinQR renders the setup network as a scannable QR so a phone
// can join without typing the SSID.
func (s *Server) printJoinQR() {
	if s.ap.SSID == "" {
		return
	}
	qr, err := qrcode.New(fmt.Sprintf("WIFI:T:nopass;S:%s;;", s.ap.SSID), qrcode.Medium)
	if err != nil {
		s.logger.Warn("join qr generation failed", "error", err)
		return
	}
	fmt.Fprintf(s.out, "Join %q and open http://%s/ to set up WiFi:\n%s",
		s.ap.SSID, s.ap.Address, qr.ToSmallString(false))
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("portal request",
			"method", r.Method,
			"path", r.URL.Path,
			"remote", r.RemoteAddr,
			"duration", time.Since(start))
	})
}

func (s *Server) publish(kind string, data map[string]any) {
	s.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourcePortal,
		Kind:      kind,
		Data:      data,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": message,
		},
	})
}
