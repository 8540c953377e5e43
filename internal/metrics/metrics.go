// Package metrics exposes Prometheus instrumentation for the
// connectivity core. Init is optional; every helper is a no-op until
// it runs, so instrumented packages never need to know whether the
// operator enabled the listener.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricPrefix = "climon_"

// Publish channels.
const (
	ChannelData     = "data"
	ChannelState    = "state"
	ChannelInfo     = "info"
	ChannelResponse = "response"
	ChannelStatus   = "status"
)

// Skip reasons.
const (
	SkipModeOff = "mode_off"
	SkipBusy    = "busy"
)

var (
	registerOnce sync.Once

	commandsTotal *prometheus.CounterVec

	publishesTotal    *prometheus.CounterVec
	publishSkipsTotal *prometheus.CounterVec

	wifiRetriesTotal prometheus.Counter
	wifiState        prometheus.Gauge

	transportConnected prometheus.Gauge
)

// Init registers the collectors. Safe to call more than once.
func Init() {
	registerOnce.Do(func() {
		commandsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "commands_total",
				Help: "Total handled commands by command and status",
			},
			[]string{"command", "status"},
		)

		publishesTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "publishes_total",
				Help: "Total MQTT publishes by channel",
			},
			[]string{"channel"},
		)
		publishSkipsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "publish_skips_total",
				Help: "Total scheduled publishes skipped by reason",
			},
			[]string{"reason"},
		)

		wifiRetriesTotal = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "wifi_retries_total",
				Help: "Total WiFi reconnect attempts",
			},
		)
		wifiState = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "wifi_state",
				Help: "WiFi state machine position (0=idle 1=provisioning 2=connecting 3=connected 4=disconnected)",
			},
		)

		transportConnected = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "transport_connected",
				Help: "Whether the MQTT session is up (0 or 1)",
			},
		)

		prometheus.MustRegister(
			commandsTotal,
			publishesTotal,
			publishSkipsTotal,
			wifiRetriesTotal,
			wifiState,
			transportConnected,
		)
	})
}

// IncCommand counts a handled command.
func IncCommand(command, status string) {
	if command == "" {
		command = "unknown"
	}
	if status == "" {
		status = "unknown"
	}
	if commandsTotal != nil {
		commandsTotal.WithLabelValues(command, status).Inc()
	}
}

// IncPublish counts an outbound publish.
func IncPublish(channel string) {
	if channel == "" {
		channel = "unknown"
	}
	if publishesTotal != nil {
		publishesTotal.WithLabelValues(channel).Inc()
	}
}

// IncPublishSkip counts a scheduled publish that did not happen.
func IncPublishSkip(reason string) {
	if reason == "" {
		reason = "unknown"
	}
	if publishSkipsTotal != nil {
		publishSkipsTotal.WithLabelValues(reason).Inc()
	}
}

// IncWiFiRetry counts a reconnect attempt.
func IncWiFiRetry() {
	if wifiRetriesTotal != nil {
		wifiRetriesTotal.Inc()
	}
}

// SetWiFiState records the state machine position.
func SetWiFiState(state int) {
	if wifiState != nil {
		wifiState.Set(float64(state))
	}
}

// SetTransportConnected records the MQTT session state.
func SetTransportConnected(up bool) {
	if transportConnected != nil {
		if up {
			transportConnected.Set(1)
		} else {
			transportConnected.Set(0)
		}
	}
}

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics listener started", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
