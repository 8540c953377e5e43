// Climon is the connectivity core of a smart environmental controller.
//
// It keeps the device associated with a WiFi network (falling back to a
// captive provisioning portal when no credentials work), maintains an
// MQTT session with the home broker, executes remote commands, and
// publishes sensor readings and actuator state on fixed intervals.
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	climon serve             Run the device agent
//	climon init [dir]        Initialize a working directory with defaults
//	climon reset-wifi        Clear stored WiFi credentials
//	climon version           Print version and build information
//	climon -o json version   Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/climon-dev/climon/internal/actuators"
	"github.com/climon-dev/climon/internal/buildinfo"
	"github.com/climon-dev/climon/internal/command"
	"github.com/climon-dev/climon/internal/config"
	"github.com/climon-dev/climon/internal/device"
	"github.com/climon-dev/climon/internal/events"
	"github.com/climon-dev/climon/internal/identity"
	"github.com/climon-dev/climon/internal/lifecycle"
	"github.com/climon-dev/climon/internal/metrics"
	"github.com/climon-dev/climon/internal/mqtt"
	"github.com/climon-dev/climon/internal/portal"
	"github.com/climon-dev/climon/internal/reporter"
	"github.com/climon-dev/climon/internal/sensors"
	"github.com/climon-dev/climon/internal/storage"
	"github.com/climon-dev/climon/internal/wifi"
	"github.com/climon-dev/climon/internal/wifisim"
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run]. This keeps
// os.Exit, os.Stdout, and os.Args out of the application logic so that
// the full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the climon command. All OS-level
// dependencies are injected as parameters:
//
//   - ctx controls the lifetime of the process. Cancelling it triggers
//     graceful shutdown of the portal, the broker session, and all
//     background goroutines.
//   - stdout and stderr receive all program output. Structured logs go
//     to stdout; fatal error messages go to stderr.
//   - args is os.Args[1:] — the command-line arguments after the program
//     name. We parse these manually rather than using the flag package
//     to avoid global state that interferes with parallel tests.
//
// run returns nil on clean shutdown and a non-nil error for any failure.
// The caller (main) is responsible for printing the error and exiting.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	// Parse arguments by hand. The flag package relies on package-level
	// globals (flag.CommandLine), which makes it impossible to call run()
	// concurrently from tests. Our argument surface is small enough that
	// manual parsing is clearer than bringing in a CLI framework.
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var cmd string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++ // skip the value
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && cmd == "":
			cmd = args[i]
		default:
			if cmd != "" {
				// Collect remaining args as subcommand arguments.
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	// Default to human-readable text output.
	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch cmd {
	case "serve":
		return runServe(ctx, stdout, stderr, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "reset-wifi":
		return runResetWiFi(stdout, configPath)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", cmd)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	// Print fields in a stable order for human readability.
	for _, k := range []string{"version", "git_commit", "build_date", "go_version", "os", "arch", "uptime"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w. It is called when
// climon is invoked with no arguments, or with -h / --help.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Climon - Environmental Controller Connectivity Core")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: climon [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Run the device agent")
	fmt.Fprintln(w, "  init [dir]   Initialize working directory with defaults (default: .)")
	fmt.Fprintln(w, "  reset-wifi   Clear stored WiFi credentials")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./climon.yaml, ~/.config/climon/climon.yaml, /etc/climon/climon.yaml")
	return nil
}

// runResetWiFi handles the "climon reset-wifi" subcommand. It clears
// the persisted network credentials so the next serve run boots into
// provisioning mode. The equivalent remote path is the portal's reset
// endpoint; this one works from the console when the device is
// unreachable over the network.
func runResetWiFi(stdout io.Writer, configPath string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	kv, err := storage.Open(filepath.Join(cfg.DataDir, "climon.db"))
	if err != nil {
		return fmt.Errorf("open settings store: %w", err)
	}
	defer kv.Close()

	if err := wifi.ClearCredentials(kv); err != nil {
		return fmt.Errorf("clear credentials: %w", err)
	}

	fmt.Fprintf(stdout, "WiFi credentials cleared (config: %s)\n", cfgPath)
	fmt.Fprintln(stdout, "The next 'climon serve' will start in provisioning mode.")
	return nil
}

// runServe handles the "climon serve" subcommand. It is the primary
// operating mode: loads config, then assembles and runs the agent in a
// loop. Where firmware reboots by resetting the chip, this loop tears
// the agent down and builds it again in place — a remote reboot command
// or fresh provisioning credentials land here as a lifecycle request,
// and a factory reset additionally erases the settings store between
// incarnations.
//
// The shutdown sequence on SIGINT/SIGTERM is:
//  1. The context is cancelled
//  2. An "offline" availability message is published and the broker
//     session closes
//  3. The portal's HTTP and DNS listeners are released
//  4. The settings store is closed via defers
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting Climon", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildDate)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Reconfigure logger now that we know the desired level and format.
	// The initial Info-level text logger is used only for the startup
	// banner; everything after this point uses the configured level and
	// format.
	{
		level := slog.LevelInfo
		if cfg.LogLevel != "" {
			// ParseLogLevel is already validated by config.Validate, so
			// this error path should be unreachable in practice.
			level, _ = config.ParseLogLevel(cfg.LogLevel)
		}
		logger = newLogger(stdout, level, cfg.LogFormat)
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"broker", cfg.MQTT.Broker,
		"base_topic", cfg.MQTT.BaseTopic,
		"wifi_driver", cfg.WiFi.Driver,
		"interval_sec", cfg.Report.IntervalSec,
	)

	// --- Data directory ---
	// All persistent state (the settings database and the generated
	// device identity) lives under this directory.
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	// --- Metrics ---
	// Optional Prometheus endpoint. The listener belongs to the process,
	// not to one incarnation of the agent, so counters carry across
	// in-place restarts.
	if cfg.Metrics.Enabled {
		metrics.Init()
		go func() {
			if err := metrics.Serve(ctx, cfg.Metrics.Listen, logger); err != nil {
				logger.Error("metrics listener failed", "error", err)
			}
		}()
	}

	// --- Signal handling ---
	// NotifyContext wraps the parent context so that SIGINT/SIGTERM
	// cancellation flows through the same ctx used by all components.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// --- Serve loop ---
	for {
		next, err := serveOnce(ctx, stdout, logger, cfg)
		if err != nil {
			return err
		}
		switch next {
		case lifecycle.KindRestart:
			logger.Info("reinitializing")
		case lifecycle.KindFactoryReset:
			logger.Warn("reinitializing after factory reset")
		default:
			logger.Info("Climon stopped")
			return nil
		}
	}
}

// serveOnce assembles and runs one incarnation of the agent. It blocks
// until the parent context is cancelled (returning "") or a lifecycle
// request arrives (returning its kind). A factory reset erases the
// settings store before returning, while the store is still open.
func serveOnce(ctx context.Context, stdout io.Writer, logger *slog.Logger, cfg *config.Config) (string, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// --- Settings store ---
	// SQLite-backed key-value settings: WiFi credentials, operating
	// mode. Plays the role of the firmware's non-volatile storage.
	dbPath := filepath.Join(cfg.DataDir, "climon.db")
	kv, err := storage.Open(dbPath)
	if err != nil {
		return "", fmt.Errorf("open settings store %s: %w", dbPath, err)
	}
	defer kv.Close()

	// --- Device identity ---
	// The stable ID that names this unit in every topic path. Config
	// wins; otherwise a generated ID persists in the data directory.
	deviceID := cfg.Device.ID
	if deviceID == "" {
		deviceID, err = identity.LoadOrCreateDeviceID(cfg.DataDir)
		if err != nil {
			return "", fmt.Errorf("load device id: %w", err)
		}
	}
	firmware := cfg.Device.Firmware
	if firmware == "" {
		firmware = buildinfo.Version
	}
	logger.Info("device identity loaded", "device_id", deviceID, "name", cfg.Device.Name, "firmware", firmware)

	// --- Event bus and lifecycle ---
	// The bus carries connectivity and command events to the portal's
	// live page and any other observer. The window keeps a rolling
	// record of them from assembly onward, so the portal can show what
	// led up to provisioning mode. The lifecycle controller queues
	// reboot and factory-reset requests for this loop to consume.
	bus := events.NewBus()
	window := events.NewWindow(64, 10*time.Minute)
	window.Start(runCtx, bus)
	lc := lifecycle.NewController(bus, logger)

	// --- Device state ---
	// Actuator relays plus the guarded mode/interval state. The mode
	// survives restarts; the interval always boots at its configured
	// value.
	relays := actuators.NewRelays(device.LoadNames()...)
	mode, ok, err := device.LoadMode(kv)
	if err != nil {
		return "", fmt.Errorf("load operating mode: %w", err)
	}
	if !ok {
		mode = device.ModeOn
	}
	devices := device.NewStore(relays, mode, cfg.Report.IntervalSec, cfg.Report.LockTimeout())
	logger.Info("device state initialized", "mode", mode.String(), "interval_sec", cfg.Report.IntervalSec)

	// --- Radio and connectivity ---
	radio, err := newRadio(cfg.WiFi)
	if err != nil {
		return "", err
	}
	manager := wifi.NewManager(cfg.WiFi, radio, kv, bus, logger)

	// --- Provisioning portal ---
	// The captive setup surface. The manager starts and stops it with
	// the access point; nothing listens while the station is up.
	portalSrv := portal.New(portal.Deps{
		Config:  cfg.Portal,
		AP:      cfg.WiFi.AP,
		Manager: manager,
		Restart: lc,
		Bus:     bus,
		Window:  window,
		Logger:  logger,
		Out:     stdout,
	})
	manager.SetProvisioningUI(portalSrv)
	defer portalSrv.Stop()

	// --- Sensors and clock ---
	clock := sensors.NewOffsetClock()
	source := sensors.NewSimSource(time.Now().UnixNano())
	cache := sensors.NewStore()

	// --- MQTT transport ---
	// The handler is attached below, once the dispatcher exists; the
	// dispatcher in turn publishes acknowledgements through the client.
	client := mqtt.NewClient(cfg.MQTT, deviceID, cfg.Device.Name, nil, bus, logger)

	// --- Periodic publisher ---
	rep := reporter.New(reporter.Deps{
		Transport: client,
		Devices:   devices,
		Source:    source,
		Cache:     cache,
		Clock:     clock,
		Network:   manager,
		Bus:       bus,
		Logger:    logger,
		DeviceID:  deviceID,
		Broker:    cfg.MQTT.Broker,
		Firmware:  firmware,
	})

	// --- Command dispatcher ---
	disp := command.NewDispatcher(command.Deps{
		Devices:   devices,
		KV:        kv,
		Clock:     clock,
		Transport: client,
		Publisher: rep,
		Lifecycle: lc,
		Bus:       bus,
		Logger:    logger,
	})
	client.SetHandler(disp.HandleMessage)

	// --- Start ---
	// Radio events must be consumed before Start kicks off association,
	// or the first events would sit unread in the channel.
	go manager.Run(runCtx)

	// The broker session opens only once the station holds an address.
	// A device sitting in provisioning mode has no network to reach the
	// broker over; later link flaps are autopaho's reconnect loop to
	// handle. Subscribed before Start so the first got-ip cannot be
	// missed.
	connEvents := bus.Subscribe(16)
	go func() {
		defer bus.Unsubscribe(connEvents)
		if !awaitAddress(runCtx, connEvents) {
			return
		}
		if err := client.Start(runCtx); err != nil {
			logger.Error("start mqtt", "error", err)
		}
	}()

	if err := manager.Start(); err != nil {
		return "", fmt.Errorf("start connectivity: %w", err)
	}
	go rep.Run(runCtx)

	// --- Wait for shutdown or reinitialization ---
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		stopAgent(client, manager, logger)
		return "", nil

	case req := <-lc.Requests():
		logger.Info("lifecycle request received", "kind", req.Kind, "reason", req.Reason)
		stopAgent(client, manager, logger)
		if req.Kind == lifecycle.KindFactoryReset {
			if err := kv.EraseAll(); err != nil {
				return "", fmt.Errorf("erase settings: %w", err)
			}
			logger.Warn("settings store erased")
		}
		return req.Kind, nil
	}
}

// awaitAddress drains connectivity events from ch until the station
// reports an acquired address. Returns false when ctx is cancelled or
// the channel closes first.
func awaitAddress(ctx context.Context, ch <-chan events.Event) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case ev, ok := <-ch:
			if !ok {
				return false
			}
			if ev.Kind == events.KindGotIP {
				return true
			}
		}
	}
}

// stopAgent publishes the offline availability message, then idles the
// radio and releases the portal's listeners so the next incarnation can
// bind them again.
func stopAgent(client *mqtt.Client, manager *wifi.Manager, logger *slog.Logger) {
	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Stop(stopCtx); err != nil {
		logger.Warn("mqtt shutdown failed", "error", err)
	}
	if err := manager.Close(); err != nil {
		logger.Warn("connectivity shutdown failed", "error", err)
	}
}

// newRadio selects the radio driver named in config. The simulated
// radio is the only in-tree driver; hardware drivers register here.
func newRadio(cfg config.WiFiConfig) (wifi.Radio, error) {
	switch cfg.Driver {
	case "", "sim":
		return wifisim.New(wifisim.FromConfig(cfg.Sim.Networks)), nil
	default:
		return nil, fmt.Errorf("unknown wifi driver %q (valid: sim)", cfg.Driver)
	}
}

// newLogger creates a structured logger that writes to w at the given
// level and format. Format must be "text" or "json"; any other value
// defaults to text. All log output in Climon goes through slog; this
// helper standardizes the handler configuration across subcommands.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// loadConfig locates and parses the YAML configuration file. If explicit
// is non-empty, that exact path is used (and must exist). Otherwise,
// [config.FindConfig] searches the default locations. Returns the parsed
// config, the path that was loaded, and any error.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, cfgPath, fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
