// Package config handles Climon configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Reporting interval bounds, in seconds. Remote set_interval commands
// outside this range are rejected.
const (
	MinIntervalSec = 5
	MaxIntervalSec = 3600
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./climon.yaml, ~/.config/climon/climon.yaml, /etc/climon/climon.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"climon.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "climon", "climon.yaml"))
	}

	paths = append(paths, "/etc/climon/climon.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Climon configuration.
type Config struct {
	Device    DeviceConfig  `yaml:"device"`
	MQTT      MQTTConfig    `yaml:"mqtt"`
	WiFi      WiFiConfig    `yaml:"wifi"`
	Portal    PortalConfig  `yaml:"portal"`
	Report    ReportConfig  `yaml:"report"`
	Metrics   MetricsConfig `yaml:"metrics"`
	DataDir   string        `yaml:"data_dir"`
	LogLevel  string        `yaml:"log_level"`
	LogFormat string        `yaml:"log_format"`
}

// DeviceConfig identifies this unit.
type DeviceConfig struct {
	// ID is the stable device identifier used in topic paths. When
	// empty, a generated ID is loaded from (or created in) the data
	// directory at startup.
	ID string `yaml:"id"`
	// Name is a human-readable label, also used as the MQTT client ID
	// suffix.
	Name string `yaml:"name"`
	// Firmware overrides the reported firmware version string. When
	// empty, the build version is reported.
	Firmware string `yaml:"firmware"`
}

// MQTTConfig defines the broker connection.
type MQTTConfig struct {
	Broker       string `yaml:"broker"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	BaseTopic    string `yaml:"base_topic"`
	KeepAliveSec int    `yaml:"keepalive_sec"`
}

// WiFiConfig defines the connectivity state machine's tunables. The
// defaults match the firmware's behavior: five association attempts,
// one second apart, then fall back to provisioning.
type WiFiConfig struct {
	// Driver selects the radio implementation: "sim" is the only
	// in-tree driver (deterministic simulated radio for development
	// and tests).
	Driver string `yaml:"driver"`
	// MaxRetry is the disconnect retry budget before credentials are
	// cleared and provisioning restarts.
	MaxRetry int `yaml:"max_retry"`
	// ReconnectDelayMS is the fixed delay between association attempts.
	ReconnectDelayMS int `yaml:"reconnect_delay_ms"`
	// SettleDelayMS is how long to wait after stopping the station
	// radio before bringing up the provisioning access point.
	SettleDelayMS int `yaml:"settle_delay_ms"`
	// ScanMax bounds how many access points a scan returns.
	ScanMax int `yaml:"scan_max"`
	// AP configures the provisioning access point.
	AP APConfig `yaml:"ap"`
	// Sim configures the simulated radio's world (ignored by other
	// drivers).
	Sim SimConfig `yaml:"sim"`
}

// APConfig defines the open provisioning access point.
type APConfig struct {
	SSID       string `yaml:"ssid"`
	Channel    int    `yaml:"channel"`
	MaxClients int    `yaml:"max_clients"`
	Address    string `yaml:"address"`
}

// SimConfig lists the networks the simulated radio can see and join.
type SimConfig struct {
	Networks []SimNetwork `yaml:"networks"`
}

// SimNetwork is one access point in the simulated radio's world.
type SimNetwork struct {
	SSID       string `yaml:"ssid"`
	Passphrase string `yaml:"passphrase"`
	RSSI       int    `yaml:"rssi"`
}

// PortalConfig defines the provisioning portal's listeners.
type PortalConfig struct {
	// Listen is the HTTP address, e.g. ":80" on a device or ":8080"
	// in development.
	Listen string `yaml:"listen"`
	// DNSListen is the captive DNS responder's UDP address.
	DNSListen string `yaml:"dns_listen"`
}

// ReportConfig defines the periodic publisher's tunables.
type ReportConfig struct {
	// IntervalSec is the startup data-publish interval; remote
	// set_interval commands change it at runtime within
	// [MinIntervalSec, MaxIntervalSec].
	IntervalSec int `yaml:"interval_sec"`
	// LockTimeoutMS bounds device-state mutex acquisition. On timeout
	// the operation fails gracefully instead of blocking forever.
	LockTimeoutMS int `yaml:"lock_timeout_ms"`
}

// MetricsConfig defines the optional Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// ReconnectDelay returns the inter-attempt delay as a Duration.
func (w WiFiConfig) ReconnectDelay() time.Duration {
	return time.Duration(w.ReconnectDelayMS) * time.Millisecond
}

// SettleDelay returns the radio settle delay as a Duration.
func (w WiFiConfig) SettleDelay() time.Duration {
	return time.Duration(w.SettleDelayMS) * time.Millisecond
}

// LockTimeout returns the bounded mutex timeout as a Duration.
func (r ReportConfig) LockTimeout() time.Duration {
	return time.Duration(r.LockTimeoutMS) * time.Millisecond
}

// Load reads configuration from a YAML file. Environment variable
// references (${VAR}) are expanded before parsing so secrets can stay
// out of the file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a configuration with every tunable at its firmware
// default.
func Default() *Config {
	return &Config{
		Device: DeviceConfig{
			Name: "climon",
		},
		MQTT: MQTTConfig{
			Broker:       "mqtt://localhost:1883",
			BaseTopic:    "smarthome",
			KeepAliveSec: 30,
		},
		WiFi: WiFiConfig{
			Driver:           "sim",
			MaxRetry:         5,
			ReconnectDelayMS: 1000,
			SettleDelayMS:    500,
			ScanMax:          20,
			AP: APConfig{
				SSID:       "Climon-Setup",
				Channel:    1,
				MaxClients: 4,
				Address:    "192.168.4.1",
			},
		},
		Portal: PortalConfig{
			Listen:    ":8080",
			DNSListen: ":5353",
		},
		Report: ReportConfig{
			IntervalSec:   30,
			LockTimeoutMS: 1000,
		},
		Metrics: MetricsConfig{
			Listen: "127.0.0.1:9100",
		},
		DataDir:   "data",
		LogLevel:  "info",
		LogFormat: "text",
	}
}

// Validate checks cross-field constraints that YAML parsing cannot
// express. It returns the first problem found.
func (c *Config) Validate() error {
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("unknown log_format %q (valid: text, json)", c.LogFormat)
	}
	if c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker must not be empty")
	}
	if c.MQTT.BaseTopic == "" {
		return fmt.Errorf("mqtt.base_topic must not be empty")
	}
	if c.Report.IntervalSec < MinIntervalSec || c.Report.IntervalSec > MaxIntervalSec {
		return fmt.Errorf("report.interval_sec %d out of range [%d, %d]",
			c.Report.IntervalSec, MinIntervalSec, MaxIntervalSec)
	}
	if c.Report.LockTimeoutMS <= 0 {
		return fmt.Errorf("report.lock_timeout_ms must be positive")
	}
	if c.WiFi.MaxRetry < 1 {
		return fmt.Errorf("wifi.max_retry must be at least 1")
	}
	if c.WiFi.AP.SSID == "" || len(c.WiFi.AP.SSID) > 32 {
		return fmt.Errorf("wifi.ap.ssid must be 1..32 bytes")
	}
	if c.WiFi.AP.MaxClients < 1 {
		return fmt.Errorf("wifi.ap.max_clients must be at least 1")
	}
	return nil
}
