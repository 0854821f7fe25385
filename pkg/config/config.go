// Package config loads hivelog configuration from config.yaml, .env and
// HIVELOG_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. HIVELOG_POLL_INTERVAL.
const EnvPrefix = "HIVELOG"

// Config holds all configuration for the hivelog binaries.
type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Devices  []Device       `mapstructure:"devices"`
	Poll     PollConfig     `mapstructure:"poll"`
	Safety   SafetyConfig   `mapstructure:"safety"`
	Alerts   AlertsConfig   `mapstructure:"alerts"`
	Report   ReportConfig   `mapstructure:"report"`
	API      APIConfig      `mapstructure:"api"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Scan     ScanConfig     `mapstructure:"scan"`
	Log      LogConfig      `mapstructure:"log"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// Device is one configured miner. Name is the stable device id.
type Device struct {
	Name    string `mapstructure:"name" yaml:"name"`
	IP      string `mapstructure:"ip" yaml:"ip"`
	Enabled *bool  `mapstructure:"enabled" yaml:"enabled,omitempty"`
	Group   string `mapstructure:"group" yaml:"group,omitempty"`
}

// IsEnabled reports whether the device should be polled. Unset means enabled.
func (d Device) IsEnabled() bool {
	return d.Enabled == nil || *d.Enabled
}

type PollConfig struct {
	Interval    time.Duration `mapstructure:"interval"`
	Timeout     time.Duration `mapstructure:"timeout"`
	Concurrency int           `mapstructure:"concurrency"`
	Cooldown    time.Duration `mapstructure:"cooldown"`
}

// SafetyConfig thresholds are logged, never enforced. Zero MinHashrateWarning disables that check.
type SafetyConfig struct {
	MaxTempWarning     float64 `mapstructure:"max_temp_warning"`
	MaxTempShutdown    float64 `mapstructure:"max_temp_shutdown"`
	MinHashrateWarning float64 `mapstructure:"min_hashrate_warning"`
}

type AlertsConfig struct {
	CheckInterval    time.Duration `mapstructure:"check_interval"`
	OfflineThreshold time.Duration `mapstructure:"offline_threshold"`
	TempThreshold    float64       `mapstructure:"temp_threshold"`
	BlockThreshold   float64       `mapstructure:"block_threshold"`
}

type ReportConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Schedule string        `mapstructure:"schedule"`
	Lookback time.Duration `mapstructure:"lookback"`
}

// APIConfig serves the read API on Addr. RemoteURL, when set, makes readers
// use the HTTP API instead of opening the database file.
type APIConfig struct {
	Addr      string        `mapstructure:"addr"`
	RemoteURL string        `mapstructure:"remote_url"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

type ScanConfig struct {
	Networks    []string      `mapstructure:"networks"`
	Timeout     time.Duration `mapstructure:"timeout"`
	Concurrency int           `mapstructure:"concurrency"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.path", "bitaxe_metrics.db")

	v.SetDefault("poll.interval", "30s")
	v.SetDefault("poll.timeout", "2s")
	v.SetDefault("poll.concurrency", 10)
	v.SetDefault("poll.cooldown", "10s")

	v.SetDefault("safety.max_temp_warning", 65.0)
	v.SetDefault("safety.max_temp_shutdown", 70.0)
	v.SetDefault("safety.min_hashrate_warning", 0.0)

	v.SetDefault("alerts.check_interval", "5m")
	v.SetDefault("alerts.offline_threshold", "10m")
	v.SetDefault("alerts.temp_threshold", 65.0)
	v.SetDefault("alerts.block_threshold", 1e12)

	v.SetDefault("report.enabled", true)
	v.SetDefault("report.schedule", "0 12 * * 1")
	v.SetDefault("report.lookback", "168h")

	v.SetDefault("api.addr", ":5001")
	v.SetDefault("api.remote_url", "")
	v.SetDefault("api.timeout", "10s")

	v.SetDefault("metrics.addr", ":9101")

	v.SetDefault("scan.timeout", "3s")
	v.SetDefault("scan.concurrency", 32)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file", "")
}

// Load reads configuration. With an empty path config.yaml is searched in
// ./, ./config and /etc/hivelog; a missing file is not an error.
func Load(path string) (*Config, error) {
	// Load .env file if present (ignore error if not found)
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/hivelog/")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks device entries and the poll and alert intervals.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Devices))
	for i, d := range c.Devices {
		if d.Name == "" {
			return fmt.Errorf("devices[%d]: name is required", i)
		}
		if d.IP == "" {
			return fmt.Errorf("device %s: ip is required", d.Name)
		}
		if seen[d.Name] {
			return fmt.Errorf("device %s: duplicate name", d.Name)
		}
		seen[d.Name] = true
	}
	if c.Poll.Interval <= 0 {
		return fmt.Errorf("poll.interval must be positive, got %s", c.Poll.Interval)
	}
	if c.Poll.Concurrency <= 0 {
		return fmt.Errorf("poll.concurrency must be positive, got %d", c.Poll.Concurrency)
	}
	if c.Alerts.CheckInterval <= 0 {
		return fmt.Errorf("alerts.check_interval must be positive, got %s", c.Alerts.CheckInterval)
	}
	return nil
}

// EnabledDevices returns the devices that should be polled, in config order.
func (c *Config) EnabledDevices() []Device {
	var out []Device
	for _, d := range c.Devices {
		if d.IsEnabled() {
			out = append(out, d)
		}
	}
	return out
}

// DeviceIDs returns the names of enabled devices.
func (c *Config) DeviceIDs() []string {
	var ids []string
	for _, d := range c.EnabledDevices() {
		ids = append(ids, d.Name)
	}
	return ids
}
