// Package config handles global configuration loading using viper.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// GlobalConfig represents the top-level global static configuration.
// Maps to the `scheduler:` root key in YAML.
type GlobalConfig struct {
	Node        NodeConfig        `mapstructure:"node"`
	DataDir     string            `mapstructure:"data_dir"`
	Control     ControlConfig     `mapstructure:"control"`
	Dispatcher  DispatcherConfig  `mapstructure:"dispatcher"`
	License     LicenseConfig     `mapstructure:"license"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Log         LogConfig         `mapstructure:"log"`
	Persistence PersistenceConfig `mapstructure:"persistence"`
}

// ─── Node Identity ───

// NodeConfig contains node identification and time policy settings.
type NodeConfig struct {
	Hostname string `mapstructure:"hostname"` // Empty = os.Hostname()
	Timezone string `mapstructure:"timezone"` // IANA name, process-wide clock policy; empty = UTC
}

// ─── Control Plane ───

// ControlConfig contains the local control plane (UDS JSON-RPC) settings.
type ControlConfig struct {
	Socket  string `mapstructure:"socket"`
	PIDFile string `mapstructure:"pid_file"`
}

// ─── Dispatcher ───

// DispatcherConfig tunes the dispatch loop.
type DispatcherConfig struct {
	TickInterval      string `mapstructure:"tick_interval"`       // cap on the idle-wait sleep, default "60s"
	ShutdownGrace     string `mapstructure:"shutdown_grace"`      // grace window for an in-flight RunOnce at shutdown
	ExecuteNowTimeout string `mapstructure:"execute_now_timeout"` // bounded wait to acquire the global lock for ExecuteNow
}

// ─── License ───

// LicenseConfig models the license gate's input constraints (the gate's own
// source is out of scope; only its contract is consumed here).
type LicenseConfig struct {
	Activated bool   `mapstructure:"activated"`
	TaskNum   int    `mapstructure:"task_num"`
	EndTime   string `mapstructure:"end_time"` // RFC3339; empty = no expiry while activated
}

// ─── Metrics ───

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
	Path    string `mapstructure:"path"`
}

// ─── Log ───

// LogConfig contains logging settings.
type LogConfig struct {
	Level   string           `mapstructure:"level"`  // debug / info / warn / error
	Format  string           `mapstructure:"format"` // json / text
	Outputs []OutputConfig   `mapstructure:"outputs"`
}

// OutputConfig configures a single structured log output destination.
type OutputConfig struct {
	Type       string `mapstructure:"type"` // console | file
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// ─── Persistence ───

// PersistenceConfig controls dispatcher snapshot and per-task step retention.
type PersistenceConfig struct {
	SnapshotPath   string `mapstructure:"snapshot_path"`
	MaxStepHistory int    `mapstructure:"max_step_history"` // 0 = fall back to the default of 200
}

// ─── Loading ───

// configRoot is the top-level wrapper matching the YAML structure `scheduler: ...`.
type configRoot struct {
	Scheduler GlobalConfig `mapstructure:"scheduler"`
}

// Load loads configuration from file.
// The YAML file uses `scheduler:` as root key; env vars use SCHEDULER_ prefix
// (e.g. SCHEDULER_LOG_LEVEL for scheduler.log.level).
func Load(path string) (*GlobalConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.Scheduler

	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default values for configuration, all under the
// "scheduler." prefix to match the YAML root wrapper.
func setDefaults(v *viper.Viper) {
	v.SetDefault("scheduler.data_dir", "/var/lib/opsched")

	v.SetDefault("scheduler.control.socket", "/var/run/opsched.sock")
	v.SetDefault("scheduler.control.pid_file", "/var/run/opsched.pid")

	v.SetDefault("scheduler.dispatcher.tick_interval", "60s")
	v.SetDefault("scheduler.dispatcher.shutdown_grace", "30s")
	v.SetDefault("scheduler.dispatcher.execute_now_timeout", "10s")

	v.SetDefault("scheduler.license.activated", false)
	v.SetDefault("scheduler.license.task_num", 1)

	v.SetDefault("scheduler.metrics.enabled", true)
	v.SetDefault("scheduler.metrics.listen", ":9091")
	v.SetDefault("scheduler.metrics.path", "/metrics")

	v.SetDefault("scheduler.log.level", "info")
	v.SetDefault("scheduler.log.format", "json")

	v.SetDefault("scheduler.persistence.snapshot_path", "/var/lib/opsched/snapshot.json")
	v.SetDefault("scheduler.persistence.max_step_history", 200)
}

// ValidateAndApplyDefaults validates configuration and applies runtime defaults.
func (cfg *GlobalConfig) ValidateAndApplyDefaults() error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Log.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug/info/warn/error)", cfg.Log.Level)
	}
	if cfg.Log.Format != "json" && cfg.Log.Format != "text" {
		return fmt.Errorf("invalid log format: %s (must be json/text)", cfg.Log.Format)
	}
	if len(cfg.Log.Outputs) == 0 {
		cfg.Log.Outputs = []OutputConfig{{Type: "console"}}
	}

	if cfg.Node.Hostname == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("failed to get hostname: %w", err)
		}
		cfg.Node.Hostname = hostname
	}

	if cfg.Persistence.MaxStepHistory <= 0 {
		cfg.Persistence.MaxStepHistory = 200
	}

	if cfg.License.Activated && cfg.License.TaskNum <= 0 {
		return fmt.Errorf("license.task_num must be positive when license.activated is true")
	}

	return nil
}


