// Package config provides YAML-based configuration loading for Tether.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// cronParser validates 5-field cron expressions (minute, hour, dom,
// month, dow), the format the daemon's cleanup timer consumes.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Config is the top-level Tether configuration, loaded from tether.yaml.
type Config struct {
	Relay     RelayConfig     `yaml:"relay"`
	Sync      SyncConfig      `yaml:"sync"`
	Pool      PoolConfig      `yaml:"pool"`
	Store     StoreConfig     `yaml:"store"`
	Dashboard DashboardConfig `yaml:"dashboard"`
	Workspace WorkspaceConfig `yaml:"workspace"`
}

// RelayConfig holds connection settings for the relay service.
type RelayConfig struct {
	URL                  string `yaml:"url"`      // wss://... WebSocket endpoint
	AuthURL              string `yaml:"auth_url"` // https://... REST endpoint for token refresh
	DeviceName           string `yaml:"device_name"`
	HeartbeatIntervalSec int    `yaml:"heartbeat_interval_sec"`
	HealthIntervalSec    int    `yaml:"health_interval_sec"`
}

// SyncConfig controls the monitoring windows for chat and terminal sync.
type SyncConfig struct {
	WindowSec          int `yaml:"window_sec"`           // auto-expiry for either sync mode
	TerminalTickSec    int `yaml:"terminal_tick_sec"`    // capture interval for terminal sync
	CaptureTimeoutSec  int `yaml:"capture_timeout_sec"`  // per-capture deadline
	MaxHistoryCommands int `yaml:"max_history_commands"` // command history cap per terminal
}

// PoolConfig controls the outbound message pool and dedup set.
type PoolConfig struct {
	Disabled     bool   `yaml:"disabled"` // dedup-by-hash still works when true
	RetentionMin int    `yaml:"retention_min"`
	MaxSeen      int    `yaml:"max_seen"`
	TrimTo       int    `yaml:"trim_to"`
	CleanupCron  string `yaml:"cleanup_cron"` // 5-field cron expression
}

// StoreConfig holds the embedded database location.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// DashboardConfig controls the local status HTTP server.
type DashboardConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// WorkspaceConfig identifies the workspace exposed to the remote client.
type WorkspaceConfig struct {
	Root string `yaml:"root"`
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Relay.DeviceName == "" {
		if host, err := os.Hostname(); err == nil {
			c.Relay.DeviceName = host
		} else {
			c.Relay.DeviceName = "tether-host"
		}
	}
	if c.Relay.AuthURL == "" && c.Relay.URL != "" {
		c.Relay.AuthURL = deriveAuthURL(c.Relay.URL)
	}
	if c.Relay.HeartbeatIntervalSec == 0 {
		c.Relay.HeartbeatIntervalSec = 30
	}
	if c.Relay.HealthIntervalSec == 0 {
		c.Relay.HealthIntervalSec = 45
	}
	if c.Sync.WindowSec == 0 {
		c.Sync.WindowSec = 30
	}
	if c.Sync.TerminalTickSec == 0 {
		c.Sync.TerminalTickSec = 2
	}
	if c.Sync.CaptureTimeoutSec == 0 {
		c.Sync.CaptureTimeoutSec = 5
	}
	if c.Sync.MaxHistoryCommands == 0 {
		c.Sync.MaxHistoryCommands = 10
	}
	if c.Pool.RetentionMin == 0 {
		c.Pool.RetentionMin = 60
	}
	if c.Pool.MaxSeen == 0 {
		c.Pool.MaxSeen = 100
	}
	if c.Pool.TrimTo == 0 {
		c.Pool.TrimTo = 50
	}
	if c.Pool.CleanupCron == "" {
		c.Pool.CleanupCron = "*/10 * * * *"
	}
	if c.Store.Path == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			c.Store.Path = filepath.Join(home, ".tether", "tether.db")
		} else {
			c.Store.Path = "tether.db"
		}
	}
	if c.Dashboard.Port == 0 {
		c.Dashboard.Port = 7870
	}
	if c.Workspace.Root == "" {
		if wd, err := os.Getwd(); err == nil {
			c.Workspace.Root = wd
		} else {
			c.Workspace.Root = "."
		}
	}
}

// deriveAuthURL converts a WebSocket endpoint into the relay's REST base.
// wss://relay.example.com/ws → https://relay.example.com
func deriveAuthURL(wsURL string) string {
	s := wsURL
	switch {
	case strings.HasPrefix(s, "wss://"):
		s = "https://" + strings.TrimPrefix(s, "wss://")
	case strings.HasPrefix(s, "ws://"):
		s = "http://" + strings.TrimPrefix(s, "ws://")
	}
	if i := strings.Index(s, "://"); i >= 0 {
		if j := strings.Index(s[i+3:], "/"); j >= 0 {
			s = s[:i+3+j]
		}
	}
	return s
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if c.Relay.URL == "" {
		errs = append(errs, "relay.url is required")
	} else if !strings.HasPrefix(c.Relay.URL, "ws://") && !strings.HasPrefix(c.Relay.URL, "wss://") {
		errs = append(errs, "relay.url must be a ws:// or wss:// endpoint")
	}
	if c.Pool.TrimTo > c.Pool.MaxSeen {
		errs = append(errs, "pool.trim_to must not exceed pool.max_seen")
	}
	if _, err := cronParser.Parse(c.Pool.CleanupCron); err != nil {
		errs = append(errs, fmt.Sprintf("pool.cleanup_cron %q is not a valid cron expression", c.Pool.CleanupCron))
	}
	if c.Sync.WindowSec < c.Sync.TerminalTickSec {
		errs = append(errs, "sync.window_sec must not be shorter than sync.terminal_tick_sec")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
