// Package config loads tombola configuration from defaults, an optional
// config file, TOMBOLA_* environment variables and bound CLI flags, in
// increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. TOMBOLA_REMOTE_URL.
const EnvPrefix = "TOMBOLA"

// Connectivity modes.
const (
	ModeProbe  = "probe"  // HEAD the remote API periodically
	ModeFile   = "file"   // watch a signal file written by the host
	ModeOnline = "online" // assume always online
)

// Config is the complete runtime configuration.
type Config struct {
	DBPath       string             `mapstructure:"db"`
	Remote       RemoteConfig       `mapstructure:"remote"`
	Sync         SyncConfig         `mapstructure:"sync"`
	Breaker      BreakerConfig      `mapstructure:"breaker"`
	Connectivity ConnectivityConfig `mapstructure:"connectivity"`
	Dashboard    DashboardConfig    `mapstructure:"dashboard"`
	Log          LogConfig          `mapstructure:"log"`
}

// RemoteConfig locates the authoritative store.
type RemoteConfig struct {
	URL     string        `mapstructure:"url"`
	APIKey  string        `mapstructure:"api_key"`
	Bucket  string        `mapstructure:"bucket"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// SyncConfig tunes passes.
type SyncConfig struct {
	Interval      time.Duration `mapstructure:"interval"`
	RecordDelay   time.Duration `mapstructure:"record_delay"`
	RemoteTimeout time.Duration `mapstructure:"remote_timeout"`
}

// BreakerConfig tunes the remote circuit breaker.
type BreakerConfig struct {
	FailureThreshold uint32        `mapstructure:"failure_threshold"`
	Timeout          time.Duration `mapstructure:"timeout"`
}

// ConnectivityConfig selects how online state is observed.
type ConnectivityConfig struct {
	Mode          string        `mapstructure:"mode"`
	SignalFile    string        `mapstructure:"signal_file"`
	ProbeInterval time.Duration `mapstructure:"probe_interval"`
	ProbeTimeout  time.Duration `mapstructure:"probe_timeout"`
}

// DashboardConfig controls the status server run by the daemon.
type DashboardConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
}

// LogConfig mirrors logging.Config.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// Dir returns the per-user tombola directory (~/.tombola).
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".tombola"
	}
	return filepath.Join(home, ".tombola")
}

// SetDefaults registers every key with its default so environment
// overrides are picked up by Unmarshal.
func SetDefaults(v *viper.Viper) {
	dir := Dir()

	v.SetDefault("db", filepath.Join(dir, "tombola.db"))

	v.SetDefault("remote.url", "")
	v.SetDefault("remote.api_key", "")
	v.SetDefault("remote.bucket", "factures")
	v.SetDefault("remote.timeout", 15*time.Second)

	v.SetDefault("sync.interval", 30*time.Second)
	v.SetDefault("sync.record_delay", 300*time.Millisecond)
	v.SetDefault("sync.remote_timeout", 15*time.Second)

	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.timeout", 30*time.Second)

	v.SetDefault("connectivity.mode", ModeProbe)
	v.SetDefault("connectivity.signal_file", filepath.Join(dir, "connectivity"))
	v.SetDefault("connectivity.probe_interval", 10*time.Second)
	v.SetDefault("connectivity.probe_timeout", 5*time.Second)

	v.SetDefault("dashboard.enabled", true)
	v.SetDefault("dashboard.host", "127.0.0.1")
	v.SetDefault("dashboard.port", 8080)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
}

// Load reads configuration into a validated Config.
//
// If configFile is empty, config.{yaml,toml,json} is searched for in
// ~/.tombola and the working directory; a missing file is not an error.
func Load(v *viper.Viper, configFile string) (*Config, error) {
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(Dir())
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks value ranges. A missing remote URL is allowed here;
// commands that talk to the remote call RequireRemote.
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("db path is required")
	}

	if c.Remote.URL != "" {
		u, err := url.Parse(c.Remote.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("remote.url must be an http(s) URL, got %q", c.Remote.URL)
		}
	}

	positive := []struct {
		key string
		d   time.Duration
	}{
		{"remote.timeout", c.Remote.Timeout},
		{"sync.interval", c.Sync.Interval},
		{"sync.remote_timeout", c.Sync.RemoteTimeout},
		{"breaker.timeout", c.Breaker.Timeout},
		{"connectivity.probe_interval", c.Connectivity.ProbeInterval},
		{"connectivity.probe_timeout", c.Connectivity.ProbeTimeout},
	}
	for _, p := range positive {
		if p.d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", p.key, p.d)
		}
	}
	if c.Sync.RecordDelay < 0 {
		return fmt.Errorf("sync.record_delay cannot be negative, got %s", c.Sync.RecordDelay)
	}

	switch c.Connectivity.Mode {
	case ModeProbe, ModeOnline:
	case ModeFile:
		if c.Connectivity.SignalFile == "" {
			return fmt.Errorf("connectivity.signal_file is required in %s mode", ModeFile)
		}
	default:
		return fmt.Errorf("connectivity.mode must be one of %s, %s, %s; got %q",
			ModeProbe, ModeFile, ModeOnline, c.Connectivity.Mode)
	}

	if c.Dashboard.Port < 0 || c.Dashboard.Port > 65535 {
		return fmt.Errorf("dashboard.port out of range: %d", c.Dashboard.Port)
	}
	return nil
}

// RequireRemote reports an error when no remote is configured.
func (c *Config) RequireRemote() error {
	if c.Remote.URL == "" {
		return fmt.Errorf("remote.url is not configured (set %s_REMOTE_URL or remote.url in the config file)", EnvPrefix)
	}
	return nil
}
