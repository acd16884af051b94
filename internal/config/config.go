// Package config loads crmsync configuration from defaults, an optional
// config file, a .env file and CRMSYNC_ environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "CRMSYNC"

// Config is the resolved configuration.
type Config struct {
	DataDir string `mapstructure:"data_dir"`
	Tenant  string `mapstructure:"tenant"`

	Store     StoreConfig     `mapstructure:"store"`
	Remote    RemoteConfig    `mapstructure:"remote"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Log       LogConfig       `mapstructure:"log"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
	Server    ServerConfig    `mapstructure:"server"`
}

// StoreConfig configures the local database.
type StoreConfig struct {
	// Path of the SQLite database ("" = <data_dir>/crmsync.db).
	Path                  string `mapstructure:"path"`
	AllowDestructiveReset bool   `mapstructure:"allow_destructive_reset"`
	// MirrorDir holds the flat-list mirror ("" = <data_dir>/mirror).
	MirrorDir string `mapstructure:"mirror_dir"`
	Driver    string `mapstructure:"driver"`
}

// RemoteConfig configures the remote document store client.
type RemoteConfig struct {
	URL       string        `mapstructure:"url"`
	Token     string        `mapstructure:"token"`
	Timeout   time.Duration `mapstructure:"timeout"`
	RateLimit float64       `mapstructure:"rate_limit"`
	Burst     int           `mapstructure:"burst"`
}

// SyncConfig configures queue draining and connectivity detection.
type SyncConfig struct {
	Interval      time.Duration `mapstructure:"interval"`
	OnlineDelay   time.Duration `mapstructure:"online_delay"`
	ProbeInterval time.Duration `mapstructure:"probe_interval"`
	PullInterval  time.Duration `mapstructure:"pull_interval"`
	// OfflineMarker forces offline mode while the file exists.
	OfflineMarker string `mapstructure:"offline_marker"`
}

// LogConfig configures the log file.
type LogConfig struct {
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// DashboardConfig configures the sync health dashboard.
type DashboardConfig struct {
	Port int `mapstructure:"port"`
}

// ServerConfig configures the development remote store.
type ServerConfig struct {
	Addr   string `mapstructure:"addr"`
	DBPath string `mapstructure:"db_path"`
	Token  string `mapstructure:"token"`
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() *Config {
	return &Config{
		DataDir: defaultDataDir(),
		Tenant:  "default",
		Store: StoreConfig{
			Driver: "sqlite3",
		},
		Remote: RemoteConfig{
			Timeout:   15 * time.Second,
			RateLimit: 20,
			Burst:     10,
		},
		Sync: SyncConfig{
			Interval:      30 * time.Second,
			OnlineDelay:   2 * time.Second,
			ProbeInterval: 15 * time.Second,
			PullInterval:  5 * time.Minute,
		},
		Log: LogConfig{
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Dashboard: DashboardConfig{Port: 8080},
		Server:    ServerConfig{Addr: ":8787"},
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".crmsync"
	}
	return filepath.Join(home, ".crmsync")
}

// Load resolves the configuration. configFile may be empty, in which case
// crmsync.{yaml,toml,json} is looked up in the working directory and in
// $HOME/.config/crmsync. A .env file in the working directory is read first;
// variables already set in the environment win over it.
func Load(configFile string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v, DefaultConfig())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("crmsync")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "crmsync"))
		}
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.ResolvePaths()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv can see it during
// Unmarshal.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("data_dir", d.DataDir)
	v.SetDefault("tenant", d.Tenant)

	v.SetDefault("store.path", d.Store.Path)
	v.SetDefault("store.allow_destructive_reset", d.Store.AllowDestructiveReset)
	v.SetDefault("store.mirror_dir", d.Store.MirrorDir)
	v.SetDefault("store.driver", d.Store.Driver)

	v.SetDefault("remote.url", d.Remote.URL)
	v.SetDefault("remote.token", d.Remote.Token)
	v.SetDefault("remote.timeout", d.Remote.Timeout)
	v.SetDefault("remote.rate_limit", d.Remote.RateLimit)
	v.SetDefault("remote.burst", d.Remote.Burst)

	v.SetDefault("sync.interval", d.Sync.Interval)
	v.SetDefault("sync.online_delay", d.Sync.OnlineDelay)
	v.SetDefault("sync.probe_interval", d.Sync.ProbeInterval)
	v.SetDefault("sync.pull_interval", d.Sync.PullInterval)
	v.SetDefault("sync.offline_marker", d.Sync.OfflineMarker)

	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age_days", d.Log.MaxAgeDays)

	v.SetDefault("dashboard.port", d.Dashboard.Port)

	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.db_path", d.Server.DBPath)
	v.SetDefault("server.token", d.Server.Token)
}

// ResolvePaths fills the store and mirror paths left empty from DataDir.
func (c *Config) ResolvePaths() {
	if c.Store.Path == "" {
		c.Store.Path = filepath.Join(c.DataDir, "crmsync.db")
	}
	if c.Store.MirrorDir == "" {
		c.Store.MirrorDir = filepath.Join(c.DataDir, "mirror")
	}
}

// LockPath is the cross-process drain lock file.
func (c *Config) LockPath() string {
	return filepath.Join(c.DataDir, "drain.lock")
}

// SettingsPath is the user preferences file.
func (c *Config) SettingsPath() string {
	return filepath.Join(c.DataDir, "offline_sync.toml")
}

// Validate checks the configuration for values that cannot work.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.Remote.URL != "" {
		u, err := url.Parse(c.Remote.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("remote.url %q is not an absolute URL", c.Remote.URL)
		}
	}
	if c.Remote.Timeout <= 0 {
		return fmt.Errorf("remote.timeout must be positive")
	}
	if c.Remote.RateLimit < 0 || c.Remote.Burst < 0 {
		return fmt.Errorf("remote.rate_limit and remote.burst must not be negative")
	}
	if c.Sync.Interval <= 0 {
		return fmt.Errorf("sync.interval must be positive")
	}
	if c.Sync.OnlineDelay < 0 {
		return fmt.Errorf("sync.online_delay must not be negative")
	}
	if c.Sync.ProbeInterval <= 0 {
		return fmt.Errorf("sync.probe_interval must be positive")
	}
	if c.Sync.PullInterval <= 0 {
		return fmt.Errorf("sync.pull_interval must be positive")
	}
	if c.Dashboard.Port < 0 || c.Dashboard.Port > 65535 {
		return fmt.Errorf("dashboard.port %d out of range", c.Dashboard.Port)
	}
	return nil
}
