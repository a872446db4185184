// Package config loads the statesyncd configuration from YAML, fills
// defaults and applies environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/statesync/reconcile"
)

// Store drivers.
const (
	DriverSQLite = "sqlite"
	DriverFS     = "fs"
)

// Config holds all statesyncd configuration.
type Config struct {
	Addr     string        `yaml:"addr"`
	LogLevel string        `yaml:"log_level"`
	AuditDB  string        `yaml:"audit_db"`
	Store    StoreConfig   `yaml:"store"`
	Sync     SyncConfig    `yaml:"sync"`
	Backup   BackupConfig  `yaml:"backup"`
	Gateway  GatewayConfig `yaml:"gateway"`
	Probe    ProbeConfig   `yaml:"probe"`
	Watch    WatchConfig   `yaml:"watch"`
}

// StoreConfig selects the durable store.
type StoreConfig struct {
	// Driver is "sqlite" (Path is a database file) or "fs" (Path is a
	// directory).
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
	// Lock takes a cross-process lock file for the fs driver.
	Lock bool `yaml:"lock"`
}

// SyncConfig controls the reconciliation cycle.
type SyncConfig struct {
	Strategy  string        `yaml:"strategy"`
	Tolerance time.Duration `yaml:"tolerance"`
	Interval  time.Duration `yaml:"interval"`
	AutoStart *bool         `yaml:"auto_start"`
}

// BackupConfig controls the backup policy.
type BackupConfig struct {
	Retention       int           `yaml:"retention"`
	ChangeThreshold int           `yaml:"change_threshold"`
	MaxAge          time.Duration `yaml:"max_age"`
}

// GatewayConfig bounds calls to the durable store.
type GatewayConfig struct {
	Timeout          time.Duration `yaml:"timeout"`
	BreakerThreshold int           `yaml:"breaker_threshold"`
	BreakerReset     time.Duration `yaml:"breaker_reset"`
}

// ProbeConfig feeds the online signal. An empty URL leaves the engine
// online until told otherwise through the admin API.
type ProbeConfig struct {
	URL      string        `yaml:"url"`
	Interval time.Duration `yaml:"interval"`
}

// WatchConfig controls the durable-store watcher (sqlite driver only).
type WatchConfig struct {
	Disabled bool          `yaml:"disabled"`
	Interval time.Duration `yaml:"interval"`
	Debounce time.Duration `yaml:"debounce"`
}

func (c *Config) defaults() {
	if c.Addr == "" {
		c.Addr = "127.0.0.1:8095"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Store.Driver == "" {
		c.Store.Driver = DriverSQLite
	}
	if c.Store.Path == "" {
		if c.Store.Driver == DriverFS {
			c.Store.Path = "data/statesync"
		} else {
			c.Store.Path = "data/statesync.db"
		}
	}
	if c.Sync.Strategy == "" {
		c.Sync.Strategy = string(reconcile.DefaultStrategy)
	}
	if c.Sync.Tolerance <= 0 {
		c.Sync.Tolerance = reconcile.DefaultTolerance
	}
	if c.Sync.Interval <= 0 {
		c.Sync.Interval = 5 * time.Second
	}
	if c.Sync.AutoStart == nil {
		on := true
		c.Sync.AutoStart = &on
	}
	if c.Backup.Retention <= 0 {
		c.Backup.Retention = 10
	}
	if c.Backup.ChangeThreshold <= 0 {
		c.Backup.ChangeThreshold = 5
	}
	if c.Backup.MaxAge <= 0 {
		c.Backup.MaxAge = 30 * time.Minute
	}
	if c.Gateway.Timeout <= 0 {
		c.Gateway.Timeout = 10 * time.Second
	}
	if c.Gateway.BreakerThreshold <= 0 {
		c.Gateway.BreakerThreshold = 5
	}
	if c.Gateway.BreakerReset <= 0 {
		c.Gateway.BreakerReset = 30 * time.Second
	}
	if c.Probe.Interval <= 0 {
		c.Probe.Interval = 10 * time.Second
	}
	if c.Watch.Interval <= 0 {
		c.Watch.Interval = time.Second
	}
	if c.Watch.Debounce <= 0 {
		c.Watch.Debounce = 250 * time.Millisecond
	}
}

// Default returns a configuration with every default filled.
func Default() *Config {
	c := &Config{}
	c.defaults()
	return c
}

// Load reads path (when not empty), applies environment overrides from
// getenv, fills defaults and validates. A nil getenv uses os.Getenv.
func Load(path string, getenv func(string) string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if getenv == nil {
		getenv = os.Getenv
	}
	cfg.applyEnv(getenv)
	cfg.defaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) {
	if v := getenv("STATESYNC_DB"); v != "" {
		c.Store.Path = v
	}
	if v := getenv("STATESYNC_ADDR"); v != "" {
		c.Addr = v
	}
	if v := getenv("STATESYNC_STRATEGY"); v != "" {
		c.Sync.Strategy = v
	}
	if v := getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
}

// Overrides carries command-line values that take precedence over the file
// and the environment. Empty fields are ignored.
type Overrides struct {
	StorePath string
	Addr      string
	LogLevel  string
}

// Apply sets every non-empty override and validates the result.
func (c *Config) Apply(o Overrides) error {
	if o.StorePath != "" {
		c.Store.Path = o.StorePath
	}
	if o.Addr != "" {
		c.Addr = o.Addr
	}
	if o.LogLevel != "" {
		c.LogLevel = o.LogLevel
	}
	return c.Validate()
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	switch c.Store.Driver {
	case DriverSQLite, DriverFS:
	default:
		errs = append(errs, fmt.Errorf("store.driver: unknown driver %q", c.Store.Driver))
	}
	if c.Store.Path == "" {
		errs = append(errs, errors.New("store.path: required"))
	}
	if _, err := reconcile.ParseStrategy(c.Sync.Strategy); err != nil {
		errs = append(errs, fmt.Errorf("sync.strategy: %w", err))
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log_level: unknown level %q", c.LogLevel))
	}
	if c.Backup.Retention < 1 {
		errs = append(errs, errors.New("backup.retention: must be at least 1"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// Strategy returns the parsed resolution strategy. Call after Validate.
func (c *Config) Strategy() reconcile.Strategy {
	s, _ := reconcile.ParseStrategy(c.Sync.Strategy)
	return s
}
