// Package config loads the deltasync CLI configuration from a TOML file and
// validates it. The library itself takes options programmatically; this
// package exists for the command-line tools.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Driver names accepted for the local store.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
	DriverBolt   = "bolt"
)

// Config is the full CLI configuration.
type Config struct {
	Local  LocalConfig  `toml:"local"`
	Remote RemoteConfig `toml:"remote"`
	Serve  ServeConfig  `toml:"serve"`
	Sync   SyncConfig   `toml:"sync"`
}

// LocalConfig selects the local store backend.
type LocalConfig struct {
	Driver string `toml:"driver"`
	Path   string `toml:"path"`
}

// RemoteConfig points at a remote adapter server.
type RemoteConfig struct {
	URL string `toml:"url"`
}

// ServeConfig configures the serve command.
type ServeConfig struct {
	Listen string `toml:"listen"`
}

// SyncConfig carries tuning knobs passed through to the engine.
type SyncConfig struct {
	AutoSync     bool `toml:"auto_sync"`
	IntervalMS   int  `toml:"interval_ms"`
	RetryDelayMS int  `toml:"retry_delay_ms"`
	TimeoutMS    int  `toml:"timeout_ms"`
	MaxRetries   int  `toml:"max_retries"`
	BatchSize    int  `toml:"batch_size"`
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() *Config {
	return &Config{
		Local: LocalConfig{Driver: DriverSQLite, Path: "deltasync.db"},
		Serve: ServeConfig{Listen: "127.0.0.1:7345"},
	}
}

// Interval returns the auto-sync interval, or zero when unset.
func (s SyncConfig) Interval() time.Duration {
	return time.Duration(s.IntervalMS) * time.Millisecond
}

// RetryDelay returns the retry delay, or zero when unset.
func (s SyncConfig) RetryDelay() time.Duration {
	return time.Duration(s.RetryDelayMS) * time.Millisecond
}

// Timeout returns the per-call timeout, or zero when unset.
func (s SyncConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutMS) * time.Millisecond
}

// Validate checks the configuration for mistakes worth failing fast on.
func Validate(cfg *Config) error {
	switch cfg.Local.Driver {
	case DriverMemory:
	case DriverSQLite, DriverBolt:
		if cfg.Local.Path == "" {
			return fmt.Errorf("config: driver %s requires local.path", cfg.Local.Driver)
		}
	default:
		return fmt.Errorf("config: unknown local.driver %q", cfg.Local.Driver)
	}

	if cfg.Sync.IntervalMS < 0 || cfg.Sync.RetryDelayMS < 0 || cfg.Sync.TimeoutMS < 0 {
		return errors.New("config: sync durations must not be negative")
	}

	if cfg.Sync.MaxRetries < 0 || cfg.Sync.BatchSize < 0 {
		return errors.New("config: sync counts must not be negative")
	}

	return nil
}
