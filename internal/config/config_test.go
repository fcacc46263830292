package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func writeConfig(t *testing.T, contents string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "deltasync.toml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))

	return path
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"), newTestLogger())
	require.NoError(t, err)
	assert.Equal(t, DriverSQLite, cfg.Local.Driver)
	assert.Equal(t, "deltasync.db", cfg.Local.Path)
	assert.NotEmpty(t, cfg.Serve.Listen)
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `
[local]
driver = "bolt"
path = "/tmp/sync/data.db"

[remote]
url = "ws://peer.example:7345"

[serve]
listen = "0.0.0.0:7345"

[sync]
auto_sync = true
interval_ms = 15000
retry_delay_ms = 2500
timeout_ms = 8000
max_retries = 5
batch_size = 250
`)

	cfg, err := Load(path, newTestLogger())
	require.NoError(t, err)
	assert.Equal(t, DriverBolt, cfg.Local.Driver)
	assert.Equal(t, "/tmp/sync/data.db", cfg.Local.Path)
	assert.Equal(t, "ws://peer.example:7345", cfg.Remote.URL)
	assert.True(t, cfg.Sync.AutoSync)
	assert.Equal(t, 15*time.Second, cfg.Sync.Interval())
	assert.Equal(t, 2500*time.Millisecond, cfg.Sync.RetryDelay())
	assert.Equal(t, 8*time.Second, cfg.Sync.Timeout())
	assert.Equal(t, 5, cfg.Sync.MaxRetries)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, `
[local]
driver = "memory"
drvier_typo = "oops"
`)

	_, err := Load(path, newTestLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown keys")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "memory needs no path",
			mutate: func(c *Config) { c.Local = LocalConfig{Driver: DriverMemory} },
		},
		{
			name:    "sqlite requires path",
			mutate:  func(c *Config) { c.Local = LocalConfig{Driver: DriverSQLite} },
			wantErr: "requires local.path",
		},
		{
			name:    "unknown driver",
			mutate:  func(c *Config) { c.Local = LocalConfig{Driver: "redis"} },
			wantErr: "unknown local.driver",
		},
		{
			name:    "negative duration",
			mutate:  func(c *Config) { c.Sync.IntervalMS = -1 },
			wantErr: "must not be negative",
		},
		{
			name:    "negative batch size",
			mutate:  func(c *Config) { c.Sync.BatchSize = -1 },
			wantErr: "must not be negative",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)

			err := Validate(cfg)
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}
