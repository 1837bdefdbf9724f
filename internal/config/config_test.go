package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/publishonce/internal/guard"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "publishonce.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	mode, err := cfg.LockMode()
	require.NoError(t, err)
	assert.Equal(t, guard.NoWait, mode)
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
store:
  driver: postgres
  postgres:
    url: postgres://localhost/blog
    driver: postgres
    schema: blog
lock:
  mode: 2s
log:
  level: debug
  format: json
webhook:
  url: https://hooks.example.com/published
  timeout: 3s
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, DriverPostgres, cfg.Store.Driver)
	assert.Equal(t, "postgres://localhost/blog", cfg.Store.Postgres.URL)
	assert.Equal(t, "blog", cfg.Store.Postgres.Schema)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 3*time.Second, cfg.Webhook.Timeout)

	mode, err := cfg.LockMode()
	require.NoError(t, err)
	assert.Equal(t, guard.Wait(2*time.Second), mode)

	// Unset keys keep their defaults.
	assert.Equal(t, 5*time.Second, cfg.Store.BusyTimeout)
}

func TestLoad_EmptyFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, "\n"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_UnknownKey(t *testing.T) {
	_, err := Load(writeConfig(t, "store:\n  drivr: sqlite\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "drivr")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config")
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "store:\n  path: from-file.db\n")
	t.Setenv("PUBLISHONCE_DB", "from-env.db")
	t.Setenv("PUBLISHONCE_LOCK_MODE", "wait")
	t.Setenv("PUBLISHONCE_LOG_LEVEL", "warn")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env.db", cfg.Store.Path)
	assert.Equal(t, "wait", cfg.Lock.Mode)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoad_InvalidEnvDuration(t *testing.T) {
	t.Setenv("PUBLISHONCE_BUSY_TIMEOUT", "forever")
	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PUBLISHONCE_BUSY_TIMEOUT")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad driver", func(c *Config) { c.Store.Driver = "mysql" }, "invalid store driver"},
		{"sqlite without path", func(c *Config) { c.Store.Path = "" }, "store.path"},
		{"sqlite zero conns", func(c *Config) { c.Store.MaxOpenConns = 0 }, "max_open_conns"},
		{"bad lock mode", func(c *Config) { c.Lock.Mode = "maybe" }, "invalid lock mode"},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }, "invalid log level"},
		{"bad format", func(c *Config) { c.Log.Format = "xml" }, "invalid log format"},
		{"negative webhook timeout", func(c *Config) { c.Webhook.Timeout = -time.Second }, "webhook.timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidate_MemoryIgnoresSQLiteSettings(t *testing.T) {
	cfg := Default()
	cfg.Store.Driver = DriverMemory
	cfg.Store.Path = ""
	require.NoError(t, cfg.Validate())
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"":        slog.LevelInfo,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
	}
	for input, want := range tests {
		got, err := ParseLevel(input)
		require.NoError(t, err, input)
		assert.Equal(t, want, got, input)
	}
}
