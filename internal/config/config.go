// Package config loads publishonce settings from a YAML file, then applies
// environment overrides. Command-line flags override both (see package cli).
//
// Example file:
//
//	store:
//	  driver: sqlite
//	  path: ./publishonce.db
//	lock:
//	  mode: nowait
//	log:
//	  level: info
//	webhook:
//	  url: https://hooks.example.com/published
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/publishonce/internal/env"
	"github.com/roach88/publishonce/internal/guard"
)

// Store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverConsul   = "consul"
	DriverMemory   = "memory"
)

// ValidDrivers lists the accepted store drivers.
var ValidDrivers = []string{DriverSQLite, DriverPostgres, DriverConsul, DriverMemory}

// Config is the full application configuration.
type Config struct {
	Store   StoreConfig   `yaml:"store"`
	Lock    LockConfig    `yaml:"lock"`
	Log     LogConfig     `yaml:"log"`
	Webhook WebhookConfig `yaml:"webhook"`
}

// StoreConfig selects and configures the backing store.
type StoreConfig struct {
	Driver string `yaml:"driver"`

	// SQLite
	Path         string        `yaml:"path"`
	BusyTimeout  time.Duration `yaml:"busy_timeout"`
	MaxOpenConns int           `yaml:"max_open_conns"`

	Postgres PostgresConfig `yaml:"postgres"`
	Consul   ConsulConfig   `yaml:"consul"`
}

// PostgresConfig overrides the DATABASE_* environment defaults.
type PostgresConfig struct {
	URL    string `yaml:"url"`
	Driver string `yaml:"driver"`
	Schema string `yaml:"schema"`
}

// ConsulConfig overrides the CONSUL_* environment defaults.
type ConsulConfig struct {
	Address    string        `yaml:"address"`
	Prefix     string        `yaml:"prefix"`
	SessionTTL time.Duration `yaml:"session_ttl"`
}

// LockConfig controls how the guard requests the row lock.
type LockConfig struct {
	// Mode is "nowait", "wait" or a bounded wait duration such as "2s".
	Mode string `yaml:"mode"`
}

// LogConfig controls structured logging.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// WebhookConfig configures the optional webhook side effect.
type WebhookConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Store: StoreConfig{
			Driver:       DriverSQLite,
			Path:         "publishonce.db",
			BusyTimeout:  5 * time.Second,
			MaxOpenConns: 4,
		},
		Lock:    LockConfig{Mode: "nowait"},
		Log:     LogConfig{Level: "info", Format: "text"},
		Webhook: WebhookConfig{Timeout: 10 * time.Second},
	}
}

// Load reads path (if non-empty) over the defaults, applies environment
// overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := decode(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// decode rejects unknown keys so that typos do not silently fall back to
// defaults.
func decode(data []byte, cfg *Config) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	return dec.Decode(cfg)
}

// ApplyEnv overrides fields from PUBLISHONCE_* variables.
func (c *Config) ApplyEnv() error {
	if v, ok := env.Lookup("PUBLISHONCE_STORE_DRIVER"); ok {
		c.Store.Driver = v
	}
	if v, ok := env.Lookup("PUBLISHONCE_DB"); ok {
		c.Store.Path = v
	}
	busy, err := env.Duration("PUBLISHONCE_BUSY_TIMEOUT", c.Store.BusyTimeout)
	if err != nil {
		return err
	}
	c.Store.BusyTimeout = busy
	if v, ok := env.Lookup("PUBLISHONCE_LOCK_MODE"); ok {
		c.Lock.Mode = v
	}
	if v, ok := env.Lookup("PUBLISHONCE_LOG_LEVEL"); ok {
		c.Log.Level = v
	}
	if v, ok := env.Lookup("PUBLISHONCE_LOG_FORMAT"); ok {
		c.Log.Format = v
	}
	if v, ok := env.Lookup("PUBLISHONCE_WEBHOOK_URL"); ok {
		c.Webhook.URL = v
	}
	return nil
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if !contains(ValidDrivers, c.Store.Driver) {
		return fmt.Errorf("invalid store driver %q: must be one of %v", c.Store.Driver, ValidDrivers)
	}
	if c.Store.Driver == DriverSQLite {
		if c.Store.Path == "" {
			return errors.New("store.path is required for the sqlite driver")
		}
		if c.Store.BusyTimeout < 0 {
			return errors.New("store.busy_timeout must be >= 0")
		}
		if c.Store.MaxOpenConns < 1 {
			return errors.New("store.max_open_conns must be >= 1")
		}
	}
	if _, err := c.LockMode(); err != nil {
		return err
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("invalid log format %q: must be text or json", c.Log.Format)
	}
	if c.Webhook.Timeout < 0 {
		return errors.New("webhook.timeout must be >= 0")
	}
	return nil
}

// LockMode parses Lock.Mode.
func (c Config) LockMode() (guard.LockMode, error) {
	return guard.ParseLockMode(c.Lock.Mode)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
