package store

import (
	"context"
	"fmt"

	"github.com/roach88/publishonce/internal/article"
	"github.com/roach88/publishonce/internal/config"
	"github.com/roach88/publishonce/internal/guard"
	"github.com/roach88/publishonce/internal/store/consul"
	"github.com/roach88/publishonce/internal/store/memory"
	"github.com/roach88/publishonce/internal/store/postgres"
	"github.com/roach88/publishonce/internal/store/sqlite"
)

// Backend is an article store usable by the guard and the CLI.
type Backend interface {
	guard.Store
	CreateArticle(ctx context.Context, a article.Article) error
	ListArticles(ctx context.Context) ([]article.Article, error)
	Close() error
}

var (
	_ Backend = (*sqlite.Store)(nil)
	_ Backend = (*postgres.Store)(nil)
	_ Backend = (*consul.Store)(nil)
	_ Backend = (*memory.Store)(nil)
)

// Open opens the backend selected by cfg.Driver.
func Open(ctx context.Context, cfg config.StoreConfig) (Backend, error) {
	switch cfg.Driver {
	case config.DriverSQLite:
		return sqlite.OpenConfig(cfg.Path, sqlite.Config{
			BusyTimeout:  cfg.BusyTimeout,
			MaxOpenConns: cfg.MaxOpenConns,
		})
	case config.DriverPostgres:
		pgCfg, err := PostgresConfig(cfg)
		if err != nil {
			return nil, err
		}
		return postgres.Open(ctx, pgCfg)
	case config.DriverConsul:
		cCfg, err := ConsulConfig(cfg)
		if err != nil {
			return nil, err
		}
		return consul.Open(cCfg)
	case config.DriverMemory:
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// PostgresConfig layers file settings over the DATABASE_* environment.
func PostgresConfig(cfg config.StoreConfig) (postgres.Config, error) {
	pgCfg, err := postgres.ConfigFromEnv()
	if err != nil {
		return postgres.Config{}, err
	}
	if cfg.Postgres.URL != "" {
		pgCfg.URL = cfg.Postgres.URL
	}
	if cfg.Postgres.Driver != "" {
		pgCfg.Driver = cfg.Postgres.Driver
	}
	if cfg.Postgres.Schema != "" {
		pgCfg.Schema = cfg.Postgres.Schema
	}
	return pgCfg, pgCfg.Validate()
}

// ConsulConfig layers file settings over the CONSUL_* environment.
func ConsulConfig(cfg config.StoreConfig) (consul.Config, error) {
	cCfg, err := consul.ConfigFromEnv()
	if err != nil {
		return consul.Config{}, err
	}
	if cfg.Consul.Address != "" {
		cCfg.Address = cfg.Consul.Address
	}
	if cfg.Consul.Prefix != "" {
		cCfg.Prefix = cfg.Consul.Prefix
	}
	if cfg.Consul.SessionTTL != 0 {
		cCfg.SessionTTL = cfg.Consul.SessionTTL
	}
	return cCfg, cCfg.Validate()
}
