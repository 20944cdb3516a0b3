// Package storage opens the configured watch.Store backend.
package storage

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/mattyhall/rexml/internal/config"
	"github.com/mattyhall/rexml/internal/storage/memory"
	"github.com/mattyhall/rexml/internal/storage/migrations"
	"github.com/mattyhall/rexml/internal/storage/postgres"
	"github.com/mattyhall/rexml/internal/storage/sqlite"
	"github.com/mattyhall/rexml/internal/watch"
)

// Open returns the store selected by cfg.Driver, applying migrations first
// when cfg.AutoMigrate is set.
func Open(ctx context.Context, cfg config.DBConfig, logger *zap.Logger) (watch.Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.AutoMigrate {
		if err := migrations.Up(cfg.Driver, cfg.DSN, logger); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	switch cfg.Driver {
	case "memory":
		return memory.NewStore(), nil
	case "sqlite":
		store, err := sqlite.Open(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		return store, nil
	case "postgres":
		store, err := postgres.New(ctx, postgres.Config{
			DSN:             cfg.DSN,
			MaxConns:        cfg.MaxConns,
			MaxConnLifetime: cfg.MaxConnLifetime,
		})
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported db driver %q", cfg.Driver)
	}
}
