// Package migrations applies the embedded schema with golang-migrate.
package migrations

import (
	"embed"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5" // registers pgx5://
	_ "github.com/golang-migrate/migrate/v4/database/sqlite" // registers sqlite://
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
)

//go:embed sqlite/*.sql postgres/*.sql
var fs embed.FS

// Up applies every pending migration for driver ("sqlite" or "postgres").
// The memory driver has no schema and is accepted as a no-op.
func Up(driver, dsn string, logger *zap.Logger) error {
	if driver == "memory" {
		return nil
	}
	m, err := newMigrate(driver, dsn)
	if err != nil {
		return err
	}
	defer closeMigrate(m, logger)

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply %s migrations: %w", driver, err)
	}
	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("read migration version: %w", err)
	}
	logger.Info("schema up to date",
		zap.String("driver", driver),
		zap.Uint("version", version),
		zap.Bool("dirty", dirty),
	)
	return nil
}

// Down rolls back every applied migration.
func Down(driver, dsn string, logger *zap.Logger) error {
	if driver == "memory" {
		return nil
	}
	m, err := newMigrate(driver, dsn)
	if err != nil {
		return err
	}
	defer closeMigrate(m, logger)

	if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("roll back %s migrations: %w", driver, err)
	}
	return nil
}

func newMigrate(driver, dsn string) (*migrate.Migrate, error) {
	url, err := databaseURL(driver, dsn)
	if err != nil {
		return nil, err
	}
	src, err := iofs.New(fs, driver)
	if err != nil {
		return nil, fmt.Errorf("open embedded migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, url)
	if err != nil {
		return nil, fmt.Errorf("create migrate instance: %w", err)
	}
	return m, nil
}

func closeMigrate(m *migrate.Migrate, logger *zap.Logger) {
	srcErr, dbErr := m.Close()
	if srcErr != nil {
		logger.Warn("close migration source", zap.Error(srcErr))
	}
	if dbErr != nil {
		logger.Warn("close migration database", zap.Error(dbErr))
	}
}

// databaseURL converts a configured DSN into the URL form golang-migrate expects.
func databaseURL(driver, dsn string) (string, error) {
	switch driver {
	case "sqlite":
		return "sqlite://" + strings.TrimPrefix(dsn, "sqlite://"), nil
	case "postgres":
		for _, prefix := range []string{"postgres://", "postgresql://", "pgx5://"} {
			if strings.HasPrefix(dsn, prefix) {
				return "pgx5://" + strings.TrimPrefix(dsn, prefix), nil
			}
		}
		return "", fmt.Errorf("postgres dsn must be a postgres:// URL")
	default:
		return "", fmt.Errorf("unknown driver %q", driver)
	}
}
