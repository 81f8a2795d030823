// Package schema creates and checks the registry and vault database schemas.
package schema

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"

	"github.com/forest6511/credvault/pkg/storage"
)

//go:embed migrations/*.sql
var registryMigrations embed.FS

// Registry status errors.
var (
	ErrRegistryNotInitialized = errors.New("schema: registry has no schema version")
	ErrRegistryDirty          = errors.New("schema: registry migration failed previously")
	ErrRegistryBehind         = errors.New("schema: registry schema is behind")
	ErrRegistryAhead          = errors.New("schema: registry schema is newer than this binary")
)

// InitRegistry brings the registry database at path to the latest schema.
// Running it against an up-to-date registry is a no-op.
func InitRegistry(ctx context.Context, m *storage.Manager, path string) error {
	return m.WithDB(ctx, path, func(db *sqlx.DB) error {
		mg, err := newRegistryMigrate(db.DB)
		if err != nil {
			return err
		}
		// mg is not closed: closing it would close db, which the scope owns.
		if err := mg.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("schema: registry migration failed: %w", err)
		}
		return nil
	})
}

// CheckRegistry returns nil when the registry at path is at the latest
// migration, or one of the ErrRegistry* errors describing the mismatch.
func CheckRegistry(ctx context.Context, m *storage.Manager, path string) error {
	return m.WithDB(ctx, path, func(db *sqlx.DB) error {
		mg, err := newRegistryMigrate(db.DB)
		if err != nil {
			return err
		}

		version, dirty, err := mg.Version()
		if err != nil {
			if errors.Is(err, migrate.ErrNilVersion) {
				return ErrRegistryNotInitialized
			}
			return fmt.Errorf("schema: failed to get registry version: %w", err)
		}
		if dirty {
			return fmt.Errorf("%w: version %d", ErrRegistryDirty, version)
		}

		src, err := iofs.New(registryMigrations, "migrations")
		if err != nil {
			return fmt.Errorf("schema: failed to read migrations: %w", err)
		}
		defer src.Close()

		latest, err := latestVersion(src)
		if err != nil {
			return fmt.Errorf("schema: failed to determine latest version: %w", err)
		}
		switch {
		case version < latest:
			return fmt.Errorf("%w: at %d, latest %d", ErrRegistryBehind, version, latest)
		case version > latest:
			return fmt.Errorf("%w: at %d, binary knows %d", ErrRegistryAhead, version, latest)
		}
		return nil
	})
}

func newRegistryMigrate(db *sql.DB) (*migrate.Migrate, error) {
	src, err := iofs.New(registryMigrations, "migrations")
	if err != nil {
		return nil, fmt.Errorf("schema: failed to create source driver: %w", err)
	}

	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		src.Close()
		return nil, fmt.Errorf("schema: failed to create database driver: %w", err)
	}

	mg, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		src.Close()
		return nil, fmt.Errorf("schema: failed to create migrate instance: %w", err)
	}
	return mg, nil
}

func latestVersion(src source.Driver) (uint, error) {
	version, err := src.First()
	if err != nil {
		return 0, err
	}
	for {
		next, err := src.Next(version)
		if err != nil {
			// Next fails once there are no more migrations.
			return version, nil
		}
		version = next
	}
}
