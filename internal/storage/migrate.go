package storage

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

// Migrator applies the versioned Postgres schema under a migrations directory.
// Paths are relative to the working directory; callers outside the repo root
// pass their own.
type Migrator struct {
	m *migrate.Migrate
}

// NewMigrator opens a migrate instance for the directory and database URL
func NewMigrator(databaseURL, migrationsPath string) (*Migrator, error) {
	m, err := migrate.New(fmt.Sprintf("file://%s", migrationsPath), databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	return &Migrator{m: m}, nil
}

// Close releases the source and database handles
func (mg *Migrator) Close() {
	_, _ = mg.m.Close() // nolint:errcheck // cleanup
}

// Up applies every pending migration
func (mg *Migrator) Up() error {
	if err := mg.m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Down rolls back the given number of steps
func (mg *Migrator) Down(steps int) error {
	if err := mg.m.Steps(-steps); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to rollback migration: %w", err)
	}
	return nil
}

// Version returns the current schema version. A fresh database reports 0.
func (mg *Migrator) Version() (version uint, dirty bool, err error) {
	version, dirty, err = mg.m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, fmt.Errorf("failed to get migration version: %w", err)
	}
	return version, dirty, nil
}

// RunMigrations applies all pending migrations in one call
func RunMigrations(databaseURL, migrationsPath string) error {
	mg, err := NewMigrator(databaseURL, migrationsPath)
	if err != nil {
		return err
	}
	defer mg.Close()
	return mg.Up()
}
