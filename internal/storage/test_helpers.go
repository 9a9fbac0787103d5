package storage

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/transfer-indexer/internal/config"
)

// testContext creates a context with timeout for tests
func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// testPostgresConfig points at the local development database. POSTGRES_*
// variables override the defaults.
func testPostgresConfig() *config.PostgresConfig {
	get := func(key, def string) string {
		if v := os.Getenv(key); v != "" {
			return v
		}
		return def
	}
	return &config.PostgresConfig{
		Host:           get("POSTGRES_HOST", "localhost"),
		Port:           get("POSTGRES_PORT", "5432"),
		Database:       get("POSTGRES_DB", "transfer_indexer_test"),
		User:           get("POSTGRES_USER", "indexer"),
		Password:       get("POSTGRES_PASSWORD", "indexer_dev_password"),
		SSLMode:        "disable",
		MaxConnections: 10,
	}
}

// OpenTestDB connects and migrates the test database, skipping the test when
// Postgres is not reachable.
func OpenTestDB(t *testing.T) *PostgresDB {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	cfg := testPostgresConfig()
	db, err := NewPostgresDB(cfg)
	if err != nil {
		t.Skipf("Skipping test - Postgres not available: %v", err)
	}
	t.Cleanup(db.Close)

	if err := RunMigrations(cfg.URL(), "../../migrations/postgres"); err != nil {
		t.Fatalf("RunMigrations() error = %v", err)
	}
	return db
}
