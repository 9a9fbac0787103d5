package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/transfer-indexer/internal/logging"
)

const clickHouseMigrationsDDL = `CREATE TABLE IF NOT EXISTS schema_migrations (
    name String,
    applied_at DateTime64(3, 'UTC')
) ENGINE = MergeTree ORDER BY name`

// RunClickHouseMigrations applies the .sql files under migrationsPath that
// are not yet recorded in schema_migrations, in name order. A file that
// fails midway is retried from its first statement on the next run, so
// statements should be idempotent.
func RunClickHouseMigrations(ctx context.Context, db *ClickHouseDB, migrationsPath string) error {
	logger := logging.FromContext(ctx).Component("clickhouse-migrate")

	files, err := filepath.Glob(filepath.Join(migrationsPath, "*.sql"))
	if err != nil {
		return fmt.Errorf("failed to list migrations in %s: %w", migrationsPath, err)
	}
	if len(files) == 0 {
		logger.WithField("path", migrationsPath).Warn("No ClickHouse migration files found")
		return nil
	}
	sort.Strings(files)

	if err := db.Exec(ctx, clickHouseMigrationsDDL); err != nil {
		return fmt.Errorf("failed to create schema_migrations: %w", err)
	}
	applied, err := appliedClickHouseMigrations(ctx, db)
	if err != nil {
		return err
	}

	for _, path := range files {
		name := filepath.Base(path)
		if applied[name] {
			continue
		}

		content, err := os.ReadFile(path) // #nosec G304 -- path comes from the migrations directory
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", name, err)
		}
		for i, stmt := range splitSQLStatements(string(content)) {
			if err := db.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("migration %s statement %d failed: %w", name, i+1, err)
			}
		}
		if err := db.Exec(ctx, `INSERT INTO schema_migrations (name, applied_at) VALUES (?, ?)`, name, time.Now().UTC()); err != nil {
			return fmt.Errorf("failed to record migration %s: %w", name, err)
		}
		logger.WithField("file", name).Info("Applied ClickHouse migration")
	}
	return nil
}

func appliedClickHouseMigrations(ctx context.Context, db *ClickHouseDB) (map[string]bool, error) {
	rows, err := db.Conn().Query(ctx, `SELECT name FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema_migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		applied[name] = true
	}
	return applied, rows.Err()
}

// splitSQLStatements splits a migration file on lines ending in ';'. Comment
// lines and blank lines are dropped, and the trailing ';' is removed.
func splitSQLStatements(content string) []string {
	var stmts, cur []string
	flush := func() {
		stmt := strings.TrimSuffix(strings.TrimSpace(strings.Join(cur, "\n")), ";")
		if stmt != "" {
			stmts = append(stmts, stmt)
		}
		cur = cur[:0]
	}

	for _, line := range strings.Split(content, "\n") {
		t := strings.TrimSpace(line)
		if t == "" || strings.HasPrefix(t, "--") {
			continue
		}
		cur = append(cur, line)
		if strings.HasSuffix(t, ";") {
			flush()
		}
	}
	flush()
	return stmts
}
