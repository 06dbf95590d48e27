// migrate.go -- Embedded SQL migration runner for the accounts/provider_links schema.
package store

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"

	"github.com/jackc/pgx/v5"
)

// migrationLockKey is the pg_advisory_xact_lock key shared by all migrators.
const migrationLockKey int64 = 0x69646c696e6b // "idlink"

// Migrate applies all pending *.sql files from migrationsFS in lexical order.
// Each file runs in its own transaction together with its schema_migrations row,
// so a failing file leaves no partial schema behind. Applied files are skipped.
func (s *PostgresStore) Migrate(ctx context.Context, migrationsFS fs.FS) error {
	files, err := fs.Glob(migrationsFS, "*.sql")
	if err != nil {
		return fmt.Errorf("reading migration files: %w", err)
	}
	sort.Strings(files)

	// Every step holds the same advisory lock, so concurrent migrators
	// (replicas starting together, parallel test packages) apply each file once.
	lock := func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", migrationLockKey)
		return err
	}

	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := lock(tx); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `
			CREATE TABLE IF NOT EXISTS schema_migrations (
				version TEXT PRIMARY KEY,
				applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
			)
		`)
		return err
	})
	if err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	applied := 0
	for _, name := range files {
		sql, err := fs.ReadFile(migrationsFS, name)
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", name, err)
		}

		ran := false
		err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			if err := lock(tx); err != nil {
				return fmt.Errorf("locking: %w", err)
			}
			var exists bool
			err := tx.QueryRow(ctx,
				"SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)", name,
			).Scan(&exists)
			if err != nil {
				return fmt.Errorf("checking: %w", err)
			}
			if exists {
				return nil
			}
			if _, err := tx.Exec(ctx, string(sql)); err != nil {
				return fmt.Errorf("executing: %w", err)
			}
			if _, err := tx.Exec(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", name); err != nil {
				return fmt.Errorf("recording: %w", err)
			}
			ran = true
			return nil
		})
		if err != nil {
			return fmt.Errorf("migration %s: %w", name, err)
		}

		if !ran {
			slog.DebugContext(ctx, "migration already applied, skipping", "version", name)
			continue
		}
		applied++
		slog.InfoContext(ctx, "migration applied", "version", name)
	}

	slog.InfoContext(ctx, "migrations complete", "applied", applied, "total", len(files))
	return nil
}
