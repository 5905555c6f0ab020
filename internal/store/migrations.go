package store

import (
	"context"
	"embed"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// migrationLockID keys the advisory lock held while migrating. api and worker both migrate on start.
const migrationLockID = 7346120

// RunMigrations applies embedded SQL files in filename order, once each, recording them in schema_migrations.
func (s *Store) RunMigrations(ctx context.Context) error {
	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, migrationLockID); err != nil {
			return fmt.Errorf("lock migrations: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			CREATE TABLE IF NOT EXISTS schema_migrations (
				version    TEXT PRIMARY KEY,
				applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`); err != nil {
			return fmt.Errorf("create schema_migrations: %w", err)
		}
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
				continue
			}
			var applied bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE version = $1)`, e.Name()).Scan(&applied); err != nil {
				return fmt.Errorf("check migration %s: %w", e.Name(), err)
			}
			if applied {
				continue
			}
			content, err := migrationFiles.ReadFile("migrations/" + e.Name())
			if err != nil {
				return fmt.Errorf("read migration %s: %w", e.Name(), err)
			}
			if sql := strings.TrimSpace(string(content)); sql != "" {
				if _, err := tx.Exec(ctx, sql); err != nil {
					return fmt.Errorf("exec migration %s: %w", e.Name(), err)
				}
			}
			if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, e.Name()); err != nil {
				return fmt.Errorf("record migration %s: %w", e.Name(), err)
			}
		}
		return nil
	})
}
