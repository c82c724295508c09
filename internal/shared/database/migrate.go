package database

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// migrationLockKey serializes migrators across replicas sharing a database.
const migrationLockKey int64 = 0x7a5e_0001

const createMigrationsTable = `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version VARCHAR(255) PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`

type migration struct {
	Version string
	File    string
	SQL     string
}

// MigrationReport lists the versions a Migrate run applied and skipped.
type MigrationReport struct {
	Applied []string
	Skipped []string
}

// execQuerier is satisfied by pgx.Tx
type execQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Migrate applies the embedded migrations in version order, one transaction
// per file. Each transaction holds an advisory lock and re-checks
// schema_migrations, so concurrent replicas apply every file once.
func Migrate(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) (*MigrationReport, error) {
	if logger == nil {
		logger = slog.Default()
	}

	migrations, err := loadMigrations(migrationsFS)
	if err != nil {
		return nil, err
	}

	if _, err := pool.Exec(ctx, createMigrationsTable); err != nil {
		return nil, fmt.Errorf("failed to create migrations table: %w", err)
	}

	report := &MigrationReport{}
	for _, m := range migrations {
		var applied bool
		err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
			var err error
			applied, err = applyMigration(ctx, tx, m)
			return err
		})
		if err != nil {
			return report, err
		}

		if applied {
			report.Applied = append(report.Applied, m.Version)
			logger.Info("applied migration", "version", m.Version, "file", m.File)
		} else {
			report.Skipped = append(report.Skipped, m.Version)
			logger.Debug("migration already applied", "version", m.Version)
		}
	}

	logger.Info("database schema up to date",
		"applied", len(report.Applied),
		"skipped", len(report.Skipped))
	return report, nil
}

// applyMigration runs m inside the caller's transaction unless it is already
// recorded. It reports whether m was applied.
func applyMigration(ctx context.Context, tx execQuerier, m migration) (bool, error) {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, migrationLockKey); err != nil {
		return false, fmt.Errorf("failed to lock migrations: %w", err)
	}

	var done bool
	err := tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE version = $1)`,
		m.Version,
	).Scan(&done)
	if err != nil {
		return false, fmt.Errorf("failed to check migration %s: %w", m.Version, err)
	}
	if done {
		return false, nil
	}

	if _, err := tx.Exec(ctx, m.SQL); err != nil {
		return false, fmt.Errorf("failed to execute migration %s: %w", m.File, err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, m.Version); err != nil {
		return false, fmt.Errorf("failed to record migration %s: %w", m.File, err)
	}
	return true, nil
}

// loadMigrations reads every .sql file under migrations/ in version order.
func loadMigrations(fsys fs.FS) ([]migration, error) {
	entries, err := fs.ReadDir(fsys, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	var out []migration
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}
		content, err := fs.ReadFile(fsys, "migrations/"+name)
		if err != nil {
			return nil, fmt.Errorf("failed to read migration %s: %w", name, err)
		}
		if strings.TrimSpace(string(content)) == "" {
			return nil, fmt.Errorf("migration %s is empty", name)
		}
		out = append(out, migration{
			Version: strings.TrimSuffix(name, ".sql"),
			File:    name,
			SQL:     string(content),
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}
