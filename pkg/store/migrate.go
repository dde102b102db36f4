package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"

	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx driver with database/sql
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var EmbedMigrations embed.FS

// MigrationsDir is the directory of EmbedMigrations holding the goose files.
const MigrationsDir = "migrations"

func newProvider(connString string) (*goose.Provider, *sql.DB, error) {
	db, err := sql.Open("pgx", connString)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to ping database: %w", err)
	}
	migrations, err := fs.Sub(EmbedMigrations, MigrationsDir)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	provider, err := goose.NewProvider(goose.DialectPostgres, db, migrations)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to create goose provider: %w", err)
	}
	return provider, db, nil
}

// MigrateUp runs all pending migrations.
func MigrateUp(ctx context.Context, log *slog.Logger, connString string) error {
	provider, db, err := newProvider(connString)
	if err != nil {
		return err
	}
	defer db.Close()

	log.Info("running PostgreSQL migrations (up)")
	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	for _, r := range results {
		log.Info("store: applied migration", "version", r.Source.Version, "duration", r.Duration)
	}

	log.Info("PostgreSQL migrations completed", "applied", len(results))
	return nil
}

// MigrateDown rolls back the last migration.
func MigrateDown(ctx context.Context, log *slog.Logger, connString string) error {
	provider, db, err := newProvider(connString)
	if err != nil {
		return err
	}
	defer db.Close()

	log.Info("rolling back PostgreSQL migration (down)")
	result, err := provider.Down(ctx)
	if err != nil {
		return fmt.Errorf("failed to rollback migration: %w", err)
	}

	log.Info("PostgreSQL migration rollback completed", "version", result.Source.Version)
	return nil
}

// MigrateStatus logs the state of every known migration.
func MigrateStatus(ctx context.Context, log *slog.Logger, connString string) error {
	provider, db, err := newProvider(connString)
	if err != nil {
		return err
	}
	defer db.Close()

	statuses, err := provider.Status(ctx)
	if err != nil {
		return fmt.Errorf("failed to get migration status: %w", err)
	}
	log.Info("PostgreSQL migration status")
	for _, s := range statuses {
		if s.State == goose.StateApplied {
			log.Info("store: migration", "version", s.Source.Version, "path", s.Source.Path, "state", string(s.State), "applied_at", s.AppliedAt)
			continue
		}
		log.Info("store: migration", "version", s.Source.Version, "path", s.Source.Path, "state", string(s.State))
	}
	return nil
}
