package store

import (
	"database/sql"
	"embed"
	"fmt"
	"log/slog"

	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx driver with database/sql
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// Migrate applies all pending schema migrations to the database at connStr.
func Migrate(log *slog.Logger, connStr string) error {
	return runMigrations(log, connStr, "up", goose.Up)
}

// MigrateDown rolls back the most recent migration.
func MigrateDown(log *slog.Logger, connStr string) error {
	return runMigrations(log, connStr, "down", goose.Down)
}

// MigrateStatus logs the status of every migration.
func MigrateStatus(log *slog.Logger, connStr string) error {
	return runMigrations(log, connStr, "status", goose.Status)
}

func runMigrations(log *slog.Logger, connStr, action string, fn func(*sql.DB, string, ...goose.OptionsFunc) error) error {
	db, err := sql.Open("pgx", connStr)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	goose.SetBaseFS(embedMigrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}

	log.Info("running PostgreSQL migrations", "action", action)
	if err := fn(db, "migrations"); err != nil {
		return fmt.Errorf("failed to run migrations (%s): %w", action, err)
	}
	log.Info("PostgreSQL migrations completed", "action", action)
	return nil
}
