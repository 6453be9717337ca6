package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/medstore-io/medstore/migrations"
)

type (
	// MigrationRunner is the set of commands the CLI exposes.
	MigrationRunner interface {
		Up() error
		Down() error
		Status() error
		Version() error
		Drop() error
		Close() error
	}

	// Runner implements MigrationRunner with golang-migrate over the embedded schema.
	Runner struct {
		migrate *migrate.Migrate
		out     io.Writer
		logger  *slog.Logger
	}

	// migrateLogger forwards golang-migrate output to slog.
	migrateLogger struct {
		logger *slog.Logger
	}
)

var _ migrate.Logger = (*migrateLogger)(nil)

// NewMigrationRunner validates the embedded schema, connects, and prepares golang-migrate.
// Status output is written to out.
func NewMigrationRunner(ctx context.Context, cfg *Config, out io.Writer, logger *slog.Logger) (*Runner, error) {
	logger.Info("Initializing migration runner", slog.String("config", cfg.String()))

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	m, err := migrations.NewSource(nil).New(db, cfg.MigrationTable)
	if err != nil {
		_ = db.Close()

		return nil, err
	}

	m.Log = &migrateLogger{logger: logger}

	return &Runner{migrate: m, out: out, logger: logger}, nil
}

// Up applies all pending migrations.
func (r *Runner) Up() error {
	err := r.migrate.Up()
	if errors.Is(err, migrate.ErrNoChange) {
		r.logger.Info("No new migrations to apply")

		return nil
	}

	if err != nil {
		return fmt.Errorf("migration up failed: %w", err)
	}

	r.logger.Info("All migrations applied successfully")

	return nil
}

// Down rolls back the last migration.
func (r *Runner) Down() error {
	err := r.migrate.Steps(-1)
	if errors.Is(err, migrate.ErrNoChange) {
		r.logger.Info("No migrations to roll back")

		return nil
	}

	if err != nil {
		return fmt.Errorf("migration down failed: %w", err)
	}

	r.logger.Info("Last migration rolled back successfully")

	return nil
}

// Status prints the current version and whether it is dirty.
func (r *Runner) Status() error {
	ver, dirty, err := r.migrate.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		_, _ = fmt.Fprintln(r.out, "Migration Status: No migrations applied yet")

		return nil
	}

	if err != nil {
		return fmt.Errorf("failed to get migration version: %w", err)
	}

	state := "clean"
	if dirty {
		state = "dirty (needs manual intervention)"
	}

	_, _ = fmt.Fprintf(r.out, "Migration Status: Version %d (%s)\n", ver, state)

	return nil
}

// Version prints the current version.
func (r *Runner) Version() error {
	ver, dirty, err := r.migrate.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		_, _ = fmt.Fprintln(r.out, "Current Version: No migrations applied")

		return nil
	}

	if err != nil {
		return fmt.Errorf("failed to get migration version: %w", err)
	}

	note := ""
	if dirty {
		note = " (dirty)"
	}

	_, _ = fmt.Fprintf(r.out, "Current Version: %d%s\n", ver, note)

	return nil
}

// Drop removes every table. Destructive.
func (r *Runner) Drop() error {
	r.logger.Warn("Dropping all tables")

	if err := r.migrate.Drop(); err != nil {
		return fmt.Errorf("drop operation failed: %w", err)
	}

	return nil
}

// Close releases the source and the database connection.
func (r *Runner) Close() error {
	sourceErr, dbErr := r.migrate.Close()

	return errors.Join(sourceErr, dbErr)
}

func (l *migrateLogger) Printf(format string, v ...any) {
	l.logger.Debug(fmt.Sprintf(format, v...), slog.String("component", "migrate"))
}

func (l *migrateLogger) Verbose() bool {
	return false
}
