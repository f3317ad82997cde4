// Package migrations manages the engine's database schema with goose.
// The SQL migrations are embedded so a deployed binary needs no migration
// files on disk.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed sql/*.sql
var embedded embed.FS

// Manager runs embedded goose migrations against a database.
type Manager struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewManager opens a database/sql connection for goose. The revision store
// keeps its own pgx pool; this connection only exists for migrations.
func NewManager(dsn string, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}
	return &Manager{db: db, logger: logger}, nil
}

// Up applies all pending migrations.
func (m *Manager) Up(ctx context.Context) error {
	goose.SetBaseFS(embedded)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("setting goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, m.db, "sql"); err != nil {
		return fmt.Errorf("applying migrations: %w", err)
	}
	version, err := goose.GetDBVersionContext(ctx, m.db)
	if err != nil {
		return fmt.Errorf("reading migration version: %w", err)
	}
	m.logger.Info("database migrated", "version", version)
	return nil
}

// Down rolls back the most recent migration.
func (m *Manager) Down(ctx context.Context) error {
	goose.SetBaseFS(embedded)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("setting goose dialect: %w", err)
	}
	if err := goose.DownContext(ctx, m.db, "sql"); err != nil {
		return fmt.Errorf("rolling back migration: %w", err)
	}
	return nil
}

// Status logs the state of every known migration.
func (m *Manager) Status(ctx context.Context) error {
	goose.SetBaseFS(embedded)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("setting goose dialect: %w", err)
	}
	return goose.StatusContext(ctx, m.db, "sql")
}

// Close releases the migration connection.
func (m *Manager) Close() error {
	return m.db.Close()
}
