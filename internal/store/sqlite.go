// ABOUTME: SQLite implementation of the Store interfaces using modernc.org/sqlite or mattn/go-sqlite3
// ABOUTME: Opens the database, enables WAL and foreign keys, and creates the schema automatically

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite
type SQLiteStore struct {
	db     *sql.DB
	driver string
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path using the
// named driver ("sqlite" or "sqlite3"; empty means "sqlite").
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(driver, path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if driver == "" {
		driver = DriverSQLite
	}
	if driver != DriverSQLite && driver != DriverSQLite3 {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, driver)
	}

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open(driver, path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// A single connection keeps PRAGMAs in effect and serialises writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		driver: driver,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path, "driver", driver)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS registry_meta (
			key   TEXT PRIMARY KEY,
			value INTEGER NOT NULL
		);

		INSERT OR IGNORE INTO registry_meta (key, value) VALUES ('version', 0);

		CREATE TABLE IF NOT EXISTS services (
			id           TEXT PRIMARY KEY,
			position     INTEGER NOT NULL,
			name         TEXT NOT NULL,
			status       TEXT NOT NULL,
			objects_json TEXT NOT NULL,

			CHECK (status IN ('active', 'inactive', 'error'))
		);

		CREATE INDEX IF NOT EXISTS idx_services_position ON services(position);

		CREATE TABLE IF NOT EXISTS agents (
			id                TEXT PRIMARY KEY,
			position          INTEGER NOT NULL,
			name              TEXT NOT NULL,
			url               TEXT NOT NULL,
			status            TEXT NOT NULL,
			capabilities_json TEXT NOT NULL,
			plugin_id         TEXT,

			CHECK (status IN ('connected', 'disconnected'))
		);

		CREATE INDEX IF NOT EXISTS idx_agents_position ON agents(position);

		CREATE TABLE IF NOT EXISTS skills (
			id              TEXT PRIMARY KEY,
			position        INTEGER NOT NULL,
			name            TEXT NOT NULL,
			description     TEXT NOT NULL,
			category        TEXT NOT NULL,
			parameters_json TEXT NOT NULL,
			plugin_id       TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_skills_position ON skills(position);

		CREATE TABLE IF NOT EXISTS profiles (
			id                     TEXT PRIMARY KEY,
			position               INTEGER NOT NULL,
			name                   TEXT NOT NULL,
			description            TEXT NOT NULL,
			model_preferences_json TEXT NOT NULL,
			temperature            REAL NOT NULL,
			timeout_ms             INTEGER NOT NULL,
			max_retries            INTEGER NOT NULL,
			icon                   TEXT
		);

		CREATE TABLE IF NOT EXISTS plugins (
			id          TEXT PRIMARY KEY,
			position    INTEGER NOT NULL,
			name        TEXT NOT NULL,
			description TEXT NOT NULL,
			version     TEXT NOT NULL,
			icon        TEXT
		);

		CREATE TABLE IF NOT EXISTS runs (
			id               TEXT PRIMARY KEY,
			task             TEXT NOT NULL,
			provider_id      TEXT NOT NULL,
			registry_version INTEGER NOT NULL,
			state            TEXT NOT NULL,
			outcome          TEXT NOT NULL,
			step_count       INTEGER NOT NULL,
			created_at       TEXT NOT NULL,
			completed_at     TEXT,

			CHECK (outcome IN ('', 'succeeded', 'failed', 'aborted'))
		);

		CREATE INDEX IF NOT EXISTS idx_runs_created ON runs(created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_runs_outcome ON runs(outcome);

		CREATE TABLE IF NOT EXISTS run_steps (
			run_id    TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			role      TEXT NOT NULL,
			seq       INTEGER NOT NULL,
			step_id   TEXT NOT NULL,
			kind      TEXT NOT NULL,
			step_json TEXT NOT NULL,

			PRIMARY KEY (run_id, role, seq),
			CHECK (role IN ('user', 'assistant')),
			CHECK (kind IN ('thought', 'call', 'result', 'error'))
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// Execution profiles were added after agents and skills; databases created
	// before that lack the reference columns.
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{
			table:  "agents",
			column: "execution_profile_id",
			apply:  `ALTER TABLE agents ADD COLUMN execution_profile_id TEXT`,
		},
		{
			table:  "skills",
			column: "execution_profile_id",
			apply:  `ALTER TABLE skills ADD COLUMN execution_profile_id TEXT`,
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(`SELECT 1 FROM pragma_table_info(?) WHERE name = ?`, m.table, m.column).Scan(&exists)
		if err == nil {
			continue
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}

	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// Driver returns the database/sql driver name in use.
func (s *SQLiteStore) Driver() string {
	return s.driver
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// withTx runs fn inside a transaction, rolling back on error.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}
