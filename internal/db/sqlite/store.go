// Package sqlite provides the SQLite-backed local document store for solvetrace.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreConfig holds database configuration.
type StoreConfig struct {
	Path     string // Path to SQLite database file
	MaxConns int    // Maximum number of open connections (default: 1)
	WALMode  bool   // Enable write-ahead logging
}

// Store wraps a SQLite database connection.
type Store struct {
	db *sql.DB
}

// NewStore opens the database, applies pragmas and runs migrations.
// synchronous=FULL is used so a committed write survives a crash.
func NewStore(cfg StoreConfig) (*Store, error) {
	if dir := filepath.Dir(cfg.Path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	dsn := "file:" + cfg.Path + "?_pragma=busy_timeout(5000)&_pragma=synchronous(FULL)"
	if cfg.WALMode {
		dsn += "&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite has a single writer; more connections only help readers.
	maxConns := cfg.MaxConns
	if maxConns <= 0 {
		maxConns = 1
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := newStoreFromDB(db)
	if err := store.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return store, nil
}

func newStoreFromDB(db *sql.DB) *Store {
	return &Store{db: db}
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database connection is alive.
func (s *Store) Ping() error {
	return s.db.Ping()
}

// ExecContext executes a statement.
func (s *Store) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, query, args...)
}

// QueryContext executes a query that returns rows.
func (s *Store) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, query, args...)
}

// QueryRowContext executes a query that returns at most one row.
func (s *Store) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, query, args...)
}

// migrations are applied in order; each runs once and is recorded in schema_migrations.
var migrations = []struct {
	id    string
	stmts []string
}{
	{
		id: "001_kv_documents",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS kv_documents (
				key TEXT PRIMARY KEY,
				document TEXT NOT NULL,
				updated_at TEXT NOT NULL,
				updated_at_epoch INTEGER NOT NULL
			)`,
		},
	},
}

func (s *Store) migrate(ctx context.Context) error {
	const create = `CREATE TABLE IF NOT EXISTS schema_migrations (
		id TEXT PRIMARY KEY,
		applied_at_epoch INTEGER NOT NULL
	)`
	if _, err := s.db.ExecContext(ctx, create); err != nil {
		return err
	}

	for _, m := range migrations {
		var applied int
		err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations WHERE id = ?`, m.id).Scan(&applied)
		if err != nil {
			return err
		}
		if applied > 0 {
			continue
		}

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		for _, stmt := range m.stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("migration %s: %w", m.id, err)
			}
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (id, applied_at_epoch) VALUES (?, ?)`,
			m.id, time.Now().UnixMilli()); err != nil {
			_ = tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}
