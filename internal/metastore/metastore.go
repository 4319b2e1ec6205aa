// Package metastore is the SQLite-backed catalog of sources,
// destinations, schedules, backups, archives and their files.
package metastore

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"scrat-backup/internal/metastore/migrations"
)

// Store wraps a SQLite connection configured for the catalog schema.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the catalog database at path and
// brings its schema up to date. path may be ":memory:" for tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening catalog database: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}
	if err := migrations.Up(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating catalog database: %w", err)
	}
	return &Store{db: db}, nil
}

// OpenFromDB wraps an already-open, already-migrated connection. Used by
// tests that want to share a connection across assertions.
func OpenFromDB(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying connection for callers that need a
// transaction spanning more than one Store method (the engine's
// per-run bookkeeping).
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) exec(ctx context.Context, query string, args ...any) error {
	_, err := s.db.ExecContext(ctx, query, args...)
	return err
}
