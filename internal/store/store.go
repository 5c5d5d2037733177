// Package store is the Controller's SQLite persistence layer for
// JobRequests, Jobs, Tasks and BackendFlags. Only the controller process
// opens this store; agents never import it (they talk to the controller
// over the Task API instead).
package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Store wraps a single SQLite connection configured for the controller's
// single-writer access pattern.
type Store struct {
	db *sql.DB
}

// Open opens (and migrates) the SQLite database at path. Use ":memory:"
// for an ephemeral in-process store (test suites, the agent-side nothing
// path).
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// The controller is the single writer for this database; one
	// connection makes that constraint explicit instead of relying on
	// SQLite's own busy-locking to serialize accidental concurrent writers.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("pragma %q: %w", p, err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the raw handle for callers that need a custom query (e.g. the
// dashboard's read-only aggregate views).
func (s *Store) DB() *sql.DB {
	return s.db
}
