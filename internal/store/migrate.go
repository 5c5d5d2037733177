package store

import (
	"context"
	"database/sql"
	"fmt"
)

// migration is one forward-only schema step. Migrations run in order,
// each inside its own transaction, and are recorded in schema_migrations
// so Open is idempotent across restarts.
type migration struct {
	version int
	stmts   []string
}

var migrations = []migration{
	{
		version: 1,
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS schema_migrations (
				version INTEGER NOT NULL PRIMARY KEY
			)`,
			`CREATE TABLE IF NOT EXISTS job_requests (
				id TEXT PRIMARY KEY,
				backend TEXT NOT NULL,
				workspace TEXT NOT NULL,
				repo_url TEXT NOT NULL,
				branch TEXT NOT NULL,
				commit_sha TEXT NOT NULL DEFAULT '',
				requested_actions TEXT NOT NULL,
				cancelled_actions TEXT NOT NULL DEFAULT '[]',
				force_run_dependencies INTEGER NOT NULL DEFAULT 0,
				created_by TEXT NOT NULL DEFAULT '',
				created_at DATETIME NOT NULL,
				expanded INTEGER NOT NULL DEFAULT 0
			)`,
			`CREATE INDEX IF NOT EXISTS idx_job_requests_backend_expanded
				ON job_requests(backend, expanded)`,
			`CREATE TABLE IF NOT EXISTS jobs (
				id TEXT PRIMARY KEY,
				job_request_id TEXT NOT NULL REFERENCES job_requests(id),
				backend TEXT NOT NULL,
				workspace TEXT NOT NULL,
				action TEXT NOT NULL,
				action_version TEXT NOT NULL DEFAULT '',
				commit_sha TEXT NOT NULL,
				run_command TEXT NOT NULL,
				image TEXT NOT NULL,
				db_worker INTEGER NOT NULL DEFAULT 0,
				state TEXT NOT NULL,
				status_code TEXT NOT NULL,
				status_message TEXT NOT NULL DEFAULT '',
				wait_for_job_ids TEXT NOT NULL DEFAULT '[]',
				requires_outputs_from TEXT NOT NULL DEFAULT '[]',
				output_spec TEXT NOT NULL DEFAULT '{}',
				computed_outputs TEXT NOT NULL DEFAULT '{}',
				unmatched_patterns TEXT NOT NULL DEFAULT '[]',
				retry_count INTEGER NOT NULL DEFAULT 0,
				created_at DATETIME NOT NULL,
				updated_at DATETIME NOT NULL,
				started_at DATETIME,
				completed_at DATETIME
			)`,
			`CREATE INDEX IF NOT EXISTS idx_jobs_job_request_id ON jobs(job_request_id)`,
			`CREATE INDEX IF NOT EXISTS idx_jobs_active_state
				ON jobs(backend, state) WHERE state NOT IN ('SUCCEEDED', 'FAILED')`,
			`CREATE TABLE IF NOT EXISTS tasks (
				id TEXT PRIMARY KEY,
				job_id TEXT REFERENCES jobs(id),
				backend TEXT NOT NULL,
				kind TEXT NOT NULL,
				stage TEXT NOT NULL,
				active INTEGER NOT NULL DEFAULT 1,
				definition TEXT NOT NULL,
				results TEXT,
				error_message TEXT NOT NULL DEFAULT '',
				created_at DATETIME NOT NULL,
				updated_at DATETIME NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_tasks_job_id ON tasks(job_id)`,
			`CREATE INDEX IF NOT EXISTS idx_tasks_backend_active
				ON tasks(backend, active) WHERE active = 1`,
			`CREATE TABLE IF NOT EXISTS backend_flags (
				backend TEXT NOT NULL,
				key TEXT NOT NULL,
				value TEXT NOT NULL DEFAULT '',
				updated_at DATETIME NOT NULL,
				PRIMARY KEY (backend, key)
			)`,
		},
	},
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER NOT NULL PRIMARY KEY
	)`); err != nil {
		return err
	}

	current, err := s.currentVersion(ctx)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := s.applyMigration(ctx, m); err != nil {
			return fmt.Errorf("migration %d: %w", m.version, err)
		}
	}

	return nil
}

func (s *Store) currentVersion(ctx context.Context) (int, error) {
	row := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`)
	var v int
	if err := row.Scan(&v); err != nil {
		return 0, err
	}
	return v, nil
}

func (s *Store) applyMigration(ctx context.Context, m migration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range m.stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES (?)`, m.version); err != nil {
		return err
	}

	return tx.Commit()
}

// withTx runs fn inside a transaction, rolling back on error.
func withTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
