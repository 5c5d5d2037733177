package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/opensafely-core/job-runner/internal/model"
)

// SetFlag upserts a backend flag value.
func (s *Store) SetFlag(ctx context.Context, backend, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO backend_flags (backend, key, value, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(backend, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		backend, key, value, time.Now())
	return err
}

// GetFlag reads a single flag value. Returns "" if unset — flags are
// intentionally non-transactional with job state (spec.md §4.H), so
// callers accept a possibly-stale or absent read every tick.
func (s *Store) GetFlag(ctx context.Context, backend, key string) (string, error) {
	row := s.db.QueryRowContext(ctx, `SELECT value FROM backend_flags WHERE backend = ? AND key = ?`, backend, key)
	var value string
	if err := row.Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", err
	}
	return value, nil
}

// ListFlags returns every flag set for a backend.
func (s *Store) ListFlags(ctx context.Context, backend string) ([]model.BackendFlag, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT backend, key, value, updated_at FROM backend_flags WHERE backend = ?`, backend)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.BackendFlag
	for rows.Next() {
		var f model.BackendFlag
		if err := rows.Scan(&f.Backend, &f.Key, &f.Value, &f.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// ClearFlag removes a flag entirely (used to exit db-maintenance/reboot-prep mode).
func (s *Store) ClearFlag(ctx context.Context, backend, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM backend_flags WHERE backend = ? AND key = ?`, backend, key)
	return err
}
