package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/opensafely-core/job-runner/internal/model"
)

// ErrNotFound is returned when a lookup by ID finds no row.
var ErrNotFound = errors.New("store: not found")

// CreateJobRequest inserts a new, unexpanded JobRequest.
func (s *Store) CreateJobRequest(ctx context.Context, jr *model.JobRequest) error {
	requested, err := json.Marshal(jr.RequestedActions)
	if err != nil {
		return err
	}
	cancelled, err := json.Marshal(jr.CancelledActions)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO job_requests
			(id, backend, workspace, repo_url, branch, commit_sha, requested_actions,
			 cancelled_actions, force_run_dependencies, created_by, created_at, expanded)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		jr.ID, jr.Backend, jr.Workspace, jr.RepoURL, jr.Branch, jr.Commit,
		string(requested), string(cancelled), boolToInt(jr.ForceRunDependencies),
		jr.CreatedBy, jr.CreatedAt, boolToInt(jr.Expanded))
	return err
}

// UpsertJobRequest inserts jr, or — if a row with the same id already
// exists — refreshes its mutable fields (spec.md §4.F: "upsert
// corresponding JobRequest rows"). expanded/cancelled_actions are left
// alone on conflict: those are owned by the builder and the RAP cancel
// endpoint respectively, not by the sync loop's view of job-server state.
func (s *Store) UpsertJobRequest(ctx context.Context, jr *model.JobRequest) error {
	requested, err := json.Marshal(jr.RequestedActions)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO job_requests
			(id, backend, workspace, repo_url, branch, commit_sha, requested_actions,
			 cancelled_actions, force_run_dependencies, created_by, created_at, expanded)
		VALUES (?, ?, ?, ?, ?, ?, ?, '[]', ?, ?, ?, 0)
		ON CONFLICT(id) DO UPDATE SET
			workspace = excluded.workspace,
			repo_url = excluded.repo_url,
			branch = excluded.branch,
			commit_sha = CASE WHEN excluded.commit_sha != '' THEN excluded.commit_sha ELSE job_requests.commit_sha END,
			requested_actions = excluded.requested_actions,
			force_run_dependencies = excluded.force_run_dependencies`,
		jr.ID, jr.Backend, jr.Workspace, jr.RepoURL, jr.Branch, jr.Commit,
		string(requested), boolToInt(jr.ForceRunDependencies), jr.CreatedBy, jr.CreatedAt)
	return err
}

// GetJobRequest fetches one JobRequest by ID.
func (s *Store) GetJobRequest(ctx context.Context, id string) (*model.JobRequest, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, backend, workspace, repo_url, branch, commit_sha, requested_actions,
		       cancelled_actions, force_run_dependencies, created_by, created_at, expanded
		FROM job_requests WHERE id = ?`, id)
	return scanJobRequest(row)
}

// ListUnexpandedJobRequests returns JobRequests the builder has not yet
// turned into Jobs, for the given backend, oldest first.
func (s *Store) ListUnexpandedJobRequests(ctx context.Context, backend string) ([]*model.JobRequest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, backend, workspace, repo_url, branch, commit_sha, requested_actions,
		       cancelled_actions, force_run_dependencies, created_by, created_at, expanded
		FROM job_requests WHERE backend = ? AND expanded = 0 ORDER BY id ASC`, backend)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.JobRequest
	for rows.Next() {
		jr, err := scanJobRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, jr)
	}
	return out, rows.Err()
}

// MarkJobRequestExpanded flips the expanded flag once the builder has
// created Jobs for every requested action.
func (s *Store) MarkJobRequestExpanded(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE job_requests SET expanded = 1 WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res)
}

// AddCancelledAction appends action to a JobRequest's cancellation list
// (the Task API's `POST /rap/cancel/` — spec.md §4.E), read-modify-write
// inside a transaction since cancelled_actions is stored as a JSON blob
// rather than a join table. A repeat cancellation of the same action is a
// no-op.
func (s *Store) AddCancelledAction(ctx context.Context, id, action string) error {
	return withTx(ctx, s.db, func(tx *sql.Tx) error {
		var cancelled string
		row := tx.QueryRowContext(ctx, `SELECT cancelled_actions FROM job_requests WHERE id = ?`, id)
		if err := row.Scan(&cancelled); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}

		var actions []string
		if err := json.Unmarshal([]byte(cancelled), &actions); err != nil {
			return fmt.Errorf("decode cancelled_actions: %w", err)
		}
		for _, a := range actions {
			if a == action {
				return nil
			}
		}
		actions = append(actions, action)

		updated, err := json.Marshal(actions)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `UPDATE job_requests SET cancelled_actions = ? WHERE id = ?`, string(updated), id)
		return err
	})
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJobRequest(row scanner) (*model.JobRequest, error) {
	var jr model.JobRequest
	var requested, cancelled string
	var forceRun, expanded int
	if err := row.Scan(&jr.ID, &jr.Backend, &jr.Workspace, &jr.RepoURL, &jr.Branch, &jr.Commit,
		&requested, &cancelled, &forceRun, &jr.CreatedBy, &jr.CreatedAt, &expanded); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal([]byte(requested), &jr.RequestedActions); err != nil {
		return nil, fmt.Errorf("decode requested_actions: %w", err)
	}
	if err := json.Unmarshal([]byte(cancelled), &jr.CancelledActions); err != nil {
		return nil, fmt.Errorf("decode cancelled_actions: %w", err)
	}
	jr.ForceRunDependencies = forceRun != 0
	jr.Expanded = expanded != 0
	return &jr, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func checkRowsAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
