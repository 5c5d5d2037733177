package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opensafely-core/job-runner/internal/model"
)

// CreateJob inserts a new Job row.
func (s *Store) CreateJob(ctx context.Context, j *model.Job) error {
	waitFor, err := json.Marshal(j.WaitForJobIDs)
	if err != nil {
		return err
	}
	requires, err := json.Marshal(j.RequiresOutputsFrom)
	if err != nil {
		return err
	}
	outputSpec, err := json.Marshal(nonNilMap(j.OutputSpec))
	if err != nil {
		return err
	}
	computedOutputs, err := json.Marshal(nonNilMap(j.ComputedOutputs))
	if err != nil {
		return err
	}
	unmatched, err := json.Marshal(j.UnmatchedPatterns)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs
			(id, job_request_id, backend, workspace, action, action_version, commit_sha,
			 run_command, image, db_worker, state, status_code, status_message,
			 wait_for_job_ids, requires_outputs_from, output_spec, computed_outputs,
			 unmatched_patterns, retry_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.JobRequestID, j.Backend, j.Workspace, j.Action, j.ActionVersion, j.Commit,
		j.RunCommand, j.Image, boolToInt(j.DBWorker), string(j.State), string(j.StatusCode),
		j.StatusMessage, string(waitFor), string(requires), string(outputSpec), string(computedOutputs),
		string(unmatched), j.RetryCount, j.CreatedAt, j.UpdatedAt)
	return err
}

func nonNilMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

// GetJob fetches one Job by ID.
func (s *Store) GetJob(ctx context.Context, id string) (*model.Job, error) {
	row := s.db.QueryRowContext(ctx, jobSelectColumns+` FROM jobs WHERE id = ?`, id)
	return scanJob(row)
}

// FindJobForAction looks up the most recent Job for (workspace, action,
// commit) — the key the builder uses to decide skip/reuse/create. Returns
// (nil, nil) if no such Job exists.
func (s *Store) FindJobForAction(ctx context.Context, workspace, action, commit string) (*model.Job, error) {
	row := s.db.QueryRowContext(ctx, jobSelectColumns+`
		FROM jobs WHERE workspace = ? AND action = ? AND commit_sha = ?
		ORDER BY created_at DESC LIMIT 1`, workspace, action, commit)
	job, err := scanJob(row)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return job, err
}

// ListJobsByRequest returns all Jobs belonging to a JobRequest.
func (s *Store) ListJobsByRequest(ctx context.Context, jobRequestID string) ([]*model.Job, error) {
	rows, err := s.db.QueryContext(ctx, jobSelectColumns+`
		FROM jobs WHERE job_request_id = ? ORDER BY id ASC`, jobRequestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanJobs(rows)
}

// ListJobsByBackend returns every Job for a backend regardless of state —
// used by the RAP status endpoint, which reports terminal outcomes too.
func (s *Store) ListJobsByBackend(ctx context.Context, backend string) ([]*model.Job, error) {
	rows, err := s.db.QueryContext(ctx, jobSelectColumns+`
		FROM jobs WHERE backend = ? ORDER BY id ASC`, backend)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanJobs(rows)
}

// ListActiveJobsByBackend returns every non-terminal Job for a backend,
// oldest first, using the partial index on (backend, state).
func (s *Store) ListActiveJobsByBackend(ctx context.Context, backend string) ([]*model.Job, error) {
	rows, err := s.db.QueryContext(ctx, jobSelectColumns+`
		FROM jobs WHERE backend = ? AND state NOT IN ('SUCCEEDED', 'FAILED')
		ORDER BY id ASC`, backend)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanJobs(rows)
}

// CountRunningJobs returns the number of Jobs currently occupying a worker
// slot for a backend, split by whether they are DB workers, for admission
// control (spec.md §4.D two independent concurrency caps).
func (s *Store) CountRunningJobs(ctx context.Context, backend string) (total, dbWorkers int, err error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(db_worker), 0) FROM jobs
		WHERE backend = ? AND state = 'RUNNING'`, backend)
	if err := row.Scan(&total, &dbWorkers); err != nil {
		return 0, 0, err
	}
	return total, dbWorkers, nil
}

// UpdateJobStatus transitions a Job's state/status_code/message and bumps
// UpdatedAt. Pass startedAt/completedAt as nil to leave them unchanged.
func (s *Store) UpdateJobStatus(ctx context.Context, id string, state model.JobState, code model.StatusCode, message string, startedAt, completedAt *time.Time) error {
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET state = ?, status_code = ?, status_message = ?, updated_at = ?,
			started_at = COALESCE(?, started_at),
			completed_at = COALESCE(?, completed_at)
		WHERE id = ?`,
		string(state), string(code), message, now, startedAt, completedAt, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res)
}

// RecordJobOutputs persists the outputs and unmatched patterns a FINALIZED
// task reported, alongside the status transition UpdateJobStatus applies.
func (s *Store) RecordJobOutputs(ctx context.Context, id string, computedOutputs map[string]string, unmatchedPatterns []string) error {
	outputs, err := json.Marshal(nonNilMap(computedOutputs))
	if err != nil {
		return err
	}
	unmatched, err := json.Marshal(unmatchedPatterns)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET computed_outputs = ?, unmatched_patterns = ?, updated_at = ? WHERE id = ?`,
		string(outputs), string(unmatched), time.Now(), id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res)
}

// IncrementRetryCount bumps a Job's retry counter and returns the new value.
func (s *Store) IncrementRetryCount(ctx context.Context, id string) (int, error) {
	var count int
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT retry_count FROM jobs WHERE id = ?`, id)
		if err := row.Scan(&count); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		count++
		_, err := tx.ExecContext(ctx, `UPDATE jobs SET retry_count = ?, updated_at = ? WHERE id = ?`, count, time.Now(), id)
		return err
	})
	return count, err
}

const jobSelectColumns = `
	SELECT id, job_request_id, backend, workspace, action, action_version, commit_sha,
	       run_command, image, db_worker, state, status_code, status_message,
	       wait_for_job_ids, requires_outputs_from, output_spec, computed_outputs,
	       unmatched_patterns, retry_count, created_at, updated_at,
	       started_at, completed_at`

func scanJob(row scanner) (*model.Job, error) {
	var j model.Job
	var dbWorker int
	var waitFor, requires, outputSpec, computedOutputs, unmatched string
	var startedAt, completedAt sql.NullTime

	if err := row.Scan(&j.ID, &j.JobRequestID, &j.Backend, &j.Workspace, &j.Action, &j.ActionVersion,
		&j.Commit, &j.RunCommand, &j.Image, &dbWorker, &j.State, &j.StatusCode, &j.StatusMessage,
		&waitFor, &requires, &outputSpec, &computedOutputs, &unmatched,
		&j.RetryCount, &j.CreatedAt, &j.UpdatedAt, &startedAt, &completedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	j.DBWorker = dbWorker != 0
	if err := json.Unmarshal([]byte(waitFor), &j.WaitForJobIDs); err != nil {
		return nil, fmt.Errorf("decode wait_for_job_ids: %w", err)
	}
	if err := json.Unmarshal([]byte(requires), &j.RequiresOutputsFrom); err != nil {
		return nil, fmt.Errorf("decode requires_outputs_from: %w", err)
	}
	if err := json.Unmarshal([]byte(outputSpec), &j.OutputSpec); err != nil {
		return nil, fmt.Errorf("decode output_spec: %w", err)
	}
	if err := json.Unmarshal([]byte(computedOutputs), &j.ComputedOutputs); err != nil {
		return nil, fmt.Errorf("decode computed_outputs: %w", err)
	}
	if err := json.Unmarshal([]byte(unmatched), &j.UnmatchedPatterns); err != nil {
		return nil, fmt.Errorf("decode unmatched_patterns: %w", err)
	}
	if startedAt.Valid {
		j.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		j.CompletedAt = &completedAt.Time
	}
	return &j, nil
}

func scanJobs(rows *sql.Rows) ([]*model.Job, error) {
	var out []*model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}
