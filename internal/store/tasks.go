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

// CreateTask inserts a new Task row, active by default.
func (s *Store) CreateTask(ctx context.Context, t *model.Task) error {
	def, err := json.Marshal(t.Definition)
	if err != nil {
		return err
	}
	var results sql.NullString
	if t.Results != nil {
		b, err := json.Marshal(t.Results)
		if err != nil {
			return err
		}
		results = sql.NullString{String: string(b), Valid: true}
	}

	var jobID sql.NullString
	if t.JobID != "" {
		jobID = sql.NullString{String: t.JobID, Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, job_id, backend, kind, stage, active, definition, results,
			error_message, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, jobID, t.Backend, string(t.Kind), string(t.Stage), boolToInt(t.Active),
		string(def), results, t.ErrorMessage, t.CreatedAt, t.UpdatedAt)
	return err
}

// GetTask fetches one Task by ID.
func (s *Store) GetTask(ctx context.Context, id string) (*model.Task, error) {
	row := s.db.QueryRowContext(ctx, taskSelectColumns+` FROM tasks WHERE id = ?`, id)
	return scanTask(row)
}

// ListActiveTasksByJob returns the active tasks for a job (normally 0 or 1,
// or 1 RUNJOB + 1 CANCELJOB pairing during cancellation-in-flight).
func (s *Store) ListActiveTasksByJob(ctx context.Context, jobID string) ([]*model.Task, error) {
	rows, err := s.db.QueryContext(ctx, taskSelectColumns+`
		FROM tasks WHERE job_id = ? AND active = 1 ORDER BY id ASC`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTasks(rows)
}

// ListActiveTasksByBackend returns every active task for a backend — this
// backs the Task API's `GET /{backend}/tasks/` endpoint.
func (s *Store) ListActiveTasksByBackend(ctx context.Context, backend string) ([]*model.Task, error) {
	rows, err := s.db.QueryContext(ctx, taskSelectColumns+`
		FROM tasks WHERE backend = ? AND active = 1 ORDER BY id ASC`, backend)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTasks(rows)
}

// UpdateTaskStage applies an agent-reported stage transition, storing
// results when non-nil; active is cleared once stage is FINALIZED or
// ERROR, whether or not results are passed.
func (s *Store) UpdateTaskStage(ctx context.Context, id string, stage model.TaskStage, results *model.TaskResults, errMsg string) error {
	active := stage != model.StageFinalized && stage != model.StageError

	var resultsVal sql.NullString
	if results != nil {
		b, err := json.Marshal(results)
		if err != nil {
			return err
		}
		resultsVal = sql.NullString{String: string(b), Valid: true}
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET stage = ?, active = ?, results = COALESCE(?, results),
			error_message = ?, updated_at = ? WHERE id = ?`,
		string(stage), boolToInt(active), resultsVal, errMsg, time.Now(), id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res)
}

// DeactivateTask clears the active flag without touching stage — used when
// the controller issues a CANCELJOB that supersedes an in-flight RUNJOB.
func (s *Store) DeactivateTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET active = 0, updated_at = ? WHERE id = ?`, time.Now(), id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res)
}

const taskSelectColumns = `
	SELECT id, job_id, backend, kind, stage, active, definition, results, error_message,
	       created_at, updated_at`

func scanTask(row scanner) (*model.Task, error) {
	var t model.Task
	var active int
	var def string
	var results sql.NullString
	var jobID sql.NullString

	if err := row.Scan(&t.ID, &jobID, &t.Backend, &t.Kind, &t.Stage, &active, &def, &results,
		&t.ErrorMessage, &t.CreatedAt, &t.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	if jobID.Valid {
		t.JobID = jobID.String
	}
	t.Active = active != 0
	if err := json.Unmarshal([]byte(def), &t.Definition); err != nil {
		return nil, fmt.Errorf("decode definition: %w", err)
	}
	if results.Valid {
		var r model.TaskResults
		if err := json.Unmarshal([]byte(results.String), &r); err != nil {
			return nil, fmt.Errorf("decode results: %w", err)
		}
		t.Results = &r
	}
	return &t, nil
}

func scanTasks(rows *sql.Rows) ([]*model.Task, error) {
	var out []*model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
