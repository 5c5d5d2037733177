package controller

import (
	"context"
	"fmt"
	"time"

	"github.com/opensafely-core/job-runner/internal/events"
	"github.com/opensafely-core/job-runner/internal/model"
)

// maybeIssueDBStatusProbe issues a periodic DBSTATUS task for backend
// unless one is already active (spec.md §4.D "DB maintenance").
func (c *Controller) maybeIssueDBStatusProbe(ctx context.Context, backend string) error {
	tasks, err := c.Store.ListActiveTasksByBackend(ctx, backend)
	if err != nil {
		return fmt.Errorf("controller: list active tasks: %w", err)
	}
	for _, t := range tasks {
		if t.Kind == model.TaskDBStatus {
			return nil
		}
	}

	task := &model.Task{
		ID:      model.NewID(),
		Backend: backend,
		Kind:    model.TaskDBStatus,
		Stage:   model.StageUnknown,
		Active:  true,
	}
	if err := c.Store.CreateTask(ctx, task); err != nil {
		return fmt.Errorf("controller: create dbstatus task: %w", err)
	}
	c.emit(events.New(events.TaskIssued).WithBackend(backend).WithTask(task.ID).WithPayload("dbstatus"))
	return nil
}

// applyDBStatusUpdate handles an Agent-reported DBSTATUS result: it flips
// the backend's db-maintenance flag and, on a rising edge, parks every
// running DB-worker Job on WAITING_DB_MAINTENANCE.
func (c *Controller) applyDBStatusUpdate(ctx context.Context, task *model.Task, stage model.TaskStage, results *model.TaskResults, errMsg string) (bool, error) {
	if err := c.Store.UpdateTaskStage(ctx, task.ID, stage, results, errMsg); err != nil {
		return false, fmt.Errorf("controller: update task %s stage: %w", task.ID, err)
	}
	if stage != model.StageFinalized && stage != model.StageError {
		return false, nil
	}

	inMaintenance := results != nil && results.InMaintenance
	wasMaintenance, err := c.Flags.DBMaintenance(ctx, task.Backend)
	if err != nil {
		return false, fmt.Errorf("controller: read db-maintenance flag: %w", err)
	}

	if err := c.Flags.SetDBMaintenance(ctx, task.Backend, inMaintenance); err != nil {
		return false, fmt.Errorf("controller: set db-maintenance flag: %w", err)
	}

	switch {
	case inMaintenance && !wasMaintenance:
		if err := c.resetDBJobsToMaintenance(ctx, task.Backend); err != nil {
			return false, err
		}
		c.emit(events.New(events.BackendDBMaintenance).WithBackend(task.Backend).WithPayload(true))
	case !inMaintenance && wasMaintenance:
		c.emit(events.New(events.BackendDBMaintenance).WithBackend(task.Backend).WithPayload(false))
	}

	return true, nil
}

// resetDBJobsToMaintenance deactivates the active RUNJOB task of every
// RUNNING DB-worker Job on backend, issues a CANCELJOB so the Agent
// actually terminates the running container (mirroring
// cancelRunningJobsForReboot), and parks the Job on
// WAITING_DB_MAINTENANCE. The next tick's evaluate naturally re-admits
// them once the flag clears, since the dependency check that runs first
// will already show their deps satisfied.
func (c *Controller) resetDBJobsToMaintenance(ctx context.Context, backend string) error {
	jobs, err := c.Store.ListActiveJobsByBackend(ctx, backend)
	if err != nil {
		return fmt.Errorf("controller: list active jobs: %w", err)
	}

	for _, job := range jobs {
		if job.State != model.JobRunning || !job.DBWorker {
			continue
		}

		tasks, err := c.Store.ListActiveTasksByJob(ctx, job.ID)
		if err != nil {
			return fmt.Errorf("controller: list active tasks for job %s: %w", job.ID, err)
		}

		now := time.Now()
		for _, t := range tasks {
			if t.Kind != model.TaskRunJob {
				continue
			}
			if err := c.Store.DeactivateTask(ctx, t.ID); err != nil {
				return fmt.Errorf("controller: deactivate task %s: %w", t.ID, err)
			}

			cancel := &model.Task{
				ID:         model.NewID(),
				JobID:      job.ID,
				Backend:    job.Backend,
				Kind:       model.TaskCancelJob,
				Stage:      model.StageUnknown,
				Active:     true,
				Definition: t.Definition,
				CreatedAt:  now,
				UpdatedAt:  now,
			}
			if err := c.Store.CreateTask(ctx, cancel); err != nil {
				return fmt.Errorf("controller: create canceljob task for job %s: %w", job.ID, err)
			}
			c.emit(events.New(events.TaskIssued).WithBackend(job.Backend).WithJob(job.ID).WithTask(cancel.ID).WithPayload("cancel"))
		}

		if err := c.Store.UpdateJobStatus(ctx, job.ID, model.JobPending, model.StatusWaitingDBMaintenance,
			"backend entering database maintenance", nil, nil); err != nil {
			return fmt.Errorf("controller: park job %s for db maintenance: %w", job.ID, err)
		}
		c.emit(events.New(events.JobWaiting).WithBackend(backend).WithJob(job.ID).WithPayload(string(model.StatusWaitingDBMaintenance)))
	}
	return nil
}
