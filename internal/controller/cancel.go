package controller

import (
	"context"
	"fmt"
	"time"

	"github.com/opensafely-core/job-runner/internal/events"
	"github.com/opensafely-core/job-runner/internal/model"
)

// cancellations sweeps every active Job on backend and cancels the ones
// whose owning JobRequest lists their action in CancelledActions. A
// terminal Job's cancellation is a silent no-op: only PENDING and RUNNING
// Jobs ever reach this list in the first place (ListActiveJobsByBackend
// excludes terminal state), which resolves the source's undefined
// interplay between cancellation and an already-SUCCEEDED Job.
func (c *Controller) cancellations(ctx context.Context, backend string) error {
	jobs, err := c.Store.ListActiveJobsByBackend(ctx, backend)
	if err != nil {
		return fmt.Errorf("controller: list active jobs: %w", err)
	}

	requests := map[string]*model.JobRequest{}
	for _, job := range jobs {
		jr, ok := requests[job.JobRequestID]
		if !ok {
			fetched, err := c.Store.GetJobRequest(ctx, job.JobRequestID)
			if err != nil {
				return fmt.Errorf("controller: get job request %s: %w", job.JobRequestID, err)
			}
			jr = fetched
			requests[job.JobRequestID] = jr
		}

		if !containsString(jr.CancelledActions, job.Action) {
			continue
		}
		if err := c.cancelJob(ctx, job); err != nil {
			c.emit(events.New(events.ControllerTickFailed).WithBackend(backend).WithJob(job.ID).WithError(err).WithPayload("cancel"))
		}
	}
	return nil
}

func (c *Controller) cancelJob(ctx context.Context, job *model.Job) error {
	switch job.State {
	case model.JobPending:
		now := time.Now()
		if err := c.Store.UpdateJobStatus(ctx, job.ID, model.JobFailed, model.StatusCancelledByUser, "cancelled by user", nil, &now); err != nil {
			return fmt.Errorf("controller: cancel pending job %s: %w", job.ID, err)
		}
		c.emit(events.New(events.JobCancelled).WithBackend(job.Backend).WithJob(job.ID))
		return nil

	case model.JobRunning:
		return c.issueCancelJob(ctx, job)

	default:
		// Terminal: nothing to do.
		return nil
	}
}

// issueCancelJob deactivates a RUNNING Job's active RUNJOB task and issues
// a CANCELJOB referencing the same definition, so the Agent knows what it
// is tearing down (spec.md §4.D cancellation). It is idempotent: if a
// CANCELJOB is already active for this job, nothing further is done.
func (c *Controller) issueCancelJob(ctx context.Context, job *model.Job) error {
	tasks, err := c.Store.ListActiveTasksByJob(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("controller: list active tasks for job %s: %w", job.ID, err)
	}

	for _, t := range tasks {
		if t.Kind == model.TaskCancelJob {
			return nil
		}
	}

	now := time.Now()
	for _, t := range tasks {
		if t.Kind != model.TaskRunJob {
			continue
		}
		if err := c.Store.DeactivateTask(ctx, t.ID); err != nil {
			return fmt.Errorf("controller: deactivate runjob task %s: %w", t.ID, err)
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
	return nil
}

// applyCancelJobUpdate handles an Agent-reported stage update for a
// CANCELJOB task. A Job already parked in WAITING_ON_REBOOT or
// WAITING_DB_MAINTENANCE got there via the reboot-preparation sweep
// (reboot.go) or the db-maintenance sweep (dbmaintenance.go), not a user
// cancellation, so confirmation of that CANCELJOB leaves it parked there
// rather than marking it CANCELLED_BY_USER.
func (c *Controller) applyCancelJobUpdate(ctx context.Context, task *model.Task, stage model.TaskStage, results *model.TaskResults, errMsg string) (bool, error) {
	if err := c.Store.UpdateTaskStage(ctx, task.ID, stage, results, errMsg); err != nil {
		return false, fmt.Errorf("controller: update task %s stage: %w", task.ID, err)
	}

	if stage != model.StageFinalized && stage != model.StageError {
		return false, nil
	}

	job, err := c.Store.GetJob(ctx, task.JobID)
	if err != nil {
		return false, fmt.Errorf("controller: get job %s: %w", task.JobID, err)
	}
	if job.StatusCode == model.StatusWaitingOnReboot || job.StatusCode == model.StatusWaitingDBMaintenance {
		return true, nil
	}

	now := time.Now()
	if err := c.Store.UpdateJobStatus(ctx, task.JobID, model.JobFailed, model.StatusCancelledByUser, "cancelled by user", nil, &now); err != nil {
		return false, fmt.Errorf("controller: mark job %s cancelled: %w", task.JobID, err)
	}
	c.emit(events.New(events.JobCancelled).WithBackend(task.Backend).WithJob(task.JobID).WithTask(task.ID))
	return true, nil
}

func containsString(items []string, target string) bool {
	for _, i := range items {
		if i == target {
			return true
		}
	}
	return false
}
