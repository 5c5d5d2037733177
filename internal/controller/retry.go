package controller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/opensafely-core/job-runner/internal/events"
	"github.com/opensafely-core/job-runner/internal/model"
)

// applyNonFatalError handles a RUNJOB Task reporting ERROR with a
// retryable cause (spec.md §4.D "non-fatal errors"): the task is retired,
// the retry counter bumped, and the Job either re-queued for a fresh
// RUNJOB or, past the budget, failed terminally with JOB_ERROR. The Agent
// is done with this task either way, so agent_complete is always true.
func (c *Controller) applyNonFatalError(ctx context.Context, task *model.Task, errMsg string) (bool, error) {
	if err := c.Store.DeactivateTask(ctx, task.ID); err != nil {
		return false, fmt.Errorf("controller: deactivate task %s: %w", task.ID, err)
	}

	count, err := c.Store.IncrementRetryCount(ctx, task.JobID)
	if err != nil {
		return false, fmt.Errorf("controller: increment retry count for job %s: %w", task.JobID, err)
	}

	if count > c.MaxTaskRetries {
		now := time.Now()
		if err := c.Store.UpdateJobStatus(ctx, task.JobID, model.JobFailed, model.StatusJobError, errMsg, nil, &now); err != nil {
			return false, fmt.Errorf("controller: fail job %s after exhausted retries: %w", task.JobID, err)
		}
		c.emit(events.New(events.JobFailed).WithBackend(task.Backend).WithJob(task.JobID).WithTask(task.ID).
			WithPayload(model.StatusJobError).WithError(errors.New(errMsg)))
		return true, nil
	}

	if err := c.Store.UpdateJobStatus(ctx, task.JobID, model.JobPending, model.StatusWaitingOnNewTask, errMsg, nil, nil); err != nil {
		return false, fmt.Errorf("controller: reset job %s for retry: %w", task.JobID, err)
	}
	c.emit(events.New(events.JobRetried).WithBackend(task.Backend).WithJob(task.JobID).WithTask(task.ID).WithPayload(count))
	return true, nil
}
