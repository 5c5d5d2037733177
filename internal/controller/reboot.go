package controller

import (
	"context"
	"fmt"
	"time"

	"github.com/opensafely-core/job-runner/internal/events"
	"github.com/opensafely-core/job-runner/internal/model"
)

// maybeEnterRebootPrep checks the backend's reboot-prep flag and, while
// it's set, keeps sweeping running Jobs onto WAITING_ON_REBOOT (spec.md
// §4.D "reboot preparation"). Admission itself is already paused by
// decidePendingCode checking the same flag, so this only needs to unwind
// what is already RUNNING.
func (c *Controller) maybeEnterRebootPrep(ctx context.Context, backend string) error {
	reboot, err := c.Flags.RebootPrep(ctx, backend)
	if err != nil {
		return fmt.Errorf("controller: read reboot-prep flag: %w", err)
	}
	if !reboot {
		return nil
	}
	return c.cancelRunningJobsForReboot(ctx, backend)
}

func (c *Controller) cancelRunningJobsForReboot(ctx context.Context, backend string) error {
	jobs, err := c.Store.ListActiveJobsByBackend(ctx, backend)
	if err != nil {
		return fmt.Errorf("controller: list active jobs: %w", err)
	}

	for _, job := range jobs {
		if job.State != model.JobRunning {
			continue
		}

		tasks, err := c.Store.ListActiveTasksByJob(ctx, job.ID)
		if err != nil {
			return fmt.Errorf("controller: list active tasks for job %s: %w", job.ID, err)
		}

		alreadyCancelling := false
		for _, t := range tasks {
			if t.Kind == model.TaskCancelJob {
				alreadyCancelling = true
			}
		}
		if alreadyCancelling {
			continue
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
		}

		if err := c.Store.UpdateJobStatus(ctx, job.ID, model.JobPending, model.StatusWaitingOnReboot,
			"preparing for reboot", nil, nil); err != nil {
			return fmt.Errorf("controller: park job %s for reboot: %w", job.ID, err)
		}
		c.emit(events.New(events.BackendRebootPrep).WithBackend(backend).WithJob(job.ID))
	}
	return nil
}
