package controller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/opensafely-core/job-runner/internal/events"
	"github.com/opensafely-core/job-runner/internal/model"
)

// ErrBackendMismatch is returned by ApplyUpdate when the caller's backend
// does not own the task being updated — an Agent token scoped to one
// backend must never be able to move another backend's task forward.
var ErrBackendMismatch = errors.New("controller: task belongs to a different backend")

// issueRunJob admits a Job onto a worker slot: it builds the full
// definition the Agent needs to execute offline (spec.md §4.D "task
// issuance"), persists it as an active RUNJOB Task, and moves the Job to
// RUNNING/INITIATED.
func (c *Controller) issueRunJob(ctx context.Context, job *model.Job) error {
	inputs, err := c.resolveInputActions(ctx, job.RequiresOutputsFrom)
	if err != nil {
		return fmt.Errorf("controller: resolve inputs for job %s: %w", job.ID, err)
	}

	now := time.Now()
	task := &model.Task{
		ID:      model.NewID(),
		JobID:   job.ID,
		Backend: job.Backend,
		Kind:    model.TaskRunJob,
		Stage:   model.StageUnknown,
		Active:  true,
		Definition: model.TaskDefinition{
			Action:              job.Action,
			RunCommand:          job.RunCommand,
			Image:               job.Image,
			Outputs:             job.OutputSpec,
			Inputs:              inputs,
			AllowDatabaseAccess: job.DBWorker,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := c.Store.CreateTask(ctx, task); err != nil {
		return fmt.Errorf("controller: create runjob task for job %s: %w", job.ID, err)
	}

	if err := c.Store.UpdateJobStatus(ctx, job.ID, model.JobRunning, model.StatusInitiated, "", &now, nil); err != nil {
		return fmt.Errorf("controller: mark job %s initiated: %w", job.ID, err)
	}

	c.emit(events.New(events.TaskIssued).WithBackend(job.Backend).WithJob(job.ID).WithTask(task.ID))
	c.emit(events.New(events.JobInitiated).WithBackend(job.Backend).WithJob(job.ID).WithTask(task.ID))
	return nil
}

// resolveInputActions turns upstream Job ids into the action names the
// Agent stages as inputs — the controller resolves this once at issuance
// time so the Agent never has to ask it anything else about the job.
func (c *Controller) resolveInputActions(ctx context.Context, jobIDs []string) ([]string, error) {
	if len(jobIDs) == 0 {
		return nil, nil
	}
	inputs := make([]string, 0, len(jobIDs))
	for _, id := range jobIDs {
		dep, err := c.Store.GetJob(ctx, id)
		if err != nil {
			return nil, err
		}
		inputs = append(inputs, dep.Action)
	}
	return inputs, nil
}

// ApplyUpdate records an Agent-reported stage transition for a Task and
// advances the owning Job's state machine accordingly (spec.md §4.E). The
// Controller validates that backend actually owns the task before applying
// anything — the bearer-token middleware only confirms the caller's token
// is scoped to backend, not that this particular task belongs to it. It
// returns agent_complete: whether the Agent may stop reporting on this
// task.
func (c *Controller) ApplyUpdate(ctx context.Context, backend, taskID string, stage model.TaskStage, results *model.TaskResults, errMsg string) (bool, error) {
	task, err := c.Store.GetTask(ctx, taskID)
	if err != nil {
		return false, fmt.Errorf("controller: get task %s: %w", taskID, err)
	}
	if task.Backend != backend {
		return false, fmt.Errorf("%w: task %s belongs to %q, not %q", ErrBackendMismatch, taskID, task.Backend, backend)
	}

	switch task.Kind {
	case model.TaskRunJob:
		return c.applyRunJobUpdate(ctx, task, stage, results, errMsg)
	case model.TaskCancelJob:
		return c.applyCancelJobUpdate(ctx, task, stage, results, errMsg)
	case model.TaskDBStatus:
		return c.applyDBStatusUpdate(ctx, task, stage, results, errMsg)
	default:
		return false, fmt.Errorf("controller: task %s has unknown kind %q", task.ID, task.Kind)
	}
}

var stageToCode = map[model.TaskStage]model.StatusCode{
	model.StagePrepared:  model.StatusPrepared,
	model.StageExecuting: model.StatusExecuting,
	model.StageExecuted:  model.StatusExecuted,
}

func (c *Controller) applyRunJobUpdate(ctx context.Context, task *model.Task, stage model.TaskStage, results *model.TaskResults, errMsg string) (bool, error) {
	if err := c.Store.UpdateTaskStage(ctx, task.ID, stage, results, errMsg); err != nil {
		return false, fmt.Errorf("controller: update task %s stage: %w", task.ID, err)
	}

	switch stage {
	case model.StageError:
		return c.applyNonFatalError(ctx, task, errMsg)

	case model.StageFinalized:
		code := decideTerminalCode(results)
		var outputs map[string]string
		var unmatched []string
		if results != nil {
			outputs, unmatched = results.Outputs, results.UnmatchedPatterns
		}
		if err := c.Store.RecordJobOutputs(ctx, task.JobID, outputs, unmatched); err != nil {
			return false, fmt.Errorf("controller: record outputs for job %s: %w", task.JobID, err)
		}
		now := time.Now()
		if err := c.Store.UpdateJobStatus(ctx, task.JobID, code.State(), code, "", nil, &now); err != nil {
			return false, fmt.Errorf("controller: finalize job %s: %w", task.JobID, err)
		}
		c.emit(events.New(terminalEventFor(code)).WithBackend(task.Backend).WithJob(task.JobID).WithTask(task.ID))
		return true, nil

	default:
		code, ok := stageToCode[stage]
		if !ok {
			return false, nil
		}
		if err := c.Store.UpdateJobStatus(ctx, task.JobID, model.JobRunning, code, "", nil, nil); err != nil {
			return false, fmt.Errorf("controller: update job %s to %s: %w", task.JobID, code, err)
		}
		c.emit(events.New(events.TaskUpdated).WithBackend(task.Backend).WithJob(task.JobID).WithTask(task.ID).WithPayload(string(code)))
		return false, nil
	}
}

// decideTerminalCode maps a FINALIZED RUNJOB's results to a terminal
// status_code (spec.md §4.D): a missing results payload is treated as an
// executor-reported internal failure.
func decideTerminalCode(results *model.TaskResults) model.StatusCode {
	if results == nil {
		return model.StatusInternalError
	}
	if results.ExitCode != 0 {
		return model.StatusNonzeroExit
	}
	if len(results.UnmatchedPatterns) > 0 {
		return model.StatusUnmatchedPatterns
	}
	return model.StatusSucceeded
}

func terminalEventFor(code model.StatusCode) events.EventType {
	if code == model.StatusSucceeded {
		return events.JobSucceeded
	}
	return events.JobFailed
}
