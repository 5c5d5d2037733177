package agent

import (
	"context"
	"fmt"

	"github.com/opensafely-core/job-runner/internal/events"
	"github.com/opensafely-core/job-runner/internal/executor"
	"github.com/opensafely-core/job-runner/internal/model"
)

// TaskClient is the subset of Client the Runner needs, so tests can stub
// it without an httptest server.
type TaskClient interface {
	ListTasks(ctx context.Context, backend string) ([]*model.Task, error)
	UpdateTask(ctx context.Context, backend, taskID string, stage model.TaskStage, results *model.TaskResults, errMsg string) (bool, error)
}

// DBProbe performs the DBSTATUS health check a DBSTATUS task asks for.
// There's no container involved, so it doesn't go through
// executor.Adapter — just whatever local check the backend's DB
// maintenance window depends on.
type DBProbe interface {
	Probe(ctx context.Context) (inMaintenance bool, token string, err error)
}

// Runner drives one backend's active tasks to completion, one tick at a
// time. It holds no state across restarts beyond the in-memory
// agentComplete set, which only ever suppresses redundant polling within
// a single process lifetime — after a restart every task is rediscovered
// from the Controller's active-task list plus the executor's own view
// (spec.md §4.G: "the Agent does not persist job state").
type Runner struct {
	Backend  string
	Executor executor.Adapter
	Client   TaskClient
	Probe    DBProbe // optional; nil means DBSTATUS tasks report not-in-maintenance
	Bus      *events.Bus

	agentComplete map[string]bool
}

// NewRunner builds a Runner for one backend.
func NewRunner(backend string, exec executor.Adapter, client TaskClient, probe DBProbe, bus *events.Bus) *Runner {
	return &Runner{
		Backend:       backend,
		Executor:      exec,
		Client:        client,
		Probe:         probe,
		Bus:           bus,
		agentComplete: make(map[string]bool),
	}
}

func (r *Runner) emit(e events.Event) {
	if r.Bus != nil {
		r.Bus.Emit(e)
	}
}

// Tick fetches the backend's active tasks and advances each one exactly
// one step (spec.md §4.G, §5 "cooperative and single-threaded... stage
// transitions for different jobs are interleaved but never overlap within
// a single job"). A per-task failure is logged and skipped; it doesn't
// abort the tick for the other tasks.
func (r *Runner) Tick(ctx context.Context) error {
	tasks, err := r.Client.ListTasks(ctx, r.Backend)
	if err != nil {
		return fmt.Errorf("agent: list tasks for %s: %w", r.Backend, err)
	}

	for _, task := range tasks {
		if r.agentComplete[task.ID] {
			continue
		}
		if err := r.step(ctx, task); err != nil {
			r.emit(events.New(events.AgentTickFailed).WithBackend(r.Backend).WithTask(task.ID).WithError(err))
		}
	}
	return nil
}

// step advances one task and posts the resulting update.
func (r *Runner) step(ctx context.Context, task *model.Task) error {
	switch task.Kind {
	case model.TaskDBStatus:
		return r.stepDBStatus(ctx, task)
	case model.TaskCancelJob:
		return r.stepCancelJob(ctx, task)
	default:
		return r.stepRunJob(ctx, task)
	}
}

func (r *Runner) stepRunJob(ctx context.Context, task *model.Task) error {
	status, err := r.Executor.GetStatus(ctx, task.JobID)
	if err != nil {
		return r.postUpdate(ctx, task, model.StageError, nil, err.Error())
	}

	switch status.State {
	case executor.StateUnstarted:
		if err := r.Executor.Prepare(ctx, task.JobID, task.Definition); err != nil {
			return r.postUpdate(ctx, task, model.StageError, nil, err.Error())
		}
		return r.postUpdate(ctx, task, model.StagePrepared, nil, "")

	case executor.StatePreparing:
		return nil // still in progress, nothing to report yet

	case executor.StatePrepared:
		if err := r.Executor.Execute(ctx, task.JobID, task.Definition); err != nil {
			return r.postUpdate(ctx, task, model.StageError, nil, err.Error())
		}
		return r.postUpdate(ctx, task, model.StageExecuting, nil, "")

	case executor.StateExecuting:
		if task.Stage == model.StageExecuting {
			return nil // already reported, poll again next tick
		}
		return r.postUpdate(ctx, task, model.StageExecuting, nil, "")

	case executor.StateExecuted:
		results, err := r.Executor.Finalize(ctx, task.JobID, task.Definition)
		if err != nil {
			return r.postUpdate(ctx, task, model.StageError, nil, err.Error())
		}
		return r.postUpdate(ctx, task, model.StageFinalized, results, "")

	case executor.StateFinalized:
		if err := r.Executor.Cleanup(ctx, task.JobID); err != nil {
			return r.postUpdate(ctx, task, model.StageError, nil, err.Error())
		}
		return r.postUpdate(ctx, task, model.StageFinalized, nil, "")

	case executor.StateError:
		// The Agent inspects once and reports up; retry policy belongs to
		// the Controller (spec.md §7 "never retries autonomously on ERROR
		// beyond a single immediate inspection").
		return r.postUpdate(ctx, task, model.StageError, nil, status.Message)

	default:
		return fmt.Errorf("agent: unhandled executor state %q for job %s", status.State, task.JobID)
	}
}

func (r *Runner) stepCancelJob(ctx context.Context, task *model.Task) error {
	status, err := r.Executor.GetStatus(ctx, task.JobID)
	if err != nil {
		return r.postUpdate(ctx, task, model.StageError, nil, err.Error())
	}

	switch status.State {
	case executor.StateUnstarted:
		// Nothing was ever started for this job; report done immediately.
		if err := r.Executor.Cleanup(ctx, task.JobID); err != nil {
			return r.postUpdate(ctx, task, model.StageError, nil, err.Error())
		}
		return r.postUpdate(ctx, task, model.StageFinalized, nil, "")

	case executor.StateExecuting:
		if err := r.Executor.Terminate(ctx, task.JobID); err != nil {
			return r.postUpdate(ctx, task, model.StageError, nil, err.Error())
		}
		fallthrough

	case executor.StatePreparing, executor.StatePrepared, executor.StateExecuted:
		results, err := r.Executor.Finalize(ctx, task.JobID, task.Definition)
		if err != nil {
			return r.postUpdate(ctx, task, model.StageError, nil, err.Error())
		}
		if err := r.Executor.Cleanup(ctx, task.JobID); err != nil {
			return r.postUpdate(ctx, task, model.StageError, nil, err.Error())
		}
		return r.postUpdate(ctx, task, model.StageFinalized, results, "")

	case executor.StateFinalized:
		if err := r.Executor.Cleanup(ctx, task.JobID); err != nil {
			return r.postUpdate(ctx, task, model.StageError, nil, err.Error())
		}
		return r.postUpdate(ctx, task, model.StageFinalized, nil, "")

	default:
		return r.postUpdate(ctx, task, model.StageError, nil, status.Message)
	}
}

func (r *Runner) stepDBStatus(ctx context.Context, task *model.Task) error {
	var inMaintenance bool
	var token string
	var err error
	if r.Probe != nil {
		inMaintenance, token, err = r.Probe.Probe(ctx)
		if err != nil {
			return r.postUpdate(ctx, task, model.StageError, nil, err.Error())
		}
	}
	results := &model.TaskResults{InMaintenance: inMaintenance, MaintenanceToken: token}
	return r.postUpdate(ctx, task, model.StageFinalized, results, "")
}

func (r *Runner) postUpdate(ctx context.Context, task *model.Task, stage model.TaskStage, results *model.TaskResults, errMsg string) error {
	complete, err := r.Client.UpdateTask(ctx, r.Backend, task.ID, stage, results, errMsg)
	if err != nil {
		return fmt.Errorf("agent: post update for task %s: %w", task.ID, err)
	}
	r.emit(events.New(events.TaskUpdated).WithBackend(r.Backend).WithTask(task.ID).WithJob(task.JobID).
		WithPayload(stage))
	if complete {
		r.agentComplete[task.ID] = true
		r.emit(events.New(events.TaskCompleted).WithBackend(r.Backend).WithTask(task.ID).WithJob(task.JobID))
	}
	return nil
}
