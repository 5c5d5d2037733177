package controller

import (
	"context"
	"fmt"
	"time"

	"github.com/opensafely-core/job-runner/internal/escalate"
	"github.com/opensafely-core/job-runner/internal/events"
	"github.com/opensafely-core/job-runner/internal/model"
)

// flagState is a snapshot of the backend flags evaluate reads once per
// tick — flag reads are not transactional with job state, and a stale read
// is fine (spec.md §4.H): a job admitted the tick before a pause appears
// will still proceed, and the next tick honors it.
type flagState struct {
	Paused        bool
	DBMaintenance bool
	RebootPrep    bool
}

// admission is whether a backend currently has a free slot for each of the
// two independent concurrency caps.
type admission struct {
	WorkersAvailable   bool
	DBWorkersAvailable bool
}

// evalContext is the state shared across every Job evaluated for one
// backend in one tick: the flag snapshot, a dependency-state cache (so
// sibling Jobs sharing a dependency don't refetch it), and the running
// admission counters, which are bumped in-process as Jobs are admitted so
// FIFO ordering within a single tick respects the caps too.
type evalContext struct {
	flags        flagState
	deps         map[string]model.JobState
	maxWorkers   int
	maxDBWorkers int
	runningTotal int
	runningDB    int
}

// evaluate loads every non-terminal Job for backend and evaluates the
// PENDING ones against the current dependency/flag/admission state.
// RUNNING jobs are left alone here — their status_code only moves on
// agent-reported task-stage updates (applyRunJobUpdate).
func (c *Controller) evaluate(ctx context.Context, backend string) error {
	jobs, err := c.Store.ListActiveJobsByBackend(ctx, backend)
	if err != nil {
		return fmt.Errorf("controller: list active jobs: %w", err)
	}

	flags, err := c.loadFlags(ctx, backend)
	if err != nil {
		return fmt.Errorf("controller: load flags: %w", err)
	}

	total, dbWorkers, err := c.Store.CountRunningJobs(ctx, backend)
	if err != nil {
		return fmt.Errorf("controller: count running jobs: %w", err)
	}

	ec := &evalContext{
		flags:        flags,
		deps:         map[string]model.JobState{},
		maxWorkers:   c.MaxWorkers[backend],
		maxDBWorkers: c.MaxDBWorkers[backend],
		runningTotal: total,
		runningDB:    dbWorkers,
	}

	for _, job := range jobs {
		if job.State != model.JobPending {
			continue
		}
		c.safeEvaluateJob(ctx, job, ec)
	}
	return nil
}

func (c *Controller) loadFlags(ctx context.Context, backend string) (flagState, error) {
	paused, err := c.Flags.Paused(ctx, backend)
	if err != nil {
		return flagState{}, err
	}
	dbMaintenance, err := c.Flags.DBMaintenance(ctx, backend)
	if err != nil {
		return flagState{}, err
	}
	rebootPrep, err := c.Flags.RebootPrep(ctx, backend)
	if err != nil {
		return flagState{}, err
	}
	return flagState{Paused: paused, DBMaintenance: dbMaintenance, RebootPrep: rebootPrep}, nil
}

// evaluateJob recomputes one PENDING Job's status_code from scratch — a
// pure function of its current dependency states, the backend's flags, and
// whether a slot is free, not a sticky state-transition table. That keeps
// re-entry after a cleared flag (WAITING_DB_MAINTENANCE, WAITING_PAUSED,
// WAITING_ON_REBOOT, WAITING_ON_NEW_TASK) free of special-case logic: the
// next tick just recomputes and finds the job ready.
func (c *Controller) evaluateJob(ctx context.Context, job *model.Job, ec *evalContext) error {
	depStates, err := c.resolveDepStates(ctx, job, ec.deps)
	if err != nil {
		return fmt.Errorf("controller: resolve dependency states for job %s: %w", job.ID, err)
	}

	adm := admission{
		WorkersAvailable:   ec.runningTotal < ec.maxWorkers,
		DBWorkersAvailable: ec.runningDB < ec.maxDBWorkers,
	}

	code, admit := decidePendingCode(job, depStates, ec.flags, adm)

	if !admit {
		if code == job.StatusCode {
			return nil
		}
		return c.transitionPending(ctx, job, code)
	}

	if err := c.issueRunJob(ctx, job); err != nil {
		return err
	}
	ec.runningTotal++
	if job.DBWorker {
		ec.runningDB++
	}
	return nil
}

// decidePendingCode is the pure per-job evaluation rule from spec.md §4.D's
// status_code table: dependency state first (a failed dependency is
// terminal), then backend flags, then admission against the two
// concurrency caps.
func decidePendingCode(job *model.Job, depStates map[string]model.JobState, flags flagState, adm admission) (code model.StatusCode, admit bool) {
	anyFailed := false
	allSucceeded := true
	for _, depID := range job.WaitForJobIDs {
		switch depStates[depID] {
		case model.JobFailed:
			anyFailed = true
		case model.JobSucceeded:
		default:
			allSucceeded = false
		}
	}
	if anyFailed {
		return model.StatusDependencyFailed, false
	}
	if !allSucceeded {
		return model.StatusWaitingOnDependencies, false
	}

	if flags.RebootPrep {
		return model.StatusWaitingOnReboot, false
	}
	if flags.DBMaintenance && job.DBWorker {
		return model.StatusWaitingDBMaintenance, false
	}
	if flags.Paused {
		return model.StatusWaitingPaused, false
	}

	if !adm.WorkersAvailable || (job.DBWorker && !adm.DBWorkersAvailable) {
		return model.StatusWaitingOnWorkers, false
	}

	return model.StatusCreated, true
}

// resolveDepStates fetches the JobState of every Job this one waits for,
// populating the shared cache so Jobs that share a dependency within the
// same tick only fetch it once.
func (c *Controller) resolveDepStates(ctx context.Context, job *model.Job, cache map[string]model.JobState) (map[string]model.JobState, error) {
	out := make(map[string]model.JobState, len(job.WaitForJobIDs))
	for _, id := range job.WaitForJobIDs {
		state, ok := cache[id]
		if !ok {
			dep, err := c.Store.GetJob(ctx, id)
			if err != nil {
				return nil, err
			}
			state = dep.State
			cache[id] = state
		}
		out[id] = state
	}
	return out, nil
}

// transitionPending persists a new non-admitted status_code for a PENDING
// Job. DEPENDENCY_FAILED is the only terminal outcome this path produces;
// everything else stays PENDING.
func (c *Controller) transitionPending(ctx context.Context, job *model.Job, code model.StatusCode) error {
	var completedAt *time.Time
	state := model.JobPending
	if code.State() == model.JobFailed {
		now := time.Now()
		completedAt = &now
		state = model.JobFailed
	}

	if err := c.Store.UpdateJobStatus(ctx, job.ID, state, code, statusMessage(code), nil, completedAt); err != nil {
		return err
	}
	c.emit(events.New(eventForStatus(code)).WithBackend(job.Backend).WithJob(job.ID).WithPayload(string(code)))
	return nil
}

func statusMessage(code model.StatusCode) string {
	switch code {
	case model.StatusWaitingOnDependencies:
		return "waiting for a dependency to finish"
	case model.StatusDependencyFailed:
		return "a dependency failed"
	case model.StatusWaitingDBMaintenance:
		return "backend is in database maintenance"
	case model.StatusWaitingPaused:
		return "backend is paused"
	case model.StatusWaitingOnReboot:
		return "backend is preparing to reboot"
	case model.StatusWaitingOnWorkers:
		return "waiting for a free worker slot"
	default:
		return ""
	}
}

func eventForStatus(code model.StatusCode) events.EventType {
	if code.State() == model.JobFailed {
		return events.JobFailed
	}
	return events.JobWaiting
}

// emitJobEvaluationError logs a per-job evaluation failure without
// transitioning the Job — it stays in its current state to retry next
// tick (spec.md §7: unknown exceptions are logged with the job id, Job
// left alone to retry).
func (c *Controller) emitJobEvaluationError(job *model.Job, err error, streak int) {
	c.emit(events.New(events.JobInternalError).
		WithBackend(job.Backend).WithJob(job.ID).WithError(err).WithPayload(streak))
}

// forceInternalError is what happens once the same job has failed
// evaluation more than MaxTaskRetries times in a row: it is forced to the
// terminal INTERNAL_ERROR status_code and escalated to an operator, who
// gets the status_code the job was stuck on and how many consecutive
// failures it took to get here, not just a bare error string.
func (c *Controller) forceInternalError(ctx context.Context, job *model.Job, cause error, streak int) {
	priorCode := job.StatusCode
	now := time.Now()
	if err := c.Store.UpdateJobStatus(ctx, job.ID, model.JobFailed, model.StatusInternalError,
		"repeated internal errors during evaluation", nil, &now); err != nil {
		c.emit(events.New(events.ControllerTickFailed).WithBackend(job.Backend).WithJob(job.ID).WithError(err))
		return
	}
	c.emit(events.New(events.JobFailed).WithBackend(job.Backend).WithJob(job.ID).
		WithPayload(model.StatusInternalError).WithError(cause))

	if c.Escalate == nil {
		return
	}
	_ = c.Escalate.Escalate(ctx, escalate.Escalation{
		Severity:    escalate.SeverityCritical,
		Backend:     job.Backend,
		Job:         job.ID,
		StatusCode:  priorCode,
		RetryStreak: streak,
		Title:       "job forced to INTERNAL_ERROR",
		Message:     fmt.Sprintf("job %s repeatedly failed evaluation and was forced terminal: %v", job.ID, cause),
	})
}
