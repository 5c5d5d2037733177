// Package controller implements the Controller State Machine: the
// single-threaded scheduler loop that expands JobRequests into Jobs,
// evaluates every non-terminal Job's status_code each tick, admits
// Jobs onto per-backend worker slots, and applies Agent-reported Task
// updates. It is the only process that writes to internal/store.
package controller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/opensafely-core/job-runner/internal/builder"
	"github.com/opensafely-core/job-runner/internal/escalate"
	"github.com/opensafely-core/job-runner/internal/events"
	"github.com/opensafely-core/job-runner/internal/model"
	"github.com/opensafely-core/job-runner/internal/pipeline"
)

// Store is the subset of internal/store.Store the controller depends on.
type Store interface {
	builder.Lookup

	ListUnexpandedJobRequests(ctx context.Context, backend string) ([]*model.JobRequest, error)
	MarkJobRequestExpanded(ctx context.Context, id string) error
	GetJobRequest(ctx context.Context, id string) (*model.JobRequest, error)

	CreateJob(ctx context.Context, j *model.Job) error
	GetJob(ctx context.Context, id string) (*model.Job, error)
	ListActiveJobsByBackend(ctx context.Context, backend string) ([]*model.Job, error)
	UpdateJobStatus(ctx context.Context, id string, state model.JobState, code model.StatusCode, message string, startedAt, completedAt *time.Time) error
	RecordJobOutputs(ctx context.Context, id string, computedOutputs map[string]string, unmatchedPatterns []string) error
	IncrementRetryCount(ctx context.Context, id string) (int, error)
	CountRunningJobs(ctx context.Context, backend string) (total, dbWorkers int, err error)

	CreateTask(ctx context.Context, t *model.Task) error
	GetTask(ctx context.Context, id string) (*model.Task, error)
	ListActiveTasksByJob(ctx context.Context, jobID string) ([]*model.Task, error)
	ListActiveTasksByBackend(ctx context.Context, backend string) ([]*model.Task, error)
	UpdateTaskStage(ctx context.Context, id string, stage model.TaskStage, results *model.TaskResults, errMsg string) error
	DeactivateTask(ctx context.Context, id string) error
}

// FlagReader is the read side of internal/flags the controller needs
// every tick.
type FlagReader interface {
	Paused(ctx context.Context, backend string) (bool, error)
	DBMaintenance(ctx context.Context, backend string) (bool, error)
	RebootPrep(ctx context.Context, backend string) (bool, error)
}

// FlagWriter is the write side internal/flags exposes, used when a
// DBSTATUS probe result flips the db-maintenance flag.
type FlagWriter interface {
	FlagReader
	SetDBMaintenance(ctx context.Context, backend string, on bool) error
}

// PipelineSource resolves a branch to a commit and fetches the pipeline
// document at that commit — the builder's two git-backed inputs
// (spec.md §4.C steps 1-2).
type PipelineSource interface {
	builder.GitResolver
	ShowFile(ctx context.Context, commit, path string) (string, error)
}

// Controller owns the scheduler tick for a set of backends.
type Controller struct {
	Store          Store
	Flags          FlagWriter
	Pipeline       PipelineSource
	Escalate       escalate.Escalator
	Bus            *events.Bus
	MaxWorkers     map[string]int
	MaxDBWorkers   map[string]int
	MaxTaskRetries int
	PipelinePath   string // path to the project pipeline file within the repo, e.g. "project.yaml"

	// internalErrorStreak counts consecutive failed evaluations (an error
	// or a recovered panic) per job, in-memory only — it resets on controller restart, which is
	// acceptable since the signal it drives (escalation) is advisory.
	internalErrorStreak map[string]int
}

// New builds a Controller. MaxTaskRetries, MaxWorkers and MaxDBWorkers
// should come from internal/config; PipelinePath defaults to
// "project.yaml" when empty. bus may be nil, in which case events are
// dropped rather than published.
func New(store Store, flags FlagWriter, src PipelineSource, esc escalate.Escalator, bus *events.Bus, maxWorkers, maxDBWorkers map[string]int, maxTaskRetries int, pipelinePath string) *Controller {
	if pipelinePath == "" {
		pipelinePath = "project.yaml"
	}
	return &Controller{
		Store:               store,
		Flags:               flags,
		Pipeline:            src,
		Escalate:            esc,
		Bus:                 bus,
		MaxWorkers:          maxWorkers,
		MaxDBWorkers:        maxDBWorkers,
		MaxTaskRetries:      maxTaskRetries,
		PipelinePath:        pipelinePath,
		internalErrorStreak: map[string]int{},
	}
}

func (c *Controller) emit(e events.Event) {
	if c.Bus != nil {
		c.Bus.Emit(e)
	}
}

// Tick runs one full scheduler pass for backend: intake, cancellation,
// then per-job evaluation. Each sub-pass is wrapped with a recover
// boundary (safe.go) so one bad Job doesn't abort the whole tick.
func (c *Controller) Tick(ctx context.Context, backend string) error {
	c.emit(events.New(events.ControllerTickStarted).WithBackend(backend))

	if err := c.safeIntake(ctx, backend); err != nil {
		c.emit(events.New(events.ControllerTickFailed).WithBackend(backend).WithError(err).WithPayload("intake"))
	}
	if err := c.safeCancellations(ctx, backend); err != nil {
		c.emit(events.New(events.ControllerTickFailed).WithBackend(backend).WithError(err).WithPayload("cancellations"))
	}
	if err := c.safeMaintenance(ctx, backend); err != nil {
		c.emit(events.New(events.ControllerTickFailed).WithBackend(backend).WithError(err).WithPayload("maintenance"))
	}
	if err := c.safeEvaluate(ctx, backend); err != nil {
		c.emit(events.New(events.ControllerTickFailed).WithBackend(backend).WithError(err).WithPayload("evaluate"))
	}

	c.emit(events.New(events.ControllerTickCompleted).WithBackend(backend))
	return nil
}

func (c *Controller) intake(ctx context.Context, backend string) error {
	requests, err := c.Store.ListUnexpandedJobRequests(ctx, backend)
	if err != nil {
		return fmt.Errorf("controller: list unexpanded job requests: %w", err)
	}

	for _, jr := range requests {
		if err := c.safeExpand(ctx, jr); err != nil {
			c.emit(events.New(events.JobRequestExpanded).WithBackend(backend).WithError(err).
				WithPayload(jr.ID))
			continue
		}
		c.emit(events.New(events.JobRequestExpanded).WithBackend(backend).WithPayload(jr.ID))
	}
	return nil
}

func (c *Controller) expand(ctx context.Context, jr *model.JobRequest) error {
	commit := jr.Commit
	if commit == "" {
		resolved, err := c.Pipeline.ResolveCommit(ctx, jr.Branch)
		if err != nil {
			return fmt.Errorf("controller: resolve commit for %q: %w", jr.Branch, err)
		}
		commit = resolved
	}

	raw, err := c.Pipeline.ShowFile(ctx, commit, c.PipelinePath)
	if err != nil {
		return fmt.Errorf("controller: fetch %s at %s: %w", c.PipelinePath, commit, err)
	}
	pl, err := pipeline.Parse([]byte(raw))
	if err != nil {
		// A pipeline document that fails to parse will fail to parse on
		// every retry: this is a definition error, not a transient one
		// (spec.md §4.C: validation errors produce terminal Job rows
		// rather than being retried indefinitely).
		return c.failJobRequest(ctx, jr, fmt.Errorf("invalid pipeline: %w", err))
	}

	resolved := *jr
	resolved.Commit = commit

	decisions, err := builder.Build(ctx, &resolved, pl, c.Pipeline, c.Store)
	if err != nil {
		if isDefinitionError(err) {
			return c.failJobRequest(ctx, &resolved, err)
		}
		return fmt.Errorf("controller: build decisions: %w", err)
	}

	for _, d := range decisions {
		switch d.Outcome {
		case builder.OutcomeCreated:
			if err := c.Store.CreateJob(ctx, d.Job); err != nil {
				return fmt.Errorf("controller: create job for action %q: %w", d.Action, err)
			}
			c.emit(events.New(events.JobCreated).WithBackend(jr.Backend).WithJob(d.Job.ID))
		case builder.OutcomeFailFast:
			job := failFastJob(&resolved, pl, d.Action)
			if err := c.Store.CreateJob(ctx, job); err != nil {
				return fmt.Errorf("controller: create fail-fast job for action %q: %w", d.Action, err)
			}
			c.emit(events.New(events.JobFailed).WithBackend(jr.Backend).WithJob(job.ID))
		case builder.OutcomeInvalid:
			if err := c.Store.CreateJob(ctx, d.Job); err != nil {
				return fmt.Errorf("controller: create invalid job for action %q: %w", d.Action, err)
			}
			c.emit(events.New(events.JobFailed).WithBackend(jr.Backend).WithJob(d.Job.ID))
		case builder.OutcomeSkipped, builder.OutcomeReused:
			// No new Job row: skipped actions were never requested to run,
			// reused ones already have one.
		}
	}

	return c.Store.MarkJobRequestExpanded(ctx, jr.ID)
}

// isDefinitionError reports whether err is a builder.InvalidDefinitionError
// (or wraps one) — a deterministic pipeline/graph problem that will never
// resolve on retry, as opposed to a transient store or git failure.
func isDefinitionError(err error) bool {
	var de *builder.InvalidDefinitionError
	return errors.As(err, &de)
}

// failJobRequest marks jr terminally failed: every requested action gets a
// terminal FAILED Job carrying cause's message, and the request itself is
// marked expanded so intake never retries it again (spec.md §4.C: a
// definition error is not a scheduling concern, it's a reported outcome).
func (c *Controller) failJobRequest(ctx context.Context, jr *model.JobRequest, cause error) error {
	names := jr.RequestedActions
	if len(names) == 0 {
		names = []string{builder.RunAllActions}
	}

	now := time.Now()
	for _, name := range names {
		job := &model.Job{
			ID:            model.NewID(),
			JobRequestID:  jr.ID,
			Backend:       jr.Backend,
			Workspace:     jr.Workspace,
			Action:        name,
			Commit:        jr.Commit,
			State:         model.JobFailed,
			StatusCode:    model.StatusJobError,
			StatusMessage: cause.Error(),
			CreatedAt:     now,
			UpdatedAt:     now,
			CompletedAt:   &now,
		}
		if err := c.Store.CreateJob(ctx, job); err != nil {
			return fmt.Errorf("controller: create invalid-definition job for action %q: %w", name, err)
		}
		c.emit(events.New(events.JobFailed).WithBackend(jr.Backend).WithJob(job.ID).WithError(cause))
	}

	return c.Store.MarkJobRequestExpanded(ctx, jr.ID)
}

// failFastJob materializes a terminal FAILED job for an action the
// builder decided not to run because a dependency failed non-retriably
// (spec.md §4.C step 5: these show up in status reports without
// occupying the scheduler).
func failFastJob(jr *model.JobRequest, pl *pipeline.Pipeline, actionName string) *model.Job {
	action := pl.Actions[actionName]
	image, runCmd := action.RunImage()
	now := time.Now()
	return &model.Job{
		ID:            model.NewID(),
		JobRequestID:  jr.ID,
		Backend:       jr.Backend,
		Workspace:     jr.Workspace,
		Action:        actionName,
		Commit:        jr.Commit,
		RunCommand:    runCmd,
		Image:         image,
		DBWorker:      action.DBWorker,
		State:         model.JobFailed,
		StatusCode:    model.StatusDependencyFailed,
		StatusMessage: "a dependency of this action failed",
		OutputSpec:    action.Outputs,
		CreatedAt:     now,
		UpdatedAt:     now,
		CompletedAt:   &now,
	}
}
