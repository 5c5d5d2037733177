// Package builder implements the Job Definition Builder: turning a
// JobRequest plus a parsed Pipeline into a set of Jobs, deciding per
// action whether to skip, reuse an in-flight Job, fail fast, or create a
// new Job (spec.md §4.C).
package builder

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/opensafely-core/job-runner/internal/graph"
	"github.com/opensafely-core/job-runner/internal/model"
	"github.com/opensafely-core/job-runner/internal/pipeline"
)

// Outcome categorizes what the builder decided for one action, replacing
// error-as-control-flow with an explicit sum type the caller switches on
// (spec.md §9 redesign note).
type Outcome string

const (
	OutcomeCreated  Outcome = "CREATED"
	OutcomeSkipped  Outcome = "SKIPPED"
	OutcomeReused   Outcome = "REUSED"
	OutcomeFailFast Outcome = "FAIL_FAST"
	// OutcomeInvalid is a per-action validation failure detected by the
	// builder itself (e.g. stale codelists) rather than by a dependency's
	// prior result. The Decision carries an already-terminal FAILED Job so
	// the caller only has to persist it (spec.md §4.C: "Validation errors
	// ... produce Job rows already in the terminal FAILED state").
	OutcomeInvalid Outcome = "INVALID"
)

// InvalidDefinitionError marks a pipeline/action-graph problem that will
// never resolve on retry: a `needs` reference to an undeclared action, or
// a cyclic dependency. Build wraps expandActions and graph.New/
// TopologicalSort failures in this type so the caller can tell them apart
// from transient errors (a lookup failure, a disconnected store) that are
// worth retrying on the next tick.
type InvalidDefinitionError struct {
	Cause error
}

func (e *InvalidDefinitionError) Error() string { return e.Cause.Error() }
func (e *InvalidDefinitionError) Unwrap() error { return e.Cause }

// Decision is the per-action result of Build.
type Decision struct {
	Action  string
	Outcome Outcome
	Job     *model.Job // nil for Skipped
}

// Lookup resolves an existing Job for (workspace, action, commit), used by
// the builder to find an in-flight or previously-succeeded Job to reuse.
// Implementations return (nil, nil) when no such Job exists.
type Lookup interface {
	FindJobForAction(ctx context.Context, workspace, action, commit string) (*model.Job, error)
}

// GitResolver resolves a branch to a commit sha (the builder's step 1).
type GitResolver interface {
	ResolveCommit(ctx context.Context, branch string) (string, error)
}

// Build resolves the request's commit, validates the action DAG, and
// decides an Outcome for every requested action (transitively expanded
// through `needs`), per spec.md §4.C steps 1-5.
func Build(ctx context.Context, jr *model.JobRequest, pl *pipeline.Pipeline, git GitResolver, lookup Lookup) ([]Decision, error) {
	commit := jr.Commit
	if commit == "" {
		resolved, err := git.ResolveCommit(ctx, jr.Branch)
		if err != nil {
			return nil, fmt.Errorf("builder: resolve commit: %w", err)
		}
		commit = resolved
	}

	actions, err := expandActions(pl, jr.RequestedActions)
	if err != nil {
		return nil, &InvalidDefinitionError{Cause: fmt.Errorf("builder: expand actions: %w", err)}
	}

	nodes := make([]graph.Node, 0, len(actions))
	for _, name := range actions {
		nodes = append(nodes, graph.Node{ID: name, DependsOn: pl.Actions[name].Needs})
	}
	g, err := graph.New(nodes)
	if err != nil {
		return nil, &InvalidDefinitionError{Cause: fmt.Errorf("builder: invalid action graph: %w", err)}
	}
	order, err := g.TopologicalSort()
	if err != nil {
		return nil, &InvalidDefinitionError{Cause: fmt.Errorf("builder: invalid action graph: %w", err)}
	}

	cancelled := toSet(jr.CancelledActions)
	decided := make(map[string]Decision, len(order))
	var decisions []Decision

	for _, name := range order {
		action := pl.Actions[name]
		decision, err := decideAction(ctx, jr, action, commit, cancelled[name], g, decided, lookup)
		if err != nil {
			return nil, err
		}
		decided[name] = decision
		decisions = append(decisions, decision)
	}

	return decisions, nil
}

func decideAction(ctx context.Context, jr *model.JobRequest, action pipeline.Action, commit string, cancelled bool, g *graph.Graph, decided map[string]Decision, lookup Lookup) (Decision, error) {
	if cancelled {
		return Decision{Action: action.Name, Outcome: OutcomeSkipped}, nil
	}

	if action.CodelistsAt != "" && action.CodelistsAt != commit {
		job := invalidJob(jr, action, commit, model.StatusStaleCodelists,
			fmt.Sprintf("codelists for action %q were locked at %s but the checkout is at %s; run `opensafely codelists update`", action.Name, action.CodelistsAt, commit))
		return Decision{Action: action.Name, Outcome: OutcomeInvalid, Job: job}, nil
	}

	// Fail fast if any dependency failed or was skipped/fail-fast.
	for _, dep := range action.Needs {
		depDecision := decided[dep]
		if depDecision.Outcome == OutcomeFailFast || depDecision.Outcome == OutcomeSkipped {
			return Decision{Action: action.Name, Outcome: OutcomeFailFast}, nil
		}
		if depDecision.Job != nil && depDecision.Job.State == model.JobFailed {
			return Decision{Action: action.Name, Outcome: OutcomeFailFast}, nil
		}
	}

	existing, err := lookup.FindJobForAction(ctx, jr.Workspace, action.Name, commit)
	if err != nil {
		return Decision{}, fmt.Errorf("builder: lookup %q: %w", action.Name, err)
	}

	if existing != nil && !jr.ForceRunDependencies {
		switch existing.State {
		case model.JobSucceeded:
			return Decision{Action: action.Name, Outcome: OutcomeReused, Job: existing}, nil
		case model.JobPending, model.JobRunning:
			return Decision{Action: action.Name, Outcome: OutcomeReused, Job: existing}, nil
		}
		// A prior FAILED job for this exact (workspace, action, commit) is
		// not reused: a fresh Job is created so the researcher gets a new
		// attempt rather than a frozen failure.
	}

	image, runCmd := action.RunImage()
	waitFor, requires := dependencyRefs(action.Needs, decided)

	job := &model.Job{
		ID:                  model.NewID(),
		JobRequestID:        jr.ID,
		Backend:             jr.Backend,
		Workspace:           jr.Workspace,
		Action:              action.Name,
		ActionVersion:       actionVersion(jr.Workspace, action.Name, commit, action.Run),
		Commit:              commit,
		RunCommand:          runCmd,
		Image:               image,
		DBWorker:            action.DBWorker,
		State:               model.JobPending,
		StatusCode:          model.StatusCreated,
		WaitForJobIDs:       waitFor,
		RequiresOutputsFrom: requires,
		OutputSpec:          action.Outputs,
		CreatedAt:           time.Now(),
		UpdatedAt:           time.Now(),
	}
	if len(waitFor) > 0 {
		job.StatusCode = model.StatusWaitingOnDependencies
	}

	return Decision{Action: action.Name, Outcome: OutcomeCreated, Job: job}, nil
}

// invalidJob materializes a terminal FAILED job for an action the builder
// itself rejects (spec.md §4.C: validation errors produce Job rows
// already in the terminal FAILED state), as opposed to OutcomeFailFast's
// dependency-inherited failure.
func invalidJob(jr *model.JobRequest, action pipeline.Action, commit string, code model.StatusCode, message string) *model.Job {
	image, runCmd := action.RunImage()
	now := time.Now()
	return &model.Job{
		ID:            model.NewID(),
		JobRequestID:  jr.ID,
		Backend:       jr.Backend,
		Workspace:     jr.Workspace,
		Action:        action.Name,
		Commit:        commit,
		RunCommand:    runCmd,
		Image:         image,
		DBWorker:      action.DBWorker,
		State:         model.JobFailed,
		StatusCode:    code,
		StatusMessage: message,
		OutputSpec:    action.Outputs,
		CreatedAt:     now,
		UpdatedAt:     now,
		CompletedAt:   &now,
	}
}

func dependencyRefs(needs []string, decided map[string]Decision) (waitFor, requires []string) {
	for _, dep := range needs {
		d := decided[dep]
		if d.Job == nil {
			continue
		}
		requires = append(requires, d.Job.ID)
		if !d.Job.State.IsTerminal() {
			waitFor = append(waitFor, d.Job.ID)
		}
	}
	sort.Strings(waitFor)
	sort.Strings(requires)
	return waitFor, requires
}

// RunAllActions is the wildcard RequestedActions entry meaning "run every
// action this pipeline declares" (spec.md §3: "requested action
// identifier or the wildcard 'run everything'").
const RunAllActions = "run_all"

// expandActions transitively expands requested action names through their
// `needs` declarations (spec.md §4.C step 3), returning a deduplicated,
// sorted list so iteration order is deterministic.
func expandActions(pl *pipeline.Pipeline, requested []string) ([]string, error) {
	if len(requested) == 1 && requested[0] == RunAllActions {
		requested = make([]string, 0, len(pl.Actions))
		for name := range pl.Actions {
			requested = append(requested, name)
		}
	}

	seen := make(map[string]bool)
	var walk func(string) error
	walk = func(name string) error {
		if seen[name] {
			return nil
		}
		action, ok := pl.Actions[name]
		if !ok {
			return fmt.Errorf("unknown action %q", name)
		}
		seen[name] = true
		for _, need := range action.Needs {
			if err := walk(need); err != nil {
				return err
			}
		}
		return nil
	}

	for _, name := range requested {
		if err := walk(name); err != nil {
			return nil, err
		}
	}

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, i := range items {
		set[i] = true
	}
	return set
}

// actionVersion is a composite key the controller can hash-compare to
// decide whether a future request's action matches this one exactly,
// supplementing spec.md §3 with an explicit derived field instead of a
// live recomputation on every lookup.
func actionVersion(workspace, action, commit, run string) string {
	return fmt.Sprintf("%s:%s:%s:%s", workspace, action, commit, run)
}
