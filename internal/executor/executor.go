// Package executor defines the Adapter interface the agent drives a job
// through (prepare/execute/get_status/finalize/terminate/cleanup) and two
// implementations: CLI (docker/podman) for production, and Memory for
// tests, so the agent and controller test suites never need a real
// container runtime (spec.md §9 "polymorphism over executors").
package executor

import (
	"context"
	"errors"

	"github.com/opensafely-core/job-runner/internal/model"
)

// ErrNoRuntime is returned when no container runtime is found.
var ErrNoRuntime = errors.New("executor: no container runtime found (need docker or podman)")

// State is the executor's own view of a job's progress, distinct from the
// Task.Stage the agent reports upward: GetStatus is how the agent
// rediscovers state after a restart.
type State string

const (
	StateUnstarted State = "UNSTARTED"
	StatePreparing State = "PREPARING"
	StatePrepared  State = "PREPARED"
	StateExecuting State = "EXECUTING"
	StateExecuted  State = "EXECUTED"
	StateFinalized State = "FINALIZED"
	StateError     State = "ERROR"
)

// Status is what GetStatus returns.
type Status struct {
	State    State
	ExitCode *int
	Message  string
}

// Adapter is the capability interface an executor must provide. Every
// method is idempotent: calling Prepare/Execute/Finalize/Terminate/Cleanup
// twice for the same job ID must not error or double-apply effects, since
// the agent is stateless across restarts and may replay a stage after a
// crash (spec.md §4.B, §8 idempotent cleanup()/task-update invariant).
type Adapter interface {
	// Prepare stages inputs (checkout + upstream outputs) for jobID.
	Prepare(ctx context.Context, jobID string, def model.TaskDefinition) error

	// Execute starts running jobID. Non-blocking: returns once the job is
	// launched, not once it finishes.
	Execute(ctx context.Context, jobID string, def model.TaskDefinition) error

	// GetStatus reports the executor's current view of jobID.
	GetStatus(ctx context.Context, jobID string) (Status, error)

	// Finalize collects outputs and logs once execution has finished.
	Finalize(ctx context.Context, jobID string, def model.TaskDefinition) (*model.TaskResults, error)

	// Terminate stops a running job (used for CANCELJOB tasks).
	Terminate(ctx context.Context, jobID string) error

	// Cleanup releases any resources (containers, volumes) held for jobID.
	Cleanup(ctx context.Context, jobID string) error
}
