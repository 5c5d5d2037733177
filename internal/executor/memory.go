package executor

import (
	"context"
	"fmt"
	"sync"

	"github.com/opensafely-core/job-runner/internal/model"
)

// Memory is an in-process Adapter stub covering the full interface, used
// by the controller/builder/agent test suites so they never need a real
// container runtime (spec.md §9).
type Memory struct {
	mu    sync.Mutex
	jobs  map[string]*memJob

	// DefaultExitCode is returned by GetStatus/Finalize for jobs that don't have
	// a per-job override set via SetExitCode. Defaults to 0 (success).
	DefaultExitCode int

	// Outputs, if set, is used as every job's matched-output set on
	// Finalize, keyed by output pattern.
	Outputs map[string]string
}

type memJob struct {
	state    State
	exitCode int
	prepared bool
}

// NewMemory returns a ready-to-use Memory executor.
func NewMemory() *Memory {
	return &Memory{jobs: make(map[string]*memJob)}
}

// SetExitCode overrides the exit code Finalize reports for a given job,
// for tests exercising failure paths.
func (m *Memory) SetExitCode(jobID string, code int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := m.job(jobID)
	j.exitCode = code
}

func (m *Memory) job(jobID string) *memJob {
	j, ok := m.jobs[jobID]
	if !ok {
		j = &memJob{state: StateUnstarted, exitCode: m.DefaultExitCode}
		m.jobs[jobID] = j
	}
	return j
}

func (m *Memory) Prepare(ctx context.Context, jobID string, def model.TaskDefinition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := m.job(jobID)
	j.prepared = true
	j.state = StatePrepared
	return nil
}

func (m *Memory) Execute(ctx context.Context, jobID string, def model.TaskDefinition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := m.job(jobID)
	if !j.prepared {
		return fmt.Errorf("execute: job %s not prepared", jobID)
	}
	j.state = StateExecuted
	return nil
}

func (m *Memory) GetStatus(ctx context.Context, jobID string) (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := m.job(jobID)
	status := Status{State: j.state}
	if j.state == StateExecuted || j.state == StateFinalized {
		code := j.exitCode
		status.ExitCode = &code
	}
	return status, nil
}

func (m *Memory) Finalize(ctx context.Context, jobID string, def model.TaskDefinition) (*model.TaskResults, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := m.job(jobID)
	j.state = StateFinalized

	results := &model.TaskResults{ExitCode: j.exitCode, Outputs: map[string]string{}}
	for pattern := range def.Outputs {
		if out, ok := m.Outputs[pattern]; ok {
			results.Outputs[pattern] = out
		} else {
			results.UnmatchedPatterns = append(results.UnmatchedPatterns, pattern)
		}
	}
	return results, nil
}

func (m *Memory) Terminate(ctx context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := m.job(jobID)
	j.state = StateError
	return nil
}

func (m *Memory) Cleanup(ctx context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobs, jobID)
	return nil
}

var _ Adapter = (*Memory)(nil)
