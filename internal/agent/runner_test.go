package agent

import (
	"context"
	"fmt"
	"testing"

	"github.com/opensafely-core/job-runner/internal/executor"
	"github.com/opensafely-core/job-runner/internal/model"
)

type fakeClient struct {
	tasks   []*model.Task
	updates []update
	done    map[string]bool
}

type update struct {
	taskID  string
	stage   model.TaskStage
	results *model.TaskResults
	errMsg  string
}

func (f *fakeClient) ListTasks(ctx context.Context, backend string) ([]*model.Task, error) {
	return f.tasks, nil
}

func (f *fakeClient) UpdateTask(ctx context.Context, backend, taskID string, stage model.TaskStage, results *model.TaskResults, errMsg string) (bool, error) {
	f.updates = append(f.updates, update{taskID, stage, results, errMsg})
	for k := range f.tasks {
		if f.tasks[k].ID == taskID {
			f.tasks[k].Stage = stage
		}
	}
	return f.done[taskID], nil
}

func TestTickPreparesThenExecutesThenFinalizesRunJob(t *testing.T) {
	exec := executor.NewMemory()
	task := &model.Task{ID: "task-1", JobID: "job-1", Backend: "tpp", Kind: model.TaskRunJob, Stage: model.StageUnknown}
	client := &fakeClient{tasks: []*model.Task{task}, done: map[string]bool{}}
	r := NewRunner("tpp", exec, client, nil, nil)

	if err := r.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(client.updates) != 1 || client.updates[0].stage != model.StagePrepared {
		t.Fatalf("expected PREPARED update, got %+v", client.updates)
	}

	if err := r.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(client.updates) != 2 || client.updates[1].stage != model.StageExecuting {
		t.Fatalf("expected EXECUTING update, got %+v", client.updates)
	}

	// Memory's Execute jumps straight to StateExecuted, so the third tick
	// should finalize rather than repeat EXECUTING.
	if err := r.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(client.updates) != 3 || client.updates[2].stage != model.StageFinalized {
		t.Fatalf("expected FINALIZED update, got %+v", client.updates)
	}
	if client.updates[2].results == nil {
		t.Fatalf("expected results on FINALIZED update")
	}
}

func TestTickStopsPollingOnceAgentComplete(t *testing.T) {
	exec := executor.NewMemory()
	task := &model.Task{ID: "task-1", JobID: "job-1", Backend: "tpp", Kind: model.TaskRunJob, Stage: model.StageUnknown}
	client := &fakeClient{tasks: []*model.Task{task}, done: map[string]bool{"task-1": true}}
	r := NewRunner("tpp", exec, client, nil, nil)

	if err := r.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(client.updates) != 1 {
		t.Fatalf("expected one update, got %d", len(client.updates))
	}

	if err := r.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(client.updates) != 1 {
		t.Fatalf("expected no further updates once agent_complete, got %d", len(client.updates))
	}
}

type erroringStatusAdapter struct {
	executor.Adapter
	err error
}

func (e *erroringStatusAdapter) GetStatus(ctx context.Context, jobID string) (executor.Status, error) {
	return executor.Status{}, e.err
}

func TestTickReportsErrorWhenExecutorStatusFails(t *testing.T) {
	exec := &erroringStatusAdapter{Adapter: executor.NewMemory(), err: fmt.Errorf("engine unreachable")}
	task := &model.Task{ID: "task-1", JobID: "job-1", Backend: "tpp", Kind: model.TaskRunJob, Stage: model.StageUnknown}
	client := &fakeClient{tasks: []*model.Task{task}, done: map[string]bool{}}
	r := NewRunner("tpp", exec, client, nil, nil)

	if err := r.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(client.updates) != 1 || client.updates[0].stage != model.StageError {
		t.Fatalf("expected ERROR update, got %+v", client.updates)
	}
	if client.updates[0].errMsg == "" {
		t.Fatalf("expected a non-empty error message")
	}
}

func TestCancelJobUntouchedReportsFinalizedImmediately(t *testing.T) {
	exec := executor.NewMemory()
	task := &model.Task{ID: "task-1", JobID: "job-1", Backend: "tpp", Kind: model.TaskCancelJob, Stage: model.StageUnknown}
	client := &fakeClient{tasks: []*model.Task{task}, done: map[string]bool{}}
	r := NewRunner("tpp", exec, client, nil, nil)

	if err := r.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(client.updates) != 1 || client.updates[0].stage != model.StageFinalized {
		t.Fatalf("expected immediate FINALIZED, got %+v", client.updates)
	}
}

// executingAdapter wraps Memory so a started job reports EXECUTING until
// Terminate is called (Memory's own Execute jumps straight to EXECUTED).
type executingAdapter struct {
	*executor.Memory
	terminated bool
}

func (e *executingAdapter) GetStatus(ctx context.Context, jobID string) (executor.Status, error) {
	if !e.terminated {
		return executor.Status{State: executor.StateExecuting}, nil
	}
	return e.Memory.GetStatus(ctx, jobID)
}

func (e *executingAdapter) Terminate(ctx context.Context, jobID string) error {
	e.terminated = true
	return e.Memory.Terminate(ctx, jobID)
}

func TestCancelJobExecutingTerminatesThenFinalizes(t *testing.T) {
	exec := &executingAdapter{Memory: executor.NewMemory()}
	ctx := context.Background()
	exec.Prepare(ctx, "job-1", model.TaskDefinition{})
	exec.Execute(ctx, "job-1", model.TaskDefinition{})

	task := &model.Task{ID: "task-1", JobID: "job-1", Backend: "tpp", Kind: model.TaskCancelJob, Stage: model.StageExecuting}
	client := &fakeClient{tasks: []*model.Task{task}, done: map[string]bool{}}
	r := NewRunner("tpp", exec, client, nil, nil)

	if err := r.Tick(ctx); err != nil {
		t.Fatal(err)
	}
	if !exec.terminated {
		t.Fatal("expected the executing job to be terminated")
	}
	if len(client.updates) != 1 || client.updates[0].stage != model.StageFinalized {
		t.Fatalf("expected FINALIZED after terminate, got %+v", client.updates)
	}
}

type fakeProbe struct {
	inMaintenance bool
	token         string
}

func (p *fakeProbe) Probe(ctx context.Context) (bool, string, error) {
	return p.inMaintenance, p.token, nil
}

func TestDBStatusReportsMaintenanceState(t *testing.T) {
	exec := executor.NewMemory()
	task := &model.Task{ID: "task-1", Backend: "tpp", Kind: model.TaskDBStatus, Stage: model.StageUnknown}
	client := &fakeClient{tasks: []*model.Task{task}, done: map[string]bool{}}
	r := NewRunner("tpp", exec, client, &fakeProbe{inMaintenance: true, token: "abc"}, nil)

	if err := r.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(client.updates) != 1 {
		t.Fatalf("expected one update, got %+v", client.updates)
	}
	results := client.updates[0].results
	if results == nil || !results.InMaintenance || results.MaintenanceToken != "abc" {
		t.Fatalf("expected maintenance results, got %+v", results)
	}
}
