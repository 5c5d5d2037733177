package store

import (
	"context"
	"testing"
	"time"

	"github.com/opensafely-core/job-runner/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestJobRequestRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	jr := &model.JobRequest{
		ID:               model.NewID(),
		Backend:          "tpp",
		Workspace:        "my-research-project",
		RepoURL:          "https://github.com/opensafely/my-research-project",
		Branch:           "main",
		RequestedActions: []string{"generate_study_population", "run_model"},
		CreatedBy:        "researcher@example.com",
		CreatedAt:        time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, s.CreateJobRequest(ctx, jr))

	got, err := s.GetJobRequest(ctx, jr.ID)
	require.NoError(t, err)
	assert.Equal(t, jr.RequestedActions, got.RequestedActions)
	assert.False(t, got.Expanded)

	unexpanded, err := s.ListUnexpandedJobRequests(ctx, "tpp")
	require.NoError(t, err)
	assert.Len(t, unexpanded, 1)

	require.NoError(t, s.MarkJobRequestExpanded(ctx, jr.ID))
	unexpanded, err = s.ListUnexpandedJobRequests(ctx, "tpp")
	require.NoError(t, err)
	assert.Len(t, unexpanded, 0)
}

func TestJobLifecycleAndActiveQuery(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	jr := &model.JobRequest{ID: model.NewID(), Backend: "tpp", Workspace: "w", CreatedAt: time.Now()}
	require.NoError(t, s.CreateJobRequest(ctx, jr))

	job := &model.Job{
		ID:           model.NewID(),
		JobRequestID: jr.ID,
		Backend:      "tpp",
		Workspace:    "w",
		Action:       "generate_study_population",
		Commit:       "abc123",
		State:        model.JobPending,
		StatusCode:   model.StatusCreated,
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}
	require.NoError(t, s.CreateJob(ctx, job))

	active, err := s.ListActiveJobsByBackend(ctx, "tpp")
	require.NoError(t, err)
	assert.Len(t, active, 1)

	now := time.Now()
	require.NoError(t, s.UpdateJobStatus(ctx, job.ID, model.JobRunning, model.StatusExecuting, "", &now, nil))

	total, dbWorkers, err := s.CountRunningJobs(ctx, "tpp")
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, 0, dbWorkers)

	completed := time.Now()
	require.NoError(t, s.UpdateJobStatus(ctx, job.ID, model.JobSucceeded, model.StatusSucceeded, "", nil, &completed))

	active, err = s.ListActiveJobsByBackend(ctx, "tpp")
	require.NoError(t, err)
	assert.Len(t, active, 0)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobSucceeded, got.State)
	assert.NotNil(t, got.CompletedAt)
}

func TestTaskActiveLifecycle(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	jr := &model.JobRequest{ID: model.NewID(), Backend: "tpp", CreatedAt: time.Now()}
	require.NoError(t, s.CreateJobRequest(ctx, jr))
	job := &model.Job{ID: model.NewID(), JobRequestID: jr.ID, Backend: "tpp", State: model.JobPending,
		StatusCode: model.StatusCreated, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	require.NoError(t, s.CreateJob(ctx, job))

	task := &model.Task{
		ID:      model.NewID(),
		JobID:   job.ID,
		Backend: "tpp",
		Kind:    model.TaskRunJob,
		Stage:   model.StageUnknown,
		Active:  true,
		Definition: model.TaskDefinition{
			Action:     "generate_study_population",
			RunCommand: "cohortextractor:latest generate_cohort",
		},
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	require.NoError(t, s.CreateTask(ctx, task))

	tasks, err := s.ListActiveTasksByBackend(ctx, "tpp")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "generate_study_population", tasks[0].Definition.Action)

	require.NoError(t, s.UpdateTaskStage(ctx, task.ID, model.StageFinalized,
		&model.TaskResults{ExitCode: 0}, ""))

	tasks, err = s.ListActiveTasksByBackend(ctx, "tpp")
	require.NoError(t, err)
	assert.Len(t, tasks, 0)
}

func TestFlagsAreNonTransactional(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	v, err := s.GetFlag(ctx, "tpp", model.FlagPaused)
	require.NoError(t, err)
	assert.Equal(t, "", v)

	require.NoError(t, s.SetFlag(ctx, "tpp", model.FlagPaused, "true"))
	v, err = s.GetFlag(ctx, "tpp", model.FlagPaused)
	require.NoError(t, err)
	assert.Equal(t, "true", v)

	require.NoError(t, s.ClearFlag(ctx, "tpp", model.FlagPaused))
	v, err = s.GetFlag(ctx, "tpp", model.FlagPaused)
	require.NoError(t, err)
	assert.Equal(t, "", v)
}
