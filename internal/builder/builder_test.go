package builder

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/opensafely-core/job-runner/internal/model"
	"github.com/opensafely-core/job-runner/internal/pipeline"
)

type fakeGit struct{ commit string }

func (f fakeGit) ResolveCommit(ctx context.Context, branch string) (string, error) {
	return f.commit, nil
}

type fakeLookup struct {
	jobs map[string]*model.Job // key: workspace|action|commit
}

func (f fakeLookup) FindJobForAction(ctx context.Context, workspace, action, commit string) (*model.Job, error) {
	return f.jobs[workspace+"|"+action+"|"+commit], nil
}

func samplePipeline() *pipeline.Pipeline {
	p, err := pipeline.Parse([]byte(`
version: "3"
actions:
  generate_study_population:
    run: cohortextractor:latest generate_cohort
    outputs:
      output/input.csv: highly_sensitive
  run_model:
    run: stata-mp:latest analysis/model.do
    needs: [generate_study_population]
    outputs:
      output/model.csv: moderately_sensitive
`))
	if err != nil {
		panic(err)
	}
	return p
}

func TestBuildCreatesJobsInDependencyOrder(t *testing.T) {
	jr := &model.JobRequest{
		ID:               model.NewID(),
		Backend:          "tpp",
		Workspace:        "study",
		Branch:           "main",
		RequestedActions: []string{"run_model"},
		CreatedAt:        time.Now(),
	}

	decisions, err := Build(context.Background(), jr, samplePipeline(), fakeGit{commit: "abc"}, fakeLookup{jobs: map[string]*model.Job{}})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(decisions) != 2 {
		t.Fatalf("expected 2 decisions (transitively expanded), got %d", len(decisions))
	}
	if decisions[0].Action != "generate_study_population" {
		t.Errorf("expected dependency first, got %q", decisions[0].Action)
	}
	runModel := decisions[1]
	if runModel.Outcome != OutcomeCreated {
		t.Errorf("expected run_model created, got %v", runModel.Outcome)
	}
	if len(runModel.Job.WaitForJobIDs) != 1 {
		t.Errorf("expected run_model to wait on its dependency, got %v", runModel.Job.WaitForJobIDs)
	}
}

func TestBuildReusesSucceededJob(t *testing.T) {
	jr := &model.JobRequest{
		ID: model.NewID(), Backend: "tpp", Workspace: "study", Branch: "main",
		RequestedActions: []string{"generate_study_population"}, CreatedAt: time.Now(),
	}
	existing := &model.Job{ID: "job-old", State: model.JobSucceeded}
	lookup := fakeLookup{jobs: map[string]*model.Job{
		"study|generate_study_population|abc": existing,
	}}

	decisions, err := Build(context.Background(), jr, samplePipeline(), fakeGit{commit: "abc"}, lookup)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if decisions[0].Outcome != OutcomeReused {
		t.Fatalf("expected reused, got %v", decisions[0].Outcome)
	}
	if decisions[0].Job.ID != "job-old" {
		t.Errorf("expected reused job to be the existing one")
	}
}

func TestBuildFailFastPropagatesToDependents(t *testing.T) {
	jr := &model.JobRequest{
		ID: model.NewID(), Backend: "tpp", Workspace: "study", Branch: "main",
		RequestedActions: []string{"run_model"},
		CancelledActions: []string{"generate_study_population"},
		CreatedAt:        time.Now(),
	}

	decisions, err := Build(context.Background(), jr, samplePipeline(), fakeGit{commit: "abc"}, fakeLookup{jobs: map[string]*model.Job{}})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if decisions[0].Outcome != OutcomeSkipped {
		t.Fatalf("expected skipped, got %v", decisions[0].Outcome)
	}
	if decisions[1].Outcome != OutcomeFailFast {
		t.Fatalf("expected fail-fast for dependent, got %v", decisions[1].Outcome)
	}
}

func TestBuildReturnsInvalidDefinitionErrorForUnknownAction(t *testing.T) {
	jr := &model.JobRequest{
		ID: model.NewID(), Backend: "tpp", Workspace: "study", Branch: "main",
		RequestedActions: []string{"does_not_exist"}, CreatedAt: time.Now(),
	}

	_, err := Build(context.Background(), jr, samplePipeline(), fakeGit{commit: "abc"}, fakeLookup{jobs: map[string]*model.Job{}})
	if err == nil {
		t.Fatal("expected an error for an unknown requested action")
	}
	var de *InvalidDefinitionError
	if !errors.As(err, &de) {
		t.Fatalf("expected *InvalidDefinitionError, got %T: %v", err, err)
	}
}

func TestBuildReturnsInvalidDefinitionErrorForCycle(t *testing.T) {
	cyclic, err := pipeline.Parse([]byte(`
version: "3"
actions:
  a:
    run: stata-mp:latest a.do
    needs: [b]
  b:
    run: stata-mp:latest b.do
    needs: [a]
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	jr := &model.JobRequest{
		ID: model.NewID(), Backend: "tpp", Workspace: "study", Branch: "main",
		RequestedActions: []string{"a"}, CreatedAt: time.Now(),
	}

	_, err = Build(context.Background(), jr, cyclic, fakeGit{commit: "abc"}, fakeLookup{jobs: map[string]*model.Job{}})
	if err == nil {
		t.Fatal("expected an error for a cyclic action graph")
	}
	var de *InvalidDefinitionError
	if !errors.As(err, &de) {
		t.Fatalf("expected *InvalidDefinitionError, got %T: %v", err, err)
	}
}

func TestBuildFlagsStaleCodelistsAsInvalidOutcome(t *testing.T) {
	pl, err := pipeline.Parse([]byte(`
version: "3"
actions:
  generate_study_population:
    run: cohortextractor:latest generate_cohort
    codelists_at: old-commit
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	jr := &model.JobRequest{
		ID: model.NewID(), Backend: "tpp", Workspace: "study", Branch: "main",
		RequestedActions: []string{"generate_study_population"}, CreatedAt: time.Now(),
	}

	decisions, err := Build(context.Background(), jr, pl, fakeGit{commit: "new-commit"}, fakeLookup{jobs: map[string]*model.Job{}})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if decisions[0].Outcome != OutcomeInvalid {
		t.Fatalf("expected OutcomeInvalid, got %v", decisions[0].Outcome)
	}
	job := decisions[0].Job
	if job == nil || job.State != model.JobFailed || job.StatusCode != model.StatusStaleCodelists {
		t.Fatalf("expected a terminal FAILED/STALE_CODELISTS job, got %+v", job)
	}
}
