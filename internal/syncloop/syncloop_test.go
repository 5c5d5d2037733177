package syncloop

import (
	"context"
	"testing"

	"github.com/opensafely-core/job-runner/internal/model"
)

type fakeJobServer struct {
	active      map[string][]*model.JobRequest
	pushedJobs  map[string][]*model.Job
	pushedCount int
}

func (f *fakeJobServer) ActiveJobRequests(ctx context.Context, backend string) ([]*model.JobRequest, error) {
	return f.active[backend], nil
}

func (f *fakeJobServer) PushJobStatuses(ctx context.Context, backend, jobRequestID string, jobs []*model.Job) error {
	if f.pushedJobs == nil {
		f.pushedJobs = map[string][]*model.Job{}
	}
	f.pushedJobs[jobRequestID] = jobs
	f.pushedCount++
	return nil
}

type fakeStore struct {
	upserted []*model.JobRequest
	jobs     map[string][]*model.Job
}

func (f *fakeStore) UpsertJobRequest(ctx context.Context, jr *model.JobRequest) error {
	f.upserted = append(f.upserted, jr)
	return nil
}

func (f *fakeStore) ListJobsByRequest(ctx context.Context, jobRequestID string) ([]*model.Job, error) {
	return f.jobs[jobRequestID], nil
}

func TestTickUpsertsAndPushesPerBackend(t *testing.T) {
	js := &fakeJobServer{
		active: map[string][]*model.JobRequest{
			"tpp": {{ID: "jr-1", Backend: "tpp", Workspace: "study"}},
		},
	}
	st := &fakeStore{
		jobs: map[string][]*model.Job{
			"jr-1": {{ID: "job-1", Action: "extract_data", StatusMessage: "token=secretvalue123"}},
		},
	}

	loop := New(js, st, nil, []string{"tpp"})
	if err := loop.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}

	if len(st.upserted) != 1 || st.upserted[0].ID != "jr-1" {
		t.Fatalf("expected jr-1 upserted, got %+v", st.upserted)
	}
	if js.pushedCount != 1 {
		t.Fatalf("expected one push, got %d", js.pushedCount)
	}
	pushed := js.pushedJobs["jr-1"]
	if len(pushed) != 1 {
		t.Fatalf("expected one job pushed, got %d", len(pushed))
	}
	if pushed[0].StatusMessage == "token=secretvalue123" {
		t.Fatalf("expected status message redacted before push, got %q", pushed[0].StatusMessage)
	}
}

func TestTickSkipsBackendsWithNoActiveRequests(t *testing.T) {
	js := &fakeJobServer{active: map[string][]*model.JobRequest{}}
	st := &fakeStore{jobs: map[string][]*model.Job{}}

	loop := New(js, st, nil, []string{"tpp", "emis"})
	if err := loop.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	if js.pushedCount != 0 {
		t.Fatalf("expected no pushes, got %d", js.pushedCount)
	}
}
