package dashboard

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/opensafely-core/job-runner/internal/events"
	"github.com/opensafely-core/job-runner/internal/model"
)

type fakeStore struct {
	jobs  map[string][]*model.Job
	tasks map[string][]*model.Task
}

func (f *fakeStore) ListJobsByBackend(ctx context.Context, backend string) ([]*model.Job, error) {
	return f.jobs[backend], nil
}

func (f *fakeStore) ListActiveTasksByBackend(ctx context.Context, backend string) ([]*model.Task, error) {
	return f.tasks[backend], nil
}

type fakeFlags struct{}

func (fakeFlags) All(ctx context.Context, backend string) ([]model.BackendFlag, error) {
	return []model.BackendFlag{{Backend: backend, Key: "paused", Value: "false"}}, nil
}

func TestStateHandlerReturnsSnapshotAcrossBackends(t *testing.T) {
	store := &fakeStore{
		jobs: map[string][]*model.Job{
			"tpp": {{ID: "job-1", Backend: "tpp", Action: "generate_cohort"}},
		},
	}
	bus := events.NewBus()
	srv := New(Config{Backends: []string{"tpp", "emis"}}, store, fakeFlags{}, bus)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/state")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var snap Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatal(err)
	}
	if len(snap.Backends) != 2 {
		t.Fatalf("expected 2 backends, got %d", len(snap.Backends))
	}
	if snap.Backends[0].Jobs[0].ID != "job-1" {
		t.Fatalf("unexpected jobs: %+v", snap.Backends[0])
	}
}

func TestEventsHandlerStreamsBroadcastEvents(t *testing.T) {
	store := &fakeStore{}
	bus := events.NewBus()
	srv := New(Config{Backends: []string{"tpp"}}, store, fakeFlags{}, bus)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/events", nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req = req.WithContext(ctx)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	if err != nil || !strings.Contains(line, "connected") {
		t.Fatalf("expected initial connected comment, got %q err %v", line, err)
	}

	time.Sleep(20 * time.Millisecond) // let the handler register before emitting
	bus.Emit(events.New(events.JobSucceeded).WithJob("job-1"))

	var eventLine, dataLine string
	for i := 0; i < 5; i++ {
		line, err := reader.ReadString('\n')
		if err != nil {
			break
		}
		if strings.HasPrefix(line, "event:") {
			eventLine = line
		}
		if strings.HasPrefix(line, "data:") {
			dataLine = line
			break
		}
	}
	if !strings.Contains(eventLine, string(events.JobSucceeded)) {
		t.Fatalf("expected job.succeeded event line, got %q", eventLine)
	}
	if !strings.Contains(dataLine, "job-1") {
		t.Fatalf("expected job id in data line, got %q", dataLine)
	}
}
