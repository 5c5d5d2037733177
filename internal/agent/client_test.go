package agent

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/opensafely-core/job-runner/internal/model"
)

func TestListTasksSendsBearerTokenAndDecodesTasks(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tpp-agent-token" {
			t.Errorf("unexpected auth header: %s", r.Header.Get("Authorization"))
		}
		if r.URL.Path != "/tpp/tasks/" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode([]*model.Task{
			{ID: "task-1", JobID: "job-1", Backend: "tpp", Kind: model.TaskRunJob, Stage: model.StageUnknown},
		})
	}))
	defer ts.Close()

	c := NewClient(ts.URL, "tpp-agent-token")
	tasks, err := c.ListTasks(t.Context(), "tpp")
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 1 || tasks[0].ID != "task-1" {
		t.Fatalf("unexpected tasks: %+v", tasks)
	}
}

func TestUpdateTaskRetriesOn503(t *testing.T) {
	var attempts int
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(taskUpdateResponse{AgentComplete: true})
	}))
	defer ts.Close()

	c := NewClient(ts.URL, "tpp-agent-token")
	c.initialBackoff = time.Millisecond

	complete, err := c.UpdateTask(t.Context(), "tpp", "task-1", model.StageFinalized, nil, "")
	if err != nil {
		t.Fatal(err)
	}
	if !complete {
		t.Fatalf("expected agent_complete=true")
	}
	if attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts)
	}
}
