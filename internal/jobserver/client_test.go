package jobserver

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/opensafely-core/job-runner/internal/model"
)

func TestActiveJobRequestsDecodesPayload(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Token tpp-token" {
			t.Errorf("unexpected auth header: %s", r.Header.Get("Authorization"))
		}
		json.NewEncoder(w).Encode([]jobRequestPayload{
			{
				ID:      "jr-1",
				Backend: "tpp",
				Workspace: workspacePayload{
					Name:    "my-study",
					RepoURL: "https://github.com/example/study",
					Branch:  "main",
				},
				RequestedActions: []string{"run_model"},
				CreatedAt:        time.Now(),
			},
		})
	}))
	defer ts.Close()

	c := New(ts.URL, map[string]string{"tpp": "tpp-token"})
	requests, err := c.ActiveJobRequests(t.Context(), "tpp")
	if err != nil {
		t.Fatal(err)
	}
	if len(requests) != 1 || requests[0].Workspace != "my-study" {
		t.Fatalf("unexpected requests: %+v", requests)
	}
}

func TestPushJobStatusesRetriesOn503(t *testing.T) {
	var attempts int
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	c := New(ts.URL, map[string]string{"tpp": "tpp-token"})
	c.initialBackoff = time.Millisecond
	if err := c.PushJobStatuses(t.Context(), "tpp", "jr-1", nil); err != nil {
		t.Fatal(err)
	}
	if attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts)
	}
}

func TestPushJobStatusesSendsCountsAndPatternsNotPaths(t *testing.T) {
	var seenBody string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, 4096)
		n, _ := r.Body.Read(buf)
		seenBody = string(buf[:n])
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	c := New(ts.URL, map[string]string{"tpp": "tpp-token"})
	job := &model.Job{
		ID:     "job-1",
		Action: "extract_data",
		State:  model.JobSucceeded,
		OutputSpec: map[string]string{
			"output/cohort.csv": "moderately_sensitive",
		},
		ComputedOutputs: map[string]string{
			"output/patients/cohort_2026_01.csv": "moderately_sensitive",
		},
	}
	if err := c.PushJobStatuses(t.Context(), "tpp", "jr-1", []*model.Job{job}); err != nil {
		t.Fatal(err)
	}

	if strings.Contains(seenBody, "cohort_2026_01.csv") {
		t.Errorf("expected resolved output path withheld, got body %s", seenBody)
	}
	if !strings.Contains(seenBody, "output_count") || !strings.Contains(seenBody, "output/cohort.csv") {
		t.Errorf("expected output_count and declared pattern present, got body %s", seenBody)
	}
}
