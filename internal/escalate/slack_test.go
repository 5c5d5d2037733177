package escalate

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/opensafely-core/job-runner/internal/model"
)

func TestSlack_Escalate(t *testing.T) {
	var receivedPayload map[string]any

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "POST" {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if r.Header.Get("Content-Type") != "application/json" {
			t.Error("expected Content-Type: application/json")
		}
		json.NewDecoder(r.Body).Decode(&receivedPayload)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	slack := NewSlack(server.URL)
	err := slack.Escalate(context.Background(), Escalation{
		Severity:    SeverityWarning,
		Backend:     "emis",
		Job:         "job-456",
		StatusCode:  model.StatusWaitingOnReboot,
		RetryStreak: 2,
		Title:       "backend entering reboot preparation",
		Message:     "emis is parking running jobs ahead of a scheduled reboot",
	})

	if err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	text, ok := receivedPayload["text"].(string)
	if !ok || text == "" {
		t.Error("expected text field in payload")
	}

	blocks, ok := receivedPayload["blocks"].([]any)
	if !ok || len(blocks) < 2 {
		t.Fatalf("expected a context block carrying status_code/retry_streak, got %+v", receivedPayload["blocks"])
	}
}

func TestSlack_EscalateError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	slack := NewSlack(server.URL)
	err := slack.Escalate(context.Background(), Escalation{
		Severity: SeverityInfo,
		Backend:  "test",
		Title:    "Test",
		Message:  "Test message",
	})

	if err == nil {
		t.Error("expected error for 500 response")
	}
}

func TestSlack_Name(t *testing.T) {
	slack := NewSlack("http://example.com")
	if slack.Name() != "slack" {
		t.Errorf("expected 'slack', got %q", slack.Name())
	}
}
