package escalate

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/opensafely-core/job-runner/internal/model"
)

func TestWebhook_Escalate(t *testing.T) {
	var receivedPayload WebhookPayload

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

	webhook := NewWebhook(server.URL)
	err := webhook.Escalate(context.Background(), Escalation{
		Severity:    SeverityCritical,
		Backend:     "tpp",
		Job:         "job-789",
		StatusCode:  model.StatusInternalError,
		RetryStreak: 5,
		Title:       "job forced to INTERNAL_ERROR",
		Message:     "job job-789 repeatedly failed evaluation and was forced terminal",
		Context: map[string]string{
			"action": "extract_data",
		},
	})

	if err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	if receivedPayload.Severity != "critical" {
		t.Errorf("expected severity 'critical', got %q", receivedPayload.Severity)
	}
	if receivedPayload.Backend != "tpp" {
		t.Errorf("expected backend 'tpp', got %q", receivedPayload.Backend)
	}
	if receivedPayload.StatusCode != model.StatusInternalError {
		t.Errorf("expected status_code INTERNAL_ERROR, got %q", receivedPayload.StatusCode)
	}
	if receivedPayload.RetryStreak != 5 {
		t.Errorf("expected retry_streak 5, got %d", receivedPayload.RetryStreak)
	}
	if receivedPayload.Context["action"] != "extract_data" {
		t.Error("expected context to include action")
	}
}

func TestWebhook_EscalateError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	webhook := NewWebhook(server.URL)
	err := webhook.Escalate(context.Background(), Escalation{
		Severity: SeverityInfo,
		Backend:  "test",
		Title:    "Test",
		Message:  "Test message",
	})

	if err == nil {
		t.Error("expected error for 400 response")
	}
}

func TestWebhook_Name(t *testing.T) {
	webhook := NewWebhook("http://example.com")
	if webhook.Name() != "webhook" {
		t.Errorf("expected 'webhook', got %q", webhook.Name())
	}
}
