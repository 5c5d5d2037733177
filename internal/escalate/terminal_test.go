package escalate

import (
	"bytes"
	"context"
	"os"
	"strings"
	"testing"

	"github.com/opensafely-core/job-runner/internal/model"
)

func TestTerminal_Escalate(t *testing.T) {
	// Capture stderr
	oldStderr := os.Stderr
	r, w, _ := os.Pipe()
	os.Stderr = w

	term := NewTerminal()
	err := term.Escalate(context.Background(), Escalation{
		Severity:    SeverityCritical,
		Backend:     "tpp",
		Job:         "job-123",
		StatusCode:  model.StatusInternalError,
		RetryStreak: 4,
		Title:       "job forced to INTERNAL_ERROR",
		Message:     "job job-123 repeatedly failed evaluation and was forced terminal",
		Context: map[string]string{
			"host":  "db.example.com",
			"error": "connection refused",
		},
	})

	w.Close()
	os.Stderr = oldStderr

	var buf bytes.Buffer
	buf.ReadFrom(r)
	output := buf.String()

	if err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	if !strings.Contains(output, "[critical]") {
		t.Error("expected severity in output")
	}
	if !strings.Contains(output, "job forced to INTERNAL_ERROR") {
		t.Error("expected title in output")
	}
	if !strings.Contains(output, "tpp") {
		t.Error("expected backend in output")
	}
	if !strings.Contains(output, "job-123") {
		t.Error("expected job id in output")
	}
	if !strings.Contains(output, "INTERNAL_ERROR") {
		t.Error("expected status_code in output")
	}
	if !strings.Contains(output, "4") {
		t.Error("expected retry streak in output")
	}
}

func TestTerminal_Name(t *testing.T) {
	term := NewTerminal()
	if term.Name() != "terminal" {
		t.Errorf("expected 'terminal', got %q", term.Name())
	}
}
