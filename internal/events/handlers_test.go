package events

import (
	"bytes"
	"strings"
	"testing"
)

func TestLogHandlerFormatsEvent(t *testing.T) {
	var buf bytes.Buffer
	h := LogHandler(LogConfig{Writer: &buf})

	h(New(JobFailed).WithJob("job-1").WithBackend("tpp").WithError(errBoom))

	out := buf.String()
	if !strings.Contains(out, "job.failed") {
		t.Errorf("expected event type in output, got %q", out)
	}
	if !strings.Contains(out, "job=job-1") {
		t.Errorf("expected job id in output, got %q", out)
	}
	if !strings.Contains(out, "error=boom") {
		t.Errorf("expected error in output, got %q", out)
	}
}

func TestEscalateHandlerOnlyForwardsFailures(t *testing.T) {
	var notified []string
	h := EscalateHandler(EscalateConfig{
		Notify: func(summary string, e Event) { notified = append(notified, summary) },
	})

	h(New(JobCreated))
	h(New(JobFailed).WithJob("job-1"))

	if len(notified) != 1 {
		t.Fatalf("expected 1 notification, got %d", len(notified))
	}
}

type stubErr string

func (e stubErr) Error() string { return string(e) }

var errBoom = stubErr("boom")
