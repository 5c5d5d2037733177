package events

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// Handler processes one event emitted on a Bus.
type Handler func(Event)

// LogConfig configures the logging handler.
type LogConfig struct {
	// Writer is where logs are written (default: os.Stderr).
	Writer io.Writer

	// IncludePayload includes the event payload in log output.
	IncludePayload bool

	// TimeFormat is the timestamp format (default: RFC3339).
	TimeFormat string
}

// LogHandler returns a handler that formats events to the configured
// writer: "time [event.type] backend job task error=...".
func LogHandler(cfg LogConfig) Handler {
	if cfg.Writer == nil {
		cfg.Writer = os.Stderr
	}
	if cfg.TimeFormat == "" {
		cfg.TimeFormat = time.RFC3339
	}

	return func(e Event) {
		var buf strings.Builder
		if !e.Time.IsZero() {
			buf.WriteString(e.Time.Format(cfg.TimeFormat))
			buf.WriteString(" ")
		}
		buf.WriteString(e.String())
		if cfg.IncludePayload && e.Payload != nil {
			fmt.Fprintf(&buf, " payload=%v", e.Payload)
		}
		buf.WriteString("\n")
		fmt.Fprint(cfg.Writer, buf.String())
	}
}

// EscalateConfig configures a handler that forwards failure-category events
// to an alerting sink.
type EscalateConfig struct {
	// Notify is called with a human-readable summary for every event where
	// IsFailure() is true.
	Notify func(summary string, e Event)
}

// EscalateHandler returns a handler that forwards failure events onward,
// so an alerting sink can be attached to a Bus without internal/events
// importing internal/escalate. The controller does not use it: it calls
// its Escalator directly.
func EscalateHandler(cfg EscalateConfig) Handler {
	return func(e Event) {
		if !e.IsFailure() || cfg.Notify == nil {
			return
		}
		cfg.Notify(e.String(), e)
	}
}
