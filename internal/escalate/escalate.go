package escalate

import (
	"context"

	"github.com/opensafely-core/job-runner/internal/model"
)

// Severity indicates how urgent the escalation is
type Severity string

const (
	SeverityInfo     Severity = "info"     // FYI, no action needed
	SeverityWarning  Severity = "warning"  // May need attention
	SeverityCritical Severity = "critical" // Requires immediate action
	SeverityBlocking Severity = "blocking" // Cannot proceed without user
)

// Escalation represents something that needs operator attention, such as
// a job forced to INTERNAL_ERROR past its retry threshold.
type Escalation struct {
	Severity Severity // How urgent is this?
	Backend  string   // Which backend is affected
	Job      string   // Which job is affected, if any

	// StatusCode is the status_code the job was on (or forced to) when
	// this escalation was raised, empty for backend-level escalations
	// that aren't about a specific job.
	StatusCode model.StatusCode
	// RetryStreak is the number of consecutive failed evaluations that
	// led here, 0 when the escalation wasn't retry-driven.
	RetryStreak int

	Title   string            // Short summary (one line)
	Message string            // Detailed explanation
	Context map[string]string // Additional context (error details, etc.)
}

// Escalator is the interface for notifying users
type Escalator interface {
	// Escalate sends a notification to the user.
	// Returns nil if notification was sent successfully.
	// Implementations should respect context cancellation.
	Escalate(ctx context.Context, e Escalation) error

	// Name returns the escalator type for logging
	Name() string
}
