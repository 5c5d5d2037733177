// Package events provides the structured event bus used by the controller
// and agent to record and log lifecycle occurrences.
package events

import (
	"fmt"
	"strings"
	"time"
)

// Event represents a single occurrence in the orchestrator's lifecycle.
type Event struct {
	// Time is when the event occurred (set by the bus on Emit).
	Time time.Time `json:"time"`

	// Type identifies what happened.
	Type EventType `json:"type"`

	// Backend is the backend this event relates to, if any.
	Backend string `json:"backend,omitempty"`

	// JobRequest is the job request ID this event relates to, if any.
	JobRequest string `json:"job_request,omitempty"`

	// Job is the job ID this event relates to, if any.
	Job string `json:"job,omitempty"`

	// Task is the task ID this event relates to, if any.
	Task string `json:"task,omitempty"`

	// Payload carries event-specific data (shape varies by Type).
	Payload any `json:"payload,omitempty"`

	// Error holds the failure message if this is a failure event.
	Error string `json:"error,omitempty"`
}

// EventType is a string constant identifying the event category.
type EventType string

// Job request lifecycle events.
const (
	JobRequestReceived EventType = "jobrequest.received"
	JobRequestExpanded EventType = "jobrequest.expanded"
)

// Job lifecycle events.
const (
	JobCreated           EventType = "job.created"
	JobWaiting           EventType = "job.waiting"
	JobInitiated         EventType = "job.initiated"
	JobExecuting         EventType = "job.executing"
	JobFinalizing        EventType = "job.finalizing"
	JobSucceeded         EventType = "job.succeeded"
	JobFailed            EventType = "job.failed"
	JobCancelled         EventType = "job.cancelled"
	JobRetried           EventType = "job.retried"
	JobInternalError     EventType = "job.internal_error"
)

// Task lifecycle events.
const (
	TaskIssued    EventType = "task.issued"
	TaskUpdated   EventType = "task.updated"
	TaskCompleted EventType = "task.completed"
)

// Backend/flag lifecycle events.
const (
	BackendPaused         EventType = "backend.paused"
	BackendResumed        EventType = "backend.resumed"
	BackendDBMaintenance  EventType = "backend.db_maintenance"
	BackendRebootPrep     EventType = "backend.reboot_prep"
)

// Controller/agent process events.
const (
	ControllerTickStarted   EventType = "controller.tick.started"
	ControllerTickCompleted EventType = "controller.tick.completed"
	ControllerTickFailed    EventType = "controller.tick.failed"
	AgentTickFailed         EventType = "agent.tick.failed"
	SyncPushed              EventType = "sync.pushed"
	SyncFailed              EventType = "sync.failed"
)

// New creates an event of the given type.
func New(eventType EventType) Event {
	return Event{Type: eventType}
}

// WithJob returns a copy of the event scoped to a job.
func (e Event) WithJob(jobID string) Event {
	e.Job = jobID
	return e
}

// WithTask returns a copy of the event scoped to a task.
func (e Event) WithTask(taskID string) Event {
	e.Task = taskID
	return e
}

// WithBackend returns a copy of the event scoped to a backend.
func (e Event) WithBackend(backend string) Event {
	e.Backend = backend
	return e
}

// WithPayload returns a copy of the event with the payload set.
func (e Event) WithPayload(payload any) Event {
	e.Payload = payload
	return e
}

// WithError returns a copy of the event with the error message set.
func (e Event) WithError(err error) Event {
	if err != nil {
		e.Error = err.Error()
	}
	return e
}

// IsFailure reports whether this is a failure-category event type.
func (e Event) IsFailure() bool {
	return strings.HasSuffix(string(e.Type), ".failed") ||
		strings.HasSuffix(string(e.Type), "_error")
}

// String returns a human-readable, log-line representation of the event.
func (e Event) String() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("[%s]", e.Type))
	if e.Backend != "" {
		parts = append(parts, "backend="+e.Backend)
	}
	if e.Job != "" {
		parts = append(parts, "job="+e.Job)
	}
	if e.Task != "" {
		parts = append(parts, "task="+e.Task)
	}
	if e.Error != "" {
		parts = append(parts, "error="+e.Error)
	}
	return strings.Join(parts, " ")
}
