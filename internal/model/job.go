// Package model defines the data types shared by the controller and agent:
// JobRequest, Job, Task and BackendFlag, plus the status/stage enums that
// drive the controller's state machine and the agent's task runner.
package model

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// NewID returns a new lexicographically-sortable identifier. Job/Task/
// JobRequest IDs all use this so admission order falls out of a plain
// "ORDER BY id" query.
func NewID() string {
	return ulid.Make().String()
}

// JobRequest is the immutable, audit-kept-forever unit submitted by a
// researcher: a repo/branch/commit plus the set of requested actions.
type JobRequest struct {
	ID             string    `json:"id"`
	Backend        string    `json:"backend"`
	Workspace      string    `json:"workspace"`
	RepoURL        string    `json:"repo_url"`
	Branch         string    `json:"branch"`
	Commit         string    `json:"commit,omitempty"`
	RequestedActions []string `json:"requested_actions"`
	CancelledActions []string `json:"cancelled_actions,omitempty"`
	ForceRunDependencies bool `json:"force_run_dependencies"`
	CreatedBy      string    `json:"created_by"`
	CreatedAt      time.Time `json:"created_at"`
	// Expanded is true once the builder has turned this request into Jobs.
	Expanded bool `json:"expanded"`
}

// JobState is the coarse lifecycle state of a Job (spec.md §3).
type JobState string

const (
	JobPending   JobState = "PENDING"
	JobRunning   JobState = "RUNNING"
	JobFailed    JobState = "FAILED"
	JobSucceeded JobState = "SUCCEEDED"
)

// IsTerminal reports whether no further transition is possible.
func (s JobState) IsTerminal() bool {
	return s == JobFailed || s == JobSucceeded
}

// StatusCode is the fine-grained status shown to researchers, the full
// alphabet from spec.md §4.D. Each value belongs to exactly one JobState.
type StatusCode string

const (
	// PENDING family.
	StatusCreated               StatusCode = "CREATED"
	StatusWaitingOnDependencies StatusCode = "WAITING_ON_DEPENDENCIES"
	StatusWaitingDBMaintenance  StatusCode = "WAITING_DB_MAINTENANCE"
	StatusWaitingPaused         StatusCode = "WAITING_PAUSED"
	StatusWaitingOnReboot       StatusCode = "WAITING_ON_REBOOT"
	StatusWaitingOnWorkers      StatusCode = "WAITING_ON_WORKERS"
	StatusWaitingOnNewTask      StatusCode = "WAITING_ON_NEW_TASK"

	// RUNNING family — mirrors the agent-side TaskStage updates.
	StatusInitiated  StatusCode = "INITIATED"
	StatusPrepared   StatusCode = "PREPARED"
	StatusExecuting  StatusCode = "EXECUTING"
	StatusExecuted   StatusCode = "EXECUTED"
	StatusFinalizing StatusCode = "FINALIZING"
	StatusFinalized  StatusCode = "FINALIZED"

	// Terminal: SUCCEEDED.
	StatusSucceeded StatusCode = "SUCCEEDED"

	// Terminal: FAILED, categorized by reason.
	StatusStaleCodelists    StatusCode = "STALE_CODELISTS"
	StatusNonzeroExit       StatusCode = "NONZERO_EXIT"
	StatusUnmatchedPatterns StatusCode = "UNMATCHED_PATTERNS"
	StatusJobError          StatusCode = "JOB_ERROR"
	StatusCancelledByUser   StatusCode = "CANCELLED_BY_USER"
	StatusInternalError     StatusCode = "INTERNAL_ERROR"
	StatusDependencyFailed  StatusCode = "DEPENDENCY_FAILED"
	StatusKilledByAdmin     StatusCode = "KILLED_BY_ADMIN"
)

// State returns the coarse JobState a given StatusCode belongs to.
func (c StatusCode) State() JobState {
	switch c {
	case StatusSucceeded:
		return JobSucceeded
	case StatusStaleCodelists, StatusNonzeroExit, StatusUnmatchedPatterns,
		StatusJobError, StatusCancelledByUser, StatusInternalError,
		StatusDependencyFailed, StatusKilledByAdmin:
		return JobFailed
	case StatusInitiated, StatusPrepared, StatusExecuting, StatusExecuted,
		StatusFinalizing, StatusFinalized:
		return JobRunning
	default:
		return JobPending
	}
}

// Job is one action execution: a single node in the request's action DAG.
type Job struct {
	ID                  string     `json:"id"`
	JobRequestID         string     `json:"job_request_id"`
	Backend              string     `json:"backend"`
	Workspace            string     `json:"workspace"`
	Action               string     `json:"action"`
	ActionVersion        string     `json:"action_version"`
	Commit               string     `json:"commit"`
	RunCommand           string     `json:"run_command"`
	Image                string     `json:"image"`
	DBWorker             bool       `json:"db_worker"`
	State                JobState   `json:"state"`
	StatusCode           StatusCode `json:"status_code"`
	StatusMessage        string     `json:"status_message,omitempty"`
	WaitForJobIDs        []string   `json:"wait_for_job_ids,omitempty"`
	RequiresOutputsFrom  []string   `json:"requires_outputs_from,omitempty"`
	OutputSpec           map[string]string `json:"output_spec,omitempty"`   // pattern -> privacy level, as declared
	ComputedOutputs      map[string]string `json:"computed_outputs,omitempty"` // path -> privacy level, as resolved by finalize
	UnmatchedPatterns    []string   `json:"unmatched_patterns,omitempty"`
	RetryCount           int        `json:"retry_count"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
	StartedAt            *time.Time `json:"started_at,omitempty"`
	CompletedAt          *time.Time `json:"completed_at,omitempty"`
}

// TaskKind identifies what kind of work a Task asks the agent to do.
type TaskKind string

const (
	TaskRunJob    TaskKind = "RUNJOB"
	TaskCancelJob TaskKind = "CANCELJOB"
	TaskDBStatus  TaskKind = "DBSTATUS"
)

// TaskStage is the agent-observed lifecycle stage of a Task (spec.md §4.G).
type TaskStage string

const (
	StageUnknown    TaskStage = "UNKNOWN"
	StagePrepared   TaskStage = "PREPARED"
	StageExecuting  TaskStage = "EXECUTING"
	StageExecuted   TaskStage = "EXECUTED"
	StageFinalized  TaskStage = "FINALIZED"
	StageError      TaskStage = "ERROR"
)

// Task is the unit of work dispatched to an Agent. JobID is empty for
// DBSTATUS tasks, which probe a backend rather than execute a job.
type Task struct {
	ID            string     `json:"id"`
	JobID         string     `json:"job_id,omitempty"`
	Backend       string     `json:"backend"`
	Kind          TaskKind   `json:"kind"`
	Stage         TaskStage  `json:"stage"`
	Active        bool       `json:"active"`
	Definition    TaskDefinition `json:"definition"`
	Results       *TaskResults   `json:"results,omitempty"`
	ErrorMessage  string     `json:"error_message,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// TaskDefinition is the fully-resolved instruction set the agent needs to
// run a job: everything it must not have to ask the controller for again.
type TaskDefinition struct {
	Action       string            `json:"action"`
	RunCommand   string            `json:"run_command"`
	Image        string            `json:"image"`
	Env          map[string]string `json:"env,omitempty"`
	Outputs      map[string]string `json:"outputs,omitempty"` // pattern -> privacy level
	Inputs       []string          `json:"inputs,omitempty"`  // paths from upstream jobs
	CPUCount     float64           `json:"cpu_count,omitempty"`
	MemoryLimitGB float64          `json:"memory_limit_gb,omitempty"`
	AllowDatabaseAccess bool       `json:"allow_database_access,omitempty"`
}

// TaskResults is what the agent posts back on a FINALIZED/ERROR stage
// update. RUNJOB populates ExitCode/Outputs/UnmatchedPatterns; DBSTATUS
// populates only InMaintenance and MaintenanceToken.
type TaskResults struct {
	ExitCode          int                `json:"exit_code"`
	Outputs           map[string]string  `json:"outputs,omitempty"`
	UnmatchedPatterns []string           `json:"unmatched_patterns,omitempty"`
	Message           string             `json:"message,omitempty"`
	Metrics           map[string]float64 `json:"metrics,omitempty"`
	InMaintenance     bool               `json:"in_maintenance,omitempty"`
	MaintenanceToken  string             `json:"maintenance_token,omitempty"`
}

// BackendFlag is a per-backend key/value control flag (spec.md §4.H).
type BackendFlag struct {
	Backend string    `json:"backend"`
	Key     string    `json:"key"`
	Value   string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

const (
	FlagPaused       = "paused"
	FlagDBMaintenance = "db_maintenance_mode"
	FlagRebootPrep   = "reboot_prep"
)
