package model

import "time"

// Task status constants.
const (
	TaskPending    = "pending"
	TaskDispatched = "dispatched"
	TaskRunning    = "running"
	TaskSucceeded  = "succeeded"
	TaskFailed     = "failed"
	TaskTimedOut   = "timed_out"
	TaskCancelled  = "cancelled"
)

// Failure reason constants recorded on failed tasks.
const (
	ReasonHostUnresolved = "host_unresolved"
	ReasonNonZeroExit    = "nonzero_exit"
	ReasonTimeout        = "timeout"
	ReasonRunnerError    = "runner_error"
	ReasonCancelled      = "cancelled"
)

// validTaskTransitions maps each task status to the set of statuses it may
// move to. Tasks only move forward; a retry resets a failed or timed-out
// task back to pending with an incremented attempt counter.
var validTaskTransitions = map[string]map[string]bool{
	TaskPending: {
		TaskDispatched: true,
		TaskFailed:     true,
		TaskCancelled:  true,
	},
	TaskDispatched: {
		TaskRunning:   true,
		TaskFailed:    true,
		TaskCancelled: true,
	},
	TaskRunning: {
		TaskSucceeded: true,
		TaskFailed:    true,
		TaskTimedOut:  true,
		TaskCancelled: true,
	},
	// Retry path: back to pending for the next attempt.
	TaskFailed: {
		TaskPending: true,
	},
	TaskTimedOut: {
		TaskPending: true,
	},
}

// ValidTaskTransition reports whether moving a task from one status to
// another is allowed.
func ValidTaskTransition(from, to string) bool {
	targets, ok := validTaskTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// terminalTaskStatuses is the set of statuses a task cannot leave except
// via an explicit retry.
var terminalTaskStatuses = map[string]bool{
	TaskSucceeded: true,
	TaskFailed:    true,
	TaskTimedOut:  true,
	TaskCancelled: true,
}

// TerminalTask reports whether the given task status is terminal.
func TerminalTask(status string) bool {
	return terminalTaskStatuses[status]
}

// Task is the execution of one job against exactly one host. Identity is
// (JobID, Host); retries increment Attempt rather than creating a new task.
type Task struct {
	JobID      string     `json:"job_id"`
	Host       string     `json:"host"`
	Position   int        `json:"position"`
	Status     string     `json:"status"`
	Attempt    int        `json:"attempt"`
	ExitCode   *int       `json:"exit_code,omitempty"`
	Reason     string     `json:"reason,omitempty"`
	DurationMS *int       `json:"duration_ms,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// OutputLine is a single persisted line of multiplexed stdout/stderr from
// one task attempt.
type OutputLine struct {
	ID        int64     `json:"id"`
	JobID     string    `json:"job_id"`
	Host      string    `json:"host"`
	Seq       int       `json:"seq"`
	Line      string    `json:"line"`
	CreatedAt time.Time `json:"created_at"`
}
