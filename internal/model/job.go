package model

import "time"

// Job status constants.
const (
	JobQueued          = "queued"
	JobRunning         = "running"
	JobSucceeded       = "succeeded"
	JobFailed          = "failed"
	JobPartiallyFailed = "partially_failed"
	JobCancelled       = "cancelled"
)

// terminalJobStatuses is the set of statuses from which a job never moves.
var terminalJobStatuses = map[string]bool{
	JobSucceeded:       true,
	JobFailed:          true,
	JobPartiallyFailed: true,
	JobCancelled:       true,
}

// TerminalJob reports whether the given job status is terminal.
func TerminalJob(status string) bool {
	return terminalJobStatuses[status]
}

// Job is one request to run a playbook against an ordered set of hosts.
type Job struct {
	ID          string     `json:"id"`
	Playbook    string     `json:"playbook"`
	Hosts       []string   `json:"hosts"`
	Status      string     `json:"status"`
	Concurrency int        `json:"concurrency,omitempty"`
	RequestedBy string     `json:"requested_by,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	Tasks       []*Task    `json:"tasks,omitempty"`
}

// AggregateStatus derives a job's status from its tasks' statuses. It is a
// pure function: the same multiset of task statuses always yields the same
// job status. A cancelled job keeps its cancelled status regardless of task
// outcomes; callers enforce that before consulting this function.
//
// Rules: any non-terminal task keeps the job running (or queued if nothing
// has started); all succeeded => succeeded; all failed (incl. timed out)
// => failed; a mix of succeeded and failed => partially_failed. Cancelled
// tasks count toward neither side unless every task was cancelled, in which
// case the job is cancelled.
func AggregateStatus(taskStatuses []string) string {
	if len(taskStatuses) == 0 {
		return JobQueued
	}

	var pending, running, succeeded, failed, cancelled int
	for _, st := range taskStatuses {
		switch st {
		case TaskPending:
			pending++
		case TaskDispatched, TaskRunning:
			running++
		case TaskSucceeded:
			succeeded++
		case TaskFailed, TaskTimedOut:
			failed++
		case TaskCancelled:
			cancelled++
		}
	}

	if running > 0 {
		return JobRunning
	}
	if pending > 0 {
		if succeeded+failed+cancelled > 0 {
			return JobRunning
		}
		return JobQueued
	}

	switch {
	case cancelled == len(taskStatuses):
		return JobCancelled
	case failed == 0 && succeeded > 0:
		return JobSucceeded
	case succeeded == 0 && failed > 0:
		return JobFailed
	default:
		return JobPartiallyFailed
	}
}
