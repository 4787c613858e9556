package store

import (
	"context"
	"errors"
	"time"

	"github.com/tgrahn/anvil/internal/model"
)

// ErrNotFound is returned when a job or task is not found.
var ErrNotFound = errors.New("not found")

// ErrInvalidTransition is returned when a task status transition is not
// allowed by the forward-only transition table.
var ErrInvalidTransition = errors.New("invalid status transition")

// TaskUpdate carries the fields of one task state transition. Status is
// required; pointer fields overwrite only when non-nil.
type TaskUpdate struct {
	Status     string
	Attempt    *int
	ExitCode   *int
	Reason     string
	DurationMS *int
	StartedAt  *time.Time
	FinishedAt *time.Time
}

// JobStats holds aggregate execution statistics.
type JobStats struct {
	Total             int            `json:"total"`
	CountByStatus     map[string]int `json:"count_by_status"`
	TasksByStatus     map[string]int `json:"tasks_by_status"`
	AvgTaskDurationMS float64        `json:"avg_task_duration_ms"`
}

// Store is the authoritative record of every job and its per-host tasks.
// ApplyTaskTransition updates the task and recomputes the owning job's
// aggregate status in the same transaction, so readers never observe a
// job whose status contradicts its tasks' statuses.
type Store interface {
	CreateJob(ctx context.Context, j *model.Job) error
	GetJob(ctx context.Context, id string) (*model.Job, error)
	ListJobs(ctx context.Context, status string, limit, offset int) ([]*model.Job, int, error)
	ApplyTaskTransition(ctx context.Context, jobID, host string, upd TaskUpdate) (jobStatus string, err error)
	MarkJobCancelled(ctx context.Context, id string) (changed bool, err error)
	InsertOutputLine(ctx context.Context, jobID, host string, seq int, line string) error
	GetOutputLines(ctx context.Context, jobID, host string) ([]model.OutputLine, error)
	GetJobStats(ctx context.Context) (*JobStats, error)
	Close() error
}
