package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tgrahn/anvil/internal/model"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
    id           TEXT PRIMARY KEY,
    playbook     TEXT NOT NULL,
    status       TEXT NOT NULL,
    concurrency  INTEGER NOT NULL DEFAULT 0,
    requested_by TEXT,
    created_at   DATETIME NOT NULL,
    finished_at  DATETIME
);

CREATE TABLE IF NOT EXISTS tasks (
    job_id      TEXT NOT NULL,
    host        TEXT NOT NULL,
    position    INTEGER NOT NULL,
    status      TEXT NOT NULL,
    attempt     INTEGER NOT NULL DEFAULT 0,
    exit_code   INTEGER,
    reason      TEXT,
    duration_ms INTEGER,
    started_at  DATETIME,
    finished_at DATETIME,
    PRIMARY KEY (job_id, host)
);

CREATE TABLE IF NOT EXISTS output_lines (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    job_id     TEXT NOT NULL,
    host       TEXT NOT NULL,
    seq        INTEGER NOT NULL,
    line       TEXT NOT NULL,
    created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_output_lines_job ON output_lines (job_id, host, seq);
`

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite. A single mutex serializes
// state transitions so the aggregate recomputation is linearized across
// concurrent runner completions.
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// The pragmas are set through the DSN so they apply to every pooled
	// connection, not just the one that happens to run the Exec below.
	// Write transactions begin IMMEDIATE so the busy timeout covers lock
	// acquisition instead of failing on a deferred read-to-write upgrade;
	// read-only transactions are unaffected by _txlock.
	db, err := sql.Open("sqlite", "file:"+dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateJob inserts the job record and one pending task per target host
// in a single transaction.
func (s *SQLiteStore) CreateJob(ctx context.Context, j *model.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO jobs (id, playbook, status, concurrency, requested_by, created_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.Playbook, j.Status, j.Concurrency, j.RequestedBy, j.CreatedAt, j.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}

	for i, host := range j.Hosts {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO tasks (job_id, host, position, status, attempt)
			 VALUES (?, ?, ?, ?, 1)`,
			j.ID, host, i, model.TaskPending,
		)
		if err != nil {
			return fmt.Errorf("insert task %s: %w", host, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// GetJob retrieves a job snapshot including its tasks, ordered by target
// list position. The read transaction guarantees the snapshot is
// internally consistent.
func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	j := &model.Job{}
	err = tx.QueryRowContext(ctx,
		`SELECT id, playbook, status, concurrency, requested_by, created_at, finished_at
		 FROM jobs WHERE id = ?`, id,
	).Scan(&j.ID, &j.Playbook, &j.Status, &j.Concurrency, &j.RequestedBy, &j.CreatedAt, &j.FinishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT job_id, host, position, status, attempt, exit_code, reason,
		        duration_ms, started_at, finished_at
		 FROM tasks WHERE job_id = ? ORDER BY position`, id,
	)
	if err != nil {
		return nil, fmt.Errorf("get tasks: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		t := &model.Task{}
		var reason sql.NullString
		if err := rows.Scan(
			&t.JobID, &t.Host, &t.Position, &t.Status, &t.Attempt, &t.ExitCode,
			&reason, &t.DurationMS, &t.StartedAt, &t.FinishedAt,
		); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		t.Reason = reason.String
		j.Tasks = append(j.Tasks, t)
		j.Hosts = append(j.Hosts, t.Host)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}

	return j, nil
}

// ListJobs returns a paginated list of jobs ordered by created_at DESC,
// optionally filtered by status, along with the total matching count.
// Task lists are not populated; use GetJob for full snapshots.
func (s *SQLiteStore) ListJobs(ctx context.Context, status string, limit, offset int) ([]*model.Job, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	where := ""
	args := []any{}
	if status != "" {
		where = " WHERE status = ?"
		args = append(args, status)
	}

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM jobs"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	args = append(args, limit, offset)
	rows, err := tx.QueryContext(ctx,
		`SELECT id, playbook, status, concurrency, requested_by, created_at, finished_at
		 FROM jobs`+where+` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`, args...,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*model.Job
	for rows.Next() {
		j := &model.Job{}
		if err := rows.Scan(&j.ID, &j.Playbook, &j.Status, &j.Concurrency, &j.RequestedBy, &j.CreatedAt, &j.FinishedAt); err != nil {
			return nil, 0, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate jobs: %w", err)
	}

	return jobs, total, nil
}

// ApplyTaskTransition moves one task to a new status and recomputes the
// owning job's aggregate status in the same transaction. A cancelled job
// keeps its cancelled status regardless of the recomputed aggregate.
// Returns the job status in effect after the transition.
func (s *SQLiteStore) ApplyTaskTransition(ctx context.Context, jobID, host string, upd TaskUpdate) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx,
		"SELECT status FROM tasks WHERE job_id = ? AND host = ?", jobID, host,
	).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get task status: %w", err)
	}

	if !model.ValidTaskTransition(current, upd.Status) {
		return "", fmt.Errorf("%w: task %s/%s %s -> %s", ErrInvalidTransition, jobID, host, current, upd.Status)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE tasks SET
		    status      = ?,
		    attempt     = COALESCE(?, attempt),
		    exit_code   = COALESCE(?, exit_code),
		    reason      = CASE WHEN ? != '' THEN ? ELSE reason END,
		    duration_ms = COALESCE(?, duration_ms),
		    started_at  = COALESCE(?, started_at),
		    finished_at = COALESCE(?, finished_at)
		 WHERE job_id = ? AND host = ?`,
		upd.Status, upd.Attempt, upd.ExitCode, upd.Reason, upd.Reason,
		upd.DurationMS, upd.StartedAt, upd.FinishedAt, jobID, host,
	)
	if err != nil {
		return "", fmt.Errorf("update task: %w", err)
	}

	jobStatus, err := recomputeJobStatus(ctx, tx, jobID)
	if err != nil {
		return "", err
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	return jobStatus, nil
}

// recomputeJobStatus derives the job's aggregate status from its tasks and
// persists it within the caller's transaction.
func recomputeJobStatus(ctx context.Context, tx *sql.Tx, jobID string) (string, error) {
	var jobStatus string
	err := tx.QueryRowContext(ctx, "SELECT status FROM jobs WHERE id = ?", jobID).Scan(&jobStatus)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get job status: %w", err)
	}

	rows, err := tx.QueryContext(ctx, "SELECT status FROM tasks WHERE job_id = ?", jobID)
	if err != nil {
		return "", fmt.Errorf("get task statuses: %w", err)
	}
	defer rows.Close()

	var statuses []string
	for rows.Next() {
		var st string
		if err := rows.Scan(&st); err != nil {
			return "", fmt.Errorf("scan task status: %w", err)
		}
		statuses = append(statuses, st)
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("iterate task statuses: %w", err)
	}

	next := model.AggregateStatus(statuses)
	if jobStatus == model.JobCancelled {
		// Explicit cancellation is sticky.
		next = model.JobCancelled
	}

	if next == jobStatus && !model.TerminalJob(next) {
		return next, nil
	}

	if model.TerminalJob(next) {
		_, err = tx.ExecContext(ctx,
			"UPDATE jobs SET status = ?, finished_at = COALESCE(finished_at, ?) WHERE id = ?",
			next, time.Now().UTC(), jobID,
		)
	} else {
		_, err = tx.ExecContext(ctx, "UPDATE jobs SET status = ? WHERE id = ?", next, jobID)
	}
	if err != nil {
		return "", fmt.Errorf("update job status: %w", err)
	}
	return next, nil
}

// MarkJobCancelled sets the job status to cancelled unless the job already
// reached a terminal status. Reports whether the status changed.
func (s *SQLiteStore) MarkJobCancelled(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var status string
	err = tx.QueryRowContext(ctx, "SELECT status FROM jobs WHERE id = ?", id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("get job status: %w", err)
	}

	if model.TerminalJob(status) {
		return false, nil
	}

	_, err = tx.ExecContext(ctx,
		"UPDATE jobs SET status = ?, finished_at = ? WHERE id = ?",
		model.JobCancelled, time.Now().UTC(), id,
	)
	if err != nil {
		return false, fmt.Errorf("mark cancelled: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

// InsertOutputLine persists one multiplexed output line for a task attempt.
func (s *SQLiteStore) InsertOutputLine(ctx context.Context, jobID, host string, seq int, line string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO output_lines (job_id, host, seq, line, created_at) VALUES (?, ?, ?, ?, ?)",
		jobID, host, seq, line, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert output line: %w", err)
	}
	return nil
}

// GetOutputLines returns persisted output for a job ordered by sequence,
// optionally restricted to one host.
func (s *SQLiteStore) GetOutputLines(ctx context.Context, jobID, host string) ([]model.OutputLine, error) {
	query := "SELECT id, job_id, host, seq, line, created_at FROM output_lines WHERE job_id = ?"
	args := []any{jobID}
	if host != "" {
		query += " AND host = ?"
		args = append(args, host)
	}
	query += " ORDER BY seq"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("get output lines: %w", err)
	}
	defer rows.Close()

	var lines []model.OutputLine
	for rows.Next() {
		var l model.OutputLine
		if err := rows.Scan(&l.ID, &l.JobID, &l.Host, &l.Seq, &l.Line, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan output line: %w", err)
		}
		lines = append(lines, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate output lines: %w", err)
	}
	return lines, nil
}

// GetJobStats returns aggregate counts and average task duration.
func (s *SQLiteStore) GetJobStats(ctx context.Context) (*JobStats, error) {
	stats := &JobStats{
		CountByStatus: make(map[string]int),
		TasksByStatus: make(map[string]int),
	}

	rows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM jobs GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("count jobs by status: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("scan job count: %w", err)
		}
		stats.CountByStatus[st] = n
		stats.Total += n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job counts: %w", err)
	}

	taskRows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM tasks GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("count tasks by status: %w", err)
	}
	defer taskRows.Close()
	for taskRows.Next() {
		var st string
		var n int
		if err := taskRows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("scan task count: %w", err)
		}
		stats.TasksByStatus[st] = n
	}
	if err := taskRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task counts: %w", err)
	}

	err = s.db.QueryRowContext(ctx,
		"SELECT COALESCE(AVG(duration_ms), 0) FROM tasks WHERE duration_ms IS NOT NULL",
	).Scan(&stats.AvgTaskDurationMS)
	if err != nil {
		return nil, fmt.Errorf("average task duration: %w", err)
	}

	return stats, nil
}
