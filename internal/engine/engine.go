package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/tgrahn/anvil/internal/inventory"
	"github.com/tgrahn/anvil/internal/model"
	"github.com/tgrahn/anvil/internal/runner"
	"github.com/tgrahn/anvil/internal/store"
)

// ErrInvalidJob is returned synchronously when a submission is rejected
// before a job record is created.
var ErrInvalidJob = errors.New("invalid job")

// ErrQueueFull is returned synchronously when the pending-task queue is at
// capacity.
var ErrQueueFull = errors.New("queue full")

// Engine defaults applied when Config leaves a field zero.
const (
	DefaultMaxRunning = 8
	DefaultMaxQueued  = 1024
	DefaultTimeout    = 10 * time.Minute
)

// playbookRefPattern constrains playbook references to simple relative
// paths: no traversal, no absolute paths, .yml/.yaml extension.
var playbookRefPattern = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_./-]*\.ya?ml$`)

// Config holds the engine's scheduling and retry settings.
type Config struct {
	// MaxRunning is the global ceiling on simultaneously running tasks.
	MaxRunning int
	// MaxQueued bounds the number of pending tasks across all jobs.
	MaxQueued int
	// MaxAttempts is the per-task attempt ceiling (first attempt included).
	MaxAttempts int
	// Timeout is the wall-clock limit for one task attempt.
	Timeout time.Duration
	// BackoffBase and BackoffCap shape the retry delay curve.
	BackoffBase time.Duration
	BackoffCap  time.Duration
	// TransientExitCodes designates process exit codes eligible for retry.
	TransientExitCodes []int
}

// SubmitRequest is a request to run a playbook against a set of hosts.
type SubmitRequest struct {
	Playbook    string
	Hosts       []string
	Concurrency int
	RequestedBy string
}

// Engine is the task execution engine facade: admission control, dispatch,
// state tracking, and event broadcasting behind one API.
type Engine struct {
	store    store.Store
	registry inventory.Registry
	runners  *runner.Registry
	broker   *Broker
	logger   *slog.Logger
	cfg      Config
	retry    RetryPolicy
	transient map[int]bool

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup

	// mu guards all scheduler state below. Mutations to queue, slots, and
	// handles happen only under this lock; task state itself lives in the
	// store.
	mu           sync.Mutex
	seq          int64
	queue        []*queueItem
	busyHosts    map[string]bool
	runningByJob map[string]int
	handles      map[taskKey]*RunnerHandle
	timers       map[taskKey]*time.Timer
	cancelledJob map[string]bool
	jobs         map[string]*jobState
	sem          *semaphore.Weighted
}

// jobState is the engine's in-flight bookkeeping for one job.
type jobState struct {
	seq       int64
	remaining int
}

// taskKey identifies a task: one job against one host.
type taskKey struct {
	jobID string
	host  string
}

// RunnerHandle is the ownership wrapper around one live task attempt. At
// most one handle exists per task at any time; cancellation signals the
// attempt through it.
type RunnerHandle struct {
	JobID     string
	Host      string
	Attempt   int
	StartedAt time.Time
	Deadline  time.Time

	cancel context.CancelFunc
}

// New creates an engine. Zero config fields fall back to defaults.
func New(s store.Store, reg inventory.Registry, runners *runner.Registry, logger *slog.Logger, cfg Config) *Engine {
	if cfg.MaxRunning <= 0 {
		cfg.MaxRunning = DefaultMaxRunning
	}
	if cfg.MaxQueued <= 0 {
		cfg.MaxQueued = DefaultMaxQueued
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.TransientExitCodes == nil {
		// Exit code 4 is ansible-playbook's "host unreachable", which is
		// worth retrying; other nonzero codes mean the play itself failed.
		cfg.TransientExitCodes = []int{4}
	}

	transient := make(map[int]bool, len(cfg.TransientExitCodes))
	for _, code := range cfg.TransientExitCodes {
		transient[code] = true
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		store:    s,
		registry: reg,
		runners:  runners,
		broker:   NewBroker(logger),
		logger:   logger,
		cfg:      cfg,
		retry: RetryPolicy{
			MaxAttempts: cfg.MaxAttempts,
			Base:        cfg.BackoffBase,
			Cap:         cfg.BackoffCap,
		},
		transient:    transient,
		baseCtx:      ctx,
		baseCancel:   cancel,
		busyHosts:    make(map[string]bool),
		runningByJob: make(map[string]int),
		handles:      make(map[taskKey]*RunnerHandle),
		timers:       make(map[taskKey]*time.Timer),
		cancelledJob: make(map[string]bool),
		jobs:         make(map[string]*jobState),
		sem:          semaphore.NewWeighted(int64(cfg.MaxRunning)),
	}
}

// Submit validates the request, persists the job with one pending task per
// host, and enqueues it for dispatch. It returns without blocking on I/O
// beyond the initial insert; execution proceeds asynchronously.
func (e *Engine) Submit(ctx context.Context, req SubmitRequest) (*model.Job, error) {
	if err := validateSubmit(req); err != nil {
		return nil, err
	}

	e.mu.Lock()
	if len(e.queue)+len(req.Hosts) > e.cfg.MaxQueued {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %d tasks pending", ErrQueueFull, len(e.queue))
	}
	e.mu.Unlock()

	j := &model.Job{
		ID:          model.NewID(),
		Playbook:    req.Playbook,
		Hosts:       req.Hosts,
		Status:      model.JobQueued,
		Concurrency: req.Concurrency,
		RequestedBy: req.RequestedBy,
		CreatedAt:   time.Now().UTC(),
	}
	if err := e.store.CreateJob(ctx, j); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	e.mu.Lock()
	e.seq++
	e.jobs[j.ID] = &jobState{seq: e.seq, remaining: len(req.Hosts)}
	for i, host := range req.Hosts {
		e.enqueueLocked(&queueItem{
			jobID:       j.ID,
			host:        host,
			position:    i,
			jobSeq:      e.seq,
			attempt:     1,
			playbook:    req.Playbook,
			concurrency: req.Concurrency,
			lineSeq:     new(int),
		})
	}
	e.dispatchLocked()
	e.mu.Unlock()

	jobsSubmitted.Inc()
	e.logger.Info("job submitted",
		"job_id", j.ID,
		"playbook", j.Playbook,
		"hosts", len(j.Hosts),
		"requested_by", j.RequestedBy,
	)
	return j, nil
}

// validateSubmit enforces the admission rules: non-empty host list, no
// duplicate hosts, playbook reference in resolvable format.
func validateSubmit(req SubmitRequest) error {
	if len(req.Hosts) == 0 {
		return fmt.Errorf("%w: empty host list", ErrInvalidJob)
	}
	seen := make(map[string]bool, len(req.Hosts))
	for _, h := range req.Hosts {
		if h == "" {
			return fmt.Errorf("%w: empty host id", ErrInvalidJob)
		}
		if seen[h] {
			return fmt.Errorf("%w: duplicate host %q", ErrInvalidJob, h)
		}
		seen[h] = true
	}
	if !playbookRefPattern.MatchString(req.Playbook) || containsDotDot(req.Playbook) {
		return fmt.Errorf("%w: malformed playbook reference %q", ErrInvalidJob, req.Playbook)
	}
	if req.Concurrency < 0 {
		return fmt.Errorf("%w: negative concurrency", ErrInvalidJob)
	}
	return nil
}

func containsDotDot(ref string) bool {
	for i := 0; i+1 < len(ref); i++ {
		if ref[i] == '.' && ref[i+1] == '.' {
			return true
		}
	}
	return false
}

// Cancel marks the job cancelled, removes its pending tasks from the
// queue, and signals its running tasks to terminate. Running tasks reach
// cancelled once their runner confirms termination. Cancelling a job that
// already reached a terminal status is a no-op.
func (e *Engine) Cancel(ctx context.Context, jobID string) error {
	changed, err := e.store.MarkJobCancelled(ctx, jobID)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}

	e.mu.Lock()
	e.cancelledJob[jobID] = true

	// Sweep pending queue entries for this job.
	var swept []*queueItem
	kept := e.queue[:0]
	for _, it := range e.queue {
		if it.jobID == jobID {
			swept = append(swept, it)
		} else {
			kept = append(kept, it)
		}
	}
	e.queue = kept
	queueDepth.Set(float64(len(e.queue)))

	// Stop backoff timers; their tasks are pending in the store.
	for key, timer := range e.timers {
		if key.jobID != jobID {
			continue
		}
		if timer.Stop() {
			swept = append(swept, &queueItem{jobID: key.jobID, host: key.host})
		}
		delete(e.timers, key)
	}

	// Signal running attempts through their handles.
	for key, h := range e.handles {
		if key.jobID == jobID {
			h.cancel()
		}
	}
	e.mu.Unlock()

	now := time.Now().UTC()
	for _, it := range swept {
		_, terr := e.store.ApplyTaskTransition(ctx, it.jobID, it.host, store.TaskUpdate{
			Status:     model.TaskCancelled,
			Reason:     model.ReasonCancelled,
			FinishedAt: &now,
		})
		if terr != nil {
			e.logger.Error("cancel pending task", "job_id", it.jobID, "host", it.host, "error", terr)
			continue
		}
		e.publishTaskStatus(it.jobID, it.host, model.TaskCancelled, model.ReasonCancelled, 0, nil)
		tasksCompleted.WithLabelValues(model.TaskCancelled).Inc()
		e.taskDone(it.jobID)
	}

	e.logger.Info("job cancelled", "job_id", jobID, "pending_swept", len(swept))
	return nil
}

// Job returns a consistent snapshot of the job and its tasks.
func (e *Engine) Job(ctx context.Context, id string) (*model.Job, error) {
	return e.store.GetJob(ctx, id)
}

// Jobs returns a paginated job listing, optionally filtered by status.
func (e *Engine) Jobs(ctx context.Context, status string, limit, offset int) ([]*model.Job, int, error) {
	return e.store.ListJobs(ctx, status, limit, offset)
}

// OutputLines returns persisted output for a job, optionally for one host.
func (e *Engine) OutputLines(ctx context.Context, jobID, host string) ([]model.OutputLine, error) {
	if _, err := e.store.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	return e.store.GetOutputLines(ctx, jobID, host)
}

// Stats returns aggregate execution statistics.
func (e *Engine) Stats(ctx context.Context) (*store.JobStats, error) {
	return e.store.GetJobStats(ctx)
}

// Subscribe registers interest in a job's events. The returned channel is
// closed after the final job_completed event, or immediately if the job
// already finished.
func (e *Engine) Subscribe(jobID string) (<-chan Event, func()) {
	return e.broker.Subscribe(jobID)
}

// Wait blocks until all in-flight task goroutines complete.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Close signals all running tasks to terminate and waits for them to
// finish. The engine accepts no work afterwards.
func (e *Engine) Close() {
	e.baseCancel()
	e.wg.Wait()
}
