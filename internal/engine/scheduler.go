package engine

import (
	"context"
	"errors"
	"time"

	"github.com/tgrahn/anvil/internal/inventory"
	"github.com/tgrahn/anvil/internal/model"
	"github.com/tgrahn/anvil/internal/runner"
	"github.com/tgrahn/anvil/internal/store"
)

// queueItem is one pending task attempt waiting for dispatch. Ordering is
// FIFO by (job submission sequence, position in the job's target list),
// with job id and host as deterministic tiebreakers. Retries keep their
// original ordering key.
type queueItem struct {
	jobID       string
	host        string
	position    int
	jobSeq      int64
	attempt     int
	playbook    string
	concurrency int

	// lineSeq numbers output lines across all attempts of this task.
	lineSeq *int
}

func (a *queueItem) less(b *queueItem) bool {
	if a.jobSeq != b.jobSeq {
		return a.jobSeq < b.jobSeq
	}
	if a.position != b.position {
		return a.position < b.position
	}
	if a.jobID != b.jobID {
		return a.jobID < b.jobID
	}
	return a.host < b.host
}

// enqueueLocked inserts the item in FIFO order. Callers hold e.mu.
func (e *Engine) enqueueLocked(it *queueItem) {
	i := len(e.queue)
	for i > 0 && it.less(e.queue[i-1]) {
		i--
	}
	e.queue = append(e.queue, nil)
	copy(e.queue[i+1:], e.queue[i:])
	e.queue[i] = it
	queueDepth.Set(float64(len(e.queue)))
}

// dispatchLocked pops eligible pending tasks while free slots remain and
// launches one goroutine per dispatched task. A task is eligible when its
// host is idle, its job is under its requested concurrency, and a global
// slot is free. Callers hold e.mu.
func (e *Engine) dispatchLocked() {
	for i := 0; i < len(e.queue); {
		it := e.queue[i]

		if e.cancelledJob[it.jobID] {
			// Swept by Cancel between unlock windows; drop silently.
			e.queue = append(e.queue[:i], e.queue[i+1:]...)
			continue
		}
		if e.busyHosts[it.host] {
			i++
			continue
		}
		if it.concurrency > 0 && e.runningByJob[it.jobID] >= it.concurrency {
			i++
			continue
		}
		if !e.sem.TryAcquire(1) {
			break
		}

		e.queue = append(e.queue[:i], e.queue[i+1:]...)
		e.busyHosts[it.host] = true
		e.runningByJob[it.jobID]++
		tasksRunning.Inc()

		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.runTask(it)
		}()
	}
	queueDepth.Set(float64(len(e.queue)))
}

// releaseSlots returns the task's host and global slots and re-enters
// dispatch so waiting tasks can proceed.
func (e *Engine) releaseSlots(it *queueItem) {
	e.mu.Lock()
	delete(e.busyHosts, it.host)
	if e.runningByJob[it.jobID] > 1 {
		e.runningByJob[it.jobID]--
	} else {
		delete(e.runningByJob, it.jobID)
	}
	delete(e.handles, taskKey{it.jobID, it.host})
	e.sem.Release(1)
	tasksRunning.Dec()
	e.dispatchLocked()
	e.mu.Unlock()
}

// runTask supervises one task attempt from dispatch to a terminal status
// or a scheduled retry.
func (e *Engine) runTask(it *queueItem) {
	defer e.releaseSlots(it)
	ctx := context.Background()
	key := taskKey{it.jobID, it.host}

	e.mu.Lock()
	if e.cancelledJob[it.jobID] {
		e.mu.Unlock()
		e.finishTask(ctx, it, store.TaskUpdate{
			Status: model.TaskCancelled,
			Reason: model.ReasonCancelled,
		})
		return
	}
	taskCtx, cancel := context.WithCancel(e.baseCtx)
	start := time.Now().UTC()
	e.handles[key] = &RunnerHandle{
		JobID:     it.jobID,
		Host:      it.host,
		Attempt:   it.attempt,
		StartedAt: start,
		Deadline:  start.Add(e.cfg.Timeout),
		cancel:    cancel,
	}
	e.mu.Unlock()
	defer cancel()

	if _, err := e.transition(ctx, it, store.TaskUpdate{Status: model.TaskDispatched}); err != nil {
		// Lost the race against cancellation; the cancel path owns the
		// terminal accounting for this task.
		e.logger.Debug("dispatch transition rejected", "job_id", it.jobID, "host", it.host, "error", err)
		return
	}

	conns, err := e.registry.Resolve(taskCtx, []string{it.host})
	if err != nil {
		reason := model.ReasonRunnerError
		if errors.Is(err, inventory.ErrUnknownHost) {
			reason = model.ReasonHostUnresolved
		}
		e.logger.Warn("host resolution failed", "job_id", it.jobID, "host", it.host, "error", err)
		e.finishTask(ctx, it, store.TaskUpdate{Status: model.TaskFailed, Reason: reason})
		return
	}
	conn := conns[it.host]

	rn, err := e.runners.Resolve(conn.Transport)
	if err != nil {
		e.logger.Error("runner resolution failed", "job_id", it.jobID, "host", it.host, "error", err)
		e.finishTask(ctx, it, store.TaskUpdate{Status: model.TaskFailed, Reason: model.ReasonRunnerError})
		return
	}

	if _, err := e.transition(ctx, it, store.TaskUpdate{Status: model.TaskRunning, StartedAt: &start}); err != nil {
		e.logger.Debug("running transition rejected", "job_id", it.jobID, "host", it.host, "error", err)
		return
	}

	res, execErr := rn.Execute(taskCtx, runner.Spec{
		JobID:    it.jobID,
		Host:     it.host,
		Playbook: it.playbook,
		Conn:     conn,
		Timeout:  e.cfg.Timeout,
		LineWriter: func(line string) {
			e.emitLine(it, line)
		},
	})

	e.settle(ctx, it, taskCtx, res, execErr)
}

// settle classifies an attempt's outcome, records the transition, and
// either schedules a retry or finishes the task.
func (e *Engine) settle(ctx context.Context, it *queueItem, taskCtx context.Context, res runner.Result, execErr error) {
	now := time.Now().UTC()
	upd := store.TaskUpdate{
		ExitCode:   &res.ExitCode,
		DurationMS: &res.DurationMS,
		FinishedAt: &now,
	}

	var class FailureClass
	switch {
	case res.Cancelled:
		upd.Status = model.TaskCancelled
		upd.Reason = model.ReasonCancelled
		class = ClassNone
	case res.TimedOut:
		upd.Status = model.TaskTimedOut
		upd.Reason = model.ReasonTimeout
		class = ClassTransient
	case execErr != nil && errors.Is(taskCtx.Err(), context.Canceled):
		// Cancelled before the process could be spawned.
		upd.Status = model.TaskCancelled
		upd.Reason = model.ReasonCancelled
		class = ClassNone
	case execErr != nil:
		// The runner process could not be supervised at all.
		e.logger.Error("runner execution error", "job_id", it.jobID, "host", it.host, "error", execErr)
		upd.Status = model.TaskFailed
		upd.Reason = model.ReasonRunnerError
		class = ClassPermanent
	case res.ExitCode == 0:
		upd.Status = model.TaskSucceeded
		class = ClassNone
	default:
		upd.Status = model.TaskFailed
		upd.Reason = model.ReasonNonZeroExit
		class = ClassPermanent
		if e.transient[res.ExitCode] {
			class = ClassTransient
		}
	}

	retry, delay := e.retry.Decide(it.attempt, class)
	if retry {
		e.mu.Lock()
		cancelled := e.cancelledJob[it.jobID]
		e.mu.Unlock()
		if !cancelled {
			if _, err := e.transition(ctx, it, upd); err != nil {
				e.logger.Error("record transient failure", "job_id", it.jobID, "host", it.host, "error", err)
				return
			}
			e.scheduleRetry(it, delay)
			return
		}
		// Job cancelled while the attempt ran; fall through to terminal.
		upd.Status = model.TaskCancelled
		upd.Reason = model.ReasonCancelled
	}

	e.finishTask(ctx, it, upd)
}

// scheduleRetry re-queues the task as a fresh attempt after the backoff
// delay. The store transition back to pending happens immediately so
// status queries reflect the retry.
func (e *Engine) scheduleRetry(it *queueItem, delay time.Duration) {
	next := *it
	next.attempt = it.attempt + 1

	attempt := next.attempt
	if _, err := e.transition(context.Background(), &next, store.TaskUpdate{
		Status:  model.TaskPending,
		Attempt: &attempt,
	}); err != nil {
		e.logger.Error("requeue for retry", "job_id", it.jobID, "host", it.host, "error", err)
		return
	}
	taskRetries.Inc()
	e.logger.Info("task retry scheduled",
		"job_id", it.jobID,
		"host", it.host,
		"attempt", next.attempt,
		"delay", delay.String(),
	)

	key := taskKey{it.jobID, it.host}
	e.mu.Lock()
	e.timers[key] = time.AfterFunc(delay, func() {
		e.mu.Lock()
		delete(e.timers, key)
		if e.cancelledJob[next.jobID] {
			e.mu.Unlock()
			// Cancel raced the timer; it could not stop it, so the
			// terminal accounting lands here.
			e.finishTask(context.Background(), &next, store.TaskUpdate{
				Status: model.TaskCancelled,
				Reason: model.ReasonCancelled,
			})
			return
		}
		e.enqueueLocked(&next)
		e.dispatchLocked()
		e.mu.Unlock()
	})
	e.mu.Unlock()
}

// finishTask records a terminal transition for the task and performs the
// job-completion accounting.
func (e *Engine) finishTask(ctx context.Context, it *queueItem, upd store.TaskUpdate) {
	if upd.FinishedAt == nil {
		now := time.Now().UTC()
		upd.FinishedAt = &now
	}
	if _, err := e.transition(ctx, it, upd); err != nil {
		e.logger.Error("terminal transition failed",
			"job_id", it.jobID, "host", it.host, "status", upd.Status, "error", err)
		return
	}
	tasksCompleted.WithLabelValues(upd.Status).Inc()
	e.taskDone(it.jobID)
}

// taskDone decrements the job's outstanding-task count and, once every
// task is terminal, emits the final job_completed event and closes the
// job's event topic.
func (e *Engine) taskDone(jobID string) {
	e.mu.Lock()
	js, ok := e.jobs[jobID]
	if !ok {
		e.mu.Unlock()
		return
	}
	js.remaining--
	if js.remaining > 0 {
		e.mu.Unlock()
		return
	}
	delete(e.jobs, jobID)
	delete(e.cancelledJob, jobID)
	e.mu.Unlock()

	status := ""
	if j, err := e.store.GetJob(context.Background(), jobID); err == nil {
		status = j.Status
	} else {
		e.logger.Error("load finished job", "job_id", jobID, "error", err)
	}

	e.broker.Publish(Event{
		Type:   EventJobCompleted,
		JobID:  jobID,
		Status: status,
		Time:   time.Now().UTC(),
	})
	e.broker.Close(jobID)
	e.logger.Info("job finished", "job_id", jobID, "status", status)
}

// transition applies one task state transition to the store and publishes
// the corresponding event.
func (e *Engine) transition(ctx context.Context, it *queueItem, upd store.TaskUpdate) (string, error) {
	jobStatus, err := e.store.ApplyTaskTransition(ctx, it.jobID, it.host, upd)
	if err != nil {
		return "", err
	}
	e.publishTaskStatus(it.jobID, it.host, upd.Status, upd.Reason, it.attempt, upd.ExitCode)
	return jobStatus, nil
}

func (e *Engine) publishTaskStatus(jobID, host, status, reason string, attempt int, exitCode *int) {
	e.broker.Publish(Event{
		Type:     EventTaskStatus,
		JobID:    jobID,
		Host:     host,
		Status:   status,
		Reason:   reason,
		Attempt:  attempt,
		ExitCode: exitCode,
		Time:     time.Now().UTC(),
	})
}

// emitLine persists one output line and broadcasts it to subscribers. The
// dual write mirrors live streaming with durable history.
func (e *Engine) emitLine(it *queueItem, line string) {
	seq := *it.lineSeq
	*it.lineSeq++

	if err := e.store.InsertOutputLine(context.Background(), it.jobID, it.host, seq, line); err != nil {
		e.logger.Error("persist output line", "job_id", it.jobID, "host", it.host, "seq", seq, "error", err)
	}
	e.broker.Publish(Event{
		Type:  EventOutputLine,
		JobID: it.jobID,
		Host:  it.host,
		Seq:   seq,
		Line:  line,
		Time:  time.Now().UTC(),
	})
}
