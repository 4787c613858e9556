package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tgrahn/anvil/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func makeTestJob(hosts ...string) *model.Job {
	return &model.Job{
		ID:          model.NewID(),
		Playbook:    "deploy.yml",
		Hosts:       hosts,
		Status:      model.JobQueued,
		RequestedBy: "tester",
		CreatedAt:   time.Now().UTC().Truncate(time.Second),
	}
}

func TestCreateAndGetJob(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	j := makeTestJob("h1", "h2", "h3")

	if err := s.CreateJob(ctx, j); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	got, err := s.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}

	if got.ID != j.ID {
		t.Errorf("ID = %q, want %q", got.ID, j.ID)
	}
	if got.Playbook != "deploy.yml" {
		t.Errorf("Playbook = %q, want deploy.yml", got.Playbook)
	}
	if got.Status != model.JobQueued {
		t.Errorf("Status = %q, want queued", got.Status)
	}
	if len(got.Tasks) != 3 {
		t.Fatalf("len(Tasks) = %d, want 3", len(got.Tasks))
	}
	for i, host := range []string{"h1", "h2", "h3"} {
		task := got.Tasks[i]
		if task.Host != host {
			t.Errorf("Tasks[%d].Host = %q, want %q (position order)", i, task.Host, host)
		}
		if task.Status != model.TaskPending {
			t.Errorf("Tasks[%d].Status = %q, want pending", i, task.Status)
		}
		if task.Attempt != 1 {
			t.Errorf("Tasks[%d].Attempt = %d, want 1", i, task.Attempt)
		}
	}
	if len(got.Hosts) != 3 || got.Hosts[0] != "h1" {
		t.Errorf("Hosts = %v, want [h1 h2 h3]", got.Hosts)
	}
}

func TestGetJobNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetJob(context.Background(), "nonexistent")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("GetJob error = %v, want ErrNotFound", err)
	}
}

func TestApplyTaskTransitionRecomputesAggregate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	j := makeTestJob("h1", "h2")
	if err := s.CreateJob(ctx, j); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	// h1 dispatched: job should be running.
	jobStatus, err := s.ApplyTaskTransition(ctx, j.ID, "h1", TaskUpdate{Status: model.TaskDispatched})
	if err != nil {
		t.Fatalf("ApplyTaskTransition: %v", err)
	}
	if jobStatus != model.JobRunning {
		t.Errorf("job status after dispatch = %q, want running", jobStatus)
	}

	// h1 running then succeeded: job still running (h2 pending).
	if _, err := s.ApplyTaskTransition(ctx, j.ID, "h1", TaskUpdate{Status: model.TaskRunning}); err != nil {
		t.Fatalf("to running: %v", err)
	}
	code := 0
	jobStatus, err = s.ApplyTaskTransition(ctx, j.ID, "h1", TaskUpdate{Status: model.TaskSucceeded, ExitCode: &code})
	if err != nil {
		t.Fatalf("to succeeded: %v", err)
	}
	if jobStatus != model.JobRunning {
		t.Errorf("job status with pending sibling = %q, want running", jobStatus)
	}

	// h2 fails through the full lifecycle: mixed outcome.
	for _, st := range []string{model.TaskDispatched, model.TaskRunning, model.TaskFailed} {
		if jobStatus, err = s.ApplyTaskTransition(ctx, j.ID, "h2", TaskUpdate{Status: st}); err != nil {
			t.Fatalf("h2 to %s: %v", st, err)
		}
	}
	if jobStatus != model.JobPartiallyFailed {
		t.Errorf("job status after mixed outcome = %q, want partially_failed", jobStatus)
	}

	got, err := s.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != model.JobPartiallyFailed {
		t.Errorf("persisted job status = %q, want partially_failed", got.Status)
	}
	if got.FinishedAt == nil {
		t.Error("FinishedAt not set on terminal job")
	}
	if got.Tasks[0].ExitCode == nil || *got.Tasks[0].ExitCode != 0 {
		t.Errorf("h1 exit code = %v, want 0", got.Tasks[0].ExitCode)
	}
}

func TestApplyTaskTransitionRejectsInvalid(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	j := makeTestJob("h1")
	if err := s.CreateJob(ctx, j); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	// pending -> succeeded skips dispatched/running.
	_, err := s.ApplyTaskTransition(ctx, j.ID, "h1", TaskUpdate{Status: model.TaskSucceeded})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("error = %v, want ErrInvalidTransition", err)
	}

	_, err = s.ApplyTaskTransition(ctx, j.ID, "ghost", TaskUpdate{Status: model.TaskDispatched})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown host error = %v, want ErrNotFound", err)
	}
}

func TestRetryTransitionIncrementsAttempt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	j := makeTestJob("h1")
	if err := s.CreateJob(ctx, j); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	for _, st := range []string{model.TaskDispatched, model.TaskRunning, model.TaskTimedOut} {
		if _, err := s.ApplyTaskTransition(ctx, j.ID, "h1", TaskUpdate{Status: st}); err != nil {
			t.Fatalf("to %s: %v", st, err)
		}
	}

	attempt := 2
	jobStatus, err := s.ApplyTaskTransition(ctx, j.ID, "h1", TaskUpdate{Status: model.TaskPending, Attempt: &attempt})
	if err != nil {
		t.Fatalf("retry to pending: %v", err)
	}
	if jobStatus != model.JobQueued {
		t.Errorf("job status after retry re-queue = %q, want queued", jobStatus)
	}

	got, _ := s.GetJob(ctx, j.ID)
	if got.Tasks[0].Attempt != 2 {
		t.Errorf("attempt = %d, want 2", got.Tasks[0].Attempt)
	}
	if got.Tasks[0].Status != model.TaskPending {
		t.Errorf("status = %q, want pending", got.Tasks[0].Status)
	}
}

func TestMarkJobCancelledIsSticky(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	j := makeTestJob("h1", "h2")
	if err := s.CreateJob(ctx, j); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	changed, err := s.MarkJobCancelled(ctx, j.ID)
	if err != nil {
		t.Fatalf("MarkJobCancelled: %v", err)
	}
	if !changed {
		t.Error("changed = false, want true")
	}

	// A task finishing after cancellation must not resurrect the job status.
	for _, st := range []string{model.TaskDispatched, model.TaskRunning, model.TaskSucceeded} {
		if _, err := s.ApplyTaskTransition(ctx, j.ID, "h1", TaskUpdate{Status: st}); err != nil {
			t.Fatalf("h1 to %s: %v", st, err)
		}
	}
	got, _ := s.GetJob(ctx, j.ID)
	if got.Status != model.JobCancelled {
		t.Errorf("job status = %q, want cancelled to stick", got.Status)
	}

	// Cancelling a terminal job is a no-op.
	changed, err = s.MarkJobCancelled(ctx, j.ID)
	if err != nil {
		t.Fatalf("second MarkJobCancelled: %v", err)
	}
	if changed {
		t.Error("changed = true for already-cancelled job")
	}

	_, err = s.MarkJobCancelled(ctx, "nonexistent")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown id error = %v, want ErrNotFound", err)
	}
}

func TestListJobsFilterAndPagination(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		j := makeTestJob("h1")
		j.CreatedAt = time.Now().UTC().Add(time.Duration(i) * time.Second).Truncate(time.Second)
		if err := s.CreateJob(ctx, j); err != nil {
			t.Fatalf("CreateJob[%d]: %v", i, err)
		}
	}

	jobs, total, err := s.ListJobs(ctx, "", 2, 0)
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if total != 5 {
		t.Errorf("total = %d, want 5", total)
	}
	if len(jobs) != 2 {
		t.Errorf("len(jobs) = %d, want 2", len(jobs))
	}

	queued, total, err := s.ListJobs(ctx, model.JobQueued, 10, 0)
	if err != nil {
		t.Fatalf("ListJobs(queued): %v", err)
	}
	if total != 5 || len(queued) != 5 {
		t.Errorf("queued filter: total=%d len=%d, want 5/5", total, len(queued))
	}

	none, total, err := s.ListJobs(ctx, model.JobFailed, 10, 0)
	if err != nil {
		t.Fatalf("ListJobs(failed): %v", err)
	}
	if total != 0 || len(none) != 0 {
		t.Errorf("failed filter: total=%d len=%d, want 0/0", total, len(none))
	}
}

func TestOutputLines(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	j := makeTestJob("h1", "h2")
	if err := s.CreateJob(ctx, j); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	for i, line := range []string{"PLAY [all]", "TASK [ping]", "ok: [h1]"} {
		if err := s.InsertOutputLine(ctx, j.ID, "h1", i, line); err != nil {
			t.Fatalf("InsertOutputLine[%d]: %v", i, err)
		}
	}
	if err := s.InsertOutputLine(ctx, j.ID, "h2", 0, "ok: [h2]"); err != nil {
		t.Fatalf("InsertOutputLine h2: %v", err)
	}

	h1Lines, err := s.GetOutputLines(ctx, j.ID, "h1")
	if err != nil {
		t.Fatalf("GetOutputLines(h1): %v", err)
	}
	if len(h1Lines) != 3 {
		t.Fatalf("h1 lines = %d, want 3", len(h1Lines))
	}
	for i, l := range h1Lines {
		if l.Seq != i {
			t.Errorf("line %d seq = %d, want %d", i, l.Seq, i)
		}
	}

	all, err := s.GetOutputLines(ctx, j.ID, "")
	if err != nil {
		t.Fatalf("GetOutputLines(all): %v", err)
	}
	if len(all) != 4 {
		t.Errorf("all lines = %d, want 4", len(all))
	}
}

func TestGetJobStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	j := makeTestJob("h1")
	if err := s.CreateJob(ctx, j); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	dur := 120
	for _, upd := range []TaskUpdate{
		{Status: model.TaskDispatched},
		{Status: model.TaskRunning},
		{Status: model.TaskSucceeded, DurationMS: &dur},
	} {
		if _, err := s.ApplyTaskTransition(ctx, j.ID, "h1", upd); err != nil {
			t.Fatalf("transition %s: %v", upd.Status, err)
		}
	}

	stats, err := s.GetJobStats(ctx)
	if err != nil {
		t.Fatalf("GetJobStats: %v", err)
	}
	if stats.Total != 1 {
		t.Errorf("Total = %d, want 1", stats.Total)
	}
	if stats.CountByStatus[model.JobSucceeded] != 1 {
		t.Errorf("CountByStatus = %v, want 1 succeeded", stats.CountByStatus)
	}
	if stats.TasksByStatus[model.TaskSucceeded] != 1 {
		t.Errorf("TasksByStatus = %v, want 1 succeeded", stats.TasksByStatus)
	}
	if stats.AvgTaskDurationMS != 120 {
		t.Errorf("AvgTaskDurationMS = %v, want 120", stats.AvgTaskDurationMS)
	}
}
