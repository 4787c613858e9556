package model

import (
	"regexp"
	"testing"
)

// crockfordBase32 matches valid ULID strings (26 chars, Crockford Base32 alphabet).
var crockfordBase32 = regexp.MustCompile(`^[0123456789ABCDEFGHJKMNPQRSTVWXYZ]{26}$`)

func TestNewIDFormat(t *testing.T) {
	id := NewID()
	if !crockfordBase32.MatchString(id) {
		t.Errorf("NewID() = %q, does not match Crockford Base32 ULID format", id)
	}
}

func TestNewIDUniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewID()
		if seen[id] {
			t.Fatalf("NewID() produced duplicate: %s", id)
		}
		seen[id] = true
	}
}

func TestValidTaskTransitions(t *testing.T) {
	allowed := []struct{ from, to string }{
		{TaskPending, TaskDispatched},
		{TaskPending, TaskFailed},
		{TaskPending, TaskCancelled},
		{TaskDispatched, TaskRunning},
		{TaskDispatched, TaskCancelled},
		{TaskRunning, TaskSucceeded},
		{TaskRunning, TaskFailed},
		{TaskRunning, TaskTimedOut},
		{TaskRunning, TaskCancelled},
		{TaskFailed, TaskPending},
		{TaskTimedOut, TaskPending},
	}
	for _, tr := range allowed {
		if !ValidTaskTransition(tr.from, tr.to) {
			t.Errorf("ValidTaskTransition(%q, %q) = false, want true", tr.from, tr.to)
		}
	}

	forbidden := []struct{ from, to string }{
		{TaskRunning, TaskPending},
		{TaskSucceeded, TaskPending},
		{TaskSucceeded, TaskRunning},
		{TaskCancelled, TaskPending},
		{TaskCancelled, TaskRunning},
		{TaskPending, TaskSucceeded},
		{TaskDispatched, TaskSucceeded},
		{"bogus", TaskRunning},
	}
	for _, tr := range forbidden {
		if ValidTaskTransition(tr.from, tr.to) {
			t.Errorf("ValidTaskTransition(%q, %q) = true, want false", tr.from, tr.to)
		}
	}
}

func TestTerminalPredicates(t *testing.T) {
	for _, st := range []string{TaskSucceeded, TaskFailed, TaskTimedOut, TaskCancelled} {
		if !TerminalTask(st) {
			t.Errorf("TerminalTask(%q) = false, want true", st)
		}
	}
	for _, st := range []string{TaskPending, TaskDispatched, TaskRunning} {
		if TerminalTask(st) {
			t.Errorf("TerminalTask(%q) = true, want false", st)
		}
	}
	for _, st := range []string{JobSucceeded, JobFailed, JobPartiallyFailed, JobCancelled} {
		if !TerminalJob(st) {
			t.Errorf("TerminalJob(%q) = false, want true", st)
		}
	}
	for _, st := range []string{JobQueued, JobRunning} {
		if TerminalJob(st) {
			t.Errorf("TerminalJob(%q) = true, want false", st)
		}
	}
}

func TestAggregateStatus(t *testing.T) {
	cases := []struct {
		name  string
		tasks []string
		want  string
	}{
		{"no tasks", nil, JobQueued},
		{"all pending", []string{TaskPending, TaskPending}, JobQueued},
		{"one running", []string{TaskPending, TaskRunning}, JobRunning},
		{"dispatched counts as running", []string{TaskDispatched}, JobRunning},
		{"pending with a finished sibling", []string{TaskPending, TaskSucceeded}, JobRunning},
		{"all succeeded", []string{TaskSucceeded, TaskSucceeded}, JobSucceeded},
		{"all failed", []string{TaskFailed, TaskTimedOut}, JobFailed},
		{"mixed outcome", []string{TaskSucceeded, TaskFailed}, JobPartiallyFailed},
		{"mixed with timeout", []string{TaskSucceeded, TaskTimedOut, TaskSucceeded}, JobPartiallyFailed},
		{"all cancelled", []string{TaskCancelled, TaskCancelled}, JobCancelled},
		{"succeeded plus cancelled", []string{TaskSucceeded, TaskCancelled}, JobSucceeded},
		{"failed plus cancelled", []string{TaskFailed, TaskCancelled}, JobFailed},
		{"succeeded failed cancelled", []string{TaskSucceeded, TaskFailed, TaskCancelled}, JobPartiallyFailed},
	}
	for _, tc := range cases {
		if got := AggregateStatus(tc.tasks); got != tc.want {
			t.Errorf("%s: AggregateStatus(%v) = %q, want %q", tc.name, tc.tasks, got, tc.want)
		}
	}
}

// AggregateStatus must be deterministic in the multiset of statuses, not
// their order.
func TestAggregateStatusOrderIndependent(t *testing.T) {
	a := []string{TaskSucceeded, TaskFailed, TaskCancelled, TaskSucceeded}
	b := []string{TaskCancelled, TaskSucceeded, TaskSucceeded, TaskFailed}
	if AggregateStatus(a) != AggregateStatus(b) {
		t.Errorf("AggregateStatus depends on order: %q vs %q", AggregateStatus(a), AggregateStatus(b))
	}
}
