package engine

import "time"

// FailureClass classifies a finished task attempt for retry purposes.
type FailureClass int

const (
	// ClassNone means the attempt did not fail.
	ClassNone FailureClass = iota
	// ClassTransient failures (timeouts, designated exit codes) are
	// eligible for automatic retry.
	ClassTransient
	// ClassPermanent failures are terminal; no retry.
	ClassPermanent
)

// Default retry policy values.
const (
	DefaultMaxAttempts = 3
	DefaultBackoffBase = 2 * time.Second
	DefaultBackoffCap  = 60 * time.Second
)

// RetryPolicy decides whether a failed attempt is retried and after how
// long. Decide is a pure function of (attempt, class) so the policy can be
// tested in isolation.
type RetryPolicy struct {
	MaxAttempts int
	Base        time.Duration
	Cap         time.Duration
}

// Decide reports whether the attempt with the given 1-based number and
// failure classification should be retried, and the backoff delay before
// the next attempt. The delay doubles per attempt and is capped.
func (p RetryPolicy) Decide(attempt int, class FailureClass) (bool, time.Duration) {
	if class != ClassTransient {
		return false, 0
	}
	if attempt >= p.MaxAttempts {
		return false, 0
	}

	base := p.Base
	if base <= 0 {
		base = DefaultBackoffBase
	}
	ceiling := p.Cap
	if ceiling <= 0 {
		ceiling = DefaultBackoffCap
	}

	delay := base << (attempt - 1)
	if delay > ceiling || delay <= 0 {
		delay = ceiling
	}
	return true, delay
}
