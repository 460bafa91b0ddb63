package flow

import (
	"math"
	"math/rand"
	"time"
)

// RetryPolicy configures automatic, in-process retry of a single step
// dispatch (a Send/Query call through the Mediator) before the executor
// treats the attempt as a final success or failure. It sits strictly before
// the compensation/IfFail/Optional decision in §7: retries are a transient-
// transport concern, not a flow-level failure, so they never themselves
// trigger compensation.
//
// Grounded on the teacher's graph/policy.go RetryPolicy, adapted from
// per-node graph retry to per-step saga/DSL retry: the exponential-backoff-
// with-jitter formula is unchanged.
type RetryPolicy struct {
	// MaxAttempts is the maximum number of dispatch attempts, including the
	// first. A value <= 1 means no retries.
	MaxAttempts int

	// BaseDelay is the base delay for exponential backoff between retries.
	BaseDelay time.Duration

	// MaxDelay caps the computed backoff delay.
	MaxDelay time.Duration

	// Retryable decides whether a given error should be retried. If nil,
	// every error is considered retryable (callers that want some errors to
	// fail fast must supply a predicate).
	Retryable func(error) bool
}

// NoRetry is the zero-retry policy: a single attempt, no backoff.
var NoRetry = RetryPolicy{MaxAttempts: 1}

// ShouldRetry reports whether attempt (1-based, the attempt that just
// failed) should be followed by another, given err.
func (p RetryPolicy) ShouldRetry(attempt int, err error) bool {
	if err == nil {
		return false
	}
	if p.MaxAttempts <= 1 || attempt >= p.MaxAttempts {
		return false
	}
	if p.Retryable != nil && !p.Retryable(err) {
		return false
	}
	return true
}

// Backoff computes the delay before the next attempt using exponential
// backoff with jitter: delay = min(base * 2^(attempt-1), maxDelay) +
// jitter(0, base). attempt is 1-based (the attempt number that just
// failed).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	delay := float64(p.BaseDelay) * math.Pow(2, float64(attempt-1))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	jitter := rand.Float64() * float64(p.BaseDelay) //nolint:gosec // timing jitter, not security-sensitive
	return time.Duration(delay + jitter)
}
