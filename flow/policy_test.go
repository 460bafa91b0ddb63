package flow

import (
	"errors"
	"testing"
	"time"
)

func TestRetryPolicyShouldRetry(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3}
	if p.ShouldRetry(1, nil) {
		t.Fatal("ShouldRetry should be false for nil error")
	}
	if !p.ShouldRetry(1, errors.New("boom")) {
		t.Fatal("ShouldRetry should be true on attempt 1 of 3")
	}
	if p.ShouldRetry(3, errors.New("boom")) {
		t.Fatal("ShouldRetry should be false once MaxAttempts is reached")
	}
}

func TestRetryPolicyRetryablePredicate(t *testing.T) {
	permanent := errors.New("permanent")
	p := RetryPolicy{
		MaxAttempts: 5,
		Retryable: func(err error) bool {
			return err.Error() != "permanent"
		},
	}
	if p.ShouldRetry(1, permanent) {
		t.Fatal("non-retryable error should not be retried")
	}
}

func TestRetryPolicyBackoffCapsAtMaxDelay(t *testing.T) {
	p := RetryPolicy{
		MaxAttempts: 10,
		BaseDelay:   10 * time.Millisecond,
		MaxDelay:    50 * time.Millisecond,
	}
	for attempt := 1; attempt <= 8; attempt++ {
		d := p.Backoff(attempt)
		if d > p.MaxDelay+p.BaseDelay {
			t.Fatalf("Backoff(%d) = %v, exceeds cap+jitter %v", attempt, d, p.MaxDelay+p.BaseDelay)
		}
	}
}

func TestNoRetryPolicy(t *testing.T) {
	if NoRetry.ShouldRetry(1, errors.New("x")) {
		t.Fatal("NoRetry should never retry")
	}
}
