package dsl

import (
	"context"
	"time"

	"github.com/sagaflow/sagaflow/flow"
)

// TimeoutSweeper drives the Wait Coordinator's Timeout phase (§4.7) on a
// fixed interval: spec.md specifies what a timeout sweep does, not what
// calls it on a schedule, so this is the driver loop that does.
//
// Grounded on the teacher's background-goroutine shape in graph/engine.go
// (a time.Ticker paired with a context.Context for cancellation, guarded by
// a sync.WaitGroup so Stop can block until the loop has actually exited) —
// the same shape Executor.heartbeatLoop already reuses for lease renewal.
type TimeoutSweeper struct {
	Coordinator *WaitCoordinator
	Interval    time.Duration
	OnTimeout   func(flow.WaitCondition) error

	cancel context.CancelFunc
	done   chan struct{}
}

// NewTimeoutSweeper builds a sweeper that calls coordinator.SweepTimeouts
// every interval, invoking onTimeout for each condition past its deadline.
func NewTimeoutSweeper(coordinator *WaitCoordinator, interval time.Duration, onTimeout func(flow.WaitCondition) error) *TimeoutSweeper {
	return &TimeoutSweeper{Coordinator: coordinator, Interval: interval, OnTimeout: onTimeout}
}

// Start runs the sweep loop in a new goroutine until ctx is cancelled or
// Stop is called. Calling Start twice without an intervening Stop starts a
// second loop and replaces the stored cancel func and done channel, so a
// later Stop stops only the most recently started loop.
func (s *TimeoutSweeper) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				_ = s.Coordinator.SweepTimeouts(ctx, now, s.OnTimeout)
			}
		}
	}()
}

// Stop cancels the sweep loop and blocks until it has exited.
func (s *TimeoutSweeper) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
}
