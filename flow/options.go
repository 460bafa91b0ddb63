package flow

import (
	"fmt"
	"time"
)

// Options carries the tunables shared by the Linear Saga Executor and the
// DSL Executor: how aggressively to heartbeat, how stale a lease must be
// before another node may claim it, and the ForEach parallelism cap.
//
// Grounded on the teacher's graph/options.go functional-options pattern
// (WithMaxConcurrent, WithMaxSteps, ...): a plain Options struct with
// sensible defaults, layered with chainable Option funcs for the common
// overrides.
type Options struct {
	// HeartbeatInterval is how often the owning node refreshes its lease.
	// §5 REQUIRES HeartbeatInterval < ClaimTimeout/3.
	HeartbeatInterval time.Duration

	// ClaimTimeout is the staleness threshold: tryClaim only selects rows
	// whose heartbeat is older than this (or whose owner is null).
	ClaimTimeout time.Duration

	// MaxForEachParallelism bounds per-batch concurrent item execution when
	// a ForEach step does not specify its own Parallelism.
	MaxForEachParallelism int

	// MaxCASRetries bounds how many times the executor retries a step's
	// persist-at-boundary CAS update before treating it as a lost lease
	// (§4.4 step 4: "If CAS fails: reload; ... otherwise the only
	// legitimate cause is a lost lease — abort").
	MaxCASRetries int
}

// DefaultOptions returns the module's default tunables. HeartbeatInterval is
// a quarter of ClaimTimeout, satisfying §5's required inequality with margin.
func DefaultOptions() Options {
	return Options{
		HeartbeatInterval:     5 * time.Second,
		ClaimTimeout:          20 * time.Second,
		MaxForEachParallelism: 4,
		MaxCASRetries:         1,
	}
}

// Validate checks the §5 heartbeat/claim-timeout inequality and other basic
// sanity constraints.
func (o Options) Validate() error {
	if o.ClaimTimeout <= 0 {
		return fmt.Errorf("flow: ClaimTimeout must be positive")
	}
	if o.HeartbeatInterval <= 0 {
		return fmt.Errorf("flow: HeartbeatInterval must be positive")
	}
	if o.HeartbeatInterval >= o.ClaimTimeout/3 {
		return fmt.Errorf("flow: HeartbeatInterval (%v) must be < ClaimTimeout/3 (%v)", o.HeartbeatInterval, o.ClaimTimeout/3)
	}
	if o.MaxForEachParallelism < 1 {
		return fmt.Errorf("flow: MaxForEachParallelism must be >= 1")
	}
	return nil
}

// Option mutates an Options value; functional options layer on top of
// DefaultOptions(), mirroring the teacher's With* pattern.
type Option func(*Options)

// WithHeartbeatInterval overrides the heartbeat cadence.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(o *Options) { o.HeartbeatInterval = d }
}

// WithClaimTimeout overrides the lease staleness threshold.
func WithClaimTimeout(d time.Duration) Option {
	return func(o *Options) { o.ClaimTimeout = d }
}

// WithMaxForEachParallelism overrides the default ForEach concurrency cap.
func WithMaxForEachParallelism(n int) Option {
	return func(o *Options) { o.MaxForEachParallelism = n }
}

// WithMaxCASRetries overrides how many times a boundary persist is retried
// after a CAS conflict before the executor aborts the run.
func WithMaxCASRetries(n int) Option {
	return func(o *Options) { o.MaxCASRetries = n }
}

// Apply builds an Options value from DefaultOptions() plus the given
// overrides.
func Apply(opts ...Option) Options {
	o := DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
