// Package saga implements the Linear Saga Engine (§4.2, §4.8): an ordered
// list of (forward, compensation) steps driven to completion, or unwound in
// LIFO order on the first forward-step failure.
package saga

import (
	"context"
	"fmt"
	"time"

	"github.com/sagaflow/sagaflow/flow"
)

// StepResult is what a single forward step or compensation reports back to
// the Runner.
type StepResult struct {
	Success bool
	Err     error
}

// Step is one entry in a linear saga's program: a forward action and its
// optional compensation. Compensation is nil for steps that need no
// rollback (e.g. a pure read).
type Step struct {
	// Name identifies the step for events and error messages.
	Name string

	// Forward runs the step's main action.
	Forward func(ctx context.Context) StepResult

	// Compensation undoes Forward's effect. Invoked only if a later step
	// fails and this step already completed successfully. A failing
	// Compensation is recorded but does not stop the remaining rollbacks
	// (§4.8).
	Compensation func(ctx context.Context) StepResult

	// Retry governs automatic re-dispatch of Forward on failure before
	// that failure is treated as the step's final outcome and compensation
	// begins unwinding (§7: retries sit strictly before the compensation
	// decision). The zero value behaves like flow.NoRetry.
	Retry flow.RetryPolicy
}

// RunResult is what Runner.Run / Runner.ExecuteFrom returns to the
// executor that's driving it under a claimed lease.
type RunResult struct {
	// Success is true iff every forward step (from the start index onward)
	// completed successfully.
	Success bool

	// CompletedSteps is one past the index of the last successfully
	// executed forward step — §4.2's "determinism of step numbering".
	CompletedSteps int

	// Err is the forward-step error that stopped the sweep, if any.
	Err error

	// Cancelled is true if the run stopped because ctx was cancelled
	// rather than because a step failed.
	Cancelled bool

	// CompensationErrs collects every compensation that itself failed
	// while unwinding, in the order they were attempted (reverse index
	// order). Logged, never fatal to the overall rollback (§4.8).
	CompensationErrs []error
}

// Runner drives a fixed, ordered list of Steps forward, compensating in
// reverse on the first failure.
type Runner struct {
	Steps []Step
}

// NewRunner builds a Runner over steps, in forward execution order.
func NewRunner(steps []Step) *Runner {
	return &Runner{Steps: steps}
}

// Run executes the whole program from index 0. Equivalent to
// ExecuteFrom(ctx, 0).
func (r *Runner) Run(ctx context.Context) RunResult {
	return r.ExecuteFrom(ctx, 0)
}

// ExecuteFrom skips the first k forward steps entirely — no compensation is
// registered for them, matching §4.2: "executeFrom(k) skips the first k
// forward steps entirely (no compensation is registered for them) and
// resumes from index k." This is how a resumed saga avoids re-running (and
// re-compensating) steps a prior lease already completed.
func (r *Runner) ExecuteFrom(ctx context.Context, k int) RunResult {
	completed := make([]int, 0, len(r.Steps)-k)

	for i := k; i < len(r.Steps); i++ {
		select {
		case <-ctx.Done():
			return r.compensate(ctx, completed, RunResult{
				Success:        false,
				CompletedSteps: i,
				Cancelled:      true,
			})
		default:
		}

		step := r.Steps[i]
		res := r.dispatch(ctx, step)
		if !res.Success {
			err := res.Err
			if err == nil {
				err = fmt.Errorf("saga: step %q failed", step.Name)
			}
			return r.compensate(ctx, completed, RunResult{
				Success:        false,
				CompletedSteps: i,
				Err:            err,
			})
		}
		completed = append(completed, i)
	}

	return RunResult{Success: true, CompletedSteps: len(r.Steps)}
}

// dispatch runs step.Forward, retrying per step.Retry (§7) until it
// succeeds, exhausts MaxAttempts, or ctx is cancelled during the backoff
// wait.
func (r *Runner) dispatch(ctx context.Context, step Step) StepResult {
	attempt := 1
	for {
		res := step.Forward(ctx)
		if res.Success || !step.Retry.ShouldRetry(attempt, res.Err) {
			return res
		}
		if delay := step.Retry.Backoff(attempt); delay > 0 {
			select {
			case <-ctx.Done():
				return res
			case <-time.After(delay):
			}
		}
		attempt++
	}
}

// compensate pops completed indices in reverse order, dispatching each
// step's Compensation (if any). A failing compensation is recorded in
// CompensationErrs but never stops the remaining ones from running.
func (r *Runner) compensate(ctx context.Context, completed []int, result RunResult) RunResult {
	for i := len(completed) - 1; i >= 0; i-- {
		idx := completed[i]
		step := r.Steps[idx]
		if step.Compensation == nil {
			continue
		}
		res := step.Compensation(ctx)
		if !res.Success {
			err := res.Err
			if err == nil {
				err = fmt.Errorf("saga: compensation for step %q failed", step.Name)
			}
			result.CompensationErrs = append(result.CompensationErrs, err)
		}
	}
	return result
}
