package dsl

import (
	"context"
	"fmt"
	"sync"

	"github.com/sagaflow/sagaflow/flow"
	"github.com/sagaflow/sagaflow/flow/emit"
)

// ItemOutcome is one item's result from a ForEach batch.
type ItemOutcome struct {
	Index   int
	Result  any
	Err     error
	Success bool
}

// ItemExecutor runs the per-item sub-program for one collection item and
// returns its outcome. The DSL Executor supplies this, running the branch
// returned by step.ItemProgram(item, index) through its mediator — the
// ForEach Engine itself only sequences batches and applies the failure
// policy, it never dispatches messages directly.
type ItemExecutor func(ctx context.Context, item any, index int) (any, error)

// ForEachEngine runs the batch/parallelism/resume protocol of §4.6. It
// holds no state across calls; everything it needs travels through
// RunBatches's parameters and the ForEachProgress it is handed.
//
// The bounded worker pool per batch is grounded on the teacher's
// runConcurrent in graph/engine.go (a WaitGroup plus a capped number of
// goroutines draining shared work, reporting into a buffered results
// channel) — simplified here from that function's dynamic frontier queue
// to a single fixed-size batch slice, since ForEach's unit of concurrency
// is one already-known batch rather than an open-ended graph frontier.
type ForEachEngine struct {
	Emitter emit.Emitter
}

// NewForEachEngine returns an engine. A nil emitter is replaced with
// NullEmitter.
func NewForEachEngine(emitter emit.Emitter) *ForEachEngine {
	if emitter == nil {
		emitter = emit.NewNullEmitter()
	}
	return &ForEachEngine{Emitter: emitter}
}

// RunBatches drives progress forward from progress.CurrentIndex until
// either the collection is exhausted, a StopOnFirstFailure item fails, or
// ctx is cancelled. persistBatch is called after every batch completes
// (§4.6 step 3d: "persist the ForEachProgress row and a flow snapshot"),
// before the next batch starts, so a crash mid-loop resumes at the last
// completed batch boundary rather than re-running it.
//
// stopped is true if the loop exited early (StopOnFirstFailure trip,
// context cancellation, or a persistBatch error); firstErr is the error
// that caused it, for StopOnFirstFailure to report upward as the step's
// flow-level error. ContinueOnFailure and CollectErrors never set stopped
// or firstErr for an item failure — every item is attempted regardless of
// earlier failures, and CollectErrors returns its failures in the error
// list instead.
func (e *ForEachEngine) RunBatches(
	ctx context.Context,
	flowID, flowType string,
	stepIndex int,
	progress *flow.ForEachProgress,
	items []any,
	batchSize, parallelism int,
	policy flow.FailurePolicy,
	exec ItemExecutor,
	persistBatch func(*flow.ForEachProgress) error,
) (stopped bool, firstErr error, collected []error) {
	if batchSize <= 0 {
		batchSize = 1
	}
	if parallelism <= 0 {
		parallelism = 1
	}

	total := len(items)
	for progress.CurrentIndex < total {
		select {
		case <-ctx.Done():
			return true, ctx.Err(), collected
		default:
		}

		batchStart := progress.CurrentIndex
		var pending []int
		for i := batchStart; i < total && len(pending) < batchSize; i++ {
			if !progress.Done(i) {
				pending = append(pending, i)
			}
		}
		if len(pending) == 0 {
			// Every index up to batchSize was already attempted (pure
			// resume case); advance past them without doing any work.
			progress.CurrentIndex = batchStart + batchSize
			if progress.CurrentIndex > total {
				progress.CurrentIndex = total
			}
			continue
		}

		outcomes := e.runBatch(ctx, pending, items, parallelism, exec)

		var batchErr error
		for _, o := range outcomes {
			if o.Success {
				progress.MarkCompleted(o.Index)
				continue
			}
			progress.MarkFailed(o.Index)
			if batchErr == nil {
				batchErr = o.Err
			}
			if policy == flow.CollectErrors {
				collected = append(collected, fmt.Errorf("item %d: %w", o.Index, o.Err))
			}
		}
		progress.Advance()

		if err := persistBatch(progress); err != nil {
			return true, err, collected
		}

		e.Emitter.Emit(emit.Event{
			FlowID: flowID, FlowType: flowType,
			Msg: "foreach_batch", Meta: map[string]interface{}{
				"step":          stepIndex,
				"current_index": progress.CurrentIndex,
				"total":         total,
			},
		})

		if batchErr != nil && policy == flow.StopOnFirstFailure {
			return true, batchErr, collected
		}
	}

	// ContinueOnFailure and CollectErrors both run every item regardless of
	// earlier failures and never fail the loop itself (§4.6 step 3c):
	// CollectErrors' failures are reported via collected for the caller to
	// fold into state, not as a flow-level error.
	return false, nil, collected
}

// runBatch executes pending indices against items with up to parallelism
// concurrent workers, returning outcomes in index-ascending order
// regardless of completion order (so caller-side MarkCompleted/MarkFailed
// ordering stays deterministic across runs).
func (e *ForEachEngine) runBatch(ctx context.Context, pending []int, items []any, parallelism int, exec ItemExecutor) []ItemOutcome {
	outcomes := make([]ItemOutcome, len(pending))
	sem := make(chan struct{}, parallelism)
	var wg sync.WaitGroup

	for slot, index := range pending {
		wg.Add(1)
		sem <- struct{}{}
		go func(slot, index int) {
			defer wg.Done()
			defer func() { <-sem }()
			result, err := exec(ctx, items[index], index)
			outcomes[slot] = ItemOutcome{Index: index, Result: result, Err: err, Success: err == nil}
		}(slot, index)
	}
	wg.Wait()
	return outcomes
}
