package dsl

import (
	"context"
	"fmt"
	"time"

	"github.com/sagaflow/sagaflow/flow"
	"github.com/sagaflow/sagaflow/flow/emit"
	"github.com/sagaflow/sagaflow/mediator"
)

// WaitStore is the slice of Store[T] the Wait Coordinator needs.
// flow.WaitCondition carries no application-state type parameter, so every
// Store[T] (for any T) already satisfies this narrower interface
// structurally — the coordinator never needs to know the parent flow's
// concrete state type.
type WaitStore interface {
	SetWaitCondition(ctx context.Context, condition flow.WaitCondition) error
	GetWaitCondition(ctx context.Context, correlationID string) (flow.WaitCondition, error)
	UpdateWaitCondition(ctx context.Context, correlationID string, mutate func(*flow.WaitCondition) error) (flow.WaitCondition, error)
	ClearWaitCondition(ctx context.Context, correlationID string) error
	GetTimedOutWaitConditions(ctx context.Context, now time.Time) ([]flow.WaitCondition, error)
}

// CancelChildRequested is published once per sibling when a WhenAny step's
// winning child triggers cancelOthers (§4.7 step 5).
type CancelChildRequested struct {
	ChildFlowID   string
	CorrelationID string
}

// ChildFlowStarted is dispatched as the start message for one child of a
// WhenAll/WhenAny fan-out, carrying what the child needs to report back
// through the same correlation (§4.7 step 3b).
type ChildFlowStarted struct {
	ParentFlowID  string
	CorrelationID string
	ChildFlowID   string
	Start         any // the ChildFactory's built message
}

// WaitCoordinator implements the Spawn/Completion/Timeout phases of §4.7.
// It owns the WaitCondition bookkeeping only; transitioning the parent
// FlowSnapshot itself (which needs the parent's concrete state type) stays
// with the DSL Executor, which calls back in via the callbacks each method
// here takes.
//
// Grounded on flow/waitcondition.go's Satisfied/Succeeded/FirstSuccess/
// OthersToCancel (already resolved Open Question 2 there); the fan-out
// dispatch loop mirrors the teacher's `Route.Many` fan-out handling in
// graph/engine.go's runConcurrent, generalized from static graph edges to
// dynamically generated child flow ids.
type WaitCoordinator struct {
	Store    WaitStore
	Mediator mediator.Mediator
	Emitter  emit.Emitter

	// Resume is called once a condition becomes Satisfied and has been
	// cleared by Resolve: it transitions the parent snapshot back to
	// Running, applies the step's result mapping, advances Position past
	// the Wait step, and re-invokes the owning Executor (§4.7 step 5c/5d).
	// Set by the generic Executor at construction time — this
	// non-generic coordinator cannot call back into Executor[T].Execute
	// directly, so the closure is how that boundary is crossed (the same
	// pattern as the MessageFactory/IntoMapper func(any) any hooks in
	// dsl/step.go). Nil is a legal no-op for a coordinator used only to
	// inspect WaitConditions without driving resumption.
	Resume func(ctx context.Context, cond flow.WaitCondition) error
}

// NewWaitCoordinator builds a coordinator over st and m. A nil emitter is
// replaced with NullEmitter.
func NewWaitCoordinator(st WaitStore, m mediator.Mediator, emitter emit.Emitter) *WaitCoordinator {
	if emitter == nil {
		emitter = emit.NewNullEmitter()
	}
	return &WaitCoordinator{Store: st, Mediator: m, Emitter: emitter}
}

// Spawn executes the Spawn phase (§4.7 steps 1-4): builds the
// correlationId, generates a childFlowId per factory, persists the
// WaitCondition, and only then dispatches each child's start message. The
// condition must be durable before any child can possibly report back —
// dispatching first would let a fast child's completion race
// HandleFlowCompleted's Store.GetWaitCondition against this function's own
// SetWaitCondition and be dropped as "no condition exists" (§4.7
// "Idempotence" assumes the condition already exists by the time a result
// can arrive). The caller is responsible for transitioning and persisting
// the parent snapshot to Suspended immediately afterward (step 4's other
// half).
func (w *WaitCoordinator) Spawn(ctx context.Context, flowID, flowType string, stepIndex int, waitType flow.WaitType, children []ChildFactory, timeout time.Duration, cancelOthers bool, state any) (flow.WaitCondition, error) {
	correlationID := fmt.Sprintf("%s-step-%d", flowID, stepIndex)
	cond := flow.WaitCondition{
		CorrelationID: correlationID,
		Type:          waitType,
		ExpectedCount: len(children),
		Timeout:       timeout,
		CreatedAt:     time.Now(),
		CancelOthers:  cancelOthers,
		FlowID:        flowID,
		FlowType:      flowType,
		Step:          stepIndex,
	}

	starts := make([]ChildFlowStarted, 0, len(children))
	for _, factory := range children {
		childFlowID := fmt.Sprintf("%s-child-%d", correlationID, len(cond.ChildFlowIDs))
		cond.ChildFlowIDs = append(cond.ChildFlowIDs, childFlowID)
		starts = append(starts, ChildFlowStarted{
			ParentFlowID:  flowID,
			CorrelationID: correlationID,
			ChildFlowID:   childFlowID,
			Start:         factory(state, childFlowID),
		})
	}

	if err := w.Store.SetWaitCondition(ctx, cond); err != nil {
		return flow.WaitCondition{}, err
	}
	w.Emitter.Emit(emit.Event{FlowID: flowID, FlowType: flowType, Msg: "wait_suspend", Meta: map[string]interface{}{
		"correlation_id": correlationID,
		"expected_count": cond.ExpectedCount,
	}})

	for _, start := range starts {
		w.Mediator.Send(ctx, w.Mediator.NextID(), start)
	}
	return cond, nil
}

// CompletionOutcome is what Complete reports back to the caller.
type CompletionOutcome struct {
	// Dropped is true if the event was discarded: no condition exists for
	// correlationID (already satisfied and cleared), or child was already
	// recorded (§4.7 "Idempotence").
	Dropped bool

	// Satisfied is true once the predicate for Condition.Type is met.
	Satisfied bool

	// Succeeded reflects the pass/fail outcome once Satisfied is true;
	// meaningless otherwise.
	Succeeded bool

	Condition flow.WaitCondition
}

// Complete executes the Completion phase (§4.7 steps 1-3): loads the
// condition, appends the child's result if not already present, and
// reports whether the predicate is now satisfied. It does NOT clear the
// condition or touch the parent snapshot: HandleFlowCompleted clears the
// condition through Resolve and then calls Resume, which is where the
// parent's typed snapshot (not available to this store-agnostic
// coordinator) is checked for still being Suspended at the waiting
// position.
func (w *WaitCoordinator) Complete(ctx context.Context, correlationID string, result flow.ChildResult) (CompletionOutcome, error) {
	cond, err := w.Store.GetWaitCondition(ctx, correlationID)
	if err != nil {
		if err == flow.ErrNotFound {
			return CompletionOutcome{Dropped: true}, nil
		}
		return CompletionOutcome{}, err
	}
	if cond.HasChild(result.ChildFlowID) {
		return CompletionOutcome{Dropped: true, Condition: cond}, nil
	}

	updated, err := w.Store.UpdateWaitCondition(ctx, correlationID, func(c *flow.WaitCondition) error {
		if c.HasChild(result.ChildFlowID) {
			return nil
		}
		c.Results = append(c.Results, result)
		return nil
	})
	if err != nil {
		return CompletionOutcome{}, err
	}

	return CompletionOutcome{
		Satisfied: updated.Satisfied(),
		Succeeded: updated.Succeeded(),
		Condition: updated,
	}, nil
}

// Resolve clears the condition (§4.7 step 5a) and, for a satisfied WhenAny
// with CancelOthers set, dispatches CancelChildRequested for every other
// child in ChildFlowIDs order (§4.7 step 5c, §8 "cancelOthers was emitted
// for every other child in order").
func (w *WaitCoordinator) Resolve(ctx context.Context, cond flow.WaitCondition) error {
	if err := w.Store.ClearWaitCondition(ctx, cond.CorrelationID); err != nil {
		return err
	}
	if cond.Type != flow.WaitAny || !cond.CancelOthers {
		return nil
	}
	winner, ok := cond.FirstSuccess()
	if !ok {
		return nil
	}
	for _, id := range cond.OthersToCancel(winner.ChildFlowID) {
		w.Mediator.Publish(ctx, CancelChildRequested{ChildFlowID: id, CorrelationID: cond.CorrelationID})
	}
	return nil
}

// HandleFlowCompleted is the mediator.FlowCompletedEvent subscriber that
// drives §4.7 step 5 end to end: record the child's result (Complete),
// clear the condition and fan out cancellation once satisfied (Resolve),
// then resume the parent (Resume). mediator.Subscribe's handler signature
// returns no error, so failures here are only logged through Emitter,
// matching Publish's documented fire-and-forget contract for this event.
func (w *WaitCoordinator) HandleFlowCompleted(ctx context.Context, evt mediator.FlowCompletedEvent) {
	outcome, err := w.Complete(ctx, evt.CorrelationID, flow.ChildResult{
		ChildFlowID: evt.FlowID,
		Success:     evt.Success,
		Error:       evt.Error,
		Result:      evt.Result,
	})
	if err != nil {
		w.Emitter.Emit(emit.Event{Msg: "wait_complete_failed", Meta: map[string]interface{}{"correlation_id": evt.CorrelationID, "error": err.Error()}})
		return
	}
	if outcome.Dropped || !outcome.Satisfied {
		return
	}

	if err := w.Resolve(ctx, outcome.Condition); err != nil {
		w.Emitter.Emit(emit.Event{Msg: "wait_resolve_failed", Meta: map[string]interface{}{"correlation_id": evt.CorrelationID, "error": err.Error()}})
		return
	}
	if w.Resume == nil {
		return
	}
	if err := w.Resume(ctx, outcome.Condition); err != nil {
		w.Emitter.Emit(emit.Event{Msg: "wait_resume_failed", Meta: map[string]interface{}{"correlation_id": evt.CorrelationID, "error": err.Error()}})
	}
}

// SweepTimeouts implements the Timeout phase (§4.7): loads every condition
// past its deadline and invokes onTimeout for each so the caller can
// transition that condition's parent to Failed with error "WaitTimeout",
// optionally dispatch a compensation factory, then clear the condition. A
// failing onTimeout for one condition does not stop the sweep from
// visiting the rest.
func (w *WaitCoordinator) SweepTimeouts(ctx context.Context, now time.Time, onTimeout func(flow.WaitCondition) error) error {
	timedOut, err := w.Store.GetTimedOutWaitConditions(ctx, now)
	if err != nil {
		return err
	}
	var errs []error
	for _, cond := range timedOut {
		if err := onTimeout(cond); err != nil {
			errs = append(errs, fmt.Errorf("wait timeout handler for %s: %w", cond.CorrelationID, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("dsl: %d wait-timeout handler(s) failed: %v", len(errs), errs)
	}
	return nil
}
