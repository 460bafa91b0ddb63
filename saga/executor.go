package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sagaflow/sagaflow/flow"
	"github.com/sagaflow/sagaflow/flow/emit"
	"github.com/sagaflow/sagaflow/flow/store"
	"github.com/sagaflow/sagaflow/mediator"
)

// ProgramFunc builds the ordered Steps for a saga given its current
// snapshot. It is called once per Executor.Execute invocation, after
// ownership of the row has been established, so it may close over the
// snapshot's State to parameterize the steps.
type ProgramFunc[T any] func(snapshot flow.FlowSnapshot[T]) []Step

// Executor drives Executor.Execute's claim/heartbeat/persist loop (§4.2)
// for the Linear Saga Engine. One Executor is shared by every flow type
// this node runs; NodeID identifies this process in the Flow Store's lease
// protocol.
//
// Grounded on the teacher's Engine[S].Run sequential loop (graph/engine.go)
// for the overall "validate, loop, persist each step, emit events" shape;
// the claim/heartbeat/CAS machinery itself has no teacher analogue (the
// teacher has no distributed ownership model) and follows §4.1/§4.2
// directly.
type Executor[T any] struct {
	Store    store.Store[T]
	NodeID   flow.NodeID
	Options  flow.Options
	Emitter  emit.Emitter
	Metrics  *flow.Metrics

	// Mediator publishes a mediator.FlowCompletedEvent on terminal
	// completion when the flow carries parent linkage (§4.7 step 3b/5a —
	// a saga can be one child of a DSL WhenAll/WhenAny just as a DSL flow
	// can). Nil disables this — a standalone saga with no parent never
	// needs it, matching NewExecutor's "override on the returned value"
	// convention used for Metrics.
	Mediator mediator.Mediator
}

// NewExecutor builds an Executor with sane defaults (NullEmitter, no
// Metrics) that callers can override on the returned value before use.
func NewExecutor[T any](st store.Store[T], nodeID flow.NodeID, opts flow.Options) *Executor[T] {
	return &Executor[T]{
		Store:   st,
		NodeID:  nodeID,
		Options: opts,
		Emitter: emit.NewNullEmitter(),
	}
}

// Execute runs the saga identified by flowID/flowType to completion (or
// suspension — linear sagas never suspend mid-run, so in practice this
// means completion or failure), per §4.2's eight numbered steps:
//
//  1. Look up the snapshot; create it Running at Position 0 if absent.
//  2. Terminal status short-circuits (idempotent re-entry).
//  3. A fresh foreign heartbeat means another node owns this run.
//  4. Otherwise tryClaim; a failed claim is handled like step 3.
//  5. Start a heartbeat ticker; a lost lease aborts the run.
//  6. Run the program from its stored Position's step index.
//  7. Persist the terminal result, retrying the CAS once on conflict.
//  8. Stop the heartbeat and return.
func (e *Executor[T]) Execute(ctx context.Context, flowID, flowType string, initial T, program ProgramFunc[T]) (flow.FlowSnapshot[T], bool, error) {
	return e.execute(ctx, flowID, flowType, initial, program, "", "")
}

// ExecuteChild runs flowID as one child of a DSL WhenAll/WhenAny fan-out
// (§4.7 step 3b), recording parentFlowID/parentCorrelationID on a freshly
// created snapshot so terminal completion publishes a
// mediator.FlowCompletedEvent the parent's Wait Coordinator can record.
// Resuming an existing row ignores these two arguments.
func (e *Executor[T]) ExecuteChild(ctx context.Context, flowID, flowType string, initial T, program ProgramFunc[T], parentFlowID, parentCorrelationID string) (flow.FlowSnapshot[T], bool, error) {
	return e.execute(ctx, flowID, flowType, initial, program, parentFlowID, parentCorrelationID)
}

func (e *Executor[T]) execute(ctx context.Context, flowID, flowType string, initial T, program ProgramFunc[T], parentFlowID, parentCorrelationID string) (flow.FlowSnapshot[T], bool, error) {
	snap, owned, err := e.acquire(ctx, flowID, flowType, initial, parentFlowID, parentCorrelationID)
	if err != nil {
		return flow.FlowSnapshot[T]{}, false, err
	}
	if !owned {
		return snap, false, nil
	}
	if snap.Status.Terminal() {
		return snap, true, nil
	}

	heartbeatCtx, cancelHeartbeat := context.WithCancel(ctx)
	leaseLost := make(chan struct{})
	var leaseLostOnce sync.Once
	var mu sync.Mutex
	version := snap.Version

	go e.heartbeatLoop(heartbeatCtx, flowID, &mu, &version, func() {
		leaseLostOnce.Do(func() { close(leaseLost) })
	})
	defer cancelHeartbeat()

	steps := program(snap)
	runner := NewRunner(steps)

	runDone := make(chan RunResult, 1)
	go func() {
		runDone <- runner.ExecuteFrom(ctx, snap.Position.CurrentIndex())
	}()

	var result RunResult
	select {
	case result = <-runDone:
	case <-leaseLost:
		if e.Metrics != nil {
			e.Metrics.ObserveHeartbeatFailure(flowType)
		}
		return snap, true, flow.ErrLeaseLost
	}
	cancelHeartbeat()

	final := e.finalStatus(result)
	mu.Lock()
	snap.Version = version
	mu.Unlock()
	snap.Status = final
	snap.Position = flow.NewPosition(result.CompletedSteps)
	if result.Err != nil {
		snap.Error = result.Err.Error()
	}

	persisted, err := e.persistFinal(ctx, snap)
	e.emit(flowID, flowType, "flow_complete", map[string]interface{}{
		"status": string(final),
	})
	if e.Metrics != nil {
		e.Metrics.FlowFinished(flowID, flowType, final)
	}
	if persisted.ParentFlowID != "" && e.Mediator != nil {
		e.publishFlowCompleted(ctx, persisted)
	}
	return persisted, true, err
}

// publishFlowCompleted reports this flow's terminal outcome to its parent's
// Wait Coordinator. Best-effort: Mediator.Publish's own contract treats a
// failing or absent subscriber as fire-and-forget from here.
func (e *Executor[T]) publishFlowCompleted(ctx context.Context, snap flow.FlowSnapshot[T]) {
	result, _ := json.Marshal(snap.State)
	e.Mediator.Publish(ctx, mediator.FlowCompletedEvent{
		FlowID:        snap.FlowID,
		ParentFlowID:  snap.ParentFlowID,
		CorrelationID: snap.ParentCorrelationID,
		Success:       snap.Status == flow.StatusCompleted,
		Error:         snap.Error,
		Result:        result,
	})
}

func (e *Executor[T]) finalStatus(result RunResult) flow.Status {
	switch {
	case result.Cancelled:
		return flow.StatusCancelled
	case result.Success:
		return flow.StatusCompleted
	default:
		return flow.StatusFailed
	}
}

// acquire implements §4.2 steps 1-4: create-if-absent, short-circuit on
// terminal, and claim-if-unowned-or-stale.
func (e *Executor[T]) acquire(ctx context.Context, flowID, flowType string, initial T, parentFlowID, parentCorrelationID string) (flow.FlowSnapshot[T], bool, error) {
	snap, err := e.Store.Get(ctx, flowID)
	if err != nil {
		if err != flow.ErrNotFound {
			return flow.FlowSnapshot[T]{}, false, err
		}
		now := time.Now()
		fresh := flow.FlowSnapshot[T]{
			FlowID:              flowID,
			Type:                flowType,
			State:               initial,
			Position:            flow.Initial(),
			Status:              flow.StatusRunning,
			Owner:               e.NodeID,
			HeartbeatAt:         now.UnixMilli(),
			CreatedAt:           now,
			UpdatedAt:           now,
			ParentFlowID:        parentFlowID,
			ParentCorrelationID: parentCorrelationID,
		}
		created, cerr := e.Store.Create(ctx, fresh)
		if cerr != nil {
			return flow.FlowSnapshot[T]{}, false, cerr
		}
		if created {
			if e.Metrics != nil {
				e.Metrics.FlowStarted(flowID)
			}
			return fresh, true, nil
		}
		snap, err = e.Store.Get(ctx, flowID)
		if err != nil {
			return flow.FlowSnapshot[T]{}, false, err
		}
	}

	if snap.Status.Terminal() {
		return snap, true, nil
	}
	if snap.Owner == e.NodeID {
		// Already ours — TryClaim's pool scan only picks up rows whose
		// owner is empty or stale, so re-entering this node's own
		// not-yet-stale row would otherwise spuriously fail.
		return snap, true, nil
	}

	if snap.Owner != "" && !snap.HeartbeatStale(time.Now(), e.Options.ClaimTimeout) {
		return snap, false, nil
	}

	claimed, err := e.Store.TryClaim(ctx, flowType, e.NodeID, e.Options.ClaimTimeout)
	if err != nil {
		if err == flow.ErrNotFound {
			if e.Metrics != nil {
				e.Metrics.ObserveClaim(flowType, false)
			}
			return snap, false, nil
		}
		return flow.FlowSnapshot[T]{}, false, err
	}
	if e.Metrics != nil {
		e.Metrics.ObserveClaim(flowType, true)
	}
	e.emit(flowID, flowType, "claim", map[string]interface{}{"owner": string(e.NodeID)})
	return claimed, true, nil
}

// heartbeatLoop refreshes the lease at Options.HeartbeatInterval until ctx
// is cancelled or the CAS fails, in which case onLost fires once.
//
// Grounded on the teacher's metrics-updater goroutine in
// graph/engine.go's runConcurrent (a time.Ticker loop selecting on a
// worker context, stopped via defer ticker.Stop()); the lease semantics
// themselves are this module's own (§5 "Lease protocol").
func (e *Executor[T]) heartbeatLoop(ctx context.Context, flowID string, mu *sync.Mutex, version *uint64, onLost func()) {
	ticker := time.NewTicker(e.Options.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			mu.Lock()
			v := *version
			mu.Unlock()
			ok, err := e.Store.Heartbeat(ctx, flowID, e.NodeID, v)
			if err != nil || !ok {
				onLost()
				return
			}
			mu.Lock()
			*version = v + 1
			mu.Unlock()
		}
	}
}

// persistFinal writes the terminal snapshot with one retry on a CAS
// conflict (§4.2 step 7: "If update CAS fails, refresh and retry once").
func (e *Executor[T]) persistFinal(ctx context.Context, snap flow.FlowSnapshot[T]) (flow.FlowSnapshot[T], error) {
	updated, err := e.Store.Update(ctx, snap)
	if err == nil {
		return updated, nil
	}
	if err != flow.ErrVersionConflict {
		return flow.FlowSnapshot[T]{}, err
	}
	if e.Metrics != nil {
		e.Metrics.ObserveCASConflict(snap.Type, "persist_final")
	}

	current, gerr := e.Store.Get(ctx, snap.FlowID)
	if gerr != nil {
		return flow.FlowSnapshot[T]{}, gerr
	}
	if current.Status.Terminal() {
		return current, nil
	}
	snap.Version = current.Version
	updated, err = e.Store.Update(ctx, snap)
	if err != nil {
		return flow.FlowSnapshot[T]{}, fmt.Errorf("saga: lost lease persisting final status: %w", err)
	}
	return updated, nil
}

func (e *Executor[T]) emit(flowID, flowType, msg string, meta map[string]interface{}) {
	if e.Emitter == nil {
		return
	}
	e.Emitter.Emit(emit.Event{FlowID: flowID, FlowType: flowType, Msg: msg, Meta: meta})
}
