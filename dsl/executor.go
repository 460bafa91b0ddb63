package dsl

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

// compensationEntry is one registered rollback action, recorded in
// execution order so a failure can unwind them LIFO. Unlike flowctx.Context
// (scoped to a single in-process Run call), this stack only ever covers
// steps executed since the most recent resume — steps already persisted
// past a suspension boundary in an earlier process are not re-compensated,
// matching the Linear Saga Engine's ExecuteFrom(k) semantics in
// saga/runner.go.
type compensationEntry struct {
	message any
}

// Executor drives the DSL Flow Engine's interpretation loop (§4.4) over a
// Program tree, one Step at a time, persisting at every suspension
// boundary named in §4.4/§4.5: after a Send/Query/Publish, around each
// ForEach batch, on entering a WhenAll/WhenAny, on a Delay not yet due, on
// cancellation, and on failure.
//
// Grounded on saga/executor.go's claim/heartbeat/persist protocol (acquire,
// heartbeatLoop, the lease-loss race) — reused verbatim in shape here, with
// the single end-of-run persist replaced by a persist call after every
// resolved step, since the DSL Engine (unlike the Linear Saga Engine) can
// legitimately stop mid-run without failing or completing.
type Executor[T any] struct {
	Store    store.Store[T]
	NodeID   flow.NodeID
	Options  flow.Options
	Emitter  emit.Emitter
	Metrics  *flow.Metrics
	Mediator mediator.Mediator
	Wait     *WaitCoordinator
	ForEach  *ForEachEngine

	// programs maps flowType to the Program tree driving it, refreshed on
	// every Execute/ExecuteChild call. resumeWait (§4.7 step 5) consults
	// this to find the Program for a flow it did not itself invoke —
	// the async continuation triggered by a mediator.FlowCompletedEvent has
	// no caller-supplied Program to hand it directly.
	programs   map[string]Program
	programsMu sync.RWMutex
}

// NewExecutor builds an Executor with sane defaults (NullEmitter, an
// internal Wait/ForEach engine pair built from st/m/emitter) that callers
// may override before use. The Wait Coordinator's Resume hook is wired to
// this Executor's resumeWait, and, when m is a *mediator.InMemoryMediator,
// the coordinator is subscribed to mediator.FlowCompletedEvent so a child
// flow's terminal completion drives WhenAll/WhenAny resumption
// automatically (§4.7 step 5, §6 "Flow-completion event").
func NewExecutor[T any](st store.Store[T], nodeID flow.NodeID, opts flow.Options, m mediator.Mediator) *Executor[T] {
	emitter := emit.Emitter(emit.NewNullEmitter())
	coord := NewWaitCoordinator(st, m, emitter)
	ex := &Executor[T]{
		Store:    st,
		NodeID:   nodeID,
		Options:  opts,
		Emitter:  emitter,
		Mediator: m,
		Wait:     coord,
		ForEach:  NewForEachEngine(emitter),
		programs: make(map[string]Program),
	}
	coord.Resume = ex.resumeWait
	if im, ok := m.(*mediator.InMemoryMediator); ok {
		mediator.Subscribe(im, coord.HandleFlowCompleted)
	}
	return ex
}

// Execute runs (or resumes) the flow identified by flowID/flowType against
// program until it completes, fails, is cancelled, or suspends at a
// WhenAll/WhenAny/Delay boundary. owned mirrors saga.Executor.Execute:
// false means another live node holds the lease and the caller should
// retry elsewhere or wait.
func (e *Executor[T]) Execute(ctx context.Context, flowID, flowType string, initial T, program Program) (flow.FlowSnapshot[T], bool, error) {
	return e.execute(ctx, flowID, flowType, initial, program, "", "")
}

// ExecuteChild runs flowID as one child of a WhenAll/WhenAny fan-out
// (§4.7 step 3b), recording parentFlowID/parentCorrelationID on a freshly
// created snapshot row so that on terminal completion this flow publishes
// a mediator.FlowCompletedEvent the parent's Wait Coordinator can record
// against parentCorrelationID. Resuming an existing child row ignores
// these two arguments — they only take effect at creation.
func (e *Executor[T]) ExecuteChild(ctx context.Context, flowID, flowType string, initial T, program Program, parentFlowID, parentCorrelationID string) (flow.FlowSnapshot[T], bool, error) {
	return e.execute(ctx, flowID, flowType, initial, program, parentFlowID, parentCorrelationID)
}

func (e *Executor[T]) execute(ctx context.Context, flowID, flowType string, initial T, program Program, parentFlowID, parentCorrelationID string) (flow.FlowSnapshot[T], bool, error) {
	e.registerProgram(flowType, program)
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
	if snap.Status == flow.StatusSuspended && snap.WakeAt != nil && time.Now().Before(*snap.WakeAt) {
		return snap, true, nil // Delay not yet due; caller re-invokes later.
	}

	heartbeatCtx, cancelHeartbeat := context.WithCancel(ctx)
	defer cancelHeartbeat()
	leaseLost := make(chan struct{})
	var leaseLostOnce sync.Once
	var hbMu sync.Mutex
	version := snap.Version
	go e.heartbeatLoop(heartbeatCtx, flowID, &hbMu, &version, func() {
		leaseLostOnce.Do(func() { close(leaseLost) })
	})

	snap.Status = flow.StatusRunning
	var compensations []compensationEntry
	var runErr error
	var suspended bool

	for {
		select {
		case <-leaseLost:
			if e.Metrics != nil {
				e.Metrics.ObserveHeartbeatFailure(flowType)
			}
			return snap, true, flow.ErrLeaseLost
		case <-ctx.Done():
			snap.Status = flow.StatusCancelled
			runErr = ctx.Err()
		default:
		}
		if snap.Status == flow.StatusCancelled {
			break
		}

		step, ok := program.StepAt(snap.Position.Path())
		if !ok {
			if !snap.Position.IsInBranch() {
				snap.Status = flow.StatusCompleted
				break
			}
			snap.Position = snap.Position.Parent().Advance()
			continue
		}

		if step.OnlyWhen != nil && !step.OnlyWhen(snap.State) {
			snap.Position = snap.Position.Advance()
			continue
		}

		switch step.Kind {
		case KindSend, KindQuery:
			next, comp, failErr := e.runSendOrQuery(ctx, step, snap.State)
			if failErr != nil {
				runErr = failErr
				snap.Status = flow.StatusFailed
				break
			}
			if comp != nil {
				compensations = append(compensations, compensationEntry{message: comp})
			}
			snap.State = next
			snap.Position = snap.Position.Advance()

		case KindPublish:
			e.Mediator.Publish(ctx, step.Event(snap.State))
			snap.Position = snap.Position.Advance()

		case KindIf:
			idx, failErr := e.resolveIf(step, snap.State)
			if failErr != nil {
				runErr = failErr
				snap.Status = flow.StatusFailed
				break
			}
			snap.Position = snap.Position.EnterBranch(idx)

		case KindSwitch:
			idx, failErr := e.resolveSwitch(step, snap.State)
			if failErr != nil {
				runErr = failErr
				snap.Status = flow.StatusFailed
				break
			}
			snap.Position = snap.Position.EnterBranch(idx)

		case KindForEach:
			next, failErr := e.runForEach(ctx, flowID, flowType, &snap, &hbMu, &version, step)
			if failErr != nil {
				runErr = failErr
				snap.Status = flow.StatusFailed
				break
			}
			snap.State = next
			snap.Position = snap.Position.Advance()

		case KindWhenAll, KindWhenAny:
			waitType := flow.WaitAll
			if step.Kind == KindWhenAny {
				waitType = flow.WaitAny
			}
			if _, spawnErr := e.Wait.Spawn(ctx, flowID, flowType, snap.Position.CurrentIndex(), waitType, step.Children, step.WaitTimeout, step.CancelOthers, snap.State); spawnErr != nil {
				runErr = spawnErr
				snap.Status = flow.StatusFailed
				break
			}
			snap.Status = flow.StatusSuspended
			suspended = true

		case KindDelay:
			wakeAt := e.computeWakeAt(step)
			if snap.WakeAt != nil {
				wakeAt = *snap.WakeAt
			}
			if time.Now().Before(wakeAt) {
				snap.Status = flow.StatusSuspended
				snap.WakeAt = &wakeAt
				suspended = true
				break
			}
			snap.WakeAt = nil
			snap.Position = snap.Position.Advance()

		default:
			runErr = fmt.Errorf("dsl: unknown step kind %q", step.Kind)
			snap.Status = flow.StatusFailed
		}

		if snap.Status == flow.StatusFailed || suspended || snap.Status == flow.StatusCancelled {
			break
		}

		hbMu.Lock()
		snap.Version = version
		hbMu.Unlock()
		persisted, perr := e.persistBoundary(ctx, snap)
		if perr != nil {
			cancelHeartbeat()
			return snap, true, perr
		}
		hbMu.Lock()
		version = persisted.Version
		hbMu.Unlock()
	}
	cancelHeartbeat()

	if snap.Status == flow.StatusFailed || snap.Status == flow.StatusCancelled {
		e.runCompensations(ctx, compensations)
		if runErr != nil {
			snap.Error = runErr.Error()
		}
	}

	hbMu.Lock()
	snap.Version = version
	hbMu.Unlock()
	persisted, err := e.persistBoundary(ctx, snap)
	if snap.Status.Terminal() {
		e.emit(flowID, flowType, "flow_complete", map[string]interface{}{"status": string(snap.Status)})
		if e.Metrics != nil {
			e.Metrics.FlowFinished(flowID, flowType, snap.Status)
		}
		if persisted.ParentFlowID != "" {
			e.publishFlowCompleted(ctx, persisted)
		}
	} else if suspended {
		e.emit(flowID, flowType, "flow_suspend", map[string]interface{}{"position": snap.Position.String()})
	}
	return persisted, true, err
}

// registerProgram records program under flowType so resumeWait can find it
// later for a flow it did not itself invoke.
func (e *Executor[T]) registerProgram(flowType string, program Program) {
	e.programsMu.Lock()
	e.programs[flowType] = program
	e.programsMu.Unlock()
}

// publishFlowCompleted reports this flow's terminal outcome to its
// parent's Wait Coordinator. Best-effort: Mediator.Publish's own contract
// treats a failing or absent subscriber as fire-and-forget from here.
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

// resumeWait implements §4.7 step 5(c)/5(d): once a WaitCondition is
// satisfied, transition the suspended parent back to Running, apply the
// step's result mapping, advance past the Wait step, persist, and
// re-invoke execute so the parent flow keeps interpreting — the original
// caller's stack frame that suspended it is long gone by the time an async
// FlowCompletedEvent arrives.
func (e *Executor[T]) resumeWait(ctx context.Context, cond flow.WaitCondition) error {
	e.programsMu.RLock()
	program, ok := e.programs[cond.FlowType]
	e.programsMu.RUnlock()
	if !ok {
		return fmt.Errorf("dsl: resumeWait: no registered program for flow type %q", cond.FlowType)
	}

	snap, err := e.Store.Get(ctx, cond.FlowID)
	if err != nil {
		return err
	}
	if snap.Status != flow.StatusSuspended || snap.Position.CurrentIndex() != cond.Step {
		return nil // already resumed (or resumed by another node racing the same event)
	}

	step, ok := program.StepAt(snap.Position.Path())
	if !ok {
		return fmt.Errorf("dsl: resumeWait: position %s has no step in flow type %q", snap.Position.String(), cond.FlowType)
	}

	if !cond.Succeeded() {
		snap.Status = flow.StatusFailed
		if failure, ok := cond.FirstFailure(); ok && failure.Error != "" {
			snap.Error = failure.Error
		} else {
			snap.Error = "dsl: wait condition failed with no recorded child error"
		}
		if step.OnAnyChildFailed != nil {
			if comp := step.OnAnyChildFailed(snap.State); comp != nil {
				e.Mediator.Send(ctx, e.Mediator.NextID(), comp)
			}
		}
		persisted, perr := e.persistBoundary(ctx, snap)
		if perr != nil {
			return perr
		}
		e.emit(cond.FlowID, cond.FlowType, "flow_complete", map[string]interface{}{"status": string(persisted.Status)})
		if e.Metrics != nil {
			e.Metrics.FlowFinished(cond.FlowID, cond.FlowType, persisted.Status)
		}
		if persisted.ParentFlowID != "" {
			e.publishFlowCompleted(ctx, persisted)
		}
		return nil
	}

	if cond.Type == flow.WaitAny && step.ResultInto != nil {
		if winner, ok := cond.FirstSuccess(); ok {
			if next, ok := step.ResultInto(snap.State, winner.Result).(T); ok {
				snap.State = next
			}
		}
	}

	snap.Status = flow.StatusRunning
	snap.Position = snap.Position.Advance()
	if _, err := e.persistBoundary(ctx, snap); err != nil {
		return err
	}

	_, _, err = e.execute(ctx, cond.FlowID, cond.FlowType, snap.State, program, snap.ParentFlowID, snap.ParentCorrelationID)
	return err
}

// runSendOrQuery dispatches step.Message(state) through the mediator,
// retrying per step.Retry on failure, applies Into/OnCompleted on success,
// and returns a non-nil error only when the step is not Optional and every
// attempt failed.
func (e *Executor[T]) runSendOrQuery(ctx context.Context, step Step, state any) (next T, compensation any, err error) {
	msg := step.Message(state)
	resultValue, stepErr := e.dispatch(ctx, step, msg)

	if stepErr != nil {
		if step.Optional {
			nextState, _ := state.(T)
			return nextState, nil, nil
		}
		if step.OnFailed != nil {
			nextState, _ := step.OnFailed(state, stepErr).(T)
			return nextState, nil, nil
		}
		return next, nil, stepErr
	}

	newState := state
	if step.Into != nil {
		newState = step.Into(state, resultValue)
	} else if step.OnCompleted != nil {
		newState = step.OnCompleted(state, resultValue)
	}
	nextState, _ := newState.(T)

	if step.Compensation != nil {
		compensation = step.Compensation(state)
	}
	return nextState, compensation, nil
}

// dispatch sends or queries msg through the mediator, retrying per
// step.Retry (§7) until it succeeds, exhausts MaxAttempts, or ctx is
// cancelled during the backoff wait.
func (e *Executor[T]) dispatch(ctx context.Context, step Step, msg any) (any, error) {
	attempt := 1
	for {
		var resultValue any
		var stepErr error
		if step.Kind == KindQuery {
			res := e.Mediator.Query(ctx, e.Mediator.NextID(), msg)
			resultValue, stepErr = res.Value, res.Err
		} else {
			res := e.Mediator.Send(ctx, e.Mediator.NextID(), msg)
			stepErr = res.Err
		}
		if stepErr == nil || !step.Retry.ShouldRetry(attempt, stepErr) {
			return resultValue, stepErr
		}
		if delay := step.Retry.Backoff(attempt); delay > 0 {
			select {
			case <-ctx.Done():
				return resultValue, stepErr
			case <-time.After(delay):
			}
		}
		attempt++
	}
}

func (e *Executor[T]) resolveIf(step Step, state any) (int, error) {
	if step.Condition == nil {
		return 0, flow.ErrNoCondition
	}
	if step.Condition(state) {
		return 0, nil
	}
	for i, ei := range step.ElseIfs {
		if ei.Condition != nil && ei.Condition(state) {
			return i + 1, nil
		}
	}
	return len(step.ElseIfs) + 1, nil
}

func (e *Executor[T]) resolveSwitch(step Step, state any) (int, error) {
	if step.Selector == nil {
		return 0, flow.ErrNoDefaultCase
	}
	key := step.Selector(state)
	for i, c := range step.Cases {
		if fmt.Sprintf("%v", c.Key) == fmt.Sprintf("%v", key) {
			return i, nil
		}
	}
	if len(step.Default) == 0 {
		return 0, flow.ErrNoDefaultCase
	}
	return len(step.Cases), nil
}

// runForEach executes a ForEach step to completion against the current
// state, running each item's Branch synchronously to completion via
// runBranch. Nested suspension (a WhenAll/WhenAny/Delay inside an item's
// own branch) is not supported — an item program is expected to be a
// sequence of Send/Query/Publish/If/Switch steps, matching the common
// "process this item, react to its outcome" use of ForEach in §8's
// examples.
//
// snap, hbMu, and version are the enclosing Execute call's own snapshot and
// heartbeat-version cell: persistBatch below writes the evolving state
// (mutated by OnItemSuccess/OnItemFail as each item finishes) into *snap
// and persists it alongside the ForEachProgress row after every batch
// (§4.6 step 3d), the same way Execute persists after every other step
// boundary — a crash between batches must not lose state a completed
// batch's hooks already applied.
func (e *Executor[T]) runForEach(ctx context.Context, flowID, flowType string, snap *flow.FlowSnapshot[T], hbMu *sync.Mutex, version *uint64, step Step) (T, error) {
	var zero T
	state := snap.State
	collectionAny := step.Collection(state)
	items, ok := collectionAny.([]any)
	if !ok {
		return zero, fmt.Errorf("dsl: ForEach Collection must produce []any, got %T", collectionAny)
	}

	stepIndex := snap.Position.CurrentIndex()
	progress, err := e.Store.GetForEachProgress(ctx, flowID, stepIndex)
	if err != nil {
		if err != flow.ErrNotFound {
			return zero, err
		}
		progress = *flow.NewForEachProgress(flowID, stepIndex, len(items))
	}

	var mu sync.Mutex
	currentState := any(state)

	exec := func(ctx context.Context, item any, index int) (any, error) {
		mu.Lock()
		itemState := currentState
		mu.Unlock()
		result, err := e.runBranch(ctx, step.ItemProgram(item, index), itemState)
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			if step.OnItemFail != nil {
				currentState = step.OnItemFail(currentState, index, err)
			}
			return nil, err
		}
		if step.OnItemSuccess != nil {
			currentState = step.OnItemSuccess(currentState, index, result)
		}
		return result, nil
	}

	policy := flow.FailurePolicy(step.FailurePolicy)
	parallelism := step.Parallelism
	if parallelism <= 0 {
		parallelism = e.Options.MaxForEachParallelism
	}

	persistBatch := func(p *flow.ForEachProgress) error {
		if err := e.Store.SaveForEachProgress(ctx, *p); err != nil {
			return err
		}
		mu.Lock()
		batchState, _ := currentState.(T)
		mu.Unlock()
		snap.State = batchState
		hbMu.Lock()
		snap.Version = *version
		hbMu.Unlock()
		updated, err := e.persistBoundary(ctx, *snap)
		if err != nil {
			return err
		}
		*snap = updated
		hbMu.Lock()
		*version = updated.Version
		hbMu.Unlock()
		return nil
	}

	_, loopErr, collected := e.ForEach.RunBatches(ctx, flowID, flowType, stepIndex, &progress, items, step.BatchSize, parallelism, policy, exec, persistBatch)
	if loopErr != nil {
		return zero, loopErr
	}
	if err := e.Store.ClearForEachProgress(ctx, flowID, stepIndex); err != nil && err != flow.ErrNotFound {
		return zero, err
	}

	mu.Lock()
	defer mu.Unlock()
	if policy == flow.CollectErrors && len(collected) > 0 && step.OnForEachErrors != nil {
		currentState = step.OnForEachErrors(currentState, collected)
	}
	if step.OnForEachDone != nil {
		currentState = step.OnForEachDone(currentState)
	}
	next, _ := currentState.(T)
	return next, nil
}

// runBranch interprets a flat Branch sequentially to completion against
// state, used by ForEach item programs. It supports the non-suspending
// kinds only (Send/Query/Publish/If/Switch); a nested ForEach/WhenAll/
// WhenAny/Delay inside an item branch returns an error rather than
// silently misbehaving.
func (e *Executor[T]) runBranch(ctx context.Context, branch Branch, state any) (any, error) {
	current := state
	i := 0
	for i < len(branch) {
		step := branch[i]
		if step.OnlyWhen != nil && !step.OnlyWhen(current) {
			i++
			continue
		}
		switch step.Kind {
		case KindSend, KindQuery:
			next, _, err := e.runSendOrQuery(ctx, step, current)
			if err != nil {
				return current, err
			}
			current = next
			i++
		case KindPublish:
			e.Mediator.Publish(ctx, step.Event(current))
			i++
		case KindIf:
			idx, err := e.resolveIf(step, current)
			if err != nil {
				return current, err
			}
			sub := subBranch(step, idx)
			result, err := e.runBranch(ctx, sub, current)
			if err != nil {
				return current, err
			}
			current = result
			i++
		case KindSwitch:
			idx, err := e.resolveSwitch(step, current)
			if err != nil {
				return current, err
			}
			sub := subBranch(step, idx)
			result, err := e.runBranch(ctx, sub, current)
			if err != nil {
				return current, err
			}
			current = result
			i++
		default:
			return current, fmt.Errorf("dsl: %s is not supported inside a ForEach item program", step.Kind)
		}
	}
	return current, nil
}

func (e *Executor[T]) computeWakeAt(step Step) time.Time {
	if step.AbsoluteAt != nil {
		return *step.AbsoluteAt
	}
	return time.Now().Add(step.Duration)
}

// runCompensations unwinds compensations in LIFO order via the mediator,
// matching flowctx.Context.Close's "a failing compensation is recorded but
// does not stop the rest" rule. Failures here are logged via Emitter, not
// returned, since the caller already has a terminal Failed/Cancelled
// status to report and §4.8 treats compensation failure as best-effort.
func (e *Executor[T]) runCompensations(ctx context.Context, entries []compensationEntry) {
	for i := len(entries) - 1; i >= 0; i-- {
		res := e.Mediator.Send(ctx, e.Mediator.NextID(), entries[i].message)
		if res.Err != nil {
			e.Emitter.Emit(emit.Event{Msg: "compensation_failed", Meta: map[string]interface{}{"error": res.Err.Error()}})
		}
	}
}

// acquire mirrors saga.Executor.acquire's claim protocol (§4.1/§4.2
// steps 1-4), reused verbatim in shape since the lease-ownership rules do
// not depend on which engine (Saga or DSL) is driving the flow.
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
		// Already ours — reclaiming through TryClaim's pool scan would
		// spuriously fail since that scan only picks up rows whose owner
		// is empty or stale, and resumeWait can legitimately re-enter here
		// well within the heartbeat interval (a child can complete before
		// this node's next heartbeat tick).
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

// heartbeatLoop is saga.Executor's heartbeatLoop, unchanged: a ticker
// refreshes the lease until ctx is cancelled or the CAS fails.
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

// persistBoundary writes snap, retrying a CAS conflict up to
// Options.MaxCASRetries times (default 1) after re-reading the row's
// version — the same reload-and-retry move as saga.Executor.persistFinal,
// applied here at every step boundary instead of only once at the end of
// the run.
func (e *Executor[T]) persistBoundary(ctx context.Context, snap flow.FlowSnapshot[T]) (flow.FlowSnapshot[T], error) {
	updated, err := e.Store.Update(ctx, snap)
	if err == nil {
		return updated, nil
	}
	if err != flow.ErrVersionConflict {
		return flow.FlowSnapshot[T]{}, err
	}
	for attempt := 0; attempt < e.Options.MaxCASRetries; attempt++ {
		if e.Metrics != nil {
			e.Metrics.ObserveCASConflict(snap.Type, "persist_boundary")
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
		if err == nil {
			return updated, nil
		}
		if err != flow.ErrVersionConflict {
			break
		}
	}
	return flow.FlowSnapshot[T]{}, fmt.Errorf("dsl: lost lease persisting step boundary: %w", err)
}

func (e *Executor[T]) emit(flowID, flowType, msg string, meta map[string]interface{}) {
	if e.Emitter == nil {
		return
	}
	e.Emitter.Emit(emit.Event{FlowID: flowID, FlowType: flowType, Msg: msg, Meta: meta})
}
