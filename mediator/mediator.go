// Package mediator is the dispatch boundary the Saga Runner and DSL
// Executor call through: every Send/Query/Publish step in a program goes
// out via a Mediator rather than a direct function call, so the engine
// never imports a concrete handler implementation.
//
// Go interface methods cannot carry their own type parameters (a method
// can't be generic independently of its receiver), so the capability set
// described for this port — send<TReq>, send<TReq,TRes>, publish<TEvt> —
// is expressed here the way the teacher expresses per-call generic
// behavior throughout graph/engine.go: a plain, non-generic interface
// operating on any, plus generic free functions at the call site
// (Send[TReq], Query[TReq, TRes], Publish[TEvt]) that do the type
// assertion once and hand back a typed value. The interface is what gets
// implemented and mocked; the generic functions are what callers write
// against.
package mediator

import (
	"context"
	"fmt"
)

// MessageID uniquely identifies a message within a process lifetime.
// Generated by Mediator.NextID; never persisted across process restarts.
type MessageID uint64

// SendResult is the outcome of a fire-and-collect dispatch: the handler
// ran (or was deemed unroutable) and either succeeded or produced an
// error. It carries no payload — see QueryResult for that.
type SendResult struct {
	Success bool
	Err     error
}

// QueryResult is the outcome of a request/response dispatch. Value is
// populated only when Success is true; callers narrow it back to TRes via
// the generic Query function.
type QueryResult struct {
	Success bool
	Value   any
	Err     error
}

// Mediator is the capability set the Executor calls. Implementations route
// a message to whichever handler was registered for its concrete type and
// report the outcome; how routing works (in-process registry, queue,
// network RPC) is implementation-defined.
type Mediator interface {
	// Send dispatches msg to its registered handler and returns whether it
	// succeeded. Used for steps with no response payload.
	Send(ctx context.Context, id MessageID, msg any) SendResult

	// Query dispatches msg to its registered handler and returns the
	// handler's result value alongside success/failure.
	Query(ctx context.Context, id MessageID, msg any) QueryResult

	// Publish fans evt out to every subscriber registered for its concrete
	// type. Publish itself never fails on a subscriber's behalf — a
	// subscriber error is swallowed and, if the Mediator was built with one,
	// handed to an emit.Emitter; the flow that published the event is never
	// aborted by a subscriber's mistake.
	Publish(ctx context.Context, evt any)

	// NextID returns a fresh MessageID for a message about to be dispatched.
	NextID() MessageID
}

// Send dispatches a typed request with no response payload.
func Send[TReq any](ctx context.Context, m Mediator, msg TReq) SendResult {
	return m.Send(ctx, m.NextID(), msg)
}

// Query dispatches a typed request and narrows the handler's result back
// to TRes. A successful QueryResult whose Value cannot be asserted to TRes
// is itself reported as a failure — a handler wired to the wrong response
// type is a programming error, not a transient one.
func Query[TReq, TRes any](ctx context.Context, m Mediator, msg TReq) (TRes, error) {
	var zero TRes
	res := m.Query(ctx, m.NextID(), msg)
	if res.Err != nil {
		return zero, res.Err
	}
	if !res.Success {
		return zero, fmt.Errorf("mediator: query failed for %T", msg)
	}
	val, ok := res.Value.(TRes)
	if !ok {
		return zero, fmt.Errorf("mediator: handler for %T returned %T, want %T", msg, res.Value, zero)
	}
	return val, nil
}

// Publish fans a typed event out to its subscribers.
func Publish[TEvt any](ctx context.Context, m Mediator, evt TEvt) {
	m.Publish(ctx, evt)
}
