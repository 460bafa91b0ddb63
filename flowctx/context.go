// Package flowctx implements the Flow Context pattern (§4.9): a
// per-invocation scope that wraps every handler call made through the
// mediator, accumulates a LIFO compensation stack, and rolls that stack
// back on any exit path that isn't an explicit Commit. The Linear Saga
// Runner and the DSL Executor do not use it; each keeps its own
// compensation list.
package flowctx

import (
	"context"
	"fmt"
	"sync"

	"github.com/sagaflow/sagaflow/mediator"
)

// Compensation is a registered rollback action: either a message to
// redispatch through the mediator, or an arbitrary delegate. Exactly one of
// Message or Func is set.
type Compensation struct {
	Message any
	Func    func(ctx context.Context) error
}

// CompensationError records one compensation action that itself failed
// while the stack was unwinding. Per §4.8 a failing compensation is
// recorded but does not stop the remaining ones from running.
type CompensationError struct {
	Index int
	Err   error
}

func (e *CompensationError) Error() string {
	return fmt.Sprintf("compensation[%d]: %v", e.Index, e.Err)
}

func (e *CompensationError) Unwrap() error { return e.Err }

// Context is one scope opened by Begin. It is not safe for concurrent use
// by multiple goroutines — a single flow run drives it sequentially, same
// as the DSL Executor's own interpretation loop (§5 "single-threaded").
type Context struct {
	name          string
	correlationID string
	mediator      mediator.Mediator
	step          int
	stack         []Compensation
	committed     bool
	mu            sync.Mutex
}

// Begin opens a scope with a unique correlation id, a step counter starting
// at zero, and an empty compensation stack. The correlation id is derived
// from a fresh MessageID off m, keeping id generation in one place (the
// Mediator) rather than introducing a second id scheme for scopes.
func Begin(name string, m mediator.Mediator) *Context {
	return &Context{
		name:          name,
		correlationID: fmt.Sprintf("%s-%d", name, m.NextID()),
		mediator:      m,
	}
}

// Name returns the scope's name, as passed to Begin.
func (c *Context) Name() string { return c.name }

// CorrelationID returns the scope's unique correlation id.
func (c *Context) CorrelationID() string { return c.correlationID }

// Step returns the number of Execute calls made so far in this scope.
func (c *Context) Step() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.step
}

// Execute dispatches msg via the scope's mediator as a Send, increments the
// step counter regardless of outcome, and returns the handler's result.
func (c *Context) Execute(ctx context.Context, msg any) mediator.SendResult {
	c.mu.Lock()
	c.step++
	c.mu.Unlock()
	return c.mediator.Send(ctx, c.mediator.NextID(), msg)
}

// ExecuteQuery dispatches msg via the scope's mediator as a Query,
// incrementing the step counter the same way Execute does.
func (c *Context) ExecuteQuery(ctx context.Context, msg any) mediator.QueryResult {
	c.mu.Lock()
	c.step++
	c.mu.Unlock()
	return c.mediator.Query(ctx, c.mediator.NextID(), msg)
}

// RegisterCompensation pushes a compensating message onto the stack, to be
// dispatched in LIFO order if the scope closes uncommitted.
func (c *Context) RegisterCompensation(msg any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stack = append(c.stack, Compensation{Message: msg})
}

// RegisterCompensationFunc pushes an arbitrary compensating delegate onto
// the stack, for rollback logic that isn't expressible as a single
// dispatchable message.
func (c *Context) RegisterCompensationFunc(fn func(ctx context.Context) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stack = append(c.stack, Compensation{Func: fn})
}

// Commit marks the scope successful. Close will not run compensations
// after this call.
func (c *Context) Commit() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.committed = true
}

// Committed reports whether Commit has been called.
func (c *Context) Committed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.committed
}

// Close runs the compensation stack in LIFO order if the scope was never
// committed. A failing compensation is recorded but does not stop the
// remaining ones (§4.8) — all CompensationErrors collected are returned
// joined, or nil if every compensation succeeded (or none ran).
func (c *Context) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.committed {
		c.mu.Unlock()
		return nil
	}
	stack := c.stack
	c.stack = nil
	c.mu.Unlock()

	var errs []error
	for i := len(stack) - 1; i >= 0; i-- {
		action := stack[i]
		var err error
		if action.Func != nil {
			err = action.Func(ctx)
		} else {
			res := c.mediator.Send(ctx, c.mediator.NextID(), action.Message)
			err = res.Err
			if err == nil && !res.Success {
				err = fmt.Errorf("compensation handler reported failure for %T", action.Message)
			}
		}
		if err != nil {
			errs = append(errs, &CompensationError{Index: i, Err: err})
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return joinErrors(errs)
}

// joinErrors combines multiple compensation failures into one
// multiCompensationError; its Unwrap() []error keeps each wrapped
// CompensationError inspectable via errors.As.
func joinErrors(errs []error) error {
	return &multiCompensationError{errs: errs}
}

type multiCompensationError struct{ errs []error }

func (m *multiCompensationError) Error() string {
	s := fmt.Sprintf("%d compensation(s) failed during rollback", len(m.errs))
	for _, e := range m.errs {
		s += "; " + e.Error()
	}
	return s
}

func (m *multiCompensationError) Unwrap() []error { return m.errs }

// Run opens a scope, invokes fn, and closes the scope on every exit path:
// if fn returns nil the scope is committed first, so Close runs no
// compensation; if fn returns an error, Close runs the compensation unwind
// unless fn itself called ctx.Commit(). If fn panics, Close still runs
// before the panic is allowed to continue propagating.
func Run(ctx context.Context, name string, m mediator.Mediator, fn func(*Context) error) (err error) {
	scope := Begin(name, m)
	defer func() {
		if r := recover(); r != nil {
			_ = scope.Close(ctx)
			panic(r)
		}
		if closeErr := scope.Close(ctx); closeErr != nil && err == nil {
			err = closeErr
		}
	}()
	err = fn(scope)
	if err == nil {
		scope.Commit()
	}
	return err
}
