package mediator

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/sagaflow/sagaflow/flow/emit"
)

// sendHandler and queryHandler are the untyped shapes every registered
// handler is reduced to; the generic RegisterSend/RegisterQuery helpers
// below are the only place a type assertion happens going in.
type sendHandler func(ctx context.Context, msg any) (bool, error)
type queryHandler func(ctx context.Context, msg any) (any, error)
type eventHandler func(ctx context.Context, evt any)

// InMemoryMediator is a single-process Mediator: handlers are registered by
// concrete message type and looked up with reflect.TypeOf at dispatch time.
// Grounded on the teacher's NodeFunc adapter pattern (graph/node.go) for the
// "plain function as typed unit" shape; the type-keyed registry itself has
// no direct teacher analogue (the teacher dispatches by static graph edges,
// not by message type) and is instead modeled on the conventional
// mediator-pattern registry (map[reflect.Type]handler), the idiomatic Go
// substitute for the generic per-method dispatch a runtime like C#'s
// MediatR gets from reflection over closed generic interfaces.
type InMemoryMediator struct {
	mu       sync.RWMutex
	sends    map[reflect.Type]sendHandler
	queries  map[reflect.Type]queryHandler
	subs     map[reflect.Type][]eventHandler
	emitter  emit.Emitter
	nextID   atomic.Uint64
}

// NewInMemoryMediator returns an empty registry. If emitter is nil, events
// describing dispatches and subscriber panics go nowhere; a subscriber
// panic is still not fatal to the caller.
func NewInMemoryMediator(emitter emit.Emitter) *InMemoryMediator {
	if emitter == nil {
		emitter = emit.NewNullEmitter()
	}
	return &InMemoryMediator{
		sends:   make(map[reflect.Type]sendHandler),
		queries: make(map[reflect.Type]queryHandler),
		subs:    make(map[reflect.Type][]eventHandler),
		emitter: emitter,
	}
}

// NextID hands out a monotonically increasing MessageID, unique for the
// lifetime of this Mediator's process. A plain atomic counter is used
// rather than a time-embedded scheme: nothing in this module's Testable
// Properties relies on MessageIDs sorting by creation time, only on
// uniqueness within a process lifetime (§6), so the simpler primitive is
// the right amount of mechanism.
func (m *InMemoryMediator) NextID() MessageID {
	return MessageID(m.nextID.Add(1))
}

func (m *InMemoryMediator) Send(ctx context.Context, id MessageID, msg any) SendResult {
	h, ok := m.lookupSend(reflect.TypeOf(msg))
	if !ok {
		return SendResult{Success: false, Err: fmt.Errorf("mediator: no send handler registered for %T", msg)}
	}
	ok2, err := h(ctx, msg)
	m.emitter.Emit(emit.Event{Msg: "mediator_send", Meta: map[string]interface{}{
		"message_id": uint64(id),
		"type":       fmt.Sprintf("%T", msg),
		"success":    ok2,
	}})
	if err != nil {
		return SendResult{Success: false, Err: err}
	}
	return SendResult{Success: ok2}
}

func (m *InMemoryMediator) Query(ctx context.Context, id MessageID, msg any) QueryResult {
	h, ok := m.lookupQuery(reflect.TypeOf(msg))
	if !ok {
		return QueryResult{Success: false, Err: fmt.Errorf("mediator: no query handler registered for %T", msg)}
	}
	val, err := h(ctx, msg)
	m.emitter.Emit(emit.Event{Msg: "mediator_query", Meta: map[string]interface{}{
		"message_id": uint64(id),
		"type":       fmt.Sprintf("%T", msg),
		"success":    err == nil,
	}})
	if err != nil {
		return QueryResult{Success: false, Err: err}
	}
	return QueryResult{Success: true, Value: val}
}

// Publish fans evt out to every subscriber registered for its concrete
// type, in subscription order. A subscriber panic is recovered, recorded
// as a "mediator_subscriber_panic" event through the configured emitter
// and otherwise ignored: per §6 publish is void at the port boundary, and
// the Wait Coordinator treats a published FlowCompletedEvent as
// fire-and-forget from the publisher's perspective.
func (m *InMemoryMediator) Publish(ctx context.Context, evt any) {
	handlers := m.lookupSubs(reflect.TypeOf(evt))
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.emitter.Emit(emit.Event{Msg: "mediator_subscriber_panic", Meta: map[string]interface{}{
						"type":  fmt.Sprintf("%T", evt),
						"panic": fmt.Sprint(r),
					}})
				}
			}()
			h(ctx, evt)
		}()
	}
}

func (m *InMemoryMediator) lookupSend(t reflect.Type) (sendHandler, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.sends[t]
	return h, ok
}

func (m *InMemoryMediator) lookupQuery(t reflect.Type) (queryHandler, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.queries[t]
	return h, ok
}

func (m *InMemoryMediator) lookupSubs(t reflect.Type) []eventHandler {
	m.mu.RLock()
	defer m.mu.RUnlock()
	subs := m.subs[t]
	out := make([]eventHandler, len(subs))
	copy(out, subs)
	return out
}

// RegisterSend wires a typed handler for TReq. Only one handler may be
// registered per type; a later call replaces the earlier one, matching the
// teacher's own last-registration-wins convention for named nodes
// (graph/engine.go AddNode).
func RegisterSend[TReq any](m *InMemoryMediator, h func(ctx context.Context, msg TReq) (bool, error)) {
	t := reflect.TypeOf((*TReq)(nil)).Elem()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sends[t] = func(ctx context.Context, msg any) (bool, error) {
		return h(ctx, msg.(TReq))
	}
}

// RegisterQuery wires a typed request/response handler.
func RegisterQuery[TReq, TRes any](m *InMemoryMediator, h func(ctx context.Context, msg TReq) (TRes, error)) {
	t := reflect.TypeOf((*TReq)(nil)).Elem()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queries[t] = func(ctx context.Context, msg any) (any, error) {
		return h(ctx, msg.(TReq))
	}
}

// Subscribe adds a typed event handler for TEvt. Multiple subscribers per
// type are allowed and run in registration order.
func Subscribe[TEvt any](m *InMemoryMediator, h func(ctx context.Context, evt TEvt)) {
	t := reflect.TypeOf((*TEvt)(nil)).Elem()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[t] = append(m.subs[t], func(ctx context.Context, evt any) {
		h(ctx, evt.(TEvt))
	})
}
