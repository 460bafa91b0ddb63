package emit

import "context"

// Emitter receives observability events from the Saga and DSL executors.
//
// Implementations must be non-blocking and thread-safe: Emit is called from
// the executor's hot path and must never slow down or fail a flow.
type Emitter interface {
	// Emit sends a single event. Must not panic; internal errors are logged,
	// not surfaced.
	Emit(event Event)

	// EmitBatch sends multiple events, preserving order.
	EmitBatch(ctx context.Context, events []Event) error

	// Flush blocks until any buffered events are delivered. Safe to call
	// multiple times.
	Flush(ctx context.Context) error
}
