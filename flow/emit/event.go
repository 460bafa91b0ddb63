// Package emit provides event emission and observability for flow execution.
package emit

// Event is one observability event emitted by the Saga or DSL executor.
type Event struct {
	// FlowID identifies the flow instance that emitted this event.
	FlowID string

	// FlowType is the flow's registered type name.
	FlowType string

	// Step is the step index (saga) or Position string (DSL) active when
	// the event fired. Empty for flow-level events (start, complete).
	Step string

	// Msg is a short event name: "claim", "step_start", "step_end",
	// "compensate", "wait_suspend", "wait_resume", "flow_complete", ...
	Msg string

	// Meta carries event-specific structured data. Common keys:
	//   - "duration_ms": step duration in milliseconds
	//   - "error": error detail
	//   - "owner": claiming node ID
	//   - "correlation_id": wait condition correlation ID
	Meta map[string]interface{}
}
