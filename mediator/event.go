package mediator

// FlowCompletedEvent is published when a flow with a parent terminates.
// The Wait Coordinator subscribes to this to drive WhenAll/WhenAny
// resumption (§6 "Flow-completion event").
type FlowCompletedEvent struct {
	FlowID         string
	ParentFlowID   string
	CorrelationID  string
	Success        bool
	Error          string
	Result         []byte
}
