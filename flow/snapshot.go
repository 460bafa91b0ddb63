package flow

import "time"

// NodeID identifies a worker node in the fleet. The zero value means
// "no owner claims this row".
type NodeID string

// FlowSnapshot is the durable row for one flow instance (§3). It is
// generic over T, the typed application state carried across resumes; Data
// is reserved for an opaque byte payload alongside the typed state (see
// Open Question 3 in spec.md §9 — this module resolves it by keeping State
// as the single source of truth and treating Data purely as an
// implementation-opaque channel a Serializer may use to stash bytes the
// typed state does not model, e.g. large attachments).
//
// A terminal Status is absorbing; Owner is non-empty only while Status is
// Running, Suspended, or WaitingForResponse; every successful Store.Update
// increments Version by exactly 1.
type FlowSnapshot[T any] struct {
	FlowID string `json:"flowId"`
	Type   string `json:"type"`

	State T `json:"state"`

	Position Position `json:"position"`
	Status   Status   `json:"status"`
	Error    string   `json:"error,omitempty"`

	Owner       NodeID `json:"owner,omitempty"`
	HeartbeatAt int64  `json:"heartbeatAt"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	Version uint64 `json:"version"`

	Data []byte `json:"data,omitempty"`

	// WakeAt is set while Status is Suspended at a Delay step: the instant
	// at or after which the DSL Executor should re-evaluate the step and
	// advance past it. Nil for every other suspension reason (WhenAll/
	// WhenAny suspend on a WaitCondition instead, which carries its own
	// deadline).
	WakeAt *time.Time `json:"wakeAt,omitempty"`

	// ParentFlowID and ParentCorrelationID are set when this flow was
	// spawned as one child of a WhenAll/WhenAny fan-out (§4.7 step 3b):
	// ParentFlowID names the parent flow, ParentCorrelationID is the
	// WaitCondition key the parent is suspended on. Both empty means this
	// flow has no parent. On terminal completion, the Executor publishes a
	// mediator.FlowCompletedEvent carrying these two fields so the Wait
	// Coordinator can record this flow's result against the parent's
	// WaitCondition and, once satisfied, resume it.
	ParentFlowID        string `json:"parentFlowId,omitempty"`
	ParentCorrelationID string `json:"parentCorrelationId,omitempty"`
}

// Clone returns a deep-enough copy for safe handoff across goroutine
// boundaries: the scalar fields and Position/Data are copied by value (byte
// slices are re-sliced from a fresh copy); State is copied by Go's normal
// value-copy semantics, which is sufficient whenever T is itself a plain
// data struct (the convention this module follows throughout, matching the
// teacher's State[S] generic parameter usage).
func (s FlowSnapshot[T]) Clone() FlowSnapshot[T] {
	cp := s
	if s.Data != nil {
		cp.Data = make([]byte, len(s.Data))
		copy(cp.Data, s.Data)
	}
	return cp
}

// IsOwnedBy reports whether node currently holds the lease on this
// snapshot.
func (s FlowSnapshot[T]) IsOwnedBy(node NodeID) bool {
	return s.Owner != "" && s.Owner == node
}

// HeartbeatStale reports whether the owner's heartbeat is older than
// claimTimeout relative to now, i.e. whether another node may legally
// tryClaim this row (§4.1 tryClaim).
func (s FlowSnapshot[T]) HeartbeatStale(now time.Time, claimTimeout time.Duration) bool {
	if s.Owner == "" {
		return true
	}
	return now.UnixMilli()-s.HeartbeatAt > claimTimeout.Milliseconds()
}
