package flow

import "time"

// WaitType selects the fan-in predicate a WaitCondition evaluates (§3, §4.7).
type WaitType string

const (
	WaitAll WaitType = "All"
	WaitAny WaitType = "Any"
)

// ChildResult is one child flow's outcome, recorded in arrival order (§5:
// "results list is arrival-ordered, not start-ordered").
type ChildResult struct {
	ChildFlowID string `json:"childFlowId"`
	Success     bool   `json:"success"`
	Error       string `json:"error,omitempty"`
	Result      []byte `json:"result,omitempty"`
}

// WaitCondition is the durable handshake record linking a suspended parent
// flow with its outstanding children (§3, §4.7). It is keyed by
// CorrelationID, conventionally "{parentFlowId}-step-{stepIndex}".
type WaitCondition struct {
	CorrelationID string   `json:"correlationId"`
	Type          WaitType `json:"type"`

	ExpectedCount int           `json:"expectedCount"`
	ChildFlowIDs  []string      `json:"childFlowIds"`
	Results       []ChildResult `json:"results"`

	Timeout   time.Duration `json:"timeout"`
	CreatedAt time.Time     `json:"createdAt"`

	CancelOthers bool `json:"cancelOthers"`

	// Back-reference to the suspended parent.
	FlowID   string `json:"flowId"`
	FlowType string `json:"flowType"`
	Step     int    `json:"step"`
}

// CompletedCount is len(Results); kept as a method rather than a stored
// field so the invariant completedCount == len(results) cannot drift.
func (w *WaitCondition) CompletedCount() int {
	return len(w.Results)
}

// HasChild reports whether childFlowID has already reported a result,
// letting the Wait Coordinator discard duplicate completion events (§4.7
// "Idempotence").
func (w *WaitCondition) HasChild(childFlowID string) bool {
	for _, r := range w.Results {
		if r.ChildFlowID == childFlowID {
			return true
		}
	}
	return false
}

// Satisfied reports whether the predicate for w.Type is met by the results
// recorded so far (§3's invariant).
func (w *WaitCondition) Satisfied() bool {
	switch w.Type {
	case WaitAll:
		return w.CompletedCount() == w.ExpectedCount
	case WaitAny:
		if w.CompletedCount() == w.ExpectedCount {
			return true // all arrived, even if every one failed (failure case, still "satisfied")
		}
		for _, r := range w.Results {
			if r.Success {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// Succeeded reports the overall pass/fail outcome once Satisfied() is true.
// For WaitAll: success iff every result succeeded. For WaitAny: success iff
// at least one result succeeded (first-arrived semantics resolve which
// result is copied into state — see FirstSuccess).
func (w *WaitCondition) Succeeded() bool {
	switch w.Type {
	case WaitAll:
		for _, r := range w.Results {
			if !r.Success {
				return false
			}
		}
		return true
	case WaitAny:
		for _, r := range w.Results {
			if r.Success {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// FirstSuccess returns the first successful result in arrival order, used
// by WhenAny to populate the Into-mapper target. ok is false if none
// succeeded yet.
func (w *WaitCondition) FirstSuccess() (ChildResult, bool) {
	for _, r := range w.Results {
		if r.Success {
			return r, true
		}
	}
	return ChildResult{}, false
}

// FirstFailure returns the first failed result in arrival order. Open
// Question 2 in spec.md §9 asks whether a WhenAny where every child fails
// should report the first-arrived error or an aggregate one; this module
// chooses first-arrived (simplest, matches the arrival-order guarantee
// already made for Results, and avoids inventing an aggregation format the
// spec never describes) — see DESIGN.md.
func (w *WaitCondition) FirstFailure() (ChildResult, bool) {
	for _, r := range w.Results {
		if !r.Success {
			return r, true
		}
	}
	return ChildResult{}, false
}

// OthersToCancel returns every childFlowID other than the one in except, in
// their original ChildFlowIDs order, for the WhenAny cancelOthers fan-out
// (§4.7 step 5, §8 testable property "cancelOthers was emitted for every
// other child in order").
func (w *WaitCondition) OthersToCancel(except string) []string {
	out := make([]string, 0, len(w.ChildFlowIDs))
	for _, id := range w.ChildFlowIDs {
		if id != except {
			out = append(out, id)
		}
	}
	return out
}

// TimedOut reports whether now is past CreatedAt+Timeout and the condition
// has not yet been satisfied — the predicate behind Store.GetTimedOut.
func (w *WaitCondition) TimedOut(now time.Time) bool {
	if w.Satisfied() {
		return false
	}
	return now.Sub(w.CreatedAt) > w.Timeout
}
