package flow

// Status is the lifecycle state of a FlowSnapshot, per §3's state machine:
//
//	NotStarted → Running
//	Running    → Suspended | WaitingForResponse | Completed | Failed | Cancelled
//	Suspended  → Running | Cancelled | Failed
//	WaitingForResponse → Running | Failed | Cancelled
//	Completed, Failed, Cancelled  (terminal)
type Status string

const (
	StatusNotStarted        Status = "NotStarted"
	StatusRunning           Status = "Running"
	StatusSuspended         Status = "Suspended"
	StatusWaitingForResponse Status = "WaitingForResponse"
	StatusCompleted         Status = "Completed"
	StatusFailed            Status = "Failed"
	StatusCancelled         Status = "Cancelled"
)

// Terminal reports whether s is an absorbing status. A terminal snapshot
// never transitions again; every entry point must check this first and
// return the stored result (§9 "Re-entry idempotence").
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Owned reports whether s is a status in which a non-null owner is
// permitted to hold the row, per the invariant
// "owner != null ⇒ status ∈ {Running, Suspended, WaitingForResponse}".
func (s Status) Owned() bool {
	switch s {
	case StatusRunning, StatusSuspended, StatusWaitingForResponse:
		return true
	default:
		return false
	}
}

// validTransitions encodes the state machine in §3 for defensive checks in
// the in-process engines. The Flow Store itself does not enforce this table
// (the store only enforces version CAS), and the saga and DSL executors do
// not call CanTransitionTo before their updates either; the table is
// available to callers that want the check.
var validTransitions = map[Status]map[Status]bool{
	StatusNotStarted: {StatusRunning: true},
	StatusRunning: {
		StatusSuspended:         true,
		StatusWaitingForResponse: true,
		StatusCompleted:         true,
		StatusFailed:            true,
		StatusCancelled:         true,
	},
	StatusSuspended: {
		StatusRunning:   true,
		StatusCancelled: true,
		StatusFailed:    true,
	},
	StatusWaitingForResponse: {
		StatusRunning:   true,
		StatusFailed:    true,
		StatusCancelled: true,
	},
}

// CanTransitionTo reports whether moving from s to next is legal under the
// state machine in §3.
func (s Status) CanTransitionTo(next Status) bool {
	if s == next {
		return false
	}
	allowed, ok := validTransitions[s]
	if !ok {
		return false
	}
	return allowed[next]
}
