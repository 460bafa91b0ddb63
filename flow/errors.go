package flow

import "errors"

// ErrNotFound is returned when a requested flowId, correlationId, or
// (flowId, stepIndex) pair does not exist in the Store.
var ErrNotFound = errors.New("flow: not found")

// ErrAlreadyExists names the "row with this flowId already exists" case.
// Store.Create does not return it: Create reports that case as
// (false, nil), and callers that want an error instead of a bool use this.
var ErrAlreadyExists = errors.New("flow: already exists")

// ErrVersionConflict is returned when a CAS-based Update or heartbeat loses
// the race: the stored version no longer matches the caller's known
// version. This is never a business-level failure — callers reload and
// either retry or, if the stored row is terminal, stop (§4.1 "Failure
// semantics").
var ErrVersionConflict = errors.New("flow: version conflict")

// ErrLeaseLost is returned by heartbeat/update drivers when the lease is no
// longer held — a legitimate terminal condition for a run, not an error
// surfaced to the business layer (§7 "Lease lost").
var ErrLeaseLost = errors.New("flow: lease lost")

// ErrAlreadyTerminal is returned when an operation is attempted against a
// snapshot whose Status is already terminal.
var ErrAlreadyTerminal = errors.New("flow: snapshot already terminal")

// ErrNoCondition is the flow-level failure for an If step with a nil
// predicate (§7).
var ErrNoCondition = errors.New("flow: no condition")

// ErrNoDefaultCase is the flow-level failure for a Switch step whose
// selector value matches no case and which has no default branch (§7).
var ErrNoDefaultCase = errors.New("flow: no matching case and no default")

// ErrWaitTimeout is the error recorded on a parent flow when its
// WaitCondition's timeout elapses unsatisfied (§4.7 "Timeout phase").
var ErrWaitTimeout = errors.New("flow: wait timeout")

// ErrNotOwned is returned internally when an operation is attempted by a
// node that does not (or no longer) hold the snapshot's lease.
var ErrNotOwned = errors.New("flow: not owned by this node")
