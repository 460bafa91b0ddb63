// Package store provides Flow Store implementations: durable,
// CAS-versioned storage for FlowSnapshots, plus the WaitCondition and
// ForEachProgress side-tables, per spec §4.1.
//
// Implementations: MemStore (tests, single process), SQLiteStore (durable
// single-file), MySQLStore (durable networked). All three satisfy Store[T]
// verbatim — the same conformance suite in store_test.go runs against all
// of them.
package store

import (
	"context"
	"time"

	"github.com/sagaflow/sagaflow/flow"
)

// Store is the Flow Store contract (§4.1). T is the typed application
// state carried on each FlowSnapshot.
//
// Every method here is business-error-free: a transient transport failure
// is returned as a Go error distinct from flow.ErrVersionConflict /
// flow.ErrNotFound, and callers must treat it like a failed CAS (§4.1
// "Failure semantics") — no mutation happened, retry or escalate.
type Store[T any] interface {
	// Create inserts snapshot iff no row with FlowID exists. version is
	// reset to 0 regardless of the caller's input. Returns (true, nil) on
	// insert, (false, nil) if a row already exists.
	Create(ctx context.Context, snapshot flow.FlowSnapshot[T]) (bool, error)

	// Get returns the current row, or (zero, flow.ErrNotFound) if absent.
	// The returned snapshot is a defensive copy; callers must treat it as
	// read-only.
	Get(ctx context.Context, flowID string) (flow.FlowSnapshot[T], error)

	// Update performs a compare-and-swap: succeeds iff the stored row's
	// current version equals snapshot.Version. On success the stored
	// version becomes snapshot.Version+1 and the returned snapshot reflects
	// that. On a lost race, returns (zero, flow.ErrVersionConflict) and the
	// stored row is untouched.
	Update(ctx context.Context, snapshot flow.FlowSnapshot[T]) (flow.FlowSnapshot[T], error)

	// TryClaim selects one non-terminal row of the given flowType whose
	// owner is empty or whose heartbeat is older than claimTimeout,
	// atomically sets owner=nodeID, heartbeatAt=now, and increments
	// version. Returns (zero, flow.ErrNotFound) if none qualifies.
	// Implementations MUST ensure that under concurrent callers, each
	// qualifying row is returned to at most one caller.
	TryClaim(ctx context.Context, flowType string, nodeID flow.NodeID, claimTimeout time.Duration) (flow.FlowSnapshot[T], error)

	// Heartbeat atomically refreshes heartbeatAt and increments version iff
	// the stored owner is nodeID and the stored version is knownVersion.
	// Returns true on success; false (no error) if the lease was lost.
	Heartbeat(ctx context.Context, flowID string, nodeID flow.NodeID, knownVersion uint64) (bool, error)

	// SetWaitCondition inserts or replaces the row keyed by
	// condition.CorrelationID.
	SetWaitCondition(ctx context.Context, condition flow.WaitCondition) error

	// GetWaitCondition returns the row for correlationID, or
	// flow.ErrNotFound.
	GetWaitCondition(ctx context.Context, correlationID string) (flow.WaitCondition, error)

	// UpdateWaitCondition atomically mutates the row for
	// condition.CorrelationID via mutate, returning the updated value.
	// Implementations must serialize concurrent mutations to the same
	// correlationID (a per-key lock or a transaction), per §4.1: "These
	// need not be CAS-versioned individually but concurrent updates must
	// not interleave."
	UpdateWaitCondition(ctx context.Context, correlationID string, mutate func(*flow.WaitCondition) error) (flow.WaitCondition, error)

	// ClearWaitCondition deletes the row keyed by correlationID. Deleting a
	// nonexistent row is not an error.
	ClearWaitCondition(ctx context.Context, correlationID string) error

	// GetTimedOutWaitConditions returns every WaitCondition where
	// now-createdAt > timeout and the condition is not yet satisfied.
	GetTimedOutWaitConditions(ctx context.Context, now time.Time) ([]flow.WaitCondition, error)

	// SaveForEachProgress inserts or replaces the row keyed by (flowID,
	// stepIndex). Concurrent writes by the single owner of the parent flow
	// are acceptable without CAS (§4.1).
	SaveForEachProgress(ctx context.Context, progress flow.ForEachProgress) error

	// GetForEachProgress returns the row for (flowID, stepIndex), or
	// flow.ErrNotFound.
	GetForEachProgress(ctx context.Context, flowID string, stepIndex int) (flow.ForEachProgress, error)

	// ClearForEachProgress deletes the row for (flowID, stepIndex).
	// Deleting a nonexistent row is not an error.
	ClearForEachProgress(ctx context.Context, flowID string, stepIndex int) error

	// ListByStatus returns snapshots with the given status, for
	// housekeeping and the example inspector. May be approximate under
	// eventual-consistency backends (§4.1 "Query operations").
	ListByStatus(ctx context.Context, status flow.Status, limit int) ([]flow.FlowSnapshot[T], error)

	// ListByType returns snapshots of the given flowType.
	ListByType(ctx context.Context, flowType string, limit int) ([]flow.FlowSnapshot[T], error)

	// Close releases any resources held by the store (open DB handles,
	// etc). MemStore's Close is a no-op.
	Close() error
}
