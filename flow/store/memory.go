package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sagaflow/sagaflow/flow"
)

// MemStore is an in-process Store[T], grounded on the teacher's
// graph/store/memory.go MemoryStore: a sync.RWMutex guarding plain Go maps,
// no persistence across process restarts. Used by the saga/dsl unit tests
// and by the conformance suite in store_test.go as the reference backend
// every other implementation is checked against.
type MemStore[T any] struct {
	mu sync.RWMutex

	flows     map[string]flow.FlowSnapshot[T]
	waits     map[string]flow.WaitCondition
	foreaches map[foreachKey]flow.ForEachProgress
}

type foreachKey struct {
	flowID    string
	stepIndex int
}

// NewMemStore constructs an empty MemStore[T].
func NewMemStore[T any]() *MemStore[T] {
	return &MemStore[T]{
		flows:     make(map[string]flow.FlowSnapshot[T]),
		waits:     make(map[string]flow.WaitCondition),
		foreaches: make(map[foreachKey]flow.ForEachProgress),
	}
}

func (s *MemStore[T]) Create(_ context.Context, snapshot flow.FlowSnapshot[T]) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.flows[snapshot.FlowID]; exists {
		return false, nil
	}
	snapshot.Version = 0
	now := time.Now()
	if snapshot.CreatedAt.IsZero() {
		snapshot.CreatedAt = now
	}
	snapshot.UpdatedAt = now
	s.flows[snapshot.FlowID] = snapshot.Clone()
	return true, nil
}

func (s *MemStore[T]) Get(_ context.Context, flowID string) (flow.FlowSnapshot[T], error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.flows[flowID]
	if !ok {
		return flow.FlowSnapshot[T]{}, flow.ErrNotFound
	}
	return snap.Clone(), nil
}

func (s *MemStore[T]) Update(_ context.Context, snapshot flow.FlowSnapshot[T]) (flow.FlowSnapshot[T], error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.flows[snapshot.FlowID]
	if !ok {
		return flow.FlowSnapshot[T]{}, flow.ErrNotFound
	}
	if current.Version != snapshot.Version {
		return flow.FlowSnapshot[T]{}, flow.ErrVersionConflict
	}
	snapshot.Version = current.Version + 1
	snapshot.UpdatedAt = time.Now()
	s.flows[snapshot.FlowID] = snapshot.Clone()
	return snapshot.Clone(), nil
}

func (s *MemStore[T]) TryClaim(_ context.Context, flowType string, nodeID flow.NodeID, claimTimeout time.Duration) (flow.FlowSnapshot[T], error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for id, snap := range s.flows {
		if snap.Type != flowType || snap.Status.Terminal() {
			continue
		}
		if snap.Owner != "" && !snap.HeartbeatStale(now, claimTimeout) {
			continue
		}
		snap.Owner = nodeID
		snap.HeartbeatAt = now.UnixMilli()
		snap.Version++
		snap.UpdatedAt = now
		s.flows[id] = snap.Clone()
		return snap.Clone(), nil
	}
	return flow.FlowSnapshot[T]{}, flow.ErrNotFound
}

func (s *MemStore[T]) Heartbeat(_ context.Context, flowID string, nodeID flow.NodeID, knownVersion uint64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.flows[flowID]
	if !ok {
		return false, flow.ErrNotFound
	}
	if snap.Owner != nodeID || snap.Version != knownVersion {
		return false, nil
	}
	snap.HeartbeatAt = time.Now().UnixMilli()
	snap.Version++
	snap.UpdatedAt = time.Now()
	s.flows[flowID] = snap.Clone()
	return true, nil
}

func (s *MemStore[T]) SetWaitCondition(_ context.Context, condition flow.WaitCondition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waits[condition.CorrelationID] = condition
	return nil
}

func (s *MemStore[T]) GetWaitCondition(_ context.Context, correlationID string) (flow.WaitCondition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wc, ok := s.waits[correlationID]
	if !ok {
		return flow.WaitCondition{}, flow.ErrNotFound
	}
	return wc, nil
}

func (s *MemStore[T]) UpdateWaitCondition(_ context.Context, correlationID string, mutate func(*flow.WaitCondition) error) (flow.WaitCondition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wc, ok := s.waits[correlationID]
	if !ok {
		return flow.WaitCondition{}, flow.ErrNotFound
	}
	if err := mutate(&wc); err != nil {
		return flow.WaitCondition{}, err
	}
	s.waits[correlationID] = wc
	return wc, nil
}

func (s *MemStore[T]) ClearWaitCondition(_ context.Context, correlationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.waits, correlationID)
	return nil
}

func (s *MemStore[T]) GetTimedOutWaitConditions(_ context.Context, now time.Time) ([]flow.WaitCondition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []flow.WaitCondition
	for _, wc := range s.waits {
		if wc.Satisfied() {
			continue
		}
		if wc.TimedOut(now) {
			out = append(out, wc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CorrelationID < out[j].CorrelationID })
	return out, nil
}

func (s *MemStore[T]) SaveForEachProgress(_ context.Context, progress flow.ForEachProgress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.foreaches[foreachKey{progress.FlowID, progress.StepIndex}] = progress
	return nil
}

func (s *MemStore[T]) GetForEachProgress(_ context.Context, flowID string, stepIndex int) (flow.ForEachProgress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.foreaches[foreachKey{flowID, stepIndex}]
	if !ok {
		return flow.ForEachProgress{}, flow.ErrNotFound
	}
	return p, nil
}

func (s *MemStore[T]) ClearForEachProgress(_ context.Context, flowID string, stepIndex int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.foreaches, foreachKey{flowID, stepIndex})
	return nil
}

func (s *MemStore[T]) ListByStatus(_ context.Context, status flow.Status, limit int) ([]flow.FlowSnapshot[T], error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return filterSorted(s.flows, limit, func(snap flow.FlowSnapshot[T]) bool {
		return snap.Status == status
	}), nil
}

func (s *MemStore[T]) ListByType(_ context.Context, flowType string, limit int) ([]flow.FlowSnapshot[T], error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return filterSorted(s.flows, limit, func(snap flow.FlowSnapshot[T]) bool {
		return snap.Type == flowType
	}), nil
}

func filterSorted[T any](flows map[string]flow.FlowSnapshot[T], limit int, match func(flow.FlowSnapshot[T]) bool) []flow.FlowSnapshot[T] {
	var out []flow.FlowSnapshot[T]
	for _, snap := range flows {
		if match(snap) {
			out = append(out, snap.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FlowID < out[j].FlowID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *MemStore[T]) Close() error { return nil }
