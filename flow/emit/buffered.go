package emit

import (
	"context"
	"sync"
)

// BufferedEmitter stores events in memory, keyed by FlowID, for tests and
// development dashboards. Not for production use on long-running flows —
// nothing ever evicts old entries (see Clear).
type BufferedEmitter struct {
	mu     sync.RWMutex
	events map[string][]Event // flowID -> events
}

// HistoryFilter narrows GetHistoryWithFilter's result. Empty fields impose
// no constraint; set fields combine with AND logic.
type HistoryFilter struct {
	FlowType string
	Msg      string
}

// NewBufferedEmitter returns an empty BufferedEmitter.
func NewBufferedEmitter() *BufferedEmitter {
	return &BufferedEmitter{events: make(map[string][]Event)}
}

func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events[event.FlowID] = append(b.events[event.FlowID], event)
}

func (b *BufferedEmitter) EmitBatch(_ context.Context, events []Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, event := range events {
		b.events[event.FlowID] = append(b.events[event.FlowID], event)
	}
	return nil
}

// Flush is a no-op: BufferedEmitter has no downstream to flush to.
func (b *BufferedEmitter) Flush(_ context.Context) error { return nil }

// GetHistory returns a copy of every event recorded for flowID, in emission
// order.
func (b *BufferedEmitter) GetHistory(flowID string) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	events := b.events[flowID]
	result := make([]Event, len(events))
	copy(result, events)
	return result
}

// GetHistoryWithFilter returns flowID's events matching filter, in emission
// order.
func (b *BufferedEmitter) GetHistoryWithFilter(flowID string, filter HistoryFilter) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var result []Event
	for _, event := range b.events[flowID] {
		if filter.FlowType != "" && event.FlowType != filter.FlowType {
			continue
		}
		if filter.Msg != "" && event.Msg != filter.Msg {
			continue
		}
		result = append(result, event)
	}
	return result
}

// Clear discards events for flowID, or every flow if flowID is empty.
func (b *BufferedEmitter) Clear(flowID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if flowID == "" {
		b.events = make(map[string][]Event)
		return
	}
	delete(b.events, flowID)
}
