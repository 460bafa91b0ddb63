package flow

// FailurePolicy selects how a ForEach step reacts to a per-item failure
// (§4.3, §4.6).
type FailurePolicy string

const (
	StopOnFirstFailure FailurePolicy = "StopOnFirstFailure"
	ContinueOnFailure  FailurePolicy = "ContinueOnFailure"
	CollectErrors      FailurePolicy = "CollectErrors"
)

// ForEachProgress is the durable iteration state for a loop step, keyed by
// (FlowID, StepIndex) (§3, §4.6).
type ForEachProgress struct {
	FlowID    string `json:"flowId"`
	StepIndex int    `json:"stepIndex"`

	CurrentIndex int `json:"currentIndex"`
	TotalCount   int `json:"totalCount"`

	CompletedIndices map[int]struct{} `json:"-"`
	FailedIndices    map[int]struct{} `json:"-"`

	// CompletedList/FailedList are the serialization-friendly mirrors of the
	// two sets above (maps with non-string keys do not round-trip through
	// encoding/json). MarkCompleted/MarkFailed keep the lists current, and
	// Rehydrate rebuilds the two sets from them after decoding.
	CompletedList []int `json:"completedIndices"`
	FailedList    []int `json:"failedIndices"`
}

// NewForEachProgress creates the initial progress row for a loop over
// totalCount items.
func NewForEachProgress(flowID string, stepIndex, totalCount int) *ForEachProgress {
	return &ForEachProgress{
		FlowID:           flowID,
		StepIndex:        stepIndex,
		TotalCount:       totalCount,
		CompletedIndices: make(map[int]struct{}),
		FailedIndices:    make(map[int]struct{}),
	}
}

// MarkCompleted records index i as completed. It is the caller's
// responsibility to ensure i is not already in FailedIndices (the
// invariant in §3: completedIndices and failedIndices are disjoint).
func (p *ForEachProgress) MarkCompleted(i int) {
	p.CompletedIndices[i] = struct{}{}
	p.syncLists()
}

// MarkFailed records index i as failed.
func (p *ForEachProgress) MarkFailed(i int) {
	p.FailedIndices[i] = struct{}{}
	p.syncLists()
}

// Done reports whether index i has already been attempted (completed or
// failed), so the caller can skip it on resume — "Any index already in
// completedIndices MUST NOT re-execute" (§4.6).
func (p *ForEachProgress) Done(i int) bool {
	if _, ok := p.CompletedIndices[i]; ok {
		return true
	}
	_, ok := p.FailedIndices[i]
	return ok
}

// Advance recomputes CurrentIndex as one past the highest attempted index,
// matching §4.6 step 3d: "currentIndex = max(completedIndices ∪
// failedIndices) + 1".
func (p *ForEachProgress) Advance() {
	max := -1
	for i := range p.CompletedIndices {
		if i > max {
			max = i
		}
	}
	for i := range p.FailedIndices {
		if i > max {
			max = i
		}
	}
	if max+1 > p.CurrentIndex {
		p.CurrentIndex = max + 1
	}
}

func (p *ForEachProgress) syncLists() {
	p.CompletedList = p.CompletedList[:0]
	for i := range p.CompletedIndices {
		p.CompletedList = append(p.CompletedList, i)
	}
	p.FailedList = p.FailedList[:0]
	for i := range p.FailedIndices {
		p.FailedList = append(p.FailedList, i)
	}
}

// Rehydrate rebuilds the map-backed sets from the serialized lists. Call
// this after unmarshalling a ForEachProgress from a Store.
func (p *ForEachProgress) Rehydrate() {
	p.CompletedIndices = make(map[int]struct{}, len(p.CompletedList))
	for _, i := range p.CompletedList {
		p.CompletedIndices[i] = struct{}{}
	}
	p.FailedIndices = make(map[int]struct{}, len(p.FailedList))
	for _, i := range p.FailedList {
		p.FailedIndices[i] = struct{}{}
	}
}
