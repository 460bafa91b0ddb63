// Package dsl implements the DSL Flow Engine (§4.3–§4.7): a tree of Step
// nodes interpreted one Position at a time, with branching (If/Switch),
// looping (ForEach), fan-out/fan-in (WhenAll/WhenAny), and suspension
// (Delay, Wait).
package dsl

import (
	"time"

	"github.com/sagaflow/sagaflow/flow"
)

// Kind discriminates a Step's payload, per §4.3's table.
type Kind string

const (
	KindSend    Kind = "Send"
	KindQuery   Kind = "Query"
	KindPublish Kind = "Publish"
	KindIf      Kind = "If"
	KindSwitch  Kind = "Switch"
	KindForEach Kind = "ForEach"
	KindWhenAll Kind = "WhenAll"
	KindWhenAny Kind = "WhenAny"
	KindDelay   Kind = "Delay"
)

// MessageFactory builds the message to dispatch from the flow's current
// state. State is passed as `any` because a Step belongs to an untyped
// Program tree shared across flow types; callers supply factories closed
// over their own concrete state type and type-assert internally (the same
// boundary the Mediator's generic Send/Query wrappers already cross).
type MessageFactory func(state any) any

// CompensationFactory builds a compensation message (or nil to skip
// registering one) from the flow's current state, for a Send/Query step's
// Compensation and a WhenAll's OnAnyChildFailed hook.
type CompensationFactory func(state any) any

// IntoMapper copies a handler's result (or a WhenAny's first success) into
// the flow's state, returning the updated state.
type IntoMapper func(state any, result any) any

// Predicate evaluates a boolean condition against state, for If/OnlyWhen.
type Predicate func(state any) bool

// SelectorFunc evaluates a Switch's case key or a ForEach's collection,
// depending on context.
type SelectorFunc func(state any) any

// ChildFactory builds the message that starts one child flow of a
// WhenAll/WhenAny, given the parent's state and the already-generated
// childFlowID (so the factory can embed it in the start message).
type ChildFactory func(state any, childFlowID string) any

// Branch is an ordered list of Steps executed when a branch is selected.
type Branch []Step

// ElseIf is one (predicate, branch) arm of an If step, tried in order
// after the primary condition fails.
type ElseIf struct {
	Condition Predicate
	Then      Branch
}

// SwitchCase is one (key, branch) arm of a Switch step. Keys are compared
// with Go's == after both sides pass through fmt.Sprintf("%v", ...) so
// that any comparable SelectorFunc result (string, int, a custom enum)
// works uniformly without requiring callers to pick one concrete type.
type SwitchCase struct {
	Key    any
	Then   Branch
}

// Step is one node in a DSL program tree. Only the fields relevant to Kind
// are meaningful; the rest are zero. This flat-struct-with-discriminator
// shape (rather than an interface-per-kind) is grounded on the teacher's
// NodeResult/Next shape in graph/node.go, which uses a single struct with
// mutually-exclusive fields (To/Many/Terminal) rather than a sum type,
// matching Go's lack of tagged unions.
type Step struct {
	Kind Kind

	// Tag labels this step for events and debugging; optional.
	Tag string

	// OnlyWhen gates execution of this step (§4.4 step 2). Nil means
	// always execute.
	OnlyWhen Predicate

	// --- Send / Query ---
	Message      MessageFactory
	Compensation CompensationFactory
	Optional     bool
	Timeout      time.Duration
	Into         IntoMapper
	OnCompleted  func(state any, result any) any
	OnFailed     func(state any, err error) any

	// Retry governs automatic re-dispatch of a failed Send/Query before
	// Optional/OnFailed/Compensation ever see the error (§7: retries sit
	// strictly before the compensation decision). The zero value behaves
	// like flow.NoRetry: ShouldRetry's MaxAttempts<=1 check makes a single
	// attempt with no retry the default.
	Retry flow.RetryPolicy

	// --- Publish ---
	Event MessageFactory

	// --- If ---
	Condition Predicate
	Then      Branch
	ElseIfs   []ElseIf
	Else      Branch

	// --- Switch ---
	Selector SelectorFunc
	Cases    []SwitchCase
	Default  Branch

	// --- ForEach ---
	Collection     SelectorFunc
	ItemProgram    func(item any, index int) Branch
	BatchSize      int
	Parallelism    int
	FailurePolicy  string // a flow.FailurePolicy value stored as its string form
	OnItemSuccess  func(state any, index int, result any) any
	OnItemFail     func(state any, index int, err error) any
	OnForEachDone  func(state any) any

	// OnForEachErrors folds the CollectErrors policy's accumulated
	// per-item failures into state once the loop finishes; called before
	// OnForEachDone. Unused by StopOnFirstFailure/ContinueOnFailure, which
	// never accumulate an error list (§4.6 step 3c).
	OnForEachErrors func(state any, errs []error) any

	// --- WhenAll / WhenAny ---
	Children          []ChildFactory
	WaitTimeout        time.Duration
	OnAnyChildFailed   CompensationFactory // WhenAll
	CancelOthers       bool                // WhenAny; no default, zero value is false
	ResultInto         IntoMapper          // WhenAny

	// --- Delay ---
	Duration    time.Duration
	AbsoluteAt  *time.Time
}
