package dsl

import (
	"fmt"
	"time"
)

// Program is an immutable, validated Step tree (§4.3: "a program is
// immutable after build"). The zero value is not usable; construct one
// with Builder.Build.
type Program struct {
	name string
	root Branch
}

// Name returns the program's registered flow type name.
func (p Program) Name() string { return p.name }

// Root returns the top-level branch. Callers must treat it as read-only;
// Program carries no copy-on-read guard because every consumer in this
// module (the DSL Executor) is trusted not to mutate the tree it
// interprets.
func (p Program) Root() Branch { return p.root }

// StepAt resolves the step at a Position's path within this program,
// descending through ElseIf/Else/Cases branches as the path
// dictates. ok is false if the path runs off the end of its branch (the
// caller's cue to exit the branch per §4.4 step 1).
func (p Program) StepAt(path []int) (Step, bool) {
	branch := p.root
	for depth, idx := range path {
		if idx < 0 || idx >= len(branch) {
			return Step{}, false
		}
		step := branch[idx]
		if depth == len(path)-1 {
			return step, true
		}
		branch = subBranch(step, path[depth+1])
	}
	return Step{}, false
}

// subBranch resolves which nested Branch a child index descends into,
// given the parent step's kind and the branch indices produced by
// resolveIf/resolveSwitch in executor.go: If (0=then, 1..k=elseIf[i-1], k+1=else), Switch
// (declaration-order case indices, len(cases)=default). ForEach's
// per-item branch is built lazily from ItemProgram and is resolved by the
// Executor directly (it needs the concrete item value, which this
// path-only lookup does not have), so subBranch returns nil for ForEach —
// callers must special-case it.
func subBranch(step Step, childIndex int) Branch {
	switch step.Kind {
	case KindIf:
		if childIndex == 0 {
			return step.Then
		}
		if childIndex-1 < len(step.ElseIfs) {
			return step.ElseIfs[childIndex-1].Then
		}
		return step.Else
	case KindSwitch:
		if childIndex < len(step.Cases) {
			return step.Cases[childIndex].Then
		}
		return step.Default
	default:
		return nil
	}
}

// Builder accumulates Steps into a root Branch and defers all validation to
// Build, so a caller gets every problem in the tree reported together
// rather than failing on the first Add call. Grounded on the teacher's
// functional-options validation style (flow.Options.Validate,
// graph/options.go) generalized to tree construction; deferring validation
// to a terminal Build-equivalent call (rather than failing eagerly per
// Add) also matches the reference pack's Azure-go-workflow Builder
// interface.
type Builder struct {
	name string
	root Branch
}

// NewBuilder starts a program named name (the flow type it will be
// registered under).
func NewBuilder(name string) *Builder {
	return &Builder{name: name}
}

// Send appends a Send step.
func (b *Builder) Send(step Step) *Builder {
	step.Kind = KindSend
	b.append(step)
	return b
}

// Query appends a Query step.
func (b *Builder) Query(step Step) *Builder {
	step.Kind = KindQuery
	b.append(step)
	return b
}

// Publish appends a Publish step. Validity (Event non-nil) is checked once,
// by Build, against the whole assembled tree.
func (b *Builder) Publish(step Step) *Builder {
	step.Kind = KindPublish
	b.append(step)
	return b
}

// If appends an If step over a primary condition, an ordered list of
// elseIfs tried in sequence, and an optional elseBranch.
func (b *Builder) If(condition Predicate, then Branch, elseIfs []ElseIf, elseBranch Branch) *Builder {
	b.append(Step{Kind: KindIf, Condition: condition, Then: then, ElseIfs: elseIfs, Else: elseBranch})
	return b
}

// Switch appends a Switch step. Build rejects a Switch without a Selector
// or without a Default branch, so at runtime a selector result that
// matches no case — including a nil result — runs Default rather than
// failing the flow.
func (b *Builder) Switch(selector SelectorFunc, cases []SwitchCase, def Branch) *Builder {
	b.append(Step{Kind: KindSwitch, Selector: selector, Cases: cases, Default: def})
	return b
}

// ForEach appends a ForEach step.
func (b *Builder) ForEach(step Step) *Builder {
	step.Kind = KindForEach
	if step.BatchSize <= 0 {
		step.BatchSize = 1
	}
	if step.FailurePolicy == "" {
		step.FailurePolicy = "ContinueOnFailure"
	}
	b.append(step)
	return b
}

// WhenAll appends a WhenAll fan-out/fan-in step: suspends until every
// child reports completion; any child failure fails the parent (§4.7).
func (b *Builder) WhenAll(children []ChildFactory, timeout time.Duration, onAnyChildFailed CompensationFactory) *Builder {
	b.append(Step{Kind: KindWhenAll, Children: children, WaitTimeout: timeout, OnAnyChildFailed: onAnyChildFailed})
	return b
}

// WhenAny appends a WhenAny fan-out/fan-in step: suspends until the first
// child succeeds, or until every child has reported and none succeeded
// (§4.7). cancelOthers is stored exactly as passed; there is no default.
func (b *Builder) WhenAny(children []ChildFactory, timeout time.Duration, cancelOthers bool, resultInto IntoMapper) *Builder {
	b.append(Step{Kind: KindWhenAny, Children: children, WaitTimeout: timeout, CancelOthers: cancelOthers, ResultInto: resultInto})
	return b
}

// Delay appends a Delay step. Exactly one of duration or absoluteAt should
// be meaningful; if absoluteAt is non-nil it takes precedence.
func (b *Builder) Delay(duration time.Duration, absoluteAt *time.Time) *Builder {
	b.append(Step{Kind: KindDelay, Duration: duration, AbsoluteAt: absoluteAt})
	return b
}

func (b *Builder) append(step Step) {
	b.root = append(b.root, step)
}

// Build validates the accumulated tree and returns the immutable Program.
// Validation recurses into every nested branch (If/Switch arms) so a
// malformed step three levels deep is still reported, matching §4.3's
// "the builder must emit a fully-typed, validated tree."
func (b *Builder) Build() (Program, error) {
	errs := validateBranch(b.root, "root")
	if len(errs) > 0 {
		return Program{}, fmt.Errorf("dsl: program %q failed validation: %w", b.name, joinValidationErrors(errs))
	}
	return Program{name: b.name, root: b.root}, nil
}

func validateBranch(branch Branch, path string) []error {
	var errs []error
	for i, step := range branch {
		stepPath := fmt.Sprintf("%s[%d]", path, i)
		switch step.Kind {
		case KindSend, KindQuery:
			if step.Message == nil {
				errs = append(errs, fmt.Errorf("%s (%s): Message factory is required", stepPath, step.Kind))
			}
		case KindPublish:
			if step.Event == nil {
				errs = append(errs, fmt.Errorf("%s (Publish): Event factory is required", stepPath))
			}
		case KindIf:
			if step.Condition == nil {
				errs = append(errs, fmt.Errorf("%s (If): Condition is required", stepPath))
			}
			if len(step.Then) == 0 {
				errs = append(errs, fmt.Errorf("%s (If): Then branch must not be empty", stepPath))
			}
			errs = append(errs, validateBranch(step.Then, stepPath+".then")...)
			for j, ei := range step.ElseIfs {
				if ei.Condition == nil {
					errs = append(errs, fmt.Errorf("%s.elseIf[%d]: Condition is required", stepPath, j))
				}
				errs = append(errs, validateBranch(ei.Then, fmt.Sprintf("%s.elseIf[%d]", stepPath, j))...)
			}
			errs = append(errs, validateBranch(step.Else, stepPath+".else")...)
		case KindSwitch:
			if step.Selector == nil {
				errs = append(errs, fmt.Errorf("%s (Switch): Selector is required", stepPath))
			}
			if len(step.Default) == 0 {
				errs = append(errs, fmt.Errorf("%s (Switch): Default branch is required", stepPath))
			}
			seen := make(map[any]bool)
			for j, c := range step.Cases {
				if seen[c.Key] {
					errs = append(errs, fmt.Errorf("%s.case[%d]: duplicate key %v", stepPath, j, c.Key))
				}
				seen[c.Key] = true
				errs = append(errs, validateBranch(c.Then, fmt.Sprintf("%s.case[%d]", stepPath, j))...)
			}
			errs = append(errs, validateBranch(step.Default, stepPath+".default")...)
		case KindForEach:
			if step.Collection == nil {
				errs = append(errs, fmt.Errorf("%s (ForEach): Collection is required", stepPath))
			}
			if step.ItemProgram == nil {
				errs = append(errs, fmt.Errorf("%s (ForEach): ItemProgram is required", stepPath))
			}
		case KindWhenAll, KindWhenAny:
			if len(step.Children) == 0 {
				errs = append(errs, fmt.Errorf("%s (%s): at least one child factory is required", stepPath, step.Kind))
			}
			if step.WaitTimeout <= 0 {
				errs = append(errs, fmt.Errorf("%s (%s): Timeout must be positive", stepPath, step.Kind))
			}
		case KindDelay:
			if step.Duration <= 0 && step.AbsoluteAt == nil {
				errs = append(errs, fmt.Errorf("%s (Delay): Duration or AbsoluteAt is required", stepPath))
			}
		}
	}
	return errs
}

// joinValidationErrors combines all accumulated Builder/validation errors
// into one, keeping each individually inspectable via errors.Unwrap.
func joinValidationErrors(errs []error) error {
	return &validationErrors{errs: errs}
}

type validationErrors struct{ errs []error }

func (e *validationErrors) Error() string {
	msg := fmt.Sprintf("%d error(s)", len(e.errs))
	for _, err := range e.errs {
		msg += "; " + err.Error()
	}
	return msg
}

func (e *validationErrors) Unwrap() []error { return e.errs }
