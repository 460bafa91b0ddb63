// Package flow provides the data model shared by the Linear Saga Engine and
// the DSL Flow Engine: the tree-indexed program counter (Position), the
// durable snapshot row (FlowSnapshot), and the wait-condition and
// foreach-progress records that back fan-out and loop constructs.
package flow

import (
	"fmt"
	"strconv"
	"strings"
)

// Position is the tree-indexed program counter for a flow. It is the
// resumable continuation: there is no language-level call stack across a
// suspension, only the path recorded here.
//
// A Position is a non-empty sequence of non-negative integers. Length 1
// means "at the top level"; deeper sequences mean "inside a nested
// construct" (an If/Switch branch, a ForEach item, ...). Two Positions are
// equal iff their sequences are elementwise equal.
type Position struct {
	path []int
}

// NewPosition constructs a Position from an explicit path. An empty path is
// normalized to the initial position [0].
func NewPosition(path ...int) Position {
	if len(path) == 0 {
		return Position{path: []int{0}}
	}
	cp := make([]int, len(path))
	copy(cp, path)
	return Position{path: cp}
}

// Initial returns the starting Position for any program: [0].
func Initial() Position {
	return Position{path: []int{0}}
}

// Path returns a defensive copy of the underlying integer path.
func (p Position) Path() []int {
	cp := make([]int, len(p.path))
	copy(cp, p.path)
	return cp
}

// CurrentIndex returns the last element of the path (0 if the path is
// somehow empty, which should not occur for a Position built through this
// package's constructors).
func (p Position) CurrentIndex() int {
	if len(p.path) == 0 {
		return 0
	}
	return p.path[len(p.path)-1]
}

// Depth is len(path)-1: 0 at the top level, deeper inside nested constructs.
func (p Position) Depth() int {
	if len(p.path) == 0 {
		return 0
	}
	return len(p.path) - 1
}

// IsInBranch reports whether this Position is nested inside a branch,
// loop-item, or other construct rather than sitting at the top level.
func (p Position) IsInBranch() bool {
	return p.Depth() > 0
}

// Advance increments the last element of the path. An empty path becomes
// [1], matching the operational spec in §4.5.
func (p Position) Advance() Position {
	if len(p.path) == 0 {
		return Position{path: []int{1}}
	}
	cp := make([]int, len(p.path))
	copy(cp, p.path)
	cp[len(cp)-1]++
	return Position{path: cp}
}

// EnterBranch appends i to the path, descending one level into a nested
// construct (an If/Switch branch slot, a ForEach item index, ...).
func (p Position) EnterBranch(i int) Position {
	cp := make([]int, len(p.path)+1)
	copy(cp, p.path)
	cp[len(cp)-1] = i
	return Position{path: cp}
}

// ExitBranch drops the last element of the path. If the resulting length
// would be zero, ExitBranch is a no-op (matching §4.5: dropping below the
// top level is meaningless).
func (p Position) ExitBranch() Position {
	if len(p.path) <= 1 {
		return p
	}
	cp := make([]int, len(p.path)-1)
	copy(cp, p.path[:len(p.path)-1])
	return Position{path: cp}
}

// Parent returns the Position one level up, equivalent to ExitBranch.
func (p Position) Parent() Position {
	return p.ExitBranch()
}

// Equal reports whether two Positions have elementwise-equal paths.
func (p Position) Equal(other Position) bool {
	if len(p.path) != len(other.path) {
		return false
	}
	for i := range p.path {
		if p.path[i] != other.path[i] {
			return false
		}
	}
	return true
}

// String renders the Position as a dot-separated path, e.g. "0.2.1".
// This is the canonical encoding persisted on a FlowSnapshot and must stay
// stable across restarts: resume correctness depends on the path being
// parsed back exactly as written.
func (p Position) String() string {
	parts := make([]string, len(p.path))
	for i, v := range p.path {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ".")
}

// ParsePosition parses the canonical dot-separated encoding produced by
// String. It rejects empty segments and negative indices so that a
// corrupted persisted row fails fast rather than silently resuming at the
// wrong place.
func ParsePosition(s string) (Position, error) {
	if s == "" {
		return Position{}, fmt.Errorf("flow: empty position")
	}
	segments := strings.Split(s, ".")
	path := make([]int, len(segments))
	for i, seg := range segments {
		n, err := strconv.Atoi(seg)
		if err != nil {
			return Position{}, fmt.Errorf("flow: invalid position segment %q: %w", seg, err)
		}
		if n < 0 {
			return Position{}, fmt.Errorf("flow: negative position segment %q", seg)
		}
		path[i] = n
	}
	return Position{path: path}, nil
}

// MarshalJSON renders the Position as its canonical string, so it survives
// a FlowSnapshot round-trip through any JSON-based Serializer.
func (p Position) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(p.String())), nil
}

// UnmarshalJSON parses the canonical string form produced by MarshalJSON.
func (p *Position) UnmarshalJSON(data []byte) error {
	s, err := strconv.Unquote(string(data))
	if err != nil {
		return fmt.Errorf("flow: unquote position: %w", err)
	}
	parsed, err := ParsePosition(s)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
