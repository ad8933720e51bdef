// Package board keeps the shared classroom drawing surface logically
// synchronized. It stores no pixels: the surface is an ordered log of drawing
// operations, each stamped with a monotonically increasing revision, and
// clients catch up by asking for everything after the last revision they saw.
package board

import (
	"sync"
)

// OpKind is the kind of drawing operation.
type OpKind string

const (
	// OpStroke adds a freehand stroke to the surface.
	OpStroke OpKind = "stroke"

	// OpClear wipes the surface. Earlier ops stay in the log but are
	// superseded; Since answers from the latest clear onward.
	OpClear OpKind = "clear"
)

// Point is one sample of a stroke in normalized surface coordinates [0,1].
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Op is one drawing operation.
type Op struct {
	// Rev is the revision assigned by Apply. Revisions start at 1 and
	// increase by one per applied op.
	Rev uint64 `json:"rev"`

	// Kind is the operation kind.
	Kind OpKind `json:"kind"`

	// Author identifies who drew the op.
	Author string `json:"author,omitempty"`

	// Color is the stroke color, e.g. "#1a7f37". Empty for clears.
	Color string `json:"color,omitempty"`

	// Points are the stroke samples. Empty for clears.
	Points []Point `json:"points,omitempty"`
}

// Board is an append-only op log for one drawing surface.
// All methods are safe for concurrent use.
type Board struct {
	mu  sync.RWMutex
	ops []Op
}

// New returns an empty board at revision 0.
func New() *Board {
	return &Board{}
}

// Apply appends op to the log, assigns it the next revision, and returns the
// stamped op. The caller's Rev field is ignored.
func (b *Board) Apply(op Op) Op {
	b.mu.Lock()
	defer b.mu.Unlock()

	op.Rev = uint64(len(b.ops)) + 1
	b.ops = append(b.ops, op)
	return op
}

// Rev returns the latest assigned revision, 0 for an empty board.
func (b *Board) Rev() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return uint64(len(b.ops))
}

// Since returns the ops with revision > rev, in order. A client holding the
// current revision gets an empty slice. Ops superseded by a later clear are
// elided: catch-up starts at the most recent clear at or after rev.
func (b *Board) Since(rev uint64) []Op {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if rev >= uint64(len(b.ops)) {
		return nil
	}
	pending := b.ops[rev:]

	// Only ops from the latest clear onward still affect the surface.
	start := 0
	for i, op := range pending {
		if op.Kind == OpClear {
			start = i
		}
	}
	out := make([]Op, len(pending)-start)
	copy(out, pending[start:])
	return out
}
