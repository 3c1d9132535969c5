package warmstate

import (
	"fmt"

	"github.com/chazu/metajit/cpu"
)

// State is the warm-up state of a cell.
type State uint8

const (
	// Interpreting: counting hits towards the threshold.
	Interpreting State = iota
	// Tracing: a trace for this key is in progress.
	Tracing
	// Stable: a compiled entry token is cached.
	Stable
)

func (s State) String() string {
	switch s {
	case Interpreting:
		return "interpreting"
	case Tracing:
		return "tracing"
	case Stable:
		return "stable"
	}
	return fmt.Sprintf("State(%d)", s)
}

// JitCell is the runtime record of one green key. Cells are created on
// the first hit and kept for the lifetime of their WarmEnterState.
type JitCell struct {
	Greens []any

	// DontTraceHere keeps the cell interpreting regardless of its counter.
	DontTraceHere bool

	state   State
	counter int64
	token   TokenRef
	hash    uint64
}

// State returns the cell's state.
func (c *JitCell) State() State { return c.state }

// Counter returns the hit counter while interpreting: -1 when stable and
// -2 while tracing.
func (c *JitCell) Counter() int64 {
	switch c.state {
	case Stable:
		return -1
	case Tracing:
		return -2
	}
	return c.counter
}

// Token returns the reference to the cached entry token of a stable cell.
func (c *JitCell) Token() TokenRef { return c.token }

func (c *JitCell) reset() {
	c.state = Interpreting
	c.counter = 0
	c.token = TokenRef{}
}

func (c *JitCell) String() string {
	return fmt.Sprintf("<JitCell %v %s>", c.Greens, c.state)
}

// ============================================================================
// Entry tokens
// ============================================================================

// TokenRef refers to a token in a TokenArena. The zero value refers to
// nothing. A reference whose generation no longer matches its slot is
// dead: the token it named was released.
type TokenRef struct {
	index int32 // slot + 1
	gen   uint32
}

// IsZero reports whether r refers to nothing.
func (r TokenRef) IsZero() bool { return r.index == 0 }

// TokenArena holds the entry tokens cells refer to.
type TokenArena struct {
	slots []tokenSlot
	free  []int
}

type tokenSlot struct {
	gen uint32
	tok *cpu.LoopToken
}

// Add stores tok and returns a reference to it.
func (a *TokenArena) Add(tok *cpu.LoopToken) TokenRef {
	var idx int
	if n := len(a.free); n > 0 {
		idx = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		idx = len(a.slots)
		a.slots = append(a.slots, tokenSlot{})
	}
	s := &a.slots[idx]
	s.gen++
	s.tok = tok
	return TokenRef{index: int32(idx + 1), gen: s.gen}
}

// Get returns the token r refers to, if it is still alive.
func (a *TokenArena) Get(r TokenRef) (*cpu.LoopToken, bool) {
	idx := int(r.index) - 1
	if idx < 0 || idx >= len(a.slots) {
		return nil, false
	}
	s := a.slots[idx]
	if s.gen != r.gen || s.tok == nil {
		return nil, false
	}
	return s.tok, true
}

// Release drops the token r refers to. Every reference to it becomes dead.
func (a *TokenArena) Release(r TokenRef) {
	idx := int(r.index) - 1
	if idx < 0 || idx >= len(a.slots) || a.slots[idx].gen != r.gen || a.slots[idx].tok == nil {
		return
	}
	a.slots[idx].tok = nil
	a.free = append(a.free, idx)
}

// Live returns the number of tokens held.
func (a *TokenArena) Live() int { return len(a.slots) - len(a.free) }
