package cpu

import (
	"errors"

	"github.com/chazu/metajit/effectinfo"
	"github.com/chazu/metajit/flowgraph"
	"github.com/chazu/metajit/jitcode"
	"github.com/google/uuid"
)

// Describer hands out interned descriptors.
type Describer interface {
	CallDescrOf(args []flowgraph.Kind, result flowgraph.Kind, info *effectinfo.EffectInfo) *CallDescr
	FieldDescrOf(t *flowgraph.StructType, name string) (*FieldDescr, error)
	ArrayDescrOf(t *flowgraph.ArrayType) *ArrayDescr
	SizeDescrOf(t *flowgraph.StructType) *SizeDescr
}

// Heap performs the memory operations of the blackhole interpreter.
// Interpreted exceptions are returned as *flowgraph.LLException.
type Heap interface {
	BhGetField(obj any, d *FieldDescr) (any, error)
	BhSetField(obj any, d *FieldDescr, v any) error
	BhGetArrayItem(arr any, index int64, d *ArrayDescr) (any, error)
	BhSetArrayItem(arr any, index int64, d *ArrayDescr, v any) error
	BhArrayLen(arr any, d *ArrayDescr) (int64, error)
	BhNew(d *SizeDescr) any
	BhNewArray(d *ArrayDescr, length int64) (any, error)
	// BhCall performs a residual call through a function pointer.
	BhCall(fn any, args []any, d *CallDescr) (any, error)
}

// Executor compiles and runs loops.
type Executor interface {
	CompileLoop(tr *Trace) (*LoopToken, error)
	Execute(tok *LoopToken, greens, reds []any) (ExecutionResult, error)
	// Redirect makes code that enters old run new instead.
	Redirect(old, new *LoopToken) error
	// Free releases the resources of a token; later executions fail.
	Free(tok *LoopToken)
}

// CPU is the full backend contract.
type CPU interface {
	Describer
	Heap
	Executor
}

// Trace is the bytecode input of loop compilation: the portal jitcode
// entered at its merge point with fixed green values.
type Trace struct {
	Portal       *jitcode.JitCode
	MergePointPC int
	DriverIndex  int
	Greens       []any
	RedKinds     []flowgraph.Kind
	// VableIndex is the position among the reds of the virtualizable
	// frame, or -1.
	VableIndex int
	VableType  *flowgraph.StructType
}

// ErrFreed is returned when executing a token that was freed.
var ErrFreed = errors.New("cpu: loop token was freed")

// LoopToken is the entry point of a compiled loop.
type LoopToken struct {
	ID    uuid.UUID
	Name  string
	Trace *Trace

	redirect *LoopToken
	freed    bool
}

// NewLoopToken creates a token with a fresh identity.
func NewLoopToken(name string, tr *Trace) *LoopToken {
	return &LoopToken{ID: uuid.New(), Name: name, Trace: tr}
}

// Target follows redirections to the token that actually runs.
func (t *LoopToken) Target() *LoopToken {
	for t.redirect != nil {
		t = t.redirect
	}
	return t
}

// SetRedirect records that t now enters to.
func (t *LoopToken) SetRedirect(to *LoopToken) { t.redirect = to }

// Redirected reports whether t has been redirected.
func (t *LoopToken) Redirected() bool { return t.redirect != nil }

// MarkFreed marks the token as released.
func (t *LoopToken) MarkFreed() { t.freed = true }

// Freed reports whether the token was released.
func (t *LoopToken) Freed() bool { return t.freed }

func (t *LoopToken) String() string {
	return "<LoopToken " + t.Name + " " + t.ID.String()[:8] + ">"
}

// ExecutionResult is the outcome of running compiled code until the portal
// returns or raises.
type ExecutionResult struct {
	Value     any
	Kind      flowgraph.Kind
	Exception *flowgraph.LLException
}
