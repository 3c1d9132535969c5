// Package llgraph is the reference CPU. It runs directly on flowgraph
// runtime values: heap operations touch *flowgraph.Struct and
// *flowgraph.Array, residual calls run Go implementations or evaluate
// graphs, and a compiled loop is the portal jitcode entered at its merge
// point by the blackhole interpreter.
package llgraph

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"

	"github.com/chazu/metajit/blackhole"
	"github.com/chazu/metajit/cpu"
	"github.com/chazu/metajit/flowgraph"
	"github.com/chazu/metajit/jitcode"
	"github.com/chazu/metajit/virtualizable"
)

var log = commonlog.GetLogger("metajit.llgraph")

var ErrNotCompilable = errors.New("llgraph: trace cannot be compiled")

// CPU implements cpu.CPU.
type CPU struct {
	*cpu.DescrCache
	Vables *virtualizable.Registry

	// Portals are the portal jitcodes by driver index, for recursive calls
	// made by compiled loops.
	Portals []*jitcode.JitCode

	// MaxSteps bounds each execution; zero means no limit.
	MaxSteps int

	mu    sync.Mutex
	loops map[uuid.UUID]*cpu.LoopToken
}

var _ cpu.CPU = (*CPU)(nil)

// New creates a CPU with fresh descriptor tables and its own
// virtualizable registry.
func New() *CPU {
	c := &CPU{
		DescrCache: cpu.NewDescrCache(),
		loops:      make(map[uuid.UUID]*cpu.LoopToken),
	}
	c.Vables = virtualizable.NewRegistry(c)
	return c
}

// ============================================================================
// Heap
// ============================================================================

// forceField makes the heap authoritative before s.field is touched, when
// the field lives in an attached frame.
func (c *CPU) forceField(s *flowgraph.Struct, field string) error {
	if s.Type.VirtualizableRoot() == nil {
		return nil
	}
	vi, err := c.Vables.Describe(s.Type)
	if err != nil {
		return err
	}
	if !vi.IsVirtualizableField(field) {
		return nil
	}
	return c.Vables.Force(s)
}

func (c *CPU) structOf(obj any, what string) (*flowgraph.Struct, error) {
	s, ok := obj.(*flowgraph.Struct)
	if !ok || s == nil {
		return nil, flowgraph.NewException(flowgraph.ExcNullReference, "%s on null", what)
	}
	return s, nil
}

func arrayOf(obj any, what string) (*flowgraph.Array, error) {
	a, ok := obj.(*flowgraph.Array)
	if !ok || a == nil {
		return nil, flowgraph.NewException(flowgraph.ExcNullReference, "%s on null array", what)
	}
	return a, nil
}

func checkIndex(a *flowgraph.Array, i int64) error {
	if i < 0 || i >= int64(len(a.Items)) {
		return flowgraph.NewException(flowgraph.ExcIndexError, "index %d out of range [0, %d)", i, len(a.Items))
	}
	return nil
}

// BhGetField implements cpu.Heap.
func (c *CPU) BhGetField(obj any, d *cpu.FieldDescr) (any, error) {
	s, err := c.structOf(obj, "getfield "+d.Name)
	if err != nil {
		return nil, err
	}
	if err := c.forceField(s, d.Name); err != nil {
		return nil, err
	}
	return s.Fields[d.Index], nil
}

// BhSetField implements cpu.Heap.
func (c *CPU) BhSetField(obj any, d *cpu.FieldDescr, v any) error {
	s, err := c.structOf(obj, "setfield "+d.Name)
	if err != nil {
		return err
	}
	if err := c.forceField(s, d.Name); err != nil {
		return err
	}
	s.Fields[d.Index] = v
	return nil
}

// BhGetArrayItem implements cpu.Heap.
func (c *CPU) BhGetArrayItem(arr any, index int64, d *cpu.ArrayDescr) (any, error) {
	a, err := arrayOf(arr, "getarrayitem")
	if err != nil {
		return nil, err
	}
	if err := checkIndex(a, index); err != nil {
		return nil, err
	}
	return a.Items[index], nil
}

// BhSetArrayItem implements cpu.Heap.
func (c *CPU) BhSetArrayItem(arr any, index int64, d *cpu.ArrayDescr, v any) error {
	a, err := arrayOf(arr, "setarrayitem")
	if err != nil {
		return err
	}
	if err := checkIndex(a, index); err != nil {
		return err
	}
	a.Items[index] = v
	return nil
}

// BhArrayLen implements cpu.Heap.
func (c *CPU) BhArrayLen(arr any, d *cpu.ArrayDescr) (int64, error) {
	a, err := arrayOf(arr, "arraylen")
	if err != nil {
		return 0, err
	}
	return int64(len(a.Items)), nil
}

// BhNew implements cpu.Heap.
func (c *CPU) BhNew(d *cpu.SizeDescr) any { return flowgraph.NewStruct(d.Type) }

// BhNewArray implements cpu.Heap.
func (c *CPU) BhNewArray(d *cpu.ArrayDescr, length int64) (any, error) {
	if length < 0 {
		return nil, flowgraph.NewException(flowgraph.ExcValueError, "negative array length %d", length)
	}
	return flowgraph.NewArray(d.Type, int(length)), nil
}

// BhCall implements cpu.Heap. Graph callees are evaluated directly; any
// virtualizable they touch is forced first. External implementations
// cannot be watched, so virtualizable arguments are forced before the call.
func (c *CPU) BhCall(fn any, args []any, d *cpu.CallDescr) (any, error) {
	f, ok := fn.(*flowgraph.FuncPtr)
	if !ok || f == nil {
		return nil, flowgraph.NewException(flowgraph.ExcNullReference, "call through null function pointer")
	}
	if f.Impl != nil {
		for _, a := range args {
			if s, ok := a.(*flowgraph.Struct); ok && s != nil && s.Type.VirtualizableRoot() != nil {
				if err := c.Vables.Force(s); err != nil {
					return nil, err
				}
			}
		}
		return f.Impl(args)
	}
	if f.Graph == nil {
		return nil, fmt.Errorf("llgraph: %s has neither graph nor implementation", f.Name)
	}
	ev := flowgraph.Evaluator{BeforeAccess: c.Vables.Force, MaxSteps: c.MaxSteps}
	return ev.Eval(f.Graph, args...)
}

// ============================================================================
// Loops
// ============================================================================

// CompileLoop implements cpu.Executor.
func (c *CPU) CompileLoop(tr *cpu.Trace) (*cpu.LoopToken, error) {
	if tr.Portal == nil || !tr.Portal.Ready() {
		return nil, fmt.Errorf("%w: portal is not assembled", ErrNotCompilable)
	}
	if tr.MergePointPC < 0 || tr.MergePointPC != tr.Portal.MergePointPC {
		return nil, fmt.Errorf("%w: %s has no merge point at %d", ErrNotCompilable, tr.Portal.Name, tr.MergePointPC)
	}
	tok := cpu.NewLoopToken(tr.Portal.Name, tr)
	c.mu.Lock()
	c.loops[tok.ID] = tok
	c.mu.Unlock()
	log.Infof("compiled loop %s", tok)
	return tok, nil
}

// Execute implements cpu.Executor. The virtualizable red, if any, is
// attached to a compiled frame for the duration of the run.
func (c *CPU) Execute(tok *cpu.LoopToken, greens, reds []any) (cpu.ExecutionResult, error) {
	t := tok.Target()
	if t.Freed() {
		return cpu.ExecutionResult{}, fmt.Errorf("%w: %s", cpu.ErrFreed, t)
	}
	tr := t.Trace
	if len(reds) != len(tr.RedKinds) {
		return cpu.ExecutionResult{}, fmt.Errorf("llgraph: %s takes %d reds, got %d", t, len(tr.RedKinds), len(reds))
	}
	if tr.VableIndex >= 0 {
		obj, ok := reds[tr.VableIndex].(*flowgraph.Struct)
		if !ok || obj == nil {
			return cpu.ExecutionResult{}, flowgraph.NewException(flowgraph.ExcNullReference, "virtualizable red is null")
		}
		fr, err := c.Vables.Attach(obj)
		if err != nil {
			return cpu.ExecutionResult{}, err
		}
		defer func() {
			if err := c.Vables.Detach(fr); err != nil {
				log.Errorf("detaching %s: %s", obj, err.Error())
			}
		}()
	}

	bh := blackhole.New(c, c.Vables)
	bh.Portals = c.Portals
	bh.MaxSteps = c.MaxSteps
	v, err := bh.RunLoop(tr.Portal, greens, reds)

	res := cpu.ExecutionResult{Kind: flowgraph.Void}
	if g := tr.Portal.Graph; g != nil {
		res.Kind = g.ResultKind()
	}
	var exc *flowgraph.LLException
	switch {
	case errors.As(err, &exc):
		res.Exception = exc
	case err != nil:
		return cpu.ExecutionResult{}, err
	default:
		res.Value = v
	}
	return res, nil
}

// Redirect implements cpu.Executor.
func (c *CPU) Redirect(old, new *cpu.LoopToken) error {
	if new.Target().Freed() {
		return fmt.Errorf("%w: redirect target %s", cpu.ErrFreed, new)
	}
	if new.Target() == old {
		return fmt.Errorf("llgraph: redirecting %s to itself", old)
	}
	old.SetRedirect(new)
	log.Debugf("redirected %s to %s", old, new)
	return nil
}

// Free implements cpu.Executor.
func (c *CPU) Free(tok *cpu.LoopToken) {
	tok.MarkFreed()
	c.mu.Lock()
	delete(c.loops, tok.ID)
	c.mu.Unlock()
	log.Debugf("freed %s", tok)
}

// Loops returns the number of compiled loops not yet freed.
func (c *CPU) Loops() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.loops)
}
