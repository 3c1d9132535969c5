// Package callcontrol classifies call sites: which callees the JIT compiles
// into jitcodes and inlines, which stay opaque residual calls, which call
// back into a portal, and which have built-in handlers.
package callcontrol

import (
	"iter"

	"github.com/google/btree"

	"github.com/chazu/metajit/cpu"
	"github.com/chazu/metajit/effectinfo"
	"github.com/chazu/metajit/flowgraph"
	"github.com/chazu/metajit/jitcode"
)

// Guess is the classification of a call site.
type Guess uint8

const (
	Residual  Guess = iota // opaque call left in the trace
	Regular                // callee compiled to a jitcode and inlined
	Recursive              // call into a portal
	Builtin                // callee has a built-in handler
)

func (g Guess) String() string {
	switch g {
	case Residual:
		return "residual"
	case Regular:
		return "regular"
	case Recursive:
		return "recursive"
	case Builtin:
		return "builtin"
	default:
		return "Guess(?)"
	}
}

// Policy decides which graphs the JIT may look inside.
type Policy interface {
	LooksInside(g *flowgraph.Graph) bool
}

// DefaultPolicy looks inside every graph except those whose function is
// elidable, loop-invariant or marked DontLookInside, and graphs that use
// floats when the backend does not support them.
type DefaultPolicy struct {
	SupportsFloats bool
}

// LooksInside implements Policy.
func (p DefaultPolicy) LooksInside(g *flowgraph.Graph) bool {
	if fn := g.Func; fn != nil && (fn.Elidable || fn.LoopInvariant || fn.DontLookInside) {
		return false
	}
	if !p.SupportsFloats && usesFloats(g) {
		return false
	}
	return true
}

// MarkedOnlyPolicy looks inside graphs explicitly marked LookInside.
type MarkedOnlyPolicy struct{}

// LooksInside implements Policy.
func (MarkedOnlyPolicy) LooksInside(g *flowgraph.Graph) bool {
	return g.Func != nil && g.Func.LookInside
}

func usesFloats(g *flowgraph.Graph) bool {
	for _, b := range g.Blocks() {
		for _, v := range b.Inputargs {
			if v.Kind() == flowgraph.Float {
				return true
			}
		}
		for _, op := range b.Operations {
			if op.Result != nil && op.Result.Kind() == flowgraph.Float {
				return true
			}
			for _, a := range op.Args {
				if a.Kind() == flowgraph.Float {
					return true
				}
			}
		}
	}
	return false
}

func byID(a, b *flowgraph.Graph) bool { return a.ID < b.ID }

// CallControl owns the candidate graph set and the jitcode registry of one
// compilation session. It is not safe for concurrent use.
type CallControl struct {
	Policy     Policy
	Describer  cpu.Describer
	Summarizer *effectinfo.Summarizer

	portals    *btree.BTreeG[*flowgraph.Graph]
	candidates *btree.BTreeG[*flowgraph.Graph]
	jitcodes   map[*flowgraph.Graph]*jitcode.JitCode
	order      []*jitcode.JitCode
	pending    []*flowgraph.Graph
}

// New creates a call classifier for the given portal graphs.
func New(policy Policy, describer cpu.Describer, summarizer *effectinfo.Summarizer, portals ...*flowgraph.Graph) *CallControl {
	cc := &CallControl{
		Policy:     policy,
		Describer:  describer,
		Summarizer: summarizer,
		portals:    btree.NewG(8, byID),
		jitcodes:   make(map[*flowgraph.Graph]*jitcode.JitCode),
	}
	for _, p := range portals {
		cc.portals.ReplaceOrInsert(p)
	}
	return cc
}

// IsPortal reports whether g is a portal graph.
func (cc *CallControl) IsPortal(g *flowgraph.Graph) bool { return cc.portals.Has(g) }

// FindAllGraphs computes the candidate set: the portals and every graph
// reachable from them through calls the policy lets the JIT look inside.
// It runs once; later calls return the memoized set.
func (cc *CallControl) FindAllGraphs() []*flowgraph.Graph {
	if cc.candidates == nil {
		cc.candidates = btree.NewG(8, byID)
		var todo []*flowgraph.Graph
		cc.portals.Ascend(func(p *flowgraph.Graph) bool {
			cc.candidates.ReplaceOrInsert(p)
			todo = append(todo, p)
			return true
		})
		consider := func(g *flowgraph.Graph) {
			if g == nil || cc.candidates.Has(g) || !cc.Policy.LooksInside(g) {
				return
			}
			if g.Func != nil && g.Func.Oopspec != "" {
				return
			}
			cc.candidates.ReplaceOrInsert(g)
			todo = append(todo, g)
		}
		for len(todo) > 0 {
			g := todo[0]
			todo = todo[1:]
			for _, op := range g.Operations() {
				switch op.Op {
				case flowgraph.OpDirectCall:
					if fn := op.Callee(); fn != nil {
						consider(fn.Graph)
					}
				case flowgraph.OpIndirectCall:
					targets, _ := op.IndirectTargets()
					for _, t := range targets {
						consider(t)
					}
				}
			}
		}
	}
	return cc.Candidates()
}

// Candidates returns the candidate graphs ordered by graph ID.
func (cc *CallControl) Candidates() []*flowgraph.Graph {
	if cc.candidates == nil {
		return nil
	}
	out := make([]*flowgraph.Graph, 0, cc.candidates.Len())
	cc.candidates.Ascend(func(g *flowgraph.Graph) bool {
		out = append(out, g)
		return true
	})
	return out
}

// IsCandidate reports whether g will be compiled to a jitcode.
func (cc *CallControl) IsCandidate(g *flowgraph.Graph) bool {
	cc.FindAllGraphs()
	return cc.candidates.Has(g)
}

// GuessCallKind classifies a call operation.
func (cc *CallControl) GuessCallKind(op *flowgraph.Operation) Guess {
	switch op.Op {
	case flowgraph.OpDirectCall:
		fn := op.Callee()
		switch {
		case fn == nil:
			return Residual
		case fn.Graph != nil && cc.IsPortal(fn.Graph):
			return Recursive
		case fn.Graph == nil:
			return Residual
		case fn.Oopspec != "":
			return Builtin
		case cc.IsCandidate(fn.Graph):
			return Regular
		}
		return Residual
	case flowgraph.OpIndirectCall:
		if _, ok := cc.indirectGraphs(op); ok {
			return Regular
		}
		return Residual
	}
	return Residual
}

func (cc *CallControl) indirectGraphs(op *flowgraph.Operation) ([]*flowgraph.Graph, bool) {
	targets, ok := op.IndirectTargets()
	if !ok || len(targets) == 0 {
		return nil, false
	}
	for _, g := range targets {
		if !cc.IsCandidate(g) {
			return nil, false
		}
	}
	return targets, true
}

// GetJitCode returns the jitcode of a candidate graph, creating an empty
// shell queued for compilation on first request.
func (cc *CallControl) GetJitCode(g *flowgraph.Graph) *jitcode.JitCode {
	if jc, ok := cc.jitcodes[g]; ok {
		return jc
	}
	jc := jitcode.NewShell(g.Name, g)
	cc.jitcodes[g] = jc
	cc.order = append(cc.order, jc)
	cc.pending = append(cc.pending, g)
	return jc
}

// EnumPendingGraphs yields graphs whose jitcodes still need compiling, in
// request order, including graphs requested while iterating.
func (cc *CallControl) EnumPendingGraphs() iter.Seq2[*flowgraph.Graph, *jitcode.JitCode] {
	return func(yield func(*flowgraph.Graph, *jitcode.JitCode) bool) {
		for len(cc.pending) > 0 {
			g := cc.pending[0]
			cc.pending = cc.pending[1:]
			if !yield(g, cc.jitcodes[g]) {
				return
			}
		}
	}
}

// JitCodes returns every jitcode requested so far, in request order.
func (cc *CallControl) JitCodes() []*jitcode.JitCode {
	return append([]*jitcode.JitCode(nil), cc.order...)
}

// IndirectTargets returns the jitcodes an indirect call may enter. ok is
// false when the call must stay residual.
func (cc *CallControl) IndirectTargets(op *flowgraph.Operation) (*jitcode.IndirectCallTargets, bool) {
	graphs, ok := cc.indirectGraphs(op)
	if !ok {
		return nil, false
	}
	d := &jitcode.IndirectCallTargets{}
	for _, g := range graphs {
		d.Targets = append(d.Targets, cc.GetJitCode(g))
	}
	return d, true
}

// GetCallDescr returns the interned descriptor of a call operation.
func (cc *CallControl) GetCallDescr(op *flowgraph.Operation, oopspec effectinfo.OopSpecIndex) *cpu.CallDescr {
	var kinds []flowgraph.Kind
	for _, a := range op.CallArgs() {
		kinds = append(kinds, a.Kind())
	}
	result := flowgraph.Void
	if op.Result != nil {
		result = op.Result.Kind()
	}
	return cc.Describer.CallDescrOf(kinds, result, cc.Summarizer.InfoFor(op, oopspec))
}
