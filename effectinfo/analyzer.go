package effectinfo

import (
	"github.com/chazu/metajit/flowgraph"
)

// Effects is a raw read/write footprint.
type Effects struct {
	Reads  []flowgraph.Location
	Writes []flowgraph.Location
}

// ReadWriteAnalyzer computes the footprint of a call operation. ok is false
// when the analysis cannot bound the effects ("top").
type ReadWriteAnalyzer interface {
	Analyze(op *flowgraph.Operation) (eff Effects, ok bool)
}

// Analyzer is the full collaborator a Summarizer needs.
type Analyzer interface {
	ReadWriteAnalyzer
	CanRaise(op *flowgraph.Operation) bool
	ForcesVirtualizable(op *flowgraph.Operation) bool
	CanInvalidate(op *flowgraph.Operation) bool
}

type summary struct {
	eff      Effects
	top      bool
	raises   bool
	forces   bool
	invalids bool
	// dep is one more than the stack depth of the shallowest graph still
	// being analyzed that this result depends on; zero when complete.
	dep int
}

func (s *summary) merge(o *summary) {
	s.eff.Reads = append(s.eff.Reads, o.eff.Reads...)
	s.eff.Writes = append(s.eff.Writes, o.eff.Writes...)
	s.top = s.top || o.top
	s.raises = s.raises || o.raises
	s.forces = s.forces || o.forces
	s.invalids = s.invalids || o.invalids
	if o.dep != 0 && (s.dep == 0 || o.dep < s.dep) {
		s.dep = o.dep
	}
}

// GraphAnalyzer walks callee graphs transitively. Results are memoized per
// graph once they no longer depend on a graph still on the analysis stack;
// members of a recursive cycle are memoized only through the cycle head,
// whose single pass already unions every member's effects.
// A GraphAnalyzer is not safe for concurrent use.
type GraphAnalyzer struct {
	memo      map[*flowgraph.Graph]*summary
	inProcess map[*flowgraph.Graph]int
}

// NewGraphAnalyzer creates an analyzer with an empty memo table.
func NewGraphAnalyzer() *GraphAnalyzer {
	return &GraphAnalyzer{
		memo:      make(map[*flowgraph.Graph]*summary),
		inProcess: make(map[*flowgraph.Graph]int),
	}
}

// Analyze implements ReadWriteAnalyzer.
func (a *GraphAnalyzer) Analyze(op *flowgraph.Operation) (Effects, bool) {
	s := a.call(op)
	if s.top {
		return Effects{}, false
	}
	return s.eff, true
}

// CanRaise reports whether the call may raise.
func (a *GraphAnalyzer) CanRaise(op *flowgraph.Operation) bool { return a.call(op).raises }

// ForcesVirtualizable reports whether the callee may touch a virtualizable
// in a way that requires forcing it.
func (a *GraphAnalyzer) ForcesVirtualizable(op *flowgraph.Operation) bool {
	return a.call(op).forces
}

// CanInvalidate reports whether the callee may write a quasi-immutable field.
func (a *GraphAnalyzer) CanInvalidate(op *flowgraph.Operation) bool {
	return a.call(op).invalids
}

func (a *GraphAnalyzer) call(op *flowgraph.Operation) *summary {
	switch op.Op {
	case flowgraph.OpDirectCall:
		fn := op.Callee()
		if fn == nil {
			return &summary{top: true, raises: true}
		}
		return a.function(fn)
	case flowgraph.OpIndirectCall:
		targets, ok := op.IndirectTargets()
		if !ok {
			return &summary{top: true, raises: true}
		}
		s := &summary{}
		for _, g := range targets {
			s.merge(a.graph(g))
		}
		return s
	}
	return a.operation(op)
}

func (a *GraphAnalyzer) function(fn *flowgraph.FuncPtr) *summary {
	if fn.Graph != nil {
		return a.graph(fn.Graph)
	}
	s := &summary{raises: !fn.CannotRaise}
	if fn.Effects == nil {
		s.top = true
	} else {
		s.eff.Reads = append(s.eff.Reads, fn.Effects.Reads...)
		s.eff.Writes = append(s.eff.Writes, fn.Effects.Writes...)
	}
	return s
}

func (a *GraphAnalyzer) graph(g *flowgraph.Graph) *summary {
	if s, ok := a.memo[g]; ok {
		return s
	}
	if d, ok := a.inProcess[g]; ok {
		return &summary{dep: d + 1}
	}
	depth := len(a.inProcess)
	a.inProcess[g] = depth
	defer delete(a.inProcess, g)

	s := &summary{}
	for _, b := range g.Blocks() {
		if b == g.ExceptBlock {
			s.raises = true
		}
		for _, op := range b.Operations {
			if op.Op == flowgraph.OpDirectCall || op.Op == flowgraph.OpIndirectCall {
				s.merge(a.call(op))
			} else {
				s.merge(a.operation(op))
			}
		}
	}
	if s.dep == depth+1 {
		s.dep = 0
	}
	if s.dep != 0 {
		return s
	}
	a.memo[g] = s
	return s
}

func (a *GraphAnalyzer) operation(op *flowgraph.Operation) *summary {
	s := &summary{}
	switch op.Op {
	case flowgraph.OpGetField, flowgraph.OpSetField:
		st, _ := flowgraph.StaticType(op.Args[0]).(*flowgraph.StructType)
		name, _ := op.Args[1].(*flowgraph.Constant).Value.(string)
		if st == nil {
			s.top = true
			return s
		}
		loc := flowgraph.FieldLocation(st, name)
		if op.Op == flowgraph.OpGetField {
			s.eff.Reads = append(s.eff.Reads, loc)
		} else {
			s.eff.Writes = append(s.eff.Writes, loc)
			if st.IsQuasiImmutableField(name) {
				s.invalids = true
			}
		}
		if st.VirtualizableRoot() != nil {
			s.forces = true
		}
	case flowgraph.OpGetArrayItem, flowgraph.OpSetArrayItem:
		s.raises = true
		at, _ := flowgraph.StaticType(op.Args[0]).(*flowgraph.ArrayType)
		if at == nil {
			s.top = true
			return s
		}
		if op.Op == flowgraph.OpGetArrayItem {
			s.eff.Reads = append(s.eff.Reads, flowgraph.ArrayLocation(at))
		} else {
			s.eff.Writes = append(s.eff.Writes, flowgraph.ArrayLocation(at))
		}
	case flowgraph.OpIntFloorDiv, flowgraph.OpIntMod, flowgraph.OpNewArray:
		s.raises = true
	case flowgraph.OpForceVirtualizable:
		s.forces = true
	}
	return s
}
