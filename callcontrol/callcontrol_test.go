package callcontrol

import (
	"testing"

	"github.com/chazu/metajit/cpu"
	"github.com/chazu/metajit/effectinfo"
	"github.com/chazu/metajit/flowgraph"
)

// unary builds fn(x) = x + k.
func unary(name string, k int) *flowgraph.Builder {
	b := flowgraph.NewBuilder(name, flowgraph.Int)
	b.Func(flowgraph.Int)
	x := b.Var("x", flowgraph.Int)
	s := b.Start(x)
	s.Return(s.Op(flowgraph.OpIntAdd, x, k))
	return b
}

type fixture struct {
	portal   *flowgraph.Graph
	helper   *flowgraph.Graph
	leaf     *flowgraph.Graph
	elidable *flowgraph.Graph
	builtin  *flowgraph.Graph
	external *flowgraph.FuncPtr
	calls    map[string]*flowgraph.Operation
}

func newFixture() *fixture {
	f := &fixture{calls: map[string]*flowgraph.Operation{}}

	lb := unary("leaf", 1)
	f.leaf = lb.Graph()

	hb := flowgraph.NewBuilder("helper", flowgraph.Int)
	hb.Func(flowgraph.Int)
	hx := hb.Var("x", flowgraph.Int)
	hs := hb.Start(hx)
	hs.Return(hs.Call(f.leaf.Func, hx))
	f.helper = hb.Graph()

	eb := unary("cached", 2)
	eb.Func().Elidable = true
	f.elidable = eb.Graph()

	bb := unary("sqrtish", 0)
	bb.Func().Oopspec = "math.sqrt"
	f.builtin = bb.Graph()

	f.external = &flowgraph.FuncPtr{Name: "ext", ArgKinds: []flowgraph.Kind{flowgraph.Int},
		ResultKind: flowgraph.Int, Impl: func(a []any) (any, error) { return a[0], nil }}

	pb := flowgraph.NewBuilder("portal", flowgraph.Int)
	pfn := pb.Func(flowgraph.Int, flowgraph.Ref)
	x := pb.Var("x", flowgraph.Int)
	fp := pb.Var("fp", flowgraph.Ref)
	s := pb.Start(x, fp)
	record := func(name string) {
		ops := s.Block.Operations
		f.calls[name] = ops[len(ops)-1]
	}
	s.Call(f.helper.Func, x)
	record("helper")
	s.Call(f.elidable.Func, x)
	record("elidable")
	s.Call(f.builtin.Func, x)
	record("builtin")
	s.Call(f.external, x)
	record("external")
	s.Call(pfn, x, fp)
	record("recursive")
	s.CallIndirect(flowgraph.Int, fp, []*flowgraph.Graph{f.helper, f.leaf}, x)
	record("indirect")
	s.CallIndirect(flowgraph.Int, fp, []*flowgraph.Graph{f.helper, f.elidable}, x)
	record("mixed")
	s.CallIndirect(flowgraph.Int, fp, nil, x)
	record("unknown")
	s.Return(x)
	f.portal = pb.Graph()
	return f
}

func newCallControl(p Policy, f *fixture) *CallControl {
	return New(p, cpu.NewDescrCache(), effectinfo.NewSummarizer(effectinfo.NewCache()), f.portal)
}

func TestGuessCallKind(t *testing.T) {
	f := newFixture()
	cc := newCallControl(DefaultPolicy{SupportsFloats: true}, f)
	tests := []struct {
		call string
		want Guess
	}{
		{"helper", Regular},
		{"elidable", Residual},
		{"builtin", Builtin},
		{"external", Residual},
		{"recursive", Recursive},
		{"indirect", Regular},
		{"mixed", Residual},
		{"unknown", Residual},
	}
	for _, tt := range tests {
		if got := cc.GuessCallKind(f.calls[tt.call]); got != tt.want {
			t.Errorf("GuessCallKind(%s) = %v, want %v", tt.call, got, tt.want)
		}
	}
}

func TestFindAllGraphsOrdered(t *testing.T) {
	f := newFixture()
	cc := newCallControl(DefaultPolicy{SupportsFloats: true}, f)
	got := cc.FindAllGraphs()
	if len(got) != 3 {
		t.Fatalf("candidates = %v, want portal, helper and leaf", got)
	}
	for i := 1; i < len(got); i++ {
		if got[i-1].ID >= got[i].ID {
			t.Errorf("candidates not ordered by ID: %v", got)
		}
	}
	if !cc.IsCandidate(f.leaf) || cc.IsCandidate(f.elidable) || cc.IsCandidate(f.builtin) {
		t.Errorf("wrong candidate membership")
	}
}

func TestMarkedOnlyPolicy(t *testing.T) {
	f := newFixture()
	f.helper.Func.LookInside = true
	cc := newCallControl(MarkedOnlyPolicy{}, f)
	if got := cc.GuessCallKind(f.calls["helper"]); got != Regular {
		t.Errorf("marked helper = %v, want regular", got)
	}
	if got := cc.GuessCallKind(f.calls["indirect"]); got != Residual {
		t.Errorf("indirect over unmarked leaf = %v, want residual", got)
	}
}

func TestFloatPolicy(t *testing.T) {
	b := flowgraph.NewBuilder("fl", flowgraph.Float)
	b.Func(flowgraph.Float)
	x := b.Var("x", flowgraph.Float)
	s := b.Start(x)
	s.Return(s.Op(flowgraph.OpFloatAdd, x, 1.5))
	if (DefaultPolicy{SupportsFloats: false}).LooksInside(b.Graph()) {
		t.Errorf("policy without float support looks inside a float graph")
	}
	if !(DefaultPolicy{SupportsFloats: true}).LooksInside(b.Graph()) {
		t.Errorf("policy with float support refuses a float graph")
	}
}

func TestPendingJitCodes(t *testing.T) {
	f := newFixture()
	cc := newCallControl(DefaultPolicy{SupportsFloats: true}, f)
	portal := cc.GetJitCode(f.portal)
	if cc.GetJitCode(f.portal) != portal {
		t.Fatalf("GetJitCode is not memoized")
	}
	var seen []string
	for g, jc := range cc.EnumPendingGraphs() {
		seen = append(seen, g.Name)
		if jc.Graph != g {
			t.Errorf("jitcode %s belongs to %v", jc.Name, jc.Graph)
		}
		if g == f.portal {
			if _, ok := cc.IndirectTargets(f.calls["indirect"]); !ok {
				t.Fatalf("IndirectTargets(indirect) failed")
			}
		}
	}
	want := []string{"portal", "helper", "leaf"}
	if len(seen) != len(want) {
		t.Fatalf("pending = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("pending[%d] = %s, want %s", i, seen[i], want[i])
		}
	}
	if _, ok := cc.IndirectTargets(f.calls["unknown"]); ok {
		t.Errorf("IndirectTargets(unknown) succeeded")
	}
}

func TestGetCallDescrInterned(t *testing.T) {
	f := newFixture()
	cc := newCallControl(DefaultPolicy{SupportsFloats: true}, f)
	a := cc.GetCallDescr(f.calls["helper"], effectinfo.OSNone)
	b := cc.GetCallDescr(f.calls["helper"], effectinfo.OSNone)
	if a != b {
		t.Errorf("GetCallDescr returned distinct descriptors")
	}
	if a.Result != flowgraph.Int || len(a.ArgKinds) != 1 {
		t.Errorf("descriptor = %s", a.DescrName())
	}
}
