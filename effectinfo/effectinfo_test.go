package effectinfo

import (
	"sync"
	"testing"

	"github.com/chazu/metajit/flowgraph"
)

var (
	nodeType = flowgraph.NewStructType("Node", nil,
		flowgraph.Field{Name: "x", Kind: flowgraph.Int},
		flowgraph.Field{Name: "y", Kind: flowgraph.Int})
	fieldX = flowgraph.FieldLocation(nodeType, "x")
	fieldY = flowgraph.FieldLocation(nodeType, "y")
)

func externalCall(name string, writes []flowgraph.Location, cannotRaise bool) *flowgraph.Operation {
	fn := &flowgraph.FuncPtr{
		Name:        name,
		ResultKind:  flowgraph.Void,
		CannotRaise: cannotRaise,
		Effects:     &flowgraph.Footprint{Writes: writes},
		Impl:        func([]any) (any, error) { return nil, nil },
	}
	return &flowgraph.Operation{Op: flowgraph.OpDirectCall, Args: []flowgraph.Value{flowgraph.NewConstant(fn)}}
}

func TestInterningIdentity(t *testing.T) {
	s := NewSummarizer(NewCache())
	a, okA := s.Summarize(externalCall("a", []flowgraph.Location{fieldX}, true), OSNone)
	b, okB := s.Summarize(externalCall("b", []flowgraph.Location{fieldX}, true), OSNone)
	c, okC := s.Summarize(externalCall("c", []flowgraph.Location{fieldX, fieldY}, true), OSNone)
	if !okA || !okB || !okC {
		t.Fatalf("Summarize reported unknown effects")
	}
	if a != b {
		t.Errorf("equal footprints interned as distinct summaries: %v vs %v", a, b)
	}
	if a == c {
		t.Errorf("different footprints share summary %v", a)
	}
	if a.Extra != CannotRaise {
		t.Errorf("Extra = %v, want cannot_raise", a.Extra)
	}
}

func TestInternNormalizesOrder(t *testing.T) {
	c := NewCache()
	a := c.Intern([]flowgraph.Location{fieldY, fieldX}, nil, CanRaise, OSNone, false)
	b := c.Intern([]flowgraph.Location{fieldX, fieldY, fieldX}, nil, CanRaise, OSNone, false)
	if a != b {
		t.Errorf("Intern depends on location order")
	}
	w := c.Intern([]flowgraph.Location{fieldX}, []flowgraph.Location{fieldX}, CanRaise, OSNone, false)
	if len(w.Reads) != 0 || len(w.Writes) != 1 {
		t.Errorf("read-and-written location: Reads=%v Writes=%v", w.Reads, w.Writes)
	}
}

func TestConcurrentIntern(t *testing.T) {
	c := NewCache()
	const n = 32
	got := make([]*EffectInfo, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got[i] = c.Intern(nil, []flowgraph.Location{fieldX}, CannotRaise, OSNone, false)
		}(i)
	}
	wg.Wait()
	for i := 1; i < n; i++ {
		if got[i] != got[0] {
			t.Fatalf("goroutine %d got a distinct summary", i)
		}
	}
	if c.Len() != 1 {
		t.Errorf("Len() = %d, want 1", c.Len())
	}
}

func TestExtraEffectOrder(t *testing.T) {
	order := []ExtraEffect{Pure, LoopInvariant, CannotRaise, PureCanRaise, CanRaise, ForcesEscape, RandomEffects}
	for i := 1; i < len(order); i++ {
		if order[i-1] >= order[i] {
			t.Errorf("%v >= %v", order[i-1], order[i])
		}
	}
}

func TestUnknownEffects(t *testing.T) {
	fn := &flowgraph.FuncPtr{Name: "opaque", ResultKind: flowgraph.Int}
	op := &flowgraph.Operation{Op: flowgraph.OpDirectCall, Args: []flowgraph.Value{flowgraph.NewConstant(fn)}}
	s := NewSummarizer(NewCache())
	if info, ok := s.Summarize(op, OSNone); ok {
		t.Errorf("Summarize(opaque) = %v, want unknown", info)
	}
	if info := s.InfoFor(op, OSNone); !info.HasRandomEffects() || !info.CheckCanRaise() {
		t.Errorf("InfoFor(opaque) = %v, want random effects", info)
	}
}

func TestGraphAnalysis(t *testing.T) {
	quasi := flowgraph.NewStructType("Cls", nil, flowgraph.Field{Name: "version", Kind: flowgraph.Int})
	quasi.QuasiImmutableFields = []string{"version"}

	// setter(n, q, v): n.x = v; q.version = v; return n.y // v
	b := flowgraph.NewBuilder("setter", flowgraph.Int)
	n := b.TypedVar("n", nodeType)
	q := b.TypedVar("q", quasi)
	v := b.Var("v", flowgraph.Int)
	start := b.Start(n, q, v)
	start.Do(flowgraph.OpSetField, n, "x", v)
	start.Do(flowgraph.OpSetField, q, "version", v)
	y := start.Op(flowgraph.OpGetField, n, "y")
	start.Return(start.Op(flowgraph.OpIntFloorDiv, y, v))
	setter := b.Func(flowgraph.Ref, flowgraph.Ref, flowgraph.Int)

	// caller(n, q) = setter(n, q, 3)
	cb := flowgraph.NewBuilder("caller", flowgraph.Int)
	cn := cb.TypedVar("n", nodeType)
	cq := cb.TypedVar("q", quasi)
	cs := cb.Start(cn, cq)
	call := cs.Call(setter, cn, cq, 3)
	cs.Return(call)
	op := cb.Graph().Startblock.Operations[0]

	s := NewSummarizer(NewCache())
	info, ok := s.Summarize(op, OSNone)
	if !ok {
		t.Fatalf("Summarize reported unknown effects")
	}
	if info.Extra != CanRaise {
		t.Errorf("Extra = %v, want can_raise", info.Extra)
	}
	if !info.CanInvalidate {
		t.Errorf("CanInvalidate = false, want true")
	}
	if len(info.Reads) != 1 || info.Reads[0] != fieldY {
		t.Errorf("Reads = %v, want [%v]", info.Reads, fieldY)
	}
	if len(info.Writes) != 2 {
		t.Errorf("Writes = %v, want two locations", info.Writes)
	}
}

func TestRecursiveGraphTerminates(t *testing.T) {
	b := flowgraph.NewBuilder("rec", flowgraph.Int)
	x := b.Var("x", flowgraph.Int)
	start := b.Start(x)
	fn := b.Func(flowgraph.Int)
	start.Return(start.Call(fn, x))

	op := b.Graph().Startblock.Operations[0]
	s := NewSummarizer(NewCache())
	info, ok := s.Summarize(op, OSNone)
	if !ok {
		t.Fatalf("Summarize reported unknown effects")
	}
	if info.Extra != CannotRaise {
		t.Errorf("Extra = %v, want cannot_raise", info.Extra)
	}
}

func TestParseOopspec(t *testing.T) {
	tests := []struct {
		tag  string
		want OopSpecIndex
	}{
		{"", OSNone},
		{"array.len", OSArrayLen},
		{"math.sqrt", OSMathSqrt},
		{"str.frobnicate", OSUnknown},
	}
	for _, tt := range tests {
		if got := ParseOopspec(tt.tag); got != tt.want {
			t.Errorf("ParseOopspec(%q) = %v, want %v", tt.tag, got, tt.want)
		}
	}
}

func TestInternTellsApartLocations(t *testing.T) {
	c := NewCache()
	other := flowgraph.NewStructType("Node", nil, flowgraph.Field{Name: "x", Kind: flowgraph.Int})
	a := c.Intern(nil, []flowgraph.Location{fieldX}, CannotRaise, OSNone, false)
	b := c.Intern(nil, []flowgraph.Location{flowgraph.FieldLocation(other, "x")}, CannotRaise, OSNone, false)
	if a == b {
		t.Errorf("fields of two types named Node share summary %v", a)
	}

	// "A.b" + "c" and "A" + "b.c" print the same
	dotted := flowgraph.NewStructType("A.b", nil, flowgraph.Field{Name: "c", Kind: flowgraph.Int})
	plain := flowgraph.NewStructType("A", nil, flowgraph.Field{Name: "b.c", Kind: flowgraph.Int})
	d := c.Intern([]flowgraph.Location{flowgraph.FieldLocation(dotted, "c")}, nil, CannotRaise, OSNone, false)
	p := c.Intern([]flowgraph.Location{flowgraph.FieldLocation(plain, "b.c")}, nil, CannotRaise, OSNone, false)
	if d == p {
		t.Errorf("A.b.c and A.(b.c) share summary %v", d)
	}
	if again := c.Intern(nil, []flowgraph.Location{flowgraph.FieldLocation(nodeType, "x")}, CannotRaise, OSNone, false); again != a {
		t.Errorf("same field interned twice as distinct summaries")
	}
}

func TestMutualRecursionSeesAllEffects(t *testing.T) {
	// even(n, node): if n > 0 { return odd(n-1, node) }; return 0
	// odd(n, node): node.x = n; return even(n, node)
	eb := flowgraph.NewBuilder("even", flowgraph.Int)
	en, enode := eb.Var("n", flowgraph.Int), eb.TypedVar("node", nodeType)
	ob := flowgraph.NewBuilder("odd", flowgraph.Int)
	on, onode := ob.Var("n", flowgraph.Int), ob.TypedVar("node", nodeType)
	ostart := ob.Start(on, onode)
	estart := eb.Start(en, enode)
	even := eb.Func(flowgraph.Int, flowgraph.Ref)
	odd := ob.Func(flowgraph.Int, flowgraph.Ref)

	n1, node1 := eb.Var("n", flowgraph.Int), eb.TypedVar("node", nodeType)
	recurse := eb.Block(n1, node1)
	zero := eb.Block()
	estart.If(estart.Op(flowgraph.OpIntGt, en, 0), recurse, []any{en, enode}, zero, nil)
	recurse.Return(recurse.Call(odd, recurse.Op(flowgraph.OpIntSub, n1, 1), node1))
	zero.Return(0)

	ostart.Do(flowgraph.OpSetField, onode, "x", on)
	ostart.Return(ostart.Call(even, on, onode))

	a := NewGraphAnalyzer()
	// entering the cycle at odd leaves even half analyzed
	callOdd := recurse.Block.Operations[1]
	if eff, ok := a.Analyze(callOdd); !ok || len(eff.Writes) != 1 || eff.Writes[0] != fieldX {
		t.Fatalf("odd via even: Writes = %v, ok = %v; want [%v]", eff.Writes, ok, fieldX)
	}
	callEven := ostart.Block.Operations[1]
	if eff, ok := a.Analyze(callEven); !ok || len(eff.Writes) != 1 || eff.Writes[0] != fieldX {
		t.Errorf("even from odd: Writes = %v, ok = %v; want [%v]", eff.Writes, ok, fieldX)
	}
}
