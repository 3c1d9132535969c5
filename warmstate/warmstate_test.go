package warmstate

import (
	"errors"
	"testing"

	"github.com/chazu/metajit/blackhole"
	"github.com/chazu/metajit/codewriter"
	"github.com/chazu/metajit/cpu"
	"github.com/chazu/metajit/flowgraph"
	"github.com/chazu/metajit/jitcode"
	"github.com/chazu/metajit/jitdriver"
	"github.com/chazu/metajit/llgraph"
	"github.com/chazu/metajit/params"
)

// fakeCPU records executions and returns a fixed value.
type fakeCPU struct {
	executed   []*cpu.LoopToken
	redirected [][2]*cpu.LoopToken
}

func (c *fakeCPU) CompileLoop(tr *cpu.Trace) (*cpu.LoopToken, error) {
	return cpu.NewLoopToken("loop", tr), nil
}

func (c *fakeCPU) Execute(tok *cpu.LoopToken, greens, reds []any) (cpu.ExecutionResult, error) {
	c.executed = append(c.executed, tok.Target())
	return cpu.ExecutionResult{Value: int64(99), Kind: flowgraph.Int}, nil
}

func (c *fakeCPU) Redirect(old, new *cpu.LoopToken) error {
	c.redirected = append(c.redirected, [2]*cpu.LoopToken{old, new})
	old.SetRedirect(new)
	return nil
}

func (c *fakeCPU) Free(tok *cpu.LoopToken) { tok.MarkFreed() }

type fakeTracer struct {
	cpu     *fakeCPU
	calls   int
	err     error
	onTrace func()
}

func (t *fakeTracer) Trace(sd *jitdriver.SD, greens, reds []any) (*cpu.LoopToken, error) {
	t.calls++
	if t.onTrace != nil {
		t.onTrace()
	}
	if t.err != nil {
		return nil, t.err
	}
	return t.cpu.CompileLoop(&cpu.Trace{Greens: greens})
}

func newGate(threshold int) (*WarmEnterState, *fakeCPU, *fakeTracer) {
	c := &fakeCPU{}
	sd := &jitdriver.SD{
		Driver:     &jitdriver.JitDriver{Name: "loop", Greens: []string{"pc"}, Reds: []string{"n"}},
		RedKinds:   []flowgraph.Kind{flowgraph.Int},
		VableIndex: -1,
	}
	p := params.Default()
	p.Threshold = threshold
	w := New(sd, c, p)
	tr := &fakeTracer{cpu: c}
	w.Tracer = tr
	return w, c, tr
}

var (
	key  = []any{int64(7)}
	reds = []any{int64(0)}
)

func TestThresholdTen(t *testing.T) {
	w, c, tr := newGate(10)
	for hit := 1; hit <= 10; hit++ {
		exit, err := w.MaybeCompileAndRun(key, reds)
		if err != nil || exit != nil {
			t.Fatalf("hit %d = %v, %v; want interpreting", hit, exit, err)
		}
		wantCalls := 0
		if hit == 10 {
			wantCalls = 1
		}
		if tr.calls != wantCalls {
			t.Fatalf("after hit %d tracer called %d times, want %d", hit, tr.calls, wantCalls)
		}
	}
	cell, _ := w.Lookup(key)
	if cell.State() != Stable || cell.Counter() != -1 {
		t.Fatalf("after 10 hits cell is %s (%d), want stable", cell.State(), cell.Counter())
	}
	for hit := 11; hit <= 13; hit++ {
		exit, err := w.MaybeCompileAndRun(key, reds)
		if err != nil || exit == nil || exit.Value != int64(99) {
			t.Fatalf("hit %d = %v, %v; want the compiled result", hit, exit, err)
		}
	}
	if len(c.executed) != 3 || tr.calls != 1 {
		t.Errorf("executed %d times with %d traces, want 3 and 1", len(c.executed), tr.calls)
	}
	if s := w.Stats(); s.Traces != 1 || s.Executions != 3 || s.Stable != 1 {
		t.Errorf("Stats = %+v", s)
	}
}

func TestWarmupMonotonic(t *testing.T) {
	for _, threshold := range []int{1, 2, 3, 7, 100, 1039} {
		w, _, _ := newGate(threshold)
		hits := 0
		for {
			hits++
			if _, err := w.MaybeCompileAndRun(key, reds); err != nil {
				t.Fatalf("T=%d: %v", threshold, err)
			}
			if cell, _ := w.Lookup(key); cell.State() == Stable {
				break
			}
			if hits > threshold {
				break
			}
		}
		if hits != threshold {
			t.Errorf("T=%d: stable after %d hits", threshold, hits)
		}
	}
}

func TestDisabledThreshold(t *testing.T) {
	w, _, tr := newGate(0)
	for i := 0; i < 5000; i++ {
		w.MaybeCompileAndRun(key, reds)
	}
	if tr.calls != 0 {
		t.Errorf("threshold 0 traced %d times", tr.calls)
	}
}

func TestReentrantHitDoesNotTrace(t *testing.T) {
	w, _, tr := newGate(2)
	var inner *blackhole.Exit
	tr.onTrace = func() {
		cell, _ := w.Lookup(key)
		if cell.State() != Tracing || cell.Counter() != -2 {
			t.Errorf("during trace cell is %s", cell.State())
		}
		inner, _ = w.MaybeCompileAndRun(key, reds)
	}
	w.MaybeCompileAndRun(key, reds)
	w.MaybeCompileAndRun(key, reds)
	if tr.calls != 1 {
		t.Errorf("tracer called %d times, want 1", tr.calls)
	}
	if inner != nil {
		t.Errorf("re-entrant hit returned %v, want interpreting", inner)
	}
	if s := w.Stats(); s.Reentrant != 1 {
		t.Errorf("Reentrant = %d, want 1", s.Reentrant)
	}
}

func TestAbortResetsCell(t *testing.T) {
	w, _, tr := newGate(3)
	tr.err = ErrAbort
	for i := 0; i < 3; i++ {
		if exit, err := w.MaybeCompileAndRun(key, reds); exit != nil || err != nil {
			t.Fatalf("hit %d = %v, %v", i+1, exit, err)
		}
	}
	cell, _ := w.Lookup(key)
	if cell.State() != Interpreting || cell.Counter() != 0 {
		t.Fatalf("after abort cell is %s (%d), want interpreting(0)", cell.State(), cell.Counter())
	}
	tr.err = nil
	w.MaybeCompileAndRun(key, reds)
	w.MaybeCompileAndRun(key, reds)
	if tr.calls != 1 {
		t.Fatalf("retraced after %d hits", 2)
	}
	w.MaybeCompileAndRun(key, reds)
	if tr.calls != 2 || cell.State() != Stable {
		t.Errorf("tracer called %d times, cell %s; want 2, stable", tr.calls, cell.State())
	}
	if s := w.Stats(); s.Aborts != 1 {
		t.Errorf("Aborts = %d, want 1", s.Aborts)
	}
}

func TestConfirmEnterJitDeclines(t *testing.T) {
	w, _, tr := newGate(2)
	allow := false
	w.SD.Driver.ConfirmEnterJit = func(greens, reds []any) bool { return allow }
	for i := 0; i < 4; i++ {
		w.MaybeCompileAndRun(key, reds)
	}
	if tr.calls != 0 {
		t.Fatalf("declined loop traced %d times", tr.calls)
	}
	allow = true
	w.MaybeCompileAndRun(key, reds)
	w.MaybeCompileAndRun(key, reds)
	if tr.calls != 1 {
		t.Errorf("tracer called %d times after confirming, want 1", tr.calls)
	}
	if s := w.Stats(); s.Declined != 2 {
		t.Errorf("Declined = %d, want 2", s.Declined)
	}
}

func TestDeadTokenResets(t *testing.T) {
	tests := []struct {
		name string
		kill func(w *WarmEnterState, c *fakeCPU, cell *JitCell)
	}{
		{"released", func(w *WarmEnterState, c *fakeCPU, cell *JitCell) { w.Tokens.Release(cell.Token()) }},
		{"freed", func(w *WarmEnterState, c *fakeCPU, cell *JitCell) {
			tok, _ := w.Tokens.Get(cell.Token())
			c.Free(tok)
		}},
	}
	for _, tt := range tests {
		w, c, _ := newGate(1)
		w.MaybeCompileAndRun(key, reds)
		cell, _ := w.Lookup(key)
		if cell.State() != Stable {
			t.Fatalf("%s: cell is %s, want stable", tt.name, cell.State())
		}
		tt.kill(w, c, cell)
		exit, err := w.MaybeCompileAndRun(key, reds)
		if exit != nil || err != nil {
			t.Errorf("%s: hit = %v, %v; want interpreting", tt.name, exit, err)
		}
		if cell.State() != Interpreting || cell.Counter() != 0 {
			t.Errorf("%s: cell is %s (%d), want interpreting(0)", tt.name, cell.State(), cell.Counter())
		}
		if len(c.executed) != 0 {
			t.Errorf("%s: executed a dead token", tt.name)
		}
	}
}

func TestReplaceEntryRedirectsFirst(t *testing.T) {
	w, c, _ := newGate(1)
	w.MaybeCompileAndRun(key, reds)
	cell, _ := w.Lookup(key)
	old, _ := w.Tokens.Get(cell.Token())
	repl := cpu.NewLoopToken("better", nil)
	if err := w.ReplaceEntry(key, repl); err != nil {
		t.Fatalf("ReplaceEntry: %v", err)
	}
	if len(c.redirected) != 1 || c.redirected[0][0] != old || c.redirected[0][1] != repl {
		t.Fatalf("redirected = %v", c.redirected)
	}
	w.MaybeCompileAndRun(key, reds)
	if len(c.executed) != 1 || c.executed[0] != repl {
		t.Errorf("executed %v, want the replacement", c.executed)
	}
	if w.Tokens.Live() != 1 {
		t.Errorf("Tokens.Live = %d, want 1", w.Tokens.Live())
	}
}

func TestDecayCounters(t *testing.T) {
	w, _, _ := newGate(10)
	p := params.Default()
	p.Threshold = 10
	p.Decay = 500
	w.SetParams(p)
	for i := 0; i < 6; i++ {
		w.MaybeCompileAndRun(key, reds)
	}
	cell, _ := w.Lookup(key)
	before := cell.Counter()
	w.DecayCounters()
	if got, want := cell.Counter(), before/2; got != want {
		t.Errorf("Counter after decay = %d, want %d", got, want)
	}
	// four more hits are no longer enough
	for i := 0; i < 4; i++ {
		w.MaybeCompileAndRun(key, reds)
	}
	if cell.State() != Interpreting {
		t.Errorf("cell is %s after decay and 10 hits in total", cell.State())
	}
}

func TestGreenKeysAreStructural(t *testing.T) {
	w, _, _ := newGate(10)
	s1 := "loop" + string([]byte{'A'})
	s2 := string([]byte("loopA"))
	a := w.Cell([]any{s1, int64(3), 1.5})
	b := w.Cell([]any{s2, 3, 1.5})
	if a != b {
		t.Errorf("equal green tuples got distinct cells")
	}
	if w.Cell([]any{"loopB", int64(3), 1.5}) == a {
		t.Errorf("different strings share a cell")
	}
	if w.Cell([]any{s1, 1.5, int64(3)}) == a {
		t.Errorf("reordered greens share a cell")
	}
	type pos struct{ line, col int }
	if w.Cell([]any{pos{1, 2}}) != w.Cell([]any{pos{1, 2}}) {
		t.Errorf("equal struct greens got distinct cells")
	}
	if got := w.Stats().Cells; got != 4 {
		t.Errorf("Cells = %d, want 4", got)
	}
}

func TestPointerGreensHashByAddress(t *testing.T) {
	type code struct{ ops []byte }
	progs := make([]*code, 64)
	seen := make(map[uint64]bool)
	for i := range progs {
		progs[i] = &code{ops: []byte{byte(i)}}
		seen[hashGreens([]any{progs[i], int64(0)})] = true
	}
	if len(seen) != len(progs) {
		t.Errorf("%d distinct pointers hash to %d values", len(progs), len(seen))
	}
	if hashGreens([]any{progs[0], int64(0)}) != hashGreens([]any{progs[0], int64(0)}) {
		t.Errorf("same pointer hashes differently")
	}

	w, _, _ := newGate(10)
	if w.Cell([]any{progs[1]}) == w.Cell([]any{progs[2]}) {
		t.Errorf("distinct programs share a cell")
	}
	if w.Cell([]any{progs[1]}) != w.Cell([]any{progs[1]}) {
		t.Errorf("same program got distinct cells")
	}
}

func TestDontTraceHere(t *testing.T) {
	w, _, tr := newGate(1)
	w.Cell(key).DontTraceHere = true
	for i := 0; i < 10; i++ {
		w.MaybeCompileAndRun(key, reds)
	}
	if tr.calls != 0 {
		t.Errorf("DontTraceHere cell traced %d times", tr.calls)
	}
}

func TestTokenArenaGenerations(t *testing.T) {
	var a TokenArena
	t1 := cpu.NewLoopToken("one", nil)
	r1 := a.Add(t1)
	a.Release(r1)
	r2 := a.Add(cpu.NewLoopToken("two", nil))
	if _, ok := a.Get(r1); ok {
		t.Errorf("stale reference resolved after its slot was reused")
	}
	if tok, ok := a.Get(r2); !ok || tok.Name != "two" {
		t.Errorf("Get(r2) = %v, %v", tok, ok)
	}
	if _, ok := a.Get(TokenRef{}); ok {
		t.Errorf("zero reference resolved")
	}
}

// sumPortal builds f(k, a, b): loop { jit_merge_point(k; a, b); if a <= 0 break; b += a; a -= k }; return b
func sumPortal() *flowgraph.Graph {
	d := &jitdriver.JitDriver{Name: "sum", Greens: []string{"k"}, Reds: []string{"a", "b"}}
	b := flowgraph.NewBuilder("sum", flowgraph.Int)
	k0, a0, b0 := b.Var("k", flowgraph.Int), b.Var("a", flowgraph.Int), b.Var("b", flowgraph.Int)
	start := b.Start(k0, a0, b0)
	k1, a1, b1 := b.Var("k", flowgraph.Int), b.Var("a", flowgraph.Int), b.Var("b", flowgraph.Int)
	header := b.Block(k1, a1, b1)
	k2, a2, b2 := b.Var("k", flowgraph.Int), b.Var("a", flowgraph.Int), b.Var("b", flowgraph.Int)
	body := b.Block(k2, a2, b2)
	b3 := b.Var("b", flowgraph.Int)
	exit := b.Block(b3)

	start.Goto(header, k0, a0, b0)
	header.Do(flowgraph.OpJitMergePoint, d, k1, a1, b1)
	cond := header.Op(flowgraph.OpIntGt, a1, 0)
	header.If(cond, body, []any{k1, a1, b1}, exit, []any{b1})
	sum := body.Op(flowgraph.OpIntAdd, b2, a2)
	dec := body.Op(flowgraph.OpIntSub, a2, k2)
	body.Goto(header, k2, dec, sum)
	exit.Return(b3)
	return b.Graph()
}

func TestEndToEnd(t *testing.T) {
	g := sumPortal()
	want, err := flowgraph.Eval(g, 1, 50, 0)
	if err != nil {
		t.Fatalf("Eval: %v", err)
	}

	c := llgraph.New()
	cw, err := codewriter.New(c, c.Vables, nil, nil, g)
	if err != nil {
		t.Fatalf("codewriter.New: %v", err)
	}
	if _, err := cw.MakeJitCodes(); err != nil {
		t.Fatalf("MakeJitCodes: %v", err)
	}
	sd := cw.Drivers[0]
	c.Portals = []*jitcode.JitCode{sd.PortalJitCode}

	p := params.Default()
	p.Threshold = 3
	gate := New(sd, c, p)
	bh := blackhole.New(c, c.Vables)
	bh.Portals = c.Portals
	bh.MergePoint = MergePoint(gate)

	got, err := bh.Call(sd.PortalJitCode, int64(1), int64(50), int64(0))
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if got != want {
		t.Errorf("jitted sum = %v, interpreted %v", got, want)
	}
	s := gate.Stats()
	if s.Traces != 1 || s.Executions != 1 || s.Aborts != 0 {
		t.Errorf("Stats = %+v, want one trace and one execution", s)
	}
	if c.Loops() != 1 {
		t.Errorf("Loops = %d, want 1", c.Loops())
	}
}

func TestBytecodeTracerAborts(t *testing.T) {
	g := sumPortal()
	c := llgraph.New()
	cw, err := codewriter.New(c, c.Vables, nil, nil, g)
	if err != nil {
		t.Fatalf("codewriter.New: %v", err)
	}
	if _, err := cw.MakeJitCodes(); err != nil {
		t.Fatalf("MakeJitCodes: %v", err)
	}
	sd := cw.Drivers[0]
	bt := &BytecodeTracer{CPU: c, TraceLimit: 1}
	if _, err := bt.Trace(sd, []any{int64(1)}, nil); !errors.Is(err, ErrAbort) {
		t.Errorf("over the trace limit: err = %v, want ErrAbort", err)
	}
	bt.TraceLimit = 0
	tok, err := bt.Trace(sd, []any{int64(1)}, nil)
	if err != nil {
		t.Fatalf("Trace: %v", err)
	}
	if tok.Trace.MergePointPC != sd.PortalJitCode.MergePointPC {
		t.Errorf("trace starts at %d, want the merge point %d", tok.Trace.MergePointPC, sd.PortalJitCode.MergePointPC)
	}
	unassembled := &jitdriver.SD{Driver: sd.Driver, PortalJitCode: jitcode.NewShell("empty", nil)}
	if _, err := bt.Trace(unassembled, nil, nil); !errors.Is(err, ErrAbort) {
		t.Errorf("unassembled portal: err = %v, want ErrAbort", err)
	}
}
