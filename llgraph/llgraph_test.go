package llgraph

import (
	"errors"
	"testing"

	"github.com/chazu/metajit/codewriter"
	"github.com/chazu/metajit/cpu"
	"github.com/chazu/metajit/flowgraph"
	"github.com/chazu/metajit/jitdriver"
)

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
	body.Do(flowgraph.OpCanEnterJit, d, k2, dec, sum)
	body.Goto(header, k2, dec, sum)
	exit.Return(b3)
	return b.Graph()
}

func compilePortal(t *testing.T, c *CPU, g *flowgraph.Graph) *jitdriver.SD {
	t.Helper()
	cw, err := codewriter.New(c, c.Vables, nil, nil, g)
	if err != nil {
		t.Fatalf("codewriter.New: %v", err)
	}
	if _, err := cw.MakeJitCodes(); err != nil {
		t.Fatalf("MakeJitCodes: %v", err)
	}
	sd := cw.Drivers[0]
	c.Portals = append(c.Portals, sd.PortalJitCode)
	return sd
}

func traceOf(sd *jitdriver.SD, greens ...any) *cpu.Trace {
	return &cpu.Trace{
		Portal:       sd.PortalJitCode,
		MergePointPC: sd.PortalJitCode.MergePointPC,
		DriverIndex:  sd.Index,
		Greens:       greens,
		RedKinds:     sd.RedKinds,
		VableIndex:   sd.VableIndex,
		VableType:    sd.VableType,
	}
}

func TestExecuteLoop(t *testing.T) {
	c := New()
	sd := compilePortal(t, c, sumPortal())
	tok, err := c.CompileLoop(traceOf(sd, int64(1)))
	if err != nil {
		t.Fatalf("CompileLoop: %v", err)
	}
	res, err := c.Execute(tok, []any{int64(1)}, []any{int64(5), int64(6)})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Exception != nil || res.Value != int64(21) || res.Kind != flowgraph.Int {
		t.Errorf("Execute = %+v, want 21", res)
	}
	// a different green changes the step
	res, err = c.Execute(tok, []any{int64(2)}, []any{int64(5), int64(0)})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Value != int64(9) {
		t.Errorf("Execute with k=2 = %v, want 9", res.Value)
	}
}

func TestCompileLoopRejectsUnassembled(t *testing.T) {
	c := New()
	sd := compilePortal(t, c, sumPortal())
	tr := traceOf(sd, int64(1))
	tr.MergePointPC = -1
	if _, err := c.CompileLoop(tr); !errors.Is(err, ErrNotCompilable) {
		t.Errorf("err = %v, want ErrNotCompilable", err)
	}
}

func TestRedirectAndFree(t *testing.T) {
	c := New()
	sd := compilePortal(t, c, sumPortal())
	old, _ := c.CompileLoop(traceOf(sd, int64(1)))
	repl, _ := c.CompileLoop(traceOf(sd, int64(1)))
	if c.Loops() != 2 {
		t.Fatalf("Loops = %d, want 2", c.Loops())
	}
	if err := c.Redirect(old, repl); err != nil {
		t.Fatalf("Redirect: %v", err)
	}
	c.Free(old)
	// old still enters through its redirection
	res, err := c.Execute(old, []any{int64(1)}, []any{int64(3), int64(0)})
	if err != nil || res.Value != int64(6) {
		t.Errorf("Execute(old) = %v, %v; want 6", res.Value, err)
	}
	c.Free(repl)
	if _, err := c.Execute(old, []any{int64(1)}, []any{int64(3), int64(0)}); !errors.Is(err, cpu.ErrFreed) {
		t.Errorf("Execute after freeing the target: err = %v, want ErrFreed", err)
	}
	if err := c.Redirect(old, repl); !errors.Is(err, cpu.ErrFreed) {
		t.Errorf("Redirect to a freed token: err = %v, want ErrFreed", err)
	}
	if c.Loops() != 0 {
		t.Errorf("Loops = %d, want 0", c.Loops())
	}
}

func frameType() *flowgraph.StructType {
	return flowgraph.NewVirtualizableType("Frame", nil, []string{"pc", "acc"},
		flowgraph.Field{Name: "pc", Kind: flowgraph.Int},
		flowgraph.Field{Name: "acc", Kind: flowgraph.Int},
		flowgraph.Field{Name: "name", Kind: flowgraph.Ref})
}

// framePortal builds g(frame): loop { jit_merge_point(; frame); if frame.pc <= 0 break;
// calls(frame); frame.acc += frame.pc; frame.pc -= 1 }; return frame.acc
func framePortal(ft *flowgraph.StructType, calls ...*flowgraph.FuncPtr) *flowgraph.Graph {
	d := &jitdriver.JitDriver{Name: "frame", Reds: []string{"frame"}, Virtualizables: []string{"frame"}}
	b := flowgraph.NewBuilder("run", flowgraph.Int)
	f0 := b.TypedVar("frame", ft)
	start := b.Start(f0)
	f1 := b.TypedVar("frame", ft)
	header := b.Block(f1)
	f2, n2 := b.TypedVar("frame", ft), b.Var("n", flowgraph.Int)
	body := b.Block(f2, n2)
	f3 := b.TypedVar("frame", ft)
	exit := b.Block(f3)

	start.Goto(header, f0)
	header.Do(flowgraph.OpJitMergePoint, d, f1)
	n := header.Op(flowgraph.OpGetField, f1, "pc")
	cond := header.Op(flowgraph.OpIntGt, n, 0)
	header.If(cond, body, []any{f1, n}, exit, []any{f1})
	for _, fn := range calls {
		body.Call(fn, f2)
	}
	acc := body.Op(flowgraph.OpGetField, f2, "acc")
	body.Do(flowgraph.OpSetField, f2, "acc", body.Op(flowgraph.OpIntAdd, acc, n2))
	body.Do(flowgraph.OpSetField, f2, "pc", body.Op(flowgraph.OpIntSub, n2, 1))
	body.Goto(header, f2)
	r := exit.Op(flowgraph.OpGetField, f3, "acc")
	exit.Return(r)
	return b.Graph()
}

func TestExecuteWithVirtualizable(t *testing.T) {
	c := New()
	ft := frameType()
	sd := compilePortal(t, c, framePortal(ft))
	if sd.VableIndex != 0 {
		t.Fatalf("VableIndex = %d, want 0", sd.VableIndex)
	}
	tok, err := c.CompileLoop(traceOf(sd))
	if err != nil {
		t.Fatalf("CompileLoop: %v", err)
	}
	obj := flowgraph.NewStruct(ft)
	obj.Set("pc", int64(4))
	res, err := c.Execute(tok, nil, []any{obj})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Value != int64(10) {
		t.Errorf("Execute = %v, want 10", res.Value)
	}
	// the frame was written back and released
	if obj.Get("pc") != int64(0) || obj.Get("acc") != int64(10) {
		t.Errorf("after Execute pc = %v, acc = %v; want 0, 10", obj.Get("pc"), obj.Get("acc"))
	}
	if c.Vables.LiveFrames() != 0 {
		t.Errorf("LiveFrames = %d, want 0", c.Vables.LiveFrames())
	}
}

func TestHeapForcesTrackedFields(t *testing.T) {
	c := New()
	ft := frameType()
	obj := flowgraph.NewStruct(ft)
	fr, err := c.Vables.Attach(obj)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	i, _ := fr.Info.StaticIndex("pc")
	fr.SetStatic(i, int64(7))

	name, err := c.FieldDescrOf(ft, "name")
	if err != nil {
		t.Fatalf("FieldDescrOf: %v", err)
	}
	if err := c.BhSetField(obj, name, "frame0"); err != nil {
		t.Fatalf("BhSetField(name): %v", err)
	}
	if fr.Forced() {
		t.Errorf("writing an untracked field forced the frame")
	}

	pc, _ := c.FieldDescrOf(ft, "pc")
	got, err := c.BhGetField(obj, pc)
	if err != nil {
		t.Fatalf("BhGetField(pc): %v", err)
	}
	if got != int64(7) || !fr.Forced() {
		t.Errorf("BhGetField(pc) = %v, forced = %v; want 7, true", got, fr.Forced())
	}
	if err := c.Vables.Detach(fr); err != nil {
		t.Errorf("Detach: %v", err)
	}
}

func TestExternalCallSeesFrameFields(t *testing.T) {
	c := New()
	ft := frameType()
	var seen []any
	peek := &flowgraph.FuncPtr{
		Name:       "peek",
		ArgKinds:   []flowgraph.Kind{flowgraph.Ref},
		ResultKind: flowgraph.Void,
		Impl: func(args []any) (any, error) {
			seen = append(seen, args[0].(*flowgraph.Struct).Get("acc"))
			return nil, nil
		},
	}
	sd := compilePortal(t, c, framePortal(ft, peek))
	tok, err := c.CompileLoop(traceOf(sd))
	if err != nil {
		t.Fatalf("CompileLoop: %v", err)
	}
	obj := flowgraph.NewStruct(ft)
	obj.Set("pc", int64(3))
	res, err := c.Execute(tok, nil, []any{obj})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Value != int64(6) {
		t.Errorf("Execute = %v, want 6", res.Value)
	}
	want := []any{int64(0), int64(3), int64(5)}
	if len(seen) != len(want) {
		t.Fatalf("peek saw %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("peek call %d saw acc = %v, want %v", i, seen[i], want[i])
		}
	}
	if obj.Get("acc") != int64(6) || c.Vables.LiveFrames() != 0 {
		t.Errorf("after Execute acc = %v, LiveFrames = %d; want 6, 0", obj.Get("acc"), c.Vables.LiveFrames())
	}
}

func TestBhCallForcesFrameArguments(t *testing.T) {
	c := New()
	ft := frameType()
	obj := flowgraph.NewStruct(ft)
	fr, err := c.Vables.Attach(obj)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	i, _ := fr.Info.StaticIndex("acc")
	fr.SetStatic(i, int64(9))

	read := &flowgraph.FuncPtr{Name: "read", Impl: func(args []any) (any, error) {
		return args[0].(*flowgraph.Struct).Get("acc"), nil
	}}
	got, err := c.BhCall(read, []any{obj, int64(1)}, nil)
	if err != nil || got != int64(9) {
		t.Errorf("BhCall(read) = %v, %v; want 9", got, err)
	}
	if !fr.Forced() {
		t.Errorf("frame not forced by an external call")
	}
	if err := c.Vables.Detach(fr); err != nil {
		t.Errorf("Detach: %v", err)
	}
}

func TestHeapErrors(t *testing.T) {
	c := New()
	at := &flowgraph.ArrayType{Name: "Ints", Item: flowgraph.Int}
	ad := c.ArrayDescrOf(at)
	arr, err := c.BhNewArray(ad, 2)
	if err != nil {
		t.Fatalf("BhNewArray: %v", err)
	}
	tests := []struct {
		name string
		err  error
		want *flowgraph.ExceptionClass
	}{
		{"index too large", func() error { _, err := c.BhGetArrayItem(arr, 2, ad); return err }(), flowgraph.ExcIndexError},
		{"negative index", c.BhSetArrayItem(arr, -1, ad, int64(0)), flowgraph.ExcIndexError},
		{"null array", func() error { _, err := c.BhArrayLen(nil, ad); return err }(), flowgraph.ExcNullReference},
		{"negative length", func() error { _, err := c.BhNewArray(ad, -1); return err }(), flowgraph.ExcValueError},
		{"null function", func() error { _, err := c.BhCall(nil, nil, nil); return err }(), flowgraph.ExcNullReference},
	}
	for _, tt := range tests {
		var exc *flowgraph.LLException
		if !errors.As(tt.err, &exc) || exc.Class != tt.want {
			t.Errorf("%s: err = %v, want %s", tt.name, tt.err, tt.want)
		}
	}
}

func TestBhCallEvaluatesGraphs(t *testing.T) {
	c := New()
	b := flowgraph.NewBuilder("double", flowgraph.Int)
	x := b.Var("x", flowgraph.Int)
	start := b.Start(x)
	start.Return(start.Op(flowgraph.OpIntAdd, x, x))
	fn := b.Func(flowgraph.Int)

	got, err := c.BhCall(fn, []any{int64(21)}, nil)
	if err != nil || got != int64(42) {
		t.Errorf("BhCall(double, 21) = %v, %v; want 42", got, err)
	}
	ext := &flowgraph.FuncPtr{Name: "neg", Impl: func(args []any) (any, error) {
		return -flowgraph.ToInt(args[0]), nil
	}}
	got, err = c.BhCall(ext, []any{int64(3)}, nil)
	if err != nil || got != int64(-3) {
		t.Errorf("BhCall(neg, 3) = %v, %v; want -3", got, err)
	}
}
