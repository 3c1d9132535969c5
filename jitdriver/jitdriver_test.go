package jitdriver

import (
	"errors"
	"testing"

	"github.com/chazu/metajit/flowgraph"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		d    *JitDriver
		ok   bool
	}{
		{"greens and reds", &JitDriver{Name: "a", Greens: []string{"pc"}, Reds: []string{"acc"}}, true},
		{"no reds", &JitDriver{Name: "b", Greens: []string{"pc"}}, false},
		{"duplicate", &JitDriver{Name: "c", Greens: []string{"x"}, Reds: []string{"x"}}, false},
		{"vable is a red", &JitDriver{Name: "d", Reds: []string{"frame"}, Virtualizables: []string{"frame"}}, true},
		{"vable is not a red", &JitDriver{Name: "e", Reds: []string{"n"}, Virtualizables: []string{"frame"}}, false},
		{"two vables", &JitDriver{Name: "f", Reds: []string{"x", "y"}, Virtualizables: []string{"x", "y"}}, false},
	}
	for _, tt := range tests {
		err := tt.d.Validate()
		if tt.ok && err != nil {
			t.Errorf("%s: Validate = %v, want nil", tt.name, err)
		}
		if !tt.ok && !errors.Is(err, ErrBadDriver) {
			t.Errorf("%s: Validate = %v, want ErrBadDriver", tt.name, err)
		}
	}
}

func TestRedIndex(t *testing.T) {
	d := &JitDriver{Reds: []string{"a", "b", "frame"}}
	if got := d.RedIndex("frame"); got != 2 {
		t.Errorf("RedIndex(frame) = %d, want 2", got)
	}
	if got := d.RedIndex("pc"); got != -1 {
		t.Errorf("RedIndex(pc) = %d, want -1", got)
	}
}

func TestLocation(t *testing.T) {
	d := &JitDriver{Name: "loop", Greens: []string{"pc", "code"}}
	if got := d.Location([]any{int64(3), "prog"}); got != `loop(3, "prog")` {
		t.Errorf("Location = %q, want %q", got, `loop(3, "prog")`)
	}
	d.GetPrintableLocation = func(greens []any) string { return "here" }
	if got := d.Location([]any{int64(3)}); got != "here" {
		t.Errorf("Location with GetPrintableLocation = %q, want here", got)
	}
}

func portal(d *JitDriver, ft *flowgraph.StructType) *flowgraph.Graph {
	b := flowgraph.NewBuilder("portal", flowgraph.Int)
	pc, n := b.Var("pc", flowgraph.Int), b.Var("n", flowgraph.Int)
	args := []any{pc, n}
	inputs := []*flowgraph.Variable{pc, n}
	if ft != nil {
		f := b.TypedVar("frame", ft)
		args = append(args, f)
		inputs = append(inputs, f)
	}
	start := b.Start(inputs...)
	start.Do(flowgraph.OpJitMergePoint, append([]any{d}, args...)...)
	start.Return(n)
	return b.Graph()
}

func TestNewSD(t *testing.T) {
	ft := flowgraph.NewVirtualizableType("Frame", nil, []string{"sp"},
		flowgraph.Field{Name: "sp", Kind: flowgraph.Int})
	d := &JitDriver{Name: "interp", Greens: []string{"pc"}, Reds: []string{"n", "frame"}, Virtualizables: []string{"frame"}}
	sd, err := NewSD(3, portal(d, ft))
	if err != nil {
		t.Fatalf("NewSD: %v", err)
	}
	if sd.Index != 3 || sd.Driver != d {
		t.Errorf("sd = %+v", sd)
	}
	if len(sd.GreenKinds) != 1 || sd.GreenKinds[0] != flowgraph.Int {
		t.Errorf("GreenKinds = %v, want [int]", sd.GreenKinds)
	}
	if len(sd.RedKinds) != 2 || sd.RedKinds[0] != flowgraph.Int || sd.RedKinds[1] != flowgraph.Ref {
		t.Errorf("RedKinds = %v, want [int ref]", sd.RedKinds)
	}
	if sd.VableIndex != 1 || sd.VableType != ft {
		t.Errorf("VableIndex = %d, VableType = %v; want 1, %v", sd.VableIndex, sd.VableType, ft)
	}
}

func TestNewSDErrors(t *testing.T) {
	b := flowgraph.NewBuilder("plain", flowgraph.Int)
	n := b.Var("n", flowgraph.Int)
	b.Start(n).Return(n)
	if _, err := NewSD(0, b.Graph()); !errors.Is(err, ErrNoMergePoint) {
		t.Errorf("no merge point: err = %v, want ErrNoMergePoint", err)
	}

	// the declared virtualizable is an int red
	d := &JitDriver{Name: "bad", Greens: []string{"pc"}, Reds: []string{"n"}, Virtualizables: []string{"n"}}
	if _, err := NewSD(0, portal(d, nil)); !errors.Is(err, ErrBadDriver) {
		t.Errorf("untyped virtualizable: err = %v, want ErrBadDriver", err)
	}

	// the marker passes more values than the driver declares
	d = &JitDriver{Name: "short", Reds: []string{"n"}}
	if _, err := NewSD(0, portal(d, nil)); !errors.Is(err, ErrBadDriver) {
		t.Errorf("arity mismatch: err = %v, want ErrBadDriver", err)
	}
}
