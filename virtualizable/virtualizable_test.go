package virtualizable

import (
	"errors"
	"testing"

	"github.com/chazu/metajit/cpu"
	"github.com/chazu/metajit/flowgraph"
)

var stackType = &flowgraph.ArrayType{Name: "Stack", Item: flowgraph.Int}

func frameType() *flowgraph.StructType {
	return flowgraph.NewVirtualizableType("Frame", nil, []string{"pc", "acc", "stack[*]"},
		flowgraph.Field{Name: "pc", Kind: flowgraph.Int},
		flowgraph.Field{Name: "acc", Kind: flowgraph.Float},
		flowgraph.Field{Name: "stack", Kind: flowgraph.Ref, Type: stackType},
		flowgraph.Field{Name: "code", Kind: flowgraph.Ref})
}

func newFrame(t *flowgraph.StructType) *flowgraph.Struct {
	obj := flowgraph.NewStruct(t)
	obj.Set("stack", flowgraph.NewArray(stackType, 4))
	return obj
}

func TestDescribe(t *testing.T) {
	r := NewRegistry(cpu.NewDescrCache())
	ft := frameType()
	vi, err := r.Describe(ft)
	if err != nil {
		t.Fatalf("Describe: %v", err)
	}
	if len(vi.StaticFields) != 2 || len(vi.ArrayFields) != 1 {
		t.Errorf("StaticFields = %v, ArrayFields = %v", vi.StaticFields, vi.ArrayFields)
	}
	if i, ok := vi.StaticIndex("acc"); !ok || i != 1 {
		t.Errorf("StaticIndex(acc) = %d, %v", i, ok)
	}
	if vi.IsVirtualizableField("code") {
		t.Errorf("code reported as virtualizable")
	}
	if i, ok := vi.StaticIndexOf(vi.StaticDescrs[0]); !ok || i != 0 {
		t.Errorf("StaticIndexOf(pc descr) = %d, %v", i, ok)
	}
	again, _ := r.Describe(flowgraph.NewStructType("SubFrame", ft))
	if again != vi {
		t.Errorf("Describe(subtype) built a second Info")
	}
}

func TestDescribeErrors(t *testing.T) {
	r := NewRegistry(cpu.NewDescrCache())
	tests := []struct {
		name   string
		fields []string
		want   error
	}{
		{"unknown", []string{"nope"}, ErrUnknownField},
		{"duplicate", []string{"pc", "pc"}, ErrDuplicateField},
		{"scalar as array", []string{"pc[*]"}, ErrNotArrayField},
		{"token", []string{flowgraph.VableTokenField}, ErrUnknownField},
	}
	for _, tt := range tests {
		st := flowgraph.NewVirtualizableType(tt.name, nil, tt.fields,
			flowgraph.Field{Name: "pc", Kind: flowgraph.Int})
		if _, err := r.Describe(st); !errors.Is(err, tt.want) {
			t.Errorf("%s: err = %v, want %v", tt.name, err, tt.want)
		}
	}
	plain := flowgraph.NewStructType("Plain", nil)
	if _, err := r.Describe(plain); !errors.Is(err, ErrNotVirtualizable) {
		t.Errorf("plain: err = %v, want ErrNotVirtualizable", err)
	}
}

func TestFieldRoundTrip(t *testing.T) {
	r := NewRegistry(cpu.NewDescrCache())
	obj := newFrame(frameType())
	f, err := r.Attach(obj)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if r.Token(obj) != f.Handle() || f.Handle() <= 0 {
		t.Fatalf("token = %d after attach, frame handle %d", r.Token(obj), f.Handle())
	}

	f.SetStatic(0, int64(7))
	f.SetStatic(1, 2.5)
	if err := f.SetItem(0, 3, int64(99)); err != nil {
		t.Fatalf("SetItem: %v", err)
	}
	if got := f.GetStatic(0); got != int64(7) {
		t.Errorf("GetStatic(pc) = %v, want 7", got)
	}
	if got, _ := f.GetItem(0, 3); got != int64(99) {
		t.Errorf("GetItem(3) = %v, want 99", got)
	}
	// the heap object is stale while attached
	if got := obj.Get("pc"); got != int64(0) {
		t.Errorf("heap pc = %v while attached, want 0", got)
	}

	got, err := r.Read(obj, "pc")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got != int64(7) {
		t.Errorf("Read(pc) after force = %v, want 7", got)
	}
	if !f.Forced() || r.Token(obj) != TokenNone {
		t.Errorf("forced = %v, token = %d; want forced and NONE", f.Forced(), r.Token(obj))
	}
	if items := obj.Get("stack").(*flowgraph.Array).Items; items[3] != int64(99) {
		t.Errorf("heap stack[3] = %v, want 99", items[3])
	}

	// after forcing the frame passes writes through to the heap
	f.SetStatic(0, int64(8))
	if got := obj.Get("pc"); got != int64(8) {
		t.Errorf("heap pc after forced write = %v, want 8", got)
	}
	if err := r.Detach(f); err != nil {
		t.Fatalf("Detach: %v", err)
	}
	if r.LiveFrames() != 0 {
		t.Errorf("LiveFrames() = %d after detach", r.LiveFrames())
	}
}

func TestDetachWritesBack(t *testing.T) {
	r := NewRegistry(cpu.NewDescrCache())
	obj := newFrame(frameType())
	f, _ := r.Attach(obj)
	f.SetStatic(0, int64(3))
	if err := r.Detach(f); err != nil {
		t.Fatalf("Detach: %v", err)
	}
	if got := obj.Get("pc"); got != int64(3) {
		t.Errorf("pc after detach = %v, want 3", got)
	}
	if r.Token(obj) != TokenNone {
		t.Errorf("token after detach = %d", r.Token(obj))
	}
	if _, err := r.Attach(obj); err != nil {
		t.Errorf("re-Attach: %v", err)
	}
}

func TestStaleHandle(t *testing.T) {
	r := NewRegistry(cpu.NewDescrCache())
	obj := newFrame(frameType())
	f, _ := r.Attach(obj)
	old := f.Handle()
	_ = r.Detach(f)
	g, _ := r.Attach(newFrame(frameType()))
	if g.Handle() == old {
		t.Fatalf("reused slot kept the same handle")
	}
	obj.Set(flowgraph.VableTokenField, old)
	if _, ok := r.FrameOf(obj); ok {
		t.Errorf("stale handle resolved to a frame")
	}
	if err := r.Force(obj); !errors.Is(err, ErrTokenState) {
		t.Errorf("Force with stale handle: err = %v, want ErrTokenState", err)
	}
}

func TestTracingResidualCall(t *testing.T) {
	r := NewRegistry(cpu.NewDescrCache())
	obj := newFrame(frameType())

	if err := r.TracingBeforeResidualCall(obj); err != nil {
		t.Fatalf("TracingBeforeResidualCall: %v", err)
	}
	if err := r.TracingBeforeResidualCall(obj); !errors.Is(err, ErrTokenState) {
		t.Errorf("nested before: err = %v, want ErrTokenState", err)
	}
	forced, err := r.TracingAfterResidualCall(obj)
	if err != nil || forced {
		t.Errorf("after untouched call: forced = %v, err = %v", forced, err)
	}

	_ = r.TracingBeforeResidualCall(obj)
	if err := r.ForceNow(obj); err != nil {
		t.Fatalf("ForceNow: %v", err)
	}
	forced, err = r.TracingAfterResidualCall(obj)
	if err != nil || !forced {
		t.Errorf("after forcing call: forced = %v, err = %v", forced, err)
	}
}
