package virtualizable

import (
	"fmt"

	"github.com/chazu/metajit/flowgraph"
)

// Values of the vable_token field.
const (
	// TokenNone: the heap object is authoritative.
	TokenNone int64 = 0
	// TokenTracingRescall: inside a residual call made while tracing; the
	// object is still authoritative.
	TokenTracingRescall int64 = -1
)

// Any positive token is a frame handle: the object's logical field values
// live in that compiled frame.

// Frame holds the field values of a virtualizable while compiled code runs
// with it. Once forced, accesses go to the heap object.
type Frame struct {
	Obj    *flowgraph.Struct
	Info   *Info
	Static []any
	Arrays [][]any

	handle int64
	forced bool
}

// Forced reports whether the frame's values were written back to the heap.
func (f *Frame) Forced() bool { return f.forced }

// Handle is the token value stored in the object while attached.
func (f *Frame) Handle() int64 { return f.handle }

// GetStatic reads scalar field i.
func (f *Frame) GetStatic(i int) any {
	if f.forced {
		return f.Obj.Get(f.Info.StaticFields[i])
	}
	return f.Static[i]
}

// SetStatic writes scalar field i.
func (f *Frame) SetStatic(i int, v any) {
	if f.forced {
		f.Obj.Set(f.Info.StaticFields[i], v)
		return
	}
	f.Static[i] = v
}

func (f *Frame) items(a int) []any {
	if f.forced {
		arr, _ := f.Obj.Get(f.Info.ArrayFields[a]).(*flowgraph.Array)
		if arr == nil {
			return nil
		}
		return arr.Items
	}
	return f.Arrays[a]
}

// GetItem reads item i of array field a.
func (f *Frame) GetItem(a int, i int64) (any, error) {
	items := f.items(a)
	if i < 0 || i >= int64(len(items)) {
		return nil, flowgraph.NewException(flowgraph.ExcIndexError,
			"index %d out of range [0, %d)", i, len(items))
	}
	return items[i], nil
}

// SetItem writes item i of array field a.
func (f *Frame) SetItem(a int, i int64, v any) error {
	items := f.items(a)
	if i < 0 || i >= int64(len(items)) {
		return flowgraph.NewException(flowgraph.ExcIndexError,
			"index %d out of range [0, %d)", i, len(items))
	}
	items[i] = v
	return nil
}

// ArrayLen returns the length of array field a.
func (f *Frame) ArrayLen(a int) int64 { return int64(len(f.items(a))) }

// Frames is an arena of attached frames addressed by handles carrying a
// generation, so a stale handle never resolves to a reused slot.
type Frames struct {
	slots []frameSlot
	free  []int
}

type frameSlot struct {
	gen   uint32
	frame *Frame
}

func (fs *Frames) alloc(f *Frame) int64 {
	var idx int
	if n := len(fs.free); n > 0 {
		idx = fs.free[n-1]
		fs.free = fs.free[:n-1]
	} else {
		idx = len(fs.slots)
		fs.slots = append(fs.slots, frameSlot{})
	}
	s := &fs.slots[idx]
	s.gen++
	s.frame = f
	return int64(s.gen)<<32 | int64(idx+1)
}

func (fs *Frames) lookup(h int64) (*Frame, bool) {
	if h <= 0 {
		return nil, false
	}
	idx := int(h&0xffffffff) - 1
	gen := uint32(h >> 32)
	if idx < 0 || idx >= len(fs.slots) {
		return nil, false
	}
	s := fs.slots[idx]
	if s.gen != gen || s.frame == nil {
		return nil, false
	}
	return s.frame, true
}

func (fs *Frames) release(h int64) {
	idx := int(h&0xffffffff) - 1
	if idx < 0 || idx >= len(fs.slots) || fs.slots[idx].gen != uint32(h>>32) {
		return
	}
	fs.slots[idx].frame = nil
	fs.free = append(fs.free, idx)
}

// Live returns the number of attached frames.
func (fs *Frames) Live() int { return len(fs.slots) - len(fs.free) }

// ============================================================================
// Runtime protocol
// ============================================================================

func token(obj *flowgraph.Struct) int64 {
	return flowgraph.ToInt(obj.Get(flowgraph.VableTokenField))
}

func setToken(obj *flowgraph.Struct, t int64) {
	obj.Set(flowgraph.VableTokenField, t)
}

// Token returns the current vable_token of obj.
func (r *Registry) Token(obj *flowgraph.Struct) int64 { return token(obj) }

// FrameOf returns the frame obj is attached to, if any.
func (r *Registry) FrameOf(obj *flowgraph.Struct) (*Frame, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frames.lookup(token(obj))
}

// LiveFrames returns the number of attached frames.
func (r *Registry) LiveFrames() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frames.Live()
}

// TracingBeforeResidualCall marks obj as reachable from a residual call
// made while tracing.
func (r *Registry) TracingBeforeResidualCall(obj *flowgraph.Struct) error {
	if t := token(obj); t != TokenNone {
		return fmt.Errorf("%w: %d before residual call", ErrTokenState, t)
	}
	setToken(obj, TokenTracingRescall)
	return nil
}

// TracingAfterResidualCall clears the marker set before a residual call.
// forced is true when the call forced obj, in which case the tracer must
// abort.
func (r *Registry) TracingAfterResidualCall(obj *flowgraph.Struct) (forced bool, err error) {
	switch t := token(obj); t {
	case TokenTracingRescall:
		setToken(obj, TokenNone)
		return false, nil
	case TokenNone:
		return true, nil
	default:
		return false, fmt.Errorf("%w: %d after residual call", ErrTokenState, t)
	}
}

// ForceNow forces obj on behalf of code outside the tracer.
func (r *Registry) ForceNow(obj *flowgraph.Struct) error {
	if token(obj) == TokenTracingRescall {
		setToken(obj, TokenNone)
		return nil
	}
	return r.Force(obj)
}

// Force makes the heap object authoritative: a frame holding its fields
// writes them back and is marked forced. No-op when already authoritative.
func (r *Registry) Force(obj *flowgraph.Struct) error {
	t := token(obj)
	switch {
	case t == TokenNone:
		return nil
	case t == TokenTracingRescall:
		return r.ForceNow(obj)
	}
	r.mu.Lock()
	f, ok := r.frames.lookup(t)
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: dangling frame handle %#x", ErrTokenState, t)
	}
	if err := f.Info.WriteBoxes(obj, f.Static, f.Arrays); err != nil {
		return err
	}
	f.forced = true
	setToken(obj, TokenNone)
	return nil
}

// Attach moves obj's tracked fields into a new frame and points the token
// at it.
func (r *Registry) Attach(obj *flowgraph.Struct) (*Frame, error) {
	if t := token(obj); t != TokenNone {
		return nil, fmt.Errorf("%w: %d on attach", ErrTokenState, t)
	}
	vi, err := r.Describe(obj.Type)
	if err != nil {
		return nil, err
	}
	static, arrays, err := vi.ReadBoxes(obj)
	if err != nil {
		return nil, err
	}
	f := &Frame{Obj: obj, Info: vi, Static: static, Arrays: arrays}
	r.mu.Lock()
	f.handle = r.frames.alloc(f)
	r.mu.Unlock()
	setToken(obj, f.handle)
	return f, nil
}

// Detach writes the frame back (unless it was forced) and releases it.
func (r *Registry) Detach(f *Frame) error {
	var err error
	if !f.forced {
		err = f.Info.WriteBoxes(f.Obj, f.Static, f.Arrays)
		f.forced = true
		if token(f.Obj) == f.handle {
			setToken(f.Obj, TokenNone)
		}
	}
	r.mu.Lock()
	r.frames.release(f.handle)
	r.mu.Unlock()
	return err
}

// Read returns a field of obj after forcing it.
func (r *Registry) Read(obj *flowgraph.Struct, field string) (any, error) {
	if err := r.Force(obj); err != nil {
		return nil, err
	}
	return obj.Get(field), nil
}

// Write stores a field of obj after forcing it.
func (r *Registry) Write(obj *flowgraph.Struct, field string, v any) error {
	if err := r.Force(obj); err != nil {
		return err
	}
	obj.Set(field, v)
	return nil
}
