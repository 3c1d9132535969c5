package blackhole

import (
	"fmt"
	"strings"

	"github.com/chazu/metajit/cpu"
	"github.com/chazu/metajit/flowgraph"
	"github.com/chazu/metajit/jitcode"
	"github.com/chazu/metajit/virtualizable"
)

// handler executes one instruction. a holds the decoded operands: register
// and constant values, int64 immediates, int labels, descriptors and
// []any lists. The returned value is written to the result register.
type handler func(bh *Interp, f *frame, a []any) (any, error)

var table [256]handler

var opKinds = map[string]flowgraph.OpKind{}

func init() {
	for k := flowgraph.OpKind(0); k < flowgraph.NumOpKinds; k++ {
		opKinds[k.String()] = k
	}
	for op, info := range jitcode.Catalog() {
		h := handlerFor(info)
		if h == nil {
			panic("blackhole: no handler for " + info.Key)
		}
		table[op] = h
	}
}

// handlerFor returns the implementation of a catalog entry, or nil.
func handlerFor(info jitcode.InsnInfo) handler {
	name := info.Name
	if name == "jit_merge_point" {
		return mergePoint
	}
	if k, ok := opKinds[name]; ok {
		return apply(k)
	}
	switch {
	case strings.HasSuffix(name, "_copy"):
		return func(bh *Interp, f *frame, a []any) (any, error) { return a[0], nil }
	case strings.HasSuffix(name, "_push"):
		return push(name)
	case strings.HasSuffix(name, "_pop"):
		return pop(name)
	case strings.HasSuffix(name, "_return"):
		return ret
	case strings.HasSuffix(name, "_guard_value"), name == "loop_header", name == "record_quasiimmut_field":
		return nop
	case strings.HasPrefix(name, "goto_if_not_int_"):
		return compareBranch(opKinds["int_"+strings.TrimPrefix(name, "goto_if_not_int_")])
	case strings.HasPrefix(name, "getfield_gc_"):
		return getField
	case strings.HasPrefix(name, "setfield_gc_"):
		return setField
	case strings.HasPrefix(name, "getarrayitem_gc_"):
		return getArrayItem
	case strings.HasPrefix(name, "setarrayitem_gc_"):
		return setArrayItem
	case strings.HasPrefix(name, "getfield_vable_"):
		return getFieldVable
	case strings.HasPrefix(name, "setfield_vable_"):
		return setFieldVable
	case strings.HasPrefix(name, "getarrayitem_vable_"):
		return getArrayItemVable
	case strings.HasPrefix(name, "setarrayitem_vable_"):
		return setArrayItemVable
	case strings.HasPrefix(name, "residual_call_"):
		return residualCall
	case strings.HasPrefix(name, "inline_call_"):
		return inlineCall
	case strings.HasPrefix(name, "indirect_call_"):
		return indirectCall
	case strings.HasPrefix(name, "recursive_call_"):
		return recursiveCall
	}
	switch name {
	case "goto":
		return func(bh *Interp, f *frame, a []any) (any, error) {
			f.next = a[0].(int)
			return nil, nil
		}
	case "goto_if_not":
		return func(bh *Interp, f *frame, a []any) (any, error) {
			if flowgraph.ToInt(a[0]) == 0 {
				f.next = a[1].(int)
			}
			return nil, nil
		}
	case "goto_if_not_ptr_nonzero":
		return func(bh *Interp, f *frame, a []any) (any, error) {
			if flowgraph.IsNull(a[0]) {
				f.next = a[1].(int)
			}
			return nil, nil
		}
	case "goto_if_not_ptr_iszero":
		return func(bh *Interp, f *frame, a []any) (any, error) {
			if !flowgraph.IsNull(a[0]) {
				f.next = a[1].(int)
			}
			return nil, nil
		}
	case "switch":
		return func(bh *Interp, f *frame, a []any) (any, error) {
			d := a[1].(*jitcode.SwitchDictDescr)
			if target, ok := d.Cases[flowgraph.ToInt(a[0])]; ok {
				f.next = target
			}
			return nil, nil
		}
	case "setup_exception_block":
		return func(bh *Interp, f *frame, a []any) (any, error) {
			f.handlers = append(f.handlers, a[0].(int))
			return nil, nil
		}
	case "teardown_exception_block":
		return func(bh *Interp, f *frame, a []any) (any, error) {
			if n := len(f.handlers); n > 0 {
				f.handlers = f.handlers[:n-1]
			}
			return nil, nil
		}
	case "goto_if_exception_mismatch":
		return func(bh *Interp, f *frame, a []any) (any, error) {
			cls, _ := a[0].(*flowgraph.ExceptionClass)
			if f.exc == nil || cls == nil || !f.exc.Class.IsSubclassOf(cls) {
				f.next = a[1].(int)
			}
			return nil, nil
		}
	case "last_exception":
		return func(bh *Interp, f *frame, a []any) (any, error) {
			if f.exc == nil {
				return nil, nil
			}
			return f.exc.Class, nil
		}
	case "last_exc_value":
		return func(bh *Interp, f *frame, a []any) (any, error) {
			if f.exc == nil {
				return nil, nil
			}
			return f.exc, nil
		}
	case "raise":
		return func(bh *Interp, f *frame, a []any) (any, error) {
			if exc, ok := a[0].(*flowgraph.LLException); ok && exc != nil {
				return nil, exc
			}
			return nil, &flowgraph.LLException{Class: flowgraph.ExcBase}
		}
	case "reraise":
		return func(bh *Interp, f *frame, a []any) (any, error) {
			if f.exc == nil {
				return nil, fmt.Errorf("%w: reraise without a caught exception", ErrBadCode)
			}
			return nil, f.exc
		}
	case "arraylen_gc":
		return func(bh *Interp, f *frame, a []any) (any, error) {
			return bh.Heap.BhArrayLen(a[0], a[1].(*cpu.ArrayDescr))
		}
	case "new":
		return func(bh *Interp, f *frame, a []any) (any, error) {
			return bh.Heap.BhNew(a[0].(*cpu.SizeDescr)), nil
		}
	case "new_array":
		return func(bh *Interp, f *frame, a []any) (any, error) {
			return bh.Heap.BhNewArray(a[1].(*cpu.ArrayDescr), flowgraph.ToInt(a[0]))
		}
	case "arraylen_vable":
		return arrayLenVable
	case "hint_force_virtualizable":
		return func(bh *Interp, f *frame, a []any) (any, error) {
			if s, ok := a[0].(*flowgraph.Struct); ok && s != nil && bh.Vables != nil {
				return nil, bh.Vables.Force(s)
			}
			return nil, nil
		}
	}
	return nil
}

func nop(bh *Interp, f *frame, a []any) (any, error) { return nil, nil }

func apply(k flowgraph.OpKind) handler {
	return func(bh *Interp, f *frame, a []any) (any, error) {
		return flowgraph.Apply(k, a)
	}
}

func compareBranch(k flowgraph.OpKind) handler {
	return func(bh *Interp, f *frame, a []any) (any, error) {
		res, err := flowgraph.Apply(k, a[:2])
		if err != nil {
			return nil, err
		}
		if flowgraph.ToInt(res) == 0 {
			f.next = a[2].(int)
		}
		return nil, nil
	}
}

// push and pop save one register per kind across a cyclic renaming.
func push(name string) handler {
	kind := name[:strings.IndexByte(name, '_')]
	return func(bh *Interp, f *frame, a []any) (any, error) {
		switch kind {
		case "int":
			f.savedI = append(f.savedI, flowgraph.ToInt(a[0]))
		case "float":
			f.savedF = append(f.savedF, toFloat(a[0]))
		default:
			f.savedR = append(f.savedR, a[0])
		}
		return nil, nil
	}
}

func pop(name string) handler {
	kind := name[:strings.IndexByte(name, '_')]
	return func(bh *Interp, f *frame, a []any) (any, error) {
		var v any
		switch kind {
		case "int":
			n := len(f.savedI)
			if n == 0 {
				return nil, fmt.Errorf("%w: %s on an empty stack", ErrBadCode, name)
			}
			v, f.savedI = f.savedI[n-1], f.savedI[:n-1]
		case "float":
			n := len(f.savedF)
			if n == 0 {
				return nil, fmt.Errorf("%w: %s on an empty stack", ErrBadCode, name)
			}
			v, f.savedF = f.savedF[n-1], f.savedF[:n-1]
		default:
			n := len(f.savedR)
			if n == 0 {
				return nil, fmt.Errorf("%w: %s on an empty stack", ErrBadCode, name)
			}
			v, f.savedR = f.savedR[n-1], f.savedR[:n-1]
		}
		return v, nil
	}
}

func ret(bh *Interp, f *frame, a []any) (any, error) {
	f.done = true
	if len(a) > 0 {
		f.result = a[0]
	}
	return nil, nil
}

// ============================================================================
// Heap
// ============================================================================

func getField(bh *Interp, f *frame, a []any) (any, error) {
	return bh.Heap.BhGetField(a[0], a[1].(*cpu.FieldDescr))
}

func setField(bh *Interp, f *frame, a []any) (any, error) {
	return nil, bh.Heap.BhSetField(a[0], a[2].(*cpu.FieldDescr), a[1])
}

func getArrayItem(bh *Interp, f *frame, a []any) (any, error) {
	return bh.Heap.BhGetArrayItem(a[0], flowgraph.ToInt(a[1]), a[2].(*cpu.ArrayDescr))
}

func setArrayItem(bh *Interp, f *frame, a []any) (any, error) {
	return nil, bh.Heap.BhSetArrayItem(a[0], flowgraph.ToInt(a[1]), a[3].(*cpu.ArrayDescr), a[2])
}

// ============================================================================
// Virtualizables
// ============================================================================

// attached returns the compiled frame holding obj's fields, if any.
func (bh *Interp) attached(obj any) (*virtualizable.Frame, bool) {
	s, ok := obj.(*flowgraph.Struct)
	if !ok || s == nil || bh.Vables == nil {
		return nil, false
	}
	fr, ok := bh.Vables.FrameOf(s)
	if !ok || fr.Forced() {
		return nil, false
	}
	return fr, true
}

func getFieldVable(bh *Interp, f *frame, a []any) (any, error) {
	d := a[1].(*cpu.FieldDescr)
	if fr, ok := bh.attached(a[0]); ok {
		if i, ok := fr.Info.StaticIndexOf(d); ok {
			return fr.GetStatic(i), nil
		}
	}
	return bh.Heap.BhGetField(a[0], d)
}

func setFieldVable(bh *Interp, f *frame, a []any) (any, error) {
	d := a[2].(*cpu.FieldDescr)
	if fr, ok := bh.attached(a[0]); ok {
		if i, ok := fr.Info.StaticIndexOf(d); ok {
			fr.SetStatic(i, a[1])
			return nil, nil
		}
	}
	return nil, bh.Heap.BhSetField(a[0], d, a[1])
}

func getArrayItemVable(bh *Interp, f *frame, a []any) (any, error) {
	fd, ad := a[2].(*cpu.FieldDescr), a[3].(*cpu.ArrayDescr)
	idx := flowgraph.ToInt(a[1])
	if fr, ok := bh.attached(a[0]); ok {
		if i, ok := fr.Info.ArrayIndexOf(fd); ok {
			return fr.GetItem(i, idx)
		}
	}
	arr, err := bh.Heap.BhGetField(a[0], fd)
	if err != nil {
		return nil, err
	}
	return bh.Heap.BhGetArrayItem(arr, idx, ad)
}

func setArrayItemVable(bh *Interp, f *frame, a []any) (any, error) {
	fd, ad := a[3].(*cpu.FieldDescr), a[4].(*cpu.ArrayDescr)
	idx := flowgraph.ToInt(a[1])
	if fr, ok := bh.attached(a[0]); ok {
		if i, ok := fr.Info.ArrayIndexOf(fd); ok {
			return nil, fr.SetItem(i, idx, a[2])
		}
	}
	arr, err := bh.Heap.BhGetField(a[0], fd)
	if err != nil {
		return nil, err
	}
	return nil, bh.Heap.BhSetArrayItem(arr, idx, ad, a[2])
}

func arrayLenVable(bh *Interp, f *frame, a []any) (any, error) {
	fd, ad := a[1].(*cpu.FieldDescr), a[2].(*cpu.ArrayDescr)
	if fr, ok := bh.attached(a[0]); ok {
		if i, ok := fr.Info.ArrayIndexOf(fd); ok {
			return fr.ArrayLen(i), nil
		}
	}
	arr, err := bh.Heap.BhGetField(a[0], fd)
	if err != nil {
		return nil, err
	}
	return bh.Heap.BhArrayLen(arr, ad)
}

// ============================================================================
// Calls
// ============================================================================

// callArgs splits the operands of a call into the kind lists, the
// descriptors that follow them, and the leading operands before them.
func callArgs(a []any) (lists [][]any, rest []any) {
	for _, x := range a {
		if l, ok := x.([]any); ok {
			lists = append(lists, l)
		} else if lists != nil {
			rest = append(rest, x)
		}
	}
	return lists, rest
}

// regsOf distributes r, ir or irf lists into int, ref and float arguments.
func regsOf(lists [][]any) (ints []int64, refs []any, floats []float64) {
	switch len(lists) {
	case 1:
		refs = lists[0]
	case 2:
		ints, refs = toInts(lists[0]), lists[1]
	case 3:
		ints, refs, floats = toInts(lists[0]), lists[1], toFloats(lists[2])
	}
	return ints, refs, floats
}

func toInts(vs []any) []int64 {
	out := make([]int64, len(vs))
	for i, v := range vs {
		out[i] = flowgraph.ToInt(v)
	}
	return out
}

func toFloats(vs []any) []float64 {
	out := make([]float64, len(vs))
	for i, v := range vs {
		out[i] = toFloat(v)
	}
	return out
}

// ordered merges kind lists back into argument order. Void arguments are
// passed as nil.
func ordered(lists [][]any, d *cpu.CallDescr) ([]any, error) {
	ints, refs, floats := regsOf(lists)
	var ni, nr, nf int
	args := make([]any, len(d.ArgKinds))
	for i, k := range d.ArgKinds {
		switch k {
		case flowgraph.Int:
			if ni >= len(ints) {
				return nil, fmt.Errorf("%w: call passes too few ints for %s", ErrBadCode, d.DescrName())
			}
			args[i] = ints[ni]
			ni++
		case flowgraph.Ref:
			if nr >= len(refs) {
				return nil, fmt.Errorf("%w: call passes too few refs for %s", ErrBadCode, d.DescrName())
			}
			args[i] = refs[nr]
			nr++
		case flowgraph.Float:
			if nf >= len(floats) {
				return nil, fmt.Errorf("%w: call passes too few floats for %s", ErrBadCode, d.DescrName())
			}
			args[i] = floats[nf]
			nf++
		}
	}
	return args, nil
}

func residualCall(bh *Interp, f *frame, a []any) (any, error) {
	lists, rest := callArgs(a)
	d := rest[len(rest)-1].(*cpu.CallDescr)
	args, err := ordered(lists, d)
	if err != nil {
		return nil, err
	}
	return bh.Heap.BhCall(a[0], args, d)
}

func inlineCall(bh *Interp, f *frame, a []any) (any, error) {
	lists, _ := callArgs(a)
	ints, refs, floats := regsOf(lists)
	return bh.Run(a[0].(*jitcode.JitCode), ints, refs, floats)
}

func indirectCall(bh *Interp, f *frame, a []any) (any, error) {
	lists, rest := callArgs(a)
	targets := rest[0].(*jitcode.IndirectCallTargets)
	fn, _ := a[0].(*flowgraph.FuncPtr)
	if jc := targets.Lookup(fn); jc != nil {
		ints, refs, floats := regsOf(lists)
		return bh.Run(jc, ints, refs, floats)
	}
	d := rest[1].(*cpu.CallDescr)
	args, err := ordered(lists, d)
	if err != nil {
		return nil, err
	}
	return bh.Heap.BhCall(a[0], args, d)
}

// recursiveCall re-enters a portal. The portal's parameters are its
// greens followed by its reds, so each kind's arguments are the green
// ones followed by the red ones.
func recursiveCall(bh *Interp, f *frame, a []any) (any, error) {
	idx := int(a[0].(int64))
	if idx < 0 || idx >= len(bh.Portals) || bh.Portals[idx] == nil {
		return nil, fmt.Errorf("%w: no portal for driver %d", ErrBadCode, idx)
	}
	var ints []int64
	var refs []any
	var floats []float64
	for _, base := range []int{1, 4} {
		ints = append(ints, toInts(a[base].([]any))...)
		refs = append(refs, a[base+1].([]any)...)
		floats = append(floats, toFloats(a[base+2].([]any))...)
	}
	return bh.Run(bh.Portals[idx], ints, refs, floats)
}

func concat(lists ...any) []any {
	var out []any
	for _, l := range lists {
		out = append(out, l.([]any)...)
	}
	return out
}

func mergePoint(bh *Interp, f *frame, a []any) (any, error) {
	if bh.MergePoint == nil {
		return nil, nil
	}
	greens := concat(a[1], a[2], a[3])
	reds := concat(a[4], a[5], a[6])
	exit, err := bh.MergePoint(int(a[0].(int64)), greens, reds)
	if err != nil {
		return nil, err
	}
	if exit != nil {
		f.done = true
		f.result = exit.Value
	}
	return nil, nil
}
