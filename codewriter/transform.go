package codewriter

import (
	"errors"
	"fmt"

	"github.com/chazu/metajit/callcontrol"
	"github.com/chazu/metajit/cpu"
	"github.com/chazu/metajit/effectinfo"
	"github.com/chazu/metajit/flowgraph"
	"github.com/chazu/metajit/jitcode"
	"github.com/chazu/metajit/jitdriver"
	"github.com/chazu/metajit/virtualizable"
)

// rewriteFunc lowers one source operation into instructions of the
// current block.
type rewriteFunc func(t *transformer, op *flowgraph.Operation) error

var rewrites [flowgraph.NumOpKinds]rewriteFunc

func init() {
	set := func(fn rewriteFunc, kinds ...flowgraph.OpKind) {
		for _, k := range kinds {
			rewrites[k] = fn
		}
	}
	set(rewriteBinary,
		flowgraph.OpIntAdd, flowgraph.OpIntSub, flowgraph.OpIntMul, flowgraph.OpIntFloorDiv,
		flowgraph.OpIntMod, flowgraph.OpIntAnd, flowgraph.OpIntOr, flowgraph.OpIntXor,
		flowgraph.OpIntLshift, flowgraph.OpIntRshift, flowgraph.OpIntLt, flowgraph.OpIntLe,
		flowgraph.OpIntEq, flowgraph.OpIntNe, flowgraph.OpIntGt, flowgraph.OpIntGe,
		flowgraph.OpFloatAdd, flowgraph.OpFloatSub, flowgraph.OpFloatMul, flowgraph.OpFloatTrueDiv,
		flowgraph.OpFloatLt, flowgraph.OpFloatLe, flowgraph.OpFloatEq, flowgraph.OpFloatNe,
		flowgraph.OpFloatGt, flowgraph.OpFloatGe,
		flowgraph.OpPtrEq, flowgraph.OpPtrNe)
	set(rewriteUnary,
		flowgraph.OpIntNeg, flowgraph.OpIntInvert, flowgraph.OpIntIsTrue, flowgraph.OpIntIsZero,
		flowgraph.OpFloatNeg, flowgraph.OpFloatAbs,
		flowgraph.OpCastIntToFloat, flowgraph.OpCastFloatToInt,
		flowgraph.OpPtrIsNull, flowgraph.OpPtrNonNull)
	set(rewriteRename, flowgraph.OpSameAs, flowgraph.OpCastPointer, flowgraph.OpCastBoolToInt)
	set(rewriteGetField, flowgraph.OpGetField)
	set(rewriteSetField, flowgraph.OpSetField)
	set(rewriteGetArrayItem, flowgraph.OpGetArrayItem)
	set(rewriteSetArrayItem, flowgraph.OpSetArrayItem)
	set(rewriteGetArrayLen, flowgraph.OpGetArrayLen)
	set(rewriteNew, flowgraph.OpNew)
	set(rewriteNewArray, flowgraph.OpNewArray)
	set(rewriteDirectCall, flowgraph.OpDirectCall)
	set(rewriteIndirectCall, flowgraph.OpIndirectCall)
	set(rewriteMergePoint, flowgraph.OpJitMergePoint)
	set(rewriteCanEnterJit, flowgraph.OpCanEnterJit)
	set(rewritePromote, flowgraph.OpPromote)
	set(rewriteForceVirtualizable, flowgraph.OpForceVirtualizable)
	set(rewriteDrop, flowgraph.OpKeepalive, flowgraph.OpDebugAssert)

	for k, fn := range rewrites {
		if fn == nil {
			panic(fmt.Sprintf("codewriter: no rewrite for %s", flowgraph.OpKind(k)))
		}
	}
}

// fusedBranches maps comparisons that can be folded into the branch that
// tests them.
var fusedBranches = map[flowgraph.OpKind]string{
	flowgraph.OpIntLt:      "goto_if_not_int_lt",
	flowgraph.OpIntLe:      "goto_if_not_int_le",
	flowgraph.OpIntEq:      "goto_if_not_int_eq",
	flowgraph.OpIntNe:      "goto_if_not_int_ne",
	flowgraph.OpIntGt:      "goto_if_not_int_gt",
	flowgraph.OpIntGe:      "goto_if_not_int_ge",
	flowgraph.OpPtrNonNull: "goto_if_not_ptr_nonzero",
	flowgraph.OpPtrIsNull:  "goto_if_not_ptr_iszero",
}

// vableArray is what a read of a virtualizable array field produces: no
// value, only a way to address the items through the owning object.
type vableArray struct {
	obj   flowgraph.Value
	field *cpu.FieldDescr
	array *cpu.ArrayDescr
}

type transformer struct {
	cw    *CodeWriter
	lg    *lgraph
	cur   *lblock
	index int

	renames map[*flowgraph.Variable]flowgraph.Value
	arrays  map[*flowgraph.Variable]*vableArray
}

// transform copies a graph and lowers every block.
func (cw *CodeWriter) transform(orig *flowgraph.Graph) (*lgraph, error) {
	g := orig.Copy()
	lg := &lgraph{orig: orig, graph: g, byBlock: make(map[*flowgraph.Block]*lblock)}
	t := &transformer{cw: cw, lg: lg, renames: make(map[*flowgraph.Variable]flowgraph.Value)}
	for i, b := range g.Blocks() {
		if lg.isFinal(b) {
			continue
		}
		t.index = i
		if err := t.lowerBlock(b); err != nil {
			return nil, err
		}
	}
	return lg, nil
}

func (t *transformer) fail(op *flowgraph.Operation, err error) error {
	ce := &CompileError{Graph: t.lg.orig.Name, Block: t.index, Err: err}
	if op != nil {
		ce.Op = op.String()
	}
	return ce
}

func (t *transformer) lowerBlock(b *flowgraph.Block) error {
	lb := &lblock{src: b}
	t.cur = lb
	t.arrays = make(map[*flowgraph.Variable]*vableArray)
	fuse := t.fusable(b)
	for i, op := range b.Operations {
		if i == len(b.Operations)-1 {
			lb.lastStart = len(lb.insns)
			if fuse {
				if err := t.fuse(op); err != nil {
					return t.fail(op, err)
				}
				continue
			}
		}
		if err := rewrites[op.Op](t, op); err != nil {
			return t.fail(op, err)
		}
	}
	if b.Exitswitch != nil && !b.CanRaise() && lb.fused == nil {
		cond, err := t.use(b.Exitswitch)
		if err != nil {
			return t.fail(nil, err)
		}
		lb.cond = cond
	}
	for _, l := range b.Exits {
		args, err := t.uses(l.Args)
		if err != nil {
			return t.fail(nil, fmt.Errorf("link to block %d: %w", t.blockIndex(l.Target), err))
		}
		lb.exitArgs = append(lb.exitArgs, args)
	}
	t.lg.blocks = append(t.lg.blocks, lb)
	t.lg.byBlock[b] = lb
	return nil
}

func (t *transformer) blockIndex(b *flowgraph.Block) int {
	for i, x := range t.lg.graph.Blocks() {
		if x == b {
			return i
		}
	}
	return -1
}

func (t *transformer) emit(name string, result *flowgraph.Variable, args ...any) {
	t.cur.insns = append(t.cur.insns, &insn{name: name, args: args, result: result})
}

func (t *transformer) live() { t.emit(liveMarker, nil) }

func (t *transformer) resolve(v flowgraph.Value) flowgraph.Value {
	for {
		x, ok := v.(*flowgraph.Variable)
		if !ok {
			return v
		}
		r, ok := t.renames[x]
		if !ok {
			return v
		}
		v = r
	}
}

// use resolves a value that is consumed as a register.
func (t *transformer) use(v flowgraph.Value) (flowgraph.Value, error) {
	v = t.resolve(v)
	if x, ok := v.(*flowgraph.Variable); ok && t.arrays[x] != nil {
		return nil, fmt.Errorf("%w: %s", ErrArrayEscaped, x)
	}
	return v, nil
}

func (t *transformer) uses(vs []flowgraph.Value) ([]flowgraph.Value, error) {
	out := make([]flowgraph.Value, len(vs))
	for i, v := range vs {
		u, err := t.use(v)
		if err != nil {
			return nil, err
		}
		out[i] = u
	}
	return out, nil
}

func (t *transformer) alias(v flowgraph.Value) *vableArray {
	if x, ok := t.resolve(v).(*flowgraph.Variable); ok {
		return t.arrays[x]
	}
	return nil
}

func (t *transformer) vableInfo(st *flowgraph.StructType) (*virtualizable.Info, error) {
	if st.VirtualizableRoot() == nil {
		return nil, nil
	}
	return t.cw.Vables.Describe(st)
}

func isConst(v flowgraph.Value) bool {
	_, ok := v.(*flowgraph.Constant)
	return ok
}

func kindChar(k flowgraph.Kind) string { return string(k.Char()) }

func kindName(k flowgraph.Kind) string { return k.String() }

func kindOfChar(c byte) flowgraph.Kind {
	switch c {
	case 'i':
		return flowgraph.Int
	case 'r':
		return flowgraph.Ref
	default:
		return flowgraph.Float
	}
}

func resultSuffix(op *flowgraph.Operation) string {
	if op.Result == nil {
		return "v"
	}
	return kindChar(op.Result.Kind())
}

// normalizeOrder puts a constant operand on the right of commutative
// operations and comparisons.
func normalizeOrder(kind flowgraph.OpKind, a, b flowgraph.Value) (flowgraph.OpKind, flowgraph.Value, flowgraph.Value) {
	if isConst(a) && !isConst(b) {
		info := kind.Info()
		switch {
		case info.Commutative:
			return kind, b, a
		case info.HasSwapped:
			return info.Swapped, b, a
		}
	}
	return kind, a, b
}

// ============================================================================
// Branch fusion
// ============================================================================

func (t *transformer) fusable(b *flowgraph.Block) bool {
	cond, ok := b.Exitswitch.(*flowgraph.Variable)
	if !ok || b.CanRaise() || len(b.Exits) != 2 || len(b.Operations) == 0 {
		return false
	}
	if _, isBool := b.Exits[0].Exitcase.(bool); !isBool {
		return false
	}
	last := b.Operations[len(b.Operations)-1]
	if last.Result != cond {
		return false
	}
	if _, ok := fusedBranches[last.Op]; !ok {
		return false
	}
	for _, l := range b.Exits {
		for _, a := range l.Args {
			if a == cond {
				return false
			}
		}
	}
	return true
}

func (t *transformer) fuse(op *flowgraph.Operation) error {
	args, err := t.uses(op.Args)
	if err != nil {
		return err
	}
	kind := op.Op
	if len(args) == 2 {
		kind, args[0], args[1] = normalizeOrder(kind, args[0], args[1])
	}
	in := &insn{name: fusedBranches[kind]}
	for _, a := range args {
		in.args = append(in.args, a)
	}
	t.cur.fused = in
	return nil
}

// ============================================================================
// Arithmetic and casts
// ============================================================================

func rewriteBinary(t *transformer, op *flowgraph.Operation) error {
	args, err := t.uses(op.Args)
	if err != nil {
		return err
	}
	kind, a, b := normalizeOrder(op.Op, args[0], args[1])
	t.emit(kind.String(), op.Result, a, b)
	return nil
}

func rewriteUnary(t *transformer, op *flowgraph.Operation) error {
	x, err := t.use(op.Args[0])
	if err != nil {
		return err
	}
	t.emit(op.Op.String(), op.Result, x)
	return nil
}

func rewriteRename(t *transformer, op *flowgraph.Operation) error {
	t.renames[op.Result] = t.resolve(op.Args[0])
	return nil
}

func rewriteDrop(t *transformer, op *flowgraph.Operation) error { return nil }

// ============================================================================
// Fields and arrays
// ============================================================================

func fieldName(op *flowgraph.Operation) string {
	c, _ := op.Args[1].(*flowgraph.Constant)
	if c == nil {
		return ""
	}
	name, _ := c.Value.(string)
	return name
}

func structOf(v flowgraph.Value, op *flowgraph.Operation) (*flowgraph.StructType, error) {
	st, _ := flowgraph.StaticType(v).(*flowgraph.StructType)
	if st == nil {
		return nil, fmt.Errorf("%w: %s on %s", ErrUntypedAccess, op.Op, v)
	}
	return st, nil
}

func rewriteGetField(t *transformer, op *flowgraph.Operation) error {
	obj, err := t.use(op.Args[0])
	if err != nil {
		return err
	}
	name := fieldName(op)
	st, err := structOf(obj, op)
	if err != nil {
		return err
	}
	vi, err := t.vableInfo(st)
	if err != nil {
		return err
	}
	if vi != nil {
		if i, ok := vi.StaticIndex(name); ok {
			t.emit("getfield_vable_"+kindChar(op.Result.Kind()), op.Result, obj, vi.StaticDescrs[i])
			return nil
		}
		if i, ok := vi.ArrayIndex(name); ok {
			t.arrays[op.Result] = &vableArray{obj: obj, field: vi.ArrayFieldDescrs[i], array: vi.ArrayDescrs[i]}
			return nil
		}
	}
	fd, err := t.cw.Describer.FieldDescrOf(st, name)
	if err != nil {
		return err
	}
	k := kindChar(fd.Kind)
	switch {
	case fd.QuasiImmutable:
		t.live()
		t.emit("record_quasiimmut_field", nil, obj, fd)
		t.emit("getfield_gc_"+k+"_pure", op.Result, obj, fd)
	case fd.Immutable:
		t.emit("getfield_gc_"+k+"_pure", op.Result, obj, fd)
	default:
		t.emit("getfield_gc_"+k, op.Result, obj, fd)
	}
	return nil
}

func rewriteSetField(t *transformer, op *flowgraph.Operation) error {
	obj, err := t.use(op.Args[0])
	if err != nil {
		return err
	}
	val, err := t.use(op.Args[2])
	if err != nil {
		return err
	}
	name := fieldName(op)
	st, err := structOf(obj, op)
	if err != nil {
		return err
	}
	vi, err := t.vableInfo(st)
	if err != nil {
		return err
	}
	if vi != nil {
		if i, ok := vi.StaticIndex(name); ok {
			d := vi.StaticDescrs[i]
			t.emit("setfield_vable_"+kindChar(d.Kind), nil, obj, val, d)
			return nil
		}
		if _, ok := vi.ArrayIndex(name); ok {
			return fmt.Errorf("%w: assignment to array field %s.%s", ErrArrayEscaped, st.Name, name)
		}
	}
	fd, err := t.cw.Describer.FieldDescrOf(st, name)
	if err != nil {
		return err
	}
	t.emit("setfield_gc_"+kindChar(fd.Kind), nil, obj, val, fd)
	return nil
}

func (t *transformer) arrayDescr(arr flowgraph.Value, op *flowgraph.Operation) (*cpu.ArrayDescr, error) {
	at, _ := flowgraph.StaticType(arr).(*flowgraph.ArrayType)
	if at == nil {
		return nil, fmt.Errorf("%w: %s on %s", ErrUntypedAccess, op.Op, arr)
	}
	return t.cw.Describer.ArrayDescrOf(at), nil
}

func rewriteGetArrayItem(t *transformer, op *flowgraph.Operation) error {
	idx, err := t.use(op.Args[1])
	if err != nil {
		return err
	}
	return t.getItem(op, op.Args[0], idx)
}

func (t *transformer) getItem(op *flowgraph.Operation, arr, idx flowgraph.Value) error {
	if va := t.alias(arr); va != nil {
		t.emit("getarrayitem_vable_"+kindChar(va.array.Item), op.Result, va.obj, idx, va.field, va.array)
		return nil
	}
	arr = t.resolve(arr)
	ad, err := t.arrayDescr(arr, op)
	if err != nil {
		return err
	}
	t.emit("getarrayitem_gc_"+kindChar(ad.Item), op.Result, arr, idx, ad)
	return nil
}

func rewriteSetArrayItem(t *transformer, op *flowgraph.Operation) error {
	rest, err := t.uses(op.Args[1:])
	if err != nil {
		return err
	}
	return t.setItem(op, op.Args[0], rest[0], rest[1])
}

func (t *transformer) setItem(op *flowgraph.Operation, arr, idx, val flowgraph.Value) error {
	if va := t.alias(arr); va != nil {
		t.emit("setarrayitem_vable_"+kindChar(va.array.Item), nil, va.obj, idx, val, va.field, va.array)
		return nil
	}
	arr = t.resolve(arr)
	ad, err := t.arrayDescr(arr, op)
	if err != nil {
		return err
	}
	t.emit("setarrayitem_gc_"+kindChar(ad.Item), nil, arr, idx, val, ad)
	return nil
}

func rewriteGetArrayLen(t *transformer, op *flowgraph.Operation) error {
	return t.arrayLen(op, op.Args[0])
}

func (t *transformer) arrayLen(op *flowgraph.Operation, arr flowgraph.Value) error {
	if va := t.alias(arr); va != nil {
		t.emit("arraylen_vable", op.Result, va.obj, va.field, va.array)
		return nil
	}
	arr = t.resolve(arr)
	ad, err := t.arrayDescr(arr, op)
	if err != nil {
		return err
	}
	t.emit("arraylen_gc", op.Result, arr, ad)
	return nil
}

func rewriteNew(t *transformer, op *flowgraph.Operation) error {
	c, _ := op.Args[0].(*flowgraph.Constant)
	var st *flowgraph.StructType
	if c != nil {
		st, _ = c.Value.(*flowgraph.StructType)
	}
	if st == nil {
		return fmt.Errorf("%w: malloc of %s", ErrUntypedAccess, op.Args[0])
	}
	t.emit("new", op.Result, t.cw.Describer.SizeDescrOf(st))
	return nil
}

func rewriteNewArray(t *transformer, op *flowgraph.Operation) error {
	c, _ := op.Args[0].(*flowgraph.Constant)
	var at *flowgraph.ArrayType
	if c != nil {
		at, _ = c.Value.(*flowgraph.ArrayType)
	}
	if at == nil {
		return fmt.Errorf("%w: malloc_varsize of %s", ErrUntypedAccess, op.Args[0])
	}
	n, err := t.use(op.Args[1])
	if err != nil {
		return err
	}
	t.emit("new_array", op.Result, n, t.cw.Describer.ArrayDescrOf(at))
	return nil
}

// ============================================================================
// Calls
// ============================================================================

// callLists splits call arguments into the smallest covering set of kind
// lists ("r", "ir" or "irf"). Void arguments carry no register.
func callLists(args []flowgraph.Value) (string, []any) {
	var byKind [flowgraph.NumKinds][]flowgraph.Value
	for _, a := range args {
		if a.Kind() == flowgraph.Void {
			continue
		}
		b := a.Kind().Bank()
		byKind[b] = append(byKind[b], a)
	}
	kinds := jitcode.CallKinds(len(byKind[0]) > 0, len(byKind[2]) > 0)
	out := make([]any, 0, len(kinds))
	for i := 0; i < len(kinds); i++ {
		k := kindOfChar(kinds[i])
		out = append(out, list{kind: k, items: byKind[k.Bank()]})
	}
	return kinds, out
}

// splitKinds returns an int, a ref and a float list.
func splitKinds(vals []flowgraph.Value) []any {
	var byKind [flowgraph.NumKinds][]flowgraph.Value
	for _, v := range vals {
		if v.Kind() == flowgraph.Void {
			continue
		}
		b := v.Kind().Bank()
		byKind[b] = append(byKind[b], v)
	}
	out := make([]any, flowgraph.NumKinds)
	for b := range byKind {
		out[b] = list{kind: flowgraph.KindOfBank(b), items: byKind[b]}
	}
	return out
}

func rewriteDirectCall(t *transformer, op *flowgraph.Operation) error {
	fn := op.Callee()
	switch t.cw.CallControl.GuessCallKind(op) {
	case callcontrol.Regular:
		return t.inline(op, fn.Graph)
	case callcontrol.Recursive:
		return t.recursive(op, fn.Graph)
	case callcontrol.Builtin:
		err := t.builtin(op, fn)
		if errors.Is(err, ErrNotSupported) {
			log.Debugf("%s: %v, leaving a residual call", t.lg.orig.Name, err)
			return t.residual(op, effectinfo.OSNone)
		}
		return err
	}
	return t.residual(op, effectinfo.OSNone)
}

func rewriteIndirectCall(t *transformer, op *flowgraph.Operation) error {
	targets, ok := t.cw.CallControl.IndirectTargets(op)
	if !ok {
		return t.residual(op, effectinfo.OSNone)
	}
	fn, err := t.use(op.Args[0])
	if err != nil {
		return err
	}
	args, err := t.uses(op.CallArgs())
	if err != nil {
		return err
	}
	d := t.cw.CallControl.GetCallDescr(op, effectinfo.OSNone)
	kinds, lists := callLists(args)
	a := append([]any{fn}, lists...)
	a = append(a, targets, d)
	t.emit("indirect_call_"+kinds+"_"+resultSuffix(op), op.Result, a...)
	t.live()
	return nil
}

func (t *transformer) residual(op *flowgraph.Operation, oopspec effectinfo.OopSpecIndex) error {
	fn, err := t.use(op.Args[0])
	if err != nil {
		return err
	}
	args, err := t.uses(op.CallArgs())
	if err != nil {
		return err
	}
	d := t.cw.CallControl.GetCallDescr(op, oopspec)
	kinds, lists := callLists(args)
	a := append([]any{fn}, lists...)
	a = append(a, d)
	t.emit("residual_call_"+kinds+"_"+resultSuffix(op), op.Result, a...)
	if d.Info.CheckCanRaise() || d.Info.ForcesVirtualizable() {
		t.live()
	}
	return nil
}

func (t *transformer) inline(op *flowgraph.Operation, g *flowgraph.Graph) error {
	args, err := t.uses(op.CallArgs())
	if err != nil {
		return err
	}
	jc := t.cw.CallControl.GetJitCode(g)
	kinds, lists := callLists(args)
	t.emit("inline_call_"+kinds+"_"+resultSuffix(op), op.Result, append([]any{jc}, lists...)...)
	t.live()
	return nil
}

func (t *transformer) recursive(op *flowgraph.Operation, portal *flowgraph.Graph) error {
	sd := t.cw.portalSD(portal)
	if sd == nil || len(op.CallArgs()) != len(sd.Driver.Greens)+len(sd.Driver.Reds) {
		return t.residual(op, effectinfo.OSNone)
	}
	args, err := t.uses(op.CallArgs())
	if err != nil {
		return err
	}
	n := len(sd.Driver.Greens)
	a := []any{imm(sd.Index)}
	a = append(a, splitKinds(args[:n])...)
	a = append(a, splitKinds(args[n:])...)
	t.emit("recursive_call_"+resultSuffix(op), op.Result, a...)
	t.live()
	return nil
}

// builtin specializes a call to a function with an oopspec tag.
func (t *transformer) builtin(op *flowgraph.Operation, fn *flowgraph.FuncPtr) error {
	oopspec := effectinfo.ParseOopspec(fn.Oopspec)
	switch oopspec {
	case effectinfo.OSArrayLen, effectinfo.OSArrayGetItem, effectinfo.OSArraySetItem:
		return t.arrayBuiltin(op, oopspec)
	case effectinfo.OSMathSqrt, effectinfo.OSStrConcat:
		return t.residual(op, oopspec)
	case effectinfo.OSIsConstant:
		if op.Result == nil || op.Result.Kind() != flowgraph.Int {
			return fmt.Errorf("%w: %s without an int result", ErrNotSupported, fn.Oopspec)
		}
		t.renames[op.Result] = flowgraph.NewConstant(int64(0))
		return nil
	}
	return fmt.Errorf("%w: oopspec %q", ErrNotSupported, fn.Oopspec)
}

func (t *transformer) arrayBuiltin(op *flowgraph.Operation, oopspec effectinfo.OopSpecIndex) error {
	args := op.CallArgs()
	want := map[effectinfo.OopSpecIndex]int{
		effectinfo.OSArrayLen:     1,
		effectinfo.OSArrayGetItem: 2,
		effectinfo.OSArraySetItem: 3,
	}[oopspec]
	if len(args) != want {
		return fmt.Errorf("%w: %s takes %d arguments, got %d", ErrNotSupported, oopspec, want, len(args))
	}
	switch {
	case oopspec == effectinfo.OSArraySetItem && op.Result != nil:
		return fmt.Errorf("%w: %s with a result", ErrNotSupported, oopspec)
	case oopspec != effectinfo.OSArraySetItem && op.Result == nil:
		return fmt.Errorf("%w: %s without a result", ErrNotSupported, oopspec)
	}
	if t.alias(args[0]) == nil {
		if _, ok := flowgraph.StaticType(t.resolve(args[0])).(*flowgraph.ArrayType); !ok {
			return fmt.Errorf("%w: %s on untyped %s", ErrNotSupported, oopspec, args[0])
		}
	}
	rest, err := t.uses(args[1:])
	if err != nil {
		return err
	}
	switch oopspec {
	case effectinfo.OSArrayLen:
		return t.arrayLen(op, args[0])
	case effectinfo.OSArrayGetItem:
		return t.getItem(op, args[0], rest[0])
	default:
		return t.setItem(op, args[0], rest[0], rest[1])
	}
}

// ============================================================================
// JIT markers
// ============================================================================

func (t *transformer) portalMarker(op *flowgraph.Operation) (*jitdriver.SD, error) {
	d, ok := jitdriver.DriverOf(op)
	if !ok {
		return nil, fmt.Errorf("%w: %s without a driver", jitdriver.ErrBadDriver, op.Op)
	}
	sd := t.cw.driverOf(d)
	if sd == nil || sd.Portal != t.lg.orig {
		return nil, fmt.Errorf("%w: %s of %s in %s", ErrNotPortal, op.Op, d.Name, t.lg.orig.Name)
	}
	return sd, nil
}

func checkKindOrder(what string, vals []flowgraph.Value) error {
	prev := 0
	for _, v := range vals {
		if v.Kind() == flowgraph.Void {
			return fmt.Errorf("%w: void %s %s", ErrMergePointOrder, what, v)
		}
		b := v.Kind().Bank()
		if b < prev {
			return fmt.Errorf("%w: %s %s follows a %s", ErrMergePointOrder, what, v, flowgraph.KindOfBank(prev))
		}
		prev = b
	}
	return nil
}

func rewriteMergePoint(t *transformer, op *flowgraph.Operation) error {
	sd, err := t.portalMarker(op)
	if err != nil {
		return err
	}
	greens, reds, err := sd.Driver.SplitArgs(op)
	if err != nil {
		return err
	}
	if greens, err = t.uses(greens); err != nil {
		return err
	}
	if reds, err = t.uses(reds); err != nil {
		return err
	}
	if err := checkKindOrder("green", greens); err != nil {
		return err
	}
	if err := checkKindOrder("red", reds); err != nil {
		return err
	}
	a := []any{imm(sd.Index)}
	a = append(a, splitKinds(greens)...)
	a = append(a, splitKinds(reds)...)
	t.live()
	t.emit("jit_merge_point", nil, a...)
	return nil
}

func rewriteCanEnterJit(t *transformer, op *flowgraph.Operation) error {
	sd, err := t.portalMarker(op)
	if err != nil {
		return err
	}
	t.emit("loop_header", nil, imm(sd.Index))
	return nil
}

func rewritePromote(t *transformer, op *flowgraph.Operation) error {
	x, err := t.use(op.Args[0])
	if err != nil {
		return err
	}
	if !isConst(x) && x.Kind() != flowgraph.Void {
		t.live()
		t.emit(kindName(x.Kind())+"_guard_value", nil, x)
	}
	if op.Result != nil {
		t.renames[op.Result] = x
	}
	return nil
}

func rewriteForceVirtualizable(t *transformer, op *flowgraph.Operation) error {
	x, err := t.use(op.Args[0])
	if err != nil {
		return err
	}
	t.emit("hint_force_virtualizable", nil, x)
	return nil
}
