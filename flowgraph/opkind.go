package flowgraph

import "fmt"

// OpKind identifies a source operation in an interpreter graph.
// Opkinds are grouped by category; the codewriter keeps one rewrite
// handler per opkind.
type OpKind uint8

const (
	// ========================================================================
	// Integer arithmetic and comparisons
	// ========================================================================

	OpIntAdd OpKind = iota
	OpIntSub
	OpIntMul
	OpIntFloorDiv
	OpIntMod
	OpIntAnd
	OpIntOr
	OpIntXor
	OpIntLshift
	OpIntRshift
	OpIntLt
	OpIntLe
	OpIntEq
	OpIntNe
	OpIntGt
	OpIntGe
	OpIntNeg
	OpIntInvert
	OpIntIsTrue
	OpIntIsZero

	// ========================================================================
	// Floating point
	// ========================================================================

	OpFloatAdd
	OpFloatSub
	OpFloatMul
	OpFloatTrueDiv
	OpFloatNeg
	OpFloatAbs
	OpFloatLt
	OpFloatLe
	OpFloatEq
	OpFloatNe
	OpFloatGt
	OpFloatGe

	// ========================================================================
	// Casts
	// ========================================================================

	OpCastIntToFloat
	OpCastFloatToInt
	OpSameAs      // identity, any kind
	OpCastPointer // identity between reference types
	OpCastBoolToInt

	// ========================================================================
	// References
	// ========================================================================

	OpPtrEq
	OpPtrNe
	OpPtrIsNull
	OpPtrNonNull

	// ========================================================================
	// Heap access
	// ========================================================================

	OpGetField      // getfield(obj, Constant(fieldname)) -> value
	OpSetField      // setfield(obj, Constant(fieldname), value)
	OpGetArrayItem  // getarrayitem(array, index) -> value
	OpSetArrayItem  // setarrayitem(array, index, value)
	OpGetArrayLen   // getarraylen(array) -> int
	OpNew           // new(Constant(*StructType)) -> ref
	OpNewArray      // newarray(Constant(*ArrayType), length) -> ref

	// ========================================================================
	// Calls
	// ========================================================================

	OpDirectCall   // direct_call(Constant(*FuncPtr), args...)
	OpIndirectCall // indirect_call(funcptr, args..., Constant([]*Graph or nil))

	// ========================================================================
	// JIT hints and markers
	// ========================================================================

	OpJitMergePoint     // jit_merge_point(Constant(driver), greens..., reds...)
	OpCanEnterJit       // can_enter_jit(Constant(driver), greens..., reds...)
	OpPromote           // promote(x) -> x, with a guard_value in traces
	OpForceVirtualizable
	OpKeepalive
	OpDebugAssert

	// NumOpKinds is the number of defined opkinds.
	NumOpKinds
)

// OpKindInfo provides metadata about each opkind.
type OpKindInfo struct {
	Name        string // name as it appears in dumps
	Commutative bool   // a op b == b op a
	Swapped     OpKind // comparison with operands exchanged (a < b == b > a)
	HasSwapped  bool
	Pure        bool // no side effects, result depends only on arguments
}

var opKindTable = [NumOpKinds]OpKindInfo{
	OpIntAdd:      {Name: "int_add", Commutative: true, Pure: true},
	OpIntSub:      {Name: "int_sub", Pure: true},
	OpIntMul:      {Name: "int_mul", Commutative: true, Pure: true},
	OpIntFloorDiv: {Name: "int_floordiv"},
	OpIntMod:      {Name: "int_mod"},
	OpIntAnd:      {Name: "int_and", Commutative: true, Pure: true},
	OpIntOr:       {Name: "int_or", Commutative: true, Pure: true},
	OpIntXor:      {Name: "int_xor", Commutative: true, Pure: true},
	OpIntLshift:   {Name: "int_lshift", Pure: true},
	OpIntRshift:   {Name: "int_rshift", Pure: true},
	OpIntLt:       {Name: "int_lt", Swapped: OpIntGt, HasSwapped: true, Pure: true},
	OpIntLe:       {Name: "int_le", Swapped: OpIntGe, HasSwapped: true, Pure: true},
	OpIntEq:       {Name: "int_eq", Commutative: true, Pure: true},
	OpIntNe:       {Name: "int_ne", Commutative: true, Pure: true},
	OpIntGt:       {Name: "int_gt", Swapped: OpIntLt, HasSwapped: true, Pure: true},
	OpIntGe:       {Name: "int_ge", Swapped: OpIntLe, HasSwapped: true, Pure: true},
	OpIntNeg:      {Name: "int_neg", Pure: true},
	OpIntInvert:   {Name: "int_invert", Pure: true},
	OpIntIsTrue:   {Name: "int_is_true", Pure: true},
	OpIntIsZero:   {Name: "int_is_zero", Pure: true},

	OpFloatAdd:     {Name: "float_add", Commutative: true, Pure: true},
	OpFloatSub:     {Name: "float_sub", Pure: true},
	OpFloatMul:     {Name: "float_mul", Commutative: true, Pure: true},
	OpFloatTrueDiv: {Name: "float_truediv", Pure: true},
	OpFloatNeg:     {Name: "float_neg", Pure: true},
	OpFloatAbs:     {Name: "float_abs", Pure: true},
	OpFloatLt:      {Name: "float_lt", Swapped: OpFloatGt, HasSwapped: true, Pure: true},
	OpFloatLe:      {Name: "float_le", Swapped: OpFloatGe, HasSwapped: true, Pure: true},
	OpFloatEq:      {Name: "float_eq", Commutative: true, Pure: true},
	OpFloatNe:      {Name: "float_ne", Commutative: true, Pure: true},
	OpFloatGt:      {Name: "float_gt", Swapped: OpFloatLt, HasSwapped: true, Pure: true},
	OpFloatGe:      {Name: "float_ge", Swapped: OpFloatLe, HasSwapped: true, Pure: true},

	OpCastIntToFloat: {Name: "cast_int_to_float", Pure: true},
	OpCastFloatToInt: {Name: "cast_float_to_int", Pure: true},
	OpSameAs:         {Name: "same_as", Pure: true},
	OpCastPointer:    {Name: "cast_pointer", Pure: true},
	OpCastBoolToInt:  {Name: "cast_bool_to_int", Pure: true},

	OpPtrEq:      {Name: "ptr_eq", Commutative: true, Pure: true},
	OpPtrNe:      {Name: "ptr_ne", Commutative: true, Pure: true},
	OpPtrIsNull:  {Name: "ptr_iszero", Pure: true},
	OpPtrNonNull: {Name: "ptr_nonzero", Pure: true},

	OpGetField:     {Name: "getfield"},
	OpSetField:     {Name: "setfield"},
	OpGetArrayItem: {Name: "getarrayitem"},
	OpSetArrayItem: {Name: "setarrayitem"},
	OpGetArrayLen:  {Name: "getarraysize"},
	OpNew:          {Name: "malloc"},
	OpNewArray:     {Name: "malloc_varsize"},

	OpDirectCall:   {Name: "direct_call"},
	OpIndirectCall: {Name: "indirect_call"},

	OpJitMergePoint:      {Name: "jit_merge_point"},
	OpCanEnterJit:        {Name: "can_enter_jit"},
	OpPromote:            {Name: "promote"},
	OpForceVirtualizable: {Name: "jit_force_virtualizable"},
	OpKeepalive:          {Name: "keepalive"},
	OpDebugAssert:        {Name: "debug_assert"},
}

// Info returns the metadata for an opkind.
func (k OpKind) Info() OpKindInfo {
	if k >= NumOpKinds {
		return OpKindInfo{Name: fmt.Sprintf("OpKind(%d)", k)}
	}
	return opKindTable[k]
}

func (k OpKind) String() string {
	return k.Info().Name
}
