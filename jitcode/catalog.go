package jitcode

import (
	"fmt"
	"strings"

	"github.com/zeebo/xxh3"
)

// Argument codes of an instruction key "name/args>result":
//
//	i r f   register or constant of that kind
//	c       small signed immediate (zigzag varint)
//	d       descriptor index
//	L       label (3-byte big-endian absolute offset)
//	I R F   list of operands of that kind
//
// The optional ">k" suffix names the kind of the result register.

// InsnInfo describes one entry of the opcode catalog.
type InsnInfo struct {
	Key    string // "int_add/ii>i"
	Name   string // "int_add"
	Args   string // "ii"
	Result byte   // 'i', 'r', 'f', or 0 for no result
}

// HasResult reports whether the instruction writes a result register.
func (in InsnInfo) HasResult() bool { return in.Result != 0 }

var (
	catalog  []InsnInfo
	byKey    map[string]uint8
	catHash  uint64
	kindSufx = []string{"i", "r", "f", "v"}
)

func init() {
	keys := catalogKeys()
	if len(keys) > 256 {
		panic(fmt.Sprintf("jitcode: catalog has %d entries, opcodes are one byte", len(keys)))
	}
	byKey = make(map[string]uint8, len(keys))
	for i, k := range keys {
		if _, dup := byKey[k]; dup {
			panic("jitcode: duplicate catalog key " + k)
		}
		catalog = append(catalog, parseKey(k))
		byKey[k] = uint8(i)
	}
	catHash = xxh3.HashString(strings.Join(keys, "\n"))
}

func parseKey(key string) InsnInfo {
	name, rest, ok := strings.Cut(key, "/")
	if !ok {
		panic("jitcode: malformed catalog key " + key)
	}
	info := InsnInfo{Key: key, Name: name, Args: rest}
	if args, res, ok := strings.Cut(rest, ">"); ok {
		info.Args = args
		info.Result = res[0]
	}
	return info
}

// ============================================================================
// Catalog contents
// ============================================================================

func catalogKeys() []string {
	var keys []string
	add := func(k ...string) { keys = append(keys, k...) }

	// Integer arithmetic and comparisons
	for _, op := range []string{"add", "sub", "mul", "floordiv", "mod", "and", "or", "xor",
		"lshift", "rshift", "lt", "le", "eq", "ne", "gt", "ge"} {
		add("int_" + op + "/ii>i")
	}
	for _, op := range []string{"neg", "invert", "is_true", "is_zero"} {
		add("int_" + op + "/i>i")
	}

	// Floating point
	for _, op := range []string{"add", "sub", "mul", "truediv"} {
		add("float_" + op + "/ff>f")
	}
	for _, op := range []string{"lt", "le", "eq", "ne", "gt", "ge"} {
		add("float_" + op + "/ff>i")
	}
	add("float_neg/f>f", "float_abs/f>f")
	add("cast_int_to_float/i>f", "cast_float_to_int/f>i")

	// References
	add("ptr_eq/rr>i", "ptr_ne/rr>i", "ptr_iszero/r>i", "ptr_nonzero/r>i")

	// Register moves, returns, promotion
	for _, k := range []string{"int", "ref", "float"} {
		c := k[:1]
		add(k+"_copy/"+c+">"+c, k+"_push/"+c, k+"_pop/>"+c)
	}
	add("int_return/i", "ref_return/r", "float_return/f", "void_return/")
	add("int_guard_value/i", "ref_guard_value/r", "float_guard_value/f")

	// Control flow
	add("goto/L", "goto_if_not/iL")
	for _, op := range []string{"lt", "le", "eq", "ne", "gt", "ge"} {
		add("goto_if_not_int_" + op + "/iiL")
	}
	add("goto_if_not_ptr_nonzero/rL", "goto_if_not_ptr_iszero/rL")
	add("switch/id")

	// Exceptions
	add("setup_exception_block/L", "teardown_exception_block/",
		"goto_if_exception_mismatch/rL", "last_exception/>r", "last_exc_value/>r",
		"raise/r", "reraise/")

	// Heap fields and arrays
	for _, k := range []string{"i", "r", "f"} {
		add("getfield_gc_"+k+"/rd>"+k, "getfield_gc_"+k+"_pure/rd>"+k, "setfield_gc_"+k+"/r"+k+"d")
	}
	add("record_quasiimmut_field/rd")
	for _, k := range []string{"i", "r", "f"} {
		add("getarrayitem_gc_"+k+"/rid>"+k, "setarrayitem_gc_"+k+"/ri"+k+"d")
	}
	add("arraylen_gc/rd>i", "new/d>r", "new_array/id>r")

	// Virtualizable fields
	for _, k := range []string{"i", "r", "f"} {
		add("getfield_vable_"+k+"/rd>"+k, "setfield_vable_"+k+"/r"+k+"d",
			"getarrayitem_vable_"+k+"/ridd>"+k, "setarrayitem_vable_"+k+"/ri"+k+"dd")
	}
	add("arraylen_vable/rdd>i", "hint_force_virtualizable/r")

	// Calls
	for _, lists := range []string{"R", "IR", "IRF"} {
		for _, res := range kindSufx {
			suffix := strings.ToLower(lists) + "_" + res
			result := ""
			if res != "v" {
				result = ">" + res
			}
			add("residual_call_" + suffix + "/r" + lists + "d" + result)
			add("inline_call_" + suffix + "/d" + lists + result)
			add("indirect_call_" + suffix + "/r" + lists + "dd" + result)
		}
	}
	for _, res := range kindSufx {
		result := ""
		if res != "v" {
			result = ">" + res
		}
		add("recursive_call_" + res + "/cIRFIRF" + result)
	}

	// JIT markers
	add("jit_merge_point/cIRFIRF", "loop_header/c")
	return keys
}

// Lookup returns the opcode of an instruction key.
func Lookup(key string) (uint8, bool) {
	op, ok := byKey[key]
	return op, ok
}

// MustLookup is Lookup for keys known to exist.
func MustLookup(key string) uint8 {
	op, ok := byKey[key]
	if !ok {
		panic("jitcode: unknown instruction " + key)
	}
	return op
}

// Insn returns the catalog entry of an opcode.
func Insn(op uint8) (InsnInfo, bool) {
	if int(op) >= len(catalog) {
		return InsnInfo{}, false
	}
	return catalog[op], true
}

// Catalog returns every catalog entry in opcode order.
func Catalog() []InsnInfo {
	return append([]InsnInfo(nil), catalog...)
}

// CatalogHash identifies the catalog contents. Dumps record it so a dump
// made with a different catalog is rejected.
func CatalogHash() uint64 { return catHash }

// CallKinds returns the list suffix ("r", "ir" or "irf") a call needs for
// the given argument kinds.
func CallKinds(hasInt, hasFloat bool) string {
	switch {
	case hasFloat:
		return "irf"
	case hasInt:
		return "ir"
	default:
		return "r"
	}
}
