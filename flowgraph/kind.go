package flowgraph

import "fmt"

// Kind is the register class of a value. The JIT keeps separate register
// banks for each non-void kind.
type Kind uint8

const (
	Void  Kind = iota // no value (calls returning nothing, marker ops)
	Int               // machine integers, booleans, characters
	Ref               // GC references: structs, arrays, strings, function pointers
	Float             // 64-bit floating point
)

// NumKinds is the number of register kinds (Int, Ref, Float).
const NumKinds = 3

// Char returns the one-letter code used in instruction argcodes.
func (k Kind) Char() byte {
	switch k {
	case Int:
		return 'i'
	case Ref:
		return 'r'
	case Float:
		return 'f'
	default:
		return 'v'
	}
}

// Bank returns the register bank index (0, 1, 2) of a non-void kind.
func (k Kind) Bank() int {
	switch k {
	case Int:
		return 0
	case Ref:
		return 1
	case Float:
		return 2
	default:
		panic(fmt.Sprintf("flowgraph: kind %s has no register bank", k))
	}
}

// KindOfBank is the inverse of Bank.
func KindOfBank(bank int) Kind {
	return [NumKinds]Kind{Int, Ref, Float}[bank]
}

func (k Kind) String() string {
	switch k {
	case Void:
		return "void"
	case Int:
		return "int"
	case Ref:
		return "ref"
	case Float:
		return "float"
	default:
		return fmt.Sprintf("Kind(%d)", k)
	}
}

// KindOf infers the kind of a Go runtime value.
func KindOf(v any) Kind {
	switch v.(type) {
	case nil:
		return Ref
	case int64, int, bool:
		return Int
	case float64:
		return Float
	default:
		return Ref
	}
}

// ToInt normalizes Go integer-like values to int64.
func ToInt(v any) int64 {
	switch x := v.(type) {
	case int64:
		return x
	case int:
		return int64(x)
	case bool:
		if x {
			return 1
		}
		return 0
	case nil:
		return 0
	default:
		panic(fmt.Sprintf("flowgraph: %T is not an integer", v))
	}
}
