package flowgraph

import (
	"errors"
	"fmt"
	"math"
)

// ErrBadGraph is returned when evaluation meets a malformed graph.
var ErrBadGraph = errors.New("flowgraph: malformed graph")

// Evaluator runs graphs directly. It is the reference semantics that
// compiled jitcodes must agree with.
type Evaluator struct {
	// BeforeAccess runs before every field read or write on a struct whose
	// type is virtualizable. Execution engines use it to force a frame
	// that holds the authoritative field values.
	BeforeAccess func(s *Struct) error

	// MaxSteps bounds the number of blocks executed; zero means no limit.
	MaxSteps int

	steps int
}

// Eval runs g with a default evaluator.
func Eval(g *Graph, args ...any) (any, error) {
	var ev Evaluator
	return ev.Eval(g, args...)
}

// Eval runs g on args and returns its result. Interpreted exceptions are
// returned as *LLException errors.
func (ev *Evaluator) Eval(g *Graph, args ...any) (any, error) {
	if g.Startblock == nil {
		return nil, fmt.Errorf("%w: %s has no start block", ErrBadGraph, g.Name)
	}
	if len(args) != len(g.Startblock.Inputargs) {
		return nil, fmt.Errorf("%w: %s takes %d arguments, got %d",
			ErrBadGraph, g.Name, len(g.Startblock.Inputargs), len(args))
	}
	block := g.Startblock
	env := map[*Variable]any{}
	for i, v := range block.Inputargs {
		env[v] = normalize(v.Kind(), args[i])
	}
	for {
		if block == g.ReturnBlock {
			return env[block.Inputargs[0]], nil
		}
		if block == g.ExceptBlock {
			exc, _ := env[block.Inputargs[1]].(*LLException)
			if exc == nil {
				cls, _ := env[block.Inputargs[0]].(*ExceptionClass)
				if cls == nil {
					cls = ExcBase
				}
				exc = &LLException{Class: cls}
			}
			return nil, exc
		}
		ev.steps++
		if ev.MaxSteps > 0 && ev.steps > ev.MaxSteps {
			return nil, fmt.Errorf("%w: step limit exceeded in %s", ErrBadGraph, g.Name)
		}

		var raised *LLException
		for i, op := range block.Operations {
			res, err := ev.execute(op, env)
			if err != nil {
				var exc *LLException
				if errors.As(err, &exc) && i == len(block.Operations)-1 && block.CanRaise() {
					raised = exc
					break
				}
				return nil, err
			}
			if op.Result != nil {
				env[op.Result] = normalize(op.Result.Kind(), res)
			}
		}

		link, err := ev.chooseExit(block, env, raised)
		if err != nil {
			return nil, err
		}
		next := make(map[*Variable]any, len(link.Args))
		if raised != nil {
			if link.LastException != nil {
				env[link.LastException] = raised.Class
			}
			if link.LastExcValue != nil {
				env[link.LastExcValue] = raised
			}
		}
		if len(link.Args) != len(link.Target.Inputargs) {
			return nil, fmt.Errorf("%w: link passes %d values to %d inputargs",
				ErrBadGraph, len(link.Args), len(link.Target.Inputargs))
		}
		for i, a := range link.Args {
			next[link.Target.Inputargs[i]] = lookup(env, a)
		}
		env = next
		block = link.Target
	}
}

func (ev *Evaluator) chooseExit(b *Block, env map[*Variable]any, raised *LLException) (*Link, error) {
	switch {
	case len(b.Exits) == 0:
		return nil, fmt.Errorf("%w: block without exits", ErrBadGraph)
	case b.Exitswitch == nil:
		return b.Exits[0], nil
	case b.CanRaise():
		if raised == nil {
			return b.Exits[0], nil
		}
		for _, l := range b.Exits[1:] {
			if cls, ok := l.Exitcase.(*ExceptionClass); ok && raised.Class.IsSubclassOf(cls) {
				return l, nil
			}
		}
		return nil, raised
	}
	sw := lookup(env, b.Exitswitch)
	if b.Exitswitch.Kind() == Int && len(b.Exits) == 2 {
		if _, isBool := b.Exits[0].Exitcase.(bool); isBool {
			want := ToInt(sw) != 0
			for _, l := range b.Exits {
				if l.Exitcase == want {
					return l, nil
				}
			}
		}
	}
	n := ToInt(sw)
	var dflt *Link
	for _, l := range b.Exits {
		switch c := l.Exitcase.(type) {
		case int64:
			if c == n {
				return l, nil
			}
		case bool:
			if ToInt(c) == n {
				return l, nil
			}
		default:
			if l.Exitcase == Default {
				dflt = l
			}
		}
	}
	if dflt == nil {
		return nil, fmt.Errorf("%w: no switch case for %d", ErrBadGraph, n)
	}
	return dflt, nil
}

func lookup(env map[*Variable]any, v Value) any {
	switch x := v.(type) {
	case *Variable:
		return env[x]
	case *Constant:
		return x.Value
	}
	return nil
}

func normalize(k Kind, v any) any {
	switch k {
	case Int:
		return ToInt(v)
	case Float:
		if f, ok := v.(float64); ok {
			return f
		}
		return float64(ToInt(v))
	}
	return v
}

func (ev *Evaluator) access(obj any, op *Operation) (*Struct, error) {
	s, ok := obj.(*Struct)
	if !ok || s == nil {
		return nil, NewException(ExcNullReference, "%s on null", op.Op)
	}
	if ev.BeforeAccess != nil && s.Type.VirtualizableRoot() != nil {
		if err := ev.BeforeAccess(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (ev *Evaluator) execute(op *Operation, env map[*Variable]any) (any, error) {
	a := make([]any, len(op.Args))
	for i, v := range op.Args {
		a[i] = lookup(env, v)
	}
	switch op.Op {
	case OpGetField:
		s, err := ev.access(a[0], op)
		if err != nil {
			return nil, err
		}
		return s.Get(a[1].(string)), nil
	case OpSetField:
		s, err := ev.access(a[0], op)
		if err != nil {
			return nil, err
		}
		s.Set(a[1].(string), a[2])
		return nil, nil
	case OpDirectCall:
		return ev.call(a[0], a[1:])
	case OpIndirectCall:
		return ev.call(a[0], a[1:len(a)-1])
	}
	return Apply(op.Op, a)
}

func (ev *Evaluator) call(fn any, args []any) (any, error) {
	f, ok := fn.(*FuncPtr)
	if !ok || f == nil {
		return nil, NewException(ExcNullReference, "call through null function pointer")
	}
	if f.Impl != nil {
		return f.Impl(args)
	}
	if f.Graph == nil {
		return nil, fmt.Errorf("%w: %s has neither graph nor implementation", ErrBadGraph, f.Name)
	}
	return ev.Eval(f.Graph, args...)
}

// Apply executes a side-effect-free or heap opkind on concrete operands.
// Field access and calls need an Evaluator and are rejected here.
func Apply(op OpKind, a []any) (any, error) {
	switch op {
	case OpIntAdd:
		return ToInt(a[0]) + ToInt(a[1]), nil
	case OpIntSub:
		return ToInt(a[0]) - ToInt(a[1]), nil
	case OpIntMul:
		return ToInt(a[0]) * ToInt(a[1]), nil
	case OpIntFloorDiv:
		y := ToInt(a[1])
		if y == 0 {
			return nil, NewException(ExcZeroDivision, "integer division by zero")
		}
		return ToInt(a[0]) / y, nil
	case OpIntMod:
		y := ToInt(a[1])
		if y == 0 {
			return nil, NewException(ExcZeroDivision, "integer modulo by zero")
		}
		return ToInt(a[0]) % y, nil
	case OpIntAnd:
		return ToInt(a[0]) & ToInt(a[1]), nil
	case OpIntOr:
		return ToInt(a[0]) | ToInt(a[1]), nil
	case OpIntXor:
		return ToInt(a[0]) ^ ToInt(a[1]), nil
	case OpIntLshift:
		return ToInt(a[0]) << uint64(ToInt(a[1])&63), nil
	case OpIntRshift:
		return ToInt(a[0]) >> uint64(ToInt(a[1])&63), nil
	case OpIntLt:
		return ToInt(ToInt(a[0]) < ToInt(a[1])), nil
	case OpIntLe:
		return ToInt(ToInt(a[0]) <= ToInt(a[1])), nil
	case OpIntEq:
		return ToInt(ToInt(a[0]) == ToInt(a[1])), nil
	case OpIntNe:
		return ToInt(ToInt(a[0]) != ToInt(a[1])), nil
	case OpIntGt:
		return ToInt(ToInt(a[0]) > ToInt(a[1])), nil
	case OpIntGe:
		return ToInt(ToInt(a[0]) >= ToInt(a[1])), nil
	case OpIntNeg:
		return -ToInt(a[0]), nil
	case OpIntInvert:
		return ^ToInt(a[0]), nil
	case OpIntIsTrue, OpCastBoolToInt:
		return ToInt(ToInt(a[0]) != 0), nil
	case OpIntIsZero:
		return ToInt(ToInt(a[0]) == 0), nil

	case OpFloatAdd:
		return toFloat(a[0]) + toFloat(a[1]), nil
	case OpFloatSub:
		return toFloat(a[0]) - toFloat(a[1]), nil
	case OpFloatMul:
		return toFloat(a[0]) * toFloat(a[1]), nil
	case OpFloatTrueDiv:
		return toFloat(a[0]) / toFloat(a[1]), nil
	case OpFloatNeg:
		return -toFloat(a[0]), nil
	case OpFloatAbs:
		return math.Abs(toFloat(a[0])), nil
	case OpFloatLt:
		return ToInt(toFloat(a[0]) < toFloat(a[1])), nil
	case OpFloatLe:
		return ToInt(toFloat(a[0]) <= toFloat(a[1])), nil
	case OpFloatEq:
		return ToInt(toFloat(a[0]) == toFloat(a[1])), nil
	case OpFloatNe:
		return ToInt(toFloat(a[0]) != toFloat(a[1])), nil
	case OpFloatGt:
		return ToInt(toFloat(a[0]) > toFloat(a[1])), nil
	case OpFloatGe:
		return ToInt(toFloat(a[0]) >= toFloat(a[1])), nil

	case OpCastIntToFloat:
		return float64(ToInt(a[0])), nil
	case OpCastFloatToInt:
		return int64(toFloat(a[0])), nil
	case OpSameAs, OpCastPointer, OpPromote:
		return a[0], nil

	case OpPtrEq:
		return ToInt(a[0] == a[1]), nil
	case OpPtrNe:
		return ToInt(a[0] != a[1]), nil
	case OpPtrIsNull:
		return ToInt(IsNull(a[0])), nil
	case OpPtrNonNull:
		return ToInt(!IsNull(a[0])), nil

	case OpGetArrayItem:
		arr, i, err := arrayIndex(a[0], a[1])
		if err != nil {
			return nil, err
		}
		return arr.Items[i], nil
	case OpSetArrayItem:
		arr, i, err := arrayIndex(a[0], a[1])
		if err != nil {
			return nil, err
		}
		arr.Items[i] = a[2]
		return nil, nil
	case OpGetArrayLen:
		arr, ok := a[0].(*Array)
		if !ok || arr == nil {
			return nil, NewException(ExcNullReference, "len of null array")
		}
		return int64(len(arr.Items)), nil
	case OpNew:
		return NewStruct(a[0].(*StructType)), nil
	case OpNewArray:
		n := ToInt(a[1])
		if n < 0 {
			return nil, NewException(ExcValueError, "negative array length %d", n)
		}
		return NewArray(a[0].(*ArrayType), int(n)), nil

	case OpJitMergePoint, OpCanEnterJit, OpForceVirtualizable, OpKeepalive, OpDebugAssert:
		return nil, nil
	}
	return nil, fmt.Errorf("%w: cannot apply %s", ErrBadGraph, op)
}

func arrayIndex(arr, idx any) (*Array, int64, error) {
	a, ok := arr.(*Array)
	if !ok || a == nil {
		return nil, 0, NewException(ExcNullReference, "index into null array")
	}
	i := ToInt(idx)
	if i < 0 || i >= int64(len(a.Items)) {
		return nil, 0, NewException(ExcIndexError, "index %d out of range [0, %d)", i, len(a.Items))
	}
	return a, i, nil
}

func toFloat(v any) float64 {
	if f, ok := v.(float64); ok {
		return f
	}
	return float64(ToInt(v))
}

// IsNull reports whether a reference value is null, including typed nils.
func IsNull(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case *Struct:
		return x == nil
	case *Array:
		return x == nil
	case *FuncPtr:
		return x == nil
	case *LLException:
		return x == nil
	}
	return false
}
