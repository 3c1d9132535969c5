package flowgraph

import "fmt"

// Builder constructs graphs operation by operation. It is used by drivers
// that translate interpreter source into graphs and by tests.
type Builder struct {
	graph *Graph
	n     int
}

// BlockBuilder appends operations and exits to one block.
type BlockBuilder struct {
	b     *Builder
	Block *Block
}

// NewBuilder starts a graph whose return value has the given kind.
func NewBuilder(name string, result Kind) *Builder {
	return &Builder{graph: NewGraph(name, nil, result)}
}

// Graph returns the graph under construction.
func (b *Builder) Graph() *Graph { return b.graph }

// Func returns (creating on first use) the function pointer of the graph.
func (b *Builder) Func(argKinds ...Kind) *FuncPtr {
	if b.graph.Func == nil {
		b.graph.Func = &FuncPtr{
			Name:       b.graph.Name,
			Graph:      b.graph,
			ArgKinds:   argKinds,
			ResultKind: b.graph.ResultKind(),
		}
	}
	return b.graph.Func
}

// Var creates a fresh variable.
func (b *Builder) Var(name string, kind Kind) *Variable {
	return NewVariable(name, kind)
}

// TypedVar creates a fresh Ref variable with a static type.
func (b *Builder) TypedVar(name string, t Type) *Variable {
	return NewTypedVariable(name, t)
}

// Start creates the start block with the given parameters.
func (b *Builder) Start(params ...*Variable) *BlockBuilder {
	bb := b.Block(params...)
	b.graph.Startblock = bb.Block
	if b.graph.Func != nil && len(b.graph.Func.ArgKinds) == 0 {
		for _, p := range params {
			b.graph.Func.ArgKinds = append(b.graph.Func.ArgKinds, p.Kind())
		}
	}
	return bb
}

// Block creates a new block with the given inputargs.
func (b *Builder) Block(inputs ...*Variable) *BlockBuilder {
	return &BlockBuilder{b: b, Block: &Block{Inputargs: inputs}}
}

func (b *Builder) fresh(kind Kind, t Type) *Variable {
	b.n++
	v := NewVariable(fmt.Sprintf("v%d", b.n), kind)
	v.Type = t
	return v
}

// ToValue converts a builder argument into a Value. Numbers and runtime
// references become register constants; other Go values (field names,
// types, driver declarations, target lists) become void constants.
func ToValue(a any) Value {
	switch x := a.(type) {
	case Value:
		return x
	case int, int64, bool, float64:
		return NewConstant(x)
	case nil:
		return NewConstant(nil)
	case *Struct:
		return NewTypedConstant(x, x.Type)
	case *Array:
		return NewTypedConstant(x, x.Type)
	case *FuncPtr, *ExceptionClass:
		return NewConstant(x)
	default:
		return NewVoidConstant(x)
	}
}

func toValues(args []any) []Value {
	vs := make([]Value, len(args))
	for i, a := range args {
		vs[i] = ToValue(a)
	}
	return vs
}

// Op appends an operation whose result kind is inferred and returns the
// result variable (nil for void results).
func (bb *BlockBuilder) Op(kind OpKind, args ...any) *Variable {
	vs := toValues(args)
	rk, rt := ResultOf(kind, vs)
	var res *Variable
	if rk != Void {
		res = bb.b.fresh(rk, rt)
	}
	bb.Block.Operations = append(bb.Block.Operations, &Operation{Op: kind, Args: vs, Result: res})
	return res
}

// Do appends an operation without a result.
func (bb *BlockBuilder) Do(kind OpKind, args ...any) {
	bb.Block.Operations = append(bb.Block.Operations, &Operation{Op: kind, Args: toValues(args)})
}

// Call appends a direct call.
func (bb *BlockBuilder) Call(fn *FuncPtr, args ...any) *Variable {
	return bb.Op(OpDirectCall, append([]any{fn}, args...)...)
}

// CallIndirect appends an indirect call through fnptr. targets lists the
// possible callee graphs, or nil if unknown.
func (bb *BlockBuilder) CallIndirect(result Kind, fnptr Value, targets []*Graph, args ...any) *Variable {
	vs := append([]Value{fnptr}, toValues(args)...)
	vs = append(vs, NewVoidConstant(targets))
	var res *Variable
	if result != Void {
		res = bb.b.fresh(result, nil)
	}
	bb.Block.Operations = append(bb.Block.Operations, &Operation{Op: OpIndirectCall, Args: vs, Result: res})
	return res
}

// Goto closes the block with a single exit.
func (bb *BlockBuilder) Goto(target *BlockBuilder, args ...any) {
	bb.Block.Exits = []*Link{{Args: toValues(args), Target: target.Block}}
}

// If closes the block with a two-way exit on a boolean variable.
func (bb *BlockBuilder) If(cond *Variable, then *BlockBuilder, thenArgs []any, els *BlockBuilder, elseArgs []any) {
	bb.Block.Exitswitch = cond
	bb.Block.Exits = []*Link{
		{Args: toValues(elseArgs), Target: els.Block, Exitcase: false},
		{Args: toValues(thenArgs), Target: then.Block, Exitcase: true},
	}
}

// Case is one arm of an integer switch.
type Case struct {
	Value   int64
	Default bool
	Target  *BlockBuilder
	Args    []any
}

// Switch closes the block with a many-way exit on an integer variable.
func (bb *BlockBuilder) Switch(v *Variable, cases ...Case) {
	bb.Block.Exitswitch = v
	bb.Block.Exits = nil
	for _, c := range cases {
		var exitcase any = c.Value
		if c.Default {
			exitcase = Default
		}
		bb.Block.Exits = append(bb.Block.Exits, &Link{Args: toValues(c.Args), Target: c.Target.Block, Exitcase: exitcase})
	}
}

// Return closes the block by returning v (nil for void graphs).
func (bb *BlockBuilder) Return(v any) {
	g := bb.b.graph
	var args []Value
	if g.ResultKind() == Void {
		args = []Value{NewVoidConstant(nil)}
	} else {
		args = []Value{ToValue(v)}
	}
	bb.Block.Exits = []*Link{{Args: args, Target: g.ReturnBlock}}
}

// Raise closes the block by raising an exception of the given class.
func (bb *BlockBuilder) Raise(class *ExceptionClass, message string) {
	g := bb.b.graph
	exc := &LLException{Class: class, Message: message}
	bb.Block.Exits = []*Link{{
		Args:   []Value{NewConstant(class), NewConstant(exc)},
		Target: g.ExceptBlock,
	}}
}

// Caught values stand for the exception class and value in handler args.
var (
	CaughtClass = &caughtMarker{"class"}
	CaughtValue = &caughtMarker{"value"}
)

type caughtMarker struct{ what string }

// Handler is one exception edge. A nil Target re-raises the exception.
type Handler struct {
	Class  *ExceptionClass
	Target *BlockBuilder
	Args   []any
}

// Catch closes the block with exception edges on its last operation; the
// normal exit goes to normal.
func (bb *BlockBuilder) Catch(normal *BlockBuilder, normalArgs []any, handlers ...Handler) {
	g := bb.b.graph
	bb.Block.Exitswitch = LastException
	bb.Block.Exits = []*Link{{Args: toValues(normalArgs), Target: normal.Block}}
	for _, h := range handlers {
		l := &Link{
			Exitcase:      h.Class,
			LastException: bb.b.fresh(Ref, nil),
			LastExcValue:  bb.b.fresh(Ref, nil),
		}
		if h.Target == nil {
			l.Target = g.ExceptBlock
			l.Args = []Value{l.LastException, l.LastExcValue}
		} else {
			l.Target = h.Target.Block
			for _, a := range h.Args {
				switch a {
				case CaughtClass:
					l.Args = append(l.Args, l.LastException)
				case CaughtValue:
					l.Args = append(l.Args, l.LastExcValue)
				default:
					l.Args = append(l.Args, ToValue(a))
				}
			}
		}
		bb.Block.Exits = append(bb.Block.Exits, l)
	}
}

// StaticType returns the static type of a value, if known.
func StaticType(v Value) Type {
	switch x := v.(type) {
	case *Variable:
		return x.Type
	case *Constant:
		if x.Type != nil {
			return x.Type
		}
		switch rv := x.Value.(type) {
		case *Struct:
			return rv.Type
		case *Array:
			return rv.Type
		}
	}
	return nil
}

// ResultOf infers the result kind and static type of an operation.
func ResultOf(kind OpKind, args []Value) (Kind, Type) {
	switch kind {
	case OpFloatAdd, OpFloatSub, OpFloatMul, OpFloatTrueDiv, OpFloatNeg, OpFloatAbs, OpCastIntToFloat:
		return Float, nil
	case OpSameAs, OpCastPointer, OpPromote:
		return args[0].Kind(), StaticType(args[0])
	case OpGetField:
		st, _ := StaticType(args[0]).(*StructType)
		name, _ := args[1].(*Constant).Value.(string)
		if st == nil {
			panic(fmt.Sprintf("flowgraph: getfield %q on untyped value %s", name, args[0]))
		}
		f, ok := st.Field(name)
		if !ok {
			panic(fmt.Sprintf("flowgraph: %s has no field %q", st.Name, name))
		}
		return f.Kind, f.Type
	case OpGetArrayItem:
		at, _ := StaticType(args[0]).(*ArrayType)
		if at == nil {
			panic(fmt.Sprintf("flowgraph: getarrayitem on untyped value %s", args[0]))
		}
		return at.Item, at.ItemType
	case OpNew, OpNewArray:
		t, _ := args[0].(*Constant).Value.(Type)
		return Ref, t
	case OpDirectCall:
		fn := args[0].(*Constant).Value.(*FuncPtr)
		return fn.ResultKind, nil
	case OpSetField, OpSetArrayItem, OpJitMergePoint, OpCanEnterJit,
		OpForceVirtualizable, OpKeepalive, OpDebugAssert, OpIndirectCall:
		return Void, nil
	default:
		return Int, nil
	}
}
