package flowgraph

import (
	"fmt"
	"strings"
	"sync/atomic"
)

// Value is an operation argument: a *Variable or a *Constant.
type Value interface {
	Kind() Kind
	String() string
}

// Variable is an SSA variable local to one block. Values flow between
// blocks only through link arguments.
type Variable struct {
	Name string
	kind Kind
	Type Type // static type for Ref variables, nil if unknown
}

// NewVariable creates a variable of the given kind.
func NewVariable(name string, kind Kind) *Variable {
	return &Variable{Name: name, kind: kind}
}

// NewTypedVariable creates a Ref variable with a static type.
func NewTypedVariable(name string, t Type) *Variable {
	return &Variable{Name: name, kind: Ref, Type: t}
}

// Kind implements Value.
func (v *Variable) Kind() Kind { return v.kind }

func (v *Variable) String() string { return "%" + v.Name }

// Constant is a compile-time constant argument.
type Constant struct {
	Value any
	kind  Kind
	Type  Type
}

// NewConstant creates a constant, inferring its kind from the Go value.
func NewConstant(v any) *Constant {
	switch x := v.(type) {
	case int:
		return &Constant{Value: int64(x), kind: Int}
	case bool:
		return &Constant{Value: ToInt(x), kind: Int}
	}
	c := &Constant{Value: v, kind: KindOf(v)}
	if t, ok := v.(Type); ok {
		c.Type = t
	}
	return c
}

// NewVoidConstant creates a constant that is not a register value: field
// names, type descriptors, jitdriver declarations.
func NewVoidConstant(v any) *Constant {
	return &Constant{Value: v, kind: Void}
}

// NewTypedConstant creates a Ref constant with a static type.
func NewTypedConstant(v any, t Type) *Constant {
	return &Constant{Value: v, kind: Ref, Type: t}
}

// Kind implements Value.
func (c *Constant) Kind() Kind { return c.kind }

func (c *Constant) String() string {
	if s, ok := c.Value.(string); ok {
		return fmt.Sprintf("%q", s)
	}
	return fmt.Sprintf("$%v", c.Value)
}

// Operation is one source operation inside a block.
type Operation struct {
	Op     OpKind
	Args   []Value
	Result *Variable // nil for operations without a result
}

func (op *Operation) String() string {
	args := make([]string, len(op.Args))
	for i, a := range op.Args {
		args[i] = a.String()
	}
	s := op.Op.String() + "(" + strings.Join(args, ", ") + ")"
	if op.Result != nil {
		s = op.Result.String() + " = " + s
	}
	return s
}

// Callee returns the function pointer of a direct call with a constant
// target, or nil.
func (op *Operation) Callee() *FuncPtr {
	if op.Op != OpDirectCall || len(op.Args) == 0 {
		return nil
	}
	c, ok := op.Args[0].(*Constant)
	if !ok {
		return nil
	}
	fn, _ := c.Value.(*FuncPtr)
	return fn
}

// IndirectTargets returns the possible callee graphs of an indirect call.
// ok is false when the target set is unknown.
func (op *Operation) IndirectTargets() (targets []*Graph, ok bool) {
	if op.Op != OpIndirectCall || len(op.Args) < 2 {
		return nil, false
	}
	c, isConst := op.Args[len(op.Args)-1].(*Constant)
	if !isConst {
		return nil, false
	}
	targets, _ = c.Value.([]*Graph)
	return targets, targets != nil
}

// CallArgs returns the arguments passed to the callee of a call operation.
func (op *Operation) CallArgs() []Value {
	switch op.Op {
	case OpDirectCall:
		return op.Args[1:]
	case OpIndirectCall:
		return op.Args[1 : len(op.Args)-1]
	}
	return nil
}

// lastException is the exitswitch of a block whose last operation may
// raise; its exits are the normal link followed by exception links.
type lastException struct{}

func (lastException) Kind() Kind     { return Void }
func (lastException) String() string { return "last_exception" }

// LastException is the exitswitch sentinel for exception edges.
var LastException Value = lastException{}

// defaultCase is the exitcase of a switch's fallback link.
type defaultCase struct{}

func (defaultCase) String() string { return "default" }

// Default is the exitcase of the fallback link of an integer switch.
var Default any = defaultCase{}

// Link is an exit edge. Args are passed to the target's inputargs.
type Link struct {
	Args     []Value
	Target   *Block
	Exitcase any // nil, bool, int64, Default or *ExceptionClass

	// For exception links: variables bound to the caught exception's class
	// and value; they may appear in Args.
	LastException *Variable
	LastExcValue  *Variable
}

// Block is a basic block.
type Block struct {
	Inputargs  []*Variable
	Operations []*Operation
	Exitswitch Value // nil, a Variable, or LastException
	Exits      []*Link
}

// CanRaise reports whether the block's last operation has exception edges.
func (b *Block) CanRaise() bool { return b.Exitswitch == LastException }

// IsFinal reports whether the block has no exits (return or except block).
func (b *Block) IsFinal() bool { return len(b.Exits) == 0 }

var graphIDs atomic.Uint64

// Graph is the control-flow graph of one interpreter function.
type Graph struct {
	ID          uint64
	Name        string
	Startblock  *Block
	ReturnBlock *Block // one inputarg: the return value (Void kind if none)
	ExceptBlock *Block // two inputargs: exception class and exception value
	Func        *FuncPtr
}

// NewGraph creates a graph with fresh return and except blocks.
func NewGraph(name string, start *Block, result Kind) *Graph {
	ret := &Block{Inputargs: []*Variable{NewVariable("result", result)}}
	exc := &Block{Inputargs: []*Variable{
		NewVariable("etype", Ref),
		NewVariable("evalue", Ref),
	}}
	g := &Graph{
		ID:          graphIDs.Add(1),
		Name:        name,
		Startblock:  start,
		ReturnBlock: ret,
		ExceptBlock: exc,
	}
	return g
}

// ResultKind returns the kind of the graph's return value.
func (g *Graph) ResultKind() Kind { return g.ReturnBlock.Inputargs[0].Kind() }

// Blocks returns all blocks reachable from the start block in depth-first
// order following exits in order. The order only depends on the graph's
// structure.
func (g *Graph) Blocks() []*Block {
	var order []*Block
	seen := make(map[*Block]bool)
	var visit func(b *Block)
	visit = func(b *Block) {
		if b == nil || seen[b] {
			return
		}
		seen[b] = true
		order = append(order, b)
		for _, l := range b.Exits {
			visit(l.Target)
		}
	}
	visit(g.Startblock)
	return order
}

// Operations returns every operation of every reachable block.
func (g *Graph) Operations() []*Operation {
	var ops []*Operation
	for _, b := range g.Blocks() {
		ops = append(ops, b.Operations...)
	}
	return ops
}

// Copy deep-copies the graph: blocks, links, operations and variables are
// fresh objects; constants, types and functions are shared.
func (g *Graph) Copy() *Graph {
	vars := make(map[*Variable]*Variable)
	copyVar := func(v *Variable) *Variable {
		if v == nil {
			return nil
		}
		if nv, ok := vars[v]; ok {
			return nv
		}
		nv := &Variable{Name: v.Name, kind: v.kind, Type: v.Type}
		vars[v] = nv
		return nv
	}
	copyValue := func(v Value) Value {
		if vv, ok := v.(*Variable); ok {
			return copyVar(vv)
		}
		return v
	}

	blocks := make(map[*Block]*Block)
	var copyBlock func(b *Block) *Block
	copyBlock = func(b *Block) *Block {
		if nb, ok := blocks[b]; ok {
			return nb
		}
		nb := &Block{}
		blocks[b] = nb
		for _, v := range b.Inputargs {
			nb.Inputargs = append(nb.Inputargs, copyVar(v))
		}
		for _, op := range b.Operations {
			nop := &Operation{Op: op.Op, Result: copyVar(op.Result)}
			for _, a := range op.Args {
				nop.Args = append(nop.Args, copyValue(a))
			}
			nb.Operations = append(nb.Operations, nop)
		}
		if b.Exitswitch != nil {
			nb.Exitswitch = copyValue(b.Exitswitch)
		}
		for _, l := range b.Exits {
			nl := &Link{
				Exitcase:      l.Exitcase,
				LastException: copyVar(l.LastException),
				LastExcValue:  copyVar(l.LastExcValue),
			}
			for _, a := range l.Args {
				nl.Args = append(nl.Args, copyValue(a))
			}
			nb.Exits = append(nb.Exits, nl)
			nl.Target = copyBlock(l.Target)
		}
		return nb
	}

	ng := &Graph{
		ID:   graphIDs.Add(1),
		Name: g.Name,
		Func: g.Func,
	}
	ng.Startblock = copyBlock(g.Startblock)
	ng.ReturnBlock = copyBlock(g.ReturnBlock)
	ng.ExceptBlock = copyBlock(g.ExceptBlock)
	return ng
}

func (g *Graph) String() string { return "<graph " + g.Name + ">" }
