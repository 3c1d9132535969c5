package codewriter

import (
	"fmt"
	"strings"

	"github.com/chazu/metajit/flowgraph"
	"github.com/chazu/metajit/jitcode"
)

// liveMarker is the pseudo-instruction that asks for a liveness entry. It
// occupies no bytes; the entry is recorded at the pc of the instruction
// that follows it.
const liveMarker = "-live-"

// imm is an immediate operand ('c').
type imm int64

// list is a list operand ('I', 'R' or 'F') of values of one kind.
type list struct {
	kind  flowgraph.Kind
	items []flowgraph.Value
}

func (l list) code() byte {
	switch l.kind {
	case flowgraph.Int:
		return 'I'
	case flowgraph.Ref:
		return 'R'
	default:
		return 'F'
	}
}

// label is a position in the flattened code. pos is set by the assembler.
type label struct {
	name string
	pos  int
}

// switchArg is the descr operand of a dict switch; the assembler fills in
// the case offsets once labels are placed.
type switchArg struct {
	descr  *jitcode.SwitchDictDescr
	labels map[int64]*label
}

// insn is one instruction of the intermediate representation. Operands
// are *flowgraph.Variable and *flowgraph.Constant values, imm, list,
// *label, *switchArg and jitcode.Descr.
type insn struct {
	name   string
	args   []any
	result *flowgraph.Variable

	// mark is set for label positions, which carry no name.
	mark *label
	// live is filled in by the liveness pass for liveMarker insns.
	live *jitcode.LiveSet
}

func (in *insn) isLive() bool { return in.name == liveMarker }

func (in *insn) String() string {
	if in.mark != nil {
		return in.mark.name + ":"
	}
	parts := make([]string, len(in.args))
	for i, a := range in.args {
		parts[i] = formatArg(a)
	}
	s := in.name
	if len(parts) > 0 {
		s += " " + strings.Join(parts, ", ")
	}
	if in.result != nil {
		s += " -> " + in.result.String()
	}
	return s
}

func formatArg(a any) string {
	switch x := a.(type) {
	case imm:
		return fmt.Sprintf("%d", int64(x))
	case list:
		items := make([]string, len(x.items))
		for i, v := range x.items {
			items[i] = v.String()
		}
		return fmt.Sprintf("%c[%s]", x.code(), strings.Join(items, ", "))
	case *label:
		return x.name
	case *switchArg:
		return "<SwitchDict>"
	case jitcode.Descr:
		return x.DescrName()
	case flowgraph.Value:
		return x.String()
	}
	return fmt.Sprintf("%v", a)
}

// lblock is a source block after transformation: its lowered
// instructions and its resolved exits.
type lblock struct {
	src   *flowgraph.Block
	insns []*insn

	// lastStart is the index in insns where the code of the last source
	// operation begins; used to bracket operations with exception edges.
	lastStart int

	// cond is the resolved exitswitch of a boolean or integer exit.
	cond flowgraph.Value
	// fused replaces a boolean exitswitch computed by a comparison; the
	// flattener appends the target label.
	fused *insn

	// exitArgs holds the resolved arguments of each exit link.
	exitArgs [][]flowgraph.Value
}

// lgraph is a transformed graph.
type lgraph struct {
	orig    *flowgraph.Graph
	graph   *flowgraph.Graph
	blocks  []*lblock
	byBlock map[*flowgraph.Block]*lblock
}

func (lg *lgraph) isFinal(b *flowgraph.Block) bool {
	return b == lg.graph.ReturnBlock || b == lg.graph.ExceptBlock
}

// format renders a flattened instruction list, one per line.
func format(code []*insn) string {
	var sb strings.Builder
	for _, in := range code {
		if in.mark == nil {
			sb.WriteString("    ")
		}
		sb.WriteString(in.String())
		sb.WriteByte('\n')
	}
	return sb.String()
}
