package codewriter

import (
	"fmt"
	"math"
	"reflect"
	"strings"

	"github.com/chazu/metajit/flowgraph"
	"github.com/chazu/metajit/jitcode"
)

// assembler encodes flattened code into bytes. Constants are pooled per
// kind and addressed after the registers of their bank; descriptors are
// pooled by identity.
type assembler struct {
	regs *registers
	out  jitcode.Assembled

	intIdx   map[int64]int
	floatIdx map[uint64]int
	refIdx   map[any]int
	descrIdx map[jitcode.Descr]int

	fixups   []fixup
	switches []*switchArg
	marks    []*label
}

type fixup struct {
	pos int
	l   *label
}

func assemble(code []*insn, regs *registers) (*jitcode.Assembled, error) {
	a := &assembler{
		regs:     regs,
		intIdx:   make(map[int64]int),
		floatIdx: make(map[uint64]int),
		refIdx:   make(map[any]int),
		descrIdx: make(map[jitcode.Descr]int),
	}
	a.out.NumRegs = regs.numRegs
	a.out.MergePointPC = -1
	a.out.Code = []byte{}
	for _, in := range code {
		var err error
		switch {
		case in.mark != nil:
			in.mark.pos = len(a.out.Code)
			a.marks = append(a.marks, in.mark)
		case in.isLive():
			a.addLiveness(in.live)
		default:
			err = a.encode(in)
		}
		if err != nil {
			return nil, err
		}
	}
	if err := a.patch(); err != nil {
		return nil, err
	}
	return &a.out, nil
}

// key derives the catalog key of an instruction from its operands.
func (a *assembler) key(in *insn) (string, error) {
	var sb strings.Builder
	sb.WriteString(in.name)
	sb.WriteByte('/')
	for _, arg := range in.args {
		switch x := arg.(type) {
		case flowgraph.Value:
			if x.Kind() == flowgraph.Void {
				return "", fmt.Errorf("%w: void operand %s in %s", ErrUnknownInsn, x, in)
			}
			sb.WriteByte(x.Kind().Char())
		case imm:
			sb.WriteByte('c')
		case list:
			sb.WriteByte(x.code())
		case *label:
			sb.WriteByte('L')
		case *switchArg, jitcode.Descr:
			sb.WriteByte('d')
		default:
			return "", fmt.Errorf("%w: operand %T in %s", ErrUnknownInsn, arg, in.name)
		}
	}
	if in.result != nil {
		sb.WriteByte('>')
		sb.WriteByte(in.result.Kind().Char())
	}
	return sb.String(), nil
}

func (a *assembler) encode(in *insn) error {
	k, err := a.key(in)
	if err != nil {
		return err
	}
	op, ok := jitcode.Lookup(k)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownInsn, k)
	}
	if in.name == "jit_merge_point" {
		a.out.MergePointPC = len(a.out.Code)
	}
	a.out.Code = append(a.out.Code, op)
	for _, arg := range in.args {
		switch x := arg.(type) {
		case flowgraph.Value:
			a.out.Code = jitcode.AppendUvarint(a.out.Code, uint64(a.operand(x)))
		case imm:
			a.out.Code = jitcode.AppendVarint(a.out.Code, int64(x))
		case list:
			a.out.Code = jitcode.AppendUvarint(a.out.Code, uint64(len(x.items)))
			for _, v := range x.items {
				a.out.Code = jitcode.AppendUvarint(a.out.Code, uint64(a.operand(v)))
			}
		case *label:
			a.fixups = append(a.fixups, fixup{pos: len(a.out.Code), l: x})
			a.out.Code = jitcode.AppendLabel(a.out.Code, 0)
		case *switchArg:
			a.switches = append(a.switches, x)
			a.out.Code = jitcode.AppendUvarint(a.out.Code, uint64(a.descr(x.descr)))
		case jitcode.Descr:
			a.out.Code = jitcode.AppendUvarint(a.out.Code, uint64(a.descr(x)))
		}
	}
	if in.result != nil {
		r, _ := a.regs.of(in.result)
		a.out.Code = jitcode.AppendUvarint(a.out.Code, uint64(r))
	}
	return nil
}

// operand returns the index of a register or constant operand.
func (a *assembler) operand(v flowgraph.Value) int {
	switch x := v.(type) {
	case *flowgraph.Variable:
		r, ok := a.regs.of(x)
		if !ok {
			panic("codewriter: no register for " + x.String())
		}
		return r
	case *flowgraph.Constant:
		bank := x.Kind().Bank()
		return a.regs.numRegs[bank] + a.constant(x)
	}
	panic(fmt.Sprintf("codewriter: bad operand %T", v))
}

func (a *assembler) constant(c *flowgraph.Constant) int {
	switch c.Kind() {
	case flowgraph.Int:
		v := flowgraph.ToInt(c.Value)
		if i, ok := a.intIdx[v]; ok {
			return i
		}
		a.intIdx[v] = len(a.out.ConstantsI)
		a.out.ConstantsI = append(a.out.ConstantsI, v)
		return a.intIdx[v]
	case flowgraph.Float:
		v, ok := c.Value.(float64)
		if !ok {
			v = float64(flowgraph.ToInt(c.Value))
		}
		b := math.Float64bits(v)
		if i, ok := a.floatIdx[b]; ok {
			return i
		}
		a.floatIdx[b] = len(a.out.ConstantsF)
		a.out.ConstantsF = append(a.out.ConstantsF, v)
		return a.floatIdx[b]
	default:
		v := c.Value
		hashable := v == nil || reflect.TypeOf(v).Comparable()
		if hashable {
			if i, ok := a.refIdx[v]; ok {
				return i
			}
			a.refIdx[v] = len(a.out.ConstantsR)
		}
		a.out.ConstantsR = append(a.out.ConstantsR, v)
		return len(a.out.ConstantsR) - 1
	}
}

func (a *assembler) descr(d jitcode.Descr) int {
	if i, ok := a.descrIdx[d]; ok {
		return i
	}
	a.descrIdx[d] = len(a.out.Descrs)
	a.out.Descrs = append(a.out.Descrs, d)
	return a.descrIdx[d]
}

// addLiveness records a liveness entry at the current pc. Two markers
// before the same instruction share one entry.
func (a *assembler) addLiveness(ls *jitcode.LiveSet) {
	pc := len(a.out.Code)
	entry := jitcode.LiveSet{PC: pc}
	if ls != nil {
		entry.Regs = ls.Regs
	}
	if n := len(a.out.Liveness); n > 0 && a.out.Liveness[n-1].PC == pc {
		prev := &a.out.Liveness[n-1]
		for bank := range prev.Regs {
			prev.Regs[bank] = mergeSorted(prev.Regs[bank], entry.Regs[bank])
		}
		return
	}
	a.out.Liveness = append(a.out.Liveness, entry)
}

func mergeSorted(x, y []int) []int {
	out := make([]int, 0, len(x)+len(y))
	i, j := 0, 0
	for i < len(x) || j < len(y) {
		switch {
		case j == len(y) || (i < len(x) && x[i] < y[j]):
			out = append(out, x[i])
			i++
		case i == len(x) || y[j] < x[i]:
			out = append(out, y[j])
			j++
		default:
			out = append(out, x[i])
			i++
			j++
		}
	}
	return out
}

func (a *assembler) patch() error {
	for _, l := range a.marks {
		if l.pos > jitcode.MaxLabel {
			return fmt.Errorf("codewriter: label %s at %d exceeds the label range", l.name, l.pos)
		}
	}
	for _, f := range a.fixups {
		jitcode.PutLabel(a.out.Code, f.pos, f.l.pos)
	}
	for _, sa := range a.switches {
		for v, l := range sa.labels {
			sa.descr.Cases[v] = l.pos
		}
	}
	return nil
}
