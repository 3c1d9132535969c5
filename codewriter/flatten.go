package codewriter

import (
	"fmt"

	"github.com/chazu/metajit/flowgraph"
	"github.com/chazu/metajit/jitcode"
)

// flattener lays out the blocks of a transformed graph as linear code.
// Each block is emitted where it is first reached so the common successor
// falls through; later links jump to it.
type flattener struct {
	lg       *lgraph
	regs     *registers
	minCases int

	code    []*insn
	labels  map[*flowgraph.Block]*label
	emitted map[*flowgraph.Block]bool
	nlabels int
}

func flatten(lg *lgraph, regs *registers, minCases int) []*insn {
	f := &flattener{
		lg:       lg,
		regs:     regs,
		minCases: minCases,
		labels:   make(map[*flowgraph.Block]*label),
		emitted:  make(map[*flowgraph.Block]bool),
	}
	f.block(lg.graph.Startblock)
	return f.code
}

func (f *flattener) newLabel() *label {
	f.nlabels++
	return &label{name: fmt.Sprintf("L%d", f.nlabels)}
}

func (f *flattener) blockLabel(b *flowgraph.Block) *label {
	l, ok := f.labels[b]
	if !ok {
		l = f.newLabel()
		f.labels[b] = l
	}
	return l
}

func (f *flattener) emit(name string, result *flowgraph.Variable, args ...any) {
	f.code = append(f.code, &insn{name: name, args: args, result: result})
}

func (f *flattener) mark(l *label) { f.code = append(f.code, &insn{mark: l}) }

func (f *flattener) block(b *flowgraph.Block) {
	if f.emitted[b] {
		f.emit("goto", nil, f.blockLabel(b))
		return
	}
	f.emitted[b] = true
	f.mark(f.blockLabel(b))
	lb := f.lg.byBlock[b]
	if b.CanRaise() {
		f.raising(lb)
		return
	}
	f.code = append(f.code, lb.insns...)
	switch {
	case b.Exitswitch == nil || len(b.Exits) == 1:
		f.link(lb, 0)
	case lb.fused != nil || isBoolExit(b):
		f.branch(lb)
	default:
		f.intSwitch(lb)
	}
}

func isBoolExit(b *flowgraph.Block) bool {
	_, ok := b.Exits[0].Exitcase.(bool)
	return ok
}

// branch emits a two-way exit: the true link falls through, the false link
// is reached by goto_if_not.
func (f *flattener) branch(lb *lblock) {
	ifTrue, ifFalse := 1, 0
	if v, _ := lb.src.Exits[0].Exitcase.(bool); v {
		ifTrue, ifFalse = 0, 1
	}
	target := f.newLabel()
	f.emit(liveMarker, nil)
	if lb.fused != nil {
		args := append(append([]any{}, lb.fused.args...), target)
		f.emit(lb.fused.name, nil, args...)
	} else {
		f.emit("goto_if_not", nil, lb.cond, target)
	}
	f.link(lb, ifTrue)
	f.mark(target)
	f.link(lb, ifFalse)
}

// intSwitch emits a many-way exit, as a chain of comparisons or, from
// minCases cases on, as a dict switch. Values matching no case continue
// at the default link, or at the last case when there is none.
func (f *flattener) intSwitch(lb *lblock) {
	var cases []int
	fallback := -1
	for i, l := range lb.src.Exits {
		if l.Exitcase == flowgraph.Default {
			fallback = i
			continue
		}
		cases = append(cases, i)
	}
	explicit := len(cases)
	if fallback < 0 {
		fallback = cases[len(cases)-1]
		cases = cases[:len(cases)-1]
	}
	caseValue := func(i int) int64 { return flowgraph.ToInt(lb.src.Exits[i].Exitcase) }

	if explicit >= f.minCases {
		sa := &switchArg{
			descr:  &jitcode.SwitchDictDescr{Cases: make(map[int64]int)},
			labels: make(map[int64]*label),
		}
		targets := make([]*label, len(cases))
		for j, i := range cases {
			targets[j] = f.newLabel()
			sa.labels[caseValue(i)] = targets[j]
		}
		f.emit(liveMarker, nil)
		f.emit("switch", nil, lb.cond, sa)
		f.link(lb, fallback)
		for j, i := range cases {
			f.mark(targets[j])
			f.link(lb, i)
		}
		return
	}
	for _, i := range cases {
		next := f.newLabel()
		f.emit(liveMarker, nil)
		f.emit("goto_if_not_int_eq", nil, lb.cond, flowgraph.NewConstant(caseValue(i)), next)
		f.link(lb, i)
		f.mark(next)
	}
	f.link(lb, fallback)
}

// raising brackets the last operation of a block with exception edges.
// The handler tests each exception link in order and re-raises when none
// matches.
func (f *flattener) raising(lb *lblock) {
	handler := f.newLabel()
	f.code = append(f.code, lb.insns[:lb.lastStart]...)
	f.emit("setup_exception_block", nil, handler)
	f.code = append(f.code, lb.insns[lb.lastStart:]...)
	f.emit("teardown_exception_block", nil)
	f.link(lb, 0)

	f.mark(handler)
	for i := 1; i < len(lb.src.Exits); i++ {
		l := lb.src.Exits[i]
		next := f.newLabel()
		if cls, ok := l.Exitcase.(*flowgraph.ExceptionClass); ok {
			f.emit("goto_if_exception_mismatch", nil, flowgraph.NewConstant(cls), next)
		}
		if usesVar(lb.exitArgs[i], l.LastException) {
			f.emit("last_exception", l.LastException)
		}
		if usesVar(lb.exitArgs[i], l.LastExcValue) {
			f.emit("last_exc_value", l.LastExcValue)
		}
		f.link(lb, i)
		f.mark(next)
	}
	f.emit("reraise", nil)
}

func usesVar(args []flowgraph.Value, v *flowgraph.Variable) bool {
	if v == nil {
		return false
	}
	for _, a := range args {
		if a == flowgraph.Value(v) {
			return true
		}
	}
	return false
}

// link emits the transfer along exit i: a return, a raise, or the
// renaming of the link arguments into the target's inputargs followed by
// the target block.
func (f *flattener) link(lb *lblock, i int) {
	l := lb.src.Exits[i]
	args := lb.exitArgs[i]
	g := f.lg.graph
	switch l.Target {
	case g.ReturnBlock:
		k := g.ResultKind()
		if k == flowgraph.Void {
			f.emit("void_return", nil)
		} else {
			f.emit(kindName(k)+"_return", nil, args[0])
		}
	case g.ExceptBlock:
		f.emit("raise", nil, args[1])
	default:
		f.renamings(args, l.Target.Inputargs)
		f.block(l.Target)
	}
}

// move copies a register or constant into the register of dst. pop moves
// take their value from the kind's save stack.
type move struct {
	src    flowgraph.Value
	srcReg int // -1 for constants and pops
	dst    *flowgraph.Variable
	dstReg int
	pop    bool
}

// renamings emits the parallel assignment inputs := args, kind by kind.
func (f *flattener) renamings(args []flowgraph.Value, inputs []*flowgraph.Variable) {
	for bank := 0; bank < flowgraph.NumKinds; bank++ {
		k := flowgraph.KindOfBank(bank)
		var moves []*move
		for j, a := range args {
			if j >= len(inputs) || inputs[j].Kind() != k {
				continue
			}
			dst, _ := f.regs.of(inputs[j])
			m := &move{src: a, srcReg: -1, dst: inputs[j], dstReg: dst}
			if v, ok := a.(*flowgraph.Variable); ok {
				m.srcReg, _ = f.regs.of(v)
				if m.srcReg == dst {
					continue
				}
			}
			moves = append(moves, m)
		}
		f.sequentialize(k, moves)
	}
}

func blocked(m *move, pending []*move) bool {
	for _, o := range pending {
		if o != m && o.srcReg == m.dstReg {
			return true
		}
	}
	return false
}

// sequentialize orders a parallel move. A move waits while another still
// reads its destination. When every move waits, the moves form cycles;
// one destination is saved with a push and its reader later pops it.
func (f *flattener) sequentialize(k flowgraph.Kind, pending []*move) {
	name := kindName(k)
	for len(pending) > 0 {
		ready := -1
		for i, m := range pending {
			if !blocked(m, pending) {
				ready = i
				break
			}
		}
		if ready < 0 {
			m := pending[0]
			for _, r := range pending {
				if r.srcReg == m.dstReg {
					f.emit(name+"_push", nil, r.src)
					r.pop = true
					r.srcReg = -1
					break
				}
			}
			continue
		}
		m := pending[ready]
		switch {
		case m.pop:
			f.emit(name+"_pop", m.dst)
		default:
			f.emit(name+"_copy", m.dst, m.src)
		}
		pending = append(pending[:ready], pending[ready+1:]...)
	}
}
