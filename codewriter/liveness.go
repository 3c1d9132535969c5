package codewriter

import (
	"fmt"
	"math/bits"
	"strings"

	"github.com/chazu/metajit/flowgraph"
	"github.com/chazu/metajit/jitcode"
)

// regSet is a set of registers, one bitset per bank.
type regSet [flowgraph.NumKinds][]uint64

func (s *regSet) add(bank, r int) {
	w := r / 64
	for len(s[bank]) <= w {
		s[bank] = append(s[bank], 0)
	}
	s[bank][w] |= 1 << (r % 64)
}

func (s *regSet) remove(bank, r int) {
	if w := r / 64; w < len(s[bank]) {
		s[bank][w] &^= 1 << (r % 64)
	}
}

func (s *regSet) has(bank, r int) bool {
	w := r / 64
	return w < len(s[bank]) && s[bank][w]&(1<<(r%64)) != 0
}

// union adds o to s and reports whether s grew.
func (s *regSet) union(o *regSet) bool {
	changed := false
	for bank := range o {
		for w, bitsw := range o[bank] {
			for len(s[bank]) <= w {
				s[bank] = append(s[bank], 0)
			}
			if nw := s[bank][w] | bitsw; nw != s[bank][w] {
				s[bank][w] = nw
				changed = true
			}
		}
	}
	return changed
}

func (s *regSet) clone() regSet {
	var c regSet
	for bank := range s {
		c[bank] = append([]uint64(nil), s[bank]...)
	}
	return c
}

// lists returns the registers of each bank in increasing order.
func (s *regSet) lists() [flowgraph.NumKinds][]int {
	var out [flowgraph.NumKinds][]int
	for bank := range s {
		for w, word := range s[bank] {
			for word != 0 {
				b := bits.TrailingZeros64(word)
				out[bank] = append(out[bank], w*64+b)
				word &^= 1 << b
			}
		}
	}
	return out
}

func isReturn(name string) bool {
	switch name {
	case "int_return", "ref_return", "float_return", "void_return", "raise", "reraise":
		return true
	}
	return false
}

// successors computes the control-flow successors of every instruction.
// Inside an exception block every instruction may also continue at the
// handler.
func successors(code []*insn) [][]int {
	at := make(map[*label]int)
	for i, in := range code {
		if in.mark != nil {
			at[in.mark] = i
		}
	}
	succ := make([][]int, len(code))
	handler := -1
	for i, in := range code {
		next := []int{}
		if i+1 < len(code) {
			next = append(next, i+1)
		}
		switch {
		case in.mark != nil:
			succ[i] = next
			continue
		case in.name == "goto":
			succ[i] = []int{at[in.args[0].(*label)]}
			continue
		case isReturn(in.name):
			succ[i] = nil
			continue
		case in.name == "setup_exception_block":
			handler = at[in.args[0].(*label)]
			succ[i] = next
			continue
		case in.name == "teardown_exception_block":
			handler = -1
			succ[i] = next
			continue
		}
		for _, a := range in.args {
			switch x := a.(type) {
			case *label:
				next = append(next, at[x])
			case *switchArg:
				for _, l := range x.labels {
					next = append(next, at[l])
				}
			}
		}
		if handler >= 0 {
			next = append(next, handler)
		}
		succ[i] = next
	}
	return succ
}

// computeLiveness finds, for every -live- marker, the registers whose
// values are still needed at that point, and checks that nothing but the
// greens and reds is live across a jit_merge_point.
func computeLiveness(code []*insn, regs *registers) error {
	n := len(code)
	use := make([]regSet, n)
	def := make([]regSet, n)
	for i, in := range code {
		if in.mark != nil {
			continue
		}
		forEachValue(in, func(v flowgraph.Value) {
			if x, ok := v.(*flowgraph.Variable); ok && x.Kind() != flowgraph.Void {
				if r, ok := regs.of(x); ok {
					use[i].add(x.Kind().Bank(), r)
				}
			}
		})
		if in.result != nil && in.result.Kind() != flowgraph.Void {
			if r, ok := regs.of(in.result); ok {
				def[i].add(in.result.Kind().Bank(), r)
			}
		}
	}

	succ := successors(code)
	liveIn := make([]regSet, n)
	liveOut := make([]regSet, n)
	for changed := true; changed; {
		changed = false
		for i := n - 1; i >= 0; i-- {
			for _, s := range succ[i] {
				liveOut[i].union(&liveIn[s])
			}
			in := liveOut[i].clone()
			for bank, rs := range def[i].lists() {
				for _, r := range rs {
					in.remove(bank, r)
				}
			}
			in.union(&use[i])
			if liveIn[i].union(&in) {
				changed = true
			}
		}
	}

	for i, in := range code {
		switch {
		case in.isLive():
			in.live = &jitcode.LiveSet{Regs: liveIn[i].lists()}
		case in.name == "jit_merge_point":
			if err := checkMergePoint(in, &liveOut[i], regs); err != nil {
				return err
			}
		}
	}
	return nil
}

func checkMergePoint(in *insn, live *regSet, regs *registers) error {
	var allowed regSet
	forEachValue(in, func(v flowgraph.Value) {
		if x, ok := v.(*flowgraph.Variable); ok && x.Kind() != flowgraph.Void {
			if r, ok := regs.of(x); ok {
				allowed.add(x.Kind().Bank(), r)
			}
		}
	})
	var extra []string
	for bank, rs := range live.lists() {
		for _, r := range rs {
			if !allowed.has(bank, r) {
				extra = append(extra, fmt.Sprintf("%%%c%d", flowgraph.KindOfBank(bank).Char(), r))
			}
		}
	}
	if len(extra) > 0 {
		return fmt.Errorf("%w: %s", ErrMergePointLiveness, strings.Join(extra, ", "))
	}
	return nil
}
