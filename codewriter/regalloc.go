package codewriter

import (
	"slices"

	"github.com/chazu/metajit/flowgraph"
)

// registers is the result of register allocation: the register of every
// variable, within the bank of its kind.
type registers struct {
	color   map[*flowgraph.Variable]int
	numRegs [flowgraph.NumKinds]int
}

func (r *registers) of(v *flowgraph.Variable) (int, bool) {
	c, ok := r.color[v]
	return c, ok
}

// allocateRegisters colors each kind independently.
func allocateRegisters(lg *lgraph) *registers {
	regs := &registers{color: make(map[*flowgraph.Variable]int)}
	for bank := 0; bank < flowgraph.NumKinds; bank++ {
		ra := newAllocator(lg, flowgraph.KindOfBank(bank))
		ra.interferences()
		ra.coalesce()
		regs.numRegs[bank] = ra.colorAll()
		for i, v := range ra.vars {
			regs.color[v] = ra.color[ra.find(i)]
		}
	}
	return regs
}

// forEachValue calls fn for every value operand of in, list items
// included.
func forEachValue(in *insn, fn func(v flowgraph.Value)) {
	for _, a := range in.args {
		switch x := a.(type) {
		case flowgraph.Value:
			fn(x)
		case list:
			for _, v := range x.items {
				fn(v)
			}
		}
	}
}

// allocator colors the variables of one kind. Variables are numbered in
// order of first appearance; coalesced variables form union-find classes.
type allocator struct {
	lg   *lgraph
	kind flowgraph.Kind

	vars  []*flowgraph.Variable
	index map[*flowgraph.Variable]int

	parent  []int
	members [][]int        // per root
	adj     []map[int]bool // per root: variables interfering with a member
	color   []int          // per root, -1 if uncolored
}

func newAllocator(lg *lgraph, kind flowgraph.Kind) *allocator {
	ra := &allocator{lg: lg, kind: kind, index: make(map[*flowgraph.Variable]int)}
	for _, lb := range lg.blocks {
		for _, v := range lb.src.Inputargs {
			ra.add(v)
		}
		for _, in := range lb.insns {
			forEachValue(in, func(v flowgraph.Value) { ra.add(v) })
			if in.result != nil {
				ra.add(in.result)
			}
		}
		if lb.fused != nil {
			forEachValue(lb.fused, func(v flowgraph.Value) { ra.add(v) })
		}
		if lb.cond != nil {
			ra.add(lb.cond)
		}
		for i, l := range lb.src.Exits {
			ra.add(l.LastException)
			ra.add(l.LastExcValue)
			for _, a := range lb.exitArgs[i] {
				ra.add(a)
			}
		}
	}
	n := len(ra.vars)
	ra.parent = make([]int, n)
	ra.members = make([][]int, n)
	ra.adj = make([]map[int]bool, n)
	ra.color = make([]int, n)
	for i := range ra.vars {
		ra.parent[i] = i
		ra.members[i] = []int{i}
		ra.adj[i] = make(map[int]bool)
		ra.color[i] = -1
	}
	return ra
}

func (ra *allocator) add(v flowgraph.Value) {
	x, ok := v.(*flowgraph.Variable)
	if !ok || x == nil || x.Kind() != ra.kind {
		return
	}
	if _, seen := ra.index[x]; !seen {
		ra.index[x] = len(ra.vars)
		ra.vars = append(ra.vars, x)
	}
}

func (ra *allocator) id(v flowgraph.Value) (int, bool) {
	x, ok := v.(*flowgraph.Variable)
	if !ok || x == nil || x.Kind() != ra.kind {
		return 0, false
	}
	i, ok := ra.index[x]
	return i, ok
}

func (ra *allocator) find(i int) int {
	for ra.parent[i] != i {
		ra.parent[i] = ra.parent[ra.parent[i]]
		i = ra.parent[i]
	}
	return i
}

func (ra *allocator) interfere(a, b int) {
	if a == b {
		return
	}
	ra.adj[a][b] = true
	ra.adj[b][a] = true
}

// liveSet is a set of variable ids with deterministic iteration.
type liveSet map[int]bool

func (s liveSet) sorted() []int {
	out := make([]int, 0, len(s))
	for i := range s {
		out = append(out, i)
	}
	slices.Sort(out)
	return out
}

// interferences walks each block backwards from its exits. Variables are
// local to their block, so the values live at the end of a block are
// exactly those its exits read.
func (ra *allocator) interferences() {
	for _, lb := range ra.lg.blocks {
		live := liveSet{}
		use := func(v flowgraph.Value) {
			if i, ok := ra.id(v); ok {
				live[i] = true
			}
		}
		var caught []int
		for i, l := range lb.src.Exits {
			for _, a := range lb.exitArgs[i] {
				if a == flowgraph.Value(l.LastException) || a == flowgraph.Value(l.LastExcValue) {
					continue
				}
				use(a)
			}
			for _, v := range []*flowgraph.Variable{l.LastException, l.LastExcValue} {
				if v == nil {
					continue
				}
				if id, ok := ra.id(v); ok {
					caught = append(caught, id)
				}
			}
		}
		if lb.cond != nil {
			use(lb.cond)
		}
		if lb.fused != nil {
			forEachValue(lb.fused, use)
		}
		// exception variables are written by the handler while the link
		// arguments are still needed
		for _, c := range caught {
			for _, l := range live.sorted() {
				ra.interfere(c, l)
			}
			for _, d := range caught {
				ra.interfere(c, d)
			}
		}
		for i := len(lb.insns) - 1; i >= 0; i-- {
			in := lb.insns[i]
			if d, ok := ra.id(in.result); ok && in.result != nil {
				for _, l := range live.sorted() {
					ra.interfere(d, l)
				}
				delete(live, d)
			}
			forEachValue(in, use)
		}
		var inputs []int
		for _, v := range lb.src.Inputargs {
			if id, ok := ra.id(v); ok {
				inputs = append(inputs, id)
			}
		}
		for _, a := range inputs {
			for _, l := range live.sorted() {
				ra.interfere(a, l)
			}
			for _, b := range inputs {
				ra.interfere(a, b)
			}
		}
	}
}

func (ra *allocator) conflict(ra1, rb int) bool {
	for _, m := range ra.members[rb] {
		if ra.adj[ra1][m] {
			return true
		}
	}
	return false
}

func (ra *allocator) union(a, b int) {
	a, b = ra.find(a), ra.find(b)
	if a == b || ra.conflict(a, b) {
		return
	}
	if b < a {
		a, b = b, a
	}
	ra.parent[b] = a
	ra.members[a] = append(ra.members[a], ra.members[b]...)
	for m := range ra.adj[b] {
		ra.adj[a][m] = true
	}
	ra.members[b] = nil
	ra.adj[b] = nil
}

// coalesce merges link arguments with the inputargs they are passed to,
// so the copy disappears, whenever the two do not interfere.
func (ra *allocator) coalesce() {
	for _, lb := range ra.lg.blocks {
		for i, l := range lb.src.Exits {
			if ra.lg.isFinal(l.Target) {
				continue
			}
			for j, a := range lb.exitArgs[i] {
				src, ok := ra.id(a)
				if !ok || j >= len(l.Target.Inputargs) {
					continue
				}
				if dst, ok := ra.id(l.Target.Inputargs[j]); ok {
					ra.union(src, dst)
				}
			}
		}
	}
}

// colorAll gives the start block's inputargs registers 0..n-1 in order,
// then every other class the lowest register free of its neighbours. It
// returns the number of registers used.
func (ra *allocator) colorAll() int {
	start := ra.lg.byBlock[ra.lg.graph.Startblock]
	next := 0
	if start != nil {
		for _, v := range start.src.Inputargs {
			if id, ok := ra.id(v); ok {
				ra.color[ra.find(id)] = next
				next++
			}
		}
	}
	for i := range ra.vars {
		r := ra.find(i)
		if ra.color[r] >= 0 {
			continue
		}
		taken := map[int]bool{}
		for m := range ra.adj[r] {
			if c := ra.color[ra.find(m)]; c >= 0 {
				taken[c] = true
			}
		}
		c := 0
		for taken[c] {
			c++
		}
		ra.color[r] = c
	}
	return ra.compact()
}

// compact renumbers the used registers down to a contiguous prefix.
// Lowest-free coloring already yields one, which is checked first.
func (ra *allocator) compact() int {
	used := map[int]bool{}
	for i := range ra.vars {
		used[ra.color[ra.find(i)]] = true
	}
	n := len(used)
	contiguous := true
	for c := 0; c < n; c++ {
		if !used[c] {
			contiguous = false
			break
		}
	}
	if contiguous {
		return n
	}
	colors := make([]int, 0, n)
	for c := range used {
		colors = append(colors, c)
	}
	slices.Sort(colors)
	renumber := make(map[int]int, n)
	for i, c := range colors {
		renumber[c] = i
	}
	for i := range ra.vars {
		if ra.parent[i] == i {
			ra.color[i] = renumber[ra.color[i]]
		}
	}
	return n
}
