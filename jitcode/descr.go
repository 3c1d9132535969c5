package jitcode

import (
	"fmt"
	"slices"
	"strings"

	"github.com/chazu/metajit/flowgraph"
)

// SwitchDictDescr maps the integer cases of a switch to their labels. The
// default case is the code following the switch instruction.
type SwitchDictDescr struct {
	Cases map[int64]int
}

// Keys returns the case values in ascending order.
func (d *SwitchDictDescr) Keys() []int64 {
	keys := make([]int64, 0, len(d.Cases))
	for k := range d.Cases {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// DescrName implements Descr.
func (d *SwitchDictDescr) DescrName() string {
	parts := make([]string, 0, len(d.Cases))
	for _, k := range d.Keys() {
		parts = append(parts, fmt.Sprintf("%d:L%d", k, d.Cases[k]))
	}
	return "<SwitchDict {" + strings.Join(parts, ", ") + "}>"
}

// IndirectCallTargets lists the jitcodes an indirect call may enter,
// selected at run time by the function pointer.
type IndirectCallTargets struct {
	Targets []*JitCode
}

// Lookup returns the jitcode whose graph fn points to.
func (d *IndirectCallTargets) Lookup(fn *flowgraph.FuncPtr) *JitCode {
	if fn == nil || fn.Graph == nil {
		return nil
	}
	for _, jc := range d.Targets {
		if jc.Graph == fn.Graph {
			return jc
		}
	}
	return nil
}

// DescrName implements Descr.
func (d *IndirectCallTargets) DescrName() string {
	names := make([]string, len(d.Targets))
	for i, jc := range d.Targets {
		names[i] = jc.Name
	}
	return "<IndirectCallTargets " + strings.Join(names, ", ") + ">"
}

// NamedDescr is a descriptor known only by its printed name, as recovered
// from a dump.
type NamedDescr string

// DescrName implements Descr.
func (d NamedDescr) DescrName() string { return string(d) }

// RefString renders a reference constant without addresses, so renderings
// are stable across runs.
func RefString(v any) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case string:
		return fmt.Sprintf("%q", x)
	case *flowgraph.Struct:
		if x == nil {
			return "null"
		}
		return "<" + x.Type.Name + ">"
	case *flowgraph.Array:
		if x == nil {
			return "null"
		}
		return fmt.Sprintf("<%s[%d]>", x.Type.Name, len(x.Items))
	case *flowgraph.FuncPtr:
		return "<func " + x.Name + ">"
	case *flowgraph.ExceptionClass:
		return "<class " + x.Name + ">"
	case *flowgraph.LLException:
		return "<" + x.Error() + ">"
	case Descr:
		return x.DescrName()
	}
	return fmt.Sprintf("%v", v)
}
