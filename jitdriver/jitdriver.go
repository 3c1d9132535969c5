// Package jitdriver holds the interpreter author's declaration of a JIT
// entry point and the static data computed for each portal.
package jitdriver

import (
	"errors"
	"fmt"
	"strings"

	"github.com/chazu/metajit/flowgraph"
	"github.com/chazu/metajit/jitcode"
)

// JitDriver declares the green and red variables of an interpreter's main
// loop. It appears as the first (void) argument of jit_merge_point and
// can_enter_jit operations.
type JitDriver struct {
	Name   string
	Greens []string
	Reds   []string
	// Virtualizables names the red variable holding the interpreter frame,
	// if any.
	Virtualizables []string

	// ConfirmEnterJit may veto tracing once a loop is hot.
	ConfirmEnterJit func(greens, reds []any) bool
	// GetPrintableLocation renders a green key for logs.
	GetPrintableLocation func(greens []any) string
}

var (
	ErrBadDriver    = errors.New("jitdriver: invalid driver declaration")
	ErrNoMergePoint = errors.New("jitdriver: portal has no jit_merge_point")
)

// Validate checks the declaration.
func (d *JitDriver) Validate() error {
	if len(d.Reds) == 0 {
		return fmt.Errorf("%w: %s has no reds", ErrBadDriver, d.Name)
	}
	seen := map[string]bool{}
	for _, n := range append(append([]string{}, d.Greens...), d.Reds...) {
		if seen[n] {
			return fmt.Errorf("%w: %s declares %q twice", ErrBadDriver, d.Name, n)
		}
		seen[n] = true
	}
	if len(d.Virtualizables) > 1 {
		return fmt.Errorf("%w: %s declares more than one virtualizable", ErrBadDriver, d.Name)
	}
	for _, v := range d.Virtualizables {
		if d.RedIndex(v) < 0 {
			return fmt.Errorf("%w: virtualizable %q is not a red", ErrBadDriver, v)
		}
	}
	return nil
}

// RedIndex returns the position of a red variable, or -1.
func (d *JitDriver) RedIndex(name string) int {
	for i, r := range d.Reds {
		if r == name {
			return i
		}
	}
	return -1
}

// Location renders a green key.
func (d *JitDriver) Location(greens []any) string {
	if d.GetPrintableLocation != nil {
		return d.GetPrintableLocation(greens)
	}
	parts := make([]string, len(greens))
	for i, g := range greens {
		parts[i] = jitcode.RefString(g)
	}
	return d.Name + "(" + strings.Join(parts, ", ") + ")"
}

func (d *JitDriver) String() string { return "<JitDriver " + d.Name + ">" }

// DriverOf returns the driver of a jit_merge_point or can_enter_jit.
func DriverOf(op *flowgraph.Operation) (*JitDriver, bool) {
	if op.Op != flowgraph.OpJitMergePoint && op.Op != flowgraph.OpCanEnterJit {
		return nil, false
	}
	if len(op.Args) == 0 {
		return nil, false
	}
	c, ok := op.Args[0].(*flowgraph.Constant)
	if !ok {
		return nil, false
	}
	d, ok := c.Value.(*JitDriver)
	return d, ok
}

// SplitArgs returns the green and red operands of a marker operation.
func (d *JitDriver) SplitArgs(op *flowgraph.Operation) (greens, reds []flowgraph.Value, err error) {
	args := op.Args[1:]
	if len(args) != len(d.Greens)+len(d.Reds) {
		return nil, nil, fmt.Errorf("%w: %s passes %d values, driver %s declares %d",
			ErrBadDriver, op.Op, len(args), d.Name, len(d.Greens)+len(d.Reds))
	}
	return args[:len(d.Greens)], args[len(d.Greens):], nil
}

// SD is the static data of one portal: the graph containing the driver's
// jit_merge_point and everything derived from it.
type SD struct {
	Index         int
	Driver        *JitDriver
	Portal        *flowgraph.Graph
	PortalJitCode *jitcode.JitCode
	GreenKinds    []flowgraph.Kind
	RedKinds      []flowgraph.Kind
	// VableIndex is the position among the reds of the virtualizable, or -1.
	VableIndex int
	VableType  *flowgraph.StructType
}

// NewSD computes the static data of a portal graph.
func NewSD(index int, portal *flowgraph.Graph) (*SD, error) {
	_, op, ok := FindMergePoint(portal)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoMergePoint, portal.Name)
	}
	d, _ := DriverOf(op)
	if d == nil {
		return nil, fmt.Errorf("%w: jit_merge_point in %s has no driver", ErrBadDriver, portal.Name)
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	greens, reds, err := d.SplitArgs(op)
	if err != nil {
		return nil, err
	}
	sd := &SD{Index: index, Driver: d, Portal: portal, VableIndex: -1}
	for _, g := range greens {
		sd.GreenKinds = append(sd.GreenKinds, g.Kind())
	}
	for _, r := range reds {
		sd.RedKinds = append(sd.RedKinds, r.Kind())
	}
	if len(d.Virtualizables) == 1 {
		sd.VableIndex = d.RedIndex(d.Virtualizables[0])
		st, _ := flowgraph.StaticType(reds[sd.VableIndex]).(*flowgraph.StructType)
		if st == nil || st.VirtualizableRoot() == nil {
			return nil, fmt.Errorf("%w: red %q is not statically a virtualizable",
				ErrBadDriver, d.Virtualizables[0])
		}
		sd.VableType = st
	}
	return sd, nil
}

// FindMergePoint returns the block and operation of a graph's
// jit_merge_point.
func FindMergePoint(g *flowgraph.Graph) (*flowgraph.Block, *flowgraph.Operation, bool) {
	for _, b := range g.Blocks() {
		for _, op := range b.Operations {
			if op.Op == flowgraph.OpJitMergePoint {
				return b, op, true
			}
		}
	}
	return nil, nil, false
}
