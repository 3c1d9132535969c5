// Package blackhole interprets jitcodes. It runs compiled code in tests,
// serves as the execution engine of the reference CPU, and is the
// fallback interpreter when a trace is abandoned.
package blackhole

import (
	"errors"
	"fmt"

	"github.com/tliron/commonlog"

	"github.com/chazu/metajit/cpu"
	"github.com/chazu/metajit/flowgraph"
	"github.com/chazu/metajit/jitcode"
	"github.com/chazu/metajit/virtualizable"
)

var log = commonlog.GetLogger("metajit.blackhole")

var (
	ErrBadCode   = errors.New("blackhole: malformed jitcode")
	ErrStepLimit = errors.New("blackhole: step limit exceeded")
)

// Exit finishes a portal early with a value computed elsewhere, typically
// by compiled code entered at the merge point.
type Exit struct {
	Value any
}

// MergePointFunc is called at every jit_merge_point with the driver index
// and the green and red values in declaration order. A non-nil Exit makes
// the portal return its value.
type MergePointFunc func(driver int, greens, reds []any) (*Exit, error)

// Interp executes jitcodes against a heap.
type Interp struct {
	Heap   cpu.Heap
	Vables *virtualizable.Registry

	// Portals holds the portal jitcode of each driver, for recursive calls.
	Portals []*jitcode.JitCode

	MergePoint MergePointFunc

	// MaxSteps bounds the number of instructions executed; zero means no
	// limit.
	MaxSteps int

	steps int
}

// New creates an interpreter.
func New(heap cpu.Heap, vables *virtualizable.Registry) *Interp {
	return &Interp{Heap: heap, Vables: vables}
}

// frame is the activation of one jitcode.
type frame struct {
	jc     *jitcode.JitCode
	ints   []int64
	refs   []any
	floats []float64

	pc, next int
	handlers []int
	exc      *flowgraph.LLException

	savedI []int64
	savedR []any
	savedF []float64

	done   bool
	result any
}

func newFrame(jc *jitcode.JitCode) *frame {
	return &frame{
		jc:     jc,
		ints:   make([]int64, jc.NumRegs[0]),
		refs:   make([]any, jc.NumRegs[1]),
		floats: make([]float64, jc.NumRegs[2]),
	}
}

// value reads a register or constant operand.
func (f *frame) value(code byte, idx int) any {
	switch code {
	case 'i':
		if n := len(f.ints); idx >= n {
			return f.jc.ConstantsI[idx-n]
		}
		return f.ints[idx]
	case 'r':
		if n := len(f.refs); idx >= n {
			return f.jc.ConstantsR[idx-n]
		}
		return f.refs[idx]
	default:
		if n := len(f.floats); idx >= n {
			return f.jc.ConstantsF[idx-n]
		}
		return f.floats[idx]
	}
}

func (f *frame) set(code byte, idx int, v any) {
	switch code {
	case 'i':
		f.ints[idx] = flowgraph.ToInt(v)
	case 'r':
		f.refs[idx] = v
	default:
		f.floats[idx] = toFloat(v)
	}
}

func toFloat(v any) float64 {
	if x, ok := v.(float64); ok {
		return x
	}
	return float64(flowgraph.ToInt(v))
}

func lower(list byte) byte { return list - 'A' + 'a' }

// load writes values into the registers named by three kind lists, in
// order. Constant operands take no value from a register and are skipped.
func (f *frame) load(lists []jitcode.Operand, values []any) error {
	n := 0
	for _, l := range lists {
		code := lower(l.Code)
		for _, r := range l.List {
			if n >= len(values) {
				return fmt.Errorf("%w: %s expects more than %d values", ErrBadCode, f.jc.Name, len(values))
			}
			if r < f.bankSize(code) {
				f.set(code, r, values[n])
			}
			n++
		}
	}
	if n != len(values) {
		return fmt.Errorf("%w: %s takes %d values, got %d", ErrBadCode, f.jc.Name, n, len(values))
	}
	return nil
}

func (f *frame) bankSize(code byte) int {
	switch code {
	case 'i':
		return len(f.ints)
	case 'r':
		return len(f.refs)
	}
	return len(f.floats)
}

func (f *frame) start(ints []int64, refs []any, floats []float64) error {
	if len(ints) > len(f.ints) || len(refs) > len(f.refs) || len(floats) > len(f.floats) {
		return fmt.Errorf("%w: too many arguments for %s", ErrBadCode, f.jc.Name)
	}
	copy(f.ints, ints)
	copy(f.refs, refs)
	copy(f.floats, floats)
	return nil
}

// Run executes jc from its start with the given arguments, which fill the
// registers of each kind from 0.
func (bh *Interp) Run(jc *jitcode.JitCode, ints []int64, refs []any, floats []float64) (any, error) {
	if !jc.Ready() {
		return nil, fmt.Errorf("%w: %s is not assembled", ErrBadCode, jc.Name)
	}
	f := newFrame(jc)
	if err := f.start(ints, refs, floats); err != nil {
		return nil, err
	}
	return bh.run(f)
}

// Call executes jc with arguments in the order of its graph's parameters.
func (bh *Interp) Call(jc *jitcode.JitCode, args ...any) (any, error) {
	if jc.Graph == nil {
		return nil, fmt.Errorf("%w: %s has no graph to take parameter kinds from", ErrBadCode, jc.Name)
	}
	params := jc.Graph.Startblock.Inputargs
	if len(args) != len(params) {
		return nil, fmt.Errorf("%w: %s takes %d arguments, got %d", ErrBadCode, jc.Name, len(params), len(args))
	}
	var ints []int64
	var refs []any
	var floats []float64
	for i, p := range params {
		switch p.Kind() {
		case flowgraph.Int:
			ints = append(ints, flowgraph.ToInt(args[i]))
		case flowgraph.Ref:
			refs = append(refs, args[i])
		case flowgraph.Float:
			floats = append(floats, toFloat(args[i]))
		}
	}
	return bh.Run(jc, ints, refs, floats)
}

// RunLoop enters a portal jitcode just after its jit_merge_point, with the
// greens and reds loaded into the registers the merge point names, and
// runs it until the portal returns.
func (bh *Interp) RunLoop(jc *jitcode.JitCode, greens, reds []any) (any, error) {
	if !jc.Ready() || jc.MergePointPC < 0 {
		return nil, fmt.Errorf("%w: %s has no merge point", ErrBadCode, jc.Name)
	}
	mp, err := jitcode.DecodeAt(jc.Code, jc.MergePointPC)
	if err != nil {
		return nil, err
	}
	f := newFrame(jc)
	if err := f.load(mp.Args[1:4], greens); err != nil {
		return nil, err
	}
	if err := f.load(mp.Args[4:7], reds); err != nil {
		return nil, err
	}
	f.pc = mp.Next
	log.Debugf("entering %s after its merge point at %d", jc.Name, jc.MergePointPC)
	return bh.run(f)
}

func (bh *Interp) run(f *frame) (any, error) {
	code, err := f.jc.Decode()
	if err != nil {
		return nil, err
	}
	for !f.done {
		i, ok := f.jc.IndexOf(f.pc)
		if !ok {
			return nil, fmt.Errorf("%w: no instruction at %d in %s", ErrBadCode, f.pc, f.jc.Name)
		}
		in := &code[i]
		f.next = in.Next
		if bh.MaxSteps > 0 {
			bh.steps++
			if bh.steps > bh.MaxSteps {
				return nil, ErrStepLimit
			}
		}
		if err := bh.step(f, in); err != nil {
			var exc *flowgraph.LLException
			if !errors.As(err, &exc) || len(f.handlers) == 0 {
				return nil, err
			}
			n := len(f.handlers)
			f.next = f.handlers[n-1]
			f.handlers = f.handlers[:n-1]
			f.exc = exc
		}
		f.pc = f.next
	}
	return f.result, nil
}

func (bh *Interp) step(f *frame, in *jitcode.Instruction) error {
	args := make([]any, len(in.Args))
	for i, op := range in.Args {
		switch op.Code {
		case 'i', 'r', 'f':
			args[i] = f.value(op.Code, int(op.Value))
		case 'c':
			args[i] = op.Value
		case 'L':
			args[i] = int(op.Value)
		case 'd':
			args[i] = f.jc.Descrs[op.Value]
		case 'I', 'R', 'F':
			code := lower(op.Code)
			vs := make([]any, len(op.List))
			for j, r := range op.List {
				vs[j] = f.value(code, r)
			}
			args[i] = vs
		}
	}
	res, err := table[in.Op](bh, f, args)
	if err != nil {
		return err
	}
	if in.Info.HasResult() {
		f.set(in.Info.Result, in.Result, res)
	}
	return nil
}
