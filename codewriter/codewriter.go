// Package codewriter compiles interpreter graphs into jitcodes. Each graph
// goes through the same pipeline: a private copy is transformed into
// kind-specialized instructions, registers are allocated per kind, the
// blocks are flattened into linear code, liveness is computed at every
// point where a backend may need to rebuild interpreter state, and the
// result is assembled into bytes.
package codewriter

import (
	"errors"
	"fmt"

	"github.com/tliron/commonlog"

	"github.com/chazu/metajit/callcontrol"
	"github.com/chazu/metajit/cpu"
	"github.com/chazu/metajit/effectinfo"
	"github.com/chazu/metajit/flowgraph"
	"github.com/chazu/metajit/jitcode"
	"github.com/chazu/metajit/jitdriver"
	"github.com/chazu/metajit/params"
	"github.com/chazu/metajit/virtualizable"
)

var log = commonlog.GetLogger("metajit.codewriter")

var (
	// ErrNotSupported is returned by builtin handlers for calls they cannot
	// specialize. It never leaves the package: such calls become residual.
	ErrNotSupported = errors.New("codewriter: not supported")

	ErrArrayEscaped       = errors.New("codewriter: virtualizable array escaped its block")
	ErrMergePointOrder    = errors.New("codewriter: jit_merge_point arguments not ordered int, ref, float")
	ErrMergePointLiveness = errors.New("codewriter: value live across jit_merge_point is not a green or red")
	ErrNotPortal          = errors.New("codewriter: jit marker outside its portal")
	ErrUnknownInsn        = errors.New("codewriter: instruction not in catalog")
	ErrUntypedAccess      = errors.New("codewriter: heap access on a value without static type")
)

// CompileError is a fatal error in an input graph.
type CompileError struct {
	Graph string
	Block int    // index in the graph's block order, -1 if unknown
	Op    string // offending operation, empty if none
	Err   error
}

func (e *CompileError) Error() string {
	s := "codewriter: " + e.Graph
	if e.Block >= 0 {
		s += fmt.Sprintf(", block %d", e.Block)
	}
	if e.Op != "" {
		s += ", " + e.Op
	}
	return s + ": " + e.Err.Error()
}

func (e *CompileError) Unwrap() error { return e.Err }

// CodeWriter is one compilation session: the portals being compiled, the
// call classifier with its jitcode registry, and the descriptor tables.
type CodeWriter struct {
	Describer   cpu.Describer
	CallControl *callcontrol.CallControl
	Vables      *virtualizable.Registry
	Params      *params.Params
	Drivers     []*jitdriver.SD
}

// New creates a compilation session for the given portal graphs. A nil
// vables registry, params or policy gets the default.
func New(describer cpu.Describer, vables *virtualizable.Registry, p *params.Params,
	policy callcontrol.Policy, portals ...*flowgraph.Graph) (*CodeWriter, error) {
	if p == nil {
		p = params.Default()
	}
	if vables == nil {
		vables = virtualizable.NewRegistry(describer)
	}
	if policy == nil {
		policy = callcontrol.DefaultPolicy{SupportsFloats: p.EnableFloats}
	}
	summarizer := effectinfo.NewSummarizer(effectinfo.NewCache())
	cw := &CodeWriter{
		Describer:   describer,
		CallControl: callcontrol.New(policy, describer, summarizer, portals...),
		Vables:      vables,
		Params:      p,
	}
	for i, portal := range portals {
		sd, err := jitdriver.NewSD(i, portal)
		if err != nil {
			return nil, err
		}
		if sd.VableType != nil {
			if _, err := vables.Describe(sd.VableType); err != nil {
				return nil, err
			}
		}
		cw.Drivers = append(cw.Drivers, sd)
	}
	return cw, nil
}

func (cw *CodeWriter) driverOf(d *jitdriver.JitDriver) *jitdriver.SD {
	for _, sd := range cw.Drivers {
		if sd.Driver == d {
			return sd
		}
	}
	return nil
}

func (cw *CodeWriter) portalSD(g *flowgraph.Graph) *jitdriver.SD {
	for _, sd := range cw.Drivers {
		if sd.Portal == g {
			return sd
		}
	}
	return nil
}

// MakeJitCodes compiles every portal and every graph reachable from them
// through inlined calls. Jitcodes are returned in request order, portals
// first.
func (cw *CodeWriter) MakeJitCodes() ([]*jitcode.JitCode, error) {
	for _, sd := range cw.Drivers {
		sd.PortalJitCode = cw.CallControl.GetJitCode(sd.Portal)
	}
	for g, jc := range cw.CallControl.EnumPendingGraphs() {
		if jc.Ready() {
			continue
		}
		if err := cw.compileInto(g, jc); err != nil {
			return nil, err
		}
	}
	jcs := cw.CallControl.JitCodes()
	log.Infof("compiled %d jitcodes", len(jcs))
	return jcs, nil
}

// Compile compiles one graph into its jitcode. Callees it inlines are
// only queued; MakeJitCodes compiles them.
func (cw *CodeWriter) Compile(g *flowgraph.Graph) (*jitcode.JitCode, error) {
	jc := cw.CallControl.GetJitCode(g)
	if jc.Ready() {
		return jc, nil
	}
	if err := cw.compileInto(g, jc); err != nil {
		return nil, err
	}
	return jc, nil
}

func (cw *CodeWriter) compileInto(g *flowgraph.Graph, jc *jitcode.JitCode) error {
	lg, err := cw.transform(g)
	if err != nil {
		return err
	}
	regs := allocateRegisters(lg)
	code := flatten(lg, regs, cw.Params.SwitchDictMinCases)
	if err := computeLiveness(code, regs); err != nil {
		return &CompileError{Graph: g.Name, Block: -1, Err: err}
	}
	asm, err := assemble(code, regs)
	if err != nil {
		return &CompileError{Graph: g.Name, Block: -1, Err: err}
	}
	if err := jc.Setup(asm); err != nil {
		return err
	}
	log.Debugf("compiled %s: %d bytes, registers i=%d r=%d f=%d",
		g.Name, len(asm.Code), asm.NumRegs[0], asm.NumRegs[1], asm.NumRegs[2])
	return nil
}
