// Package warmstate decides, at every jit_merge_point, whether to keep
// interpreting, start tracing, or enter compiled code. Each green key has
// a JitCell counting hits towards the threshold; once the key is hot the
// tracer produces an entry token that later hits execute.
//
// A WarmEnterState is owned by one logical thread of the interpreted
// program and is not safe for concurrent use.
package warmstate

import (
	"errors"
	"fmt"

	"github.com/tliron/commonlog"

	"github.com/chazu/metajit/blackhole"
	"github.com/chazu/metajit/cpu"
	"github.com/chazu/metajit/jitdriver"
	"github.com/chazu/metajit/params"
)

var log = commonlog.GetLogger("metajit.warmstate")

// counterLimit is the ceiling hit counters saturate at. A threshold of T
// hits becomes an increment of counterLimit/T + 1.
const counterLimit int64 = 1 << 30

// ErrAbort is returned by tracers that give up on a loop.
var ErrAbort = errors.New("warmstate: trace aborted")

// Tracer compiles the loop starting at a hot merge point.
type Tracer interface {
	Trace(sd *jitdriver.SD, greens, reds []any) (*cpu.LoopToken, error)
}

// BytecodeTracer compiles loops straight from the portal jitcode: the
// trace is the portal entered at its merge point with the greens fixed.
type BytecodeTracer struct {
	CPU        cpu.Executor
	TraceLimit int
}

// Trace implements Tracer.
func (t *BytecodeTracer) Trace(sd *jitdriver.SD, greens, reds []any) (*cpu.LoopToken, error) {
	jc := sd.PortalJitCode
	if jc == nil || !jc.Ready() {
		return nil, fmt.Errorf("%w: portal of %s is not compiled", ErrAbort, sd.Driver.Name)
	}
	if jc.MergePointPC < 0 {
		return nil, fmt.Errorf("%w: %s has no merge point", ErrAbort, jc.Name)
	}
	if t.TraceLimit > 0 && len(jc.Code) > t.TraceLimit {
		return nil, fmt.Errorf("%w: %s is %d bytes, over the trace limit %d", ErrAbort, jc.Name, len(jc.Code), t.TraceLimit)
	}
	tr := &cpu.Trace{
		Portal:       jc,
		MergePointPC: jc.MergePointPC,
		DriverIndex:  sd.Index,
		Greens:       append([]any(nil), greens...),
		RedKinds:     sd.RedKinds,
		VableIndex:   sd.VableIndex,
		VableType:    sd.VableType,
	}
	return t.CPU.CompileLoop(tr)
}

// Stats counts warm-up events.
type Stats struct {
	Cells        int
	Interpreting int
	Tracing      int
	Stable       int

	Traces     uint64 // tracer invocations
	Aborts     uint64 // traces that failed
	Declined   uint64 // hot hits vetoed by ConfirmEnterJit
	Reentrant  uint64 // hits on a key already being traced
	Executions uint64 // entries into compiled code
	Collected  uint64 // stable cells whose token was gone
}

// WarmEnterState is the warm-up gate of one driver.
type WarmEnterState struct {
	SD     *jitdriver.SD
	CPU    cpu.Executor
	Tracer Tracer
	Tokens *TokenArena

	increment int64
	decay     int64

	cells map[uint64][]*JitCell
	stats Stats
}

// New creates the gate of a driver. A nil p gets the defaults; the tracer
// is a BytecodeTracer over c.
func New(sd *jitdriver.SD, c cpu.Executor, p *params.Params) *WarmEnterState {
	w := &WarmEnterState{
		SD:     sd,
		CPU:    c,
		Tracer: &BytecodeTracer{CPU: c},
		Tokens: &TokenArena{},
		cells:  make(map[uint64][]*JitCell),
	}
	w.SetParams(p)
	return w
}

// SetParams applies the threshold, trace limit and decay. Counters of
// existing cells are kept.
func (w *WarmEnterState) SetParams(p *params.Params) {
	if p == nil {
		p = params.Default()
	}
	if p.Threshold <= 0 {
		w.increment = 0
	} else {
		w.increment = counterLimit/int64(p.Threshold) + 1
	}
	w.decay = int64(p.Decay)
	if bt, ok := w.Tracer.(*BytecodeTracer); ok {
		bt.TraceLimit = p.TraceLimit
	}
}

// Cell returns the cell of a green key, creating it on first use.
func (w *WarmEnterState) Cell(greens []any) *JitCell {
	h := hashGreens(greens)
	for _, c := range w.cells[h] {
		if equalGreens(c.Greens, greens) {
			return c
		}
	}
	c := &JitCell{Greens: append([]any(nil), greens...), hash: h}
	w.cells[h] = append(w.cells[h], c)
	return c
}

// Lookup returns the cell of a green key without creating it.
func (w *WarmEnterState) Lookup(greens []any) (*JitCell, bool) {
	for _, c := range w.cells[hashGreens(greens)] {
		if equalGreens(c.Greens, greens) {
			return c, true
		}
	}
	return nil, false
}

func (w *WarmEnterState) location(greens []any) string {
	return w.SD.Driver.Location(greens)
}

// MaybeCompileAndRun handles one merge point hit. A nil Exit means the
// interpreter continues; otherwise compiled code ran the loop to its end
// and Exit holds the portal's result. Exceptions raised by compiled code
// are returned as the interpreted program's exception. Tracer failures
// never surface: they reset the cell.
func (w *WarmEnterState) MaybeCompileAndRun(greens, reds []any) (*blackhole.Exit, error) {
	cell := w.Cell(greens)
	switch cell.state {
	case Stable:
		tok, ok := w.Tokens.Get(cell.token)
		if !ok || tok.Target().Freed() {
			log.Debugf("entry token of %s was collected", w.location(greens))
			cell.reset()
			w.stats.Collected++
			return nil, nil
		}
		res, err := w.CPU.Execute(tok, greens, reds)
		if err != nil {
			return nil, err
		}
		w.stats.Executions++
		if res.Exception != nil {
			return nil, res.Exception
		}
		return &blackhole.Exit{Value: res.Value}, nil

	case Tracing:
		// the tracer reached this key again; keep interpreting
		w.stats.Reentrant++
		return nil, nil
	}

	if cell.DontTraceHere || w.increment == 0 {
		return nil, nil
	}
	cell.counter += w.increment
	if cell.counter < counterLimit {
		return nil, nil
	}
	cell.counter = counterLimit
	if confirm := w.SD.Driver.ConfirmEnterJit; confirm != nil && !confirm(greens, reds) {
		cell.counter = 0
		w.stats.Declined++
		return nil, nil
	}

	log.Infof("tracing %s", w.location(greens))
	cell.state = Tracing
	w.stats.Traces++
	tok, err := w.Tracer.Trace(w.SD, greens, reds)
	if err != nil {
		log.Infof("trace of %s aborted: %s", w.location(greens), err.Error())
		cell.reset()
		w.stats.Aborts++
		return nil, nil
	}
	cell.state = Stable
	cell.token = w.Tokens.Add(tok)
	log.Infof("%s is stable, entering %s", w.location(greens), tok)
	return nil, nil
}

// ReplaceEntry installs tok as the entry of a green key. Compiled code
// that enters the previous token is redirected to tok first.
func (w *WarmEnterState) ReplaceEntry(greens []any, tok *cpu.LoopToken) error {
	cell := w.Cell(greens)
	if cell.state == Stable {
		if old, ok := w.Tokens.Get(cell.token); ok && old != tok {
			if err := w.CPU.Redirect(old, tok); err != nil {
				return err
			}
			w.Tokens.Release(cell.token)
		}
	}
	cell.state = Stable
	cell.counter = 0
	cell.token = w.Tokens.Add(tok)
	return nil
}

// DecayCounters shrinks the counters of interpreting cells by the
// per-mille decay, so keys that stop being hot drift back.
func (w *WarmEnterState) DecayCounters() {
	if w.decay == 0 {
		return
	}
	for _, bucket := range w.cells {
		for _, c := range bucket {
			if c.state == Interpreting {
				c.counter = c.counter * (1000 - w.decay) / 1000
			}
		}
	}
}

// Stats returns the current counts.
func (w *WarmEnterState) Stats() Stats {
	s := w.stats
	for _, bucket := range w.cells {
		for _, c := range bucket {
			s.Cells++
			switch c.state {
			case Interpreting:
				s.Interpreting++
			case Tracing:
				s.Tracing++
			case Stable:
				s.Stable++
			}
		}
	}
	return s
}

// MergePoint dispatches the merge point hits of an interpreter to the
// gates of its drivers, indexed by driver.
func MergePoint(gates ...*WarmEnterState) blackhole.MergePointFunc {
	byIndex := map[int]*WarmEnterState{}
	for _, g := range gates {
		byIndex[g.SD.Index] = g
	}
	return func(driver int, greens, reds []any) (*blackhole.Exit, error) {
		g, ok := byIndex[driver]
		if !ok {
			return nil, nil
		}
		return g.MaybeCompileAndRun(greens, reds)
	}
}
