package main

import (
	"fmt"
	"os"

	"github.com/chazu/metajit/blackhole"
	"github.com/chazu/metajit/codewriter"
	"github.com/chazu/metajit/flowgraph"
	"github.com/chazu/metajit/jitcode"
	"github.com/chazu/metajit/jitdriver"
	"github.com/chazu/metajit/llgraph"
	"github.com/chazu/metajit/params"
	"github.com/chazu/metajit/warmstate"
)

// demoPortal is the interpreter loop of the demo:
//
//	sum(step, n, acc): loop { jit_merge_point(step; n, acc); if n <= 0 break; acc += n; n -= step }; return acc
func demoPortal() *flowgraph.Graph {
	d := &jitdriver.JitDriver{
		Name:   "sum",
		Greens: []string{"step"},
		Reds:   []string{"n", "acc"},
		GetPrintableLocation: func(greens []any) string {
			return fmt.Sprintf("sum loop, step %d", flowgraph.ToInt(greens[0]))
		},
	}
	b := flowgraph.NewBuilder("sum", flowgraph.Int)
	k0, n0, a0 := b.Var("step", flowgraph.Int), b.Var("n", flowgraph.Int), b.Var("acc", flowgraph.Int)
	start := b.Start(k0, n0, a0)
	k1, n1, a1 := b.Var("step", flowgraph.Int), b.Var("n", flowgraph.Int), b.Var("acc", flowgraph.Int)
	header := b.Block(k1, n1, a1)
	k2, n2, a2 := b.Var("step", flowgraph.Int), b.Var("n", flowgraph.Int), b.Var("acc", flowgraph.Int)
	body := b.Block(k2, n2, a2)
	a3 := b.Var("acc", flowgraph.Int)
	exit := b.Block(a3)

	start.Goto(header, k0, n0, a0)
	header.Do(flowgraph.OpJitMergePoint, d, k1, n1, a1)
	cond := header.Op(flowgraph.OpIntGt, n1, 0)
	header.If(cond, body, []any{k1, n1, a1}, exit, []any{a1})
	acc := body.Op(flowgraph.OpIntAdd, a2, n2)
	n := body.Op(flowgraph.OpIntSub, n2, k2)
	body.Do(flowgraph.OpCanEnterJit, d, k2, n, acc)
	body.Goto(header, k2, n, acc)
	exit.Return(a3)
	return b.Graph()
}

func runDemo(p *params.Params, out string) error {
	c := llgraph.New()
	cw, err := codewriter.New(c, c.Vables, p, nil, demoPortal())
	if err != nil {
		return err
	}
	jcs, err := cw.MakeJitCodes()
	if err != nil {
		return err
	}
	for _, jc := range jcs {
		fmt.Print(jc.Disassemble())
		fmt.Println()
	}
	if out != "" {
		data, err := jitcode.MarshalDump(jcs...)
		if err != nil {
			return err
		}
		if err := os.WriteFile(out, data, 0o644); err != nil {
			return fmt.Errorf("cannot write %s: %w", out, err)
		}
		log.Infof("wrote %d jitcodes to %s", len(jcs), out)
	}

	sd := cw.Drivers[0]
	c.Portals = append(c.Portals, sd.PortalJitCode)
	gate := warmstate.New(sd, c, p)

	bh := blackhole.New(c, c.Vables)
	bh.Portals = c.Portals
	bh.MergePoint = warmstate.MergePoint(gate)

	fmt.Printf("; parameters: %s\n", p)
	for _, step := range []int64{1, 2} {
		for _, n := range []int64{10, 100, 1000} {
			got, err := bh.Call(sd.PortalJitCode, step, n, int64(0))
			if err != nil {
				return err
			}
			fmt.Printf("sum(step=%d, n=%d) = %v\n", step, n, got)
		}
	}
	s := gate.Stats()
	fmt.Printf("; cells=%d stable=%d traces=%d aborts=%d executions=%d loops=%d\n",
		s.Cells, s.Stable, s.Traces, s.Aborts, s.Executions, c.Loops())
	return nil
}
