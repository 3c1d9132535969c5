package jitcode

import (
	"fmt"
	"slices"
	"strings"

	"github.com/chazu/metajit/flowgraph"
)

// Disassemble returns a human-readable listing of the jitcode.
func (jc *JitCode) Disassemble() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("; === %s ===\n", jc.Name))
	sb.WriteString(fmt.Sprintf("; Registers: i=%d r=%d f=%d\n", jc.NumRegs[0], jc.NumRegs[1], jc.NumRegs[2]))
	if jc.MergePointPC >= 0 {
		sb.WriteString(fmt.Sprintf("; Merge point: %04X\n", jc.MergePointPC))
	}
	sb.WriteString("\n")

	if len(jc.ConstantsI)+len(jc.ConstantsR)+len(jc.ConstantsF) > 0 {
		sb.WriteString("; Constants:\n")
		for i, c := range jc.ConstantsI {
			sb.WriteString(fmt.Sprintf(";   $i%d = %d\n", i, c))
		}
		for i, c := range jc.ConstantsR {
			sb.WriteString(fmt.Sprintf(";   $r%d = %s\n", i, RefString(c)))
		}
		for i, c := range jc.ConstantsF {
			sb.WriteString(fmt.Sprintf(";   $f%d = %g\n", i, c))
		}
		sb.WriteString("\n")
	}
	if len(jc.Descrs) > 0 {
		sb.WriteString("; Descrs:\n")
		for i, d := range jc.Descrs {
			sb.WriteString(fmt.Sprintf(";   [%3d] %s\n", i, d.DescrName()))
		}
		sb.WriteString("\n")
	}

	// Labels: every L operand and every switch case target.
	labels := map[int]bool{}
	insns, err := jc.Decode()
	for _, in := range insns {
		for _, a := range in.Args {
			if a.Code == 'L' {
				labels[int(a.Value)] = true
			}
			if a.Code == 'd' && int(a.Value) < len(jc.Descrs) {
				if sd, ok := jc.Descrs[a.Value].(*SwitchDictDescr); ok {
					for _, t := range sd.Cases {
						labels[t] = true
					}
				}
			}
		}
	}

	sb.WriteString("; Code:\n")
	for _, in := range insns {
		if labels[in.PC] {
			sb.WriteString(fmt.Sprintf("L%d:\n", in.PC))
		}
		if live, ok := jc.LiveAt(in.PC); ok {
			sb.WriteString("      -live- " + jc.formatLive(live) + "\n")
		}
		sb.WriteString(fmt.Sprintf("%04X  %s\n", in.PC, jc.formatInsn(in)))
	}
	if live, ok := jc.LiveAt(len(jc.Code)); ok {
		sb.WriteString("      -live- " + jc.formatLive(live) + "\n")
	}
	if err != nil {
		sb.WriteString(fmt.Sprintf("; error: %v\n", err))
	}
	return sb.String()
}

func (jc *JitCode) formatLive(l LiveSet) string {
	var parts []string
	for bank, regs := range l.Regs {
		c := flowgraph.KindOfBank(bank).Char()
		for _, r := range regs {
			parts = append(parts, fmt.Sprintf("%%%c%d", c, r))
		}
	}
	return strings.Join(parts, ", ")
}

func (jc *JitCode) formatOperand(kind byte, idx int) string {
	var k flowgraph.Kind
	switch kind {
	case 'i', 'I':
		k = flowgraph.Int
	case 'r', 'R':
		k = flowgraph.Ref
	default:
		k = flowgraph.Float
	}
	n := jc.NumRegsOf(k)
	if idx < n {
		return fmt.Sprintf("%%%c%d", k.Char(), idx)
	}
	ci := idx - n
	switch k {
	case flowgraph.Int:
		if ci < len(jc.ConstantsI) {
			return fmt.Sprintf("$%d", jc.ConstantsI[ci])
		}
	case flowgraph.Ref:
		if ci < len(jc.ConstantsR) {
			return "$" + RefString(jc.ConstantsR[ci])
		}
	case flowgraph.Float:
		if ci < len(jc.ConstantsF) {
			return fmt.Sprintf("$%g", jc.ConstantsF[ci])
		}
	}
	return fmt.Sprintf("$%c?%d", k.Char(), ci)
}

func (jc *JitCode) formatInsn(in Instruction) string {
	parts := make([]string, 0, len(in.Args))
	for _, a := range in.Args {
		switch a.Code {
		case 'i', 'r', 'f':
			parts = append(parts, jc.formatOperand(a.Code, int(a.Value)))
		case 'c':
			parts = append(parts, fmt.Sprintf("%d", a.Value))
		case 'd':
			if int(a.Value) < len(jc.Descrs) {
				parts = append(parts, jc.Descrs[a.Value].DescrName())
			} else {
				parts = append(parts, fmt.Sprintf("<descr %d>", a.Value))
			}
		case 'L':
			parts = append(parts, fmt.Sprintf("L%d", a.Value))
		case 'I', 'R', 'F':
			items := make([]string, len(a.List))
			for i, v := range a.List {
				items[i] = jc.formatOperand(a.Code, v)
			}
			parts = append(parts, fmt.Sprintf("%c[%s]", a.Code, strings.Join(items, ", ")))
		}
	}
	s := in.Info.Name
	if len(parts) > 0 {
		s += " " + strings.Join(parts, ", ")
	}
	if in.Result >= 0 {
		s += fmt.Sprintf(" -> %%%c%d", in.Info.Result, in.Result)
	}
	return s
}

// Labels returns the sorted offsets that are jump targets.
func (jc *JitCode) Labels() []int {
	insns, _ := jc.Decode()
	seen := map[int]bool{}
	var out []int
	for _, in := range insns {
		for _, a := range in.Args {
			if a.Code == 'L' && !seen[int(a.Value)] {
				seen[int(a.Value)] = true
				out = append(out, int(a.Value))
			}
		}
	}
	slices.Sort(out)
	return out
}
