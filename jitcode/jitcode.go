// Package jitcode defines the compiled bytecode unit of the JIT front end:
// the opcode catalog shared by every jitcode, the operand encoding, the
// liveness table, and the dump format.
package jitcode

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/chazu/metajit/flowgraph"
)

// Descr is an operand descriptor referenced by 'd' argument codes.
type Descr interface {
	DescrName() string
}

// LiveSet lists the registers live at one liveness point, per kind.
type LiveSet struct {
	PC   int      `cbor:"pc"`
	Regs [3][]int `cbor:"regs"` // indexed by Kind.Bank(), sorted
}

// JitCode is the compiled form of one graph. It is created as an empty
// shell when first referenced and filled in once by Setup; after that it is
// immutable.
type JitCode struct {
	Name       string
	Code       []byte
	ConstantsI []int64
	ConstantsR []any
	ConstantsF []float64
	Descrs     []Descr
	NumRegs    [3]int // per kind, indexed by Kind.Bank()
	Liveness   []LiveSet
	// MergePointPC is the offset of the jit_merge_point, or -1.
	MergePointPC int
	Graph        *flowgraph.Graph

	decodeOnce sync.Once
	decoded    []Instruction
	byPC       map[int]int
	decodeErr  error
}

// NewShell creates an empty jitcode to be filled in later.
func NewShell(name string, g *flowgraph.Graph) *JitCode {
	return &JitCode{Name: name, Graph: g, MergePointPC: -1}
}

// Assembled is the output of the assembler for one jitcode.
type Assembled struct {
	Code         []byte
	ConstantsI   []int64
	ConstantsR   []any
	ConstantsF   []float64
	Descrs       []Descr
	NumRegs      [3]int
	Liveness     []LiveSet
	MergePointPC int
}

// ErrAlreadySetUp is returned when Setup is called twice.
var ErrAlreadySetUp = errors.New("jitcode: already set up")

// Setup fills in a shell.
func (jc *JitCode) Setup(a *Assembled) error {
	if jc.Code != nil {
		return fmt.Errorf("%w: %s", ErrAlreadySetUp, jc.Name)
	}
	jc.Code = a.Code
	jc.ConstantsI = a.ConstantsI
	jc.ConstantsR = a.ConstantsR
	jc.ConstantsF = a.ConstantsF
	jc.Descrs = a.Descrs
	jc.NumRegs = a.NumRegs
	jc.Liveness = a.Liveness
	jc.MergePointPC = a.MergePointPC
	return nil
}

// Ready reports whether the jitcode has been assembled.
func (jc *JitCode) Ready() bool { return jc.Code != nil }

// DescrName implements Descr; jitcodes are the descriptors of inline calls.
func (jc *JitCode) DescrName() string { return "<JitCode " + jc.Name + ">" }

func (jc *JitCode) String() string { return jc.DescrName() }

// NumRegsOf returns the number of registers of a kind.
func (jc *JitCode) NumRegsOf(k flowgraph.Kind) int { return jc.NumRegs[k.Bank()] }

// NumConstantsOf returns the size of a kind's constant pool.
func (jc *JitCode) NumConstantsOf(k flowgraph.Kind) int {
	switch k {
	case flowgraph.Int:
		return len(jc.ConstantsI)
	case flowgraph.Ref:
		return len(jc.ConstantsR)
	case flowgraph.Float:
		return len(jc.ConstantsF)
	}
	return 0
}

// LiveAt returns the liveness recorded at pc.
func (jc *JitCode) LiveAt(pc int) (LiveSet, bool) {
	i := sort.Search(len(jc.Liveness), func(i int) bool { return jc.Liveness[i].PC >= pc })
	if i < len(jc.Liveness) && jc.Liveness[i].PC == pc {
		return jc.Liveness[i], true
	}
	return LiveSet{}, false
}

// ============================================================================
// Operand encoding
// ============================================================================

// MaxLabel is the largest offset a 3-byte label can hold.
const MaxLabel = 1<<24 - 1

// AppendUvarint appends an unsigned operand.
func AppendUvarint(b []byte, v uint64) []byte { return binary.AppendUvarint(b, v) }

// AppendVarint appends a signed immediate, zigzag encoded.
func AppendVarint(b []byte, v int64) []byte { return binary.AppendVarint(b, v) }

// AppendLabel appends a 3-byte big-endian absolute offset.
func AppendLabel(b []byte, target int) []byte {
	return append(b, byte(target>>16), byte(target>>8), byte(target))
}

// PutLabel patches a 3-byte label at pos.
func PutLabel(b []byte, pos, target int) {
	b[pos] = byte(target >> 16)
	b[pos+1] = byte(target >> 8)
	b[pos+2] = byte(target)
}

// ReadLabel reads a 3-byte label at pos.
func ReadLabel(b []byte, pos int) int {
	return int(b[pos])<<16 | int(b[pos+1])<<8 | int(b[pos+2])
}

// ErrTruncated is returned when an instruction runs past the end of code.
var ErrTruncated = errors.New("jitcode: truncated instruction")

// ErrBadOpcode is returned for bytes that are not catalog opcodes.
var ErrBadOpcode = errors.New("jitcode: unknown opcode")

// Operand is one decoded argument.
type Operand struct {
	Code  byte  // argument code from the catalog key
	Value int64 // register/constant index, immediate, descr index or label
	List  []int // for I, R and F
}

// Instruction is one decoded instruction.
type Instruction struct {
	PC     int
	Next   int
	Op     uint8
	Info   InsnInfo
	Args   []Operand
	Result int // result register, -1 if none
}

// DecodeAt decodes the instruction at pc.
func DecodeAt(code []byte, pc int) (Instruction, error) {
	if pc >= len(code) {
		return Instruction{}, ErrTruncated
	}
	info, ok := Insn(code[pc])
	if !ok {
		return Instruction{}, fmt.Errorf("%w %d at %d", ErrBadOpcode, code[pc], pc)
	}
	in := Instruction{PC: pc, Op: code[pc], Info: info, Result: -1}
	p := pc + 1
	uvar := func() (uint64, error) {
		v, n := binary.Uvarint(code[p:])
		if n <= 0 {
			return 0, fmt.Errorf("%w: %s at %d", ErrTruncated, info.Key, pc)
		}
		p += n
		return v, nil
	}
	for i := 0; i < len(info.Args); i++ {
		c := info.Args[i]
		op := Operand{Code: c}
		switch c {
		case 'i', 'r', 'f', 'd':
			v, err := uvar()
			if err != nil {
				return in, err
			}
			op.Value = int64(v)
		case 'c':
			v, n := binary.Varint(code[p:])
			if n <= 0 {
				return in, fmt.Errorf("%w: %s at %d", ErrTruncated, info.Key, pc)
			}
			p += n
			op.Value = v
		case 'L':
			if p+3 > len(code) {
				return in, fmt.Errorf("%w: %s at %d", ErrTruncated, info.Key, pc)
			}
			op.Value = int64(ReadLabel(code, p))
			p += 3
		case 'I', 'R', 'F':
			n, err := uvar()
			if err != nil {
				return in, err
			}
			op.List = make([]int, n)
			for j := range op.List {
				v, err := uvar()
				if err != nil {
					return in, err
				}
				op.List[j] = int(v)
			}
		default:
			panic("jitcode: bad argcode in " + info.Key)
		}
		in.Args = append(in.Args, op)
	}
	if info.HasResult() {
		v, err := uvar()
		if err != nil {
			return in, err
		}
		in.Result = int(v)
	}
	in.Next = p
	return in, nil
}

// Decode returns every instruction of an assembled jitcode. The result is
// computed once and shared.
func (jc *JitCode) Decode() ([]Instruction, error) {
	jc.decodeOnce.Do(func() {
		jc.byPC = make(map[int]int)
		for pc := 0; pc < len(jc.Code); {
			in, err := DecodeAt(jc.Code, pc)
			if err != nil {
				jc.decodeErr = err
				return
			}
			jc.byPC[pc] = len(jc.decoded)
			jc.decoded = append(jc.decoded, in)
			pc = in.Next
		}
	})
	return jc.decoded, jc.decodeErr
}

// IndexOf returns the position in Decode() of the instruction at pc.
func (jc *JitCode) IndexOf(pc int) (int, bool) {
	if _, err := jc.Decode(); err != nil {
		return 0, false
	}
	i, ok := jc.byPC[pc]
	return i, ok
}
