package jitcode

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("jitcode: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// Dump is the serialized form of a jitcode. Reference constants and
// descriptors are kept as their printed names.
type Dump struct {
	Catalog      uint64    `cbor:"catalog"`
	Name         string    `cbor:"name"`
	Code         []byte    `cbor:"code"`
	ConstantsI   []int64   `cbor:"consts_i"`
	ConstantsR   []string  `cbor:"consts_r"`
	ConstantsF   []float64 `cbor:"consts_f"`
	Descrs       []string  `cbor:"descrs"`
	NumRegs      [3]int    `cbor:"num_regs"`
	Liveness     []LiveSet `cbor:"liveness"`
	MergePointPC int       `cbor:"merge_point_pc"`
}

// ErrCatalogMismatch is returned when a dump was made with another catalog.
var ErrCatalogMismatch = errors.New("jitcode: dump made with a different opcode catalog")

// ToDump converts an assembled jitcode into its serialized form.
func (jc *JitCode) ToDump() *Dump {
	d := &Dump{
		Catalog:      CatalogHash(),
		Name:         jc.Name,
		Code:         jc.Code,
		ConstantsI:   jc.ConstantsI,
		ConstantsF:   jc.ConstantsF,
		NumRegs:      jc.NumRegs,
		Liveness:     jc.Liveness,
		MergePointPC: jc.MergePointPC,
	}
	for _, c := range jc.ConstantsR {
		d.ConstantsR = append(d.ConstantsR, RefString(c))
	}
	for _, ds := range jc.Descrs {
		d.Descrs = append(d.Descrs, ds.DescrName())
	}
	return d
}

// JitCode rebuilds a jitcode from a dump, suitable for disassembly.
func (d *Dump) JitCode() *JitCode {
	jc := &JitCode{
		Name:         d.Name,
		Code:         d.Code,
		ConstantsI:   d.ConstantsI,
		ConstantsF:   d.ConstantsF,
		NumRegs:      d.NumRegs,
		Liveness:     d.Liveness,
		MergePointPC: d.MergePointPC,
	}
	for _, c := range d.ConstantsR {
		jc.ConstantsR = append(jc.ConstantsR, NamedDescr(c))
	}
	for _, name := range d.Descrs {
		jc.Descrs = append(jc.Descrs, NamedDescr(name))
	}
	return jc
}

// MarshalDump serializes jitcodes to canonical CBOR. Equal jitcodes give
// equal bytes.
func MarshalDump(jcs ...*JitCode) ([]byte, error) {
	dumps := make([]*Dump, len(jcs))
	for i, jc := range jcs {
		dumps[i] = jc.ToDump()
	}
	return cborEncMode.Marshal(dumps)
}

// UnmarshalDump deserializes jitcodes written by MarshalDump.
func UnmarshalDump(data []byte) ([]*Dump, error) {
	var dumps []*Dump
	if err := cbor.Unmarshal(data, &dumps); err != nil {
		return nil, fmt.Errorf("jitcode: unmarshal dump: %w", err)
	}
	for _, d := range dumps {
		if d.Catalog != CatalogHash() {
			return nil, fmt.Errorf("%w (%s)", ErrCatalogMismatch, d.Name)
		}
	}
	return dumps, nil
}
