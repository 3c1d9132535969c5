// Package cpu is the contract between the JIT front end and a backend: the
// descriptors the backend hands out for calls, fields and arrays, the
// blackhole heap operations, and loop compilation and execution.
package cpu

import (
	"fmt"
	"strings"
	"sync"

	"github.com/chazu/metajit/effectinfo"
	"github.com/chazu/metajit/flowgraph"
)

// CallDescr describes a call signature together with its effect summary.
// CallDescrs are interned: equal content gives the same pointer.
type CallDescr struct {
	ArgKinds []flowgraph.Kind
	Result   flowgraph.Kind
	Info     *effectinfo.EffectInfo
}

// DescrName implements jitcode.Descr.
func (d *CallDescr) DescrName() string {
	var sb strings.Builder
	sb.WriteString("<Call ")
	for _, k := range d.ArgKinds {
		sb.WriteByte(k.Char())
	}
	sb.WriteString(">")
	sb.WriteByte(d.Result.Char())
	if d.Info != nil {
		sb.WriteString(" " + d.Info.Extra.String())
		if d.Info.Oopspec != effectinfo.OSNone {
			sb.WriteString(" " + d.Info.Oopspec.String())
		}
	}
	sb.WriteString(">")
	return sb.String()
}

// FieldDescr describes one field of a struct type.
type FieldDescr struct {
	Type           *flowgraph.StructType
	Name           string
	Index          int // position in the flattened layout
	Kind           flowgraph.Kind
	Immutable      bool
	QuasiImmutable bool
}

// DescrName implements jitcode.Descr.
func (d *FieldDescr) DescrName() string {
	return fmt.Sprintf("<Field %s.%s %c>", d.Type.Name, d.Name, d.Kind.Char())
}

// ArrayDescr describes an array type.
type ArrayDescr struct {
	Type *flowgraph.ArrayType
	Item flowgraph.Kind
}

// DescrName implements jitcode.Descr.
func (d *ArrayDescr) DescrName() string {
	return fmt.Sprintf("<Array %s %c>", d.Type.Name, d.Item.Char())
}

// SizeDescr describes the allocation of a struct type.
type SizeDescr struct {
	Type *flowgraph.StructType
}

// DescrName implements jitcode.Descr.
func (d *SizeDescr) DescrName() string { return "<Size " + d.Type.Name + ">" }

type callKey struct {
	args   string
	result flowgraph.Kind
	info   *effectinfo.EffectInfo
}

type fieldKey struct {
	t    *flowgraph.StructType
	name string
}

// DescrCache interns descriptors by content. It is safe for concurrent use.
type DescrCache struct {
	mu     sync.Mutex
	calls  map[callKey]*CallDescr
	fields map[fieldKey]*FieldDescr
	arrays map[*flowgraph.ArrayType]*ArrayDescr
	sizes  map[*flowgraph.StructType]*SizeDescr
}

// NewDescrCache creates empty intern tables.
func NewDescrCache() *DescrCache {
	return &DescrCache{
		calls:  make(map[callKey]*CallDescr),
		fields: make(map[fieldKey]*FieldDescr),
		arrays: make(map[*flowgraph.ArrayType]*ArrayDescr),
		sizes:  make(map[*flowgraph.StructType]*SizeDescr),
	}
}

// CallDescrOf returns the interned call descriptor. info must itself be
// interned (from an effectinfo.Cache) for identity to follow content.
func (c *DescrCache) CallDescrOf(args []flowgraph.Kind, result flowgraph.Kind, info *effectinfo.EffectInfo) *CallDescr {
	kb := make([]byte, len(args))
	for i, k := range args {
		kb[i] = k.Char()
	}
	key := callKey{args: string(kb), result: result, info: info}
	c.mu.Lock()
	defer c.mu.Unlock()
	if d, ok := c.calls[key]; ok {
		return d
	}
	d := &CallDescr{ArgKinds: append([]flowgraph.Kind(nil), args...), Result: result, Info: info}
	c.calls[key] = d
	return d
}

// FieldDescrOf returns the interned descriptor of a field. The field is
// keyed by the type that declares it, so subtypes share descriptors.
func (c *DescrCache) FieldDescrOf(t *flowgraph.StructType, name string) (*FieldDescr, error) {
	owner := t.Owner(name)
	if owner == nil {
		return nil, fmt.Errorf("cpu: %s has no field %q", t.Name, name)
	}
	key := fieldKey{owner, name}
	c.mu.Lock()
	defer c.mu.Unlock()
	if d, ok := c.fields[key]; ok {
		return d, nil
	}
	f, _ := owner.Field(name)
	idx, _ := owner.FieldIndex(name)
	d := &FieldDescr{
		Type:           owner,
		Name:           name,
		Index:          idx,
		Kind:           f.Kind,
		Immutable:      owner.IsImmutableField(name),
		QuasiImmutable: owner.IsQuasiImmutableField(name),
	}
	c.fields[key] = d
	return d, nil
}

// ArrayDescrOf returns the interned descriptor of an array type.
func (c *DescrCache) ArrayDescrOf(t *flowgraph.ArrayType) *ArrayDescr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d, ok := c.arrays[t]; ok {
		return d
	}
	d := &ArrayDescr{Type: t, Item: t.Item}
	c.arrays[t] = d
	return d
}

// SizeDescrOf returns the interned allocation descriptor of a struct type.
func (c *DescrCache) SizeDescrOf(t *flowgraph.StructType) *SizeDescr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d, ok := c.sizes[t]; ok {
		return d
	}
	d := &SizeDescr{Type: t}
	c.sizes[t] = d
	return d
}
