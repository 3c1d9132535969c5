// Package virtualizable describes virtualizable types and implements the
// vable_token protocol that decides where a virtualizable's field values
// currently live: in the heap object or in a compiled frame.
package virtualizable

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/chazu/metajit/cpu"
	"github.com/chazu/metajit/flowgraph"
)

var (
	ErrNotVirtualizable = errors.New("virtualizable: type is not virtualizable")
	ErrUnknownField     = errors.New("virtualizable: unknown field")
	ErrDuplicateField   = errors.New("virtualizable: field listed twice")
	ErrNotArrayField    = errors.New("virtualizable: array field does not hold an array")
	ErrTokenState       = errors.New("virtualizable: unexpected vable_token")
)

// Info is the static layout of a virtualizable type. It is immutable once
// built by a Registry.
type Info struct {
	Type         *flowgraph.StructType
	StaticFields []string
	ArrayFields  []string

	StaticDescrs     []*cpu.FieldDescr
	ArrayFieldDescrs []*cpu.FieldDescr // the field holding each array
	ArrayDescrs      []*cpu.ArrayDescr // the array type of each array field
	TokenDescr       *cpu.FieldDescr

	staticIndex map[string]int
	arrayIndex  map[string]int
	byDescr     map[*cpu.FieldDescr]int
	byArray     map[*cpu.FieldDescr]int
}

// StaticIndex returns the position of a scalar virtualizable field.
func (vi *Info) StaticIndex(name string) (int, bool) {
	i, ok := vi.staticIndex[name]
	return i, ok
}

// ArrayIndex returns the position of an array virtualizable field.
func (vi *Info) ArrayIndex(name string) (int, bool) {
	i, ok := vi.arrayIndex[name]
	return i, ok
}

// StaticIndexOf returns the position of the scalar field a descriptor names.
func (vi *Info) StaticIndexOf(d *cpu.FieldDescr) (int, bool) {
	i, ok := vi.byDescr[d]
	return i, ok
}

// ArrayIndexOf returns the position of the array field a descriptor names.
func (vi *Info) ArrayIndexOf(d *cpu.FieldDescr) (int, bool) {
	i, ok := vi.byArray[d]
	return i, ok
}

// IsVirtualizableField reports whether a field is tracked, scalar or array.
func (vi *Info) IsVirtualizableField(name string) bool {
	_, s := vi.staticIndex[name]
	_, a := vi.arrayIndex[name]
	return s || a
}

// ReadBoxes copies the tracked fields of obj: scalars, then each array's
// items.
func (vi *Info) ReadBoxes(obj *flowgraph.Struct) (static []any, arrays [][]any, err error) {
	static = make([]any, len(vi.StaticFields))
	for i, name := range vi.StaticFields {
		static[i] = obj.Get(name)
	}
	arrays = make([][]any, len(vi.ArrayFields))
	for i, name := range vi.ArrayFields {
		arr, ok := obj.Get(name).(*flowgraph.Array)
		if !ok || arr == nil {
			return nil, nil, fmt.Errorf("%w: %s.%s is null", ErrNotArrayField, vi.Type.Name, name)
		}
		arrays[i] = append([]any(nil), arr.Items...)
	}
	return static, arrays, nil
}

// WriteBoxes stores values read by ReadBoxes back into obj.
func (vi *Info) WriteBoxes(obj *flowgraph.Struct, static []any, arrays [][]any) error {
	for i, name := range vi.StaticFields {
		obj.Set(name, static[i])
	}
	for i, name := range vi.ArrayFields {
		arr, ok := obj.Get(name).(*flowgraph.Array)
		if !ok || arr == nil {
			return fmt.Errorf("%w: %s.%s is null", ErrNotArrayField, vi.Type.Name, name)
		}
		if len(arrays[i]) != len(arr.Items) {
			return fmt.Errorf("virtualizable: %s.%s length changed from %d to %d",
				vi.Type.Name, name, len(arrays[i]), len(arr.Items))
		}
		copy(arr.Items, arrays[i])
	}
	return nil
}

// Registry builds and memoizes Infos, and owns the frame arena of the
// runtime protocol.
type Registry struct {
	describer cpu.Describer

	mu     sync.Mutex
	infos  map[*flowgraph.StructType]*Info
	frames Frames
}

// NewRegistry creates a registry that gets field descriptors from d.
func NewRegistry(d cpu.Describer) *Registry {
	return &Registry{describer: d, infos: make(map[*flowgraph.StructType]*Info)}
}

// IsVirtualizable reports whether values of t are virtualizable.
func (r *Registry) IsVirtualizable(t flowgraph.Type) bool {
	st, ok := t.(*flowgraph.StructType)
	return ok && st.VirtualizableRoot() != nil
}

// Describe returns the layout of t's virtualizable root.
func (r *Registry) Describe(t *flowgraph.StructType) (*Info, error) {
	root := t.VirtualizableRoot()
	if root == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotVirtualizable, t.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if vi, ok := r.infos[root]; ok {
		return vi, nil
	}
	vi, err := r.build(root)
	if err != nil {
		return nil, err
	}
	r.infos[root] = vi
	return vi, nil
}

func (r *Registry) build(t *flowgraph.StructType) (*Info, error) {
	vi := &Info{
		Type:        t,
		staticIndex: map[string]int{},
		arrayIndex:  map[string]int{},
		byDescr:     map[*cpu.FieldDescr]int{},
		byArray:     map[*cpu.FieldDescr]int{},
	}
	seen := map[string]bool{}
	for _, spec := range t.VirtualizableFields {
		name, isArray := strings.CutSuffix(spec, "[*]")
		if seen[name] {
			return nil, fmt.Errorf("%w: %s.%s", ErrDuplicateField, t.Name, name)
		}
		seen[name] = true
		f, ok := t.Field(name)
		if !ok || name == flowgraph.VableTokenField {
			return nil, fmt.Errorf("%w: %s.%s", ErrUnknownField, t.Name, name)
		}
		fd, err := r.describer.FieldDescrOf(t, name)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnknownField, err)
		}
		if isArray {
			at, ok := f.Type.(*flowgraph.ArrayType)
			if f.Kind != flowgraph.Ref || !ok {
				return nil, fmt.Errorf("%w: %s.%s", ErrNotArrayField, t.Name, name)
			}
			vi.arrayIndex[name] = len(vi.ArrayFields)
			vi.byArray[fd] = len(vi.ArrayFields)
			vi.ArrayFields = append(vi.ArrayFields, name)
			vi.ArrayFieldDescrs = append(vi.ArrayFieldDescrs, fd)
			vi.ArrayDescrs = append(vi.ArrayDescrs, r.describer.ArrayDescrOf(at))
			continue
		}
		vi.staticIndex[name] = len(vi.StaticFields)
		vi.byDescr[fd] = len(vi.StaticFields)
		vi.StaticFields = append(vi.StaticFields, name)
		vi.StaticDescrs = append(vi.StaticDescrs, fd)
	}
	td, err := r.describer.FieldDescrOf(t, flowgraph.VableTokenField)
	if err != nil {
		return nil, fmt.Errorf("%w: %s lacks %s", ErrNotVirtualizable, t.Name, flowgraph.VableTokenField)
	}
	vi.TokenDescr = td
	return vi, nil
}
