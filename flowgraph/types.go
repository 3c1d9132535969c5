package flowgraph

import (
	"fmt"
	"strings"
	"sync/atomic"
)

// VableTokenField is the name of the hidden field every virtualizable
// instance carries. Its value is a virtualizable.Token.
const VableTokenField = "vable_token"

// Type is the static type of a reference value.
type Type interface {
	TypeName() string
}

// Field is one field of a struct type.
type Field struct {
	Name string
	Kind Kind
	Type Type // static type of Ref fields, nil otherwise
}

// StructType describes a GC struct. Fields of the parent come first in
// the flattened layout.
type StructType struct {
	Name   string
	Parent *StructType
	Fields []Field // own fields only

	// Immutable marks every field as never written after construction.
	Immutable       bool
	ImmutableFields []string

	// QuasiImmutableFields are immutable until explicitly mutated; reads
	// get an invalidation guard in traces.
	QuasiImmutableFields []string

	// VirtualizableFields lists the fields the tracer may keep out of the
	// heap. Array fields are written "name[*]".
	VirtualizableFields []string

	all   []Field
	index map[string]int
	id    atomic.Uint64
}

var typeIDs atomic.Uint64

// identity returns the process-unique number of a type, assigned on first
// use.
func identity(id *atomic.Uint64) uint64 {
	if v := id.Load(); v != 0 {
		return v
	}
	id.CompareAndSwap(0, typeIDs.Add(1))
	return id.Load()
}

// NewStructType creates a struct type and computes its flattened layout.
func NewStructType(name string, parent *StructType, fields ...Field) *StructType {
	t := &StructType{Name: name, Parent: parent, Fields: fields}
	t.layout()
	return t
}

// NewVirtualizableType creates a struct type declared virtualizable over
// vableFields. The hidden vable_token field is appended to its own fields.
func NewVirtualizableType(name string, parent *StructType, vableFields []string, fields ...Field) *StructType {
	own := append(append([]Field{}, fields...), Field{Name: VableTokenField, Kind: Int})
	t := &StructType{Name: name, Parent: parent, Fields: own, VirtualizableFields: vableFields}
	t.layout()
	return t
}

func (t *StructType) layout() {
	t.all = nil
	if t.Parent != nil {
		t.all = append(t.all, t.Parent.AllFields()...)
	}
	t.all = append(t.all, t.Fields...)
	t.index = make(map[string]int, len(t.all))
	for i, f := range t.all {
		if _, dup := t.index[f.Name]; dup {
			panic(fmt.Sprintf("flowgraph: duplicate field %s.%s", t.Name, f.Name))
		}
		t.index[f.Name] = i
	}
}

// TypeName implements Type.
func (t *StructType) TypeName() string { return t.Name }

// AllFields returns the flattened field layout, parent fields first.
func (t *StructType) AllFields() []Field { return t.all }

// FieldIndex returns the position of a field in the flattened layout.
func (t *StructType) FieldIndex(name string) (int, bool) {
	i, ok := t.index[name]
	return i, ok
}

// Field returns the field called name, searching parents.
func (t *StructType) Field(name string) (Field, bool) {
	i, ok := t.index[name]
	if !ok {
		return Field{}, false
	}
	return t.all[i], true
}

// Owner returns the type in the parent chain that declares the field.
func (t *StructType) Owner(name string) *StructType {
	for s := t; s != nil; s = s.Parent {
		for _, f := range s.Fields {
			if f.Name == name {
				return s
			}
		}
	}
	return nil
}

// IsImmutableField reports whether field is never written after construction.
func (t *StructType) IsImmutableField(name string) bool {
	for s := t; s != nil; s = s.Parent {
		if s.Immutable {
			return true
		}
		for _, f := range s.ImmutableFields {
			if f == name {
				return true
			}
		}
	}
	return false
}

// IsQuasiImmutableField reports whether field is declared quasi-immutable.
func (t *StructType) IsQuasiImmutableField(name string) bool {
	for s := t; s != nil; s = s.Parent {
		for _, f := range s.QuasiImmutableFields {
			if f == name {
				return true
			}
		}
	}
	return false
}

// VirtualizableRoot returns the type in the parent chain that declares
// virtualizable fields, or nil.
func (t *StructType) VirtualizableRoot() *StructType {
	for s := t; s != nil; s = s.Parent {
		if len(s.VirtualizableFields) > 0 {
			return s
		}
	}
	return nil
}

// IsSubtypeOf reports whether t is other or inherits from it.
func (t *StructType) IsSubtypeOf(other *StructType) bool {
	for s := t; s != nil; s = s.Parent {
		if s == other {
			return true
		}
	}
	return false
}

func (t *StructType) String() string { return "struct " + t.Name }

// ArrayType describes a GC array of items of a single kind.
type ArrayType struct {
	Name     string
	Item     Kind
	ItemType Type

	id atomic.Uint64
}

// TypeName implements Type.
func (a *ArrayType) TypeName() string { return a.Name }

func (a *ArrayType) String() string { return "array " + a.Name }

// ---------------------------------------------------------------------------
// Runtime values
// ---------------------------------------------------------------------------

// Struct is a runtime instance of a StructType.
type Struct struct {
	Type   *StructType
	Fields []any
}

// NewStruct allocates a zeroed instance.
func NewStruct(t *StructType) *Struct {
	s := &Struct{Type: t, Fields: make([]any, len(t.all))}
	for i, f := range t.all {
		s.Fields[i] = Zero(f.Kind)
	}
	return s
}

// Get reads a field by name. Panics if the field does not exist.
func (s *Struct) Get(name string) any {
	i, ok := s.Type.index[name]
	if !ok {
		panic(fmt.Sprintf("flowgraph: %s has no field %q", s.Type.Name, name))
	}
	return s.Fields[i]
}

// Set writes a field by name. Panics if the field does not exist.
func (s *Struct) Set(name string, v any) {
	i, ok := s.Type.index[name]
	if !ok {
		panic(fmt.Sprintf("flowgraph: %s has no field %q", s.Type.Name, name))
	}
	s.Fields[i] = v
}

func (s *Struct) String() string {
	return fmt.Sprintf("<%s %p>", s.Type.Name, s)
}

// Array is a runtime instance of an ArrayType.
type Array struct {
	Type  *ArrayType
	Items []any
}

// NewArray allocates a zeroed array of the given length.
func NewArray(t *ArrayType, length int) *Array {
	a := &Array{Type: t, Items: make([]any, length)}
	z := Zero(t.Item)
	for i := range a.Items {
		a.Items[i] = z
	}
	return a
}

// Zero returns the zero value of a kind.
func Zero(k Kind) any {
	switch k {
	case Int:
		return int64(0)
	case Float:
		return float64(0)
	default:
		return nil
	}
}

// ExceptionClass is a class of run-time exceptions raised by interpreted
// code. Classes form a single-inheritance tree.
type ExceptionClass struct {
	Name   string
	Parent *ExceptionClass
}

// IsSubclassOf reports whether c is other or inherits from it.
func (c *ExceptionClass) IsSubclassOf(other *ExceptionClass) bool {
	for k := c; k != nil; k = k.Parent {
		if k == other {
			return true
		}
	}
	return false
}

func (c *ExceptionClass) String() string { return c.Name }

// Root exception classes.
var (
	ExcBase          = &ExceptionClass{Name: "Exception"}
	ExcZeroDivision  = &ExceptionClass{Name: "ZeroDivisionError", Parent: ExcBase}
	ExcIndexError    = &ExceptionClass{Name: "IndexError", Parent: ExcBase}
	ExcValueError    = &ExceptionClass{Name: "ValueError", Parent: ExcBase}
	ExcNullReference = &ExceptionClass{Name: "NullReferenceError", Parent: ExcBase}
)

// LLException is a run-time exception of the interpreted program. It is
// used as a Go error wherever interpreted code can raise.
type LLException struct {
	Class   *ExceptionClass
	Message string
}

// NewException creates an exception instance.
func NewException(class *ExceptionClass, format string, args ...any) *LLException {
	return &LLException{Class: class, Message: fmt.Sprintf(format, args...)}
}

func (e *LLException) Error() string {
	if e.Message == "" {
		return e.Class.Name
	}
	return e.Class.Name + ": " + e.Message
}

// Location names a memory location class touched by a call: a struct
// field or the items of an array type. TypeID tells apart distinct types
// that share a name.
type Location struct {
	Array  bool
	Owner  string // struct or array type name
	Field  string // empty for arrays
	TypeID uint64
}

func (l Location) String() string {
	if l.Array {
		return "array:" + l.Owner
	}
	return "field:" + l.Owner + "." + l.Field
}

// FieldLocation returns the location of a struct field, attributed to the
// type that declares it.
func FieldLocation(t *StructType, field string) Location {
	owner := t.Owner(field)
	if owner == nil {
		owner = t
	}
	return Location{Owner: owner.Name, Field: field, TypeID: identity(&owner.id)}
}

// ArrayLocation returns the location of the items of an array type.
func ArrayLocation(t *ArrayType) Location {
	return Location{Array: true, Owner: t.Name, TypeID: identity(&t.id)}
}

// Footprint declares the memory effects of an external function.
type Footprint struct {
	Reads  []Location
	Writes []Location
}

// FuncPtr is a function pointer: either to a graph, or to an external Go
// implementation the JIT cannot look into.
type FuncPtr struct {
	Name       string
	Graph      *Graph
	ArgKinds   []Kind
	ResultKind Kind
	Impl       func(args []any) (any, error)

	// Hints from the interpreter author.
	Elidable       bool   // pure: same arguments give the same result
	LoopInvariant  bool   // result constant for the duration of a loop
	Oopspec        string // built-in operation tag, e.g. "array.len"
	DontLookInside bool
	LookInside     bool
	CannotRaise    bool       // externals only
	Effects        *Footprint // externals only; nil means unknown effects
}

func (f *FuncPtr) String() string {
	return "<func " + f.Name + ">"
}

// Signature renders the argument and result kinds, e.g. "(int, ref) -> int".
func (f *FuncPtr) Signature() string {
	parts := make([]string, len(f.ArgKinds))
	for i, k := range f.ArgKinds {
		parts[i] = k.String()
	}
	return "(" + strings.Join(parts, ", ") + ") -> " + f.ResultKind.String()
}
