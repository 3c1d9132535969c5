// Package effectinfo summarizes the memory effects of calls: which field
// and array locations a call may read or write, and how strongly it
// interacts with the rest of the program (purity, raising, forcing).
//
// Summaries are interned by content in a Cache owned by the compilation
// session, so two calls with the same footprint share one *EffectInfo and
// optimizations may compare summaries with ==.
package effectinfo

import (
	"cmp"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/chazu/metajit/flowgraph"
)

// ExtraEffect is the ordered strength of a call's side effects. Larger
// values subsume smaller ones.
type ExtraEffect uint8

const (
	Pure          ExtraEffect = iota // elidable and cannot raise
	LoopInvariant                    // result constant for the duration of a loop
	CannotRaise                      // has effects but never raises
	PureCanRaise                     // elidable but may raise
	CanRaise                         // general call that may raise
	ForcesEscape                     // may force a virtual or virtualizable
	RandomEffects                    // unknown effects; touches everything
)

var extraNames = [...]string{
	Pure:          "pure",
	LoopInvariant: "loopinvariant",
	CannotRaise:   "cannot_raise",
	PureCanRaise:  "pure_can_raise",
	CanRaise:      "can_raise",
	ForcesEscape:  "forces_escape",
	RandomEffects: "random_effects",
}

func (e ExtraEffect) String() string {
	if int(e) < len(extraNames) {
		return extraNames[e]
	}
	return "ExtraEffect(" + strconv.Itoa(int(e)) + ")"
}

// OopSpecIndex tags a call with a built-in operation the tracer knows.
type OopSpecIndex uint8

const (
	OSNone OopSpecIndex = iota
	OSArrayLen
	OSArrayGetItem
	OSArraySetItem
	OSMathSqrt
	OSStrConcat
	OSIsConstant
	OSUnknown // annotated with a tag nothing knows how to handle
)

var oopspecNames = map[string]OopSpecIndex{
	"":               OSNone,
	"array.len":      OSArrayLen,
	"array.getitem":  OSArrayGetItem,
	"array.setitem":  OSArraySetItem,
	"math.sqrt":      OSMathSqrt,
	"str.concat":     OSStrConcat,
	"jit.isconstant": OSIsConstant,
}

// ParseOopspec maps an oopspec annotation to its index. Unknown tags map
// to OSUnknown.
func ParseOopspec(tag string) OopSpecIndex {
	if i, ok := oopspecNames[tag]; ok {
		return i
	}
	return OSUnknown
}

func (i OopSpecIndex) String() string {
	for name, idx := range oopspecNames {
		if idx == i {
			if name == "" {
				return "none"
			}
			return name
		}
	}
	return "unknown"
}

// EffectInfo is an interned effect summary. Never construct one directly;
// get it from a Cache.
type EffectInfo struct {
	Reads         []flowgraph.Location // read but not written, sorted
	Writes        []flowgraph.Location // sorted
	Extra         ExtraEffect
	Oopspec       OopSpecIndex
	CanInvalidate bool // writes a quasi-immutable field

	key string
}

// IsElidable reports whether calls with equal arguments may be folded.
func (e *EffectInfo) IsElidable() bool {
	return e.Extra == Pure || e.Extra == PureCanRaise
}

// CheckCanRaise reports whether the call may raise.
func (e *EffectInfo) CheckCanRaise() bool { return e.Extra > CannotRaise }

// ForcesVirtualizable reports whether the call may force a virtualizable.
func (e *EffectInfo) ForcesVirtualizable() bool { return e.Extra >= ForcesEscape }

// HasRandomEffects reports whether the call's effects are unknown.
func (e *EffectInfo) HasRandomEffects() bool { return e.Extra == RandomEffects }

// Key returns the content key the summary is interned under.
func (e *EffectInfo) Key() string { return e.key }

func (e *EffectInfo) String() string { return "<EffectInfo " + e.key + ">" }

// Cache interns effect summaries by content. It is safe for concurrent use;
// concurrent interning of equal content yields a single winner.
type Cache struct {
	mu    sync.Mutex
	infos map[string]*EffectInfo
}

// NewCache creates an empty intern table.
func NewCache() *Cache {
	return &Cache{infos: make(map[string]*EffectInfo)}
}

// Intern returns the unique EffectInfo for the given content. Locations in
// both reads and writes are kept as writes only.
func (c *Cache) Intern(reads, writes []flowgraph.Location, extra ExtraEffect, oopspec OopSpecIndex, canInvalidate bool) *EffectInfo {
	w := normalize(writes)
	var r []flowgraph.Location
	for _, l := range normalize(reads) {
		if _, found := slices.BinarySearchFunc(w, l, compareLocation); !found {
			r = append(r, l)
		}
	}
	if extra == RandomEffects {
		r, w = nil, nil
	}
	key := contentKey(r, w, extra, oopspec, canInvalidate)

	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.infos[key]; ok {
		return e
	}
	e := &EffectInfo{
		Reads:         r,
		Writes:        w,
		Extra:         extra,
		Oopspec:       oopspec,
		CanInvalidate: canInvalidate,
		key:           key,
	}
	c.infos[key] = e
	return e
}

// MostGeneral returns the summary used when effects are unknown.
func (c *Cache) MostGeneral() *EffectInfo {
	return c.Intern(nil, nil, RandomEffects, OSNone, true)
}

// Len returns the number of interned summaries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.infos)
}

func normalize(locs []flowgraph.Location) []flowgraph.Location {
	out := slices.Clone(locs)
	slices.SortFunc(out, compareLocation)
	return slices.Compact(out)
}

func compareLocation(a, b flowgraph.Location) int {
	if a.Array != b.Array {
		if !a.Array {
			return -1
		}
		return 1
	}
	if c := strings.Compare(a.Owner, b.Owner); c != 0 {
		return c
	}
	if c := strings.Compare(a.Field, b.Field); c != 0 {
		return c
	}
	return cmp.Compare(a.TypeID, b.TypeID)
}

// writeLocation appends a length-prefixed encoding of l, so that names
// containing separators cannot collide.
func writeLocation(sb *strings.Builder, l flowgraph.Location) {
	if l.Array {
		sb.WriteByte('a')
	} else {
		sb.WriteByte('f')
	}
	fmt.Fprintf(sb, "%d:%s%d:%s#%d;", len(l.Owner), l.Owner, len(l.Field), l.Field, l.TypeID)
}

func contentKey(reads, writes []flowgraph.Location, extra ExtraEffect, oopspec OopSpecIndex, inv bool) string {
	var sb strings.Builder
	sb.WriteString(extra.String())
	sb.WriteString("|os=")
	sb.WriteString(strconv.Itoa(int(oopspec)))
	if inv {
		sb.WriteString("|inv")
	}
	sb.WriteString("|r=")
	for _, l := range reads {
		writeLocation(&sb, l)
	}
	sb.WriteString("|w=")
	for _, l := range writes {
		writeLocation(&sb, l)
	}
	return sb.String()
}
