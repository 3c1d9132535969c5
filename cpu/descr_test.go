package cpu

import (
	"testing"

	"github.com/chazu/metajit/effectinfo"
	"github.com/chazu/metajit/flowgraph"
)

func TestCallDescrInterning(t *testing.T) {
	point := flowgraph.NewStructType("Point", nil,
		flowgraph.Field{Name: "x", Kind: flowgraph.Int},
		flowgraph.Field{Name: "y", Kind: flowgraph.Int})
	x := flowgraph.FieldLocation(point, "x")
	y := flowgraph.FieldLocation(point, "y")

	infos := effectinfo.NewCache()
	descrs := NewDescrCache()
	args := []flowgraph.Kind{flowgraph.Ref, flowgraph.Int}

	a := descrs.CallDescrOf(args, flowgraph.Void,
		infos.Intern(nil, []flowgraph.Location{x}, effectinfo.CannotRaise, effectinfo.OSNone, false))
	b := descrs.CallDescrOf([]flowgraph.Kind{flowgraph.Ref, flowgraph.Int}, flowgraph.Void,
		infos.Intern(nil, []flowgraph.Location{x}, effectinfo.CannotRaise, effectinfo.OSNone, false))
	c := descrs.CallDescrOf(args, flowgraph.Void,
		infos.Intern(nil, []flowgraph.Location{x, y}, effectinfo.CannotRaise, effectinfo.OSNone, false))

	if a != b {
		t.Errorf("identical calls got distinct descriptors %s and %s", a.DescrName(), b.DescrName())
	}
	if a == c {
		t.Errorf("calls with different footprints share descriptor %s", a.DescrName())
	}
	args[0] = flowgraph.Float
	if a.ArgKinds[0] != flowgraph.Ref {
		t.Errorf("descriptor aliases the caller's argument slice")
	}
}

func TestFieldDescrSharedBySubtypes(t *testing.T) {
	base := flowgraph.NewStructType("Base", nil, flowgraph.Field{Name: "v", Kind: flowgraph.Int})
	sub := flowgraph.NewStructType("Sub", base, flowgraph.Field{Name: "w", Kind: flowgraph.Ref})
	base.QuasiImmutableFields = []string{"v"}

	c := NewDescrCache()
	d1, err := c.FieldDescrOf(base, "v")
	if err != nil {
		t.Fatalf("FieldDescrOf: %v", err)
	}
	d2, _ := c.FieldDescrOf(sub, "v")
	if d1 != d2 {
		t.Errorf("inherited field has two descriptors")
	}
	if !d1.QuasiImmutable || d1.Index != 0 {
		t.Errorf("descriptor = %+v", d1)
	}
	if _, err := c.FieldDescrOf(sub, "nope"); err == nil {
		t.Errorf("FieldDescrOf(nope) succeeded")
	}
}

func TestLoopTokenRedirect(t *testing.T) {
	a := NewLoopToken("a", nil)
	b := NewLoopToken("b", nil)
	c := NewLoopToken("c", nil)
	if a.ID == b.ID {
		t.Fatalf("tokens share an ID")
	}
	a.SetRedirect(b)
	b.SetRedirect(c)
	if a.Target() != c {
		t.Errorf("a.Target() = %v, want %v", a.Target(), c)
	}
	if c.Redirected() {
		t.Errorf("c reports a redirect")
	}
}
