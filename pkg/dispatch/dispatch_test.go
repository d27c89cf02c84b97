package dispatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daimatz/classlink/pkg/classfile"
	"github.com/daimatz/classlink/pkg/klass"
	"github.com/daimatz/classlink/pkg/loader"
	"github.com/daimatz/classlink/pkg/vmerr"
)

const (
	pub      = classfile.AccPublic
	abstract = classfile.AccPublic | classfile.AccAbstract
	iface    = classfile.AccPublic | classfile.AccInterface | classfile.AccAbstract
)

type method struct {
	flags      uint16
	name, desc string
}

type world struct {
	t      *testing.T
	boot   *loader.Loader
	object *klass.Class
}

func newWorld(t *testing.T) *world {
	w := &world{t: t, boot: loader.NewBoot(loader.NewMapSource(nil))}
	w.object = w.define("java/lang/Object", pub, nil, nil,
		method{pub, "toString", "()Ljava/lang/String;"},
		method{pub, "hashCode", "()I"},
	)
	return w
}

func (w *world) define(name string, flags uint16, super *klass.Class, ifaces []*klass.Class, methods ...method) *klass.Class {
	w.t.Helper()
	c, err := w.tryDefine(name, flags, super, ifaces, methods...)
	require.NoError(w.t, err)
	return c
}

func (w *world) tryDefine(name string, flags uint16, super *klass.Class, ifaces []*klass.Class, methods ...method) (*klass.Class, error) {
	c := klass.NewClass(name, flags, w.boot)
	if super == nil && name != "java/lang/Object" {
		super = w.object
	}
	var declared []*klass.MethodVersion
	for _, m := range methods {
		info := &classfile.MethodInfo{AccessFlags: m.flags, Name: m.name, Descriptor: m.desc}
		declared = append(declared, klass.NewMethodVersion(klass.NewMethod(c, m.name, m.desc), info))
	}
	tables, err := Build(Input{Class: c, Super: super, Interfaces: ifaces, Declared: declared})
	if err != nil {
		return nil, err
	}
	tables.InvalidateLeaves()
	c.Publish(klass.NewVersion(klass.VersionSpec{
		Class:          c,
		Linked:         &klass.LinkedClass{Parsed: &classfile.ParsedClass{Name: name}, Methods: declared},
		Super:          super,
		Interfaces:     ifaces,
		VTable:         tables.VTable,
		ITables:        tables.ITables,
		Mirandas:       tables.Mirandas,
		InterfaceTable: tables.InterfaceTable,
		Shape:          tables.Shape,
	}))
	return c, nil
}

func itableEntry(t *testing.T, c, i *klass.Class, name string) *klass.MethodVersion {
	t.Helper()
	it, ok := c.Current().ITableFor(i)
	require.True(t, ok, "%s has no itable for %s", c.Name(), i.Name())
	for _, im := range i.Current().InterfaceTable() {
		if im.Name() == name {
			return it.Methods[im.ITableIndex()]
		}
	}
	t.Fatalf("%s declares no %s", i.Name(), name)
	return nil
}

func TestOverridePreservesIndex(t *testing.T) {
	w := newWorld(t)
	a := w.define("p/A", pub, nil, nil, method{pub, "m", "()V"}, method{pub, "n", "()V"})
	b := w.define("p/B", pub, a, nil, method{pub, "n", "()V"}, method{pub, "o", "()V"})

	av, bv := a.Current(), b.Current()
	for i, mv := range av.VTable() {
		got := bv.VTable()[i]
		assert.Equal(t, mv.Sig(), got.Sig(), "slot %d", i)
		assert.Equal(t, i, got.VTableIndex())
	}
	n := bv.DeclaredMethod(klass.Sig{Name: "n", Descriptor: "()V"})
	assert.Equal(t, av.DeclaredMethod(klass.Sig{Name: "n", Descriptor: "()V"}).VTableIndex(), n.VTableIndex())
	assert.Same(t, n, bv.VTable()[n.VTableIndex()])
	assert.Equal(t, len(av.VTable()), bv.DeclaredMethod(klass.Sig{Name: "o", Descriptor: "()V"}).VTableIndex())

	assert.False(t, av.DeclaredMethod(klass.Sig{Name: "n", Descriptor: "()V"}).Method().Leaf().IsValid())
	assert.True(t, av.DeclaredMethod(klass.Sig{Name: "m", Descriptor: "()V"}).Method().Leaf().IsValid())
}

func TestStaticsAndConstructorsStayOutOfVTable(t *testing.T) {
	w := newWorld(t)
	c := w.define("p/C", pub, nil, nil,
		method{pub, "<init>", "()V"},
		method{pub | classfile.AccStatic, "s", "()V"},
		method{classfile.AccPrivate, "p", "()V"},
		method{pub, "v", "()V"},
	)
	assert.Len(t, c.Current().VTable(), len(w.object.Current().VTable())+1)
}

func TestOverridingFinalIsVerifyError(t *testing.T) {
	w := newWorld(t)
	a := w.define("p/A", pub, nil, nil, method{pub | classfile.AccFinal, "m", "()V"})
	_, err := w.tryDefine("p/B", pub, a, nil, method{pub, "m", "()V"})
	assert.True(t, vmerr.Is(err, vmerr.Verify), "got %v", err)
}

func TestPackagePrivateNotOverriddenAcrossPackages(t *testing.T) {
	w := newWorld(t)
	a := w.define("p/A", pub, nil, nil, method{0, "m", "()V"})
	b := w.define("q/B", pub, a, nil, method{pub, "m", "()V"})
	c := w.define("p/C", pub, a, nil, method{pub, "m", "()V"})

	base := len(a.Current().VTable())
	assert.Len(t, b.Current().VTable(), base+1, "q/B.m gets a new slot")
	assert.Len(t, c.Current().VTable(), base, "p/C.m overrides in place")
}

func TestInterfaceTableIndices(t *testing.T) {
	w := newWorld(t)
	i := w.define("p/I", iface, nil, nil,
		method{abstract, "a", "()V"},
		method{pub | classfile.AccStatic, "s", "()V"},
		method{pub, "b", "()V"},
		method{classfile.AccPrivate, "helper", "()V"},
		method{abstract, "c", "()V"},
	)
	iv := i.Current()
	require.Len(t, iv.InterfaceTable(), 3)
	for k, mv := range iv.InterfaceTable() {
		assert.Equal(t, k, mv.ITableIndex())
	}
	assert.Empty(t, iv.VTable(), "interfaces have no vtable")
}

// Two unrelated interfaces with the same default method.
func TestConflictingDefaultsBecomePoisonPill(t *testing.T) {
	w := newWorld(t)
	i1 := w.define("p/I1", iface, nil, nil, method{pub, "m", "()V"})
	i2 := w.define("p/I2", iface, nil, nil, method{pub, "m", "()V"})
	c := w.define("p/C", pub, nil, []*klass.Class{i1, i2})

	cv := c.Current()
	slot := cv.VTable().Lookup(klass.Sig{Name: "m", Descriptor: "()V"})
	require.NotNil(t, slot)
	assert.True(t, slot.IsPoisonPill())
	assert.Len(t, cv.Mirandas(), 1)

	for _, i := range []*klass.Class{i1, i2} {
		entry := itableEntry(t, c, i, "m")
		_, err := entry.Resolve()
		assert.True(t, vmerr.Is(err, vmerr.AmbiguousDefault), "via %s: got %v", i.Name(), err)
	}

	t.Run("a sub-interface default resolves the conflict", func(t *testing.T) {
		i3 := w.define("p/I3", iface, nil, []*klass.Class{i1, i2}, method{pub, "m", "()V"})
		d := w.define("p/D", pub, c, []*klass.Class{i3})

		slot := d.Current().VTable().Lookup(klass.Sig{Name: "m", Descriptor: "()V"})
		got, err := slot.Resolve()
		require.NoError(t, err)
		assert.Same(t, i3, got.Method().Declarer())
		assert.Equal(t, slot.VTableIndex(), cv.VTable().Lookup(klass.Sig{Name: "m", Descriptor: "()V"}).VTableIndex())
	})

	t.Run("a class method wins", func(t *testing.T) {
		e := w.define("p/E", pub, nil, []*klass.Class{i1, i2}, method{pub, "m", "()V"})
		got, err := itableEntry(t, e, i1, "m").Resolve()
		require.NoError(t, err)
		assert.Same(t, e, got.Method().Declarer())
		assert.Empty(t, e.Current().Mirandas())
	})
}

// An abstract class implementing an interface without declaring its method.
func TestMirandaForUndeclaredInterfaceMethod(t *testing.T) {
	w := newWorld(t)
	i := w.define("p/I", iface, nil, nil, method{abstract, "run", "()V"})
	a := w.define("p/A", abstract, nil, []*klass.Class{i})

	av := a.Current()
	require.Len(t, av.Mirandas(), 1)
	mir := av.Mirandas()[0]
	assert.True(t, mir.IsMiranda())
	assert.Equal(t, len(av.VTable())-1, mir.VTableIndex())

	_, err := itableEntry(t, a, i, "run").Resolve()
	assert.True(t, vmerr.Is(err, vmerr.AbstractMethod), "got %v", err)

	b := w.define("p/B", pub, a, nil, method{pub, "run", "()V"})
	got, err := itableEntry(t, b, i, "run").Resolve()
	require.NoError(t, err)
	assert.Same(t, b, got.Method().Declarer())
	assert.Equal(t, mir.VTableIndex(), got.VTableIndex(), "the override takes the miranda's slot")
	assert.False(t, i.Current().InterfaceTable()[0].Method().Leaf().IsValid())
}

func TestDefaultMethodReachedThroughItable(t *testing.T) {
	w := newWorld(t)
	i := w.define("p/I", iface, nil, nil, method{pub, "hello", "()V"}, method{abstract, "name", "()Ljava/lang/String;"})
	c := w.define("p/C", pub, nil, []*klass.Class{i}, method{pub, "name", "()Ljava/lang/String;"})

	got, err := itableEntry(t, c, i, "hello").Resolve()
	require.NoError(t, err)
	assert.Same(t, i.Current().InterfaceTable()[0], got)
	assert.True(t, got.Method().Leaf().IsValid(), "an unoverridden default stays a leaf")

	it, _ := c.Current().ITableFor(i)
	assert.Len(t, it.Methods, len(i.Current().InterfaceTable()))
}

func TestITablesSortedByClassID(t *testing.T) {
	w := newWorld(t)
	var ifaces []*klass.Class
	for _, n := range []string{"p/I0", "p/I1", "p/I2"} {
		ifaces = append(ifaces, w.define(n, iface, nil, nil, method{abstract, "m" + n[3:], "()V"}))
	}
	sub := w.define("p/Sub", iface, nil, []*klass.Class{ifaces[0]})
	c := w.define("p/C", abstract, nil, []*klass.Class{ifaces[2], sub, ifaces[1]})

	its := c.Current().ITables()
	assert.True(t, its.Sorted())
	assert.Len(t, its, 4, "the transitive set includes I0 through Sub")
}

func TestInheritedInterfacesKeepItables(t *testing.T) {
	w := newWorld(t)
	i := w.define("p/I", iface, nil, nil, method{pub, "m", "()V"})
	a := w.define("p/A", pub, nil, []*klass.Class{i})
	b := w.define("p/B", pub, a, nil)

	_, ok := b.Current().ITableFor(i)
	assert.True(t, ok)
	assert.Same(t, a.Current().VTable().Lookup(klass.Sig{Name: "m", Descriptor: "()V"}),
		b.Current().VTable().Lookup(klass.Sig{Name: "m", Descriptor: "()V"}),
		"an unchanged inherited miranda slot is reused")
}

func TestShape(t *testing.T) {
	w := newWorld(t)
	a1 := w.define("p/A", pub, nil, nil, method{pub, "m", "()V"})
	a2 := w.define("p/A", pub, nil, nil, method{pub, "m", "()V"})
	a3 := w.define("p/A", pub, nil, nil, method{pub, "m", "()V"}, method{pub, "n", "()V"})

	assert.Equal(t, a1.Current().Shape(), a2.Current().Shape(), "same membership, same shape")
	assert.NotEqual(t, a2.Current().Shape(), a3.Current().Shape())
	assert.Equal(t, a1.Current().Shape(), Shape(&Tables{VTable: a1.Current().VTable()}))

	tests := []struct {
		name   string
		flags  uint16
		before uint16
		kind   uint16
	}{
		{"default becomes abstract", abstract, pub, iface},
		{"abstract becomes default", pub, abstract, iface},
		{"access narrowed", 0, pub, pub},
		{"final added", pub | classfile.AccFinal, pub, pub},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := w.define("p/F", tt.kind, nil, nil, method{tt.before, "m", "()V"})
			after := w.define("p/F", tt.kind, nil, nil, method{tt.flags, "m", "()V"})
			if before.Current().Shape() == after.Current().Shape() {
				t.Errorf("shape unchanged after flags %#x -> %#x", tt.before, tt.flags)
			}
		})
	}
}

func TestMaximallySpecific(t *testing.T) {
	w := newWorld(t)
	sig := klass.Sig{Name: "m", Descriptor: "()V"}
	i1 := w.define("p/I1", iface, nil, nil, method{pub, "m", "()V"})
	i2 := w.define("p/I2", iface, nil, nil, method{pub, "m", "()V"})
	i3 := w.define("p/I3", iface, nil, []*klass.Class{i1}, method{pub, "m", "()V"})
	i4 := w.define("p/I4", iface, nil, nil, method{abstract, "m", "()V"})
	i5 := w.define("p/I5", iface, nil, nil, method{pub | classfile.AccStatic, "m", "()V"})

	tests := []struct {
		name     string
		ifaces   []*klass.Class
		concrete []*klass.Class
		abstract []*klass.Class
	}{
		{"single default", []*klass.Class{i1}, []*klass.Class{i1}, nil},
		{"unrelated defaults", []*klass.Class{i1, i2}, []*klass.Class{i1, i2}, nil},
		{"subinterface shadows", []*klass.Class{i1, i3}, []*klass.Class{i3}, nil},
		{"mixed", []*klass.Class{i1, i2, i3, i4}, []*klass.Class{i2, i3}, []*klass.Class{i4}},
		{"statics are not candidates", []*klass.Class{i5}, nil, nil},
	}
	declarers := func(mvs []*klass.MethodVersion) []*klass.Class {
		var out []*klass.Class
		for _, mv := range mvs {
			out = append(out, mv.Method().Declarer())
		}
		return out
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sel := MaximallySpecific(tt.ifaces, sig)
			assert.Equal(t, tt.concrete, declarers(sel.Concrete))
			assert.Equal(t, tt.abstract, declarers(sel.Abstract))
		})
	}
}

func TestOverriddenListsReplacedMethods(t *testing.T) {
	w := newWorld(t)
	a := w.define("p/A", pub, nil, nil, method{pub, "m", "()V"}, method{pub, "n", "()V"})
	b := klass.NewClass("p/B", pub, w.boot)
	info := &classfile.MethodInfo{AccessFlags: pub, Name: "n", Descriptor: "()V"}
	n := klass.NewMethodVersion(klass.NewMethod(b, "n", "()V"), info)

	tables, err := Build(Input{Class: b, Super: a, Declared: []*klass.MethodVersion{n}})
	require.NoError(t, err)

	replaced := a.Current().DeclaredMethod(klass.Sig{Name: "n", Descriptor: "()V"}).Method()
	assert.Equal(t, []*klass.Method{replaced}, tables.Overridden())
	assert.True(t, replaced.Leaf().IsValid(), "building alone invalidates nothing")
	assert.Equal(t, 1, tables.InvalidateLeaves())
	assert.False(t, replaced.Leaf().IsValid())
	assert.Equal(t, 0, tables.InvalidateLeaves(), "a second call finds nothing left to invalidate")
}
