// Package dispatch computes virtual and interface method tables for a class
// version: the vtable, the per-interface itables and the miranda slots that
// stand in for interface methods a class does not declare.
package dispatch

import (
	"slices"

	"github.com/tliron/commonlog"

	"github.com/daimatz/classlink/pkg/classfile"
	"github.com/daimatz/classlink/pkg/klass"
	"github.com/daimatz/classlink/pkg/vmerr"
)

var log = commonlog.GetLogger("classlink.dispatch")

// Input is everything Build reads. None of it is mutated except the
// set-once indices of the declared method versions.
type Input struct {
	Class      *klass.Class
	Super      *klass.Class
	Interfaces []*klass.Class
	Declared   []*klass.MethodVersion

	// Versions overrides the version read for a supertype. Redefinition
	// builds a whole hierarchy before publishing any of it.
	Versions func(*klass.Class) *klass.ClassVersion
}

func (in Input) version(c *klass.Class) *klass.ClassVersion {
	if in.Versions != nil {
		if v := in.Versions(c); v != nil {
			return v
		}
	}
	return c.Current()
}

// Tables is the result of Build.
type Tables struct {
	VTable         klass.VTable
	ITables        klass.ITables
	Mirandas       []*klass.MethodVersion
	InterfaceTable []*klass.MethodVersion

	// AllInterfaces is the transitive interface set in ClassID order.
	AllInterfaces []*klass.Class
	Shape         uint64

	leaves []*klass.Method
}

// Overridden lists the methods whose leaf assumption no longer holds once
// these tables are published.
func (t *Tables) Overridden() []*klass.Method { return t.leaves }

// InvalidateLeaves invalidates the leaf assumption of every overridden
// method and returns how many transitions happened.
func (t *Tables) InvalidateLeaves() int {
	n := 0
	for _, m := range t.leaves {
		if m.Leaf().Invalidate() {
			n++
		}
	}
	return n
}

// Build computes the dispatch tables of in.Class.
func Build(in Input) (*Tables, error) {
	if in.Class.IsInterface() {
		t := &Tables{InterfaceTable: InterfaceTable(in.Declared)}
		t.Shape = Shape(t)
		return t, nil
	}

	b := &builder{in: in}
	if err := b.vtable(); err != nil {
		return nil, err
	}
	b.collectInterfaces()
	b.findMirandas()
	b.fixupInterfaceSlots()
	b.itables()

	t := &Tables{
		VTable:        b.vt,
		ITables:       b.its,
		Mirandas:      b.mirandas,
		AllInterfaces: b.ifaces,
		leaves:        b.leaves,
	}
	t.Shape = Shape(t)
	log.Debugf("built tables for %s: %d vtable, %d itables, %d mirandas",
		in.Class.Name(), len(t.VTable), len(t.ITables), len(t.Mirandas))
	return t, nil
}

// InterfaceTable assigns itable indices to an interface's own methods in
// declaration order.
func InterfaceTable(declared []*klass.MethodVersion) []*klass.MethodVersion {
	var table []*klass.MethodVersion
	for _, mv := range declared {
		if !mv.IsVirtual() {
			continue
		}
		mv.SetITableIndex(len(table))
		table = append(table, mv)
	}
	return table
}

type builder struct {
	in Input

	vt       klass.VTable
	ifaces   []*klass.Class
	pending  []klass.Sig
	mirandas []*klass.MethodVersion
	its      klass.ITables
	leaves   []*klass.Method
}

func (b *builder) vtable() error {
	if b.in.Super != nil {
		if sv := b.in.version(b.in.Super); sv != nil {
			b.vt = slices.Clone(sv.VTable())
		}
	}
	for _, mv := range b.in.Declared {
		if !mv.IsVirtual() {
			continue
		}
		idx := b.overridable(mv)
		if idx < 0 {
			mv.SetVTableIndex(len(b.vt))
			b.vt = append(b.vt, mv)
			continue
		}
		old := b.vt[idx]
		if old.IsFinal() && !old.FromInterface() {
			return vmerr.New(vmerr.Verify, "%s overrides final method %s", mv.Method(), old.Method())
		}
		b.leaves = append(b.leaves, old.Method())
		mv.SetVTableIndex(idx)
		b.vt[idx] = mv
	}
	return nil
}

// overridable searches the inherited vtable from the end for a slot mv
// overrides. Package-private methods are only overridden from the same
// runtime package.
func (b *builder) overridable(mv *klass.MethodVersion) int {
	sig := mv.Sig()
	for i := len(b.vt) - 1; i >= 0; i-- {
		old := b.vt[i]
		if old.Sig() != sig {
			continue
		}
		if old.FromInterface() || old.Is(classfile.AccPublic) || old.Is(classfile.AccProtected) {
			return i
		}
		if decl := old.Method().Declarer(); decl != nil && decl.SameRuntimePackage(b.in.Class) {
			return i
		}
	}
	return -1
}

func (b *builder) collectInterfaces() {
	seen := make(map[*klass.Class]bool)
	var add func(i *klass.Class)
	add = func(i *klass.Class) {
		if seen[i] {
			return
		}
		seen[i] = true
		b.ifaces = append(b.ifaces, i)
		if iv := b.in.version(i); iv != nil {
			for _, s := range iv.Interfaces() {
				add(s)
			}
		}
	}
	if b.in.Super != nil {
		if sv := b.in.version(b.in.Super); sv != nil {
			for _, it := range sv.ITables() {
				add(it.Interface)
			}
		}
	}
	for _, i := range b.in.Interfaces {
		add(i)
	}
	slices.SortFunc(b.ifaces, func(x, y *klass.Class) int {
		switch {
		case x.ID() < y.ID():
			return -1
		case x.ID() > y.ID():
			return 1
		}
		return 0
	})
}

// findMirandas is the first pass: every interface method must be found in
// the vtable or the miranda list, else it becomes a new miranda.
func (b *builder) findMirandas() {
	pending := make(map[klass.Sig]bool)
	for _, iface := range b.ifaces {
		iv := b.in.version(iface)
		if iv == nil {
			continue
		}
		for _, im := range iv.InterfaceTable() {
			sig := im.Sig()
			if b.vt.Lookup(sig) != nil || pending[sig] {
				continue
			}
			pending[sig] = true
			b.pending = append(b.pending, sig)
		}
	}
}

// fixupInterfaceSlots is the second pass: slots whose content comes from an
// interface get the maximally-specific method (or a poison pill), and
// mirandas are appended to the vtable.
func (b *builder) fixupInterfaceSlots() {
	for i, mv := range b.vt {
		if !mv.FromInterface() {
			continue
		}
		next := b.selectFor(mv.Sig(), mv)
		if next == mv {
			continue
		}
		next.SetVTableIndex(i)
		b.vt[i] = next
	}
	for _, sig := range b.pending {
		mv := b.selectFor(sig, nil)
		mv.SetVTableIndex(len(b.vt))
		b.vt = append(b.vt, mv)
		b.mirandas = append(b.mirandas, mv)
	}
}

// selectFor builds the slot content for sig. prev is the inherited slot; it
// is reused when it already says the same thing.
func (b *builder) selectFor(sig klass.Sig, prev *klass.MethodVersion) *klass.MethodVersion {
	sel := maximallySpecific(b.ifaces, sig, b.in.version)
	switch {
	case len(sel.Concrete) == 1:
		target := sel.Concrete[0]
		if prev != nil && prev.Kind() == klass.Miranda && prev.Target() == target {
			return prev
		}
		return klass.NewMiranda(target)
	case len(sel.Concrete) > 1:
		if prev != nil && prev.IsPoisonPill() && slices.Equal(prev.Candidates(), sel.Concrete) {
			return prev
		}
		log.Debugf("conflicting defaults for %s in %s", sig, b.in.Class.Name())
		return klass.NewPoisonPill(sel.Concrete)
	case len(sel.Abstract) > 0:
		target := sel.Abstract[0]
		if prev != nil && prev.Kind() == klass.Miranda && prev.Target() == target {
			return prev
		}
		return klass.NewMiranda(target)
	}
	// No interface declares sig any more; keep whatever was inherited.
	return prev
}

// itables is the third pass: one table per interface, aligned with the
// interface's own method table.
func (b *builder) itables() {
	for _, iface := range b.ifaces {
		iv := b.in.version(iface)
		if iv == nil {
			continue
		}
		table := iv.InterfaceTable()
		methods := make([]*klass.MethodVersion, len(table))
		for k, im := range table {
			entry := b.vt.Lookup(im.Sig())
			if entry == nil {
				entry = klass.NewMiranda(im)
			}
			if entry.Method() != im.Method() {
				b.leaves = append(b.leaves, im.Method())
			}
			methods[k] = entry
		}
		b.its = append(b.its, klass.ITable{Interface: iface, Methods: methods})
	}
}
