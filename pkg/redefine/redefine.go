// Package redefine replaces the current version of a loaded class with a
// new one built from fresh class bytes. Method and field identities survive
// where the new bytes keep them, so existing instances and captured method
// versions stay usable; subtypes are re-linked against the new tables.
package redefine

import (
	"context"
	"slices"
	"sync"

	"github.com/tliron/commonlog"

	"github.com/daimatz/classlink/pkg/classfile"
	"github.com/daimatz/classlink/pkg/dispatch"
	"github.com/daimatz/classlink/pkg/extfield"
	"github.com/daimatz/classlink/pkg/klass"
	"github.com/daimatz/classlink/pkg/link"
	"github.com/daimatz/classlink/pkg/registry"
	"github.com/daimatz/classlink/pkg/vmerr"
)

var log = commonlog.GetLogger("classlink.redefine")

// Redefiner redefines classes of one hub.
type Redefiner struct {
	hub *registry.Hub

	// mu serializes redefinitions so that overlapping subtype closures are
	// never re-linked concurrently.
	mu sync.Mutex

	onFieldsAdded func(cls *klass.Class, fields []*klass.Field)
}

// Option configures a Redefiner.
type Option func(*Redefiner)

// OnFieldsAdded registers fn to be told about fields a redefinition added,
// after the new version is published. The heap uses it to create static
// extension storage eagerly.
func OnFieldsAdded(fn func(cls *klass.Class, fields []*klass.Field)) Option {
	return func(r *Redefiner) { r.onFieldsAdded = fn }
}

// New returns a Redefiner for hub. The hub must have been created with
// redefinition enabled.
func New(hub *registry.Hub, opts ...Option) *Redefiner {
	r := &Redefiner{hub: hub}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Result reports a successful redefinition.
type Result struct {
	Class  *klass.Class
	Old    *klass.ClassVersion
	New    *klass.ClassVersion
	Change *Change

	// Relinked lists the subtypes that received a new version, in the order
	// they were published.
	Relinked []*klass.Class
	// Added holds the fields that got extension storage.
	Added []*klass.Field
}

// Redefine parses data and makes it the current version of cls.
func (r *Redefiner) Redefine(ctx context.Context, cls *klass.Class, data []byte) (*Result, error) {
	parsed, err := classfile.ParseClass(data)
	if err != nil {
		return nil, vmerr.Wrap(vmerr.ClassFormat, err, "%s", cls.Name())
	}
	change, err := Detect(cls.Current(), parsed)
	if err != nil {
		return nil, err
	}
	return r.Apply(ctx, cls, parsed, change)
}

// Apply installs parsed as the next version of cls. Either every affected
// class gets its new version or nothing changes. A change computed against a
// version that is no longer current is recomputed.
func (r *Redefiner) Apply(ctx context.Context, cls *klass.Class, parsed *classfile.ParsedClass, change *Change) (*Result, error) {
	if !r.hub.RedefinitionEnabled() {
		return nil, vmerr.New(vmerr.UnsupportedRedefinition, "redefinition is not enabled for this hub")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cls.LockRedefinition()
	defer cls.UnlockRedefinition()

	old := cls.Current()
	if change == nil || change.Base != old {
		var err error
		if change, err = Detect(old, parsed); err != nil {
			return nil, err
		}
	}

	super, ifaces, err := r.supertypes(ctx, cls, parsed)
	if err != nil {
		return nil, err
	}
	if err := link.Check(cls, parsed, super, ifaces); err != nil {
		return nil, err
	}
	if super != old.Super() {
		if err := compatibleSuper(cls, old.Super(), super); err != nil {
			return nil, err
		}
	}

	p := plan{cls: cls, old: old, parsed: parsed}
	p.fields()
	p.methods()

	b := &batch{pending: make(map[*klass.Class]*klass.ClassVersion)}
	v, tables, err := link.Assemble(link.Assembly{
		Class:      cls,
		Number:     old.Number() + 1,
		Parsed:     parsed,
		Super:      super,
		Interfaces: ifaces,
		Layout:     p.layout,
		Methods:    p.declared,
		Subtypes:   old.Subtypes(),
		Versions:   b.version,
	})
	if err != nil {
		return nil, err
	}
	b.add(cls, v, tables)

	if change.Structural() || v.Shape() != old.Shape() {
		if err := b.relinkSubtypes(old); err != nil {
			log.Warningf("redefinition of %s failed while re-linking subtypes: %v", cls.Name(), err)
			return nil, err
		}
	}

	for _, c := range b.order[1:] {
		c.LockRedefinition()
		defer c.UnlockRedefinition()
	}
	for _, c := range b.order {
		link.Publish(b.pending[c], b.tables[c])
	}
	for _, m := range p.removedMethods {
		m.MarkRemoved()
	}
	for _, f := range p.removedFields {
		f.MarkRemoved()
	}
	if r.onFieldsAdded != nil && len(p.added) > 0 {
		r.onFieldsAdded(cls, p.added)
	}

	log.Debugf("redefined %s: v%d -> v%d (%s), re-linked %d subtypes",
		cls.Name(), old.Number(), v.Number(), change, len(b.order)-1)
	return &Result{
		Class:    cls,
		Old:      old,
		New:      v,
		Change:   change,
		Relinked: slices.Clone(b.order[1:]),
		Added:    p.added,
	}, nil
}

func (r *Redefiner) supertypes(ctx context.Context, cls *klass.Class, parsed *classfile.ParsedClass) (*klass.Class, []*klass.Class, error) {
	reg := r.hub.RegistryFor(cls.Loader())
	resolve := func(name string) (*klass.Class, error) {
		s, err := reg.ResolveSupertype(ctx, cls.Name(), name)
		if err != nil {
			return nil, err
		}
		if s == cls || s.IsSubclassOf(cls) || s.Implements(cls) {
			return nil, vmerr.New(vmerr.ClassCircularity, "%s would become its own supertype through %s", cls.Name(), name)
		}
		return s, nil
	}
	var super *klass.Class
	if parsed.SuperName != "" {
		var err error
		if super, err = resolve(parsed.SuperName); err != nil {
			return nil, nil, err
		}
	}
	ifaces := make([]*klass.Class, len(parsed.InterfaceNames))
	for i, n := range parsed.InterfaceNames {
		var err error
		if ifaces[i], err = resolve(n); err != nil {
			return nil, nil, err
		}
	}
	return super, ifaces, nil
}

// compatibleSuper allows a new superclass only when existing instances keep
// their layout: the inherited primary slots must be the same in number.
func compatibleSuper(cls, from, to *klass.Class) error {
	if from == nil || to == nil {
		return vmerr.New(vmerr.UnsupportedRedefinition, "%s: cannot add or remove a superclass", cls.Name())
	}
	if instanceSlots(from) != instanceSlots(to) {
		return vmerr.New(vmerr.UnsupportedRedefinition,
			"%s: superclass %s has %d instance slots, %s has %d",
			cls.Name(), to.Name(), instanceSlots(to), from.Name(), instanceSlots(from))
	}
	return nil
}

func instanceSlots(c *klass.Class) int {
	if v := c.Current(); v != nil && v.Linked() != nil {
		return v.Linked().InstanceSlots
	}
	return 0
}

// plan is the field and method part of a new version. Nothing in it is
// visible until the version is published; marking removed members is
// deferred until then.
type plan struct {
	cls    *klass.Class
	old    *klass.ClassVersion
	parsed *classfile.ParsedClass

	layout         link.Layout
	declared       []*klass.MethodVersion
	added          []*klass.Field
	removedFields  []*klass.Field
	removedMethods []*klass.Method
}

// fields keeps the identity and slot of every unchanged field. New fields
// get extension slots. A field whose flags changed, or one that an earlier
// redefinition removed, becomes a new field that aliases the old storage
// while the class is initialized.
func (p *plan) fields() {
	lc := p.old.Linked()
	p.layout = link.Layout{
		InstanceSlots: lc.InstanceSlots,
		StaticSlots:   lc.StaticSlots,
		Removed:       slices.Clone(lc.RemovedFields),
	}
	kept := make(map[*klass.Field]bool)
	for i := range p.parsed.Fields {
		info := &p.parsed.Fields[i]
		sig := klass.Sig{Name: info.Name, Descriptor: info.Descriptor}
		var f *klass.Field
		static := info.Is(classfile.AccStatic)
		of := p.old.DeclaredField(sig)
		if of == nil || of.IsStatic() != static {
			// A field removed by an earlier redefinition comes back.
			of = lastRemoved(lc.RemovedFields, sig, static)
		}
		switch {
		case of == nil:
			f = klass.NewField(p.cls, info, extfield.NextSlot())
			p.added = append(p.added, f)
		case !of.Removed() && of.Flags() == info.AccessFlags && of.ConstantValue() == info.ConstantValue:
			f = of
			kept[of] = true
		default:
			f = p.compatible(info, of)
		}
		if f.IsStatic() {
			p.layout.Static = append(p.layout.Static, f)
		} else {
			p.layout.Instance = append(p.layout.Instance, f)
		}
	}
	for _, fs := range [][]*klass.Field{lc.InstanceFields, lc.StaticFields} {
		for _, f := range fs {
			if !kept[f] {
				p.removedFields = append(p.removedFields, f)
				p.layout.Removed = append(p.layout.Removed, f)
			}
		}
	}
}

// compatible creates the replacement of prior, a field with the same name,
// type and staticness. It shares prior's storage while the class is
// initialized and starts from the default value otherwise.
func (p *plan) compatible(info *classfile.FieldInfo, prior *klass.Field) *klass.Field {
	f := klass.NewField(p.cls, info, extfield.NextSlot())
	if p.cls.IsInitialized() {
		f.SetAlias(prior)
	} else {
		p.added = append(p.added, f)
	}
	return f
}

// lastRemoved finds the most recently removed field matching sig.
func lastRemoved(removed []*klass.Field, sig klass.Sig, static bool) *klass.Field {
	for i := len(removed) - 1; i >= 0; i-- {
		if f := removed[i]; f.Sig() == sig && f.IsStatic() == static {
			return f
		}
	}
	return nil
}

// methods re-hosts every declared method under the new version. Methods
// that keep their signature and kind keep their identity.
func (p *plan) methods() {
	kept := make(map[*klass.Method]bool)
	p.declared = make([]*klass.MethodVersion, len(p.parsed.Methods))
	for i := range p.parsed.Methods {
		info := &p.parsed.Methods[i]
		sig := klass.Sig{Name: info.Name, Descriptor: info.Descriptor}
		m := klass.NewMethod(p.cls, info.Name, info.Descriptor)
		if mv := p.old.DeclaredMethod(sig); mv != nil && sameMethodKind(mv.Info(), info) {
			m = mv.Method()
			kept[m] = true
		}
		p.declared[i] = klass.NewMethodVersion(m, info)
	}
	for _, mv := range p.old.Declared() {
		if !kept[mv.Method()] {
			p.removedMethods = append(p.removedMethods, mv.Method())
		}
	}
}

// batch collects new versions that are published together.
type batch struct {
	pending map[*klass.Class]*klass.ClassVersion
	tables  map[*klass.Class]*dispatch.Tables
	order   []*klass.Class
}

func (b *batch) version(c *klass.Class) *klass.ClassVersion {
	return b.pending[c]
}

func (b *batch) add(c *klass.Class, v *klass.ClassVersion, t *dispatch.Tables) {
	if b.tables == nil {
		b.tables = make(map[*klass.Class]*dispatch.Tables)
	}
	b.pending[c] = v
	b.tables[c] = t
	b.order = append(b.order, c)
}

// relinkSubtypes builds a new version of every live transitive subtype of
// root. A class is built only after all of its supertypes in the closure.
func (b *batch) relinkSubtypes(root *klass.ClassVersion) error {
	var closure []*klass.Class
	seen := map[*klass.Class]bool{root.Class(): true}
	queue := []*klass.ClassVersion{root}
	for len(queue) > 0 {
		v := queue[0]
		queue = queue[1:]
		if v.Subtypes() == nil {
			continue
		}
		for _, s := range v.Subtypes().Live() {
			if seen[s] {
				continue
			}
			seen[s] = true
			if sv := s.Current(); sv != nil && sv.Linked() != nil {
				closure = append(closure, s)
				queue = append(queue, sv)
			}
		}
	}
	slices.SortFunc(closure, func(x, y *klass.Class) int {
		switch {
		case x.ID() < y.ID():
			return -1
		case x.ID() > y.ID():
			return 1
		}
		return 0
	})

	ready := func(c *klass.Class) bool {
		v := c.Current()
		deps := append([]*klass.Class{v.Super()}, v.Interfaces()...)
		for _, d := range deps {
			if d != nil && seen[d] && b.pending[d] == nil {
				return false
			}
		}
		return true
	}
	for len(closure) > 0 {
		progressed := false
		rest := closure[:0]
		for _, c := range closure {
			if !ready(c) {
				rest = append(rest, c)
				continue
			}
			if err := b.relink(c); err != nil {
				return err
			}
			progressed = true
		}
		closure = rest
		if !progressed {
			return vmerr.New(vmerr.ClassCircularity, "cannot order subtypes of %s for re-linking", root.Class().Name())
		}
	}
	return nil
}

// relink builds the next version of c from its current contents and the
// pending versions of its supertypes.
func (b *batch) relink(c *klass.Class) error {
	v := c.Current()
	lc := v.Linked()
	declared := make([]*klass.MethodVersion, len(v.Declared()))
	for i, mv := range v.Declared() {
		declared[i] = klass.NewMethodVersion(mv.Method(), mv.Info())
	}
	nv, tables, err := link.Assemble(link.Assembly{
		Class:      c,
		Number:     v.Number() + 1,
		Parsed:     lc.Parsed,
		Super:      v.Super(),
		Interfaces: v.Interfaces(),
		Layout: link.Layout{
			Instance:      lc.InstanceFields,
			Static:        lc.StaticFields,
			Removed:       lc.RemovedFields,
			InstanceSlots: lc.InstanceSlots,
			StaticSlots:   lc.StaticSlots,
		},
		Methods:  declared,
		Patches:  lc.Pool.Patches(),
		Subtypes: v.Subtypes(),
		Versions: b.version,
	})
	if err != nil {
		return err
	}
	b.add(c, nv, tables)
	return nil
}
