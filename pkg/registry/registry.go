// Package registry owns the name to class maps of every loader and the
// process-wide hub that routes loads, definitions and constraint checks to
// them.
package registry

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"weak"

	"github.com/tliron/commonlog"

	"github.com/daimatz/classlink/pkg/classfile"
	"github.com/daimatz/classlink/pkg/klass"
	"github.com/daimatz/classlink/pkg/link"
	"github.com/daimatz/classlink/pkg/loader"
	"github.com/daimatz/classlink/pkg/vmerr"
)

var log = commonlog.GetLogger("classlink.registry")

// ProtectionDomain is the access-check context of a load.
type ProtectionDomain interface {
	CheckAccess(cls *klass.Class) error
}

// DefinitionInfo configures DefineClass.
type DefinitionInfo struct {
	ProtectionDomain ProtectionDomain

	// Hidden classes are never entered in the name map. They stay reachable
	// through the registry strongly (StrongHidden) or only while the class
	// itself is referenced.
	Hidden       bool
	StrongHidden bool

	// HostClass and Patches define an anonymous class whose constant pool
	// entries are replaced by index. Anonymous classes are not named either.
	HostClass *klass.Class
	Patches   map[uint16]any

	// DynamicNest binds the class to HostClass as its nest host.
	DynamicNest bool

	ClassData any
}

func (info DefinitionInfo) unnamed() bool {
	return info.Hidden || info.HostClass != nil
}

// Entry is one name map entry.
type Entry struct {
	name    string
	class   *klass.Class
	domains atomic.Pointer[sync.Map]
}

func (e *Entry) Name() string { return e.name }
func (e *Entry) Class() *klass.Class { return e.class }

func (e *Entry) classFor(pd ProtectionDomain) (*klass.Class, error) {
	if err := e.checkAccess(pd); err != nil {
		return nil, err
	}
	return e.class, nil
}

func (e *Entry) checkAccess(pd ProtectionDomain) error {
	if pd == nil {
		return nil
	}
	domains := e.domains.Load()
	if domains != nil {
		if _, ok := domains.Load(pd); ok {
			return nil
		}
	}
	if err := pd.CheckAccess(e.class); err != nil {
		return err
	}
	if domains == nil {
		e.domains.CompareAndSwap(nil, &sync.Map{})
		domains = e.domains.Load()
	}
	domains.Store(pd, struct{}{})
	return nil
}

// ClassRegistry is the name to class map of one loader.
type ClassRegistry struct {
	hub    *Hub
	loader *loader.Loader

	entries sync.Map // string -> *Entry

	mu           sync.Mutex
	placeholders map[string]*placeholder

	hiddenMu     sync.Mutex
	strongHidden []*klass.Class
	weakHidden   []weak.Pointer[klass.Class]
}

func newClassRegistry(h *Hub, l *loader.Loader) *ClassRegistry {
	return &ClassRegistry{hub: h, loader: l, placeholders: make(map[string]*placeholder)}
}

func (r *ClassRegistry) Loader() *loader.Loader { return r.loader }

// Entry returns the name map entry for name, or nil.
func (r *ClassRegistry) Entry(name string) *Entry {
	if e, ok := r.entries.Load(name); ok {
		return e.(*Entry)
	}
	return nil
}

// FindLoaded returns the class this loader resolves name to, without
// loading anything. Array names resolve through their element type.
func (r *ClassRegistry) FindLoaded(name string) *klass.Class {
	if strings.HasPrefix(name, "[") {
		component := r.findComponent(name[1:])
		if component == nil {
			return nil
		}
		return component.ArrayClass(r.hub.Object())
	}
	if e := r.Entry(name); e != nil {
		return e.class
	}
	return nil
}

func (r *ClassRegistry) findComponent(descriptor string) *klass.Class {
	switch {
	case strings.HasPrefix(descriptor, "["):
		return r.FindLoaded(descriptor)
	case strings.HasPrefix(descriptor, "L") && strings.HasSuffix(descriptor, ";"):
		return r.FindLoaded(descriptor[1 : len(descriptor)-1])
	}
	return r.hub.Primitive(descriptor)
}

// Load returns the class this loader resolves name to, loading it on a miss.
// Concurrent loads of one name block on each other and all observe the same
// class; loads of different names proceed independently.
func (r *ClassRegistry) Load(ctx context.Context, name string, pd ProtectionDomain) (*klass.Class, error) {
	if err := r.hub.checkOpen(); err != nil {
		return nil, err
	}
	if strings.HasPrefix(name, "[") {
		return r.loadArray(ctx, name)
	}
	if e := r.Entry(name); e != nil {
		return e.classFor(pd)
	}

	ctx, th := withThread(ctx)
	if parent := r.loader.Parent(); parent != nil {
		cls, err := r.hub.RegistryFor(parent).Load(ctx, name, nil)
		switch {
		case err == nil:
			return r.recordInitiated(name, cls, pd)
		case !vmerr.Is(err, vmerr.ClassNotFound):
			return nil, err
		}
	}

	r.mu.Lock()
	if e := r.Entry(name); e != nil {
		r.mu.Unlock()
		return e.classFor(pd)
	}
	if p := r.placeholders[name]; p != nil {
		r.mu.Unlock()
		if err := r.hub.await(th, name, p); err != nil {
			return nil, err
		}
		if p.err != nil {
			return nil, p.err
		}
		return r.Entry(name).classFor(pd)
	}
	p := &placeholder{owner: th, done: make(chan struct{})}
	r.placeholders[name] = p
	r.mu.Unlock()

	p.class, p.err = r.loadFromSource(ctx, name, pd)

	r.mu.Lock()
	delete(r.placeholders, name)
	r.mu.Unlock()
	close(p.done)
	if p.err != nil {
		return nil, p.err
	}
	return r.Entry(name).classFor(pd)
}

func (r *ClassRegistry) loadFromSource(ctx context.Context, name string, pd ProtectionDomain) (*klass.Class, error) {
	src := r.loader.Source()
	if src == nil {
		return nil, vmerr.New(vmerr.ClassNotFound, "%s", name)
	}
	data, err := src.Find(name)
	if errors.Is(err, loader.ErrNotFound) {
		return nil, vmerr.Wrap(vmerr.ClassNotFound, err, "%s", name)
	}
	if err != nil {
		return nil, vmerr.Wrap(vmerr.NoClassDefFound, err, "%s: reading class bytes", name)
	}
	return r.Define(ctx, name, data, DefinitionInfo{ProtectionDomain: pd})
}

// recordInitiated enters a class found through delegation into this
// loader's map, recording this loader as an initiating loader of it.
func (r *ClassRegistry) recordInitiated(name string, cls *klass.Class, pd ProtectionDomain) (*klass.Class, error) {
	err := r.hub.constraints.RecordAndPublish(name, cls, r.loader, func() error {
		if e := r.Entry(name); e != nil && e.class != cls {
			return vmerr.New(vmerr.LoadingConstraint, "%s already resolves %s to a different class", r.loader, name)
		}
		r.entries.LoadOrStore(name, &Entry{name: name, class: cls})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return r.Entry(name).classFor(pd)
}

func (r *ClassRegistry) loadArray(ctx context.Context, name string) (*klass.Class, error) {
	elem := name[1:]
	var component *klass.Class
	var err error
	switch {
	case strings.HasPrefix(elem, "["):
		component, err = r.loadArray(ctx, elem)
	case strings.HasPrefix(elem, "L") && strings.HasSuffix(elem, ";"):
		component, err = r.Load(ctx, elem[1:len(elem)-1], nil)
	default:
		if component = r.hub.Primitive(elem); component == nil {
			err = vmerr.New(vmerr.ClassNotFound, "%s", name)
		}
	}
	if err != nil {
		return nil, err
	}
	object, err := r.hub.bootReg.Load(ctx, link.ObjectClass, nil)
	if err != nil && !vmerr.Is(err, vmerr.ClassNotFound) {
		return nil, err
	}
	return component.ArrayClass(object), nil
}

// Define parses data, resolves its supertypes, links it and publishes the
// class. A named class is inserted only if no class of that name is defined
// by this loader yet; otherwise the definition fails with AlreadyDefined.
// Nothing is published when any step fails.
func (r *ClassRegistry) Define(ctx context.Context, name string, data []byte, info DefinitionInfo) (*klass.Class, error) {
	if err := r.hub.checkOpen(); err != nil {
		return nil, err
	}
	parsed, err := classfile.ParseClass(data)
	if err != nil {
		return nil, parseError(name, err)
	}
	if name != "" && parsed.Name != name {
		return nil, vmerr.New(vmerr.NoClassDefFound, "%s (wrong name: %s)", name, parsed.Name)
	}
	name = parsed.Name
	if !info.unnamed() && r.Entry(name) != nil {
		return nil, r.alreadyDefined(name)
	}

	ctx, _ = withThread(ctx)
	ctx = pushResolving(ctx, r.loader, name)
	super, ifaces, err := r.resolveSupertypes(ctx, parsed)
	if err != nil {
		return nil, err
	}

	opts := []klass.ClassOption{klass.TrackSubtypes(r.hub.redefinition)}
	if info.unnamed() {
		opts = append(opts, klass.Hidden(info.HostClass, info.ClassData))
	}
	if info.DynamicNest && info.HostClass != nil {
		opts = append(opts, klass.NestHost(info.HostClass.NestHost()))
	}
	cls := klass.NewClass(name, parsed.AccessFlags, r.loader, opts...)

	v, tables, err := link.Link(link.Request{
		Class:      cls,
		Parsed:     parsed,
		Super:      super,
		Interfaces: ifaces,
		Patches:    info.Patches,
	})
	if err != nil {
		return nil, err
	}

	if info.unnamed() {
		link.Publish(v, tables)
		r.addHidden(cls, info.StrongHidden)
		log.Debugf("defined hidden %s in %s", cls, r.loader)
		return cls, nil
	}

	err = r.hub.constraints.RecordAndPublish(name, cls, r.loader, func() error {
		if r.Entry(name) != nil {
			return r.alreadyDefined(name)
		}
		link.Publish(v, tables)
		r.entries.Store(name, &Entry{name: name, class: cls})
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Debugf("defined %s in %s (vtable %d, itables %d)", cls, r.loader, len(v.VTable()), len(v.ITables()))
	return cls, nil
}

func (r *ClassRegistry) alreadyDefined(name string) error {
	return vmerr.New(vmerr.AlreadyDefined, "%s attempted duplicate class definition for %s", r.loader, name)
}

func parseError(name string, err error) error {
	if errors.Is(err, classfile.ErrUnsupportedVersion) {
		return vmerr.Wrap(vmerr.UnsupportedClassVersion, err, "%s", name)
	}
	return vmerr.Wrap(vmerr.ClassFormat, err, "%s", name)
}

func (r *ClassRegistry) resolveSupertypes(ctx context.Context, parsed *classfile.ParsedClass) (*klass.Class, []*klass.Class, error) {
	var super *klass.Class
	if parsed.SuperName != "" {
		var err error
		if super, err = r.resolveSupertype(ctx, parsed.Name, parsed.SuperName); err != nil {
			return nil, nil, err
		}
	}
	ifaces := make([]*klass.Class, len(parsed.InterfaceNames))
	for i, n := range parsed.InterfaceNames {
		var err error
		if ifaces[i], err = r.resolveSupertype(ctx, parsed.Name, n); err != nil {
			return nil, nil, err
		}
	}
	return super, ifaces, nil
}

// ResolveSupertype loads a supertype of the class being defined, failing
// with ClassCircularity if it is already being resolved on this call chain.
func (r *ClassRegistry) ResolveSupertype(ctx context.Context, sub, name string) (*klass.Class, error) {
	ctx, _ = withThread(ctx)
	return r.resolveSupertype(pushResolving(ctx, r.loader, sub), sub, name)
}

func (r *ClassRegistry) resolveSupertype(ctx context.Context, sub, name string) (*klass.Class, error) {
	if chain := resolvingChain(ctx, r.loader, name); chain != nil {
		return nil, circularity(name, chain)
	}
	cls, err := r.Load(ctx, name, nil)
	if vmerr.Is(err, vmerr.ClassNotFound) {
		return nil, vmerr.Wrap(vmerr.NoClassDefFound, err, "%s: supertype %s", sub, name)
	}
	return cls, err
}

func (r *ClassRegistry) addHidden(cls *klass.Class, strong bool) {
	r.hiddenMu.Lock()
	defer r.hiddenMu.Unlock()
	if strong {
		r.strongHidden = append(r.strongHidden, cls)
		return
	}
	live := r.weakHidden[:0]
	for _, p := range r.weakHidden {
		if p.Value() != nil {
			live = append(live, p)
		}
	}
	r.weakHidden = append(live, weak.Make(cls))
}

// Hidden returns the hidden and anonymous classes still reachable.
func (r *ClassRegistry) Hidden() []*klass.Class {
	r.hiddenMu.Lock()
	defer r.hiddenMu.Unlock()
	out := make([]*klass.Class, 0, len(r.strongHidden)+len(r.weakHidden))
	out = append(out, r.strongHidden...)
	for _, p := range r.weakHidden {
		if c := p.Value(); c != nil {
			out = append(out, c)
		}
	}
	return out
}

// Classes returns the named classes this loader defined, followed by its
// reachable hidden classes. Classes only initiated by this loader are
// skipped.
func (r *ClassRegistry) Classes() []*klass.Class {
	var out []*klass.Class
	r.entries.Range(func(_, v any) bool {
		if c := v.(*Entry).class; c.Loader() == r.loader {
			out = append(out, c)
		}
		return true
	})
	return append(out, r.Hidden()...)
}
