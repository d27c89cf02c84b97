package registry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"weak"

	"github.com/daimatz/classlink/pkg/constraint"
	"github.com/daimatz/classlink/pkg/klass"
	"github.com/daimatz/classlink/pkg/link"
	"github.com/daimatz/classlink/pkg/loader"
)

// ErrClosed is returned by operations on a closed hub.
var ErrClosed = errors.New("registry: hub is closed")

var primitives = []struct{ name, descriptor string }{
	{"boolean", "Z"}, {"byte", "B"}, {"char", "C"}, {"short", "S"},
	{"int", "I"}, {"long", "J"}, {"float", "F"}, {"double", "D"}, {"void", "V"},
}

// Hub is one VM context: the boot loader, the registry of every loader seen
// so far and the loading constraints between them. Independent hubs can
// coexist in one process; loaders must not be shared between them.
type Hub struct {
	boot        *loader.Loader
	bootReg     *ClassRegistry
	constraints *constraint.Tracker
	primitives  map[string]*klass.Class

	redefinition bool

	// sideMu guards registry creation and the weak loader set.
	sideMu     sync.Mutex
	loaders    []weak.Pointer[loader.Loader]
	registered int

	waitMu sync.Mutex
	closed atomic.Bool
}

// Option configures a Hub.
type Option func(*hubConfig)

type hubConfig struct {
	bootSource   loader.Source
	redefinition bool
	constraints  []constraint.Option
}

// WithBootSource sets where the boot loader finds class bytes.
func WithBootSource(src loader.Source) Option {
	return func(c *hubConfig) { c.bootSource = src }
}

// WithRedefinition enables subtype tracking, which redefinition needs.
func WithRedefinition(on bool) Option {
	return func(c *hubConfig) { c.redefinition = on }
}

// WithConstraintOptions passes options to the loading-constraint tracker.
func WithConstraintOptions(opts ...constraint.Option) Option {
	return func(c *hubConfig) { c.constraints = append(c.constraints, opts...) }
}

// New creates a VM context.
func New(opts ...Option) *Hub {
	var cfg hubConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	h := &Hub{
		boot:         loader.NewBoot(cfg.bootSource),
		redefinition: cfg.redefinition,
		primitives:   make(map[string]*klass.Class, len(primitives)),
	}
	h.constraints = constraint.NewTracker(h, cfg.constraints...)
	h.bootReg = newClassRegistry(h, h.boot)
	h.boot.Attach(h.bootReg)
	for _, p := range primitives {
		h.primitives[p.descriptor] = klass.NewPrimitive(p.name, p.descriptor, h.boot)
	}
	log.Infof("new VM context (redefinition %t)", h.redefinition)
	return h
}

// Close tears the context down. Later loads and definitions fail with
// ErrClosed.
func (h *Hub) Close() error {
	if !h.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	h.sideMu.Lock()
	h.loaders = nil
	h.sideMu.Unlock()
	log.Infof("VM context closed")
	return nil
}

func (h *Hub) checkOpen() error {
	if h.closed.Load() {
		return ErrClosed
	}
	return nil
}

func (h *Hub) Boot() *loader.Loader { return h.boot }
func (h *Hub) Constraints() *constraint.Tracker { return h.constraints }
func (h *Hub) RedefinitionEnabled() bool { return h.redefinition }

// Primitive returns the class of a primitive type descriptor ("I"), or nil.
func (h *Hub) Primitive(descriptor string) *klass.Class {
	return h.primitives[descriptor]
}

// Object returns the boot loader's java/lang/Object once it is loaded.
func (h *Hub) Object() *klass.Class {
	return h.bootReg.FindLoaded(link.ObjectClass)
}

// NewLoader creates an application loader and its registry.
func (h *Hub) NewLoader(name string, parent *loader.Loader, src loader.Source) *loader.Loader {
	if parent == nil {
		parent = h.boot
	}
	l := loader.New(name, parent, src)
	h.RegistryFor(l)
	return l
}

// RegistryFor returns the registry of l, creating and attaching it on first
// use. Concurrent first calls yield one registry.
func (h *Hub) RegistryFor(l *loader.Loader) *ClassRegistry {
	if r := h.attached(l); r != nil {
		return r
	}
	h.sideMu.Lock()
	if r := h.attached(l); r != nil {
		h.sideMu.Unlock()
		return r
	}
	r := newClassRegistry(h, l)
	l.Attach(r)
	h.loaders = append(h.loaders, weak.Make(l))
	h.registered++
	purge := h.pruneLocked() > 0
	h.sideMu.Unlock()

	log.Debugf("registry created for %s", l)
	if purge {
		stats := h.constraints.PurgeFunc(h.IsAlive)
		log.Debugf("loaders collected; purged %d constraint entries", stats.Loaders)
	}
	return r
}

func (h *Hub) attached(l *loader.Loader) *ClassRegistry {
	v := l.Attached()
	if v == nil {
		return nil
	}
	r := v.(*ClassRegistry)
	if r.hub != h {
		panic("registry: " + l.String() + " belongs to another VM context")
	}
	return r
}

// pruneLocked drops collected loaders from the weak set and reports how
// many were dropped.
func (h *Hub) pruneLocked() int {
	live := h.loaders[:0]
	for _, p := range h.loaders {
		if p.Value() != nil {
			live = append(live, p)
		}
	}
	dropped := len(h.loaders) - len(live)
	clear(h.loaders[len(live):])
	h.loaders = live
	return dropped
}

func (h *Hub) liveRegistries() []*ClassRegistry {
	h.sideMu.Lock()
	defer h.sideMu.Unlock()
	out := make([]*ClassRegistry, 0, len(h.loaders))
	for _, p := range h.loaders {
		if l := p.Value(); l != nil {
			out = append(out, l.Attached().(*ClassRegistry))
		}
	}
	return out
}

// AliveLoaderIDs returns the loaders that may still be alive, boot first.
// A loader is reported until the collector has actually cleared it.
func (h *Hub) AliveLoaderIDs() []loader.ID {
	h.sideMu.Lock()
	defer h.sideMu.Unlock()
	ids := make([]loader.ID, 0, len(h.loaders)+1)
	ids = append(ids, loader.BootID)
	for _, p := range h.loaders {
		if l := p.Value(); l != nil {
			ids = append(ids, l.ID())
		}
	}
	return ids
}

// IsAlive reports whether the loader with the given id may still be alive.
func (h *Hub) IsAlive(id loader.ID) bool {
	if id == loader.BootID {
		return true
	}
	h.sideMu.Lock()
	defer h.sideMu.Unlock()
	for _, p := range h.loaders {
		if l := p.Value(); l != nil && l.ID() == id {
			return true
		}
	}
	return false
}

// Stats reports registry counts.
type Stats struct {
	Registered int
	Alive      int
}

func (h *Hub) Stats() Stats {
	ids := h.AliveLoaderIDs()
	h.sideMu.Lock()
	defer h.sideMu.Unlock()
	return Stats{Registered: h.registered, Alive: len(ids) - 1}
}

// FindLoaded returns the class l resolves name to, without loading.
func (h *Hub) FindLoaded(l *loader.Loader, name string) *klass.Class {
	return h.RegistryFor(l).FindLoaded(name)
}

// FindAny returns every loaded class named name. A boot class is unique and
// ends the search.
func (h *Hub) FindAny(name string) []*klass.Class {
	if c := h.bootReg.FindLoaded(name); c != nil {
		return []*klass.Class{c}
	}
	var out []*klass.Class
	seen := make(map[*klass.Class]bool)
	for _, r := range h.liveRegistries() {
		if c := r.FindLoaded(name); c != nil && !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	return out
}

// Classes enumerates every class defined in this context, boot classes
// first.
func (h *Hub) Classes() []*klass.Class {
	out := h.bootReg.Classes()
	for _, r := range h.liveRegistries() {
		out = append(out, r.Classes()...)
	}
	return out
}

// LoadClass loads name through l.
func (h *Hub) LoadClass(ctx context.Context, name string, l *loader.Loader) (*klass.Class, error) {
	return h.RegistryFor(l).Load(ctx, name, nil)
}

// DefineClass defines a class in l's registry. name may be empty, in which
// case the name is taken from the bytes.
func (h *Hub) DefineClass(ctx context.Context, name string, data []byte, l *loader.Loader, info DefinitionInfo) (*klass.Class, error) {
	return h.RegistryFor(l).Define(ctx, name, data, info)
}

// CheckLoadingConstraint requires a and b to resolve name to the same class.
func (h *Hub) CheckLoadingConstraint(name string, a, b *loader.Loader) error {
	if a == b {
		return nil
	}
	return h.constraints.Check(name, a, b)
}
