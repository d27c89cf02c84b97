// Package klass holds the runtime class model: Class identities with an
// atomically swappable current ClassVersion, Method identities with their
// MethodVersions, fields, and the assumptions that guard cached lookups.
package klass

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/daimatz/classlink/pkg/classfile"
	"github.com/daimatz/classlink/pkg/loader"
)

// ClassID is a process-wide class identity; 0 means unresolved.
type ClassID uint64

var lastClassID atomic.Uint64

// ClassKind distinguishes ordinary classes from interfaces, arrays and
// primitive types.
type ClassKind uint8

const (
	KindClass ClassKind = iota
	KindInterface
	KindArray
	KindPrimitive
)

func (k ClassKind) String() string {
	switch k {
	case KindClass:
		return "class"
	case KindInterface:
		return "interface"
	case KindArray:
		return "array"
	case KindPrimitive:
		return "primitive"
	}
	return fmt.Sprintf("ClassKind(%d)", int(k))
}

// Class is the stable identity of a loaded type. Its content lives in the
// current ClassVersion, which redefinition replaces atomically.
type Class struct {
	id     ClassID
	name   string
	kind   ClassKind
	flags  uint16
	loader *loader.Loader

	hidden    bool
	host      *Class
	nestHost  *Class
	classData any

	component  *Class
	descriptor string

	trackSubtypes bool

	current atomic.Pointer[ClassVersion]
	array   atomic.Pointer[Class]

	redefineMu sync.Mutex
	init       initLock
}

// ClassOption configures a Class at construction.
type ClassOption func(*Class)

// Hidden marks the class as hidden (not registered by name), hosted by host
// and carrying classData.
func Hidden(host *Class, classData any) ClassOption {
	return func(c *Class) {
		c.hidden = true
		c.host = host
		c.classData = classData
	}
}

// NestHost binds the class to an alternate nest host.
func NestHost(host *Class) ClassOption {
	return func(c *Class) { c.nestHost = host }
}

// TrackSubtypes makes versions of the class keep a weak subtype list.
func TrackSubtypes(on bool) ClassOption {
	return func(c *Class) { c.trackSubtypes = on }
}

// NewClass creates a class identity and assigns its ClassID. The class has
// no version until Publish is called.
func NewClass(name string, flags uint16, l *loader.Loader, opts ...ClassOption) *Class {
	c := &Class{
		id:         ClassID(lastClassID.Add(1)),
		name:       name,
		flags:      flags,
		loader:     l,
		descriptor: "L" + name + ";",
	}
	if flags&classfile.AccInterface != 0 {
		c.kind = KindInterface
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewPrimitive creates the class of a primitive type such as "int" with
// descriptor "I".
func NewPrimitive(name, descriptor string, boot *loader.Loader) *Class {
	c := &Class{
		id:         ClassID(lastClassID.Add(1)),
		name:       name,
		kind:       KindPrimitive,
		flags:      classfile.AccPublic | classfile.AccFinal | classfile.AccAbstract,
		loader:     boot,
		descriptor: descriptor,
	}
	c.Publish(NewVersion(VersionSpec{Class: c}))
	return c
}

func (c *Class) ID() ClassID { return c.id }
func (c *Class) Name() string { return c.name }
func (c *Class) Kind() ClassKind { return c.kind }
func (c *Class) Flags() uint16 { return c.flags }
func (c *Class) Loader() *loader.Loader { return c.loader }
func (c *Class) Descriptor() string { return c.descriptor }
func (c *Class) Component() *Class { return c.component }
func (c *Class) IsInterface() bool { return c.kind == KindInterface }
func (c *Class) IsArray() bool { return c.kind == KindArray }
func (c *Class) IsPrimitive() bool { return c.kind == KindPrimitive }
func (c *Class) IsHidden() bool { return c.hidden }
func (c *Class) Host() *Class { return c.host }
func (c *Class) ClassData() any { return c.classData }

// NestHost returns the nest host bound at definition, or c itself.
func (c *Class) NestHost() *Class {
	if c.nestHost != nil {
		return c.nestHost
	}
	return c
}
func (c *Class) TracksSubtypes() bool { return c.trackSubtypes }
func (c *Class) Is(flag uint16) bool { return c.flags&flag == flag }
func (c *Class) Package() string { return classfile.PackageName(c.name) }

// SameRuntimePackage reports whether both classes share a package name and
// a defining loader.
func (c *Class) SameRuntimePackage(o *Class) bool {
	return c.loader == o.loader && c.Package() == o.Package()
}

func (c *Class) String() string {
	return fmt.Sprintf("%s %s#%d", c.kind, c.name, c.id)
}

// Current returns the current version. A version observed with an invalid
// assumption is stale and is re-read.
func (c *Class) Current() *ClassVersion {
	for {
		v := c.current.Load()
		if v == nil || v.assumption.IsValid() {
			return v
		}
		runtime.Gosched()
	}
}

// CurrentVersion returns prev while it is still valid, else the current
// version.
func (c *Class) CurrentVersion(prev *ClassVersion) *ClassVersion {
	if prev != nil && prev.class == c && prev.assumption.IsValid() {
		return prev
	}
	return c.Current()
}

// Publish makes v the current version. The new pointer is stored before the
// previous version's assumption is invalidated, so a reader that observes
// the invalidation always finds the successor. It returns the predecessor.
func (c *Class) Publish(v *ClassVersion) *ClassVersion {
	if v.class != c {
		panic(fmt.Sprintf("klass: publishing a version of %s on %s", v.class.name, c.name))
	}
	for _, mv := range v.declared {
		mv.method.setCurrent(mv)
	}
	old := c.current.Swap(v)
	if old != nil {
		old.assumption.Invalidate()
	}
	return old
}

// LockRedefinition serializes redefinitions of the class.
func (c *Class) LockRedefinition() { c.redefineMu.Lock() }
func (c *Class) UnlockRedefinition() { c.redefineMu.Unlock() }

// ArrayClass returns the array class whose component is c, creating it on
// first use. object is the root class arrays inherit from.
func (c *Class) ArrayClass(object *Class) *Class {
	if a := c.array.Load(); a != nil {
		return a
	}
	a := &Class{
		id:         ClassID(lastClassID.Add(1)),
		name:       "[" + c.descriptor,
		kind:       KindArray,
		flags:      classfile.AccPublic | classfile.AccFinal | classfile.AccAbstract,
		loader:     c.loader,
		component:  c,
		descriptor: "[" + c.descriptor,
	}
	spec := VersionSpec{Class: a, Super: object}
	if object != nil {
		if ov := object.Current(); ov != nil {
			spec.VTable = ov.vtable
		}
	}
	a.Publish(NewVersion(spec))
	if c.array.CompareAndSwap(nil, a) {
		return a
	}
	return c.array.Load()
}

// Super returns the current superclass, or nil.
func (c *Class) Super() *Class {
	if v := c.Current(); v != nil {
		return v.super
	}
	return nil
}

// IsSubclassOf reports whether other is c or one of its superclasses.
func (c *Class) IsSubclassOf(other *Class) bool {
	for k := c; k != nil; k = k.Super() {
		if k == other {
			return true
		}
	}
	return false
}

// Implements reports whether iface is among the transitive interfaces of c
// or its superclasses.
func (c *Class) Implements(iface *Class) bool {
	for k := c; k != nil; k = k.Super() {
		v := k.Current()
		if v == nil {
			continue
		}
		for _, i := range v.interfaces {
			if i == iface || i.Implements(iface) {
				return true
			}
		}
	}
	return false
}

// IsAssignableTo reports whether a value of type c can be stored in a
// variable of type t.
func (c *Class) IsAssignableTo(t *Class) bool {
	if c == t {
		return true
	}
	switch {
	case c.IsArray():
		if t.IsArray() {
			ce, te := c.component, t.component
			if ce.IsPrimitive() || te.IsPrimitive() {
				return ce == te
			}
			return ce.IsAssignableTo(te)
		}
		// arrays are Objects
		return !t.IsInterface() && t.Super() == nil && !t.IsPrimitive()
	case t.IsInterface():
		return c.Implements(t)
	case c.IsInterface():
		return t.Super() == nil && !t.IsPrimitive() && !t.IsArray()
	}
	return c.IsSubclassOf(t)
}
