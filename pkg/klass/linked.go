package klass

import (
	"sync"

	"github.com/daimatz/classlink/pkg/classfile"
)

// LinkedClass is the result of linking a parsed class: its field layout,
// declared methods and runtime constant pool. It is owned by exactly one
// ClassVersion and never mutated after construction.
type LinkedClass struct {
	Parsed *classfile.ParsedClass

	// InstanceFields and StaticFields are the live declared fields. Fields
	// deleted by a redefinition move to RemovedFields; their slots stay
	// allocated.
	InstanceFields []*Field
	StaticFields   []*Field
	RemovedFields  []*Field

	// InstanceSlots counts primary instance slots including inherited ones;
	// StaticSlots counts this class's primary static slots.
	InstanceSlots int
	StaticSlots   int

	Methods []*MethodVersion
	Pool    *RuntimePool
}

// Name returns the class name.
func (lc *LinkedClass) Name() string { return lc.Parsed.Name }

// RuntimePool is the per-version constant pool with anonymous-class patches
// and a cache of resolved entries.
type RuntimePool struct {
	entries  []classfile.ConstantPoolEntry
	patches  map[uint16]any
	resolved sync.Map // uint16 -> any
}

// NewRuntimePool wraps a parsed pool. patches replaces entries by index.
func NewRuntimePool(entries []classfile.ConstantPoolEntry, patches map[uint16]any) *RuntimePool {
	return &RuntimePool{entries: entries, patches: patches}
}

func (p *RuntimePool) Entries() []classfile.ConstantPoolEntry { return p.entries }

// Patch returns the patched value at index, if any.
func (p *RuntimePool) Patch(index uint16) (any, bool) {
	v, ok := p.patches[index]
	return v, ok
}

// Patches returns the patch map the pool was created with.
func (p *RuntimePool) Patches() map[uint16]any { return p.patches }

// Resolved returns a previously cached resolution of index.
func (p *RuntimePool) Resolved(index uint16) (any, bool) {
	return p.resolved.Load(index)
}

// Resolve caches v for index; the first stored value wins.
func (p *RuntimePool) Resolve(index uint16, v any) any {
	actual, _ := p.resolved.LoadOrStore(index, v)
	return actual
}
