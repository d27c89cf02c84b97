// Package extfield stores fields added to a class by redefinition. Such
// fields never receive a primary slot; they get a negative extension slot
// and live in a sparse, slot-sorted side table.
package extfield

import (
	"slices"
	"sync"
	"sync/atomic"
)

var lastSlot atomic.Int32

// NextSlot returns a fresh extension slot: -1, -2, ... process-wide.
func NextSlot() int32 {
	return lastSlot.Add(-1)
}

// Fields is the extension storage of one object or one class's statics.
type Fields[V any] struct {
	mu     sync.RWMutex
	slots  []int32
	values []V
}

func (f *Fields[V]) find(slot int32) (int, bool) {
	return slices.BinarySearch(f.slots, slot)
}

// Get returns the value stored at slot.
func (f *Fields[V]) Get(slot int32) (V, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if i, ok := f.find(slot); ok {
		return f.values[i], true
	}
	var zero V
	return zero, false
}

// Put stores v at slot.
func (f *Fields[V]) Put(slot int32, v V) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.put(slot, v)
}

func (f *Fields[V]) put(slot int32, v V) {
	i, ok := f.find(slot)
	if ok {
		f.values[i] = v
		return
	}
	f.slots = slices.Insert(f.slots, i, slot)
	f.values = slices.Insert(f.values, i, v)
}

// Init stores v at slot unless the slot already holds a value.
func (f *Fields[V]) Init(slot int32, v V) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.find(slot); !ok {
		f.put(slot, v)
	}
}

// Update replaces the value at slot with fn(old, present) atomically and
// returns the new value.
func (f *Fields[V]) Update(slot int32, fn func(old V, present bool) V) V {
	f.mu.Lock()
	defer f.mu.Unlock()
	var old V
	i, ok := f.find(slot)
	if ok {
		old = f.values[i]
	}
	v := fn(old, ok)
	f.put(slot, v)
	return v
}

// Len returns the number of populated slots.
func (f *Fields[V]) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.slots)
}

// Slots returns the populated slots in ascending order.
func (f *Fields[V]) Slots() []int32 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return slices.Clone(f.slots)
}

// Cell holds an object's extension storage, created on first write.
type Cell[V any] struct {
	p atomic.Pointer[Fields[V]]
}

// Load returns the storage, or nil if none was created yet.
func (c *Cell[V]) Load() *Fields[V] {
	return c.p.Load()
}

// Fields returns the storage, creating it if needed. Concurrent creators
// agree on a single instance.
func (c *Cell[V]) Fields() *Fields[V] {
	if f := c.p.Load(); f != nil {
		return f
	}
	c.p.CompareAndSwap(nil, &Fields[V]{})
	return c.p.Load()
}
