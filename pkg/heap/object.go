package heap

import (
	"fmt"
	"sync"

	"github.com/daimatz/classlink/pkg/extfield"
	"github.com/daimatz/classlink/pkg/klass"
	"github.com/daimatz/classlink/pkg/vmerr"
)

// Object is an instance of a class. Primary fields live in a slice indexed
// by field slot; fields added by redefinition live in ext, which is created
// on first write.
type Object struct {
	class *klass.Class
	hash  int32

	mu     sync.RWMutex
	fields []Value
	ext    extfield.Cell[Value]

	peer any
}

func (o *Object) Class() *klass.Class { return o.class }
func (o *Object) IdentityHash() int32 { return o.hash }

// Peer returns the host value attached by native code.
func (o *Object) Peer() any {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.peer
}

// SetPeer attaches a host value.
func (o *Object) SetPeer(v any) {
	o.mu.Lock()
	o.peer = v
	o.mu.Unlock()
}

func (o *Object) String() string {
	return fmt.Sprintf("%s@%x", o.class.Name(), uint32(o.hash))
}

// Get reads an instance field, following compatible-field aliasing.
func (o *Object) Get(f *klass.Field) (Value, error) {
	if f.IsStatic() {
		return Value{}, vmerr.New(vmerr.IncompatibleClassChange, "expected non-static field %s", f)
	}
	s := f.Storage()
	if s.IsExtension() {
		if ext := o.ext.Load(); ext != nil {
			if v, ok := ext.Get(s.Slot()); ok {
				return v, nil
			}
		}
		return Zero(s.Descriptor()), nil
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	if int(s.Slot()) < len(o.fields) {
		return o.fields[s.Slot()], nil
	}
	return Zero(s.Descriptor()), nil
}

// Put writes an instance field, following compatible-field aliasing.
func (o *Object) Put(f *klass.Field, v Value) error {
	if f.IsStatic() {
		return vmerr.New(vmerr.IncompatibleClassChange, "expected non-static field %s", f)
	}
	s := f.Storage()
	if s.IsExtension() {
		o.ext.Fields().Put(s.Slot(), v)
		return nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if int(s.Slot()) >= len(o.fields) {
		return vmerr.New(vmerr.IncompatibleClassChange, "%s has no slot %d for %s", o, s.Slot(), f)
	}
	o.fields[s.Slot()] = v
	return nil
}

// ExtensionSlots lists the extension slots this object has storage for.
func (o *Object) ExtensionSlots() []int32 {
	if ext := o.ext.Load(); ext != nil {
		return ext.Slots()
	}
	return nil
}

// Array is an array instance.
type Array struct {
	class    *klass.Class
	hash     int32
	Elements []Value
}

func (a *Array) Class() *klass.Class { return a.class }
func (a *Array) IdentityHash() int32 { return a.hash }
func (a *Array) Len() int { return len(a.Elements) }

// Statics is the holder of a class's static fields.
type Statics struct {
	class *klass.Class

	mu     sync.RWMutex
	fields []Value
	ext    extfield.Fields[Value]
}

func (s *Statics) Class() *klass.Class { return s.class }

// Get reads a static field, following compatible-field aliasing.
func (s *Statics) Get(f *klass.Field) (Value, error) {
	if !f.IsStatic() {
		return Value{}, vmerr.New(vmerr.IncompatibleClassChange, "expected static field %s", f)
	}
	st := f.Storage()
	if st.IsExtension() {
		if v, ok := s.ext.Get(st.Slot()); ok {
			return v, nil
		}
		return Zero(st.Descriptor()), nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if int(st.Slot()) < len(s.fields) {
		return s.fields[st.Slot()], nil
	}
	return Zero(st.Descriptor()), nil
}

// Put writes a static field, following compatible-field aliasing.
func (s *Statics) Put(f *klass.Field, v Value) error {
	if !f.IsStatic() {
		return vmerr.New(vmerr.IncompatibleClassChange, "expected static field %s", f)
	}
	st := f.Storage()
	if st.IsExtension() {
		s.ext.Put(st.Slot(), v)
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if int(st.Slot()) >= len(s.fields) {
		return vmerr.New(vmerr.IncompatibleClassChange, "%s has no static slot %d for %s", s.class, st.Slot(), f)
	}
	s.fields[st.Slot()] = v
	return nil
}

// ExtensionLen reports how many static extension slots hold a value.
func (s *Statics) ExtensionLen() int { return s.ext.Len() }
