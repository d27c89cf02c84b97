package heap

import (
	"sync"
	"sync/atomic"

	"github.com/tliron/commonlog"

	"github.com/daimatz/classlink/pkg/classfile"
	"github.com/daimatz/classlink/pkg/klass"
	"github.com/daimatz/classlink/pkg/vmerr"
)

var log = commonlog.GetLogger("classlink.heap")

// Heap allocates instances and owns the statics holder of every class.
type Heap struct {
	statics  sync.Map // *klass.Class -> *Statics
	lastHash atomic.Int32
}

func New() *Heap {
	return &Heap{}
}

func (h *Heap) nextHash() int32 {
	// Fibonacci hashing spreads consecutive counters.
	return int32(uint32(h.lastHash.Add(1)) * 2654435769)
}

// Allocate creates a zeroed instance of cls laid out by its current
// version.
func (h *Heap) Allocate(cls *klass.Class) (*Object, error) {
	if cls.IsInterface() || cls.IsArray() || cls.IsPrimitive() || cls.Is(classfile.AccAbstract) {
		return nil, vmerr.New(vmerr.IncompatibleClassChange, "cannot instantiate %s %s", cls.Kind(), cls.Name())
	}
	v := cls.Current()
	if v == nil || v.Linked() == nil {
		return nil, vmerr.New(vmerr.NoClassDefFound, "%s is not linked", cls.Name())
	}
	fields := make([]Value, v.Linked().InstanceSlots)
	for k := v; k != nil; {
		lc := k.Linked()
		if lc == nil {
			break
		}
		zero := func(fs []*klass.Field) {
			for _, f := range fs {
				if !f.IsStatic() && !f.IsExtension() && int(f.Slot()) < len(fields) {
					fields[f.Slot()] = Zero(f.Descriptor())
				}
			}
		}
		zero(lc.InstanceFields)
		zero(lc.RemovedFields)
		if k.Super() == nil {
			break
		}
		k = k.Super().Current()
	}
	return &Object{class: cls, hash: h.nextHash(), fields: fields}, nil
}

// NewArray creates a zeroed array of the array class cls.
func (h *Heap) NewArray(cls *klass.Class, length int32) (*Array, error) {
	if !cls.IsArray() {
		return nil, vmerr.New(vmerr.IncompatibleClassChange, "%s is not an array class", cls.Name())
	}
	if length < 0 {
		return nil, vmerr.New(vmerr.IncompatibleClassChange, "negative array size %d", length)
	}
	elems := make([]Value, length)
	zero := Zero(cls.Component().Descriptor())
	for i := range elems {
		elems[i] = zero
	}
	return &Array{class: cls, hash: h.nextHash(), Elements: elems}, nil
}

// Statics returns the statics holder of cls, creating it on first use.
func (h *Heap) Statics(cls *klass.Class) *Statics {
	if s, ok := h.statics.Load(cls); ok {
		return s.(*Statics)
	}
	s := &Statics{class: cls}
	if v := cls.Current(); v != nil && v.Linked() != nil {
		lc := v.Linked()
		s.fields = make([]Value, lc.StaticSlots)
		for _, fs := range [][]*klass.Field{lc.StaticFields, lc.RemovedFields} {
			for _, f := range fs {
				if f.IsStatic() && !f.IsExtension() && int(f.Slot()) < len(s.fields) {
					s.fields[f.Slot()] = Zero(f.Descriptor())
				}
			}
		}
	}
	actual, loaded := h.statics.LoadOrStore(cls, s)
	if !loaded {
		log.Debugf("statics holder for %s (%d slots)", cls.Name(), len(s.fields))
	}
	return actual.(*Statics)
}

// AddFields prepares storage for fields a redefinition added to a class.
// Static extension slots are created eagerly; instance extension storage is
// created per object on first write.
func (h *Heap) AddFields(cls *klass.Class, fields []*klass.Field) {
	var s *Statics
	for _, f := range fields {
		if !f.IsStatic() || !f.IsExtension() || f.Alias() != nil {
			continue
		}
		if s == nil {
			s = h.Statics(cls)
		}
		s.ext.Init(f.Slot(), Zero(f.Descriptor()))
	}
}
