package klass

import (
	"fmt"
	"sync/atomic"

	"github.com/daimatz/classlink/pkg/classfile"
)

// Field is a field identity. It survives redefinition: a kept field is the
// same *Field in every version, so its slot (and therefore the storage of
// existing instances) never moves.
type Field struct {
	name       string
	descriptor string
	flags      uint16
	declarer   *Class
	slot       int32

	constantValue uint16

	removed atomic.Bool
	alias   atomic.Pointer[Field]
}

// NewField creates a field. Non-negative slots index the primary layout;
// negative slots are extension slots.
func NewField(declarer *Class, info *classfile.FieldInfo, slot int32) *Field {
	return &Field{
		name:          info.Name,
		descriptor:    info.Descriptor,
		flags:         info.AccessFlags,
		declarer:      declarer,
		slot:          slot,
		constantValue: info.ConstantValue,
	}
}

func (f *Field) Name() string { return f.name }
func (f *Field) Descriptor() string { return f.descriptor }
func (f *Field) Flags() uint16 { return f.flags }
func (f *Field) Declarer() *Class { return f.declarer }
func (f *Field) Slot() int32 { return f.slot }
func (f *Field) ConstantValue() uint16 { return f.constantValue }
func (f *Field) IsStatic() bool { return f.flags&classfile.AccStatic != 0 }
func (f *Field) IsExtension() bool { return f.slot < 0 }
func (f *Field) Sig() Sig { return Sig{f.name, f.descriptor} }

// Removed reports whether a redefinition deleted the field. Its slot stays
// allocated.
func (f *Field) Removed() bool { return f.removed.Load() }

// MarkRemoved makes the field inert.
func (f *Field) MarkRemoved() { f.removed.Store(true) }

// Alias returns the field whose storage this field forwards to, or nil.
// Callers must consult it on every access.
func (f *Field) Alias() *Field { return f.alias.Load() }

// SetAlias forwards reads and writes of f to the storage owner of target
// (nil clears). Chains are collapsed here, so an alias always names a field
// that owns storage. Aliasing f to itself panics.
func (f *Field) SetAlias(target *Field) {
	if target == nil {
		f.alias.Store(nil)
		return
	}
	owner := target.Storage()
	if owner == f {
		panic(fmt.Sprintf("field %s cannot alias itself", f))
	}
	f.alias.Store(owner)
}

// Storage returns the field that owns f's storage.
func (f *Field) Storage() *Field {
	cur := f
	for next := cur.Alias(); next != nil; next = cur.Alias() {
		cur = next
	}
	return cur
}

func (f *Field) String() string {
	if f.declarer == nil {
		return f.name + ":" + f.descriptor
	}
	return f.declarer.Name() + "." + f.name + ":" + f.descriptor
}
