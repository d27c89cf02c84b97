package klass

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/daimatz/classlink/pkg/classfile"
	"github.com/daimatz/classlink/pkg/vmerr"
)

// Sig is a member's name and descriptor.
type Sig struct {
	Name       string
	Descriptor string
}

func (s Sig) String() string { return s.Name + s.Descriptor }

// Method is a method identity that survives redefinition.
type Method struct {
	name       string
	descriptor string
	declarer   *Class

	// leaf stays valid while no loaded class overrides this method.
	leaf    *Assumption
	removed atomic.Bool
	current atomic.Pointer[MethodVersion]
}

// NewMethod creates a method identity declared by declarer.
func NewMethod(declarer *Class, name, descriptor string) *Method {
	m := &Method{name: name, descriptor: descriptor, declarer: declarer}
	m.leaf = NewAssumption("leaf " + m.String())
	return m
}

func (m *Method) Name() string { return m.name }
func (m *Method) Descriptor() string { return m.descriptor }
func (m *Method) Sig() Sig { return Sig{m.name, m.descriptor} }
func (m *Method) Declarer() *Class { return m.declarer }
func (m *Method) Leaf() *Assumption { return m.leaf }
func (m *Method) Removed() bool { return m.removed.Load() }
func (m *Method) Current() *MethodVersion { return m.current.Load() }
func (m *Method) MarkRemoved() { m.removed.Store(true) }
func (m *Method) setCurrent(v *MethodVersion) { m.current.Store(v) }

func (m *Method) String() string {
	owner := "?"
	if m.declarer != nil {
		owner = m.declarer.Name()
	}
	return owner + "." + m.name + m.descriptor
}

// MethodKind tags a MethodVersion.
type MethodKind uint8

const (
	// Declared is a method with a class-file body (or abstract / native).
	Declared MethodKind = iota
	// Miranda is a proxy slot forwarding to an interface method.
	Miranda
	// PoisonPill marks a slot with conflicting default methods.
	PoisonPill
)

func (k MethodKind) String() string {
	switch k {
	case Declared:
		return "declared"
	case Miranda:
		return "miranda"
	case PoisonPill:
		return "poison"
	}
	return fmt.Sprintf("MethodKind(%d)", int(k))
}

const unsetIndex = -1

// MethodVersion is the version-scoped content of a method: flags, code and
// dispatch indices. Indices are set once.
type MethodVersion struct {
	method *Method
	holder *ClassVersion
	kind   MethodKind
	flags  uint16
	info   *classfile.MethodInfo

	vtableIndex atomic.Int32
	itableIndex atomic.Int32

	target     *MethodVersion
	candidates []*MethodVersion

	callTarget atomic.Pointer[callTarget]
}

type callTarget struct {
	v   any
	err error
}

func newMethodVersion(m *Method, kind MethodKind, flags uint16, info *classfile.MethodInfo) *MethodVersion {
	mv := &MethodVersion{method: m, kind: kind, flags: flags, info: info}
	mv.vtableIndex.Store(unsetIndex)
	mv.itableIndex.Store(unsetIndex)
	return mv
}

// NewMethodVersion creates a declared method version from class-file data.
func NewMethodVersion(m *Method, info *classfile.MethodInfo) *MethodVersion {
	return newMethodVersion(m, Declared, info.AccessFlags, info)
}

// NewMiranda creates a proxy slot forwarding to target.
func NewMiranda(target *MethodVersion) *MethodVersion {
	mv := newMethodVersion(target.method, Miranda, target.flags, target.info)
	mv.target = target
	return mv
}

// NewPoisonPill creates a slot that fails with AmbiguousDefault when invoked.
// candidates are the conflicting default methods.
func NewPoisonPill(candidates []*MethodVersion) *MethodVersion {
	first := candidates[0]
	mv := newMethodVersion(first.method, PoisonPill, classfile.AccPublic|classfile.AccAbstract, nil)
	mv.candidates = append([]*MethodVersion(nil), candidates...)
	return mv
}

func (mv *MethodVersion) Method() *Method { return mv.method }
func (mv *MethodVersion) Holder() *ClassVersion { return mv.holder }
func (mv *MethodVersion) Kind() MethodKind { return mv.kind }
func (mv *MethodVersion) Flags() uint16 { return mv.flags }
func (mv *MethodVersion) Info() *classfile.MethodInfo { return mv.info }
func (mv *MethodVersion) Name() string { return mv.method.name }
func (mv *MethodVersion) Descriptor() string { return mv.method.descriptor }
func (mv *MethodVersion) Sig() Sig { return mv.method.Sig() }
func (mv *MethodVersion) Target() *MethodVersion { return mv.target }
func (mv *MethodVersion) Candidates() []*MethodVersion { return mv.candidates }
func (mv *MethodVersion) Is(flag uint16) bool { return mv.flags&flag == flag }
func (mv *MethodVersion) IsStatic() bool { return mv.Is(classfile.AccStatic) }
func (mv *MethodVersion) IsPrivate() bool { return mv.Is(classfile.AccPrivate) }
func (mv *MethodVersion) IsAbstract() bool { return mv.Is(classfile.AccAbstract) }
func (mv *MethodVersion) IsFinal() bool { return mv.Is(classfile.AccFinal) }
func (mv *MethodVersion) IsNative() bool { return mv.Is(classfile.AccNative) }
func (mv *MethodVersion) IsPoisonPill() bool { return mv.kind == PoisonPill }
func (mv *MethodVersion) IsMiranda() bool { return mv.kind == Miranda }

// Code returns the bytecode attribute, or nil for abstract, native and
// synthetic slots.
func (mv *MethodVersion) Code() *classfile.CodeAttribute {
	if mv.info == nil {
		return nil
	}
	return mv.info.Code
}

// IsConstructor reports <init> and <clinit>.
func (mv *MethodVersion) IsConstructor() bool {
	return strings.HasPrefix(mv.method.name, "<")
}

// IsVirtual reports whether the method takes part in vtable dispatch.
func (mv *MethodVersion) IsVirtual() bool {
	return !mv.IsStatic() && !mv.IsPrivate() && !mv.IsConstructor()
}

// IsDefault reports a concrete instance method declared by an interface.
func (mv *MethodVersion) IsDefault() bool {
	return mv.kind == Declared && mv.declaredByInterface() && !mv.IsAbstract() && !mv.IsStatic()
}

func (mv *MethodVersion) declaredByInterface() bool {
	return mv.method.declarer != nil && mv.method.declarer.IsInterface()
}

// FromInterface reports whether the slot content came from an interface:
// an interface-declared method, a miranda proxy or a poison pill.
func (mv *MethodVersion) FromInterface() bool {
	if mv.kind != Declared {
		return true
	}
	return mv.declaredByInterface()
}

// VTableIndex returns the vtable slot, or -1.
func (mv *MethodVersion) VTableIndex() int { return int(mv.vtableIndex.Load()) }

// ITableIndex returns the itable slot within the declaring interface, or -1.
func (mv *MethodVersion) ITableIndex() int { return int(mv.itableIndex.Load()) }

// SetVTableIndex assigns the vtable slot. Reassigning a different value
// panics.
func (mv *MethodVersion) SetVTableIndex(i int) {
	setOnce(&mv.vtableIndex, i, mv, "vtable")
}

// SetITableIndex assigns the itable slot. Reassigning a different value
// panics.
func (mv *MethodVersion) SetITableIndex(i int) {
	setOnce(&mv.itableIndex, i, mv, "itable")
}

func setOnce(cell *atomic.Int32, i int, mv *MethodVersion, what string) {
	if cell.CompareAndSwap(unsetIndex, int32(i)) {
		return
	}
	if got := cell.Load(); got != int32(i) {
		panic(fmt.Sprintf("klass: %s index of %s already %d, cannot set %d", what, mv, got, i))
	}
}

// Resolve returns the method version that actually runs for this slot, or
// the error the invocation must raise.
func (mv *MethodVersion) Resolve() (*MethodVersion, error) {
	switch mv.kind {
	case PoisonPill:
		names := make([]string, len(mv.candidates))
		for i, c := range mv.candidates {
			names[i] = c.method.String()
		}
		return nil, vmerr.New(vmerr.AmbiguousDefault, "conflicting default methods for %s: %s",
			mv.method.Sig(), strings.Join(names, ", "))
	case Miranda:
		return mv.target.Refresh().Resolve()
	}
	if mv.method.Removed() {
		return nil, vmerr.New(vmerr.NoSuchMethod, "%s was removed by redefinition", mv.method)
	}
	if mv.IsAbstract() {
		return nil, vmerr.New(vmerr.AbstractMethod, "%s", mv.method)
	}
	return mv, nil
}

// Refresh maps a table entry whose holder version has been superseded to
// the newest version of the same method. Inherited slots keep pointing at the
// version they were copied from, so dispatch refreshes before resolving. A
// reference captured outside a table should not be refreshed.
func (mv *MethodVersion) Refresh() *MethodVersion {
	if mv.kind != Declared || mv.holder == nil || mv.holder.IsValid() {
		return mv
	}
	if cur := mv.method.Current(); cur != nil {
		return cur
	}
	return mv
}

// CallTarget returns the lazily resolved call target. The first successful
// or failed resolution is cached; concurrent callers may race to compute it
// and the first stored result wins.
func (mv *MethodVersion) CallTarget(resolve func(*MethodVersion) (any, error)) (any, error) {
	if ct := mv.callTarget.Load(); ct != nil {
		return ct.v, ct.err
	}
	v, err := resolve(mv)
	mv.callTarget.CompareAndSwap(nil, &callTarget{v: v, err: err})
	ct := mv.callTarget.Load()
	return ct.v, ct.err
}

func (mv *MethodVersion) String() string {
	s := mv.method.String()
	if mv.kind != Declared {
		s += "[" + mv.kind.String() + "]"
	}
	return s
}
