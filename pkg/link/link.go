// Package link turns a parsed class plus its resolved supertypes into a
// ClassVersion: structural checks, field layout, method declaration,
// runtime constant pool and dispatch tables.
package link

import (
	"github.com/tliron/commonlog"

	"github.com/daimatz/classlink/pkg/classfile"
	"github.com/daimatz/classlink/pkg/dispatch"
	"github.com/daimatz/classlink/pkg/klass"
	"github.com/daimatz/classlink/pkg/vmerr"
)

var log = commonlog.GetLogger("classlink.link")

// ObjectClass is the root of the class hierarchy.
const ObjectClass = "java/lang/Object"

// Request describes a fresh definition.
type Request struct {
	Class      *klass.Class
	Parsed     *classfile.ParsedClass
	Super      *klass.Class
	Interfaces []*klass.Class
	Patches    map[uint16]any
}

// Link checks and links a freshly defined class and returns its first
// version. Nothing is published.
func Link(req Request) (*klass.ClassVersion, *dispatch.Tables, error) {
	if err := Check(req.Class, req.Parsed, req.Super, req.Interfaces); err != nil {
		return nil, nil, err
	}
	layout := LayoutFields(req.Class, req.Parsed, req.Super)
	return Assemble(Assembly{
		Class:      req.Class,
		Parsed:     req.Parsed,
		Super:      req.Super,
		Interfaces: req.Interfaces,
		Layout:     layout,
		Methods:    DeclareMethods(req.Class, req.Parsed),
		Patches:    req.Patches,
	})
}

// Assembly is the input of Assemble.
type Assembly struct {
	Class      *klass.Class
	Number     int
	Parsed     *classfile.ParsedClass
	Super      *klass.Class
	Interfaces []*klass.Class
	Layout     Layout
	Methods    []*klass.MethodVersion
	Patches    map[uint16]any
	Subtypes   *klass.SubtypeList

	// Versions substitutes not yet published supertype versions.
	Versions func(*klass.Class) *klass.ClassVersion
}

// Assemble builds the dispatch tables and the ClassVersion.
func Assemble(a Assembly) (*klass.ClassVersion, *dispatch.Tables, error) {
	tables, err := dispatch.Build(dispatch.Input{
		Class:      a.Class,
		Super:      a.Super,
		Interfaces: a.Interfaces,
		Declared:   a.Methods,
		Versions:   a.Versions,
	})
	if err != nil {
		return nil, nil, err
	}
	linked := &klass.LinkedClass{
		Parsed:         a.Parsed,
		InstanceFields: a.Layout.Instance,
		StaticFields:   a.Layout.Static,
		RemovedFields:  a.Layout.Removed,
		InstanceSlots:  a.Layout.InstanceSlots,
		StaticSlots:    a.Layout.StaticSlots,
		Methods:        a.Methods,
		Pool:           klass.NewRuntimePool(a.Parsed.ConstantPool, a.Patches),
	}
	v := klass.NewVersion(klass.VersionSpec{
		Class:          a.Class,
		Number:         a.Number,
		Linked:         linked,
		Super:          a.Super,
		Interfaces:     a.Interfaces,
		VTable:         tables.VTable,
		ITables:        tables.ITables,
		Mirandas:       tables.Mirandas,
		InterfaceTable: tables.InterfaceTable,
		Shape:          tables.Shape,
		Subtypes:       a.Subtypes,
	})
	return v, tables, nil
}

// Publish installs v as the current version of its class, invalidates the
// leaf assumptions the new tables break and records the class as a subtype
// of its supertypes.
func Publish(v *klass.ClassVersion, tables *dispatch.Tables) {
	cls := v.Class()
	cls.Publish(v)
	if tables != nil {
		if n := tables.InvalidateLeaves(); n > 0 {
			log.Debugf("%s: invalidated %d leaf assumptions", cls.Name(), n)
		}
	}
	register := func(super *klass.Class) {
		if sv := super.Current(); sv != nil && sv.Subtypes() != nil {
			sv.Subtypes().Add(cls)
		}
	}
	if s := v.Super(); s != nil {
		register(s)
	}
	for _, i := range v.Interfaces() {
		register(i)
	}
}

// Check performs the structural checks of a class against its supertypes.
func Check(cls *klass.Class, parsed *classfile.ParsedClass, super *klass.Class, ifaces []*klass.Class) error {
	if super == nil {
		if parsed.Name != ObjectClass {
			return vmerr.New(vmerr.ClassFormat, "%s has no superclass", parsed.Name)
		}
	} else {
		if super.IsInterface() {
			return vmerr.New(vmerr.IncompatibleClassChange, "class %s has interface %s as super class", parsed.Name, super.Name())
		}
		if super.Is(classfile.AccFinal) {
			return vmerr.New(vmerr.Verify, "cannot inherit from final class %s", super.Name())
		}
		if parsed.IsInterface() && super.Name() != ObjectClass {
			return vmerr.New(vmerr.ClassFormat, "interface %s must extend %s", parsed.Name, ObjectClass)
		}
		if err := checkAccess(cls, super, "superclass"); err != nil {
			return err
		}
	}
	for _, i := range ifaces {
		if !i.IsInterface() {
			return vmerr.New(vmerr.IncompatibleClassChange, "class %s can not implement %s, because it is not an interface", parsed.Name, i.Name())
		}
		if err := checkAccess(cls, i, "superinterface"); err != nil {
			return err
		}
	}
	return nil
}

func checkAccess(cls, target *klass.Class, role string) error {
	if target.Is(classfile.AccPublic) || cls.SameRuntimePackage(target) {
		return nil
	}
	if host := cls.Host(); host != nil && host.SameRuntimePackage(target) {
		return nil
	}
	if nest := cls.NestHost(); nest != cls && nest.SameRuntimePackage(target) {
		return nil
	}
	return vmerr.New(vmerr.IllegalAccess, "class %s (in %s) cannot access its %s %s (in %s)",
		cls.Name(), cls.Loader(), role, target.Name(), target.Loader())
}

// DeclareMethods creates fresh method identities and versions for every
// declared method.
func DeclareMethods(cls *klass.Class, parsed *classfile.ParsedClass) []*klass.MethodVersion {
	out := make([]*klass.MethodVersion, len(parsed.Methods))
	for i := range parsed.Methods {
		info := &parsed.Methods[i]
		out[i] = klass.NewMethodVersion(klass.NewMethod(cls, info.Name, info.Descriptor), info)
	}
	return out
}
