package redefine

import (
	"bytes"
	"fmt"
	"slices"
	"strings"

	"github.com/daimatz/classlink/pkg/classfile"
	"github.com/daimatz/classlink/pkg/dispatch"
	"github.com/daimatz/classlink/pkg/klass"
	"github.com/daimatz/classlink/pkg/vmerr"
)

// Change describes how a class file differs from the version it replaces.
type Change struct {
	Base   *klass.ClassVersion
	Parsed *classfile.ParsedClass

	AddedMethods   []klass.Sig
	RemovedMethods []klass.Sig
	// ChangedMethods keep their identity but have a new body or new flags.
	ChangedMethods []klass.Sig
	// ResolutionChanged is the subset of ChangedMethods whose new flags
	// change how subtypes resolve them, such as a default becoming abstract.
	ResolutionChanged []klass.Sig

	AddedFields   []klass.Sig
	RemovedFields []klass.Sig
	// ChangedFields keep name and type but not flags; they become compatible
	// aliases of the fields they replace.
	ChangedFields []klass.Sig

	SuperChanged      bool
	InterfacesChanged bool
}

// Empty reports whether nothing but constant pool layout differs.
func (c *Change) Empty() bool {
	return len(c.AddedMethods)+len(c.RemovedMethods)+len(c.ChangedMethods)+
		len(c.AddedFields)+len(c.RemovedFields)+len(c.ChangedFields) == 0 &&
		!c.SuperChanged && !c.InterfacesChanged
}

// Structural reports whether the virtual membership of the class may change,
// so that subtypes need new tables.
func (c *Change) Structural() bool {
	return len(c.AddedMethods)+len(c.RemovedMethods)+len(c.ResolutionChanged) > 0 ||
		c.SuperChanged || c.InterfacesChanged
}

func (c *Change) String() string {
	var parts []string
	add := func(label string, sigs []klass.Sig) {
		if len(sigs) > 0 {
			parts = append(parts, fmt.Sprintf("%s %d", label, len(sigs)))
		}
	}
	add("+methods", c.AddedMethods)
	add("-methods", c.RemovedMethods)
	add("~methods", c.ChangedMethods)
	add("~resolution", c.ResolutionChanged)
	add("+fields", c.AddedFields)
	add("-fields", c.RemovedFields)
	add("~fields", c.ChangedFields)
	if c.SuperChanged {
		parts = append(parts, "super")
	}
	if c.InterfacesChanged {
		parts = append(parts, "interfaces")
	}
	if len(parts) == 0 {
		return "no change"
	}
	return strings.Join(parts, ", ")
}

// Detect compares parsed against old. Renaming a class or turning a class
// into an interface (or back) is not supported.
func Detect(old *klass.ClassVersion, parsed *classfile.ParsedClass) (*Change, error) {
	if old == nil || old.Linked() == nil {
		return nil, vmerr.New(vmerr.UnsupportedRedefinition, "class has no linked version")
	}
	cls := old.Class()
	if cls.IsArray() || cls.IsPrimitive() {
		return nil, vmerr.New(vmerr.UnsupportedRedefinition, "cannot redefine %s %s", cls.Kind(), cls.Name())
	}
	if parsed.Name != cls.Name() {
		return nil, vmerr.New(vmerr.UnsupportedRedefinition, "%s: class name changed to %s", cls.Name(), parsed.Name)
	}
	if parsed.IsInterface() != cls.IsInterface() {
		return nil, vmerr.New(vmerr.UnsupportedRedefinition, "%s: class kind changed", cls.Name())
	}

	c := &Change{Base: old, Parsed: parsed}
	lc := old.Linked()

	for i := range parsed.Methods {
		info := &parsed.Methods[i]
		sig := klass.Sig{Name: info.Name, Descriptor: info.Descriptor}
		mv := old.DeclaredMethod(sig)
		switch {
		case mv == nil:
			c.AddedMethods = append(c.AddedMethods, sig)
		case !sameMethodKind(mv.Info(), info):
			c.RemovedMethods = append(c.RemovedMethods, sig)
			c.AddedMethods = append(c.AddedMethods, sig)
		case mv.Flags() != info.AccessFlags || !sameCode(mv.Info(), info):
			c.ChangedMethods = append(c.ChangedMethods, sig)
			if (mv.Flags()^info.AccessFlags)&dispatch.ResolutionFlags != 0 {
				c.ResolutionChanged = append(c.ResolutionChanged, sig)
			}
		}
	}
	for _, mv := range old.Declared() {
		if parsed.FindMethod(mv.Name(), mv.Descriptor()) == nil {
			c.RemovedMethods = append(c.RemovedMethods, mv.Sig())
		}
	}

	for i := range parsed.Fields {
		info := &parsed.Fields[i]
		sig := klass.Sig{Name: info.Name, Descriptor: info.Descriptor}
		f := old.DeclaredField(sig)
		switch {
		case f == nil:
			c.AddedFields = append(c.AddedFields, sig)
		case f.IsStatic() != info.Is(classfile.AccStatic):
			c.RemovedFields = append(c.RemovedFields, sig)
			c.AddedFields = append(c.AddedFields, sig)
		case f.Flags() != info.AccessFlags || f.ConstantValue() != info.ConstantValue:
			c.ChangedFields = append(c.ChangedFields, sig)
		}
	}
	for _, fs := range [][]*klass.Field{lc.InstanceFields, lc.StaticFields} {
		for _, f := range fs {
			if parsed.FindField(f.Name(), f.Descriptor()) == nil {
				c.RemovedFields = append(c.RemovedFields, f.Sig())
			}
		}
	}

	oldSuper := ""
	if s := old.Super(); s != nil {
		oldSuper = s.Name()
	}
	c.SuperChanged = oldSuper != parsed.SuperName

	oldIfaces := make([]string, len(old.Interfaces()))
	for i, iface := range old.Interfaces() {
		oldIfaces[i] = iface.Name()
	}
	newIfaces := slices.Clone(parsed.InterfaceNames)
	slices.Sort(oldIfaces)
	slices.Sort(newIfaces)
	c.InterfacesChanged = !slices.Equal(oldIfaces, newIfaces)
	return c, nil
}

// sameMethodKind reports whether a method can keep its identity: dispatch
// treats static and private methods differently from virtual ones.
func sameMethodKind(a, b *classfile.MethodInfo) bool {
	const mask = classfile.AccStatic | classfile.AccPrivate
	return a.AccessFlags&mask == b.AccessFlags&mask
}

func sameCode(a, b *classfile.MethodInfo) bool {
	if (a.Code == nil) != (b.Code == nil) {
		return false
	}
	if a.Code == nil {
		return true
	}
	return a.Code.MaxStack == b.Code.MaxStack &&
		a.Code.MaxLocals == b.Code.MaxLocals &&
		bytes.Equal(a.Code.Code, b.Code.Code) &&
		slices.Equal(a.Code.ExceptionHandlers, b.Code.ExceptionHandlers)
}
