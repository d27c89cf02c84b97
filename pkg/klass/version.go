package klass

import "fmt"

// ClassVersion is one immutable content snapshot of a Class. Redefinition
// produces a new ClassVersion and invalidates the old one's assumption.
type ClassVersion struct {
	class      *Class
	number     int
	linked     *LinkedClass
	super      *Class
	interfaces []*Class

	vtable         VTable
	itables        ITables
	mirandas       []*MethodVersion
	interfaceTable []*MethodVersion
	declared       []*MethodVersion
	shape          uint64

	methods map[Sig]*MethodVersion
	fields  map[Sig]*Field

	assumption *Assumption
	subtypes   *SubtypeList
}

// VersionSpec carries everything a ClassVersion is built from.
type VersionSpec struct {
	Class      *Class
	Number     int
	Linked     *LinkedClass
	Super      *Class
	Interfaces []*Class

	VTable         VTable
	ITables        ITables
	Mirandas       []*MethodVersion
	InterfaceTable []*MethodVersion
	Shape          uint64

	// Subtypes is carried over from the previous version on redefinition.
	Subtypes *SubtypeList
}

// NewVersion builds a version. Method versions that have no holder yet
// (declared methods, fresh mirandas and poison pills) are adopted by it.
func NewVersion(s VersionSpec) *ClassVersion {
	v := &ClassVersion{
		class:          s.Class,
		number:         s.Number,
		linked:         s.Linked,
		super:          s.Super,
		interfaces:     s.Interfaces,
		vtable:         s.VTable,
		itables:        s.ITables,
		mirandas:       s.Mirandas,
		interfaceTable: s.InterfaceTable,
		shape:          s.Shape,
		methods:        make(map[Sig]*MethodVersion),
		fields:         make(map[Sig]*Field),
		subtypes:       s.Subtypes,
	}
	v.assumption = NewAssumption(fmt.Sprintf("%s v%d", s.Class.name, s.Number))
	if v.subtypes == nil && s.Class.trackSubtypes {
		v.subtypes = &SubtypeList{}
	}
	if s.Linked != nil {
		v.declared = s.Linked.Methods
		for _, mv := range v.declared {
			v.methods[mv.Sig()] = mv
		}
		for _, f := range s.Linked.InstanceFields {
			v.fields[f.Sig()] = f
		}
		for _, f := range s.Linked.StaticFields {
			v.fields[f.Sig()] = f
		}
	}

	adopt := func(mvs []*MethodVersion) {
		for _, mv := range mvs {
			if mv != nil && mv.holder == nil {
				mv.holder = v
			}
		}
	}
	adopt(v.declared)
	adopt(v.vtable)
	adopt(v.mirandas)
	adopt(v.interfaceTable)
	for _, it := range v.itables {
		adopt(it.Methods)
	}
	return v
}

func (v *ClassVersion) Class() *Class { return v.class }
func (v *ClassVersion) Number() int { return v.number }
func (v *ClassVersion) Linked() *LinkedClass { return v.linked }
func (v *ClassVersion) Super() *Class { return v.super }
func (v *ClassVersion) Interfaces() []*Class { return v.interfaces }
func (v *ClassVersion) VTable() VTable { return v.vtable }
func (v *ClassVersion) ITables() ITables { return v.itables }
func (v *ClassVersion) Mirandas() []*MethodVersion { return v.mirandas }
func (v *ClassVersion) InterfaceTable() []*MethodVersion { return v.interfaceTable }
func (v *ClassVersion) Declared() []*MethodVersion { return v.declared }
func (v *ClassVersion) Shape() uint64 { return v.shape }
func (v *ClassVersion) Assumption() *Assumption { return v.assumption }
func (v *ClassVersion) Subtypes() *SubtypeList { return v.subtypes }
func (v *ClassVersion) IsValid() bool { return v.assumption.IsValid() }

func (v *ClassVersion) String() string {
	return fmt.Sprintf("%s v%d", v.class.name, v.number)
}

// ITableFor returns the itable of iface, if the class implements it.
func (v *ClassVersion) ITableFor(iface *Class) (ITable, bool) {
	return v.itables.Lookup(iface)
}

// DeclaredMethod returns the method version declared by this version.
func (v *ClassVersion) DeclaredMethod(sig Sig) *MethodVersion {
	return v.methods[sig]
}

// DeclaredField returns a live field declared by this version.
func (v *ClassVersion) DeclaredField(sig Sig) *Field {
	return v.fields[sig]
}

// LookupMethod resolves a method reference against a class: the class and
// its superclasses first, then its superinterfaces, preferring a concrete
// interface method over an abstract one.
func (v *ClassVersion) LookupMethod(sig Sig) *MethodVersion {
	for k := v; k != nil; k = superVersion(k) {
		if mv := k.methods[sig]; mv != nil {
			return mv
		}
	}
	return v.lookupInterfaceMethod(sig)
}

// LookupInterfaceMethod resolves an interface method reference: the
// interface itself, its superinterfaces, then the root class.
func (v *ClassVersion) LookupInterfaceMethod(sig Sig) *MethodVersion {
	if mv := v.methods[sig]; mv != nil {
		return mv
	}
	if mv := v.lookupInterfaceMethod(sig); mv != nil {
		return mv
	}
	if sv := superVersion(v); sv != nil {
		if mv := sv.methods[sig]; mv != nil && !mv.IsStatic() && !mv.IsPrivate() {
			return mv
		}
	}
	return nil
}

func (v *ClassVersion) lookupInterfaceMethod(sig Sig) *MethodVersion {
	var abstract *MethodVersion
	seen := make(map[*Class]bool)
	var walk func(k *ClassVersion) *MethodVersion
	walk = func(k *ClassVersion) *MethodVersion {
		for _, i := range k.interfaces {
			if seen[i] {
				continue
			}
			seen[i] = true
			iv := i.Current()
			if iv == nil {
				continue
			}
			if mv := iv.methods[sig]; mv != nil && !mv.IsStatic() && !mv.IsPrivate() {
				if !mv.IsAbstract() {
					return mv
				}
				if abstract == nil {
					abstract = mv
				}
			}
			if mv := walk(iv); mv != nil {
				return mv
			}
		}
		return nil
	}
	for k := v; k != nil; k = superVersion(k) {
		if mv := walk(k); mv != nil {
			return mv
		}
	}
	return abstract
}

// LookupField resolves a field reference: declared fields, then
// superinterfaces, then the superclass.
func (v *ClassVersion) LookupField(sig Sig) *Field {
	for k := v; k != nil; k = superVersion(k) {
		if f := k.fields[sig]; f != nil {
			return f
		}
		for _, i := range k.interfaces {
			if iv := i.Current(); iv != nil {
				if f := iv.LookupField(sig); f != nil {
					return f
				}
			}
		}
	}
	return nil
}

func superVersion(v *ClassVersion) *ClassVersion {
	if v.super == nil {
		return nil
	}
	return v.super.Current()
}
