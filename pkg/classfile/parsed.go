package classfile

import (
	"fmt"
	"strings"
)

// ParsedClass is the structured artifact handed to the linker: a ClassFile
// whose this/super/interface references are already resolved to names.
type ParsedClass struct {
	Name           string
	SuperName      string // "" for java/lang/Object
	InterfaceNames []string
	AccessFlags    uint16
	MajorVersion   uint16
	MinorVersion   uint16
	Fields         []FieldInfo
	Methods        []MethodInfo
	Attributes     []AttributeInfo
	ConstantPool   []ConstantPoolEntry
}

// ParseClass parses raw class bytes into a ParsedClass.
func ParseClass(data []byte) (*ParsedClass, error) {
	cf, err := ParseBytes(data)
	if err != nil {
		return nil, err
	}
	return cf.Resolve()
}

// Resolve converts the ClassFile into a ParsedClass.
func (cf *ClassFile) Resolve() (*ParsedClass, error) {
	name, err := cf.ClassName()
	if err != nil {
		return nil, fmt.Errorf("resolving this_class: %w", err)
	}
	pc := &ParsedClass{
		Name:         name,
		AccessFlags:  cf.AccessFlags,
		MajorVersion: cf.MajorVersion,
		MinorVersion: cf.MinorVersion,
		Fields:       cf.Fields,
		Methods:      cf.Methods,
		Attributes:   cf.Attributes,
		ConstantPool: cf.ConstantPool,
	}
	if cf.SuperClass != 0 {
		pc.SuperName, err = GetClassName(cf.ConstantPool, cf.SuperClass)
		if err != nil {
			return nil, fmt.Errorf("resolving super_class: %w", err)
		}
	}
	pc.InterfaceNames = make([]string, len(cf.Interfaces))
	for i, idx := range cf.Interfaces {
		pc.InterfaceNames[i], err = GetClassName(cf.ConstantPool, idx)
		if err != nil {
			return nil, fmt.Errorf("resolving interface %d: %w", i, err)
		}
	}
	return pc, nil
}

// IsInterface reports whether ACC_INTERFACE is set.
func (pc *ParsedClass) IsInterface() bool { return pc.AccessFlags&AccInterface != 0 }

// FindMethod finds a declared method by name and descriptor.
func (pc *ParsedClass) FindMethod(name, descriptor string) *MethodInfo {
	for i := range pc.Methods {
		if pc.Methods[i].Name == name && pc.Methods[i].Descriptor == descriptor {
			return &pc.Methods[i]
		}
	}
	return nil
}

// FindField finds a declared field by name and descriptor.
func (pc *ParsedClass) FindField(name, descriptor string) *FieldInfo {
	for i := range pc.Fields {
		if pc.Fields[i].Name == name && pc.Fields[i].Descriptor == descriptor {
			return &pc.Fields[i]
		}
	}
	return nil
}

// Is reports whether all bits of flag are set on the method.
func (m *MethodInfo) Is(flag uint16) bool { return m.AccessFlags&flag == flag }

// Is reports whether all bits of flag are set on the field.
func (f *FieldInfo) Is(flag uint16) bool { return f.AccessFlags&flag == flag }

// PackageName returns the binary package of a class name ("java/lang" for
// "java/lang/Object", "" for classes in the unnamed package).
func PackageName(className string) string {
	className = strings.TrimLeft(className, "[")
	className = strings.TrimPrefix(className, "L")
	if i := strings.LastIndexByte(className, '/'); i >= 0 {
		return className[:i]
	}
	return ""
}
