package classfile

import (
	"errors"
	"fmt"
	"io"
	"os"
)

const classMagic = 0xCAFEBABE

// ErrUnsupportedVersion is wrapped by Parse when the major version is outside
// [MinMajorVersion, MaxMajorVersion].
var ErrUnsupportedVersion = errors.New("unsupported class file version")

// ParseFile parses the .class file at path.
func ParseFile(path string) (*ClassFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseBytes(data)
}

// Parse reads r to the end and parses the result.
func Parse(r io.Reader) (*ClassFile, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return ParseBytes(data)
}

// ParseBytes parses an in-memory .class file. Attribute payloads alias
// data.
func ParseBytes(data []byte) (*ClassFile, error) {
	r := &reader{data: data}
	cf := &ClassFile{}

	if magic := r.u4(); r.err == nil && magic != classMagic {
		return nil, fmt.Errorf("invalid magic number 0x%08X", magic)
	}
	cf.MinorVersion, cf.MajorVersion = r.u2(), r.u2()
	if r.err != nil {
		return nil, fmt.Errorf("header: %w", r.err)
	}
	if cf.MajorVersion < MinMajorVersion || cf.MajorVersion > MaxMajorVersion {
		return nil, fmt.Errorf("%w: %d.%d", ErrUnsupportedVersion, cf.MajorVersion, cf.MinorVersion)
	}

	var err error
	if cf.ConstantPool, err = readConstantPool(r); err != nil {
		return nil, fmt.Errorf("constant pool: %w", err)
	}

	cf.AccessFlags = r.u2()
	cf.ThisClass = r.u2()
	cf.SuperClass = r.u2()
	cf.Interfaces = r.u2s()
	if r.err != nil {
		return nil, fmt.Errorf("class header: %w", r.err)
	}

	if cf.Fields, err = readMembers(r, cf.ConstantPool, "field", newField); err != nil {
		return nil, err
	}
	if cf.Methods, err = readMembers(r, cf.ConstantPool, "method", newMethod); err != nil {
		return nil, err
	}
	if cf.Attributes, err = readAttributes(r, cf.ConstantPool); err != nil {
		return nil, fmt.Errorf("class attributes: %w", err)
	}
	for _, a := range cf.Attributes {
		if a.Name == "BootstrapMethods" {
			if cf.BootstrapMethods, err = readBootstrapMethods(a.Data); err != nil {
				return nil, fmt.Errorf("BootstrapMethods: %w", err)
			}
		}
	}
	if n := r.remaining(); n > 0 {
		return nil, fmt.Errorf("%d extra bytes after class attributes", n)
	}
	return cf, nil
}

// memberHeader is the common field_info / method_info prefix.
type memberHeader struct {
	flags      uint16
	name, desc string
	attrs      []AttributeInfo
}

func readMembers[T any](r *reader, pool []ConstantPoolEntry, what string, build func(memberHeader) (T, error)) ([]T, error) {
	n := int(r.u2())
	if r.err != nil {
		return nil, fmt.Errorf("%s count: %w", what, r.err)
	}
	out := make([]T, 0, n)
	for i := 0; i < n; i++ {
		var m memberHeader
		m.flags = r.u2()
		nameIdx, descIdx := r.u2(), r.u2()
		if r.err != nil {
			return nil, fmt.Errorf("%s %d: %w", what, i, r.err)
		}
		var err error
		if m.name, err = GetUtf8(pool, nameIdx); err != nil {
			return nil, fmt.Errorf("%s %d name: %w", what, i, err)
		}
		if m.desc, err = GetUtf8(pool, descIdx); err != nil {
			return nil, fmt.Errorf("%s %s descriptor: %w", what, m.name, err)
		}
		if m.attrs, err = readAttributes(r, pool); err != nil {
			return nil, fmt.Errorf("%s %s%s: %w", what, m.name, m.desc, err)
		}
		v, err := build(m)
		if err != nil {
			return nil, fmt.Errorf("%s %s%s: %w", what, m.name, m.desc, err)
		}
		out = append(out, v)
	}
	return out, nil
}

func newField(m memberHeader) (FieldInfo, error) {
	f := FieldInfo{AccessFlags: m.flags, Name: m.name, Descriptor: m.desc, Attributes: m.attrs}
	if a := findAttribute(m.attrs, "ConstantValue"); a != nil {
		if len(a.Data) != 2 {
			return f, fmt.Errorf("ConstantValue length %d, want 2", len(a.Data))
		}
		f.ConstantValue = uint16(a.Data[0])<<8 | uint16(a.Data[1])
	}
	return f, nil
}

func newMethod(m memberHeader) (MethodInfo, error) {
	mi := MethodInfo{AccessFlags: m.flags, Name: m.name, Descriptor: m.desc, Attributes: m.attrs}
	if a := findAttribute(m.attrs, "Code"); a != nil {
		code, err := readCode(a.Data)
		if err != nil {
			return mi, fmt.Errorf("Code: %w", err)
		}
		mi.Code = code
	}
	return mi, nil
}

func findAttribute(attrs []AttributeInfo, name string) *AttributeInfo {
	for i := range attrs {
		if attrs[i].Name == name {
			return &attrs[i]
		}
	}
	return nil
}

func readAttributes(r *reader, pool []ConstantPoolEntry) ([]AttributeInfo, error) {
	n := int(r.u2())
	if r.err != nil {
		return nil, r.err
	}
	if n == 0 {
		return nil, nil
	}
	attrs := make([]AttributeInfo, 0, n)
	for i := 0; i < n; i++ {
		nameIdx := r.u2()
		data := r.take(int(r.u4()))
		if r.err != nil {
			return nil, fmt.Errorf("attribute %d: %w", i, r.err)
		}
		name, err := GetUtf8(pool, nameIdx)
		if err != nil {
			return nil, fmt.Errorf("attribute %d name: %w", i, err)
		}
		attrs = append(attrs, AttributeInfo{Name: name, Data: data})
	}
	return attrs, nil
}

// readCode decodes a Code attribute. Its nested attributes are not kept.
func readCode(data []byte) (*CodeAttribute, error) {
	r := &reader{data: data}
	c := &CodeAttribute{MaxStack: r.u2(), MaxLocals: r.u2()}
	c.Code = append([]byte(nil), r.take(int(r.u4()))...)
	handlers := int(r.u2())
	for i := 0; i < handlers && r.err == nil; i++ {
		c.ExceptionHandlers = append(c.ExceptionHandlers, ExceptionHandler{
			StartPC:   r.u2(),
			EndPC:     r.u2(),
			HandlerPC: r.u2(),
			CatchType: r.u2(),
		})
	}
	for i, n := 0, int(r.u2()); i < n && r.err == nil; i++ {
		r.u2()
		r.take(int(r.u4()))
	}
	if r.err != nil {
		return nil, r.err
	}
	return c, nil
}

func readBootstrapMethods(data []byte) ([]BootstrapMethod, error) {
	r := &reader{data: data}
	n := int(r.u2())
	methods := make([]BootstrapMethod, 0, n)
	for i := 0; i < n && r.err == nil; i++ {
		ref := r.u2()
		methods = append(methods, BootstrapMethod{MethodRef: ref, BootstrapArguments: r.u2s()})
	}
	if r.err != nil {
		return nil, r.err
	}
	return methods, nil
}

// ClassName returns the name this_class refers to.
func (cf *ClassFile) ClassName() (string, error) {
	return GetClassName(cf.ConstantPool, cf.ThisClass)
}

// FindMethod finds a method by name and descriptor.
func (cf *ClassFile) FindMethod(name, descriptor string) *MethodInfo {
	for i := range cf.Methods {
		if m := &cf.Methods[i]; m.Name == name && m.Descriptor == descriptor {
			return m
		}
	}
	return nil
}
