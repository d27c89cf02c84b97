package classfile

import (
	"bytes"
	"encoding/binary"
	"strconv"
)

// Builder assembles a .class file. Constant pool entries are interned as they
// are requested, so bytecode can embed the indices returned by MethodRef,
// FieldRef and friends before Bytes is called.
type Builder struct {
	major      uint16
	flags      uint16
	this       uint16
	super      uint16
	interfaces []uint16

	pool      bytes.Buffer
	poolCount uint16
	interned  map[string]uint16

	fields  []member
	methods []member
}

type member struct {
	flags uint16
	name  uint16
	desc  uint16
	attrs []attribute
}

type attribute struct {
	name uint16
	data []byte
}

// Default limits recorded in Code attributes written by Method.
const (
	DefaultMaxStack  = 16
	DefaultMaxLocals = 16
)

// NewBuilder starts a public class named name extending java/lang/Object
// (no superclass when name is java/lang/Object itself).
func NewBuilder(name string) *Builder {
	b := &Builder{
		major:     61,
		flags:     AccPublic | AccSuper,
		poolCount: 1,
		interned:  make(map[string]uint16),
	}
	b.this = b.Class(name)
	if name != "java/lang/Object" {
		b.super = b.Class("java/lang/Object")
	}
	return b
}

// Flags replaces the class access flags.
func (b *Builder) Flags(flags uint16) *Builder {
	b.flags = flags
	return b
}

// Interface marks the class as a public abstract interface.
func (b *Builder) Interface() *Builder {
	b.flags = AccPublic | AccInterface | AccAbstract
	return b
}

// Version sets the major version.
func (b *Builder) Version(major uint16) *Builder {
	b.major = major
	return b
}

// Super sets the superclass; "" removes it.
func (b *Builder) Super(name string) *Builder {
	if name == "" {
		b.super = 0
		return b
	}
	b.super = b.Class(name)
	return b
}

// Interfaces appends direct superinterfaces.
func (b *Builder) Interfaces(names ...string) *Builder {
	for _, n := range names {
		b.interfaces = append(b.interfaces, b.Class(n))
	}
	return b
}

// Field declares a field.
func (b *Builder) Field(flags uint16, name, descriptor string) *Builder {
	b.fields = append(b.fields, member{flags: flags, name: b.Utf8(name), desc: b.Utf8(descriptor)})
	return b
}

// Method declares a method. A nil code slice produces a method without a
// Code attribute (abstract or native).
func (b *Builder) Method(flags uint16, name, descriptor string, code []byte) *Builder {
	return b.MethodWithLimits(flags, name, descriptor, code, DefaultMaxStack, DefaultMaxLocals)
}

// MethodWithLimits is Method with explicit max_stack / max_locals.
func (b *Builder) MethodWithLimits(flags uint16, name, descriptor string, code []byte, maxStack, maxLocals uint16) *Builder {
	return b.method(flags, name, descriptor, code, maxStack, maxLocals, nil)
}

// Handler is an exception table entry. An empty CatchType catches
// everything.
type Handler struct {
	StartPC, EndPC, HandlerPC uint16
	CatchType                 string
}

// MethodWithHandlers is Method with an exception table.
func (b *Builder) MethodWithHandlers(flags uint16, name, descriptor string, code []byte, handlers ...Handler) *Builder {
	return b.method(flags, name, descriptor, code, DefaultMaxStack, DefaultMaxLocals, handlers)
}

func (b *Builder) method(flags uint16, name, descriptor string, code []byte, maxStack, maxLocals uint16, handlers []Handler) *Builder {
	m := member{flags: flags, name: b.Utf8(name), desc: b.Utf8(descriptor)}
	if code != nil {
		var data bytes.Buffer
		binary.Write(&data, binary.BigEndian, maxStack)
		binary.Write(&data, binary.BigEndian, maxLocals)
		binary.Write(&data, binary.BigEndian, uint32(len(code)))
		data.Write(code)
		binary.Write(&data, binary.BigEndian, uint16(len(handlers)))
		for _, h := range handlers {
			var catch uint16
			if h.CatchType != "" {
				catch = b.Class(h.CatchType)
			}
			binary.Write(&data, binary.BigEndian, [4]uint16{h.StartPC, h.EndPC, h.HandlerPC, catch})
		}
		binary.Write(&data, binary.BigEndian, uint16(0)) // attributes_count
		m.attrs = append(m.attrs, attribute{name: b.Utf8("Code"), data: data.Bytes()})
	}
	b.methods = append(b.methods, m)
	return b
}

// Utf8 interns a CONSTANT_Utf8.
func (b *Builder) Utf8(s string) uint16 {
	return b.intern("u:"+s, func(w *bytes.Buffer) {
		w.WriteByte(TagUtf8)
		binary.Write(w, binary.BigEndian, uint16(len(s)))
		w.WriteString(s)
	})
}

// Class interns a CONSTANT_Class.
func (b *Builder) Class(name string) uint16 {
	nameIdx := b.Utf8(name)
	return b.intern("c:"+name, func(w *bytes.Buffer) {
		w.WriteByte(TagClass)
		binary.Write(w, binary.BigEndian, nameIdx)
	})
}

// String interns a CONSTANT_String.
func (b *Builder) String(s string) uint16 {
	idx := b.Utf8(s)
	return b.intern("s:"+s, func(w *bytes.Buffer) {
		w.WriteByte(TagString)
		binary.Write(w, binary.BigEndian, idx)
	})
}

// Integer interns a CONSTANT_Integer.
func (b *Builder) Integer(v int32) uint16 {
	return b.intern("i:"+strconv.Itoa(int(v)), func(w *bytes.Buffer) {
		w.WriteByte(TagInteger)
		binary.Write(w, binary.BigEndian, v)
	})
}

// NameAndType interns a CONSTANT_NameAndType.
func (b *Builder) NameAndType(name, descriptor string) uint16 {
	n, d := b.Utf8(name), b.Utf8(descriptor)
	return b.intern("n:"+name+":"+descriptor, func(w *bytes.Buffer) {
		w.WriteByte(TagNameAndType)
		binary.Write(w, binary.BigEndian, n)
		binary.Write(w, binary.BigEndian, d)
	})
}

// FieldRef interns a CONSTANT_Fieldref.
func (b *Builder) FieldRef(class, name, descriptor string) uint16 {
	return b.ref(TagFieldref, "f:", class, name, descriptor)
}

// MethodRef interns a CONSTANT_Methodref.
func (b *Builder) MethodRef(class, name, descriptor string) uint16 {
	return b.ref(TagMethodref, "m:", class, name, descriptor)
}

// InterfaceMethodRef interns a CONSTANT_InterfaceMethodref.
func (b *Builder) InterfaceMethodRef(class, name, descriptor string) uint16 {
	return b.ref(TagInterfaceMethodref, "im:", class, name, descriptor)
}

func (b *Builder) ref(tag uint8, prefix, class, name, descriptor string) uint16 {
	c, nat := b.Class(class), b.NameAndType(name, descriptor)
	return b.intern(prefix+class+"."+name+":"+descriptor, func(w *bytes.Buffer) {
		w.WriteByte(tag)
		binary.Write(w, binary.BigEndian, c)
		binary.Write(w, binary.BigEndian, nat)
	})
}

func (b *Builder) intern(key string, write func(*bytes.Buffer)) uint16 {
	if idx, ok := b.interned[key]; ok {
		return idx
	}
	idx := b.poolCount
	write(&b.pool)
	b.poolCount++
	b.interned[key] = idx
	return idx
}

// Bytes serializes the class file.
func (b *Builder) Bytes() []byte {
	var out bytes.Buffer
	binary.Write(&out, binary.BigEndian, uint32(classMagic))
	binary.Write(&out, binary.BigEndian, uint16(0))
	binary.Write(&out, binary.BigEndian, b.major)
	binary.Write(&out, binary.BigEndian, b.poolCount)
	out.Write(b.pool.Bytes())
	binary.Write(&out, binary.BigEndian, b.flags)
	binary.Write(&out, binary.BigEndian, b.this)
	binary.Write(&out, binary.BigEndian, b.super)
	binary.Write(&out, binary.BigEndian, uint16(len(b.interfaces)))
	for _, i := range b.interfaces {
		binary.Write(&out, binary.BigEndian, i)
	}
	writeMembers(&out, b.fields)
	writeMembers(&out, b.methods)
	binary.Write(&out, binary.BigEndian, uint16(0)) // class attributes
	return out.Bytes()
}

func writeMembers(out *bytes.Buffer, members []member) {
	binary.Write(out, binary.BigEndian, uint16(len(members)))
	for _, m := range members {
		binary.Write(out, binary.BigEndian, m.flags)
		binary.Write(out, binary.BigEndian, m.name)
		binary.Write(out, binary.BigEndian, m.desc)
		binary.Write(out, binary.BigEndian, uint16(len(m.attrs)))
		for _, a := range m.attrs {
			binary.Write(out, binary.BigEndian, a.name)
			binary.Write(out, binary.BigEndian, uint32(len(a.data)))
			out.Write(a.data)
		}
	}
}
