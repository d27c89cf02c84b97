// Package testutil builds in-memory boot worlds so tests never need a JDK.
package testutil

import (
	"encoding/binary"

	"github.com/daimatz/classlink/pkg/classfile"
	"github.com/daimatz/classlink/pkg/loader"
)

// Opcodes used by hand-written test bytecode.
const (
	Iconst0       = 0x03
	Iconst1       = 0x04
	Iconst2       = 0x05
	Iconst5       = 0x08
	Bipush        = 0x10
	Ldc           = 0x12
	Iload0        = 0x1A
	Iload1        = 0x1B
	Aload0        = 0x2A
	Aload1        = 0x2B
	Istore1       = 0x3C
	Astore1       = 0x4C
	Pop           = 0x57
	Dup           = 0x59
	Iadd          = 0x60
	Imul          = 0x68
	Ireturn       = 0xAC
	Areturn       = 0xB0
	Return        = 0xB1
	Getstatic     = 0xB2
	Putstatic     = 0xB3
	Getfield      = 0xB4
	Putfield      = 0xB5
	Invokevirtual = 0xB6
	Invokespecial = 0xB7
	Invokestatic  = 0xB8
	Invokeiface   = 0xB9
	New           = 0xBB
	Athrow        = 0xBF
)

// Code concatenates instruction fragments.
func Code(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// Op encodes an opcode followed by a big-endian u16 operand.
func Op(opcode byte, index uint16) []byte {
	b := []byte{opcode, 0, 0}
	binary.BigEndian.PutUint16(b[1:], index)
	return b
}

// InvokeInterface encodes invokeinterface with its count byte.
func InvokeInterface(index uint16, count byte) []byte {
	return append(Op(Invokeiface, index), count, 0)
}

// Ops wraps raw opcodes without operands.
func Ops(ops ...byte) []byte { return ops }

// Constructor adds a public no-arg constructor that calls super's.
func Constructor(b *classfile.Builder, super string) *classfile.Builder {
	init := b.MethodRef(super, "<init>", "()V")
	return b.Method(classfile.AccPublic, "<init>", "()V", Code(
		Ops(Aload0), Op(Invokespecial, init), Ops(Return)))
}

// ReturnInt adds a public method returning the constant v (0..127).
func ReturnInt(b *classfile.Builder, flags uint16, name string, v byte) *classfile.Builder {
	return b.Method(flags, name, "()I", []byte{Bipush, v, Ireturn})
}

// BootClasses returns the bytes of a minimal boot world: Object, String,
// System with its out stream, PrintStream, Integer, HashMap and a few
// exception classes.
func BootClasses() map[string][]byte {
	out := make(map[string][]byte)
	put := func(b *classfile.Builder) {
		pc, err := classfile.ParseClass(b.Bytes())
		if err != nil {
			panic(err)
		}
		out[pc.Name] = b.Bytes()
	}

	put(classfile.NewBuilder("java/lang/Object").
		Method(classfile.AccPublic, "<init>", "()V", Ops(Return)).
		Method(classfile.AccPublic|classfile.AccNative, "hashCode", "()I", nil).
		Method(classfile.AccPublic|classfile.AccNative, "toString", "()Ljava/lang/String;", nil))

	put(Constructor(classfile.NewBuilder("java/lang/String").
		Flags(classfile.AccPublic|classfile.AccFinal|classfile.AccSuper), "java/lang/Object").
		Method(classfile.AccPublic|classfile.AccNative, "length", "()I", nil).
		Method(classfile.AccPublic|classfile.AccNative, "concat", "(Ljava/lang/String;)Ljava/lang/String;", nil))

	ps := classfile.NewBuilder("java/io/PrintStream")
	put(Constructor(ps, "java/lang/Object").
		Method(classfile.AccPublic|classfile.AccNative, "println", "()V", nil).
		Method(classfile.AccPublic|classfile.AccNative, "println", "(I)V", nil).
		Method(classfile.AccPublic|classfile.AccNative, "println", "(J)V", nil).
		Method(classfile.AccPublic|classfile.AccNative, "println", "(Z)V", nil).
		Method(classfile.AccPublic|classfile.AccNative, "println", "(C)V", nil).
		Method(classfile.AccPublic|classfile.AccNative, "println", "(Ljava/lang/String;)V", nil).
		Method(classfile.AccPublic|classfile.AccNative, "println", "(Ljava/lang/Object;)V", nil))

	sys := classfile.NewBuilder("java/lang/System").
		Flags(classfile.AccPublic | classfile.AccFinal | classfile.AccSuper).
		Field(classfile.AccPublic|classfile.AccStatic|classfile.AccFinal, "out", "Ljava/io/PrintStream;")
	initPhase1 := sys.MethodRef("java/lang/System", "initPhase1", "()V")
	put(sys.
		Method(classfile.AccPrivate|classfile.AccStatic|classfile.AccNative, "initPhase1", "()V", nil).
		Method(classfile.AccStatic, "<clinit>", "()V", Code(Op(Invokestatic, initPhase1), Ops(Return))))

	put(classfile.NewBuilder("java/lang/Integer").
		Flags(classfile.AccPublic|classfile.AccFinal|classfile.AccSuper).
		Method(classfile.AccPublic|classfile.AccStatic|classfile.AccNative, "valueOf", "(I)Ljava/lang/Integer;", nil).
		Method(classfile.AccPublic|classfile.AccNative, "intValue", "()I", nil).
		Method(classfile.AccPublic|classfile.AccNative, "hashCode", "()I", nil))

	put(classfile.NewBuilder("java/util/HashMap").
		Method(classfile.AccPublic|classfile.AccNative, "<init>", "()V", nil).
		Method(classfile.AccPublic|classfile.AccNative, "get", "(Ljava/lang/Object;)Ljava/lang/Object;", nil).
		Method(classfile.AccPublic|classfile.AccNative, "put", "(Ljava/lang/Object;Ljava/lang/Object;)Ljava/lang/Object;", nil).
		Method(classfile.AccPublic|classfile.AccNative, "size", "()I", nil))

	for _, pair := range [][2]string{
		{"java/lang/Throwable", "java/lang/Object"},
		{"java/lang/Exception", "java/lang/Throwable"},
		{"java/lang/RuntimeException", "java/lang/Exception"},
		{"java/lang/ArithmeticException", "java/lang/RuntimeException"},
		{"java/lang/NullPointerException", "java/lang/RuntimeException"},
		{"java/lang/ArrayIndexOutOfBoundsException", "java/lang/RuntimeException"},
		{"java/lang/ClassCastException", "java/lang/RuntimeException"},
		{"java/lang/NegativeArraySizeException", "java/lang/RuntimeException"},
		{"java/lang/Error", "java/lang/Throwable"},
		{"java/lang/LinkageError", "java/lang/Error"},
		{"java/lang/IncompatibleClassChangeError", "java/lang/LinkageError"},
		{"java/lang/NoSuchMethodError", "java/lang/IncompatibleClassChangeError"},
		{"java/lang/AbstractMethodError", "java/lang/IncompatibleClassChangeError"},
	} {
		put(Constructor(classfile.NewBuilder(pair[0]).Super(pair[1]), pair[1]))
	}
	return out
}

// BootSource returns a fresh in-memory source over BootClasses.
func BootSource() *loader.MapSource {
	return loader.NewMapSource(BootClasses())
}

// Source returns an in-memory source holding the given builders.
func Source(builders ...*classfile.Builder) *loader.MapSource {
	src := loader.NewMapSource(nil)
	for _, b := range builders {
		Put(src, b)
	}
	return src
}

// Put adds the class built by b to src.
func Put(src *loader.MapSource, b *classfile.Builder) {
	data := b.Bytes()
	pc, err := classfile.ParseClass(data)
	if err != nil {
		panic(err)
	}
	src.Put(pc.Name, data)
}
