package classfile

import (
	"fmt"
	"math"
)

// Constant pool tags.
const (
	TagUtf8               = 1
	TagInteger            = 3
	TagFloat              = 4
	TagLong               = 5
	TagDouble             = 6
	TagClass              = 7
	TagString             = 8
	TagFieldref           = 9
	TagMethodref          = 10
	TagInterfaceMethodref = 11
	TagNameAndType        = 12
	TagMethodHandle       = 15
	TagMethodType         = 16
	TagDynamic            = 17
	TagInvokeDynamic      = 18
	TagModule             = 19
	TagPackage            = 20
)

// ConstantPoolEntry is one constant pool slot. The pool is indexed from 1;
// index 0 and the slot after a Long or Double are nil.
type ConstantPoolEntry interface {
	Tag() uint8
}

type ConstantUtf8 struct{ Value string }

type ConstantInteger struct{ Value int32 }

type ConstantFloat struct{ Value float32 }

type ConstantLong struct{ Value int64 }

type ConstantDouble struct{ Value float64 }

type ConstantClass struct{ NameIndex uint16 }

type ConstantString struct{ StringIndex uint16 }

// ConstantMemberRef is shared by the three member reference kinds.
type ConstantMemberRef struct {
	ClassIndex       uint16
	NameAndTypeIndex uint16
}

type ConstantFieldref struct{ ConstantMemberRef }

type ConstantMethodref struct{ ConstantMemberRef }

type ConstantInterfaceMethodref struct{ ConstantMemberRef }

type ConstantNameAndType struct {
	NameIndex       uint16
	DescriptorIndex uint16
}

// ConstantMethodHandle is a method handle; Kind is one of the Ref*
// constants.
type ConstantMethodHandle struct {
	Kind           uint8
	ReferenceIndex uint16
}

type ConstantMethodType struct{ DescriptorIndex uint16 }

// ConstantDynamic covers both CONSTANT_Dynamic and CONSTANT_InvokeDynamic.
type ConstantDynamic struct {
	Invoke           bool
	BootstrapIndex   uint16
	NameAndTypeIndex uint16
}

type ConstantModule struct{ NameIndex uint16 }

type ConstantPackage struct{ NameIndex uint16 }

func (*ConstantUtf8) Tag() uint8               { return TagUtf8 }
func (*ConstantInteger) Tag() uint8            { return TagInteger }
func (*ConstantFloat) Tag() uint8              { return TagFloat }
func (*ConstantLong) Tag() uint8               { return TagLong }
func (*ConstantDouble) Tag() uint8             { return TagDouble }
func (*ConstantClass) Tag() uint8              { return TagClass }
func (*ConstantString) Tag() uint8             { return TagString }
func (*ConstantFieldref) Tag() uint8           { return TagFieldref }
func (*ConstantMethodref) Tag() uint8          { return TagMethodref }
func (*ConstantInterfaceMethodref) Tag() uint8 { return TagInterfaceMethodref }
func (*ConstantNameAndType) Tag() uint8        { return TagNameAndType }
func (*ConstantMethodHandle) Tag() uint8       { return TagMethodHandle }
func (*ConstantMethodType) Tag() uint8         { return TagMethodType }
func (*ConstantModule) Tag() uint8             { return TagModule }
func (*ConstantPackage) Tag() uint8            { return TagPackage }

func (c *ConstantDynamic) Tag() uint8 {
	if c.Invoke {
		return TagInvokeDynamic
	}
	return TagDynamic
}

// Method handle reference kinds.
const (
	RefGetField         = 1
	RefGetStatic        = 2
	RefPutField         = 3
	RefPutStatic        = 4
	RefInvokeVirtual    = 5
	RefInvokeStatic     = 6
	RefInvokeSpecial    = 7
	RefNewInvokeSpecial = 8
	RefInvokeInterface  = 9
)

func readConstantPool(r *reader) ([]ConstantPoolEntry, error) {
	count := int(r.u2())
	if r.err != nil {
		return nil, r.err
	}
	pool := make([]ConstantPoolEntry, count)
	for i := 1; i < count; i++ {
		tag := r.u1()
		var e ConstantPoolEntry
		switch tag {
		case TagUtf8:
			raw := r.take(int(r.u2()))
			if r.err != nil {
				break
			}
			s, err := decodeModifiedUTF8(raw)
			if err != nil {
				return nil, fmt.Errorf("entry %d: %w", i, err)
			}
			e = &ConstantUtf8{Value: s}
		case TagInteger:
			e = &ConstantInteger{Value: int32(r.u4())}
		case TagFloat:
			e = &ConstantFloat{Value: math.Float32frombits(r.u4())}
		case TagLong, TagDouble:
			if i+1 >= count {
				return nil, fmt.Errorf("entry %d: 8-byte constant in the last slot", i)
			}
			bits := r.u8()
			if tag == TagLong {
				e = &ConstantLong{Value: int64(bits)}
			} else {
				e = &ConstantDouble{Value: math.Float64frombits(bits)}
			}
			pool[i] = e
			i++
			continue
		case TagClass:
			e = &ConstantClass{NameIndex: r.u2()}
		case TagString:
			e = &ConstantString{StringIndex: r.u2()}
		case TagFieldref, TagMethodref, TagInterfaceMethodref:
			ref := ConstantMemberRef{ClassIndex: r.u2(), NameAndTypeIndex: r.u2()}
			switch tag {
			case TagFieldref:
				e = &ConstantFieldref{ref}
			case TagMethodref:
				e = &ConstantMethodref{ref}
			default:
				e = &ConstantInterfaceMethodref{ref}
			}
		case TagNameAndType:
			e = &ConstantNameAndType{NameIndex: r.u2(), DescriptorIndex: r.u2()}
		case TagMethodHandle:
			mh := &ConstantMethodHandle{Kind: r.u1(), ReferenceIndex: r.u2()}
			if r.err == nil && (mh.Kind < RefGetField || mh.Kind > RefInvokeInterface) {
				return nil, fmt.Errorf("entry %d: bad method handle kind %d", i, mh.Kind)
			}
			e = mh
		case TagMethodType:
			e = &ConstantMethodType{DescriptorIndex: r.u2()}
		case TagDynamic, TagInvokeDynamic:
			e = &ConstantDynamic{Invoke: tag == TagInvokeDynamic, BootstrapIndex: r.u2(), NameAndTypeIndex: r.u2()}
		case TagModule:
			e = &ConstantModule{NameIndex: r.u2()}
		case TagPackage:
			e = &ConstantPackage{NameIndex: r.u2()}
		default:
			if r.err == nil {
				return nil, fmt.Errorf("entry %d: unknown tag %d", i, tag)
			}
		}
		if r.err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, r.err)
		}
		pool[i] = e
	}
	return pool, nil
}

// entry returns pool[index] as a T.
func entry[T ConstantPoolEntry](pool []ConstantPoolEntry, index uint16, what string) (T, error) {
	var zero T
	if int(index) >= len(pool) || pool[index] == nil {
		return zero, fmt.Errorf("invalid constant pool index %d", index)
	}
	e, ok := pool[index].(T)
	if !ok {
		return zero, fmt.Errorf("constant pool index %d is not %s (tag %d)", index, what, pool[index].Tag())
	}
	return e, nil
}

// GetUtf8 returns the string at a CONSTANT_Utf8 index.
func GetUtf8(pool []ConstantPoolEntry, index uint16) (string, error) {
	e, err := entry[*ConstantUtf8](pool, index, "Utf8")
	if err != nil {
		return "", err
	}
	return e.Value, nil
}

// GetClassName returns the name a CONSTANT_Class refers to.
func GetClassName(pool []ConstantPoolEntry, index uint16) (string, error) {
	e, err := entry[*ConstantClass](pool, index, "Class")
	if err != nil {
		return "", err
	}
	return GetUtf8(pool, e.NameIndex)
}

// GetNameAndType returns the name and descriptor of a CONSTANT_NameAndType.
func GetNameAndType(pool []ConstantPoolEntry, index uint16) (name, descriptor string, err error) {
	nat, err := entry[*ConstantNameAndType](pool, index, "NameAndType")
	if err != nil {
		return "", "", err
	}
	if name, err = GetUtf8(pool, nat.NameIndex); err != nil {
		return "", "", err
	}
	if descriptor, err = GetUtf8(pool, nat.DescriptorIndex); err != nil {
		return "", "", err
	}
	return name, descriptor, nil
}

// MemberRef is a field or method reference with its names resolved.
type MemberRef struct {
	Tag        uint8
	Class      string
	Name       string
	Descriptor string
}

// IsField reports whether the reference came from a CONSTANT_Fieldref.
func (m *MemberRef) IsField() bool { return m.Tag == TagFieldref }

func (m *MemberRef) String() string { return m.Class + "." + m.Name + ":" + m.Descriptor }

// ResolveMemberRef resolves any of the three member reference kinds.
func ResolveMemberRef(pool []ConstantPoolEntry, index uint16) (*MemberRef, error) {
	if int(index) >= len(pool) || pool[index] == nil {
		return nil, fmt.Errorf("invalid constant pool index %d", index)
	}
	var ref ConstantMemberRef
	switch e := pool[index].(type) {
	case *ConstantFieldref:
		ref = e.ConstantMemberRef
	case *ConstantMethodref:
		ref = e.ConstantMemberRef
	case *ConstantInterfaceMethodref:
		ref = e.ConstantMemberRef
	default:
		return nil, fmt.Errorf("constant pool index %d is not a member reference (tag %d)", index, e.Tag())
	}
	class, err := GetClassName(pool, ref.ClassIndex)
	if err != nil {
		return nil, fmt.Errorf("member reference %d: %w", index, err)
	}
	name, desc, err := GetNameAndType(pool, ref.NameAndTypeIndex)
	if err != nil {
		return nil, fmt.Errorf("member reference %d: %w", index, err)
	}
	return &MemberRef{Tag: pool[index].Tag(), Class: class, Name: name, Descriptor: desc}, nil
}

// ResolveMethodRef is ResolveMemberRef restricted to method references.
func ResolveMethodRef(pool []ConstantPoolEntry, index uint16) (*MemberRef, error) {
	m, err := ResolveMemberRef(pool, index)
	if err == nil && m.IsField() {
		err = fmt.Errorf("constant pool index %d is a field reference, want a method", index)
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// ResolveFieldRef is ResolveMemberRef restricted to field references.
func ResolveFieldRef(pool []ConstantPoolEntry, index uint16) (*MemberRef, error) {
	m, err := ResolveMemberRef(pool, index)
	if err == nil && !m.IsField() {
		err = fmt.Errorf("constant pool index %d is a method reference, want a field", index)
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}
