// Package heap allocates objects, arrays and statics holders and reads and
// writes their fields through the field identities of the class model.
package heap

import "fmt"

// ValueType tags a Value.
type ValueType int

const (
	TypeInt ValueType = iota
	TypeLong
	TypeFloat
	TypeDouble
	TypeRef
	TypeNull
)

// Value is one operand stack, local variable or field value. Int covers
// boolean, byte, char, short and int. Ref holds *Object, *Array or a Go
// string for java/lang/String.
type Value struct {
	Type   ValueType
	Int    int32
	Long   int64
	Float  float32
	Double float64
	Ref    any
}

func IntValue(v int32) Value { return Value{Type: TypeInt, Int: v} }
func LongValue(v int64) Value { return Value{Type: TypeLong, Long: v} }
func FloatValue(v float32) Value { return Value{Type: TypeFloat, Float: v} }
func DoubleValue(v float64) Value { return Value{Type: TypeDouble, Double: v} }
func RefValue(ref any) Value { return Value{Type: TypeRef, Ref: ref} }
func NullValue() Value { return Value{Type: TypeNull} }

// IsNull reports whether v is the null reference.
func (v Value) IsNull() bool { return v.Type == TypeNull || (v.Type == TypeRef && v.Ref == nil) }

// IsWide reports whether v takes two local variable slots.
func (v Value) IsWide() bool { return v.Type == TypeLong || v.Type == TypeDouble }

// Slots is the number of local variable slots v occupies.
func (v Value) Slots() int {
	if v.IsWide() {
		return 2
	}
	return 1
}

func (v Value) String() string {
	switch v.Type {
	case TypeInt:
		return fmt.Sprint(v.Int)
	case TypeLong:
		return fmt.Sprint(v.Long)
	case TypeFloat:
		return fmt.Sprint(v.Float)
	case TypeDouble:
		return fmt.Sprint(v.Double)
	case TypeNull:
		return "null"
	}
	if s, ok := v.Ref.(string); ok {
		return s
	}
	return fmt.Sprint(v.Ref)
}

// Zero returns the default value of a field descriptor.
func Zero(descriptor string) Value {
	if descriptor == "" {
		return NullValue()
	}
	switch descriptor[0] {
	case 'J':
		return LongValue(0)
	case 'F':
		return FloatValue(0)
	case 'D':
		return DoubleValue(0)
	case 'L', '[':
		return NullValue()
	}
	return IntValue(0)
}
