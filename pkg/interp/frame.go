package interp

import (
	"encoding/binary"
	"fmt"
	"slices"

	"github.com/daimatz/classlink/pkg/classfile"
	"github.com/daimatz/classlink/pkg/heap"
	"github.com/daimatz/classlink/pkg/klass"
	"github.com/daimatz/classlink/pkg/loader"
)

// Frame is the activation of one method. Long and double values occupy one
// operand stack entry and two local variable slots.
type Frame struct {
	Locals []heap.Value
	Code   []byte
	PC     int
	Method *klass.MethodVersion

	// stack has capacity max_stack; its length is the current depth.
	stack []heap.Value
}

// frameFault is the panic value for operand stack and local variable
// violations. executeMethod turns it into a VerifyError.
type frameFault string

func (f frameFault) Error() string { return string(f) }

func faultf(format string, args ...any) frameFault {
	return frameFault(fmt.Sprintf(format, args...))
}

// NewFrame allocates a frame. mv may be nil for code that does not touch
// the constant pool.
func NewFrame(maxLocals, maxStack uint16, code []byte, mv *klass.MethodVersion) *Frame {
	return &Frame{
		Locals: make([]heap.Value, maxLocals),
		Code:   code,
		Method: mv,
		stack:  make([]heap.Value, 0, maxStack),
	}
}

// Pool returns the runtime constant pool of the executing method's class
// version.
func (f *Frame) Pool() *klass.RuntimePool {
	if f.Method == nil || f.Method.Holder() == nil || f.Method.Holder().Linked() == nil {
		return nil
	}
	return f.Method.Holder().Linked().Pool
}

func (f *Frame) entries() []classfile.ConstantPoolEntry {
	if p := f.Pool(); p != nil {
		return p.Entries()
	}
	return nil
}

// Class returns the class declaring the executing method.
func (f *Frame) Class() *klass.Class {
	if f.Method == nil {
		return nil
	}
	return f.Method.Method().Declarer()
}

// Loader returns the defining loader of the executing method's class.
func (f *Frame) Loader() *loader.Loader {
	if c := f.Class(); c != nil {
		return c.Loader()
	}
	return nil
}

// Depth is the number of values on the operand stack.
func (f *Frame) Depth() int { return len(f.stack) }

// ClearStack empties the operand stack, as on entry to an exception handler.
func (f *Frame) ClearStack() { f.stack = f.stack[:0] }

func (f *Frame) Push(v heap.Value) {
	if len(f.stack) == cap(f.stack) {
		panic(faultf("operand stack overflow (max_stack %d)", cap(f.stack)))
	}
	f.stack = append(f.stack, v)
}

func (f *Frame) PushAll(vs ...heap.Value) {
	for _, v := range vs {
		f.Push(v)
	}
}

func (f *Frame) Pop() heap.Value {
	v := f.Peek()
	f.stack = f.stack[:len(f.stack)-1]
	return v
}

// Pop2 pops two values; top was pushed last.
func (f *Frame) Pop2() (under, top heap.Value) {
	top = f.Pop()
	return f.Pop(), top
}

func (f *Frame) Peek() heap.Value {
	if len(f.stack) == 0 {
		panic(faultf("operand stack underflow"))
	}
	return f.stack[len(f.stack)-1]
}

// PopN pops n values and returns them in push order.
func (f *Frame) PopN(n int) []heap.Value {
	if n > len(f.stack) {
		panic(faultf("operand stack underflow: depth %d, need %d", len(f.stack), n))
	}
	rest := len(f.stack) - n
	out := slices.Clone(f.stack[rest:])
	f.stack = f.stack[:rest]
	return out
}

func (f *Frame) local(index int) *heap.Value {
	if index < 0 || index >= len(f.Locals) {
		panic(faultf("local variable %d out of range (max_locals %d)", index, len(f.Locals)))
	}
	return &f.Locals[index]
}

func (f *Frame) GetLocal(index int) heap.Value { return *f.local(index) }

func (f *Frame) SetLocal(index int, v heap.Value) { *f.local(index) = v }

// SetArgs stores invocation arguments into the local variables.
func (f *Frame) SetArgs(args []heap.Value) {
	slot := 0
	for _, a := range args {
		f.SetLocal(slot, a)
		slot += a.Slots()
	}
}

// Immediate operands. PC is left after the operand.

func (f *Frame) ReadU8() uint8 {
	f.PC++
	return f.Code[f.PC-1]
}

func (f *Frame) ReadI8() int8 { return int8(f.ReadU8()) }

func (f *Frame) ReadU16() uint16 {
	f.PC += 2
	return binary.BigEndian.Uint16(f.Code[f.PC-2:])
}

func (f *Frame) ReadI16() int16 { return int16(f.ReadU16()) }

func (f *Frame) ReadI32() int32 {
	f.PC += 4
	return int32(binary.BigEndian.Uint32(f.Code[f.PC-4:]))
}
