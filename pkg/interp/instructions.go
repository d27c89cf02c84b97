package interp

import (
	"cmp"
	"context"
	"fmt"
	"math"

	"github.com/daimatz/classlink/pkg/classfile"
	"github.com/daimatz/classlink/pkg/heap"
	"github.com/daimatz/classlink/pkg/klass"
	"github.com/daimatz/classlink/pkg/vmerr"
)

// Opcodes
const (
	OpNop             = 0x00
	OpAconstNull      = 0x01
	OpIconstM1        = 0x02
	OpIconst0         = 0x03
	OpIconst1         = 0x04
	OpIconst2         = 0x05
	OpIconst3         = 0x06
	OpIconst4         = 0x07
	OpIconst5         = 0x08
	OpLconst0         = 0x09
	OpLconst1         = 0x0A
	OpFconst0         = 0x0B
	OpFconst1         = 0x0C
	OpFconst2         = 0x0D
	OpDconst0         = 0x0E
	OpDconst1         = 0x0F
	OpBipush          = 0x10
	OpSipush          = 0x11
	OpLdc             = 0x12
	OpLdcW            = 0x13
	OpLdc2W           = 0x14
	OpIload           = 0x15
	OpLload           = 0x16
	OpFload           = 0x17
	OpDload           = 0x18
	OpAload           = 0x19
	OpIload0          = 0x1A
	OpIload3          = 0x1D
	OpLload0          = 0x1E
	OpLload3          = 0x21
	OpFload0          = 0x22
	OpFload3          = 0x25
	OpDload0          = 0x26
	OpDload3          = 0x29
	OpAload0          = 0x2A
	OpAload1          = 0x2B
	OpAload2          = 0x2C
	OpAload3          = 0x2D
	OpIaload          = 0x2E
	OpLaload          = 0x2F
	OpFaload          = 0x30
	OpDaload          = 0x31
	OpAaload          = 0x32
	OpBaload          = 0x33
	OpCaload          = 0x34
	OpSaload          = 0x35
	OpIstore          = 0x36
	OpLstore          = 0x37
	OpFstore          = 0x38
	OpDstore          = 0x39
	OpAstore          = 0x3A
	OpIstore0         = 0x3B
	OpIstore3         = 0x3E
	OpLstore0         = 0x3F
	OpLstore3         = 0x42
	OpFstore0         = 0x43
	OpFstore3         = 0x46
	OpDstore0         = 0x47
	OpDstore3         = 0x4A
	OpAstore0         = 0x4B
	OpAstore3         = 0x4E
	OpIastore         = 0x4F
	OpLastore         = 0x50
	OpFastore         = 0x51
	OpDastore         = 0x52
	OpAastore         = 0x53
	OpBastore         = 0x54
	OpCastore         = 0x55
	OpSastore         = 0x56
	OpPop             = 0x57
	OpPop2            = 0x58
	OpDup             = 0x59
	OpDupX1           = 0x5A
	OpDupX2           = 0x5B
	OpDup2            = 0x5C
	OpSwap            = 0x5F
	OpIadd            = 0x60
	OpLadd            = 0x61
	OpFadd            = 0x62
	OpDadd            = 0x63
	OpIsub            = 0x64
	OpLsub            = 0x65
	OpFsub            = 0x66
	OpDsub            = 0x67
	OpImul            = 0x68
	OpLmul            = 0x69
	OpFmul            = 0x6A
	OpDmul            = 0x6B
	OpIdiv            = 0x6C
	OpLdiv            = 0x6D
	OpFdiv            = 0x6E
	OpDdiv            = 0x6F
	OpIrem            = 0x70
	OpLrem            = 0x71
	OpIneg            = 0x74
	OpLneg            = 0x75
	OpFneg            = 0x76
	OpDneg            = 0x77
	OpIshl            = 0x78
	OpLshl            = 0x79
	OpIshr            = 0x7A
	OpLshr            = 0x7B
	OpIushr           = 0x7C
	OpLushr           = 0x7D
	OpIand            = 0x7E
	OpLand            = 0x7F
	OpIor             = 0x80
	OpLor             = 0x81
	OpIxor            = 0x82
	OpLxor            = 0x83
	OpIinc            = 0x84
	OpI2l             = 0x85
	OpI2f             = 0x86
	OpI2d             = 0x87
	OpL2i             = 0x88
	OpL2f             = 0x89
	OpL2d             = 0x8A
	OpF2i             = 0x8B
	OpF2l             = 0x8C
	OpF2d             = 0x8D
	OpD2i             = 0x8E
	OpD2l             = 0x8F
	OpD2f             = 0x90
	OpI2b             = 0x91
	OpI2c             = 0x92
	OpI2s             = 0x93
	OpLcmp            = 0x94
	OpFcmpl           = 0x95
	OpFcmpg           = 0x96
	OpDcmpl           = 0x97
	OpDcmpg           = 0x98
	OpIfeq            = 0x99
	OpIfne            = 0x9A
	OpIflt            = 0x9B
	OpIfge            = 0x9C
	OpIfgt            = 0x9D
	OpIfle            = 0x9E
	OpIfIcmpeq        = 0x9F
	OpIfIcmpne        = 0xA0
	OpIfIcmplt        = 0xA1
	OpIfIcmpge        = 0xA2
	OpIfIcmpgt        = 0xA3
	OpIfIcmple        = 0xA4
	OpIfAcmpeq        = 0xA5
	OpIfAcmpne        = 0xA6
	OpGoto            = 0xA7
	OpTableswitch     = 0xAA
	OpLookupswitch    = 0xAB
	OpIreturn         = 0xAC
	OpLreturn         = 0xAD
	OpFreturn         = 0xAE
	OpDreturn         = 0xAF
	OpAreturn         = 0xB0
	OpReturn          = 0xB1
	OpGetstatic       = 0xB2
	OpPutstatic       = 0xB3
	OpGetfield        = 0xB4
	OpPutfield        = 0xB5
	OpInvokevirtual   = 0xB6
	OpInvokespecial   = 0xB7
	OpInvokestatic    = 0xB8
	OpInvokeinterface = 0xB9
	OpNew             = 0xBB
	OpNewarray        = 0xBC
	OpAnewarray       = 0xBD
	OpArraylength     = 0xBE
	OpAthrow          = 0xBF
	OpCheckcast       = 0xC0
	OpInstanceof      = 0xC1
	OpMonitorenter    = 0xC2
	OpMonitorexit     = 0xC3
	OpIfnull          = 0xC6
	OpIfnonnull       = 0xC7
	OpGotoW           = 0xC8
)

// newarray element types
var arrayTypes = map[uint8]string{
	4: "Z", 5: "C", 6: "F", 7: "D", 8: "B", 9: "S", 10: "I", 11: "J",
}

// executeInstruction runs the instruction at frame.PC-1. hasReturn reports a
// return from the method with the given value.
func (e *Engine) executeInstruction(ctx context.Context, frame *Frame, opcode byte, depth int) (heap.Value, bool, error) {
	pc := frame.PC - 1

	// <t>load_<n> and <t>store_<n> are two contiguous runs of four per type.
	switch {
	case opcode >= OpIload0 && opcode <= OpAload3:
		frame.Push(frame.GetLocal(int(opcode-OpIload0) % 4))
		return heap.Value{}, false, nil
	case opcode >= OpIstore0 && opcode <= OpAstore3:
		frame.SetLocal(int(opcode-OpIstore0)%4, frame.Pop())
		return heap.Value{}, false, nil
	}

	switch opcode {
	case OpNop:
		// do nothing

	// --- Constant load instructions ---
	case OpAconstNull:
		frame.Push(heap.NullValue())

	case OpIconstM1, OpIconst0, OpIconst1, OpIconst2, OpIconst3, OpIconst4, OpIconst5:
		frame.Push(heap.IntValue(int32(opcode) - OpIconst0))

	case OpLconst0, OpLconst1:
		frame.Push(heap.LongValue(int64(opcode - OpLconst0)))

	case OpFconst0, OpFconst1, OpFconst2:
		frame.Push(heap.FloatValue(float32(opcode - OpFconst0)))

	case OpDconst0, OpDconst1:
		frame.Push(heap.DoubleValue(float64(opcode - OpDconst0)))

	case OpBipush:
		val := frame.ReadI8()
		frame.Push(heap.IntValue(int32(val)))

	case OpSipush:
		val := frame.ReadI16()
		frame.Push(heap.IntValue(int32(val)))

	case OpLdc:
		index := frame.ReadU8()
		return e.executeLdc(ctx, frame, uint16(index))

	case OpLdcW:
		index := frame.ReadU16()
		return e.executeLdc(ctx, frame, index)

	case OpLdc2W:
		index := frame.ReadU16()
		pool := frame.entries()
		if int(index) >= len(pool) || pool[index] == nil {
			return heap.Value{}, false, fmt.Errorf("ldc2_w: invalid constant pool index %d", index)
		}
		switch c := pool[index].(type) {
		case *classfile.ConstantLong:
			frame.Push(heap.LongValue(c.Value))
		case *classfile.ConstantDouble:
			frame.Push(heap.DoubleValue(c.Value))
		default:
			return heap.Value{}, false, fmt.Errorf("ldc2_w: unsupported type at index %d", index)
		}

	// --- Local variable load / store instructions ---
	case OpIload, OpLload, OpFload, OpDload, OpAload:
		index := frame.ReadU8()
		frame.Push(frame.GetLocal(int(index)))

	case OpIstore, OpLstore, OpFstore, OpDstore, OpAstore:
		index := frame.ReadU8()
		frame.SetLocal(int(index), frame.Pop())

	// --- Arrays ---
	case OpIaload, OpLaload, OpFaload, OpDaload, OpAaload, OpBaload, OpCaload, OpSaload:
		index := frame.Pop().Int
		arr, err := e.arrayRef(ctx, frame.Pop(), index)
		if err != nil {
			return heap.Value{}, false, err
		}
		frame.Push(arr.Elements[index])

	case OpIastore, OpLastore, OpFastore, OpDastore, OpAastore, OpBastore, OpCastore, OpSastore:
		value := frame.Pop()
		index := frame.Pop().Int
		arr, err := e.arrayRef(ctx, frame.Pop(), index)
		if err != nil {
			return heap.Value{}, false, err
		}
		switch opcode {
		case OpBastore:
			if arr.Class().Component().Descriptor() == "Z" {
				value = heap.IntValue(value.Int & 1)
			} else {
				value = heap.IntValue(int32(int8(value.Int)))
			}
		case OpCastore:
			value = heap.IntValue(int32(uint16(value.Int)))
		case OpSastore:
			value = heap.IntValue(int32(int16(value.Int)))
		}
		arr.Elements[index] = value

	case OpNewarray:
		atype := frame.ReadU8()
		count := frame.Pop().Int
		desc, ok := arrayTypes[atype]
		if !ok {
			return heap.Value{}, false, fmt.Errorf("newarray: invalid type %d", atype)
		}
		cls, err := e.hub.LoadClass(ctx, "["+desc, e.hub.Boot())
		if err != nil {
			return heap.Value{}, false, err
		}
		return e.pushArray(ctx, frame, cls, count)

	case OpAnewarray:
		comp, err := e.classRef(ctx, frame, frame.ReadU16())
		if err != nil {
			return heap.Value{}, false, err
		}
		count := frame.Pop().Int
		return e.pushArray(ctx, frame, comp.ArrayClass(e.hub.Object()), count)

	case OpArraylength:
		arrRef := frame.Pop()
		if arrRef.IsNull() {
			return heap.Value{}, false, e.throw(ctx, "java/lang/NullPointerException", nil)
		}
		arr, ok := arrRef.Ref.(*heap.Array)
		if !ok {
			return heap.Value{}, false, fmt.Errorf("arraylength: reference is not an array")
		}
		frame.Push(heap.IntValue(int32(arr.Len())))

	// Stack shuffles. Category 2 values are a single entry, so the _x2 and
	// 2 forms check IsWide to pick the shape.
	case OpPop:
		frame.Pop()

	case OpPop2:
		if !frame.Pop().IsWide() {
			frame.Pop()
		}

	case OpDup:
		frame.Push(frame.Peek())

	case OpDupX1:
		under, top := frame.Pop2()
		frame.PushAll(top, under, top)

	case OpDupX2:
		if under, top := frame.Pop2(); under.IsWide() {
			frame.PushAll(top, under, top)
		} else {
			third := frame.Pop()
			frame.PushAll(top, third, under, top)
		}

	case OpDup2:
		if frame.Peek().IsWide() {
			frame.Push(frame.Peek())
		} else {
			under, top := frame.Pop2()
			frame.PushAll(under, top, under, top)
		}

	case OpSwap:
		under, top := frame.Pop2()
		frame.PushAll(top, under)

	// --- Arithmetic ---
	case OpIadd, OpIsub, OpImul, OpIdiv, OpIrem, OpIshl, OpIshr, OpIushr, OpIand, OpIor, OpIxor:
		v1, v2 := frame.Pop2()
		r, err := e.intOp(ctx, opcode, v1.Int, v2.Int)
		if err != nil {
			return heap.Value{}, false, err
		}
		frame.Push(heap.IntValue(r))

	case OpLadd, OpLsub, OpLmul, OpLdiv, OpLrem, OpLand, OpLor, OpLxor:
		v1, v2 := frame.Pop2()
		r, err := e.longOp(ctx, opcode, v1.Long, v2.Long)
		if err != nil {
			return heap.Value{}, false, err
		}
		frame.Push(heap.LongValue(r))

	case OpLshl:
		v1, v2 := frame.Pop2()
		frame.Push(heap.LongValue(v1.Long << (uint(v2.Int) & 0x3f)))

	case OpLshr:
		v1, v2 := frame.Pop2()
		frame.Push(heap.LongValue(v1.Long >> (uint(v2.Int) & 0x3f)))

	case OpLushr:
		v1, v2 := frame.Pop2()
		frame.Push(heap.LongValue(int64(uint64(v1.Long) >> (uint(v2.Int) & 0x3f))))

	case OpFadd, OpFsub, OpFmul, OpFdiv:
		v1, v2 := frame.Pop2()
		frame.Push(heap.FloatValue(float32(floatOp(opcode-OpFadd, float64(v1.Float), float64(v2.Float)))))

	case OpDadd, OpDsub, OpDmul, OpDdiv:
		v1, v2 := frame.Pop2()
		frame.Push(heap.DoubleValue(floatOp(opcode-OpDadd, v1.Double, v2.Double)))

	case OpIneg:
		v := frame.Pop()
		frame.Push(heap.IntValue(-v.Int))
	case OpLneg:
		v := frame.Pop()
		frame.Push(heap.LongValue(-v.Long))
	case OpFneg:
		v := frame.Pop()
		frame.Push(heap.FloatValue(-v.Float))
	case OpDneg:
		v := frame.Pop()
		frame.Push(heap.DoubleValue(-v.Double))

	case OpIinc:
		index := frame.ReadU8()
		constVal := frame.ReadI8()
		local := frame.GetLocal(int(index))
		frame.SetLocal(int(index), heap.IntValue(local.Int+int32(constVal)))

	// --- Type conversions ---
	case OpI2l:
		frame.Push(heap.LongValue(int64(frame.Pop().Int)))
	case OpI2f:
		frame.Push(heap.FloatValue(float32(frame.Pop().Int)))
	case OpI2d:
		frame.Push(heap.DoubleValue(float64(frame.Pop().Int)))
	case OpL2i:
		frame.Push(heap.IntValue(int32(frame.Pop().Long)))
	case OpL2f:
		frame.Push(heap.FloatValue(float32(frame.Pop().Long)))
	case OpL2d:
		frame.Push(heap.DoubleValue(float64(frame.Pop().Long)))
	case OpF2i:
		frame.Push(heap.IntValue(toInt32(float64(frame.Pop().Float))))
	case OpF2l:
		frame.Push(heap.LongValue(toInt64(float64(frame.Pop().Float))))
	case OpF2d:
		frame.Push(heap.DoubleValue(float64(frame.Pop().Float)))
	case OpD2i:
		frame.Push(heap.IntValue(toInt32(frame.Pop().Double)))
	case OpD2l:
		frame.Push(heap.LongValue(toInt64(frame.Pop().Double)))
	case OpD2f:
		frame.Push(heap.FloatValue(float32(frame.Pop().Double)))
	case OpI2b:
		frame.Push(heap.IntValue(int32(int8(frame.Pop().Int))))
	case OpI2c:
		frame.Push(heap.IntValue(int32(uint16(frame.Pop().Int))))
	case OpI2s:
		frame.Push(heap.IntValue(int32(int16(frame.Pop().Int))))

	// --- Comparisons ---
	case OpLcmp:
		v1, v2 := frame.Pop2()
		frame.Push(heap.IntValue(int32(cmp.Compare(v1.Long, v2.Long))))

	case OpFcmpl, OpFcmpg:
		v1, v2 := frame.Pop2()
		frame.Push(heap.IntValue(compare(float64(v1.Float), float64(v2.Float), opcode == OpFcmpg)))

	case OpDcmpl, OpDcmpg:
		v1, v2 := frame.Pop2()
		frame.Push(heap.IntValue(compare(v1.Double, v2.Double, opcode == OpDcmpg)))

	// Branches. Offsets are relative to the branch opcode.
	case OpIfeq, OpIfne, OpIflt, OpIfge, OpIfgt, OpIfle:
		c := cmp.Compare(frame.Pop().Int, 0)
		branch(frame, pc, int(frame.ReadI16()), intCond(opcode-OpIfeq, c))

	case OpIfIcmpeq, OpIfIcmpne, OpIfIcmplt, OpIfIcmpge, OpIfIcmpgt, OpIfIcmple:
		v1, v2 := frame.Pop2()
		c := cmp.Compare(v1.Int, v2.Int)
		branch(frame, pc, int(frame.ReadI16()), intCond(opcode-OpIfIcmpeq, c))

	case OpIfAcmpeq, OpIfAcmpne:
		v1, v2 := frame.Pop2()
		branch(frame, pc, int(frame.ReadI16()), sameRef(v1, v2) == (opcode == OpIfAcmpeq))

	case OpIfnull, OpIfnonnull:
		branch(frame, pc, int(frame.ReadI16()), frame.Pop().IsNull() == (opcode == OpIfnull))

	case OpGoto:
		branch(frame, pc, int(frame.ReadI16()), true)

	case OpGotoW:
		branch(frame, pc, int(frame.ReadI32()), true)

	case OpTableswitch:
		frame.PC = (frame.PC + 3) &^ 3
		target := frame.ReadI32()
		low, high := frame.ReadI32(), frame.ReadI32()
		table := frame.PC
		frame.PC += 4 * int(high-low+1)
		if key := frame.Pop().Int; key >= low && key <= high {
			frame.PC = table + 4*int(key-low)
			target = frame.ReadI32()
		}
		frame.PC = pc + int(target)

	case OpLookupswitch:
		frame.PC = (frame.PC + 3) &^ 3
		target := frame.ReadI32()
		pairs := int(frame.ReadI32())
		key := frame.Pop().Int
		for range pairs {
			match, offset := frame.ReadI32(), frame.ReadI32()
			if match == key {
				target = offset
			}
		}
		frame.PC = pc + int(target)

	// --- Return ---
	case OpIreturn, OpLreturn, OpFreturn, OpDreturn, OpAreturn:
		return frame.Pop(), true, nil

	case OpReturn:
		return heap.Value{}, true, nil

	// --- Fields, objects and invocation ---
	case OpGetstatic, OpPutstatic:
		return e.executeStatic(ctx, frame, opcode == OpPutstatic)

	case OpGetfield, OpPutfield:
		return e.executeField(ctx, frame, opcode == OpPutfield)

	case OpInvokevirtual:
		return e.executeInvokevirtual(ctx, frame, depth)

	case OpInvokespecial:
		return e.executeInvokespecial(ctx, frame, depth)

	case OpInvokestatic:
		return e.executeInvokestatic(ctx, frame, depth)

	case OpInvokeinterface:
		return e.executeInvokeinterface(ctx, frame, depth)

	case OpNew:
		cls, err := e.classRef(ctx, frame, frame.ReadU16())
		if err != nil {
			return heap.Value{}, false, err
		}
		if err := e.Initialize(ctx, cls); err != nil {
			return heap.Value{}, false, err
		}
		obj, err := e.heap.Allocate(cls)
		if err != nil {
			return heap.Value{}, false, err
		}
		frame.Push(heap.RefValue(obj))

	case OpAthrow:
		excRef := frame.Pop()
		if excRef.IsNull() {
			return heap.Value{}, false, e.throw(ctx, "java/lang/NullPointerException", nil)
		}
		if obj, ok := excRef.Ref.(*heap.Object); ok {
			return heap.Value{}, false, &JavaException{Object: obj}
		}
		return heap.Value{}, false, fmt.Errorf("athrow: non-object on stack")

	case OpCheckcast, OpInstanceof:
		cls, err := e.classRef(ctx, frame, frame.ReadU16())
		if err != nil {
			return heap.Value{}, false, err
		}
		ref := frame.Pop()
		ok := false
		if !ref.IsNull() {
			rc, err := e.classOf(ctx, ref)
			if err != nil {
				return heap.Value{}, false, err
			}
			ok = rc.IsAssignableTo(cls)
		}
		if opcode == OpInstanceof {
			if ok {
				frame.Push(heap.IntValue(1))
			} else {
				frame.Push(heap.IntValue(0))
			}
			break
		}
		if !ok && !ref.IsNull() {
			return heap.Value{}, false, e.throw(ctx, "java/lang/ClassCastException",
				fmt.Errorf("%v cannot be cast to %s", ref, cls.Name()))
		}
		frame.Push(ref)

	case OpMonitorenter, OpMonitorexit:
		if frame.Pop().IsNull() {
			return heap.Value{}, false, e.throw(ctx, "java/lang/NullPointerException", nil)
		}

	default:
		return heap.Value{}, false, fmt.Errorf("unknown opcode: 0x%02X at PC=%d", opcode, frame.PC-1)
	}

	return heap.Value{}, false, nil
}

func (e *Engine) intOp(ctx context.Context, opcode byte, a, b int32) (int32, error) {
	switch opcode {
	case OpIadd:
		return a + b, nil
	case OpIsub:
		return a - b, nil
	case OpImul:
		return a * b, nil
	case OpIdiv, OpIrem:
		if b == 0 {
			return 0, e.throw(ctx, "java/lang/ArithmeticException", fmt.Errorf("/ by zero"))
		}
		if a == math.MinInt32 && b == -1 {
			if opcode == OpIdiv {
				return a, nil
			}
			return 0, nil
		}
		if opcode == OpIdiv {
			return a / b, nil
		}
		return a % b, nil
	case OpIshl:
		return a << (uint(b) & 0x1f), nil
	case OpIshr:
		return a >> (uint(b) & 0x1f), nil
	case OpIushr:
		return int32(uint32(a) >> (uint(b) & 0x1f)), nil
	case OpIand:
		return a & b, nil
	case OpIor:
		return a | b, nil
	case OpIxor:
		return a ^ b, nil
	}
	return 0, fmt.Errorf("not an int opcode: 0x%02X", opcode)
}

func (e *Engine) longOp(ctx context.Context, opcode byte, a, b int64) (int64, error) {
	switch opcode {
	case OpLadd:
		return a + b, nil
	case OpLsub:
		return a - b, nil
	case OpLmul:
		return a * b, nil
	case OpLdiv, OpLrem:
		if b == 0 {
			return 0, e.throw(ctx, "java/lang/ArithmeticException", fmt.Errorf("/ by zero"))
		}
		if a == math.MinInt64 && b == -1 {
			if opcode == OpLdiv {
				return a, nil
			}
			return 0, nil
		}
		if opcode == OpLdiv {
			return a / b, nil
		}
		return a % b, nil
	case OpLand:
		return a & b, nil
	case OpLor:
		return a | b, nil
	case OpLxor:
		return a ^ b, nil
	}
	return 0, fmt.Errorf("not a long opcode: 0x%02X", opcode)
}

// floatOp applies add, sub, mul or div selected by the opcode's offset from
// the family's add opcode. Families are laid out four opcodes apart.
func floatOp(offset byte, a, b float64) float64 {
	switch offset {
	case 0:
		return a + b
	case OpFsub - OpFadd:
		return a - b
	case OpFmul - OpFadd:
		return a * b
	}
	return a / b
}

func compare(a, b float64, nanIsGreater bool) int32 {
	switch {
	case math.IsNaN(a) || math.IsNaN(b):
		if nanIsGreater {
			return 1
		}
		return -1
	case a > b:
		return 1
	case a < b:
		return -1
	}
	return 0
}

func toInt32(f float64) int32 {
	switch {
	case math.IsNaN(f):
		return 0
	case f >= math.MaxInt32:
		return math.MaxInt32
	case f <= math.MinInt32:
		return math.MinInt32
	}
	return int32(f)
}

func toInt64(f float64) int64 {
	switch {
	case math.IsNaN(f):
		return 0
	case f >= math.MaxInt64:
		return math.MaxInt64
	case f <= math.MinInt64:
		return math.MinInt64
	}
	return int64(f)
}

func branch(frame *Frame, pc, offset int, taken bool) {
	if taken {
		frame.PC = pc + offset
	}
}

// intCond evaluates the condition of the if<cond> / if_icmp<cond> family
// (eq ne lt ge gt le, in opcode order) against a cmp.Compare result.
func intCond(cond byte, c int) bool {
	switch cond {
	case 0:
		return c == 0
	case 1:
		return c != 0
	case 2:
		return c < 0
	case 3:
		return c >= 0
	case 4:
		return c > 0
	default:
		return c <= 0
	}
}

func sameRef(a, b heap.Value) bool {
	if a.IsNull() || b.IsNull() {
		return a.IsNull() && b.IsNull()
	}
	return a.Ref == b.Ref
}

// executeLdc handles the ldc instruction. Anonymous-class patches replace
// the pool entry.
func (e *Engine) executeLdc(ctx context.Context, frame *Frame, index uint16) (heap.Value, bool, error) {
	if p := frame.Pool(); p != nil {
		if v, ok := p.Patch(index); ok {
			frame.Push(heap.RefValue(v))
			return heap.Value{}, false, nil
		}
	}
	pool := frame.entries()
	if int(index) >= len(pool) || pool[index] == nil {
		return heap.Value{}, false, fmt.Errorf("ldc: invalid constant pool index %d", index)
	}

	entry := pool[index]
	switch c := entry.(type) {
	case *classfile.ConstantInteger:
		frame.Push(heap.IntValue(c.Value))
	case *classfile.ConstantFloat:
		frame.Push(heap.FloatValue(c.Value))
	case *classfile.ConstantString:
		str, err := classfile.GetUtf8(pool, c.StringIndex)
		if err != nil {
			return heap.Value{}, false, fmt.Errorf("ldc: resolving string: %w", err)
		}
		frame.Push(heap.RefValue(str))
	case *classfile.ConstantClass:
		cls, err := e.classRef(ctx, frame, index)
		if err != nil {
			return heap.Value{}, false, err
		}
		frame.Push(heap.RefValue(cls))
	default:
		return heap.Value{}, false, fmt.Errorf("ldc: unsupported constant pool entry type at index %d (tag=%d)", index, entry.Tag())
	}

	return heap.Value{}, false, nil
}

func (e *Engine) arrayRef(ctx context.Context, ref heap.Value, index int32) (*heap.Array, error) {
	if ref.IsNull() {
		return nil, e.throw(ctx, "java/lang/NullPointerException", nil)
	}
	arr, ok := ref.Ref.(*heap.Array)
	if !ok {
		return nil, fmt.Errorf("array access: reference is not an array")
	}
	if index < 0 || int(index) >= arr.Len() {
		return nil, e.throw(ctx, "java/lang/ArrayIndexOutOfBoundsException",
			fmt.Errorf("index %d out of bounds for length %d", index, arr.Len()))
	}
	return arr, nil
}

func (e *Engine) pushArray(ctx context.Context, frame *Frame, cls *klass.Class, count int32) (heap.Value, bool, error) {
	if count < 0 {
		return heap.Value{}, false, e.throw(ctx, "java/lang/NegativeArraySizeException", fmt.Errorf("%d", count))
	}
	arr, err := e.heap.NewArray(cls, count)
	if err != nil {
		return heap.Value{}, false, err
	}
	frame.Push(heap.RefValue(arr))
	return heap.Value{}, false, nil
}

// executeStatic handles getstatic and putstatic.
func (e *Engine) executeStatic(ctx context.Context, frame *Frame, put bool) (heap.Value, bool, error) {
	f, err := e.fieldRef(ctx, frame, frame.ReadU16())
	if err != nil {
		return heap.Value{}, false, err
	}
	if !f.IsStatic() {
		return heap.Value{}, false, vmerr.New(vmerr.IncompatibleClassChange, "expected static field %s", f)
	}
	if err := e.Initialize(ctx, f.Declarer()); err != nil {
		return heap.Value{}, false, err
	}
	statics := e.heap.Statics(f.Declarer())
	if put {
		return heap.Value{}, false, statics.Put(f, frame.Pop())
	}
	v, err := statics.Get(f)
	if err != nil {
		return heap.Value{}, false, err
	}
	frame.Push(v)
	return heap.Value{}, false, nil
}

// executeField handles getfield and putfield.
func (e *Engine) executeField(ctx context.Context, frame *Frame, put bool) (heap.Value, bool, error) {
	f, err := e.fieldRef(ctx, frame, frame.ReadU16())
	if err != nil {
		return heap.Value{}, false, err
	}
	var value heap.Value
	if put {
		value = frame.Pop()
	}
	objectRef := frame.Pop()
	if objectRef.IsNull() {
		return heap.Value{}, false, e.throw(ctx, "java/lang/NullPointerException", nil)
	}
	obj, ok := objectRef.Ref.(*heap.Object)
	if !ok {
		return heap.Value{}, false, fmt.Errorf("field access on non-object %v", objectRef)
	}
	if put {
		return heap.Value{}, false, obj.Put(f, value)
	}
	v, err := obj.Get(f)
	if err != nil {
		return heap.Value{}, false, err
	}
	frame.Push(v)
	return heap.Value{}, false, nil
}

func popArgs(frame *Frame, descriptor string, receiver bool) ([]heap.Value, error) {
	params, err := paramTypes(descriptor)
	if err != nil {
		return nil, err
	}
	n := len(params)
	if receiver {
		n++
	}
	return frame.PopN(n), nil
}

// call invokes target and pushes its result.
func (e *Engine) call(ctx context.Context, frame *Frame, target *klass.MethodVersion, args []heap.Value, depth int) (heap.Value, bool, error) {
	ret, err := e.invoke(ctx, target, args, depth)
	if err != nil {
		return heap.Value{}, false, err
	}
	if !isVoidReturn(target.Descriptor()) {
		frame.Push(ret)
	}
	return heap.Value{}, false, nil
}

func (e *Engine) receiverArgs(ctx context.Context, frame *Frame, resolved *klass.MethodVersion) ([]heap.Value, *klass.Class, error) {
	if resolved.IsStatic() {
		return nil, nil, vmerr.New(vmerr.IncompatibleClassChange, "expected non-static method %s", resolved)
	}
	args, err := popArgs(frame, resolved.Descriptor(), true)
	if err != nil {
		return nil, nil, err
	}
	if args[0].IsNull() {
		return nil, nil, e.throw(ctx, "java/lang/NullPointerException",
			fmt.Errorf("cannot invoke %s on null", resolved))
	}
	rc, err := e.classOf(ctx, args[0])
	if err != nil {
		return nil, nil, err
	}
	return args, rc, nil
}

// executeInvokevirtual dispatches through the receiver's vtable.
func (e *Engine) executeInvokevirtual(ctx context.Context, frame *Frame, depth int) (heap.Value, bool, error) {
	_, resolved, err := e.methodRef(ctx, frame, frame.ReadU16())
	if err != nil {
		return heap.Value{}, false, err
	}
	args, rc, err := e.receiverArgs(ctx, frame, resolved)
	if err != nil {
		return heap.Value{}, false, err
	}
	target, err := e.selectVirtual(rc, resolved)
	if err != nil {
		return heap.Value{}, false, err
	}
	return e.call(ctx, frame, target, args, depth)
}

// executeInvokeinterface dispatches through the receiver's itable for the
// interface declaring the resolved method.
func (e *Engine) executeInvokeinterface(ctx context.Context, frame *Frame, depth int) (heap.Value, bool, error) {
	index := frame.ReadU16()
	frame.ReadU8() // count
	frame.ReadU8() // 0
	_, resolved, err := e.methodRef(ctx, frame, index)
	if err != nil {
		return heap.Value{}, false, err
	}
	args, rc, err := e.receiverArgs(ctx, frame, resolved)
	if err != nil {
		return heap.Value{}, false, err
	}
	target, err := e.selectInterface(rc, resolved)
	if err != nil {
		return heap.Value{}, false, err
	}
	return e.call(ctx, frame, target, args, depth)
}

// executeInvokespecial calls constructors, private methods and superclass
// methods without virtual dispatch.
func (e *Engine) executeInvokespecial(ctx context.Context, frame *Frame, depth int) (heap.Value, bool, error) {
	_, resolved, err := e.methodRef(ctx, frame, frame.ReadU16())
	if err != nil {
		return heap.Value{}, false, err
	}
	args, _, err := e.receiverArgs(ctx, frame, resolved)
	if err != nil {
		return heap.Value{}, false, err
	}
	target := resolved
	cur := frame.Class()
	decl := resolved.Method().Declarer()
	if cur != nil && !resolved.IsConstructor() && !resolved.IsPrivate() &&
		!decl.IsInterface() && decl != cur && cur.Is(classfile.AccSuper) && cur.IsSubclassOf(decl) {
		if s := cur.Super(); s != nil {
			if mv := s.Current().LookupMethod(resolved.Sig()); mv != nil {
				target = mv
			}
		}
	}
	return e.call(ctx, frame, target, args, depth)
}

// executeInvokestatic initializes the declaring class and calls the method.
func (e *Engine) executeInvokestatic(ctx context.Context, frame *Frame, depth int) (heap.Value, bool, error) {
	_, resolved, err := e.methodRef(ctx, frame, frame.ReadU16())
	if err != nil {
		return heap.Value{}, false, err
	}
	if !resolved.IsStatic() {
		return heap.Value{}, false, vmerr.New(vmerr.IncompatibleClassChange, "expected static method %s", resolved)
	}
	if err := e.Initialize(ctx, resolved.Method().Declarer()); err != nil {
		return heap.Value{}, false, err
	}
	args, err := popArgs(frame, resolved.Descriptor(), false)
	if err != nil {
		return heap.Value{}, false, err
	}
	return e.call(ctx, frame, resolved, args, depth)
}
