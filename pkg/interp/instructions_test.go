package interp

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/daimatz/classlink/internal/testutil"
	"github.com/daimatz/classlink/pkg/heap"
	"github.com/daimatz/classlink/pkg/registry"
)

func bareEngine(t *testing.T) *Engine {
	t.Helper()
	h := registry.New(registry.WithBootSource(testutil.BootSource()))
	t.Cleanup(func() { h.Close() })
	return New(h, WithStdout(io.Discard))
}

// execute runs bytecode that does not touch the constant pool in a fresh
// frame. Optional locals are set as int32 values starting at index 0.
func execute(t *testing.T, code []byte, locals ...int32) (heap.Value, error) {
	t.Helper()
	maxLocals := uint16(len(locals))
	if maxLocals < 4 {
		maxLocals = 4
	}
	frame := NewFrame(maxLocals, 10, code, nil)
	for i, val := range locals {
		frame.SetLocal(i, heap.IntValue(val))
	}
	return bareEngine(t).run(context.Background(), frame, 0)
}

func executeAndGetInt(t *testing.T, code []byte, locals ...int32) int32 {
	t.Helper()
	v, err := execute(t, code, locals...)
	if err != nil {
		t.Fatalf("execution error: %v", err)
	}
	return v.Int
}

func TestIconst(t *testing.T) {
	tests := []struct {
		name   string
		opcode byte
		want   int32
	}{
		{"iconst_m1", 0x02, -1},
		{"iconst_0", 0x03, 0},
		{"iconst_1", 0x04, 1},
		{"iconst_2", 0x05, 2},
		{"iconst_3", 0x06, 3},
		{"iconst_4", 0x07, 4},
		{"iconst_5", 0x08, 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code := []byte{tt.opcode, 0xAC} // iconst_N, ireturn
			got := executeAndGetInt(t, code)
			if got != tt.want {
				t.Errorf("%s: got %d, want %d", tt.name, got, tt.want)
			}
		})
	}
}

func TestBipushSipush(t *testing.T) {
	tests := []struct {
		name string
		code []byte
		want int32
	}{
		{"bipush positive", []byte{0x10, 42, 0xAC}, 42},
		{"bipush negative", []byte{0x10, 0xFB, 0xAC}, -5},
		{"bipush min", []byte{0x10, 0x80, 0xAC}, -128},
		{"sipush", []byte{0x11, 0x01, 0x00, 0xAC}, 256},
		{"sipush negative", []byte{0x11, 0xFF, 0xFE, 0xAC}, -2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := executeAndGetInt(t, tt.code)
			if got != tt.want {
				t.Errorf("%s: got %d, want %d", tt.name, got, tt.want)
			}
		})
	}
}

func TestArithmeticInstructions(t *testing.T) {
	tests := []struct {
		name string
		code []byte
		want int32
	}{
		{"iadd: 3+4=7", []byte{0x06, 0x07, 0x60, 0xAC}, 7},
		{"isub: 5-3=2", []byte{0x08, 0x06, 0x64, 0xAC}, 2},
		{"imul: 3*4=12", []byte{0x06, 0x07, 0x68, 0xAC}, 12},
		{"idiv: 5/2=2", []byte{0x08, 0x05, 0x6C, 0xAC}, 2},
		{"irem: 5%2=1", []byte{0x08, 0x05, 0x70, 0xAC}, 1},
		{"ineg: -5", []byte{0x08, 0x74, 0xAC}, -5},
		{"ishl: 1<<4", []byte{0x04, 0x07, 0x78, 0xAC}, 16},
		{"iushr: -1>>>28", []byte{0x02, 0x10, 28, 0x7C, 0xAC}, 15},
		{"ixor: 5^3", []byte{0x08, 0x06, 0x82, 0xAC}, 6},
		{"iinc: local0 += 3", []byte{0x84, 0x00, 0x03, 0x1A, 0xAC}, 13},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := executeAndGetInt(t, tt.code, 10)
			if got != tt.want {
				t.Errorf("%s: got %d, want %d", tt.name, got, tt.want)
			}
		})
	}
}

func TestWideArithmetic(t *testing.T) {
	tests := []struct {
		name string
		code []byte
		want heap.Value
	}{
		// lconst_1, lconst_1, ladd, lreturn
		{"ladd", []byte{0x0A, 0x0A, 0x61, 0xAD}, heap.LongValue(2)},
		// iconst_5, i2l, iconst_3, i2l, lmul, lreturn
		{"lmul", []byte{0x08, 0x85, 0x06, 0x85, 0x69, 0xAD}, heap.LongValue(15)},
		// iconst_1, i2l, bipush 40, lshl, l2i, ireturn
		{"lshl then l2i", []byte{0x04, 0x85, 0x10, 40, 0x79, 0x88, 0xAC}, heap.IntValue(0)},
		// dconst_1, dconst_1, dadd, dreturn
		{"dadd", []byte{0x0F, 0x0F, 0x63, 0xAF}, heap.DoubleValue(2)},
		// fconst_2, fconst_2, fmul, freturn
		{"fmul", []byte{0x0D, 0x0D, 0x6A, 0xAE}, heap.FloatValue(4)},
		// lconst_0, lconst_1, lcmp, ireturn
		{"lcmp", []byte{0x09, 0x0A, 0x94, 0xAC}, heap.IntValue(-1)},
		// dconst_1, d2i, ireturn
		{"d2i", []byte{0x0F, 0x8E, 0xAC}, heap.IntValue(1)},
		// lconst_1, dup2, ladd, lreturn
		{"dup2 on a long", []byte{0x0A, 0x5C, 0x61, 0xAD}, heap.LongValue(2)},
		// iconst_1, iconst_2, pop2, iconst_3, ireturn
		{"pop2 on two ints", []byte{0x04, 0x05, 0x58, 0x06, 0xAC}, heap.IntValue(3)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := execute(t, tt.code)
			if err != nil {
				t.Fatalf("execution error: %v", err)
			}
			if got != tt.want {
				t.Errorf("%s: got %+v, want %+v", tt.name, got, tt.want)
			}
		})
	}
}

func TestOverflow(t *testing.T) {
	// Integer.MIN_VALUE / -1 stays MIN_VALUE.
	frame := NewFrame(4, 10, []byte{0x1A, 0x02, 0x6C, 0xAC}, nil)
	frame.SetLocal(0, heap.IntValue(-2147483648))
	got, err := bareEngine(t).run(context.Background(), frame, 0)
	if err != nil {
		t.Fatal(err)
	}
	if got.Int != -2147483648 {
		t.Errorf("MIN_VALUE / -1: got %d, want -2147483648", got.Int)
	}
}

func TestBranch(t *testing.T) {
	tests := []struct {
		name string
		code []byte
		want int32
	}{
		// iconst_0, ifeq(+5), iconst_1, ireturn, iconst_2, ireturn
		{"ifeq taken", []byte{0x03, 0x99, 0x00, 0x05, 0x04, 0xAC, 0x05, 0xAC}, 2},
		{"ifeq not taken", []byte{0x04, 0x99, 0x00, 0x05, 0x06, 0xAC, 0x07, 0xAC}, 3},
		{"ifne taken", []byte{0x04, 0x9A, 0x00, 0x05, 0x06, 0xAC, 0x07, 0xAC}, 4},
		// goto(+5), iconst_1, ireturn, iconst_2, ireturn
		{"goto", []byte{0xA7, 0x00, 0x05, 0x04, 0xAC, 0x05, 0xAC}, 2},
		// bipush -1, iflt(+5), iconst_0, ireturn, iconst_1, ireturn
		{"iflt taken", []byte{0x10, 0xFF, 0x9B, 0x00, 0x05, 0x03, 0xAC, 0x04, 0xAC}, 1},
		// iconst_1, iconst_2, if_icmplt(+5), iconst_0, ireturn, iconst_1, ireturn
		{"if_icmplt taken", []byte{0x04, 0x05, 0xA1, 0x00, 0x05, 0x03, 0xAC, 0x04, 0xAC}, 1},
		// aconst_null, ifnull(+5), iconst_0, ireturn, iconst_1, ireturn
		{"ifnull taken", []byte{0x01, 0xC6, 0x00, 0x05, 0x03, 0xAC, 0x04, 0xAC}, 1},
		// aconst_null, ifnonnull(+5), iconst_0, ireturn, iconst_1, ireturn
		{"ifnonnull not taken", []byte{0x01, 0xC7, 0x00, 0x05, 0x03, 0xAC, 0x04, 0xAC}, 0},
		// aconst_null, aconst_null, if_acmpeq(+5), iconst_0, ireturn, iconst_1, ireturn
		{"if_acmpeq nulls", []byte{0x01, 0x01, 0xA5, 0x00, 0x05, 0x03, 0xAC, 0x04, 0xAC}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := executeAndGetInt(t, tt.code)
			if got != tt.want {
				t.Errorf("%s: got %d, want %d", tt.name, got, tt.want)
			}
		})
	}
}

func TestTableswitch(t *testing.T) {
	// 0: iload_0
	// 1: tableswitch, padding to 4
	// 4: default=+27 low=0 high=1 offsets=+23,+25
	// 24: iconst_1 ireturn | 26: iconst_2 ireturn | 28: iconst_m1 ireturn
	code := []byte{
		0x1A, 0xAA, 0x00, 0x00,
		0x00, 0x00, 0x00, 27,
		0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x01,
		0x00, 0x00, 0x00, 23,
		0x00, 0x00, 0x00, 25,
		0x04, 0xAC, 0x05, 0xAC, 0x02, 0xAC,
	}
	tests := []struct{ in, want int32 }{{0, 1}, {1, 2}, {7, -1}}
	for _, tt := range tests {
		if got := executeAndGetInt(t, code, tt.in); got != tt.want {
			t.Errorf("tableswitch(%d): got %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestStackOps(t *testing.T) {
	tests := []struct {
		name string
		code []byte
		want int32
	}{
		// iconst_3, dup, iadd
		{"dup", []byte{0x06, 0x59, 0x60, 0xAC}, 6},
		// iconst_1, iconst_2, swap, isub
		{"swap", []byte{0x04, 0x05, 0x5F, 0x64, 0xAC}, 1},
		// iconst_1, iconst_2, dup_x1, iadd, iadd -> 2+1+2
		{"dup_x1", []byte{0x04, 0x05, 0x5A, 0x60, 0x60, 0xAC}, 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := executeAndGetInt(t, tt.code); got != tt.want {
				t.Errorf("%s: got %d, want %d", tt.name, got, tt.want)
			}
		})
	}
}

func TestDivisionByZero(t *testing.T) {
	tests := []struct {
		name string
		code []byte
	}{
		{"idiv", []byte{0x08, 0x03, 0x6C, 0xAC}},
		{"irem", []byte{0x08, 0x03, 0x70, 0xAC}},
		{"ldiv", []byte{0x0A, 0x09, 0x6D, 0xAD}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, tt.code)
			var exc *JavaException
			if !errors.As(err, &exc) {
				t.Fatalf("%s by zero: got %v, want a JavaException", tt.name, err)
			}
			if got := exc.Class().Name(); got != "java/lang/ArithmeticException" {
				t.Errorf("exception class: got %s, want java/lang/ArithmeticException", got)
			}
		})
	}
}

func TestUnknownOpcode(t *testing.T) {
	_, err := execute(t, []byte{0xFE})
	if err == nil {
		t.Fatal("expected an error for opcode 0xFE")
	}
}
