package interp

import (
	"testing"

	"github.com/daimatz/classlink/pkg/heap"
)

func TestFramePushPop(t *testing.T) {
	t.Run("LIFO order", func(t *testing.T) {
		frame := NewFrame(0, 10, nil, nil)

		frame.Push(heap.IntValue(10))
		frame.Push(heap.IntValue(20))
		frame.Push(heap.IntValue(30))

		for _, want := range []int32{30, 20, 10} {
			if v := frame.Pop(); v.Int != want {
				t.Errorf("Pop: got %d, want %d", v.Int, want)
			}
		}
	})

	t.Run("push after pop reuses space", func(t *testing.T) {
		frame := NewFrame(0, 10, nil, nil)

		frame.Push(heap.IntValue(1))
		frame.Push(heap.IntValue(2))
		frame.Pop() // remove 2

		frame.Push(heap.IntValue(3))
		if v := frame.Pop(); v.Int != 3 {
			t.Errorf("got %d, want 3", v.Int)
		}
		if v := frame.Pop(); v.Int != 1 {
			t.Errorf("got %d, want 1", v.Int)
		}
	})

	t.Run("peek leaves the value", func(t *testing.T) {
		frame := NewFrame(0, 10, nil, nil)
		frame.Push(heap.IntValue(42))
		if v := frame.Peek(); v.Int != 42 {
			t.Errorf("Peek: got %d, want 42", v.Int)
		}
		if frame.Depth() != 1 {
			t.Errorf("depth after Peek: got %d, want 1", frame.Depth())
		}
	})

	t.Run("PopN keeps push order", func(t *testing.T) {
		frame := NewFrame(0, 10, nil, nil)
		frame.Push(heap.IntValue(1))
		frame.Push(heap.IntValue(2))
		frame.Push(heap.IntValue(3))
		got := frame.PopN(2)
		if len(got) != 2 || got[0].Int != 2 || got[1].Int != 3 {
			t.Errorf("PopN(2): got %v, want [2 3]", got)
		}
		if frame.Depth() != 1 {
			t.Errorf("depth: got %d, want 1", frame.Depth())
		}
	})

	t.Run("overflow panics", func(t *testing.T) {
		defer func() {
			if recover() == nil {
				t.Error("Push beyond max stack did not panic")
			}
		}()
		frame := NewFrame(0, 1, nil, nil)
		frame.Push(heap.IntValue(1))
		frame.Push(heap.IntValue(2))
	})
}

func TestFrameLocalVars(t *testing.T) {
	t.Run("basic set and get", func(t *testing.T) {
		frame := NewFrame(4, 10, nil, nil)
		for i := 0; i < 4; i++ {
			frame.SetLocal(i, heap.IntValue(int32(10*(i+1))))
		}
		for i := 0; i < 4; i++ {
			if v := frame.GetLocal(i); v.Int != int32(10*(i+1)) {
				t.Errorf("GetLocal(%d): got %d, want %d", i, v.Int, 10*(i+1))
			}
		}
	})

	t.Run("local vars independent from stack", func(t *testing.T) {
		frame := NewFrame(4, 10, nil, nil)

		frame.SetLocal(0, heap.IntValue(10))
		frame.Push(heap.IntValue(99))

		if v := frame.GetLocal(0); v.Int != 10 {
			t.Errorf("GetLocal(0) after push: got %d, want 10", v.Int)
		}
		if v := frame.Pop(); v.Int != 99 {
			t.Errorf("Pop after SetLocal: got %d, want 99", v.Int)
		}
	})

	t.Run("wide arguments take two slots", func(t *testing.T) {
		frame := NewFrame(5, 10, nil, nil)
		frame.SetArgs([]heap.Value{heap.IntValue(1), heap.LongValue(2), heap.DoubleValue(3)})

		if v := frame.GetLocal(0); v.Int != 1 {
			t.Errorf("GetLocal(0): got %v, want 1", v)
		}
		if v := frame.GetLocal(1); v.Long != 2 {
			t.Errorf("GetLocal(1): got %v, want 2", v)
		}
		if v := frame.GetLocal(3); v.Double != 3 {
			t.Errorf("GetLocal(3): got %v, want 3", v)
		}
	})
}

func TestFrameReadOperands(t *testing.T) {
	frame := NewFrame(0, 0, []byte{0xFF, 0xFF, 0xFE, 0x12, 0x34, 0x80, 0x00, 0x00, 0x01}, nil)
	if got := frame.ReadI8(); got != -1 {
		t.Errorf("ReadI8: got %d, want -1", got)
	}
	if got := frame.ReadI16(); got != -2 {
		t.Errorf("ReadI16: got %d, want -2", got)
	}
	if got := frame.ReadU16(); got != 0x1234 {
		t.Errorf("ReadU16: got %#x, want 0x1234", got)
	}
	if got := frame.ReadI32(); got != -2147483647 {
		t.Errorf("ReadI32: got %d, want -2147483647", got)
	}
	if frame.PC != 9 {
		t.Errorf("PC: got %d, want 9", frame.PC)
	}
}

func TestFrameFaults(t *testing.T) {
	tests := []struct {
		name string
		op   func(*Frame)
	}{
		{"pop empty", func(f *Frame) { f.Pop() }},
		{"PopN too many", func(f *Frame) { f.PopN(1) }},
		{"local out of range", func(f *Frame) { f.GetLocal(2) }},
		{"negative local", func(f *Frame) { f.SetLocal(-1, heap.IntValue(0)) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer func() {
				if _, ok := recover().(frameFault); !ok {
					t.Error("did not panic with a frameFault")
				}
			}()
			tt.op(NewFrame(2, 2, nil, nil))
		})
	}
}
