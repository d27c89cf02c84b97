package interp

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daimatz/classlink/internal/testutil"
	"github.com/daimatz/classlink/pkg/classfile"
	"github.com/daimatz/classlink/pkg/heap"
	"github.com/daimatz/classlink/pkg/klass"
	"github.com/daimatz/classlink/pkg/loader"
	"github.com/daimatz/classlink/pkg/registry"
	"github.com/daimatz/classlink/pkg/vmerr"
)

type world struct {
	hub    *registry.Hub
	app    *loader.Loader
	engine *Engine
	out    *bytes.Buffer
}

func newWorld(t *testing.T, opts []Option, builders ...*classfile.Builder) *world {
	t.Helper()
	hub := registry.New(registry.WithBootSource(testutil.BootSource()))
	t.Cleanup(func() { hub.Close() })
	out := &bytes.Buffer{}
	return &world{
		hub:    hub,
		app:    hub.NewLoader("app", nil, testutil.Source(builders...)),
		engine: New(hub, append([]Option{WithStdout(out)}, opts...)...),
		out:    out,
	}
}

func (w *world) load(t *testing.T, name string) *klass.Class {
	t.Helper()
	cls, err := w.hub.LoadClass(context.Background(), name, w.app)
	require.NoError(t, err)
	return cls
}

const (
	public       = classfile.AccPublic
	publicStatic = classfile.AccPublic | classfile.AccStatic
)

func TestHelloWorld(t *testing.T) {
	b := classfile.NewBuilder("Hello")
	out := b.FieldRef("java/lang/System", "out", "Ljava/io/PrintStream;")
	msg := b.String("Hello, World!")
	printlnRef := b.MethodRef("java/io/PrintStream", "println", "(Ljava/lang/String;)V")
	b.Method(publicStatic, "main", "([Ljava/lang/String;)V", testutil.Code(
		testutil.Op(testutil.Getstatic, out),
		[]byte{testutil.Ldc, byte(msg)},
		testutil.Op(testutil.Invokevirtual, printlnRef),
		testutil.Ops(testutil.Return)))

	w := newWorld(t, nil, b)
	require.NoError(t, w.engine.Run(context.Background(), w.load(t, "Hello")))
	if got := w.out.String(); got != "Hello, World!\n" {
		t.Errorf("output: got %q, want %q", got, "Hello, World!\n")
	}
}

func TestPrintlnUsesOverriddenToString(t *testing.T) {
	named := testutil.Constructor(classfile.NewBuilder("Named"), "java/lang/Object")
	s := named.String("a named object")
	named.Method(public, "toString", "()Ljava/lang/String;", testutil.Code(
		[]byte{testutil.Ldc, byte(s)}, testutil.Ops(testutil.Areturn)))

	main := classfile.NewBuilder("Main")
	out := main.FieldRef("java/lang/System", "out", "Ljava/io/PrintStream;")
	cls := main.Class("Named")
	init := main.MethodRef("Named", "<init>", "()V")
	printlnRef := main.MethodRef("java/io/PrintStream", "println", "(Ljava/lang/Object;)V")
	main.Method(publicStatic, "main", "([Ljava/lang/String;)V", testutil.Code(
		testutil.Op(testutil.Getstatic, out),
		testutil.Op(testutil.New, cls), testutil.Ops(testutil.Dup),
		testutil.Op(testutil.Invokespecial, init),
		testutil.Op(testutil.Invokevirtual, printlnRef),
		testutil.Ops(testutil.Return)))

	w := newWorld(t, nil, named, main)
	require.NoError(t, w.engine.Run(context.Background(), w.load(t, "Main")))
	assert.Equal(t, "a named object\n", w.out.String())
}

func TestVirtualDispatch(t *testing.T) {
	base := testutil.ReturnInt(testutil.Constructor(classfile.NewBuilder("Base"), "java/lang/Object"), public, "id", 1)
	sub := testutil.ReturnInt(testutil.Constructor(classfile.NewBuilder("Sub").Super("Base"), "Base"), public, "id", 2)
	other := testutil.Constructor(classfile.NewBuilder("Other").Super("Base"), "Base")

	caller := classfile.NewBuilder("Caller")
	id := caller.MethodRef("Base", "id", "()I")
	caller.Method(publicStatic, "call", "(LBase;)I", testutil.Code(
		testutil.Ops(testutil.Aload0), testutil.Op(testutil.Invokevirtual, id), testutil.Ops(testutil.Ireturn)))

	w := newWorld(t, nil, base, sub, other, caller)
	ctx := context.Background()
	callerCls := w.load(t, "Caller")

	tests := []struct {
		class string
		want  int32
	}{
		{"Base", 1},
		{"Sub", 2},
		{"Other", 1},
	}
	for _, tt := range tests {
		t.Run(tt.class, func(t *testing.T) {
			obj, err := w.engine.NewInstance(ctx, w.load(t, tt.class), "()V")
			require.NoError(t, err)
			got, err := w.engine.InvokeStatic(ctx, callerCls, "call", "(LBase;)I", heap.RefValue(obj))
			require.NoError(t, err)
			if got.Int != tt.want {
				t.Errorf("%s.id(): got %d, want %d", tt.class, got.Int, tt.want)
			}
		})
	}
}

// interfaceCaller builds a class whose static run()I instantiates impl and
// calls iface.m()I on it through invokeinterface.
func interfaceCaller(impl, iface string) *classfile.Builder {
	b := classfile.NewBuilder("Caller")
	cls := b.Class(impl)
	init := b.MethodRef(impl, "<init>", "()V")
	m := b.InterfaceMethodRef(iface, "m", "()I")
	return b.Method(publicStatic, "run", "()I", testutil.Code(
		testutil.Op(testutil.New, cls), testutil.Ops(testutil.Dup),
		testutil.Op(testutil.Invokespecial, init),
		testutil.InvokeInterface(m, 1),
		testutil.Ops(testutil.Ireturn)))
}

func TestDefaultMethodThroughITable(t *testing.T) {
	iface := testutil.ReturnInt(classfile.NewBuilder("I").Interface(), public, "m", 7)
	impl := testutil.Constructor(classfile.NewBuilder("C").Interfaces("I"), "java/lang/Object")

	w := newWorld(t, nil, iface, impl, interfaceCaller("C", "I"))
	got, err := w.engine.InvokeStatic(context.Background(), w.load(t, "Caller"), "run", "()I")
	require.NoError(t, err)
	assert.Equal(t, int32(7), got.Int)

	it, ok := w.load(t, "C").Current().ITableFor(w.load(t, "I"))
	require.True(t, ok, "C has no itable for I")
	require.Len(t, it.Methods, 1)
	assert.Same(t, w.load(t, "I"), it.Methods[0].Method().Declarer())

	obj, err := w.engine.NewInstance(context.Background(), w.load(t, "C"), "()V")
	require.NoError(t, err)
	got, err = w.engine.CallVirtual(context.Background(), heap.RefValue(obj), "m", "()I")
	require.NoError(t, err)
	assert.Equal(t, int32(7), got.Int, "virtual call to an inherited default")
}

func TestConflictingDefaultsFailOnInvocation(t *testing.T) {
	i1 := testutil.ReturnInt(classfile.NewBuilder("I1").Interface(), public, "m", 1)
	i2 := testutil.ReturnInt(classfile.NewBuilder("I2").Interface(), public, "m", 2)
	impl := testutil.Constructor(classfile.NewBuilder("C").Interfaces("I1", "I2"), "java/lang/Object")

	w := newWorld(t, nil, i1, i2, impl, interfaceCaller("C", "I1"))
	// Linking C succeeds; only the call fails.
	w.load(t, "C")

	_, err := w.engine.InvokeStatic(context.Background(), w.load(t, "Caller"), "run", "()I")
	require.Error(t, err)
	assert.True(t, vmerr.Is(err, vmerr.AmbiguousDefault), "got %v", err)

	var exc *JavaException
	require.True(t, errors.As(err, &exc), "got %T", err)
	assert.Equal(t, "java/lang/IncompatibleClassChangeError", exc.Class().Name())
}

func TestAbstractMethodError(t *testing.T) {
	iface := classfile.NewBuilder("I").Interface().
		Method(public|classfile.AccAbstract, "m", "()I", nil)
	impl := testutil.Constructor(classfile.NewBuilder("C").Interfaces("I").
		Flags(classfile.AccPublic|classfile.AccSuper|classfile.AccAbstract), "java/lang/Object")
	// A concrete subclass that still lacks m.
	sub := testutil.Constructor(classfile.NewBuilder("D").Super("C"), "C")

	w := newWorld(t, nil, iface, impl, sub, interfaceCaller("D", "I"))
	_, err := w.engine.InvokeStatic(context.Background(), w.load(t, "Caller"), "run", "()I")
	require.Error(t, err)
	assert.True(t, vmerr.Is(err, vmerr.AbstractMethod), "got %v", err)
}

func TestExceptionHandler(t *testing.T) {
	b := classfile.NewBuilder("Math")
	b.MethodWithHandlers(publicStatic, "safeDiv", "(II)I",
		// 0: iload_0, iload_1, idiv, ireturn
		// 4: pop, iconst_m1, ireturn
		[]byte{testutil.Iload0, testutil.Iload1, 0x6C, testutil.Ireturn, testutil.Pop, 0x02, testutil.Ireturn},
		classfile.Handler{StartPC: 0, EndPC: 4, HandlerPC: 4, CatchType: "java/lang/RuntimeException"})
	b.MethodWithHandlers(publicStatic, "narrowCatch", "()I",
		// 0: iconst_1, iconst_0, idiv, ireturn
		// 4: pop, iconst_m1, ireturn
		[]byte{testutil.Iconst1, testutil.Iconst0, 0x6C, testutil.Ireturn, testutil.Pop, 0x02, testutil.Ireturn},
		classfile.Handler{StartPC: 0, EndPC: 4, HandlerPC: 4, CatchType: "java/lang/NullPointerException"})
	b.Method(publicStatic, "boom", "()V", []byte{0x01, testutil.Athrow})

	w := newWorld(t, nil, b)
	ctx := context.Background()
	cls := w.load(t, "Math")

	t.Run("caught", func(t *testing.T) {
		got, err := w.engine.InvokeStatic(ctx, cls, "safeDiv", "(II)I", heap.IntValue(6), heap.IntValue(0))
		require.NoError(t, err)
		assert.Equal(t, int32(-1), got.Int)
	})

	t.Run("no exception", func(t *testing.T) {
		got, err := w.engine.InvokeStatic(ctx, cls, "safeDiv", "(II)I", heap.IntValue(6), heap.IntValue(3))
		require.NoError(t, err)
		assert.Equal(t, int32(2), got.Int)
	})

	t.Run("handler does not match", func(t *testing.T) {
		_, err := w.engine.InvokeStatic(ctx, cls, "narrowCatch", "()I")
		var exc *JavaException
		require.True(t, errors.As(err, &exc), "got %v", err)
		assert.Equal(t, "java/lang/ArithmeticException", exc.Class().Name())
	})

	t.Run("athrow null", func(t *testing.T) {
		_, err := w.engine.InvokeStatic(ctx, cls, "boom", "()V")
		var exc *JavaException
		require.True(t, errors.As(err, &exc), "got %v", err)
		assert.Equal(t, "java/lang/NullPointerException", exc.Class().Name())
	})
}

func TestFieldsAndStatics(t *testing.T) {
	b := testutil.Constructor(classfile.NewBuilder("Counter"), "java/lang/Object").
		Field(classfile.AccPrivate, "value", "I").
		Field(classfile.AccPrivate|classfile.AccStatic, "total", "I")
	value := b.FieldRef("Counter", "value", "I")
	total := b.FieldRef("Counter", "total", "I")
	b.Method(public, "inc", "()I", testutil.Code(
		testutil.Ops(testutil.Aload0, testutil.Dup),
		testutil.Op(testutil.Getfield, value),
		testutil.Ops(testutil.Iconst1, testutil.Iadd),
		testutil.Op(testutil.Putfield, value),
		testutil.Op(testutil.Getstatic, total),
		testutil.Ops(testutil.Iconst1, testutil.Iadd),
		testutil.Op(testutil.Putstatic, total),
		testutil.Ops(testutil.Aload0),
		testutil.Op(testutil.Getfield, value),
		testutil.Ops(testutil.Ireturn)))

	w := newWorld(t, nil, b)
	ctx := context.Background()
	cls := w.load(t, "Counter")

	a, err := w.engine.NewInstance(ctx, cls, "()V")
	require.NoError(t, err)
	c, err := w.engine.NewInstance(ctx, cls, "()V")
	require.NoError(t, err)

	for i := int32(1); i <= 3; i++ {
		got, err := w.engine.CallVirtual(ctx, heap.RefValue(a), "inc", "()I")
		require.NoError(t, err)
		assert.Equal(t, i, got.Int)
	}
	got, err := w.engine.CallVirtual(ctx, heap.RefValue(c), "inc", "()I")
	require.NoError(t, err)
	assert.Equal(t, int32(1), got.Int, "instances do not share fields")

	total2, err := w.engine.GetStatic(ctx, cls, "total", "I")
	require.NoError(t, err)
	assert.Equal(t, int32(4), total2.Int)
}

func TestStaticInitializer(t *testing.T) {
	good := classfile.NewBuilder("Good").
		Field(classfile.AccStatic, "runs", "I")
	runs := good.FieldRef("Good", "runs", "I")
	good.Method(classfile.AccStatic, "<clinit>", "()V", testutil.Code(
		testutil.Op(testutil.Getstatic, runs),
		testutil.Ops(testutil.Iconst1, testutil.Iadd),
		testutil.Op(testutil.Putstatic, runs),
		testutil.Ops(testutil.Return)))

	bad := classfile.NewBuilder("Bad").
		Method(classfile.AccStatic, "<clinit>", "()V",
			[]byte{testutil.Iconst1, testutil.Iconst0, 0x6C, testutil.Pop, testutil.Return})

	w := newWorld(t, nil, good, bad)
	ctx := context.Background()

	t.Run("runs once", func(t *testing.T) {
		cls := w.load(t, "Good")
		for i := 0; i < 3; i++ {
			require.NoError(t, w.engine.Initialize(ctx, cls))
		}
		got, err := w.engine.GetStatic(ctx, cls, "runs", "I")
		require.NoError(t, err)
		assert.Equal(t, int32(1), got.Int)
	})

	t.Run("failure is sticky", func(t *testing.T) {
		cls := w.load(t, "Bad")
		err := w.engine.Initialize(ctx, cls)
		var exc *JavaException
		require.True(t, errors.As(err, &exc), "got %v", err)
		assert.Equal(t, "java/lang/ArithmeticException", exc.Class().Name())

		err = w.engine.Initialize(ctx, cls)
		assert.True(t, vmerr.Is(err, vmerr.NoClassDefFound), "got %v", err)
	})
}

func TestStackOverflow(t *testing.T) {
	b := classfile.NewBuilder("Loop")
	self := b.MethodRef("Loop", "forever", "()I")
	b.Method(publicStatic, "forever", "()I", testutil.Code(
		testutil.Op(testutil.Invokestatic, self), testutil.Ops(testutil.Ireturn)))

	w := newWorld(t, []Option{WithMaxFrameDepth(16)}, b)
	_, err := w.engine.InvokeStatic(context.Background(), w.load(t, "Loop"), "forever", "()I")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stack overflow")
}

func TestCanceledContext(t *testing.T) {
	b := classfile.NewBuilder("Spin")
	// 0: goto 0
	b.Method(publicStatic, "spin", "()V", []byte{0xA7, 0x00, 0x00})

	w := newWorld(t, nil, b)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := w.engine.InvokeStatic(ctx, w.load(t, "Spin"), "spin", "()V")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLoadingConstraintOnCall(t *testing.T) {
	shared := classfile.NewBuilder("p/Shared")
	callee := classfile.NewBuilder("q/Callee").
		Method(publicStatic, "take", "(Lp/Shared;)I", []byte{testutil.Iconst1, testutil.Ireturn})
	caller := classfile.NewBuilder("Caller")
	take := caller.MethodRef("q/Callee", "take", "(Lp/Shared;)I")
	caller.Method(publicStatic, "run", "()I", testutil.Code(
		testutil.Ops(0x01), testutil.Op(testutil.Invokestatic, take), testutil.Ops(testutil.Ireturn)))

	ctx := context.Background()

	t.Run("consistent", func(t *testing.T) {
		hub := registry.New(registry.WithBootSource(testutil.BootSource()))
		defer hub.Close()
		parent := hub.NewLoader("parent", nil, testutil.Source(shared, callee))
		child := hub.NewLoader("child", parent, testutil.Source(caller))

		cls, err := hub.LoadClass(ctx, "Caller", child)
		require.NoError(t, err)
		got, err := New(hub).InvokeStatic(ctx, cls, "run", "()I")
		require.NoError(t, err)
		assert.Equal(t, int32(1), got.Int)
	})

	t.Run("violated", func(t *testing.T) {
		hub := registry.New(registry.WithBootSource(testutil.BootSource()))
		defer hub.Close()
		parentSrc := testutil.Source(callee)
		parent := hub.NewLoader("parent", nil, parentSrc)
		child := hub.NewLoader("child", parent, testutil.Source(shared, caller))

		// The child defines p/Shared while the parent cannot see one, then the
		// parent gets its own.
		mine, err := hub.LoadClass(ctx, "p/Shared", child)
		require.NoError(t, err)
		testutil.Put(parentSrc, shared)
		theirs, err := hub.LoadClass(ctx, "p/Shared", parent)
		require.NoError(t, err)
		require.NotSame(t, mine, theirs)

		cls, err := hub.LoadClass(ctx, "Caller", child)
		require.NoError(t, err)
		_, err = New(hub).InvokeStatic(ctx, cls, "run", "()I")
		require.Error(t, err)
		assert.True(t, vmerr.Is(err, vmerr.LoadingConstraint), "got %v", err)
	})
}
