// Package interp executes class-file bytecode against the class model:
// method references resolve against the current class version and virtual
// calls dispatch through vtables and itables.
package interp

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/tliron/commonlog"

	"github.com/daimatz/classlink/pkg/classfile"
	"github.com/daimatz/classlink/pkg/heap"
	"github.com/daimatz/classlink/pkg/klass"
	"github.com/daimatz/classlink/pkg/native"
	"github.com/daimatz/classlink/pkg/registry"
	"github.com/daimatz/classlink/pkg/vmerr"
)

var log = commonlog.GetLogger("classlink.interp")

// DefaultMaxFrameDepth is the maximum number of nested method calls.
const DefaultMaxFrameDepth = 1024

// Engine executes methods of classes loaded through a hub.
type Engine struct {
	hub      *registry.Hub
	heap     *heap.Heap
	natives  *native.Registry
	stdout   io.Writer
	maxDepth int
}

// Option configures an Engine.
type Option func(*Engine)

func WithStdout(w io.Writer) Option { return func(e *Engine) { e.stdout = w } }
func WithHeap(h *heap.Heap) Option { return func(e *Engine) { e.heap = h } }
func WithNatives(r *native.Registry) Option { return func(e *Engine) { e.natives = r } }

// WithMaxFrameDepth bounds call nesting; n <= 0 keeps the default.
func WithMaxFrameDepth(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxDepth = n
		}
	}
}

// New creates an engine over hub.
func New(hub *registry.Hub, opts ...Option) *Engine {
	e := &Engine{
		hub:      hub,
		stdout:   os.Stdout,
		maxDepth: DefaultMaxFrameDepth,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.heap == nil {
		e.heap = heap.New()
	}
	if e.natives == nil {
		e.natives = native.Standard()
	}
	return e
}

func (e *Engine) Hub() *registry.Hub { return e.hub }
func (e *Engine) Heap() *heap.Heap { return e.heap }

// Stdout implements native.Env.
func (e *Engine) Stdout() io.Writer { return e.stdout }

type depthKey struct{}

func depthOf(ctx context.Context) int {
	d, _ := ctx.Value(depthKey{}).(int)
	return d
}

// Run finds and executes the main method of cls.
func (e *Engine) Run(ctx context.Context, cls *klass.Class) error {
	// main(String[] args) with null args
	_, err := e.InvokeStatic(ctx, cls, "main", "([Ljava/lang/String;)V", heap.NullValue())
	return err
}

// Initialize runs the static initialization of cls and its superclasses.
func (e *Engine) Initialize(ctx context.Context, cls *klass.Class) error {
	if cls.IsArray() || cls.IsPrimitive() || cls.IsInitialized() {
		return nil
	}
	if s := cls.Super(); s != nil && !cls.IsInterface() {
		if err := e.Initialize(ctx, s); err != nil {
			return err
		}
	}
	return cls.Initialize(ctx, func(ctx context.Context) error {
		v := cls.Current()
		if err := e.initConstants(v); err != nil {
			return err
		}
		clinit := v.DeclaredMethod(klass.Sig{Name: "<clinit>", Descriptor: "()V"})
		if clinit == nil {
			return nil
		}
		log.Debugf("initializing %s", cls.Name())
		_, err := e.invoke(ctx, clinit, nil, depthOf(ctx))
		return err
	})
}

// initConstants stores ConstantValue attributes into static fields.
func (e *Engine) initConstants(v *klass.ClassVersion) error {
	lc := v.Linked()
	if lc == nil {
		return nil
	}
	statics := e.heap.Statics(v.Class())
	entries := lc.Pool.Entries()
	for _, f := range lc.StaticFields {
		idx := f.ConstantValue()
		if idx == 0 || int(idx) >= len(entries) {
			continue
		}
		var val heap.Value
		switch c := entries[idx].(type) {
		case *classfile.ConstantInteger:
			val = heap.IntValue(c.Value)
		case *classfile.ConstantLong:
			val = heap.LongValue(c.Value)
		case *classfile.ConstantFloat:
			val = heap.FloatValue(c.Value)
		case *classfile.ConstantDouble:
			val = heap.DoubleValue(c.Value)
		case *classfile.ConstantString:
			s, err := classfile.GetUtf8(entries, c.StringIndex)
			if err != nil {
				return err
			}
			val = heap.RefValue(s)
		default:
			continue
		}
		if err := statics.Put(f, val); err != nil {
			return err
		}
	}
	return nil
}

// InvokeStatic initializes cls and calls one of its static methods.
func (e *Engine) InvokeStatic(ctx context.Context, cls *klass.Class, name, descriptor string, args ...heap.Value) (heap.Value, error) {
	mv := cls.Current().LookupMethod(klass.Sig{Name: name, Descriptor: descriptor})
	if mv == nil {
		return heap.Value{}, vmerr.New(vmerr.NoSuchMethod, "%s.%s%s", cls.Name(), name, descriptor)
	}
	if !mv.IsStatic() {
		return heap.Value{}, vmerr.New(vmerr.IncompatibleClassChange, "expected static method %s", mv)
	}
	if err := e.Initialize(ctx, mv.Method().Declarer()); err != nil {
		return heap.Value{}, err
	}
	return e.invoke(ctx, mv, args, depthOf(ctx))
}

// CallVirtual invokes an instance method on receiver, selecting the
// implementation through the receiver's dispatch tables. It implements
// native.Env.
func (e *Engine) CallVirtual(ctx context.Context, receiver heap.Value, name, descriptor string, args ...heap.Value) (heap.Value, error) {
	if receiver.IsNull() {
		return heap.Value{}, e.throw(ctx, "java/lang/NullPointerException", nil)
	}
	rc, err := e.classOf(ctx, receiver)
	if err != nil {
		return heap.Value{}, err
	}
	sig := klass.Sig{Name: name, Descriptor: descriptor}
	resolved := rc.Current().LookupMethod(sig)
	if resolved == nil {
		return heap.Value{}, vmerr.New(vmerr.NoSuchMethod, "%s.%s", rc.Name(), sig)
	}
	target, err := e.selectVirtual(rc, resolved)
	if err != nil {
		return heap.Value{}, err
	}
	return e.invoke(ctx, target, append([]heap.Value{receiver}, args...), depthOf(ctx))
}

// NewInstance allocates an instance of cls and runs the constructor with
// the given descriptor.
func (e *Engine) NewInstance(ctx context.Context, cls *klass.Class, descriptor string, args ...heap.Value) (*heap.Object, error) {
	if err := e.Initialize(ctx, cls); err != nil {
		return nil, err
	}
	obj, err := e.heap.Allocate(cls)
	if err != nil {
		return nil, err
	}
	ctor := cls.Current().DeclaredMethod(klass.Sig{Name: "<init>", Descriptor: descriptor})
	if ctor == nil {
		return nil, vmerr.New(vmerr.NoSuchMethod, "%s.<init>%s", cls.Name(), descriptor)
	}
	if _, err := e.invoke(ctx, ctor, append([]heap.Value{heap.RefValue(obj)}, args...), depthOf(ctx)); err != nil {
		return nil, err
	}
	return obj, nil
}

// NewObject implements native.Env.
func (e *Engine) NewObject(ctx context.Context, class string) (*heap.Object, error) {
	cls, err := e.hub.LoadClass(ctx, class, e.hub.Boot())
	if err != nil {
		return nil, err
	}
	return e.heap.Allocate(cls)
}

// SetStatic implements native.Env.
func (e *Engine) SetStatic(ctx context.Context, class, name, descriptor string, v heap.Value) error {
	cls, err := e.hub.LoadClass(ctx, class, e.hub.Boot())
	if err != nil {
		return err
	}
	f := cls.Current().LookupField(klass.Sig{Name: name, Descriptor: descriptor})
	if f == nil {
		return vmerr.New(vmerr.NoSuchField, "%s.%s:%s", class, name, descriptor)
	}
	return e.heap.Statics(f.Declarer()).Put(f, v)
}

// GetStatic reads a static field after initializing its class.
func (e *Engine) GetStatic(ctx context.Context, cls *klass.Class, name, descriptor string) (heap.Value, error) {
	f := cls.Current().LookupField(klass.Sig{Name: name, Descriptor: descriptor})
	if f == nil {
		return heap.Value{}, vmerr.New(vmerr.NoSuchField, "%s.%s:%s", cls.Name(), name, descriptor)
	}
	if err := e.Initialize(ctx, f.Declarer()); err != nil {
		return heap.Value{}, err
	}
	return e.heap.Statics(f.Declarer()).Get(f)
}

// Invoke calls exactly mv, without virtual dispatch. For instance methods
// args[0] is the receiver.
func (e *Engine) Invoke(ctx context.Context, mv *klass.MethodVersion, args ...heap.Value) (heap.Value, error) {
	return e.invoke(ctx, mv, args, depthOf(ctx))
}

func (e *Engine) classOf(ctx context.Context, v heap.Value) (*klass.Class, error) {
	switch ref := v.Ref.(type) {
	case *heap.Object:
		return ref.Class(), nil
	case *heap.Array:
		return ref.Class(), nil
	case string:
		return e.hub.LoadClass(ctx, "java/lang/String", e.hub.Boot())
	}
	return nil, fmt.Errorf("value %v is not a reference", v)
}

// selectVirtual picks the implementation of resolved for a receiver of
// class rc. Table entries are refreshed, so a slot inherited from a
// superseded version runs the newest body of the same method.
func (e *Engine) selectVirtual(rc *klass.Class, resolved *klass.MethodVersion) (*klass.MethodVersion, error) {
	if resolved.IsPrivate() || resolved.IsConstructor() {
		return resolved.Resolve()
	}
	if resolved.Method().Declarer().IsInterface() {
		return e.selectInterface(rc, resolved)
	}
	idx := resolved.VTableIndex()
	vt := rc.Current().VTable()
	if idx < 0 || idx >= len(vt) || vt[idx] == nil {
		return nil, vmerr.New(vmerr.IncompatibleClassChange, "%s has no vtable slot for %s", rc.Name(), resolved)
	}
	return vt[idx].Refresh().Resolve()
}

// selectInterface picks the implementation of interface method resolved for
// a receiver of class rc through rc's itable for the declaring interface.
func (e *Engine) selectInterface(rc *klass.Class, resolved *klass.MethodVersion) (*klass.MethodVersion, error) {
	iface := resolved.Method().Declarer()
	if !iface.IsInterface() {
		return e.selectVirtual(rc, resolved)
	}
	if resolved.IsPrivate() || resolved.IsStatic() {
		return resolved.Resolve()
	}
	it, ok := rc.Current().ITableFor(iface)
	if !ok {
		return nil, vmerr.New(vmerr.IncompatibleClassChange, "class %s does not implement the requested interface %s", rc.Name(), iface.Name())
	}
	idx := resolved.ITableIndex()
	if idx < 0 || idx >= len(it.Methods) || it.Methods[idx] == nil {
		return nil, vmerr.New(vmerr.IncompatibleClassChange, "%s has no itable slot for %s", rc.Name(), resolved)
	}
	return it.Methods[idx].Refresh().Resolve()
}

// invoke runs mv with its arguments. The method must already be selected;
// abstract, removed and conflicting slots fail here.
func (e *Engine) invoke(ctx context.Context, mv *klass.MethodVersion, args []heap.Value, depth int) (heap.Value, error) {
	target, err := mv.Resolve()
	if err != nil {
		return heap.Value{}, err
	}
	if depth+1 > e.maxDepth {
		return heap.Value{}, fmt.Errorf("stack overflow: frame depth exceeded %d", e.maxDepth)
	}
	if target.IsNative() {
		ct, err := target.CallTarget(e.bindNative)
		if err != nil {
			return heap.Value{}, err
		}
		return ct.(native.Func)(context.WithValue(ctx, depthKey{}, depth+1), e, args)
	}
	return e.executeMethod(ctx, target, args, depth+1)
}

func (e *Engine) bindNative(mv *klass.MethodVersion) (any, error) {
	fn, err := e.natives.Lookup(mv.Method().Declarer().Name(), mv.Name(), mv.Descriptor())
	if err != nil {
		return nil, err
	}
	return fn, nil
}

// executeMethod executes a method with the given arguments and returns its return value.
func (e *Engine) executeMethod(ctx context.Context, mv *klass.MethodVersion, args []heap.Value, depth int) (ret heap.Value, err error) {
	code := mv.Code()
	if code == nil {
		return heap.Value{}, vmerr.New(vmerr.AbstractMethod, "method %s has no Code attribute", mv)
	}
	frame := NewFrame(code.MaxLocals, code.MaxStack, code.Code, mv)
	defer func() {
		if r := recover(); r != nil {
			err = vmerr.New(vmerr.Verify, "%s at PC=%d: %v", mv, frame.PC, r)
		}
	}()
	frame.SetArgs(args)
	return e.run(ctx, frame, depth)
}

// run is the execution loop of one frame.
func (e *Engine) run(ctx context.Context, frame *Frame, depth int) (heap.Value, error) {
	for frame.PC < len(frame.Code) {
		if err := ctx.Err(); err != nil {
			return heap.Value{}, err
		}
		pc := frame.PC
		opcode := frame.Code[frame.PC]
		frame.PC++

		retVal, hasReturn, err := e.executeInstruction(ctx, frame, opcode, depth)
		if err != nil {
			exc, err := e.guest(ctx, err)
			if exc == nil {
				return heap.Value{}, err
			}
			handler := e.findHandler(ctx, frame, pc, exc)
			if handler < 0 {
				return heap.Value{}, err
			}
			frame.ClearStack()
			frame.Push(heap.RefValue(exc.Object))
			frame.PC = handler
			continue
		}
		if hasReturn {
			return retVal, nil
		}
	}

	// Fell off the end of the method (implicit return for void methods)
	return heap.Value{}, nil
}
