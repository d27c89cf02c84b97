// Package native binds ACC_NATIVE methods of the boot classes to Go
// functions.
package native

import (
	"context"
	"io"
	"sort"
	"sync"

	"github.com/tliron/commonlog"

	"github.com/daimatz/classlink/pkg/heap"
	"github.com/daimatz/classlink/pkg/vmerr"
)

var log = commonlog.GetLogger("classlink.native")

// Env is the part of the execution engine native code may call back into.
type Env interface {
	Stdout() io.Writer
	// NewObject allocates an instance of the named class without running a
	// constructor.
	NewObject(ctx context.Context, class string) (*heap.Object, error)
	// SetStatic writes a static field of the named class.
	SetStatic(ctx context.Context, class, name, descriptor string, v heap.Value) error
	// CallVirtual invokes an instance method on receiver through its vtable.
	CallVirtual(ctx context.Context, receiver heap.Value, name, descriptor string, args ...heap.Value) (heap.Value, error)
}

// Func implements a native method. For instance methods args[0] is the
// receiver. Void methods return the zero Value.
type Func func(ctx context.Context, env Env, args []heap.Value) (heap.Value, error)

// Key names a native method.
type Key struct {
	Class      string
	Name       string
	Descriptor string
}

func (k Key) String() string { return k.Class + "." + k.Name + k.Descriptor }

// Registry maps native methods to their implementations.
type Registry struct {
	mu    sync.RWMutex
	funcs map[Key]Func
}

func NewRegistry() *Registry {
	return &Registry{funcs: make(map[Key]Func)}
}

// Register binds fn, replacing an earlier binding of the same method.
func (r *Registry) Register(class, name, descriptor string, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[Key{class, name, descriptor}] = fn
}

// Lookup returns the binding of a native method or an UnsatisfiedLinkError.
func (r *Registry) Lookup(class, name, descriptor string) (Func, error) {
	r.mu.RLock()
	fn, ok := r.funcs[Key{class, name, descriptor}]
	r.mu.RUnlock()
	if !ok {
		log.Debugf("no binding for %s.%s%s", class, name, descriptor)
		return nil, vmerr.New(vmerr.UnsatisfiedLink, "%s.%s%s", class, name, descriptor)
	}
	return fn, nil
}

// Keys lists the bound methods in a stable order.
func (r *Registry) Keys() []Key {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]Key, 0, len(r.funcs))
	for k := range r.funcs {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

// Standard returns a registry with the bindings of the boot classes.
func Standard() *Registry {
	r := NewRegistry()
	registerLang(r)
	registerSystem(r)
	registerInteger(r)
	registerHashMap(r)
	return r
}

func receiver(args []heap.Value) (*heap.Object, error) {
	if len(args) == 0 || args[0].IsNull() {
		return nil, vmerr.New(vmerr.IncompatibleClassChange, "native instance method called without receiver")
	}
	obj, ok := args[0].Ref.(*heap.Object)
	if !ok {
		return nil, vmerr.New(vmerr.IncompatibleClassChange, "receiver %v is not an object", args[0])
	}
	return obj, nil
}
