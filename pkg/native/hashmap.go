package native

import (
	"context"
	"sync"

	"github.com/daimatz/classlink/pkg/heap"
	"github.com/daimatz/classlink/pkg/vmerr"
)

// NativeHashMap is the peer of a java/util/HashMap object.
type NativeHashMap struct {
	mu   sync.Mutex
	Data map[any]any
}

// NewNativeHashMap creates a new NativeHashMap.
func NewNativeHashMap() *NativeHashMap {
	return &NativeHashMap{Data: make(map[any]any)}
}

// mapKey normalizes boxed integers and guest references to comparable keys.
func mapKey(key any) any {
	switch k := key.(type) {
	case *NativeInteger:
		return k.Value
	case heap.Value:
		if k.IsNull() {
			return nil
		}
		if obj, ok := k.Ref.(*heap.Object); ok {
			if ni, ok := obj.Peer().(*NativeInteger); ok {
				return ni.Value
			}
		}
		return k.Ref
	}
	return key
}

// Get returns the value for the given key.
func (m *NativeHashMap) Get(key any) any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Data[mapKey(key)]
}

// Put stores a key-value pair and returns the previous value.
func (m *NativeHashMap) Put(key, value any) any {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := mapKey(key)
	old := m.Data[k]
	m.Data[k] = value
	return old
}

// Len returns the number of entries.
func (m *NativeHashMap) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Data)
}

func hashMap(args []heap.Value) (*NativeHashMap, error) {
	obj, err := receiver(args)
	if err != nil {
		return nil, err
	}
	hm, ok := obj.Peer().(*NativeHashMap)
	if !ok {
		return nil, vmerr.New(vmerr.IncompatibleClassChange, "%s is not an initialized map", obj)
	}
	return hm, nil
}

func value(v any) heap.Value {
	if hv, ok := v.(heap.Value); ok {
		return hv
	}
	return heap.NullValue()
}

func registerHashMap(r *Registry) {
	const hm = "java/util/HashMap"
	r.Register(hm, "<init>", "()V", func(_ context.Context, _ Env, args []heap.Value) (heap.Value, error) {
		obj, err := receiver(args)
		if err != nil {
			return heap.Value{}, err
		}
		obj.SetPeer(NewNativeHashMap())
		return heap.Value{}, nil
	})
	r.Register(hm, "get", "(Ljava/lang/Object;)Ljava/lang/Object;", func(_ context.Context, _ Env, args []heap.Value) (heap.Value, error) {
		m, err := hashMap(args)
		if err != nil {
			return heap.Value{}, err
		}
		return value(m.Get(args[1])), nil
	})
	r.Register(hm, "put", "(Ljava/lang/Object;Ljava/lang/Object;)Ljava/lang/Object;", func(_ context.Context, _ Env, args []heap.Value) (heap.Value, error) {
		m, err := hashMap(args)
		if err != nil {
			return heap.Value{}, err
		}
		return value(m.Put(args[1], args[2])), nil
	})
	r.Register(hm, "size", "()I", func(_ context.Context, _ Env, args []heap.Value) (heap.Value, error) {
		m, err := hashMap(args)
		if err != nil {
			return heap.Value{}, err
		}
		return heap.IntValue(int32(m.Len())), nil
	})
}
