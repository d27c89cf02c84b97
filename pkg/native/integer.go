package native

import (
	"context"

	"github.com/daimatz/classlink/pkg/heap"
	"github.com/daimatz/classlink/pkg/vmerr"
)

// NativeInteger is the peer of a java/lang/Integer object.
type NativeInteger struct {
	Value int32
}

// IntegerValueOf creates a NativeInteger (boxing).
func IntegerValueOf(v int32) *NativeInteger {
	return &NativeInteger{Value: v}
}

// IntegerIntValue returns the int32 value of a NativeInteger (unboxing).
func IntegerIntValue(ni *NativeInteger) int32 {
	return ni.Value
}

func boxed(args []heap.Value) (*NativeInteger, error) {
	obj, err := receiver(args)
	if err != nil {
		return nil, err
	}
	ni, ok := obj.Peer().(*NativeInteger)
	if !ok {
		return nil, vmerr.New(vmerr.IncompatibleClassChange, "%s has no integer value", obj)
	}
	return ni, nil
}

func registerInteger(r *Registry) {
	const integer = "java/lang/Integer"
	r.Register(integer, "valueOf", "(I)Ljava/lang/Integer;", func(ctx context.Context, env Env, args []heap.Value) (heap.Value, error) {
		obj, err := env.NewObject(ctx, integer)
		if err != nil {
			return heap.Value{}, err
		}
		obj.SetPeer(IntegerValueOf(args[0].Int))
		return heap.RefValue(obj), nil
	})
	r.Register(integer, "intValue", "()I", func(_ context.Context, _ Env, args []heap.Value) (heap.Value, error) {
		ni, err := boxed(args)
		if err != nil {
			return heap.Value{}, err
		}
		return heap.IntValue(IntegerIntValue(ni)), nil
	})
	r.Register(integer, "hashCode", "()I", func(_ context.Context, _ Env, args []heap.Value) (heap.Value, error) {
		ni, err := boxed(args)
		if err != nil {
			return heap.Value{}, err
		}
		return heap.IntValue(ni.Value), nil
	})
}
