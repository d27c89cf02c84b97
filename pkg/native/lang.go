package native

import (
	"context"
	"fmt"
	"unicode/utf16"

	"github.com/daimatz/classlink/pkg/heap"
	"github.com/daimatz/classlink/pkg/vmerr"
)

type identity interface {
	IdentityHash() int32
}

// StringHash is java/lang/String.hashCode over UTF-16 code units.
func StringHash(s string) int32 {
	var h int32
	for _, u := range utf16.Encode([]rune(s)) {
		h = 31*h + int32(u)
	}
	return h
}

func objectHashCode(_ context.Context, _ Env, args []heap.Value) (heap.Value, error) {
	if len(args) == 0 || args[0].IsNull() {
		return heap.Value{}, vmerr.New(vmerr.IncompatibleClassChange, "hashCode without receiver")
	}
	switch ref := args[0].Ref.(type) {
	case string:
		return heap.IntValue(StringHash(ref)), nil
	case identity:
		return heap.IntValue(ref.IdentityHash()), nil
	}
	return heap.Value{}, vmerr.New(vmerr.IncompatibleClassChange, "hashCode of %T", args[0].Ref)
}

func objectToString(_ context.Context, _ Env, args []heap.Value) (heap.Value, error) {
	if len(args) == 0 || args[0].IsNull() {
		return heap.Value{}, vmerr.New(vmerr.IncompatibleClassChange, "toString without receiver")
	}
	if s, ok := args[0].Ref.(string); ok {
		return heap.RefValue(s), nil
	}
	return heap.RefValue(fmt.Sprint(args[0].Ref)), nil
}

func str(v heap.Value) (string, error) {
	if v.IsNull() {
		return "", vmerr.New(vmerr.IncompatibleClassChange, "null string")
	}
	s, ok := v.Ref.(string)
	if !ok {
		return "", vmerr.New(vmerr.IncompatibleClassChange, "%T is not a string", v.Ref)
	}
	return s, nil
}

func registerLang(r *Registry) {
	r.Register("java/lang/Object", "hashCode", "()I", objectHashCode)
	r.Register("java/lang/Object", "toString", "()Ljava/lang/String;", objectToString)

	r.Register("java/lang/String", "length", "()I", func(_ context.Context, _ Env, args []heap.Value) (heap.Value, error) {
		s, err := str(args[0])
		if err != nil {
			return heap.Value{}, err
		}
		return heap.IntValue(int32(len(utf16.Encode([]rune(s))))), nil
	})
	r.Register("java/lang/String", "concat", "(Ljava/lang/String;)Ljava/lang/String;", func(_ context.Context, _ Env, args []heap.Value) (heap.Value, error) {
		a, err := str(args[0])
		if err != nil {
			return heap.Value{}, err
		}
		b, err := str(args[1])
		if err != nil {
			return heap.Value{}, err
		}
		return heap.RefValue(a + b), nil
	})
}
