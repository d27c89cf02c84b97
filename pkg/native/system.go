package native

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/daimatz/classlink/pkg/heap"
)

// PrintStream is the peer of a java/io/PrintStream object.
type PrintStream struct {
	mu     sync.Mutex
	Writer io.Writer
}

// Println prints a value followed by a newline.
func (ps *PrintStream) Println(args ...any) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if len(args) == 0 {
		fmt.Fprintln(ps.Writer)
		return
	}
	fmt.Fprintln(ps.Writer, args[0])
}

func stream(env Env, args []heap.Value) *PrintStream {
	if obj, err := receiver(args); err == nil {
		if ps, ok := obj.Peer().(*PrintStream); ok {
			return ps
		}
	}
	return &PrintStream{Writer: env.Stdout()}
}

// initPhase1 creates System.out over the engine's stdout.
func initPhase1(ctx context.Context, env Env, _ []heap.Value) (heap.Value, error) {
	out, err := env.NewObject(ctx, "java/io/PrintStream")
	if err != nil {
		return heap.Value{}, err
	}
	out.SetPeer(&PrintStream{Writer: env.Stdout()})
	return heap.Value{}, env.SetStatic(ctx, "java/lang/System", "out", "Ljava/io/PrintStream;", heap.RefValue(out))
}

func printer(format func(heap.Value) any) Func {
	return func(_ context.Context, env Env, args []heap.Value) (heap.Value, error) {
		ps := stream(env, args)
		if len(args) < 2 {
			ps.Println()
			return heap.Value{}, nil
		}
		ps.Println(format(args[1]))
		return heap.Value{}, nil
	}
}

func printlnObject(ctx context.Context, env Env, args []heap.Value) (heap.Value, error) {
	ps := stream(env, args)
	v := args[1]
	if v.IsNull() {
		ps.Println("null")
		return heap.Value{}, nil
	}
	s, err := env.CallVirtual(ctx, v, "toString", "()Ljava/lang/String;")
	if err != nil {
		return heap.Value{}, err
	}
	ps.Println(s.String())
	return heap.Value{}, nil
}

func registerSystem(r *Registry) {
	r.Register("java/lang/System", "initPhase1", "()V", initPhase1)

	const ps = "java/io/PrintStream"
	r.Register(ps, "println", "()V", printer(nil))
	r.Register(ps, "println", "(I)V", printer(func(v heap.Value) any { return v.Int }))
	r.Register(ps, "println", "(J)V", printer(func(v heap.Value) any { return v.Long }))
	r.Register(ps, "println", "(F)V", printer(func(v heap.Value) any { return v.Float }))
	r.Register(ps, "println", "(D)V", printer(func(v heap.Value) any { return v.Double }))
	r.Register(ps, "println", "(Z)V", printer(func(v heap.Value) any { return v.Int != 0 }))
	r.Register(ps, "println", "(C)V", printer(func(v heap.Value) any { return string(rune(uint16(v.Int))) }))
	r.Register(ps, "println", "(Ljava/lang/String;)V", printer(func(v heap.Value) any { return v.String() }))
	r.Register(ps, "println", "(Ljava/lang/Object;)V", printlnObject)
}
