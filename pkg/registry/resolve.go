package registry

import (
	"context"
	"strings"
	"sync/atomic"

	"github.com/daimatz/classlink/pkg/klass"
	"github.com/daimatz/classlink/pkg/loader"
	"github.com/daimatz/classlink/pkg/vmerr"
)

type ctxKey int

const (
	stackKey ctxKey = iota
	threadKey
)

type resolveKey struct {
	loader loader.ID
	name   string
}

// resolveFrame is one entry of the per-call-chain stack of classes whose
// supertypes are being resolved.
type resolveFrame struct {
	key  resolveKey
	next *resolveFrame
}

// thread identifies one top-level load and everything it triggers, so that
// blocked loads can be traced for cycles.
type thread struct {
	waiting atomic.Pointer[placeholder]
}

// placeholder marks a name whose load is in progress.
type placeholder struct {
	owner *thread
	done  chan struct{}
	class *klass.Class
	err   error
}

func withThread(ctx context.Context) (context.Context, *thread) {
	if th, ok := ctx.Value(threadKey).(*thread); ok {
		return ctx, th
	}
	th := &thread{}
	return context.WithValue(ctx, threadKey, th), th
}

func pushResolving(ctx context.Context, l *loader.Loader, name string) context.Context {
	top, _ := ctx.Value(stackKey).(*resolveFrame)
	return context.WithValue(ctx, stackKey, &resolveFrame{key: resolveKey{l.ID(), name}, next: top})
}

// resolvingChain returns the names on the stack, innermost first, or nil if
// (l, name) is not on it.
func resolvingChain(ctx context.Context, l *loader.Loader, name string) []string {
	key := resolveKey{l.ID(), name}
	var chain []string
	for f, _ := ctx.Value(stackKey).(*resolveFrame); f != nil; f = f.next {
		chain = append(chain, f.key.name)
		if f.key == key {
			return chain
		}
	}
	return nil
}

func circularity(name string, chain []string) error {
	if len(chain) == 0 {
		return vmerr.New(vmerr.ClassCircularity, "%s", name)
	}
	return vmerr.New(vmerr.ClassCircularity, "%s (via %s)", name, strings.Join(chain, " <- "))
}

// await blocks th on p unless doing so closes a wait-for cycle.
func (h *Hub) await(th *thread, name string, p *placeholder) error {
	h.waitMu.Lock()
	for q := p; q != nil; q = q.owner.waiting.Load() {
		if q.owner == th {
			h.waitMu.Unlock()
			return circularity(name, nil)
		}
	}
	th.waiting.Store(p)
	h.waitMu.Unlock()

	<-p.done
	th.waiting.Store(nil)
	return nil
}
