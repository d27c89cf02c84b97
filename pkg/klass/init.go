package klass

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/daimatz/classlink/pkg/vmerr"
)

type initState int32

const (
	uninitialized initState = iota
	initializing
	initialized
	erroneous
)

type initLock struct {
	mu    sync.Mutex
	state atomic.Int32
	err   error
}

type initChainKey struct{}

// initChain lists the classes whose initializers are running on the current
// call chain.
type initChain struct {
	class *Class
	next  *initChain
}

func (ch *initChain) contains(c *Class) bool {
	for ; ch != nil; ch = ch.next {
		if ch.class == c {
			return true
		}
	}
	return false
}

// IsInitialized reports whether the class initializer completed.
func (c *Class) IsInitialized() bool {
	return initState(c.init.state.Load()) == initialized
}

// Initialize runs the class initializer exactly once. A recursive request
// from the same call chain returns immediately; other goroutines block until
// the initializer finishes. If run fails the class becomes erroneous and
// later attempts fail with NoClassDefFoundError.
func (c *Class) Initialize(ctx context.Context, run func(ctx context.Context) error) error {
	switch initState(c.init.state.Load()) {
	case initialized:
		return nil
	case erroneous:
		return c.initError()
	}
	chain, _ := ctx.Value(initChainKey{}).(*initChain)
	if chain.contains(c) {
		return nil
	}

	c.init.mu.Lock()
	defer c.init.mu.Unlock()
	switch initState(c.init.state.Load()) {
	case initialized:
		return nil
	case erroneous:
		return c.initError()
	}

	c.init.state.Store(int32(initializing))
	err := run(context.WithValue(ctx, initChainKey{}, &initChain{class: c, next: chain}))
	if err != nil {
		c.init.err = err
		c.init.state.Store(int32(erroneous))
		return err
	}
	c.init.state.Store(int32(initialized))
	return nil
}

func (c *Class) initError() error {
	return vmerr.Wrap(vmerr.NoClassDefFound, c.init.err, "could not initialize class %s", c.name)
}
