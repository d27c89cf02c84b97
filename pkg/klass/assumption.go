package klass

import (
	"fmt"
	"sync/atomic"
)

// Assumption is a one-way invalidatable token. It starts valid; Invalidate
// flips it to invalid permanently.
type Assumption struct {
	name  string
	valid atomic.Bool
}

// NewAssumption returns a valid assumption.
func NewAssumption(name string) *Assumption {
	a := &Assumption{name: name}
	a.valid.Store(true)
	return a
}

func (a *Assumption) IsValid() bool { return a.valid.Load() }

// Invalidate reports whether this call performed the valid -> invalid
// transition.
func (a *Assumption) Invalidate() bool {
	return a.valid.CompareAndSwap(true, false)
}

func (a *Assumption) String() string {
	state := "valid"
	if !a.IsValid() {
		state = "invalid"
	}
	return fmt.Sprintf("%s[%s]", a.name, state)
}
