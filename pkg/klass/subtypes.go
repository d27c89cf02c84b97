package klass

import (
	"sync"
	"weak"
)

// SubtypeList is a weak list of direct subtypes. It only exists while
// redefinition support is enabled.
type SubtypeList struct {
	mu   sync.Mutex
	refs []weak.Pointer[Class]
}

// Add records c unless it is already present.
func (l *SubtypeList) Add(c *Class) {
	p := weak.Make(c)
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, r := range l.refs {
		if r == p {
			return
		}
	}
	l.refs = append(l.refs, p)
}

// Live returns the subtypes that are still reachable and drops the rest.
func (l *SubtypeList) Live() []*Class {
	l.mu.Lock()
	defer l.mu.Unlock()
	var live []*Class
	kept := l.refs[:0]
	for _, r := range l.refs {
		if c := r.Value(); c != nil {
			live = append(live, c)
			kept = append(kept, r)
		}
	}
	clear(l.refs[len(kept):])
	l.refs = kept
	return live
}

func (l *SubtypeList) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.refs)
}
