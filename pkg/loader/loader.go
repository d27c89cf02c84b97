// Package loader models class-loader instances: an identity, an optional
// parent for delegation, and a Source of class bytes.
package loader

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

// ID identifies a loader instance.
type ID uuid.UUID

// BootID is the reserved identity of the boot (primordial) loader.
var BootID = ID(uuid.Nil)

func (id ID) String() string {
	if id == BootID {
		return "boot"
	}
	return uuid.UUID(id).String()
}

// Loader is a class-loader instance.
type Loader struct {
	id     ID
	name   string
	parent *Loader
	source Source

	// registry is attached once by the owning hub; see Attach.
	registry atomic.Value
}

// NewBoot creates the boot loader over source.
func NewBoot(source Source) *Loader {
	return &Loader{id: BootID, name: "boot", source: source}
}

// New creates an application loader delegating to parent first.
func New(name string, parent *Loader, source Source) *Loader {
	return &Loader{id: ID(uuid.New()), name: name, parent: parent, source: source}
}

func (l *Loader) ID() ID { return l.id }
func (l *Loader) Name() string { return l.name }
func (l *Loader) Parent() *Loader { return l.parent }
func (l *Loader) Source() Source { return l.source }
func (l *Loader) IsBoot() bool { return l.id == BootID }

func (l *Loader) String() string {
	if l == nil {
		return "loader <nil>"
	}
	return fmt.Sprintf("loader %q (%s)", l.name, l.id)
}

// Attached returns the value stored by Attach, or nil.
func (l *Loader) Attached() any {
	return l.registry.Load()
}

// Attach stores the per-loader registry. The hub calls it at most once per
// loader, under its own lock.
func (l *Loader) Attach(v any) {
	l.registry.Store(v)
}
