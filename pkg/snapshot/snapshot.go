// Package snapshot records the loaded classes of a hub and their dispatch
// tables in a form that can be stored as CBOR and compared later.
package snapshot

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/fxamacker/cbor/v2"
	"github.com/tliron/commonlog"

	"github.com/daimatz/classlink/pkg/klass"
	"github.com/daimatz/classlink/pkg/registry"
)

var log = commonlog.GetLogger("classlink.snapshot")

var encMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("snapshot: failed to create CBOR enc mode: %v", err))
	}
	encMode = em
}

// Snapshot is the state of every class in a hub at one point.
type Snapshot struct {
	Classes []Class `cbor:"classes"`
}

// Class is one loaded class. Table rows read owner.name+descriptor[kind];
// an empty slot is "-".
type Class struct {
	Name       string   `cbor:"name"`
	Loader     string   `cbor:"loader"`
	ID         uint64   `cbor:"id"`
	Version    int      `cbor:"version"`
	Kind       string   `cbor:"kind"`
	Super      string   `cbor:"super,omitempty"`
	Interfaces []string `cbor:"interfaces,omitempty"`
	VTable     []string `cbor:"vtable,omitempty"`
	ITables    []ITable `cbor:"itables,omitempty"`
	Mirandas   []string `cbor:"mirandas,omitempty"`
}

// ITable is the itable of one implemented interface.
type ITable struct {
	Interface string   `cbor:"interface"`
	Methods   []string `cbor:"methods"`
}

// Key identifies a class across snapshots. Class IDs are not stable between
// processes, so loader name and class name are used instead.
func (c *Class) Key() string { return c.Loader + ":" + c.Name }

// Take records every class of hub that has a linked version. Classes are
// ordered by loader name, then class name.
func Take(hub *registry.Hub) *Snapshot {
	var s Snapshot
	for _, cls := range hub.Classes() {
		v := cls.Current()
		if v == nil {
			continue
		}
		s.Classes = append(s.Classes, record(cls, v))
	}
	slices.SortFunc(s.Classes, func(a, b Class) int {
		return cmp.Or(cmp.Compare(a.Loader, b.Loader), cmp.Compare(a.Name, b.Name))
	})
	log.Debugf("snapshot of %d classes", len(s.Classes))
	return &s
}

func record(cls *klass.Class, v *klass.ClassVersion) Class {
	c := Class{
		Name:    cls.Name(),
		Loader:  cls.Loader().Name(),
		ID:      uint64(cls.ID()),
		Version: v.Number(),
		Kind:    cls.Kind().String(),
	}
	if s := v.Super(); s != nil {
		c.Super = s.Name()
	}
	for _, i := range v.Interfaces() {
		c.Interfaces = append(c.Interfaces, i.Name())
	}
	c.VTable = rows(v.VTable())
	for _, it := range v.ITables() {
		c.ITables = append(c.ITables, ITable{Interface: it.Interface.Name(), Methods: rows(it.Methods)})
	}
	c.Mirandas = rows(v.Mirandas())
	return c
}

func rows(mvs []*klass.MethodVersion) []string {
	if len(mvs) == 0 {
		return nil
	}
	out := make([]string, len(mvs))
	for i, mv := range mvs {
		out[i] = Row(mv)
	}
	return out
}

// Row formats a table slot.
func Row(mv *klass.MethodVersion) string {
	if mv == nil {
		return "-"
	}
	owner := mv.Method()
	if t := mv.Target(); t != nil {
		owner = t.Method()
	}
	name := "?"
	if d := owner.Declarer(); d != nil {
		name = d.Name()
	}
	return fmt.Sprintf("%s.%s[%s]", name, owner.Sig(), mv.Kind())
}

// Find returns the class with the given key, or nil.
func (s *Snapshot) Find(key string) *Class {
	for i := range s.Classes {
		if s.Classes[i].Key() == key {
			return &s.Classes[i]
		}
	}
	return nil
}

// Encode serializes s as canonical CBOR. Equal snapshots encode to equal
// bytes.
func Encode(s *Snapshot) ([]byte, error) {
	return encMode.Marshal(s)
}

// Decode reads a snapshot written by Encode.
func Decode(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := cbor.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("snapshot: decode: %w", err)
	}
	return &s, nil
}
