package snapshot

import (
	"cmp"
	"fmt"
	"slices"
)

// DeltaKind classifies a Delta.
type DeltaKind string

const (
	Added   DeltaKind = "added"
	Removed DeltaKind = "removed"
	Changed DeltaKind = "changed"
)

// Delta is the difference in one class between two snapshots.
type Delta struct {
	Key     string
	Kind    DeltaKind
	Details []string
}

func (d Delta) String() string {
	if len(d.Details) == 0 {
		return fmt.Sprintf("%s %s", d.Kind, d.Key)
	}
	return fmt.Sprintf("%s %s: %v", d.Kind, d.Key, d.Details)
}

// Diff lists the classes that were added, removed or changed from a to b,
// ordered by key. Class IDs are ignored.
func Diff(a, b *Snapshot) []Delta {
	var out []Delta
	for i := range a.Classes {
		old := &a.Classes[i]
		cur := b.Find(old.Key())
		if cur == nil {
			out = append(out, Delta{Key: old.Key(), Kind: Removed})
			continue
		}
		if details := compare(old, cur); len(details) > 0 {
			out = append(out, Delta{Key: old.Key(), Kind: Changed, Details: details})
		}
	}
	for i := range b.Classes {
		if a.Find(b.Classes[i].Key()) == nil {
			out = append(out, Delta{Key: b.Classes[i].Key(), Kind: Added})
		}
	}
	slices.SortFunc(out, func(x, y Delta) int { return cmp.Compare(x.Key, y.Key) })
	return out
}

func compare(a, b *Class) []string {
	var out []string
	if a.Version != b.Version {
		out = append(out, fmt.Sprintf("version %d -> %d", a.Version, b.Version))
	}
	if a.Super != b.Super {
		out = append(out, fmt.Sprintf("super %q -> %q", a.Super, b.Super))
	}
	if !slices.Equal(a.Interfaces, b.Interfaces) {
		out = append(out, fmt.Sprintf("interfaces %v -> %v", a.Interfaces, b.Interfaces))
	}
	out = append(out, compareRows("vtable", a.VTable, b.VTable)...)
	out = append(out, compareRows("mirandas", a.Mirandas, b.Mirandas)...)

	olds := make(map[string][]string, len(a.ITables))
	for _, it := range a.ITables {
		olds[it.Interface] = it.Methods
	}
	for _, it := range b.ITables {
		old, ok := olds[it.Interface]
		if !ok {
			out = append(out, fmt.Sprintf("itable %s added", it.Interface))
			continue
		}
		delete(olds, it.Interface)
		out = append(out, compareRows("itable "+it.Interface, old, it.Methods)...)
	}
	for _, it := range a.ITables {
		if _, ok := olds[it.Interface]; ok {
			out = append(out, fmt.Sprintf("itable %s removed", it.Interface))
		}
	}
	return out
}

func compareRows(table string, a, b []string) []string {
	var out []string
	for i := 0; i < max(len(a), len(b)); i++ {
		var x, y string
		if i < len(a) {
			x = a[i]
		}
		if i < len(b) {
			y = b[i]
		}
		switch {
		case x == y:
		case x == "":
			out = append(out, fmt.Sprintf("%s[%d] + %s", table, i, y))
		case y == "":
			out = append(out, fmt.Sprintf("%s[%d] - %s", table, i, x))
		default:
			out = append(out, fmt.Sprintf("%s[%d] %s -> %s", table, i, x, y))
		}
	}
	return out
}
