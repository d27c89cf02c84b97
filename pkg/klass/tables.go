package klass

import "sort"

// VTable is a class's virtual method table.
type VTable []*MethodVersion

// Lookup returns the last entry with the given signature, or nil.
func (t VTable) Lookup(sig Sig) *MethodVersion {
	for i := len(t) - 1; i >= 0; i-- {
		if t[i].Sig() == sig {
			return t[i]
		}
	}
	return nil
}

// ITable is the method table of one interface as implemented by a class.
// Methods is index-aligned with the interface's own method table.
type ITable struct {
	Interface *Class
	Methods   []*MethodVersion
}

// ITables is sorted by interface ClassID.
type ITables []ITable

// Lookup finds the table for iface by binary search.
func (t ITables) Lookup(iface *Class) (ITable, bool) {
	id := iface.ID()
	i := sort.Search(len(t), func(i int) bool { return t[i].Interface.ID() >= id })
	if i < len(t) && t[i].Interface == iface {
		return t[i], true
	}
	return ITable{}, false
}

// Sorted reports whether the tables are in ascending interface id order.
func (t ITables) Sorted() bool {
	return sort.SliceIsSorted(t, func(i, j int) bool { return t[i].Interface.ID() < t[j].Interface.ID() })
}
