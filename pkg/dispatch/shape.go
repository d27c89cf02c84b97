package dispatch

import (
	"strconv"

	"github.com/zeebo/xxh3"

	"github.com/daimatz/classlink/pkg/classfile"
	"github.com/daimatz/classlink/pkg/klass"
)

// ResolutionFlags are the method access flags that take part in table
// construction: overriding across packages and default method selection
// read them.
const ResolutionFlags = classfile.AccPublic | classfile.AccProtected | classfile.AccPrivate |
	classfile.AccStatic | classfile.AccFinal | classfile.AccAbstract

// Shape fingerprints the layout of a set of tables: which method, declared
// where, of which kind and with which resolution flags, occupies each slot.
// Method bodies do not take part.
func Shape(t *Tables) uint64 {
	h := xxh3.New()
	write := func(s string) {
		h.WriteString(s)
		h.Write([]byte{0})
	}
	slot := func(mv *klass.MethodVersion) {
		if mv == nil {
			write("-")
			return
		}
		method := func(mv *klass.MethodVersion) {
			write(mv.Method().String())
			write(strconv.FormatUint(uint64(mv.Flags()&ResolutionFlags), 16))
		}
		method(mv)
		write(mv.Kind().String())
		if t := mv.Target(); t != nil {
			method(t)
		}
		for _, c := range mv.Candidates() {
			method(c)
		}
	}

	write("v" + strconv.Itoa(len(t.VTable)))
	for _, mv := range t.VTable {
		slot(mv)
	}
	for _, it := range t.ITables {
		write("i" + it.Interface.Name())
		for _, mv := range it.Methods {
			slot(mv)
		}
	}
	write("t" + strconv.Itoa(len(t.InterfaceTable)))
	for _, mv := range t.InterfaceTable {
		slot(mv)
	}
	return h.Sum64()
}
