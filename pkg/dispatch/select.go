package dispatch

import "github.com/daimatz/classlink/pkg/klass"

// Selection is the set of maximally-specific interface methods for one
// signature, split by whether they have a body.
type Selection struct {
	Concrete []*klass.MethodVersion
	Abstract []*klass.MethodVersion
}

// MaximallySpecific collects every non-static, non-private method with sig
// declared by ifaces and drops each candidate whose interface is a
// superinterface of another candidate's. ifaces must be in ClassID order;
// the result keeps that order.
func MaximallySpecific(ifaces []*klass.Class, sig klass.Sig) Selection {
	return maximallySpecific(ifaces, sig, (*klass.Class).Current)
}

func maximallySpecific(ifaces []*klass.Class, sig klass.Sig, version func(*klass.Class) *klass.ClassVersion) Selection {
	var candidates []*klass.MethodVersion
	for _, iface := range ifaces {
		iv := version(iface)
		if iv == nil {
			continue
		}
		if mv := iv.DeclaredMethod(sig); mv != nil && mv.IsVirtual() {
			candidates = append(candidates, mv)
		}
	}

	var sel Selection
	for i, c := range candidates {
		shadowed := false
		for j, other := range candidates {
			if i != j && isSuperInterface(c.Method().Declarer(), other.Method().Declarer()) {
				shadowed = true
				break
			}
		}
		if shadowed {
			continue
		}
		if c.IsAbstract() {
			sel.Abstract = append(sel.Abstract, c)
		} else {
			sel.Concrete = append(sel.Concrete, c)
		}
	}
	return sel
}

// isSuperInterface reports whether super is a proper superinterface of sub.
func isSuperInterface(super, sub *klass.Class) bool {
	return super != sub && sub.Implements(super)
}
