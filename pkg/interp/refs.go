package interp

import (
	"context"
	"fmt"
	"strings"

	"github.com/daimatz/classlink/pkg/classfile"
	"github.com/daimatz/classlink/pkg/klass"
	"github.com/daimatz/classlink/pkg/loader"
	"github.com/daimatz/classlink/pkg/vmerr"
)

// memberRef is a resolved symbolic member reference. Only the class and the
// signature are cached; the member itself is looked up in the class's
// current version on every use.
type memberRef struct {
	class *klass.Class
	sig   klass.Sig
}

func (e *Engine) loaderOf(frame *Frame) *loader.Loader {
	if l := frame.Loader(); l != nil {
		return l
	}
	return e.hub.Boot()
}

func (e *Engine) classRef(ctx context.Context, frame *Frame, index uint16) (*klass.Class, error) {
	pool := frame.Pool()
	if pool == nil {
		return nil, fmt.Errorf("constant pool index %d: no constant pool", index)
	}
	if v, ok := pool.Patch(index); ok {
		if c, ok := v.(*klass.Class); ok {
			return c, nil
		}
	}
	if v, ok := pool.Resolved(index); ok {
		return v.(*klass.Class), nil
	}
	name, err := classfile.GetClassName(pool.Entries(), index)
	if err != nil {
		return nil, err
	}
	cls, err := e.hub.LoadClass(ctx, name, e.loaderOf(frame))
	if err != nil {
		return nil, err
	}
	if err := checkClassAccess(frame.Class(), cls); err != nil {
		return nil, err
	}
	return pool.Resolve(index, cls).(*klass.Class), nil
}

func checkClassAccess(from, to *klass.Class) error {
	if from == nil || to.IsArray() || to.IsPrimitive() {
		return nil
	}
	if to.Is(classfile.AccPublic) || from.SameRuntimePackage(to) || from.NestHost().SameRuntimePackage(to) {
		return nil
	}
	if h := from.Host(); h != nil && h.SameRuntimePackage(to) {
		return nil
	}
	return vmerr.New(vmerr.IllegalAccess, "class %s (in %s) cannot access class %s (in %s)",
		from.Name(), from.Loader(), to.Name(), to.Loader())
}

// methodRef resolves a method reference to its class and signature. The
// first resolution checks the loading constraints of the descriptor between
// the referencing class and the class declaring the resolved method.
func (e *Engine) methodRef(ctx context.Context, frame *Frame, index uint16) (*memberRef, *klass.MethodVersion, error) {
	pool := frame.Pool()
	if pool == nil {
		return nil, nil, fmt.Errorf("constant pool index %d: no constant pool", index)
	}
	if v, ok := pool.Resolved(index); ok {
		ref := v.(*memberRef)
		mv, err := lookupMethod(ref)
		return ref, mv, err
	}
	info, err := classfile.ResolveMethodRef(pool.Entries(), index)
	if err != nil {
		return nil, nil, err
	}
	cls, err := e.hub.LoadClass(ctx, info.Class, e.loaderOf(frame))
	if err != nil {
		return nil, nil, err
	}
	ref := &memberRef{class: cls, sig: klass.Sig{Name: info.Name, Descriptor: info.Descriptor}}
	mv, err := lookupMethod(ref)
	if err != nil {
		return nil, nil, err
	}
	if err := e.checkConstraints(ref.sig.Descriptor, e.loaderOf(frame), mv.Method().Declarer().Loader()); err != nil {
		return nil, nil, err
	}
	return pool.Resolve(index, ref).(*memberRef), mv, nil
}

func lookupMethod(ref *memberRef) (*klass.MethodVersion, error) {
	v := ref.class.Current()
	var mv *klass.MethodVersion
	if ref.class.IsInterface() {
		mv = v.LookupInterfaceMethod(ref.sig)
	} else {
		mv = v.LookupMethod(ref.sig)
	}
	if mv == nil {
		return nil, vmerr.New(vmerr.NoSuchMethod, "%s.%s", ref.class.Name(), ref.sig)
	}
	return mv, nil
}

// fieldRef resolves a field reference and returns the field of the class's
// current version.
func (e *Engine) fieldRef(ctx context.Context, frame *Frame, index uint16) (*klass.Field, error) {
	pool := frame.Pool()
	if pool == nil {
		return nil, fmt.Errorf("constant pool index %d: no constant pool", index)
	}
	if v, ok := pool.Resolved(index); ok {
		return lookupField(v.(*memberRef))
	}
	info, err := classfile.ResolveFieldRef(pool.Entries(), index)
	if err != nil {
		return nil, err
	}
	cls, err := e.hub.LoadClass(ctx, info.Class, e.loaderOf(frame))
	if err != nil {
		return nil, err
	}
	ref := &memberRef{class: cls, sig: klass.Sig{Name: info.Name, Descriptor: info.Descriptor}}
	f, err := lookupField(ref)
	if err != nil {
		return nil, err
	}
	if err := e.checkConstraints(ref.sig.Descriptor, e.loaderOf(frame), f.Declarer().Loader()); err != nil {
		return nil, err
	}
	pool.Resolve(index, ref)
	return f, nil
}

func lookupField(ref *memberRef) (*klass.Field, error) {
	f := ref.class.Current().LookupField(ref.sig)
	if f == nil {
		return nil, vmerr.New(vmerr.NoSuchField, "%s.%s", ref.class.Name(), ref.sig)
	}
	return f, nil
}

// checkConstraints requires a and b to agree on every class named by
// descriptor.
func (e *Engine) checkConstraints(descriptor string, a, b *loader.Loader) error {
	if a == nil || b == nil || a == b {
		return nil
	}
	for _, name := range referenceTypes(descriptor) {
		if err := e.hub.CheckLoadingConstraint(name, a, b); err != nil {
			return err
		}
	}
	return nil
}

// referenceTypes lists the class names a field or method descriptor
// mentions; array types contribute their element class.
func referenceTypes(descriptor string) []string {
	var out []string
	for i := 0; i < len(descriptor); i++ {
		if descriptor[i] != 'L' {
			continue
		}
		end := strings.IndexByte(descriptor[i:], ';')
		if end < 0 {
			break
		}
		out = append(out, descriptor[i+1:i+end])
		i += end
	}
	return out
}

// paramTypes splits the parameter part of a method descriptor into field
// descriptors.
func paramTypes(descriptor string) ([]string, error) {
	if !strings.HasPrefix(descriptor, "(") {
		return nil, fmt.Errorf("invalid method descriptor: %s", descriptor)
	}
	end := strings.IndexByte(descriptor, ')')
	if end < 0 {
		return nil, fmt.Errorf("invalid method descriptor: %s", descriptor)
	}
	params := descriptor[1:end]
	var out []string
	i := 0
	for i < len(params) {
		start := i
		for i < len(params) && params[i] == '[' {
			i++
		}
		if i >= len(params) {
			return nil, fmt.Errorf("invalid method descriptor: %s", descriptor)
		}
		switch params[i] {
		case 'B', 'C', 'D', 'F', 'I', 'J', 'S', 'Z':
			i++
		case 'L':
			semi := strings.IndexByte(params[i:], ';')
			if semi < 0 {
				return nil, fmt.Errorf("invalid method descriptor: %s", descriptor)
			}
			i += semi + 1
		default:
			return nil, fmt.Errorf("invalid type descriptor char '%c' in %s", params[i], descriptor)
		}
		out = append(out, params[start:i])
	}
	return out, nil
}

// isVoidReturn checks if a method descriptor has void return type.
func isVoidReturn(descriptor string) bool {
	return strings.HasSuffix(descriptor, ")V")
}
