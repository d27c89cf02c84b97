package link

import (
	"github.com/daimatz/classlink/pkg/classfile"
	"github.com/daimatz/classlink/pkg/klass"
)

// Layout is the field layout of one class version.
type Layout struct {
	Instance      []*klass.Field
	Static        []*klass.Field
	Removed       []*klass.Field
	InstanceSlots int
	StaticSlots   int
}

// LayoutFields assigns primary slots: instance fields continue after the
// superclass's instance slots, static fields start at 0.
func LayoutFields(cls *klass.Class, parsed *classfile.ParsedClass, super *klass.Class) Layout {
	var l Layout
	if super != nil {
		if sv := super.Current(); sv != nil && sv.Linked() != nil {
			l.InstanceSlots = sv.Linked().InstanceSlots
		}
	}
	for i := range parsed.Fields {
		info := &parsed.Fields[i]
		if info.Is(classfile.AccStatic) {
			l.Static = append(l.Static, klass.NewField(cls, info, int32(l.StaticSlots)))
			l.StaticSlots++
			continue
		}
		l.Instance = append(l.Instance, klass.NewField(cls, info, int32(l.InstanceSlots)))
		l.InstanceSlots++
	}
	return l
}
