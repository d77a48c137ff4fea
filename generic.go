package objstream

import (
	"fmt"
	"strings"
)

// GenericObject holds an object of a class with no local type, as read by
// a Decoder in Dynamic mode.
type GenericObject struct {
	Class *ClassDesc
	// Data has one entry per class of the object, most ancestral first.
	Data []*ClassData
}

// ClassData is the part of a GenericObject written by one class.
type ClassData struct {
	Class  *ClassDesc
	Fields map[string]any
	// Custom holds what the class's custom write hook added after its
	// fields: []byte for block data and decoded objects otherwise.
	Custom []any
}

func (g *GenericObject) addClass(desc *ClassDesc) *ClassData {
	cd := &ClassData{Class: desc, Fields: make(map[string]any)}
	g.Data = append(g.Data, cd)
	return cd
}

// Field returns the value of the named field of the most derived class
// that has it.
func (g *GenericObject) Field(name string) (any, bool) {
	for i := len(g.Data) - 1; i >= 0; i-- {
		if v, ok := g.Data[i].Fields[name]; ok {
			return v, true
		}
	}
	return nil, false
}

func (g *GenericObject) String() string {
	var sb strings.Builder
	sb.WriteString(g.Class.Name())
	sb.WriteByte('{')
	first := true
	for _, cd := range g.Data {
		for _, f := range cd.Class.Fields() {
			if !first {
				sb.WriteString(", ")
			}
			first = false
			fmt.Fprintf(&sb, "%s: ", f.Name())
			if v, ok := cd.Fields[f.Name()]; ok {
				// nested objects only by class; graphs may be cyclic
				if inner, ok := v.(*GenericObject); ok {
					sb.WriteString("<" + inner.Class.Name() + ">")
					continue
				}
				fmt.Fprint(&sb, v)
			}
		}
	}
	sb.WriteByte('}')
	return sb.String()
}
