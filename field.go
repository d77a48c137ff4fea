package objstream

import (
	"reflect"
	"sort"
)

// FieldDesc describes one serializable field of a class.
type FieldDesc struct {
	name   string
	code   byte
	sig    string // object and array fields only
	offset int    // byte offset for primitives, slot index for objects

	// local binding
	index []int // field path inside the class's own struct; nil for a boxed value
	typ   reflect.Type
	bound *FieldDesc // stream fields: the matching local field, or nil
}

// Name returns the field name.
func (f *FieldDesc) Name() string { return f.name }

// TypeCode returns one of the Code* constants.
func (f *FieldDesc) TypeCode() byte { return f.code }

// Signature returns the object type signature, or "" for primitives.
func (f *FieldDesc) Signature() string { return f.sig }

// Offset returns the byte offset of a primitive field in the packed
// primitive data, or the position of an object field among the object
// fields.
func (f *FieldDesc) Offset() int { return f.offset }

// IsPrimitive reports whether the field holds a primitive value.
func (f *FieldDesc) IsPrimitive() bool { return isPrimitiveCode(f.code) }

// Type returns the local Go type of the field, or nil if the field is not
// bound to a local field.
func (f *FieldDesc) Type() reflect.Type {
	if f.bound != nil {
		return f.bound.typ
	}
	return f.typ
}

func (f *FieldDesc) String() string {
	if f.IsPrimitive() {
		return string(rune(f.code)) + " " + f.name
	}
	return f.sig + " " + f.name
}

// value returns the field inside part, the struct of the field's class.
func (f *FieldDesc) value(part reflect.Value) reflect.Value {
	if f.index == nil {
		return part
	}
	if len(f.index) == 1 {
		return part.Field(f.index[0])
	}
	return part.FieldByIndex(f.index)
}

// sortFields orders fields primitives first, then by name, and assigns
// offsets. It returns the size of the primitive data and the number of
// object fields.
func sortFields(fields []*FieldDesc) (primSize, numObj int) {
	sort.SliceStable(fields, func(i, j int) bool {
		pi, pj := fields[i].IsPrimitive(), fields[j].IsPrimitive()
		if pi != pj {
			return pi
		}
		return fields[i].name < fields[j].name
	})
	return assignOffsets(fields)
}

// assignOffsets computes offsets for fields in their current order.
func assignOffsets(fields []*FieldDesc) (primSize, numObj int) {
	for _, f := range fields {
		if f.IsPrimitive() {
			f.offset = primSize
			primSize += primitiveWidth(f.code)
			continue
		}
		f.offset = numObj
		numObj++
	}
	return primSize, numObj
}
