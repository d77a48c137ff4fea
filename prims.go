package objstream

import (
	"encoding/binary"
	"math"
	"reflect"
)

// appendPrimitive appends the big-endian encoding of the scalar v.
func appendPrimitive(b []byte, v reflect.Value) []byte {
	switch v.Kind() {
	case reflect.Bool:
		if v.Bool() {
			return append(b, 1)
		}
		return append(b, 0)
	case reflect.Int8:
		return append(b, byte(v.Int()))
	case reflect.Uint8:
		return append(b, byte(v.Uint()))
	case reflect.Int16:
		return binary.BigEndian.AppendUint16(b, uint16(v.Int()))
	case reflect.Uint16:
		return binary.BigEndian.AppendUint16(b, uint16(v.Uint()))
	case reflect.Int32:
		return binary.BigEndian.AppendUint32(b, uint32(v.Int()))
	case reflect.Uint32:
		return binary.BigEndian.AppendUint32(b, uint32(v.Uint()))
	case reflect.Int, reflect.Int64:
		return binary.BigEndian.AppendUint64(b, uint64(v.Int()))
	case reflect.Uint, reflect.Uint64:
		return binary.BigEndian.AppendUint64(b, v.Uint())
	case reflect.Float32:
		return binary.BigEndian.AppendUint32(b, math.Float32bits(float32(v.Float())))
	case reflect.Float64:
		return binary.BigEndian.AppendUint64(b, math.Float64bits(v.Float()))
	}
	panic("objstream: not a primitive: " + v.Kind().String())
}

// primitiveBits reads the raw bits of a primitive of type code c from b.
func primitiveBits(c byte, b []byte) uint64 {
	switch primitiveWidth(c) {
	case 1:
		return uint64(b[0])
	case 2:
		return uint64(binary.BigEndian.Uint16(b))
	case 4:
		return uint64(binary.BigEndian.Uint32(b))
	}
	return binary.BigEndian.Uint64(b)
}

// setPrimitive stores the primitive of type code c read from b into dst.
// dst must be settable and of a kind mapping to c.
func setPrimitive(dst reflect.Value, c byte, b []byte) {
	bits := primitiveBits(c, b)
	switch dst.Kind() {
	case reflect.Bool:
		dst.SetBool(bits != 0)
	case reflect.Int8:
		dst.SetInt(int64(int8(bits)))
	case reflect.Int16:
		dst.SetInt(int64(int16(bits)))
	case reflect.Int32:
		dst.SetInt(int64(int32(bits)))
	case reflect.Int, reflect.Int64:
		dst.SetInt(int64(bits))
	case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint, reflect.Uint64:
		dst.SetUint(bits)
	case reflect.Float32:
		dst.SetFloat(float64(math.Float32frombits(uint32(bits))))
	case reflect.Float64:
		dst.SetFloat(math.Float64frombits(bits))
	}
}

// decodePrimitive returns the primitive in b as a value of the canonical
// type for c.
func decodePrimitive(c byte, b []byte) reflect.Value {
	v := reflect.New(primitiveTypes[c]).Elem()
	setPrimitive(v, c, b)
	return v
}
