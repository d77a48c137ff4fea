package objstream

import (
	"fmt"
	"reflect"
	"strings"
)

// Field type codes.
const (
	CodeBool   = 'Z'
	CodeByte   = 'B'
	CodeChar   = 'C'
	CodeShort  = 'S'
	CodeInt    = 'I'
	CodeLong   = 'J'
	CodeFloat  = 'F'
	CodeDouble = 'D'
	CodeObject = 'L'
	CodeArray  = '['
)

func isPrimitiveCode(c byte) bool {
	switch c {
	case CodeBool, CodeByte, CodeChar, CodeShort, CodeInt, CodeLong, CodeFloat, CodeDouble:
		return true
	}
	return false
}

func primitiveWidth(c byte) int {
	switch c {
	case CodeBool, CodeByte:
		return 1
	case CodeChar, CodeShort:
		return 2
	case CodeInt, CodeFloat:
		return 4
	case CodeLong, CodeDouble:
		return 8
	}
	return 0
}

// primitiveCode maps a scalar kind to its type code, or 0.
func primitiveCode(k reflect.Kind) byte {
	switch k {
	case reflect.Bool:
		return CodeBool
	case reflect.Int8, reflect.Uint8:
		return CodeByte
	case reflect.Uint16:
		return CodeChar
	case reflect.Int16:
		return CodeShort
	case reflect.Int32, reflect.Uint32:
		return CodeInt
	case reflect.Int, reflect.Uint, reflect.Int64, reflect.Uint64:
		return CodeLong
	case reflect.Float32:
		return CodeFloat
	case reflect.Float64:
		return CodeDouble
	}
	return 0
}

// canonical Go types for primitive codes, used when no destination type
// is known.
var primitiveTypes = map[byte]reflect.Type{
	CodeBool:   reflect.TypeOf(false),
	CodeByte:   reflect.TypeOf(uint8(0)),
	CodeChar:   reflect.TypeOf(uint16(0)),
	CodeShort:  reflect.TypeOf(int16(0)),
	CodeInt:    reflect.TypeOf(int32(0)),
	CodeLong:   reflect.TypeOf(int64(0)),
	CodeFloat:  reflect.TypeOf(float32(0)),
	CodeDouble: reflect.TypeOf(float64(0)),
}

// builtin boxed scalar classes, named after their Go type
var scalarTypes = []reflect.Type{
	reflect.TypeOf(false),
	reflect.TypeOf(int(0)),
	reflect.TypeOf(int8(0)),
	reflect.TypeOf(int16(0)),
	reflect.TypeOf(int32(0)),
	reflect.TypeOf(int64(0)),
	reflect.TypeOf(uint(0)),
	reflect.TypeOf(uint8(0)),
	reflect.TypeOf(uint16(0)),
	reflect.TypeOf(uint32(0)),
	reflect.TypeOf(uint64(0)),
	reflect.TypeOf(float32(0)),
	reflect.TypeOf(float64(0)),
}

var stringType = reflect.TypeOf("")

const (
	stringClassName = "string"
	anyClassName    = "any"
)

func isScalarKind(k reflect.Kind) bool { return primitiveCode(k) != 0 }

// className is the stream name of a local type, before any WithName
// override.
func className(t reflect.Type) string {
	switch {
	case t == stringType:
		return stringClassName
	case t.Kind() == reflect.Interface && t.Name() == "":
		return anyClassName
	case t.Kind() == reflect.Slice || t.Kind() == reflect.Array:
		s, _ := signature(t, nil)
		return s
	case t.Kind() == reflect.Map && t.Name() == "":
		s, _ := mapClassName(t, nil)
		return s
	case t.PkgPath() != "":
		return t.PkgPath() + "." + t.Name()
	}
	return t.Name()
}

// simpleName strips the package qualification from a class name.
func simpleName(name string) string {
	if strings.HasPrefix(name, "[") || strings.HasPrefix(name, "map[") {
		return name
	}
	if i := strings.LastIndexAny(name, "./"); i >= 0 {
		return name[i+1:]
	}
	return name
}

// signature returns the field signature of t. names maps a type to its
// registered class name; nil means className.
func signature(t reflect.Type, names func(reflect.Type) string) (string, error) {
	if names == nil {
		names = className
	}
	if c := primitiveCode(t.Kind()); c != 0 {
		return string(rune(c)), nil
	}
	switch t.Kind() {
	case reflect.String:
		return "L" + stringClassName + ";", nil
	case reflect.Slice, reflect.Array:
		e, err := signature(t.Elem(), names)
		if err != nil {
			return "", err
		}
		return "[" + e, nil
	case reflect.Ptr:
		e := t.Elem()
		if e.Kind() == reflect.Ptr || e.Kind() == reflect.Interface {
			return "", fmt.Errorf("objstream: unsupported pointer type %s", t)
		}
		return objectSignature(e, names)
	case reflect.Struct, reflect.Interface, reflect.Map:
		return objectSignature(t, names)
	}
	return "", fmt.Errorf("objstream: unsupported type %s", t)
}

// objectSignature describes t in an object position, boxing scalars.
func objectSignature(t reflect.Type, names func(reflect.Type) string) (string, error) {
	if t.Kind() == reflect.Ptr {
		return signature(t, names)
	}
	switch {
	case t.Kind() == reflect.Struct && t.Name() == "":
		return "", fmt.Errorf("objstream: unsupported anonymous struct %s", t)
	case t.Kind() == reflect.Map && t.Name() == "":
		n, err := mapClassName(t, names)
		if err != nil {
			return "", err
		}
		return "L" + n + ";", nil
	case t.Kind() == reflect.Slice || t.Kind() == reflect.Array:
		return signature(t, names)
	case t.Kind() == reflect.String:
		return "L" + stringClassName + ";", nil
	case t.Kind() == reflect.Interface && t.Name() == "":
		return "L" + anyClassName + ";", nil
	case t.Kind() == reflect.Func || t.Kind() == reflect.Chan || t.Kind() == reflect.UnsafePointer ||
		t.Kind() == reflect.Complex64 || t.Kind() == reflect.Complex128 || t.Kind() == reflect.Uintptr:
		return "", fmt.Errorf("objstream: unsupported type %s", t)
	}
	return "L" + names(t) + ";", nil
}

func mapClassName(t reflect.Type, names func(reflect.Type) string) (string, error) {
	if names == nil {
		names = className
	}
	k, err := objectSignature(t.Key(), names)
	if err != nil {
		return "", err
	}
	v, err := objectSignature(t.Elem(), names)
	if err != nil {
		return "", err
	}
	return "map[" + k + "]" + v, nil
}

// looseSignature never fails; it is used for method signatures in
// fingerprints where any stable text will do.
func looseSignature(t reflect.Type) string {
	if s, err := signature(t, nil); err == nil {
		return s
	}
	return "L" + t.String() + ";"
}

func methodSignature(ft reflect.Type, skipReceiver bool) string {
	var b strings.Builder
	b.WriteByte('(')
	for i := 0; i < ft.NumIn(); i++ {
		if i == 0 && skipReceiver {
			continue
		}
		b.WriteString(looseSignature(ft.In(i)))
	}
	b.WriteByte(')')
	if ft.NumOut() == 0 {
		b.WriteByte('V')
	}
	for i := 0; i < ft.NumOut(); i++ {
		b.WriteString(looseSignature(ft.Out(i)))
	}
	return b.String()
}

// sigParser turns signatures back into Go types.
type sigParser struct {
	resolve func(name string) (reflect.Type, error)
}

func (p sigParser) parse(sig string) (reflect.Type, string, error) {
	if sig == "" {
		return nil, "", ErrCorrupt{"empty signature"}
	}
	c := sig[0]
	if t, ok := primitiveTypes[c]; ok {
		return t, sig[1:], nil
	}
	switch c {
	case CodeArray:
		e, rest, err := p.parse(sig[1:])
		if err != nil {
			return nil, "", err
		}
		return reflect.SliceOf(e), rest, nil
	case CodeObject:
		body := sig[1:]
		if strings.HasPrefix(body, "map[") {
			t, rest, err := p.parseMap(body)
			if err != nil {
				return nil, "", err
			}
			if rest == "" || rest[0] != ';' {
				return nil, "", ErrCorrupt{"bad map signature " + sig}
			}
			return t, rest[1:], nil
		}
		i := strings.IndexByte(body, ';')
		if i < 0 {
			return nil, "", ErrCorrupt{"bad object signature " + sig}
		}
		t, err := p.resolve(body[:i])
		if err != nil {
			return nil, "", err
		}
		return objectType(t), body[i+1:], nil
	}
	return nil, "", ErrCorrupt{"bad signature " + sig}
}

// parseMap parses "map[K]V" at the start of s.
func (p sigParser) parseMap(s string) (reflect.Type, string, error) {
	k, rest, err := p.parse(s[len("map["):])
	if err != nil {
		return nil, "", err
	}
	if rest == "" || rest[0] != ']' {
		return nil, "", ErrCorrupt{"bad map signature " + s}
	}
	v, rest, err := p.parse(rest[1:])
	if err != nil {
		return nil, "", err
	}
	if !k.Comparable() {
		return nil, "", ErrCorrupt{"map key not comparable: " + s}
	}
	return reflect.MapOf(k, v), rest, nil
}

// objectType returns the Go type used for a value of class t in an
// object position: structs are held by pointer.
func objectType(t reflect.Type) reflect.Type {
	if t.Kind() == reflect.Struct {
		return reflect.PointerTo(t)
	}
	return t
}
