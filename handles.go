package objstream

import (
	"reflect"
	"unsafe"
)

// handleKey is the identity of a value: where its data lives, how much of
// it there is and, for pointer-like kinds, its type.
type handleKey struct {
	ptr unsafe.Pointer
	n   int
	typ reflect.Type
}

// identity returns the key of v, or false if v has no identity of its own
// (boxed scalars, struct values) and must get a fresh handle each time.
func identity(v reflect.Value) (handleKey, bool) {
	switch v.Kind() {
	case reflect.Ptr, reflect.Map:
		if v.IsNil() {
			return handleKey{}, false
		}
		return handleKey{ptr: v.UnsafePointer(), typ: v.Type()}, true
	case reflect.Slice:
		if v.IsNil() {
			return handleKey{}, false
		}
		return handleKey{ptr: v.UnsafePointer(), n: v.Len(), typ: v.Type()}, true
	case reflect.String:
		s := v.String()
		return handleKey{ptr: unsafe.Pointer(unsafe.StringData(s)), n: len(s)}, true
	}
	return handleKey{}, false
}

type handleEntry struct {
	v   reflect.Value
	err error // deferred resolution failure
}

// handleTable assigns sequential handles to values in the order they are
// first written or read. The encoder looks handles up by identity, the
// decoder by number. Entries keep their values alive so addresses are not
// reused while the table holds them.
type handleTable struct {
	keys    map[handleKey]int
	entries []handleEntry
}

func newHandleTable() *handleTable {
	return &handleTable{keys: make(map[handleKey]int)}
}

// assign gives v the next handle.
func (ht *handleTable) assign(v reflect.Value) int {
	h := len(ht.entries)
	ht.entries = append(ht.entries, handleEntry{v: v})
	if k, ok := identity(v); ok {
		ht.keys[k] = h
	}
	return h
}

// lookup returns the handle already assigned to v.
func (ht *handleTable) lookup(v reflect.Value) (int, bool) {
	k, ok := identity(v)
	if !ok {
		return 0, false
	}
	h, ok := ht.keys[k]
	return h, ok
}

// resolve returns the entry of handle h.
func (ht *handleTable) resolve(h int) (*handleEntry, bool) {
	if h < 0 || h >= len(ht.entries) {
		return nil, false
	}
	return &ht.entries[h], true
}

// set replaces the value of handle h, e.g. with a resolved substitute.
func (ht *handleTable) set(h int, v reflect.Value) {
	if h >= 0 && h < len(ht.entries) {
		ht.entries[h].v = v
	}
}

// fail attaches a deferred error to handle h. The first error wins.
func (ht *handleTable) fail(h int, err error) {
	if h >= 0 && h < len(ht.entries) && ht.entries[h].err == nil {
		ht.entries[h].err = err
	}
}

func (ht *handleTable) size() int { return len(ht.entries) }

func (ht *handleTable) clear() {
	for k := range ht.keys {
		delete(ht.keys, k)
	}
	for i := range ht.entries {
		ht.entries[i] = handleEntry{}
	}
	ht.entries = ht.entries[:0]
}

// replaceTable maps an object to the replacement written in its place.
type replaceTable struct {
	reps map[handleKey]reflect.Value
	keep []reflect.Value
}

func (rt *replaceTable) lookup(v reflect.Value) (reflect.Value, bool) {
	k, ok := identity(v)
	if !ok || rt.reps == nil {
		return reflect.Value{}, false
	}
	r, ok := rt.reps[k]
	return r, ok
}

func (rt *replaceTable) assign(orig, rep reflect.Value) {
	k, ok := identity(orig)
	if !ok {
		return
	}
	if rt.reps == nil {
		rt.reps = make(map[handleKey]reflect.Value)
	}
	rt.reps[k] = rep
	rt.keep = append(rt.keep, orig)
}

func (rt *replaceTable) clear() {
	rt.reps = nil
	rt.keep = nil
}
