package objstream

import (
	"fmt"
	"reflect"
	"sort"
)

// writeMapEntries is the WriteObject hook of every map class: the entry
// count as block data followed by alternating keys and values. Keys of
// ordered kinds are written sorted so equal maps encode identically.
func writeMapEntries(v any, enc *Encoder) error {
	mv := reflect.ValueOf(v).Elem()
	if mv.Len() > 1<<31-1 {
		return ErrInvalidObject{"map too large"}
	}
	if err := enc.WriteInt32(int32(mv.Len())); err != nil {
		return err
	}
	keys := mv.MapKeys()
	sortKeys(keys)
	for _, k := range keys {
		if err := enc.writeObject(k); err != nil {
			return err
		}
		if err := enc.writeObject(mv.MapIndex(k)); err != nil {
			return err
		}
	}
	return nil
}

func readMapEntries(v any, dec *Decoder) error {
	mv := reflect.ValueOf(v).Elem()
	n, err := dec.ReadInt32()
	if err != nil {
		return eofIsUnexpected(err)
	}
	if n < 0 || int(n) > dec.maxArrayLength() {
		return ErrCorrupt{fmt.Sprintf("bad map size %d", n)}
	}
	if mv.IsNil() {
		mv.Set(reflect.MakeMapWithSize(mv.Type(), int(n)))
	}
	kt, vt := mv.Type().Key(), mv.Type().Elem()
	key := reflect.New(kt).Elem()
	val := reflect.New(vt).Elem()
	for i := 0; i < int(n); i++ {
		rk, err := dec.readObject(kt, !dec.Dynamic || kt.Kind() != reflect.Interface)
		if err != nil {
			return err
		}
		if err := assignValue(key, rk); err != nil {
			return err
		}
		if kt.Kind() == reflect.Interface && !key.IsNil() && !key.Elem().Type().Comparable() {
			return ErrInvalidObject{"map key of type " + key.Elem().Type().String() + " is not comparable"}
		}
		rv, err := dec.readObject(vt, !dec.Dynamic || vt.Kind() != reflect.Interface)
		if err != nil {
			return err
		}
		if err := assignValue(val, rv); err != nil {
			return err
		}
		mv.SetMapIndex(key, val)
	}
	return nil
}

func sortKeys(keys []reflect.Value) {
	if len(keys) < 2 {
		return
	}
	var less func(a, b reflect.Value) bool
	switch keys[0].Kind() {
	case reflect.String:
		less = func(a, b reflect.Value) bool { return a.String() < b.String() }
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		less = func(a, b reflect.Value) bool { return a.Int() < b.Int() }
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		less = func(a, b reflect.Value) bool { return a.Uint() < b.Uint() }
	case reflect.Float32, reflect.Float64:
		less = func(a, b reflect.Value) bool { return a.Float() < b.Float() }
	case reflect.Bool:
		less = func(a, b reflect.Value) bool { return !a.Bool() && b.Bool() }
	default:
		return
	}
	sort.Slice(keys, func(i, j int) bool { return less(keys[i], keys[j]) })
}
