package objstream

import (
	"encoding/binary"
	"reflect"
	"sort"

	"github.com/dchest/siphash"
)

// fixed SipHash key; changing it changes every computed fingerprint
const (
	fingerprintK0 = 0x6f626a7374726561
	fingerprintK1 = 0x6d2d636c61737331
)

// computeFingerprint hashes the shape of a class: name, modifiers,
// interfaces, fields, constructors, methods and the static initializer
// marker, each group sorted.
func computeFingerprint(ti *TypeInfo, names func(reflect.Type) string) int64 {
	var b []byte

	b = appendDataUTF(b, ti.Name)
	b = binary.BigEndian.AppendUint32(b, uint32(ti.Modifiers&(ModPublic|ModFinal|ModInterface|ModAbstract)))

	ifaces := append([]string(nil), ti.Interfaces...)
	sort.Strings(ifaces)
	for _, s := range ifaces {
		b = appendDataUTF(b, s)
	}

	type member struct {
		name, sig string
		mods      int
	}

	var fields []member
	for _, f := range ti.Fields {
		if f.Modifiers&ModPrivate != 0 && f.Modifiers&(ModStatic|ModTransient) != 0 {
			continue
		}
		fields = append(fields, member{f.Name, looseSignatureWith(f.Type, names), f.Modifiers})
	}
	sort.Slice(fields, func(i, j int) bool { return fields[i].name < fields[j].name })
	for _, f := range fields {
		b = appendDataUTF(b, f.name)
		b = binary.BigEndian.AppendUint32(b, uint32(f.mods&(ModPublic|ModPrivate|ModProtected|ModStatic|ModFinal|ModVolatile|ModTransient)))
		b = appendDataUTF(b, f.sig)
	}

	members := func(ms []MethodInfo) []member {
		var out []member
		for _, m := range ms {
			if m.Modifiers&ModPrivate != 0 {
				continue
			}
			out = append(out, member{m.Name, m.Signature, m.Modifiers})
		}
		sort.Slice(out, func(i, j int) bool {
			if out[i].name != out[j].name {
				return out[i].name < out[j].name
			}
			return out[i].sig < out[j].sig
		})
		return out
	}

	for _, m := range members(ti.Constructors) {
		b = appendDataUTF(b, "<init>")
		b = binary.BigEndian.AppendUint32(b, uint32(m.mods))
		b = appendDataUTF(b, m.sig)
	}
	for _, m := range members(ti.Methods) {
		b = appendDataUTF(b, m.name)
		b = binary.BigEndian.AppendUint32(b, uint32(m.mods))
		b = appendDataUTF(b, m.sig)
	}

	if ti.StaticInit {
		b = appendDataUTF(b, "<clinit>")
		b = binary.BigEndian.AppendUint32(b, ModStatic)
		b = appendDataUTF(b, "()V")
	}

	return int64(siphash.Hash(fingerprintK0, fingerprintK1, b))
}

// nameFingerprint is used for array and map classes, whose shape is their
// name.
func nameFingerprint(name string) int64 {
	return int64(siphash.Hash(fingerprintK0, fingerprintK1, appendDataUTF(nil, name)))
}

func looseSignatureWith(t reflect.Type, names func(reflect.Type) string) string {
	if s, err := signature(t, names); err == nil {
		return s
	}
	return looseSignature(t)
}

// appendDataUTF appends a length prefixed modified UTF-8 string,
// truncating pathological inputs instead of failing.
func appendDataUTF(b []byte, s string) []byte {
	enc := appendUTF(nil, s)
	if len(enc) > maxShortUTF {
		enc = enc[:maxShortUTF]
	}
	b = binary.BigEndian.AppendUint16(b, uint16(len(enc)))
	return append(b, enc...)
}
