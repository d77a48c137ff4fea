package objstream

import (
	"fmt"
	"reflect"
	"strings"
)

// ClassDesc is the serialized shape of a class. Local descriptors come
// from a Registry and are shared by every stream using it; descriptors
// read from a stream belong to that stream and are bound to a local type
// when one can be resolved.
type ClassDesc struct {
	name        string
	fingerprint int64
	flags       byte
	capability  Capability
	proxy       bool
	isArray     bool
	interfaces  []string
	fields      []*FieldDesc
	primSize    int
	numObj      int
	super       *ClassDesc

	typ   reflect.Type
	info  *TypeInfo
	local *ClassDesc // local descriptors point at themselves

	// resolveErr is the deferred failure to find the local type.
	resolveErr error
	// invalidErr is raised only when an instance must be created.
	invalidErr error

	hier  []ancestor
	slots []classSlot

	// allocation root: the first non-serializable ancestor of the local
	// type, if any
	initPath []int
	initHook func(v any) error
	initErr  error
}

// classSlot pairs one stream ancestor with the local ancestor its data
// goes into. A slot without a local part is read and discarded.
type classSlot struct {
	desc    *ClassDesc
	local   *ClassDesc
	path    []int
	present bool
}

type ancestor struct {
	typ  reflect.Type
	info *TypeInfo
	path []int
}

// Name returns the class name.
func (d *ClassDesc) Name() string { return d.name }

// Fingerprint returns the declared or computed fingerprint.
func (d *ClassDesc) Fingerprint() int64 { return d.fingerprint }

// Capability returns how instances of the class are written.
func (d *ClassDesc) Capability() Capability { return d.capability }

// Fields returns the serializable fields in wire order.
func (d *ClassDesc) Fields() []*FieldDesc { return d.fields }

// Field returns the field called name, or nil.
func (d *ClassDesc) Field(name string) *FieldDesc {
	for _, f := range d.fields {
		if f.name == name {
			return f
		}
	}
	return nil
}

// Super returns the descriptor of the nearest serializable ancestor.
func (d *ClassDesc) Super() *ClassDesc { return d.super }

// Interfaces returns the interface names of a proxy class.
func (d *ClassDesc) Interfaces() []string { return d.interfaces }

// IsProxy reports whether d describes a proxy class.
func (d *ClassDesc) IsProxy() bool { return d.proxy }

// IsArray reports whether d describes an array class.
func (d *ClassDesc) IsArray() bool { return d.isArray }

// HasWriteMethod reports whether instances carry custom data written by a
// WriteObject hook.
func (d *ClassDesc) HasWriteMethod() bool { return d.flags&scWriteMethod != 0 }

// HasBlockExternalData reports whether a RawCustom class frames its data
// in blocks.
func (d *ClassDesc) HasBlockExternalData() bool { return d.flags&scBlockData != 0 }

// Type returns the local type the descriptor is bound to, or nil.
func (d *ClassDesc) Type() reflect.Type { return d.typ }

// ResolveErr returns the error that kept the descriptor from binding to a
// local type.
func (d *ClassDesc) ResolveErr() error { return d.resolveErr }

func (d *ClassDesc) String() string {
	if d.proxy {
		return "proxy(" + strings.Join(d.interfaces, ",") + ")"
	}
	return fmt.Sprintf("%s [%s fp=%#x]", d.name, d.capability, uint64(d.fingerprint))
}

// unresolved is the error for using d without a local type. A descriptor
// referenced from its own annotation is not bound yet.
func (d *ClassDesc) unresolved() error {
	if d.resolveErr != nil {
		return d.resolveErr
	}
	return ErrClassNotFound{d.name}
}

func (d *ClassDesc) serializable() bool { return d.capability != NonSerializable }

func (d *ClassDesc) hooks() *Hooks {
	if d.info == nil {
		return &Hooks{}
	}
	return &d.info.Hooks
}

// capabilityFromFlags decodes the flags byte of a stream descriptor.
func capabilityFromFlags(name string, flags byte) (Capability, error) {
	ser := flags&scSerializable != 0
	ext := flags&scExternalizable != 0
	switch {
	case ser && ext:
		return 0, ErrInvalidClass{name, "serializable and externalizable flags conflict"}
	case ext:
		return RawCustom, nil
	case ser:
		return FieldBased, nil
	}
	return NonSerializable, nil
}

// bind reconciles the stream descriptor d with the local type t. The
// super descriptor must already be read and bound.
func (d *ClassDesc) bind(r *Registry, t reflect.Type) error {
	local, err := r.Lookup(t)
	if err != nil {
		return err
	}
	d.typ = local.typ
	d.info = local.info
	d.local = local

	switch {
	case d.proxy && !local.proxy:
		return ErrInvalidClass{local.name, "cannot bind proxy descriptor to a non-proxy class"}
	case !d.proxy && local.proxy:
		return ErrInvalidClass{local.name, "cannot bind non-proxy descriptor to a proxy class"}
	}

	if !d.proxy {
		if d.isArray != local.isArray {
			return ErrInvalidClass{d.name, "array class bound to non-array type " + local.name}
		}
		if simpleName(d.name) != simpleName(local.name) {
			return ErrInvalidClass{d.name, "local class name incompatible with stream class name " + local.name}
		}
		if d.serializable() == local.serializable() && !local.isArray && d.fingerprint != local.fingerprint {
			return ErrInvalidClass{local.name, fmt.Sprintf(
				"local class incompatible: stream classdesc fingerprint = %#x, local class fingerprint = %#x",
				uint64(d.fingerprint), uint64(local.fingerprint))}
		}
		if d.serializable() && local.serializable() && (d.capability == RawCustom) != (local.capability == RawCustom) {
			return ErrInvalidClass{local.name, "Serializable incompatible with Externalizable"}
		}
		if d.capability != local.capability || !local.serializable() {
			d.invalidErr = ErrInvalidClass{local.name, "class invalid for deserialization"}
		}

		for _, f := range d.fields {
			lf := local.Field(f.name)
			if lf == nil {
				continue
			}
			if f.IsPrimitive() != lf.IsPrimitive() || (f.IsPrimitive() && f.code != lf.code) {
				return ErrInvalidClass{local.name, "incompatible types for field " + f.name}
			}
			f.bound = lf
		}
	}

	d.initPath, d.initHook, d.initErr = local.initPath, local.initHook, local.initErr
	d.slots = mergeSlots(d, local.hier)
	return nil
}

// mergeSlots lines up the stream ancestor chain of d with the local
// hierarchy h (most derived first). Each stream ancestor is searched for
// from the current position outward; local types skipped over were
// inserted and get no data, stream ancestors without a match were removed
// and are discarded. The result is ordered most ancestral first.
func mergeSlots(d *ClassDesc, h []ancestor) []classSlot {
	var slots []classSlot
	pos := 0
	for sd := d; sd != nil; sd = sd.super {
		if sd.proxy {
			continue
		}
		match := -1
		if sd.typ != nil {
			for i := pos; i < len(h); i++ {
				if h[i].typ == sd.typ {
					match = i
					break
				}
			}
		}
		if match < 0 {
			slots = append(slots, classSlot{desc: sd})
			continue
		}
		slots = append(slots, classSlot{desc: sd, local: sd.local, path: h[match].path, present: true})
		pos = match + 1
	}
	for i, j := 0, len(slots)-1; i < j; i, j = i+1, j-1 {
		slots[i], slots[j] = slots[j], slots[i]
	}
	return slots
}

// part returns the struct of the slot's class inside the object root.
func (s *classSlot) part(root reflect.Value) reflect.Value {
	if len(s.path) == 0 {
		return root
	}
	return root.FieldByIndex(s.path)
}

// newInstance allocates a zero value of the bound local type and runs the
// initializer of its first non-serializable ancestor. It returns a pointer.
func (d *ClassDesc) newInstance() (reflect.Value, error) {
	if d.typ == nil {
		return reflect.Value{}, ErrClassNotFound{d.name}
	}
	if d.invalidErr != nil {
		return reflect.Value{}, d.invalidErr
	}
	if d.initErr != nil {
		return reflect.Value{}, d.initErr
	}
	p := reflect.New(d.typ)
	if d.typ.Kind() == reflect.Map {
		p.Elem().Set(reflect.MakeMap(d.typ))
	}
	if d.initHook != nil {
		part := p.Elem()
		if len(d.initPath) > 0 {
			part = part.FieldByIndex(d.initPath)
		}
		if err := d.initHook(part.Addr().Interface()); err != nil {
			return reflect.Value{}, err
		}
	}
	return p, nil
}
