package objstream

import (
	"fmt"
	"reflect"

	"github.com/puzpuzpuz/xsync/v3"
)

// maxHierarchy bounds the embedded ancestor walk.
const maxHierarchy = 64

// Registry turns local type information into class descriptors and caches
// them. Cached descriptors are revalidated against the provider on every
// lookup, so re-registering a type replaces its descriptor. A Registry is
// safe for concurrent use and may be shared by any number of streams.
type Registry struct {
	provider TypeInfoProvider
	types    *Types
	descs    *xsync.MapOf[reflect.Type, *ClassDesc]
	strs     *xsync.MapOf[string, string]
}

// DefaultRegistry is used by encoders and decoders that have no Registry
// of their own.
var DefaultRegistry = NewRegistry()

// NewRegistry returns a registry backed by a fresh Types provider.
func NewRegistry() *Registry {
	return NewRegistryFor(NewTypes())
}

// NewRegistryFor returns a registry backed by p.
func NewRegistryFor(p TypeInfoProvider) *Registry {
	r := &Registry{
		provider: p,
		descs:    xsync.NewMapOf[reflect.Type, *ClassDesc](),
		strs:     xsync.NewMapOf[string, string](),
	}
	if ts, ok := p.(*Types); ok {
		r.types = ts
	}
	return r
}

// Register registers the type of v with the DefaultRegistry and panics on
// error.
func Register(v any, opts ...Option) {
	if err := DefaultRegistry.Register(v, opts...); err != nil {
		panic(err)
	}
}

// RegisterInterface registers an interface with the DefaultRegistry and
// panics on error.
func RegisterInterface(v any) {
	if err := DefaultRegistry.RegisterInterface(v); err != nil {
		panic(err)
	}
}

// Provider returns the type information provider behind r.
func (r *Registry) Provider() TypeInfoProvider { return r.provider }

// Register makes the type of v serializable. See Types.Register.
func (r *Registry) Register(v any, opts ...Option) error {
	if r.types == nil {
		return fmt.Errorf("objstream: registry provider %T does not accept registrations", r.provider)
	}
	if err := r.types.Register(v, opts...); err != nil {
		return err
	}
	r.Evict(v)
	return nil
}

// RegisterInterface makes an interface type resolvable by name.
func (r *Registry) RegisterInterface(v any) error {
	if r.types == nil {
		return fmt.Errorf("objstream: registry provider %T does not accept registrations", r.provider)
	}
	return r.types.RegisterInterface(v)
}

// Alias resolves streams written under name to the type of v.
func (r *Registry) Alias(name string, v any) error {
	if r.types == nil {
		return fmt.Errorf("objstream: registry provider %T does not accept aliases", r.provider)
	}
	return r.types.Alias(name, v)
}

// Lookup returns the local descriptor of t, building it on first use.
// Pointer types are described by their element type.
func (r *Registry) Lookup(t reflect.Type) (*ClassDesc, error) {
	if t == nil {
		return nil, fmt.Errorf("objstream: lookup of nil type")
	}
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if d, ok := r.descs.Load(t); ok && r.current(d) {
		return d, nil
	}
	d, err := r.build(t)
	if err != nil {
		return nil, err
	}
	r.descs.Store(t, d)
	return d, nil
}

// Evict drops the cached descriptor of v's type.
func (r *Registry) Evict(v any) {
	if t := typeOfValue(v); t != nil {
		r.descs.Delete(t)
	}
}

// Purge drops every cached descriptor.
func (r *Registry) Purge() {
	r.descs.Clear()
}

// current reports whether d and its ancestors were built from the type
// information the provider reports now.
func (r *Registry) current(d *ClassDesc) bool {
	for ; d != nil; d = d.super {
		ti, err := r.provider.TypeInfo(d.typ)
		if err != nil || ti != d.info {
			return false
		}
	}
	return true
}

func (r *Registry) nameOf(t reflect.Type) string {
	if ti, err := r.provider.TypeInfo(t); err == nil {
		return ti.Name
	}
	return className(t)
}

func (r *Registry) intern(s string) string {
	v, _ := r.strs.LoadOrStore(s, s)
	return v
}

// hierarchy walks t and its embedded ancestors, most derived first, with
// the field path of each ancestor from the root struct.
func (r *Registry) hierarchy(t reflect.Type) ([]ancestor, error) {
	var h []ancestor
	var path []int
	for t != nil {
		if len(h) == maxHierarchy {
			return nil, ErrInvalidClass{h[0].info.Name, "ancestor chain too long"}
		}
		ti, err := r.provider.TypeInfo(t)
		if err != nil {
			return nil, err
		}
		h = append(h, ancestor{typ: t, info: ti, path: path})
		if ti.Super == nil || ti.SuperIndex < 0 {
			break
		}
		path = append(append([]int(nil), path...), ti.SuperIndex)
		t = ti.Super
	}
	return h, nil
}

func (r *Registry) build(t reflect.Type) (*ClassDesc, error) {
	ti, err := r.provider.TypeInfo(t)
	if err != nil {
		return nil, err
	}
	d := &ClassDesc{
		name:       ti.Name,
		typ:        t,
		info:       ti,
		capability: ti.Capability,
	}
	d.local = d

	switch t.Kind() {
	case reflect.Slice, reflect.Array:
		d.isArray = true
		d.capability = FieldBased
		d.flags = scSerializable
		d.fingerprint = nameFingerprint(d.name)
		d.name = r.intern(d.name)
		return d, nil
	case reflect.Map:
		d.flags = scSerializable | scWriteMethod
		d.fingerprint = nameFingerprint(d.name)
		d.name = r.intern(d.name)
		d.hier = []ancestor{{typ: t, info: ti}}
		d.slots = mergeSlots(d, d.hier)
		return d, nil
	}

	if ti.Super != nil && ti.SuperIndex >= 0 {
		sd, err := r.Lookup(ti.Super)
		if err != nil {
			return nil, err
		}
		if sd.serializable() && !sd.proxy {
			d.super = sd
		}
	}

	switch ti.Capability {
	case FieldBased:
		d.flags = scSerializable
		if ti.Hooks.WriteObject != nil {
			d.flags |= scWriteMethod
		}
		if err := r.buildFields(d, ti); err != nil {
			return nil, err
		}
	case RawCustom:
		d.flags = scExternalizable | scBlockData
	case ProxyLike:
		d.proxy = true
		d.flags = scSerializable
		d.interfaces = ti.ProxyInterfaces
	}

	switch {
	case ti.HasFingerprint:
		d.fingerprint = ti.Fingerprint
	case ti.Capability == FieldBased || ti.Capability == RawCustom:
		d.fingerprint = computeFingerprint(ti, r.nameOf)
	}

	if d.hier, err = r.hierarchy(t); err != nil {
		return nil, err
	}
	if d.serializable() {
		for _, a := range d.hier {
			if a.info.Capability != NonSerializable {
				continue
			}
			d.initPath = a.path
			d.initHook = a.info.Hooks.Init
			if a.info.NoInitializer {
				d.initErr = ErrInvalidClass{d.name, "no valid constructor"}
			}
			break
		}
	}
	d.slots = mergeSlots(d, d.hier)
	return d, nil
}

func (r *Registry) buildFields(d *ClassDesc, ti *TypeInfo) error {
	seen := map[string]bool{}
	for _, fi := range ti.Fields {
		if !fi.persistent() {
			continue
		}
		if seen[fi.Name] {
			return ErrInvalidClass{d.name, "duplicate field name " + fi.Name}
		}
		seen[fi.Name] = true
		sig, err := signature(fi.Type, r.nameOf)
		if err != nil {
			return ErrInvalidClass{d.name, fmt.Sprintf("field %s: %v", fi.Name, err)}
		}
		f := &FieldDesc{name: fi.Name, code: sig[0], index: fi.Index, typ: fi.Type}
		if !f.IsPrimitive() {
			f.sig = r.intern(sig)
		}
		d.fields = append(d.fields, f)
	}
	d.primSize, d.numObj = sortFields(d.fields)
	return nil
}
