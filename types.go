package objstream

import (
	"fmt"
	"go/token"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
)

// Types is the reflection based TypeInfoProvider. Types opt into
// serialization by registration; everything else is described as
// NonSerializable. A Types value is safe for concurrent use.
type Types struct {
	mu      sync.Mutex
	infos   *xsync.MapOf[reflect.Type, *TypeInfo]
	names   *xsync.MapOf[string, reflect.Type]
	proxies *xsync.MapOf[string, reflect.Type]
}

// NewTypes returns a provider with the builtin scalar classes, the string
// class and RemoteFault registered.
func NewTypes() *Types {
	ts := &Types{
		infos:   xsync.NewMapOf[reflect.Type, *TypeInfo](),
		names:   xsync.NewMapOf[string, reflect.Type](),
		proxies: xsync.NewMapOf[string, reflect.Type](),
	}
	for _, t := range scalarTypes {
		ti := ts.describe(t)
		ti.Name = t.Name()
		ti.Capability = FieldBased
		ts.store(ti)
	}
	ts.store(&TypeInfo{
		Name:       stringClassName,
		Type:       stringType,
		SuperIndex: -1,
		Modifiers:  ModPublic | ModFinal,
		Capability: FieldBased,
	})
	if err := ts.Register(RemoteFault{}); err != nil {
		panic(err)
	}
	return ts
}

func (ts *Types) store(ti *TypeInfo) {
	ts.infos.Store(ti.Type, ti)
	ts.names.Store(ti.Name, ti.Type)
}

func typeOfValue(v any) reflect.Type {
	t, ok := v.(reflect.Type)
	if !ok {
		t = reflect.TypeOf(v)
	}
	if t != nil && t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t
}

// Register makes the type of v serializable. v may be a value or a
// pointer of the type, or its reflect.Type.
func (ts *Types) Register(v any, opts ...Option) error {
	t := typeOfValue(v)
	if t == nil {
		return fmt.Errorf("objstream: cannot register nil")
	}
	if t.Kind() == reflect.Interface {
		return ts.RegisterInterface(v)
	}
	if t.Kind() != reflect.Struct && !isScalarKind(t.Kind()) {
		return fmt.Errorf("objstream: cannot register %s: only structs and named scalars are classes", t)
	}
	if t.Name() == "" {
		return fmt.Errorf("objstream: cannot register unnamed type %s", t)
	}

	ti := ts.describe(t)
	ti.Capability = FieldBased
	if ti.Hooks.WriteExternal != nil {
		ti.Capability = RawCustom
	}
	for _, o := range opts {
		o(ti)
	}

	switch ti.Capability {
	case RawCustom:
		if ti.Hooks.WriteExternal == nil || ti.Hooks.ReadExternal == nil {
			return fmt.Errorf("objstream: %s: external class needs both external hooks", ti.Name)
		}
	case ProxyLike:
		if len(ti.ProxyInterfaces) == 0 {
			return fmt.Errorf("objstream: %s: proxy class without interfaces", ti.Name)
		}
	}
	if ti.Capability != NonSerializable {
		for _, f := range ti.Fields {
			if !f.persistent() {
				continue
			}
			if _, err := signature(f.Type, ts.nameOf); err != nil {
				return fmt.Errorf("objstream: %s.%s: %w", ti.Name, f.Name, err)
			}
		}
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()

	if prev, ok := ts.names.Load(ti.Name); ok && prev != t {
		return fmt.Errorf("objstream: class name %s already registered for %s", ti.Name, prev)
	}
	if old, ok := ts.infos.Load(t); ok && old.Name != ti.Name {
		ts.names.Delete(old.Name)
	}
	ts.store(ti)
	if ti.Capability == ProxyLike {
		ts.proxies.Store(proxyKey(ti.ProxyInterfaces), t)
	}
	return nil
}

// RegisterInterface makes an interface type resolvable by name, so arrays
// and maps of it can be decoded. v is a nil pointer to the interface.
func (ts *Types) RegisterInterface(v any) error {
	t := typeOfValue(v)
	if t == nil || t.Kind() != reflect.Interface {
		return fmt.Errorf("objstream: RegisterInterface needs a pointer to an interface, got %T", v)
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ti := ts.describe(t)
	ts.store(ti)
	return nil
}

// Alias lets streams written under an old class name resolve to the type
// of v. The type must already be registered.
func (ts *Types) Alias(name string, v any) error {
	t := typeOfValue(v)
	if _, ok := ts.infos.Load(t); !ok {
		return fmt.Errorf("objstream: alias %s: %s is not registered", name, t)
	}
	ts.names.Store(name, t)
	return nil
}

// TypeInfo implements TypeInfoProvider.
func (ts *Types) TypeInfo(t reflect.Type) (*TypeInfo, error) {
	if t == nil {
		return nil, fmt.Errorf("objstream: nil type")
	}
	if ti, ok := ts.infos.Load(t); ok {
		return ti, nil
	}

	var ti *TypeInfo
	switch t.Kind() {
	case reflect.Slice, reflect.Array:
		name, err := signature(t, ts.nameOf)
		if err != nil {
			return nil, err
		}
		ti = &TypeInfo{Name: name, Type: t, SuperIndex: -1, Modifiers: ModPublic | ModFinal | ModAbstract, Capability: FieldBased}
	case reflect.Map:
		name, err := mapClassName(t, ts.nameOf)
		if err != nil {
			return nil, err
		}
		ti = &TypeInfo{
			Name:       name,
			Type:       t,
			SuperIndex: -1,
			Modifiers:  ModPublic,
			Capability: FieldBased,
			Hooks: Hooks{
				WriteObject: writeMapEntries,
				ReadObject:  readMapEntries,
			},
		}
	default:
		ti = ts.describe(t)
	}
	actual, _ := ts.infos.LoadOrStore(t, ti)
	return actual, nil
}

// ResolveClass implements TypeInfoProvider.
func (ts *Types) ResolveClass(name string) (reflect.Type, error) {
	if t, ok := ts.names.Load(name); ok {
		return t, nil
	}
	p := sigParser{resolve: ts.resolveElem}
	switch {
	case name == anyClassName:
		return anyType, nil
	case strings.HasPrefix(name, "["):
		t, rest, err := p.parse(name)
		if err != nil {
			return nil, err
		}
		if rest != "" {
			return nil, ErrCorrupt{"bad array class name " + name}
		}
		return t, nil
	case strings.HasPrefix(name, "map["):
		t, rest, err := p.parseMap(name)
		if err != nil {
			return nil, err
		}
		if rest != "" {
			return nil, ErrCorrupt{"bad map class name " + name}
		}
		return t, nil
	}
	return nil, ErrClassNotFound{name}
}

func (ts *Types) resolveElem(name string) (reflect.Type, error) {
	if name == anyClassName {
		return anyType, nil
	}
	if t, ok := ts.names.Load(name); ok {
		return t, nil
	}
	return nil, ErrClassNotFound{name}
}

// ResolveProxy implements TypeInfoProvider.
func (ts *Types) ResolveProxy(interfaces []string) (reflect.Type, error) {
	if t, ok := ts.proxies.Load(proxyKey(interfaces)); ok {
		return t, nil
	}
	return nil, ErrClassNotFound{"proxy(" + strings.Join(interfaces, ",") + ")"}
}

func proxyKey(interfaces []string) string {
	s := append([]string(nil), interfaces...)
	sort.Strings(s)
	return strings.Join(s, ",")
}

func (ts *Types) nameOf(t reflect.Type) string {
	if ti, ok := ts.infos.Load(t); ok {
		return ti.Name
	}
	return className(t)
}

// describe builds the NonSerializable description of t with its fields,
// methods and any hooks declared by interface.
func (ts *Types) describe(t reflect.Type) *TypeInfo {
	ti := &TypeInfo{Name: className(t), Type: t, SuperIndex: -1}
	if token.IsExported(t.Name()) || t.PkgPath() == "" {
		ti.Modifiers |= ModPublic
	}

	switch {
	case t.Kind() == reflect.Struct:
		for _, tg := range structTags(t) {
			f := t.Field(tg.index)
			if tg.super {
				ti.Super = f.Type
				ti.SuperIndex = tg.index
				continue
			}
			ti.Fields = append(ti.Fields, FieldInfo{
				Name:      tg.name,
				Type:      f.Type,
				Index:     []int{tg.index},
				Modifiers: tg.modifiers,
			})
		}
	case isScalarKind(t.Kind()):
		ti.Modifiers |= ModFinal
		ti.Fields = []FieldInfo{{Name: "value", Type: t, Modifiers: ModPrivate | ModFinal}}
	case t.Kind() == reflect.Interface:
		ti.Modifiers |= ModInterface | ModAbstract
		return ti
	}

	pt := reflect.PointerTo(t)
	for i := 0; i < pt.NumMethod(); i++ {
		m := pt.Method(i)
		if promoted(t, m.Name) {
			continue
		}
		ti.Methods = append(ti.Methods, MethodInfo{
			Name:      m.Name,
			Signature: methodSignature(m.Type, true),
			Modifiers: ModPublic,
		})
	}

	detectHooks(ti)
	return ti
}

// promoted reports whether the method name of *t may come from one of
// t's embedded fields.
func promoted(t reflect.Type, name string) bool {
	if t.Kind() != reflect.Struct {
		return false
	}
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.Anonymous {
			continue
		}
		ft := f.Type
		if ft.Kind() != reflect.Ptr {
			ft = reflect.PointerTo(ft)
		}
		if _, ok := ft.MethodByName(name); ok {
			return true
		}
	}
	return false
}

func declares(t reflect.Type, iface reflect.Type) bool {
	if !reflect.PointerTo(t).Implements(iface) {
		return false
	}
	for i := 0; i < iface.NumMethod(); i++ {
		if promoted(t, iface.Method(i).Name) {
			return false
		}
	}
	return true
}

func detectHooks(ti *TypeInfo) {
	t := ti.Type
	if declares(t, externalizableType) {
		ti.Interfaces = append(ti.Interfaces, className(externalizableType))
		ti.Hooks.WriteExternal = func(v any, enc *Encoder) error { return v.(Externalizable).WriteExternal(enc) }
		ti.Hooks.ReadExternal = func(v any, dec *Decoder) error { return v.(Externalizable).ReadExternal(dec) }
	}
	if declares(t, objectWriterType) {
		ti.Hooks.WriteObject = func(v any, enc *Encoder) error { return v.(ObjectWriter).WriteObject(enc) }
	}
	if declares(t, objectReaderType) {
		ti.Hooks.ReadObject = func(v any, dec *Decoder) error { return v.(ObjectReader).ReadObject(dec) }
	}
	if declares(t, writeReplacerType) {
		ti.Hooks.WriteReplace = func(v any) (any, error) { return v.(WriteReplacer).WriteReplace() }
	}
	if declares(t, readResolverType) {
		ti.Hooks.ReadResolve = func(v any) (any, error) { return v.(ReadResolver).ReadResolve() }
	}
	if declares(t, initializerType) {
		ti.Hooks.Init = func(v any) error { return v.(Initializer).InitObject() }
	}
}
