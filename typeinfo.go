package objstream

import (
	"reflect"
)

// Capability selects how instances of a class are written.
type Capability uint8

const (
	// NonSerializable classes cannot be written as objects. They may still
	// appear as class values and as ancestors of serializable classes.
	NonSerializable Capability = iota
	// FieldBased classes write their fields, optionally through custom
	// write and read hooks per class in the ancestor chain.
	FieldBased
	// RawCustom classes write everything through their external hooks.
	RawCustom
	// ProxyLike classes are described by the list of interfaces they
	// implement rather than by name.
	ProxyLike
)

func (c Capability) String() string {
	switch c {
	case NonSerializable:
		return "NonSerializable"
	case FieldBased:
		return "FieldBased"
	case RawCustom:
		return "RawCustom"
	case ProxyLike:
		return "ProxyLike"
	}
	return "Capability(?)"
}

// Modifier bits used in fingerprints.
const (
	ModPublic    = 0x0001
	ModPrivate   = 0x0002
	ModProtected = 0x0004
	ModStatic    = 0x0008
	ModFinal     = 0x0010
	ModVolatile  = 0x0040
	ModTransient = 0x0080
	ModInterface = 0x0200
	ModAbstract  = 0x0400
)

// FieldInfo describes one declared field of a local type.
type FieldInfo struct {
	Name      string
	Type      reflect.Type
	Index     []int // nil for the value of a boxed scalar
	Modifiers int
}

func (f FieldInfo) persistent() bool {
	return f.Modifiers&(ModStatic|ModTransient) == 0
}

// MethodInfo describes a method or constructor for fingerprinting.
type MethodInfo struct {
	Name      string
	Signature string
	Modifiers int
}

// Hooks are the custom behaviours of a class. Every hook receives a
// pointer to the part of the object that belongs to the class.
type Hooks struct {
	WriteObject   func(v any, enc *Encoder) error
	ReadObject    func(v any, dec *Decoder) error
	WriteExternal func(v any, enc *Encoder) error
	ReadExternal  func(v any, dec *Decoder) error
	WriteReplace  func(v any) (any, error)
	ReadResolve   func(v any) (any, error)
	Init          func(v any) error
}

// TypeInfo is everything a TypeInfoProvider knows about a local type.
type TypeInfo struct {
	Name       string
	Type       reflect.Type
	Super      reflect.Type
	SuperIndex int
	Modifiers  int
	Capability Capability

	Fields       []FieldInfo
	Interfaces   []string
	Constructors []MethodInfo
	Methods      []MethodInfo
	StaticInit   bool

	Fingerprint    int64
	HasFingerprint bool

	// ProxyInterfaces is set for ProxyLike classes.
	ProxyInterfaces []string

	// NoInitializer marks a non-serializable type that cannot be used as
	// the allocation root of a serializable descendant.
	NoInitializer bool

	Hooks Hooks
}

// TypeInfoProvider supplies the local type information that class
// descriptors are built from.
type TypeInfoProvider interface {
	// TypeInfo describes t. Unknown types are described as
	// NonSerializable.
	TypeInfo(t reflect.Type) (*TypeInfo, error)
	// ResolveClass returns the local type for a class name read from a
	// stream.
	ResolveClass(name string) (reflect.Type, error)
	// ResolveProxy returns the local proxy type implementing exactly the
	// given interfaces.
	ResolveProxy(interfaces []string) (reflect.Type, error)
}

// ObjectWriter is implemented by types that write their own part of an
// object. The method must be declared on the type itself; a method
// promoted from an embedded ancestor does not count.
type ObjectWriter interface {
	WriteObject(enc *Encoder) error
}

// ObjectReader is the read side of ObjectWriter.
type ObjectReader interface {
	ReadObject(dec *Decoder) error
}

// Externalizable types write and read the whole object themselves.
type Externalizable interface {
	WriteExternal(enc *Encoder) error
	ReadExternal(dec *Decoder) error
}

// WriteReplacer nominates a replacement to be written instead of the
// receiver.
type WriteReplacer interface {
	WriteReplace() (any, error)
}

// ReadResolver nominates a replacement for a freshly decoded object.
type ReadResolver interface {
	ReadResolve() (any, error)
}

// Initializer is called on the non-serializable part of a new object
// before its serializable ancestors are decoded.
type Initializer interface {
	InitObject() error
}

var (
	objectWriterType   = reflect.TypeOf((*ObjectWriter)(nil)).Elem()
	objectReaderType   = reflect.TypeOf((*ObjectReader)(nil)).Elem()
	externalizableType = reflect.TypeOf((*Externalizable)(nil)).Elem()
	writeReplacerType  = reflect.TypeOf((*WriteReplacer)(nil)).Elem()
	readResolverType   = reflect.TypeOf((*ReadResolver)(nil)).Elem()
	initializerType    = reflect.TypeOf((*Initializer)(nil)).Elem()
	reflectTypeType    = reflect.TypeOf((*reflect.Type)(nil)).Elem()
	errorType          = reflect.TypeOf((*error)(nil)).Elem()
	anyType            = reflect.TypeOf((*any)(nil)).Elem()
)

// An Option adjusts the TypeInfo of a type being registered.
type Option func(*TypeInfo)

// WithName sets the class name written to streams.
func WithName(name string) Option {
	return func(ti *TypeInfo) { ti.Name = name }
}

// WithFingerprint declares the fingerprint instead of computing it.
func WithFingerprint(fp int64) Option {
	return func(ti *TypeInfo) {
		ti.Fingerprint = fp
		ti.HasFingerprint = true
	}
}

// NotSerializable registers a type for name resolution only.
func NotSerializable() Option {
	return func(ti *TypeInfo) { ti.Capability = NonSerializable }
}

// WithoutInitializer marks a non-serializable type as impossible to
// allocate on behalf of a serializable descendant.
func WithoutInitializer() Option {
	return func(ti *TypeInfo) { ti.NoInitializer = true }
}

// Implements adds interface names to the fingerprint.
func Implements(names ...string) Option {
	return func(ti *TypeInfo) { ti.Interfaces = append(ti.Interfaces, names...) }
}

// WithConstructors adds constructor signatures to the fingerprint.
func WithConstructors(sigs ...string) Option {
	return func(ti *TypeInfo) {
		for _, s := range sigs {
			ti.Constructors = append(ti.Constructors, MethodInfo{Name: "<init>", Signature: s, Modifiers: ModPublic})
		}
	}
}

// WithStaticInit marks the type as having a static initializer.
func WithStaticInit() Option {
	return func(ti *TypeInfo) { ti.StaticInit = true }
}

// AsProxy registers the type as a proxy implementing interfaces.
func AsProxy(interfaces ...string) Option {
	return func(ti *TypeInfo) {
		ti.Capability = ProxyLike
		ti.ProxyInterfaces = append([]string(nil), interfaces...)
	}
}

// WithWriteObject installs a custom write hook for T's own fields.
func WithWriteObject[T any](fn func(v *T, enc *Encoder) error) Option {
	return func(ti *TypeInfo) {
		ti.Hooks.WriteObject = func(v any, enc *Encoder) error { return fn(v.(*T), enc) }
	}
}

// WithReadObject installs a custom read hook for T's own fields.
func WithReadObject[T any](fn func(v *T, dec *Decoder) error) Option {
	return func(ti *TypeInfo) {
		ti.Hooks.ReadObject = func(v any, dec *Decoder) error { return fn(v.(*T), dec) }
	}
}

// WithExternal makes T a RawCustom class.
func WithExternal[T any](write func(v *T, enc *Encoder) error, read func(v *T, dec *Decoder) error) Option {
	return func(ti *TypeInfo) {
		ti.Capability = RawCustom
		ti.Hooks.WriteExternal = func(v any, enc *Encoder) error { return write(v.(*T), enc) }
		ti.Hooks.ReadExternal = func(v any, dec *Decoder) error { return read(v.(*T), dec) }
	}
}

// WithWriteReplace installs a write substitution hook.
func WithWriteReplace[T any](fn func(v *T) (any, error)) Option {
	return func(ti *TypeInfo) {
		ti.Hooks.WriteReplace = func(v any) (any, error) { return fn(v.(*T)) }
	}
}

// WithReadResolve installs a read substitution hook.
func WithReadResolve[T any](fn func(v *T) (any, error)) Option {
	return func(ti *TypeInfo) {
		ti.Hooks.ReadResolve = func(v any) (any, error) { return fn(v.(*T)) }
	}
}

// WithInitializer installs the initializer run when T is the
// non-serializable allocation root of a decoded object.
func WithInitializer[T any](fn func(v *T) error) Option {
	return func(ti *TypeInfo) {
		ti.Hooks.Init = func(v any) error { return fn(v.(*T)) }
	}
}
