package objstream

import (
	"fmt"
	"io"
	"log"
	"math"
	"reflect"
)

// reflectValueOf lets callers pass either a value or its reflect.Value.
func reflectValueOf(v any) reflect.Value {
	if rv, ok := v.(reflect.Value); ok {
		return rv
	}
	return reflect.ValueOf(v)
}

var classDescType = reflect.TypeOf((*ClassDesc)(nil))

// An Encoder writes an object graph to an output stream. Values written
// more than once, in one call or across calls, are written once and
// referenced by handle afterwards, until Reset.
//
// An Encoder is not safe for concurrent use.
type Encoder struct {
	// Registry supplies class descriptors; nil means DefaultRegistry.
	Registry *Registry

	// EnableReplace turns on ReplaceObject.
	EnableReplace bool
	// ReplaceObject may substitute any object before it is written.
	ReplaceObject func(v any) (any, error)

	// AnnotateClass may write custom data after each class descriptor.
	AnnotateClass func(enc *Encoder, desc *ClassDesc) error

	// LegacyExternalData writes RawCustom data without block framing.
	LegacyExternalData bool

	// MaxDepth bounds graph nesting; zero means DefaultMaxDepth.
	MaxDepth int

	// Logger receives diagnostics about failed fault records.
	Logger *log.Logger

	bout    *blockWriter
	w       io.Writer
	handles *handleTable
	subs    replaceTable
	started bool
	depth   int
	cur     *writeContext
	pending error
	broken  error
	prim    []byte
}

// writeContext is the class part a WriteObject hook is writing.
type writeContext struct {
	part reflect.Value
	desc *ClassDesc
}

// NewEncoder returns an Encoder writing to w. The stream header is
// written with the first data.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{
		bout:    newBlockWriter(w),
		w:       w,
		handles: newHandleTable(),
	}
}

func (e *Encoder) registry() *Registry {
	if e.Registry != nil {
		return e.Registry
	}
	return DefaultRegistry
}

func (e *Encoder) maxDepth() int {
	if e.MaxDepth > 0 {
		return e.MaxDepth
	}
	return DefaultMaxDepth
}

func (e *Encoder) logf(format string, args ...any) {
	if e.Logger != nil {
		e.Logger.Printf(format, args...)
	}
}

func (e *Encoder) start() {
	if e.started {
		return
	}
	e.started = true
	e.bout.writeUint16(streamMagic)
	e.bout.writeUint16(streamVersion)
	e.bout.setBlockMode(true)
}

// WriteObject writes v and everything reachable from it. v may be a
// reflect.Value. After a failed call the encoder refuses new objects
// until Reset.
func (e *Encoder) WriteObject(v any) error {
	e.start()
	if e.depth == 0 && e.broken != nil {
		return fmt.Errorf("%w: %v", ErrStreamBroken, e.broken)
	}
	return e.writeObject(reflectValueOf(v))
}

func (e *Encoder) writeObject(rv reflect.Value) error {
	oldMode := e.bout.setBlockMode(false)
	oldCur := e.cur
	e.depth++
	var err error
	if e.depth > e.maxDepth() {
		err = ErrDepthExceeded
	} else {
		err = e.writeObject0(rv)
	}
	e.depth--
	e.cur = oldCur
	e.bout.setBlockMode(oldMode)
	if err == nil && e.bout.err != nil {
		err = e.bout.err
	}

	if err != nil && e.pending == nil {
		e.pending = err
	}
	if e.depth > 0 || e.pending == nil {
		return err
	}

	fault := e.pending
	e.pending = nil
	e.broken = fault
	if e.bout.err == nil {
		e.writeFatal(fault)
	}
	return fault
}

// writeFatal tells the peer that writing failed: the handle table is
// cleared on both sides around an exception record carrying the fault.
// Any failure here is only logged.
func (e *Encoder) writeFatal(fault error) {
	oldMode := e.bout.setBlockMode(false)
	e.bout.writeByte(tcException)
	e.clear()
	e.depth++
	err := e.writeObject0(e.faultValue(fault))
	e.depth--
	e.clear()
	e.pending = nil
	e.bout.setBlockMode(oldMode)
	if err == nil {
		err = e.bout.err
	}
	if err != nil {
		e.logf("objstream: unable to write exception record for %v: %v", fault, err)
	}
}

// faultValue is the object written in an exception record: the fault
// itself when it is a registered serializable type, a RemoteFault
// otherwise.
func (e *Encoder) faultValue(fault error) reflect.Value {
	rv := reflect.ValueOf(fault)
	if rv.Kind() == reflect.Ptr && !rv.IsNil() {
		if d, err := e.registry().Lookup(rv.Type()); err == nil && d.serializable() {
			return rv
		}
	}
	return reflect.ValueOf(&RemoteFault{Class: fmt.Sprintf("%T", fault), Message: fault.Error()})
}

func (e *Encoder) clear() {
	e.handles.clear()
	e.subs.clear()
}

// Reset discards the handle table on both ends of the stream and makes
// an encoder usable again after a fault. It fails while an object is
// being written.
func (e *Encoder) Reset() error {
	if e.depth != 0 {
		return ErrResetActive
	}
	e.start()
	oldMode := e.bout.setBlockMode(false)
	e.bout.writeByte(tcReset)
	e.clear()
	e.broken = nil
	e.pending = nil
	e.bout.setBlockMode(oldMode)
	return e.bout.err
}

// Flush writes any buffered data, including the stream header.
func (e *Encoder) Flush() error {
	e.start()
	return e.bout.flush()
}

// Close flushes the encoder and closes the underlying writer if it is an
// io.Closer.
func (e *Encoder) Close() error {
	err := e.Flush()
	e.clear()
	if c, ok := e.w.(io.Closer); ok {
		if cerr := c.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

func isNilValue(rv reflect.Value) bool {
	if !rv.IsValid() {
		return true
	}
	switch rv.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Interface, reflect.Func, reflect.Chan:
		return rv.IsNil()
	}
	return false
}

func concrete(rv reflect.Value) reflect.Value {
	for rv.IsValid() && rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return reflect.Value{}
		}
		rv = rv.Elem()
	}
	return rv
}

// baseType is the type whose descriptor describes rv.
func baseType(rv reflect.Value) reflect.Type {
	t := rv.Type()
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t
}

// addressable returns a pointer through which rv can be handed to hooks.
func addressable(rv reflect.Value) reflect.Value {
	if rv.Kind() == reflect.Ptr {
		return rv
	}
	p := reflect.New(rv.Type())
	p.Elem().Set(rv)
	return p
}

func isTypeValue(rv reflect.Value) bool {
	return rv.Type().Implements(reflectTypeType) && rv.Kind() == reflect.Ptr
}

// writeSpecial writes class values and descriptors, which never take part
// in substitution.
func (e *Encoder) writeSpecial(rv reflect.Value) (bool, error) {
	switch {
	case rv.Type() == classDescType:
		return true, e.writeClassDesc(rv.Interface().(*ClassDesc))
	case isTypeValue(rv):
		return true, e.writeClass(rv)
	}
	return false, nil
}

func (e *Encoder) writeObject0(rv reflect.Value) error {
	rv = concrete(rv)
	if isNilValue(rv) {
		e.writeNull()
		return nil
	}
	if r, ok := e.subs.lookup(rv); ok {
		rv = concrete(r)
		if isNilValue(rv) {
			e.writeNull()
			return nil
		}
	}
	if h, ok := e.handles.lookup(rv); ok {
		e.writeHandle(h)
		return nil
	}
	if ok, err := e.writeSpecial(rv); ok {
		return err
	}

	orig := rv
	replaced := false
	seen := map[reflect.Type]bool{}
	for {
		t := baseType(rv)
		if seen[t] {
			break
		}
		seen[t] = true
		desc, err := e.registry().Lookup(t)
		if err != nil {
			return err
		}
		hook := desc.hooks().WriteReplace
		if hook == nil {
			break
		}
		rep, err := hook(addressable(rv).Interface())
		if err != nil {
			return err
		}
		rv = concrete(reflectValueOf(rep))
		replaced = true
		if isNilValue(rv) || baseType(rv) == t {
			break
		}
	}
	if e.EnableReplace && e.ReplaceObject != nil && !isNilValue(rv) {
		rep, err := e.ReplaceObject(rv.Interface())
		if err != nil {
			return err
		}
		rv = concrete(reflectValueOf(rep))
		replaced = true
	}

	if replaced {
		e.subs.assign(orig, rv)
		if isNilValue(rv) {
			e.writeNull()
			return nil
		}
		if h, ok := e.handles.lookup(rv); ok {
			e.writeHandle(h)
			return nil
		}
		if ok, err := e.writeSpecial(rv); ok {
			return err
		}
	}

	switch rv.Kind() {
	case reflect.String:
		return e.writeString(rv)
	case reflect.Slice, reflect.Array:
		return e.writeArray(rv)
	case reflect.Map, reflect.Struct:
		return e.writeOrdinaryObject(rv)
	case reflect.Ptr:
		switch k := rv.Elem().Kind(); {
		case k == reflect.Struct, isScalarKind(k):
			return e.writeOrdinaryObject(rv)
		case k == reflect.Ptr:
			return ErrNotSerializable{rv.Type().String()}
		}
		return e.writeObject0(rv.Elem())
	}
	if isScalarKind(rv.Kind()) {
		return e.writeOrdinaryObject(rv)
	}
	return ErrNotSerializable{rv.Type().String()}
}

func (e *Encoder) writeNull() {
	e.bout.writeByte(tcNull)
}

func (e *Encoder) writeHandle(h int) {
	e.bout.writeByte(tcReference)
	e.bout.writeUint32(uint32(baseWireHandle + h))
}

func (e *Encoder) writeClass(rv reflect.Value) error {
	desc, err := e.registry().Lookup(rv.Interface().(reflect.Type))
	if err != nil {
		return err
	}
	e.bout.writeByte(tcClass)
	if err := e.writeClassDesc(desc); err != nil {
		return err
	}
	e.handles.assign(rv)
	return nil
}

func (e *Encoder) writeClassDesc(desc *ClassDesc) error {
	if desc == nil {
		e.writeNull()
		return nil
	}
	rv := reflect.ValueOf(desc)
	if h, ok := e.handles.lookup(rv); ok {
		e.writeHandle(h)
		return nil
	}
	if desc.proxy {
		return e.writeProxyDesc(rv, desc)
	}
	return e.writeNonProxyDesc(rv, desc)
}

func (e *Encoder) writeProxyDesc(rv reflect.Value, desc *ClassDesc) error {
	e.bout.writeByte(tcProxyClassDesc)
	e.handles.assign(rv)
	e.bout.writeUint32(uint32(len(desc.interfaces)))
	for _, name := range desc.interfaces {
		if err := e.writeUTF(name); err != nil {
			return err
		}
	}
	if err := e.annotate(desc); err != nil {
		return err
	}
	return e.writeClassDesc(desc.super)
}

func (e *Encoder) writeNonProxyDesc(rv reflect.Value, desc *ClassDesc) error {
	e.bout.writeByte(tcClassDesc)
	e.handles.assign(rv)

	if err := e.writeUTF(desc.name); err != nil {
		return err
	}
	e.bout.writeUint64(uint64(desc.fingerprint))

	flags := desc.flags
	if desc.capability == RawCustom && e.LegacyExternalData {
		flags &^= scBlockData
	}
	e.bout.writeByte(flags)

	e.bout.writeUint16(uint16(len(desc.fields)))
	for _, f := range desc.fields {
		e.bout.writeByte(f.code)
		if err := e.writeUTF(f.name); err != nil {
			return err
		}
		if !f.IsPrimitive() {
			if err := e.writeTypeString(f.sig); err != nil {
				return err
			}
		}
	}

	if err := e.annotate(desc); err != nil {
		return err
	}
	return e.writeClassDesc(desc.super)
}

// annotate runs AnnotateClass in block mode and closes the annotation.
func (e *Encoder) annotate(desc *ClassDesc) error {
	if e.AnnotateClass != nil {
		e.bout.setBlockMode(true)
		err := e.AnnotateClass(e, desc)
		e.bout.setBlockMode(false)
		if err != nil {
			return err
		}
	}
	e.bout.writeByte(tcEndBlockData)
	return nil
}

// writeTypeString writes a field signature as a shared string object.
func (e *Encoder) writeTypeString(sig string) error {
	rv := reflect.ValueOf(sig)
	if h, ok := e.handles.lookup(rv); ok {
		e.writeHandle(h)
		return nil
	}
	return e.writeString(rv)
}

func (e *Encoder) writeString(rv reflect.Value) error {
	s := rv.String()
	e.handles.assign(rv)
	n := utfLength(s)
	if n <= maxShortUTF {
		e.bout.writeByte(tcString)
		e.bout.writeUint16(uint16(n))
	} else {
		e.bout.writeByte(tcLongString)
		e.bout.writeUint64(uint64(n))
	}
	e.bout.write(appendUTF(make([]byte, 0, n), s))
	return nil
}

// writeUTF writes s with a uint16 length prefix.
func (e *Encoder) writeUTF(s string) error {
	n := utfLength(s)
	if n > maxShortUTF {
		return ErrStringTooLong
	}
	e.bout.writeUint16(uint16(n))
	e.bout.write(appendUTF(make([]byte, 0, n), s))
	return nil
}

func (e *Encoder) writeArray(rv reflect.Value) error {
	desc, err := e.registry().Lookup(rv.Type())
	if err != nil {
		return err
	}
	e.bout.writeByte(tcArray)
	if err := e.writeClassDesc(desc); err != nil {
		return err
	}
	e.handles.assign(rv)

	n := rv.Len()
	if n > math.MaxInt32 {
		return ErrInvalidObject{"array too long"}
	}
	e.bout.writeUint32(uint32(n))

	if !isScalarKind(rv.Type().Elem().Kind()) {
		for i := 0; i < n; i++ {
			if err := e.writeObject(rv.Index(i)); err != nil {
				return err
			}
		}
		return nil
	}

	if rv.Kind() == reflect.Slice && rv.Type().Elem().Kind() == reflect.Uint8 {
		e.bout.write(rv.Bytes())
		return nil
	}
	buf := e.prim[:0]
	for i := 0; i < n; i++ {
		buf = appendPrimitive(buf, rv.Index(i))
		if len(buf) >= blockBufSize {
			e.bout.write(buf)
			buf = buf[:0]
		}
	}
	e.bout.write(buf)
	e.prim = buf[:0]
	return nil
}

func (e *Encoder) writeOrdinaryObject(rv reflect.Value) error {
	desc, err := e.registry().Lookup(rv.Type())
	if err != nil {
		return err
	}
	if !desc.serializable() {
		return ErrNotSerializable{desc.name}
	}

	e.bout.writeByte(tcObject)
	if err := e.writeClassDesc(desc); err != nil {
		return err
	}
	e.handles.assign(rv)

	root := addressable(rv).Elem()
	if desc.capability == RawCustom {
		return e.writeExternalData(root, desc)
	}
	return e.writeSerialData(root, desc)
}

func (e *Encoder) writeExternalData(root reflect.Value, desc *ClassDesc) error {
	oldCur := e.cur
	e.cur = nil
	defer func() { e.cur = oldCur }()

	hook := desc.hooks().WriteExternal
	if e.LegacyExternalData {
		return hook(root.Addr().Interface(), e)
	}
	e.bout.setBlockMode(true)
	err := hook(root.Addr().Interface(), e)
	e.bout.setBlockMode(false)
	if err != nil {
		return err
	}
	e.bout.writeByte(tcEndBlockData)
	return nil
}

// writeSerialData writes each class part of the object, most ancestral
// first.
func (e *Encoder) writeSerialData(root reflect.Value, desc *ClassDesc) error {
	for i := range desc.slots {
		s := &desc.slots[i]
		part := s.part(root)
		hook := s.desc.hooks().WriteObject
		if s.desc.flags&scWriteMethod == 0 || hook == nil {
			if err := e.defaultWriteFields(part, s.desc); err != nil {
				return err
			}
			continue
		}

		oldCur := e.cur
		e.cur = &writeContext{part: part, desc: s.desc}
		e.bout.setBlockMode(true)
		err := hook(part.Addr().Interface(), e)
		e.bout.setBlockMode(false)
		e.cur = oldCur
		if err != nil {
			return err
		}
		e.bout.writeByte(tcEndBlockData)
	}
	return nil
}

func (e *Encoder) defaultWriteFields(part reflect.Value, desc *ClassDesc) error {
	if desc.primSize > 0 {
		buf := e.prim[:0]
		for _, f := range desc.fields {
			if f.IsPrimitive() {
				buf = appendPrimitive(buf, f.value(part))
			}
		}
		e.bout.write(buf)
		e.prim = buf[:0]
	}
	for _, f := range desc.fields {
		if f.IsPrimitive() {
			continue
		}
		if err := e.writeObject(f.value(part)); err != nil {
			return err
		}
	}
	return nil
}

// DefaultWriteObject writes the fields of the class part whose
// WriteObject hook is running.
func (e *Encoder) DefaultWriteObject() error {
	if e.cur == nil {
		return ErrNotActive
	}
	oldMode := e.bout.setBlockMode(false)
	err := e.defaultWriteFields(e.cur.part, e.cur.desc)
	e.bout.setBlockMode(oldMode)
	if err == nil {
		err = e.bout.err
	}
	return err
}

// Write writes raw bytes as block data.
func (e *Encoder) Write(p []byte) (int, error) {
	e.start()
	e.bout.write(p)
	if e.bout.err != nil {
		return 0, e.bout.err
	}
	return len(p), nil
}

// WriteBool writes v as one byte, 1 for true.
func (e *Encoder) WriteBool(v bool) error {
	e.start()
	if v {
		e.bout.writeByte(1)
	} else {
		e.bout.writeByte(0)
	}
	return e.bout.err
}

// WriteInt8 writes one signed byte.
func (e *Encoder) WriteInt8(v int8) error {
	e.start()
	e.bout.writeByte(byte(v))
	return e.bout.err
}

// WriteUint8 writes one byte.
func (e *Encoder) WriteUint8(v uint8) error {
	e.start()
	e.bout.writeByte(v)
	return e.bout.err
}

// WriteInt16 writes v big-endian.
func (e *Encoder) WriteInt16(v int16) error {
	e.start()
	e.bout.writeUint16(uint16(v))
	return e.bout.err
}

// WriteChar writes one UTF-16 code unit.
func (e *Encoder) WriteChar(v uint16) error {
	e.start()
	e.bout.writeUint16(v)
	return e.bout.err
}

// WriteInt32 writes v big-endian.
func (e *Encoder) WriteInt32(v int32) error {
	e.start()
	e.bout.writeUint32(uint32(v))
	return e.bout.err
}

// WriteInt64 writes v big-endian.
func (e *Encoder) WriteInt64(v int64) error {
	e.start()
	e.bout.writeUint64(uint64(v))
	return e.bout.err
}

// WriteFloat32 writes the IEEE 754 bits of v big-endian.
func (e *Encoder) WriteFloat32(v float32) error {
	e.start()
	e.bout.writeUint32(math.Float32bits(v))
	return e.bout.err
}

// WriteFloat64 writes the IEEE 754 bits of v big-endian.
func (e *Encoder) WriteFloat64(v float64) error {
	e.start()
	e.bout.writeUint64(math.Float64bits(v))
	return e.bout.err
}

// WriteUTF writes s as length prefixed modified UTF-8. Strings encoding
// to more than 65535 bytes are rejected with ErrStringTooLong.
func (e *Encoder) WriteUTF(s string) error {
	e.start()
	if err := e.writeUTF(s); err != nil {
		return err
	}
	return e.bout.err
}
