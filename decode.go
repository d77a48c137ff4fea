package objstream

import (
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"reflect"
	"sort"
	"strings"
)

// A Decoder reads object graphs written by an Encoder.
//
// A Decoder is not safe for concurrent use.
type Decoder struct {
	// Registry supplies local types and descriptors; nil means
	// DefaultRegistry.
	Registry *Registry

	// EnableResolve turns on ResolveObject.
	EnableResolve bool
	// ResolveObject may substitute any object after it is read.
	ResolveObject func(v any) (any, error)

	// ResolveClass picks the local type for a class descriptor. It runs in
	// block mode and may read the annotation written by AnnotateClass.
	// Returning a nil type and nil error falls back to the Registry.
	ResolveClass func(dec *Decoder, desc *ClassDesc) (reflect.Type, error)

	// Dynamic decodes objects of unknown classes into *GenericObject and
	// arrays of unknown element classes into []any.
	Dynamic bool

	// MaxDepth bounds graph nesting; zero means DefaultMaxDepth.
	MaxDepth int
	// MaxArrayLength bounds array and long string lengths; zero means
	// DefaultMaxArrayLength.
	MaxArrayLength int

	// Logger receives diagnostics about discarded validations.
	Logger *log.Logger

	bin     *blockReader
	handles *handleTable
	started bool
	depth   int
	cur     *readContext
	dataEnd bool
	pending error
	broken  error
	vlist   []validation
	scratch [8]byte
}

// readContext is the class part a ReadObject hook is reading.
type readContext struct {
	part reflect.Value
	desc *ClassDesc
}

type validation struct {
	fn   func() error
	prio int
}

// NewDecoder returns a Decoder reading from r. The stream header is read
// with the first data.
func NewDecoder(r io.Reader) *Decoder {
	d := &Decoder{
		bin:     newBlockReader(r),
		handles: newHandleTable(),
	}
	d.bin.reset = d.blockReset
	return d
}

// blockReset handles a reset record met while reading primitive data.
func (d *Decoder) blockReset() error {
	if d.depth > 0 {
		return ErrCorrupt{errResetNested}
	}
	d.bin.readRawByte()
	d.clear()
	return nil
}

func (d *Decoder) registry() *Registry {
	if d.Registry != nil {
		return d.Registry
	}
	return DefaultRegistry
}

func (d *Decoder) maxDepth() int {
	if d.MaxDepth > 0 {
		return d.MaxDepth
	}
	return DefaultMaxDepth
}

func (d *Decoder) maxArrayLength() int {
	if d.MaxArrayLength > 0 {
		return d.MaxArrayLength
	}
	return DefaultMaxArrayLength
}

func (d *Decoder) logf(format string, args ...any) {
	if d.Logger != nil {
		d.Logger.Printf(format, args...)
	}
}

// start reads the stream header. An empty stream yields io.EOF.
func (d *Decoder) start() error {
	if d.started {
		return d.brokenErr()
	}
	if _, err := d.bin.peekByte(); err != nil {
		return err
	}
	d.started = true
	var hdr [headerSize]byte
	if err := d.bin.readRawFull(hdr[:]); err != nil {
		d.broken = ErrBadHeader
		return d.broken
	}
	if uint16(hdr[0])<<8|uint16(hdr[1]) != streamMagic {
		d.broken = ErrBadHeader
		return d.broken
	}
	if uint16(hdr[2])<<8|uint16(hdr[3]) != streamVersion {
		d.broken = ErrBadVersion
		return d.broken
	}
	d.bin.setBlockMode(true)
	return nil
}

// brokenErr is returned by every call after a fatal fault. A bad header is
// repeated as is; later faults wrap ErrStreamBroken.
func (d *Decoder) brokenErr() error {
	switch d.broken {
	case nil, ErrBadHeader, ErrBadVersion:
		return d.broken
	}
	return fmt.Errorf("%w: %v", ErrStreamBroken, d.broken)
}

// ReadObject reads the next object. Objects of unregistered classes are
// an error unless Dynamic is set.
func (d *Decoder) ReadObject() (any, error) {
	if err := d.start(); err != nil {
		return nil, err
	}
	rv, err := d.readObject(nil, !d.Dynamic)
	if err != nil {
		return nil, err
	}
	if !rv.IsValid() {
		return nil, nil
	}
	return rv.Interface(), nil
}

// Decode reads the next object into the value pointed to by ptr.
func (d *Decoder) Decode(ptr any) error {
	pv := reflect.ValueOf(ptr)
	if pv.Kind() != reflect.Ptr || pv.IsNil() {
		return ErrNotPointer
	}
	if err := d.start(); err != nil {
		return err
	}
	dst := pv.Elem()
	rv, err := d.readObject(dst.Type(), !d.Dynamic)
	if err != nil {
		return err
	}
	return assignValue(dst, rv)
}

func isOptionalData(err error) bool {
	var od *ErrOptionalData
	return errors.As(err, &od)
}

func (d *Decoder) readObject(hint reflect.Type, requireLocal bool) (reflect.Value, error) {
	if d.depth == 0 && d.broken != nil {
		return reflect.Value{}, d.brokenErr()
	}
	if d.pending != nil {
		return reflect.Value{}, d.pending
	}

	oldMode := d.bin.blockMode
	if oldMode {
		if n := d.bin.remaining(); n > 0 {
			return reflect.Value{}, &ErrOptionalData{Length: n}
		}
		if d.dataEnd {
			return reflect.Value{}, &ErrOptionalData{EOF: true}
		}
		d.bin.restoreMode(false)
	}

	tc, err := d.peekTag()
	if err == io.EOF && d.depth == 0 {
		d.bin.restoreMode(oldMode)
		return reflect.Value{}, io.EOF
	}

	d.depth++
	var rv reflect.Value
	switch {
	case err != nil:
		err = eofIsUnexpected(err)
	case d.depth > d.maxDepth():
		err = ErrDepthExceeded
	default:
		rv, err = d.readObject0(tc, hint, requireLocal, oldMode)
	}
	d.depth--
	d.bin.restoreMode(oldMode)

	if err != nil && !isOptionalData(err) {
		d.fail(err)
	}
	if d.depth > 0 {
		return rv, err
	}

	if d.pending != nil {
		fault := d.pending
		d.pending = nil
		if len(d.vlist) > 0 {
			d.logf("objstream: dropping %d validations after %v", len(d.vlist), fault)
			d.vlist = nil
		}
		var aborted ErrWriteAborted
		if !errors.As(fault, &aborted) {
			d.broken = fault
		}
		return reflect.Value{}, fault
	}
	if err != nil {
		return reflect.Value{}, err
	}
	if err := d.runValidations(); err != nil {
		return reflect.Value{}, err
	}
	return rv, nil
}

// fail records err as the pending fault unless one is already pending.
func (d *Decoder) fail(err error) error {
	if d.pending == nil {
		d.pending = err
	}
	return err
}

// peekTag returns the next type code, consuming any reset records before
// it. A reset inside an object is corrupt.
func (d *Decoder) peekTag() (byte, error) {
	for {
		tc, err := d.bin.peekByte()
		if err != nil {
			return 0, err
		}
		if tc != tcReset {
			return tc, nil
		}
		if d.depth > 0 {
			return 0, ErrCorrupt{errResetNested}
		}
		d.bin.readRawByte()
		d.clear()
	}
}

func (d *Decoder) clear() {
	d.handles.clear()
	d.vlist = nil
}

func (d *Decoder) readObject0(tc byte, hint reflect.Type, requireLocal, oldMode bool) (reflect.Value, error) {
	switch tc {
	case tcNull:
		d.bin.readRawByte()
		return reflect.Value{}, nil
	case tcReference:
		return d.readHandle(requireLocal)
	case tcClass:
		return d.readClass(requireLocal)
	case tcClassDesc, tcProxyClassDesc:
		desc, err := d.readClassDesc()
		if err != nil {
			return reflect.Value{}, err
		}
		return reflect.ValueOf(desc), nil
	case tcString, tcLongString:
		rv, err := d.readString()
		if err != nil {
			return reflect.Value{}, err
		}
		return d.resolveResult(d.handles.size()-1, rv)
	case tcArray:
		return d.readArray(hint, requireLocal)
	case tcObject:
		return d.readOrdinaryObject(requireLocal)
	case tcException:
		return reflect.Value{}, d.readFatal()
	case tcBlockData, tcBlockDataLong:
		if !oldMode {
			return reflect.Value{}, ErrCorrupt{errUnexpectedBlock}
		}
		d.bin.setBlockMode(true)
		if err := d.bin.refill(); err != nil {
			return reflect.Value{}, err
		}
		return reflect.Value{}, &ErrOptionalData{Length: d.bin.remaining()}
	case tcEndBlockData:
		if !oldMode {
			return reflect.Value{}, ErrCorrupt{errUnexpectedEnd}
		}
		return reflect.Value{}, &ErrOptionalData{EOF: true}
	}
	return reflect.Value{}, ErrCorrupt{fmt.Sprintf("%s %#02x", errBadTag, tc)}
}

func (d *Decoder) readTag() (byte, error) {
	b, err := d.bin.readRawByte()
	return b, eofIsUnexpected(err)
}

func (d *Decoder) readHandle(requireLocal bool) (reflect.Value, error) {
	d.bin.readRawByte()
	w, err := d.bin.readUint32()
	if err != nil {
		return reflect.Value{}, err
	}
	e, ok := d.handles.resolve(int(w) - baseWireHandle)
	if !ok {
		return reflect.Value{}, ErrCorrupt{fmt.Sprintf("%s: %#x", errBadHandle, w)}
	}
	if e.err != nil && requireLocal {
		return reflect.Value{}, e.err
	}
	return e.v, nil
}

// readFatal reads an exception record and returns the peer's fault.
func (d *Decoder) readFatal() error {
	d.bin.readRawByte()
	d.clear()
	rv, err := d.readObject(nil, false)
	d.clear()
	if err != nil {
		return err
	}
	if !rv.IsValid() {
		return ErrWriteAborted{Cause: &RemoteFault{Message: "fault of unknown class"}}
	}
	if cause, ok := rv.Interface().(error); ok {
		return ErrWriteAborted{Cause: cause}
	}
	name := rv.Type().String()
	if g, ok := rv.Interface().(*GenericObject); ok && g.Class != nil {
		name = g.Class.Name()
	}
	return ErrWriteAborted{Cause: &RemoteFault{Class: name, Message: fmt.Sprint(rv.Interface())}}
}

func (d *Decoder) readClass(requireLocal bool) (reflect.Value, error) {
	d.bin.readRawByte()
	desc, err := d.readClassDesc()
	if err != nil {
		return reflect.Value{}, err
	}
	if desc == nil {
		return reflect.Value{}, ErrCorrupt{errNullClass}
	}
	var rv reflect.Value
	switch {
	case desc.typ != nil:
		rv = reflect.ValueOf(desc.typ)
	case d.Dynamic:
		rv = reflect.ValueOf(desc)
	}
	h := d.handles.assign(rv)
	if desc.typ == nil {
		d.handles.fail(h, desc.unresolved())
		if requireLocal && !d.Dynamic {
			return reflect.Value{}, desc.unresolved()
		}
	}
	return rv, nil
}

// readClassDesc reads a descriptor, a reference to one, or null.
func (d *Decoder) readClassDesc() (*ClassDesc, error) {
	tc, err := d.bin.peekByte()
	if err != nil {
		return nil, eofIsUnexpected(err)
	}
	switch tc {
	case tcNull:
		d.bin.readRawByte()
		return nil, nil
	case tcReference:
		rv, err := d.readHandle(false)
		if err != nil {
			return nil, err
		}
		if !rv.IsValid() || rv.Type() != classDescType {
			return nil, ErrCorrupt{errNotDescriptor}
		}
		return rv.Interface().(*ClassDesc), nil
	case tcClassDesc:
		return d.readNonProxyDesc()
	case tcProxyClassDesc:
		return d.readProxyDesc()
	}
	return nil, ErrCorrupt{fmt.Sprintf("%s %#02x", errBadTag, tc)}
}

func (d *Decoder) readNonProxyDesc() (*ClassDesc, error) {
	d.bin.readRawByte()
	desc := &ClassDesc{}
	d.handles.assign(reflect.ValueOf(desc))

	name, err := d.readUTFRaw()
	if err != nil {
		return nil, err
	}
	fp, err := d.bin.readUint64()
	if err != nil {
		return nil, err
	}
	flags, err := d.readTag()
	if err != nil {
		return nil, err
	}
	capability, err := capabilityFromFlags(name, flags)
	if err != nil {
		return nil, err
	}
	n, err := d.bin.readUint16()
	if err != nil {
		return nil, err
	}
	if int16(n) < 0 {
		return nil, ErrInvalidClass{name, "illegal field count"}
	}

	desc.name = name
	desc.fingerprint = int64(fp)
	desc.flags = flags
	desc.capability = capability
	desc.isArray = strings.HasPrefix(name, "[")

	sawObject := false
	for i := 0; i < int(n); i++ {
		code, err := d.readTag()
		if err != nil {
			return nil, err
		}
		fname, err := d.readUTFRaw()
		if err != nil {
			return nil, err
		}
		f := &FieldDesc{name: fname, code: code}
		switch {
		case code == CodeObject || code == CodeArray:
			sig, err := d.readTypeString()
			if err != nil {
				return nil, err
			}
			if sig == "" || sig[0] != code {
				return nil, ErrInvalidClass{name, "bad signature for field " + fname}
			}
			f.sig = sig
			sawObject = true
		case isPrimitiveCode(code):
			if sawObject {
				return nil, ErrInvalidClass{name, "illegal field order"}
			}
		default:
			return nil, ErrInvalidClass{name, fmt.Sprintf("invalid type code %#02x for field %s", code, fname)}
		}
		desc.fields = append(desc.fields, f)
	}
	desc.primSize, desc.numObj = assignOffsets(desc.fields)

	t, rerr, err := d.resolveDesc(desc)
	if err != nil {
		return nil, err
	}
	super, err := d.readClassDesc()
	if err != nil {
		return nil, err
	}
	desc.super = super
	return desc, d.bindDesc(desc, t, rerr)
}

func (d *Decoder) readProxyDesc() (*ClassDesc, error) {
	d.bin.readRawByte()
	desc := &ClassDesc{proxy: true, capability: ProxyLike, flags: scSerializable}
	d.handles.assign(reflect.ValueOf(desc))

	n, err := d.bin.readUint32()
	if err != nil {
		return nil, err
	}
	if n > maxShortUTF {
		return nil, ErrCorrupt{"too many proxy interfaces"}
	}
	for i := 0; i < int(n); i++ {
		s, err := d.readUTFRaw()
		if err != nil {
			return nil, err
		}
		desc.interfaces = append(desc.interfaces, s)
	}
	desc.name = "proxy(" + strings.Join(desc.interfaces, ",") + ")"

	t, rerr, err := d.resolveDesc(desc)
	if err != nil {
		return nil, err
	}
	super, err := d.readClassDesc()
	if err != nil {
		return nil, err
	}
	desc.super = super
	if err := d.bindDesc(desc, t, rerr); err != nil {
		return nil, err
	}
	if desc.local != nil {
		desc.name = desc.local.name
	}
	return desc, nil
}

// resolveDesc finds the local type of desc and consumes the class
// annotation. A failure to resolve is returned as the second value and
// decided on by bindDesc; the third is a stream fault.
func (d *Decoder) resolveDesc(desc *ClassDesc) (reflect.Type, error, error) {
	d.bin.setBlockMode(true)
	var t reflect.Type
	var rerr error
	if d.ResolveClass != nil {
		t, rerr = d.ResolveClass(d, desc)
	}
	if t == nil && rerr == nil {
		p := d.registry().Provider()
		if desc.proxy {
			t, rerr = p.ResolveProxy(desc.interfaces)
		} else {
			t, rerr = p.ResolveClass(desc.name)
		}
	}
	if err := d.skipCustomData(nil); err != nil {
		return nil, nil, err
	}
	return t, rerr, nil
}

func (d *Decoder) bindDesc(desc *ClassDesc, t reflect.Type, rerr error) error {
	if rerr == nil && t != nil {
		return desc.bind(d.registry(), t)
	}
	var cnf ErrClassNotFound
	if rerr != nil && !errors.As(rerr, &cnf) {
		return rerr
	}
	if rerr == nil {
		rerr = ErrClassNotFound{desc.name}
	}
	desc.resolveErr = rerr
	desc.slots = mergeSlots(desc, nil)
	return nil
}

// readTypeString reads a field signature: a string or a reference to
// one.
func (d *Decoder) readTypeString() (string, error) {
	tc, err := d.bin.peekByte()
	if err != nil {
		return "", eofIsUnexpected(err)
	}
	var rv reflect.Value
	switch tc {
	case tcNull:
		d.bin.readRawByte()
		return "", nil
	case tcReference:
		rv, err = d.readHandle(false)
	case tcString, tcLongString:
		rv, err = d.readString()
	default:
		return "", ErrCorrupt{errNotString}
	}
	if err != nil {
		return "", err
	}
	if !rv.IsValid() || rv.Kind() != reflect.String {
		return "", ErrCorrupt{errNotString}
	}
	return rv.String(), nil
}

func (d *Decoder) readString() (reflect.Value, error) {
	tc, _ := d.bin.readRawByte()
	var n int
	if tc == tcString {
		l, err := d.bin.readUint16()
		if err != nil {
			return reflect.Value{}, err
		}
		n = int(l)
	} else {
		l, err := d.bin.readUint64()
		if err != nil {
			return reflect.Value{}, err
		}
		if l > uint64(d.maxArrayLength()) {
			return reflect.Value{}, ErrCorrupt{errBadStringLength}
		}
		n = int(l)
	}
	b, err := d.readBytes(n)
	if err != nil {
		return reflect.Value{}, err
	}
	s, err := decodeUTF(b)
	if err != nil {
		return reflect.Value{}, err
	}
	rv := reflect.ValueOf(s)
	d.handles.assign(rv)
	return rv, nil
}

// readBytes reads n bytes, growing the buffer as data actually arrives so
// a corrupt length cannot force a huge allocation.
func (d *Decoder) readBytes(n int) ([]byte, error) {
	const chunk = 1 << 16
	if n <= chunk {
		b := make([]byte, n)
		return b, eofIsUnexpected(d.bin.readFull(b))
	}
	var b []byte
	for len(b) < n {
		c := n - len(b)
		if c > chunk {
			c = chunk
		}
		start := len(b)
		b = append(b, make([]byte, c)...)
		if err := d.bin.readFull(b[start:]); err != nil {
			return nil, eofIsUnexpected(err)
		}
	}
	return b, nil
}

func (d *Decoder) readUTFRaw() (string, error) {
	n, err := d.bin.readUint16()
	if err != nil {
		return "", err
	}
	b, err := d.readBytes(int(n))
	if err != nil {
		return "", err
	}
	return decodeUTF(b)
}

// arrayType picks the Go type an array of class desc is read into.
func (d *Decoder) arrayType(desc *ClassDesc, hint reflect.Type) reflect.Type {
	if hint != nil && (hint.Kind() == reflect.Slice || hint.Kind() == reflect.Array) {
		if sig, err := signature(hint, d.registry().nameOf); err == nil && sig == desc.name {
			if hint.Kind() == reflect.Array {
				return reflect.SliceOf(hint.Elem())
			}
			return hint
		}
	}
	if desc.typ != nil && desc.typ.Kind() == reflect.Slice {
		return desc.typ
	}
	if d.Dynamic && len(desc.name) > 1 {
		if t, ok := primitiveTypes[desc.name[1]]; ok && len(desc.name) == 2 {
			return reflect.SliceOf(t)
		}
		return reflect.SliceOf(anyType)
	}
	return nil
}

func (d *Decoder) readArray(hint reflect.Type, requireLocal bool) (reflect.Value, error) {
	d.bin.readRawByte()
	desc, err := d.readClassDesc()
	if err != nil {
		return reflect.Value{}, err
	}
	if desc == nil || !desc.isArray || len(desc.name) < 2 {
		return reflect.Value{}, ErrCorrupt{errNotDescriptor}
	}
	l, err := d.bin.readUint32()
	if err != nil {
		return reflect.Value{}, err
	}
	n := int(int32(l))
	if n < 0 || n > d.maxArrayLength() {
		return reflect.Value{}, ErrCorrupt{fmt.Sprintf("%s %d", errBadLength, int32(l))}
	}

	at := d.arrayType(desc, hint)
	if at == nil && requireLocal {
		return reflect.Value{}, desc.unresolved()
	}

	code := desc.name[1]
	if isPrimitiveCode(code) {
		return d.readPrimitiveArray(at, code, n)
	}

	if at == nil {
		h := d.handles.assign(reflect.Value{})
		d.handles.fail(h, desc.unresolved())
		for i := 0; i < n; i++ {
			if _, err := d.readObject(nil, false); err != nil {
				return reflect.Value{}, err
			}
		}
		return reflect.Value{}, nil
	}

	// allocated in full so back-references from the elements share it
	arr := reflect.MakeSlice(at, n, n)
	h := d.handles.assign(arr)
	et := at.Elem()
	for i := 0; i < n; i++ {
		v, err := d.readObject(et, !d.Dynamic || et.Kind() != reflect.Interface)
		if err != nil {
			return reflect.Value{}, err
		}
		if err := assignValue(arr.Index(i), v); err != nil {
			return reflect.Value{}, err
		}
	}
	d.handles.set(h, arr)
	return d.resolveResult(h, arr)
}

func (d *Decoder) readPrimitiveArray(at reflect.Type, code byte, n int) (reflect.Value, error) {
	h := d.handles.assign(reflect.Value{})
	w := primitiveWidth(code)
	if at == nil {
		at = reflect.SliceOf(primitiveTypes[code])
	}
	if at.Elem().Kind() == reflect.Uint8 && code == CodeByte {
		b, err := d.readBytes(n)
		if err != nil {
			return reflect.Value{}, err
		}
		arr := reflect.ValueOf(b).Convert(at)
		d.handles.set(h, arr)
		return d.resolveResult(h, arr)
	}

	const chunk = 1 << 13
	arr := reflect.MakeSlice(at, 0, 0)
	buf := make([]byte, chunk*w)
	for done := 0; done < n; {
		c := n - done
		if c > chunk {
			c = chunk
		}
		if err := d.bin.readFull(buf[:c*w]); err != nil {
			return reflect.Value{}, eofIsUnexpected(err)
		}
		arr = reflect.AppendSlice(arr, reflect.MakeSlice(at, c, c))
		for i := 0; i < c; i++ {
			setPrimitive(arr.Index(done+i), code, buf[i*w:])
		}
		done += c
	}
	d.handles.set(h, arr)
	return d.resolveResult(h, arr)
}

func (d *Decoder) readOrdinaryObject(requireLocal bool) (reflect.Value, error) {
	d.bin.readRawByte()
	desc, err := d.readClassDesc()
	if err != nil {
		return reflect.Value{}, err
	}
	if desc == nil {
		return reflect.Value{}, ErrCorrupt{errNullClass}
	}
	if desc.isArray {
		return reflect.Value{}, ErrCorrupt{"object record with array class " + desc.name}
	}

	var obj, hv reflect.Value
	var generic *GenericObject
	switch {
	case desc.typ != nil:
		if obj, err = desc.newInstance(); err != nil {
			return reflect.Value{}, err
		}
		hv = obj
		if k := desc.typ.Kind(); k != reflect.Struct {
			hv = obj.Elem()
		}
	case desc.capability == RawCustom && desc.flags&scBlockData == 0:
		return reflect.Value{}, desc.unresolved()
	case d.Dynamic:
		generic = &GenericObject{Class: desc}
		hv = reflect.ValueOf(generic)
	case requireLocal:
		return reflect.Value{}, desc.unresolved()
	}

	h := d.handles.assign(hv)
	if desc.typ == nil && generic == nil {
		d.handles.fail(h, desc.unresolved())
	}

	if desc.capability == RawCustom {
		err = d.readExternalData(obj, desc, generic)
	} else {
		err = d.readSerialData(obj, desc, generic)
	}
	if err != nil {
		// the object is half read, even when a hook only passed on
		// optional data
		d.handles.fail(h, err)
		return reflect.Value{}, d.fail(err)
	}

	if desc.typ != nil {
		if hook := desc.hooks().ReadResolve; hook != nil {
			rep, err := hook(obj.Interface())
			if err != nil {
				return reflect.Value{}, err
			}
			hv = reflectValueOf(rep)
			d.handles.set(h, hv)
		}
	}
	return d.resolveResult(h, hv)
}

// resolveResult runs ResolveObject on a freshly read object and records
// the replacement in the handle table.
func (d *Decoder) resolveResult(h int, rv reflect.Value) (reflect.Value, error) {
	if !d.EnableResolve || d.ResolveObject == nil || !rv.IsValid() {
		return rv, nil
	}
	rep, err := d.ResolveObject(rv.Interface())
	if err != nil {
		return reflect.Value{}, err
	}
	rv = reflectValueOf(rep)
	d.handles.set(h, rv)
	return rv, nil
}

func (d *Decoder) readExternalData(obj reflect.Value, desc *ClassDesc, generic *GenericObject) error {
	oldCur := d.cur
	d.cur = nil
	defer func() { d.cur = oldCur }()

	var cd *ClassData
	if generic != nil {
		cd = generic.addClass(desc)
	}
	blocked := desc.flags&scBlockData != 0
	if blocked {
		d.bin.setBlockMode(true)
	}
	if obj.IsValid() {
		if err := desc.hooks().ReadExternal(obj.Interface(), d); err != nil {
			return err
		}
	}
	if blocked {
		return d.skipCustomData(cd)
	}
	return nil
}

// readSerialData reads each class part of the object, most ancestral
// first, mirroring writeSerialData.
func (d *Decoder) readSerialData(obj reflect.Value, desc *ClassDesc, generic *GenericObject) error {
	var root reflect.Value
	if obj.IsValid() {
		root = obj.Elem()
	}
	for i := range desc.slots {
		s := &desc.slots[i]
		sd := s.desc
		var cd *ClassData
		if generic != nil {
			cd = generic.addClass(sd)
		}

		switch {
		case !s.present || !root.IsValid():
			if err := d.defaultReadFields(reflect.Value{}, sd, cd); err != nil {
				return err
			}
		case s.local.hooks().ReadObject != nil:
			part := s.part(root)
			oldCur := d.cur
			d.cur = &readContext{part: part, desc: sd}
			d.bin.setBlockMode(true)
			err := s.local.hooks().ReadObject(part.Addr().Interface(), d)
			d.cur = oldCur
			d.dataEnd = false
			if err != nil {
				return err
			}
		default:
			if err := d.defaultReadFields(s.part(root), sd, nil); err != nil {
				return err
			}
		}

		if sd.flags&scWriteMethod != 0 {
			if err := d.skipCustomData(cd); err != nil {
				return err
			}
		} else if _, err := d.bin.setBlockMode(false); err != nil {
			return err
		}
	}
	return nil
}

// defaultReadFields reads the fields of sd into part, which may be invalid
// to discard them, and into cd when collecting dynamically.
func (d *Decoder) defaultReadFields(part reflect.Value, sd *ClassDesc, cd *ClassData) error {
	if sd.primSize > 0 {
		var small [64]byte
		buf := small[:0]
		if sd.primSize <= len(small) {
			buf = small[:sd.primSize]
		} else {
			buf = make([]byte, sd.primSize)
		}
		if err := d.bin.readFull(buf); err != nil {
			return eofIsUnexpected(err)
		}
		for _, f := range sd.fields {
			if !f.IsPrimitive() {
				continue
			}
			b := buf[f.offset:]
			if part.IsValid() && f.bound != nil {
				setPrimitive(f.bound.value(part), f.code, b)
			}
			if cd != nil {
				cd.Fields[f.name] = decodePrimitive(f.code, b).Interface()
			}
		}
	}

	for _, f := range sd.fields {
		if f.IsPrimitive() {
			continue
		}
		bound := part.IsValid() && f.bound != nil
		var hint reflect.Type
		require := false
		if bound {
			hint = f.bound.typ
			require = !d.Dynamic || hint.Kind() != reflect.Interface
		}
		v, err := d.readObject(hint, require)
		if err != nil {
			return err
		}
		if bound {
			if err := assignValue(f.bound.value(part), v); err != nil {
				return err
			}
		}
		if cd != nil {
			cd.Fields[f.name] = interfaceOf(v)
		}
	}
	return nil
}

// skipCustomData discards what is left of a hook's custom data up to and
// including the end marker, collecting it into cd when set.
func (d *Decoder) skipCustomData(cd *ClassData) error {
	for {
		if d.bin.blockMode {
			if cd != nil {
				for {
					b, err := d.bin.readBlock()
					if err != nil {
						return err
					}
					if b == nil {
						break
					}
					cd.Custom = append(cd.Custom, b)
				}
			} else if err := d.bin.skipBlockData(); err != nil {
				return err
			}
			d.bin.restoreMode(false)
		}
		tc, err := d.bin.peekByte()
		if err != nil {
			return eofIsUnexpected(err)
		}
		switch tc {
		case tcBlockData, tcBlockDataLong:
			d.bin.setBlockMode(true)
		case tcEndBlockData:
			d.bin.readRawByte()
			return nil
		default:
			v, err := d.readObject(nil, false)
			if err != nil {
				return err
			}
			if cd != nil {
				cd.Custom = append(cd.Custom, interfaceOf(v))
			}
		}
	}
}

func interfaceOf(v reflect.Value) any {
	if !v.IsValid() {
		return nil
	}
	return v.Interface()
}

// assignValue stores v, as read from the stream, into dst.
func assignValue(dst, v reflect.Value) error {
	dt := dst.Type()
	if !v.IsValid() {
		dst.Set(reflect.Zero(dt))
		return nil
	}
	vt := v.Type()
	switch {
	case vt.AssignableTo(dt):
		dst.Set(v)
		return nil
	case vt.Kind() == reflect.Ptr && vt.Elem().AssignableTo(dt):
		if v.IsNil() {
			dst.Set(reflect.Zero(dt))
		} else {
			dst.Set(v.Elem())
		}
		return nil
	case dt.Kind() == reflect.Ptr && vt.AssignableTo(dt.Elem()):
		p := reflect.New(dt.Elem())
		p.Elem().Set(v)
		dst.Set(p)
		return nil
	case dt.Kind() == reflect.Ptr && vt.ConvertibleTo(dt.Elem()) && sameScalar(vt, dt.Elem()):
		p := reflect.New(dt.Elem())
		p.Elem().Set(v.Convert(dt.Elem()))
		dst.Set(p)
		return nil
	case sameScalar(vt, dt) && vt.ConvertibleTo(dt):
		dst.Set(v.Convert(dt))
		return nil
	case vt.Kind() == reflect.Slice && dt.Kind() == reflect.Array:
		if v.Len() > dt.Len() {
			return ErrInvalidObject{fmt.Sprintf("%d elements do not fit %s", v.Len(), dt)}
		}
		for i := 0; i < v.Len(); i++ {
			if err := assignValue(dst.Index(i), v.Index(i)); err != nil {
				return err
			}
		}
		return nil
	case vt.Kind() == reflect.Slice && dt.Kind() == reflect.Slice:
		s := reflect.MakeSlice(dt, v.Len(), v.Len())
		for i := 0; i < v.Len(); i++ {
			if err := assignValue(s.Index(i), concrete(v.Index(i))); err != nil {
				return err
			}
		}
		dst.Set(s)
		return nil
	}
	return ErrInvalidClass{dt.String(), "cannot assign " + vt.String()}
}

// sameScalar reports whether a and b are scalars written with the same
// type code, or both strings.
func sameScalar(a, b reflect.Type) bool {
	if a.Kind() == reflect.String && b.Kind() == reflect.String {
		return true
	}
	ca, cb := primitiveCode(a.Kind()), primitiveCode(b.Kind())
	return ca != 0 && ca == cb
}

// RegisterValidation registers fn to run when the outermost ReadObject
// call returns successfully. Higher priorities run first. It may only be
// called while an object is being read.
func (d *Decoder) RegisterValidation(fn func() error, prio int) error {
	if d.depth == 0 {
		return ErrNotActive
	}
	if fn == nil {
		return ErrNilValidation
	}
	d.vlist = append(d.vlist, validation{fn: fn, prio: prio})
	return nil
}

func (d *Decoder) runValidations() error {
	list := d.vlist
	d.vlist = nil
	sort.SliceStable(list, func(i, j int) bool { return list[i].prio > list[j].prio })
	for _, v := range list {
		if err := v.fn(); err != nil {
			return err
		}
	}
	return nil
}

// DefaultReadObject reads the fields of the class part whose ReadObject
// hook is running.
func (d *Decoder) DefaultReadObject() error {
	if d.cur == nil {
		return ErrNotActive
	}
	oldMode, err := d.bin.setBlockMode(false)
	if err != nil {
		return err
	}
	err = d.defaultReadFields(d.cur.part, d.cur.desc, nil)
	d.bin.restoreMode(oldMode)
	if err != nil {
		return d.fail(err)
	}
	if d.cur.desc.flags&scWriteMethod == 0 {
		d.dataEnd = true
	}
	return nil
}

func (d *Decoder) readPrim(n int) ([]byte, error) {
	if err := d.start(); err != nil {
		return nil, err
	}
	b := d.scratch[:n]
	if err := d.bin.readFull(b); err != nil {
		return nil, err
	}
	return b, nil
}

// ReadBool reads a bool from block data. io.EOF means the custom data
// has ended.
func (d *Decoder) ReadBool() (bool, error) {
	b, err := d.readPrim(1)
	if err != nil {
		return false, err
	}
	return b[0] != 0, nil
}

// ReadInt8 reads a byte written by WriteInt8.
func (d *Decoder) ReadInt8() (int8, error) {
	b, err := d.readPrim(1)
	if err != nil {
		return 0, err
	}
	return int8(b[0]), nil
}

// ReadUint8 reads a byte written by WriteUint8.
func (d *Decoder) ReadUint8() (uint8, error) {
	b, err := d.readPrim(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// ReadInt16 reads a value written by WriteInt16.
func (d *Decoder) ReadInt16() (int16, error) {
	b, err := d.readPrim(2)
	if err != nil {
		return 0, err
	}
	return int16(primitiveBits(CodeShort, b)), nil
}

// ReadChar reads one UTF-16 code unit.
func (d *Decoder) ReadChar() (uint16, error) {
	b, err := d.readPrim(2)
	if err != nil {
		return 0, err
	}
	return uint16(primitiveBits(CodeChar, b)), nil
}

// ReadInt32 reads a value written by WriteInt32.
func (d *Decoder) ReadInt32() (int32, error) {
	b, err := d.readPrim(4)
	if err != nil {
		return 0, err
	}
	return int32(primitiveBits(CodeInt, b)), nil
}

// ReadInt64 reads a value written by WriteInt64.
func (d *Decoder) ReadInt64() (int64, error) {
	b, err := d.readPrim(8)
	if err != nil {
		return 0, err
	}
	return int64(primitiveBits(CodeLong, b)), nil
}

// ReadFloat32 reads a value written by WriteFloat32.
func (d *Decoder) ReadFloat32() (float32, error) {
	b, err := d.readPrim(4)
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(uint32(primitiveBits(CodeFloat, b))), nil
}

// ReadFloat64 reads a value written by WriteFloat64.
func (d *Decoder) ReadFloat64() (float64, error) {
	b, err := d.readPrim(8)
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(primitiveBits(CodeDouble, b)), nil
}

// ReadUTF reads a string written by WriteUTF.
func (d *Decoder) ReadUTF() (string, error) {
	b, err := d.readPrim(2)
	if err != nil {
		return "", err
	}
	n := int(primitiveBits(CodeChar, b))
	buf, err := d.readBytes(n)
	if err != nil {
		return "", err
	}
	return decodeUTF(buf)
}

// Read reads block data into p. It returns io.EOF at the end of the
// current custom data.
func (d *Decoder) Read(p []byte) (int, error) {
	if err := d.start(); err != nil {
		return 0, err
	}
	return d.bin.read(p)
}

// ReadFull fills p from block data.
func (d *Decoder) ReadFull(p []byte) error {
	if err := d.start(); err != nil {
		return err
	}
	return d.bin.readFull(p)
}

// SkipBytes discards up to n bytes of block data and returns how many
// were skipped.
func (d *Decoder) SkipBytes(n int) (int, error) {
	if err := d.start(); err != nil {
		return 0, err
	}
	var buf [256]byte
	skipped := 0
	for skipped < n {
		c := n - skipped
		if c > len(buf) {
			c = len(buf)
		}
		m, err := d.bin.read(buf[:c])
		skipped += m
		if err == io.EOF {
			return skipped, nil
		}
		if err != nil {
			return skipped, err
		}
	}
	return skipped, nil
}

// Available returns the number of bytes readable without blocking on a
// record boundary.
func (d *Decoder) Available() (int, error) {
	if err := d.start(); err != nil {
		return 0, err
	}
	return d.bin.available()
}
