package objstream

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"reflect"
	"strings"
	"testing"

	"github.com/davecgh/go-spew/spew"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodeAll(t *testing.T, r *Registry, vs ...any) []byte {
	t.Helper()
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	enc.Registry = r
	for _, v := range vs {
		if err := enc.WriteObject(v); err != nil {
			t.Fatalf("WriteObject: %v\n%s", err, spew.Sdump(v))
		}
	}
	require.NoError(t, enc.Flush())
	return buf.Bytes()
}

func newTestDecoder(r *Registry, b []byte) *Decoder {
	dec := NewDecoder(bytes.NewReader(b))
	dec.Registry = r
	return dec
}

func TestRoundtripValues(t *testing.T) {
	var tests = []struct {
		name string
		in   any
		want any
	}{
		{"nil", nil, nil},
		{"bool", true, true},
		{"int", 42, 42},
		{"int8", int8(-3), int8(-3)},
		{"uint16", uint16(7), uint16(7)},
		{"int64", int64(-1 << 40), int64(-1 << 40)},
		{"uint64", uint64(1 << 63), uint64(1 << 63)},
		{"float32", float32(2.5), float32(2.5)},
		{"float64", -0.125, -0.125},
		{"string", "hello", "hello"},
		{"empty string", "", ""},
		{"unicode string", "héllo €😀", "héllo €😀"},
		{"bytes", []byte{1, 2, 3}, []byte{1, 2, 3}},
		{"int32 slice", []int32{1, -2}, []int32{1, -2}},
		// arrays of primitives decode to the canonical element type
		{"int slice", []int{1, 2}, []int64{1, 2}},
		{"fixed array", [2]bool{true, false}, []bool{true, false}},
		{"string slice", []string{"a", "b", "a"}, []string{"a", "b", "a"}},
		{"mixed slice", []any{nil, "A", int32(1)}, []any{nil, "A", int32(1)}},
		{"nested slices", [][]int16{{1}, {2, 3}}, [][]int16{{1}, {2, 3}}},
		{"map", map[string]int{"a": 1, "b": 2}, map[string]int{"a": 1, "b": 2}},
		{"empty map", map[int32]string{}, map[int32]string{}},
		{"map of any", map[string]any{"x": []any{int32(1)}, "y": nil}, map[string]any{"x": []any{int32(1)}, "y": nil}},
	}

	r := NewRegistry()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := encodeAll(t, r, tt.in)
			got, err := newTestDecoder(r, b).ReadObject()
			require.NoError(t, err)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("roundtrip mismatch (-want +got):\n%s\nin=%s", diff, spew.Sdump(tt.in))
			}
		})
	}
}

func TestStreamHeader(t *testing.T) {
	b := encodeAll(t, NewRegistry())
	require.Equal(t, []byte{0xac, 0xed, 0x00, 0x05}, b)

	_, err := newTestDecoder(NewRegistry(), b).ReadObject()
	require.Equal(t, io.EOF, err)
}

func TestNullAndStringHandles(t *testing.T) {
	r := NewRegistry()
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	enc.Registry = r
	require.NoError(t, enc.WriteObject([]any{nil, "A"}))
	require.NoError(t, enc.Flush())

	// descriptor, array and string each take a handle; null does not
	require.Equal(t, 3, enc.handles.size())

	b := buf.Bytes()
	require.Equal(t, []byte{0xac, 0xed, 0x00, 0x05, tcArray, tcClassDesc}, b[:6])
	tail := []byte{0, 0, 0, 2, tcNull, tcString, 0, 1, 'A'}
	require.True(t, bytes.HasSuffix(b, tail), "% x", b)

	dec := newTestDecoder(r, b)
	got, err := dec.ReadObject()
	require.NoError(t, err)
	require.Equal(t, []any{nil, "A"}, got)
	require.Equal(t, 3, dec.handles.size())
	e, ok := dec.handles.resolve(2)
	require.True(t, ok)
	require.Equal(t, "A", e.v.Interface())
}

func TestRepeatedObjectsAreReferences(t *testing.T) {
	r := NewRegistry()
	s := strings.Repeat("x", 100)
	once := encodeAll(t, r, s)
	twice := encodeAll(t, r, s, s)

	// the second write is a five byte reference
	require.Equal(t, len(once)+5, len(twice))
	require.Equal(t, []byte{tcReference, 0x00, 0x7e, 0x00, 0x00}, twice[len(once):])

	dec := newTestDecoder(r, twice)
	for i := 0; i < 2; i++ {
		got, err := dec.ReadObject()
		require.NoError(t, err)
		require.Equal(t, s, got)
	}
}

type node struct {
	Name string
	Next *node
	Peer *node
}

func TestSharedAndCyclicReferences(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(node{}))

	a := &node{Name: "a"}
	b := &node{Name: "b"}
	a.Next, a.Peer = b, b
	b.Next = a

	got, err := newTestDecoder(r, encodeAll(t, r, a)).ReadObject()
	require.NoError(t, err)
	ga, ok := got.(*node)
	require.True(t, ok, "%T", got)

	require.Equal(t, "a", ga.Name)
	require.Equal(t, "b", ga.Next.Name)
	require.Same(t, ga.Next, ga.Peer)
	require.Same(t, ga, ga.Next.Next)
	require.Nil(t, ga.Next.Peer)
}

func TestSelfReferencingSlice(t *testing.T) {
	r := NewRegistry()
	s := make([]any, 2)
	s[0] = "x"
	s[1] = s

	got, err := newTestDecoder(r, encodeAll(t, r, s)).ReadObject()
	require.NoError(t, err)
	gs := got.([]any)
	require.Len(t, gs, 2)
	require.Equal(t, "x", gs[0])
	inner := gs[1].([]any)
	require.Equal(t, reflect.ValueOf(gs).Pointer(), reflect.ValueOf(inner).Pointer())
}

func TestDecodeInto(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(node{}))

	b := encodeAll(t, r, []int{1, 2, 3}, 7, &node{Name: "n"}, &node{Name: "m"}, "s")
	dec := newTestDecoder(r, b)

	var ints []int
	require.NoError(t, dec.Decode(&ints))
	require.Equal(t, []int{1, 2, 3}, ints)

	var wide int64
	require.NoError(t, dec.Decode(&wide))
	require.Equal(t, int64(7), wide)

	var n node
	require.NoError(t, dec.Decode(&n))
	require.Equal(t, "n", n.Name)

	var np *node
	require.NoError(t, dec.Decode(&np))
	require.Equal(t, "m", np.Name)

	var wrong int32
	err := dec.Decode(&wrong)
	var ic ErrInvalidClass
	require.ErrorAs(t, err, &ic)

	require.Equal(t, ErrNotPointer, dec.Decode(n))
}

func TestClassValues(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(node{}))
	desc, err := r.Lookup(reflect.TypeOf(node{}))
	require.NoError(t, err)

	b := encodeAll(t, r, reflect.TypeOf(node{}), desc)
	dec := newTestDecoder(r, b)

	got, err := dec.ReadObject()
	require.NoError(t, err)
	require.Equal(t, reflect.TypeOf(node{}), got)

	got, err = dec.ReadObject()
	require.NoError(t, err)
	gd, ok := got.(*ClassDesc)
	require.True(t, ok, "%T", got)
	require.Equal(t, desc.Name(), gd.Name())
	require.Equal(t, desc.Fingerprint(), gd.Fingerprint())
	require.Same(t, desc, gd.local)
}

type pointV1 struct {
	X, Y  int32
	Label string
}

type pointV2 struct {
	X, Y int32
	Z    int32
}

type pointWide struct {
	X, Y int64
}

func TestFieldEvolution(t *testing.T) {
	r1 := NewRegistry()
	require.NoError(t, r1.Register(pointV1{}, WithName("geo.Point"), WithFingerprint(7)))
	r2 := NewRegistry()
	require.NoError(t, r2.Register(pointV2{}, WithName("geo.Point"), WithFingerprint(7)))

	// removed fields are skipped, added fields keep their zero value
	got, err := newTestDecoder(r2, encodeAll(t, r1, &pointV1{X: 1, Y: 2, Label: "p"})).ReadObject()
	require.NoError(t, err)
	require.Equal(t, &pointV2{X: 1, Y: 2}, got)

	got, err = newTestDecoder(r1, encodeAll(t, r2, &pointV2{X: 3, Y: 4, Z: 5})).ReadObject()
	require.NoError(t, err)
	require.Equal(t, &pointV1{X: 3, Y: 4}, got)
}

func TestFingerprintMismatch(t *testing.T) {
	r1 := NewRegistry()
	require.NoError(t, r1.Register(pointV1{}, WithName("geo.Point")))
	r2 := NewRegistry()
	require.NoError(t, r2.Register(pointV2{}, WithName("geo.Point")))

	dec := newTestDecoder(r2, encodeAll(t, r1, &pointV1{X: 1}))
	_, err := dec.ReadObject()
	var ic ErrInvalidClass
	require.ErrorAs(t, err, &ic)
	assert.Contains(t, ic.Err, "local class incompatible")

	// fatal: the stream cannot be trusted any more
	_, err = dec.ReadObject()
	require.ErrorIs(t, err, ErrStreamBroken)
}

func TestFieldTypeMismatch(t *testing.T) {
	r1 := NewRegistry()
	require.NoError(t, r1.Register(pointV2{}, WithName("geo.Point"), WithFingerprint(7)))
	r2 := NewRegistry()
	require.NoError(t, r2.Register(pointWide{}, WithName("geo.Point"), WithFingerprint(7)))

	_, err := newTestDecoder(r2, encodeAll(t, r1, &pointV2{X: 1})).ReadObject()
	var ic ErrInvalidClass
	require.ErrorAs(t, err, &ic)
	assert.Equal(t, "incompatible types for field X", ic.Err)
}

type FlatPlace struct{ X, Y int32 }

type Origin struct{ Ready bool }

func (o *Origin) InitObject() error {
	o.Ready = true
	return nil
}

type Placed struct {
	Origin
	X, Y int32
}

func TestNonSerializableAncestorKeepsFingerprint(t *testing.T) {
	r1 := NewRegistry()
	require.NoError(t, r1.Register(FlatPlace{}, WithName("geo.Placed")))
	r2 := NewRegistry()
	require.NoError(t, r2.Register(Placed{}, WithName("geo.Placed")))

	d1, err := r1.Lookup(reflect.TypeOf(FlatPlace{}))
	require.NoError(t, err)
	d2, err := r2.Lookup(reflect.TypeOf(Placed{}))
	require.NoError(t, err)
	require.Equal(t, d1.Fingerprint(), d2.Fingerprint())
	require.Nil(t, d2.Super())

	got, err := newTestDecoder(r2, encodeAll(t, r1, &FlatPlace{X: 1, Y: 2})).ReadObject()
	require.NoError(t, err)
	require.Equal(t, &Placed{Origin: Origin{Ready: true}, X: 1, Y: 2}, got)
}

type Shape struct{ Color string }

type Circle struct {
	Shape
	Radius float64
}

func TestSerializableAncestor(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Shape{}))
	require.NoError(t, r.Register(Circle{}))

	d, err := r.Lookup(reflect.TypeOf(Circle{}))
	require.NoError(t, err)
	require.NotNil(t, d.Super())
	require.Equal(t, className(reflect.TypeOf(Shape{})), d.Super().Name())

	c := &Circle{Shape: Shape{Color: "red"}, Radius: 1.5}
	got, err := newTestDecoder(r, encodeAll(t, r, c)).ReadObject()
	require.NoError(t, err)
	require.Equal(t, c, got)
}

type journal struct {
	Title   string
	entries []string
	trailer string

	probe, end *ErrOptionalData
}

func (j *journal) WriteObject(enc *Encoder) error {
	if err := enc.DefaultWriteObject(); err != nil {
		return err
	}
	if err := enc.WriteInt32(int32(len(j.entries))); err != nil {
		return err
	}
	for _, e := range j.entries {
		if err := enc.WriteObject(e); err != nil {
			return err
		}
	}
	return enc.WriteUTF(j.trailer)
}

func (j *journal) ReadObject(dec *Decoder) error {
	if err := dec.DefaultReadObject(); err != nil {
		return err
	}
	n, err := dec.ReadInt32()
	if err != nil {
		return err
	}
	for i := int32(0); i < n; i++ {
		v, err := dec.ReadObject()
		if err != nil {
			return err
		}
		j.entries = append(j.entries, v.(string))
	}
	if _, err := dec.ReadObject(); !errors.As(err, &j.probe) {
		return fmt.Errorf("expected optional data, got %v", err)
	}
	if j.trailer, err = dec.ReadUTF(); err != nil {
		return err
	}
	if _, err := dec.ReadObject(); !errors.As(err, &j.end) {
		return fmt.Errorf("expected end of data, got %v", err)
	}
	if _, err := dec.ReadInt32(); err != io.EOF {
		return fmt.Errorf("expected io.EOF past the data, got %v", err)
	}
	return nil
}

func TestCustomDataFraming(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(journal{}))

	in := &journal{Title: "log", entries: []string{"one", "two", "one"}, trailer: "end"}
	b := encodeAll(t, r, in, "after")
	dec := newTestDecoder(r, b)

	got, err := dec.ReadObject()
	require.NoError(t, err)
	j := got.(*journal)
	require.Equal(t, "log", j.Title)
	require.Equal(t, in.entries, j.entries)
	require.Equal(t, "end", j.trailer)
	require.Equal(t, &ErrOptionalData{Length: 5}, j.probe)
	require.Equal(t, &ErrOptionalData{EOF: true}, j.end)

	got, err = dec.ReadObject()
	require.NoError(t, err)
	require.Equal(t, "after", got)
}

type lazyReader struct{ Name string }

func (l *lazyReader) WriteObject(enc *Encoder) error {
	if err := enc.DefaultWriteObject(); err != nil {
		return err
	}
	for i := 0; i < 3; i++ {
		if err := enc.WriteObject(fmt.Sprint("extra", i)); err != nil {
			return err
		}
		if err := enc.WriteInt64(int64(i)); err != nil {
			return err
		}
	}
	return nil
}

func (l *lazyReader) ReadObject(dec *Decoder) error {
	return dec.DefaultReadObject()
}

func TestUnreadCustomDataIsSkipped(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(lazyReader{}))

	dec := newTestDecoder(r, encodeAll(t, r, []any{&lazyReader{Name: "a"}, "next"}))
	got, err := dec.ReadObject()
	require.NoError(t, err)
	s := got.([]any)
	require.Equal(t, &lazyReader{Name: "a"}, s[0])
	require.Equal(t, "next", s[1])
}

func TestHooksOutsideCustomData(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	require.Equal(t, ErrNotActive, enc.DefaultWriteObject())

	dec := NewDecoder(bytes.NewReader(nil))
	require.Equal(t, ErrNotActive, dec.DefaultReadObject())
	require.Equal(t, ErrNotActive, dec.RegisterValidation(func() error { return nil }, 0))
}

type holder struct {
	Name    string
	Payload any
}

func TestWriteAbortedHandshake(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(holder{}))

	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	enc.Registry = r
	require.NoError(t, enc.WriteObject(&holder{Name: "ok", Payload: int32(1)}))

	err := enc.WriteObject(&holder{Name: "bad", Payload: make(chan int)})
	var ns ErrNotSerializable
	require.ErrorAs(t, err, &ns)
	require.Equal(t, "chan int", ns.Type)

	require.ErrorIs(t, enc.WriteObject("refused"), ErrStreamBroken)
	require.NoError(t, enc.Reset())
	require.NoError(t, enc.WriteObject("after"))
	require.NoError(t, enc.Flush())

	dec := newTestDecoder(r, buf.Bytes())
	got, err := dec.ReadObject()
	require.NoError(t, err)
	require.Equal(t, &holder{Name: "ok", Payload: int32(1)}, got)

	_, err = dec.ReadObject()
	var wa ErrWriteAborted
	require.ErrorAs(t, err, &wa)
	var rf *RemoteFault
	require.ErrorAs(t, err, &rf)
	assert.Equal(t, "objstream.ErrNotSerializable", rf.Class)
	assert.Contains(t, rf.Message, "chan int")

	// not fatal on the reading side
	got, err = dec.ReadObject()
	require.NoError(t, err)
	require.Equal(t, "after", got)
}

type resetter struct{ N int32 }

func (r *resetter) WriteObject(enc *Encoder) error {
	return enc.Reset()
}

func TestResetWhileWriting(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(resetter{}))

	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	enc.Registry = r
	require.ErrorIs(t, enc.WriteObject(&resetter{}), ErrResetActive)
}

type rawThing struct{ N int32 }

func TestResetInsideObjectIsCorrupt(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(rawThing{}, WithExternal(
		func(v *rawThing, enc *Encoder) error {
			_, err := enc.Write([]byte{tcReset})
			return err
		},
		func(v *rawThing, dec *Decoder) error {
			_, err := dec.ReadObject()
			return err
		},
	)))

	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	enc.Registry = r
	enc.LegacyExternalData = true
	require.NoError(t, enc.WriteObject(&rawThing{}))
	require.NoError(t, enc.Flush())

	dec := newTestDecoder(r, buf.Bytes())
	_, err := dec.ReadObject()
	require.Equal(t, ErrCorrupt{errResetNested}, err)
	_, err = dec.ReadObject()
	require.ErrorIs(t, err, ErrStreamBroken)
}

func TestCorruptStreams(t *testing.T) {
	hdr := []byte{0xac, 0xed, 0x00, 0x05}
	with := func(b ...byte) []byte { return append(append([]byte(nil), hdr...), b...) }

	var tests = []struct {
		name string
		in   []byte
		want error
	}{
		{"empty", nil, io.EOF},
		{"header only", hdr, io.EOF},
		{"bad magic", []byte{0xca, 0xfe, 0x00, 0x05}, ErrBadHeader},
		{"bad version", []byte{0xac, 0xed, 0x00, 0x04}, ErrBadVersion},
		{"short header", []byte{0xac}, ErrBadHeader},
		{"unknown tag", with(0x6f), ErrCorrupt{fmt.Sprintf("%s %#02x", errBadTag, 0x6f)}},
		{"bad handle", with(tcReference, 0x00, 0x7e, 0x00, 0x05), ErrCorrupt{fmt.Sprintf("%s: %#x", errBadHandle, 0x7e0005)}},
		{"negative block", with(tcBlockDataLong, 0xff, 0xff, 0xff, 0xff), ErrCorrupt{errNegativeBlock}},
		{"truncated string", with(tcString, 0x00, 0x05, 'a'), io.ErrUnexpectedEOF},
		{"truncated tag", with(tcObject), io.ErrUnexpectedEOF},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newTestDecoder(NewRegistry(), tt.in).ReadObject()
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestOptionalDataAtTopLevel(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	require.NoError(t, enc.WriteInt32(9))
	require.NoError(t, enc.WriteObject("s"))
	require.NoError(t, enc.Flush())

	dec := NewDecoder(&buf)
	_, err := dec.ReadObject()
	require.Equal(t, &ErrOptionalData{Length: 4}, err)

	n, err := dec.Available()
	require.NoError(t, err)
	require.Equal(t, 4, n)
	v, err := dec.ReadInt32()
	require.NoError(t, err)
	require.Equal(t, int32(9), v)

	got, err := dec.ReadObject()
	require.NoError(t, err)
	require.Equal(t, "s", got)
}

func TestPrimitiveData(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	require.NoError(t, enc.WriteBool(true))
	require.NoError(t, enc.WriteInt8(-1))
	require.NoError(t, enc.WriteUint8(200))
	require.NoError(t, enc.WriteInt16(-300))
	require.NoError(t, enc.WriteChar('é'))
	require.NoError(t, enc.WriteInt32(-70000))
	require.NoError(t, enc.WriteInt64(1<<40))
	require.NoError(t, enc.WriteFloat32(1.5))
	require.NoError(t, enc.WriteFloat64(-2.25))
	require.NoError(t, enc.WriteUTF("ünï"))
	_, err := enc.Write([]byte{1, 2, 3})
	require.NoError(t, err)
	require.Equal(t, ErrStringTooLong, enc.WriteUTF(strings.Repeat("€", 30000)))
	require.NoError(t, enc.Flush())

	dec := NewDecoder(&buf)
	bv, err := dec.ReadBool()
	require.NoError(t, err)
	assert.True(t, bv)
	i8, _ := dec.ReadInt8()
	assert.Equal(t, int8(-1), i8)
	u8, _ := dec.ReadUint8()
	assert.Equal(t, uint8(200), u8)
	i16, _ := dec.ReadInt16()
	assert.Equal(t, int16(-300), i16)
	c, _ := dec.ReadChar()
	assert.Equal(t, uint16('é'), c)
	i32, _ := dec.ReadInt32()
	assert.Equal(t, int32(-70000), i32)
	i64, _ := dec.ReadInt64()
	assert.Equal(t, int64(1<<40), i64)
	f32, _ := dec.ReadFloat32()
	assert.Equal(t, float32(1.5), f32)
	f64, _ := dec.ReadFloat64()
	assert.Equal(t, -2.25, f64)
	s, err := dec.ReadUTF()
	require.NoError(t, err)
	assert.Equal(t, "ünï", s)

	n, err := dec.SkipBytes(10)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	_, err = dec.ReadBool()
	assert.Equal(t, io.EOF, err)
}

type ledger struct{ Name string }

func TestValidationOrder(t *testing.T) {
	var order []string
	fail := false
	r := NewRegistry()
	require.NoError(t, r.Register(ledger{}, WithReadObject(func(v *ledger, dec *Decoder) error {
		if err := dec.DefaultReadObject(); err != nil {
			return err
		}
		add := func(name string, prio int) {
			require.NoError(t, dec.RegisterValidation(func() error {
				order = append(order, v.Name+":"+name)
				if fail && name == "mid" {
					return ErrInvalidObject{"rejected"}
				}
				return nil
			}, prio))
		}
		add("low", 1)
		add("high", 10)
		add("mid", 5)
		add("mid2", 5)
		require.Equal(t, ErrNilValidation, dec.RegisterValidation(nil, 0))
		return nil
	})))

	dec := newTestDecoder(r, encodeAll(t, r, []any{&ledger{Name: "a"}, &ledger{Name: "b"}}, &ledger{Name: "c"}, "ok"))
	_, err := dec.ReadObject()
	require.NoError(t, err)
	// validations wait for the outermost object
	require.Equal(t, []string{"a:high", "b:high", "a:mid", "a:mid2", "b:mid", "b:mid2", "a:low", "b:low"}, order)

	order = nil
	fail = true
	_, err = dec.ReadObject()
	require.Equal(t, ErrInvalidObject{"rejected"}, err)
	require.Equal(t, []string{"c:high", "c:mid"}, order)

	// a failed validation leaves the stream usable
	got, err := dec.ReadObject()
	require.NoError(t, err)
	require.Equal(t, "ok", got)
}

func TestDepthLimit(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(node{}))
	var head *node
	for i := 0; i < 10; i++ {
		head = &node{Name: fmt.Sprint(i), Next: head}
	}

	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	enc.Registry = r
	enc.MaxDepth = 3
	require.ErrorIs(t, enc.WriteObject(head), ErrDepthExceeded)

	dec := newTestDecoder(r, encodeAll(t, r, head))
	dec.MaxDepth = 3
	_, err := dec.ReadObject()
	require.ErrorIs(t, err, ErrDepthExceeded)
}

type secret struct{ Code int32 }

type wrapperV1 struct {
	Note  string
	Extra *secret
}

type wrapperV2 struct {
	Note string
}

func TestUnknownClassInRemovedField(t *testing.T) {
	r1 := NewRegistry()
	require.NoError(t, r1.Register(secret{}))
	require.NoError(t, r1.Register(wrapperV1{}, WithName("app.Wrapper"), WithFingerprint(1)))
	r2 := NewRegistry()
	require.NoError(t, r2.Register(wrapperV2{}, WithName("app.Wrapper"), WithFingerprint(1)))

	in := &wrapperV1{Note: "n", Extra: &secret{Code: 9}}
	dec := newTestDecoder(r2, encodeAll(t, r1, in, in.Extra))

	got, err := dec.ReadObject()
	require.NoError(t, err)
	require.Equal(t, &wrapperV2{Note: "n"}, got)

	// a reference to the unresolvable object is an error once it is needed
	_, err = dec.ReadObject()
	var cnf ErrClassNotFound
	require.ErrorAs(t, err, &cnf)
	require.Equal(t, className(reflect.TypeOf(secret{})), cnf.Class)
}

type invoice struct {
	ID    int64
	Lines []string
	Total float64
	Owner *node
}

func TestDynamicDecoding(t *testing.T) {
	r1 := NewRegistry()
	require.NoError(t, r1.Register(invoice{}))
	require.NoError(t, r1.Register(node{}))
	b := encodeAll(t, r1, &invoice{ID: 12, Lines: []string{"a", "b"}, Total: 9.5, Owner: &node{Name: "o"}})

	_, err := newTestDecoder(NewRegistry(), b).ReadObject()
	var cnf ErrClassNotFound
	require.ErrorAs(t, err, &cnf)

	dec := newTestDecoder(NewRegistry(), b)
	dec.Dynamic = true
	got, err := dec.ReadObject()
	require.NoError(t, err)
	g, ok := got.(*GenericObject)
	require.True(t, ok, "%T", got)
	require.Equal(t, className(reflect.TypeOf(invoice{})), g.Class.Name())
	require.Len(t, g.Data, 1)

	for name, want := range map[string]any{
		"ID":    int64(12),
		"Lines": []string{"a", "b"},
		"Total": 9.5,
	} {
		v, ok := g.Field(name)
		require.True(t, ok, name)
		require.Equal(t, want, v, name)
	}
	owner, _ := g.Field("Owner")
	og := owner.(*GenericObject)
	name, _ := og.Field("Name")
	require.Equal(t, "o", name)
	_, ok = g.Field("Missing")
	require.False(t, ok)

	assert.Contains(t, g.String(), "Owner: <"+className(reflect.TypeOf(node{}))+">")
}

type celsius struct{ Deg int32 }

func (c *celsius) WriteReplace() (any, error) {
	return &kelvinProxy{K: c.Deg + 273}, nil
}

type kelvinProxy struct{ K int32 }

func (k *kelvinProxy) ReadResolve() (any, error) {
	return &celsius{Deg: k.K - 273}, nil
}

func TestReplaceAndResolveHooks(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(celsius{}))
	require.NoError(t, r.Register(kelvinProxy{}))

	c := &celsius{Deg: 20}
	b := encodeAll(t, r, []any{c, c})
	require.True(t, bytes.Contains(b, []byte(className(reflect.TypeOf(kelvinProxy{})))))

	got, err := newTestDecoder(r, b).ReadObject()
	require.NoError(t, err)
	s := got.([]any)
	require.Equal(t, &celsius{Deg: 20}, s[0])
	require.Same(t, s[0], s[1])
}

func TestStreamReplaceAndResolve(t *testing.T) {
	r := NewRegistry()
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	enc.Registry = r
	enc.EnableReplace = true
	enc.ReplaceObject = func(v any) (any, error) {
		if v == "secret" {
			return "***", nil
		}
		return v, nil
	}
	require.NoError(t, enc.WriteObject([]any{"a", "secret"}))
	require.NoError(t, enc.Flush())

	dec := newTestDecoder(r, buf.Bytes())
	dec.EnableResolve = true
	dec.ResolveObject = func(v any) (any, error) {
		if s, ok := v.(string); ok {
			return strings.ToUpper(s), nil
		}
		return v, nil
	}
	got, err := dec.ReadObject()
	require.NoError(t, err)
	require.Equal(t, []any{"A", "***"}, got)
}

type blob struct {
	data []byte
	seen int
}

func (b *blob) WriteExternal(enc *Encoder) error {
	if err := enc.WriteInt32(int32(len(b.data))); err != nil {
		return err
	}
	_, err := enc.Write(b.data)
	return err
}

func (b *blob) ReadExternal(dec *Decoder) error {
	n, err := dec.ReadInt32()
	if err != nil {
		return err
	}
	// only the first half is kept; the rest is skipped by the decoder
	b.data = make([]byte, n/2)
	b.seen = int(n)
	return dec.ReadFull(b.data)
}

func TestExternalData(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(blob{}))
	d, err := r.Lookup(reflect.TypeOf(blob{}))
	require.NoError(t, err)
	require.Equal(t, RawCustom, d.Capability())
	require.True(t, d.HasBlockExternalData())

	in := &blob{data: bytes.Repeat([]byte{7}, 2000)}
	dec := newTestDecoder(r, encodeAll(t, r, in, "tail"))
	got, err := dec.ReadObject()
	require.NoError(t, err)
	gb := got.(*blob)
	require.Equal(t, 2000, gb.seen)
	require.Equal(t, in.data[:1000], gb.data)

	got, err = dec.ReadObject()
	require.NoError(t, err)
	require.Equal(t, "tail", got)
}

func TestExternalDataLegacy(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(rawThing{}, WithExternal(
		func(v *rawThing, enc *Encoder) error { return enc.WriteInt32(v.N) },
		func(v *rawThing, dec *Decoder) error {
			var err error
			v.N, err = dec.ReadInt32()
			return err
		},
	)))

	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	enc.Registry = r
	enc.LegacyExternalData = true
	require.NoError(t, enc.WriteObject(&rawThing{N: 5}))
	require.NoError(t, enc.WriteObject("tail"))
	require.NoError(t, enc.Flush())

	dec := newTestDecoder(r, buf.Bytes())
	got, err := dec.ReadObject()
	require.NoError(t, err)
	require.Equal(t, &rawThing{N: 5}, got)

	got, err = dec.ReadObject()
	require.NoError(t, err)
	require.Equal(t, "tail", got)
}

func TestClassAnnotations(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(node{}))

	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	enc.Registry = r
	enc.AnnotateClass = func(enc *Encoder, desc *ClassDesc) error {
		if err := enc.WriteUTF("codebase:" + desc.Name()); err != nil {
			return err
		}
		return enc.WriteObject(fmt.Sprint(len(desc.Fields())))
	}
	require.NoError(t, enc.WriteObject(&node{Name: "x"}))
	require.NoError(t, enc.Flush())

	var notes []string
	dec := newTestDecoder(r, buf.Bytes())
	dec.ResolveClass = func(dec *Decoder, desc *ClassDesc) (reflect.Type, error) {
		s, err := dec.ReadUTF()
		if err != nil {
			return nil, err
		}
		n, err := dec.ReadObject()
		if err != nil {
			return nil, err
		}
		notes = append(notes, fmt.Sprint(s, "/", n))
		return nil, nil
	}
	got, err := dec.ReadObject()
	require.NoError(t, err)
	require.Equal(t, &node{Name: "x"}, got)
	require.Equal(t, []string{"codebase:" + className(reflect.TypeOf(node{})) + "/3"}, notes)
}

func TestNotSerializable(t *testing.T) {
	type unregistered struct{ A int }
	var tests = []any{
		&unregistered{},
		make(chan int),
		func() {},
		[]any{new(**int)},
	}

	for _, v := range tests {
		var buf bytes.Buffer
		err := NewEncoder(&buf).WriteObject(v)
		var ns ErrNotSerializable
		assert.ErrorAs(t, err, &ns, "%T", v)
	}
}

func TestBrokenStreamStaysBroken(t *testing.T) {
	in := []byte{0xac, 0xed, 0x00, 0x05, tcReference, 0x00, 0x7e, 0x00, 0x09}
	dec := newTestDecoder(NewRegistry(), in)

	_, err := dec.ReadObject()
	require.Equal(t, ErrCorrupt{fmt.Sprintf("%s: %#x", errBadHandle, 0x7e0009)}, err)

	_, err = dec.ReadObject()
	require.ErrorIs(t, err, ErrStreamBroken)
	var s string
	require.ErrorIs(t, dec.Decode(&s), ErrStreamBroken)
	_, err = dec.ReadInt32()
	require.ErrorIs(t, err, ErrStreamBroken)
}

func TestPrimitiveDataAcrossReset(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	require.NoError(t, enc.WriteInt32(1))
	require.NoError(t, enc.WriteObject("x"))
	require.NoError(t, enc.Reset())
	require.NoError(t, enc.WriteInt32(2))
	require.NoError(t, enc.WriteObject("x"))
	require.NoError(t, enc.Flush())

	dec := NewDecoder(&buf)
	v, err := dec.ReadInt32()
	require.NoError(t, err)
	require.Equal(t, int32(1), v)
	s, err := dec.ReadObject()
	require.NoError(t, err)
	require.Equal(t, "x", s)

	// the reset is consumed between the blocks and clears the handles
	v, err = dec.ReadInt32()
	require.NoError(t, err)
	require.Equal(t, int32(2), v)
	require.Equal(t, 0, dec.handles.size())
	s, err = dec.ReadObject()
	require.NoError(t, err)
	require.Equal(t, "x", s)

	_, err = dec.ReadInt32()
	require.Equal(t, io.EOF, err)
}

type tally struct{ N int32 }

func TestResetInsideCustomDataIsCorrupt(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(tally{}, WithWriteObject(func(v *tally, enc *Encoder) error {
		return enc.WriteInt32(v.N)
	}), WithReadObject(func(v *tally, dec *Decoder) error {
		var err error
		if v.N, err = dec.ReadInt32(); err != nil {
			return err
		}
		_, err = dec.ReadInt32()
		return err
	})))

	b := encodeAll(t, r, &tally{N: 3})
	// put a reset between the hook's block and its end marker
	end := bytes.LastIndexByte(b, tcEndBlockData)
	require.Positive(t, end)
	b = append(b[:end:end], append([]byte{tcReset, tcBlockData, 4, 0, 0, 0, 1}, b[end:]...)...)

	dec := newTestDecoder(r, b)
	_, err := dec.ReadObject()
	require.Equal(t, ErrCorrupt{errResetNested}, err)
}

type quitter struct{ N int32 }

func TestOptionalDataReturnedByHookIsFatal(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(quitter{}, WithWriteObject(func(v *quitter, enc *Encoder) error {
		return enc.WriteInt32(v.N)
	}), WithReadObject(func(v *quitter, dec *Decoder) error {
		// wants an object but only primitive data is left
		_, err := dec.ReadObject()
		return err
	})))

	dec := newTestDecoder(r, encodeAll(t, r, &quitter{N: 1}, "after"))
	_, err := dec.ReadObject()
	var od *ErrOptionalData
	require.ErrorAs(t, err, &od)
	require.Equal(t, 4, od.Length)

	_, err = dec.ReadObject()
	require.ErrorIs(t, err, ErrStreamBroken)
	_, err = dec.Available()
	require.ErrorIs(t, err, ErrStreamBroken)
}

func TestLongSelfReferencingSlice(t *testing.T) {
	r := NewRegistry()
	s := make([]any, 70000)
	s[0] = "first"
	s[len(s)-1] = s

	got, err := newTestDecoder(r, encodeAll(t, r, s)).ReadObject()
	require.NoError(t, err)
	gs := got.([]any)
	require.Len(t, gs, len(s))
	require.Equal(t, "first", gs[0])
	inner := gs[len(gs)-1].([]any)
	require.Len(t, inner, len(s))
	require.Equal(t, reflect.ValueOf(gs).Pointer(), reflect.ValueOf(inner).Pointer())
}

func TestLongString(t *testing.T) {
	// NUL takes two bytes and the emoji a surrogate pair of three each
	s := strings.Repeat("a\x00😀", 10000)
	require.Greater(t, utfLength(s), maxShortUTF)

	r := NewRegistry()
	b := encodeAll(t, r, s, s)
	require.Equal(t, byte(tcLongString), b[headerSize])

	dec := newTestDecoder(r, b)
	for i := 0; i < 2; i++ {
		got, err := dec.ReadObject()
		require.NoError(t, err)
		require.Equal(t, s, got)
	}
	require.Equal(t, 1, dec.handles.size())

	enc := NewEncoder(&bytes.Buffer{})
	require.ErrorIs(t, enc.WriteUTF(s), ErrStringTooLong)
}
