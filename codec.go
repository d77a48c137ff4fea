package objstream

import (
	"bytes"
	"errors"
	"fmt"
	"reflect"
	"runtime"
)

// A Codec marshals single object graphs to self-contained byte slices,
// optionally compressed.
type Codec struct {
	// Registry is used by every stream; nil means DefaultRegistry.
	Registry *Registry

	// Compression, if set, compresses documents of at least
	// CompressionThreshold bytes.
	Compression          Compressor
	CompressionThreshold int

	// LegacyExternalData writes RawCustom data without block framing.
	LegacyExternalData bool
	// Dynamic decodes unknown classes generically.
	Dynamic bool
}

// NewCodec returns a Codec without compression.
func NewCodec() *Codec {
	return &Codec{CompressionThreshold: 1024}
}

// NewCodecCompressed returns a Codec compressing documents with c.
func NewCodecCompressed(c Compressor) *Codec {
	return &Codec{Compression: c, CompressionThreshold: 1024}
}

// recoverError turns a panic from a hook into an error. Runtime errors are
// programming mistakes and keep panicking.
func recoverError(err *error) {
	if r := recover(); r != nil {
		if _, ok := r.(runtime.Error); ok {
			panic(r)
		}
		switch x := r.(type) {
		case string:
			*err = errors.New(x)
		case error:
			*err = x
		default:
			*err = fmt.Errorf("objstream: panic: %v", x)
		}
	}
}

// Marshal writes v as a complete stream.
func (c *Codec) Marshal(v any) (b []byte, err error) {
	defer recoverError(&err)

	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	enc.Registry = c.Registry
	enc.LegacyExternalData = c.LegacyExternalData
	if err := enc.WriteObject(v); err != nil {
		return nil, err
	}
	if err := enc.Flush(); err != nil {
		return nil, err
	}

	b = buf.Bytes()
	if c.Compression != nil && len(b) >= c.CompressionThreshold {
		return seal(c.Compression, b)
	}
	return b, nil
}

// Unmarshal reads the object in b into the value pointed to by ptr.
// Plain and compressed documents are both accepted.
func (c *Codec) Unmarshal(b []byte, ptr any) (err error) {
	defer recoverError(&err)

	if b, err = Decompress(b); err != nil {
		return err
	}
	if pv := reflect.ValueOf(ptr); pv.Kind() != reflect.Ptr || pv.IsNil() {
		return ErrNotPointer
	}
	dec := NewDecoder(bytes.NewReader(b))
	dec.Registry = c.Registry
	dec.Dynamic = c.Dynamic
	return dec.Decode(ptr)
}

var defaultCodec = NewCodec()

// Marshal writes v as a complete uncompressed stream using the
// DefaultRegistry.
func Marshal(v any) ([]byte, error) {
	return defaultCodec.Marshal(v)
}

// Unmarshal reads a document produced by Marshal or by any Codec.
func Unmarshal(b []byte, ptr any) error {
	return defaultCodec.Unmarshal(b, ptr)
}
