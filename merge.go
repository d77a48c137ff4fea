package objstream

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
)

// A Merger concatenates independently written streams into one. Each
// appended stream is separated from the previous one by a reset record,
// so a single Decoder reads every object of every stream in order.
type Merger struct {
	// Registry is used to check appended streams; nil means
	// DefaultRegistry.
	Registry *Registry

	numStreams int
	numObjects int
	finalized  bool
	buf        []byte
}

// NewMerger returns a Merger holding only a stream header.
func NewMerger() *Merger {
	m := Merger{buf: make([]byte, headerSize, 64)}
	binary.BigEndian.PutUint16(m.buf[0:], streamMagic)
	binary.BigEndian.PutUint16(m.buf[2:], streamVersion)
	return &m
}

// Append adds the stream b, plain or in a compression envelope. The
// stream is decoded first and rejected as a whole if any part of it is
// unreadable. It returns the number of top-level objects added.
func (m *Merger) Append(b []byte) (int, error) {
	if m.finalized {
		return 0, errors.New("objstream: merger already finished")
	}
	b, err := Decompress(b)
	if err != nil {
		return 0, err
	}

	n, err := m.check(b)
	if err != nil {
		return 0, err
	}

	if m.numStreams > 0 {
		m.buf = append(m.buf, tcReset)
	}
	m.buf = append(m.buf, b[headerSize:]...)
	m.numStreams++
	m.numObjects += n
	return n, nil
}

// check reads every top-level item of b generically and counts objects.
func (m *Merger) check(b []byte) (int, error) {
	dec := NewDecoder(bytes.NewReader(b))
	dec.Registry = m.Registry
	dec.Dynamic = true
	if err := dec.start(); err != nil {
		if err == io.EOF {
			return 0, ErrBadHeader
		}
		return 0, err
	}

	n := 0
	for {
		_, err := dec.ReadObject()
		var od *ErrOptionalData
		switch {
		case err == io.EOF:
			return n, nil
		case errors.As(err, &od) && !od.EOF:
			if _, err := dec.SkipBytes(od.Length); err != nil {
				return 0, err
			}
		case err != nil:
			return 0, err
		default:
			n++
		}
	}
}

// Finish returns the merged stream. No more streams can be appended.
func (m *Merger) Finish() []byte {
	m.finalized = true
	return m.buf
}

// Len returns the number of top-level objects appended so far.
func (m *Merger) Len() int { return m.numObjects }
