package objstream

import (
	"encoding/binary"
	"fmt"
)

// A Compressor compresses whole streams for a Codec.
type Compressor interface {
	compress(b []byte) ([]byte, error)
	// decompress fails rather than produce more than limit bytes.
	decompress(b []byte, limit int) ([]byte, error)
	kind() byte
}

// envelope kinds
const (
	envelopeSnappy = 1
	envelopeZstd   = 2
	envelopeZlib   = 3
	envelopeBrotli = 4
)

var envelopeMagic = [3]byte{'O', 'S', 'Z'}

// maxEnvelopeSize bounds the declared uncompressed size of a document.
const maxEnvelopeSize = 1 << 31

func compressorFor(kind byte) (Compressor, error) {
	switch kind {
	case envelopeSnappy:
		return SnappyCompressor{}, nil
	case envelopeZstd:
		return ZstdCompressor{}, nil
	case envelopeZlib:
		return ZlibCompressor{}, nil
	case envelopeBrotli:
		return BrotliCompressor{}, nil
	}
	return nil, fmt.Errorf("%w: kind %d", ErrUnknownEnvelope, kind)
}

func isEnvelope(b []byte) bool {
	return len(b) >= len(envelopeMagic) && [3]byte(b[:3]) == envelopeMagic
}

// seal wraps a compressed stream: magic, kind, uvarint raw length, payload.
func seal(c Compressor, raw []byte) ([]byte, error) {
	if len(raw) >= maxEnvelopeSize {
		return nil, ErrTooLarge
	}
	payload, err := c.compress(raw)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(payload)+4+binary.MaxVarintLen64)
	out = append(out, envelopeMagic[:]...)
	out = append(out, c.kind())
	out = binary.AppendUvarint(out, uint64(len(raw)))
	return append(out, payload...), nil
}

// unseal returns the stream inside an envelope.
func unseal(b []byte) ([]byte, error) {
	if len(b) < 4 {
		return nil, ErrCorrupt{"truncated envelope"}
	}
	c, err := compressorFor(b[3])
	if err != nil {
		return nil, err
	}
	rawLen, n := binary.Uvarint(b[4:])
	if n <= 0 || rawLen >= maxEnvelopeSize {
		return nil, ErrCorrupt{"bad envelope length"}
	}
	raw, err := c.decompress(b[4+n:], int(rawLen))
	if err != nil {
		return nil, err
	}
	if uint64(len(raw)) != rawLen {
		return nil, ErrCorrupt{fmt.Sprintf("envelope declares %d bytes, got %d", rawLen, len(raw))}
	}
	return raw, nil
}

// Decompress returns the stream inside a Codec document. Uncompressed
// documents are returned as is.
func Decompress(b []byte) ([]byte, error) {
	if !isEnvelope(b) {
		return b, nil
	}
	return unseal(b)
}
