package objstream

import (
	"encoding/binary"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodecCompressors(t *testing.T) {
	var tests = []struct {
		name string
		c    Compressor
		kind byte
	}{
		{"snappy", SnappyCompressor{}, envelopeSnappy},
		{"zstd", ZstdCompressor{}, envelopeZstd},
		{"zstd fast", ZstdCompressor{Level: ZstdBestSpeed}, envelopeZstd},
		{"zlib", ZlibCompressor{Level: ZlibDefaultCompression}, envelopeZlib},
		{"zlib stored", ZlibCompressor{Level: ZlibNoCompression}, envelopeZlib},
		{"brotli", BrotliCompressor{}, envelopeBrotli},
	}

	r := NewRegistry()
	require.NoError(t, r.Register(node{}))
	in := map[string]any{
		"text":  strings.Repeat("compressible ", 200),
		"ints":  make([]int32, 500),
		"nodes": []*node{{Name: "a"}, {Name: "b"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewCodecCompressed(tt.c)
			c.Registry = r
			b, err := c.Marshal(in)
			require.NoError(t, err)
			require.True(t, isEnvelope(b))
			require.Equal(t, tt.kind, b[3])

			var out map[string]any
			require.NoError(t, c.Unmarshal(b, &out))
			if diff := cmp.Diff(in, out); diff != "" {
				t.Errorf("roundtrip mismatch (-want +got):\n%s", diff)
			}

			// any codec reads any document
			var again map[string]any
			plain := NewCodec()
			plain.Registry = r
			require.NoError(t, plain.Unmarshal(b, &again))
			require.Equal(t, len(in), len(again))
		})
	}
}

func TestCodecThreshold(t *testing.T) {
	c := NewCodecCompressed(SnappyCompressor{})
	b, err := c.Marshal(int32(1))
	require.NoError(t, err)
	require.Equal(t, []byte{0xac, 0xed, 0x00, 0x05}, b[:4])

	c.CompressionThreshold = 0
	b, err = c.Marshal(int32(1))
	require.NoError(t, err)
	require.True(t, isEnvelope(b))

	var v int32
	require.NoError(t, c.Unmarshal(b, &v))
	require.Equal(t, int32(1), v)
}

func TestCodecBadEnvelopes(t *testing.T) {
	raw, err := Marshal(strings.Repeat("x", 64))
	require.NoError(t, err)
	payload, err := SnappyCompressor{}.compress(raw)
	require.NoError(t, err)

	envelope := func(kind byte, n uint64, p []byte) []byte {
		b := append([]byte{'O', 'S', 'Z', kind}, binary.AppendUvarint(nil, n)...)
		return append(b, p...)
	}

	var s string
	err = Unmarshal(envelope(envelopeSnappy, uint64(len(raw)), payload), &s)
	require.NoError(t, err)
	require.Equal(t, strings.Repeat("x", 64), s)

	var tests = []struct {
		name string
		in   []byte
		want error
	}{
		{"unknown kind", envelope(9, 1, nil), ErrUnknownEnvelope},
		{"truncated", []byte("OSZ"), ErrCorrupt{"truncated envelope"}},
		{"length too small", envelope(envelopeSnappy, uint64(len(raw)-1), payload), ErrCorrupt{"snappy block larger than declared"}},
		{"length too large", envelope(envelopeSnappy, uint64(len(raw)+1), payload), nil},
		{"length absurd", envelope(envelopeSnappy, 1<<40, payload), ErrCorrupt{"bad envelope length"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decompress(tt.in)
			require.Error(t, err)
			if tt.want != nil {
				require.True(t, errors.Is(err, tt.want), "%v", err)
			}
		})
	}
}

func TestCodecDeclaredLengthChecked(t *testing.T) {
	raw := []byte(strings.Repeat("abc", 100))
	for _, c := range []Compressor{ZstdCompressor{}, ZlibCompressor{Level: ZlibBestSpeed}, BrotliCompressor{}} {
		p, err := c.compress(raw)
		require.NoError(t, err)
		_, err = c.decompress(p, len(raw)-1)
		assert.Error(t, err, "%T", c)

		got, err := c.decompress(p, len(raw))
		require.NoError(t, err, "%T", c)
		require.Equal(t, raw, got)
	}
}

func TestCodecUnmarshalErrors(t *testing.T) {
	b, err := Marshal("s")
	require.NoError(t, err)

	var s string
	require.Equal(t, ErrNotPointer, Unmarshal(b, s))
	require.Equal(t, ErrNotPointer, Unmarshal(b, (*string)(nil)))

	var n int
	err = Unmarshal([]byte{0xac, 0xed, 0x00, 0x06}, &n)
	require.Equal(t, ErrBadVersion, err)
}

type grumpy struct{ N int32 }

func (g *grumpy) WriteObject(enc *Encoder) error {
	panic("grumpy")
}

func TestCodecRecoversHookPanics(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(grumpy{}))
	c := NewCodec()
	c.Registry = r
	_, err := c.Marshal(&grumpy{})
	require.EqualError(t, err, "grumpy")
}
