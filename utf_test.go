package objstream

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestModifiedUTF(t *testing.T) {
	var tests = []struct {
		s    string
		want []byte
	}{
		{"", []byte{}},
		{"abc", []byte("abc")},
		{"\x00", []byte{0xc0, 0x80}},
		{"é", []byte{0xc3, 0xa9}},
		{"€", []byte{0xe2, 0x82, 0xac}},
		// outside the BMP: two 3-byte surrogates instead of one 4-byte sequence
		{"😀", []byte{0xed, 0xa0, 0xbd, 0xed, 0xb8, 0x80}},
	}

	for _, tt := range tests {
		got := appendUTF(nil, tt.s)
		if !bytes.Equal(got, tt.want) {
			t.Errorf("appendUTF(%q)=% x, want % x", tt.s, got, tt.want)
		}
		if n := utfLength(tt.s); n != len(tt.want) {
			t.Errorf("utfLength(%q)=%d, want %d", tt.s, n, len(tt.want))
		}
		back, err := decodeUTF(got)
		require.NoError(t, err)
		if back != tt.s {
			t.Errorf("decodeUTF(% x)=%q, want %q", got, back, tt.s)
		}
	}
}

func TestDecodeUTFMalformed(t *testing.T) {
	var bad = [][]byte{
		{0x00},
		{0xc3},
		{0xc3, 0x29},
		{0xe2, 0x82},
		{0xe2, 0x28, 0xac},
		{0xf0, 0x9f, 0x98, 0x80},
		{0x80},
	}

	for _, b := range bad {
		_, err := decodeUTF(b)
		var c ErrCorrupt
		require.ErrorAs(t, err, &c, "% x", b)
	}
}

func TestDecodeUTFLoneSurrogate(t *testing.T) {
	s, err := decodeUTF([]byte{'a', 0xed, 0xa0, 0xbd, 'b'})
	require.NoError(t, err)
	require.Equal(t, "a�b", s)
}
