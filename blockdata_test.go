package objstream

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlockWriterFraming(t *testing.T) {
	var tests = []struct {
		name string
		n    int
		want []byte
	}{
		{"empty", 0, nil},
		{"short", 10, []byte{tcBlockData, 10}},
		{"max short", 255, []byte{tcBlockData, 0xff}},
		{"long", 300, []byte{tcBlockDataLong, 0, 0, 0x01, 0x2c}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			bw := newBlockWriter(&buf)
			bw.setBlockMode(true)
			bw.write(bytes.Repeat([]byte{'x'}, tt.n))
			require.NoError(t, bw.flush())

			got := buf.Bytes()
			require.Len(t, got, len(tt.want)+tt.n)
			require.Equal(t, tt.want, got[:len(tt.want)])
		})
	}
}

func TestBlockWriterSplitsAtBufferSize(t *testing.T) {
	var buf bytes.Buffer
	bw := newBlockWriter(&buf)
	bw.setBlockMode(true)
	bw.write(make([]byte, blockBufSize+1))
	require.NoError(t, bw.flush())

	got := buf.Bytes()
	require.Equal(t, []byte{tcBlockDataLong, 0, 0, 0x04, 0x00}, got[:5])
	rest := got[5+blockBufSize:]
	require.Equal(t, []byte{tcBlockData, 1, 0}, rest)
}

func TestBlockWriterModeSwitchDrains(t *testing.T) {
	var buf bytes.Buffer
	bw := newBlockWriter(&buf)
	bw.setBlockMode(true)
	bw.writeUint32(7)
	old := bw.setBlockMode(false)
	require.True(t, old)
	bw.writeByte(tcNull)
	require.NoError(t, bw.flush())

	require.Equal(t, []byte{tcBlockData, 4, 0, 0, 0, 7, tcNull}, buf.Bytes())
}

func TestBlockReader(t *testing.T) {
	in := []byte{
		tcBlockData, 3, 1, 2, 3,
		tcBlockData, 0,
		tcBlockDataLong, 0, 0, 0, 2, 4, 5,
		tcEndBlockData,
	}
	br := newBlockReader(bytes.NewReader(in))
	_, err := br.setBlockMode(true)
	require.NoError(t, err)

	n, err := br.available()
	require.NoError(t, err)
	require.Equal(t, 3, n)

	// reads span block boundaries and skip empty blocks
	p := make([]byte, 5)
	require.NoError(t, br.readFull(p))
	require.Equal(t, []byte{1, 2, 3, 4, 5}, p)

	_, err = br.readByte()
	require.Equal(t, io.EOF, err)

	// the end marker is left for the caller
	tc, err := br.peekByte()
	require.NoError(t, err)
	require.Equal(t, byte(tcEndBlockData), tc)
}

func TestBlockReaderPartialRead(t *testing.T) {
	br := newBlockReader(bytes.NewReader([]byte{tcBlockData, 2, 1, 2, tcEndBlockData}))
	br.setBlockMode(true)
	p := make([]byte, 4)
	require.Equal(t, io.ErrUnexpectedEOF, br.readFull(p))
}

func TestBlockReaderNegativeLength(t *testing.T) {
	br := newBlockReader(bytes.NewReader([]byte{tcBlockDataLong, 0xff, 0xff, 0xff, 0xfe}))
	br.setBlockMode(true)
	_, err := br.readByte()
	require.Equal(t, ErrCorrupt{errNegativeBlock}, err)
}

func TestBlockReaderLeaveWithUnread(t *testing.T) {
	br := newBlockReader(bytes.NewReader([]byte{tcBlockData, 2, 1, 2}))
	br.setBlockMode(true)
	_, err := br.readByte()
	require.NoError(t, err)
	_, err = br.setBlockMode(false)
	var c ErrCorrupt
	require.ErrorAs(t, err, &c)

	require.NoError(t, br.skipBlockData())
	_, err = br.setBlockMode(false)
	require.NoError(t, err)
}

func TestByteSourceDoesNotOverread(t *testing.T) {
	r := io.MultiReader(bytes.NewReader([]byte{1, 2}), bytes.NewReader([]byte{3}))
	br := newBlockReader(r)
	b, err := br.readRawByte()
	require.NoError(t, err)
	require.Equal(t, byte(1), b)
	b, err = br.peekByte()
	require.NoError(t, err)
	require.Equal(t, byte(2), b)
}

func TestBlockReaderReset(t *testing.T) {
	in := []byte{tcBlockData, 1, 1, tcReset, tcBlockData, 1, 2, tcEndBlockData}
	br := newBlockReader(bytes.NewReader(in))
	resets := 0
	br.reset = func() error {
		br.readRawByte()
		resets++
		return nil
	}
	br.setBlockMode(true)

	p := make([]byte, 2)
	require.NoError(t, br.readFull(p))
	require.Equal(t, []byte{1, 2}, p)
	require.Equal(t, 1, resets)

	// without a handler the reset ends the data
	br = newBlockReader(bytes.NewReader(in))
	br.setBlockMode(true)
	require.Equal(t, io.ErrUnexpectedEOF, br.readFull(p))
}

func TestBlockReaderRejectsNestedReset(t *testing.T) {
	br := newBlockReader(bytes.NewReader([]byte{tcBlockData, 1, 1, tcReset, tcBlockData, 1, 2}))
	br.reset = func() error { return ErrCorrupt{errResetNested} }
	br.setBlockMode(true)

	b, err := br.readByte()
	require.NoError(t, err)
	require.Equal(t, byte(1), b)
	_, err = br.readByte()
	require.Equal(t, ErrCorrupt{errResetNested}, err)
}

func TestBlockReaderBadTypeCode(t *testing.T) {
	br := newBlockReader(bytes.NewReader([]byte{tcBlockData, 1, 1, 0x05}))
	br.setBlockMode(true)
	_, err := br.readByte()
	require.NoError(t, err)
	_, err = br.readByte()
	var c ErrCorrupt
	require.ErrorAs(t, err, &c)
	require.Contains(t, c.Err, errBadTag)
}
