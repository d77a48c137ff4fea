package objstream

import (
	"encoding/binary"
	"fmt"
	"io"
)

// blockWriter buffers encoder output. In block mode buffered bytes are
// drained as BLOCKDATA / BLOCKDATALONG records; otherwise they are written
// as is. The first error returned by the underlying writer is kept and all
// later writes become no-ops.
type blockWriter struct {
	w         io.Writer
	buf       []byte
	hdr       [5]byte
	blockMode bool
	err       error
}

func newBlockWriter(w io.Writer) *blockWriter {
	return &blockWriter{w: w, buf: make([]byte, 0, blockBufSize)}
}

// setBlockMode switches block mode and returns the previous setting.
// Pending bytes are drained in the old mode first.
func (bw *blockWriter) setBlockMode(mode bool) bool {
	if bw.blockMode == mode {
		return mode
	}
	bw.drain()
	bw.blockMode = mode
	return !mode
}

func (bw *blockWriter) drain() {
	if len(bw.buf) == 0 {
		return
	}
	if bw.blockMode {
		bw.writeBlockHeader(len(bw.buf))
	}
	bw.writeRaw(bw.buf)
	bw.buf = bw.buf[:0]
}

func (bw *blockWriter) writeBlockHeader(n int) {
	if n <= maxBlockHeader {
		bw.hdr[0] = tcBlockData
		bw.hdr[1] = byte(n)
		bw.writeRaw(bw.hdr[:2])
		return
	}
	bw.hdr[0] = tcBlockDataLong
	binary.BigEndian.PutUint32(bw.hdr[1:], uint32(n))
	bw.writeRaw(bw.hdr[:5])
}

func (bw *blockWriter) writeRaw(p []byte) {
	if bw.err != nil {
		return
	}
	_, bw.err = bw.w.Write(p)
}

func (bw *blockWriter) reserve(n int) {
	if len(bw.buf)+n > blockBufSize {
		bw.drain()
	}
}

func (bw *blockWriter) write(p []byte) {
	for len(p) > 0 {
		if len(bw.buf) == blockBufSize {
			bw.drain()
		}
		if !bw.blockMode && len(bw.buf) == 0 && len(p) >= blockBufSize {
			bw.writeRaw(p)
			return
		}
		n := copy(bw.buf[len(bw.buf):blockBufSize], p)
		bw.buf = bw.buf[:len(bw.buf)+n]
		p = p[n:]
	}
}

func (bw *blockWriter) writeByte(b byte) {
	bw.reserve(1)
	bw.buf = append(bw.buf, b)
}

func (bw *blockWriter) writeUint16(v uint16) {
	bw.reserve(2)
	bw.buf = binary.BigEndian.AppendUint16(bw.buf, v)
}

func (bw *blockWriter) writeUint32(v uint32) {
	bw.reserve(4)
	bw.buf = binary.BigEndian.AppendUint32(bw.buf, v)
}

func (bw *blockWriter) writeUint64(v uint64) {
	bw.reserve(8)
	bw.buf = binary.BigEndian.AppendUint64(bw.buf, v)
}

func (bw *blockWriter) flush() error {
	bw.drain()
	if bw.err != nil {
		return bw.err
	}
	if f, ok := bw.w.(interface{ Flush() error }); ok {
		bw.err = f.Flush()
	}
	return bw.err
}

// byteSource adapts an io.Reader without ReadByte. It reads one byte at a
// time so nothing past the stream is consumed from the underlying reader.
type byteSource struct {
	io.Reader
	one [1]byte
}

func (s *byteSource) ReadByte() (byte, error) {
	_, err := io.ReadFull(s.Reader, s.one[:])
	return s.one[0], err
}

type byteReader interface {
	io.Reader
	io.ByteReader
}

// blockReader is the decoding counterpart of blockWriter. unread counts
// the bytes left in the current block; -1 means the custom data ended.
type blockReader struct {
	r         byteReader
	blockMode bool
	// reset handles a reset record between blocks; it must consume the
	// record or fail. A nil reset ends the data there.
	reset     func() error
	unread    int
	peeked    int
	hdr       [4]byte
	scratch   [8]byte
}

func newBlockReader(r io.Reader) *blockReader {
	br, ok := r.(byteReader)
	if !ok {
		br = &byteSource{Reader: r}
	}
	return &blockReader{r: br, peeked: -1}
}

func (br *blockReader) peekByte() (byte, error) {
	if br.peeked >= 0 {
		return byte(br.peeked), nil
	}
	b, err := br.r.ReadByte()
	if err != nil {
		return 0, err
	}
	br.peeked = int(b)
	return b, nil
}

func (br *blockReader) readRawByte() (byte, error) {
	if br.peeked >= 0 {
		b := byte(br.peeked)
		br.peeked = -1
		return b, nil
	}
	return br.r.ReadByte()
}

func (br *blockReader) readRawFull(p []byte) error {
	if len(p) == 0 {
		return nil
	}
	if br.peeked >= 0 {
		p[0] = byte(br.peeked)
		br.peeked = -1
		p = p[1:]
	}
	_, err := io.ReadFull(br.r, p)
	if err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	return err
}

// setBlockMode switches block mode and returns the previous setting.
// Leaving block mode with unread block bytes is a protocol error.
func (br *blockReader) setBlockMode(mode bool) (bool, error) {
	if br.blockMode == mode {
		return mode, nil
	}
	if !mode && br.unread > 0 {
		return true, ErrCorrupt{"unread block data"}
	}
	br.blockMode = mode
	br.unread = 0
	return !mode, nil
}

// restoreMode puts back a block mode saved before an operation that may
// have failed half way. Unread block bytes are forgotten.
func (br *blockReader) restoreMode(mode bool) {
	if br.blockMode != mode {
		br.blockMode = mode
		br.unread = 0
	}
}

// refill reads the next block header, if any. Zero length blocks are
// skipped.
func (br *blockReader) refill() error {
	for br.unread == 0 {
		tc, err := br.peekByte()
		if err == io.EOF {
			br.unread = -1
			return nil
		}
		if err != nil {
			return err
		}
		switch tc {
		case tcBlockData:
			br.peeked = -1
			n, err := br.readRawByte()
			if err != nil {
				return eofIsUnexpected(err)
			}
			br.unread = int(n)
		case tcBlockDataLong:
			br.peeked = -1
			if err := br.readRawFull(br.hdr[:]); err != nil {
				return err
			}
			n := int32(binary.BigEndian.Uint32(br.hdr[:]))
			if n < 0 {
				return ErrCorrupt{errNegativeBlock}
			}
			br.unread = int(n)
		case tcReset:
			if br.reset == nil {
				br.unread = -1
				break
			}
			if err := br.reset(); err != nil {
				return err
			}
		default:
			if tc < tcBase || tc > tcMax {
				return ErrCorrupt{fmt.Sprintf("%s %#02x", errBadTag, tc)}
			}
			br.unread = -1
		}
	}
	return nil
}

// remaining returns the bytes left in the current block without reading
// a new block header.
func (br *blockReader) remaining() int {
	if !br.blockMode || br.unread < 0 {
		return 0
	}
	return br.unread
}

// available refills if needed and reports the bytes readable without
// crossing into non-block data.
func (br *blockReader) available() (int, error) {
	if !br.blockMode {
		return 0, nil
	}
	if br.unread == 0 {
		if err := br.refill(); err != nil {
			return 0, err
		}
	}
	if br.unread < 0 {
		return 0, nil
	}
	return br.unread, nil
}

func (br *blockReader) read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if !br.blockMode {
		if err := br.readRawFull(p); err != nil {
			return 0, err
		}
		return len(p), nil
	}
	if br.unread == 0 {
		if err := br.refill(); err != nil {
			return 0, err
		}
	}
	if br.unread < 0 {
		return 0, io.EOF
	}
	n := len(p)
	if n > br.unread {
		n = br.unread
	}
	if err := br.readRawFull(p[:n]); err != nil {
		return 0, err
	}
	br.unread -= n
	return n, nil
}

func (br *blockReader) readFull(p []byte) error {
	for done := 0; done < len(p); {
		n, err := br.read(p[done:])
		if err == io.EOF && done > 0 {
			return io.ErrUnexpectedEOF
		}
		if err != nil {
			return err
		}
		done += n
	}
	return nil
}

func (br *blockReader) readByte() (byte, error) {
	if !br.blockMode {
		b, err := br.readRawByte()
		return b, eofIsUnexpected(err)
	}
	if err := br.readFull(br.scratch[:1]); err != nil {
		return 0, err
	}
	return br.scratch[0], nil
}

func (br *blockReader) readUint16() (uint16, error) {
	if err := br.readFull(br.scratch[:2]); err != nil {
		return 0, eofIsUnexpected(err)
	}
	return binary.BigEndian.Uint16(br.scratch[:2]), nil
}

func (br *blockReader) readUint32() (uint32, error) {
	if err := br.readFull(br.scratch[:4]); err != nil {
		return 0, eofIsUnexpected(err)
	}
	return binary.BigEndian.Uint32(br.scratch[:4]), nil
}

func (br *blockReader) readUint64() (uint64, error) {
	if err := br.readFull(br.scratch[:8]); err != nil {
		return 0, eofIsUnexpected(err)
	}
	return binary.BigEndian.Uint64(br.scratch[:8]), nil
}

// skipBlockData discards the rest of the custom data in block mode, up to
// the first item that is not a block.
func (br *blockReader) skipBlockData() error {
	if !br.blockMode {
		return nil
	}
	for {
		if br.unread > 0 {
			if err := br.discard(br.unread); err != nil {
				return err
			}
			br.unread = 0
		}
		if err := br.refill(); err != nil {
			return err
		}
		if br.unread < 0 {
			return nil
		}
	}
}

func (br *blockReader) discard(n int) error {
	var buf [256]byte
	for n > 0 {
		c := n
		if c > len(buf) {
			c = len(buf)
		}
		if err := br.readRawFull(buf[:c]); err != nil {
			return err
		}
		n -= c
	}
	return nil
}

// readBlock returns the rest of the current block, or nil when the custom
// data ended.
func (br *blockReader) readBlock() ([]byte, error) {
	if br.unread == 0 {
		if err := br.refill(); err != nil {
			return nil, err
		}
	}
	if br.unread <= 0 {
		return nil, nil
	}
	b := make([]byte, br.unread)
	if err := br.readRawFull(b); err != nil {
		return nil, err
	}
	br.unread = 0
	return b, nil
}

func eofIsUnexpected(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}
