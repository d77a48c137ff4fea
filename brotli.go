package objstream

import (
	"bytes"
	"io"

	"github.com/andybalholm/brotli"
)

// BrotliCompressor compresses streams with Brotli.
type BrotliCompressor struct {
	Level int // 0 (fastest) to 11 (best); BrotliDefaultCompression when zero
}

const BrotliDefaultCompression = brotli.DefaultCompression

func (BrotliCompressor) kind() byte { return envelopeBrotli }

func (c BrotliCompressor) compress(b []byte) ([]byte, error) {
	if c.Level == 0 {
		c.Level = BrotliDefaultCompression
	}
	var comp bytes.Buffer
	bw := brotli.NewWriterLevel(&comp, c.Level)
	if _, err := bw.Write(b); err != nil {
		return nil, err
	}
	if err := bw.Close(); err != nil {
		return nil, err
	}
	return comp.Bytes(), nil
}

func (BrotliCompressor) decompress(b []byte, limit int) ([]byte, error) {
	var out bytes.Buffer
	if _, err := out.ReadFrom(io.LimitReader(brotli.NewReader(bytes.NewReader(b)), int64(limit)+1)); err != nil {
		return nil, err
	}
	if out.Len() > limit {
		return nil, ErrCorrupt{"brotli stream larger than declared"}
	}
	return out.Bytes(), nil
}
