package objstream

import (
	"bytes"
	"compress/zlib"
	"fmt"
	"io"
	"sync"
)

// ZlibCompressor compresses streams with zlib.
type ZlibCompressor struct {
	Level int // compression level
}

const (
	ZlibNoCompression      = zlib.NoCompression
	ZlibBestSpeed          = zlib.BestSpeed
	ZlibBestCompression    = zlib.BestCompression
	ZlibDefaultCompression = zlib.DefaultCompression
)

var zlibWriterPools = make(map[int]*sync.Pool)

func init() {
	// -1 => 9
	for i := zlib.DefaultCompression; i <= zlib.BestCompression; i++ {
		level := i
		zlibWriterPools[i] = &sync.Pool{
			New: func() interface{} {
				zw, _ := zlib.NewWriterLevel(nil, level)
				return zw
			},
		}
	}
}

func (ZlibCompressor) kind() byte { return envelopeZlib }

func (c ZlibCompressor) compress(b []byte) ([]byte, error) {
	pool := zlibWriterPools[c.Level]
	if pool == nil {
		return nil, fmt.Errorf("objstream: unknown zlib level %d", c.Level)
	}

	var comp bytes.Buffer
	zw := pool.Get().(*zlib.Writer)
	defer pool.Put(zw)
	zw.Reset(&comp)

	if _, err := zw.Write(b); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return comp.Bytes(), nil
}

func (ZlibCompressor) decompress(b []byte, limit int) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	var out bytes.Buffer
	// one byte past the declared size is enough to detect a lie
	if _, err := out.ReadFrom(io.LimitReader(zr, int64(limit)+1)); err != nil {
		return nil, err
	}
	if out.Len() > limit {
		return nil, ErrCorrupt{"zlib stream larger than declared"}
	}
	return out.Bytes(), nil
}
