package objstream

// ZstdCompressor compresses streams with zstd.
type ZstdCompressor struct {
	Level int // compression level, ZstdDefaultCompression when zero
}

// Zstd constants
const (
	ZstdBestSpeed          = 1
	ZstdBestCompression    = 20
	ZstdDefaultCompression = 3
)

func (ZstdCompressor) kind() byte { return envelopeZstd }

func (c ZstdCompressor) compress(b []byte) ([]byte, error) {
	if c.Level == 0 {
		c.Level = ZstdDefaultCompression
	}
	return zstdEncode(b, c.Level)
}

func (ZstdCompressor) decompress(b []byte, limit int) ([]byte, error) {
	raw, err := zstdDecode(b)
	if err != nil {
		return nil, err
	}
	if len(raw) > limit {
		return nil, ErrCorrupt{"zstd frame larger than declared"}
	}
	return raw, nil
}
