package objstream

import "github.com/golang/snappy"

// SnappyCompressor compresses streams with Snappy.
type SnappyCompressor struct{}

func (SnappyCompressor) kind() byte { return envelopeSnappy }

func (SnappyCompressor) compress(b []byte) ([]byte, error) {
	return snappy.Encode(nil, b), nil
}

func (SnappyCompressor) decompress(b []byte, limit int) ([]byte, error) {
	n, err := snappy.DecodedLen(b)
	if err != nil {
		return nil, err
	}
	if n > limit {
		return nil, ErrCorrupt{"snappy block larger than declared"}
	}
	return snappy.Decode(nil, b)
}
