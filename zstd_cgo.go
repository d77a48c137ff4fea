//go:build clibs

package objstream

import "github.com/DataDog/zstd"

func zstdEncode(buf []byte, level int) ([]byte, error) {
	return zstd.CompressLevel(nil, buf, level)
}

func zstdDecode(buf []byte) ([]byte, error) {
	return zstd.Decompress(nil, buf)
}
