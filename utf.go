package objstream

import (
	"unicode/utf16"
	"unicode/utf8"
)

// utfLength returns the modified UTF-8 length of s. Runes outside the
// basic multilingual plane count as two 3-byte surrogates.
func utfLength(s string) int {
	n := 0
	for _, r := range s {
		switch {
		case r >= 1 && r <= 0x7f:
			n++
		case r == 0 || r <= 0x7ff:
			n += 2
		case r > 0xffff:
			n += 6
		default:
			n += 3
		}
	}
	return n
}

func appendUTF(b []byte, s string) []byte {
	for _, r := range s {
		if r > 0xffff {
			r1, r2 := utf16.EncodeRune(r)
			b = appendUTFChar(b, uint16(r1))
			b = appendUTFChar(b, uint16(r2))
			continue
		}
		b = appendUTFChar(b, uint16(r))
	}
	return b
}

func appendUTFChar(b []byte, c uint16) []byte {
	switch {
	case c >= 1 && c <= 0x7f:
		return append(b, byte(c))
	case c <= 0x7ff:
		return append(b, byte(0xc0|(c>>6)&0x1f), byte(0x80|c&0x3f))
	default:
		return append(b, byte(0xe0|(c>>12)&0x0f), byte(0x80|(c>>6)&0x3f), byte(0x80|c&0x3f))
	}
}

// decodeUTF converts modified UTF-8 back into a Go string, joining
// surrogate pairs.
func decodeUTF(b []byte) (string, error) {
	ascii := true
	for _, c := range b {
		if c == 0 || c >= 0x80 {
			ascii = false
			break
		}
	}
	if ascii {
		return string(b), nil
	}

	units := make([]uint16, 0, len(b))
	for i := 0; i < len(b); {
		c := b[i]
		switch c >> 4 {
		case 0, 1, 2, 3, 4, 5, 6, 7:
			if c == 0 {
				return "", ErrCorrupt{errBadUTF}
			}
			units = append(units, uint16(c))
			i++
		case 12, 13:
			if i+1 >= len(b) || b[i+1]&0xc0 != 0x80 {
				return "", ErrCorrupt{errBadUTF}
			}
			units = append(units, uint16(c&0x1f)<<6|uint16(b[i+1]&0x3f))
			i += 2
		case 14:
			if i+2 >= len(b) || b[i+1]&0xc0 != 0x80 || b[i+2]&0xc0 != 0x80 {
				return "", ErrCorrupt{errBadUTF}
			}
			units = append(units, uint16(c&0x0f)<<12|uint16(b[i+1]&0x3f)<<6|uint16(b[i+2]&0x3f))
			i += 3
		default:
			return "", ErrCorrupt{errBadUTF}
		}
	}

	buf := make([]byte, 0, len(b))
	for i := 0; i < len(units); i++ {
		u := units[i]
		if utf16.IsSurrogate(rune(u)) && i+1 < len(units) {
			if r := utf16.DecodeRune(rune(u), rune(units[i+1])); r != utf8.RuneError {
				buf = utf8.AppendRune(buf, r)
				i++
				continue
			}
		}
		buf = utf8.AppendRune(buf, rune(u))
	}
	return string(buf), nil
}
