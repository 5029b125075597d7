package efi

import (
	"bytes"
	"fmt"

	"golang.org/x/text/encoding/unicode"
)

var ucs2 = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

// FromUCS2 decodes a NUL-terminated little-endian UCS-2 string.
func FromUCS2(b []byte) (string, error) {
	for i := 0; i+1 < len(b); i += 2 {
		if b[i] == 0 && b[i+1] == 0 {
			b = b[:i]
			break
		}
	}
	if len(b)%2 != 0 {
		return "", fmt.Errorf("odd UCS-2 string length %d", len(b))
	}
	out, err := ucs2.NewDecoder().Bytes(b)
	if err != nil {
		return "", fmt.Errorf("decoding UCS-2 string: %w", err)
	}
	return string(out), nil
}

// ToUCS2 encodes s as little-endian UCS-2 including the NUL terminator.
func ToUCS2(s string) []byte {
	// invalid UTF-8 is replaced with U+FFFD, never rejected
	out, _ := ucs2.NewEncoder().Bytes([]byte(s))
	var buf bytes.Buffer
	buf.Write(out)
	buf.Write([]byte{0, 0})
	return buf.Bytes()
}
