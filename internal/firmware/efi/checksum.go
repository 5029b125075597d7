package efi

import "encoding/binary"

// Sum8 returns the 8-bit additive sum of b.
func Sum8(b []byte) uint8 {
	var s uint8
	for _, v := range b {
		s += v
	}
	return s
}

// Checksum8 returns the value that makes the 8-bit sum of b plus the checksum zero.
func Checksum8(b []byte) uint8 {
	return -Sum8(b)
}

// Sum16 returns the 16-bit additive sum of b read as little-endian words.
// A trailing odd byte is ignored.
func Sum16(b []byte) uint16 {
	var s uint16
	for i := 0; i+1 < len(b); i += 2 {
		s += binary.LittleEndian.Uint16(b[i:])
	}
	return s
}

// Checksum16 returns the word that makes the 16-bit sum of b plus the checksum zero.
func Checksum16(b []byte) uint16 {
	return -Sum16(b)
}
