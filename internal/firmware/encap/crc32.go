package encap

import (
	"context"
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/appkins-org/go-uefi-fv/internal/firmware/efi"
)

// CRC32HeaderSize is the CRC stored ahead of the data in a CRC32 GUID-defined section.
const CRC32HeaderSize = 4

// CRC32 verifies and strips the checksum on decode and prepends it on encode.
type CRC32 struct{}

func (CRC32) Decode(_ context.Context, in []byte) ([]byte, error) {
	if len(in) < CRC32HeaderSize {
		return nil, failedGUID("crc32", efi.CRC32GuidedSectionGUID, fmt.Errorf("payload of %d bytes has no CRC", len(in)))
	}
	want := binary.LittleEndian.Uint32(in[:CRC32HeaderSize])
	data := in[CRC32HeaderSize:]
	if got := crc32.ChecksumIEEE(data); got != want {
		return nil, failedGUID("crc32", efi.CRC32GuidedSectionGUID, fmt.Errorf("crc %#08x, stored %#08x", got, want))
	}
	return data, nil
}

func (CRC32) Encode(_ context.Context, in []byte) ([]byte, error) {
	out := make([]byte, CRC32HeaderSize+len(in))
	binary.LittleEndian.PutUint32(out, crc32.ChecksumIEEE(in))
	copy(out[CRC32HeaderSize:], in)
	return out, nil
}
