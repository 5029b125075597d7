package ffs

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/appkins-org/go-uefi-fv/internal/firmware/efi"
)

const (
	// VolumeHeaderFixedLength is the size of EFI_FIRMWARE_VOLUME_HEADER without its block map.
	VolumeHeaderFixedLength = 0x38
	// VolumeExtHeaderLength is the size of EFI_FIRMWARE_VOLUME_EXT_HEADER.
	VolumeExtHeaderLength = 20
	VolumeRevision        = 2

	blockMapEntryLength = 8
)

// VolumeSignature is "_FVH".
var VolumeSignature = [4]byte{'_', 'F', 'V', 'H'}

// VolumeAttributes is the EFI_FVB_ATTRIBUTES_2 bitset.
type VolumeAttributes uint32

const (
	VolumeAttrReadDisabledCap  VolumeAttributes = 0x00000001
	VolumeAttrReadEnabledCap   VolumeAttributes = 0x00000002
	VolumeAttrReadStatus       VolumeAttributes = 0x00000004
	VolumeAttrWriteDisabledCap VolumeAttributes = 0x00000008
	VolumeAttrWriteEnabledCap  VolumeAttributes = 0x00000010
	VolumeAttrWriteStatus      VolumeAttributes = 0x00000020
	VolumeAttrLockCap          VolumeAttributes = 0x00000040
	VolumeAttrLockStatus       VolumeAttributes = 0x00000080
	VolumeAttrStickyWrite      VolumeAttributes = 0x00000200
	VolumeAttrMemoryMapped     VolumeAttributes = 0x00000400
	VolumeAttrErasePolarity    VolumeAttributes = 0x00000800
	VolumeAttrReadLockCap      VolumeAttributes = 0x00001000
	VolumeAttrReadLockStatus   VolumeAttributes = 0x00002000
	VolumeAttrWriteLockCap     VolumeAttributes = 0x00004000
	VolumeAttrWriteLockStatus  VolumeAttributes = 0x00008000
	VolumeAttrAlignmentMask    VolumeAttributes = 0x001f0000
	VolumeAttrWeakAlignment    VolumeAttributes = 0x80000000
)

// BlockMapEntry is one run of equally sized blocks.
type BlockMapEntry struct {
	NumBlocks uint32
	Length    uint32
}

// VolumeHeader is EFI_FIRMWARE_VOLUME_HEADER. BlockMap excludes the {0,0} terminator.
type VolumeHeader struct {
	ZeroVector      [16]byte
	FileSystem      efi.GUID
	Length          uint64
	Signature       [4]byte
	Attributes      VolumeAttributes
	HeaderLength    uint16
	Checksum        uint16
	ExtHeaderOffset uint16
	Reserved        uint8
	Revision        uint8
	BlockMap        []BlockMapEntry
}

// DecodeVolumeHeader reads a volume header at off. The returned length is HeaderLength.
func DecodeVolumeHeader(b []byte, off int) (VolumeHeader, int, error) {
	var h VolumeHeader

	if off < 0 || len(b)-off < VolumeHeaderFixedLength {
		return h, 0, Errorf(ErrMalformedRecord, int64(off), "volume header truncated: %d bytes available", len(b)-off)
	}
	d := b[off:]

	copy(h.ZeroVector[:], d[0:16])
	h.FileSystem, _ = efi.GUIDFromBytes(d[16:32])
	h.Length = binary.LittleEndian.Uint64(d[32:40])
	copy(h.Signature[:], d[40:44])
	h.Attributes = VolumeAttributes(binary.LittleEndian.Uint32(d[44:48]))
	h.HeaderLength = binary.LittleEndian.Uint16(d[48:50])
	h.Checksum = binary.LittleEndian.Uint16(d[50:52])
	h.ExtHeaderOffset = binary.LittleEndian.Uint16(d[52:54])
	h.Reserved = d[54]
	h.Revision = d[55]

	if h.Signature != VolumeSignature {
		return h, 0, Errorf(ErrMalformedRecord, int64(off)+40, "bad volume signature %q", h.Signature[:])
	}
	if h.HeaderLength < VolumeHeaderFixedLength || h.HeaderLength%2 != 0 {
		return h, 0, Errorf(ErrMalformedRecord, int64(off)+48, "bad volume header length %#x", h.HeaderLength)
	}
	if int(h.HeaderLength) > len(d) {
		return h, 0, Errorf(ErrMalformedRecord, int64(off)+48, "volume header length %#x exceeds %d available bytes", h.HeaderLength, len(d))
	}
	if h.Length < uint64(h.HeaderLength) || h.Length > uint64(len(d)) {
		return h, 0, Errorf(ErrMalformedRecord, int64(off)+32, "volume length %#x inconsistent with %#x available bytes", h.Length, len(d))
	}

	for p := VolumeHeaderFixedLength; p+blockMapEntryLength <= int(h.HeaderLength); p += blockMapEntryLength {
		e := BlockMapEntry{
			NumBlocks: binary.LittleEndian.Uint32(d[p : p+4]),
			Length:    binary.LittleEndian.Uint32(d[p+4 : p+8]),
		}
		if e.NumBlocks == 0 && e.Length == 0 {
			break
		}
		h.BlockMap = append(h.BlockMap, e)
	}

	return h, int(h.HeaderLength), nil
}

// Encode returns the HeaderLength bytes of the header.
func (h VolumeHeader) Encode() []byte {
	size := int(h.HeaderLength)
	if need := VolumeHeaderFixedLength + (len(h.BlockMap)+1)*blockMapEntryLength; size < need {
		size = need
	}
	b := make([]byte, size)

	copy(b[0:16], h.ZeroVector[:])
	h.FileSystem.Put(b[16:32])
	binary.LittleEndian.PutUint64(b[32:40], h.Length)
	copy(b[40:44], h.Signature[:])
	binary.LittleEndian.PutUint32(b[44:48], uint32(h.Attributes))
	binary.LittleEndian.PutUint16(b[48:50], h.HeaderLength)
	binary.LittleEndian.PutUint16(b[50:52], h.Checksum)
	binary.LittleEndian.PutUint16(b[52:54], h.ExtHeaderOffset)
	b[54] = h.Reserved
	b[55] = h.Revision

	p := VolumeHeaderFixedLength
	for _, e := range h.BlockMap {
		binary.LittleEndian.PutUint32(b[p:p+4], e.NumBlocks)
		binary.LittleEndian.PutUint32(b[p+4:p+8], e.Length)
		p += blockMapEntryLength
	}

	return b
}

// UpdateChecksum recomputes Checksum so the header words sum to zero.
func (h *VolumeHeader) UpdateChecksum() {
	h.Checksum = 0
	h.Checksum = efi.Checksum16(h.Encode())
}

// ValidChecksum reports whether the encoded header words sum to zero.
func (h VolumeHeader) ValidChecksum() bool {
	return efi.Sum16(h.Encode()) == 0
}

// ErasePolarity returns the value of an unwritten byte.
func (h VolumeHeader) ErasePolarity() byte {
	if h.Attributes&VolumeAttrErasePolarity != 0 {
		return 0xff
	}
	return 0x00
}

// Alignment returns the alignment the volume guarantees for its base address.
func (h VolumeHeader) Alignment() uint64 {
	return 1 << ((h.Attributes & VolumeAttrAlignmentMask) >> 16)
}

// BlockSize is the block length of the last block map run, the run a resize adjusts.
func (h VolumeHeader) BlockSize() uint64 {
	if len(h.BlockMap) == 0 {
		return 1
	}
	if l := h.BlockMap[len(h.BlockMap)-1].Length; l != 0 {
		return uint64(l)
	}
	return 1
}

// RoundToBlock rounds n up to a whole number of blocks.
func (h VolumeHeader) RoundToBlock(n uint64) uint64 {
	bs := h.BlockSize()
	return (n + bs - 1) / bs * bs
}

// Resize returns a copy of h declaring length n, adjusting the last block map run.
// The block map of h is not modified.
func (h VolumeHeader) Resize(n uint64) (VolumeHeader, error) {
	out := h
	out.BlockMap = append([]BlockMapEntry(nil), h.BlockMap...)
	out.Length = n
	if len(out.BlockMap) == 0 {
		return out, nil
	}

	var fixed uint64
	for _, e := range out.BlockMap[:len(out.BlockMap)-1] {
		fixed += uint64(e.NumBlocks) * uint64(e.Length)
	}
	last := &out.BlockMap[len(out.BlockMap)-1]
	bs := uint64(last.Length)
	if n < fixed || bs == 0 || (n-fixed)%bs != 0 {
		return h, Errorf(ErrAlignmentViolation, -1, "volume length %#x is not a whole number of %#x byte blocks", n, bs)
	}
	count := (n - fixed) / bs
	if count > 0xffffffff {
		return h, Errorf(ErrInsufficientSpace, -1, "volume length %#x exceeds block map capacity", n)
	}
	last.NumBlocks = uint32(count)

	return out, nil
}

// VolumeExtHeader is the fixed part of EFI_FIRMWARE_VOLUME_EXT_HEADER.
type VolumeExtHeader struct {
	Name efi.GUID
	Size uint32
}

// DecodeVolumeExtHeader reads an extended header at off.
func DecodeVolumeExtHeader(b []byte, off int) (VolumeExtHeader, error) {
	var e VolumeExtHeader
	if off < 0 || len(b)-off < VolumeExtHeaderLength {
		return e, Errorf(ErrMalformedRecord, int64(off), "volume extended header truncated")
	}
	e.Name, _ = efi.GUIDFromBytes(b[off : off+16])
	e.Size = binary.LittleEndian.Uint32(b[off+16 : off+20])
	if e.Size < VolumeExtHeaderLength || uint64(off)+uint64(e.Size) > uint64(len(b)) {
		return e, Errorf(ErrMalformedRecord, int64(off)+16, "volume extended header size %#x out of bounds", e.Size)
	}
	return e, nil
}

// Encode returns the 20 byte fixed part.
func (e VolumeExtHeader) Encode() []byte {
	b := make([]byte, VolumeExtHeaderLength)
	e.Name.Put(b[0:16])
	binary.LittleEndian.PutUint32(b[16:20], e.Size)
	return b
}

// IsErased reports whether every byte of b equals the erase value.
func IsErased(b []byte, erase byte) bool {
	for _, v := range b {
		if v != erase {
			return false
		}
	}
	return true
}

// Fill returns n bytes of value v.
func Fill(n int, v byte) []byte {
	if n <= 0 {
		return nil
	}
	return bytes.Repeat([]byte{v}, n)
}

// Align rounds n up to a multiple of a. a must be a power of two.
func Align(n, a uint64) uint64 {
	if a <= 1 {
		return n
	}
	return (n + a - 1) &^ (a - 1)
}

func (h VolumeHeader) String() string {
	return fmt.Sprintf("fs=%s length=%#x attrs=%#08x hdr=%#x ext=%#x", h.FileSystem, h.Length, uint32(h.Attributes), h.HeaderLength, h.ExtHeaderOffset)
}
