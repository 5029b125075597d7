package ffs

import (
	"encoding/binary"
	"fmt"

	"github.com/ccoveille/go-safecast"

	"github.com/appkins-org/go-uefi-fv/internal/firmware/efi"
)

const (
	SectionHeaderLength  = 4
	SectionHeader2Length = 8

	// SectionAlignment is the alignment of every section relative to its container.
	SectionAlignment = 4

	CompressionPrefixLength = 5
	GUIDDefinedPrefixLength = 20
)

// SectionHeader is EFI_COMMON_SECTION_HEADER or EFI_COMMON_SECTION_HEADER2.
type SectionHeader struct {
	Type SectionType

	size  uint32
	large bool
}

// NewSectionHeader builds a header for a body of bodyLen bytes, where the body
// is everything after the common header. The large variant is selected when
// the normal header cannot express the total size.
func NewSectionHeader(typ SectionType, bodyLen int) (SectionHeader, error) {
	n, err := safecast.ToUint32(bodyLen)
	if err != nil || n > 0xffffffff-SectionHeader2Length {
		return SectionHeader{}, Errorf(ErrMalformedRecord, -1, "section body length %d", bodyLen).WithSection(typ)
	}
	h := SectionHeader{Type: typ}
	// a 24-bit size of exactly 0xffffff marks the large variant
	if n+SectionHeaderLength >= MaxSize24 {
		h.large = true
		h.size = n + SectionHeader2Length
	} else {
		h.size = n + SectionHeaderLength
	}
	return h, nil
}

// Large reports whether the header is the extended-size variant.
func (h SectionHeader) Large() bool { return h.large }

// Len is the encoded header length.
func (h SectionHeader) Len() int {
	if h.large {
		return SectionHeader2Length
	}
	return SectionHeaderLength
}

// Size is the total section length including the header.
func (h SectionHeader) Size() uint32 { return h.size }

// DecodeSectionHeader reads a section header at off and checks its size against the buffer.
func DecodeSectionHeader(b []byte, off int) (SectionHeader, int, error) {
	var h SectionHeader
	if off < 0 || len(b)-off < SectionHeaderLength {
		return h, 0, Errorf(ErrMalformedRecord, int64(off), "section header truncated: %d bytes available", len(b)-off)
	}
	d := b[off:]
	h.Type = SectionType(d[3])
	h.size = uint24(d[0:3])
	if h.size == MaxSize24 {
		if len(d) < SectionHeader2Length {
			return h, 0, Errorf(ErrMalformedRecord, int64(off), "large section header truncated").WithSection(h.Type)
		}
		h.large = true
		h.size = binary.LittleEndian.Uint32(d[4:8])
	}
	if h.size < uint32(h.Len()) {
		return h, 0, Errorf(ErrMalformedRecord, int64(off), "section size %#x smaller than its header", h.size).WithSection(h.Type)
	}
	if uint64(h.size) > uint64(len(d)) {
		return h, 0, Errorf(ErrMalformedRecord, int64(off), "section size %#x exceeds %#x remaining bytes", h.size, len(d)).WithSection(h.Type)
	}
	return h, h.Len(), nil
}

// Encode returns the header bytes as stored.
func (h SectionHeader) Encode() []byte {
	b := make([]byte, h.Len())
	b[3] = uint8(h.Type)
	if h.large {
		putUint24(b[0:3], MaxSize24)
		binary.LittleEndian.PutUint32(b[4:8], h.size)
	} else {
		putUint24(b[0:3], h.size)
	}
	return b
}

func (h SectionHeader) String() string {
	return fmt.Sprintf("%s size=%#x", h.Type, h.size)
}

// CompressionType selects the EFI_COMPRESSION_SECTION algorithm.
type CompressionType uint8

const (
	CompressionNone     CompressionType = 0x00
	CompressionStandard CompressionType = 0x01
)

// CompressionPrefix follows the common header of a compression section.
type CompressionPrefix struct {
	UncompressedLength uint32
	Type               CompressionType
}

// DecodeCompressionPrefix reads the compression section fields from body.
func DecodeCompressionPrefix(body []byte) (CompressionPrefix, error) {
	var p CompressionPrefix
	if len(body) < CompressionPrefixLength {
		return p, Errorf(ErrMalformedRecord, -1, "compression section header truncated").WithSection(SectionCompression)
	}
	p.UncompressedLength = binary.LittleEndian.Uint32(body[0:4])
	p.Type = CompressionType(body[4])
	return p, nil
}

// Encode returns the 5 prefix bytes.
func (p CompressionPrefix) Encode() []byte {
	b := make([]byte, CompressionPrefixLength)
	binary.LittleEndian.PutUint32(b[0:4], p.UncompressedLength)
	b[4] = uint8(p.Type)
	return b
}

// GUIDDefinedAttributes is the attribute word of a GUID-defined section.
type GUIDDefinedAttributes uint16

const (
	GUIDDefinedProcessingRequired GUIDDefinedAttributes = 0x01
	GUIDDefinedAuthStatusValid    GUIDDefinedAttributes = 0x02
)

// GUIDDefinedPrefix follows the common header of a GUID-defined section.
// DataOffset is measured from the start of the section, common header included.
type GUIDDefinedPrefix struct {
	Algorithm  efi.GUID
	DataOffset uint16
	Attributes GUIDDefinedAttributes
}

// DecodeGUIDDefinedPrefix reads the GUID-defined fields from body. hdrLen is
// the length of the common header that precedes body.
func DecodeGUIDDefinedPrefix(body []byte, hdrLen int) (GUIDDefinedPrefix, error) {
	var p GUIDDefinedPrefix
	if len(body) < GUIDDefinedPrefixLength {
		return p, Errorf(ErrMalformedRecord, -1, "GUID-defined section header truncated").WithSection(SectionGUIDDefined)
	}
	p.Algorithm, _ = efi.GUIDFromBytes(body[0:16])
	p.DataOffset = binary.LittleEndian.Uint16(body[16:18])
	p.Attributes = GUIDDefinedAttributes(binary.LittleEndian.Uint16(body[18:20]))
	if int(p.DataOffset) < hdrLen+GUIDDefinedPrefixLength || int(p.DataOffset) > hdrLen+len(body) {
		return p, Errorf(ErrMalformedRecord, -1, "GUID-defined data offset %#x out of range", p.DataOffset).
			WithSection(SectionGUIDDefined).WithGUID(p.Algorithm)
	}
	return p, nil
}

// Encode returns the 20 prefix bytes.
func (p GUIDDefinedPrefix) Encode() []byte {
	b := make([]byte, GUIDDefinedPrefixLength)
	p.Algorithm.Put(b[0:16])
	binary.LittleEndian.PutUint16(b[16:18], p.DataOffset)
	binary.LittleEndian.PutUint16(b[18:20], uint16(p.Attributes))
	return b
}
