package ffs

import (
	"encoding/binary"
	"fmt"

	"github.com/ccoveille/go-safecast"

	"github.com/appkins-org/go-uefi-fv/internal/firmware/efi"
)

const (
	FileHeaderLength  = 24
	FileHeader2Length = 32

	// MaxSize24 is the largest value a 3 byte size field holds.
	MaxSize24 = 0xffffff

	// FileAlignment is the alignment of every file relative to its volume.
	FileAlignment = 8

	// FileDataChecksumFixed is stored when the file data is not checksummed.
	FileDataChecksumFixed = 0xaa
)

// FileAttributes is the EFI_FFS_FILE_ATTRIBUTES bitset.
type FileAttributes uint8

const (
	FileAttrLargeFile      FileAttributes = 0x01
	FileAttrDataAlignment2 FileAttributes = 0x02
	FileAttrFixed          FileAttributes = 0x04
	FileAttrDataAlignment  FileAttributes = 0x38
	FileAttrChecksum       FileAttributes = 0x40
)

var (
	dataAlignments  = [8]uint64{1, 16, 128, 512, 1 << 10, 4 << 10, 32 << 10, 64 << 10}
	dataAlignments2 = [8]uint64{128 << 10, 256 << 10, 512 << 10, 1 << 20, 2 << 20, 4 << 20, 8 << 20, 16 << 20}
)

// DataAlignment returns the required alignment of the file data.
func (a FileAttributes) DataAlignment() uint64 {
	i := (a & FileAttrDataAlignment) >> 3
	if a&FileAttrDataAlignment2 != 0 {
		return dataAlignments2[i]
	}
	return dataAlignments[i]
}

// WithDataAlignment returns a with its alignment bits set to the smallest
// encodable alignment not below align.
func (a FileAttributes) WithDataAlignment(align uint64) (FileAttributes, error) {
	a &^= FileAttrDataAlignment | FileAttrDataAlignment2
	for i, v := range dataAlignments {
		if v >= align {
			return a | FileAttributes(i<<3), nil
		}
	}
	for i, v := range dataAlignments2 {
		if v >= align {
			return a | FileAttrDataAlignment2 | FileAttributes(i<<3), nil
		}
	}
	return a, Errorf(ErrAlignmentViolation, -1, "file alignment %#x is not encodable", align)
}

// FileState is the EFI_FFS_FILE_STATE bitset as it reads with erase polarity 0.
type FileState uint8

const (
	FileStateHeaderConstruction FileState = 0x01
	FileStateHeaderValid        FileState = 0x02
	FileStateDataValid          FileState = 0x04
	FileStateMarkedForUpdate    FileState = 0x08
	FileStateDeleted            FileState = 0x10
	FileStateHeaderInvalid      FileState = 0x20

	// FileStateValid is the state of a complete, live file.
	FileStateValid = FileStateHeaderConstruction | FileStateHeaderValid | FileStateDataValid
)

// Encode returns the state byte as stored in a volume with the given erase value.
func (s FileState) Encode(erase byte) uint8 {
	if erase != 0 {
		return ^uint8(s)
	}
	return uint8(s)
}

// DecodeFileState reverses Encode.
func DecodeFileState(b uint8, erase byte) FileState {
	if erase != 0 {
		return FileState(^b)
	}
	return FileState(b)
}

// FileHeader is EFI_FFS_FILE_HEADER or EFI_FFS_FILE_HEADER2. The variant is
// carried by FileAttrLargeFile and is chosen only by NewFileHeader.
type FileHeader struct {
	Name           efi.GUID
	HeaderChecksum uint8
	DataChecksum   uint8
	Type           FileType
	Attributes     FileAttributes
	State          uint8

	size uint64
}

// NewFileHeader builds a header for a body of bodyLen bytes. The large variant
// is selected when the normal header cannot express the total size.
func NewFileHeader(name efi.GUID, typ FileType, attrs FileAttributes, state uint8, bodyLen int) (FileHeader, error) {
	n, err := safecast.ToUint64(bodyLen)
	if err != nil {
		return FileHeader{}, Errorf(ErrMalformedRecord, -1, "file body length %d", bodyLen).WithGUID(name).Wrap(err)
	}
	h := FileHeader{Name: name, Type: typ, State: state}
	if n+FileHeaderLength > MaxSize24 {
		h.Attributes = attrs | FileAttrLargeFile
		h.size = n + FileHeader2Length
	} else {
		h.Attributes = attrs &^ FileAttrLargeFile
		h.size = n + FileHeaderLength
	}
	return h, nil
}

// Large reports whether the header is the extended-size variant.
func (h FileHeader) Large() bool {
	return h.Attributes&FileAttrLargeFile != 0
}

// Len is the encoded header length.
func (h FileHeader) Len() int {
	if h.Large() {
		return FileHeader2Length
	}
	return FileHeaderLength
}

// Size is the total file length including the header.
func (h FileHeader) Size() uint64 {
	return h.size
}

// DataAlignment is the required alignment of the file data.
func (h FileHeader) DataAlignment() uint64 {
	return h.Attributes.DataAlignment()
}

// DecodeFileHeader reads a file header at off and checks its size against the buffer.
func DecodeFileHeader(b []byte, off int) (FileHeader, int, error) {
	var h FileHeader
	if off < 0 || len(b)-off < FileHeaderLength {
		return h, 0, Errorf(ErrMalformedRecord, int64(off), "file header truncated: %d bytes available", len(b)-off)
	}
	d := b[off:]

	h.Name, _ = efi.GUIDFromBytes(d[0:16])
	h.HeaderChecksum = d[16]
	h.DataChecksum = d[17]
	h.Type = FileType(d[18])
	h.Attributes = FileAttributes(d[19])
	h.State = d[23]
	h.size = uint64(uint24(d[20:23]))

	if h.Large() {
		if len(d) < FileHeader2Length {
			return h, 0, Errorf(ErrMalformedRecord, int64(off), "large file header truncated").WithGUID(h.Name)
		}
		h.size = binary.LittleEndian.Uint64(d[24:32])
	}

	if h.size < uint64(h.Len()) {
		return h, 0, Errorf(ErrMalformedRecord, int64(off), "file size %#x smaller than its header", h.size).WithGUID(h.Name)
	}
	if h.size > uint64(len(d)) {
		return h, 0, Errorf(ErrMalformedRecord, int64(off), "file size %#x exceeds %#x remaining bytes", h.size, len(d)).WithGUID(h.Name)
	}

	return h, h.Len(), nil
}

// Encode returns the header bytes as stored.
func (h FileHeader) Encode() []byte {
	b := make([]byte, h.Len())
	h.Name.Put(b[0:16])
	b[16] = h.HeaderChecksum
	b[17] = h.DataChecksum
	b[18] = uint8(h.Type)
	b[19] = uint8(h.Attributes)
	b[23] = h.State
	if h.Large() {
		binary.LittleEndian.PutUint64(b[24:32], h.size)
	} else {
		putUint24(b[20:23], uint32(h.size))
	}
	return b
}

// UpdateChecksums recomputes both integrity check lanes for body.
func (h *FileHeader) UpdateChecksums(body []byte) {
	h.HeaderChecksum = efi.Checksum8(h.checksummedHeader())
	if h.Attributes&FileAttrChecksum != 0 {
		h.DataChecksum = efi.Checksum8(body)
	} else {
		h.DataChecksum = FileDataChecksumFixed
	}
}

// VerifyChecksums checks both integrity check lanes against body.
func (h FileHeader) VerifyChecksums(body []byte) error {
	hdr := h.checksummedHeader()
	hdr[16] = h.HeaderChecksum
	if s := efi.Sum8(hdr); s != 0 {
		return Errorf(ErrChecksumMismatch, -1, "file header sums to %#02x", s).WithGUID(h.Name)
	}
	want := uint8(FileDataChecksumFixed)
	if h.Attributes&FileAttrChecksum != 0 {
		want = efi.Checksum8(body)
	}
	if h.DataChecksum != want {
		return Errorf(ErrChecksumMismatch, -1, "file data checksum %#02x, want %#02x", h.DataChecksum, want).WithGUID(h.Name)
	}
	return nil
}

// checksummedHeader is the header with both checksum lanes and the state zeroed.
func (h FileHeader) checksummedHeader() []byte {
	b := h.Encode()
	b[16], b[17], b[23] = 0, 0, 0
	return b
}

func (h FileHeader) String() string {
	return fmt.Sprintf("%s type=%s attrs=%#02x size=%#x state=%#02x", h.Name, h.Type, uint8(h.Attributes), h.size, h.State)
}

func uint24(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16
}

func putUint24(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
}
