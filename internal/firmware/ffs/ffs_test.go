package ffs

import (
	"encoding/binary"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/appkins-org/go-uefi-fv/internal/firmware/efi"
)

var testName = efi.MustParseGUID("11111111-2222-3333-4444-555555555555")

func TestNewFileHeaderVariant(t *testing.T) {
	tests := []struct {
		name    string
		bodyLen int
		large   bool
		size    uint64
	}{
		{name: "empty", bodyLen: 0, size: 24},
		{name: "largest normal", bodyLen: 0xffffff - 24, size: 0xffffff},
		{name: "smallest large", bodyLen: 0xffffff - 23, large: true, size: 0xffffff - 23 + 32},
		{name: "far past the limit", bodyLen: 0x1000005, large: true, size: 0x1000025},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := NewFileHeader(testName, FileTypeRaw, FileAttrChecksum, 0x07, tt.bodyLen)
			require.NoError(t, err)
			assert.Equal(t, tt.large, h.Large())
			assert.Equal(t, tt.size, h.Size())
			assert.Equal(t, FileAttrChecksum, h.Attributes&FileAttrChecksum)

			b := h.Encode()
			if tt.large {
				require.Len(t, b, FileHeader2Length)
				assert.Equal(t, []byte{0, 0, 0}, b[20:23])
				assert.Equal(t, tt.size, binary.LittleEndian.Uint64(b[24:32]))
			} else {
				require.Len(t, b, FileHeaderLength)
				assert.Equal(t, uint32(tt.size), uint24(b[20:23]))
			}
		})
	}

	_, err := NewFileHeader(testName, FileTypeRaw, 0, 0x07, -1)
	assert.ErrorIs(t, err, ErrMalformedRecord)
}

func TestDecodeFileHeader(t *testing.T) {
	body := []byte("hello, firmware")
	h, err := NewFileHeader(testName, FileTypeFreeform, FileAttrChecksum, FileStateValid.Encode(0xff), len(body))
	require.NoError(t, err)
	h.UpdateChecksums(body)
	buf := append(h.Encode(), body...)

	got, n, err := DecodeFileHeader(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, FileHeaderLength, n)
	if diff := cmp.Diff(h, got, cmp.AllowUnexported(FileHeader{})); diff != "" {
		t.Errorf("header mismatch (-want +got):\n%s", diff)
	}
	require.NoError(t, got.VerifyChecksums(body))

	t.Run("state does not affect the header checksum", func(t *testing.T) {
		other := got
		other.State = FileStateDeleted.Encode(0xff)
		assert.NoError(t, other.VerifyChecksums(body))
	})

	t.Run("data checksum", func(t *testing.T) {
		bad := append([]byte(nil), body...)
		bad[0] ^= 0xff
		assert.ErrorIs(t, got.VerifyChecksums(bad), ErrChecksumMismatch)
	})

	t.Run("size past the buffer", func(t *testing.T) {
		_, _, err := DecodeFileHeader(buf[:len(buf)-1], 0)
		assert.ErrorIs(t, err, ErrMalformedRecord)
	})

	t.Run("truncated", func(t *testing.T) {
		_, _, err := DecodeFileHeader(buf[:10], 0)
		assert.ErrorIs(t, err, ErrMalformedRecord)
	})
}

func TestFixedDataChecksum(t *testing.T) {
	h, err := NewFileHeader(testName, FileTypeRaw, 0, 0x07, 4)
	require.NoError(t, err)
	h.UpdateChecksums([]byte{1, 2, 3, 4})
	assert.Equal(t, uint8(FileDataChecksumFixed), h.DataChecksum)
	assert.NoError(t, h.VerifyChecksums([]byte{9, 9, 9, 9}))
}

func TestFileState(t *testing.T) {
	assert.Equal(t, uint8(0x07), FileStateValid.Encode(0))
	assert.Equal(t, uint8(0xf8), FileStateValid.Encode(0xff))
	assert.Equal(t, FileStateValid, DecodeFileState(0xf8, 0xff))
	assert.Equal(t, FileStateValid, DecodeFileState(0x07, 0))
}

func TestDataAlignment(t *testing.T) {
	tests := []struct {
		align uint64
		want  uint64
	}{
		{align: 1, want: 1},
		{align: 8, want: 16},
		{align: 0x1000, want: 0x1000},
		{align: 0x10000, want: 0x10000},
		{align: 0x20000, want: 0x20000},
		{align: 0x1000000, want: 0x1000000},
	}
	for _, tt := range tests {
		a, err := FileAttrChecksum.WithDataAlignment(tt.align)
		require.NoError(t, err)
		assert.Equal(t, tt.want, a.DataAlignment(), "align %#x", tt.align)
		assert.Equal(t, FileAttrChecksum, a&FileAttrChecksum)
	}

	_, err := FileAttributes(0).WithDataAlignment(0x2000000)
	assert.ErrorIs(t, err, ErrAlignmentViolation)
}

func TestSectionHeaderVariant(t *testing.T) {
	tests := []struct {
		name    string
		bodyLen int
		large   bool
		size    uint32
	}{
		{name: "small", bodyLen: 10, size: 14},
		{name: "largest normal", bodyLen: 0xfffffa, size: 0xfffffe},
		{name: "size field would hit the sentinel", bodyLen: 0xfffffb, large: true, size: 0xfffffb + 8},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := NewSectionHeader(SectionRaw, tt.bodyLen)
			require.NoError(t, err)
			assert.Equal(t, tt.large, h.Large())
			assert.Equal(t, tt.size, h.Size())

			b := h.Encode()
			if tt.large {
				assert.Equal(t, []byte{0xff, 0xff, 0xff, byte(SectionRaw)}, b[:4])
				assert.Equal(t, tt.size, binary.LittleEndian.Uint32(b[4:8]))
			}
		})
	}
}

func TestDecodeSectionHeader(t *testing.T) {
	b := []byte{0x0c, 0x00, 0x00, byte(SectionUserInterface), 'A', 0, 0, 0, 0, 0, 0, 0}
	h, n, err := DecodeSectionHeader(b, 0)
	require.NoError(t, err)
	assert.Equal(t, SectionHeaderLength, n)
	assert.Equal(t, uint32(12), h.Size())
	assert.Equal(t, SectionUserInterface, h.Type)

	_, _, err = DecodeSectionHeader([]byte{0x20, 0, 0, 0x19, 0}, 0)
	assert.ErrorIs(t, err, ErrMalformedRecord)
	_, _, err = DecodeSectionHeader([]byte{0x02, 0, 0, 0x19}, 0)
	assert.ErrorIs(t, err, ErrMalformedRecord)
}

func TestGUIDDefinedPrefix(t *testing.T) {
	p := GUIDDefinedPrefix{Algorithm: efi.CRC32GuidedSectionGUID, DataOffset: 28, Attributes: GUIDDefinedAuthStatusValid}
	body := append(p.Encode(), make([]byte, 8)...)
	got, err := DecodeGUIDDefinedPrefix(body, SectionHeaderLength)
	require.NoError(t, err)
	assert.Equal(t, p, got)

	p.DataOffset = 0x100
	_, err = DecodeGUIDDefinedPrefix(p.Encode(), SectionHeaderLength)
	assert.ErrorIs(t, err, ErrMalformedRecord)
}

func newVolumeHeader() VolumeHeader {
	h := VolumeHeader{
		FileSystem:   efi.FFS2GUID,
		Length:       0x4000,
		Signature:    VolumeSignature,
		Attributes:   VolumeAttrErasePolarity | VolumeAttributes(4<<16),
		HeaderLength: 0x48,
		Revision:     VolumeRevision,
		BlockMap:     []BlockMapEntry{{NumBlocks: 4, Length: 0x1000}},
	}
	h.UpdateChecksum()
	return h
}

func TestVolumeHeader(t *testing.T) {
	h := newVolumeHeader()
	b := h.Encode()
	require.Len(t, b, 0x48)
	assert.Equal(t, uint16(0), efi.Sum16(b))

	buf := append(b, make([]byte, 0x4000-0x48)...)
	got, n, err := DecodeVolumeHeader(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, 0x48, n)
	if diff := cmp.Diff(h, got); diff != "" {
		t.Errorf("header mismatch (-want +got):\n%s", diff)
	}
	assert.True(t, got.ValidChecksum())
	assert.Equal(t, byte(0xff), got.ErasePolarity())
	assert.Equal(t, uint64(16), got.Alignment())

	_, _, err = DecodeVolumeHeader(buf[:0x1000], 0)
	assert.ErrorIs(t, err, ErrMalformedRecord)

	buf[40] = 'X'
	_, _, err = DecodeVolumeHeader(buf, 0)
	assert.ErrorIs(t, err, ErrMalformedRecord)
}

func TestVolumeResize(t *testing.T) {
	h := newVolumeHeader()

	grown, err := h.Resize(0x6000)
	require.NoError(t, err)
	assert.Equal(t, []BlockMapEntry{{NumBlocks: 6, Length: 0x1000}}, grown.BlockMap)
	assert.Equal(t, []BlockMapEntry{{NumBlocks: 4, Length: 0x1000}}, h.BlockMap)
	assert.Equal(t, uint64(0x3000), h.RoundToBlock(0x2001))

	_, err = h.Resize(0x6001)
	assert.ErrorIs(t, err, ErrAlignmentViolation)
}

func TestErrorFormatting(t *testing.T) {
	st := SectionGUIDDefined
	err := Errorf(ErrUnsupportedEncapsulation, 0x40, "no codec").WithGUID(testName).WithSection(st).At("fv[x]/file[y]")
	assert.ErrorIs(t, err, ErrUnsupportedEncapsulation)
	assert.Equal(t,
		"unsupported encapsulation at fv[x]/file[y] guid=11111111-2222-3333-4444-555555555555 offset=0x40 section=GUID_DEFINED: no codec",
		err.Error())
}
