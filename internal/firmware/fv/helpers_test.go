package fv

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/appkins-org/go-uefi-fv/internal/firmware/depex"
	"github.com/appkins-org/go-uefi-fv/internal/firmware/efi"
	"github.com/appkins-org/go-uefi-fv/internal/firmware/encap"
	"github.com/appkins-org/go-uefi-fv/internal/firmware/ffs"
)

var (
	guidA     = efi.MustParseGUID("11111111-2222-3333-4444-555555555555")
	guidB     = efi.MustParseGUID("aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee")
	guidC     = efi.MustParseGUID("0c0c0c0c-0c0c-0c0c-0c0c-0c0c0c0c0c0c")
	guidInner = efi.MustParseGUID("9e21fd93-9c72-4c15-8c4b-e77f1db2d792")
	guidFVN   = efi.MustParseGUID("763bed0d-de9f-48f5-81f1-3e90e1b1a015")
	guidX     = efi.MustParseGUID("5a5a5a5a-0000-1111-2222-333333333333")
)

type volumeSpec struct {
	length uint64
	block  uint64
	erase  byte
	fs     efi.GUID
	// attrs is OR-ed into the default attributes, which declare 16 byte alignment.
	attrs ffs.VolumeAttributes
	// name, when set, adds an extended header wrapped in a pad file.
	name  *efi.GUID
	files []*File
}

// buildVolume lays out a volume the way GenFv does: files back to back on
// 8 byte boundaries, erase bytes after the last one.
func buildVolume(t *testing.T, s volumeSpec) []byte {
	t.Helper()
	if s.block == 0 {
		s.block = 0x1000
	}
	if s.fs.IsZero() {
		s.fs = efi.FFS2GUID
	}
	attrs := ffs.VolumeAttrReadEnabledCap | ffs.VolumeAttrReadStatus | ffs.VolumeAttrMemoryMapped | s.attrs
	if attrs&ffs.VolumeAttrAlignmentMask == 0 {
		attrs |= ffs.VolumeAttributes(4 << 16)
	}
	if s.erase == 0xff {
		attrs |= ffs.VolumeAttrErasePolarity
	}
	h := ffs.VolumeHeader{
		FileSystem:   s.fs,
		Length:       s.length,
		Signature:    ffs.VolumeSignature,
		Attributes:   attrs,
		HeaderLength: 0x48,
		Revision:     ffs.VolumeRevision,
		BlockMap:     []ffs.BlockMapEntry{{NumBlocks: uint32(s.length / s.block), Length: uint32(s.block)}},
	}

	files := s.files
	if s.name != nil {
		ext := ffs.VolumeExtHeader{Name: *s.name, Size: ffs.VolumeExtHeaderLength}
		pad, err := NewRawFile(efi.GUID{}, ffs.FileTypePad, 0, ext.Encode())
		require.NoError(t, err)
		files = append([]*File{pad}, files...)
		h.ExtHeaderOffset = 0x48 + ffs.FileHeaderLength
	}
	h.UpdateChecksum()

	var buf bytes.Buffer
	buf.Write(h.Encode())
	for _, f := range files {
		raw := bytes.Clone(f.Bytes())
		raw[23] = ffs.FileStateValid.Encode(s.erase)
		buf.Write(raw)
		for buf.Len()%ffs.FileAlignment != 0 {
			buf.WriteByte(s.erase)
		}
	}
	require.LessOrEqual(t, uint64(buf.Len()), s.length, "files overflow the volume")
	buf.Write(ffs.Fill(int(s.length)-buf.Len(), s.erase))
	return buf.Bytes()
}

func rawFile(t *testing.T, name efi.GUID, size int) *File {
	t.Helper()
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i * 7)
	}
	f, err := NewRawFile(name, ffs.FileTypeRaw, 0, data)
	require.NoError(t, err)
	return f
}

func driverFile(t *testing.T, name efi.GUID, ui string, expr depex.Expression) *File {
	t.Helper()
	var secs []*Section
	if expr != nil {
		secs = append(secs, section(t, ffs.SectionDXEDepex, &Depex{Expr: expr}))
	}
	secs = append(secs,
		section(t, ffs.SectionPE32, &Raw{Data: []byte("MZ\x90\x00 driver image")}),
		section(t, ffs.SectionUserInterface, &UserInterface{Name: ui}),
	)
	f, err := NewFile(name, ffs.FileTypeDriver, ffs.FileAttrChecksum, secs...)
	require.NoError(t, err)
	return f
}

func section(t *testing.T, typ ffs.SectionType, p Payload) *Section {
	t.Helper()
	s, err := NewSection(context.Background(), testCodecs(), typ, p)
	require.NoError(t, err)
	return s
}

func testCodecs() *encap.Registry {
	return encap.NewDefaultRegistry(encap.Options{})
}

// nestedImage returns a root volume holding an FV_IMAGE file whose LZMA
// compressed section wraps an inner volume named guidInner containing guidX.
func nestedImage(t *testing.T) []byte {
	t.Helper()
	inner := buildVolume(t, volumeSpec{
		length: 0x1000,
		block:  0x200,
		erase:  0xff,
		name:   &guidInner,
		files:  []*File{driverFile(t, guidX, "Inner", nil)},
	})
	fvSec := section(t, ffs.SectionFirmwareVolume, &Raw{Data: inner})
	gd := section(t, ffs.SectionGUIDDefined, &GUIDDefined{
		Algorithm:  efi.LZMACustomDecompressGUID,
		Attributes: ffs.GUIDDefinedProcessingRequired,
		Sections:   []*Section{fvSec},
	})
	outer, err := NewFile(guidFVN, ffs.FileTypeFirmwareVolumeImage, 0, gd)
	require.NoError(t, err)

	return buildVolume(t, volumeSpec{
		length: 0x4000,
		erase:  0xff,
		files:  []*File{driverFile(t, guidA, "Outer", nil), outer},
	})
}

func mustParse(t *testing.T, b []byte) *Volume {
	t.Helper()
	v, err := (&Parser{Codecs: testCodecs()}).Parse(context.Background(), b)
	require.NoError(t, err)
	return v
}
