package fv

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/appkins-org/go-uefi-fv/internal/firmware/efi"
	"github.com/appkins-org/go-uefi-fv/internal/firmware/encap"
	"github.com/appkins-org/go-uefi-fv/internal/firmware/ffs"
)

func editor() *Editor {
	return &Editor{Codecs: testCodecs()}
}

// checkConsistent verifies checksums and that the serialized tree parses back
// to the same bytes.
func checkConsistent(t *testing.T, v *Volume) {
	t.Helper()
	require.NoError(t, Verify(v))
	again := mustParse(t, v.Bytes())
	require.True(t, bytes.Equal(v.Bytes(), again.Bytes()), "reparse changed the image")
	require.NoError(t, Verify(again))
	require.Equal(t, v.Header.Length, uint64(len(v.Bytes())))
}

func TestAddFileWithinFreeSpace(t *testing.T) {
	ctx := context.Background()
	img := buildVolume(t, volumeSpec{length: 0x10000, erase: 0xff, files: []*File{rawFile(t, guidA, 4096)}})
	v := mustParse(t, img)
	require.Equal(t, uint64(0xefa0), v.Free.Erased)

	v2, err := editor().AddFile(ctx, v, rawFile(t, guidB, 2048))
	require.NoError(t, err)
	checkConsistent(t, v2)

	assert.Equal(t, uint64(0x10000), v2.Header.Length)
	assert.Equal(t, v.Header.Checksum, v2.Header.Checksum)
	require.Len(t, v2.Files, 2)
	assert.Equal(t, uint64(0x1060), v2.Files[1].Offset)
	assert.Equal(t, uint64(0xe788), v2.Free.Erased)
	assert.True(t, bytes.Equal(img, v.Bytes()), "input tree modified")

	t.Run("over maximum", func(t *testing.T) {
		e := editor()
		e.MaxLength = 0x10000
		_, err := e.AddFile(ctx, v2, rawFile(t, guidC, 0xf000))
		require.ErrorIs(t, err, ffs.ErrInsufficientSpace)
		assert.Equal(t, uint64(0x10000), v2.Header.Length)
		assert.Len(t, v2.Files, 2)
	})

	t.Run("grows without maximum", func(t *testing.T) {
		v3, err := editor().AddFile(ctx, v2, rawFile(t, guidC, 0xf000))
		require.NoError(t, err)
		checkConsistent(t, v3)
		assert.Equal(t, uint64(0x11000), v3.Header.Length)
		assert.Equal(t, []ffs.BlockMapEntry{{NumBlocks: 0x11, Length: 0x1000}}, v3.Header.BlockMap)
		assert.Equal(t, uint64(0x11000-0x10890), v3.Free.Erased)
		assert.Equal(t, []ffs.BlockMapEntry{{NumBlocks: 0x10, Length: 0x1000}}, v2.Header.BlockMap)
	})

	t.Run("duplicate name", func(t *testing.T) {
		_, err := editor().AddFile(ctx, v2, rawFile(t, guidA, 1))
		assert.ErrorIs(t, err, ffs.ErrDuplicateIdentity)
	})
}

func TestReplaceFileCrossesLargeThreshold(t *testing.T) {
	ctx := context.Background()
	v := mustParse(t, buildVolume(t, volumeSpec{length: 0x2000, erase: 0xff, files: []*File{rawFile(t, guidA, 100)}}))
	require.Equal(t, efi.FFS2GUID, v.Header.FileSystem)

	big := rawFile(t, guidA, 0x1000005)
	require.True(t, big.Header.Large())

	v2, err := editor().ReplaceFile(ctx, v, guidA, big)
	require.NoError(t, err)
	checkConsistent(t, v2)

	f := v2.Files[0]
	assert.True(t, f.Header.Large())
	assert.Equal(t, uint64(0x1000025), f.Header.Size())
	assert.Equal(t, efi.FFS3GUID, v2.Header.FileSystem)
	assert.Equal(t, uint64(0x1001000), v2.Header.Length)
	assert.Equal(t, efi.FFS2GUID, v.Header.FileSystem)

	again := mustParse(t, v2.Bytes())
	assert.True(t, bytes.Equal(big.Data, again.Files[0].Data), "payload changed across the header switch")

	v3, err := editor().ReplaceFile(ctx, v2, guidA, rawFile(t, guidA, 100))
	require.NoError(t, err)
	checkConsistent(t, v3)
	assert.False(t, v3.Files[0].Header.Large())
	assert.Equal(t, efi.FFS2GUID, v3.Header.FileSystem)
}

func TestReplaceFileKeepsOtherFileSystems(t *testing.T) {
	v := mustParse(t, buildVolume(t, volumeSpec{length: 0x2000, erase: 0xff, fs: efi.FFS1GUID, files: []*File{rawFile(t, guidA, 10)}}))
	v2, err := editor().ReplaceFile(context.Background(), v, guidA, rawFile(t, guidA, 20))
	require.NoError(t, err)
	assert.Equal(t, efi.FFS1GUID, v2.Header.FileSystem)
}

func TestDeleteFile(t *testing.T) {
	ctx := context.Background()
	img := buildVolume(t, volumeSpec{length: 0x4000, erase: 0xff, files: []*File{rawFile(t, guidA, 300)}})
	v := mustParse(t, img)

	v2, err := editor().AddFile(ctx, v, rawFile(t, guidB, 500))
	require.NoError(t, err)
	v3, err := editor().DeleteFile(ctx, v2, guidB)
	require.NoError(t, err)
	checkConsistent(t, v3)
	assert.True(t, bytes.Equal(img, v3.Bytes()), "delete did not undo add")

	_, err = editor().DeleteFile(ctx, v3, guidB)
	assert.ErrorIs(t, err, ffs.ErrNotFound)
}

func TestShrinkVolumeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	v := mustParse(t, buildVolume(t, volumeSpec{length: 0x10000, erase: 0xff, files: []*File{rawFile(t, guidA, 4096), rawFile(t, guidB, 2048)}}))

	once, err := editor().ShrinkVolume(ctx, v)
	require.NoError(t, err)
	checkConsistent(t, once)
	assert.Equal(t, uint64(0x2000), once.Header.Length)
	assert.Equal(t, uint64(0x788), once.Free.Erased)

	twice, err := editor().ShrinkVolume(ctx, once)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(once.Bytes(), twice.Bytes()))
}

func TestEditNestedVolume(t *testing.T) {
	ctx := context.Background()
	img := nestedImage(t)
	v := mustParse(t, img)

	bigger := driverFile(t, guidX, "Inner v2 with a longer name", nil)
	v2, err := editor().ReplaceFile(ctx, v, guidX, bigger)
	require.NoError(t, err)
	checkConsistent(t, v2)

	again := mustParse(t, v2.Bytes())
	_, f, err := FindFile(again, guidX)
	require.NoError(t, err)
	assert.Equal(t, "Inner v2 with a longer name", f.UserInterface())
	assert.Equal(t, ffs.FileStateValid, f.State())

	_, inner, err := FindVolume(again, guidInner)
	require.NoError(t, err)
	require.NotNil(t, inner.Ext)
	assert.Equal(t, uint16(0x60), inner.Header.ExtHeaderOffset)
	assert.Equal(t, uint64(0x1000), inner.Header.Length)

	_, old, err := FindFile(v, guidX)
	require.NoError(t, err)
	assert.Equal(t, "Inner", old.UserInterface())
	assert.True(t, bytes.Equal(img, v.Bytes()))

	t.Run("add into nested", func(t *testing.T) {
		v3, err := editor().AddFileTo(ctx, v2, guidInner, rawFile(t, guidB, 64))
		require.NoError(t, err)
		checkConsistent(t, v3)
		p, _, err := FindFile(v3, guidB)
		require.NoError(t, err)
		assert.Equal(t, KindVolume, p[len(p)-2].Kind)
		assert.Equal(t, guidInner, p[len(p)-2].GUID)
	})

	t.Run("grow nested past its length", func(t *testing.T) {
		v3, err := editor().AddFileTo(ctx, v2, guidInner, rawFile(t, guidB, 0x1200))
		require.NoError(t, err)
		checkConsistent(t, v3)
		_, inner, err := FindVolume(v3, guidInner)
		require.NoError(t, err)
		assert.Equal(t, uint64(0x1400), inner.Header.Length)
	})

	t.Run("shrink nested", func(t *testing.T) {
		v3, err := editor().ShrinkNested(ctx, v2, guidInner)
		require.NoError(t, err)
		checkConsistent(t, v3)
		_, inner, err := FindVolume(v3, guidInner)
		require.NoError(t, err)
		assert.Equal(t, uint64(0x200), inner.Header.Length)
	})
}

func TestAddFileAlignment(t *testing.T) {
	ctx := context.Background()
	attrs, err := ffs.FileAttributes(0).WithDataAlignment(0x1000)
	require.NoError(t, err)
	aligned, err := NewRawFile(guidC, ffs.FileTypeRaw, attrs, []byte("aligned"))
	require.NoError(t, err)

	tests := []struct {
		name    string
		attrs   ffs.VolumeAttributes
		wantErr error
	}{
		{name: "volume aligned to 64K", attrs: ffs.VolumeAttributes(16 << 16)},
		{name: "weak alignment", attrs: ffs.VolumeAttrWeakAlignment},
		{name: "volume aligned to 16", wantErr: ffs.ErrAlignmentViolation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img := buildVolume(t, volumeSpec{length: 0x10000, erase: 0xff, attrs: tt.attrs, files: []*File{rawFile(t, guidA, 4096)}})
			v := mustParse(t, img)

			v2, err := editor().AddFile(ctx, v, aligned)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			checkConsistent(t, v2)

			require.Len(t, v2.Files, 3)
			pad := v2.Files[1]
			assert.True(t, pad.IsPad())
			assert.Equal(t, uint64(0xf88), pad.Header.Size())
			assert.Equal(t, uint64(0x2000), v2.Files[2].Offset+ffs.FileHeaderLength)

			v3, err := editor().DeleteFile(ctx, v2, guidC)
			require.NoError(t, err)
			assert.True(t, bytes.Equal(img, v3.Bytes()), "alignment pad left behind")
		})
	}
}

func TestEditRefusesToMoveFixedFile(t *testing.T) {
	ctx := context.Background()
	fixed, err := NewRawFile(guidB, ffs.FileTypeRaw, ffs.FileAttrFixed, []byte("pinned"))
	require.NoError(t, err)
	v := mustParse(t, buildVolume(t, volumeSpec{length: 0x2000, erase: 0xff, files: []*File{rawFile(t, guidA, 64), fixed}}))

	_, err = editor().ReplaceFile(ctx, v, guidA, rawFile(t, guidA, 128))
	assert.ErrorIs(t, err, ffs.ErrAlignmentViolation)

	v2, err := editor().ReplaceFile(ctx, v, guidA, rawFile(t, guidA, 16))
	require.NoError(t, err)
	checkConsistent(t, v2)
	assert.Equal(t, v.Files[1].Offset, v2.Files[2].Offset)
	assert.True(t, v2.Files[1].IsPad())
}

func TestEditAroundOpaqueSection(t *testing.T) {
	ctx := context.Background()
	gd := section(t, ffs.SectionGUIDDefined, &GUIDDefined{
		Algorithm:  efi.MustParseGUID("01020304-0506-0708-090a-0b0c0d0e0f10"),
		Attributes: ffs.GUIDDefinedProcessingRequired,
		Opaque:     []byte{1, 2, 3},
	})
	opaque, err := NewFile(guidA, ffs.FileTypeFreeform, 0, gd)
	require.NoError(t, err)
	v := mustParse(t, buildVolume(t, volumeSpec{length: 0x1000, erase: 0xff, files: []*File{rawFile(t, guidB, 10), opaque}}))

	v2, err := editor().ReplaceFile(ctx, v, guidB, rawFile(t, guidB, 30))
	require.NoError(t, err)
	assert.True(t, bytes.Equal(v.Files[1].Bytes(), v2.Files[1].Bytes()))
	assert.ErrorIs(t, v2.Files[1].Sections[0].Err, ffs.ErrUnsupportedEncapsulation)
	require.NoError(t, Verify(v2))
}

func TestEditKeepsImageTrailer(t *testing.T) {
	ctx := context.Background()
	inner := buildVolume(t, volumeSpec{length: 0x1000, block: 0x200, erase: 0xff, name: &guidInner, files: []*File{rawFile(t, guidX, 32)}})
	trailer := []byte{0xde, 0xad, 0xbe, 0xef, 1, 2, 3, 4}
	fvSec := section(t, ffs.SectionFirmwareVolume, &Raw{Data: append(bytes.Clone(inner), trailer...)})
	outer, err := NewFile(guidFVN, ffs.FileTypeFirmwareVolumeImage, 0, fvSec)
	require.NoError(t, err)
	img := buildVolume(t, volumeSpec{length: 0x4000, erase: 0xff, files: []*File{outer}})
	v := mustParse(t, img)

	_, f, err := FindFile(v, guidFVN)
	require.NoError(t, err)
	payload, ok := f.Sections[0].Payload.(*Image)
	require.True(t, ok)
	assert.Equal(t, trailer, payload.Trailer)

	t.Run("identity replace", func(t *testing.T) {
		v2, err := editor().ReplaceFile(ctx, v, guidX, rawFile(t, guidX, 32))
		require.NoError(t, err)
		checkConsistent(t, v2)
		assert.True(t, bytes.Equal(img, v2.Bytes()), "image changed")
	})

	t.Run("grown nested volume", func(t *testing.T) {
		v2, err := editor().AddFileTo(ctx, v, guidInner, rawFile(t, guidB, 0x1000))
		require.NoError(t, err)
		checkConsistent(t, v2)
		_, f, err := FindFile(v2, guidFVN)
		require.NoError(t, err)
		body := f.Sections[0].Bytes()
		assert.Equal(t, trailer, body[len(body)-len(trailer):])
		assert.Equal(t, trailer, f.Sections[0].Payload.(*Image).Trailer)
	})
}

// failingCodec decodes as a passthrough and fails every encode with err.
type failingCodec struct{ err error }

func (failingCodec) Decode(_ context.Context, in []byte) ([]byte, error) { return in, nil }
func (c failingCodec) Encode(context.Context, []byte) ([]byte, error)    { return nil, c.err }

func TestEditAbortsWhenEncoderFails(t *testing.T) {
	ctx := context.Background()
	build := encap.NewRegistry()
	build.RegisterCompression(ffs.CompressionStandard, encap.Passthrough{})

	inner := buildVolume(t, volumeSpec{length: 0x1000, block: 0x200, erase: 0xff, name: &guidInner, files: []*File{rawFile(t, guidX, 32)}})
	fvSec := section(t, ffs.SectionFirmwareVolume, &Raw{Data: inner})
	comp, err := NewSection(ctx, build, ffs.SectionCompression, &Compressed{Type: ffs.CompressionStandard, Sections: []*Section{fvSec}})
	require.NoError(t, err)
	outer, err := NewFile(guidFVN, ffs.FileTypeFirmwareVolumeImage, 0, comp)
	require.NoError(t, err)
	img := buildVolume(t, volumeSpec{length: 0x4000, erase: 0xff, files: []*File{rawFile(t, guidA, 16), outer}})

	tests := []struct {
		name string
		kind error
	}{
		{name: "tool missing", kind: ffs.ErrToolNotFound},
		{name: "tool failed", kind: ffs.ErrEncapsulationFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := encap.NewRegistry()
			reg.RegisterCompression(ffs.CompressionStandard, failingCodec{err: ffs.Errorf(tt.kind, -1, "TianoCompress")})
			v, err := (&Parser{Codecs: reg}).Parse(ctx, bytes.Clone(img))
			require.NoError(t, err)
			_, nested, err := FindVolume(v, guidInner)
			require.NoError(t, err)
			require.NotNil(t, nested)

			nv, err := (&Editor{Codecs: reg}).AddFileTo(ctx, v, guidInner, rawFile(t, guidB, 64))
			require.ErrorIs(t, err, tt.kind)
			assert.Nil(t, nv)
			assert.True(t, bytes.Equal(img, v.Bytes()), "input tree was modified")
			_, _, err = FindFile(v, guidB)
			assert.ErrorIs(t, err, ffs.ErrNotFound)

			// edits that leave the compressed file alone still succeed
			nv, err = (&Editor{Codecs: reg}).ReplaceFile(ctx, v, guidA, rawFile(t, guidA, 12))
			require.NoError(t, err)
			require.NoError(t, Verify(nv))
			again, err := (&Parser{Codecs: reg}).Parse(ctx, nv.Bytes())
			require.NoError(t, err)
			_, _, err = FindFile(again, guidX)
			assert.NoError(t, err)
		})
	}
}
