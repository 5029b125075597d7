package encap

import (
	"bytes"
	"context"
	"io"

	"github.com/ulikunitz/xz/lzma"

	"github.com/appkins-org/go-uefi-fv/internal/firmware/efi"
	"github.com/appkins-org/go-uefi-fv/internal/firmware/ffs"
)

// lzmaDictCap matches the dictionary LzmaCompress uses by default.
const lzmaDictCap = 1 << 22

// LZMA handles the LZMA custom decompress GUID. The payload is a classic
// .lzma stream: properties, 64-bit uncompressed size, then the range coded data.
type LZMA struct{}

func (LZMA) Decode(_ context.Context, in []byte) ([]byte, error) {
	r, err := lzma.NewReader(bytes.NewReader(in))
	if err != nil {
		return nil, failed("lzma", err)
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, failed("lzma", err)
	}
	return out, nil
}

func (LZMA) Encode(_ context.Context, in []byte) ([]byte, error) {
	var buf bytes.Buffer
	cfg := lzma.WriterConfig{
		DictCap:      lzmaDictCap,
		Size:         int64(len(in)),
		SizeInHeader: true,
	}
	w, err := cfg.NewWriter(&buf)
	if err != nil {
		return nil, failed("lzma", err)
	}
	if _, err := w.Write(in); err != nil {
		return nil, failed("lzma", err)
	}
	if err := w.Close(); err != nil {
		return nil, failed("lzma", err)
	}
	return buf.Bytes(), nil
}

func failed(codec string, err error) error {
	st := ffs.SectionGUIDDefined
	return &ffs.Error{Kind: ffs.ErrEncapsulationFailed, Offset: -1, SectionType: &st, Msg: codec, Err: err}
}

func failedGUID(codec string, g efi.GUID, err error) error {
	e := failed(codec, err).(*ffs.Error)
	return e.WithGUID(g)
}
