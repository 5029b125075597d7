package fv

import (
	"bytes"
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/appkins-org/go-uefi-fv/internal/firmware/efi"
	"github.com/appkins-org/go-uefi-fv/internal/firmware/ffs"
)

// Region is a volume found inside a flash image.
type Region struct {
	Offset uint64
	Volume *Volume
}

// Scan locates the volumes of a whole flash image, such as a .fd file where
// volumes sit at arbitrary 8 byte aligned offsets between other regions.
// A candidate counts only when its header checksum is valid. Bytes between
// volumes are skipped.
func (p *Parser) Scan(ctx context.Context, b []byte) ([]Region, error) {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "fv.Parser.Scan", trace.WithAttributes(attribute.Int("fv.length", len(b))))
	defer span.End()

	var out []Region
	for off := 0; off+ffs.VolumeHeaderFixedLength <= len(b); {
		if !bytes.Equal(b[off+40:off+44], ffs.VolumeSignature[:]) {
			off += ffs.FileAlignment
			continue
		}
		h, hl, err := ffs.DecodeVolumeHeader(b, off)
		if err != nil || efi.Sum16(b[off:off+hl]) != 0 {
			p.Log.V(1).Info("skipping volume signature", "offset", off)
			off += ffs.FileAlignment
			continue
		}
		v, err := p.Parse(ctx, b[off:off+int(h.Length)])
		if err != nil {
			span.RecordError(err)
			return out, ffs.Errorf(ffs.ErrMalformedRecord, int64(off), "volume in flash image").Wrap(err)
		}
		p.Log.V(1).Info("found volume", "offset", off, "name", v.Name().String(), "length", h.Length)
		out = append(out, Region{Offset: uint64(off), Volume: v})
		off += int(ffs.Align(h.Length, ffs.FileAlignment))
	}
	span.SetAttributes(attribute.Int("fv.volumes", len(out)))
	return out, nil
}
