package fv

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"

	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel"
	"go.uber.org/multierr"

	"github.com/appkins-org/go-uefi-fv/internal/firmware/depex"
	"github.com/appkins-org/go-uefi-fv/internal/firmware/efi"
	"github.com/appkins-org/go-uefi-fv/internal/firmware/encap"
	"github.com/appkins-org/go-uefi-fv/internal/firmware/ffs"
)

const tracerName = "github.com/appkins-org/go-uefi-fv/firmware/fv"

// Parser decodes volume images into trees.
type Parser struct {
	Codecs *encap.Registry
	// Strict turns failures confined to one section, such as a missing
	// decompressor, into a failure of the whole parse.
	Strict bool
	Log    logr.Logger
}

// Parse decodes b with the default codecs.
func Parse(ctx context.Context, b []byte) (*Volume, error) {
	p := &Parser{Codecs: encap.NewDefaultRegistry(encap.Options{})}
	return p.Parse(ctx, b)
}

// Parse decodes the volume at the start of b. The tree keeps its own copy of b.
func (p *Parser) Parse(ctx context.Context, b []byte) (*Volume, error) {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "fv.Parser.Parse")
	defer span.End()

	if p.Codecs == nil {
		p.Codecs = encap.NewDefaultRegistry(encap.Options{})
	}

	v, err := p.parseVolume(ctx, bytes.Clone(b), nil)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if p.Strict {
		if err := Errors(v); err != nil {
			span.RecordError(err)
			return nil, err
		}
	}
	return v, nil
}

// ParseFile decodes a single FFS file such as the output of GenFfs.
func (p *Parser) ParseFile(ctx context.Context, b []byte) (*File, error) {
	if p.Codecs == nil {
		p.Codecs = encap.NewDefaultRegistry(encap.Options{})
	}
	b = bytes.Clone(b)
	h, _, err := ffs.DecodeFileHeader(b, 0)
	if err != nil {
		return nil, err
	}
	// a file built for an erase polarity 1 volume carries inverted state bits
	var erase byte
	if b[23]&0xc0 != 0 {
		erase = 0xff
	}
	f := &File{Header: h, ID: h.Name, erase: erase, raw: b[:h.Size()]}
	if f.IsPad() {
		f.ID = efi.RandomGUID()
	}
	path := Path{fileStep(0, f)}
	if err := p.parseFileBody(ctx, f, path); err != nil {
		return nil, err
	}
	if p.Strict && f.Err != nil {
		return nil, f.Err
	}
	return f, nil
}

func (p *Parser) parseVolume(ctx context.Context, b []byte, parent Path) (*Volume, error) {
	h, hl, err := ffs.DecodeVolumeHeader(b, 0)
	if err != nil {
		return nil, locate(err, parent)
	}
	b = b[:h.Length]
	v := &Volume{Header: h, raw: b}
	erase := h.ErasePolarity()
	start := uint64(hl)

	if h.ExtHeaderOffset != 0 {
		ext, err := ffs.DecodeVolumeExtHeader(b, int(h.ExtHeaderOffset))
		switch {
		case err != nil:
			v.Err = multierr.Append(v.Err, err)
		case int(h.ExtHeaderOffset) < hl:
			v.Err = multierr.Append(v.Err, ffs.Errorf(ffs.ErrMalformedRecord, int64(h.ExtHeaderOffset), "extended header overlaps the volume header"))
		default:
			v.Ext = &ext
			if int(h.ExtHeaderOffset) < hl+ffs.FileHeaderLength {
				start = min(ffs.Align(uint64(h.ExtHeaderOffset)+uint64(ext.Size), ffs.FileAlignment), h.Length)
			}
		}
	}

	path := parent.Append(volumeStep(v))
	if parent == nil {
		path = rootPath(v)
	}
	v.prefix = b[hl:start]

	if !v.IsFFS() {
		v.Free = FreeSpace{Tail: b[start:]}
		p.Log.V(1).Info("volume has no firmware file system", "path", path.String(), "fs", h.FileSystem.String())
		return v, nil
	}

	seen := map[efi.GUID]bool{}
	off := start
	for off+ffs.FileHeaderLength <= h.Length {
		if ffs.IsErased(b[off:off+ffs.FileHeaderLength], erase) {
			break
		}
		fh, _, err := ffs.DecodeFileHeader(b, int(off))
		if err != nil {
			// nothing after a broken header can be located
			v.Err = multierr.Append(v.Err, locate(err, path))
			break
		}
		end := off + fh.Size()
		f := &File{
			Header: fh,
			ID:     fh.Name,
			Offset: off,
			erase:  erase,
			placed: true,
			raw:    b[off:end],
		}
		if f.IsPad() {
			f.ID = efi.RandomGUID()
		} else if seen[f.ID] {
			return nil, ffs.Errorf(ffs.ErrDuplicateIdentity, int64(off), "file appears twice").WithGUID(f.ID).At(path.String())
		}
		seen[f.ID] = true

		if err := p.parseFileBody(ctx, f, path.Append(fileStep(len(v.Files), f))); err != nil {
			return nil, err
		}
		next := min(ffs.Align(end, ffs.FileAlignment), h.Length)
		f.Pad = b[end:next]
		v.Files = append(v.Files, f)
		off = next
	}

	rest := b[off:]
	n := 0
	for n < len(rest) && rest[n] == erase {
		n++
	}
	v.Free = FreeSpace{Erased: uint64(n), Tail: rest[n:]}

	if v.Ext != nil && start == uint64(hl) {
		eo := uint64(h.ExtHeaderOffset)
		for _, f := range v.Files {
			data := f.Offset + uint64(f.Header.Len())
			if eo >= data && eo < f.Offset+f.Header.Size() {
				v.extHolder, v.extInner = f, eo-data
				break
			}
		}
	}

	p.Log.V(1).Info("parsed volume", "path", path.String(), "files", len(v.Files), "free", v.Free.Erased)
	return v, nil
}

// parseFileBody decodes the section stream of f. Only errors that invalidate
// the whole image are returned; the rest are recorded on the nodes.
func (p *Parser) parseFileBody(ctx context.Context, f *File, path Path) error {
	body := f.Body()
	if !f.Header.Type.HasSections() {
		f.Data = body
		return nil
	}
	secs, err := p.parseSections(ctx, body, path)
	if err != nil {
		if errors.Is(err, ffs.ErrDuplicateIdentity) {
			return err
		}
		f.Data = body
		f.Err = err
		return nil
	}
	f.Sections = secs
	return nil
}

func (p *Parser) parseSections(ctx context.Context, b []byte, path Path) ([]*Section, error) {
	var secs []*Section
	off := 0
	for off < len(b) {
		if n := len(secs); n > 0 {
			rest := b[off:]
			if ffs.IsErased(rest, 0x00) || ffs.IsErased(rest, 0xff) {
				last := secs[n-1]
				last.Pad = b[int(last.Offset)+len(last.raw):]
				break
			}
		}
		sh, hl, err := ffs.DecodeSectionHeader(b, off)
		if err != nil {
			return nil, locate(err, path)
		}
		end := off + int(sh.Size())
		s := &Section{Header: sh, Offset: uint64(off), raw: b[off:end]}
		sp := path.Append(sectionStep(len(secs), s))
		if err := p.parsePayload(ctx, s, hl, sp); err != nil {
			return nil, err
		}
		next := min(int(ffs.Align(uint64(end), ffs.SectionAlignment)), len(b))
		s.Pad = b[end:next]
		secs = append(secs, s)
		off = next
	}
	return secs, nil
}

// parsePayload fills s.Payload. Decoding problems are kept on s.Err with the
// bytes preserved, so the section still re-encodes to what was read.
func (p *Parser) parsePayload(ctx context.Context, s *Section, hl int, path Path) error {
	body := s.raw[hl:]
	keepRaw := func(err error) {
		s.Payload = &Raw{Data: body}
		s.Err = locate(err, path)
	}

	switch t := s.Header.Type; {
	case t == ffs.SectionCompression:
		pre, err := ffs.DecodeCompressionPrefix(body)
		if err != nil {
			keepRaw(err)
			return nil
		}
		c := &Compressed{Type: pre.Type, Length: pre.UncompressedLength}
		s.Payload = c
		stream, err := p.decompress(ctx, pre.Type, body[ffs.CompressionPrefixLength:])
		if err == nil {
			c.Sections, err = p.parseSections(ctx, stream, path)
		}
		if err != nil {
			if errors.Is(err, ffs.ErrDuplicateIdentity) {
				return err
			}
			c.Opaque = body[ffs.CompressionPrefixLength:]
			s.Err = locate(err, path)
		}

	case t == ffs.SectionGUIDDefined:
		pre, err := ffs.DecodeGUIDDefinedPrefix(body, hl)
		if err != nil {
			keepRaw(err)
			return nil
		}
		g := &GUIDDefined{
			Algorithm:  pre.Algorithm,
			Attributes: pre.Attributes,
			Header:     s.raw[hl+ffs.GUIDDefinedPrefixLength : pre.DataOffset],
		}
		s.Payload = g
		data := s.raw[pre.DataOffset:]
		stream, err := p.unwrap(ctx, pre, s.raw[hl+ffs.GUIDDefinedPrefixLength:], data)
		if err == nil {
			g.Sections, err = p.parseSections(ctx, stream, path)
		}
		if err != nil {
			if errors.Is(err, ffs.ErrDuplicateIdentity) {
				return err
			}
			g.Opaque = data
			s.Err = locate(err, path)
		}

	case t == ffs.SectionFirmwareVolume:
		vol, err := p.parseVolume(ctx, body, path)
		if err != nil {
			if errors.Is(err, ffs.ErrDuplicateIdentity) {
				return err
			}
			keepRaw(err)
			return nil
		}
		s.Payload = &Image{Volume: vol, Trailer: body[vol.Header.Length:]}

	case t.IsDepex():
		expr, err := depex.Decode(body)
		if err != nil {
			keepRaw(err)
			return nil
		}
		s.Payload = &Depex{Expr: expr}

	case t == ffs.SectionUserInterface:
		name, err := efi.FromUCS2(body)
		if err != nil {
			keepRaw(err)
			return nil
		}
		s.Payload = &UserInterface{Name: name}

	case t == ffs.SectionVersion:
		if len(body) < 2 {
			keepRaw(ffs.Errorf(ffs.ErrMalformedRecord, -1, "version section truncated"))
			return nil
		}
		name, err := efi.FromUCS2(body[2:])
		if err != nil {
			keepRaw(err)
			return nil
		}
		s.Payload = &Version{Build: binary.LittleEndian.Uint16(body[0:2]), Name: name}

	case t == ffs.SectionFreeformSubtypeGUID:
		sub, err := efi.GUIDFromBytes(body)
		if err != nil {
			keepRaw(ffs.Errorf(ffs.ErrMalformedRecord, -1, "freeform subtype section truncated").Wrap(err))
			return nil
		}
		s.Payload = &FreeformGUID{SubType: sub, Data: body[efi.GUIDLength:]}

	default:
		s.Payload = &Raw{Data: body}
	}
	return nil
}

func (p *Parser) decompress(ctx context.Context, t ffs.CompressionType, in []byte) ([]byte, error) {
	codec, err := p.Codecs.Compression(t)
	if err != nil {
		return nil, err
	}
	return codec.Decode(ctx, in)
}

// unwrap returns the section stream inside a GUID-defined section. payload
// starts after the fixed fields; data starts at DataOffset. Codecs without
// a header of their own only see data.
func (p *Parser) unwrap(ctx context.Context, pre ffs.GUIDDefinedPrefix, payload, data []byte) ([]byte, error) {
	if alg, ok := p.Codecs.Lookup(pre.Algorithm); ok {
		if alg.HeaderSize == 0 {
			return alg.Codec.Decode(ctx, data)
		}
		return alg.Codec.Decode(ctx, payload)
	}
	if pre.Attributes&ffs.GUIDDefinedProcessingRequired == 0 {
		return data, nil
	}
	p.Log.Info("no codec for GUID-defined section", "algorithm", pre.Algorithm.String())
	return nil, ffs.Errorf(ffs.ErrUnsupportedEncapsulation, -1, "no codec registered").
		WithGUID(pre.Algorithm).WithSection(ffs.SectionGUIDDefined)
}

// Errors collects the failures recorded on v and its descendants.
func Errors(v *Volume) error {
	var errs error
	_ = Walk(v, func(_ Path, n Node) error {
		switch n := n.(type) {
		case *Volume:
			errs = multierr.Append(errs, n.Err)
		case *File:
			errs = multierr.Append(errs, n.Err)
		case *Section:
			errs = multierr.Append(errs, n.Err)
		}
		return nil
	})
	return errs
}

// locate attaches path to err, wrapping errors that carry no location.
func locate(err error, path Path) error {
	if err == nil {
		return nil
	}
	var fe *ffs.Error
	if errors.As(err, &fe) {
		fe.At(path.String())
		return err
	}
	return (&ffs.Error{Kind: ffs.ErrMalformedRecord, Offset: -1, Path: path.String()}).Wrap(err)
}
