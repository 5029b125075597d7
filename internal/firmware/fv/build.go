package fv

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"

	"github.com/ccoveille/go-safecast"

	"github.com/appkins-org/go-uefi-fv/internal/firmware/efi"
	"github.com/appkins-org/go-uefi-fv/internal/firmware/encap"
	"github.com/appkins-org/go-uefi-fv/internal/firmware/ffs"
)

// NewSection builds a section of type t holding p. Encapsulation payloads are
// encoded with reg, which may be nil for other payloads.
func NewSection(ctx context.Context, reg *encap.Registry, t ffs.SectionType, p Payload) (*Section, error) {
	s := &Section{Header: ffs.SectionHeader{Type: t}, Payload: p}
	if err := encodeSection(ctx, reg, s, 0); err != nil {
		return nil, err
	}
	return s, nil
}

// NewRawSection builds a section of type t with data as its payload.
func NewRawSection(t ffs.SectionType, data []byte) (*Section, error) {
	return NewSection(context.Background(), nil, t, &Raw{Data: data})
}

// NewFile builds a file from sections. The file is not yet placed in a volume.
func NewFile(name efi.GUID, t ffs.FileType, attrs ffs.FileAttributes, sections ...*Section) (*File, error) {
	if !t.HasSections() {
		return nil, ffs.Errorf(ffs.ErrMalformedRecord, -1, "files of type %s carry no sections", t).WithGUID(name)
	}
	f := &File{
		Header:   ffs.FileHeader{Name: name, Type: t, Attributes: attrs, State: ffs.FileStateValid.Encode(0)},
		ID:       name,
		Sections: sections,
	}
	if err := encodeFile(f, 0); err != nil {
		return nil, err
	}
	return f, nil
}

// NewRawFile builds a file whose body is data.
func NewRawFile(name efi.GUID, t ffs.FileType, attrs ffs.FileAttributes, data []byte) (*File, error) {
	f := &File{
		Header: ffs.FileHeader{Name: name, Type: t, Attributes: attrs, State: ffs.FileStateValid.Encode(0)},
		ID:     name,
		Data:   data,
	}
	if f.IsPad() {
		f.ID = efi.RandomGUID()
	}
	if err := encodeFile(f, 0); err != nil {
		return nil, err
	}
	return f, nil
}

// newPadFile returns a pad file occupying exactly size bytes, filled with erase.
func newPadFile(size uint64, erase byte) (*File, error) {
	name := efi.GUID{}
	if erase != 0 {
		name, _ = efi.GUIDFromBytes(ffs.Fill(efi.GUIDLength, erase))
	}
	for _, hl := range []uint64{ffs.FileHeaderLength, ffs.FileHeader2Length} {
		if size < hl {
			continue
		}
		h, err := ffs.NewFileHeader(name, ffs.FileTypePad, 0, ffs.FileStateValid.Encode(erase), int(size-hl))
		if err != nil {
			return nil, err
		}
		if h.Size() != size {
			continue
		}
		body := ffs.Fill(int(size-hl), erase)
		h.UpdateChecksums(body)
		return &File{
			Header: h,
			ID:     efi.RandomGUID(),
			erase:  erase,
			raw:    append(h.Encode(), body...),
		}, nil
	}
	return nil, ffs.Errorf(ffs.ErrAlignmentViolation, -1, "no pad file spans %#x bytes", size)
}

// layoutSections concatenates secs. Sections from index from on are
// re-placed with zero padding up to the next 4 byte boundary.
func layoutSections(secs []*Section, from int) []byte {
	var buf bytes.Buffer
	for i, s := range secs {
		if i >= from {
			s.Offset = uint64(buf.Len())
			s.Pad = nil
			if i < len(secs)-1 {
				end := uint64(buf.Len() + len(s.raw))
				s.Pad = make([]byte, ffs.Align(end, ffs.SectionAlignment)-end)
			}
		}
		buf.Write(s.raw)
		buf.Write(s.Pad)
	}
	return buf.Bytes()
}

// encodeFile rebuilds f.raw from its sections or data. Header sizes are
// chosen from the result, so a file may switch header variants.
func encodeFile(f *File, from int) error {
	body := f.Data
	if f.Sections != nil {
		body = layoutSections(f.Sections, from)
	}
	h, err := ffs.NewFileHeader(f.Header.Name, f.Header.Type, f.Header.Attributes, f.Header.State, len(body))
	if err != nil {
		return err
	}
	h.UpdateChecksums(body)
	f.Header = h
	f.raw = append(h.Encode(), body...)
	return nil
}

// encodeSection rebuilds s.raw from its payload. Encapsulations re-encode
// their children; from is the first child that needs re-placing.
func encodeSection(ctx context.Context, reg *encap.Registry, s *Section, from int) error {
	var prefix, data []byte

	switch p := s.Payload.(type) {
	case *Raw:
		data = p.Data
	case *Image:
		data = concat(p.Volume.raw, p.Trailer)
	case *Depex:
		data = p.Expr.Bytes()
	case *UserInterface:
		data = efi.ToUCS2(p.Name)
	case *Version:
		prefix = binary.LittleEndian.AppendUint16(nil, p.Build)
		data = efi.ToUCS2(p.Name)
	case *FreeformGUID:
		prefix = p.SubType.Bytes()
		data = p.Data
	case *Compressed:
		if p.Sections == nil && p.Opaque != nil {
			data = p.Opaque
		} else {
			stream := layoutSections(p.Sections, from)
			codec, err := reg.Compression(p.Type)
			if err != nil {
				return err
			}
			if data, err = codec.Encode(ctx, stream); err != nil {
				return err
			}
			if p.Length, err = safecast.ToUint32(len(stream)); err != nil {
				return ffs.Errorf(ffs.ErrEncapsulationFailed, -1, "uncompressed stream of %d bytes", len(stream)).Wrap(err)
			}
		}
		prefix = ffs.CompressionPrefix{UncompressedLength: p.Length, Type: p.Type}.Encode()
	case *GUIDDefined:
		return encodeGUIDDefined(ctx, reg, s, p, from)
	default:
		panic(fmt.Sprintf("fv: unhandled payload %T", p))
	}

	h, err := ffs.NewSectionHeader(s.Header.Type, len(prefix)+len(data))
	if err != nil {
		return err
	}
	s.Header = h
	s.raw = concat(h.Encode(), prefix, data)
	return nil
}

func encodeGUIDDefined(ctx context.Context, reg *encap.Registry, s *Section, p *GUIDDefined, from int) error {
	hdr, data := p.Header, p.Opaque
	if p.Sections != nil || p.Opaque == nil {
		stream := layoutSections(p.Sections, from)
		alg, ok := reg.Lookup(p.Algorithm)
		switch {
		case ok:
			out, err := alg.Codec.Encode(ctx, stream)
			if err != nil {
				return err
			}
			if len(out) < alg.HeaderSize {
				return ffs.Errorf(ffs.ErrEncapsulationFailed, -1, "%s produced %d bytes", alg.Name, len(out)).WithGUID(p.Algorithm)
			}
			data = out
			if alg.HeaderSize > 0 {
				hdr, data = out[:alg.HeaderSize], out[alg.HeaderSize:]
			}
		case p.Attributes&ffs.GUIDDefinedProcessingRequired == 0:
			data = stream
		default:
			return ffs.Errorf(ffs.ErrUnsupportedEncapsulation, -1, "no codec registered").
				WithGUID(p.Algorithm).WithSection(ffs.SectionGUIDDefined)
		}
		p.Header = hdr
	}

	h, err := ffs.NewSectionHeader(ffs.SectionGUIDDefined, ffs.GUIDDefinedPrefixLength+len(hdr)+len(data))
	if err != nil {
		return err
	}
	off, err := safecast.ToUint16(h.Len() + ffs.GUIDDefinedPrefixLength + len(hdr))
	if err != nil {
		return ffs.Errorf(ffs.ErrMalformedRecord, -1, "GUID-defined header of %d bytes", len(hdr)).WithGUID(p.Algorithm).Wrap(err)
	}
	pre := ffs.GUIDDefinedPrefix{Algorithm: p.Algorithm, DataOffset: off, Attributes: p.Attributes}
	s.Header = h
	s.raw = concat(h.Encode(), pre.Encode(), hdr, data)
	return nil
}

func concat(parts ...[]byte) []byte {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	out := make([]byte, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
