package fv

import (
	"context"
	"slices"

	"github.com/ccoveille/go-safecast"
	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/appkins-org/go-uefi-fv/internal/firmware/efi"
	"github.com/appkins-org/go-uefi-fv/internal/firmware/encap"
	"github.com/appkins-org/go-uefi-fv/internal/firmware/ffs"
)

// Editor applies structural edits to volume trees. Every edit works on a
// copy: the input tree is never modified and a failed edit returns nothing.
type Editor struct {
	Codecs *encap.Registry
	// MaxLength bounds the length of the root volume. Zero lets the root grow
	// without limit.
	MaxLength uint64
	Log       logr.Logger
}

// AddFile appends f to the root volume.
func (e *Editor) AddFile(ctx context.Context, v *Volume, f *File) (*Volume, error) {
	return e.edit(ctx, "AddFile", v, rootPath(v), false, func(t *Volume) (int, error) {
		return insertFile(t, f)
	})
}

// AddFileTo appends f to the volume named fvName, which may be nested.
func (e *Editor) AddFileTo(ctx context.Context, v *Volume, fvName efi.GUID, f *File) (*Volume, error) {
	p, _, err := FindVolume(v, fvName)
	if err != nil {
		return nil, err
	}
	return e.edit(ctx, "AddFileTo", v, p, false, func(t *Volume) (int, error) {
		return insertFile(t, f)
	})
}

// ReplaceFile substitutes f for the file named id, wherever it is nested.
func (e *Editor) ReplaceFile(ctx context.Context, v *Volume, id efi.GUID, f *File) (*Volume, error) {
	p, _, err := FindFile(v, id)
	if err != nil {
		return nil, err
	}
	idx := p[len(p)-1].Index
	return e.edit(ctx, "ReplaceFile", v, p[:len(p)-1], false, func(t *Volume) (int, error) {
		if err := checkUnique(t, f, idx); err != nil {
			return 0, err
		}
		t.Files[idx] = adopt(t, f)
		return idx, nil
	})
}

// DeleteFile removes the file named id, wherever it is nested. The space it
// occupied becomes free space of its volume.
func (e *Editor) DeleteFile(ctx context.Context, v *Volume, id efi.GUID) (*Volume, error) {
	p, _, err := FindFile(v, id)
	if err != nil {
		return nil, err
	}
	idx := p[len(p)-1].Index
	return e.edit(ctx, "DeleteFile", v, p[:len(p)-1], false, func(t *Volume) (int, error) {
		t.Files = slices.Delete(slices.Clone(t.Files), idx, idx+1)
		return idx, nil
	})
}

// ShrinkVolume releases the whole blocks of free space at the end of the root volume.
func (e *Editor) ShrinkVolume(ctx context.Context, v *Volume) (*Volume, error) {
	return e.edit(ctx, "ShrinkVolume", v, rootPath(v), true, func(t *Volume) (int, error) {
		return len(t.Files), nil
	})
}

// ShrinkNested shrinks the volume named fvName and lets every enclosing
// container absorb the reduction.
func (e *Editor) ShrinkNested(ctx context.Context, v *Volume, fvName efi.GUID) (*Volume, error) {
	p, _, err := FindVolume(v, fvName)
	if err != nil {
		return nil, err
	}
	return e.edit(ctx, "ShrinkNested", v, p, true, func(t *Volume) (int, error) {
		return len(t.Files), nil
	})
}

// edit clones v, applies change to the volume at target and rebuilds every
// container from there up to the root. change returns the index of the first
// file whose placement may differ.
func (e *Editor) edit(ctx context.Context, op string, v *Volume, target Path, shrink bool, change func(*Volume) (int, error)) (*Volume, error) {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "fv.Editor."+op, trace.WithAttributes(attribute.String("fv.target", target.String())))
	defer span.End()

	codecs := e.Codecs
	if codecs == nil {
		codecs = encap.NewDefaultRegistry(encap.Options{})
	}

	w := v.Clone()
	nodes, err := Resolve(w, target)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	vol, ok := nodes[len(nodes)-1].(*Volume)
	if !ok {
		return nil, ffs.Errorf(ffs.ErrNotFound, -1, "edit target is not a volume").At(target.String())
	}
	if !vol.IsFFS() {
		return nil, ffs.Errorf(ffs.ErrMalformedRecord, -1, "volume has file system %s, not a firmware file system", vol.Header.FileSystem).
			WithGUID(vol.Name()).At(target.String())
	}

	hadLarge := make([]bool, len(nodes))
	for i, n := range nodes {
		if nv, ok := n.(*Volume); ok {
			hadLarge[i] = nv.HasLargeFile()
		}
	}

	from, err := change(vol)
	if err != nil {
		span.RecordError(err)
		return nil, locate(err, target)
	}

	for d := len(nodes) - 1; d >= 0; d-- {
		here := target[:d+1]
		switch n := nodes[d].(type) {
		case *Volume:
			idx := from
			if d < len(nodes)-1 {
				idx = target[d+1].Index
			}
			err = e.layout(n, idx, layoutOptions{
				hadLarge: hadLarge[d],
				root:     d == 0,
				shrink:   shrink && d == len(nodes)-1,
			})
		case *File:
			err = encodeFile(n, target[d+1].Index)
		case *Section:
			idx := 0
			if target[d+1].Kind == KindSection {
				idx = target[d+1].Index
			}
			if n.Err != nil {
				err = n.Err
				break
			}
			err = encodeSection(ctx, codecs, n, idx)
		}
		if err != nil {
			span.RecordError(err)
			return nil, locate(err, here)
		}
	}

	e.Log.V(1).Info("edited volume", "op", op, "target", target.String(), "length", w.Header.Length, "free", w.Free.Erased)
	return w, nil
}

type layoutOptions struct {
	hadLarge bool
	root     bool
	shrink   bool
}

// layout re-places the files of v from index from on, regenerates alignment
// pads, settles the volume length against its free space and re-encodes v.
func (e *Editor) layout(v *Volume, from int, o layoutOptions) error {
	erase := v.Header.ErasePolarity()

	// alignment pads ahead of the edit point are recomputed with the files they serve
	for from > 0 && filler(v, v.Files[from-1]) {
		from--
	}

	files := make([]*File, 0, len(v.Files)+1)
	files = append(files, v.Files[:from]...)
	cursor := uint64(v.Header.HeaderLength) + uint64(len(v.prefix))
	if from > 0 {
		prev := files[from-1]
		end := prev.Offset + uint64(len(prev.raw))
		cursor = ffs.Align(end, ffs.FileAlignment)
		prev.Pad = ffs.Fill(int(cursor-end), erase)
	}

	volAlign := v.Header.Alignment()
	weak := v.Header.Attributes&ffs.VolumeAttrWeakAlignment != 0

	for _, f := range v.Files[from:] {
		if filler(v, f) {
			continue
		}
		fixed := f.placed && f.Header.Attributes&ffs.FileAttrFixed != 0
		hl := uint64(f.Header.Len())
		align := f.Header.DataAlignment()

		var gap uint64
		switch {
		case fixed && f.Offset > cursor && f.Offset-cursor >= ffs.FileHeaderLength:
			gap = f.Offset - cursor
		case (cursor+hl)%align != 0:
			gap = padLength(cursor, hl, align)
		}
		if gap > 0 {
			pad, err := newPadFile(gap, erase)
			if err != nil {
				return err
			}
			pad.Offset, pad.placed = cursor, true
			files = append(files, pad)
			cursor += gap
		}

		moved := !f.placed || f.Offset != cursor
		if moved && fixed {
			return ffs.Errorf(ffs.ErrAlignmentViolation, int64(cursor), "fixed file would move from %#x", f.Offset).WithGUID(f.ID)
		}
		if moved && align > volAlign && !weak {
			return ffs.Errorf(ffs.ErrAlignmentViolation, int64(cursor), "file needs %#x alignment, volume guarantees %#x", align, volAlign).WithGUID(f.ID)
		}

		f.Offset, f.placed = cursor, true
		end := cursor + uint64(len(f.raw))
		next := ffs.Align(end, ffs.FileAlignment)
		f.Pad = ffs.Fill(int(next-end), erase)
		files = append(files, f)
		cursor = next
	}

	tail := uint64(len(v.Free.Tail))
	capacity := v.Header.Length - tail
	used := cursor
	if n := len(files); n > 0 && used > capacity {
		// the last pad only exists to reach a following file
		last := files[n-1]
		if end := last.Offset + uint64(len(last.raw)); end <= capacity {
			last.Pad = last.Pad[:capacity-end]
			used = capacity
		}
	}

	length := v.Header.Length
	bs := v.Header.BlockSize()
	switch {
	case used > capacity:
		length += (used - capacity + bs - 1) / bs * bs
	case o.shrink:
		length -= (capacity - used) / bs * bs
	}
	if length != v.Header.Length {
		if o.root && e.MaxLength > 0 && length > e.MaxLength {
			return ffs.Errorf(ffs.ErrInsufficientSpace, -1, "volume needs %#x bytes, limit is %#x", length, e.MaxLength).WithGUID(v.Name())
		}
		h, err := v.Header.Resize(length)
		if err != nil {
			return err
		}
		e.Log.V(1).Info("resized volume", "volume", v.Name().String(), "from", v.Header.Length, "to", length)
		v.Header = h
	}
	v.Files = files
	v.Free.Erased = length - tail - used

	if has := v.HasLargeFile(); has != o.hadLarge {
		switch {
		case has && v.Header.FileSystem == efi.FFS2GUID:
			v.Header.FileSystem = efi.FFS3GUID
		case !has && v.Header.FileSystem == efi.FFS3GUID:
			v.Header.FileSystem = efi.FFS2GUID
		}
	}

	if v.extHolder != nil {
		if slices.Contains(v.Files, v.extHolder) {
			off, err := safecast.ToUint16(v.extHolder.Offset + uint64(v.extHolder.Header.Len()) + v.extInner)
			if err != nil {
				return ffs.Errorf(ffs.ErrAlignmentViolation, -1, "extended header moved out of reach").Wrap(err)
			}
			v.Header.ExtHeaderOffset = off
		} else {
			v.Ext, v.extHolder, v.Header.ExtHeaderOffset = nil, nil, 0
		}
	}

	v.Header.UpdateChecksum()
	return v.encode()
}

// encode concatenates the header, files, pads and free space of v.
func (v *Volume) encode() error {
	raw := make([]byte, 0, v.Header.Length)
	raw = append(raw, v.Header.Encode()...)
	raw = append(raw, v.prefix...)
	for _, f := range v.Files {
		raw = append(raw, f.raw...)
		raw = append(raw, f.Pad...)
	}
	raw = append(raw, ffs.Fill(int(v.Free.Erased), v.Header.ErasePolarity())...)
	raw = append(raw, v.Free.Tail...)
	if uint64(len(raw)) != v.Header.Length {
		return ffs.Errorf(ffs.ErrMalformedRecord, -1, "layout produced %#x bytes for a %#x byte volume", len(raw), v.Header.Length).WithGUID(v.Name())
	}
	v.raw = raw
	return nil
}

// filler reports whether f is an alignment pad the layout may drop and regenerate.
func filler(v *Volume, f *File) bool {
	return f.IsPad() && f != v.extHolder && ffs.IsErased(f.Body(), v.Header.ErasePolarity())
}

// padLength is the smallest pad file length placing the data of a file with
// header length hl, following the pad at cursor, on an align boundary.
func padLength(cursor, hl, align uint64) uint64 {
	p := (align - (cursor+hl)%align) % align
	for p < ffs.FileHeaderLength {
		p += align
	}
	return p
}

// adopt returns a placement-free copy of f with its state encoded for v.
func adopt(v *Volume, f *File) *File {
	c := f.clone()
	c.Offset, c.placed, c.Pad = 0, false, nil
	if erase := v.Header.ErasePolarity(); c.erase != erase {
		h := c.Header
		h.State = c.State().Encode(erase)
		c.raw = concat(h.Encode(), f.raw[h.Len():])
		c.Header, c.erase = h, erase
	}
	if c.IsPad() {
		c.ID = efi.RandomGUID()
	}
	return c
}

func insertFile(v *Volume, f *File) (int, error) {
	if err := checkUnique(v, f, -1); err != nil {
		return 0, err
	}
	v.Files = append(slices.Clone(v.Files), adopt(v, f))
	return len(v.Files) - 1, nil
}

// checkUnique fails when a file other than the one at index skip is named like f.
func checkUnique(v *Volume, f *File, skip int) error {
	if f.IsPad() {
		return nil
	}
	for i, o := range v.Files {
		if i != skip && !o.IsPad() && o.ID == f.Header.Name {
			return ffs.Errorf(ffs.ErrDuplicateIdentity, int64(o.Offset), "file already present").WithGUID(o.ID)
		}
	}
	return nil
}
