// Package fv models a firmware volume as a tree of files and sections and
// rewrites that tree while keeping every on-disk invariant intact.
//
// Nodes own their children exclusively. Nothing points back to a parent;
// upward walks resolve a Path of child indices from the root instead.
package fv

import (
	"slices"

	"github.com/appkins-org/go-uefi-fv/internal/firmware/depex"
	"github.com/appkins-org/go-uefi-fv/internal/firmware/efi"
	"github.com/appkins-org/go-uefi-fv/internal/firmware/ffs"
)

// Node is a *Volume, *File or *Section.
type Node interface {
	node()
}

// Volume is a firmware volume: a header, files in ascending offset order and
// the free space that follows them.
type Volume struct {
	Header ffs.VolumeHeader
	Ext    *ffs.VolumeExtHeader
	Files  []*File
	Free   FreeSpace
	// Err collects failures confined to parts of the volume.
	Err error

	// prefix holds bytes between the header and the first file, used when
	// the extended header is not wrapped in a pad file.
	prefix    []byte
	extHolder *File
	extInner  uint64
	raw       []byte
}

// FreeSpace is the region after the last file.
type FreeSpace struct {
	// Erased is the length of the run of erase bytes directly after the last file.
	Erased uint64
	// Tail is whatever follows the erase run, kept verbatim.
	Tail []byte
}

func (*Volume) node() {}

// Bytes returns the encoded volume. The slice must not be modified.
func (v *Volume) Bytes() []byte { return v.raw }

// Name is the volume identity: the extended header name when present,
// otherwise the file system GUID.
func (v *Volume) Name() efi.GUID {
	if v.Ext != nil {
		return v.Ext.Name
	}
	return v.Header.FileSystem
}

// IsFFS reports whether the volume holds a firmware file system. Other
// volumes, such as variable stores, are kept as opaque bytes.
func (v *Volume) IsFFS() bool {
	switch v.Header.FileSystem {
	case efi.FFS1GUID, efi.FFS2GUID, efi.FFS3GUID:
		return true
	}
	return false
}

// FreeOffset is the volume offset at which free space starts.
func (v *Volume) FreeOffset() uint64 {
	return v.Header.Length - v.Free.Erased - uint64(len(v.Free.Tail))
}

// HasLargeFile reports whether any file needs the large header.
func (v *Volume) HasLargeFile() bool {
	for _, f := range v.Files {
		if f.Header.Large() {
			return true
		}
	}
	return false
}

// File returns the file with identity id directly inside v.
func (v *Volume) File(id efi.GUID) (int, *File) {
	for i, f := range v.Files {
		if f.ID == id {
			return i, f
		}
	}
	return -1, nil
}

// Clone returns a deep copy sharing only immutable byte slices.
func (v *Volume) Clone() *Volume {
	c := *v
	c.Header.BlockMap = slices.Clone(v.Header.BlockMap)
	if v.Ext != nil {
		ext := *v.Ext
		c.Ext = &ext
	}
	c.Files = make([]*File, len(v.Files))
	for i, f := range v.Files {
		c.Files[i] = f.clone()
		if f == v.extHolder {
			c.extHolder = c.Files[i]
		}
	}
	return &c
}

// File is an FFS file.
type File struct {
	Header ffs.FileHeader
	// ID is the identity of the file inside its volume. It equals the header
	// name except for pad files, which get a synthesized GUID.
	ID       efi.GUID
	Offset   uint64
	Sections []*Section
	// Data is the body of files without a section stream, and the verbatim
	// body of files whose sections could not be parsed.
	Data []byte
	// Pad holds the bytes between this file and the next 8 byte boundary.
	Pad []byte
	Err error

	erase  byte
	placed bool
	raw    []byte
}

func (*File) node() {}

// Bytes returns the encoded file without its trailing pad.
func (f *File) Bytes() []byte { return f.raw }

// Body returns the file data after the header.
func (f *File) Body() []byte { return f.raw[f.Header.Len():] }

// IsPad reports whether f is a pad file.
func (f *File) IsPad() bool { return f.Header.Type == ffs.FileTypePad }

// State returns the decoded state bits.
func (f *File) State() ffs.FileState {
	return ffs.DecodeFileState(f.Header.State, f.erase)
}

// UserInterface returns the first user interface name found in the file.
func (f *File) UserInterface() string {
	var name string
	walkSections(f.Sections, func(s *Section) bool {
		if ui, ok := s.Payload.(*UserInterface); ok {
			name = ui.Name
			return false
		}
		return true
	})
	return name
}

// FindSection returns the first section of type t, searching encapsulations
// depth first but not nested volumes.
func (f *File) FindSection(t ffs.SectionType) *Section {
	var found *Section
	walkSections(f.Sections, func(s *Section) bool {
		if s.Header.Type == t {
			found = s
			return false
		}
		return true
	})
	return found
}

func (f *File) clone() *File {
	c := *f
	c.Sections = cloneSections(f.Sections)
	return &c
}

// Section is a typed record inside a file or an encapsulation.
type Section struct {
	Header  ffs.SectionHeader
	Offset  uint64
	Payload Payload
	// Pad holds the bytes up to the next sibling.
	Pad []byte
	Err error

	raw []byte
}

func (*Section) node() {}

// Bytes returns the encoded section without its trailing pad.
func (s *Section) Bytes() []byte { return s.raw }

// Type is the section type.
func (s *Section) Type() ffs.SectionType { return s.Header.Type }

// Children returns the decoded section stream of an encapsulation section.
func (s *Section) Children() []*Section {
	switch p := s.Payload.(type) {
	case *Compressed:
		return p.Sections
	case *GUIDDefined:
		return p.Sections
	}
	return nil
}

func (s *Section) clone() *Section {
	c := *s
	c.Payload = clonePayload(s.Payload)
	return &c
}

func cloneSections(in []*Section) []*Section {
	if in == nil {
		return nil
	}
	out := make([]*Section, len(in))
	for i, s := range in {
		out[i] = s.clone()
	}
	return out
}

// walkSections visits sections depth first through encapsulations until fn returns false.
func walkSections(secs []*Section, fn func(*Section) bool) bool {
	for _, s := range secs {
		if !fn(s) {
			return false
		}
		if !walkSections(s.Children(), fn) {
			return false
		}
	}
	return true
}

// Payload is the typed content of a section. The set of implementations is closed.
type Payload interface {
	payload()
}

// Raw is an uninterpreted payload: code images, raw data, and the verbatim
// bytes of sections whose typed decoding failed.
type Raw struct {
	Data []byte
}

// Image is a nested firmware volume. Trailer holds whatever follows the
// volume inside the section body and is written back unchanged.
type Image struct {
	Volume  *Volume
	Trailer []byte
}

// Depex is a dependency expression.
type Depex struct {
	Expr depex.Expression
}

// UserInterface is the human readable file name.
type UserInterface struct {
	Name string
}

// Version is a build number and version string.
type Version struct {
	Build uint16
	Name  string
}

// FreeformGUID is data tagged with a subtype GUID.
type FreeformGUID struct {
	SubType efi.GUID
	Data    []byte
}

// Compressed is an EFI compression section. When the stream could not be
// decoded Sections is nil and Opaque holds the compressed bytes.
type Compressed struct {
	Type     ffs.CompressionType
	Length   uint32
	Sections []*Section
	Opaque   []byte
}

// GUIDDefined is an encapsulation identified by an algorithm GUID. Header is
// the algorithm-specific data between the fixed fields and DataOffset. When
// the stream could not be decoded Sections is nil and Opaque holds the data.
type GUIDDefined struct {
	Algorithm  efi.GUID
	Attributes ffs.GUIDDefinedAttributes
	Header     []byte
	Sections   []*Section
	Opaque     []byte
}

func (*Raw) payload()           {}
func (*Image) payload()         {}
func (*Depex) payload()         {}
func (*UserInterface) payload() {}
func (*Version) payload()       {}
func (*FreeformGUID) payload()  {}
func (*Compressed) payload()    {}
func (*GUIDDefined) payload()   {}

func clonePayload(p Payload) Payload {
	switch p := p.(type) {
	case nil:
		return nil
	case *Raw:
		c := *p
		return &c
	case *Image:
		return &Image{Volume: p.Volume.Clone(), Trailer: p.Trailer}
	case *Depex:
		return &Depex{Expr: slices.Clone(p.Expr)}
	case *UserInterface:
		c := *p
		return &c
	case *Version:
		c := *p
		return &c
	case *FreeformGUID:
		c := *p
		return &c
	case *Compressed:
		c := *p
		c.Sections = cloneSections(p.Sections)
		return &c
	case *GUIDDefined:
		c := *p
		c.Sections = cloneSections(p.Sections)
		return &c
	}
	panic("fv: unknown payload type")
}
