package fv

import (
	"fmt"
	"io"
	"strings"

	"github.com/appkins-org/go-uefi-fv/internal/firmware/efi"
)

// VolumeInfo is the printable summary of a volume tree.
type VolumeInfo struct {
	Name       efi.GUID   `json:"name"`
	FileSystem efi.GUID   `json:"fileSystem"`
	Length     uint64     `json:"length"`
	Attributes string     `json:"attributes"`
	FreeOffset uint64     `json:"freeOffset"`
	Free       uint64     `json:"free"`
	Files      []FileInfo `json:"files,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// FileInfo summarizes a file.
type FileInfo struct {
	Name     efi.GUID      `json:"name"`
	Type     string        `json:"type"`
	UI       string        `json:"ui,omitempty"`
	Offset   uint64        `json:"offset"`
	Size     uint64        `json:"size"`
	Large    bool          `json:"large,omitempty"`
	Sections []SectionInfo `json:"sections,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// SectionInfo summarizes a section and whatever it encapsulates.
type SectionInfo struct {
	Type     string        `json:"type"`
	Offset   uint64        `json:"offset"`
	Size     uint32        `json:"size"`
	Detail   string        `json:"detail,omitempty"`
	Sections []SectionInfo `json:"sections,omitempty"`
	Volume   *VolumeInfo   `json:"volume,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// Describe summarizes v for display.
func Describe(v *Volume) VolumeInfo {
	info := VolumeInfo{
		Name:       v.Name(),
		FileSystem: v.Header.FileSystem,
		Length:     v.Header.Length,
		Attributes: fmt.Sprintf("%#08x", uint32(v.Header.Attributes)),
		FreeOffset: v.FreeOffset(),
		Free:       v.Free.Erased,
		Error:      errString(v.Err),
	}
	for _, f := range v.Files {
		fi := FileInfo{
			Name:   f.Header.Name,
			Type:   f.Header.Type.String(),
			UI:     f.UserInterface(),
			Offset: f.Offset,
			Size:   f.Header.Size(),
			Large:  f.Header.Large(),
			Error:  errString(f.Err),
		}
		for _, s := range f.Sections {
			fi.Sections = append(fi.Sections, describeSection(s))
		}
		info.Files = append(info.Files, fi)
	}
	return info
}

func describeSection(s *Section) SectionInfo {
	si := SectionInfo{
		Type:   s.Header.Type.String(),
		Offset: s.Offset,
		Size:   s.Header.Size(),
		Error:  errString(s.Err),
	}
	switch p := s.Payload.(type) {
	case *Image:
		vi := Describe(p.Volume)
		si.Volume = &vi
		if len(p.Trailer) > 0 {
			si.Detail = fmt.Sprintf("trailer=%#x", len(p.Trailer))
		}
	case *Depex:
		si.Detail = p.Expr.String()
	case *UserInterface:
		si.Detail = p.Name
	case *Version:
		si.Detail = fmt.Sprintf("%d %s", p.Build, p.Name)
	case *FreeformGUID:
		si.Detail = p.SubType.String()
	case *Compressed:
		si.Detail = fmt.Sprintf("type=%d length=%#x", p.Type, p.Length)
	case *GUIDDefined:
		si.Detail = fmt.Sprintf("%s attrs=%#x", p.Algorithm, uint16(p.Attributes))
	}
	for _, c := range s.Children() {
		si.Sections = append(si.Sections, describeSection(c))
	}
	return si
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// WriteTree prints info as an indented tree, starting depth levels in.
func WriteTree(w io.Writer, v VolumeInfo, depth int) {
	ind := strings.Repeat("  ", depth)
	fmt.Fprintf(w, "%sFV %s length=%#x fs=%s attrs=%s free=%#x@%#x\n",
		ind, v.Name, v.Length, v.FileSystem, v.Attributes, v.Free, v.FreeOffset)
	if v.Error != "" {
		fmt.Fprintf(w, "%s  error: %s\n", ind, v.Error)
	}
	for _, f := range v.Files {
		fmt.Fprintf(w, "%s  %#08x %s %s size=%#x", ind, f.Offset, f.Name, f.Type, f.Size)
		if f.Large {
			fmt.Fprint(w, " large")
		}
		if f.UI != "" {
			fmt.Fprintf(w, " %q", f.UI)
		}
		fmt.Fprintln(w)
		if f.Error != "" {
			fmt.Fprintf(w, "%s    error: %s\n", ind, f.Error)
		}
		for _, s := range f.Sections {
			writeSection(w, s, depth+2)
		}
	}
}

func writeSection(w io.Writer, s SectionInfo, depth int) {
	ind := strings.Repeat("  ", depth)
	fmt.Fprintf(w, "%s%s size=%#x", ind, s.Type, s.Size)
	if s.Detail != "" {
		fmt.Fprintf(w, " %s", s.Detail)
	}
	fmt.Fprintln(w)
	if s.Error != "" {
		fmt.Fprintf(w, "%s  error: %s\n", ind, s.Error)
	}
	for _, c := range s.Sections {
		writeSection(w, c, depth+1)
	}
	if s.Volume != nil {
		WriteTree(w, *s.Volume, depth+1)
	}
}
