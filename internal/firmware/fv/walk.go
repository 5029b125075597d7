package fv

import (
	"errors"
	"fmt"
	"strings"

	"github.com/appkins-org/go-uefi-fv/internal/firmware/efi"
	"github.com/appkins-org/go-uefi-fv/internal/firmware/ffs"
)

// Kind is the node type a Step leads to.
type Kind int

const (
	KindVolume Kind = iota
	KindFile
	KindSection
)

// Step selects one child. Index is the position among the parent's children;
// GUID and Type describe the child for display.
type Step struct {
	Kind  Kind
	Index int
	GUID  efi.GUID
	Type  ffs.SectionType
}

// Path locates a node by child indices from the root volume. The first step
// is always the root.
type Path []Step

func (p Path) String() string {
	parts := make([]string, 0, len(p))
	for _, s := range p {
		switch s.Kind {
		case KindVolume:
			parts = append(parts, fmt.Sprintf("fv[%s]", s.GUID))
		case KindFile:
			parts = append(parts, fmt.Sprintf("file[%s]", s.GUID))
		case KindSection:
			parts = append(parts, fmt.Sprintf("section[%d:%s]", s.Index, s.Type))
		}
	}
	return strings.Join(parts, "/")
}

// Append returns a new path with s added. The receiver is not modified.
func (p Path) Append(s Step) Path {
	out := make(Path, len(p), len(p)+1)
	copy(out, p)
	return append(out, s)
}

func rootPath(v *Volume) Path {
	return Path{{Kind: KindVolume, GUID: v.Name()}}
}

func fileStep(i int, f *File) Step {
	return Step{Kind: KindFile, Index: i, GUID: f.ID}
}

func sectionStep(i int, s *Section) Step {
	return Step{Kind: KindSection, Index: i, Type: s.Header.Type}
}

func volumeStep(v *Volume) Step {
	return Step{Kind: KindVolume, GUID: v.Name()}
}

// ErrSkip returned from a WalkFunc skips the children of the current node.
var ErrSkip = errors.New("skip children")

// WalkFunc is called for every node in depth first order.
type WalkFunc func(p Path, n Node) error

// Walk visits v and every node beneath it, nested volumes included.
func Walk(v *Volume, fn WalkFunc) error {
	err := walkVolume(rootPath(v), v, fn)
	if errors.Is(err, ErrSkip) {
		return nil
	}
	return err
}

func walkVolume(p Path, v *Volume, fn WalkFunc) error {
	if err := fn(p, v); err != nil {
		if errors.Is(err, ErrSkip) {
			return nil
		}
		return err
	}
	for i, f := range v.Files {
		fp := p.Append(fileStep(i, f))
		if err := fn(fp, f); err != nil {
			if errors.Is(err, ErrSkip) {
				continue
			}
			return err
		}
		if err := walkSectionList(fp, f.Sections, fn); err != nil {
			return err
		}
	}
	return nil
}

func walkSectionList(p Path, secs []*Section, fn WalkFunc) error {
	for i, s := range secs {
		sp := p.Append(sectionStep(i, s))
		if err := fn(sp, s); err != nil {
			if errors.Is(err, ErrSkip) {
				continue
			}
			return err
		}
		if img, ok := s.Payload.(*Image); ok {
			if err := walkVolume(sp.Append(volumeStep(img.Volume)), img.Volume, fn); err != nil {
				return err
			}
			continue
		}
		if err := walkSectionList(sp, s.Children(), fn); err != nil {
			return err
		}
	}
	return nil
}

// Resolve returns the nodes along p, starting with the root.
func Resolve(root *Volume, p Path) ([]Node, error) {
	if len(p) == 0 || p[0].Kind != KindVolume {
		return nil, ffs.Errorf(ffs.ErrNotFound, -1, "path must start at a volume")
	}
	nodes := make([]Node, 1, len(p))
	nodes[0] = root
	for i, st := range p[1:] {
		next, err := child(nodes[i], st)
		if err != nil {
			return nil, err.At(p[:i+2].String())
		}
		nodes = append(nodes, next)
	}
	return nodes, nil
}

func child(n Node, st Step) (Node, *ffs.Error) {
	switch st.Kind {
	case KindFile:
		if v, ok := n.(*Volume); ok && st.Index >= 0 && st.Index < len(v.Files) {
			return v.Files[st.Index], nil
		}
	case KindSection:
		var secs []*Section
		switch n := n.(type) {
		case *File:
			secs = n.Sections
		case *Section:
			secs = n.Children()
		}
		if st.Index >= 0 && st.Index < len(secs) {
			return secs[st.Index], nil
		}
	case KindVolume:
		if s, ok := n.(*Section); ok {
			if img, ok := s.Payload.(*Image); ok {
				return img.Volume, nil
			}
		}
	}
	return nil, ffs.Errorf(ffs.ErrNotFound, -1, "no child %d", st.Index)
}

// FindFile returns the path of the first non-pad file named id, searching
// nested volumes depth first.
func FindFile(v *Volume, id efi.GUID) (Path, *File, error) {
	var (
		path  Path
		found *File
	)
	err := Walk(v, func(p Path, n Node) error {
		if f, ok := n.(*File); ok && !f.IsPad() && f.ID == id {
			path, found = p, f
			return errStop
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStop) {
		return nil, nil, err
	}
	if found == nil {
		return nil, nil, ffs.Errorf(ffs.ErrNotFound, -1, "file").WithGUID(id)
	}
	return path, found, nil
}

// FindVolume returns the path of the first volume named id, the root included.
func FindVolume(v *Volume, id efi.GUID) (Path, *Volume, error) {
	var (
		path  Path
		found *Volume
	)
	err := Walk(v, func(p Path, n Node) error {
		if vol, ok := n.(*Volume); ok && vol.Name() == id {
			path, found = p, vol
			return errStop
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStop) {
		return nil, nil, err
	}
	if found == nil {
		return nil, nil, ffs.Errorf(ffs.ErrNotFound, -1, "volume").WithGUID(id)
	}
	return path, found, nil
}

// Files returns every non-pad file in v and its nested volumes, in volume order.
func Files(v *Volume) []*File {
	var out []*File
	_ = Walk(v, func(_ Path, n Node) error {
		if f, ok := n.(*File); ok && !f.IsPad() {
			out = append(out, f)
		}
		return nil
	})
	return out
}

var errStop = errors.New("stop")
