// Package fatimg exports the files of a volume tree into a FAT32 disk image.
package fatimg

import (
	"fmt"
	"os"
	"path"
	"strings"

	diskfs "github.com/diskfs/go-diskfs"
	"github.com/diskfs/go-diskfs/disk"
	"github.com/diskfs/go-diskfs/filesystem"
	"github.com/diskfs/go-diskfs/partition/mbr"
	"github.com/go-logr/logr"

	"github.com/appkins-org/go-uefi-fv/internal/firmware/fv"
)

const (
	sectorSize     = 512
	partitionStart = 2048
	// minSize keeps the partition above the smallest FAT32 cluster count.
	minSize = 64 << 20
)

// Entry is one exported file.
type Entry struct {
	Path string
	Size int
}

// Exporter writes every non-pad file of every volume as /<volume>/<guid>.ffs.
type Exporter struct {
	Log logr.Logger
}

// Export creates the image at dest. The image must not exist yet.
func (e *Exporter) Export(dest string, root *fv.Volume) ([]Entry, error) {
	if _, err := os.Stat(dest); err == nil {
		return nil, fmt.Errorf("disk image %s already exists", dest)
	}

	type volume struct {
		dir   string
		files []*fv.File
	}
	var vols []volume
	seen := map[string]int{}
	total := 0
	err := fv.Walk(root, func(_ fv.Path, n fv.Node) error {
		v, ok := n.(*fv.Volume)
		if !ok {
			return nil
		}
		name := strings.ToUpper(v.Name().String())
		seen[name]++
		if c := seen[name]; c > 1 {
			name = fmt.Sprintf("%s-%d", name, c)
		}
		vol := volume{dir: "/" + name}
		for _, f := range v.Files {
			if f.IsPad() {
				continue
			}
			vol.files = append(vol.files, f)
			total += len(f.Bytes())
		}
		vols = append(vols, vol)
		return nil
	})
	if err != nil {
		return nil, err
	}

	size := int64(minSize)
	if need := int64(total)*2 + partitionStart*sectorSize; need > size {
		size = (need + 1<<20 - 1) &^ (1<<20 - 1)
	}

	d, err := diskfs.Create(dest, size, diskfs.SectorSizeDefault)
	if err != nil {
		return nil, fmt.Errorf("creating disk image %s: %w", dest, err)
	}

	table := &mbr.Table{
		LogicalSectorSize:  sectorSize,
		PhysicalSectorSize: sectorSize,
		Partitions: []*mbr.Partition{
			{
				Bootable: false,
				Type:     mbr.Fat32LBA,
				Start:    partitionStart,
				Size:     uint32(size/sectorSize) - partitionStart,
			},
		},
	}
	if err := d.Partition(table); err != nil {
		return nil, fmt.Errorf("partitioning %s: %w", dest, err)
	}

	fs, err := d.CreateFilesystem(disk.FilesystemSpec{
		Partition:   1,
		FSType:      filesystem.TypeFat32,
		VolumeLabel: "FVTOOL",
	})
	if err != nil {
		return nil, fmt.Errorf("creating filesystem on %s: %w", dest, err)
	}

	var out []Entry
	for _, v := range vols {
		if err := fs.Mkdir(v.dir); err != nil {
			return out, fmt.Errorf("creating %s: %w", v.dir, err)
		}
		for _, f := range v.files {
			p := path.Join(v.dir, strings.ToUpper(f.ID.String())+".FFS")
			if err := writeFile(fs, p, f.Bytes()); err != nil {
				return out, err
			}
			e.Log.V(1).Info("exported file", "path", p, "size", len(f.Bytes()))
			out = append(out, Entry{Path: p, Size: len(f.Bytes())})
		}
	}
	return out, nil
}

func writeFile(fs filesystem.FileSystem, p string, b []byte) error {
	rw, err := fs.OpenFile(p, os.O_CREATE|os.O_RDWR)
	if err != nil {
		return fmt.Errorf("opening %s: %w", p, err)
	}
	if _, err := rw.Write(b); err != nil {
		return fmt.Errorf("writing %s: %w", p, err)
	}
	return nil
}
