package varstore

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/appkins-org/go-uefi-fv/internal/firmware/efi"
	"github.com/appkins-org/go-uefi-fv/internal/firmware/ffs"
)

// Device path node types.
const (
	PathHardware  = 0x01
	PathACPI      = 0x02
	PathMessaging = 0x03
	PathMedia     = 0x04
	PathEnd       = 0x7f
)

// Media subtypes that point into firmware volumes.
const (
	MediaHardDrive  = 0x01
	MediaFilePath   = 0x04
	MediaFvFileName = 0x06
	MediaFvName     = 0x07
)

// PathNode is one EFI_DEVICE_PATH_PROTOCOL node.
type PathNode struct {
	Type    byte
	SubType byte
	Data    []byte
}

// DevicePath is a device path up to, not including, its end node.
type DevicePath []PathNode

// ParseDevicePath decodes b until the first end node.
func ParseDevicePath(b []byte) (DevicePath, error) {
	var p DevicePath
	for off := 0; off < len(b); {
		if len(b)-off < 4 {
			return p, ffs.Errorf(ffs.ErrMalformedRecord, int64(off), "truncated device path node")
		}
		n := int(binary.LittleEndian.Uint16(b[off+2 : off+4]))
		if n < 4 || off+n > len(b) {
			return p, ffs.Errorf(ffs.ErrMalformedRecord, int64(off), "device path node length %d", n)
		}
		if b[off] == PathEnd {
			return p, nil
		}
		p = append(p, PathNode{Type: b[off], SubType: b[off+1], Data: b[off+4 : off+n]})
		off += n
	}
	return p, nil
}

// Bytes encodes p followed by an end-of-path node.
func (p DevicePath) Bytes() []byte {
	var out []byte
	for _, n := range p {
		out = append(out, n.Type, n.SubType)
		out = binary.LittleEndian.AppendUint16(out, uint16(len(n.Data)+4))
		out = append(out, n.Data...)
	}
	return append(out, PathEnd, 0xff, 4, 0)
}

// FvFile builds the MEDIA path EDK2 uses for a boot option that launches
// file inside volume fvName.
func FvFile(fvName, file efi.GUID) DevicePath {
	return DevicePath{
		{Type: PathMedia, SubType: MediaFvName, Data: fvName.Bytes()},
		{Type: PathMedia, SubType: MediaFvFileName, Data: file.Bytes()},
	}
}

// FvFileName returns the file GUID of the first FvFileName node.
func (p DevicePath) FvFileName() (efi.GUID, bool) {
	for _, n := range p {
		if n.Type == PathMedia && n.SubType == MediaFvFileName && len(n.Data) >= 16 {
			g, err := efi.GUIDFromBytes(n.Data[:16])
			return g, err == nil
		}
	}
	return efi.GUID{}, false
}

func (p DevicePath) String() string {
	parts := make([]string, len(p))
	for i, n := range p {
		parts[i] = n.String()
	}
	return strings.Join(parts, "/")
}

func (n PathNode) String() string {
	d := n.Data
	switch n.Type {
	case PathHardware:
		if n.SubType == 0x01 && len(d) >= 2 {
			return fmt.Sprintf("Pci(0x%x,0x%x)", d[1], d[0])
		}
		if n.SubType == 0x04 && len(d) >= 16 {
			return fmt.Sprintf("VenHw(%s)", guidAt(d))
		}
	case PathACPI:
		if n.SubType == 0x01 && len(d) >= 8 {
			hid := binary.LittleEndian.Uint32(d[0:4])
			uid := binary.LittleEndian.Uint32(d[4:8])
			if hid == 0x0a0341d0 {
				return fmt.Sprintf("PciRoot(0x%x)", uid)
			}
			return fmt.Sprintf("Acpi(0x%x,0x%x)", hid, uid)
		}
	case PathMessaging:
		switch {
		case n.SubType == 0x02 && len(d) >= 4:
			return fmt.Sprintf("Scsi(0x%x,0x%x)", binary.LittleEndian.Uint16(d[0:2]), binary.LittleEndian.Uint16(d[2:4]))
		case n.SubType == 0x05 && len(d) >= 2:
			return fmt.Sprintf("USB(0x%x,0x%x)", d[0], d[1])
		case n.SubType == 0x0b:
			return "MAC()"
		case n.SubType == 0x0c:
			return "IPv4()"
		case n.SubType == 0x0d:
			return "IPv6()"
		case n.SubType == 0x12 && len(d) >= 6:
			return fmt.Sprintf("Sata(0x%x,0x%x,0x%x)", binary.LittleEndian.Uint16(d[0:2]), binary.LittleEndian.Uint16(d[2:4]), binary.LittleEndian.Uint16(d[4:6]))
		case n.SubType == 0x18:
			return fmt.Sprintf("Uri(%s)", d)
		}
	case PathMedia:
		switch {
		case n.SubType == MediaHardDrive && len(d) >= 4:
			return fmt.Sprintf("HD(%d)", binary.LittleEndian.Uint32(d[0:4]))
		case n.SubType == MediaFilePath:
			s, err := efi.FromUCS2(d)
			if err == nil {
				return s
			}
		case n.SubType == MediaFvFileName && len(d) >= 16:
			return fmt.Sprintf("FvFile(%s)", guidAt(d))
		case n.SubType == MediaFvName && len(d) >= 16:
			return fmt.Sprintf("Fv(%s)", guidAt(d))
		}
	}
	return fmt.Sprintf("Path(%d,%d)", n.Type, n.SubType)
}

func guidAt(b []byte) efi.GUID {
	g, _ := efi.GUIDFromBytes(b[:16])
	return g
}
