package efi

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// GUIDLength is the size of an encoded GUID.
const GUIDLength = 16

// GUID represents an EFI GUID (Globally Unique Identifier)
type GUID struct {
	Data1 uint32
	Data2 uint16
	Data3 uint16
	Data4 [8]byte
}

// ParseGUID parses a GUID from its string representation. Braces are accepted.
func ParseGUID(s string) (GUID, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "{")
	s = strings.TrimSuffix(s, "}")

	u, err := uuid.Parse(s)
	if err != nil {
		return GUID{}, fmt.Errorf("invalid GUID %q: %w", s, err)
	}

	return FromUUID(u), nil
}

// MustParseGUID is like ParseGUID but panics on malformed input.
func MustParseGUID(s string) GUID {
	g, err := ParseGUID(s)
	if err != nil {
		panic(err)
	}
	return g
}

// FromUUID converts the big-endian RFC 4122 form into the EFI field layout.
func FromUUID(u uuid.UUID) GUID {
	var g GUID
	g.Data1 = binary.BigEndian.Uint32(u[0:4])
	g.Data2 = binary.BigEndian.Uint16(u[4:6])
	g.Data3 = binary.BigEndian.Uint16(u[6:8])
	copy(g.Data4[:], u[8:16])
	return g
}

// RandomGUID returns a fresh version 4 GUID.
func RandomGUID() GUID {
	return FromUUID(uuid.New())
}

// GUIDFromBytes parses a GUID from its binary representation
func GUIDFromBytes(data []byte) (GUID, error) {
	if len(data) < GUIDLength {
		return GUID{}, fmt.Errorf("data too short for GUID, need %d bytes, have %d", GUIDLength, len(data))
	}

	var guid GUID
	guid.Data1 = binary.LittleEndian.Uint32(data[0:4])
	guid.Data2 = binary.LittleEndian.Uint16(data[4:6])
	guid.Data3 = binary.LittleEndian.Uint16(data[6:8])
	copy(guid.Data4[:], data[8:16])

	return guid, nil
}

// Bytes returns the binary representation of the GUID
func (g GUID) Bytes() []byte {
	data := make([]byte, GUIDLength)
	g.Put(data)
	return data
}

// Put writes the binary representation into b, which must hold 16 bytes.
func (g GUID) Put(b []byte) {
	binary.LittleEndian.PutUint32(b[0:4], g.Data1)
	binary.LittleEndian.PutUint16(b[4:6], g.Data2)
	binary.LittleEndian.PutUint16(b[6:8], g.Data3)
	copy(b[8:16], g.Data4[:])
}

// String returns the standard string representation of the GUID
func (g GUID) String() string {
	return fmt.Sprintf("%08x-%04x-%04x-%02x%02x-%02x%02x%02x%02x%02x%02x",
		g.Data1, g.Data2, g.Data3,
		g.Data4[0], g.Data4[1], g.Data4[2], g.Data4[3],
		g.Data4[4], g.Data4[5], g.Data4[6], g.Data4[7])
}

// IsZero reports whether every byte of the GUID is zero.
func (g GUID) IsZero() bool {
	return g == GUID{}
}

// MarshalText implements encoding.TextMarshaler.
func (g GUID) MarshalText() ([]byte, error) {
	return []byte(g.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (g *GUID) UnmarshalText(b []byte) error {
	parsed, err := ParseGUID(string(b))
	if err != nil {
		return err
	}
	*g = parsed
	return nil
}

// Firmware file system formats.
var (
	FFS1GUID = MustParseGUID("7a9354d9-0468-444a-81ce-0bf617d890df")
	FFS2GUID = MustParseGUID("8c8ce578-8a3d-4f1c-9935-896185c32dd3")
	FFS3GUID = MustParseGUID("5473c07a-3dcb-4dca-bd6f-1e9689e7349a")
)

// SystemNVDataFVGUID names the file system of a volume holding a variable store.
var SystemNVDataFVGUID = MustParseGUID("fff12b8d-7696-4c8b-a985-2747075b4f50")

// Variable store signatures and vendors.
var (
	VariableStoreGUID              = MustParseGUID("ddcf3616-3275-4164-98b6-fe85707ffe7d")
	AuthenticatedVariableStoreGUID = MustParseGUID("aaf32c78-947b-439a-a180-2e144ec37792")
	GlobalVariableGUID             = MustParseGUID("8be4df61-93ca-11d2-aa0d-00e098032b8c")
)

// GUID-defined section algorithms.
var (
	LZMACustomDecompressGUID    = MustParseGUID("ee4e5898-3914-4259-9d6e-dc7bd79403cf")
	LZMAF86CustomDecompressGUID = MustParseGUID("d42ae6bd-1352-4bfb-909a-ca72a6eae889")
	TianoCustomDecompressGUID   = MustParseGUID("a31280ad-481e-41b6-95e8-127f4c984779")
	BrotliCustomDecompressGUID  = MustParseGUID("3d532050-5cda-4fd0-879e-0f7f630d5afb")
	CRC32GuidedSectionGUID      = MustParseGUID("fc1bcdb0-7d31-49aa-936a-a4600d9dd083")
)

// Apriori files.
var (
	PEIAprioriGUID = MustParseGUID("1b45cc0a-156a-428a-af62-49864da0e6e6")
	DXEAprioriGUID = MustParseGUID("fc510ee7-ffdc-11d4-bd41-0080c73c8881")
)

// ArchProtocols must all be installed before a DXE driver without a
// dependency expression may run.
var ArchProtocols = []GUID{
	MustParseGUID("a46423e3-4617-49f1-b9ff-d1bfa9115839"), // Security
	MustParseGUID("26baccb1-6f42-11d4-bce7-0080c73c8881"), // Cpu
	MustParseGUID("26baccb2-6f42-11d4-bce7-0080c73c8881"), // Metronome
	MustParseGUID("26baccb3-6f42-11d4-bce7-0080c73c8881"), // Timer
	MustParseGUID("665e3ff6-46cc-11d4-9a38-0090273fc14d"), // Bds
	MustParseGUID("665e3ff5-46cc-11d4-9a38-0090273fc14d"), // Watchdog
	MustParseGUID("b7dfb4e1-052f-449f-87be-9818fc91b733"), // Runtime
	MustParseGUID("1e5668e2-8481-11d4-bcf1-0080c73c8881"), // Variable
	MustParseGUID("6441f818-6362-4e44-b570-7dba31dd2453"), // VariableWrite
	MustParseGUID("5053697e-2cbc-4819-90d9-0580deee5754"), // Capsule
	MustParseGUID("1da97072-bddc-4b30-99f1-72a0b56fff2a"), // MonotonicCounter
	MustParseGUID("27cfac88-46cc-11d4-9a38-0090273fc14d"), // Reset
	MustParseGUID("27cfac87-46cc-11d4-9a38-0090273fc14d"), // RealTimeClock
}
