// Package varstore decodes the EDK2 variable store kept in a non-volatile
// data volume of a flash image.
package varstore

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ccoveille/go-safecast"

	"github.com/appkins-org/go-uefi-fv/internal/firmware/efi"
	"github.com/appkins-org/go-uefi-fv/internal/firmware/ffs"
	"github.com/appkins-org/go-uefi-fv/internal/firmware/fv"
)

const (
	BootOrderName = "BootOrder"
	BootPrefix    = "Boot"

	// HeaderLength is the size of VARIABLE_STORE_HEADER.
	HeaderLength = 28

	variableStartID = 0x55aa
	storeFormatted  = 0x5a
	storeHealthy    = 0xfe

	headerLength     = 32
	authHeaderLength = 60
)

// Variable attributes.
const (
	AttrNonVolatile       uint32 = 0x01
	AttrBootServiceAccess uint32 = 0x02
	AttrRuntimeAccess     uint32 = 0x04
	AttrHardwareError     uint32 = 0x08
	AttrAuthenticated     uint32 = 0x10
	AttrTimeBasedAuth     uint32 = 0x20
	AttrAppendWrite       uint32 = 0x40
)

// Variable states. A state byte starts erased and bits are cleared as the
// variable moves through its life cycle.
const (
	StateInDeletedTransition uint8 = 0xfe
	StateDeleted             uint8 = 0xfd
	StateHeaderValidOnly     uint8 = 0x7f
	StateAdded               uint8 = 0x3f
)

// ErrNoStore is returned for volumes that do not carry a variable store.
var ErrNoStore = errors.New("no variable store")

// Variable is one record of the store, live or not.
type Variable struct {
	Name           string   `json:"name"`
	GUID           efi.GUID `json:"guid"`
	Attributes     uint32   `json:"attr"`
	State          uint8    `json:"state"`
	MonotonicCount uint64   `json:"-"`
	TimeStamp      [16]byte `json:"-"`
	PubKeyIndex    uint32   `json:"-"`
	Data           []byte   `json:"data,omitempty"`
	Offset         int      `json:"-"`
}

// Active reports whether the variable is current. A variable caught in the
// middle of an update still counts.
func (v *Variable) Active() bool {
	return v.State == StateAdded || v.State == StateAdded&StateInDeletedTransition
}

// Store is a decoded VARIABLE_STORE_HEADER and its records in store order.
type Store struct {
	Signature efi.GUID
	Size      uint32
	Format    uint8
	State     uint8
	Variables []*Variable
}

// Authenticated reports whether records carry the authenticated header.
func (s *Store) Authenticated() bool {
	return s.Signature == efi.AuthenticatedVariableStoreGUID
}

// FromVolume decodes the store that follows the header of v.
func FromVolume(v *fv.Volume) (*Store, error) {
	if v.IsFFS() {
		return nil, fmt.Errorf("volume %s: %w", v.Name(), ErrNoStore)
	}
	start := int(v.Header.HeaderLength)
	if v.Ext != nil {
		start = max(start, int(ffs.Align(uint64(v.Header.ExtHeaderOffset)+uint64(v.Ext.Size), 4)))
	}
	b := v.Bytes()
	if start > len(b) {
		return nil, fmt.Errorf("volume %s: %w", v.Name(), ErrNoStore)
	}
	return Decode(b[start:])
}

// Decode parses a variable store starting at b[0].
func Decode(b []byte) (*Store, error) {
	if len(b) < HeaderLength {
		return nil, ErrNoStore
	}
	sig, _ := efi.GUIDFromBytes(b[:16])
	if sig != efi.VariableStoreGUID && sig != efi.AuthenticatedVariableStoreGUID {
		return nil, fmt.Errorf("signature %s: %w", sig, ErrNoStore)
	}
	s := &Store{
		Signature: sig,
		Size:      binary.LittleEndian.Uint32(b[16:20]),
		Format:    b[20],
		State:     b[21],
	}
	if int64(s.Size) > int64(len(b)) || s.Size < HeaderLength {
		return nil, ffs.Errorf(ffs.ErrMalformedRecord, 16, "variable store size %#x with %#x bytes available", s.Size, len(b))
	}
	if s.Format != storeFormatted {
		return nil, ffs.Errorf(ffs.ErrMalformedRecord, 20, "variable store format %#02x", s.Format)
	}

	hl := headerLength
	if s.Authenticated() {
		hl = authHeaderLength
	}
	end := int(s.Size)
	for off := HeaderLength; off+hl <= end; {
		d := b[off:end]
		if binary.LittleEndian.Uint16(d[0:2]) != variableStartID {
			break
		}
		v := &Variable{Offset: off, State: d[2], Attributes: binary.LittleEndian.Uint32(d[4:8])}
		var nameSize, dataSize uint32
		if s.Authenticated() {
			v.MonotonicCount = binary.LittleEndian.Uint64(d[8:16])
			copy(v.TimeStamp[:], d[16:32])
			v.PubKeyIndex = binary.LittleEndian.Uint32(d[32:36])
			nameSize = binary.LittleEndian.Uint32(d[36:40])
			dataSize = binary.LittleEndian.Uint32(d[40:44])
			v.GUID, _ = efi.GUIDFromBytes(d[44:60])
		} else {
			nameSize = binary.LittleEndian.Uint32(d[8:12])
			dataSize = binary.LittleEndian.Uint32(d[12:16])
			v.GUID, _ = efi.GUIDFromBytes(d[16:32])
		}
		if uint64(hl)+uint64(nameSize)+uint64(dataSize) > uint64(len(d)) {
			return s, ffs.Errorf(ffs.ErrMalformedRecord, int64(off), "variable of %d+%d bytes overruns the store", nameSize, dataSize)
		}
		name, err := efi.FromUCS2(d[hl : hl+int(nameSize)])
		if err != nil {
			return s, ffs.Errorf(ffs.ErrMalformedRecord, int64(off+hl), "variable name").Wrap(err)
		}
		v.Name = name
		v.Data = bytes.Clone(d[hl+int(nameSize) : hl+int(nameSize)+int(dataSize)])
		s.Variables = append(s.Variables, v)
		off += int(ffs.Align(uint64(hl)+uint64(nameSize)+uint64(dataSize), 4))
	}
	return s, nil
}

// Encode lays the store out again, filling the unused space with 0xff.
func (s *Store) Encode() ([]byte, error) {
	out := make([]byte, HeaderLength, s.Size)
	s.Signature.Put(out[0:16])
	binary.LittleEndian.PutUint32(out[16:20], s.Size)
	out[20], out[21] = s.Format, s.State

	for _, v := range s.Variables {
		name := efi.ToUCS2(v.Name)
		nameSize, err := safecast.ToUint32(len(name))
		if err != nil {
			return nil, err
		}
		dataSize, err := safecast.ToUint32(len(v.Data))
		if err != nil {
			return nil, err
		}
		var h []byte
		if s.Authenticated() {
			h = make([]byte, authHeaderLength)
			binary.LittleEndian.PutUint64(h[8:16], v.MonotonicCount)
			copy(h[16:32], v.TimeStamp[:])
			binary.LittleEndian.PutUint32(h[32:36], v.PubKeyIndex)
			binary.LittleEndian.PutUint32(h[36:40], nameSize)
			binary.LittleEndian.PutUint32(h[40:44], dataSize)
			v.GUID.Put(h[44:60])
		} else {
			h = make([]byte, headerLength)
			binary.LittleEndian.PutUint32(h[8:12], nameSize)
			binary.LittleEndian.PutUint32(h[12:16], dataSize)
			v.GUID.Put(h[16:32])
		}
		binary.LittleEndian.PutUint16(h[0:2], variableStartID)
		h[2] = v.State
		h[3] = 0
		binary.LittleEndian.PutUint32(h[4:8], v.Attributes)

		v.Offset = len(out)
		out = append(out, h...)
		out = append(out, name...)
		out = append(out, v.Data...)
		for len(out)%4 != 0 {
			out = append(out, 0xff)
		}
	}
	if len(out) > int(s.Size) {
		return nil, ffs.Errorf(ffs.ErrInsufficientSpace, -1, "variables need %#x bytes, store holds %#x", len(out), s.Size)
	}
	return append(out, ffs.Fill(int(s.Size)-len(out), 0xff)...), nil
}

// Lookup returns the active variable name of vendor guid.
func (s *Store) Lookup(name string, guid efi.GUID) (*Variable, bool) {
	var found *Variable
	for _, v := range s.Variables {
		if v.Active() && v.Name == name && v.GUID == guid {
			found = v
		}
	}
	return found, found != nil
}

// Active returns the live variables in store order.
func (s *Store) Active() []*Variable {
	var out []*Variable
	for _, v := range s.Variables {
		if v.Active() {
			out = append(out, v)
		}
	}
	return out
}

// BootOrder returns the BootOrder variable as option numbers.
func (s *Store) BootOrder() ([]uint16, error) {
	variable, ok := s.Lookup(BootOrderName, efi.GlobalVariableGUID)
	if !ok {
		return nil, fmt.Errorf("BootOrder variable not found")
	}
	if len(variable.Data)%2 != 0 {
		return nil, fmt.Errorf("invalid boot order data length %d", len(variable.Data))
	}
	order := make([]uint16, len(variable.Data)/2)
	for i := range order {
		order[i] = binary.LittleEndian.Uint16(variable.Data[i*2:])
	}
	return order, nil
}

// BootOptionNumber parses the number out of a Boot#### variable name.
func BootOptionNumber(name string) (uint16, bool) {
	id, ok := strings.CutPrefix(name, BootPrefix)
	if !ok || len(id) != 4 {
		return 0, false
	}
	n, err := strconv.ParseUint(id, 16, 16)
	if err != nil {
		return 0, false
	}
	return uint16(n), true
}

// BootEntry decodes the Boot#### load option with number id.
func (s *Store) BootEntry(id uint16) (*LoadOption, error) {
	name := fmt.Sprintf("%s%04X", BootPrefix, id)
	variable, ok := s.Lookup(name, efi.GlobalVariableGUID)
	if !ok {
		return nil, fmt.Errorf("boot entry not found: %s", name)
	}
	entry, err := ParseLoadOption(variable.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse boot entry %s: %w", name, err)
	}
	return entry, nil
}

// LoadOption is an EFI_LOAD_OPTION.
type LoadOption struct {
	Attributes   uint32
	Description  string
	FilePath     []byte
	OptionalData []byte
}

// ParseLoadOption decodes b as an EFI_LOAD_OPTION.
func ParseLoadOption(b []byte) (*LoadOption, error) {
	if len(b) < 6 {
		return nil, fmt.Errorf("load option of %d bytes", len(b))
	}
	o := &LoadOption{Attributes: binary.LittleEndian.Uint32(b[0:4])}
	pathLen := int(binary.LittleEndian.Uint16(b[4:6]))

	rest := b[6:]
	end := -1
	for i := 0; i+1 < len(rest); i += 2 {
		if rest[i] == 0 && rest[i+1] == 0 {
			end = i + 2
			break
		}
	}
	if end < 0 {
		return nil, fmt.Errorf("load option description is not terminated")
	}
	desc, err := efi.FromUCS2(rest[:end])
	if err != nil {
		return nil, err
	}
	o.Description = desc
	rest = rest[end:]
	if pathLen > len(rest) {
		return nil, fmt.Errorf("device path of %d bytes with %d available", pathLen, len(rest))
	}
	o.FilePath = rest[:pathLen]
	o.OptionalData = rest[pathLen:]
	return o, nil
}

// DevicePath decodes the option's file path list.
func (o *LoadOption) DevicePath() (DevicePath, error) {
	return ParseDevicePath(o.FilePath)
}

// Bytes encodes the load option.
func (o *LoadOption) Bytes() []byte {
	b := binary.LittleEndian.AppendUint32(nil, o.Attributes)
	b = binary.LittleEndian.AppendUint16(b, uint16(len(o.FilePath)))
	b = append(b, efi.ToUCS2(o.Description)...)
	b = append(b, o.FilePath...)
	return append(b, o.OptionalData...)
}
