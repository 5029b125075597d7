package ffs

import "fmt"

// FileType is the EFI_FV_FILETYPE of an FFS file.
type FileType uint8

const (
	FileTypeAll                 FileType = 0x00
	FileTypeRaw                 FileType = 0x01
	FileTypeFreeform            FileType = 0x02
	FileTypeSecurityCore        FileType = 0x03
	FileTypePEICore             FileType = 0x04
	FileTypeDXECore             FileType = 0x05
	FileTypePEIM                FileType = 0x06
	FileTypeDriver              FileType = 0x07
	FileTypeCombinedPEIMDriver  FileType = 0x08
	FileTypeApplication         FileType = 0x09
	FileTypeMM                  FileType = 0x0a
	FileTypeFirmwareVolumeImage FileType = 0x0b
	FileTypeCombinedMMDXE       FileType = 0x0c
	FileTypeMMCore              FileType = 0x0d
	FileTypeMMStandalone        FileType = 0x0e
	FileTypeMMCoreStandalone    FileType = 0x0f
	FileTypeOEMMin              FileType = 0xc0
	FileTypeOEMMax              FileType = 0xdf
	FileTypeDebugMin            FileType = 0xe0
	FileTypeDebugMax            FileType = 0xef
	FileTypePad                 FileType = 0xf0
)

var fileTypeNames = map[FileType]string{
	FileTypeAll:                 "ALL",
	FileTypeRaw:                 "RAW",
	FileTypeFreeform:            "FREEFORM",
	FileTypeSecurityCore:        "SEC_CORE",
	FileTypePEICore:             "PEI_CORE",
	FileTypeDXECore:             "DXE_CORE",
	FileTypePEIM:                "PEIM",
	FileTypeDriver:              "DRIVER",
	FileTypeCombinedPEIMDriver:  "COMBINED_PEIM_DRIVER",
	FileTypeApplication:         "APPLICATION",
	FileTypeMM:                  "MM",
	FileTypeFirmwareVolumeImage: "FV_IMAGE",
	FileTypeCombinedMMDXE:       "COMBINED_MM_DXE",
	FileTypeMMCore:              "MM_CORE",
	FileTypeMMStandalone:        "MM_STANDALONE",
	FileTypeMMCoreStandalone:    "MM_CORE_STANDALONE",
	FileTypePad:                 "PAD",
}

func (t FileType) String() string {
	if n, ok := fileTypeNames[t]; ok {
		return n
	}
	switch {
	case t >= FileTypeOEMMin && t <= FileTypeOEMMax:
		return fmt.Sprintf("OEM(%#02x)", uint8(t))
	case t >= FileTypeDebugMin && t <= FileTypeDebugMax:
		return fmt.Sprintf("DEBUG(%#02x)", uint8(t))
	}
	return fmt.Sprintf("UNKNOWN(%#02x)", uint8(t))
}

// HasSections reports whether files of this type carry a section stream.
func (t FileType) HasSections() bool {
	switch t {
	case FileTypeAll, FileTypeRaw, FileTypePad:
		return false
	}
	return true
}

// SectionType is the EFI_SECTION_TYPE of a section.
type SectionType uint8

const (
	SectionCompression         SectionType = 0x01
	SectionGUIDDefined         SectionType = 0x02
	SectionDisposable          SectionType = 0x03
	SectionPE32                SectionType = 0x10
	SectionPIC                 SectionType = 0x11
	SectionTE                  SectionType = 0x12
	SectionDXEDepex            SectionType = 0x13
	SectionVersion             SectionType = 0x14
	SectionUserInterface       SectionType = 0x15
	SectionCompatibility16     SectionType = 0x16
	SectionFirmwareVolume      SectionType = 0x17
	SectionFreeformSubtypeGUID SectionType = 0x18
	SectionRaw                 SectionType = 0x19
	SectionPEIDepex            SectionType = 0x1b
	SectionMMDepex             SectionType = 0x1c
)

var sectionTypeNames = map[SectionType]string{
	SectionCompression:         "COMPRESSION",
	SectionGUIDDefined:         "GUID_DEFINED",
	SectionDisposable:          "DISPOSABLE",
	SectionPE32:                "PE32",
	SectionPIC:                 "PIC",
	SectionTE:                  "TE",
	SectionDXEDepex:            "DXE_DEPEX",
	SectionVersion:             "VERSION",
	SectionUserInterface:       "USER_INTERFACE",
	SectionCompatibility16:     "COMPATIBILITY16",
	SectionFirmwareVolume:      "FIRMWARE_VOLUME_IMAGE",
	SectionFreeformSubtypeGUID: "FREEFORM_SUBTYPE_GUID",
	SectionRaw:                 "RAW",
	SectionPEIDepex:            "PEI_DEPEX",
	SectionMMDepex:             "MM_DEPEX",
}

func (t SectionType) String() string {
	if n, ok := sectionTypeNames[t]; ok {
		return n
	}
	return fmt.Sprintf("UNKNOWN(%#02x)", uint8(t))
}

// IsDepex reports whether the section holds dependency expression bytecode.
func (t SectionType) IsDepex() bool {
	return t == SectionDXEDepex || t == SectionPEIDepex || t == SectionMMDepex
}
