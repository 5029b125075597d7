package ffs

import (
	"errors"
	"fmt"
	"strings"

	"github.com/appkins-org/go-uefi-fv/internal/firmware/efi"
)

var (
	ErrMalformedRecord          = errors.New("malformed record")
	ErrDuplicateIdentity        = errors.New("duplicate file identity")
	ErrUnsupportedEncapsulation = errors.New("unsupported encapsulation")
	ErrToolNotFound             = errors.New("encapsulation tool not found")
	ErrEncapsulationFailed      = errors.New("encapsulation failed")
	ErrInsufficientSpace        = errors.New("insufficient space")
	ErrAlignmentViolation       = errors.New("alignment violation")
	ErrDepexDecode              = errors.New("dependency expression decode error")
	ErrChecksumMismatch         = errors.New("checksum mismatch")
	ErrNotFound                 = errors.New("not found")
)

// Error is a diagnostic naming where in an image a failure happened.
// Kind is one of the sentinel errors above and is matched by errors.Is.
type Error struct {
	Kind        error
	GUID        *efi.GUID
	Offset      int64
	SectionType *SectionType
	Path        string
	Msg         string
	Err         error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.Error())
	if e.Path != "" {
		fmt.Fprintf(&b, " at %s", e.Path)
	}
	if e.GUID != nil {
		fmt.Fprintf(&b, " guid=%s", e.GUID)
	}
	if e.Offset >= 0 {
		fmt.Fprintf(&b, " offset=%#x", e.Offset)
	}
	if e.SectionType != nil {
		fmt.Fprintf(&b, " section=%s", *e.SectionType)
	}
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Errorf builds an Error of the given kind at offset. Use -1 when the offset is unknown.
func Errorf(kind error, offset int64, format string, args ...any) *Error {
	return &Error{Kind: kind, Offset: offset, Msg: fmt.Sprintf(format, args...)}
}

// WithGUID sets the GUID of the record the error refers to.
func (e *Error) WithGUID(g efi.GUID) *Error {
	e.GUID = &g
	return e
}

// WithSection sets the section type of the record the error refers to.
func (e *Error) WithSection(t SectionType) *Error {
	e.SectionType = &t
	return e
}

// Wrap sets the underlying cause.
func (e *Error) Wrap(err error) *Error {
	e.Err = err
	return e
}

// At fills the path if it is not already set.
func (e *Error) At(path string) *Error {
	if e.Path == "" {
		e.Path = path
	}
	return e
}
