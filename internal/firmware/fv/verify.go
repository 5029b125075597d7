package fv

import (
	"go.uber.org/multierr"

	"github.com/appkins-org/go-uefi-fv/internal/firmware/efi"
	"github.com/appkins-org/go-uefi-fv/internal/firmware/ffs"
)

// Verify recomputes every volume header checksum and both checksum lanes of
// every file, returning all mismatches.
func Verify(v *Volume) error {
	var errs error
	_ = Walk(v, func(p Path, n Node) error {
		switch n := n.(type) {
		case *Volume:
			if s := efi.Sum16(n.raw[:n.Header.HeaderLength]); s != 0 {
				errs = multierr.Append(errs, ffs.Errorf(ffs.ErrChecksumMismatch, 0, "volume header sums to %#04x", s).At(p.String()))
			}
		case *File:
			if err := n.Header.VerifyChecksums(n.Body()); err != nil {
				errs = multierr.Append(errs, locate(err, p))
			}
		}
		return nil
	})
	return errs
}
