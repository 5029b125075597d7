// Command fvdump lists the firmware volumes of a raw flash image, such as a
// platform .fd file, together with their files and sections. Variable store
// volumes are listed by variable instead.
package main

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/afero"
	"github.com/spf13/pflag"

	"github.com/appkins-org/go-uefi-fv/internal/firmware/efi"
	"github.com/appkins-org/go-uefi-fv/internal/firmware/fv"
	"github.com/appkins-org/go-uefi-fv/internal/firmware/varstore"
	"github.com/appkins-org/go-uefi-fv/internal/logging"
)

func main() {
	if err := run(context.Background(), afero.NewOsFs(), os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "fvdump: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, fsys afero.Fs, args []string, stdout, stderr io.Writer) error {
	flags := pflag.NewFlagSet("fvdump", pflag.ContinueOnError)
	flags.SetOutput(stderr)
	level := flags.String("log-level", "info", "log level (info, debug)")
	summary := flags.Bool("summary", false, "print one line per volume")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if flags.NArg() != 1 {
		return fmt.Errorf("usage: fvdump [--summary] [--log-level LEVEL] IMAGE")
	}
	filename := flags.Arg(0)
	log := logging.New(stderr, *level, "text")

	data, err := afero.ReadFile(fsys, filename)
	if err != nil {
		return err
	}
	log.Info("reading flash image", "path", filename, "length", len(data))

	regions, err := (&fv.Parser{Log: log}).Scan(ctx, data)
	if err != nil {
		return err
	}
	if len(regions) == 0 {
		return fmt.Errorf("%s: no firmware volumes found", filename)
	}

	for _, r := range regions {
		info := fv.Describe(r.Volume)
		fmt.Fprintf(stdout, "0x%08x -> 0x%08x %s\n", r.Offset, r.Offset+info.Length, info.Name)
		if *summary {
			continue
		}
		store, err := varstore.FromVolume(r.Volume)
		switch {
		case errors.Is(err, varstore.ErrNoStore):
			fv.WriteTree(stdout, info, 1)
		case err != nil:
			log.Error(err, "decoding variable store", "offset", r.Offset)
		default:
			log.Info("variable store", "offset", r.Offset, "size", store.Size, "authenticated", store.Authenticated())
			writeVariables(stdout, store)
		}
	}
	return nil
}

// writeVariables prints the live variables of s, one per line.
func writeVariables(w io.Writer, s *varstore.Store) {
	for _, v := range s.Active() {
		fmt.Fprintf(w, "  %-20s : ", v.Name)
		if id, ok := varstore.BootOptionNumber(v.Name); ok && v.GUID == efi.GlobalVariableGUID {
			if opt, err := s.BootEntry(id); err == nil {
				path, err := opt.DevicePath()
				if err != nil {
					fmt.Fprintf(w, "boot entry: title=%q devpath=%d bytes (%v)\n", opt.Description, len(opt.FilePath), err)
				} else {
					fmt.Fprintf(w, "boot entry: title=%q devpath=%s\n", opt.Description, path)
				}
				continue
			}
		}
		switch {
		case v.Name == varstore.BootOrderName:
			order, _ := s.BootOrder()
			ids := make([]string, len(order))
			for i, id := range order {
				ids[i] = fmt.Sprintf("%04X", id)
			}
			fmt.Fprintf(w, "boot order: %s\n", strings.Join(ids, ", "))
		case len(v.Data) == 2:
			fmt.Fprintf(w, "word: %#04x\n", binary.LittleEndian.Uint16(v.Data))
		case len(v.Data) == 4:
			fmt.Fprintf(w, "dword: %#08x\n", binary.LittleEndian.Uint32(v.Data))
		default:
			fmt.Fprintf(w, "blob: %d bytes\n", len(v.Data))
		}
	}
}
