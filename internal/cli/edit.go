package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/appkins-org/go-uefi-fv/internal/firmware/efi"
	"github.com/appkins-org/go-uefi-fv/internal/firmware/fv"
)

// editFunc applies one mutation to a parsed image.
type editFunc func(ctx context.Context, e *fv.Editor, v *fv.Volume) (*fv.Volume, error)

// runEdit parses image, applies fn and writes the result to output, which
// defaults to overwriting image.
func (a *App) runEdit(ctx context.Context, op, image, output string, fn editFunc) error {
	v, _, err := a.readImage(ctx, image)
	if err != nil {
		return err
	}
	nv, err := fn(ctx, a.editor(), v)
	a.Metrics.ObserveEdit(op, err)
	if err != nil {
		return err
	}
	if output == "" {
		output = image
	}
	return a.writeImage(output, nv)
}

func (a *App) addCommand() *cobra.Command {
	var (
		output  string
		into    string
		newGUID bool
	)
	cmd := &cobra.Command{
		Use:   "add IMAGE FFS",
		Short: "Insert a standalone FFS file into a volume",
		Long: `Insert the FFS file read from FFS into the root volume of IMAGE, or with
--into into the nested volume with that name. Containing volumes and the
sections that encapsulate them grow as needed.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			f, err := a.readFile(ctx, args[1])
			if err != nil {
				return err
			}
			if newGUID {
				if f, err = renamed(f, efi.RandomGUID()); err != nil {
					return err
				}
				a.Log.Info("assigned file name", "guid", f.Header.Name.String())
			}
			var target efi.GUID
			if into != "" {
				if target, err = parseGUIDArg("volume", into); err != nil {
					return err
				}
			}
			return a.runEdit(ctx, "add", args[0], output, func(ctx context.Context, e *fv.Editor, v *fv.Volume) (*fv.Volume, error) {
				if into == "" {
					return e.AddFile(ctx, v, f)
				}
				return e.AddFileTo(ctx, v, target, f)
			})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "write the result here instead of overwriting IMAGE")
	cmd.Flags().StringVar(&into, "into", "", "name GUID of the nested volume to add to")
	cmd.Flags().BoolVar(&newGUID, "new-guid", false, "give the file a fresh random name GUID")
	return cmd
}

// renamed rebuilds f under a new name GUID.
func renamed(f *fv.File, name efi.GUID) (*fv.File, error) {
	if !f.Header.Type.HasSections() {
		return fv.NewRawFile(name, f.Header.Type, f.Header.Attributes, f.Body())
	}
	return fv.NewFile(name, f.Header.Type, f.Header.Attributes, f.Sections...)
}

func (a *App) replaceCommand() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "replace IMAGE GUID FFS",
		Short: "Replace the file named GUID, wherever it is nested",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			id, err := parseGUIDArg("file", args[1])
			if err != nil {
				return err
			}
			f, err := a.readFile(ctx, args[2])
			if err != nil {
				return err
			}
			return a.runEdit(ctx, "replace", args[0], output, func(ctx context.Context, e *fv.Editor, v *fv.Volume) (*fv.Volume, error) {
				return e.ReplaceFile(ctx, v, id, f)
			})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "write the result here instead of overwriting IMAGE")
	return cmd
}

func (a *App) deleteCommand() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:     "delete IMAGE GUID",
		Aliases: []string{"rm"},
		Short:   "Remove the file named GUID, leaving free space in its place",
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseGUIDArg("file", args[1])
			if err != nil {
				return err
			}
			return a.runEdit(cmd.Context(), "delete", args[0], output, func(ctx context.Context, e *fv.Editor, v *fv.Volume) (*fv.Volume, error) {
				return e.DeleteFile(ctx, v, id)
			})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "write the result here instead of overwriting IMAGE")
	return cmd
}

func (a *App) shrinkCommand() *cobra.Command {
	var (
		output string
		volume string
	)
	cmd := &cobra.Command{
		Use:   "shrink IMAGE",
		Short: "Trim trailing free space from a volume",
		Long: `Trim trailing free space from the root volume, keeping the block map
consistent. With --volume, shrink the nested volume with that name instead and
let its parents shrink around it.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var target efi.GUID
			if volume != "" {
				var err error
				if target, err = parseGUIDArg("volume", volume); err != nil {
					return err
				}
			}
			return a.runEdit(cmd.Context(), "shrink", args[0], output, func(ctx context.Context, e *fv.Editor, v *fv.Volume) (*fv.Volume, error) {
				if volume == "" {
					return e.ShrinkVolume(ctx, v)
				}
				return e.ShrinkNested(ctx, v, target)
			})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "write the result here instead of overwriting IMAGE")
	cmd.Flags().StringVar(&volume, "volume", "", "name GUID of a nested volume to shrink")
	return cmd
}
