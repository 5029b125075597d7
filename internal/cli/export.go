package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/appkins-org/go-uefi-fv/internal/fatimg"
)

func (a *App) exportCommand() *cobra.Command {
	var dest string
	cmd := &cobra.Command{
		Use:   "export IMAGE --fat DISK",
		Short: "Copy every file of every volume into a FAT32 disk image",
		Long: `Create a new MBR disk image holding one FAT32 partition with a directory per
volume, named after the volume GUID, and each file stored as <GUID>.FFS.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, _, err := a.readImage(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			entries, err := (&fatimg.Exporter{Log: a.Log}).Export(dest, v)
			if err != nil {
				return err
			}
			for _, e := range entries {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %d\n", e.Path, e.Size)
			}
			a.Log.Info("exported files", "disk", dest, "count", len(entries))
			return nil
		},
	}
	cmd.Flags().StringVar(&dest, "fat", "", "path of the disk image to create")
	_ = cmd.MarkFlagRequired("fat")
	return cmd
}
