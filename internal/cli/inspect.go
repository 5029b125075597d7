package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"runtime"

	"github.com/ghodss/yaml"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/appkins-org/go-uefi-fv/internal/firmware/dispatch"
	"github.com/appkins-org/go-uefi-fv/internal/firmware/fv"
)

const (
	formatText = "text"
	formatJSON = "json"
	formatYAML = "yaml"
)

func validateFormat(format string) error {
	switch format {
	case formatText, formatJSON, formatYAML:
		return nil
	}
	return fmt.Errorf("unsupported output format %q: use text, json or yaml", format)
}

// render writes v in format, using text for the human readable form.
func render(w io.Writer, format string, v any, text func(io.Writer)) error {
	switch format {
	case formatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case formatYAML:
		b, err := yaml.Marshal(v)
		if err != nil {
			return err
		}
		_, err = w.Write(b)
		return err
	}
	text(w)
	return nil
}

// imageResult is the outcome of one image in a batch.
type imageResult struct {
	Path   string         `json:"path"`
	Volume *fv.VolumeInfo `json:"volume,omitempty"`
	Issues []string       `json:"issues,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// eachImage runs fn over paths concurrently and returns results in input order.
func eachImage(paths []string, fn func(path string, r *imageResult)) []imageResult {
	out := make([]imageResult, len(paths))
	g := new(errgroup.Group)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, p := range paths {
		out[i].Path = p
		g.Go(func() error {
			fn(p, &out[i])
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (a *App) dumpCommand() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "dump IMAGE...",
		Short: "Print the volume, file and section tree of images",
		Args:  cobra.MinimumNArgs(1),
		PreRunE: func(*cobra.Command, []string) error {
			return validateFormat(format)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			results := eachImage(args, func(path string, r *imageResult) {
				v, _, err := a.readImage(ctx, path)
				if err != nil {
					r.Error = err.Error()
					return
				}
				info := fv.Describe(v)
				r.Volume = &info
			})

			err := render(cmd.OutOrStdout(), format, results, func(w io.Writer) {
				for _, r := range results {
					fmt.Fprintf(w, "%s:\n", r.Path)
					if r.Error != "" {
						fmt.Fprintf(w, "  error: %s\n", r.Error)
						continue
					}
					fv.WriteTree(w, *r.Volume, 1)
				}
			})
			if err != nil {
				return err
			}
			return batchError("parse", results)
		},
	}
	cmd.Flags().StringVar(&format, "format", formatText, "output format (text, json, yaml)")
	return cmd
}

func (a *App) verifyCommand() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "verify IMAGE...",
		Short: "Check checksums, decode errors and byte-exact reserialization",
		Args:  cobra.MinimumNArgs(1),
		PreRunE: func(*cobra.Command, []string) error {
			return validateFormat(format)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			results := eachImage(args, func(path string, r *imageResult) {
				v, raw, err := a.readImage(ctx, path)
				if err != nil {
					r.Error = err.Error()
					return
				}
				errs := multierr.Combine(fv.Verify(v), fv.Errors(v))
				if !bytes.Equal(v.Bytes(), raw) {
					errs = multierr.Append(errs, fmt.Errorf("reserialized image differs from input"))
				}
				for _, e := range multierr.Errors(errs) {
					r.Issues = append(r.Issues, e.Error())
				}
				a.Metrics.Findings.Add(float64(len(r.Issues)))
			})

			err := render(cmd.OutOrStdout(), format, results, func(w io.Writer) {
				for _, r := range results {
					switch {
					case r.Error != "":
						fmt.Fprintf(w, "FAIL %s: %s\n", r.Path, r.Error)
					case len(r.Issues) > 0:
						fmt.Fprintf(w, "FAIL %s\n", r.Path)
						for _, i := range r.Issues {
							fmt.Fprintf(w, "  %s\n", i)
						}
					default:
						fmt.Fprintf(w, "OK   %s\n", r.Path)
					}
				}
			})
			if err != nil {
				return err
			}
			return batchError("verify", results)
		},
	}
	cmd.Flags().StringVar(&format, "format", formatText, "output format (text, json, yaml)")
	return cmd
}

func batchError(what string, results []imageResult) error {
	failed := 0
	for _, r := range results {
		if r.Error != "" || len(r.Issues) > 0 {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%s failed for %d of %d image(s)", what, failed, len(results))
	}
	return nil
}

func (a *App) dispatchCommand() *cobra.Command {
	var (
		format    string
		producers []string
	)
	cmd := &cobra.Command{
		Use:   "dispatch IMAGE",
		Short: "Simulate PEI and DXE dispatch order",
		Long: `Simulate the order in which the PEI and DXE dispatchers would run the modules
of an image. Which PPIs and protocols each module installs is not recorded in
the image, so supply it with one or more --producers files (YAML or JSON maps
of module GUID to {ppis, protocols}).`,
		Args: cobra.ExactArgs(1),
		PreRunE: func(*cobra.Command, []string) error {
			return validateFormat(format)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			prods := dispatch.Producers{}
			for _, p := range producers {
				b, err := afero.ReadFile(a.Fs, p)
				if err != nil {
					return err
				}
				loaded, err := dispatch.LoadProducers(b)
				if err != nil {
					return fmt.Errorf("%s: %w", p, err)
				}
				prods = prods.Merge(loaded)
			}

			v, _, err := a.readImage(ctx, args[0])
			if err != nil {
				return err
			}
			report, err := (&dispatch.Simulator{Producers: prods, Log: a.Log}).Run(ctx, v)
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), format, report, func(w io.Writer) {
				printReport(w, report)
			})
		},
	}
	cmd.Flags().StringVar(&format, "format", formatText, "output format (text, json, yaml)")
	cmd.Flags().StringSliceVar(&producers, "producers", nil, "file mapping module GUIDs to the PPIs and protocols they install")
	return cmd
}

func printReport(w io.Writer, r *dispatch.Report) {
	for _, ph := range []struct {
		name    dispatch.Phase
		entries []dispatch.Entry
	}{{dispatch.PhasePEI, r.PEI}, {dispatch.PhaseDXE, r.DXE}} {
		fmt.Fprintf(w, "%s:\n", ph.name)
		for i, e := range ph.entries {
			fmt.Fprintf(w, "  %3d %s %-8s %s", i+1, e.GUID, e.Via, entryName(e))
			if e.Target != nil {
				fmt.Fprintf(w, " (%s %s)", e.Via, *e.Target)
			}
			fmt.Fprintln(w)
		}
	}
	if len(r.Undispatched) == 0 {
		return
	}
	fmt.Fprintln(w, "Undispatched:")
	for _, e := range r.Undispatched {
		fmt.Fprintf(w, "  %s %s %s: %s", e.Phase, e.GUID, entryName(e), e.Reason)
		if e.Target != nil {
			fmt.Fprintf(w, " %s", *e.Target)
		}
		if e.Error != "" {
			fmt.Fprintf(w, " (%s)", e.Error)
		}
		fmt.Fprintln(w)
	}
}

func entryName(e dispatch.Entry) string {
	if e.Name != "" {
		return e.Name
	}
	return e.Type
}
