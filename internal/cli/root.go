// Package cli implements the fvtool command tree.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/go-logr/logr"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/appkins-org/go-uefi-fv/internal/config"
	"github.com/appkins-org/go-uefi-fv/internal/firmware/efi"
	"github.com/appkins-org/go-uefi-fv/internal/firmware/encap"
	"github.com/appkins-org/go-uefi-fv/internal/firmware/fv"
	"github.com/appkins-org/go-uefi-fv/internal/logging"
	"github.com/appkins-org/go-uefi-fv/internal/metrics"
	"github.com/appkins-org/go-uefi-fv/internal/telemetry"
)

// App carries what every subcommand needs. It is filled in by the root
// command's PersistentPreRunE.
type App struct {
	// Fs holds the images read and written by the commands.
	Fs afero.Fs
	// Runner overrides the external tool runner, mainly for tests.
	Runner encap.Runner

	Config  *config.Config
	Log     logr.Logger
	Metrics *metrics.Metrics
	Codecs  *encap.Registry

	configFile string
	shutdown   func(context.Context) error
}

// NewRootCommand builds the command tree around fs.
func NewRootCommand(fs afero.Fs) *cobra.Command {
	a := &App{Fs: fs}
	return a.Command()
}

// Command returns the root command bound to a.
func (a *App) Command() *cobra.Command {
	root := &cobra.Command{
		Use:   "fvtool",
		Short: "Inspect and edit UEFI firmware volumes",
		Long: `fvtool parses UEFI Platform Initialization firmware volumes into a tree of
volumes, files and sections, simulates PEI and DXE dispatch order, and edits
volumes in place while keeping alignment, padding and checksums valid.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			return a.teardown(cmd.Context())
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.configFile, "config", "", "config file (default is ./fvtool.yaml)")
	pf.String("log-level", "info", "log level (info, debug)")
	pf.String("log-format", "text", "log format (text, json)")
	pf.Uint64("max-length", 0, "largest length the root volume may grow to, 0 for no limit")
	pf.Bool("strict", false, "fail when any section cannot be decoded")

	root.AddCommand(
		a.dumpCommand(),
		a.verifyCommand(),
		a.dispatchCommand(),
		a.addCommand(),
		a.replaceCommand(),
		a.deleteCommand(),
		a.shrinkCommand(),
		a.exportCommand(),
	)
	return root
}

func (a *App) setup(cmd *cobra.Command, _ []string) error {
	cfg, err := config.NewConfig(a.configFile, cmd.Root().PersistentFlags())
	if err != nil {
		return err
	}
	a.Config = cfg
	a.Log = logging.New(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat)
	a.Metrics = metrics.New()

	runner := a.Runner
	if runner == nil {
		runner = &encap.ExecRunner{Log: a.Log, Timeout: cfg.ToolTimeout, Observer: a.Metrics}
	}
	a.Codecs = encap.NewDefaultRegistry(cfg.EncapOptions(runner))

	a.shutdown, err = telemetry.Setup(cmd.Context(), telemetry.Options{
		Endpoint: cfg.Tracing.OTLPEndpoint,
		Insecure: cfg.Tracing.Insecure,
		Log:      a.Log,
	})
	return err
}

func (a *App) teardown(ctx context.Context) error {
	var errs []error
	if a.shutdown != nil {
		errs = append(errs, a.shutdown(ctx))
	}
	if a.Metrics != nil && a.Config != nil && a.Config.Metrics.Textfile != "" {
		errs = append(errs, a.Metrics.WriteTextfile(a.Config.Metrics.Textfile))
	}
	return errors.Join(errs...)
}

func (a *App) parser() *fv.Parser {
	return &fv.Parser{Codecs: a.Codecs, Strict: a.Config.StrictEncapsulation, Log: a.Log}
}

func (a *App) editor() *fv.Editor {
	return &fv.Editor{Codecs: a.Codecs, MaxLength: a.Config.MaxVolumeLength, Log: a.Log}
}

// readImage parses the volume image at path.
func (a *App) readImage(ctx context.Context, path string) (*fv.Volume, []byte, error) {
	b, err := afero.ReadFile(a.Fs, path)
	if err != nil {
		return nil, nil, err
	}
	v, err := a.parser().Parse(ctx, b)
	a.Metrics.ObserveParse(err)
	if err != nil {
		return nil, b, fmt.Errorf("%s: %w", path, err)
	}
	a.Log.V(1).Info("parsed image", "path", path, "length", len(b), "files", len(v.Files))
	return v, b, nil
}

// readFile parses a standalone FFS file.
func (a *App) readFile(ctx context.Context, path string) (*fv.File, error) {
	b, err := afero.ReadFile(a.Fs, path)
	if err != nil {
		return nil, err
	}
	f, err := a.parser().ParseFile(ctx, b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

func (a *App) writeImage(path string, v *fv.Volume) error {
	if err := afero.WriteFile(a.Fs, path, v.Bytes(), 0o644); err != nil {
		return err
	}
	a.Log.Info("wrote image", "path", path, "length", v.Header.Length)
	return nil
}

func parseGUIDArg(name, s string) (efi.GUID, error) {
	g, err := efi.ParseGUID(s)
	if err != nil {
		return g, fmt.Errorf("invalid %s %q: %w", name, s, err)
	}
	return g, nil
}

// Execute runs fvtool with args and returns the process exit code.
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmd := NewRootCommand(afero.NewOsFs())
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}
