package encap

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/spf13/afero"

	"github.com/appkins-org/go-uefi-fv/internal/firmware/ffs"
)

// Tool is the command line of an external codec. The input and output file
// arguments "-o <out> <in>" are appended to EncodeArgs or DecodeArgs.
type Tool struct {
	Path       string
	EncodeArgs []string
	DecodeArgs []string
}

// Runner executes an external command and returns its combined output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// Observer is told about every external tool invocation.
type Observer interface {
	ObserveTool(name string, elapsed time.Duration, err error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct {
	Log      logr.Logger
	Timeout  time.Duration
	Observer Observer
}

func (r *ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	path, err := exec.LookPath(name)
	if err != nil {
		return nil, &ffs.Error{Kind: ffs.ErrToolNotFound, Offset: -1, Msg: name, Err: err}
	}

	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	r.Log.V(1).Info("running encapsulation tool", "path", path, "args", strings.Join(args, " "))
	start := time.Now()
	cmd := exec.CommandContext(ctx, path, args...)
	output, err := cmd.CombinedOutput()
	if r.Observer != nil {
		r.Observer.ObserveTool(filepath.Base(name), time.Since(start), err)
	}
	if err != nil {
		return output, fmt.Errorf("error executing %s: %w\nOutput: %s", name, err, string(output))
	}
	r.Log.V(1).Info("encapsulation tool finished", "path", path, "elapsed", time.Since(start).String())
	return output, nil
}

// ToolCodec runs an external compressor through temporary files.
type ToolCodec struct {
	Name   string
	Tool   Tool
	Runner Runner
	// Fs holds the temporary files. It defaults to the OS filesystem.
	Fs afero.Fs
}

func (c *ToolCodec) Decode(ctx context.Context, in []byte) ([]byte, error) {
	return c.run(ctx, c.Tool.DecodeArgs, in)
}

func (c *ToolCodec) Encode(ctx context.Context, in []byte) ([]byte, error) {
	return c.run(ctx, c.Tool.EncodeArgs, in)
}

func (c *ToolCodec) run(ctx context.Context, args []string, in []byte) ([]byte, error) {
	if c.Tool.Path == "" {
		return nil, &ffs.Error{Kind: ffs.ErrToolNotFound, Offset: -1, Msg: fmt.Sprintf("no tool configured for %s", c.Name)}
	}
	fs := c.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}
	runner := c.Runner
	if runner == nil {
		runner = &ExecRunner{}
	}

	dir, err := afero.TempDir(fs, "", "fvtool-"+c.Name+"-")
	if err != nil {
		return nil, failed(c.Name, err)
	}
	defer fs.RemoveAll(dir) //nolint:errcheck

	inPath := filepath.Join(dir, "in.bin")
	outPath := filepath.Join(dir, "out.bin")
	if err := afero.WriteFile(fs, inPath, in, 0o600); err != nil {
		return nil, failed(c.Name, err)
	}

	argv := append(append([]string{}, args...), "-o", outPath, inPath)
	if _, err := runner.Run(ctx, c.Tool.Path, argv...); err != nil {
		if errors.Is(err, ffs.ErrToolNotFound) {
			return nil, err
		}
		return nil, failed(c.Name, err)
	}

	out, err := afero.ReadFile(fs, outPath)
	if err != nil {
		return nil, failed(c.Name, fmt.Errorf("reading tool output: %w", err))
	}
	return out, nil
}
