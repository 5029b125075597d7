package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/appkins-org/go-uefi-fv/internal/firmware/encap"
)

func TestDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	c, err := NewConfig("", nil)
	require.NoError(t, err)
	assert.Equal(t, "info", c.LogLevel)
	assert.Equal(t, "text", c.LogFormat)
	assert.Equal(t, 2*time.Minute, c.ToolTimeout)
	assert.Equal(t, "TianoCompress", c.Tools[encap.ToolTiano].Path)
	assert.Equal(t, []string{"--uefi", "-d"}, c.Tools[encap.ToolEFI].DecodeArgs)
}

func TestFileEnvAndFlags(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "fvtool.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
log_level: debug
max_volume_length: 16777216
tool_timeout: 30s
tools:
  brotli:
    path: /opt/edk2/bin/BrotliCompress
metrics:
  textfile: /var/lib/node_exporter/fvtool.prom
`), 0o600))

	t.Setenv("FVTOOL_LOG_FORMAT", "json")
	t.Setenv("FVTOOL_TRACING_OTLP_ENDPOINT", "collector:4317")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.Bool("strict", false, "")
	fs.String("log-level", "info", "")
	require.NoError(t, fs.Parse([]string{"--strict"}))

	c, err := NewConfig(file, fs)
	require.NoError(t, err)

	assert.Equal(t, "debug", c.LogLevel, "unset flags must not override the file")
	assert.Equal(t, "json", c.LogFormat)
	assert.True(t, c.StrictEncapsulation)
	assert.Equal(t, uint64(16<<20), c.MaxVolumeLength)
	assert.Equal(t, 30*time.Second, c.ToolTimeout)
	assert.Equal(t, "collector:4317", c.Tracing.OTLPEndpoint)
	assert.Equal(t, "/var/lib/node_exporter/fvtool.prom", c.Metrics.Textfile)
	assert.Equal(t, "/opt/edk2/bin/BrotliCompress", c.Tools[encap.ToolBrotli].Path)
	assert.Equal(t, []string{"-e"}, c.Tools[encap.ToolBrotli].EncodeArgs)

	opts := c.EncapOptions(nil)
	assert.Equal(t, "/opt/edk2/bin/BrotliCompress", opts.Tools[encap.ToolBrotli].Path)
}

func TestMissingExplicitFile(t *testing.T) {
	_, err := NewConfig(filepath.Join(t.TempDir(), "nope.yaml"), nil)
	assert.Error(t, err)
}
