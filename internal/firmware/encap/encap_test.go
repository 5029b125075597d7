package encap

import (
	"bytes"
	"context"
	"errors"
	"os"
	"slices"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/appkins-org/go-uefi-fv/internal/firmware/efi"
	"github.com/appkins-org/go-uefi-fv/internal/firmware/ffs"
)

func TestLZMA(t *testing.T) {
	ctx := context.Background()
	in := bytes.Repeat([]byte("firmware volume "), 512)

	enc, err := LZMA{}.Encode(ctx, in)
	require.NoError(t, err)
	assert.Less(t, len(enc), len(in))
	// properties byte, dictionary size, then the uncompressed size
	assert.Equal(t, byte(0x5d), enc[0])

	out, err := LZMA{}.Decode(ctx, enc)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	_, err = LZMA{}.Decode(ctx, []byte{1, 2, 3})
	assert.ErrorIs(t, err, ffs.ErrEncapsulationFailed)
}

func TestCRC32(t *testing.T) {
	ctx := context.Background()
	enc, err := CRC32{}.Encode(ctx, []byte("123456789"))
	require.NoError(t, err)
	// CRC-32/IEEE check value
	assert.Equal(t, []byte{0x26, 0x39, 0xf4, 0xcb}, enc[:CRC32HeaderSize])

	out, err := CRC32{}.Decode(ctx, enc)
	require.NoError(t, err)
	assert.Equal(t, []byte("123456789"), out)

	tests := []struct {
		name string
		in   []byte
	}{
		{name: "short", in: []byte{1, 2}},
		{name: "mismatch", in: append([]byte{0, 0, 0, 0}, "123456789"...)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := CRC32{}.Decode(ctx, tt.in)
			assert.ErrorIs(t, err, ffs.ErrEncapsulationFailed)
		})
	}
}

// fakeRunner reverses the input file into the output file.
type fakeRunner struct {
	fs    afero.Fs
	calls [][]string
	err   error
}

func (r *fakeRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	r.calls = append(r.calls, append([]string{name}, args...))
	if r.err != nil {
		return nil, r.err
	}
	in, out := args[len(args)-1], args[len(args)-2]
	data, err := afero.ReadFile(r.fs, in)
	if err != nil {
		return nil, err
	}
	slices.Reverse(data)
	return nil, afero.WriteFile(r.fs, out, data, 0o600)
}

func TestToolCodec(t *testing.T) {
	ctx := context.Background()
	fs := afero.NewMemMapFs()
	runner := &fakeRunner{fs: fs}
	c := &ToolCodec{Name: ToolTiano, Tool: DefaultTools()[ToolTiano], Runner: runner, Fs: fs}

	out, err := c.Encode(ctx, []byte{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, []byte{3, 2, 1}, out)

	_, err = c.Decode(ctx, []byte{4})
	require.NoError(t, err)

	require.Len(t, runner.calls, 2)
	assert.Equal(t, []string{"TianoCompress", "-e", "-o"}, runner.calls[0][:3])
	assert.Equal(t, []string{"TianoCompress", "-d", "-o"}, runner.calls[1][:3])

	// temporary files are cleaned up
	entries, err := afero.ReadDir(fs, os.TempDir())
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), "fvtool-tiano-")
	}

	t.Run("tool failure", func(t *testing.T) {
		c := &ToolCodec{Name: ToolTiano, Tool: DefaultTools()[ToolTiano], Runner: &fakeRunner{fs: fs, err: errors.New("exit status 1")}, Fs: fs}
		_, err := c.Encode(ctx, []byte{1})
		assert.ErrorIs(t, err, ffs.ErrEncapsulationFailed)
	})

	t.Run("no tool configured", func(t *testing.T) {
		c := &ToolCodec{Name: "none", Fs: fs}
		_, err := c.Decode(ctx, []byte{1})
		assert.ErrorIs(t, err, ffs.ErrToolNotFound)
	})
}

type recordingObserver struct {
	names []string
}

func (o *recordingObserver) ObserveTool(name string, _ time.Duration, _ error) {
	o.names = append(o.names, name)
}

func TestExecRunnerToolNotFound(t *testing.T) {
	obs := &recordingObserver{}
	r := &ExecRunner{Observer: obs}
	_, err := r.Run(context.Background(), "fvtool-no-such-compressor")
	assert.ErrorIs(t, err, ffs.ErrToolNotFound)
	assert.Empty(t, obs.names)

	c := &ToolCodec{Name: ToolTiano, Tool: Tool{Path: "fvtool-no-such-compressor"}, Runner: r, Fs: afero.NewMemMapFs()}
	_, err = c.Decode(context.Background(), []byte{1})
	assert.ErrorIs(t, err, ffs.ErrToolNotFound)
}

func TestBrotli(t *testing.T) {
	b := &Brotli{}
	_, err := b.Decode(context.Background(), make([]byte, 8))
	assert.ErrorIs(t, err, ffs.ErrEncapsulationFailed)

	_, err = b.Encode(context.Background(), []byte{1})
	assert.ErrorIs(t, err, ffs.ErrEncapsulationFailed)
}

func TestDefaultRegistry(t *testing.T) {
	r := NewDefaultRegistry(Options{Tools: map[string]Tool{ToolTiano: {Path: "/opt/edk2/TianoCompress"}}})

	a, ok := r.Lookup(efi.LZMACustomDecompressGUID)
	require.True(t, ok)
	assert.Equal(t, "lzma", a.Name)
	assert.Equal(t, ffs.GUIDDefinedProcessingRequired, a.Attributes)

	a, ok = r.Lookup(efi.TianoCustomDecompressGUID)
	require.True(t, ok)
	tc, ok := a.Codec.(*ToolCodec)
	require.True(t, ok)
	assert.Equal(t, "/opt/edk2/TianoCompress", tc.Tool.Path)
	assert.Equal(t, []string{"-e"}, tc.Tool.EncodeArgs)

	a, ok = r.Lookup(efi.CRC32GuidedSectionGUID)
	require.True(t, ok)
	assert.Equal(t, CRC32HeaderSize, a.HeaderSize)

	_, ok = r.Lookup(efi.RandomGUID())
	assert.False(t, ok)

	var nilRegistry *Registry
	_, ok = nilRegistry.Lookup(efi.LZMACustomDecompressGUID)
	assert.False(t, ok)

	c, err := r.Compression(ffs.CompressionNone)
	require.NoError(t, err)
	assert.Equal(t, Passthrough{}, c)

	_, err = r.Compression(ffs.CompressionStandard)
	require.NoError(t, err)

	_, err = NewRegistry().Compression(ffs.CompressionStandard)
	assert.ErrorIs(t, err, ffs.ErrUnsupportedEncapsulation)

	names := []string{}
	for _, a := range r.Algorithms() {
		names = append(names, a.Name)
	}
	assert.Equal(t, []string{"brotli", "crc32", "lzma", "lzmaf86", "tiano"}, names)
}
