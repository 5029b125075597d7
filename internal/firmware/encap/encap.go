// Package encap holds the compression and encapsulation codecs used by
// compression and GUID-defined sections.
package encap

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/appkins-org/go-uefi-fv/internal/firmware/efi"
	"github.com/appkins-org/go-uefi-fv/internal/firmware/ffs"
)

// Codec turns an encapsulated payload into the raw section stream and back.
// For GUID-defined sections the payload is everything after the fixed
// 20 byte GUID-defined header, algorithm-specific header included. When the
// algorithm's HeaderSize is zero it starts at DataOffset instead.
type Codec interface {
	Decode(ctx context.Context, in []byte) ([]byte, error)
	Encode(ctx context.Context, in []byte) ([]byte, error)
}

// Algorithm describes a GUID-defined encapsulation.
type Algorithm struct {
	GUID efi.GUID
	Name string
	// HeaderSize is the number of leading payload bytes that belong to the
	// section header and precede DataOffset.
	HeaderSize int
	// Attributes are used for newly built sections.
	Attributes ffs.GUIDDefinedAttributes
	Codec      Codec
}

// Registry maps algorithm GUIDs and compression types to codecs. It is safe
// for concurrent use.
type Registry struct {
	mu          sync.RWMutex
	algorithms  map[efi.GUID]Algorithm
	compression map[ffs.CompressionType]Codec
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		algorithms:  map[efi.GUID]Algorithm{},
		compression: map[ffs.CompressionType]Codec{},
	}
}

// Register adds or replaces an algorithm.
func (r *Registry) Register(a Algorithm) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.algorithms[a.GUID] = a
}

// RegisterCompression adds or replaces the codec of a compression section type.
func (r *Registry) RegisterCompression(t ffs.CompressionType, c Codec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.compression[t] = c
}

// Lookup returns the algorithm registered for g.
func (r *Registry) Lookup(g efi.GUID) (Algorithm, bool) {
	if r == nil {
		return Algorithm{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.algorithms[g]
	return a, ok
}

// Compression returns the codec for a compression section type.
func (r *Registry) Compression(t ffs.CompressionType) (Codec, error) {
	if t == ffs.CompressionNone {
		return Passthrough{}, nil
	}
	if r != nil {
		r.mu.RLock()
		c, ok := r.compression[t]
		r.mu.RUnlock()
		if ok {
			return c, nil
		}
	}
	st := ffs.SectionCompression
	return nil, &ffs.Error{Kind: ffs.ErrUnsupportedEncapsulation, Offset: -1, SectionType: &st, Msg: fmt.Sprintf("compression type %#02x", uint8(t))}
}

// Algorithms lists registered algorithms ordered by name.
func (r *Registry) Algorithms() []Algorithm {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Algorithm, 0, len(r.algorithms))
	for _, a := range r.algorithms {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Passthrough returns its input unchanged.
type Passthrough struct{}

func (Passthrough) Decode(_ context.Context, in []byte) ([]byte, error) { return in, nil }
func (Passthrough) Encode(_ context.Context, in []byte) ([]byte, error) { return in, nil }

// Options configures the default registry.
type Options struct {
	Runner Runner
	// Tools overrides the command line of external codecs, keyed by codec name.
	Tools map[string]Tool
}

// Default tool names, matching the EDK II BaseTools binaries.
const (
	ToolTiano   = "tiano"
	ToolEFI     = "efi"
	ToolLZMAF86 = "lzmaf86"
	ToolBrotli  = "brotli"
)

// DefaultTools are the external commands used when no override is configured.
func DefaultTools() map[string]Tool {
	return map[string]Tool{
		ToolTiano:   {Path: "TianoCompress", EncodeArgs: []string{"-e"}, DecodeArgs: []string{"-d"}},
		ToolEFI:     {Path: "TianoCompress", EncodeArgs: []string{"--uefi", "-e"}, DecodeArgs: []string{"--uefi", "-d"}},
		ToolLZMAF86: {Path: "LzmaF86Compress", EncodeArgs: []string{"-e"}, DecodeArgs: []string{"-d"}},
		ToolBrotli:  {Path: "BrotliCompress", EncodeArgs: []string{"-e"}, DecodeArgs: []string{"-d"}},
	}
}

// NewDefaultRegistry registers LZMA and CRC32 in process, Brotli with an
// in-process decoder, and the Tiano family through external tools.
func NewDefaultRegistry(o Options) *Registry {
	tools := DefaultTools()
	for k, v := range o.Tools {
		t := tools[k]
		if v.Path != "" {
			t.Path = v.Path
		}
		if v.EncodeArgs != nil {
			t.EncodeArgs = v.EncodeArgs
		}
		if v.DecodeArgs != nil {
			t.DecodeArgs = v.DecodeArgs
		}
		tools[k] = t
	}
	tool := func(name string) *ToolCodec {
		return &ToolCodec{Name: name, Tool: tools[name], Runner: o.Runner}
	}

	r := NewRegistry()
	r.Register(Algorithm{
		GUID:       efi.LZMACustomDecompressGUID,
		Name:       "lzma",
		Attributes: ffs.GUIDDefinedProcessingRequired,
		Codec:      LZMA{},
	})
	r.Register(Algorithm{
		GUID:       efi.LZMAF86CustomDecompressGUID,
		Name:       "lzmaf86",
		Attributes: ffs.GUIDDefinedProcessingRequired,
		Codec:      tool(ToolLZMAF86),
	})
	r.Register(Algorithm{
		GUID:       efi.TianoCustomDecompressGUID,
		Name:       "tiano",
		Attributes: ffs.GUIDDefinedProcessingRequired,
		Codec:      tool(ToolTiano),
	})
	r.Register(Algorithm{
		GUID:       efi.BrotliCustomDecompressGUID,
		Name:       "brotli",
		Attributes: ffs.GUIDDefinedProcessingRequired,
		Codec:      &Brotli{Encoder: tool(ToolBrotli)},
	})
	r.Register(Algorithm{
		GUID:       efi.CRC32GuidedSectionGUID,
		Name:       "crc32",
		HeaderSize: CRC32HeaderSize,
		Attributes: ffs.GUIDDefinedAuthStatusValid,
		Codec:      CRC32{},
	})
	r.RegisterCompression(ffs.CompressionStandard, tool(ToolEFI))

	return r
}
