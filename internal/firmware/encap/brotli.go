package encap

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/dsnet/compress/brotli"
)

// brotliHeaderSize is the original size and scratch size prefix BrotliCompress writes.
const brotliHeaderSize = 16

// Brotli decodes in process. Encoding is delegated since no encoder is linked.
type Brotli struct {
	Encoder Codec
}

func (b *Brotli) Decode(_ context.Context, in []byte) ([]byte, error) {
	if len(in) < brotliHeaderSize {
		return nil, failed("brotli", fmt.Errorf("payload of %d bytes has no size header", len(in)))
	}
	size := binary.LittleEndian.Uint64(in[0:8])
	r, err := brotli.NewReader(bytes.NewReader(in[brotliHeaderSize:]), nil)
	if err != nil {
		return nil, failed("brotli", err)
	}
	defer r.Close()

	out, err := io.ReadAll(r)
	if err != nil {
		return nil, failed("brotli", err)
	}
	if uint64(len(out)) != size {
		return nil, failed("brotli", fmt.Errorf("decoded %d bytes, header says %d", len(out), size))
	}
	return out, nil
}

func (b *Brotli) Encode(ctx context.Context, in []byte) ([]byte, error) {
	if b.Encoder == nil {
		return nil, failed("brotli", fmt.Errorf("no encoder configured"))
	}
	return b.Encoder.Encode(ctx, in)
}
