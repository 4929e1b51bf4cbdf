package zarr

import (
	"fmt"
	"io"

	"github.com/qri-io/dataset/compression"
)

// CompressionMeta defines compression settings this package understands.
// A nil *CompressionMeta stores chunks uncompressed.
type CompressionMeta struct {
	ID      string `json:"id"`
	Cname   string `json:"cname,omitempty"`
	Clevel  int    `json:"clevel,omitempty"`
	Shuffle int    `json:"shuffle,omitempty"`
}

// codec ids mapped to the format names of the compression package
var codecFormats = map[string]string{
	"gzip": "gzip",
	"zstd": "zst",
}

// ParseCompressor reads a codec id. "" and "none" select no compression.
func ParseCompressor(id string) (*CompressionMeta, error) {
	switch id {
	case "", "none":
		return nil, nil
	}
	if _, ok := codecFormats[id]; !ok {
		return nil, fmt.Errorf("unsupported compressor %q", id)
	}
	return &CompressionMeta{ID: id}, nil
}

func (m *CompressionMeta) String() string {
	if m == nil {
		return "none"
	}
	return m.ID
}

func (m *CompressionMeta) format() (string, error) {
	f, ok := codecFormats[m.ID]
	if !ok {
		return "", fmt.Errorf("unsupported compressor %q", m.ID)
	}
	return f, nil
}

// Decompressor wraps r in the reading side of the codec
func (m *CompressionMeta) Decompressor(r io.ReadCloser) (io.ReadCloser, error) {
	if m == nil {
		return r, nil
	}
	f, err := m.format()
	if err != nil {
		return nil, err
	}
	return compression.Decompressor(f, r)
}

// Compressor wraps w in the writing side of the codec. Close flushes it.
func (m *CompressionMeta) Compressor(w io.Writer) (io.WriteCloser, error) {
	if m == nil {
		return nopWriteCloser{w}, nil
	}
	f, err := m.format()
	if err != nil {
		return nil, err
	}
	return compression.Compressor(f, w)
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }
