package payload

import (
	"bytes"
	"compress/bzip2"
	"fmt"
	"io"

	"github.com/DataDog/zstd"
	"github.com/ulikunitz/xz"
)

// Decompressor is the pluggable decode hook for REPLACE_BZ, REPLACE_XZ,
// and any vendor-specific operation type. The extractor only defines
// where a decompressor is invoked and how its output length is checked
// (inside applyOperation); concrete implementations are selected from a registry
// keyed by operation type.
type Decompressor interface {
	Decompress(dst io.Writer, src io.Reader) error
}

type decompressorFunc func(dst io.Writer, src io.Reader) error

func (f decompressorFunc) Decompress(dst io.Writer, src io.Reader) error { return f(dst, src) }

// xzDecompressor is the concrete default for REPLACE_XZ.
var xzDecompressor Decompressor = decompressorFunc(func(dst io.Writer, src io.Reader) error {
	r, err := xz.NewReader(src)
	if err != nil {
		return fmt.Errorf("payload: xz: %w", err)
	}
	_, err = io.Copy(dst, r)
	return err
})

// bzip2Decompressor is the concrete default for REPLACE_BZ. The stdlib
// reader is decode-only, which is all an extractor ever needs.
var bzip2Decompressor Decompressor = decompressorFunc(func(dst io.Writer, src io.Reader) error {
	_, err := io.Copy(dst, bzip2.NewReader(src))
	return err
})

// zstdDecompressor is a sample concrete registration for a vendor
// REPLACE_ZSTD-style operation (outside the upstream enum), showing
// how the pluggable-hook path for vendor operation types is meant to be
// extended without touching the core switch.
var zstdDecompressor Decompressor = decompressorFunc(func(dst io.Writer, src io.Reader) error {
	r := zstd.NewReader(src)
	defer r.Close()
	_, err := io.Copy(dst, r)
	return err
})

// OpReplaceZstd is the vendor extension operation type wired to
// zstdDecompressor by DefaultRegistry. It does not appear in the upstream
// DeltaArchiveManifest enum, so it is declared here rather than in
// manifest.go next to the upstream-defined types.
const OpReplaceZstd OpType = 21

// DefaultRegistry returns a fresh registry with the concrete decompressors
// this module ships wired in. Callers may add, remove, or override entries
// before passing the map to ExtractPartition.
func DefaultRegistry() map[OpType]Decompressor {
	return map[OpType]Decompressor{
		OpReplaceBZ:    bzip2Decompressor,
		OpReplaceXZ:    xzDecompressor,
		OpReplaceZstd:  zstdDecompressor,
	}
}

func decompressToBuffer(d Decompressor, src []byte) ([]byte, error) {
	var out bytes.Buffer
	if err := d.Decompress(&out, bytes.NewReader(src)); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}
