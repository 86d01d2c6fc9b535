// Package payload implements the Chrome OS update_engine payload.bin
// reader/extractor: header + DeltaArchiveManifest parsing
// (via internal/protolite) and a streaming extractor that understands the
// REPLACE / REPLACE_BZ / REPLACE_XZ / ZERO install operations. Signatures
// are skipped, never verified.
package payload

import (
	"encoding/binary"
	"fmt"
	"io"
)

const payloadMagic = "CrAU"
const headerSize = 24 // magic(4) + version(8) + manifest_size(8) + metadata_signature_size(4)

// Header is the fixed-size payload.bin preamble.
type Header struct {
	Magic                 [4]byte
	Version               uint64
	ManifestSize          uint64
	MetadataSignatureSize uint32
}

// Descriptor is the fully-parsed payload.bin: header, manifest, and the
// byte offset at which operation data begins.
type Descriptor struct {
	Header          Header
	Manifest        *Manifest
	DataStartOffset uint64
}

// Open parses the header and manifest from r, which must be positioned at
// the start of a payload.bin. r is left positioned at DataStartOffset.
func Open(r io.Reader) (*Descriptor, error) {
	var hdr Header
	if err := binary.Read(r, binary.BigEndian, &hdr); err != nil {
		return nil, fmt.Errorf("payload: reading header: %w", err)
	}
	if string(hdr.Magic[:]) != payloadMagic {
		return nil, ErrMagicMismatch
	}
	if hdr.Version < 2 {
		return nil, fmt.Errorf("%w: version=%d", ErrUnsupportedVersion, hdr.Version)
	}

	manifestBuf := make([]byte, hdr.ManifestSize)
	if hdr.ManifestSize > 0 {
		if _, err := io.ReadFull(r, manifestBuf); err != nil {
			return nil, fmt.Errorf("payload: reading manifest: %w", err)
		}
	}
	manifest, err := decodeManifest(manifestBuf)
	if err != nil {
		return nil, fmt.Errorf("payload: decoding manifest: %w", err)
	}

	if hdr.MetadataSignatureSize > 0 {
		if _, err := io.CopyN(io.Discard, r, int64(hdr.MetadataSignatureSize)); err != nil {
			return nil, fmt.Errorf("payload: skipping metadata signature: %w", err)
		}
	}

	return &Descriptor{
		Header:          hdr,
		Manifest:        manifest,
		DataStartOffset: uint64(headerSize) + hdr.ManifestSize + uint64(hdr.MetadataSignatureSize),
	}, nil
}

// PartitionNames lists every partition present in the manifest, in
// manifest order.
func (d *Descriptor) PartitionNames() []string {
	names := make([]string, len(d.Manifest.Partitions))
	for i, p := range d.Manifest.Partitions {
		names[i] = p.Name
	}
	return names
}
