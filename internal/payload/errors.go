package payload

import "errors"

// Error taxonomy for the Payload reader, matching the Codec variants of
// container layers.
var (
	ErrMagicMismatch        = errors.New("payload: magic mismatch, not a CrAU payload")
	ErrUnsupportedVersion   = errors.New("payload: unsupported file_format_version")
	ErrPartitionNotFound    = errors.New("payload: partition not found")
	ErrUnsupportedOperation = errors.New("payload: unsupported install operation type")
	ErrDecompressorUnavailable = errors.New("payload: decompressor unavailable for this operation type")
	ErrLengthMismatch       = errors.New("payload: decompressed length does not match destination extents")
)
