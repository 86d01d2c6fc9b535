package payload

import (
	"fmt"
	"io"
	"sort"
)

// ExtractPartition writes partition name's full contents to dst, reading
// operation data from src (positioned anywhere; each operation seeks
// independently). decompressors overrides/extends DefaultRegistry(); pass
// nil to use the defaults.
//
// Operations are sorted by data_offset so reads advance forward through
// the payload; each operation's slice is read, dispatched on type, and
// written at its destination block offset.
func ExtractPartition(src io.ReaderAt, desc *Descriptor, name string, dst io.WriterAt, decompressors map[OpType]Decompressor) error {
	pu := desc.Manifest.FindPartition(name)
	if pu == nil {
		return fmt.Errorf("%w: %q", ErrPartitionNotFound, name)
	}
	if decompressors == nil {
		decompressors = DefaultRegistry()
	}

	ops := append([]InstallOperation(nil), pu.Operations...)
	sort.Slice(ops, func(i, j int) bool { return ops[i].DataOffset < ops[j].DataOffset })

	blockSize := uint64(desc.Manifest.BlockSize)

	for _, op := range ops {
		if err := applyOperation(src, desc.DataStartOffset, op, blockSize, dst, decompressors); err != nil {
			return fmt.Errorf("payload: partition %q: %w", name, err)
		}
	}
	return nil
}

func applyOperation(src io.ReaderAt, dataStart uint64, op InstallOperation, blockSize uint64, dst io.WriterAt, decompressors map[OpType]Decompressor) error {
	if op.Type == OpZero {
		return writeZerosToExtents(dst, blockSize, op.DstExtents)
	}

	buf := make([]byte, op.DataLength)
	if op.DataLength > 0 {
		if _, err := src.ReadAt(buf, int64(dataStart+op.DataOffset)); err != nil && err != io.EOF {
			return fmt.Errorf("reading operation data: %w", err)
		}
	}

	var payload []byte
	switch op.Type {
	case OpReplace:
		payload = buf
	default:
		d, ok := decompressors[op.Type]
		if !ok {
			return fmt.Errorf("%w: type=%d", ErrDecompressorUnavailable, op.Type)
		}
		decoded, err := decompressToBuffer(d, buf)
		if err != nil {
			return fmt.Errorf("decompressing type=%d: %w", op.Type, err)
		}
		payload = decoded
	}

	want := extentsByteLen(blockSize, op.DstExtents)
	// A final partial block is tolerated
	if uint64(len(payload)) != want && uint64(len(payload)) != want-(want%blockSize) {
		if uint64(len(payload)) > want || want-uint64(len(payload)) >= blockSize {
			return fmt.Errorf("%w: got %d want %d", ErrLengthMismatch, len(payload), want)
		}
	}

	return writeToExtents(dst, blockSize, op.DstExtents, payload)
}

func extentsByteLen(blockSize uint64, extents []Extent) uint64 {
	var n uint64
	for _, e := range extents {
		n += e.NumBlocks * blockSize
	}
	return n
}

func writeToExtents(dst io.WriterAt, blockSize uint64, extents []Extent, data []byte) error {
	offset := 0
	for _, e := range extents {
		n := int(e.NumBlocks * blockSize)
		if offset+n > len(data) {
			n = len(data) - offset
		}
		if n <= 0 {
			break
		}
		if _, err := dst.WriteAt(data[offset:offset+n], int64(e.StartBlock*blockSize)); err != nil {
			return fmt.Errorf("writing extent at block %d: %w", e.StartBlock, err)
		}
		offset += n
	}
	return nil
}

func writeZerosToExtents(dst io.WriterAt, blockSize uint64, extents []Extent) error {
	for _, e := range extents {
		n := e.NumBlocks * blockSize
		zeros := make([]byte, n)
		if _, err := dst.WriteAt(zeros, int64(e.StartBlock*blockSize)); err != nil {
			return fmt.Errorf("zeroing extent at block %d: %w", e.StartBlock, err)
		}
	}
	return nil
}
