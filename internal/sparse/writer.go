package sparse

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Writer incrementally emits a sparse image. The file header cannot be
// known until every chunk has been appended (total_blocks/total_chunks),
// so Writer buffers a placeholder header, writes chunks as they arrive,
// and patches the real header into place on Close — the caller must
// therefore hand Writer an io.WriteSeeker.
type Writer struct {
	w           io.WriteSeeker
	blockSize   uint32
	totalBlocks uint32
	totalChunks uint32
	closed      bool
}

// NewWriter starts a new sparse image with the given block size.
func NewWriter(w io.WriteSeeker, blockSize uint32) (*Writer, error) {
	if blockSize == 0 || blockSize%4 != 0 {
		return nil, fmt.Errorf("%w: block_size=%d", ErrBadHeader, blockSize)
	}
	sw := &Writer{w: w, blockSize: blockSize}
	if err := sw.writeHeader(Header{}); err != nil {
		return nil, err
	}
	return sw, nil
}

func (sw *Writer) writeHeader(hdr Header) error {
	if _, err := sw.w.Seek(0, io.SeekStart); err != nil {
		return err
	}
	hdr.Magic = Magic
	hdr.Major = 1
	hdr.Minor = 0
	hdr.FileHdrSize = fileHdrSize
	hdr.ChunkHdrSize = chunkHdrSize
	hdr.BlockSize = sw.blockSize
	return binary.Write(sw.w, binary.LittleEndian, hdr)
}

func (sw *Writer) writeChunkHeader(t ChunkType, blockCount uint32, dataLen uint32) error {
	ch := rawChunkHeader{
		ChunkType:  uint16(t),
		BlockCount: blockCount,
		TotalSize:  chunkHdrSize + dataLen,
	}
	return binary.Write(sw.w, binary.LittleEndian, ch)
}

// WriteRaw appends a RAW chunk. len(payload) must be a multiple of the
// writer's block size.
func (sw *Writer) WriteRaw(payload []byte) error {
	if uint64(len(payload))%uint64(sw.blockSize) != 0 {
		return fmt.Errorf("%w: RAW payload not block-aligned", ErrBadHeader)
	}
	blocks := uint32(uint64(len(payload)) / uint64(sw.blockSize))
	if err := sw.writeChunkHeader(ChunkRaw, blocks, uint32(len(payload))); err != nil {
		return err
	}
	if _, err := sw.w.Write(payload); err != nil {
		return err
	}
	sw.totalBlocks += blocks
	sw.totalChunks++
	return nil
}

// WriteFill appends a FILL chunk covering blockCount blocks of the 4-byte
// little-endian pattern.
func (sw *Writer) WriteFill(pattern uint32, blockCount uint32) error {
	if err := sw.writeChunkHeader(ChunkFill, blockCount, 4); err != nil {
		return err
	}
	var word [4]byte
	binary.LittleEndian.PutUint32(word[:], pattern)
	if _, err := sw.w.Write(word[:]); err != nil {
		return err
	}
	sw.totalBlocks += blockCount
	sw.totalChunks++
	return nil
}

// WriteDontCare appends a DONT_CARE chunk covering blockCount blocks.
func (sw *Writer) WriteDontCare(blockCount uint32) error {
	if err := sw.writeChunkHeader(ChunkDontCare, blockCount, 0); err != nil {
		return err
	}
	sw.totalBlocks += blockCount
	sw.totalChunks++
	return nil
}

// WriteCRC32 appends a terminating CRC32 chunk.
func (sw *Writer) WriteCRC32(crc uint32) error {
	if err := sw.writeChunkHeader(ChunkCRC32, 0, 4); err != nil {
		return err
	}
	if err := binary.Write(sw.w, binary.LittleEndian, crc); err != nil {
		return err
	}
	sw.totalChunks++
	return nil
}

// Close patches the final header (total_blocks, total_chunks) into place.
// The underlying writer is not closed.
func (sw *Writer) Close() error {
	if sw.closed {
		return nil
	}
	sw.closed = true
	if err := sw.writeHeader(Header{TotalBlocks: sw.totalBlocks, TotalChunks: sw.totalChunks}); err != nil {
		return err
	}
	_, err := sw.w.Seek(0, io.SeekEnd)
	return err
}
