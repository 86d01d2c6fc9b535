// Package sparse implements the Android Sparse image format: the
// 0xED26FF3A chunked container used by fastboot and most recovery tools to
// represent large raw images compactly.
//
// Open mmaps the backing file (the same technique used elsewhere in this
// module for large image files). For a non-sparse file the single RAW
// chunk is a view into the mapping; a sparse file is parsed through
// Decode, which always copies chunk payloads into owned slices.
package sparse

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/edsrzf/mmap-go"
)

// Magic is the four-byte little-endian sparse file signature.
const Magic uint32 = 0xED26FF3A

const (
	fileHdrSize  = 28
	chunkHdrSize = 12
)

// ChunkType identifies the kind of a sparse chunk.
type ChunkType uint16

const (
	ChunkRaw      ChunkType = 0xCAC1
	ChunkFill     ChunkType = 0xCAC2
	ChunkDontCare ChunkType = 0xCAC3
	ChunkCRC32    ChunkType = 0xCAC4
)

func (t ChunkType) String() string {
	switch t {
	case ChunkRaw:
		return "RAW"
	case ChunkFill:
		return "FILL"
	case ChunkDontCare:
		return "DONT_CARE"
	case ChunkCRC32:
		return "CRC32"
	default:
		return fmt.Sprintf("UNKNOWN(0x%04x)", uint16(t))
	}
}

// Codec errors reported by the sparse reader and writer.
var (
	ErrInvalidMagic  = errors.New("sparse: invalid magic")
	ErrTruncated     = errors.New("sparse: truncated image")
	ErrBadHeader     = errors.New("sparse: malformed header")
	ErrBlockMismatch = errors.New("sparse: total_blocks does not match sum of chunk block counts")
	ErrChunkMismatch = errors.New("sparse: total_chunks does not match number of chunks emitted")
	ErrUnknownChunk  = errors.New("sparse: unknown chunk type")
)

// Header is the 28-byte file header, all fields little-endian.
type Header struct {
	Magic        uint32
	Major        uint16
	Minor        uint16
	FileHdrSize  uint16
	ChunkHdrSize uint16
	BlockSize    uint32
	TotalBlocks  uint32
	TotalChunks  uint32
	Checksum     uint32
}

type rawChunkHeader struct {
	ChunkType  uint16
	Reserved   uint16
	BlockCount uint32
	TotalSize  uint32
}

// Chunk is one decoded logical chunk. Only the fields relevant to its Type
// are meaningful: Raw for ChunkRaw, Fill for ChunkFill, CRC for ChunkCRC32.
// ChunkDontCare carries no payload.
type Chunk struct {
	Type       ChunkType
	BlockCount uint32
	Raw        []byte
	Fill       uint32
	CRC        uint32
}

// PayloadLen returns the number of logical bytes a chunk, once
// materialized, occupies — used by the transfer chunker to size budgets
// without actually decompressing DONT_CARE/FILL chunks.
func (c Chunk) PayloadLen(blockSize uint32) int64 {
	return int64(c.BlockCount) * int64(blockSize)
}

// Image is a fully parsed, restartable sparse image: Chunks is a complete
// in-memory index, so iterating it from the start is always valid — the
// image can be re-read from the start any number of times.
type Image struct {
	BlockSize   uint32
	TotalBlocks uint32
	Chunks      []Chunk

	backing mmap.MMap // non-nil when Open mmap'd the source file
}

// Close releases the mmap backing, if any. Safe to call on Decode-produced
// images (no-op).
func (img *Image) Close() error {
	if img.backing != nil {
		b := img.backing
		img.backing = nil
		return b.Unmap()
	}
	return nil
}

// Looks4 sniffs the first four bytes of buf for the sparse magic.
func Looks4(buf []byte) bool {
	if len(buf) < 4 {
		return false
	}
	return binary.LittleEndian.Uint32(buf[:4]) == Magic
}

// Decode parses a sparse image from a plain (possibly non-seekable) reader.
// All chunk payloads are copied into owned buffers.
func Decode(r io.Reader) (*Image, error) {
	var hdr Header
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: %v", ErrTruncated, err)
		}
		return nil, err
	}
	if err := validateHeader(hdr); err != nil {
		return nil, err
	}

	img := &Image{BlockSize: hdr.BlockSize, TotalBlocks: hdr.TotalBlocks}
	var sumBlocks uint64

	for i := uint32(0); i < hdr.TotalChunks; i++ {
		var ch rawChunkHeader
		if err := binary.Read(r, binary.LittleEndian, &ch); err != nil {
			return nil, fmt.Errorf("%w: chunk %d header: %v", ErrTruncated, i, err)
		}
		c := Chunk{Type: ChunkType(ch.ChunkType), BlockCount: ch.BlockCount}
		dataLen := int64(ch.TotalSize) - chunkHdrSize

		switch c.Type {
		case ChunkRaw:
			want := int64(ch.BlockCount) * int64(hdr.BlockSize)
			if dataLen != want {
				return nil, fmt.Errorf("%w: chunk %d RAW size mismatch", ErrBadHeader, i)
			}
			buf := make([]byte, want)
			if _, err := io.ReadFull(r, buf); err != nil {
				return nil, fmt.Errorf("%w: chunk %d payload: %v", ErrTruncated, i, err)
			}
			c.Raw = buf
		case ChunkFill:
			if dataLen != 4 {
				return nil, fmt.Errorf("%w: chunk %d FILL size mismatch", ErrBadHeader, i)
			}
			var pat uint32
			if err := binary.Read(r, binary.LittleEndian, &pat); err != nil {
				return nil, fmt.Errorf("%w: chunk %d fill value: %v", ErrTruncated, i, err)
			}
			c.Fill = pat
		case ChunkDontCare:
			if dataLen != 0 {
				return nil, fmt.Errorf("%w: chunk %d DONT_CARE carries payload", ErrBadHeader, i)
			}
		case ChunkCRC32:
			if dataLen != 4 {
				return nil, fmt.Errorf("%w: chunk %d CRC32 size mismatch", ErrBadHeader, i)
			}
			var crc uint32
			if err := binary.Read(r, binary.LittleEndian, &crc); err != nil {
				return nil, fmt.Errorf("%w: chunk %d crc value: %v", ErrTruncated, i, err)
			}
			c.CRC = crc
		default:
			return nil, fmt.Errorf("%w: 0x%04x", ErrUnknownChunk, ch.ChunkType)
		}

		img.Chunks = append(img.Chunks, c)
		sumBlocks += uint64(ch.BlockCount)
	}

	if uint32(sumBlocks) != hdr.TotalBlocks || sumBlocks != uint64(hdr.TotalBlocks) {
		return nil, fmt.Errorf("%w: header=%d sum=%d", ErrBlockMismatch, hdr.TotalBlocks, sumBlocks)
	}
	if uint32(len(img.Chunks)) != hdr.TotalChunks {
		return nil, fmt.Errorf("%w: header=%d got=%d", ErrChunkMismatch, hdr.TotalChunks, len(img.Chunks))
	}
	return img, nil
}

// Open mmaps f and parses it as a sparse image via Decode, so RAW chunk
// payloads are copies, not slices of the mapping. If f does not start with
// the sparse magic, it is wrapped as a single logical RAW chunk that is a
// view into the mapping, using a conservative default block size of 4096.
func Open(f *os.File) (*Image, error) {
	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	if size == 0 {
		return &Image{BlockSize: 4096}, nil
	}

	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		return nil, err
	}

	if !Looks4(m) {
		const blockSize = 4096
		blocks := (uint32(size) + blockSize - 1) / blockSize
		img := &Image{
			BlockSize:   blockSize,
			TotalBlocks: blocks,
			backing:     m,
			Chunks: []Chunk{{
				Type:       ChunkRaw,
				BlockCount: blocks,
				Raw:        []byte(m),
			}},
		}
		return img, nil
	}

	img, err := decodeFromBytes([]byte(m))
	if err != nil {
		m.Unmap()
		return nil, err
	}
	img.backing = m
	return img, nil
}

func decodeFromBytes(buf []byte) (*Image, error) {
	return Decode(bytes.NewReader(buf))
}

func validateHeader(hdr Header) error {
	if hdr.Magic != Magic {
		return ErrInvalidMagic
	}
	if hdr.FileHdrSize != fileHdrSize || hdr.ChunkHdrSize != chunkHdrSize {
		return fmt.Errorf("%w: file_hdr_size=%d chunk_hdr_size=%d", ErrBadHeader, hdr.FileHdrSize, hdr.ChunkHdrSize)
	}
	if hdr.BlockSize == 0 || hdr.BlockSize%4 != 0 {
		return fmt.Errorf("%w: block_size=%d", ErrBadHeader, hdr.BlockSize)
	}
	return nil
}

// Decompress materializes the exact byte stream the image represents:
// RAW copies its payload, FILL repeats its 4-byte pattern, DONT_CARE
// writes zeros (the format permits hole-punching instead; zero-fill keeps
// output valid on any io.Writer), and CRC32 contributes no bytes.
func (img *Image) Decompress(w io.Writer) error {
	for _, c := range img.Chunks {
		n := c.PayloadLen(img.BlockSize)
		switch c.Type {
		case ChunkRaw:
			if _, err := w.Write(c.Raw); err != nil {
				return err
			}
		case ChunkFill:
			if err := writeRepeatedPattern(w, c.Fill, n); err != nil {
				return err
			}
		case ChunkDontCare:
			if err := writeZeros(w, n); err != nil {
				return err
			}
		case ChunkCRC32:
			// Consumes no output bytes; a real implementation would verify
			// the running CRC32 of all previously-written bytes here.
		}
	}
	return nil
}

func writeRepeatedPattern(w io.Writer, pattern uint32, n int64) error {
	var word [4]byte
	binary.LittleEndian.PutUint32(word[:], pattern)
	buf := make([]byte, 0, 4096)
	for int64(len(buf)) < n && len(buf) < 4096 {
		buf = append(buf, word[:]...)
	}
	remaining := n
	for remaining > 0 {
		chunk := buf
		if int64(len(chunk)) > remaining {
			chunk = chunk[:remaining]
		}
		if _, err := w.Write(chunk); err != nil {
			return err
		}
		remaining -= int64(len(chunk))
	}
	return nil
}

func writeZeros(w io.Writer, n int64) error {
	buf := make([]byte, 4096)
	for n > 0 {
		c := int64(len(buf))
		if c > n {
			c = n
		}
		if _, err := w.Write(buf[:c]); err != nil {
			return err
		}
		n -= c
	}
	return nil
}
