package sparse

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// TransferChunk is one budget-bounded, standalone sparse image produced by
// Chunker, ready to hand to a download:/flash: round trip. Index and
// Total let callers compute per-chunk progress fractions.
type TransferChunk struct {
	Index int
	Total int
	Data  []byte
}

// ErrBudgetTooSmall is returned when B cannot fit even one chunk header
// plus one block, the smallest budget that can carry any payload at all.
var ErrBudgetTooSmall = errors.New("sparse: transfer budget too small for one chunk header plus one block")

// Chunker produces a finite, restartable sequence of TransferChunk values
// from a parsed Image, each bounded by budget bytes of wire-encoded size.
type Chunker struct {
	img    *Image
	budget int64
	chunks [][]Chunk // pre-grouped source chunks per transfer image
	pos    int
}

// NewChunker groups img's chunks into transfer-budget-sized windows ahead
// of time — cheap, since only chunk headers are inspected, never the
// (potentially huge) RAW payload bytes outside of the copy performed when a
// window is actually materialized by Next.
func NewChunker(img *Image, budget int64) (*Chunker, error) {
	if budget < fileHdrSize+chunkHdrSize+int64(img.BlockSize) {
		return nil, ErrBudgetTooSmall
	}
	groups, err := groupChunks(img, budget)
	if err != nil {
		return nil, err
	}
	return &Chunker{img: img, budget: budget, chunks: groups}, nil
}

// Len reports the total number of transfer chunks that will be produced.
func (c *Chunker) Len() int { return len(c.chunks) }

// TotalWireBytes sums the exact wire-encoded size every transfer chunk
// will materialize to, without actually materializing any of them. Used
// as the denominator for send-phase progress percentages so bytes_sent
// (measured at the wire, header overhead included) and the total it is
// divided by are counted the same way.
func (c *Chunker) TotalWireBytes() int64 {
	var total int64
	for _, group := range c.chunks {
		total += fileHdrSize
		for _, ch := range group {
			total += chunkHdrSize
			switch ch.Type {
			case ChunkRaw:
				total += int64(ch.BlockCount) * int64(c.img.BlockSize)
			case ChunkFill, ChunkCRC32:
				total += 4
			case ChunkDontCare:
			}
		}
	}
	return total
}

// Next returns the next materialized TransferChunk, or (nil, io.EOF) once
// the sequence is exhausted. ctx is checked once per chunk, matching the
// per-chunk cancellation point, so a cancel never waits on a full pass.
func (c *Chunker) Next(ctx context.Context) (*TransferChunk, error) {
	if c.pos >= len(c.chunks) {
		return nil, io.EOF
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	group := c.chunks[c.pos]
	data, err := materialize(c.img.BlockSize, group)
	if err != nil {
		return nil, err
	}
	tc := &TransferChunk{Index: c.pos, Total: len(c.chunks), Data: data}
	c.pos++
	return tc, nil
}

// Reset rewinds the sequence so it can be iterated again, satisfying the
// chunk sequence restartable from the top.
func (c *Chunker) Reset() { c.pos = 0 }

// groupChunks splits/collects img's chunks into budget-bounded groups. RAW
// chunks larger than the remaining budget are split into block-aligned
// sub-chunks; FILL/DONT_CARE/CRC32 chunks are never split since their
// encoded size never depends on how many blocks they cover.
func groupChunks(img *Image, budget int64) ([][]Chunk, error) {
	var groups [][]Chunk
	var cur []Chunk
	used := int64(fileHdrSize)

	flush := func() {
		if len(cur) > 0 {
			groups = append(groups, cur)
			cur = nil
			used = fileHdrSize
		}
	}

	pushFixed := func(c Chunk) error {
		size := int64(chunkHdrSize)
		switch c.Type {
		case ChunkFill, ChunkCRC32:
			size += 4
		case ChunkDontCare:
		}
		if used+size > budget {
			flush()
		}
		if used+size > budget {
			return fmt.Errorf("%w: single chunk of %d bytes exceeds budget %d", ErrBudgetTooSmall, size, budget)
		}
		cur = append(cur, c)
		used += size
		return nil
	}

	for _, c := range img.Chunks {
		if c.Type != ChunkRaw {
			if err := pushFixed(c); err != nil {
				return nil, err
			}
			continue
		}

		offset := 0
		for offset < len(c.Raw) {
			avail := budget - used - chunkHdrSize
			if avail < int64(img.BlockSize) {
				flush()
				avail = budget - used - chunkHdrSize
				if avail < int64(img.BlockSize) {
					return nil, ErrBudgetTooSmall
				}
			}
			take := avail - (avail % int64(img.BlockSize))
			remaining := int64(len(c.Raw) - offset)
			if take > remaining {
				take = remaining - (remaining % int64(img.BlockSize))
				if take == 0 {
					take = remaining
				}
			}
			piece := c.Raw[offset : offset+int(take)]
			cur = append(cur, Chunk{
				Type:       ChunkRaw,
				BlockCount: uint32(int64(len(piece)) / int64(img.BlockSize)),
				Raw:        piece,
			})
			used += chunkHdrSize + int64(len(piece))
			offset += int(take)
		}
	}
	flush()
	return groups, nil
}

func materialize(blockSize uint32, group []Chunk) ([]byte, error) {
	buf := newMemBuf()
	w, err := NewWriter(buf, blockSize)
	if err != nil {
		return nil, err
	}
	for _, c := range group {
		switch c.Type {
		case ChunkRaw:
			if err := w.WriteRaw(c.Raw); err != nil {
				return nil, err
			}
		case ChunkFill:
			if err := w.WriteFill(c.Fill, c.BlockCount); err != nil {
				return nil, err
			}
		case ChunkDontCare:
			if err := w.WriteDontCare(c.BlockCount); err != nil {
				return nil, err
			}
		case ChunkCRC32:
			if err := w.WriteCRC32(c.CRC); err != nil {
				return nil, err
			}
		}
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.buf, nil
}

// memBuf is a minimal io.WriteSeeker over a growable byte slice, used to
// materialize each transfer chunk's standalone sparse image in memory.
type memBuf struct {
	buf []byte
	pos int
}

func newMemBuf() *memBuf { return &memBuf{} }

func (m *memBuf) Write(p []byte) (int, error) {
	end := m.pos + len(p)
	if end > len(m.buf) {
		grown := make([]byte, end)
		copy(grown, m.buf)
		m.buf = grown
	}
	copy(m.buf[m.pos:end], p)
	m.pos = end
	return len(p), nil
}

func (m *memBuf) Seek(offset int64, whence int) (int64, error) {
	var base int64
	switch whence {
	case io.SeekStart:
		base = 0
	case io.SeekCurrent:
		base = int64(m.pos)
	case io.SeekEnd:
		base = int64(len(m.buf))
	default:
		return 0, fmt.Errorf("sparse: unsupported seek whence %d", whence)
	}
	m.pos = int(base + offset)
	return int64(m.pos), nil
}
