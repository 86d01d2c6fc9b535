package sparse_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/flashkit/flashkit/internal/sparse"
)

// Assert the wire structs are exactly as wide as the format documents.
func TestHeaderSizes(t *testing.T) {
	if got := binary.Size(sparse.Header{}); got != 28 {
		t.Fatalf("file header: want 28 bytes, got %d", got)
	}
}

func buildImage(t *testing.T, blockSize uint32, build func(w *sparse.Writer)) []byte {
	t.Helper()
	var buf memWriteSeeker
	w, err := sparse.NewWriter(&buf, blockSize)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	build(w)
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	return buf.b
}

func TestFillChunkDecompress(t *testing.T) {
	raw := buildImage(t, 4096, func(w *sparse.Writer) {
		if err := w.WriteFill(0xEFBEADDE, 2); err != nil { // little-endian DE AD BE EF
			t.Fatalf("WriteFill: %v", err)
		}
	})

	img, err := sparse.Decode(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	var out bytes.Buffer
	if err := img.Decompress(&out); err != nil {
		t.Fatalf("Decompress: %v", err)
	}
	if out.Len() != 8192 {
		t.Fatalf("want 8192 bytes, got %d", out.Len())
	}
	want := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	for i := 0; i < out.Len(); i += 4 {
		if !bytes.Equal(out.Bytes()[i:i+4], want) {
			t.Fatalf("word at %d: want %v got %v", i, want, out.Bytes()[i:i+4])
		}
	}
}

func TestRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte{0xAA}, 4096*3)
	raw := buildImage(t, 4096, func(w *sparse.Writer) {
		if err := w.WriteRaw(payload[:4096]); err != nil {
			t.Fatal(err)
		}
		if err := w.WriteDontCare(1); err != nil {
			t.Fatal(err)
		}
		if err := w.WriteRaw(payload[4096:8192]); err != nil {
			t.Fatal(err)
		}
	})

	img, err := sparse.Decode(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if img.TotalBlocks != 3 {
		t.Fatalf("want 3 total blocks, got %d", img.TotalBlocks)
	}
	if len(img.Chunks) != 3 {
		t.Fatalf("want 3 chunks, got %d", len(img.Chunks))
	}

	var out bytes.Buffer
	if err := img.Decompress(&out); err != nil {
		t.Fatalf("Decompress: %v", err)
	}
	want := append(append([]byte{}, payload[:4096]...), make([]byte, 4096)...)
	want = append(want, payload[4096:8192]...)
	if diff := cmp.Diff(want, out.Bytes()); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestChunkerTotality(t *testing.T) {
	blockSize := uint32(4096)
	payload := bytes.Repeat([]byte{0x5A}, int(blockSize)*10)
	raw := buildImage(t, blockSize, func(w *sparse.Writer) {
		if err := w.WriteRaw(payload); err != nil {
			t.Fatal(err)
		}
	})

	img, err := sparse.Decode(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	budget := int64(blockSize)*3 + 64 // forces splitting into multiple transfer chunks
	ck, err := sparse.NewChunker(img, budget)
	if err != nil {
		t.Fatalf("NewChunker: %v", err)
	}

	var recovered bytes.Buffer
	ctx := context.Background()
	count := 0
	for {
		tc, err := ck.Next(ctx)
		if err != nil {
			break
		}
		count++
		if int64(len(tc.Data)) > budget {
			t.Fatalf("transfer chunk %d exceeds budget: %d > %d", tc.Index, len(tc.Data), budget)
		}
		sub, err := sparse.Decode(bytes.NewReader(tc.Data))
		if err != nil {
			t.Fatalf("decode transfer chunk %d: %v", tc.Index, err)
		}
		if err := sub.Decompress(&recovered); err != nil {
			t.Fatalf("decompress transfer chunk %d: %v", tc.Index, err)
		}
	}
	if count != ck.Len() {
		t.Fatalf("iterated %d chunks, Len() reports %d", count, ck.Len())
	}
	if diff := cmp.Diff(payload, recovered.Bytes()); diff != "" {
		t.Fatalf("chunker totality violated (-want +got):\n%s", diff)
	}

	// Restartability: Reset and iterate again, expect identical chunk count.
	ck.Reset()
	n := 0
	for {
		if _, err := ck.Next(ctx); err != nil {
			break
		}
		n++
	}
	if n != count {
		t.Fatalf("after Reset: want %d chunks, got %d", count, n)
	}
}

// memWriteSeeker backs the tests' sparse.Writer without depending on real
// files.
type memWriteSeeker struct {
	b   []byte
	pos int
}

func (m *memWriteSeeker) Write(p []byte) (int, error) {
	end := m.pos + len(p)
	if end > len(m.b) {
		grown := make([]byte, end)
		copy(grown, m.b)
		m.b = grown
	}
	copy(m.b[m.pos:end], p)
	m.pos = end
	return len(p), nil
}

func (m *memWriteSeeker) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case 0:
		m.pos = int(offset)
	case 1:
		m.pos += int(offset)
	case 2:
		m.pos = len(m.b) + int(offset)
	}
	return int64(m.pos), nil
}
