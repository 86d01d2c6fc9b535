package zipremote_test

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/binary"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/flashkit/flashkit/internal/payload"
	"github.com/flashkit/flashkit/internal/zipremote"
)

// The protobuf-lite encoding helpers below mirror internal/payload's own
// test fixtures (payload_test.go) — duplicated here rather than imported
// since they're unexported test helpers local to that package.

func encodeVarint(v uint64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			out = append(out, b|0x80)
		} else {
			out = append(out, b)
			break
		}
	}
	return out
}

func tag(field int, wire int) []byte { return encodeVarint(uint64(field<<3 | wire)) }

func lenDelim(field int, p []byte) []byte {
	var b bytes.Buffer
	b.Write(tag(field, 2))
	b.Write(encodeVarint(uint64(len(p))))
	b.Write(p)
	return b.Bytes()
}

func varintField(field int, v uint64) []byte {
	var b bytes.Buffer
	b.Write(tag(field, 0))
	b.Write(encodeVarint(v))
	return b.Bytes()
}

func buildExtent(start, num uint64) []byte {
	var b bytes.Buffer
	b.Write(varintField(1, start))
	b.Write(varintField(2, num))
	return b.Bytes()
}

func buildOp(opType int, dataOffset, dataLength uint64, extents ...[]byte) []byte {
	var b bytes.Buffer
	b.Write(varintField(1, uint64(opType)))
	b.Write(varintField(2, dataOffset))
	b.Write(varintField(3, dataLength))
	for _, e := range extents {
		b.Write(lenDelim(6, e))
	}
	return b.Bytes()
}

func buildPartition(name string, size uint64, ops ...[]byte) []byte {
	var b bytes.Buffer
	b.Write(lenDelim(1, []byte(name)))
	var info bytes.Buffer
	info.Write(varintField(1, size))
	b.Write(lenDelim(7, info.Bytes()))
	for _, op := range ops {
		b.Write(lenDelim(8, op))
	}
	return b.Bytes()
}

func buildManifest(blockSize uint32, partitions ...[]byte) []byte {
	var b bytes.Buffer
	b.Write(varintField(3, uint64(blockSize)))
	for _, p := range partitions {
		b.Write(lenDelim(13, p))
	}
	return b.Bytes()
}

func buildPayloadBin(t *testing.T, manifest, opData []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	buf.WriteString("CrAU")
	binary.Write(&buf, binary.BigEndian, uint64(2))
	binary.Write(&buf, binary.BigEndian, uint64(len(manifest)))
	binary.Write(&buf, binary.BigEndian, uint32(0))
	buf.Write(manifest)
	buf.Write(opData)
	return buf.Bytes()
}

func TestStreamFlashExtractsThenInvokesCallbackAndCleansUp(t *testing.T) {
	bootData := bytes.Repeat([]byte{0x5A}, 4096)
	bootOp := buildOp(int(payload.OpReplace), 0, uint64(len(bootData)), buildExtent(0, 1))
	bootPart := buildPartition("boot", uint64(len(bootData)), bootOp)
	manifest := buildManifest(4096, bootPart)
	payloadBin := buildPayloadBin(t, manifest, bootData)

	var zipBuf bytes.Buffer
	zw := zip.NewWriter(&zipBuf)
	w, err := zw.CreateHeader(&zip.FileHeader{Name: "payload.bin", Method: zip.Store})
	if err != nil {
		t.Fatalf("CreateHeader: %v", err)
	}
	if _, err := w.Write(payloadBin); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip Close: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "archive.zip", time.Time{}, bytes.NewReader(zipBuf.Bytes()))
	}))
	defer srv.Close()

	svc, err := zipremote.Open(context.Background(), srv.Client(), srv.URL)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	var observedPath string
	var observedContent []byte
	result, err := svc.StreamFlash("boot", func(path string) (zipremote.FlashResult, error) {
		observedPath = path
		content, rerr := os.ReadFile(path)
		if rerr != nil {
			return zipremote.FlashResult{}, rerr
		}
		observedContent = content
		return zipremote.FlashResult{Success: true, BytesWritten: int64(len(content))}, nil
	})
	if err != nil {
		t.Fatalf("StreamFlash: %v", err)
	}
	if !result.Success || result.BytesWritten != int64(len(bootData)) {
		t.Fatalf("result = %+v, want Success with %d bytes", result, len(bootData))
	}
	if !bytes.Equal(observedContent, bootData) {
		t.Fatalf("flash callback saw wrong content")
	}
	if _, err := os.Stat(observedPath); !os.IsNotExist(err) {
		t.Fatalf("temp file %q still exists after StreamFlash returned", observedPath)
	}
	if filepath.Dir(observedPath) != os.TempDir() {
		t.Fatalf("temp file %q not created under os.TempDir()", observedPath)
	}
}

func TestStreamFlashCleansUpOnExtractionFailure(t *testing.T) {
	manifest := buildManifest(4096)
	payloadBin := buildPayloadBin(t, manifest, nil)

	var zipBuf bytes.Buffer
	zw := zip.NewWriter(&zipBuf)
	w, err := zw.CreateHeader(&zip.FileHeader{Name: "payload.bin", Method: zip.Store})
	if err != nil {
		t.Fatalf("CreateHeader: %v", err)
	}
	if _, err := w.Write(payloadBin); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip Close: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "archive.zip", time.Time{}, bytes.NewReader(zipBuf.Bytes()))
	}))
	defer srv.Close()

	svc, err := zipremote.Open(context.Background(), srv.Client(), srv.URL)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	before, _ := filepath.Glob(filepath.Join(os.TempDir(), "flashkit-stream-*"))

	_, err = svc.StreamFlash("missing", func(path string) (zipremote.FlashResult, error) {
		t.Fatalf("flash callback should not run when extraction fails")
		return zipremote.FlashResult{}, nil
	})
	if err == nil {
		t.Fatalf("StreamFlash: want error for missing partition")
	}

	after, _ := filepath.Glob(filepath.Join(os.TempDir(), "flashkit-stream-*"))
	if len(after) > len(before) {
		t.Fatalf("StreamFlash leaked a temp file on extraction failure: before=%v after=%v", before, after)
	}
}
