package fastboot_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/flashkit/flashkit/internal/fastboot"
	"github.com/flashkit/flashkit/internal/progress"
	"github.com/flashkit/flashkit/internal/sparse"
)

// fakeDevice simulates just enough of a Fastboot bootloader's command
// dispatch to exercise Session against the protocol's boundary behaviors and
// end-to-end scenarios, without a real USB/serial transport.
type fakeDevice struct {
	variables         map[string]string
	failGetvarAll     bool
	declaredSizeDelta int64 // subtracted from the requested download length

	mode        string // "idle" or "downloading"
	expectedLen int64
	received    int64
	buf         []byte

	partitions map[string][]byte
	erased     map[string]bool
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{
		variables:  map[string]string{},
		mode:       "idle",
		partitions: map[string][]byte{},
		erased:     map[string]bool{},
	}
}

func wire(kind, payload string) []byte { return []byte(kind + payload) }

func (d *fakeDevice) handleSend(p []byte) [][]byte {
	if d.mode == "downloading" {
		d.buf = append(d.buf, p...)
		d.received += int64(len(p))
		if d.received >= d.expectedLen {
			d.mode = "idle"
			return [][]byte{wire("OKAY", "")}
		}
		return nil
	}

	cmd := string(p)
	switch {
	case cmd == "getvar:all":
		if d.failGetvarAll {
			return [][]byte{wire("FAIL", "not supported")}
		}
		var resps [][]byte
		for k, v := range d.variables {
			resps = append(resps, wire("INFO", k+": "+v))
		}
		resps = append(resps, wire("OKAY", ""))
		return resps
	case strings.HasPrefix(cmd, "getvar:"):
		name := strings.TrimPrefix(cmd, "getvar:")
		if v, ok := d.variables[name]; ok {
			return [][]byte{wire("OKAY", v)}
		}
		return [][]byte{wire("FAIL", "unknown variable")}
	case strings.HasPrefix(cmd, "download:"):
		var n int64
		fmt.Sscanf(strings.TrimPrefix(cmd, "download:"), "%08x", &n)
		declared := n - d.declaredSizeDelta
		d.mode, d.expectedLen, d.received, d.buf = "downloading", n, 0, nil
		return [][]byte{wire("DATA", fmt.Sprintf("%08x", declared))}
	case strings.HasPrefix(cmd, "flash:"):
		name := strings.TrimPrefix(cmd, "flash:")
		d.partitions[name] = append([]byte(nil), d.buf...)
		return [][]byte{wire("OKAY", "")}
	case strings.HasPrefix(cmd, "erase:"):
		name := strings.TrimPrefix(cmd, "erase:")
		d.erased[name] = true
		return [][]byte{wire("OKAY", "")}
	default:
		return [][]byte{wire("OKAY", "")}
	}
}

// fakeTransport implements transport.Transport over a fakeDevice.
type fakeTransport struct {
	mu        sync.Mutex
	dev       *fakeDevice
	connected bool
	pending   [][]byte
}

func newFakeTransport(dev *fakeDevice) *fakeTransport {
	return &fakeTransport{dev: dev}
}

func (f *fakeTransport) Connect(ctx context.Context) error { f.connected = true; return nil }
func (f *fakeTransport) Disconnect() error                 { f.connected = false; return nil }
func (f *fakeTransport) IsConnected() bool                 { return f.connected }

func (f *fakeTransport) Send(ctx context.Context, p []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	resps := f.dev.handleSend(p)
	f.pending = append(f.pending, resps...)
	return nil
}

func (f *fakeTransport) Receive(ctx context.Context, max int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pending) == 0 {
		return nil, fmt.Errorf("fakeTransport: no pending response")
	}
	r := f.pending[0]
	f.pending = f.pending[1:]
	return r, nil
}

func (f *fakeTransport) Transfer(ctx context.Context, request []byte, maxResponse int) ([]byte, error) {
	if err := f.Send(ctx, request); err != nil {
		return nil, err
	}
	return f.Receive(ctx, maxResponse)
}

func (f *fakeTransport) Identity() string { return "fake:0" }

func TestGetvarAllCompositeKeysAndBootloaderTag(t *testing.T) {
	dev := newFakeDevice()
	dev.variables = map[string]string{
		"partition-size:boot_a": "0x4000000",
		"(bootloader) variant":  "user",
	}
	s := fastboot.NewSession(newFakeTransport(dev))
	if err := s.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	parts := s.Partitions()
	if parts["boot_a"].Size != 0x04000000 {
		t.Fatalf("partitions[boot_a].Size = %#x, want 0x4000000", parts["boot_a"].Size)
	}
	vars := s.Variables()
	if vars["variant"] != "user" {
		t.Fatalf("variables[variant] = %q, want %q", vars["variant"], "user")
	}
}

func TestGetvarAllFallback(t *testing.T) {
	dev := newFakeDevice()
	dev.failGetvarAll = true
	dev.variables = map[string]string{
		"product":      "sdm845",
		"current-slot": "a",
	}
	s := fastboot.NewSession(newFakeTransport(dev))
	if err := s.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	vars := s.Variables()
	if len(vars) != 2 {
		t.Fatalf("len(variables) = %d, want 2 (%v)", len(vars), vars)
	}
	if !s.HasABSlots() {
		t.Fatalf("HasABSlots() = false, want true")
	}
}

func TestFlashSizeMismatchAborts(t *testing.T) {
	dev := newFakeDevice()
	dev.declaredSizeDelta = 1 // device always under-declares by one byte
	s := fastboot.NewSession(newFakeTransport(dev))

	img := sparseRawImage(t, 4096, bytes(4096, 0xAA))
	err := s.Flash(context.Background(), "boot_a", img, fastboot.FlashOptions{})
	if err == nil {
		t.Fatalf("Flash: want error, got nil")
	}
	if !errors.Is(err, fastboot.ErrSizeMismatch) {
		t.Fatalf("Flash error = %v, want ErrSizeMismatch", err)
	}
}

func TestFlashSimpleEndToEnd(t *testing.T) {
	dev := newFakeDevice()
	dev.variables = map[string]string{"max-download-size": "0x08000000"}
	s := fastboot.NewSession(newFakeTransport(dev))
	if err := s.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	payload := bytes(64*1024, 0x5A)
	img := sparseRawImage(t, 4096, payload)

	var records []progress.Record
	sink := progress.Sink(func(r progress.Record) { records = append(records, r) })

	if err := s.Flash(context.Background(), "boot_a", img, fastboot.FlashOptions{Sink: sink}); err != nil {
		t.Fatalf("Flash: %v", err)
	}
	if len(records) == 0 {
		t.Fatalf("no progress records emitted")
	}
	last := records[len(records)-1]
	if last.Phase != progress.Complete || last.Percent != 100 {
		t.Fatalf("final record = %+v, want Complete/100", last)
	}
	var prevPercent int
	var prevBytes int64
	for _, r := range records {
		if r.BytesSent < prevBytes {
			t.Fatalf("bytes_sent decreased: %d after %d", r.BytesSent, prevBytes)
		}
		if r.Percent < prevPercent {
			t.Fatalf("percent decreased: %d after %d", r.Percent, prevPercent)
		}
		prevBytes, prevPercent = r.BytesSent, r.Percent
	}
}

func TestFlashMultiChunkProgressMonotonic(t *testing.T) {
	dev := newFakeDevice()
	// Budget fits 9 blocks plus headers per transfer chunk, so the
	// 36-block raw image splits into exactly 4 download/flash rounds.
	dev.variables = map[string]string{"max-download-size": "0xA000"}
	s := fastboot.NewSession(newFakeTransport(dev))
	if err := s.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	payload := bytes(36*4096, 0xC3)
	img := sparseRawImage(t, 4096, payload)

	var records []progress.Record
	sink := progress.Sink(func(r progress.Record) { records = append(records, r) })

	if err := s.Flash(context.Background(), "super", img, fastboot.FlashOptions{Sink: sink}); err != nil {
		t.Fatalf("Flash: %v", err)
	}

	var writes int
	sendAfterWrite := false
	var prevPercent int
	var prevBytes int64
	var prevPhase progress.Phase
	for _, r := range records {
		if r.ChunkCount != 4 {
			t.Fatalf("record %+v: ChunkCount = %d, want 4", r, r.ChunkCount)
		}
		if r.BytesSent < prevBytes {
			t.Fatalf("bytes_sent decreased: %d after %d", r.BytesSent, prevBytes)
		}
		if r.Percent < prevPercent {
			t.Fatalf("percent decreased: %d after %d (phase %v)", r.Percent, prevPercent, r.Phase)
		}
		if r.Phase == progress.Writing {
			writes++
		}
		if r.Phase == progress.Sending && prevPhase == progress.Writing {
			sendAfterWrite = true
		}
		prevBytes, prevPercent, prevPhase = r.BytesSent, r.Percent, r.Phase
	}
	if writes != 4 {
		t.Fatalf("saw %d Writing records, want 4", writes)
	}
	if !sendAfterWrite {
		t.Fatalf("no Sending record followed a Writing record; the multi-chunk interleave was not exercised")
	}
	last := records[len(records)-1]
	if last.Phase != progress.Complete || last.Percent != 100 {
		t.Fatalf("final record = %+v, want Complete/100", last)
	}
}

// sparseRawImage builds a single-RAW-chunk in-memory Image (the "non-sparse
// image is a single logical chunk" case).
func sparseRawImage(t *testing.T, blockSize uint32, raw []byte) *sparse.Image {
	t.Helper()
	return &sparse.Image{
		BlockSize:   blockSize,
		TotalBlocks: uint32(len(raw)) / blockSize,
		Chunks: []sparse.Chunk{{
			Type:       sparse.ChunkRaw,
			BlockCount: uint32(len(raw)) / blockSize,
			Raw:        raw,
		}},
	}
}

func bytes(n int, b byte) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = b
	}
	return out
}

