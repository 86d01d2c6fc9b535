package mtk_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"strings"
	"sync"
	"testing"

	"github.com/flashkit/flashkit/internal/mtk"
	"github.com/flashkit/flashkit/internal/transport"
)

// fakeMtkDevice models one device across the whole BROM->DA1->DA2 flow:
// it answers raw BROM framing until JUMP_DA, then answers the DA command
// channel (Xml variant, since the test's DA1 region carries an ELF
// prelude). State that must survive a re-enumeration (phase, TargetConfig,
// counters) lives here; per-connection read buffers live on the
// transports the factory mints, so stale unsolicited replies die with the
// old connection the way they do on a real bus.
type fakeMtkDevice struct {
	mu        sync.Mutex
	phase     string // "brom" or "da"
	hwCode    uint16
	targetCfg uint32

	certsSeen   int
	emisSeen    int
	agent       string
	bootToBytes int
	daUploads   [][]byte
}

func (d *fakeMtkDevice) handleBrom(t *fakePipeTransport, req []byte) {
	if bytes.Equal(req, []byte{0xA0, 0x0A, 0x50, 0x05}) {
		t.pending = append(t.pending, 0x5F, 0xF5, 0xAF, 0xFA)
		return
	}
	cmd := req[0]
	switch cmd {
	case 0xFD: // GET_HW_CODE
		payload := make([]byte, 4)
		binary.BigEndian.PutUint16(payload[0:2], d.hwCode)
		t.pending = append(append(t.pending, cmd, 0x00, 0x00), payload...)
	case 0xFC: // GET_HW_SW_VER
		t.pending = append(append(t.pending, cmd, 0x00, 0x00), make([]byte, 4)...)
	case 0xD8: // GET_TARGET_CONFIG
		payload := make([]byte, 4)
		binary.BigEndian.PutUint32(payload, d.targetCfg)
		t.pending = append(append(t.pending, cmd, 0x00, 0x00), payload...)
	case 0xD7: // SEND_DA header
		t.inSendDA = true
		t.sendDALen = int(binary.BigEndian.Uint32(req[5:9]))
		t.daBuf = nil
		t.pending = append(t.pending, cmd)
	case 0xD5: // JUMP_DA: device drops off the bus and comes back as DA
		d.phase = "da"
	case 0xE0: // SEND_CERT: exploit lands, config clears, bus drops
		d.certsSeen++
		d.targetCfg = 0
	default:
		t.pending = append(t.pending, cmd, 0x00, 0x00)
	}
}

func (d *fakeMtkDevice) handleDaFrame(t *fakePipeTransport, payload []byte) {
	text := string(payload)
	cmd := ""
	if idx := strings.Index(text, `cmd="`); idx >= 0 {
		rest := text[idx+5:]
		cmd = rest[:strings.Index(rest, `"`)]
	}
	body := payload
	if end := strings.Index(text, "/>"); end >= 0 {
		body = payload[end+2:]
	}
	switch cmd {
	case "CONN_AGENT":
		t.queueDaResponse(0, []byte(d.agent))
	case "SEND_EMI":
		d.emisSeen++
		t.queueDaResponse(0, nil)
	case "BOOT_TO":
		size := int(binary.BigEndian.Uint64(body[4:12]))
		t.expectRaw = size
		d.bootToBytes = 0
		t.queueDaResponse(0, nil)
	default: // SYNC, SET_RUNTIME_PARAMS, ...
		t.queueDaResponse(0, nil)
	}
}

// fakePipeTransport is one connection's view of fakeMtkDevice.
type fakePipeTransport struct {
	mu  sync.Mutex
	dev *fakeMtkDevice

	pending []byte

	inSendDA  bool
	sendDALen int
	daBuf     []byte

	expectRaw int
	rawBuf    []byte
}

func (f *fakePipeTransport) queueDaResponse(status uint32, payload []byte) {
	resp := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(resp[0:4], status)
	copy(resp[4:], payload)
	frame := make([]byte, 4+len(resp))
	binary.BigEndian.PutUint32(frame[0:4], uint32(len(resp)))
	copy(frame[4:], resp)
	f.pending = append(f.pending, frame...)
}

func (f *fakePipeTransport) Connect(ctx context.Context) error { return nil }
func (f *fakePipeTransport) Disconnect() error                 { return nil }
func (f *fakePipeTransport) IsConnected() bool                 { return true }
func (f *fakePipeTransport) Identity() string                  { return "fake-mtk:0" }

func (f *fakePipeTransport) Send(ctx context.Context, p []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dev.mu.Lock()
	defer f.dev.mu.Unlock()

	if f.dev.phase == "brom" {
		if f.inSendDA {
			f.daBuf = append(f.daBuf, p...)
			if len(f.daBuf) >= f.sendDALen {
				f.inSendDA = false
				f.dev.daUploads = append(f.dev.daUploads, f.daBuf)
				checksum := xor16ForTest(f.daBuf)
				resp := make([]byte, 4)
				binary.BigEndian.PutUint16(resp[0:2], checksum)
				f.pending = append(f.pending, resp...)
			}
			return nil
		}
		f.dev.handleBrom(f, p)
		return nil
	}

	if f.expectRaw > 0 {
		f.rawBuf = append(f.rawBuf, p...)
		f.dev.bootToBytes += len(p)
		f.expectRaw -= len(p)
		if f.expectRaw <= 0 {
			f.queueDaResponse(0, nil)
		}
		return nil
	}
	if len(p) < 4 {
		return nil
	}
	n := int(binary.BigEndian.Uint32(p[0:4]))
	f.dev.handleDaFrame(f, p[4:4+n])
	return nil
}

func (f *fakePipeTransport) Receive(ctx context.Context, max int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := max
	if n > len(f.pending) {
		n = len(f.pending)
	}
	out := f.pending[:n]
	f.pending = f.pending[n:]
	return out, nil
}

func (f *fakePipeTransport) Transfer(ctx context.Context, request []byte, maxResponse int) ([]byte, error) {
	if err := f.Send(ctx, request); err != nil {
		return nil, err
	}
	return f.Receive(ctx, maxResponse)
}

func xor16ForTest(buf []byte) uint16 {
	var sum uint16
	i := 0
	for ; i+1 < len(buf); i += 2 {
		sum ^= uint16(buf[i]) | uint16(buf[i+1])<<8
	}
	if i < len(buf) {
		sum ^= uint16(buf[i])
	}
	return sum
}

func testDaFile(hwCode uint16, da1, da2 []byte) *mtk.DaFile {
	return &mtk.DaFile{
		Entries: []mtk.DaEntry{{
			HwCode: hwCode,
			Regions: []mtk.DaRegion{
				{LoadAddress: 0x200000, TotalLength: uint32(len(da1)), Data: da1},
				{LoadAddress: 0x40000000, TotalLength: uint32(len(da2)), Data: da2},
			},
		}},
	}
}

// elfDa1 builds a DA1 region body whose ELF prelude selects the
// DA-command-channel (Xml) upload path for DA2.
func elfDa1(n int) []byte {
	buf := make([]byte, n)
	copy(buf, []byte{0x7F, 0x45, 0x4C, 0x46})
	for i := 4; i < n; i++ {
		buf[i] = byte(i * 7)
	}
	return buf
}

func TestPipelineLoadsDa2FromBrom(t *testing.T) {
	dev := &fakeMtkDevice{phase: "brom", hwCode: 0x6765, agent: "brom"}
	da1 := elfDa1(512)
	da2 := bytes.Repeat([]byte{0x5A, 0xA5, 0x33}, 300)
	emi := bytes.Repeat([]byte{0xE1}, 64)

	p := mtk.NewPipeline(func() transport.Transport { return &fakePipeTransport{dev: dev} }, "")
	da, err := p.LoadDA(context.Background(), mtk.RunOptions{
		HandshakeAttempts: 5,
		DaFile:            testDaFile(0x6765, da1, da2),
		EmiConfig:         emi,
		RuntimeMTU:        32768,
	})
	if err != nil {
		t.Fatalf("LoadDA: %v", err)
	}
	if p.State() != mtk.PipelineDa2Loaded {
		t.Fatalf("State() = %v, want Da2Loaded", p.State())
	}
	if da.State() != mtk.DaReady {
		t.Fatalf("da.State() = %v, want DaReady", da.State())
	}
	if dev.emisSeen != 1 {
		t.Fatalf("device saw %d EMI configs, want exactly 1 (BROM-sourced session)", dev.emisSeen)
	}
	if len(dev.daUploads) != 1 || !bytes.Equal(dev.daUploads[0], da1) {
		t.Fatalf("SEND_DA uploads = %d, want exactly DA1 over raw framing", len(dev.daUploads))
	}
	if dev.bootToBytes != len(da2) {
		t.Fatalf("boot_to streamed %d bytes, want %d (full DA2)", dev.bootToBytes, len(da2))
	}
}

func TestPipelineCertExploitClearsTargetConfig(t *testing.T) {
	dev := &fakeMtkDevice{
		phase: "brom", hwCode: 0x6765, agent: "brom",
		targetCfg: uint32(mtk.CfgSBC | mtk.CfgDAA),
	}
	da1 := elfDa1(512)
	da2 := bytes.Repeat([]byte{0x44}, 600)

	p := mtk.NewPipeline(func() transport.Transport { return &fakePipeTransport{dev: dev} }, "")
	_, err := p.LoadDA(context.Background(), mtk.RunOptions{
		HandshakeAttempts: 5,
		DaFile:            testDaFile(0x6765, da1, da2),
		CertImage:         bytes.Repeat([]byte{0xCE}, 128),
	})
	if err != nil {
		t.Fatalf("LoadDA: %v", err)
	}
	if dev.certsSeen != 1 {
		t.Fatalf("device saw %d SEND_CERTs, want 1", dev.certsSeen)
	}
	if dev.targetCfg != 0 {
		t.Fatalf("post-exploit TargetConfig = %#x, want 0", dev.targetCfg)
	}
	if p.State() != mtk.PipelineDa2Loaded {
		t.Fatalf("State() = %v, want Da2Loaded", p.State())
	}
}
