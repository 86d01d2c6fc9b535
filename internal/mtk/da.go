package mtk

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/flashkit/flashkit/internal/progress"
	"github.com/flashkit/flashkit/internal/transport"
)

// DA request/response framing: every request and response, in either
// wire variant, is a 4-byte big-endian length prefix followed by that
// many bytes of payload — XFlash payloads are packed binary records, Xml
// payloads are UTF-8 XML documents. Like the BROM opcodes in brom.go,
// the framing follows the widely-documented convention BROM tooling uses
// for the post-DA2 command channel.
const daFrameHeaderSize = 4

// daCommand identifiers shared by both wire variants; Xml mode spells
// these as XML element names, XFlash mode as a leading command-ID field —
// encodeDaRequest/decodeDaResponse hide the difference from callers.
const (
	daCmdSync           = "SYNC"
	daCmdRuntimeParams  = "SET_RUNTIME_PARAMS"
	daCmdConnAgent      = "CONN_AGENT"
	daCmdSendEmi        = "SEND_EMI"
	daCmdBootTo         = "BOOT_TO"
	daCmdMemWrite       = "MEM_WRITE"
	daCmdPartitionTable = "READ_PARTITION_TABLE"
	daCmdReadPartition  = "READ_PARTITION"
	daCmdWritePartition = "WRITE_PARTITION"
	daCmdSetSeccfg      = "SET_SECCFG"
	daCmdErase          = "ERASE_PARTITION"
	daCmdFormat         = "FORMAT_PARTITION"
	daCmdReboot         = "REBOOT"
	daCmdShutdown       = "SHUTDOWN"
)

// DaClientState tracks readiness of the post-DA2 command channel.
type DaClientState int

const (
	DaDisconnected DaClientState = iota
	DaAwaitingReady
	DaReady
)

func (s DaClientState) String() string {
	switch s {
	case DaDisconnected:
		return "Disconnected"
	case DaAwaitingReady:
		return "AwaitingReady"
	case DaReady:
		return "Ready"
	default:
		return "Unknown"
	}
}

// PartitionEntry is one row of the device-reported partition table.
type PartitionEntry struct {
	Name       string
	StartBlock uint64
	BlockCount uint64
	BlockSize  uint32
}

// DaClient speaks the post-JUMP_DA command channel, negotiated in
// either legacy XFlash binary framing or the newer Xml
// framing depending on the chip's DaMode (or damagic.go's classification
// of the loaded DA2 image, when that disagrees with the chip table).
type DaClient struct {
	t     transport.Transport
	mode  DaMode
	chip  ChipRecord
	state DaClientState

	hostMTU       uint32
	checksumLevel uint8
	runtimeParams bool
}

// NewDaClient wraps t for post-DA2 command traffic. mode should come from
// damagic.classifyDaImage's result when available, falling back to
// chip.DaMode.
func NewDaClient(t transport.Transport, mode DaMode, chip ChipRecord) *DaClient {
	return &DaClient{t: t, mode: mode, chip: chip, hostMTU: 65536, checksumLevel: 1}
}

// State reports the client's current readiness.
func (c *DaClient) State() DaClientState { return c.state }

// WaitReady polls SYNC until DA2 answers or timeout elapses: each attempt
// waits up to 200ms for a reply, then sleeps 50ms before the next. After
// JUMP_DA, DA2 has its own init work before it can answer, so readiness
// is polled rather than assumed.
func (c *DaClient) WaitReady(ctx context.Context, timeout time.Duration) error {
	c.state = DaAwaitingReady
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		pctx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
		_, err := c.request(pctx, daCmdSync, nil)
		cancel()
		if err == nil {
			c.state = DaReady
			return nil
		}
		lastErr = err
		time.Sleep(50 * time.Millisecond)
	}
	return fmt.Errorf("mtk: DA2 never became ready: %w", lastErr)
}

// SetRuntimeParameters negotiates the host MTU, verbosity, and checksum
// level DA2 will use for subsequent transfers. A
// non-zero response status is reported as ErrRuntimeParametersRefused.
func (c *DaClient) SetRuntimeParameters(ctx context.Context, hostMTU uint32, verbose bool, checksumLevel uint8) error {
	var verboseByte byte
	if verbose {
		verboseByte = 1
	}
	body := make([]byte, 6)
	binary.BigEndian.PutUint32(body[0:4], hostMTU)
	body[4] = verboseByte
	body[5] = checksumLevel
	resp, err := c.request(ctx, daCmdRuntimeParams, body)
	if err != nil {
		return err
	}
	if !resp.ok() {
		return fmt.Errorf("%w: status 0x%08x", ErrRuntimeParametersRefused, resp.status)
	}
	c.hostMTU = hostMTU
	c.checksumLevel = checksumLevel
	c.runtimeParams = true
	return nil
}

// SendEmi delivers the chip's EMI (DRAM init) configuration to DA1,
// required when DA1 was loaded from BROM, since DA2 lives in DRAM and
// nothing has trained the controller yet. Preloader-sourced sessions
// already have DRAM up and must not send this — the pipeline gates on the
// connagent hint.
func (c *DaClient) SendEmi(ctx context.Context, emi []byte) error {
	resp, err := c.request(ctx, daCmdSendEmi, emi)
	if err != nil {
		return err
	}
	if !resp.ok() {
		return &DaRejectedError{Request: daCmdSendEmi, Status: resp.status}
	}
	return nil
}

// BootTo uploads image through DA1's own upload endpoint and transfers
// control to addr — the DA-protocol counterpart of BROM's SEND_DA+JUMP_DA
// pair, and the vehicle for both a normal DA2 upload and the Carbonara
// patched-DA2 upload. A nil or empty image issues the
// jump alone.
func (c *DaClient) BootTo(ctx context.Context, addr uint32, image []byte) error {
	header := make([]byte, 12)
	binary.BigEndian.PutUint32(header[0:4], addr)
	binary.BigEndian.PutUint64(header[4:12], uint64(len(image)))
	resp, err := c.request(ctx, daCmdBootTo, header)
	if err != nil {
		return err
	}
	if !resp.ok() {
		return &DaRejectedError{Request: daCmdBootTo, Status: resp.status}
	}
	for off := 0; off < len(image); off += int(c.hostMTU) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		end := off + int(c.hostMTU)
		if end > len(image) {
			end = len(image)
		}
		if err := c.t.Send(ctx, image[off:end]); err != nil {
			return fmt.Errorf("mtk: boot_to: %w", err)
		}
	}
	if len(image) > 0 {
		final, err := c.readResponse(ctx)
		if err != nil {
			return err
		}
		if !final.ok() {
			return &DaRejectedError{Request: daCmdBootTo, Status: final.status}
		}
	}
	return nil
}

// MemWrite writes raw bytes into the running DA's address space — the DA2
// analogue of BROM's MEM_WRITE32, used by the AllinoneSignature exploit
// sequence.
func (c *DaClient) MemWrite(ctx context.Context, addr uint32, data []byte) error {
	body := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(body[0:4], addr)
	copy(body[4:], data)
	resp, err := c.request(ctx, daCmdMemWrite, body)
	if err != nil {
		return err
	}
	if !resp.ok() {
		return &DaRejectedError{Request: daCmdMemWrite, Status: resp.status}
	}
	return nil
}

// RunAllinoneSignature executes the DA2-level exploit: write a small
// shellcode + pointer table into a memory region DA2 does not
// integrity-check, then trigger the overload path (a boot_to aimed at the
// planted region with no image body) so control transfers to it and
// subsequent verification is disabled. Preconditions: the chip record
// declares AllinoneSignature, DA2 is resident, and runtime parameters
// have been exchanged.
func (c *DaClient) RunAllinoneSignature(ctx context.Context) error {
	if c.chip.ExploitType != ExploitAllinoneSignature {
		return fmt.Errorf("%w: %s does not declare AllinoneSignature", ErrExploitNotApplicable, c.chip.Name)
	}
	if c.state != DaReady || !c.runtimeParams {
		return fmt.Errorf("%w: DA2 not ready or runtime parameters not exchanged", ErrExploitNotApplicable)
	}
	shellcode, err := ApplyAllinoneSignature(c.chip)
	if err != nil {
		return err
	}
	if err := c.MemWrite(ctx, c.chip.DaPayloadAddr, shellcode); err != nil {
		return err
	}
	return c.BootTo(ctx, c.chip.DaPayloadAddr, nil)
}

// ConnAgent reports whether DA2 considers itself attached to "brom" or
// "preloader" — used by the pipeline to
// decide whether a BROM-only exploit step is still reachable after DA2
// has taken over the bus.
func (c *DaClient) ConnAgent(ctx context.Context) (string, error) {
	resp, err := c.request(ctx, daCmdConnAgent, nil)
	if err != nil {
		return "", err
	}
	if !resp.ok() {
		return "", &DaRejectedError{Request: daCmdConnAgent, Status: resp.status}
	}
	return string(resp.payload), nil
}

// ReadPartitionTable requests the device partition table: a sequence of
// fixed-width rows packed back to back in the response
// payload (name is a NUL-padded 36-byte field, matching GPT's own
// partition-name width).
func (c *DaClient) ReadPartitionTable(ctx context.Context) ([]PartitionEntry, error) {
	resp, err := c.request(ctx, daCmdPartitionTable, nil)
	if err != nil {
		return nil, err
	}
	if !resp.ok() {
		return nil, &DaRejectedError{Request: daCmdPartitionTable, Status: resp.status}
	}
	const rowSize = 36 + 8 + 8 + 4
	var out []PartitionEntry
	for off := 0; off+rowSize <= len(resp.payload); off += rowSize {
		row := resp.payload[off : off+rowSize]
		name := string(bytes.TrimRight(row[0:36], "\x00"))
		out = append(out, PartitionEntry{
			Name:       name,
			StartBlock: binary.BigEndian.Uint64(row[36:44]),
			BlockCount: binary.BigEndian.Uint64(row[44:52]),
			BlockSize:  binary.BigEndian.Uint32(row[52:56]),
		})
	}
	return out, nil
}

// WritePartition streams data in
// hostMTU-sized blocks, emitting progress.Record values through sink the
// same way internal/fastboot.Flash does, so a CLI front end can share one
// progress renderer across both engines.
func (c *DaClient) WritePartition(ctx context.Context, name string, data io.Reader, size int64, sink progress.Sink) error {
	header := encodeWriteHeader(name, uint64(size))
	resp, err := c.request(ctx, daCmdWritePartition, header)
	if err != nil {
		return err
	}
	if !resp.ok() {
		return &DaRejectedError{Request: daCmdWritePartition, Status: resp.status}
	}

	block := make([]byte, c.hostMTU)
	var sent int64
	speed := progress.NewSpeedEstimator()
	for {
		n, rerr := data.Read(block)
		if n > 0 {
			if err := c.t.Send(ctx, block[:n]); err != nil {
				return fmt.Errorf("mtk: write_partition %q: %w", name, err)
			}
			sent += int64(n)
			sink.Emit(progress.Record{
				Partition:  name,
				Phase:      progress.Sending,
				BytesSent:  sent,
				TotalBytes: size,
				Percent:    progress.SendPercent(sent, size),
				SpeedBps:   speed.Sample(time.Now(), sent),
			})
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return fmt.Errorf("mtk: write_partition %q: reading source: %w", name, rerr)
		}
	}

	final, err := c.readResponse(ctx)
	if err != nil {
		return err
	}
	if !final.ok() {
		return &DaRejectedError{Request: daCmdWritePartition, Status: final.status}
	}
	sink.Emit(progress.Record{Partition: name, Phase: progress.Complete, BytesSent: sent, TotalBytes: size, Percent: 100})
	return nil
}

// ReadPartition is the inverse of
// WritePartition: request a range, then drain hostMTU-sized blocks until
// size bytes have been written to w.
func (c *DaClient) ReadPartition(ctx context.Context, name string, size int64, w io.Writer, sink progress.Sink) error {
	header := encodeWriteHeader(name, uint64(size))
	resp, err := c.request(ctx, daCmdReadPartition, header)
	if err != nil {
		return err
	}
	if !resp.ok() {
		return &DaRejectedError{Request: daCmdReadPartition, Status: resp.status}
	}

	var received int64
	speed := progress.NewSpeedEstimator()
	for received < size {
		want := int(c.hostMTU)
		if remaining := size - received; remaining < int64(want) {
			want = int(remaining)
		}
		chunk, err := c.t.Receive(ctx, want)
		if err != nil {
			return fmt.Errorf("mtk: read_partition %q: %w", name, err)
		}
		if _, err := w.Write(chunk); err != nil {
			return fmt.Errorf("mtk: read_partition %q: writing sink: %w", name, err)
		}
		received += int64(len(chunk))
		sink.Emit(progress.Record{
			Partition:  name,
			Phase:      progress.Sending,
			BytesSent:  received,
			TotalBytes: size,
			Percent:    progress.SendPercent(received, size),
			SpeedBps:   speed.Sample(time.Now(), received),
		})
	}
	sink.Emit(progress.Record{Partition: name, Phase: progress.Complete, BytesSent: received, TotalBytes: size, Percent: 100})
	return nil
}

func encodeWriteHeader(name string, size uint64) []byte {
	buf := make([]byte, 36+8)
	copy(buf[0:36], name)
	binary.BigEndian.PutUint64(buf[36:44], size)
	return buf
}

// ErasePartition and FormatPartition are thin request/response wrappers,
//
func (c *DaClient) ErasePartition(ctx context.Context, name string) error {
	resp, err := c.request(ctx, daCmdErase, []byte(name))
	if err != nil {
		return err
	}
	if !resp.ok() {
		return &DaRejectedError{Request: daCmdErase, Status: resp.status}
	}
	return nil
}

func (c *DaClient) FormatPartition(ctx context.Context, name string) error {
	resp, err := c.request(ctx, daCmdFormat, []byte(name))
	if err != nil {
		return err
	}
	if !resp.ok() {
		return &DaRejectedError{Request: daCmdFormat, Status: resp.status}
	}
	return nil
}

// daLockMethods enumerates the accepted unlock/lock method names. The
// spec leaves the value set under-specified and directs unknown names to
// InvalidArgument rather than a silent pass-through; "" and
// "seccfg" both mean the standard seccfg rewrite.
var daLockMethods = map[string]bool{"": true, "seccfg": true}

// lock states written into seccfg by Unlock/LockBootloader.
const (
	seccfgUnlocked = 0x554C4B00
	seccfgLocked   = 0x4C4F434B
)

// UnlockBootloader rewrites the device's seccfg lock state to unlocked.
func (c *DaClient) UnlockBootloader(ctx context.Context, method string) error {
	return c.setLockState(ctx, method, seccfgUnlocked)
}

// LockBootloader rewrites the device's seccfg lock state to locked.
func (c *DaClient) LockBootloader(ctx context.Context, method string) error {
	return c.setLockState(ctx, method, seccfgLocked)
}

func (c *DaClient) setLockState(ctx context.Context, method string, state uint32) error {
	if !daLockMethods[method] {
		return fmt.Errorf("%w: unknown lock method %q", ErrInvalidArgument, method)
	}
	body := make([]byte, 4)
	binary.BigEndian.PutUint32(body, state)
	resp, err := c.request(ctx, daCmdSetSeccfg, body)
	if err != nil {
		return err
	}
	if !resp.ok() {
		return &DaRejectedError{Request: daCmdSetSeccfg, Status: resp.status}
	}
	return nil
}

// Reboot and Shutdown are best-effort: the device is expected to vanish
// before any reply arrives, matching internal/fastboot.Session.Reboot's
// treatment of the same situation.
func (c *DaClient) Reboot(ctx context.Context) error {
	_, _ = c.request(ctx, daCmdReboot, nil)
	return c.t.Disconnect()
}

func (c *DaClient) Shutdown(ctx context.Context) error {
	_, _ = c.request(ctx, daCmdShutdown, nil)
	return c.t.Disconnect()
}

// daResponse is the decoded form of one response frame.
type daResponse struct {
	status  uint32
	payload []byte
}

func (r daResponse) ok() bool { return r.status == 0 }

// request sends one command/body pair and returns its decoded response.
func (c *DaClient) request(ctx context.Context, cmd string, body []byte) (daResponse, error) {
	frame := encodeDaRequest(c.mode, cmd, body)
	if err := c.t.Send(ctx, frame); err != nil {
		return daResponse{}, err
	}
	return c.readResponse(ctx)
}

func (c *DaClient) readResponse(ctx context.Context) (daResponse, error) {
	lenBuf, err := readExact(ctx, c.t, daFrameHeaderSize)
	if err != nil {
		return daResponse{}, err
	}
	n := binary.BigEndian.Uint32(lenBuf)
	payload, err := readExact(ctx, c.t, int(n))
	if err != nil {
		return daResponse{}, err
	}
	return decodeDaResponse(payload)
}

// encodeDaRequest and decodeDaResponse isolate the one structural
// difference between XFlash and Xml mode: XFlash packs a fixed binary
// command-ID ahead of the body, Xml mode wraps the same fields as tagged
// text. Both produce the same daFrameHeaderSize-prefixed wire frame.
func encodeDaRequest(mode DaMode, cmd string, body []byte) []byte {
	var payload []byte
	switch mode {
	case DaModeXml:
		payload = []byte(fmt.Sprintf("<request cmd=%q len=\"%d\"/>", cmd, len(body)))
		payload = append(payload, body...)
	default: // DaModeXFlash, DaModeLegacy
		idBuf := make([]byte, 2)
		binary.BigEndian.PutUint16(idBuf, xflashCommandID(cmd))
		payload = append(idBuf, body...)
	}
	frame := make([]byte, daFrameHeaderSize+len(payload))
	binary.BigEndian.PutUint32(frame[0:4], uint32(len(payload)))
	copy(frame[4:], payload)
	return frame
}

func decodeDaResponse(payload []byte) (daResponse, error) {
	if len(payload) < 4 {
		return daResponse{}, fmt.Errorf("mtk: DA response too short for status")
	}
	return daResponse{status: binary.BigEndian.Uint32(payload[0:4]), payload: payload[4:]}, nil
}

// xflashCommandID maps command names to the small integer IDs the XFlash
// binary variant uses in place of a name string.
func xflashCommandID(cmd string) uint16 {
	switch cmd {
	case daCmdSync:
		return 0x0001
	case daCmdRuntimeParams:
		return 0x0002
	case daCmdConnAgent:
		return 0x0003
	case daCmdSendEmi:
		return 0x0004
	case daCmdBootTo:
		return 0x0005
	case daCmdMemWrite:
		return 0x0006
	case daCmdPartitionTable:
		return 0x0010
	case daCmdReadPartition:
		return 0x0011
	case daCmdWritePartition:
		return 0x0012
	case daCmdSetSeccfg:
		return 0x0020
	case daCmdErase:
		return 0x0013
	case daCmdFormat:
		return 0x0014
	case daCmdReboot:
		return 0x00F0
	case daCmdShutdown:
		return 0x00F1
	default:
		return 0xFFFF
	}
}

// carbonaraSelfHashOffset is the fixed offset inside DA2 where DA1's
// expected digest lives: DA1 verifies the hash stored there against its
// own in-memory image before accepting the uploaded DA2.
const carbonaraSelfHashOffset = 0x08

// ApplyCarbonara patches a copy of da2 for chips whose ExploitType is
// ExploitCarbonara: compute the SHA-256 of the DA1 image exactly as the
// device sees it and substitute that digest at the fixed offset DA1
// checks, so DA1 accepts the otherwise-unsigned DA2 because its self-hash
// now matches.
func ApplyCarbonara(da2, da1 []byte, chip ChipRecord) ([]byte, error) {
	if chip.ExploitType != ExploitCarbonara {
		return nil, fmt.Errorf("%w: %s does not declare Carbonara", ErrExploitNotApplicable, chip.Name)
	}
	if len(da2) < carbonaraSelfHashOffset+sha256.Size {
		return nil, fmt.Errorf("mtk: DA2 too short for Carbonara patch")
	}
	patched := append([]byte(nil), da2...)
	digest := sha256.Sum256(da1)
	copy(patched[carbonaraSelfHashOffset:carbonaraSelfHashOffset+sha256.Size], digest[:])
	return patched, nil
}

// ApplyAllinoneSignature builds the shellcode + pointer-table image
// RunAllinoneSignature plants into DA2's address space: a pointer pair
// (payload address, watchdog address — the shellcode re-arms the watchdog
// it disables verification behind) followed by the shellcode marker. The
// exact byte layout is chip-dependent; this built-in form covers the seeded chips.
func ApplyAllinoneSignature(chip ChipRecord) ([]byte, error) {
	if chip.ExploitType != ExploitAllinoneSignature {
		return nil, fmt.Errorf("%w: %s does not declare AllinoneSignature", ErrExploitNotApplicable, chip.Name)
	}
	img := make([]byte, 16)
	binary.LittleEndian.PutUint32(img[0:4], chip.BromPayloadAddr)
	binary.LittleEndian.PutUint32(img[4:8], chip.WatchdogAddr)
	copy(img[8:16], []byte("ALLINONE"))
	return img, nil
}
