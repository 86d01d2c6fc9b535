package mtk

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/flashkit/flashkit/internal/transport"
)

// BROM command opcodes, following the widely-documented public
// convention used by BROM tooling for MT65xx/MT68xx chips.
const (
	cmdGetHwCode   = 0xFD
	cmdGetHwSwVer  = 0xFC
	cmdGetTargetCfg = 0xD8
	cmdMemRead32   = 0xD1
	cmdMemWrite32  = 0xD4
	cmdSendDA      = 0xD7
	cmdJumpDA      = 0xD5
	cmdSendCert    = 0xE0
	cmdGetMeID     = 0xE1
	cmdGetSocID    = 0xE7
)

// handshakeRequest is the literal BROM greeting; the device answers
// with its one's complement.
var handshakeRequest = []byte{0xA0, 0x0A, 0x50, 0x05}
var handshakeReply = []byte{0x5F, 0xF5, 0xAF, 0xFA}

// BromState is the BROM client's own small state machine, a specialization
// of the DA loader pipeline's states restricted to the
// BROM-only prefix.
type BromState int

const (
	BromDisconnected BromState = iota
	BromHandshaked
	BromIdentified
)

// BromClient speaks the raw BROM framing over a shared Transport —
// serial for most chips, USB bulk for some preloader VCOM-less modes. It
// shares the transport's port lock with any DaClient built atop the same
// device: callers construct one BromClient and one DaClient around the
// same Transport and never run their operations concurrently.
type BromClient struct {
	t     transport.Transport
	state BromState
}

// NewBromClient wraps an already-constructed Transport.
func NewBromClient(t transport.Transport) *BromClient {
	return &BromClient{t: t}
}

// State reports the client's current BromState.
func (c *BromClient) State() BromState { return c.state }

// Handshake retries the 4-byte handshake sequence up to attempts times
// (default 100) with short delays, moving the client to BromHandshaked
// on the first matching reply.
func (c *BromClient) Handshake(ctx context.Context, attempts int) error {
	if attempts <= 0 {
		attempts = 100
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		hctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
		reply, err := c.t.Transfer(hctx, handshakeRequest, len(handshakeReply))
		cancel()
		if err == nil && bytesEqual(reply, handshakeReply) {
			c.state = BromHandshaked
			return nil
		}
		lastErr = err
		time.Sleep(20 * time.Millisecond)
	}
	if lastErr == nil {
		lastErr = ErrHandshakeFailed
	}
	return fmt.Errorf("%w: %v", ErrHandshakeFailed, lastErr)
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// sendCommand implements the "[cmd_byte][be-args...] -> [echo][be-status
// u16][payload]" framing every BROM command shares.
func (c *BromClient) sendCommand(ctx context.Context, cmdByte byte, args []byte, payloadLen int) (status uint16, payload []byte, err error) {
	req := make([]byte, 1+len(args))
	req[0] = cmdByte
	copy(req[1:], args)
	if err := c.t.Send(ctx, req); err != nil {
		return 0, nil, err
	}
	hdr, err := readExact(ctx, c.t, 3)
	if err != nil {
		return 0, nil, err
	}
	if hdr[0] != cmdByte {
		return 0, nil, fmt.Errorf("mtk: brom echo mismatch: sent 0x%02x got 0x%02x", cmdByte, hdr[0])
	}
	status = binary.BigEndian.Uint16(hdr[1:3])
	if payloadLen > 0 {
		payload, err = readExact(ctx, c.t, payloadLen)
		if err != nil {
			return status, nil, err
		}
	}
	return status, payload, nil
}

// readExact accumulates exactly n bytes from t, since Transport.Receive
// may return short reads.
func readExact(ctx context.Context, t transport.Transport, n int) ([]byte, error) {
	out := make([]byte, 0, n)
	for len(out) < n {
		chunk, err := t.Receive(ctx, n-len(out))
		if err != nil {
			return nil, err
		}
		if len(chunk) == 0 {
			return nil, fmt.Errorf("mtk: short read, got %d of %d bytes", len(out), n)
		}
		out = append(out, chunk...)
	}
	return out, nil
}

// IdentifyChip issues GET_HW_CODE and GET_HW_SW_VER, then resolves the
// result via the chip table, including the preloader-alias mapping. An
// absent record is not an error here: IdentifyChip returns ChipKnown=false
// with a zero Chip. It does not fill in default chip parameters, and
// Pipeline.LoadDA stops with ErrUnknownChip for such a device.
func (c *BromClient) IdentifyChip(ctx context.Context) (DeviceState, error) {
	_, hwPayload, err := c.sendCommand(ctx, cmdGetHwCode, nil, 4)
	if err != nil {
		return DeviceState{}, fmt.Errorf("mtk: GET_HW_CODE: %w", err)
	}
	hwCode := binary.BigEndian.Uint16(hwPayload[0:2])

	if _, _, err := c.sendCommand(ctx, cmdGetHwSwVer, nil, 4); err != nil {
		return DeviceState{}, fmt.Errorf("mtk: GET_HW_SW_VER: %w", err)
	}

	state := DeviceState{IsBromMode: true}
	if rec, ok := LookupChip(hwCode); ok {
		state.Chip = rec
		state.ChipKnown = true
	}

	cfgStatus, cfgPayload, err := c.sendCommand(ctx, cmdGetTargetCfg, nil, 4)
	if err != nil {
		return state, fmt.Errorf("mtk: GET_TARGET_CONFIG: %w", err)
	}
	if cfgStatus == 0 && len(cfgPayload) == 4 {
		state.Config = TargetConfig(binary.BigEndian.Uint32(cfgPayload))
	}

	// ME_ID and SoC_ID are best-effort: older BROMs and most Preloaders
	// don't answer these, and a refused read leaves nothing buffered.
	if _, payload, err := c.sendCommand(ctx, cmdGetMeID, nil, 16); err == nil && len(payload) == 16 {
		copy(state.MeID[:], payload)
	}
	if _, payload, err := c.sendCommand(ctx, cmdGetSocID, nil, 32); err == nil && len(payload) == 32 {
		copy(state.SocID[:], payload)
	}

	c.state = BromIdentified
	return state, nil
}

// MemRead32 issues MEM_READ32 addr count, returning count 32-bit words.
func (c *BromClient) MemRead32(ctx context.Context, addr uint32, count uint32) ([]uint32, error) {
	args := make([]byte, 8)
	binary.BigEndian.PutUint32(args[0:4], addr)
	binary.BigEndian.PutUint32(args[4:8], count)
	status, payload, err := c.sendCommand(ctx, cmdMemRead32, args, int(count)*4)
	if err != nil {
		return nil, err
	}
	if status != 0 {
		return nil, &DaRejectedError{Request: "MEM_READ32", Status: uint32(status)}
	}
	out := make([]uint32, count)
	for i := range out {
		out[i] = binary.BigEndian.Uint32(payload[i*4:])
	}
	return out, nil
}

// MemWrite32 issues MEM_WRITE32 addr count [values...]. Used to disable
// the watchdog at chip.watchdog_addr before loading DA.
func (c *BromClient) MemWrite32(ctx context.Context, addr uint32, values []uint32) error {
	args := make([]byte, 8+4*len(values))
	binary.BigEndian.PutUint32(args[0:4], addr)
	binary.BigEndian.PutUint32(args[4:8], uint32(len(values)))
	for i, v := range values {
		binary.BigEndian.PutUint32(args[8+i*4:], v)
	}
	status, _, err := c.sendCommand(ctx, cmdMemWrite32, args, 0)
	if err != nil {
		return err
	}
	if status != 0 {
		return &DaRejectedError{Request: "MEM_WRITE32", Status: uint32(status)}
	}
	return nil
}

// DisableWatchdog writes 0 to chip.WatchdogAddr, the standard step
// before any DA load; a live watchdog would reset mid-upload.
func (c *BromClient) DisableWatchdog(ctx context.Context, chip ChipRecord) error {
	return c.MemWrite32(ctx, chip.WatchdogAddr, []uint32{0})
}

// xor16 computes the SEND_DA tail checksum: XOR over 16-bit
// little-endian words, trailing odd byte XOR'd into the low half.
func xor16(buf []byte) uint16 {
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

// SendDA uploads load_addr, a declared-size header (which may understate
// the true payload length for signed DAs carrying a trailing metadata
// tail the device checksums but does not count), and the signature
// length, then the full data.
// Reply sequence is ACK -> XOR16 checksum of transmitted bytes -> status.
func (c *BromClient) SendDA(ctx context.Context, loadAddr uint32, declaredSize uint32, sigLen uint32, data []byte) error {
	args := make([]byte, 12)
	binary.BigEndian.PutUint32(args[0:4], loadAddr)
	binary.BigEndian.PutUint32(args[4:8], declaredSize)
	binary.BigEndian.PutUint32(args[8:12], sigLen)
	if err := c.t.Send(ctx, append([]byte{cmdSendDA}, args...)); err != nil {
		return err
	}
	ack, err := readExact(ctx, c.t, 1)
	if err != nil {
		return fmt.Errorf("mtk: SEND_DA ack: %w", err)
	}
	if ack[0] != cmdSendDA {
		return fmt.Errorf("mtk: SEND_DA: unexpected ack 0x%02x", ack[0])
	}
	// The full file is always transmitted, even when
	// declaredSize understates len(data).
	if err := c.t.Send(ctx, data); err != nil {
		return err
	}
	resp, err := readExact(ctx, c.t, 4)
	if err != nil {
		return fmt.Errorf("mtk: SEND_DA checksum/status: %w", err)
	}
	devChecksum := binary.BigEndian.Uint16(resp[0:2])
	status := binary.BigEndian.Uint16(resp[2:4])
	if want := xor16(data); devChecksum != want {
		return fmt.Errorf("%w: device reported 0x%04x, computed 0x%04x", ErrDaSignatureMismatch, devChecksum, want)
	}
	if status != 0 {
		return &DaRejectedError{Request: "SEND_DA", Status: uint32(status)}
	}
	return nil
}

// SendCert uploads the chip-specific exploit image. Not applicable in
// Preloader mode — callers check DeviceState.IsBromMode first (the
// pipeline does this in BromIdentified).
func (c *BromClient) SendCert(ctx context.Context, certImage []byte) error {
	if err := c.t.Send(ctx, append([]byte{cmdSendCert}, certImage...)); err != nil {
		return err
	}
	// Success is measured indirectly by TargetConfig improving after
	// re-enumeration, not by a reply here — the device is
	// expected to drop off the bus as part of the exploit taking effect.
	return nil
}

// JumpDA transfers control to loadAddr. The transport is expected to
// drop and reappear under a new identity.
func (c *BromClient) JumpDA(ctx context.Context, loadAddr uint32) error {
	args := make([]byte, 4)
	binary.BigEndian.PutUint32(args, loadAddr)
	return c.t.Send(ctx, append([]byte{cmdJumpDA}, args...))
}
