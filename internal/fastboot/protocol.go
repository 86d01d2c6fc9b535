// Package fastboot implements the Fastboot host-side engine: the
// ASCII command/response state machine, chunked download/flash/erase,
// variable querying with its getvar:all/fallback dance, and A/B/unlock
// control.
//
// The engine is a small protocol layer over transport.Transport; one
// Session owns one transport.
package fastboot

import (
	"context"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/flashkit/flashkit/internal/transport"
)

const (
	maxCommandLen  = 4096
	maxResponseLen = 4 + 252
)

// respKind is the 4-byte prefix of every Fastboot response.
type respKind string

const (
	respOKAY respKind = "OKAY"
	respFAIL respKind = "FAIL"
	respDATA respKind = "DATA"
	respINFO respKind = "INFO"
	respTEXT respKind = "TEXT"
)

// response is one parsed 4-byte-prefixed reply.
type response struct {
	Kind    respKind
	Payload string
}

// parseResponse splits a raw reply into its prefix and payload, per
// the wire grammar ("exactly one 4-byte prefix followed by <=252 bytes of
// payload").
func parseResponse(raw []byte) (response, error) {
	if len(raw) < 4 {
		return response{}, fmt.Errorf("%w: short response %q", ErrUnexpectedPrefix, raw)
	}
	kind := respKind(raw[:4])
	switch kind {
	case respOKAY, respFAIL, respDATA, respINFO, respTEXT:
	default:
		return response{}, fmt.Errorf("%w: %q", ErrUnexpectedPrefix, raw[:4])
	}
	payload := raw[4:]
	if len(payload) > 252 {
		return response{}, ErrResponseTooLong
	}
	return response{Kind: kind, Payload: string(payload)}, nil
}

// sendCommand writes an ASCII command
// (no terminator — the 4-byte-prefixed reply is how the device signals a
// command boundary).
func sendCommand(ctx context.Context, t transport.Transport, cmd string) error {
	if len(cmd) > maxCommandLen {
		return ErrCommandTooLong
	}
	return t.Send(ctx, []byte(cmd))
}

func readResponse(ctx context.Context, t transport.Transport) (response, error) {
	raw, err := t.Receive(ctx, maxResponseLen)
	if err != nil {
		return response{}, err
	}
	return parseResponse(raw)
}

// runCommand drives the full command/response state machine for
// commands with no DATA phase (getvar, flash, erase, reboot*, oem, etc):
// send the command, consume INFO lines via onInfo (logging / accumulating
// variables), and stop at the first terminal OKAY/FAIL. This directly
// implements the "Variable parser exhaustion" testable property of
// the loop returns on the first terminal response, never
// spinning past it.
func runCommand(ctx context.Context, t transport.Transport, cmd string, onInfo func(string)) (response, error) {
	if err := sendCommand(ctx, t, cmd); err != nil {
		return response{}, err
	}
	for {
		resp, err := readResponse(ctx, t)
		if err != nil {
			return response{}, err
		}
		switch resp.Kind {
		case respINFO, respTEXT:
			if onInfo != nil {
				onInfo(resp.Payload)
			}
			continue
		case respOKAY, respFAIL:
			return resp, nil
		default:
			// DATA here means the caller issued a command expecting no
			// data phase but the device wants one; surface it as an
			// unexpected prefix rather than silently misinterpreting it.
			return response{}, fmt.Errorf("%w: got DATA for a non-transfer command", ErrUnexpectedPrefix)
		}
	}
}

// finalError converts a terminal OKAY/FAIL response into (nil) or a
// DeviceFailError.
func finalError(cmd string, resp response) error {
	if resp.Kind == respFAIL {
		return &DeviceFailError{Command: cmd, Payload: resp.Payload}
	}
	return nil
}

// dataPhaseSize parses a DATA response's 8-hex-digit length field.
func dataPhaseSize(resp response) (int64, error) {
	if resp.Kind != respDATA {
		return 0, fmt.Errorf("%w: expected DATA, got %s", ErrUnexpectedPrefix, resp.Kind)
	}
	if len(resp.Payload) != 8 {
		return 0, fmt.Errorf("%w: malformed DATA length %q", ErrUnexpectedPrefix, resp.Payload)
	}
	raw, err := hex.DecodeString(resp.Payload)
	if err != nil {
		return 0, fmt.Errorf("%w: malformed DATA length %q: %v", ErrUnexpectedPrefix, resp.Payload, err)
	}
	n := int64(0)
	for _, b := range raw {
		n = n<<8 | int64(b)
	}
	return n, nil
}

// parseNumeric parses a decimal or 0x-prefixed hex Fastboot variable
// value, the two numeric forms getvar:all emits.
func parseNumeric(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return strconv.ParseUint(s[2:], 16, 64)
	}
	return strconv.ParseUint(s, 10, 64)
}
