// Package transport provides the byte-oriented connection to a device
// over USB bulk endpoints or a serial port, with send/receive/transfer
// operations that respect context cancellation and a uniform notion of
// "connected", plus the re-enumeration tracking used by internal/mtk.
package transport

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotConnected is returned by Send/Receive/Transfer when called
	// before Connect or after Disconnect/a detected disconnection.
	ErrNotConnected = errors.New("transport: not connected")
	// ErrTimeout is returned when a deadline elapses before the
	// requested bytes could be transferred.
	ErrTimeout = errors.New("transport: operation timed out")
	// ErrClosed indicates the underlying device vanished mid-operation
	// (unplugged, re-enumerated, endpoint halted).
	ErrClosed = errors.New("transport: device closed or disconnected")
)

// Transport is the minimal contract both the Fastboot and MediaTek BROM/DA
// protocol engines are built against. Implementations: USBTransport
// (bulk endpoints via gousb) and SerialTransport (go.bug.st/serial).
type Transport interface {
	// Connect opens the underlying device. Calling Connect on an
	// already-connected Transport is a no-op.
	Connect(ctx context.Context) error

	// Disconnect releases the underlying device. Safe to call multiple
	// times and on a Transport that was never connected.
	Disconnect() error

	// IsConnected reports whether the Transport believes it currently
	// holds a live device handle. It does not probe the device.
	IsConnected() bool

	// Send writes all of p to the device, honoring ctx's deadline and
	// cancellation.
	Send(ctx context.Context, p []byte) error

	// Receive reads at most max bytes from the device, honoring ctx's
	// deadline and cancellation. It may return fewer bytes than max
	// without error if the device's write completed a USB short packet
	// or a serial read timeout elapsed with partial data buffered.
	Receive(ctx context.Context, max int) ([]byte, error)

	// Transfer is a convenience combining Send followed by Receive,
	// used by the strictly request/response portions of both protocols
	// (Fastboot command/response, BROM command/ack).
	Transfer(ctx context.Context, request []byte, maxResponse int) ([]byte, error)

	// Identity returns a stable string identifying the underlying
	// device node (serial port path, USB bus/address) for logging and
	// re-enumeration comparison.
	Identity() string
}

// DefaultTimeout is used by callers that don't have a more specific
// per-operation timeout in mind (interactive CLI use).
const DefaultTimeout = 10 * time.Second

// BaseTransport centralizes the connected-flag bookkeeping shared by both
// concrete transports.
type BaseTransport struct {
	connected bool
}

func (b *BaseTransport) setConnected(v bool) { b.connected = v }
func (b *BaseTransport) IsConnected() bool   { return b.connected }
