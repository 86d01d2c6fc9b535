package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.bug.st/serial"
)

// SerialTransport is a Transport over a COM/tty serial port, used by
// MediaTek preloader's VCOM mode and by some vendors' Fastboot-over-UART
// bridges. Default line settings follow MTK preloader convention:
// 115200 8-N-1.
type SerialTransport struct {
	BaseTransport

	portName string
	mode     *serial.Mode

	mu   sync.Mutex
	port serial.Port
}

// DefaultSerialMode is 115200 8-N-1, the MediaTek preloader VCOM default.
func DefaultSerialMode() *serial.Mode {
	return &serial.Mode{
		BaudRate: 115200,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
}

// NewSerialTransport binds to portName (e.g. "/dev/ttyACM0", "COM5"). mode
// may be nil to use DefaultSerialMode.
func NewSerialTransport(portName string, mode *serial.Mode) *SerialTransport {
	if mode == nil {
		mode = DefaultSerialMode()
	}
	return &SerialTransport{portName: portName, mode: mode}
}

func (t *SerialTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.connected {
		return nil
	}
	p, err := serial.Open(t.portName, t.mode)
	if err != nil {
		return fmt.Errorf("transport: opening serial port %s: %w", t.portName, err)
	}
	// A short poll timeout lets Receive observe ctx cancellation instead
	// of blocking forever on a port that never produces data.
	if err := p.SetReadTimeout(100 * time.Millisecond); err != nil {
		p.Close()
		return fmt.Errorf("transport: setting read timeout: %w", err)
	}
	t.port = p
	t.setConnected(true)
	return nil
}

func (t *SerialTransport) Disconnect() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return nil
	}
	err := t.port.Close()
	t.port = nil
	t.setConnected(false)
	return err
}

func (t *SerialTransport) Send(ctx context.Context, p []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return ErrNotConnected
	}
	for written := 0; written < len(p); {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		n, err := t.port.Write(p[written:])
		if err != nil {
			return fmt.Errorf("transport: serial write: %w", err)
		}
		written += n
	}
	return nil
}

// Receive polls the port in short SetReadTimeout slices so ctx
// cancellation is observed promptly, accumulating bytes until max is
// reached, the deadline elapses, or ctx is cancelled.
func (t *SerialTransport) Receive(ctx context.Context, max int) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return nil, ErrNotConnected
	}

	out := make([]byte, 0, max)
	buf := make([]byte, max)
	for len(out) < max {
		select {
		case <-ctx.Done():
			if len(out) > 0 {
				return out, nil
			}
			return nil, ctx.Err()
		default:
		}
		n, err := t.port.Read(buf[:max-len(out)])
		if err != nil {
			if len(out) > 0 {
				return out, nil
			}
			return nil, fmt.Errorf("transport: serial read: %w", err)
		}
		if n == 0 {
			if len(out) > 0 {
				return out, nil
			}
			continue
		}
		out = append(out, buf[:n]...)
	}
	return out, nil
}

func (t *SerialTransport) Transfer(ctx context.Context, request []byte, maxResponse int) ([]byte, error) {
	if err := t.Send(ctx, request); err != nil {
		return nil, err
	}
	return t.Receive(ctx, maxResponse)
}

func (t *SerialTransport) Identity() string {
	return fmt.Sprintf("serial:%s", t.portName)
}
