package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/gousb"
)

// USBTransport is a bulk-endpoint Transport for devices that enumerate as
// a raw USB interface: Fastboot (interface class 0xFF, subclass 0x42,
// protocol 0x03) and MediaTek BROM/preloader VCOM-less mode.
//
// The gousb open/claim/endpoint sequence (ctx.OpenDeviceWithVIDPID,
// device.Config, config.Interface, intf.{In,Out}Endpoint) is driven from
// one caller-supplied VIDPIDMatch rather than a fixed VID:PID, since
// Fastboot and MTK BROM devices vary by OEM.
type USBTransport struct {
	BaseTransport

	match VIDPIDMatch

	mu      sync.Mutex
	ctx     *gousb.Context
	device  *gousb.Device
	config  *gousb.Config
	iface   *gousb.Interface
	epOut   *gousb.OutEndpoint
	epIn    *gousb.InEndpoint
}

// VIDPIDMatch identifies which USB device and interface to claim.
type VIDPIDMatch struct {
	VendorID  gousb.ID
	ProductID gousb.ID
	ConfigNum int
	IfaceNum  int
	AltSetting int
}

// NewUSBTransport constructs a Transport bound to a specific VID/PID/
// interface triple. It does not search across multiple candidate
// matches.
func NewUSBTransport(match VIDPIDMatch) *USBTransport {
	return &USBTransport{match: match}
}

func (t *USBTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.connected {
		return nil
	}

	usbCtx := gousb.NewContext()
	dev, err := usbCtx.OpenDeviceWithVIDPID(t.match.VendorID, t.match.ProductID)
	if err != nil {
		usbCtx.Close()
		return fmt.Errorf("transport: opening usb device %s:%s: %w", t.match.VendorID, t.match.ProductID, err)
	}
	if dev == nil {
		usbCtx.Close()
		return fmt.Errorf("transport: usb device %s:%s not present", t.match.VendorID, t.match.ProductID)
	}

	cfg, err := dev.Config(t.match.ConfigNum)
	if err != nil {
		dev.Close()
		usbCtx.Close()
		return fmt.Errorf("transport: selecting usb config %d: %w", t.match.ConfigNum, err)
	}

	iface, err := cfg.Interface(t.match.IfaceNum, t.match.AltSetting)
	if err != nil {
		cfg.Close()
		dev.Close()
		usbCtx.Close()
		return fmt.Errorf("transport: claiming usb interface %d: %w", t.match.IfaceNum, err)
	}

	epOut, epIn, err := findBulkEndpoints(iface)
	if err != nil {
		iface.Close()
		cfg.Close()
		dev.Close()
		usbCtx.Close()
		return err
	}

	t.ctx, t.device, t.config, t.iface = usbCtx, dev, cfg, iface
	t.epOut, t.epIn = epOut, epIn
	t.setConnected(true)
	return nil
}

// findBulkEndpoints scans the claimed interface's setting for the first
// bulk OUT and bulk IN endpoint, since neither Fastboot nor MTK BROM fix a
// specific endpoint address across every OEM implementation.
func findBulkEndpoints(iface *gousb.Interface) (*gousb.OutEndpoint, *gousb.InEndpoint, error) {
	var outAddr, inAddr gousb.EndpointAddress
	var haveOut, haveIn bool
	for _, ep := range iface.Setting.Endpoints {
		if ep.TransferType != gousb.TransferTypeBulk {
			continue
		}
		if ep.Direction == gousb.EndpointDirectionOut && !haveOut {
			outAddr, haveOut = ep.Address, true
		}
		if ep.Direction == gousb.EndpointDirectionIn && !haveIn {
			inAddr, haveIn = ep.Address, true
		}
	}
	if !haveOut || !haveIn {
		return nil, nil, fmt.Errorf("transport: interface has no bulk in/out endpoint pair")
	}
	epOut, err := iface.OutEndpoint(int(outAddr))
	if err != nil {
		return nil, nil, fmt.Errorf("transport: opening out endpoint: %w", err)
	}
	epIn, err := iface.InEndpoint(int(inAddr))
	if err != nil {
		return nil, nil, fmt.Errorf("transport: opening in endpoint: %w", err)
	}
	return epOut, epIn, nil
}

func (t *USBTransport) Disconnect() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return nil
	}
	if t.iface != nil {
		t.iface.Close()
	}
	if t.config != nil {
		t.config.Close()
	}
	if t.device != nil {
		t.device.Close()
	}
	if t.ctx != nil {
		t.ctx.Close()
	}
	t.epOut, t.epIn, t.iface, t.config, t.device, t.ctx = nil, nil, nil, nil, nil, nil
	t.setConnected(false)
	return nil
}

func (t *USBTransport) Send(ctx context.Context, p []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return ErrNotConnected
	}
	_, err := t.epOut.WriteContext(ctx, p)
	if err != nil {
		return fmt.Errorf("transport: usb write: %w", err)
	}
	return nil
}

func (t *USBTransport) Receive(ctx context.Context, max int) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return nil, ErrNotConnected
	}
	buf := make([]byte, max)
	n, err := t.epIn.ReadContext(ctx, buf)
	if err != nil && n == 0 {
		return nil, fmt.Errorf("transport: usb read: %w", err)
	}
	return buf[:n], nil
}

func (t *USBTransport) Transfer(ctx context.Context, request []byte, maxResponse int) ([]byte, error) {
	if err := t.Send(ctx, request); err != nil {
		return nil, err
	}
	return t.Receive(ctx, maxResponse)
}

func (t *USBTransport) Identity() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.device == nil {
		return fmt.Sprintf("usb:%s:%s (disconnected)", t.match.VendorID, t.match.ProductID)
	}
	return fmt.Sprintf("usb:bus%d:addr%d", t.device.Desc.Bus, t.device.Desc.Address)
}
