package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/flashkit/flashkit/stub"
)

// ReenumWatcher waits for a device node to disappear and reappear, the
// pattern MediaTek BROM handoff to DA and Fastboot-following-a-reboot
// both rely on: the USB/serial identity is expected to change (new bus
// address, possibly a new /dev node) and callers must confirm the new
// node is genuinely a fresh enumeration rather than a stale stat() result
// racing the unplug.
//
// Built on the stub package's device major/minor helpers: a device key
// is computed once, then watched across the re-enumeration event.
type ReenumWatcher struct {
	path     string
	pollEvery time.Duration
}

// NewReenumWatcher polls path (a device node such as /dev/bus/usb/001/004
// or a COM port) for identity changes.
func NewReenumWatcher(path string) *ReenumWatcher {
	return &ReenumWatcher{path: path, pollEvery: 150 * time.Millisecond}
}

// WaitForChange blocks until the device key at path changes from
// previous (which may be reported as "absent" via ok=false), or ctx is
// done. It returns the newly observed key.
func (w *ReenumWatcher) WaitForChange(ctx context.Context, previous uint64, previousOK bool) (uint64, bool, error) {
	ticker := time.NewTicker(w.pollEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return 0, false, ctx.Err()
		case <-ticker.C:
			key, ok := stub.DeviceKey(w.path)
			if ok != previousOK || key != previous {
				return key, ok, nil
			}
		}
	}
}

// WaitForDisappearance blocks until path no longer resolves to a device
// node, used as the first half of a BROM→DA or Fastboot reboot handoff.
func (w *ReenumWatcher) WaitForDisappearance(ctx context.Context) error {
	ticker := time.NewTicker(w.pollEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, ok := stub.DeviceKey(w.path); !ok {
				return nil
			}
		}
	}
}

// WaitForAppearance blocks until path resolves to a device node again,
// used as the second half of a handoff. On platforms where DeviceKey
// never reports a usable key (Windows COM ports), the path never counts
// as present and this method returns the timeout error.
func (w *ReenumWatcher) WaitForAppearance(ctx context.Context, timeout time.Duration) (uint64, error) {
	deadlineCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(w.pollEvery)
	defer ticker.Stop()
	for {
		select {
		case <-deadlineCtx.Done():
			return 0, fmt.Errorf("transport: %s did not reappear within %s", w.path, timeout)
		case <-ticker.C:
			if key, ok := stub.DeviceKey(w.path); ok {
				return key, nil
			}
		}
	}
}
