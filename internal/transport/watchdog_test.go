package transport

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

// disconnectCounter implements just enough of Transport for the watchdog.
type disconnectCounter struct {
	mu          sync.Mutex
	disconnects int
}

func (d *disconnectCounter) Connect(ctx context.Context) error { return nil }
func (d *disconnectCounter) Disconnect() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.disconnects++
	return nil
}
func (d *disconnectCounter) IsConnected() bool { return true }
func (d *disconnectCounter) Identity() string  { return "counter:0" }
func (d *disconnectCounter) Send(ctx context.Context, p []byte) error {
	return nil
}
func (d *disconnectCounter) Receive(ctx context.Context, max int) ([]byte, error) {
	return nil, nil
}
func (d *disconnectCounter) Transfer(ctx context.Context, request []byte, maxResponse int) ([]byte, error) {
	return nil, nil
}

func (d *disconnectCounter) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.disconnects
}

func waitForCount(t *testing.T, d *disconnectCounter, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if d.count() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("disconnects = %d, want %d", d.count(), want)
}

func TestWatchdogEscalatesTwoConsecutiveTimeouts(t *testing.T) {
	d := &disconnectCounter{}
	w := NewWatchdog(d)
	defer w.Stop()

	w.Observe(ErrTimeout)
	w.Observe(fmt.Errorf("flashing boot_a: %w", ErrTimeout))
	waitForCount(t, d, 1)
}

func TestWatchdogResetsOnSuccess(t *testing.T) {
	d := &disconnectCounter{}
	w := NewWatchdog(d)

	w.Observe(ErrTimeout)
	w.Observe(nil)
	w.Observe(ErrTimeout)
	w.Stop()
	if got := d.count(); got != 0 {
		t.Fatalf("disconnects = %d, want 0 (timeouts were not consecutive)", got)
	}
}

func TestWatchdogCountsDeadlineExceeded(t *testing.T) {
	d := &disconnectCounter{}
	w := NewWatchdog(d)
	defer w.Stop()

	w.Observe(context.DeadlineExceeded)
	w.Observe(context.DeadlineExceeded)
	waitForCount(t, d, 1)
}

func TestWatchdogObserveAfterStopIsSafe(t *testing.T) {
	d := &disconnectCounter{}
	w := NewWatchdog(d)
	w.Stop()
	w.Observe(ErrTimeout) // must not panic
	w.Stop()              // idempotent
}
