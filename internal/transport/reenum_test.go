package transport_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/flashkit/flashkit/internal/transport"
)

// TestWaitForDisappearanceTimesOut exercises ctx cancellation on a path
// that never disappears (a regular file standing in for a device node
// that stays present the whole test).
func TestWaitForDisappearanceTimesOut(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "devnode")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	defer f.Close()

	w := transport.NewReenumWatcher(f.Name())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := w.WaitForDisappearance(ctx); err == nil {
		t.Fatal("expected context deadline error, got nil")
	}
}

// TestWaitForAppearanceSeesExistingNode covers the common case where the
// node already exists by the time WaitForAppearance is called.
func TestWaitForAppearanceSeesExistingNode(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "devnode")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	defer f.Close()

	w := transport.NewReenumWatcher(f.Name())
	key, err := w.WaitForAppearance(context.Background(), 2*time.Second)
	if err != nil {
		t.Fatalf("WaitForAppearance: %v", err)
	}
	_ = key
}

func TestWaitForAppearanceTimesOutOnMissingNode(t *testing.T) {
	w := transport.NewReenumWatcher("/nonexistent/path/for/test")
	_, err := w.WaitForAppearance(context.Background(), 100*time.Millisecond)
	if err == nil {
		t.Fatal("expected timeout error for a path that never appears")
	}
}
