package mtk_test

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/flashkit/flashkit/internal/mtk"
)

func TestApplyCarbonaraSubstitutesDa1Hash(t *testing.T) {
	chip := mtk.ChipRecord{Name: "MT6765", ExploitType: mtk.ExploitCarbonara}
	da1 := make([]byte, 512)
	da2 := make([]byte, 256)
	for i := range da1 {
		da1[i] = byte(i * 3)
	}
	for i := range da2 {
		da2[i] = byte(i)
	}
	patched, err := mtk.ApplyCarbonara(da2, da1, chip)
	if err != nil {
		t.Fatalf("ApplyCarbonara: %v", err)
	}
	want := sha256.Sum256(da1)
	for i := 0; i < sha256.Size; i++ {
		if patched[8+i] != want[i] {
			t.Fatalf("patched hash byte %d = %#x, want %#x (digest of DA1)", i, patched[8+i], want[i])
		}
	}
	// Everything outside the hash field is untouched, and the input da2
	// itself is left alone.
	for i := range patched {
		if i >= 8 && i < 8+sha256.Size {
			continue
		}
		if patched[i] != da2[i] {
			t.Fatalf("byte %d changed outside the hash field", i)
		}
	}
	if da2[8] != 8 {
		t.Fatalf("ApplyCarbonara mutated its input")
	}
}

func TestApplyCarbonaraRejectsWrongExploitType(t *testing.T) {
	chip := mtk.ChipRecord{Name: "MT6580", ExploitType: mtk.ExploitNone}
	if _, err := mtk.ApplyCarbonara(make([]byte, 64), make([]byte, 64), chip); err == nil {
		t.Fatalf("ApplyCarbonara: want error for non-Carbonara chip")
	}
}

func TestApplyAllinoneSignature(t *testing.T) {
	chip := mtk.ChipRecord{
		Name: "MT6833", ExploitType: mtk.ExploitAllinoneSignature,
		BromPayloadAddr: 0x200000, WatchdogAddr: 0x10007000,
	}
	img, err := mtk.ApplyAllinoneSignature(chip)
	if err != nil {
		t.Fatalf("ApplyAllinoneSignature: %v", err)
	}
	if len(img) != 16 {
		t.Fatalf("len(img) = %d, want 16", len(img))
	}
}

// fakeDaTransport simulates the DA2 command channel's 4-byte-length-prefixed
// framing (da.go's encodeDaRequest/decodeDaResponse) in XFlash mode.
type fakeDaTransport struct {
	mu      sync.Mutex
	pending []byte
}

func (f *fakeDaTransport) Connect(ctx context.Context) error { return nil }
func (f *fakeDaTransport) Disconnect() error                 { return nil }
func (f *fakeDaTransport) IsConnected() bool                 { return true }
func (f *fakeDaTransport) Identity() string                  { return "fake-da:0" }

func (f *fakeDaTransport) Send(ctx context.Context, p []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	// p is a full request frame: [4-byte len][2-byte xflash cmd id][body].
	// Every command succeeds with an empty payload.
	resp := make([]byte, 4)
	binary.BigEndian.PutUint32(resp[0:4], 0) // status 0, no payload
	frame := make([]byte, 4+len(resp))
	binary.BigEndian.PutUint32(frame[0:4], uint32(len(resp)))
	copy(frame[4:], resp)
	f.pending = append(f.pending, frame...)
	return nil
}

func (f *fakeDaTransport) Receive(ctx context.Context, max int) ([]byte, error) {
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

func (f *fakeDaTransport) Transfer(ctx context.Context, request []byte, maxResponse int) ([]byte, error) {
	if err := f.Send(ctx, request); err != nil {
		return nil, err
	}
	return f.Receive(ctx, maxResponse)
}

func TestDaClientWaitReadyAndRuntimeParams(t *testing.T) {
	chip := mtk.ChipRecord{Name: "MT6765", DaMode: mtk.DaModeXFlash}
	c := mtk.NewDaClient(&fakeDaTransport{}, mtk.DaModeXFlash, chip)
	if err := c.WaitReady(context.Background(), time.Second); err != nil {
		t.Fatalf("WaitReady: %v", err)
	}
	if c.State() != mtk.DaReady {
		t.Fatalf("State() = %v, want DaReady", c.State())
	}
	if err := c.SetRuntimeParameters(context.Background(), 32768, true, 1); err != nil {
		t.Fatalf("SetRuntimeParameters: %v", err)
	}
}

func TestDaClientSendEmiAndBootTo(t *testing.T) {
	chip := mtk.ChipRecord{Name: "MT6765", DaMode: mtk.DaModeXFlash}
	c := mtk.NewDaClient(&fakeDaTransport{}, mtk.DaModeXFlash, chip)
	if err := c.SendEmi(context.Background(), make([]byte, 128)); err != nil {
		t.Fatalf("SendEmi: %v", err)
	}
	image := make([]byte, 4096)
	for i := range image {
		image[i] = byte(i)
	}
	if err := c.BootTo(context.Background(), 0x40000000, image); err != nil {
		t.Fatalf("BootTo: %v", err)
	}
}

func TestRunAllinoneSignatureRequiresReadiness(t *testing.T) {
	chip := mtk.ChipRecord{
		Name: "MT6833", DaMode: mtk.DaModeXFlash,
		ExploitType: mtk.ExploitAllinoneSignature,
		DaPayloadAddr: 0x68000000, WatchdogAddr: 0x10007000, BromPayloadAddr: 0x200000,
	}
	c := mtk.NewDaClient(&fakeDaTransport{}, mtk.DaModeXFlash, chip)

	if err := c.RunAllinoneSignature(context.Background()); !errors.Is(err, mtk.ErrExploitNotApplicable) {
		t.Fatalf("RunAllinoneSignature before readiness = %v, want ErrExploitNotApplicable", err)
	}

	if err := c.WaitReady(context.Background(), time.Second); err != nil {
		t.Fatalf("WaitReady: %v", err)
	}
	if err := c.SetRuntimeParameters(context.Background(), 65536, false, 1); err != nil {
		t.Fatalf("SetRuntimeParameters: %v", err)
	}
	if err := c.RunAllinoneSignature(context.Background()); err != nil {
		t.Fatalf("RunAllinoneSignature: %v", err)
	}
}

func TestRunAllinoneSignatureWrongChip(t *testing.T) {
	chip := mtk.ChipRecord{Name: "MT6580", DaMode: mtk.DaModeLegacy}
	c := mtk.NewDaClient(&fakeDaTransport{}, mtk.DaModeLegacy, chip)
	if err := c.RunAllinoneSignature(context.Background()); !errors.Is(err, mtk.ErrExploitNotApplicable) {
		t.Fatalf("RunAllinoneSignature = %v, want ErrExploitNotApplicable", err)
	}
}

func TestLockMethodsRejectUnknownNames(t *testing.T) {
	chip := mtk.ChipRecord{Name: "MT6765", DaMode: mtk.DaModeXFlash}
	c := mtk.NewDaClient(&fakeDaTransport{}, mtk.DaModeXFlash, chip)

	if err := c.UnlockBootloader(context.Background(), "mystery"); !errors.Is(err, mtk.ErrInvalidArgument) {
		t.Fatalf("UnlockBootloader(mystery) = %v, want ErrInvalidArgument", err)
	}
	if err := c.LockBootloader(context.Background(), "mystery"); !errors.Is(err, mtk.ErrInvalidArgument) {
		t.Fatalf("LockBootloader(mystery) = %v, want ErrInvalidArgument", err)
	}
	if err := c.UnlockBootloader(context.Background(), ""); err != nil {
		t.Fatalf("UnlockBootloader(default): %v", err)
	}
	if err := c.LockBootloader(context.Background(), "seccfg"); err != nil {
		t.Fatalf("LockBootloader(seccfg): %v", err)
	}
}
