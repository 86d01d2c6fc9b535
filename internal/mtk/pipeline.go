package mtk

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/flashkit/flashkit/internal/transport"
)

// PipelineState is the DA loader pipeline's orchestration state:
// Disconnected -> BromHandshaked -> BromIdentified -> [ExploitPending] ->
// DaSelected -> Da1Launched -> Da1Ready -> Da2Loaded.
type PipelineState int

const (
	PipelineDisconnected PipelineState = iota
	PipelineBromHandshaked
	PipelineBromIdentified
	PipelineExploitPending
	PipelineDaSelected
	PipelineDa1Launched
	PipelineDa1Ready
	PipelineDa2Loaded
)

func (s PipelineState) String() string {
	switch s {
	case PipelineDisconnected:
		return "Disconnected"
	case PipelineBromHandshaked:
		return "BromHandshaked"
	case PipelineBromIdentified:
		return "BromIdentified"
	case PipelineExploitPending:
		return "ExploitPending"
	case PipelineDaSelected:
		return "DaSelected"
	case PipelineDa1Launched:
		return "Da1Launched"
	case PipelineDa1Ready:
		return "Da1Ready"
	case PipelineDa2Loaded:
		return "Da2Loaded"
	default:
		return "Unknown"
	}
}

// reenumTimeout bounds how long the pipeline waits for a device to
// reappear under a new identity after JUMP_DA before giving up.
const reenumTimeout = 15 * time.Second

// daReadyTimeout bounds the wait for the device-originated ready marker
// after a DA gains control.
const daReadyTimeout = 30 * time.Second

// Pipeline drives a device from a fresh BROM handshake through a resident
// DA2. It owns the BromClient for the first half and
// hands off to a DaClient once DA2 answers ready.
//
// newTransport is stored by NewPipeline and first called when LoadDA
// starts; it is called again while waiting for the device to reappear
// (after SEND_CERT and after each JUMP_DA) to rebuild a Transport against
// whatever identity the device re-enumerates under — the pipeline never
// assumes the old Transport handle stays valid across a JUMP_DA.
type Pipeline struct {
	newTransport func() transport.Transport
	reenumPath   string

	state    PipelineState
	brom     *BromClient
	chip     ChipRecord
	devState DeviceState

	da *DaClient
}

// NewPipeline constructs a Pipeline. reenumPath is a device node path
// usable with transport.NewReenumWatcher for the BROM->DA handoff; pass
// "" on platforms (or transport kinds) where path-based re-enum detection
// isn't available, and the pipeline will rely solely on transport-factory
// polling instead.
func NewPipeline(newTransport func() transport.Transport, reenumPath string) *Pipeline {
	return &Pipeline{newTransport: newTransport, reenumPath: reenumPath}
}

// State reports the pipeline's current PipelineState.
func (p *Pipeline) State() PipelineState { return p.state }

// RunOptions configures a single LoadDA pass.
type RunOptions struct {
	HandshakeAttempts int
	DaFile            *DaFile
	CertImage         []byte // SEND_CERT payload, chip-specific
	EmiConfig         []byte // DRAM init block, sent to DA1 when BROM-sourced
	RuntimeMTU        uint32
	Verbose           bool
}

// LoadDA drives the pipeline from a cold BROM handshake through a ready,
// resident DA2, returning the DaClient the caller uses for partition
// operations.
func (p *Pipeline) LoadDA(ctx context.Context, opts RunOptions) (*DaClient, error) {
	t := p.newTransport()
	if err := t.Connect(ctx); err != nil {
		return nil, fmt.Errorf("mtk: pipeline: connecting for handshake: %w", err)
	}
	p.brom = NewBromClient(t)

	if err := p.brom.Handshake(ctx, opts.HandshakeAttempts); err != nil {
		return nil, err
	}
	p.state = PipelineBromHandshaked

	devState, err := p.brom.IdentifyChip(ctx)
	if err != nil {
		return nil, err
	}
	p.devState = devState
	p.state = PipelineBromIdentified
	if !devState.ChipKnown {
		return nil, ErrUnknownChip
	}
	p.chip = devState.Chip

	if devState.IsBromMode && !devState.Config.IsZero() && len(opts.CertImage) > 0 {
		p.state = PipelineExploitPending
		nt, err := p.applyCertExploit(ctx, t, opts)
		if err != nil {
			return nil, err
		}
		t = nt
		p.state = PipelineBromIdentified
	}

	entry := opts.DaFile.FindEntry(p.chip.HwCode)
	if entry == nil {
		return nil, fmt.Errorf("%w: hw_code 0x%04x not present in DA file", ErrDaFileMalformed, p.chip.HwCode)
	}
	da1, ok := entry.DA1()
	if !ok {
		return nil, fmt.Errorf("%w: entry missing DA1 region", ErrDaFileMalformed)
	}
	da2, ok := entry.DA2()
	if !ok {
		return nil, fmt.Errorf("%w: entry missing DA2 region", ErrDaFileMalformed)
	}
	p.state = PipelineDaSelected

	da1Data, err := DecompressRegion(da1.Data)
	if err != nil {
		return nil, err
	}
	if err := p.brom.DisableWatchdog(ctx, p.chip); err != nil {
		return nil, err
	}
	if err := p.brom.SendDA(ctx, da1.LoadAddress, da1.TotalLength, da1.SignatureLength, da1Data); err != nil {
		return nil, err
	}
	if err := p.brom.JumpDA(ctx, da1.LoadAddress); err != nil {
		return nil, err
	}
	p.state = PipelineDa1Launched

	t2, err := p.waitForReappearance(ctx, t)
	if err != nil {
		return nil, err
	}
	p.state = PipelineDa1Ready

	da2Data, err := DecompressRegion(da2.Data)
	if err != nil {
		return nil, err
	}

	// The DA1 classification decides how DA2 gets aboard: a legacy DA1
	// only relays the same raw framing BROM speaks, so DA2 goes up as a
	// second SendDA/JumpDA pair; a V5/V6 DA1 runs the DA command channel
	// itself, so DA2 goes through its boot_to endpoint after runtime
	// parameters and (when BROM-sourced) EMI init.
	var da *DaClient
	if classifyDaImage(da1Data, p.chip).Mode == DaModeLegacy {
		da, err = p.loadDa2Legacy(ctx, t2, da2, da2Data, opts)
	} else {
		da, err = p.loadDa2ViaDa1(ctx, t2, da1Data, da2, da2Data, opts)
	}
	if err != nil {
		return nil, err
	}
	p.da = da
	p.state = PipelineDa2Loaded

	if p.chip.ExploitType == ExploitAllinoneSignature {
		if err := da.RunAllinoneSignature(ctx); err != nil && !errors.Is(err, ErrExploitNotApplicable) {
			return nil, err
		}
	}
	return da, nil
}

// loadDa2ViaDa1 drives a V5/V6 DA1 through the DA command channel:
// readiness poll, runtime parameters, connagent query, EMI when the
// connection agent is BROM (exactly once), then the DA2 upload via
// boot_to — Carbonara-patched when the session is preloader-sourced with
// SBC set and DA1 shows no vendor hardening marker.
func (p *Pipeline) loadDa2ViaDa1(ctx context.Context, t transport.Transport, da1Data []byte, da2 *DaRegion, da2Data []byte, opts RunOptions) (*DaClient, error) {
	mode := classifyDaImage(da1Data, p.chip).Mode
	da := NewDaClient(t, mode, p.chip)
	if err := da.WaitReady(ctx, daReadyTimeout); err != nil {
		return nil, err
	}
	mtu := opts.RuntimeMTU
	if mtu == 0 {
		mtu = 65536
	}
	if err := da.SetRuntimeParameters(ctx, mtu, opts.Verbose, 1); err != nil {
		return nil, err
	}
	agent, err := da.ConnAgent(ctx)
	if err != nil {
		return nil, err
	}
	if agent == "brom" && len(opts.EmiConfig) > 0 {
		if err := da.SendEmi(ctx, opts.EmiConfig); err != nil {
			return nil, err
		}
	}
	if agent == "preloader" && p.devState.Config.Has(CfgSBC) &&
		p.chip.ExploitType == ExploitCarbonara && !looksOfficiallySigned(da1Data) {
		patched, err := ApplyCarbonara(da2Data, da1Data, p.chip)
		if err != nil {
			return nil, err
		}
		da2Data = patched
	}
	if err := da.BootTo(ctx, da2.LoadAddress, da2Data); err != nil {
		return nil, err
	}
	if err := da.WaitReady(ctx, daReadyTimeout); err != nil {
		return nil, err
	}
	return da, nil
}

// loadDa2Legacy relays DA2 through a legacy DA1, which answers the same
// raw framing BROM does: handshake again, SendDA, JumpDA, then wait out
// one more re-enumeration before the DA command channel opens.
func (p *Pipeline) loadDa2Legacy(ctx context.Context, t transport.Transport, da2 *DaRegion, da2Data []byte, opts RunOptions) (*DaClient, error) {
	relay := NewBromClient(t)
	if err := relay.Handshake(ctx, 20); err != nil {
		return nil, err
	}
	cls := classifyDaImage(da2Data, p.chip)
	if err := relay.SendDA(ctx, da2.LoadAddress, da2.TotalLength, uint32(cls.SignatureLen), da2Data); err != nil {
		return nil, err
	}
	if err := relay.JumpDA(ctx, da2.LoadAddress); err != nil {
		return nil, err
	}
	t2, err := p.waitForReappearance(ctx, t)
	if err != nil {
		return nil, err
	}
	da := NewDaClient(t2, cls.Mode, p.chip)
	if err := da.WaitReady(ctx, daReadyTimeout); err != nil {
		return nil, err
	}
	mtu := opts.RuntimeMTU
	if mtu == 0 {
		mtu = 65536
	}
	if err := da.SetRuntimeParameters(ctx, mtu, opts.Verbose, 1); err != nil {
		return nil, err
	}
	return da, nil
}

// applyCertExploit runs the ExploitPending leg: SEND_CERT, wait for the
// re-enumeration the exploit causes, re-handshake, and re-read
// TargetConfig. Success is the new config reading zero or strictly below
// the old value; no improvement is not fatal on its own — the pipeline
// continues and lets the DA upload fail naturally if the device truly
// requires the bypass. A transport failure while sending the cert is not
// that recoverable class — it aborts like any other I/O error.
func (p *Pipeline) applyCertExploit(ctx context.Context, t transport.Transport, opts RunOptions) (transport.Transport, error) {
	if err := p.brom.SendCert(ctx, opts.CertImage); err != nil {
		return nil, fmt.Errorf("mtk: SEND_CERT: %w", err)
	}
	nt, err := p.waitForReappearance(ctx, t)
	if err != nil {
		return nil, fmt.Errorf("mtk: after SEND_CERT: %w", err)
	}
	brom := NewBromClient(nt)
	if err := brom.Handshake(ctx, 20); err != nil {
		return nil, err
	}
	st, err := brom.IdentifyChip(ctx)
	if err != nil {
		return nil, err
	}
	if st.Config < p.devState.Config {
		p.devState.Config = st.Config
	}
	p.brom = brom
	return nt, nil
}

// waitForReappearance races a path-based ReenumWatcher against a
// transport-factory poll loop, returning whichever confirms the device
// first — some platforms never change the USB device-node path across a
// BROM->DA handoff (libusb keeps the same bus/address string), others
// mint an entirely new /dev node, so neither signal alone is reliable on
// every platform.
func (p *Pipeline) waitForReappearance(ctx context.Context, old transport.Transport) (transport.Transport, error) {
	_ = old.Disconnect()

	gctx, cancel := context.WithTimeout(ctx, reenumTimeout)
	defer cancel()
	g, gctx := errgroup.WithContext(gctx)

	result := make(chan transport.Transport, 1)

	if p.reenumPath != "" {
		g.Go(func() error {
			w := transport.NewReenumWatcher(p.reenumPath)
			if err := w.WaitForDisappearance(gctx); err != nil {
				return nil // not fatal to the other racer
			}
			if _, err := w.WaitForAppearance(gctx, reenumTimeout); err != nil {
				return nil
			}
			nt := p.newTransport()
			if err := nt.Connect(gctx); err != nil {
				return nil
			}
			select {
			case result <- nt:
			default:
			}
			return nil
		})
	}

	g.Go(func() error {
		ticker := time.NewTicker(300 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				nt := p.newTransport()
				if err := nt.Connect(gctx); err == nil {
					select {
					case result <- nt:
					default:
						_ = nt.Disconnect()
					}
					return nil
				}
			}
		}
	})

	done := make(chan struct{})
	go func() { _ = g.Wait(); close(done) }()

	select {
	case nt := <-result:
		cancel()
		<-done
		return nt, nil
	case <-done:
		select {
		case nt := <-result:
			return nt, nil
		default:
			return nil, fmt.Errorf("mtk: device did not reappear within %s", reenumTimeout)
		}
	}
}
