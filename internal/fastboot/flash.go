package fastboot

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/flashkit/flashkit/internal/progress"
	"github.com/flashkit/flashkit/internal/sparse"
)

// Default timeouts: command phase 30s, data phase 60s.
// Session.Flash/Erase/Reboot* derive a child context from the caller's
// ctx bounded by whichever of these applies, so callers get sane defaults
// while a tighter caller-supplied deadline or cancellation still wins.
const (
	DefaultCommandTimeout = 30 * time.Second
	DataPhaseTimeout      = 60 * time.Second
)

const streamBlockSize = 64 * 1024

// FlashOptions configures a single Flash call.
type FlashOptions struct {
	// Sink receives progress.Record values as the transfer proceeds.
	// Nil discards all progress events.
	Sink progress.Sink
}

// Flash splits img into transfer chunks bounded by the session's
// max-download-size, then for each chunk issues download:/flash: and
// awaits the matching OKAY pair.
//
// Each chunk owns an equal slice of the 0-100 progress range, with send
// occupying the first 95% of its slice and the device-side write the
// rest, so percent stays monotonic across the per-chunk Sending/Writing
// interleave as well as within a single chunk.
func (s *Session) Flash(ctx context.Context, partition string, img *sparse.Image, opts FlashOptions) error {
	budget := int64(s.MaxDownloadSize())
	chunker, err := sparse.NewChunker(img, budget)
	if err != nil {
		return fmt.Errorf("fastboot: flash %q: %w", partition, err)
	}

	total := chunker.TotalWireBytes()
	chunkCount := chunker.Len()
	var bytesSent int64
	speed := progress.NewSpeedEstimator()

	for {
		tc, err := chunker.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("fastboot: flash %q: %w", partition, err)
		}

		if err := s.downloadChunk(ctx, partition, tc, total, &bytesSent, chunkCount, speed, opts.Sink); err != nil {
			opts.Sink.Emit(progress.Record{Partition: partition, Phase: progress.Failed, ChunkIndex: tc.Index, ChunkCount: chunkCount})
			return s.observe(err)
		}

		if err := s.flashCommand(ctx, partition); err != nil {
			opts.Sink.Emit(progress.Record{Partition: partition, Phase: progress.Failed, ChunkIndex: tc.Index, ChunkCount: chunkCount})
			return s.observe(err)
		}
		s.watch.Observe(nil)

		opts.Sink.Emit(progress.Record{
			Partition:  partition,
			Phase:      progress.Writing,
			BytesSent:  bytesSent,
			TotalBytes: total,
			ChunkIndex: tc.Index,
			ChunkCount: chunkCount,
			Percent:    progress.ChunkWritePercent(tc.Index, chunkCount),
			SpeedBps:   speed.Sample(time.Now(), bytesSent),
		})
	}

	opts.Sink.Emit(progress.Record{
		Partition:  partition,
		Phase:      progress.Complete,
		BytesSent:  bytesSent,
		TotalBytes: total,
		ChunkIndex: chunkCount - 1,
		ChunkCount: chunkCount,
		Percent:    100,
	})
	return nil
}

// downloadChunk runs the download:<len> / DATA / stream / OKAY sequence
// for one transfer chunk, updating *bytesSent as bytes are streamed.
func (s *Session) downloadChunk(ctx context.Context, partition string, tc *sparse.TransferChunk, total int64, bytesSent *int64, chunkCount int, speed *progress.SpeedEstimator, sink progress.Sink) error {
	dctx, cancel := context.WithTimeout(ctx, DataPhaseTimeout)
	defer cancel()

	cmd := fmt.Sprintf("download:%08x", len(tc.Data))
	if err := sendCommand(dctx, s.t, cmd); err != nil {
		return err
	}
	resp, err := readResponse(dctx, s.t)
	if err != nil {
		return err
	}
	declared, err := dataPhaseSize(resp)
	if err != nil {
		return err
	}
	if declared != int64(len(tc.Data)) {
		return fmt.Errorf("%w: device declared %d, requested %d", ErrSizeMismatch, declared, len(tc.Data))
	}

	var sentInChunk int64
	for off := 0; off < len(tc.Data); off += streamBlockSize {
		select {
		case <-dctx.Done():
			return dctx.Err()
		default:
		}
		end := off + streamBlockSize
		if end > len(tc.Data) {
			end = len(tc.Data)
		}
		if err := s.t.Send(dctx, tc.Data[off:end]); err != nil {
			return err
		}
		*bytesSent += int64(end - off)
		sentInChunk += int64(end - off)
		sink.Emit(progress.Record{
			Partition:  partition,
			Phase:      progress.Sending,
			BytesSent:  *bytesSent,
			TotalBytes: total,
			ChunkIndex: tc.Index,
			ChunkCount: chunkCount,
			Percent:    progress.ChunkSendPercent(tc.Index, chunkCount, sentInChunk, int64(len(tc.Data))),
			SpeedBps:   speed.Sample(time.Now(), *bytesSent),
		})
	}

	term, err := readResponse(dctx, s.t)
	if err != nil {
		return err
	}
	return finalError(cmd, term)
}

func (s *Session) flashCommand(ctx context.Context, partition string) error {
	cctx, cancel := context.WithTimeout(ctx, DefaultCommandTimeout)
	defer cancel()
	resp, err := runCommand(cctx, s.t, "flash:"+partition, nil)
	if err != nil {
		return err
	}
	return finalError("flash:"+partition, resp)
}

// Erase issues a single erase:<name>
// using the extended data-phase timeout budget since a full-partition
// erase on eMMC/UFS can take as long as a large write.
func (s *Session) Erase(ctx context.Context, partition string) error {
	dctx, cancel := context.WithTimeout(ctx, DataPhaseTimeout)
	defer cancel()
	resp, err := runCommand(dctx, s.t, "erase:"+partition, nil)
	if err != nil {
		return s.observe(err)
	}
	s.watch.Observe(nil)
	return finalError("erase:"+partition, resp)
}

// rebootCommands enumerates the reboot* verbs, all of
// which are expected to make the transport go away; the session
// disconnects immediately after issuing them rather than waiting for a
// reply that may never come.
var rebootCommands = map[string]string{
	"":           "reboot",
	"bootloader": "reboot-bootloader",
	"fastboot":   "reboot-fastboot",
	"recovery":   "reboot-recovery",
}

// Reboot issues one of the reboot* commands (target: "", "bootloader",
// "fastboot", "recovery") and then disconnects the transport — the
// device will not answer again under this identity.
func (s *Session) Reboot(ctx context.Context, target string) error {
	cmd, ok := rebootCommands[target]
	if !ok {
		return fmt.Errorf("fastboot: unknown reboot target %q", target)
	}
	cctx, cancel := context.WithTimeout(ctx, DefaultCommandTimeout)
	defer cancel()
	// A send-only best-effort: the device is expected to vanish before
	// replying, so a transport error here is not itself a failure.
	_ = sendCommand(cctx, s.t, cmd)
	return s.t.Disconnect()
}

// SetActiveSlot implements A/B slot control via set_active:<slot>
// (current bootloaders accept either "a"/"b" or "_a"/"_b" forms; this
// passes slot through unchanged and lets the device rule on it).
func (s *Session) SetActiveSlot(ctx context.Context, slot string) error {
	cctx, cancel := context.WithTimeout(ctx, DefaultCommandTimeout)
	defer cancel()
	resp, err := runCommand(cctx, s.t, "set_active:"+slot, nil)
	if err != nil {
		return err
	}
	return finalError("set_active:"+slot, resp)
}

// unlockMethods enumerates the flashing unlock/lock verbs. Unknown
// method names fail loudly rather than silently passing through as a
// no-op, same as the MediaTek layer.
var unlockMethods = map[string]string{
	"":         "flashing unlock",
	"critical": "flashing unlock_critical",
}

var lockMethods = map[string]string{
	"":         "flashing lock",
	"critical": "flashing lock_critical",
}

// ErrInvalidArgument is returned for an unrecognized unlock/lock method
// name.
var ErrInvalidArgument = fmt.Errorf("fastboot: invalid argument")

// UnlockBootloader issues flashing unlock (method "") or flashing
// unlock_critical (method "critical").
func (s *Session) UnlockBootloader(ctx context.Context, method string) error {
	cmd, ok := unlockMethods[method]
	if !ok {
		return fmt.Errorf("%w: unknown unlock method %q", ErrInvalidArgument, method)
	}
	return s.runSimple(ctx, cmd)
}

// LockBootloader issues flashing lock (method "") or flashing
// lock_critical (method "critical").
func (s *Session) LockBootloader(ctx context.Context, method string) error {
	cmd, ok := lockMethods[method]
	if !ok {
		return fmt.Errorf("%w: unknown lock method %q", ErrInvalidArgument, method)
	}
	return s.runSimple(ctx, cmd)
}

func (s *Session) runSimple(ctx context.Context, cmd string) error {
	cctx, cancel := context.WithTimeout(ctx, DefaultCommandTimeout)
	defer cancel()
	resp, err := runCommand(cctx, s.t, cmd, nil)
	if err != nil {
		return s.observe(err)
	}
	s.watch.Observe(nil)
	return finalError(cmd, resp)
}
