// Package progress defines the shared progress-record sink: an immutable
// record the Fastboot engine and MediaTek DA client emit into a
// consumer-provided callback, plus a throughput estimator neither engine
// needs to reimplement.
package progress

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
)

// Phase is one stage of a single partition transfer.
type Phase int

const (
	Sending Phase = iota
	Writing
	Complete
	Failed
)

func (p Phase) String() string {
	switch p {
	case Sending:
		return "Sending"
	case Writing:
		return "Writing"
	case Complete:
		return "Complete"
	case Failed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Record is one immutable progress observation for any partitioned
// transfer (Fastboot flash, MediaTek DA write_partition, remote
// stream-flash). Consumers may feed records into a bounded channel or
// handle them inline; the engines never read back.
type Record struct {
	Partition  string
	Phase      Phase
	BytesSent  int64
	TotalBytes int64
	ChunkIndex int
	ChunkCount int
	Percent    int
	SpeedBps   float64
}

// String renders a one-line human summary, e.g. for CLI logging without a
// progress bar library attached.
func (r Record) String() string {
	return fmt.Sprintf("%s: %s %d%% (%s/%s, %s/s)",
		r.Partition, r.Phase, r.Percent,
		humanize.Bytes(uint64(r.BytesSent)), humanize.Bytes(uint64(r.TotalBytes)),
		humanize.Bytes(uint64(r.SpeedBps)))
}

// Sink receives Record values. The engine never reads back from Sink —
// it is a pure observer. A nil Sink is valid and simply
// discards every record.
type Sink func(Record)

// Emit is a nil-safe helper so call sites never need an "if sink != nil"
// guard of their own.
func (s Sink) Emit(r Record) {
	if s != nil {
		s(r)
	}
}

// SendPercent maps sent bytes onto 0-95: send occupies the first 95% of
// a partition's progress so the final 5% is reserved for the device-side
// write phase, keeping percent monotonic across the Sending to Writing
// transition.
func SendPercent(bytesSent, total int64) int {
	if total <= 0 {
		return 0
	}
	return int(bytesSent * 95 / total)
}

// WritePercent maps completed chunks onto 95-100, driven by chunk count
// rather than bytes since the device write phase has no byte-granular
// feedback.
func WritePercent(chunksDone, chunkCount int) int {
	if chunkCount <= 0 {
		return 100
	}
	return 95 + chunksDone*5/chunkCount
}

// ChunkSendPercent carries the send/write split across a multi-chunk
// transfer: each chunk owns an equal slice of the full 0-100 range, and
// within its slice send occupies the first 95% and the device-side write
// the rest. Percent therefore never decreases when Sending and Writing
// interleave chunk by chunk; for a single-chunk transfer this reduces to
// the plain 0-95/95-100 split.
func ChunkSendPercent(index, count int, sentInChunk, chunkSize int64) int {
	if count <= 0 || chunkSize <= 0 {
		return 0
	}
	return int((int64(index)*100 + sentInChunk*95/chunkSize) / int64(count))
}

// ChunkWritePercent is the Writing-phase counterpart of ChunkSendPercent:
// finishing chunk index closes out that chunk's whole slice.
func ChunkWritePercent(index, count int) int {
	if count <= 0 {
		return 100
	}
	return (index + 1) * 100 / count
}

// SpeedEstimator recomputes bytes/sec at >=200ms intervals. It is
// EWMA-like rather than a true exponential moving average: each recomputation
// window simply measures the byte delta over the elapsed seconds since
// the last sample.
type SpeedEstimator struct {
	minInterval time.Duration
	lastAt      time.Time
	lastBytes   int64
	speed       float64
}

// NewSpeedEstimator builds an estimator with the 200ms minimum
// recomputation interval.
func NewSpeedEstimator() *SpeedEstimator {
	return &SpeedEstimator{minInterval: 200 * time.Millisecond}
}

// Sample records a new cumulative byte count observed at now, updating
// and returning the current speed estimate. Calls inside minInterval of
// the previous recomputation return the last estimate unchanged.
func (s *SpeedEstimator) Sample(now time.Time, cumulativeBytes int64) float64 {
	if s.lastAt.IsZero() {
		s.lastAt, s.lastBytes = now, cumulativeBytes
		return 0
	}
	elapsed := now.Sub(s.lastAt)
	if elapsed < s.minInterval {
		return s.speed
	}
	delta := cumulativeBytes - s.lastBytes
	s.speed = float64(delta) / elapsed.Seconds()
	s.lastAt, s.lastBytes = now, cumulativeBytes
	return s.speed
}
