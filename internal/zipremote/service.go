package zipremote

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/flashkit/flashkit/internal/payload"
)

// RemotePayloadService locates payload.bin inside a remote OTA ZIP,
// parses its header/manifest via ranged reads only, and extracts one or
// more partitions without ever downloading the archive to disk.
type RemotePayloadService struct {
	rr       *RangeReaderAt
	location *Location
	desc     *payload.Descriptor
}

// Open locates payload.bin within the ZIP at url and parses its manifest.
func Open(ctx context.Context, client *http.Client, url string) (*RemotePayloadService, error) {
	rr := NewRangeReaderAt(client, url)
	loc, err := LocatePayloadBin(ctx, rr)
	if err != nil {
		return nil, fmt.Errorf("zipremote: locating payload.bin: %w", err)
	}

	// The header + manifest are small; read them in one shot via a
	// section reader anchored at the entry's data offset.
	sr := io.NewSectionReader(rr, loc.DataOffset, int64(loc.UncompressedSize))
	desc, err := payload.Open(sr)
	if err != nil {
		return nil, fmt.Errorf("zipremote: parsing payload manifest: %w", err)
	}

	return &RemotePayloadService{rr: rr, location: loc, desc: desc}, nil
}

// Descriptor exposes the parsed payload.bin manifest for partition
// enumeration and size lookups.
func (s *RemotePayloadService) Descriptor() *payload.Descriptor { return s.desc }

// Expiry surfaces the signed-URL expiry, if any, from the underlying
// range reader.
func (s *RemotePayloadService) Expiry() (time.Time, bool) {
	return s.rr.Expiry()
}

// offsetReaderAt translates payload-relative offsets (0 == start of
// payload.bin) into archive-absolute offsets (loc.DataOffset == start of
// payload.bin) so internal/payload's extractor, written against a bare
// payload.bin stream, works unmodified against an entry embedded in a ZIP.
type offsetReaderAt struct {
	base io.ReaderAt
	add  int64
}

func (o offsetReaderAt) ReadAt(p []byte, off int64) (int, error) {
	return o.base.ReadAt(p, off+o.add)
}

// ExtractPartition streams a single partition out of the remote archive.
func (s *RemotePayloadService) ExtractPartition(name string, dst io.WriterAt) error {
	src := offsetReaderAt{base: s.rr, add: s.location.DataOffset}
	return payload.ExtractPartition(src, s.desc, name, dst, nil)
}

// ExtractPartitions extracts several partitions concurrently, bounded by
// a worker pool, each range-fetch proceeding independently so one slow partition
// does not stall the others.
func (s *RemotePayloadService) ExtractPartitions(names []string, dstFor func(name string) io.WriterAt) error {
	pool, err := ants.NewPool(len(names), ants.WithNonblocking(false))
	if err != nil {
		return fmt.Errorf("zipremote: building worker pool: %w", err)
	}
	defer pool.Release()

	var wg sync.WaitGroup
	errs := make([]error, len(names))
	for i, name := range names {
		i, name := i, name
		wg.Add(1)
		submitErr := pool.Submit(func() {
			defer wg.Done()
			errs[i] = s.ExtractPartition(name, dstFor(name))
		})
		if submitErr != nil {
			wg.Done()
			errs[i] = submitErr
		}
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			return fmt.Errorf("zipremote: partition %q: %w", names[i], err)
		}
	}
	return nil
}

// FlashResult is what a caller-supplied flash callback reports back from
// StreamFlash/StreamFlashMany: whether the device accepted the image, how
// many bytes were actually written, and how long the flash call itself
// took (excluding the preceding remote extraction).
type FlashResult struct {
	Success        bool
	BytesWritten   int64
	ElapsedSeconds float64
}

// StreamFlash is the remote-extract-then-flash path:
// extract one partition to a local temp file, hand its path to flash, and
// guarantee the temp file is removed on every exit — success, extraction
// failure, flash failure, or flash panicking — before StreamFlash returns.
//
// The defer sits immediately after the temp file is acquired, never
// after intervening logic that could skip it on an early return.
func (s *RemotePayloadService) StreamFlash(name string, flash func(path string) (FlashResult, error)) (result FlashResult, err error) {
	f, err := os.CreateTemp("", "flashkit-stream-*.img")
	if err != nil {
		return FlashResult{}, fmt.Errorf("zipremote: creating stream-flash temp file: %w", err)
	}
	path := f.Name()
	defer os.Remove(path)
	defer f.Close()

	if err := s.ExtractPartition(name, f); err != nil {
		return FlashResult{}, fmt.Errorf("zipremote: extracting %q to temp file: %w", name, err)
	}
	if err := f.Close(); err != nil {
		return FlashResult{}, fmt.Errorf("zipremote: closing stream-flash temp file: %w", err)
	}
	// Reopen-free: flash takes the path, not an *os.File, since the
	// flashing engines (fastboot.Session.Flash, mtk.DaClient.WritePartition)
	// both want to own their own read cursor over the file.

	start := time.Now()
	res, err := flash(path)
	res.ElapsedSeconds = time.Since(start).Seconds()
	if err != nil {
		return res, fmt.Errorf("zipremote: flashing %q: %w", name, err)
	}
	return res, nil
}

// StreamFlashMany runs StreamFlash across several partitions concurrently,
// bounded by a worker pool the same way ExtractPartitions is, with each
// task's panic recovered and reported as a FlashResult failure rather
// than crashing the pool or leaking that task's temp file.
func (s *RemotePayloadService) StreamFlashMany(names []string, flash func(name, path string) (FlashResult, error)) (map[string]FlashResult, error) {
	pool, err := ants.NewPool(len(names), ants.WithNonblocking(false))
	if err != nil {
		return nil, fmt.Errorf("zipremote: building worker pool: %w", err)
	}
	defer pool.Release()

	var mu sync.Mutex
	results := make(map[string]FlashResult, len(names))
	errs := make([]error, len(names))

	var wg sync.WaitGroup
	for i, name := range names {
		i, name := i, name
		wg.Add(1)
		submitErr := pool.Submit(func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					mu.Lock()
					errs[i] = fmt.Errorf("zipremote: partition %q: flash task panicked: %v", name, r)
					mu.Unlock()
				}
			}()
			res, ferr := s.StreamFlash(name, func(path string) (FlashResult, error) {
				return flash(name, path)
			})
			mu.Lock()
			results[name] = res
			errs[i] = ferr
			mu.Unlock()
		})
		if submitErr != nil {
			wg.Done()
			errs[i] = submitErr
		}
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			return results, fmt.Errorf("zipremote: partition %q: %w", names[i], err)
		}
	}
	return results, nil
}
