// Package zipremote implements the HTTP range fetcher and the remote
// payload service built on it: locating payload.bin inside a remote,
// possibly multi-gigabyte ZIP without downloading it, then
// stream-extracting or stream-flashing a chosen partition.
package zipremote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"
)

// ErrRangeUnsupported is not returned when the 200-OK fallback path
// succeeds; FetchRange wraps it into the error it returns when reading the
// fallback full-body stream fails, so callers can detect that failure
// happened on the slow path.
var ErrRangeUnsupported = errors.New("zipremote: server ignored Range header, falling back to full stream")

const maxRedirects = 5

// RangeReaderAt performs absolute byte-range HTTP reads against a single
// URL, satisfying io.ReaderAt so it composes directly with
// internal/payload.ExtractPartition and archive/zip-style consumers.
type RangeReaderAt struct {
	client *http.Client
	url    string

	mu        sync.Mutex
	size      int64
	sizeKnown bool
	expiresAt time.Time
	hasExpiry bool
}

// NewRangeReaderAt wraps url for ranged reads. client may be nil to use
// http.DefaultClient with redirects disabled at the transport level (this
// package follows redirects itself, explicitly).
func NewRangeReaderAt(client *http.Client, rawURL string) *RangeReaderAt {
	if client == nil {
		client = &http.Client{
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}
	r := &RangeReaderAt{client: client, url: rawURL}
	if u, err := url.Parse(rawURL); err == nil {
		if exp := u.Query().Get("Expires"); exp != "" {
			if secs, err := strconv.ParseInt(exp, 10, 64); err == nil {
				r.expiresAt = time.Unix(secs, 0)
				r.hasExpiry = true
			}
		}
	}
	return r
}

// Expiry reports the signed-URL expiry parsed from an "Expires" query
// parameter, if present, for UI lifetime tracking.
func (r *RangeReaderAt) Expiry() (time.Time, bool) {
	return r.expiresAt, r.hasExpiry
}

// Size discovers the resource's total length via a one-byte range probe,
// caching the result.
func (r *RangeReaderAt) Size(ctx context.Context) (int64, error) {
	r.mu.Lock()
	if r.sizeKnown {
		defer r.mu.Unlock()
		return r.size, nil
	}
	r.mu.Unlock()

	resp, _, err := r.doRanged(ctx, 0, 0)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	total, err := parseContentRangeTotal(resp.Header.Get("Content-Range"))
	if err != nil {
		if resp.ContentLength > 0 {
			total = resp.ContentLength
			err = nil
		} else {
			return 0, fmt.Errorf("zipremote: could not determine resource size: %w", err)
		}
	}
	r.mu.Lock()
	r.size = total
	r.sizeKnown = true
	r.mu.Unlock()
	return total, nil
}

// FetchRange reads the inclusive byte range [start, end]
// (inclusive bounds). On a 206 response, the server-delivered range is
// returned directly. On 200 (range unsupported), the client streams from
// byte 0 and discards start bytes before delivering the requested window.
func (r *RangeReaderAt) FetchRange(ctx context.Context, startIncl, endIncl int64) ([]byte, error) {
	resp, full, err := r.doRanged(ctx, startIncl, endIncl)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	want := endIncl - startIncl + 1
	if !full {
		buf := make([]byte, want)
		if _, err := io.ReadFull(resp.Body, buf); err != nil {
			return nil, fmt.Errorf("zipremote: reading ranged body: %w", err)
		}
		return buf, nil
	}

	if _, err := io.CopyN(io.Discard, resp.Body, startIncl); err != nil {
		return nil, fmt.Errorf("zipremote: %w: discarding prefix: %v", ErrRangeUnsupported, err)
	}
	buf := make([]byte, want)
	if _, err := io.ReadFull(resp.Body, buf); err != nil {
		return nil, fmt.Errorf("zipremote: %w: reading body: %v", ErrRangeUnsupported, err)
	}
	return buf, nil
}

// ReadAt implements io.ReaderAt atop FetchRange using a background
// context; callers needing cancellation should call FetchRange directly.
func (r *RangeReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	buf, err := r.FetchRange(context.Background(), off, off+int64(len(p))-1)
	if err != nil {
		return 0, err
	}
	n := copy(p, buf)
	return n, nil
}

// doRanged issues the ranged GET, explicitly following 301-308 redirects up
// to maxRedirects hops. Returns (resp, fullBody, err) where fullBody is
// true when the server ignored Range and answered 200 OK with the entire
// resource.
func (r *RangeReaderAt) doRanged(ctx context.Context, startIncl, endIncl int64) (*http.Response, bool, error) {
	currentURL := r.url
	for hop := 0; ; hop++ {
		if hop > maxRedirects {
			return nil, false, fmt.Errorf("zipremote: exceeded %d redirects", maxRedirects)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, currentURL, nil)
		if err != nil {
			return nil, false, err
		}
		req.Header.Set("User-Agent", "flashkit/1.0")
		req.Header.Set("Accept", "*/*")
		req.Header.Set("Connection", "keep-alive")
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", startIncl, endIncl))

		resp, err := r.client.Do(req)
		if err != nil {
			return nil, false, err
		}

		if resp.StatusCode >= 301 && resp.StatusCode <= 308 {
			loc := resp.Header.Get("Location")
			resp.Body.Close()
			if loc == "" {
				return nil, false, fmt.Errorf("zipremote: redirect %d with no Location header", resp.StatusCode)
			}
			next, err := url.Parse(loc)
			if err != nil {
				return nil, false, fmt.Errorf("zipremote: invalid redirect Location: %w", err)
			}
			base, _ := url.Parse(currentURL)
			currentURL = base.ResolveReference(next).String()
			continue
		}

		switch resp.StatusCode {
		case http.StatusPartialContent:
			return resp, false, nil
		case http.StatusOK:
			return resp, true, nil
		default:
			resp.Body.Close()
			return nil, false, fmt.Errorf("zipremote: unexpected status %s", resp.Status)
		}
	}
}

func parseContentRangeTotal(cr string) (int64, error) {
	// Expected form: "bytes 0-0/12345"
	idx := indexByte(cr, '/')
	if idx < 0 || idx+1 >= len(cr) {
		return 0, fmt.Errorf("zipremote: malformed Content-Range %q", cr)
	}
	return strconv.ParseInt(cr[idx+1:], 10, 64)
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}
