package fastboot

import (
	"context"
	"strings"
	"sync"

	"github.com/flashkit/flashkit/internal/transport"
)

// Session is one Fastboot device conversation: an active transport, a
// snapshot of device variables, and the derived max_download_size and
// partitions views. Variable mappings and partition tables are rebuilt
// wholesale on every Refresh — never mutated in place.
type Session struct {
	t     transport.Transport
	watch *transport.Watchdog

	mu               sync.RWMutex
	variables        map[string]string
	partitions       map[string]PartitionInfo
	slots            []string
	maxDownloadSize  uint64
}

// NewSession wraps an already-constructed Transport (USB or serial) as a
// Fastboot session. The transport is not connected by NewSession; callers
// call Connect.
func NewSession(t transport.Transport) *Session {
	return &Session{
		t:               t,
		watch:           transport.NewWatchdog(t),
		variables:       map[string]string{},
		partitions:      map[string]PartitionInfo{},
		maxDownloadSize: DefaultMaxDownloadSize,
	}
}

// observe reports one finished logical operation to the session watchdog
//
// and passes the error through unchanged.
func (s *Session) observe(err error) error {
	s.watch.Observe(err)
	return err
}

// Connect opens the underlying transport and performs an initial Refresh.
func (s *Session) Connect(ctx context.Context) error {
	if err := s.t.Connect(ctx); err != nil {
		return err
	}
	return s.Refresh(ctx)
}

// Disconnect releases the underlying transport. Scoped:
// safe to call on any exit path, including after a failed operation.
func (s *Session) Disconnect() error {
	s.watch.Stop()
	return s.t.Disconnect()
}

// Variables returns a snapshot copy of the raw variable mapping.
func (s *Session) Variables() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.variables))
	for k, v := range s.variables {
		out[k] = v
	}
	return out
}

// Partitions returns a snapshot copy of the derived partition table.
func (s *Session) Partitions() map[string]PartitionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]PartitionInfo, len(s.partitions))
	for k, v := range s.partitions {
		out[k] = v
	}
	return out
}

// MaxDownloadSize returns the session's derived max-download-size,
// defaulting to DefaultMaxDownloadSize
func (s *Session) MaxDownloadSize() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.maxDownloadSize
}

// HasABSlots reports whether the device exposes A/B slot variables, used
// to pick the right flash target suffix.
func (s *Session) HasABSlots() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.variables["current-slot"]
	return ok
}

// Getvar queries a single variable via getvar:<name>
// It does not update the cached snapshot — callers that want the session
// view refreshed call Refresh.
func (s *Session) Getvar(ctx context.Context, name string) (string, error) {
	resp, err := runCommand(ctx, s.t, "getvar:"+name, nil)
	if err != nil {
		return "", s.observe(err)
	}
	s.watch.Observe(nil)
	if err := finalError("getvar:"+name, resp); err != nil {
		return "", err
	}
	return resp.Payload, nil
}

// Refresh rebuilds the variable mapping and derived tables from scratch,
//: try getvar:all first; if it yields fewer than 5
// variables (FAIL response, minimal bootloader), fall back to probing the
// fixed variable list individually.
func (s *Session) Refresh(ctx context.Context) error {
	vars, err := s.fetchAllVariables(ctx)
	if err != nil {
		return err
	}
	if len(vars) < 5 {
		probed, perr := s.probeFallbackVariables(ctx)
		if perr != nil {
			return perr
		}
		// Merge rather than discard — a partial getvar:all plus a
		// fallback probe is still useful context, and the probe alone
		// may itself yield fewer than 5 entries on a very minimal
		// bootloader.
		for k, v := range probed {
			vars[k] = v
		}
	}
	s.rebuild(vars)
	return nil
}

// fetchAllVariables runs getvar:all and parses every INFO line until the
// terminal OKAY/FAIL.3 and the "Variable parser
// exhaustion" guarantee: the loop inside runCommand
// stops at the first terminal response, so a malformed/looping device
// response can never hang this call.
func (s *Session) fetchAllVariables(ctx context.Context) (map[string]string, error) {
	vars := map[string]string{}
	resp, err := runCommand(ctx, s.t, "getvar:all", func(line string) {
		if k, v, ok := parseGetvarLine(line); ok {
			vars[k] = v
		}
	})
	if err != nil {
		return nil, err
	}
	if resp.Kind != respOKAY {
		// A FAIL here is not itself an error the caller should see —
		// the probe fallback exists precisely to recover from
		// it — so only the partial variables collected matter.
		return vars, nil
	}
	return vars, nil
}

// probeFallbackVariables issues getvar:<name> individually for every name
// in the fixed probe list, skipping any that themselves FAIL.
func (s *Session) probeFallbackVariables(ctx context.Context) (map[string]string, error) {
	vars := map[string]string{}
	for _, name := range fallbackVariables {
		v, err := s.Getvar(ctx, name)
		if err != nil {
			var fail *DeviceFailError
			if isDeviceFail(err, &fail) {
				continue
			}
			return nil, err
		}
		vars[name] = v
	}
	return vars, nil
}

func isDeviceFail(err error, target **DeviceFailError) bool {
	df, ok := err.(*DeviceFailError)
	if ok {
		*target = df
	}
	return ok
}

// parseGetvarLine parses one getvar:all INFO payload. Accepted forms
//:
//
//	variant: user
//	(bootloader) variant: user
//	partition-size:boot_a: 0x4000000
//	(bootloader) partition-size:boot_a: 0x4000000
//
// The key may itself contain colons (composite keys); the split point is
// the first ": " (colon immediately followed by a space), since no
// composite key segment is ever followed by a bare space.
func parseGetvarLine(line string) (key, value string, ok bool) {
	line = strings.TrimSpace(line)
	if strings.HasPrefix(line, "(") {
		if idx := strings.Index(line, ") "); idx >= 0 {
			line = line[idx+2:]
		}
	}
	idx := strings.Index(line, ": ")
	if idx < 0 {
		return "", "", false
	}
	return line[:idx], line[idx+2:], true
}

// rebuild replaces the session's variable/partition/slot snapshot
// wholesale from a freshly fetched variable set.
func (s *Session) rebuild(vars map[string]string) {
	partitions := map[string]PartitionInfo{}
	var slots []string
	maxDownload := DefaultMaxDownloadSize

	for k, v := range vars {
		switch {
		case strings.HasPrefix(k, "partition-size:"):
			name := strings.TrimPrefix(k, "partition-size:")
			size, err := parseNumeric(v)
			if err != nil {
				continue
			}
			info := partitions[name]
			info.Size = size
			partitions[name] = info
		case strings.HasPrefix(k, "is-logical:"):
			name := strings.TrimPrefix(k, "is-logical:")
			info := partitions[name]
			info.IsLogical = v == "1" || strings.EqualFold(v, "true") || strings.EqualFold(v, "yes")
			info.HasIsLogical = true
			partitions[name] = info
		case k == "max-download-size":
			if n, err := parseNumeric(v); err == nil && n >= 1 {
				maxDownload = n
			}
		case k == "slot-count":
			if n, err := parseNumeric(v); err == nil {
				slots = make([]string, 0, n)
				letters := "abcdefghijklmnopqrstuvwxyz"
				for i := uint64(0); i < n && i < uint64(len(letters)); i++ {
					slots = append(slots, string(letters[i]))
				}
			}
		}
	}

	s.mu.Lock()
	s.variables = vars
	s.partitions = partitions
	s.slots = slots
	s.maxDownloadSize = maxDownload
	s.mu.Unlock()
}

// ensureSlots returns a copy of the slot suffixes from the last Refresh
// (empty if none has run). Nothing in the package calls it.
func (s *Session) ensureSlots() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.slots...)
}
