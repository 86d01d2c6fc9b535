package transport

import (
	"context"
	"errors"
	"sync"
)

// Watchdog is a per-session auxiliary task: it monitors the outcome of
// each logical operation the session runs and escalates two consecutive
// timeouts to a forced disconnect of the transport. It owns no protocol
// state — the session reports outcomes in, and the only signal flowing
// back out is the disconnect itself.
type Watchdog struct {
	t   Transport
	obs chan error

	mu      sync.Mutex
	stopped bool
	done    chan struct{}
}

// consecutive timeouts tolerated before the transport is forced down.
const watchdogStrikes = 2

// NewWatchdog starts a watchdog over t. Callers must Stop it when the
// session ends.
func NewWatchdog(t Transport) *Watchdog {
	w := &Watchdog{t: t, obs: make(chan error, 8), done: make(chan struct{})}
	go w.run()
	return w
}

func (w *Watchdog) run() {
	defer close(w.done)
	strikes := 0
	for err := range w.obs {
		if errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			strikes++
			if strikes >= watchdogStrikes {
				_ = w.t.Disconnect()
				strikes = 0
			}
			continue
		}
		strikes = 0
	}
}

// Observe reports one finished logical operation's outcome. Non-blocking:
// if the watchdog is saturated or stopped the observation is dropped —
// losing one never matters, since escalation only needs the next two.
func (w *Watchdog) Observe(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	select {
	case w.obs <- err:
	default:
	}
}

// Stop shuts the watchdog down and waits for its task to exit. Safe to
// call more than once.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		<-w.done
		return
	}
	w.stopped = true
	close(w.obs)
	w.mu.Unlock()
	<-w.done
}
