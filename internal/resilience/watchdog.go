package resilience

import (
	"log/slog"
	"sync"
	"time"
)

// Watchdog invokes a callback on a fixed interval until stopped. Callback
// errors are caught and logged; the loop continues regardless.
type Watchdog struct {
	interval time.Duration
	callback func() error
	name     string

	mu      sync.Mutex
	stopCh  chan struct{}
	doneCh  chan struct{}
	started bool
	stopped bool
}

// NewWatchdog creates a watchdog that is not yet running.
func NewWatchdog(name string, interval time.Duration, callback func() error) *Watchdog {
	return &Watchdog{
		name:     name,
		interval: interval,
		callback: callback,
	}
}

// Start launches the background ticker loop. Calling Start twice is a no-op.
func (w *Watchdog) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return
	}
	w.started = true
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})

	go w.run()
}

func (w *Watchdog) run() {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			func() {
				defer func() {
					if r := recover(); r != nil {
						slog.Error("resilience: watchdog callback panicked", "watchdog", w.name, "panic", r)
					}
				}()
				if err := w.callback(); err != nil {
					slog.Error("resilience: watchdog callback failed", "watchdog", w.name, "error", err)
				}
			}()
		case <-w.stopCh:
			return
		}
	}
}

// Stop signals the loop to exit and waits for it to finish. Stop is
// idempotent and safe to call before Start (it simply has nothing to stop).
func (w *Watchdog) Stop() {
	w.mu.Lock()
	if !w.started || w.stopped {
		w.stopped = true
		w.mu.Unlock()
		return
	}
	w.stopped = true
	close(w.stopCh)
	doneCh := w.doneCh
	w.mu.Unlock()

	<-doneCh
}
