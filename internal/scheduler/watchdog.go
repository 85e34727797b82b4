package scheduler

import (
	"sync"
	"time"
)

// Watchdog calls check on a fixed interval until stopped. It is created once
// with the scheduler and must be stopped at shutdown.
type Watchdog struct {
	mu       sync.Mutex
	interval time.Duration
	check    func()
	ticker   *time.Ticker
	stop     chan struct{}
	done     chan struct{}
}

func newWatchdog(interval time.Duration, check func()) *Watchdog {
	return &Watchdog{interval: interval, check: check}
}

// Start begins ticking. Calling Start on a running watchdog is a no-op.
func (w *Watchdog) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.ticker != nil {
		return
	}

	w.ticker = time.NewTicker(w.interval)
	w.stop = make(chan struct{})
	w.done = make(chan struct{})
	go w.loop(w.ticker, w.stop, w.done)
}

func (w *Watchdog) loop(ticker *time.Ticker, stop, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			w.check()
		}
	}
}

// Reset changes the polling interval, taking effect on the next tick.
func (w *Watchdog) Reset(interval time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.interval = interval
	if w.ticker != nil {
		w.ticker.Reset(interval)
	}
}

// Stop halts the ticker and waits for an in-flight check to return.
// Must not be called from inside check.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	if w.ticker == nil {
		w.mu.Unlock()
		return
	}
	w.ticker.Stop()
	close(w.stop)
	done := w.done
	w.ticker = nil
	w.mu.Unlock()

	<-done
}

// Running reports whether the watchdog is ticking.
func (w *Watchdog) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ticker != nil
}
