package prefetch

import (
	"sync"
	"time"
)

// Debouncer coalesces bursts of triggers into a single trailing invocation:
// each trigger cancels any pending invocation and schedules a new one a full
// window out.
type Debouncer struct {
	mu     sync.Mutex
	timer  *time.Timer
	window time.Duration
	fn     func()
}

// NewDebouncer creates a debouncer invoking fn after the window elapses
// without further triggers.
func NewDebouncer(window time.Duration, fn func()) *Debouncer {
	return &Debouncer{
		window: window,
		fn:     fn,
	}
}

// Trigger (re)schedules the trailing invocation.
func (d *Debouncer) Trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.window, d.fn)
}

// Stop cancels any pending invocation.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
