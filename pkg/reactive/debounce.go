package reactive

import (
	"sync"
	"time"
)

// Debouncer coalesces bursts of triggers into single callback runs.
// Trigger schedules the callback if no run is already scheduled; triggers
// arriving while a run is pending are absorbed into it. A trigger arriving
// while the callback is executing schedules one follow-up run, so no trigger
// is ever lost.
//
// This is the explicit replacement for driving recomputation off a watched
// counter: change sources call Trigger, and the callback observes whatever
// state exists when it finally runs.
type Debouncer struct {
	fn    func()
	delay time.Duration

	mu        sync.Mutex
	scheduled bool
	running   bool
	rerun     bool
	stopped   bool
	timer     *time.Timer

	// wg tracks in-flight callback runs for Flush.
	wg sync.WaitGroup
}

// NewDebouncer creates a Debouncer invoking fn at most once per delay window.
// A zero delay still coalesces: the callback runs on a fresh goroutine after
// the current burst of triggers.
func NewDebouncer(delay time.Duration, fn func()) *Debouncer {
	return &Debouncer{fn: fn, delay: delay}
}

// Trigger requests a callback run, coalescing with any pending request.
func (d *Debouncer) Trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}
	if d.running {
		d.rerun = true
		return
	}
	if d.scheduled {
		return
	}

	d.scheduled = true
	d.wg.Add(1)
	d.timer = time.AfterFunc(d.delay, d.run)
}

// run executes the callback and handles re-triggering.
func (d *Debouncer) run() {
	d.mu.Lock()
	if d.stopped {
		d.scheduled = false
		d.mu.Unlock()
		d.wg.Done()
		return
	}
	d.scheduled = false
	d.running = true
	d.mu.Unlock()

	d.fn()

	d.mu.Lock()
	d.running = false
	rerun := d.rerun && !d.stopped
	d.rerun = false
	if rerun {
		d.scheduled = true
		d.timer = time.AfterFunc(d.delay, d.run)
	}
	d.mu.Unlock()

	if !rerun {
		d.wg.Done()
	}
}

// Flush blocks until all currently pending runs have completed.
// This is for testing purposes.
func (d *Debouncer) Flush() {
	d.wg.Wait()
}

// Stop cancels any pending run and prevents future triggers from scheduling.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopped = true
	if d.timer != nil {
		if d.timer.Stop() && d.scheduled {
			d.scheduled = false
			d.wg.Done()
		}
	}
}
