package reactive

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestDebouncerCoalesces(t *testing.T) {
	var runs atomic.Int32
	d := NewDebouncer(20*time.Millisecond, func() {
		runs.Add(1)
	})

	for i := 0; i < 50; i++ {
		d.Trigger()
	}
	d.Flush()

	if got := runs.Load(); got != 1 {
		t.Errorf("expected burst of triggers to coalesce into 1 run, got %d", got)
	}
}

func TestDebouncerTriggerDuringRunSchedulesFollowUp(t *testing.T) {
	var runs atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})

	var d *Debouncer
	d = NewDebouncer(0, func() {
		if runs.Add(1) == 1 {
			close(started)
			<-release
		}
	})

	d.Trigger()
	<-started

	// Arrives while the first run is executing: must not be lost.
	d.Trigger()
	close(release)
	d.Flush()

	if got := runs.Load(); got != 2 {
		t.Errorf("expected a follow-up run, got %d total runs", got)
	}
}

func TestDebouncerStop(t *testing.T) {
	var runs atomic.Int32
	d := NewDebouncer(10*time.Millisecond, func() {
		runs.Add(1)
	})

	d.Trigger()
	d.Stop()
	d.Flush()

	time.Sleep(30 * time.Millisecond)
	if got := runs.Load(); got != 0 {
		t.Errorf("expected no runs after Stop, got %d", got)
	}

	// Triggers after Stop are ignored
	d.Trigger()
	time.Sleep(30 * time.Millisecond)
	if got := runs.Load(); got != 0 {
		t.Errorf("expected trigger after Stop to be ignored, got %d runs", got)
	}
}
