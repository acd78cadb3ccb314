package control

import (
	"math"
	"sync"
	"time"
)

// Usage is a read-only view of one key's window.
type Usage struct {
	Used      int
	Remaining int
	Limit     int
	Window    time.Duration
}

// Window is a sliding-window request log keyed by an arbitrary scope key.
//
// Expired timestamps are pruned lazily whenever a key is inspected. Prune,
// count and append run under a single lock acquisition.
type Window struct {
	mu     sync.Mutex
	events map[string][]time.Time
	now    func() time.Time
}

// NewWindow creates an empty Window using the wall clock.
func NewWindow() *Window {
	return &Window{
		events: make(map[string][]time.Time),
		now:    time.Now,
	}
}

// WithClock replaces the time source.
func (w *Window) WithClock(now func() time.Time) *Window {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.now = now
	return w
}

// CheckAndRecord prunes the key's expired timestamps and, if fewer than
// maxRequests remain, records now and returns (true, 0). Otherwise it
// returns false and the whole seconds until the oldest timestamp expires.
func (w *Window) CheckAndRecord(key string, maxRequests int, window time.Duration) (bool, int) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	recent := prune(w.events[key], now, window)
	if len(recent) >= maxRequests {
		w.events[key] = recent
		return false, retryAfter(recent, now, window)
	}
	w.events[key] = append(recent, now)
	return true, 0
}

// Allowed prunes the key's expired timestamps and reports whether another
// request fits, without recording it. A rejection carries the retry delay
// in whole seconds.
func (w *Window) Allowed(key string, maxRequests int, window time.Duration) (bool, int) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	recent := prune(w.events[key], now, window)
	if len(recent) == 0 {
		delete(w.events, key)
	} else {
		w.events[key] = recent
	}
	if len(recent) >= maxRequests {
		return false, retryAfter(recent, now, window)
	}
	return true, 0
}

// Record appends now to the key's log.
func (w *Window) Record(key string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.events[key] = append(w.events[key], w.now())
}

// Status reports usage for key after pruning, without recording.
func (w *Window) Status(key string, maxRequests int, window time.Duration) Usage {
	w.mu.Lock()
	defer w.mu.Unlock()

	recent := prune(w.events[key], w.now(), window)
	if len(recent) == 0 {
		delete(w.events, key)
	} else {
		w.events[key] = recent
	}
	remaining := maxRequests - len(recent)
	if remaining < 0 {
		remaining = 0
	}
	return Usage{
		Used:      len(recent),
		Remaining: remaining,
		Limit:     maxRequests,
		Window:    window,
	}
}

// Sweep prunes every key and deletes the ones left empty.
func (w *Window) Sweep(window time.Duration) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	removed := 0
	for key, times := range w.events {
		recent := prune(times, now, window)
		if len(recent) == 0 {
			delete(w.events, key)
			removed++
			continue
		}
		w.events[key] = recent
	}
	return removed
}

// Keys reports how many keys are tracked.
func (w *Window) Keys() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.events)
}

// prune keeps timestamps strictly younger than window, reusing the backing array.
func prune(times []time.Time, now time.Time, window time.Duration) []time.Time {
	valid := times[:0]
	for _, t := range times {
		if now.Sub(t) < window {
			valid = append(valid, t)
		}
	}
	return valid
}

func retryAfter(recent []time.Time, now time.Time, window time.Duration) int {
	wait := window
	if len(recent) > 0 {
		wait -= now.Sub(recent[0])
	}
	seconds := int(math.Ceil(wait.Seconds()))
	if seconds < 1 {
		return 1
	}
	return seconds
}
