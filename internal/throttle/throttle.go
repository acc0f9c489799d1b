// Package throttle rejects connection floods with a per-source sliding
// window.
//
// Each source address keeps the timestamps of its recent accepted
// connections. On every attempt the entries older than the window are
// evicted first, then the attempt is admitted only if fewer than the ceiling
// remain. Eviction happens on access, so bookkeeping stays O(ceiling) per
// source; sources that went quiet are dropped wholesale by Sweep, which the
// owner is expected to run periodically.
package throttle

import (
	"sync"
	"time"
)

// Throttle limits how many connections a single source may open within a
// sliding time window. A nil *Throttle admits everything.
type Throttle struct {
	mu      sync.Mutex
	ceiling int
	window  time.Duration
	recent  map[string][]time.Time

	now func() time.Time // test hook
}

// New creates a throttle admitting at most ceiling connections per source
// within the given window. Returns nil (no throttling) if either value is
// not positive.
func New(ceiling int, window time.Duration) *Throttle {
	if ceiling <= 0 || window <= 0 {
		return nil
	}
	return &Throttle{
		ceiling: ceiling,
		window:  window,
		recent:  make(map[string][]time.Time),
		now:     time.Now,
	}
}

// Allow records a connection attempt from source and reports whether it may
// proceed. Rejected attempts are not recorded, so a steady flood does not
// push the window forward and lock the source out forever.
func (t *Throttle) Allow(source string) bool {
	if t == nil {
		return true
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	cutoff := now.Add(-t.window)

	entries := t.recent[source]
	live := entries[:0]
	for _, ts := range entries {
		if ts.After(cutoff) {
			live = append(live, ts)
		}
	}

	if len(live) >= t.ceiling {
		t.recent[source] = live
		return false
	}

	t.recent[source] = append(live, now)
	return true
}

// Sweep drops every source whose recorded connections have all aged out of
// the window. Without it the tracked set grows with the number of distinct
// sources ever seen.
func (t *Throttle) Sweep() {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := t.now().Add(-t.window)
	for source, entries := range t.recent {
		stale := true
		for _, ts := range entries {
			if ts.After(cutoff) {
				stale = false
				break
			}
		}
		if stale {
			delete(t.recent, source)
		}
	}
}

// Window returns the sliding window length. Zero for a nil throttle.
func (t *Throttle) Window() time.Duration {
	if t == nil {
		return 0
	}
	return t.window
}

// Forget drops all state for a source immediately.
func (t *Throttle) Forget(source string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	delete(t.recent, source)
	t.mu.Unlock()
}

// Sources returns the number of sources currently tracked.
func (t *Throttle) Sources() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.recent)
}
