package mqtt

import (
	"sync"
	"time"

	"github.com/frinny-ai/frinny/internal/events"
)

// DailyCounts tracks turn activity that resets at local midnight. It is
// safe for concurrent use.
type DailyCounts struct {
	mu       sync.Mutex
	turns    int64
	failed   int64
	created  int64
	resetDay int // day-of-year of last reset
	loc      *time.Location
	now      func() time.Time
}

// NewDailyCounts creates a counter using loc for midnight detection. If
// loc is nil, [time.Local] is used.
func NewDailyCounts(loc *time.Location) *DailyCounts {
	if loc == nil {
		loc = time.Local
	}
	d := &DailyCounts{loc: loc, now: time.Now}
	d.resetDay = d.now().In(loc).YearDay()
	return d
}

// Observe counts one bus event. Kinds other than turn completion,
// turn failure, and context creation are ignored.
func (d *DailyCounts) Observe(ev events.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	switch ev.Kind {
	case events.KindTurnComplete:
		d.turns++
	case events.KindTurnFailed:
		d.failed++
	case events.KindContextCreated:
		d.created++
	}
}

// Snapshot returns today's completed turns, failed turns, and created
// contexts.
func (d *DailyCounts) Snapshot() (turns, failed, created int64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	return d.turns, d.failed, d.created
}

// maybeReset zeroes the counters if the local day changed. Must be
// called with d.mu held.
func (d *DailyCounts) maybeReset() {
	today := d.now().In(d.loc).YearDay()
	if today != d.resetDay {
		d.turns, d.failed, d.created = 0, 0, 0
		d.resetDay = today
	}
}
