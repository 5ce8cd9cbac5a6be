package mqtt

import (
	"sync"
	"testing"
	"time"

	"github.com/frinny-ai/frinny/internal/events"
)

func TestDailyCounts_Observe(t *testing.T) {
	d := NewDailyCounts(time.UTC)
	for _, kind := range []string{
		events.KindTurnComplete,
		events.KindTurnComplete,
		events.KindTurnFailed,
		events.KindContextCreated,
		events.KindConnected,
	} {
		d.Observe(events.Event{Kind: kind})
	}

	turns, failed, created := d.Snapshot()
	if turns != 2 || failed != 1 || created != 1 {
		t.Errorf("Snapshot = (%d, %d, %d), want (2, 1, 1)", turns, failed, created)
	}
}

func TestDailyCounts_ResetsAtMidnight(t *testing.T) {
	d := NewDailyCounts(time.UTC)
	clock := time.Date(2026, 3, 1, 23, 59, 0, 0, time.UTC)
	d.now = func() time.Time { return clock }
	d.resetDay = clock.YearDay()

	d.Observe(events.Event{Kind: events.KindTurnComplete})
	clock = clock.Add(2 * time.Minute)

	if turns, _, _ := d.Snapshot(); turns != 0 {
		t.Errorf("turns after midnight = %d, want 0", turns)
	}
}

func TestDailyCounts_Concurrent(t *testing.T) {
	d := NewDailyCounts(time.UTC)
	var wg sync.WaitGroup
	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.Observe(events.Event{Kind: events.KindTurnComplete})
		}()
	}
	wg.Wait()
	if turns, _, _ := d.Snapshot(); turns != 100 {
		t.Errorf("turns = %d, want 100", turns)
	}
}
