package contexts

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Arena hands out one mutex per key, created on demand. Entries that
// are neither held nor waited on and have been idle for at least the
// idle window are evicted, least recently used first, once the arena
// holds more than max entries. Max is a soft bound: entries in use are
// never evicted.
type Arena struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
	max     int
	idle    time.Duration
	now     func() time.Time
}

type lockEntry struct {
	sem      chan struct{}
	refs     int // holders plus waiters
	lastUsed time.Time
}

// NewArena creates an arena that starts evicting above max entries.
func NewArena(max int, idle time.Duration) *Arena {
	if max <= 0 {
		max = 4096
	}
	return &Arena{
		entries: make(map[string]*lockEntry),
		max:     max,
		idle:    idle,
		now:     time.Now,
	}
}

// Lock blocks until the lock for key is held or ctx is done. The
// returned unlock function is idempotent.
func (a *Arena) Lock(ctx context.Context, key string) (unlock func(), err error) {
	a.mu.Lock()
	e, ok := a.entries[key]
	if !ok {
		e = &lockEntry{sem: make(chan struct{}, 1)}
		a.entries[key] = e
	}
	e.refs++
	a.mu.Unlock()

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		a.release(e)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.sem
			a.release(e)
		})
	}, nil
}

func (a *Arena) release(e *lockEntry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	e.refs--
	e.lastUsed = a.now()
	if len(a.entries) > a.max {
		a.evictLocked()
	}
}

func (a *Arena) evictLocked() {
	type candidate struct {
		key      string
		lastUsed time.Time
	}
	now := a.now()
	var idle []candidate
	for k, e := range a.entries {
		if e.refs == 0 && now.Sub(e.lastUsed) >= a.idle {
			idle = append(idle, candidate{k, e.lastUsed})
		}
	}
	sort.Slice(idle, func(i, j int) bool { return idle[i].lastUsed.Before(idle[j].lastUsed) })
	for _, c := range idle {
		if len(a.entries) <= a.max {
			return
		}
		delete(a.entries, c.key)
	}
}

// Len returns the number of live entries.
func (a *Arena) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.entries)
}
