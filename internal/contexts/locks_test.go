package contexts

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestArenaExcludes(t *testing.T) {
	a := NewArena(10, time.Minute)
	unlock, err := a.Lock(context.Background(), "k")
	if err != nil {
		t.Fatal(err)
	}

	acquired := make(chan struct{})
	go func() {
		u, err := a.Lock(context.Background(), "k")
		if err != nil {
			t.Error(err)
			return
		}
		close(acquired)
		u()
	}()

	select {
	case <-acquired:
		t.Fatal("second Lock acquired while first held")
	case <-time.After(30 * time.Millisecond):
	}
	unlock()
	unlock() // idempotent
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second Lock never acquired")
	}
}

func TestArenaIndependentKeys(t *testing.T) {
	a := NewArena(10, time.Minute)
	u1, err := a.Lock(context.Background(), "a")
	if err != nil {
		t.Fatal(err)
	}
	defer u1()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	u2, err := a.Lock(ctx, "b")
	if err != nil {
		t.Fatalf("Lock(b) blocked by a: %v", err)
	}
	u2()
}

func TestArenaContextCancel(t *testing.T) {
	a := NewArena(10, time.Minute)
	unlock, _ := a.Lock(context.Background(), "k")
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := a.Lock(ctx, "k"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Lock = %v, want deadline exceeded", err)
	}

	a.mu.Lock()
	refs := a.entries["k"].refs
	a.mu.Unlock()
	if refs != 1 {
		t.Errorf("refs after abandoned wait = %d, want 1", refs)
	}
}

func TestArenaEvictsIdleEntries(t *testing.T) {
	var mu sync.Mutex
	clock := time.Unix(1_700_000_000, 0)
	a := NewArena(2, time.Minute)
	a.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return clock
	}
	advance := func(d time.Duration) {
		mu.Lock()
		clock = clock.Add(d)
		mu.Unlock()
	}

	held, err := a.Lock(context.Background(), "held")
	if err != nil {
		t.Fatal(err)
	}
	for i := range 3 {
		u, err := a.Lock(context.Background(), fmt.Sprintf("k%d", i))
		if err != nil {
			t.Fatal(err)
		}
		u()
		advance(time.Second)
	}
	// Nothing has been idle for a minute yet.
	if got := a.Len(); got != 4 {
		t.Fatalf("Len = %d, want 4", got)
	}

	advance(2 * time.Minute)
	u, _ := a.Lock(context.Background(), "fresh")
	u()

	if got := a.Len(); got != 2 {
		t.Fatalf("Len after eviction = %d, want 2", got)
	}
	a.mu.Lock()
	_, keptHeld := a.entries["held"]
	_, keptFresh := a.entries["fresh"]
	a.mu.Unlock()
	if !keptHeld {
		t.Error("held lock was evicted")
	}
	if !keptFresh {
		t.Error("recently used lock was evicted")
	}
	held()
}
