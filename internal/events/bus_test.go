package events

import (
	"sync"
	"testing"
	"time"
)

func TestNilBusPublish(t *testing.T) {
	var b *Bus
	b.Publish(Event{Source: SourceRouter, Kind: KindTurnComplete})
	b.Emit(SourceCheckpoint, KindDurabilityDegraded, nil)
}

func TestNilBusSubscriberCount(t *testing.T) {
	var b *Bus
	if got := b.SubscriberCount(); got != 0 {
		t.Errorf("SubscriberCount() on nil bus = %d, want 0", got)
	}
}

func TestPublishSingleSubscriber(t *testing.T) {
	b := New()
	ch := b.Subscribe(8)
	defer b.Unsubscribe(ch)

	b.Publish(Event{
		Source: SourceContexts,
		Kind:   KindContextCreated,
		Data:   map[string]any{"context_id": "ctx_abc"},
	})

	select {
	case got := <-ch:
		if got.Source != SourceContexts || got.Kind != KindContextCreated {
			t.Errorf("got event %v", got)
		}
		if got.Timestamp.IsZero() {
			t.Error("Timestamp not filled in")
		}
		id, ok := got.Data["context_id"].(string)
		if !ok || id != "ctx_abc" {
			t.Errorf("got context_id %v, want %q", got.Data["context_id"], "ctx_abc")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPublishMultipleSubscribers(t *testing.T) {
	b := New()
	const n = 5
	channels := make([]<-chan Event, n)
	for i := range n {
		channels[i] = b.Subscribe(8)
	}
	defer func() {
		for _, ch := range channels {
			b.Unsubscribe(ch)
		}
	}()

	b.Emit(SourceCheckpoint, KindBackendDown, map[string]any{"backend": "mongo"})

	for i, ch := range channels {
		select {
		case got := <-ch:
			if got.Kind != KindBackendDown {
				t.Errorf("subscriber %d: got kind %q", i, got.Kind)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d: timed out", i)
		}
	}
}

func TestDropOnFull(t *testing.T) {
	b := New()
	ch := b.Subscribe(1)
	defer b.Unsubscribe(ch)

	b.Publish(Event{Kind: "first"})
	b.Publish(Event{Kind: "second"})

	got := <-ch
	if got.Kind != "first" {
		t.Errorf("got kind %q, want %q", got.Kind, "first")
	}

	select {
	case evt := <-ch:
		t.Errorf("expected empty channel, got event %v", evt)
	default:
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	ch := b.Subscribe(8)
	b.Unsubscribe(ch)

	if _, ok := <-ch; ok {
		t.Error("expected channel to be closed after Unsubscribe")
	}
	// Second call is a no-op.
	b.Unsubscribe(ch)
}

func TestConcurrentPublishSubscribe(t *testing.T) {
	b := New()
	const publishers = 10
	const eventsPerPublisher = 100

	var wg sync.WaitGroup
	ch := b.Subscribe(64)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for range ch {
		}
	}()

	var pubWg sync.WaitGroup
	for i := range publishers {
		pubWg.Add(1)
		go func() {
			defer pubWg.Done()
			for j := range eventsPerPublisher {
				b.Emit(SourceRouter, KindTurnComplete, map[string]any{"publisher": i, "seq": j})
			}
		}()
	}

	pubWg.Wait()
	b.Unsubscribe(ch)
	wg.Wait()
}
