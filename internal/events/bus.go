// Package events provides a publish/subscribe bus for operator-visible
// signals. Components (checkpoint store, context registry, event router)
// publish; subscribers (the MQTT publisher, tests) consume. The bus is
// nil-safe: calling Publish on a nil *Bus is a no-op, so components do
// not need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceCheckpoint identifies events from checkpoint backends.
	SourceCheckpoint = "checkpoint"
	// SourceContexts identifies events from the context registry.
	SourceContexts = "contexts"
	// SourceRouter identifies events from the event router.
	SourceRouter = "router"
	// SourceTransport identifies events from the device transport.
	SourceTransport = "transport"
)

// Kind constants describe the type of event within a source.
const (
	// KindDurabilityDegraded signals that startup fell back past the
	// preferred checkpoint backend.
	// Data: backend, attempts, errors.
	KindDurabilityDegraded = "durability_degraded"
	// KindBackendDown signals the networked backend stopped answering.
	// Data: backend, error.
	KindBackendDown = "backend_down"
	// KindBackendRecovered signals the networked backend is reachable again.
	// Data: backend.
	KindBackendRecovered = "backend_recovered"

	// KindPersistenceDegraded signals a failed save or load after startup.
	// The turn itself still succeeded.
	// Data: op, user_id, context_id, error.
	KindPersistenceDegraded = "persistence_degraded"
	// KindContextCreated signals a new conversation context.
	// Data: user_id, context_id, reason.
	KindContextCreated = "context_created"
	// KindScoreFailed signals a scoring oracle failure on one candidate.
	// Data: user_id, context_id, error.
	KindScoreFailed = "score_failed"

	// KindTurnComplete signals a reply was broadcast.
	// Data: request_id, user_id, context_id, mood, delivered, elapsed_ms.
	KindTurnComplete = "turn_complete"
	// KindTurnFailed signals an error envelope was broadcast.
	// Data: request_id, user_id, error_code.
	KindTurnFailed = "turn_failed"

	// KindConnected signals a device joined a user's room.
	// Data: user_id, conn_id, members.
	KindConnected = "connected"
	// KindDisconnected signals a device left a user's room.
	// Data: user_id, conn_id, members.
	KindDisconnected = "disconnected"
	// KindConnDropped signals the transport closed a connection whose
	// send queue was full.
	// Data: user_id, conn_id, queued.
	KindConnDropped = "conn_dropped"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs, so Unsubscribe
	// can accept the caller's <-chan Event view.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. A zero Timestamp is filled in. Safe to call on a nil
// receiver.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Emit is shorthand for publishing an event built from its parts.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	b.Publish(Event{Source: source, Kind: kind, Data: data})
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
