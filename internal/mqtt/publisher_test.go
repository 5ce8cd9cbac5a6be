package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/eclipse/paho.golang/paho"

	"github.com/frinny-ai/frinny/internal/config"
	"github.com/frinny-ai/frinny/internal/events"
)

func TestLoadOrCreateInstanceID_CreatesFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")

	id, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("LoadOrCreateInstanceID() error = %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, instanceFile))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if got := strings.TrimSpace(string(data)); got != id {
		t.Errorf("file content = %q, want %q", got, id)
	}
	if parts := strings.Split(id, "-"); len(parts) != 5 {
		t.Errorf("id %q does not look like a UUID", id)
	}
}

func TestLoadOrCreateInstanceID_ReturnsExisting(t *testing.T) {
	dir := t.TempDir()
	first, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("first call error = %v", err)
	}
	second, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("second call error = %v", err)
	}
	if second != first {
		t.Errorf("second = %q, want %q", second, first)
	}
}

type recorder struct {
	mu   sync.Mutex
	msgs []*paho.Publish
	err  error
}

func (r *recorder) publish(_ context.Context, p *paho.Publish) (*paho.PublishResponse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	r.msgs = append(r.msgs, p)
	return &paho.PublishResponse{}, nil
}

func (r *recorder) topic(topic string) []*paho.Publish {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*paho.Publish
	for _, m := range r.msgs {
		if m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}

type fakeStats struct{}

func (fakeStats) Uptime() time.Duration { return 90 * time.Second }
func (fakeStats) Version() string       { return "1.2.3" }
func (fakeStats) Rooms() (int, int)     { return 2, 3 }
func (fakeStats) CachedContexts() int   { return 7 }

func newTestPublisher(rec *recorder) *Publisher {
	cfg := config.MQTTConfig{TopicPrefix: "frinny", ClientID: "frinny"}
	p := New(cfg, "inst-1", events.New(), fakeStats{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	p.publish = rec.publish
	return p
}

func TestHandleEvent_ForwardsToTopic(t *testing.T) {
	rec := &recorder{}
	p := newTestPublisher(rec)

	p.handleEvent(context.Background(), events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceRouter,
		Kind:      events.KindTurnComplete,
		Data:      map[string]any{"user_id": "u1"},
	})

	msgs := rec.topic("frinny/events/router/turn_complete")
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	var ev events.Event
	if err := json.Unmarshal(msgs[0].Payload, &ev); err != nil {
		t.Fatal(err)
	}
	if ev.Data["user_id"] != "u1" {
		t.Errorf("payload = %s", msgs[0].Payload)
	}
	if len(rec.topic("frinny/durability")) != 0 {
		t.Error("turn event touched the durability document")
	}
	if turns, _, _ := p.counts.Snapshot(); turns != 1 {
		t.Errorf("turns = %d, want 1", turns)
	}
}

func TestDurabilityTransitions(t *testing.T) {
	rec := &recorder{}
	p := newTestPublisher(rec)
	p.SetDurability("mongo", false)
	ctx := context.Background()

	steps := []struct {
		kind     string
		data     map[string]any
		wantDown bool
		wantErr  string
	}{
		{events.KindBackendDown, map[string]any{"backend": "mongo", "error": "no reachable servers"}, true, "no reachable servers"},
		{events.KindBackendRecovered, map[string]any{"backend": "mongo"}, false, ""},
	}
	for i, st := range steps {
		p.handleEvent(ctx, events.Event{Timestamp: time.Now(), Source: events.SourceCheckpoint, Kind: st.kind, Data: st.data})
		msgs := rec.topic("frinny/durability")
		if len(msgs) != i+1 {
			t.Fatalf("step %d: %d durability messages", i, len(msgs))
		}
		last := msgs[len(msgs)-1]
		if !last.Retain {
			t.Error("durability document not retained")
		}
		var d Durability
		if err := json.Unmarshal(last.Payload, &d); err != nil {
			t.Fatal(err)
		}
		if d.Backend != "mongo" || d.Down != st.wantDown || d.LastError != st.wantErr {
			t.Errorf("step %d: durability = %+v", i, d)
		}
	}
}

func TestDurabilityDegraded(t *testing.T) {
	rec := &recorder{}
	p := newTestPublisher(rec)
	p.SetDurability("mongo", false)

	p.handleEvent(context.Background(), events.Event{
		Source: events.SourceCheckpoint,
		Kind:   events.KindDurabilityDegraded,
		Data:   map[string]any{"backend": "sqlite"},
	})
	p.mu.Lock()
	d := p.durability
	p.mu.Unlock()
	if !d.Degraded || d.Backend != "sqlite" {
		t.Errorf("durability = %+v", d)
	}
}

func TestPublishState(t *testing.T) {
	rec := &recorder{}
	p := newTestPublisher(rec)
	p.counts.Observe(events.Event{Kind: events.KindTurnFailed})

	p.publishState(context.Background())
	msgs := rec.topic("frinny/state")
	if len(msgs) != 1 || !msgs[0].Retain {
		t.Fatalf("state messages = %+v", msgs)
	}
	var s State
	if err := json.Unmarshal(msgs[0].Payload, &s); err != nil {
		t.Fatal(err)
	}
	want := State{
		InstanceID:     "inst-1",
		Version:        "1.2.3",
		Uptime:         "1m30s",
		Rooms:          2,
		Connections:    3,
		CachedContexts: 7,
		FailedToday:    1,
	}
	if s != want {
		t.Errorf("state = %+v, want %+v", s, want)
	}
}

func TestSendFailureIsSwallowed(t *testing.T) {
	rec := &recorder{err: errors.New("not connected")}
	p := newTestPublisher(rec)
	if p.send(context.Background(), &paho.Publish{Topic: "x"}) {
		t.Error("send reported success on failure")
	}
	p.publish = nil
	if p.send(context.Background(), &paho.Publish{Topic: "x"}) {
		t.Error("send reported success without a connection")
	}
}

func TestTopicsAndClientID(t *testing.T) {
	p := newTestPublisher(&recorder{})
	if got := p.clientID(); got != "frinny-inst-1" {
		t.Errorf("clientID = %q", got)
	}
	if got := p.availabilityTopic(); got != "frinny/availability" {
		t.Errorf("availabilityTopic = %q", got)
	}
	if got := p.eventTopic(events.Event{Source: "contexts", Kind: "context_created"}); got != "frinny/events/contexts/context_created" {
		t.Errorf("eventTopic = %q", got)
	}
}
