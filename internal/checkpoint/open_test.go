package checkpoint

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/frinny-ai/frinny/internal/config"
	"github.com/frinny-ai/frinny/internal/events"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// unreachableMongo points at a port nothing listens on, so server
// selection fails fast within the init timeout.
func unreachableMongo() config.MongoConfig {
	return config.MongoConfig{
		URI:        "mongodb://127.0.0.1:1/?connectTimeoutMS=200",
		Database:   "frinny_test",
		Collection: "agent_state",
	}
}

func drain(ch <-chan events.Event) []events.Event {
	var out []events.Event
	for {
		select {
		case e := <-ch:
			out = append(out, e)
		default:
			return out
		}
	}
}

func TestOpenEmbeddedPreferred(t *testing.T) {
	bus := events.New()
	ch := bus.Subscribe(8)
	defer bus.Unsubscribe(ch)

	cfg := config.CheckpointConfig{
		Embedded:    config.EmbeddedConfig{Kind: "sqlite", Driver: "sqlite", Path: filepath.Join(t.TempDir(), "cp.db")},
		InitTimeout: time.Second,
	}
	o := Open(context.Background(), cfg, discardLogger(), bus)
	defer o.Store.Close()

	if o.Backend != "sqlite" {
		t.Errorf("Backend = %q, want sqlite", o.Backend)
	}
	if o.Degraded {
		t.Error("Degraded = true, want false when the first configured backend opens")
	}
	if o.Err() != nil {
		t.Errorf("Err() = %v, want nil", o.Err())
	}
	if evs := drain(ch); len(evs) != 0 {
		t.Errorf("unexpected events: %v", evs)
	}
}

func TestOpenMongoFallsBackToEmbedded(t *testing.T) {
	bus := events.New()
	ch := bus.Subscribe(8)
	defer bus.Unsubscribe(ch)

	cfg := config.CheckpointConfig{
		Mongo:       unreachableMongo(),
		Embedded:    config.EmbeddedConfig{Kind: "bolt", Path: filepath.Join(t.TempDir(), "nested", "cp.bolt")},
		InitTimeout: 300 * time.Millisecond,
	}
	o := Open(context.Background(), cfg, discardLogger(), bus)
	defer o.Store.Close()

	if o.Backend != "bolt" {
		t.Fatalf("Backend = %q, want bolt", o.Backend)
	}
	if !o.Degraded {
		t.Error("Degraded = false after networked backend failed")
	}
	if len(o.Attempts) != 2 || o.Attempts[0].Backend != "mongo" || o.Attempts[0].Err == "" {
		t.Errorf("Attempts = %+v", o.Attempts)
	}
	if !errors.Is(o.Err(), ErrDegraded) {
		t.Errorf("Err() = %v, want ErrDegraded", o.Err())
	}

	evs := drain(ch)
	if len(evs) != 1 || evs[0].Kind != events.KindDurabilityDegraded {
		t.Fatalf("events = %v, want one durability_degraded", evs)
	}
	if evs[0].Data["backend"] != "bolt" {
		t.Errorf("event backend = %v", evs[0].Data["backend"])
	}

	// The fallback store is fully usable.
	ctx := context.Background()
	if err := o.Store.Save(ctx, snap("u", "c", 1, `{}`)); err != nil {
		t.Fatalf("Save on fallback: %v", err)
	}
}

func TestOpenAllFailToMemory(t *testing.T) {
	// A regular file where a directory is expected makes the embedded
	// backend fail to initialize.
	blocker := filepath.Join(t.TempDir(), "blocker")
	if err := os.WriteFile(blocker, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}

	bus := events.New()
	ch := bus.Subscribe(8)
	defer bus.Unsubscribe(ch)

	cfg := config.CheckpointConfig{
		Mongo:       unreachableMongo(),
		Embedded:    config.EmbeddedConfig{Kind: "sqlite", Driver: "sqlite3", Path: filepath.Join(blocker, "cp.db")},
		InitTimeout: 300 * time.Millisecond,
	}
	o := Open(context.Background(), cfg, discardLogger(), bus)

	if o.Backend != "memory" {
		t.Fatalf("Backend = %q, want memory", o.Backend)
	}
	if !o.Degraded {
		t.Error("Degraded = false on memory fallback")
	}
	if len(o.Attempts) != 3 {
		t.Errorf("Attempts = %+v, want mongo, sqlite, memory", o.Attempts)
	}
	if evs := drain(ch); len(evs) != 1 || evs[0].Kind != events.KindDurabilityDegraded {
		t.Errorf("events = %v", evs)
	}
}

func TestOpenEmbeddedNone(t *testing.T) {
	cfg := config.CheckpointConfig{Embedded: config.EmbeddedConfig{Kind: "none"}}
	o := Open(context.Background(), cfg, discardLogger(), nil)

	if o.Backend != "memory" || !o.Degraded {
		t.Errorf("Open(kind none) = backend %q degraded %v, want memory degraded", o.Backend, o.Degraded)
	}
	if w := o.Watch(context.Background(), nil, nil); w != nil {
		t.Error("Watch returned a watcher for the memory backend")
	}
}

func TestOpenUnknownEmbeddedKind(t *testing.T) {
	cfg := config.CheckpointConfig{Embedded: config.EmbeddedConfig{Kind: "leveldb", Path: filepath.Join(t.TempDir(), "x")}}
	o := Open(context.Background(), cfg, discardLogger(), nil)
	if o.Backend != "memory" {
		t.Errorf("Backend = %q, want memory", o.Backend)
	}
	if o.Attempts[0].Backend != "leveldb" || o.Attempts[0].Err == "" {
		t.Errorf("Attempts = %+v", o.Attempts)
	}
}
