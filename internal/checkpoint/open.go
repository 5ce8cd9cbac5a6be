package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/frinny-ai/frinny/internal/config"
	"github.com/frinny-ai/frinny/internal/connwatch"
	"github.com/frinny-ai/frinny/internal/events"
)

// Attempt records one backend initialization tried by [Open].
type Attempt struct {
	Backend string        `json:"backend"`
	Err     string        `json:"error,omitempty"`
	Elapsed time.Duration `json:"elapsed"`
}

// Opened is the result of backend selection.
type Opened struct {
	Store    Store
	Backend  string
	Degraded bool
	Attempts []Attempt
}

// Err returns an error wrapping [ErrDegraded] and every failed attempt,
// or nil when the preferred backend came up.
func (o *Opened) Err() error {
	if !o.Degraded {
		return nil
	}
	errs := []error{ErrDegraded}
	for _, a := range o.Attempts {
		if a.Err != "" {
			errs = append(errs, fmt.Errorf("%s: %s", a.Backend, a.Err))
		}
	}
	return errors.Join(errs...)
}

// Open selects a checkpoint backend. The networked backend is tried when
// configured, then the embedded backend, then process memory. Each
// initialization is bounded by cfg.InitTimeout. Open does not fail: the
// memory backend is always available. Falling past the first configured
// backend, or landing on memory, marks the result degraded, logs a
// warning, and publishes [events.KindDurabilityDegraded].
func Open(ctx context.Context, cfg config.CheckpointConfig, logger *slog.Logger, bus *events.Bus) *Opened {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.InitTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	o := &Opened{}
	try := func(name string, open func(context.Context) (Store, error)) bool {
		initCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		start := time.Now()
		store, err := open(initCtx)
		a := Attempt{Backend: name, Elapsed: time.Since(start)}
		if err != nil {
			a.Err = err.Error()
			o.Attempts = append(o.Attempts, a)
			logger.Warn("checkpoint backend unavailable",
				"backend", name, "error", err, "elapsed", a.Elapsed)
			return false
		}
		o.Attempts = append(o.Attempts, a)
		o.Store = store
		o.Backend = store.Name()
		return true
	}

	ok := false
	if cfg.Mongo.Configured() {
		ok = try("mongo", func(ctx context.Context) (Store, error) {
			return NewMongoStore(ctx, cfg.Mongo.URI, cfg.Mongo.Database, cfg.Mongo.Collection)
		})
	}
	if !ok && cfg.Embedded.Kind != "none" {
		ok = try(embeddedName(cfg.Embedded), func(ctx context.Context) (Store, error) {
			return openEmbedded(ctx, cfg.Embedded)
		})
	}
	if !ok {
		o.Store = NewMemoryStore()
		o.Backend = o.Store.Name()
		o.Attempts = append(o.Attempts, Attempt{Backend: o.Backend})
	}

	o.Degraded = len(o.Attempts) > 1 || o.Backend == "memory"
	if o.Degraded {
		failures := make([]string, 0, len(o.Attempts))
		for _, a := range o.Attempts {
			if a.Err != "" {
				failures = append(failures, a.Backend+": "+a.Err)
			}
		}
		logger.Warn("durability degraded",
			"backend", o.Backend,
			"attempts", len(o.Attempts),
			"failures", failures,
		)
		bus.Emit(events.SourceCheckpoint, events.KindDurabilityDegraded, map[string]any{
			"backend":  o.Backend,
			"attempts": len(o.Attempts),
			"errors":   failures,
		})
	} else {
		logger.Info("checkpoint backend ready", "backend", o.Backend)
	}
	return o
}

func embeddedName(cfg config.EmbeddedConfig) string {
	if cfg.Kind == "" {
		return "sqlite"
	}
	return cfg.Kind
}

func openEmbedded(ctx context.Context, cfg config.EmbeddedConfig) (Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("embedded checkpoint path not set")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}
	switch embeddedName(cfg) {
	case "sqlite":
		return NewSQLiteStore(ctx, cfg.Driver, cfg.Path)
	case "bolt":
		return NewBoltStore(cfg.Path)
	default:
		return nil, fmt.Errorf("unknown embedded backend %q", cfg.Kind)
	}
}

// Watch registers a connwatch probe for networked backends so outages
// and recoveries after startup surface as bus events. Embedded and
// memory backends are not watched; Watch returns nil for them.
func (o *Opened) Watch(ctx context.Context, mgr *connwatch.Manager, bus *events.Bus) *connwatch.Watcher {
	if o.Backend != "mongo" || mgr == nil {
		return nil
	}
	store := o.Store
	return mgr.Watch(ctx, connwatch.WatcherConfig{
		Name:  "checkpoint-" + o.Backend,
		Probe: store.Ping,
		OnChange: func(t connwatch.Transition) {
			switch {
			case t.Ready && t.First:
				// Open already proved the backend reachable.
			case t.Ready:
				bus.Emit(events.SourceCheckpoint, events.KindBackendRecovered, map[string]any{
					"backend": store.Name(),
				})
			default:
				bus.Emit(events.SourceCheckpoint, events.KindBackendDown, map[string]any{
					"backend": store.Name(),
					"error":   t.Err.Error(),
				})
			}
		},
	})
}
