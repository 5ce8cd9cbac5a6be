// Package connwatch watches networked dependencies (the checkpoint
// database, the model provider, the MQTT broker) and reports when they
// go down and come back.
//
// This is distinct from httpkit's transport-level retry, which covers
// sub-second dial errors inside one request. A watcher covers outages
// measured in seconds to minutes. Each watcher probes its service with
// exponential backoff while it is down and at a fixed poll interval
// while it is up, and calls OnChange on every transition.
package connwatch

import (
	"context"
	"log/slog"
	"maps"
	"sync"
	"time"
)

// ProbeFunc checks whether a service is reachable. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// Backoff controls probe timing.
type Backoff struct {
	// Initial is the delay after the first failed probe (default 2s).
	Initial time.Duration
	// Max caps the delay between failed probes (default 60s).
	Max time.Duration
	// Multiplier grows the delay after each failure (default 2).
	Multiplier float64
	// Poll is the interval between probes while healthy (default 60s).
	Poll time.Duration
	// ProbeTimeout bounds each probe (default 10s).
	ProbeTimeout time.Duration
}

// DefaultBackoff returns 2s, 4s, 8s, ... capped at 60s, with 60-second
// polling once healthy.
func DefaultBackoff() Backoff {
	return Backoff{
		Initial:      2 * time.Second,
		Max:          60 * time.Second,
		Multiplier:   2,
		Poll:         60 * time.Second,
		ProbeTimeout: 10 * time.Second,
	}
}

func (b Backoff) withDefaults() Backoff {
	d := DefaultBackoff()
	if b.Initial <= 0 {
		b.Initial = d.Initial
	}
	if b.Max <= 0 {
		b.Max = d.Max
	}
	if b.Multiplier < 1 {
		b.Multiplier = d.Multiplier
	}
	if b.Poll <= 0 {
		b.Poll = d.Poll
	}
	if b.ProbeTimeout <= 0 {
		b.ProbeTimeout = d.ProbeTimeout
	}
	return b
}

// Delay returns the wait after the given number of consecutive
// failures. Zero failures means the service is healthy and returns the
// poll interval.
func (b Backoff) Delay(failures int) time.Duration {
	if failures <= 0 {
		return b.Poll
	}
	d := float64(b.Initial)
	for i := 1; i < failures; i++ {
		d *= b.Multiplier
		if d >= float64(b.Max) {
			return b.Max
		}
	}
	return time.Duration(d)
}

// Transition is one change in a service's reachability.
type Transition struct {
	Name  string
	Ready bool
	// Err is the probe error that took the service down. Nil on
	// recovery.
	Err error
	// First is true for the outcome of the very first probe.
	First bool
}

// WatcherConfig configures a single service watcher.
type WatcherConfig struct {
	// Name identifies the service in logs and status output.
	Name string
	// Probe checks service health. Must be safe for concurrent use.
	Probe ProbeFunc
	// Backoff controls probe timing. Zero fields take defaults.
	Backoff Backoff
	// OnChange is called after the first probe and on every later
	// transition. Called in the watcher goroutine; must not block.
	// Optional.
	OnChange func(Transition)
	// Logger uses the manager's logger if nil.
	Logger *slog.Logger
}

// ServiceStatus is the health status of a watched service, suitable for
// JSON serialization in health endpoints.
type ServiceStatus struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	Failures  int       `json:"consecutive_failures,omitempty"`
	Since     time.Time `json:"since"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

// Watcher monitors one service.
type Watcher struct {
	cfg    WatcherConfig
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	status ServiceStatus
	probed bool
}

// Ready reports whether the service answered its latest probe.
func (w *Watcher) Ready() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status.Ready
}

// Status returns the current health status.
func (w *Watcher) Status() ServiceStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// Stop cancels the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)
	for {
		failures := w.check(ctx)
		if !sleepCtx(ctx, w.cfg.Backoff.Delay(failures)) {
			return
		}
	}
}

// check runs one probe, records it, and fires OnChange on a
// transition. It returns the consecutive failure count.
func (w *Watcher) check(ctx context.Context) int {
	pctx, cancel := context.WithTimeout(ctx, w.cfg.Backoff.ProbeTimeout)
	err := w.cfg.Probe(pctx)
	cancel()
	if ctx.Err() != nil {
		return 0
	}

	now := time.Now()
	w.mu.Lock()
	first := !w.probed
	w.probed = true
	changed := first || w.status.Ready != (err == nil)
	w.status.LastCheck = now
	if err != nil {
		w.status.Failures++
		w.status.LastError = err.Error()
	} else {
		w.status.Failures = 0
		w.status.LastError = ""
	}
	if changed {
		w.status.Ready = err == nil
		w.status.Since = now
	}
	failures := w.status.Failures
	w.mu.Unlock()

	logger := w.cfg.Logger
	switch {
	case changed && err == nil:
		logger.Info("service ready", "service", w.cfg.Name)
	case changed:
		logger.Warn("service unreachable", "service", w.cfg.Name, "error", err)
	case err != nil:
		logger.Debug("service still unreachable",
			"service", w.cfg.Name,
			"failures", failures,
			"next_probe", w.cfg.Backoff.Delay(failures).String(),
			"error", err,
		)
	}
	if changed && w.cfg.OnChange != nil {
		w.cfg.OnChange(Transition{Name: w.cfg.Name, Ready: err == nil, Err: err, First: first})
	}
	return failures
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Manager coordinates multiple service watchers.
type Manager struct {
	mu       sync.RWMutex
	watchers map[string]*Watcher
	logger   *slog.Logger
}

// NewManager creates a connection watch manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		watchers: make(map[string]*Watcher),
		logger:   logger,
	}
}

// Watch registers and starts a watcher. It runs until ctx is cancelled
// or Stop is called. Registering a name again stops the previous
// watcher. Panics if Name is empty or Probe is nil.
func (m *Manager) Watch(ctx context.Context, cfg WatcherConfig) *Watcher {
	if cfg.Name == "" {
		panic("connwatch: WatcherConfig.Name must not be empty")
	}
	if cfg.Probe == nil {
		panic("connwatch: WatcherConfig.Probe must not be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = m.logger
	}
	cfg.Backoff = cfg.Backoff.withDefaults()

	wctx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		cfg:    cfg,
		cancel: cancel,
		done:   make(chan struct{}),
		status: ServiceStatus{Name: cfg.Name},
	}

	m.mu.Lock()
	prev := m.watchers[cfg.Name]
	m.watchers[cfg.Name] = w
	m.mu.Unlock()
	if prev != nil {
		prev.Stop()
	}

	go w.run(wctx)
	return w
}

// Ready reports whether the named service is up. Unknown names are not.
func (m *Manager) Ready(name string) bool {
	m.mu.RLock()
	w := m.watchers[name]
	m.mu.RUnlock()
	return w != nil && w.Ready()
}

// Status returns the health status of all watched services.
func (m *Manager) Status() map[string]ServiceStatus {
	m.mu.RLock()
	watchers := maps.Clone(m.watchers)
	m.mu.RUnlock()

	status := make(map[string]ServiceStatus, len(watchers))
	for name, w := range watchers {
		status[name] = w.Status()
	}
	return status
}

// Stop shuts down all watchers and waits for their goroutines to exit.
func (m *Manager) Stop() {
	m.mu.RLock()
	watchers := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		watchers = append(watchers, w)
	}
	m.mu.RUnlock()

	for _, w := range watchers {
		w.Stop()
	}
}
