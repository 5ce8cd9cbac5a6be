package contexts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/frinny-ai/frinny/internal/checkpoint"
	"github.com/frinny-ai/frinny/internal/config"
	"github.com/frinny-ai/frinny/internal/events"
)

var (
	// ErrNotFound is returned for unknown context ids.
	ErrNotFound = errors.New("context not found")
	// ErrTurnClosed is returned when a Turn is appended twice or used
	// after Release.
	ErrTurnClosed = errors.New("turn already closed")
	// ErrNoUser is returned when a user id is empty.
	ErrNoUser = errors.New("user id required")
)

// Config tunes a [Registry].
type Config struct {
	// Threshold is the minimum relevance for reusing a context.
	Threshold float64
	// ScoreTimeout bounds each scorer call.
	ScoreTimeout time.Duration
	// StoreTimeout bounds each checkpoint load or save.
	StoreTimeout time.Duration
	// MaxLocks and LockIdle bound the per-context lock arena.
	MaxLocks int
	LockIdle time.Duration
	// SummaryChars caps the topic summary length.
	SummaryChars int
	// MaxAuditLog is how many selections are kept for inspection.
	MaxAuditLog int
}

// ConfigFrom maps the file configuration onto a registry Config.
func ConfigFrom(c config.ContextsConfig) Config {
	return Config{
		Threshold:    c.RelevanceThreshold(),
		ScoreTimeout: c.ScoreTimeout,
		StoreTimeout: c.StoreTimeout,
		MaxLocks:     c.MaxLocks,
		LockIdle:     c.LockIdle,
		SummaryChars: c.SummaryChars,
	}
}

func (c *Config) applyDefaults() {
	if c.ScoreTimeout <= 0 {
		c.ScoreTimeout = 10 * time.Second
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = 5 * time.Second
	}
	if c.MaxLocks <= 0 {
		c.MaxLocks = 4096
	}
	if c.LockIdle <= 0 {
		c.LockIdle = 10 * time.Minute
	}
	if c.SummaryChars <= 0 {
		c.SummaryChars = 500
	}
	if c.MaxAuditLog <= 0 {
		c.MaxAuditLog = 1000
	}
}

// Registry owns the in-process cache of contexts and the lock arena.
type Registry struct {
	store  checkpoint.Store
	scorer Scorer
	cfg    Config
	logger *slog.Logger
	bus    *events.Bus
	locks  *Arena

	mu     sync.RWMutex
	users  map[string]*userEntry
	owners map[string]string // context id → user id
	last   time.Time         // latest timestamp handed out

	auditMu sync.Mutex
	audit   []Selection
	stats   Stats
}

type userEntry struct {
	loaded   bool
	contexts map[string]*Context
}

// New creates a registry. A zero Threshold is honored as "always
// reuse the best candidate"; callers wanting the usual 0.7 get it from
// configuration defaults.
func New(store checkpoint.Store, scorer Scorer, cfg Config, logger *slog.Logger, bus *events.Bus) *Registry {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	if scorer == nil {
		scorer = OverlapScorer{}
	}
	return &Registry{
		store:  store,
		scorer: scorer,
		cfg:    cfg,
		logger: logger,
		bus:    bus,
		locks:  NewArena(cfg.MaxLocks, cfg.LockIdle),
		users:  make(map[string]*userEntry),
		owners: make(map[string]string),
		audit:  make([]Selection, 0, cfg.MaxAuditLog),
		stats:  Stats{Reasons: make(map[string]int)},
	}
}

// nowLocked returns wall time, strictly later than any time previously
// returned so recency ties cannot occur. Callers hold r.mu.
func (r *Registry) nowLocked() time.Time {
	t := time.Now().UTC()
	if !t.After(r.last) {
		t = r.last.Add(time.Nanosecond)
	}
	r.last = t
	return t
}

func userLockKey(userID string) string { return "user\x00" + userID }
func contextLockKey(contextID string) string { return "ctx\x00" + contextID }

// Select picks or creates the context for message and returns a Turn
// holding that context's lock. The caller must Release the Turn.
//
// Selection for one user is serialized so that concurrent messages
// cannot each create a fresh context for the same topic. The context
// lock is taken after the user lock is dropped, so a long turn on one
// context does not stall selection for the user's other contexts.
func (r *Registry) Select(ctx context.Context, userID, message, contextType string) (*Turn, error) {
	if userID == "" {
		return nil, ErrNoUser
	}
	start := time.Now()

	unlockUser, err := r.locks.Lock(ctx, userLockKey(userID))
	if err != nil {
		return nil, fmt.Errorf("select context: %w", err)
	}
	defer unlockUser()

	r.ensureLoaded(ctx, userID)
	cands := r.candidates(userID)

	sel := Selection{
		Timestamp:  start,
		UserID:     userID,
		Candidates: len(cands),
		Threshold:  r.cfg.Threshold,
	}

	if len(cands) == 0 {
		sel.Reason = ReasonNoContexts
	} else {
		scores, failures := r.scoreAll(ctx, userID, message, cands)
		sel.Scores = make(map[string]float64, len(cands))
		sel.Failures = failures

		best, bestIdx := -1.0, -1
		for i, c := range cands {
			sel.Scores[c.ID] = scores[i]
			if scores[i] > best || (scores[i] == best && c.UpdatedAt.After(cands[bestIdx].UpdatedAt)) {
				best, bestIdx = scores[i], i
			}
		}
		sel.Best = best

		switch {
		case failures == len(cands):
			sel.Reason = ReasonAllScoresFailed
		case best >= r.cfg.Threshold:
			sel.Reason = ReasonAboveThreshold
			sel.ContextID = cands[bestIdx].ID
		default:
			sel.Reason = ReasonBelowThreshold
		}
	}

	if sel.ContextID == "" {
		c := r.create(ctx, userID, message, contextType, sel.Reason)
		sel.ContextID = c.ID
		sel.Created = true
	}
	unlockUser()

	unlock, err := r.locks.Lock(ctx, contextLockKey(sel.ContextID))
	if err != nil {
		return nil, fmt.Errorf("lock context %s: %w", sel.ContextID, err)
	}

	sel.ElapsedMs = time.Since(start).Milliseconds()
	r.recordSelection(sel)
	r.logger.Debug("context selected",
		"user_id", userID,
		"context_id", sel.ContextID,
		"created", sel.Created,
		"reason", sel.Reason,
		"best", sel.Best,
		"candidates", sel.Candidates,
		"failures", sel.Failures,
	)

	return &Turn{r: r, userID: userID, contextID: sel.ContextID, sel: sel, unlock: unlock}, nil
}

// ensureLoaded reads the user's contexts from the store on first use.
// A failed load leaves the user unloaded (retried next time) and lets
// selection proceed with whatever is cached.
func (r *Registry) ensureLoaded(ctx context.Context, userID string) {
	r.mu.RLock()
	u := r.users[userID]
	loaded := u != nil && u.loaded
	r.mu.RUnlock()
	if loaded {
		return
	}

	sctx, cancel := context.WithTimeout(ctx, r.cfg.StoreTimeout)
	defer cancel()
	snaps, err := r.store.List(sctx, userID)
	if err != nil {
		r.persistenceDegraded("list", userID, "", err)
		r.countFailure(true)
		return
	}

	restored := make([]*Context, 0, len(snaps))
	for _, s := range snaps {
		c, err := fromSnapshot(s)
		if err != nil {
			r.logger.Warn("skipping unreadable checkpoint", "key", s.Key.String(), "error", err)
			continue
		}
		restored = append(restored, c)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	u = r.userLocked(userID)
	for _, c := range restored {
		if _, ok := u.contexts[c.ID]; !ok {
			u.contexts[c.ID] = c
			r.owners[c.ID] = userID
		}
	}
	u.loaded = true
}

func (r *Registry) userLocked(userID string) *userEntry {
	u, ok := r.users[userID]
	if !ok {
		u = &userEntry{contexts: make(map[string]*Context)}
		r.users[userID] = u
	}
	return u
}

type candidate struct {
	ID        string
	Summary   string
	UpdatedAt time.Time
}

func (r *Registry) candidates(userID string) []candidate {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u := r.users[userID]
	if u == nil {
		return nil
	}
	out := make([]candidate, 0, len(u.contexts))
	for _, c := range u.contexts {
		out = append(out, candidate{ID: c.ID, Summary: c.TopicSummary, UpdatedAt: c.UpdatedAt})
	}
	// Stable order for logs and tests.
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// scoreAll scores each candidate exactly once, concurrently. Failed,
// timed out or panicking calls score 0 and are counted.
func (r *Registry) scoreAll(ctx context.Context, userID, message string, cands []candidate) ([]float64, int) {
	scores := make([]float64, len(cands))
	errs := make([]error, len(cands))

	var wg sync.WaitGroup
	for i, c := range cands {
		wg.Add(1)
		go func() {
			defer wg.Done()
			scores[i], errs[i] = r.scoreOne(ctx, message, c.Summary)
		}()
	}
	wg.Wait()

	failures := 0
	for i, err := range errs {
		if err == nil {
			continue
		}
		failures++
		scores[i] = 0
		r.logger.Warn("relevance scoring failed",
			"user_id", userID,
			"context_id", cands[i].ID,
			"error", err,
		)
		r.bus.Emit(events.SourceContexts, events.KindScoreFailed, map[string]any{
			"user_id":    userID,
			"context_id": cands[i].ID,
			"error":      err.Error(),
		})
	}
	return scores, failures
}

func (r *Registry) scoreOne(ctx context.Context, message, summary string) (score float64, err error) {
	sctx, cancel := context.WithTimeout(ctx, r.cfg.ScoreTimeout)
	defer cancel()
	defer func() {
		if p := recover(); p != nil {
			score, err = 0, fmt.Errorf("scorer panic: %v", p)
		}
	}()

	s, err := r.scorer.Score(sctx, message, summary)
	if err != nil {
		return 0, err
	}
	return normalize(s)
}

// create adds a new context seeded with message and persists it.
func (r *Registry) create(ctx context.Context, userID, message, contextType, reason string) Context {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}

	r.mu.Lock()
	now := r.nowLocked()
	c := &Context{
		ID:           id.String(),
		UserID:       userID,
		CreatedAt:    now,
		UpdatedAt:    now,
		Messages:     []Message{},
		TopicSummary: summarize([]Message{{Role: RoleUser, Content: message}}, r.cfg.SummaryChars),
		Type:         contextType,
		Metadata:     map[string]string{},
	}
	r.userLocked(userID).contexts[c.ID] = c
	r.owners[c.ID] = userID
	cp := c.clone()
	r.mu.Unlock()

	r.logger.Info("context created", "user_id", userID, "context_id", cp.ID, "reason", reason)
	r.bus.Emit(events.SourceContexts, events.KindContextCreated, map[string]any{
		"user_id":    userID,
		"context_id": cp.ID,
		"reason":     reason,
	})
	r.save(ctx, &cp)
	return cp
}

// save writes c through to the store. Failures are logged and signaled,
// never returned: the in-process state stays authoritative.
func (r *Registry) save(ctx context.Context, c *Context) bool {
	snap, err := c.snapshot()
	if err == nil {
		sctx, cancel := context.WithTimeout(ctx, r.cfg.StoreTimeout)
		err = r.store.Save(sctx, snap)
		cancel()
	}
	if err != nil {
		r.persistenceDegraded("save", c.UserID, c.ID, err)
		r.countFailure(false)
		return false
	}
	return true
}

func (r *Registry) persistenceDegraded(op, userID, contextID string, err error) {
	r.logger.Warn("persistence degraded",
		"op", op,
		"backend", r.store.Name(),
		"user_id", userID,
		"context_id", contextID,
		"error", err,
	)
	r.bus.Emit(events.SourceContexts, events.KindPersistenceDegraded, map[string]any{
		"op":         op,
		"user_id":    userID,
		"context_id": contextID,
		"error":      err.Error(),
	})
}

// mutate applies fn to the cached context under the cache lock and
// returns a copy of the result. Callers hold the context lock.
func (r *Registry) mutate(userID, contextID string, fn func(c *Context, now time.Time)) (Context, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u := r.users[userID]
	if u == nil {
		return Context{}, ErrNotFound
	}
	c, ok := u.contexts[contextID]
	if !ok {
		return Context{}, ErrNotFound
	}
	fn(c, r.nowLocked())
	return c.clone(), nil
}

func (r *Registry) appendLocked(ctx context.Context, userID, contextID string, user, assistant Message, meta map[string]string) (Context, error) {
	updated, err := r.mutate(userID, contextID, func(c *Context, now time.Time) {
		user.Role, assistant.Role = RoleUser, RoleAssistant
		if user.Timestamp.IsZero() {
			user.Timestamp = now
		}
		if assistant.Timestamp.IsZero() {
			assistant.Timestamp = now
		}
		c.Messages = append(c.Messages, user, assistant)
		if now.After(c.UpdatedAt) {
			c.UpdatedAt = now
		}
		c.TopicSummary = summarize(c.Messages, r.cfg.SummaryChars)
		if len(meta) > 0 {
			if c.Metadata == nil {
				c.Metadata = make(map[string]string, len(meta))
			}
			maps.Copy(c.Metadata, meta)
		}
	})
	if err != nil {
		return Context{}, err
	}
	r.countTurn()
	r.save(ctx, &updated)
	return updated, nil
}

// AppendTurn locks contextID, appends one user and one assistant
// message, writes through, and unlocks.
func (r *Registry) AppendTurn(ctx context.Context, contextID string, user, assistant Message) (Context, error) {
	userID, err := r.owner(contextID)
	if err != nil {
		return Context{}, err
	}
	unlock, err := r.locks.Lock(ctx, contextLockKey(contextID))
	if err != nil {
		return Context{}, fmt.Errorf("lock context %s: %w", contextID, err)
	}
	defer unlock()
	return r.appendLocked(ctx, userID, contextID, user, assistant, nil)
}

// Annotate merges metadata into a context of userID and writes it
// through. Used for feedback ratings.
func (r *Registry) Annotate(ctx context.Context, userID, contextID string, meta map[string]string) (Context, error) {
	r.ensureLoaded(ctx, userID)
	if owner, err := r.owner(contextID); err != nil || owner != userID {
		return Context{}, ErrNotFound
	}
	unlock, err := r.locks.Lock(ctx, contextLockKey(contextID))
	if err != nil {
		return Context{}, fmt.Errorf("lock context %s: %w", contextID, err)
	}
	defer unlock()

	updated, err := r.mutate(userID, contextID, func(c *Context, now time.Time) {
		if c.Metadata == nil {
			c.Metadata = make(map[string]string, len(meta))
		}
		maps.Copy(c.Metadata, meta)
		if now.After(c.UpdatedAt) {
			c.UpdatedAt = now
		}
	})
	if err != nil {
		return Context{}, err
	}
	r.save(ctx, &updated)
	return updated, nil
}

func (r *Registry) owner(contextID string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	userID, ok := r.owners[contextID]
	if !ok {
		return "", ErrNotFound
	}
	return userID, nil
}

// Get returns a copy of one context of userID.
func (r *Registry) Get(ctx context.Context, userID, contextID string) (Context, error) {
	r.ensureLoaded(ctx, userID)
	r.mu.RLock()
	defer r.mu.RUnlock()
	if u := r.users[userID]; u != nil {
		if c, ok := u.contexts[contextID]; ok {
			return c.clone(), nil
		}
	}
	return Context{}, ErrNotFound
}

// List returns copies of every context of userID, most recently
// updated first.
func (r *Registry) List(ctx context.Context, userID string) []Context {
	r.ensureLoaded(ctx, userID)
	r.mu.RLock()
	u := r.users[userID]
	var out []Context
	if u != nil {
		out = make([]Context, 0, len(u.contexts))
		for _, c := range u.contexts {
			out = append(out, c.clone())
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Turn is an exclusive hold on one context for one user turn.
type Turn struct {
	r         *Registry
	userID    string
	contextID string
	sel       Selection
	unlock    func()

	mu       sync.Mutex
	appended bool
	released bool
}

// ID returns the context id.
func (t *Turn) ID() string { return t.contextID }

// Created reports whether selection created the context.
func (t *Turn) Created() bool { return t.sel.Created }

// Selection returns the audit record for this turn's selection.
func (t *Turn) Selection() Selection { return t.sel }

// Context returns a copy of the context as currently cached, including
// turns appended by earlier lock holders.
func (t *Turn) Context() Context {
	t.r.mu.RLock()
	defer t.r.mu.RUnlock()
	if u := t.r.users[t.userID]; u != nil {
		if c, ok := u.contexts[t.contextID]; ok {
			return c.clone()
		}
	}
	return Context{ID: t.contextID, UserID: t.userID}
}

// Append records the user message and assistant reply, merges meta into
// the context metadata, and writes the context through to the store. A
// failed write is logged and signaled but does not fail the turn. Append
// may be called once.
func (t *Turn) Append(ctx context.Context, user, assistant Message, meta map[string]string) (Context, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.appended || t.released {
		return Context{}, ErrTurnClosed
	}
	t.appended = true
	return t.r.appendLocked(ctx, t.userID, t.contextID, user, assistant, meta)
}

// Release drops the context lock. Safe to call more than once.
func (t *Turn) Release() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.released {
		return
	}
	t.released = true
	t.unlock()
}
