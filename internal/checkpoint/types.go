// Package checkpoint provides durable, keyed persistence of conversation
// state behind a single [Store] contract with interchangeable backends:
// process memory, single-file embedded databases (SQLite or bbolt), and
// a networked MongoDB document store. [Open] selects a backend at startup
// using a deterministic fallback order.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Key identifies one checkpoint: the conversation context of a user.
type Key struct {
	UserID    string `json:"user_id"`
	ContextID string `json:"context_id"`
}

// String renders the key as "user/context" for logs and errors. Both
// ids are opaque and may themselves contain '/'; backends never parse
// this form.
func (k Key) String() string {
	return k.UserID + "/" + k.ContextID
}

// Validate reports whether both halves of the key are usable.
func (k Key) Validate() error {
	if k.UserID == "" || k.ContextID == "" {
		return fmt.Errorf("incomplete checkpoint key %q", k.String())
	}
	return nil
}

// Snapshot is the durable form of a conversation context. Data holds
// the JSON document owned by the caller; backends store it opaquely.
type Snapshot struct {
	Key     Key             `json:"key"`
	Version int             `json:"version"`
	SavedAt time.Time       `json:"saved_at"`
	Data    json.RawMessage `json:"data"`
}

// Clone returns a deep copy so callers never share Data buffers with a
// backend.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	cp := *s
	cp.Data = append(json.RawMessage(nil), s.Data...)
	return &cp
}

// Store is the contract every checkpoint backend satisfies. Save must be
// safe to call concurrently for different keys; ordering of saves for
// the same key is the caller's responsibility.
type Store interface {
	// Load returns the snapshot for key, or (nil, nil) if none exists.
	Load(ctx context.Context, key Key) (*Snapshot, error)
	// Save inserts or replaces the snapshot for snap.Key.
	Save(ctx context.Context, snap *Snapshot) error
	// Delete removes the snapshot for key. Absent keys are not an error.
	Delete(ctx context.Context, key Key) error
	// List returns every snapshot belonging to userID.
	List(ctx context.Context, userID string) ([]*Snapshot, error)
	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error
	// Close releases the backend's resources.
	Close() error
	// Name identifies the backend in logs and health output.
	Name() string
}

// ErrClosed is returned by operations on a closed backend.
var ErrClosed = errors.New("checkpoint store closed")

// ErrDegraded marks startup that settled on a less durable backend than
// the one configured.
var ErrDegraded = errors.New("checkpoint durability degraded")

// StoreError wraps a backend failure with the operation and key that
// caused it.
type StoreError struct {
	Backend string
	Op      string
	Key     string
	Err     error
}

func (e *StoreError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("checkpoint %s %s %s: %v", e.Backend, e.Op, e.Key, e.Err)
	}
	return fmt.Sprintf("checkpoint %s %s: %v", e.Backend, e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// Timeout reports whether the failure was a deadline expiry.
func (e *StoreError) Timeout() bool {
	return errors.Is(e.Err, context.DeadlineExceeded)
}

func storeErr(backend, op string, key Key, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Backend: backend, Op: op, Key: key.String(), Err: err}
}
