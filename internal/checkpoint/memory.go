package checkpoint

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps snapshots in process memory. It is the last link of
// the fallback chain: always available, never durable.
type MemoryStore struct {
	mu     sync.RWMutex
	users  map[string]map[string]*Snapshot
	closed bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{users: make(map[string]map[string]*Snapshot)}
}

// Name implements Store.
func (m *MemoryStore) Name() string { return "memory" }

// Load implements Store.
func (m *MemoryStore) Load(ctx context.Context, key Key) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, storeErr(m.Name(), "load", key, err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, storeErr(m.Name(), "load", key, ErrClosed)
	}
	return m.users[key.UserID][key.ContextID].Clone(), nil
}

// Save implements Store.
func (m *MemoryStore) Save(ctx context.Context, snap *Snapshot) error {
	if err := snap.Key.Validate(); err != nil {
		return storeErr(m.Name(), "save", snap.Key, err)
	}
	if err := ctx.Err(); err != nil {
		return storeErr(m.Name(), "save", snap.Key, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return storeErr(m.Name(), "save", snap.Key, ErrClosed)
	}
	byCtx, ok := m.users[snap.Key.UserID]
	if !ok {
		byCtx = make(map[string]*Snapshot)
		m.users[snap.Key.UserID] = byCtx
	}
	byCtx[snap.Key.ContextID] = snap.Clone()
	return nil
}

// Delete implements Store.
func (m *MemoryStore) Delete(ctx context.Context, key Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return storeErr(m.Name(), "delete", key, ErrClosed)
	}
	if byCtx, ok := m.users[key.UserID]; ok {
		delete(byCtx, key.ContextID)
		if len(byCtx) == 0 {
			delete(m.users, key.UserID)
		}
	}
	return nil
}

// List implements Store. Snapshots are ordered by context id.
func (m *MemoryStore) List(ctx context.Context, userID string) ([]*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, storeErr(m.Name(), "list", Key{UserID: userID}, err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, storeErr(m.Name(), "list", Key{UserID: userID}, ErrClosed)
	}
	byCtx := m.users[userID]
	out := make([]*Snapshot, 0, len(byCtx))
	for _, s := range byCtx {
		out = append(out, s.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.ContextID < out[j].Key.ContextID })
	return out, nil
}

// Ping implements Store.
func (m *MemoryStore) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

// Close implements Store.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
