package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

// backends returns a constructor per Store implementation that can run
// without external services.
func backends(t *testing.T) map[string]func(t *testing.T) Store {
	t.Helper()
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemoryStore() },
		"sqlite3": func(t *testing.T) Store {
			s, err := NewSQLiteStore(context.Background(), "sqlite3", filepath.Join(t.TempDir(), "cp.db"))
			if err != nil {
				t.Fatalf("NewSQLiteStore(sqlite3): %v", err)
			}
			return s
		},
		"modernc": func(t *testing.T) Store {
			s, err := NewSQLiteStore(context.Background(), "sqlite", filepath.Join(t.TempDir(), "cp.db"))
			if err != nil {
				t.Fatalf("NewSQLiteStore(sqlite): %v", err)
			}
			return s
		},
		"bolt": func(t *testing.T) Store {
			s, err := NewBoltStore(filepath.Join(t.TempDir(), "cp.bolt"))
			if err != nil {
				t.Fatalf("NewBoltStore: %v", err)
			}
			return s
		},
	}
}

func snap(user, ctxID string, version int, data string) *Snapshot {
	return &Snapshot{
		Key:     Key{UserID: user, ContextID: ctxID},
		Version: version,
		SavedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Data:    json.RawMessage(data),
	}
}

func TestStoreContract(t *testing.T) {
	ctx := context.Background()
	for name, newStore := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			defer s.Close()

			if err := s.Ping(ctx); err != nil {
				t.Fatalf("Ping: %v", err)
			}

			missing, err := s.Load(ctx, Key{UserID: "u1", ContextID: "nope"})
			if err != nil || missing != nil {
				t.Fatalf("Load(absent) = %v, %v; want nil, nil", missing, err)
			}

			if err := s.Save(ctx, snap("u1", "ctx_b", 1, `{"messages":[]}`)); err != nil {
				t.Fatalf("Save: %v", err)
			}
			if err := s.Save(ctx, snap("u1", "ctx_a", 1, `{"n":1}`)); err != nil {
				t.Fatalf("Save: %v", err)
			}
			if err := s.Save(ctx, snap("u2", "ctx_c", 1, `{}`)); err != nil {
				t.Fatalf("Save: %v", err)
			}

			// Overwrite bumps version and data.
			if err := s.Save(ctx, snap("u1", "ctx_a", 2, `{"n":2}`)); err != nil {
				t.Fatalf("Save overwrite: %v", err)
			}
			got, err := s.Load(ctx, Key{UserID: "u1", ContextID: "ctx_a"})
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if got == nil || got.Version != 2 || string(got.Data) != `{"n":2}` {
				t.Fatalf("Load = %+v, want version 2 data {\"n\":2}", got)
			}
			if !got.SavedAt.Equal(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)) {
				t.Errorf("SavedAt = %v", got.SavedAt)
			}

			list, err := s.List(ctx, "u1")
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			if len(list) != 2 {
				t.Fatalf("List(u1) returned %d snapshots, want 2", len(list))
			}
			if list[0].Key.ContextID != "ctx_a" || list[1].Key.ContextID != "ctx_b" {
				t.Errorf("List order = %s, %s", list[0].Key.ContextID, list[1].Key.ContextID)
			}

			if err := s.Delete(ctx, Key{UserID: "u1", ContextID: "ctx_a"}); err != nil {
				t.Fatalf("Delete: %v", err)
			}
			if err := s.Delete(ctx, Key{UserID: "u1", ContextID: "ctx_a"}); err != nil {
				t.Fatalf("Delete(absent): %v", err)
			}
			if err := s.Delete(ctx, Key{UserID: "ghost", ContextID: "x"}); err != nil {
				t.Fatalf("Delete(unknown user): %v", err)
			}
			list, err = s.List(ctx, "u1")
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			if len(list) != 1 {
				t.Errorf("List after delete returned %d, want 1", len(list))
			}

			empty, err := s.List(ctx, "nobody")
			if err != nil || len(empty) != 0 {
				t.Errorf("List(nobody) = %v, %v", empty, err)
			}
		})
	}
}

func TestStoreRejectsIncompleteKey(t *testing.T) {
	ctx := context.Background()
	for name, newStore := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			defer s.Close()

			err := s.Save(ctx, snap("", "ctx", 1, `{}`))
			var se *StoreError
			if !errors.As(err, &se) {
				t.Fatalf("Save(empty user) error = %v, want *StoreError", err)
			}
			if se.Op != "save" || se.Backend != s.Name() {
				t.Errorf("StoreError = %+v", se)
			}
		})
	}
}

func TestStoreOpaqueIDs(t *testing.T) {
	ctx := context.Background()
	for name, newStore := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			defer s.Close()

			// Both keys render as "guild/alice/c1".
			nested := snap("guild/alice", "c1", 1, `{"who":"alice"}`)
			split := snap("guild", "alice/c1", 1, `{"who":"guild"}`)
			for _, in := range []*Snapshot{nested, split} {
				if err := s.Save(ctx, in); err != nil {
					t.Fatalf("Save(%s): %v", in.Key, err)
				}
			}

			got, err := s.Load(ctx, nested.Key)
			if err != nil || got == nil || string(got.Data) != `{"who":"alice"}` {
				t.Fatalf("Load(%s) = %+v, %v", nested.Key, got, err)
			}
			list, err := s.List(ctx, "guild/alice")
			if err != nil || len(list) != 1 || list[0].Key != nested.Key {
				t.Errorf("List(guild/alice) = %+v, %v", list, err)
			}
			list, err = s.List(ctx, "guild")
			if err != nil || len(list) != 1 || list[0].Key != split.Key {
				t.Errorf("List(guild) = %+v, %v", list, err)
			}
		})
	}
}

func TestMongoDocIDIsCompound(t *testing.T) {
	a := idOf(Key{UserID: "guild/alice", ContextID: "c1"})
	b := idOf(Key{UserID: "guild", ContextID: "alice/c1"})
	if a == b {
		t.Errorf("distinct keys share document id %+v", a)
	}
}

func TestStoreDurableAcrossReopen(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		name string
		open func(path string) (Store, error)
	}{
		{"sqlite", func(p string) (Store, error) { return NewSQLiteStore(ctx, "sqlite", p) }},
		{"bolt", func(p string) (Store, error) { return NewBoltStore(p) }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "state")
			s, err := tc.open(path)
			if err != nil {
				t.Fatalf("open: %v", err)
			}
			if err := s.Save(ctx, snap("alice", "ctx_1", 3, `{"topic":"grapple"}`)); err != nil {
				t.Fatalf("Save: %v", err)
			}
			if err := s.Close(); err != nil {
				t.Fatalf("Close: %v", err)
			}

			s, err = tc.open(path)
			if err != nil {
				t.Fatalf("reopen: %v", err)
			}
			defer s.Close()
			got, err := s.Load(ctx, Key{UserID: "alice", ContextID: "ctx_1"})
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if got == nil || got.Version != 3 || string(got.Data) != `{"topic":"grapple"}` {
				t.Errorf("Load after reopen = %+v", got)
			}
		})
	}
}

func TestMemoryStoreCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	in := snap("u", "c", 1, `{"a":1}`)
	if err := s.Save(ctx, in); err != nil {
		t.Fatal(err)
	}
	in.Data[2] = 'X'

	got, _ := s.Load(ctx, in.Key)
	if string(got.Data) != `{"a":1}` {
		t.Errorf("stored data mutated through caller buffer: %s", got.Data)
	}
	got.Data[2] = 'Y'
	again, _ := s.Load(ctx, in.Key)
	if string(again.Data) != `{"a":1}` {
		t.Errorf("stored data mutated through loaded buffer: %s", again.Data)
	}
}

func TestMemoryStoreClosed(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.Close()
	if err := s.Save(ctx, snap("u", "c", 1, `{}`)); !errors.Is(err, ErrClosed) {
		t.Errorf("Save after Close = %v, want ErrClosed", err)
	}
	if err := s.Ping(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("Ping after Close = %v, want ErrClosed", err)
	}
}

func TestStoreErrorTimeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-ctx.Done()

	_, err := NewMemoryStore().Load(ctx, Key{UserID: "u", ContextID: "c"})
	var se *StoreError
	if !errors.As(err, &se) || !se.Timeout() {
		t.Fatalf("Load with expired context = %v, want timeout StoreError", err)
	}
}

func TestKeyValidate(t *testing.T) {
	tests := []struct {
		key     Key
		wantErr bool
	}{
		{Key{UserID: "u", ContextID: "c"}, false},
		{Key{UserID: "", ContextID: "c"}, true},
		{Key{UserID: "u", ContextID: ""}, true},
		{Key{UserID: "a/b", ContextID: "c"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.key.String(), func(t *testing.T) {
			if err := tt.key.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestUnsupportedSQLiteDriver(t *testing.T) {
	_, err := NewSQLiteStore(context.Background(), "postgres", filepath.Join(t.TempDir(), "x.db"))
	if err == nil {
		t.Fatal("expected error for unsupported driver")
	}
}
