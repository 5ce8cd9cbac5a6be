package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// SQLiteStore persists snapshots in a single SQLite file. The snapshot
// data column is gzip-compressed JSON; version and timestamp live in
// their own columns so they can be inspected without decompressing.
type SQLiteStore struct {
	db     *sql.DB
	driver string
}

// NewSQLiteStore opens (creating if needed) the database at path using
// the named database/sql driver: "sqlite3" for mattn/go-sqlite3 or
// "sqlite" for the pure-Go modernc driver.
func NewSQLiteStore(ctx context.Context, driver, path string) (*SQLiteStore, error) {
	if driver == "" {
		driver = "sqlite3"
	}
	if driver != "sqlite3" && driver != "sqlite" {
		return nil, fmt.Errorf("unsupported sqlite driver %q", driver)
	}
	db, err := sql.Open(driver, path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite serializes writers; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, driver: driver}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS checkpoints (
		user_id    TEXT NOT NULL,
		context_id TEXT NOT NULL,
		version    INTEGER NOT NULL,
		saved_at   TEXT NOT NULL,
		state_gz   BLOB NOT NULL,
		PRIMARY KEY (user_id, context_id)
	);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Name implements Store.
func (s *SQLiteStore) Name() string { return "sqlite" }

// Driver returns the database/sql driver name in use.
func (s *SQLiteStore) Driver() string { return s.driver }

// Load implements Store.
func (s *SQLiteStore) Load(ctx context.Context, key Key) (*Snapshot, error) {
	var (
		version int
		savedAt string
		blob    []byte
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT version, saved_at, state_gz FROM checkpoints WHERE user_id = ? AND context_id = ?`,
		key.UserID, key.ContextID,
	).Scan(&version, &savedAt, &blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr(s.Name(), "load", key, err)
	}
	snap, err := rowSnapshot(key, version, savedAt, blob)
	if err != nil {
		return nil, storeErr(s.Name(), "load", key, err)
	}
	return snap, nil
}

// Save implements Store. Existing rows for the key are replaced.
func (s *SQLiteStore) Save(ctx context.Context, snap *Snapshot) error {
	if err := snap.Key.Validate(); err != nil {
		return storeErr(s.Name(), "save", snap.Key, err)
	}
	blob, err := compress(snap.Data)
	if err != nil {
		return storeErr(s.Name(), "save", snap.Key, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (user_id, context_id, version, saved_at, state_gz)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (user_id, context_id) DO UPDATE
		 SET version = excluded.version, saved_at = excluded.saved_at, state_gz = excluded.state_gz`,
		snap.Key.UserID, snap.Key.ContextID, snap.Version,
		snap.SavedAt.UTC().Format(time.RFC3339Nano), blob,
	)
	return storeErr(s.Name(), "save", snap.Key, err)
}

// Delete implements Store.
func (s *SQLiteStore) Delete(ctx context.Context, key Key) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM checkpoints WHERE user_id = ? AND context_id = ?`,
		key.UserID, key.ContextID,
	)
	return storeErr(s.Name(), "delete", key, err)
}

// List implements Store. Snapshots are ordered by context id.
func (s *SQLiteStore) List(ctx context.Context, userID string) ([]*Snapshot, error) {
	lk := Key{UserID: userID}
	rows, err := s.db.QueryContext(ctx,
		`SELECT context_id, version, saved_at, state_gz FROM checkpoints WHERE user_id = ? ORDER BY context_id`,
		userID,
	)
	if err != nil {
		return nil, storeErr(s.Name(), "list", lk, err)
	}
	defer rows.Close()

	var out []*Snapshot
	for rows.Next() {
		var (
			contextID string
			version   int
			savedAt   string
			blob      []byte
		)
		if err := rows.Scan(&contextID, &version, &savedAt, &blob); err != nil {
			return nil, storeErr(s.Name(), "list", lk, err)
		}
		snap, err := rowSnapshot(Key{UserID: userID, ContextID: contextID}, version, savedAt, blob)
		if err != nil {
			return nil, storeErr(s.Name(), "list", lk, err)
		}
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr(s.Name(), "list", lk, err)
	}
	return out, nil
}

// Ping implements Store.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func rowSnapshot(key Key, version int, savedAt string, blob []byte) (*Snapshot, error) {
	data, err := decompress(blob)
	if err != nil {
		return nil, err
	}
	ts, err := time.Parse(time.RFC3339Nano, savedAt)
	if err != nil {
		return nil, fmt.Errorf("parse saved_at %q: %w", savedAt, err)
	}
	return &Snapshot{Key: key, Version: version, SavedAt: ts, Data: data}, nil
}
