package checkpoint

import (
	"context"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// BoltStore persists snapshots in a bbolt file with one bucket per user.
// Values are gzip-compressed JSON snapshots.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if needed) the bbolt database at path.
// A second process holding the file lock makes this fail after a
// one-second wait instead of blocking forever.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt %s: %w", path, err)
	}
	return &BoltStore{db: db}, nil
}

// Name implements Store.
func (b *BoltStore) Name() string { return "bolt" }

// Load implements Store.
func (b *BoltStore) Load(ctx context.Context, key Key) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, storeErr(b.Name(), "load", key, err)
	}
	var blob []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(key.UserID))
		if bucket == nil {
			return nil
		}
		if v := bucket.Get([]byte(key.ContextID)); v != nil {
			// Values are only valid inside the transaction.
			blob = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, storeErr(b.Name(), "load", key, err)
	}
	if blob == nil {
		return nil, nil
	}
	snap, err := decodeSnapshot(blob)
	if err != nil {
		return nil, storeErr(b.Name(), "load", key, err)
	}
	return snap, nil
}

// Save implements Store.
func (b *BoltStore) Save(ctx context.Context, snap *Snapshot) error {
	if err := snap.Key.Validate(); err != nil {
		return storeErr(b.Name(), "save", snap.Key, err)
	}
	if err := ctx.Err(); err != nil {
		return storeErr(b.Name(), "save", snap.Key, err)
	}
	blob, err := encodeSnapshot(snap)
	if err != nil {
		return storeErr(b.Name(), "save", snap.Key, err)
	}
	err = b.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists([]byte(snap.Key.UserID))
		if err != nil {
			return err
		}
		return bucket.Put([]byte(snap.Key.ContextID), blob)
	})
	return storeErr(b.Name(), "save", snap.Key, err)
}

// Delete implements Store.
func (b *BoltStore) Delete(ctx context.Context, key Key) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(key.UserID))
		if bucket == nil {
			return nil
		}
		return bucket.Delete([]byte(key.ContextID))
	})
	return storeErr(b.Name(), "delete", key, err)
}

// List implements Store. Bolt iterates keys in byte order, so snapshots
// come back ordered by context id.
func (b *BoltStore) List(ctx context.Context, userID string) ([]*Snapshot, error) {
	lk := Key{UserID: userID}
	if err := ctx.Err(); err != nil {
		return nil, storeErr(b.Name(), "list", lk, err)
	}
	var out []*Snapshot
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(userID))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(_, v []byte) error {
			snap, err := decodeSnapshot(v)
			if err != nil {
				return err
			}
			out = append(out, snap)
			return nil
		})
	})
	if err != nil {
		return nil, storeErr(b.Name(), "list", lk, err)
	}
	return out, nil
}

// Ping implements Store.
func (b *BoltStore) Ping(ctx context.Context) error {
	return b.db.View(func(*bolt.Tx) error { return nil })
}

// Close implements Store.
func (b *BoltStore) Close() error {
	return b.db.Close()
}
