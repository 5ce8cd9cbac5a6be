package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// docID is the compound _id of a checkpoint document. Field order is
// part of the identity, so filters are built from the same struct.
type docID struct {
	UserID    string `bson:"user_id"`
	ContextID string `bson:"context_id"`
}

func idOf(k Key) docID { return docID{UserID: k.UserID, ContextID: k.ContextID} }

// checkpointDoc is the document shape in the checkpoint collection.
// The _id is the (user, context) pair so replaces are idempotent per
// context whatever characters the ids contain.
type checkpointDoc struct {
	ID        docID     `bson:"_id"`
	UserID    string    `bson:"user_id"`
	ContextID string    `bson:"context_id"`
	Version   int       `bson:"version"`
	SavedAt   time.Time `bson:"saved_at"`
	StateGz   []byte    `bson:"state_gz"`
}

// MongoStore persists snapshots in a MongoDB collection.
type MongoStore struct {
	client *mongo.Client
	coll   *mongo.Collection
}

// NewMongoStore connects to uri, verifies the server answers a ping
// within the context deadline, and ensures the user_id index exists.
func NewMongoStore(ctx context.Context, uri, database, collection string) (*MongoStore, error) {
	opts := options.Client().ApplyURI(uri)
	if dl, ok := ctx.Deadline(); ok {
		opts.SetServerSelectionTimeout(time.Until(dl))
	}
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping: %w", err)
	}

	coll := client.Database(database).Collection(collection)
	_, err = coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "user_id", Value: 1}},
	})
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("create index: %w", err)
	}
	return &MongoStore{client: client, coll: coll}, nil
}

// Name implements Store.
func (m *MongoStore) Name() string { return "mongo" }

// Load implements Store.
func (m *MongoStore) Load(ctx context.Context, key Key) (*Snapshot, error) {
	var doc checkpointDoc
	err := m.coll.FindOne(ctx, bson.M{"_id": idOf(key)}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr(m.Name(), "load", key, err)
	}
	snap, err := docSnapshot(doc)
	if err != nil {
		return nil, storeErr(m.Name(), "load", key, err)
	}
	return snap, nil
}

// Save implements Store.
func (m *MongoStore) Save(ctx context.Context, snap *Snapshot) error {
	if err := snap.Key.Validate(); err != nil {
		return storeErr(m.Name(), "save", snap.Key, err)
	}
	blob, err := compress(snap.Data)
	if err != nil {
		return storeErr(m.Name(), "save", snap.Key, err)
	}
	doc := checkpointDoc{
		ID:        idOf(snap.Key),
		UserID:    snap.Key.UserID,
		ContextID: snap.Key.ContextID,
		Version:   snap.Version,
		SavedAt:   snap.SavedAt.UTC(),
		StateGz:   blob,
	}
	_, err = m.coll.ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc, options.Replace().SetUpsert(true))
	return storeErr(m.Name(), "save", snap.Key, err)
}

// Delete implements Store.
func (m *MongoStore) Delete(ctx context.Context, key Key) error {
	_, err := m.coll.DeleteOne(ctx, bson.M{"_id": idOf(key)})
	return storeErr(m.Name(), "delete", key, err)
}

// List implements Store. Snapshots are ordered by context id.
func (m *MongoStore) List(ctx context.Context, userID string) ([]*Snapshot, error) {
	lk := Key{UserID: userID}
	cur, err := m.coll.Find(ctx, bson.M{"user_id": userID},
		options.Find().SetSort(bson.D{{Key: "context_id", Value: 1}}))
	if err != nil {
		return nil, storeErr(m.Name(), "list", lk, err)
	}
	var docs []checkpointDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, storeErr(m.Name(), "list", lk, err)
	}
	out := make([]*Snapshot, 0, len(docs))
	for _, d := range docs {
		snap, err := docSnapshot(d)
		if err != nil {
			return nil, storeErr(m.Name(), "list", lk, err)
		}
		out = append(out, snap)
	}
	return out, nil
}

// Ping implements Store.
func (m *MongoStore) Ping(ctx context.Context) error {
	return m.client.Ping(ctx, readpref.Primary())
}

// Close implements Store.
func (m *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}

func docSnapshot(d checkpointDoc) (*Snapshot, error) {
	data, err := decompress(d.StateGz)
	if err != nil {
		return nil, err
	}
	return &Snapshot{
		Key:     Key{UserID: d.UserID, ContextID: d.ContextID},
		Version: d.Version,
		SavedAt: d.SavedAt,
		Data:    data,
	}, nil
}
