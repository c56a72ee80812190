// Package mongostore implements store.ThreadStore on top of MongoDB,
// following the same thin client-wrapping shape the teacher uses for its
// memory and run history backends: a narrow collection interface for
// testability, upsert-by-id for the latest snapshot, and a separate
// append-only collection for checkpoint history.
package mongostore

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/hpd-agent/core/store"
	"github.com/hpd-agent/core/thread"
)

const (
	defaultSnapshotCollection   = "thread_snapshots"
	defaultCheckpointCollection = "thread_checkpoints"
	defaultTimeout              = 5 * time.Second
)

// Options configures the Store.
type Options struct {
	// Client is the connected Mongo client. Required.
	Client *mongo.Client
	// Database names the database snapshot/checkpoint collections live in.
	// Required.
	Database string
	// SnapshotCollection overrides the default "thread_snapshots" name.
	SnapshotCollection string
	// CheckpointCollection overrides the default "thread_checkpoints" name.
	CheckpointCollection string
	// Timeout bounds every operation; defaults to 5s.
	Timeout time.Duration
}

// collection is the subset of *mongo.Collection this adapter consumes,
// letting tests substitute a fake without a live Mongo deployment.
type collection interface {
	FindOne(ctx context.Context, filter any) singleResult
	UpdateOne(ctx context.Context, filter, update any, upsert bool) error
	InsertOne(ctx context.Context, doc any) error
	Find(ctx context.Context, filter any, sortByDesc string) (cursor, error)
	DeleteOne(ctx context.Context, filter any) error
	DeleteMany(ctx context.Context, filter any) error
	EnsureIndex(ctx context.Context, keys bson.D) error
}

type singleResult interface {
	Decode(val any) error
}

type cursor interface {
	All(ctx context.Context, results any) error
	Close(ctx context.Context) error
}

// Store implements store.ThreadStore over two Mongo collections: one
// holding the latest snapshot per thread (upserted), one holding an
// append-only checkpoint history for ListCheckpoints.
type Store struct {
	snapshots   collection
	checkpoints collection
	timeout     time.Duration
}

// New builds a Store from a connected Mongo client, ensuring the indexes
// ThreadStore's id-based lookups depend on exist.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongostore: client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("mongostore: database is required")
	}
	snapshotColl := opts.SnapshotCollection
	if snapshotColl == "" {
		snapshotColl = defaultSnapshotCollection
	}
	checkpointColl := opts.CheckpointCollection
	if checkpointColl == "" {
		checkpointColl = defaultCheckpointCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	db := opts.Client.Database(opts.Database)
	return newStoreWithCollections(
		mongoCollection{coll: db.Collection(snapshotColl)},
		mongoCollection{coll: db.Collection(checkpointColl)},
		timeout,
	)
}

func newStoreWithCollections(snapshots, checkpoints collection, timeout time.Duration) (*Store, error) {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	s := &Store{snapshots: snapshots, checkpoints: checkpoints, timeout: timeout}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := checkpoints.EnsureIndex(ctx, bson.D{{Key: "thread_id", Value: 1}, {Key: "saved_at", Value: -1}}); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) SaveSnapshot(ctx context.Context, snap thread.ThreadSnapshot, checkpointID string) error {
	if snap.ID == "" {
		return errors.New("mongostore: snapshot id is required")
	}
	if checkpointID == "" {
		return errors.New("mongostore: checkpoint id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	doc := encodeSnapshot(snap.ID, snap)
	if err := s.snapshots.UpdateOne(ctx, bson.M{"_id": snap.ID}, bson.M{"$set": doc}, true); err != nil {
		return s.classifyWriteErr(err)
	}

	iteration := 0
	if snap.LoopState != nil {
		iteration = snap.LoopState.Iteration
	}
	record := checkpointDoc{
		CheckpointID: checkpointID,
		ThreadID:     snap.ID,
		Iteration:    iteration,
		SavedAt:      time.Now().UTC(),
	}
	if err := s.checkpoints.InsertOne(ctx, record); err != nil {
		return s.classifyWriteErr(err)
	}
	return nil
}

// classifyWriteErr distinguishes fatal persistence failures (the checkpoint
// collection rejecting or refusing the write) from transient ones (context
// deadlines, which the caller may retry on the next checkpoint). Only the
// former is wrapped in a *store.DurableError: per store.ThreadStore's
// contract, the loop driver treats that as fatal, so a deadline that will
// likely succeed on the next periodic checkpoint must not trip it.
func (s *Store) classifyWriteErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	return &store.DurableError{Err: err}
}

func (s *Store) LoadSnapshot(ctx context.Context, threadID string) (thread.ThreadSnapshot, error) {
	if threadID == "" {
		return thread.ThreadSnapshot{}, errors.New("mongostore: thread id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var doc snapshotDoc
	err := s.snapshots.FindOne(ctx, bson.M{"_id": threadID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return thread.ThreadSnapshot{}, store.ErrNotFound
		}
		return thread.ThreadSnapshot{}, err
	}
	return decodeSnapshot(doc), nil
}

func (s *Store) ListCheckpoints(ctx context.Context, threadID string) ([]store.CheckpointRecord, error) {
	if threadID == "" {
		return nil, errors.New("mongostore: thread id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	cur, err := s.checkpoints.Find(ctx, bson.M{"thread_id": threadID}, "saved_at")
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var docs []checkpointDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]store.CheckpointRecord, len(docs))
	for i, d := range docs {
		out[i] = store.CheckpointRecord{
			CheckpointID: d.CheckpointID,
			ThreadID:     d.ThreadID,
			Iteration:    d.Iteration,
			SavedAt:      d.SavedAt,
		}
	}
	return out, nil
}

func (s *Store) Delete(ctx context.Context, threadID string) error {
	if threadID == "" {
		return errors.New("mongostore: thread id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.snapshots.DeleteOne(ctx, bson.M{"_id": threadID}); err != nil {
		return err
	}
	return s.checkpoints.DeleteMany(ctx, bson.M{"thread_id": threadID})
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, s.timeout)
}

type checkpointDoc struct {
	CheckpointID string    `bson:"checkpoint_id"`
	ThreadID     string    `bson:"thread_id"`
	Iteration    int       `bson:"iteration"`
	SavedAt      time.Time `bson:"saved_at"`
}

// mongoCollection adapts *mongo.Collection to the collection interface.
type mongoCollection struct {
	coll *mongo.Collection
}

func (c mongoCollection) FindOne(ctx context.Context, filter any) singleResult {
	return c.coll.FindOne(ctx, filter)
}

func (c mongoCollection) UpdateOne(ctx context.Context, filter, update any, upsert bool) error {
	opts := options.UpdateOne()
	if upsert {
		opts = opts.SetUpsert(true)
	}
	_, err := c.coll.UpdateOne(ctx, filter, update, opts)
	return err
}

func (c mongoCollection) InsertOne(ctx context.Context, doc any) error {
	_, err := c.coll.InsertOne(ctx, doc)
	return err
}

func (c mongoCollection) Find(ctx context.Context, filter any, sortByDesc string) (cursor, error) {
	opts := options.Find().SetSort(bson.D{{Key: sortByDesc, Value: -1}})
	cur, err := c.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	return cur, nil
}

func (c mongoCollection) DeleteOne(ctx context.Context, filter any) error {
	_, err := c.coll.DeleteOne(ctx, filter)
	return err
}

func (c mongoCollection) DeleteMany(ctx context.Context, filter any) error {
	_, err := c.coll.DeleteMany(ctx, filter)
	return err
}

func (c mongoCollection) EnsureIndex(ctx context.Context, keys bson.D) error {
	_, err := c.coll.Indexes().CreateOne(ctx, mongo.IndexModel{Keys: keys})
	return err
}

var _ store.ThreadStore = (*Store)(nil)
var _ collection = mongoCollection{}
