package mongostore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/hpd-agent/core/store"
	"github.com/hpd-agent/core/thread"
)

type fakeCollection struct {
	docs       map[string]any
	insertErr  error
	updateErr  error
	findErr    error
	inserted   []any
	indexKeys  []bson.D
}

func newFakeCollection() *fakeCollection {
	return &fakeCollection{docs: make(map[string]any)}
}

func (f *fakeCollection) FindOne(_ context.Context, filter any) singleResult {
	id, _ := filter.(bson.M)["_id"].(string)
	doc, ok := f.docs[id]
	return fakeSingleResult{doc: doc, found: ok}
}

func (f *fakeCollection) UpdateOne(_ context.Context, filter, update any, upsert bool) error {
	if f.updateErr != nil {
		return f.updateErr
	}
	id, _ := filter.(bson.M)["_id"].(string)
	set := update.(bson.M)["$set"]
	f.docs[id] = set
	return nil
}

func (f *fakeCollection) InsertOne(_ context.Context, doc any) error {
	if f.insertErr != nil {
		return f.insertErr
	}
	f.inserted = append(f.inserted, doc)
	return nil
}

func (f *fakeCollection) Find(_ context.Context, filter any, _ string) (cursor, error) {
	if f.findErr != nil {
		return nil, f.findErr
	}
	threadID, _ := filter.(bson.M)["thread_id"].(string)
	var matched []checkpointDoc
	for _, v := range f.inserted {
		cp, ok := v.(checkpointDoc)
		if ok && cp.ThreadID == threadID {
			matched = append(matched, cp)
		}
	}
	return &fakeCursor{docs: matched}, nil
}

func (f *fakeCollection) DeleteOne(_ context.Context, filter any) error {
	id, _ := filter.(bson.M)["_id"].(string)
	delete(f.docs, id)
	return nil
}

func (f *fakeCollection) DeleteMany(_ context.Context, filter any) error {
	threadID, _ := filter.(bson.M)["thread_id"].(string)
	kept := f.inserted[:0]
	for _, v := range f.inserted {
		if cp, ok := v.(checkpointDoc); ok && cp.ThreadID == threadID {
			continue
		}
		kept = append(kept, v)
	}
	f.inserted = kept
	return nil
}

func (f *fakeCollection) EnsureIndex(_ context.Context, keys bson.D) error {
	f.indexKeys = append(f.indexKeys, keys)
	return nil
}

type fakeSingleResult struct {
	doc   any
	found bool
}

func (r fakeSingleResult) Decode(val any) error {
	if !r.found {
		return mongo.ErrNoDocuments
	}
	out, ok := val.(*snapshotDoc)
	if !ok {
		return errors.New("fakeSingleResult: unexpected decode target")
	}
	src, ok := r.doc.(snapshotDoc)
	if !ok {
		return errors.New("fakeSingleResult: stored doc is not a snapshotDoc")
	}
	*out = src
	return nil
}

type fakeCursor struct{ docs []checkpointDoc }

func (c *fakeCursor) All(_ context.Context, results any) error {
	out := results.(*[]checkpointDoc)
	*out = c.docs
	return nil
}

func (c *fakeCursor) Close(_ context.Context) error { return nil }

func newTestStore(snapshots, checkpoints *fakeCollection) *Store {
	s, err := newStoreWithCollections(snapshots, checkpoints, time.Second)
	if err != nil {
		panic(err)
	}
	return s
}

func TestSaveAndLoadSnapshotRoundTrips(t *testing.T) {
	snapshots, checkpoints := newFakeCollection(), newFakeCollection()
	s := newTestStore(snapshots, checkpoints)

	snap := thread.ThreadSnapshot{
		ID: "thread-1",
		Messages: []thread.Message{
			{Role: thread.RoleUser, Parts: []thread.Part{thread.TextPart{Text: "hi"}}},
		},
		LoopState: &thread.LoopState{Iteration: 2, IterationCap: 10},
	}
	err := s.SaveSnapshot(context.Background(), snap, "chk-1")
	require.NoError(t, err)

	loaded, err := s.LoadSnapshot(context.Background(), "thread-1")
	require.NoError(t, err)
	require.Equal(t, "thread-1", loaded.ID)
	require.Len(t, loaded.Messages, 1)
	require.Equal(t, "hi", loaded.Messages[0].Text())
	require.NotNil(t, loaded.LoopState)
	require.Equal(t, 2, loaded.LoopState.Iteration)
}

func TestLoadSnapshotReturnsNotFound(t *testing.T) {
	s := newTestStore(newFakeCollection(), newFakeCollection())
	_, err := s.LoadSnapshot(context.Background(), "missing")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestSaveSnapshotWrapsWriteFailureAsDurable(t *testing.T) {
	snapshots := newFakeCollection()
	snapshots.updateErr = errors.New("write concern timed out")
	s := newTestStore(snapshots, newFakeCollection())

	err := s.SaveSnapshot(context.Background(), thread.ThreadSnapshot{ID: "thread-1"}, "chk-1")
	require.Error(t, err)
	require.True(t, store.IsDurable(err))
}

func TestSaveSnapshotRequiresID(t *testing.T) {
	s := newTestStore(newFakeCollection(), newFakeCollection())
	err := s.SaveSnapshot(context.Background(), thread.ThreadSnapshot{}, "chk-1")
	require.Error(t, err)
}

func TestListCheckpointsFiltersByThread(t *testing.T) {
	snapshots, checkpoints := newFakeCollection(), newFakeCollection()
	s := newTestStore(snapshots, checkpoints)

	require.NoError(t, s.SaveSnapshot(context.Background(), thread.ThreadSnapshot{ID: "a"}, "chk-1"))
	require.NoError(t, s.SaveSnapshot(context.Background(), thread.ThreadSnapshot{ID: "b"}, "chk-2"))

	records, err := s.ListCheckpoints(context.Background(), "a")
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "chk-1", records[0].CheckpointID)
}

func TestDeleteRemovesSnapshotAndCheckpoints(t *testing.T) {
	snapshots, checkpoints := newFakeCollection(), newFakeCollection()
	s := newTestStore(snapshots, checkpoints)

	require.NoError(t, s.SaveSnapshot(context.Background(), thread.ThreadSnapshot{ID: "a"}, "chk-1"))
	require.NoError(t, s.Delete(context.Background(), "a"))

	_, err := s.LoadSnapshot(context.Background(), "a")
	require.ErrorIs(t, err, store.ErrNotFound)

	records, err := s.ListCheckpoints(context.Background(), "a")
	require.NoError(t, err)
	require.Empty(t, records)
}
