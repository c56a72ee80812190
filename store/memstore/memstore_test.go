package memstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hpd-agent/core/store"
	"github.com/hpd-agent/core/thread"
)

func TestThreadStoreSaveAndLoadRoundTrips(t *testing.T) {
	s := NewThreadStore()
	snap := thread.ThreadSnapshot{
		ID: "thread-1",
		Messages: []thread.Message{
			{Role: thread.RoleUser, Parts: []thread.Part{thread.TextPart{Text: "hi"}}},
		},
		Metadata:  map[string]any{"k": "v"},
		LoopState: &thread.LoopState{Iteration: 3, IterationCap: 10},
	}

	require.NoError(t, s.SaveSnapshot(context.Background(), snap, "chk-1"))

	loaded, err := s.LoadSnapshot(context.Background(), "thread-1")
	require.NoError(t, err)
	require.Equal(t, "thread-1", loaded.ID)
	require.Equal(t, "hi", loaded.Messages[0].Text())
	require.Equal(t, 3, loaded.LoopState.Iteration)
}

func TestThreadStoreLoadSnapshotReturnsNotFound(t *testing.T) {
	s := NewThreadStore()
	_, err := s.LoadSnapshot(context.Background(), "missing")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestThreadStoreSnapshotIsIsolatedFromCaller(t *testing.T) {
	s := NewThreadStore()
	snap := thread.ThreadSnapshot{
		ID:       "thread-1",
		Messages: []thread.Message{{Role: thread.RoleUser, Parts: []thread.Part{thread.TextPart{Text: "original"}}}},
	}
	require.NoError(t, s.SaveSnapshot(context.Background(), snap, "chk-1"))

	snap.Messages[0] = thread.Message{Role: thread.RoleUser, Parts: []thread.Part{thread.TextPart{Text: "mutated"}}}

	loaded, err := s.LoadSnapshot(context.Background(), "thread-1")
	require.NoError(t, err)
	require.Equal(t, "original", loaded.Messages[0].Text())
}

func TestThreadStoreSaveSnapshotRequiresIDs(t *testing.T) {
	s := NewThreadStore()
	require.Error(t, s.SaveSnapshot(context.Background(), thread.ThreadSnapshot{}, "chk-1"))
	require.Error(t, s.SaveSnapshot(context.Background(), thread.ThreadSnapshot{ID: "a"}, ""))
}

func TestThreadStoreListCheckpointsOrdersNewestFirst(t *testing.T) {
	s := NewThreadStore()
	require.NoError(t, s.SaveSnapshot(context.Background(), thread.ThreadSnapshot{ID: "a", LoopState: &thread.LoopState{Iteration: 1}}, "chk-1"))
	require.NoError(t, s.SaveSnapshot(context.Background(), thread.ThreadSnapshot{ID: "a", LoopState: &thread.LoopState{Iteration: 2}}, "chk-2"))

	records, err := s.ListCheckpoints(context.Background(), "a")
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, "chk-2", records[0].CheckpointID)
	require.Equal(t, "chk-1", records[1].CheckpointID)
}

func TestThreadStoreDeleteRemovesSnapshotAndCheckpoints(t *testing.T) {
	s := NewThreadStore()
	require.NoError(t, s.SaveSnapshot(context.Background(), thread.ThreadSnapshot{ID: "a"}, "chk-1"))
	require.NoError(t, s.Delete(context.Background(), "a"))

	_, err := s.LoadSnapshot(context.Background(), "a")
	require.ErrorIs(t, err, store.ErrNotFound)

	records, err := s.ListCheckpoints(context.Background(), "a")
	require.NoError(t, err)
	require.Empty(t, records)
}

func TestAssetStorePutAndGetRoundTrips(t *testing.T) {
	s := NewAssetStore()
	id, err := s.Put(context.Background(), "text/plain", []byte("payload"))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	data, mimeType, err := s.Get(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, "payload", string(data))
	require.Equal(t, "text/plain", mimeType)
}

func TestAssetStoreGetReturnsNotFound(t *testing.T) {
	s := NewAssetStore()
	_, _, err := s.Get(context.Background(), "missing")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestAssetStoreGetIsIsolatedFromCaller(t *testing.T) {
	s := NewAssetStore()
	id, err := s.Put(context.Background(), "text/plain", []byte("payload"))
	require.NoError(t, err)

	data, _, err := s.Get(context.Background(), id)
	require.NoError(t, err)
	data[0] = 'X'

	data2, _, err := s.Get(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, "payload", string(data2))
}
