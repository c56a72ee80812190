// Package store defines the persistence collaborator interfaces the core
// consumes: ThreadStore for snapshot/checkpoint durability and AssetStore
// for binary artifacts referenced by messages. Concrete backends live in
// subpackages (mongostore, redisstore, memstore).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/hpd-agent/core/thread"
)

// CheckpointRecord is one persisted checkpoint's metadata, as returned by
// ListCheckpoints. It carries no snapshot content; LoadSnapshot returns the
// latest snapshot only.
type CheckpointRecord struct {
	CheckpointID string
	ThreadID     string
	Iteration    int
	SavedAt      time.Time
}

// ErrNotFound is returned by LoadSnapshot when no snapshot exists for a
// thread id.
var ErrNotFound = errors.New("store: not found")

// ThreadStore persists thread snapshots and checkpoint records by thread
// id. The loop driver treats a DurableError from SaveSnapshot as fatal
// (RunFailed(kind=checkpoint_failure)); any other error is discarded and
// treated as transient, matching the "fire-and-forget" save path the spec
// describes.
type ThreadStore interface {
	// SaveSnapshot persists snap under checkpointID. Implementations
	// retain only the latest snapshot per thread unless full-history
	// retention is configured by the caller (e.g. a distinct collection
	// or key per checkpoint id).
	SaveSnapshot(ctx context.Context, snap thread.ThreadSnapshot, checkpointID string) error
	// LoadSnapshot loads the most recently saved snapshot for threadID,
	// or ErrNotFound.
	LoadSnapshot(ctx context.Context, threadID string) (thread.ThreadSnapshot, error)
	// ListCheckpoints lists checkpoint metadata for threadID, most recent
	// first.
	ListCheckpoints(ctx context.Context, threadID string) ([]CheckpointRecord, error)
	// Delete removes all snapshots and checkpoint records for threadID.
	Delete(ctx context.Context, threadID string) error
}

// AssetStore stores and retrieves binary artifacts referenced by messages.
// Put returns an opaque id; URI renders it in the asset://{id} form
// AssetRefPart expects.
type AssetStore interface {
	Put(ctx context.Context, mimeType string, data []byte) (id string, err error)
	Get(ctx context.Context, id string) (data []byte, mimeType string, err error)
}

// URI renders an asset id in the canonical asset://{id} form.
func URI(id string) string {
	return "asset://" + id
}

// DurableError marks a ThreadStore failure the caller must not retry:
// the loop driver reports it as RunFailed(kind=checkpoint_failure)
// rather than continuing to run uncheckpointed.
type DurableError struct {
	Err error
}

func (e *DurableError) Error() string {
	if e.Err == nil {
		return "store: durable error"
	}
	return "store: durable error: " + e.Err.Error()
}

func (e *DurableError) Unwrap() error { return e.Err }

// IsDurable reports whether err (or a wrapped cause) is a *DurableError.
func IsDurable(err error) bool {
	var de *DurableError
	return errors.As(err, &de)
}
