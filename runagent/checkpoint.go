package runagent

import (
	"context"

	"github.com/hpd-agent/core/event"
	"github.com/hpd-agent/core/ids"
	"github.com/hpd-agent/core/store"
	"github.com/hpd-agent/core/thread"
)

// checkpoint persists th's current state per spec §4.5's save path: the
// loop state is attached to the thread, a snapshot is taken, and — if a
// Store is configured — written durably. A durable store error fails the
// run (RunFailed kind="checkpoint_failure" is raised by the caller); any
// other error is swallowed, since a transient failure to persist shouldn't
// abort a run that can otherwise keep making progress.
func (t *turn) checkpoint(ctx context.Context, th *thread.ConversationThread, ls *thread.LoopState) error {
	if t.d.cfg.Store == nil {
		return nil
	}

	th.SetLoopState(ls)
	snap := th.Snapshot()
	checkpointID := ids.NewCheckpointID()

	if err := t.d.cfg.Store.SaveSnapshot(ctx, snap, checkpointID); err != nil {
		if store.IsDurable(err) {
			return err
		}
		return nil
	}

	return t.sink.emit(ctx, event.NewCheckpointSaved(t.runID, ls.Iteration, checkpointID))
}
