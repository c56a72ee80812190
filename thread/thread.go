package thread

import (
	"sync"
	"time"
)

// ThreadSnapshot is the value returned by ConversationThread.Snapshot and
// consumed by ConversationThread.Restore: every message, metadata, the
// optional LoopState, and the thread's timestamps.
type ThreadSnapshot struct {
	ID           string
	DisplayName  string
	ProjectRef   string
	CreatedAt    time.Time
	LastActiveAt time.Time
	Messages     []Message
	Metadata     map[string]any
	LoopState    *LoopState
}

// ConversationThread is a named container owning a unique id, creation and
// last-activity timestamps, an optional display name and project reference,
// an append-only message log, a free-form metadata map, and — only while a
// run is in progress or suspended — a LoopState.
//
// The external surface is push-only (add_message/add_messages); Messages()
// is reserved for the core driver so user code cannot race against the
// driver's own view of the log.
type ConversationThread struct {
	mu sync.RWMutex

	id           string
	displayName  string
	projectRef   string
	createdAt    time.Time
	lastActiveAt time.Time
	messages     []Message
	metadata     map[string]any
	loopState    *LoopState
}

// New constructs an empty ConversationThread with the given id.
func New(id string) *ConversationThread {
	now := time.Now()
	return &ConversationThread{
		id:           id,
		createdAt:    now,
		lastActiveAt: now,
		metadata:     make(map[string]any),
	}
}

// ID returns the thread's unique identifier.
func (t *ConversationThread) ID() string { return t.id }

// SetDisplayName sets the thread's optional display name.
func (t *ConversationThread) SetDisplayName(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.displayName = name
}

// SetProjectRef sets the thread's optional project reference.
func (t *ConversationThread) SetProjectRef(ref string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.projectRef = ref
}

// SetMetadata sets a single metadata key.
func (t *ConversationThread) SetMetadata(key string, value any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.metadata[key] = value
}

// AddMessage appends a single message and bumps the last-activity
// timestamp.
func (t *ConversationThread) AddMessage(m Message) {
	t.AddMessages([]Message{m})
}

// AddMessages appends messages in order and bumps the last-activity
// timestamp once.
func (t *ConversationThread) AddMessages(ms []Message) {
	if len(ms) == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.messages = append(t.messages, ms...)
	t.lastActiveAt = time.Now()
}

// Messages returns the full ordered message list. It is a read-only
// snapshot copy of the current log; callers must not rely on it reflecting
// subsequent appends. Reserved for core driver use per the push-only
// discipline; user-facing packages should not call this directly.
func (t *ConversationThread) Messages() []Message {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Message, len(t.messages))
	copy(out, t.messages)
	return out
}

// MessageCount returns the number of messages currently in the log.
func (t *ConversationThread) MessageCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.messages)
}

// TokenEstimate sums each message's token accounting: a provider usage
// record when present, else the character-based fallback.
func (t *ConversationThread) TokenEstimate() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	total := 0
	for _, m := range t.messages {
		total += m.estimateTokens()
	}
	return total
}

// LoopState returns the thread's current checkpoint payload, or nil if no
// run is in progress or suspended.
func (t *ConversationThread) LoopState() *LoopState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.loopState == nil {
		return nil
	}
	ls := t.loopState.clone()
	return &ls
}

// SetLoopState replaces the thread's checkpoint payload. Pass nil to clear
// it (typically on terminal completion).
func (t *ConversationThread) SetLoopState(ls *LoopState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ls == nil {
		t.loopState = nil
		return
	}
	cloned := ls.clone()
	t.loopState = &cloned
}

// Clear empties the message log and resets LoopState. It does not reset
// timestamps, display name, project reference, or metadata.
func (t *ConversationThread) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.messages = nil
	t.loopState = nil
}

// Snapshot captures every message, metadata entry, the optional LoopState,
// and the thread's timestamps as of the call. Appends concurrent with
// Snapshot observe a consistent prefix of the append history: Snapshot
// holds the same read lock AddMessages holds for writing.
func (t *ConversationThread) Snapshot() ThreadSnapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	msgs := make([]Message, len(t.messages))
	copy(msgs, t.messages)

	meta := make(map[string]any, len(t.metadata))
	for k, v := range t.metadata {
		meta[k] = v
	}

	var ls *LoopState
	if t.loopState != nil {
		cloned := t.loopState.clone()
		ls = &cloned
	}

	return ThreadSnapshot{
		ID:           t.id,
		DisplayName:  t.displayName,
		ProjectRef:   t.projectRef,
		CreatedAt:    t.createdAt,
		LastActiveAt: t.lastActiveAt,
		Messages:     msgs,
		Metadata:     meta,
		LoopState:    ls,
	}
}

// Restore builds a new ConversationThread holding the entire state of a
// snapshot, the inverse of Snapshot.
func Restore(snap ThreadSnapshot) *ConversationThread {
	t := &ConversationThread{
		id:           snap.ID,
		displayName:  snap.DisplayName,
		projectRef:   snap.ProjectRef,
		createdAt:    snap.CreatedAt,
		lastActiveAt: snap.LastActiveAt,
		messages:     append([]Message(nil), snap.Messages...),
		metadata:     make(map[string]any, len(snap.Metadata)),
	}
	for k, v := range snap.Metadata {
		t.metadata[k] = v
	}
	if snap.LoopState != nil {
		cloned := snap.LoopState.clone()
		t.loopState = &cloned
	}
	return t
}
