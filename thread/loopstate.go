package thread

// ToolCall is a request produced by the model: an opaque call-id unique
// within the run, the function name, and its argument map. A call is "open"
// until a matching ToolCallResultPart is appended; at most one result per
// call-id.
type ToolCall struct {
	CallID   string
	Function string
	Args     map[string]any
	// ParentCallID optionally identifies the tool call that itself invoked
	// this one, for agent-as-tool nesting. Empty for top-level calls.
	ParentCallID string
}

// PendingWrite is a completed-this-iteration tool result that has not yet
// been appended to the thread as a message, kept so a crash between tool
// completion and message append can recover without re-executing the tool.
type PendingWrite struct {
	CallID string
	Output any
	Error  bool
}

// CircuitBreakerEntry counts recent invocations of one (function,
// argument-fingerprint) pair within the current run.
type CircuitBreakerEntry struct {
	Function    string
	Fingerprint string
	Count       int
}

// LoopState is the checkpoint payload: everything needed to resume a run
// mid-iteration. Invariants: Iteration <= IterationCap; every CallID in
// PendingWrites has a matching ToolCallRequestPart among WorkingMessages;
// each CallID appears at most once in PendingWrites.
type LoopState struct {
	// Iteration is the current, 0-based iteration number.
	Iteration int
	// IterationCap is the cap in force, which may have been extended by a
	// continuation approval.
	IterationCap int
	// WorkingMessages is the message list as of the start of the current
	// iteration. It references messages already present in the thread's
	// log; it is not a separate copy of message content once persisted.
	WorkingMessages []Message
	// PendingWrites holds tool results completed this iteration but not
	// yet appended to the thread, keyed by call-id.
	PendingWrites map[string]PendingWrite
	// ExpandedScopes is the set of expanded plugin/skill scopes active for
	// this run.
	ExpandedScopes map[string]struct{}
	// CircuitBreaker tracks per (function, fingerprint) invocation counts.
	CircuitBreaker map[string]CircuitBreakerEntry
	// ConsecutiveErrors counts iterations in which every tool call in the
	// iteration errored.
	ConsecutiveErrors int
	// ReductionInProgress marks that a history reduction was started but
	// not confirmed complete, so resume can re-attempt it instead of
	// silently dropping it.
	ReductionInProgress bool
	// TerminationReason is set once the run has reached a terminal state;
	// empty while still running.
	TerminationReason string
}

// Valid reports whether the invariants in the LoopState doc comment hold
// given the working message set. It is used by the resume path to detect a
// corrupt checkpoint before continuing a run.
func (ls LoopState) Valid() bool {
	if ls.Iteration > ls.IterationCap {
		return false
	}
	if len(ls.PendingWrites) == 0 {
		return true
	}
	open := make(map[string]struct{})
	for _, m := range ls.WorkingMessages {
		for _, tc := range m.ToolCallRequests() {
			open[tc.CallID] = struct{}{}
		}
	}
	for callID := range ls.PendingWrites {
		if _, ok := open[callID]; !ok {
			return false
		}
	}
	return true
}

// clone returns a deep-enough copy of ls for snapshotting: maps are
// recreated so mutation of the live LoopState after a snapshot is taken
// cannot retroactively change the snapshot's contents.
func (ls LoopState) clone() LoopState {
	out := ls
	out.WorkingMessages = append([]Message(nil), ls.WorkingMessages...)
	if ls.PendingWrites != nil {
		out.PendingWrites = make(map[string]PendingWrite, len(ls.PendingWrites))
		for k, v := range ls.PendingWrites {
			out.PendingWrites[k] = v
		}
	}
	if ls.ExpandedScopes != nil {
		out.ExpandedScopes = make(map[string]struct{}, len(ls.ExpandedScopes))
		for k, v := range ls.ExpandedScopes {
			out.ExpandedScopes[k] = v
		}
	}
	if ls.CircuitBreaker != nil {
		out.CircuitBreaker = make(map[string]CircuitBreakerEntry, len(ls.CircuitBreaker))
		for k, v := range ls.CircuitBreaker {
			out.CircuitBreaker[k] = v
		}
	}
	return out
}
