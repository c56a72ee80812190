// Package event defines the tagged-union Event type emitted by the core's
// outbound event stream, along with the constructors that stamp each variant
// with a run id, sequence number, and timestamp. Protocol adapters consume
// this stream to render UI or logs; the wire representation is their concern,
// not the core's.
package event

import (
	"encoding/json"
	"time"
)

// Type identifies a concrete Event variant. The taxonomy is fixed and
// versioned: new tags may be added in a minor revision, existing tags must
// not change semantics.
type Type string

const (
	RunStarted  Type = "run_started"
	RunFinished Type = "run_finished"
	RunFailed   Type = "run_failed"

	IterationStarted  Type = "iteration_started"
	IterationFinished Type = "iteration_finished"

	MessageStarted  Type = "message_started"
	TextDelta       Type = "text_delta"
	ReasoningDelta  Type = "reasoning_delta"
	MessageFinished Type = "message_finished"

	ToolCallStarted  Type = "tool_call_started"
	ToolCallFinished Type = "tool_call_finished"

	PermissionRequested Type = "permission_requested"
	PermissionResolved  Type = "permission_resolved"

	ClarificationRequested Type = "clarification_requested"
	ClarificationResolved  Type = "clarification_resolved"

	ContinuationRequested Type = "continuation_requested"
	ContinuationResolved  Type = "continuation_resolved"

	FilterEvent Type = "filter_event"

	CheckpointSaved Type = "checkpoint_saved"
	HistoryReduced  Type = "history_reduced"
)

// Event is the interface every emitted event implements. Consumers use a
// type switch on the concrete struct to access variant-specific fields.
//
//	switch e := evt.(type) {
//	case *ToolCallStartedEvent:
//	    ...
//	case *RunFailedEvent:
//	    ...
//	}
type Event interface {
	// Type returns the tag identifying the concrete variant.
	Type() Type
	// RunID returns the run that produced this event.
	RunID() string
	// Seq returns the monotonically increasing sequence number for this
	// event within its run. Sequence numbers are assigned at emission time
	// by the EventSink, not at construction time.
	Seq() uint64
	// Timestamp returns when the event was constructed, in Unix
	// milliseconds.
	Timestamp() int64
}

// base holds the fields common to every event variant.
type base struct {
	runID     string
	seq       uint64
	timestamp int64
}

func newBase(runID string) base {
	return base{runID: runID, timestamp: time.Now().UnixMilli()}
}

func (b base) RunID() string    { return b.runID }
func (b base) Seq() uint64      { return b.seq }
func (b base) Timestamp() int64 { return b.timestamp }

// SetSeq stamps the event with its position in the owning run's sequence.
// Called exactly once by the EventSink immediately before delivery.
func (b *base) SetSeq(seq uint64) { b.seq = seq }

// Sequencer is implemented by every concrete event so a sink can stamp
// sequence numbers without a type switch.
type Sequencer interface {
	SetSeq(seq uint64)
}

type (
	// RunStartedEvent fires once, first, for every run.
	RunStartedEvent struct {
		base
		// Resumed reports whether this run continued a prior LoopState
		// rather than starting fresh.
		Resumed bool
	}

	// RunFinishedEvent fires once, last, on natural or cooperative
	// termination.
	RunFinishedEvent struct {
		base
		Reason string
	}

	// RunFailedEvent fires once, last, when the run terminates abnormally.
	RunFailedEvent struct {
		base
		Kind    string
		Message string
	}

	// IterationStartedEvent marks the beginning of loop iteration N.
	IterationStartedEvent struct {
		base
		Iteration int
	}

	// IterationFinishedEvent marks the end of loop iteration N.
	IterationFinishedEvent struct {
		base
		Iteration int
	}

	// MessageStartedEvent fires when the driver begins streaming a new
	// message into the thread.
	MessageStartedEvent struct {
		base
		MessageID string
		Role      string
	}

	// TextDeltaEvent carries an incremental chunk of assistant text.
	TextDeltaEvent struct {
		base
		MessageID string
		Text      string
	}

	// ReasoningDeltaEvent carries an incremental chunk of model reasoning
	// (thinking) content.
	ReasoningDeltaEvent struct {
		base
		MessageID string
		Text      string
	}

	// MessageFinishedEvent fires when a message is fully appended to the
	// thread.
	MessageFinishedEvent struct {
		base
		MessageID string
	}

	// ToolCallStartedEvent fires before a tool call's filter pipeline runs.
	ToolCallStartedEvent struct {
		base
		CallID string
		Name   string
		Args   json.RawMessage
	}

	// ToolCallFinishedEvent fires once a tool call's result (or error) is
	// available. It is always the last event emitted for that call.
	ToolCallFinishedEvent struct {
		base
		CallID string
		Result any
		Error  string
	}

	// PermissionRequestedEvent fires when the permission gate suspends a
	// tool call pending external approval.
	PermissionRequestedEvent struct {
		base
		PermissionID string
		Function     string
		Args         json.RawMessage
	}

	// PermissionResolvedEvent fires when a pending permission request
	// resolves, whether by response, timeout, or cancellation.
	PermissionResolvedEvent struct {
		base
		PermissionID string
		Approved     bool
		Reason       string
	}

	// ClarificationRequestedEvent fires when a filter or the driver
	// requests human-in-the-loop clarification.
	ClarificationRequestedEvent struct {
		base
		ClarificationID string
		Prompt          string
	}

	// ClarificationResolvedEvent fires when a pending clarification
	// resolves.
	ClarificationResolvedEvent struct {
		base
		ClarificationID string
		Reply           string
	}

	// ContinuationRequestedEvent fires when the iteration cap is reached.
	ContinuationRequestedEvent struct {
		base
		ContinuationID string
		CurrentIter    int
		Cap            int
	}

	// ContinuationResolvedEvent fires when a pending continuation request
	// resolves.
	ContinuationResolvedEvent struct {
		base
		ContinuationID string
		Approved       bool
		Extension      int
	}

	// FilterEventEvent is the escape hatch user-defined filters use to
	// emit arbitrary structured events onto the outbound stream.
	FilterEventEvent struct {
		base
		FilterName string
		Kind       string
		Payload    any
	}

	// CheckpointSavedEvent fires for every checkpoint actually persisted.
	CheckpointSavedEvent struct {
		base
		Iteration    int
		CheckpointID string
	}

	// HistoryReducedEvent fires whenever the history-reduction policy
	// triggers.
	HistoryReducedEvent struct {
		base
		FromCount int
		ToCount   int
		Strategy  string
	}
)

func (e *RunStartedEvent) Type() Type             { return RunStarted }
func (e *RunFinishedEvent) Type() Type            { return RunFinished }
func (e *RunFailedEvent) Type() Type              { return RunFailed }
func (e *IterationStartedEvent) Type() Type       { return IterationStarted }
func (e *IterationFinishedEvent) Type() Type      { return IterationFinished }
func (e *MessageStartedEvent) Type() Type         { return MessageStarted }
func (e *TextDeltaEvent) Type() Type              { return TextDelta }
func (e *ReasoningDeltaEvent) Type() Type         { return ReasoningDelta }
func (e *MessageFinishedEvent) Type() Type        { return MessageFinished }
func (e *ToolCallStartedEvent) Type() Type        { return ToolCallStarted }
func (e *ToolCallFinishedEvent) Type() Type       { return ToolCallFinished }
func (e *PermissionRequestedEvent) Type() Type    { return PermissionRequested }
func (e *PermissionResolvedEvent) Type() Type     { return PermissionResolved }
func (e *ClarificationRequestedEvent) Type() Type { return ClarificationRequested }
func (e *ClarificationResolvedEvent) Type() Type  { return ClarificationResolved }
func (e *ContinuationRequestedEvent) Type() Type  { return ContinuationRequested }
func (e *ContinuationResolvedEvent) Type() Type   { return ContinuationResolved }
func (e *FilterEventEvent) Type() Type            { return FilterEvent }
func (e *CheckpointSavedEvent) Type() Type        { return CheckpointSaved }
func (e *HistoryReducedEvent) Type() Type         { return HistoryReduced }

// NewRunStarted constructs a RunStartedEvent.
func NewRunStarted(runID string, resumed bool) *RunStartedEvent {
	return &RunStartedEvent{base: newBase(runID), Resumed: resumed}
}

// NewRunFinished constructs a RunFinishedEvent.
func NewRunFinished(runID, reason string) *RunFinishedEvent {
	return &RunFinishedEvent{base: newBase(runID), Reason: reason}
}

// NewRunFailed constructs a RunFailedEvent.
func NewRunFailed(runID, kind, message string) *RunFailedEvent {
	return &RunFailedEvent{base: newBase(runID), Kind: kind, Message: message}
}

// NewIterationStarted constructs an IterationStartedEvent.
func NewIterationStarted(runID string, iteration int) *IterationStartedEvent {
	return &IterationStartedEvent{base: newBase(runID), Iteration: iteration}
}

// NewIterationFinished constructs an IterationFinishedEvent.
func NewIterationFinished(runID string, iteration int) *IterationFinishedEvent {
	return &IterationFinishedEvent{base: newBase(runID), Iteration: iteration}
}

// NewMessageStarted constructs a MessageStartedEvent.
func NewMessageStarted(runID, messageID, role string) *MessageStartedEvent {
	return &MessageStartedEvent{base: newBase(runID), MessageID: messageID, Role: role}
}

// NewTextDelta constructs a TextDeltaEvent.
func NewTextDelta(runID, messageID, text string) *TextDeltaEvent {
	return &TextDeltaEvent{base: newBase(runID), MessageID: messageID, Text: text}
}

// NewReasoningDelta constructs a ReasoningDeltaEvent.
func NewReasoningDelta(runID, messageID, text string) *ReasoningDeltaEvent {
	return &ReasoningDeltaEvent{base: newBase(runID), MessageID: messageID, Text: text}
}

// NewMessageFinished constructs a MessageFinishedEvent.
func NewMessageFinished(runID, messageID string) *MessageFinishedEvent {
	return &MessageFinishedEvent{base: newBase(runID), MessageID: messageID}
}

// NewToolCallStarted constructs a ToolCallStartedEvent.
func NewToolCallStarted(runID, callID, name string, args json.RawMessage) *ToolCallStartedEvent {
	return &ToolCallStartedEvent{base: newBase(runID), CallID: callID, Name: name, Args: args}
}

// NewToolCallFinished constructs a ToolCallFinishedEvent. err is the empty
// string on success.
func NewToolCallFinished(runID, callID string, result any, errMsg string) *ToolCallFinishedEvent {
	return &ToolCallFinishedEvent{base: newBase(runID), CallID: callID, Result: result, Error: errMsg}
}

// NewPermissionRequested constructs a PermissionRequestedEvent.
func NewPermissionRequested(runID, permissionID, function string, args json.RawMessage) *PermissionRequestedEvent {
	return &PermissionRequestedEvent{base: newBase(runID), PermissionID: permissionID, Function: function, Args: args}
}

// NewPermissionResolved constructs a PermissionResolvedEvent.
func NewPermissionResolved(runID, permissionID string, approved bool, reason string) *PermissionResolvedEvent {
	return &PermissionResolvedEvent{base: newBase(runID), PermissionID: permissionID, Approved: approved, Reason: reason}
}

// NewClarificationRequested constructs a ClarificationRequestedEvent.
func NewClarificationRequested(runID, clarificationID, prompt string) *ClarificationRequestedEvent {
	return &ClarificationRequestedEvent{base: newBase(runID), ClarificationID: clarificationID, Prompt: prompt}
}

// NewClarificationResolved constructs a ClarificationResolvedEvent.
func NewClarificationResolved(runID, clarificationID, reply string) *ClarificationResolvedEvent {
	return &ClarificationResolvedEvent{base: newBase(runID), ClarificationID: clarificationID, Reply: reply}
}

// NewContinuationRequested constructs a ContinuationRequestedEvent.
func NewContinuationRequested(runID, continuationID string, currentIter, cap int) *ContinuationRequestedEvent {
	return &ContinuationRequestedEvent{base: newBase(runID), ContinuationID: continuationID, CurrentIter: currentIter, Cap: cap}
}

// NewContinuationResolved constructs a ContinuationResolvedEvent.
func NewContinuationResolved(runID, continuationID string, approved bool, extension int) *ContinuationResolvedEvent {
	return &ContinuationResolvedEvent{base: newBase(runID), ContinuationID: continuationID, Approved: approved, Extension: extension}
}

// NewFilterEvent constructs a FilterEventEvent.
func NewFilterEvent(runID, filterName, kind string, payload any) *FilterEventEvent {
	return &FilterEventEvent{base: newBase(runID), FilterName: filterName, Kind: kind, Payload: payload}
}

// NewCheckpointSaved constructs a CheckpointSavedEvent.
func NewCheckpointSaved(runID string, iteration int, checkpointID string) *CheckpointSavedEvent {
	return &CheckpointSavedEvent{base: newBase(runID), Iteration: iteration, CheckpointID: checkpointID}
}

// NewHistoryReduced constructs a HistoryReducedEvent.
func NewHistoryReduced(runID string, fromCount, toCount int, strategy string) *HistoryReducedEvent {
	return &HistoryReducedEvent{base: newBase(runID), FromCount: fromCount, ToCount: toCount, Strategy: strategy}
}
