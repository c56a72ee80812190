package mongostore

import (
	"time"

	"github.com/hpd-agent/core/thread"
)

// snapshotDoc is the BSON-persisted form of a thread.ThreadSnapshot. Part is
// an interface with no BSON codec of its own, so messages are flattened into
// partDoc's tagged union (the "kind" discriminator) on the way in and
// reconstructed into concrete thread.Part values on the way out.
type snapshotDoc struct {
	ID           string         `bson:"_id"`
	DisplayName  string         `bson:"display_name,omitempty"`
	ProjectRef   string         `bson:"project_ref,omitempty"`
	CreatedAt    time.Time      `bson:"created_at"`
	LastActiveAt time.Time      `bson:"last_active_at"`
	Messages     []messageDoc   `bson:"messages"`
	Metadata     map[string]any `bson:"metadata,omitempty"`
	LoopState    *loopStateDoc  `bson:"loop_state,omitempty"`
}

type messageDoc struct {
	ID         string         `bson:"id,omitempty"`
	Role       string         `bson:"role"`
	Parts      []partDoc      `bson:"parts"`
	AuthorName string         `bson:"author_name,omitempty"`
	Metadata   map[string]any `bson:"metadata,omitempty"`
	Usage      *usageDoc      `bson:"usage,omitempty"`
}

type usageDoc struct {
	PromptTokens     int `bson:"prompt_tokens"`
	CompletionTokens int `bson:"completion_tokens"`
	TotalTokens      int `bson:"total_tokens"`
}

const (
	partKindText       = "text"
	partKindReasoning  = "reasoning"
	partKindCallReq    = "tool_call_request"
	partKindCallResult = "tool_call_result"
	partKindAssetRef   = "asset_ref"
)

// partDoc is the tagged union covering every thread.Part variant. Only the
// fields relevant to Kind are populated.
type partDoc struct {
	Kind     string         `bson:"kind"`
	Text     string         `bson:"text,omitempty"`
	CallID   string         `bson:"call_id,omitempty"`
	Function string         `bson:"function,omitempty"`
	Args     map[string]any `bson:"args,omitempty"`
	Output   any            `bson:"output,omitempty"`
	Error    bool           `bson:"error,omitempty"`
	URI      string         `bson:"uri,omitempty"`
	MIMEType string         `bson:"mime_type,omitempty"`
}

type toolCallDoc struct {
	CallID       string         `bson:"call_id"`
	Function     string         `bson:"function"`
	Args         map[string]any `bson:"args,omitempty"`
	ParentCallID string         `bson:"parent_call_id,omitempty"`
}

type pendingWriteDoc struct {
	CallID string `bson:"call_id"`
	Output any    `bson:"output,omitempty"`
	Error  bool   `bson:"error,omitempty"`
}

type circuitBreakerEntryDoc struct {
	Function    string `bson:"function"`
	Fingerprint string `bson:"fingerprint"`
	Count       int    `bson:"count"`
}

type loopStateDoc struct {
	Iteration           int                               `bson:"iteration"`
	IterationCap        int                               `bson:"iteration_cap"`
	WorkingMessages     []messageDoc                      `bson:"working_messages"`
	PendingWrites       map[string]pendingWriteDoc         `bson:"pending_writes,omitempty"`
	ExpandedScopes      []string                          `bson:"expanded_scopes,omitempty"`
	CircuitBreaker      map[string]circuitBreakerEntryDoc `bson:"circuit_breaker,omitempty"`
	ConsecutiveErrors   int                               `bson:"consecutive_errors"`
	ReductionInProgress bool                              `bson:"reduction_in_progress"`
	TerminationReason   string                            `bson:"termination_reason,omitempty"`
}

func encodeSnapshot(id string, snap thread.ThreadSnapshot) snapshotDoc {
	doc := snapshotDoc{
		ID:           id,
		DisplayName:  snap.DisplayName,
		ProjectRef:   snap.ProjectRef,
		CreatedAt:    snap.CreatedAt,
		LastActiveAt: snap.LastActiveAt,
		Messages:     encodeMessages(snap.Messages),
		Metadata:     snap.Metadata,
	}
	if snap.LoopState != nil {
		ls := encodeLoopState(*snap.LoopState)
		doc.LoopState = &ls
	}
	return doc
}

func decodeSnapshot(doc snapshotDoc) thread.ThreadSnapshot {
	snap := thread.ThreadSnapshot{
		ID:           doc.ID,
		DisplayName:  doc.DisplayName,
		ProjectRef:   doc.ProjectRef,
		CreatedAt:    doc.CreatedAt,
		LastActiveAt: doc.LastActiveAt,
		Messages:     decodeMessages(doc.Messages),
		Metadata:     doc.Metadata,
	}
	if doc.LoopState != nil {
		ls := decodeLoopState(*doc.LoopState)
		snap.LoopState = &ls
	}
	return snap
}

func encodeMessages(msgs []thread.Message) []messageDoc {
	out := make([]messageDoc, len(msgs))
	for i, m := range msgs {
		d := messageDoc{
			ID:         m.ID,
			Role:       string(m.Role),
			Parts:      encodeParts(m.Parts),
			AuthorName: m.AuthorName,
			Metadata:   m.Metadata,
		}
		if m.Usage != nil {
			d.Usage = &usageDoc{
				PromptTokens:     m.Usage.PromptTokens,
				CompletionTokens: m.Usage.CompletionTokens,
				TotalTokens:      m.Usage.TotalTokens,
			}
		}
		out[i] = d
	}
	return out
}

func decodeMessages(docs []messageDoc) []thread.Message {
	out := make([]thread.Message, len(docs))
	for i, d := range docs {
		m := thread.Message{
			ID:         d.ID,
			Role:       thread.Role(d.Role),
			Parts:      decodeParts(d.Parts),
			AuthorName: d.AuthorName,
			Metadata:   d.Metadata,
		}
		if d.Usage != nil {
			m.Usage = &thread.Usage{
				PromptTokens:     d.Usage.PromptTokens,
				CompletionTokens: d.Usage.CompletionTokens,
				TotalTokens:      d.Usage.TotalTokens,
			}
		}
		out[i] = m
	}
	return out
}

func encodeParts(parts []thread.Part) []partDoc {
	out := make([]partDoc, len(parts))
	for i, p := range parts {
		switch v := p.(type) {
		case thread.TextPart:
			out[i] = partDoc{Kind: partKindText, Text: v.Text}
		case thread.ReasoningPart:
			out[i] = partDoc{Kind: partKindReasoning, Text: v.Text}
		case thread.ToolCallRequestPart:
			out[i] = partDoc{Kind: partKindCallReq, CallID: v.CallID, Function: v.Function, Args: v.Args}
		case thread.ToolCallResultPart:
			out[i] = partDoc{Kind: partKindCallResult, CallID: v.CallID, Output: v.Output, Error: v.Error}
		case thread.AssetRefPart:
			out[i] = partDoc{Kind: partKindAssetRef, URI: v.URI, MIMEType: v.MIMEType}
		}
	}
	return out
}

func decodeParts(docs []partDoc) []thread.Part {
	out := make([]thread.Part, 0, len(docs))
	for _, d := range docs {
		switch d.Kind {
		case partKindText:
			out = append(out, thread.TextPart{Text: d.Text})
		case partKindReasoning:
			out = append(out, thread.ReasoningPart{Text: d.Text})
		case partKindCallReq:
			out = append(out, thread.ToolCallRequestPart{CallID: d.CallID, Function: d.Function, Args: d.Args})
		case partKindCallResult:
			out = append(out, thread.ToolCallResultPart{CallID: d.CallID, Output: d.Output, Error: d.Error})
		case partKindAssetRef:
			out = append(out, thread.AssetRefPart{URI: d.URI, MIMEType: d.MIMEType})
		}
	}
	return out
}

func encodeLoopState(ls thread.LoopState) loopStateDoc {
	doc := loopStateDoc{
		Iteration:           ls.Iteration,
		IterationCap:        ls.IterationCap,
		WorkingMessages:     encodeMessages(ls.WorkingMessages),
		ConsecutiveErrors:   ls.ConsecutiveErrors,
		ReductionInProgress: ls.ReductionInProgress,
		TerminationReason:   ls.TerminationReason,
	}
	if len(ls.PendingWrites) > 0 {
		doc.PendingWrites = make(map[string]pendingWriteDoc, len(ls.PendingWrites))
		for k, v := range ls.PendingWrites {
			doc.PendingWrites[k] = pendingWriteDoc{CallID: v.CallID, Output: v.Output, Error: v.Error}
		}
	}
	if len(ls.ExpandedScopes) > 0 {
		doc.ExpandedScopes = make([]string, 0, len(ls.ExpandedScopes))
		for scope := range ls.ExpandedScopes {
			doc.ExpandedScopes = append(doc.ExpandedScopes, scope)
		}
	}
	if len(ls.CircuitBreaker) > 0 {
		doc.CircuitBreaker = make(map[string]circuitBreakerEntryDoc, len(ls.CircuitBreaker))
		for k, v := range ls.CircuitBreaker {
			doc.CircuitBreaker[k] = circuitBreakerEntryDoc{Function: v.Function, Fingerprint: v.Fingerprint, Count: v.Count}
		}
	}
	return doc
}

func decodeLoopState(doc loopStateDoc) thread.LoopState {
	ls := thread.LoopState{
		Iteration:           doc.Iteration,
		IterationCap:        doc.IterationCap,
		WorkingMessages:     decodeMessages(doc.WorkingMessages),
		ConsecutiveErrors:   doc.ConsecutiveErrors,
		ReductionInProgress: doc.ReductionInProgress,
		TerminationReason:   doc.TerminationReason,
	}
	if len(doc.PendingWrites) > 0 {
		ls.PendingWrites = make(map[string]thread.PendingWrite, len(doc.PendingWrites))
		for k, v := range doc.PendingWrites {
			ls.PendingWrites[k] = thread.PendingWrite{CallID: v.CallID, Output: v.Output, Error: v.Error}
		}
	}
	if len(doc.ExpandedScopes) > 0 {
		ls.ExpandedScopes = make(map[string]struct{}, len(doc.ExpandedScopes))
		for _, scope := range doc.ExpandedScopes {
			ls.ExpandedScopes[scope] = struct{}{}
		}
	}
	if len(doc.CircuitBreaker) > 0 {
		ls.CircuitBreaker = make(map[string]thread.CircuitBreakerEntry, len(doc.CircuitBreaker))
		for k, v := range doc.CircuitBreaker {
			ls.CircuitBreaker[k] = thread.CircuitBreakerEntry{Function: v.Function, Fingerprint: v.Fingerprint, Count: v.Count}
		}
	}
	return ls
}
