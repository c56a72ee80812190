// Package reduction implements the history-reduction strategies that keep a
// thread's working messages within budget: message-count, summarizing, and
// token-budget triggers. Reduction runs between iterations, never
// mid-iteration, and always preserves the thread's first system message.
package reduction

import (
	"context"

	"github.com/hpd-agent/core/chatclient"
	"github.com/hpd-agent/core/thread"
)

// Strategy names a reduction approach, matching the `history_reduction_policy`
// configuration values.
type Strategy string

const (
	Off          Strategy = "off"
	MessageCount Strategy = "message_count"
	Summarizing  Strategy = "summarizing"
	TokenBudget  Strategy = "token_budget"
)

// Trigger decides, given the current messages, whether a reduction should
// run before the next iteration, and supplies the Strategy tag the
// HistoryReduced event should report.
type Trigger interface {
	ShouldReduce(messages []thread.Message) bool
	Strategy() Strategy
}

// Reducer compresses a message list down to a smaller one, preserving the
// first system message.
type Reducer interface {
	Reduce(ctx context.Context, messages []thread.Message) ([]thread.Message, error)
}

// MessageCountTrigger fires once the working message count exceeds
// MaxMessages. A MaxMessages of zero or less never fires.
type MessageCountTrigger struct {
	// MaxMessages is the threshold above which reduction triggers.
	MaxMessages int
}

func (t MessageCountTrigger) ShouldReduce(messages []thread.Message) bool {
	return t.MaxMessages > 0 && len(messages) > t.MaxMessages
}

func (MessageCountTrigger) Strategy() Strategy { return MessageCount }

// TokenBudgetTrigger fires based on estimated tokens, either an absolute
// ceiling or a percentage of a user-supplied context window size.
// Precedence when both are configured: percentage first, then absolute
// token budget, then (by the caller composing triggers) message count —
// the core resolves the source spec's ambiguity on interacting triggers
// with exactly this order.
type TokenBudgetTrigger struct {
	// ContextWindow is the provider's context window size in tokens, used
	// with Percentage. Zero disables the percentage check.
	ContextWindow int
	// Percentage, in (0,1], of ContextWindow that triggers reduction.
	Percentage float64
	// AbsoluteTokens, if non-zero, triggers reduction independent of
	// ContextWindow/Percentage.
	AbsoluteTokens int
}

func (t TokenBudgetTrigger) ShouldReduce(messages []thread.Message) bool {
	total := estimateTokens(messages)
	if t.ContextWindow > 0 && t.Percentage > 0 {
		if float64(total) >= float64(t.ContextWindow)*t.Percentage {
			return true
		}
	}
	if t.AbsoluteTokens > 0 && total >= t.AbsoluteTokens {
		return true
	}
	return false
}

func (TokenBudgetTrigger) Strategy() Strategy { return TokenBudget }

func estimateTokens(messages []thread.Message) int {
	total := 0
	for _, m := range messages {
		total += estimateMessageTokens(m)
	}
	return total
}

// estimateMessageTokens uses the Usage record when present, else the
// character count of the message's text parts over four, rounded up. Unlike
// thread.Message's own fallback, it does not count author-name, reasoning,
// tool-call or tool-result characters, so for such messages its estimate is
// lower than the thread package's.
func estimateMessageTokens(m thread.Message) int {
	if m.Usage != nil {
		return m.Usage.TotalTokens
	}
	chars := len(m.Text())
	const charsPerToken = 4
	return (chars + charsPerToken - 1) / charsPerToken
}

// MessageCountReducer keeps the first system message plus the last N
// messages, dropping the rest.
type MessageCountReducer struct {
	Keep int
}

func (r MessageCountReducer) Reduce(_ context.Context, messages []thread.Message) ([]thread.Message, error) {
	sys, rest := splitFirstSystem(messages)
	if len(rest) <= r.Keep {
		return messages, nil
	}
	tail := rest[len(rest)-r.Keep:]
	out := make([]thread.Message, 0, len(tail)+1)
	if sys != nil {
		out = append(out, *sys)
	}
	out = append(out, tail...)
	return out, nil
}

// summaryMetadataKey marks a message produced by SummarizingReducer so
// subsequent reductions can recognize and re-summarize it.
const summaryMetadataKey = "history_summary"

// SummarizingReducer replaces the oldest non-system prefix with one
// synthetic summary system message produced by calling a (possibly
// distinct) summarizer ChatClient. Layered controls whether a prior
// summary is itself folded into the new one (false) or kept alongside it
// as additional context (true).
type SummarizingReducer struct {
	Summarizer ChatClientSummarizer
	// Target is the number of most-recent messages to keep verbatim
	// alongside the synthetic summary.
	Target int
	// Layered keeps a prior summary message as-is, prepending the new
	// summary ahead of it, rather than folding both into one.
	Layered bool
}

// ChatClientSummarizer is the narrow capability SummarizingReducer needs: a
// single text-in, text-out call. Adapting a full chatclient.ChatClient to
// this is the caller's job (see NewChatClientSummarizer).
type ChatClientSummarizer interface {
	Summarize(ctx context.Context, prompt string) (string, error)
}

func (r SummarizingReducer) Reduce(ctx context.Context, messages []thread.Message) ([]thread.Message, error) {
	sys, rest := splitFirstSystem(messages)
	if len(rest) <= r.Target {
		return messages, nil
	}

	cut := len(rest) - r.Target
	toCondense, tail := rest[:cut], rest[cut:]

	priorSummary, toCondense := extractPriorSummary(toCondense)
	if !r.Layered && priorSummary != nil {
		toCondense = append([]thread.Message{*priorSummary}, toCondense...)
	}

	prompt := summarizationPrompt(toCondense)
	summaryText, err := r.Summarizer.Summarize(ctx, prompt)
	if err != nil {
		return nil, err
	}

	summaryMsg := thread.Message{
		Role:     thread.RoleSystem,
		Parts:    []thread.Part{thread.TextPart{Text: summaryText}},
		Metadata: map[string]any{summaryMetadataKey: true},
	}

	out := make([]thread.Message, 0, len(tail)+2)
	if sys != nil {
		out = append(out, *sys)
	}
	out = append(out, summaryMsg)
	if r.Layered && priorSummary != nil {
		out = append(out, *priorSummary)
	}
	out = append(out, tail...)
	return out, nil
}

func summarizationPrompt(messages []thread.Message) string {
	prompt := "Summarize the following conversation history concisely, preserving facts and decisions relevant to continuing the task:\n\n"
	for _, m := range messages {
		prompt += string(m.Role) + ": " + m.Text() + "\n"
	}
	return prompt
}

func extractPriorSummary(messages []thread.Message) (*thread.Message, []thread.Message) {
	for i, m := range messages {
		if isSummary(m) {
			cp := m
			rest := append([]thread.Message(nil), messages[:i]...)
			rest = append(rest, messages[i+1:]...)
			return &cp, rest
		}
	}
	return nil, messages
}

func isSummary(m thread.Message) bool {
	flagged, _ := m.Metadata[summaryMetadataKey].(bool)
	return flagged
}

func splitFirstSystem(messages []thread.Message) (*thread.Message, []thread.Message) {
	for i, m := range messages {
		if m.Role == thread.RoleSystem {
			sys := m
			rest := make([]thread.Message, 0, len(messages)-1)
			rest = append(rest, messages[:i]...)
			rest = append(rest, messages[i+1:]...)
			return &sys, rest
		}
	}
	return nil, messages
}

// chatClientSummarizer adapts a full chatclient.ChatClient to the narrow
// ChatClientSummarizer capability SummarizingReducer needs, wrapping the
// prompt in a single-user-message request and concatenating the reply's
// text parts.
type chatClientSummarizer struct {
	client chatclient.ChatClient
	model  string
}

// NewChatClientSummarizer adapts client into a ChatClientSummarizer, calling
// Complete with a single user message containing the prompt. model may be
// empty to use the client's default.
func NewChatClientSummarizer(client chatclient.ChatClient, model string) ChatClientSummarizer {
	return chatClientSummarizer{client: client, model: model}
}

func (s chatClientSummarizer) Summarize(ctx context.Context, prompt string) (string, error) {
	resp, err := s.client.Complete(ctx, chatclient.Request{
		Model: s.model,
		Messages: []chatclient.Message{
			{Role: chatclient.RoleUser, Parts: []chatclient.Part{chatclient.TextPart{Text: prompt}}},
		},
	})
	if err != nil {
		return "", err
	}
	var out string
	for _, p := range resp.Message.Parts {
		if tp, ok := p.(chatclient.TextPart); ok {
			out += tp.Text
		}
	}
	return out, nil
}
