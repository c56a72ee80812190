package reduction

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hpd-agent/core/thread"
)

func textMsg(role thread.Role, text string) thread.Message {
	return thread.Message{Role: role, Parts: []thread.Part{thread.TextPart{Text: text}}}
}

func TestMessageCountTriggerFiresAboveThreshold(t *testing.T) {
	trig := MessageCountTrigger{MaxMessages: 3}
	msgs := []thread.Message{textMsg(thread.RoleUser, "a"), textMsg(thread.RoleUser, "b")}
	require.False(t, trig.ShouldReduce(msgs))

	msgs = append(msgs, textMsg(thread.RoleUser, "c"), textMsg(thread.RoleUser, "d"))
	require.True(t, trig.ShouldReduce(msgs))
}

func TestMessageCountReducerPreservesFirstSystemMessage(t *testing.T) {
	msgs := []thread.Message{
		textMsg(thread.RoleSystem, "sys"),
		textMsg(thread.RoleUser, "1"),
		textMsg(thread.RoleUser, "2"),
		textMsg(thread.RoleUser, "3"),
	}
	r := MessageCountReducer{Keep: 2}
	out, err := r.Reduce(context.Background(), msgs)
	require.NoError(t, err)
	require.Len(t, out, 3)
	require.Equal(t, "sys", out[0].Text())
	require.Equal(t, "2", out[1].Text())
	require.Equal(t, "3", out[2].Text())
}

func TestMessageCountReducerNoopUnderThreshold(t *testing.T) {
	msgs := []thread.Message{textMsg(thread.RoleSystem, "sys"), textMsg(thread.RoleUser, "1")}
	r := MessageCountReducer{Keep: 5}
	out, err := r.Reduce(context.Background(), msgs)
	require.NoError(t, err)
	require.Equal(t, msgs, out)
}

type fakeSummarizer struct {
	calls   int
	summary string
}

func (f *fakeSummarizer) Summarize(context.Context, string) (string, error) {
	f.calls++
	return f.summary, nil
}

func TestSummarizingReducerInsertsFlaggedSummary(t *testing.T) {
	fs := &fakeSummarizer{summary: "condensed"}
	msgs := []thread.Message{
		textMsg(thread.RoleSystem, "sys"),
		textMsg(thread.RoleUser, "1"),
		textMsg(thread.RoleAssistant, "2"),
		textMsg(thread.RoleUser, "3"),
	}
	r := SummarizingReducer{Summarizer: fs, Target: 1}
	out, err := r.Reduce(context.Background(), msgs)
	require.NoError(t, err)
	require.Equal(t, 1, fs.calls)
	require.Len(t, out, 3)
	require.Equal(t, "sys", out[0].Text())
	require.Equal(t, "condensed", out[1].Text())
	require.True(t, out[1].Metadata[summaryMetadataKey].(bool))
	require.Equal(t, "3", out[2].Text())
}

func TestTokenBudgetTriggerPercentagePrecedesAbsolute(t *testing.T) {
	msgs := []thread.Message{textMsg(thread.RoleUser, string(make([]byte, 400)))}
	trig := TokenBudgetTrigger{ContextWindow: 1000, Percentage: 0.05, AbsoluteTokens: 100000}
	require.True(t, trig.ShouldReduce(msgs))
}

func TestTokenBudgetTriggerFalseUnderAllThresholds(t *testing.T) {
	msgs := []thread.Message{textMsg(thread.RoleUser, "short")}
	trig := TokenBudgetTrigger{ContextWindow: 1000, Percentage: 0.9, AbsoluteTokens: 100000}
	require.False(t, trig.ShouldReduce(msgs))
}
