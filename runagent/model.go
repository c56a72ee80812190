package runagent

import (
	"context"

	"github.com/hpd-agent/core/chatclient"
	"github.com/hpd-agent/core/event"
)

// streamModel invokes the model collaborator and translates its streamed
// chunks into TextDelta/ReasoningDelta events as they arrive, accumulating
// the final text, reasoning, tool calls, and usage for the finished
// assistant message.
func (t *turn) streamModel(ctx context.Context, msgID string, req chatclient.Request) (text, reasoning string, calls []chatclient.ToolCall, usage *chatclient.TokenUsage, err error) {
	chunks, err := t.d.cfg.Chat.Stream(ctx, req)
	if err != nil {
		return "", "", nil, nil, err
	}

	acc := newToolCallAccumulator()
	for chunk := range chunks {
		switch chunk.Type {
		case chatclient.ChunkText:
			text += chunk.Text
			if emitErr := t.sink.emit(ctx, event.NewTextDelta(t.runID, msgID, chunk.Text)); emitErr != nil {
				return "", "", nil, nil, emitErr
			}
		case chatclient.ChunkReasoning:
			reasoning += chunk.Text
			if emitErr := t.sink.emit(ctx, event.NewReasoningDelta(t.runID, msgID, chunk.Text)); emitErr != nil {
				return "", "", nil, nil, emitErr
			}
		case chatclient.ChunkToolCall:
			acc.observe(chunk.ToolCall)
		case chatclient.ChunkToolCallDiff:
			acc.delta(chunk.ToolCallDelta)
		case chatclient.ChunkUsage:
			if chunk.Usage != nil {
				usage = chunk.Usage
			}
		case chatclient.ChunkStop:
			// Terminal marker only; nothing to accumulate.
		}
	}

	return text, reasoning, acc.finish(), usage, nil
}
