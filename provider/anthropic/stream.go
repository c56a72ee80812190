package anthropic

import (
	"context"
	"encoding/json"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/hpd-agent/core/chatclient"
)

// runStreamer drains an Anthropic SSE stream into chatclient.Chunks,
// closing out when the stream method returns.
func runStreamer(ctx context.Context, stream *ssestream.Stream[sdk.MessageStreamEventUnion], toolNames map[string]string, out chan<- chatclient.Chunk) {
	defer close(out)
	defer stream.Close()

	toolBlocks := make(map[int]*toolBuffer)
	var stopReason string

	emit := func(c chatclient.Chunk) bool {
		select {
		case out <- c:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for stream.Next() {
		switch ev := stream.Current().AsAny().(type) {
		case sdk.MessageStartEvent:
			toolBlocks = make(map[int]*toolBuffer)
			stopReason = ""

		case sdk.ContentBlockStartEvent:
			idx := int(ev.Index)
			if toolUse, ok := ev.ContentBlock.AsAny().(sdk.ToolUseBlock); ok {
				name := toolUse.Name
				if canonical, ok := toolNames[name]; ok {
					name = canonical
				}
				toolBlocks[idx] = &toolBuffer{id: toolUse.ID, name: name}
			}

		case sdk.ContentBlockDeltaEvent:
			idx := int(ev.Index)
			switch delta := ev.Delta.AsAny().(type) {
			case sdk.TextDelta:
				if delta.Text == "" {
					continue
				}
				if !emit(chatclient.Chunk{Type: chatclient.ChunkText, Text: delta.Text}) {
					return
				}
			case sdk.InputJSONDelta:
				if delta.PartialJSON == "" {
					continue
				}
				if tb := toolBlocks[idx]; tb != nil {
					tb.fragments = append(tb.fragments, delta.PartialJSON)
					if !emit(chatclient.Chunk{Type: chatclient.ChunkToolCallDiff, ToolCallDelta: json.RawMessage(delta.PartialJSON)}) {
						return
					}
				}
			case sdk.ThinkingDelta:
				if delta.Thinking != "" {
					if !emit(chatclient.Chunk{Type: chatclient.ChunkReasoning, Text: delta.Thinking}) {
						return
					}
				}
			}

		case sdk.ContentBlockStopEvent:
			idx := int(ev.Index)
			if tb := toolBlocks[idx]; tb != nil {
				delete(toolBlocks, idx)
				payload := tb.finalInput()
				if !emit(chatclient.Chunk{Type: chatclient.ChunkToolCall, ToolCall: &chatclient.ToolCall{
					ID:      tb.id,
					Name:    tb.name,
					Payload: json.RawMessage(payload),
				}}) {
					return
				}
			}

		case sdk.MessageDeltaEvent:
			stopReason = string(ev.Delta.StopReason)
			usage := chatclient.TokenUsage{
				InputTokens:      int(ev.Usage.InputTokens),
				OutputTokens:     int(ev.Usage.OutputTokens),
				TotalTokens:      int(ev.Usage.InputTokens + ev.Usage.OutputTokens),
				CacheReadTokens:  int(ev.Usage.CacheReadInputTokens),
				CacheWriteTokens: int(ev.Usage.CacheCreationInputTokens),
			}
			if !emit(chatclient.Chunk{Type: chatclient.ChunkUsage, Usage: &usage}) {
				return
			}

		case sdk.MessageStopEvent:
			if !emit(chatclient.Chunk{Type: chatclient.ChunkStop, StopReason: stopReason}) {
				return
			}
		}
	}
}

// toolBuffer accumulates the JSON-delta fragments of one tool_use content
// block until its ContentBlockStopEvent finalizes it.
type toolBuffer struct {
	id        string
	name      string
	fragments []string
}

func (tb *toolBuffer) finalInput() string {
	if len(tb.fragments) == 0 {
		return "{}"
	}
	joined := strings.Join(tb.fragments, "")
	if strings.TrimSpace(joined) == "" {
		return "{}"
	}
	return joined
}
