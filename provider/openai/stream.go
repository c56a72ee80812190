package openai

import (
	"context"
	"encoding/json"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/packages/ssestream"

	"github.com/hpd-agent/core/chatclient"
)

// runStreamer drains an OpenAI chat-completion-chunk stream into
// chatclient.Chunks. OpenAI reports each tool call's arguments as
// incremental string fragments keyed by index, with the name and ID
// arriving only on the first fragment, mirroring the accumulation model
// provider/anthropic uses for Anthropic's input_json_delta events.
func runStreamer(ctx context.Context, stream *ssestream.Stream[openai.ChatCompletionChunk], out chan<- chatclient.Chunk) {
	defer close(out)
	defer stream.Close()

	calls := make(map[int64]*toolBuffer)

	emit := func(c chatclient.Chunk) bool {
		select {
		case out <- c:
			return true
		case <-ctx.Done():
			return false
		}
	}

	var stopReason string
	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		delta := choice.Delta

		if delta.Content != "" {
			if !emit(chatclient.Chunk{Type: chatclient.ChunkText, Text: delta.Content}) {
				return
			}
		}

		for _, tc := range delta.ToolCalls {
			idx := tc.Index
			tb, ok := calls[idx]
			if !ok {
				tb = &toolBuffer{id: tc.ID, name: tc.Function.Name}
				calls[idx] = tb
			}
			if tc.Function.Arguments != "" {
				tb.fragments = append(tb.fragments, tc.Function.Arguments)
				if !emit(chatclient.Chunk{Type: chatclient.ChunkToolCallDiff, ToolCallDelta: json.RawMessage(tc.Function.Arguments)}) {
					return
				}
			}
		}

		if choice.FinishReason != "" {
			stopReason = choice.FinishReason
		}

		if chunk.Usage.TotalTokens > 0 {
			usage := chatclient.TokenUsage{
				InputTokens:  int(chunk.Usage.PromptTokens),
				OutputTokens: int(chunk.Usage.CompletionTokens),
				TotalTokens:  int(chunk.Usage.TotalTokens),
			}
			if !emit(chatclient.Chunk{Type: chatclient.ChunkUsage, Usage: &usage}) {
				return
			}
		}
	}

	for _, tb := range calls {
		if !emit(chatclient.Chunk{Type: chatclient.ChunkToolCall, ToolCall: &chatclient.ToolCall{
			ID:      tb.id,
			Name:    tb.name,
			Payload: json.RawMessage(tb.finalInput()),
		}}) {
			return
		}
	}

	emit(chatclient.Chunk{Type: chatclient.ChunkStop, StopReason: stopReason})
}

// toolBuffer accumulates argument-string fragments for one tool call index
// until the stream ends, mirroring provider/anthropic's toolBuffer.
type toolBuffer struct {
	id        string
	name      string
	fragments []string
}

func (tb *toolBuffer) finalInput() string {
	if len(tb.fragments) == 0 {
		return "{}"
	}
	joined := ""
	for _, f := range tb.fragments {
		joined += f
	}
	if joined == "" {
		return "{}"
	}
	return joined
}
