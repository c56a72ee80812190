package bedrock

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/hpd-agent/core/chatclient"
)

// runStreamer drains a Bedrock ConverseStream event stream into
// chatclient.Chunks, translating tool_use deltas (keyed by content block
// index) into their accumulated final call on ContentBlockStop.
func runStreamer(ctx context.Context, stream *bedrockruntime.ConverseStreamEventStream, toolNames map[string]string, out chan<- chatclient.Chunk) {
	defer close(out)
	defer stream.Close()

	toolBlocks := make(map[int32]*toolBuffer)

	emit := func(c chatclient.Chunk) bool {
		select {
		case out <- c:
			return true
		case <-ctx.Done():
			return false
		}
	}

	events := stream.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			switch ev := event.(type) {
			case *brtypes.ConverseStreamOutputMemberMessageStart:
				toolBlocks = make(map[int32]*toolBuffer)

			case *brtypes.ConverseStreamOutputMemberContentBlockStart:
				idx := ev.Value.ContentBlockIndex
				if idx == nil {
					continue
				}
				if start, ok := ev.Value.Start.(*brtypes.ContentBlockStartMemberToolUse); ok {
					tb := &toolBuffer{}
					if start.Value.ToolUseId != nil {
						tb.id = *start.Value.ToolUseId
					}
					if start.Value.Name != nil {
						name := *start.Value.Name
						if canonical, ok := toolNames[name]; ok {
							name = canonical
						}
						tb.name = name
					}
					toolBlocks[*idx] = tb
				}

			case *brtypes.ConverseStreamOutputMemberContentBlockDelta:
				idx := ev.Value.ContentBlockIndex
				if idx == nil {
					continue
				}
				switch delta := ev.Value.Delta.(type) {
				case *brtypes.ContentBlockDeltaMemberText:
					if delta.Value == "" {
						continue
					}
					if !emit(chatclient.Chunk{Type: chatclient.ChunkText, Text: delta.Value}) {
						return
					}
				case *brtypes.ContentBlockDeltaMemberReasoningContent:
					if text, ok := delta.Value.(*brtypes.ReasoningContentBlockDeltaMemberText); ok && text.Value != "" {
						if !emit(chatclient.Chunk{Type: chatclient.ChunkReasoning, Text: text.Value}) {
							return
						}
					}
				case *brtypes.ContentBlockDeltaMemberToolUse:
					if tb := toolBlocks[*idx]; tb != nil && delta.Value.Input != nil {
						fragment := *delta.Value.Input
						tb.fragments = append(tb.fragments, fragment)
						if !emit(chatclient.Chunk{Type: chatclient.ChunkToolCallDiff, ToolCallDelta: json.RawMessage(fragment)}) {
							return
						}
					}
				}

			case *brtypes.ConverseStreamOutputMemberContentBlockStop:
				idx := ev.Value.ContentBlockIndex
				if idx == nil {
					continue
				}
				if tb := toolBlocks[*idx]; tb != nil {
					delete(toolBlocks, *idx)
					if !emit(chatclient.Chunk{Type: chatclient.ChunkToolCall, ToolCall: &chatclient.ToolCall{
						ID:      tb.id,
						Name:    tb.name,
						Payload: json.RawMessage(tb.finalInput()),
					}}) {
						return
					}
				}

			case *brtypes.ConverseStreamOutputMemberMetadata:
				if ev.Value.Usage == nil {
					continue
				}
				usage := chatclient.TokenUsage{
					InputTokens:  int(ptrValue(ev.Value.Usage.InputTokens)),
					OutputTokens: int(ptrValue(ev.Value.Usage.OutputTokens)),
					TotalTokens:  int(ptrValue(ev.Value.Usage.TotalTokens)),
				}
				if !emit(chatclient.Chunk{Type: chatclient.ChunkUsage, Usage: &usage}) {
					return
				}

			case *brtypes.ConverseStreamOutputMemberMessageStop:
				toolBlocks = make(map[int32]*toolBuffer)
				stopReason := ""
				if ev.Value.StopReason != "" {
					stopReason = string(ev.Value.StopReason)
				}
				if !emit(chatclient.Chunk{Type: chatclient.ChunkStop, StopReason: stopReason}) {
					return
				}
			}
		}
	}
}

// toolBuffer accumulates the JSON-delta fragments of one tool_use content
// block until its ContentBlockStop finalizes it.
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
