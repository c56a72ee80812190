package runagent

import (
	"encoding/json"

	"github.com/hpd-agent/core/chatclient"
	"github.com/hpd-agent/core/config"
	"github.com/hpd-agent/core/thread"
	"github.com/hpd-agent/core/tools"
)

// toChatMessages translates the thread's own Message/Part representation
// into the chatclient wire-neutral shape a ChatClient consumes.
func toChatMessages(messages []thread.Message) []chatclient.Message {
	out := make([]chatclient.Message, 0, len(messages))
	for _, m := range messages {
		out = append(out, chatclient.Message{
			Role:  chatclient.ConversationRole(m.Role),
			Parts: toChatParts(m.Parts),
		})
	}
	return out
}

func toChatParts(parts []thread.Part) []chatclient.Part {
	out := make([]chatclient.Part, 0, len(parts))
	for _, p := range parts {
		switch v := p.(type) {
		case thread.TextPart:
			out = append(out, chatclient.TextPart{Text: v.Text})
		case thread.ReasoningPart:
			out = append(out, chatclient.ReasoningPart{Text: v.Text})
		case thread.ToolCallRequestPart:
			args, _ := json.Marshal(v.Args)
			out = append(out, chatclient.ToolUsePart{ID: v.CallID, Name: v.Function, Input: args})
		case thread.ToolCallResultPart:
			out = append(out, chatclient.ToolResultPart{ToolUseID: v.CallID, Content: v.Output, IsError: v.Error})
		case thread.AssetRefPart:
			// Asset references are resolved to inline content by a higher
			// layer (AssetStore collaborator) before reaching the core;
			// the core itself only forwards the reference as text so the
			// model sees it, since chatclient.Part has no asset variant.
			out = append(out, chatclient.TextPart{Text: v.URI})
		}
	}
	return out
}

// toolDefinitions builds the model-facing tool catalog from the registry,
// honoring tool_selection_mode: "none" empties the catalog entirely so the
// model sees no tools at all.
func toolDefinitions(reg tools.ToolRegistry, mode config.ToolSelectionMode) []chatclient.ToolDefinition {
	if reg == nil || mode == config.ToolSelectionNone {
		return nil
	}
	descs := reg.Definitions()
	out := make([]chatclient.ToolDefinition, 0, len(descs))
	for _, d := range descs {
		var schema any
		if len(d.ParameterSchema) > 0 {
			_ = json.Unmarshal(d.ParameterSchema, &schema)
		}
		out = append(out, chatclient.ToolDefinition{
			Name:        d.Name,
			Description: d.Description,
			InputSchema: schema,
		})
	}
	return out
}

// toolChoice derives the request's tool-choice directive from the
// tool_selection_mode option.
func toolChoice(opts config.RunOptions) *chatclient.ToolChoice {
	switch opts.ToolSelectionMode {
	case config.ToolSelectionNone:
		return &chatclient.ToolChoice{Mode: chatclient.ToolChoiceNone}
	case config.ToolSelectionRequireAny:
		return &chatclient.ToolChoice{Mode: chatclient.ToolChoiceRequired}
	case config.ToolSelectionRequireSpecific:
		return &chatclient.ToolChoice{Mode: chatclient.ToolChoiceTool, Name: opts.RequiredToolName}
	default:
		return &chatclient.ToolChoice{Mode: chatclient.ToolChoiceAuto}
	}
}

// toToolCallRequestParts converts the chatclient tool calls the model
// requested into thread parts appended to the assistant message.
func toToolCallRequestParts(calls []chatclient.ToolCall) []thread.ToolCallRequestPart {
	out := make([]thread.ToolCallRequestPart, 0, len(calls))
	for _, c := range calls {
		var args map[string]any
		if len(c.Payload) > 0 {
			_ = json.Unmarshal(c.Payload, &args)
		}
		if args == nil {
			args = map[string]any{}
		}
		out = append(out, thread.ToolCallRequestPart{CallID: c.ID, Function: c.Name, Args: args})
	}
	return out
}
