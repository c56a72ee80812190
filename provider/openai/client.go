// Package openai adapts github.com/openai/openai-go's Chat Completions API
// to the chatclient.ChatClient collaborator interface, following the same
// shape as provider/anthropic: translate the request, issue the call, and
// translate the response or stream back into the core's provider-neutral
// types.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/packages/ssestream"

	"github.com/hpd-agent/core/chatclient"
)

// CompletionsClient is the subset of the OpenAI SDK client this adapter
// consumes, letting tests substitute a fake for openai.Client.Chat.Completions.
type CompletionsClient interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
	NewStreaming(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) *ssestream.Stream[openai.ChatCompletionChunk]
}

// Options configures default request parameters applied when a Request
// leaves them unset.
type Options struct {
	MaxTokens   int
	Temperature float64
}

// Client implements chatclient.ChatClient over OpenAI Chat Completions.
type Client struct {
	completions CompletionsClient
	opts        Options
}

// New builds a Client from an OpenAI chat-completions client.
func New(completions CompletionsClient, opts Options) (*Client, error) {
	if completions == nil {
		return nil, errors.New("openai: completions client is required")
	}
	return &Client{completions: completions, opts: opts}, nil
}

// NewFromAPIKey constructs a Client using the SDK's default HTTP transport,
// authenticating with apiKey.
func NewFromAPIKey(apiKey string, opts Options) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("openai: api key is required")
	}
	c := openai.NewClient(option.WithAPIKey(apiKey))
	return New(&c.Chat.Completions, opts)
}

func (c *Client) Complete(ctx context.Context, req chatclient.Request) (chatclient.Response, error) {
	params, err := c.prepareRequest(req)
	if err != nil {
		return chatclient.Response{}, err
	}
	resp, err := c.completions.New(ctx, *params)
	if err != nil {
		return chatclient.Response{}, c.wrapErr("chat.completions.new", err)
	}
	return translateResponse(resp)
}

func (c *Client) Stream(ctx context.Context, req chatclient.Request) (<-chan chatclient.Chunk, error) {
	params, err := c.prepareRequest(req)
	if err != nil {
		return nil, err
	}
	stream := c.completions.NewStreaming(ctx, *params)
	if err := stream.Err(); err != nil {
		return nil, c.wrapErr("chat.completions.new (stream)", err)
	}
	out := make(chan chatclient.Chunk, 32)
	go runStreamer(ctx, stream, out)
	return out, nil
}

func (c *Client) wrapErr(op string, err error) error {
	return chatclient.NewProviderError("openai", op, 0, chatclient.ProviderErrorKindUnknown, "", err.Error(), false, err)
}

func (c *Client) prepareRequest(req chatclient.Request) (*openai.ChatCompletionNewParams, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("openai: messages are required")
	}
	if req.Model == "" {
		return nil, errors.New("openai: model is required")
	}

	messages, err := encodeMessages(req.Messages)
	if err != nil {
		return nil, err
	}
	tools, err := encodeTools(req.Tools)
	if err != nil {
		return nil, err
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(req.Model),
		Messages: messages,
	}
	if len(tools) > 0 {
		params.Tools = tools
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.opts.MaxTokens
	}
	if maxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(maxTokens))
	}
	temp := float64(req.Temperature)
	if temp <= 0 {
		temp = c.opts.Temperature
	}
	if temp > 0 {
		params.Temperature = param.NewOpt(temp)
	}
	if req.ToolChoice != nil {
		params.ToolChoice = encodeToolChoice(*req.ToolChoice)
	}
	return &params, nil
}

func encodeMessages(msgs []chatclient.Message) ([]openai.ChatCompletionMessageParamUnion, error) {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		text := textOf(m.Parts)
		switch m.Role {
		case chatclient.RoleSystem:
			out = append(out, openai.SystemMessage(text))
		case chatclient.RoleUser:
			out = append(out, openai.UserMessage(text))
		case chatclient.RoleAssistant:
			assistant := openai.AssistantMessage(text)
			calls := toolCallsOf(m.Parts)
			if len(calls) > 0 {
				assistant.OfAssistant.ToolCalls = calls
			}
			out = append(out, assistant)
		case chatclient.RoleTool:
			for _, p := range m.Parts {
				if tr, ok := p.(chatclient.ToolResultPart); ok {
					out = append(out, openai.ToolMessage(contentString(tr.Content), tr.ToolUseID))
				}
			}
		default:
			return nil, fmt.Errorf("openai: unsupported message role %q", m.Role)
		}
	}
	return out, nil
}

func textOf(parts []chatclient.Part) string {
	var out string
	for _, p := range parts {
		if tp, ok := p.(chatclient.TextPart); ok {
			out += tp.Text
		}
	}
	return out
}

func toolCallsOf(parts []chatclient.Part) []openai.ChatCompletionMessageToolCallParam {
	var out []openai.ChatCompletionMessageToolCallParam
	for _, p := range parts {
		tu, ok := p.(chatclient.ToolUsePart)
		if !ok {
			continue
		}
		out = append(out, openai.ChatCompletionMessageToolCallParam{
			ID: tu.ID,
			Function: openai.ChatCompletionMessageToolCallFunctionParam{
				Name:      tu.Name,
				Arguments: string(tu.Input),
			},
		})
	}
	return out
}

func contentString(v any) string {
	switch c := v.(type) {
	case nil:
		return ""
	case string:
		return c
	case []byte:
		return string(c)
	default:
		data, err := json.Marshal(c)
		if err != nil {
			return ""
		}
		return string(data)
	}
}

func encodeTools(defs []chatclient.ToolDefinition) ([]openai.ChatCompletionToolParam, error) {
	if len(defs) == 0 {
		return nil, nil
	}
	out := make([]openai.ChatCompletionToolParam, 0, len(defs))
	for _, def := range defs {
		schema, err := paramsOf(def.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("openai: tool %q schema: %w", def.Name, err)
		}
		out = append(out, openai.ChatCompletionToolParam{
			Function: openai.FunctionDefinitionParam{
				Name:        def.Name,
				Description: param.NewOpt(def.Description),
				Parameters:  schema,
			},
		})
	}
	return out, nil
}

func paramsOf(schema any) (openai.FunctionParameters, error) {
	if schema == nil {
		return nil, nil
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func encodeToolChoice(choice chatclient.ToolChoice) openai.ChatCompletionToolChoiceOptionUnionParam {
	switch choice.Mode {
	case chatclient.ToolChoiceNone:
		return openai.ChatCompletionToolChoiceOptionUnionParam{OfAuto: param.NewOpt("none")}
	case chatclient.ToolChoiceRequired:
		return openai.ChatCompletionToolChoiceOptionUnionParam{OfAuto: param.NewOpt("required")}
	case chatclient.ToolChoiceTool:
		return openai.ChatCompletionToolChoiceOptionUnionParam{
			OfChatCompletionNamedToolChoice: &openai.ChatCompletionNamedToolChoiceParam{
				Function: openai.ChatCompletionNamedToolChoiceFunctionParam{Name: choice.Name},
			},
		}
	default:
		return openai.ChatCompletionToolChoiceOptionUnionParam{OfAuto: param.NewOpt("auto")}
	}
}

func translateResponse(resp *openai.ChatCompletion) (chatclient.Response, error) {
	if resp == nil || len(resp.Choices) == 0 {
		return chatclient.Response{}, errors.New("openai: response has no choices")
	}
	choice := resp.Choices[0]
	out := chatclient.Response{
		Message:    chatclient.Message{Role: chatclient.RoleAssistant},
		StopReason: string(choice.FinishReason),
		Usage: chatclient.TokenUsage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:  int(resp.Usage.TotalTokens),
		},
	}
	if choice.Message.Content != "" {
		out.Message.Parts = append(out.Message.Parts, chatclient.TextPart{Text: choice.Message.Content})
	}
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, chatclient.ToolCall{
			ID:      tc.ID,
			Name:    tc.Function.Name,
			Payload: json.RawMessage(tc.Function.Arguments),
		})
	}
	return out, nil
}
