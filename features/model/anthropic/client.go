// Package anthropic provides a model.Client backed by the Anthropic Claude
// Messages API. It translates normalized requests into Messages calls using
// github.com/anthropics/anthropic-sdk-go and maps streamed events back onto
// the generic chunk types.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"goa.design/agentcore/runtime/model"
	"goa.design/agentcore/runtime/step"
)

// DefaultMaxTokens caps completions when neither the request nor the options
// specify one; the Messages API requires an explicit cap.
const DefaultMaxTokens = 4096

type (
	// MessagesClient captures the subset of the Anthropic SDK used by the
	// adapter. Satisfied by *sdk.MessageService; tests can pass fakes.
	MessagesClient interface {
		New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
		NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
	}

	// Options configures the Anthropic adapter.
	Options struct {
		// DefaultModel is used when the request does not name one. Required.
		// Use the typed constants from anthropic-sdk-go, for example
		// string(sdk.ModelClaudeSonnet4_5_20250929).
		DefaultModel string
		// MaxTokens is the default completion cap; zero selects
		// DefaultMaxTokens.
		MaxTokens int
	}

	// Client implements model.Client on top of Anthropic Claude Messages.
	Client struct {
		msg          MessagesClient
		defaultModel string
		maxTokens    int
	}
)

// New builds an Anthropic-backed model client.
func New(msg MessagesClient, opts Options) (*Client, error) {
	if msg == nil {
		return nil, errors.New("anthropic client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model identifier is required")
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	return &Client{msg: msg, defaultModel: opts.DefaultModel, maxTokens: maxTokens}, nil
}

// NewFromAPIKey constructs a client using the default Anthropic HTTP client.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, Options{DefaultModel: defaultModel})
}

// Complete implements model.Client.
func (c *Client) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	params, err := c.encodeRequest(req)
	if err != nil {
		return model.Response{}, err
	}
	msg, err := c.msg.New(ctx, params)
	if err != nil {
		return model.Response{}, fmt.Errorf("anthropic messages.new: %w", classify(err))
	}
	return translateMessage(msg), nil
}

// Stream implements model.Client.
func (c *Client) Stream(ctx context.Context, req model.Request) (model.Streamer, error) {
	params, err := c.encodeRequest(req)
	if err != nil {
		return nil, err
	}
	stream := c.msg.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("anthropic messages.new streaming: %w", classify(err))
	}
	return newStreamer(stream), nil
}

// encodeRequest translates the normalized request into Messages params.
// Anthropic carries the system prompt out of band and tool results as user
// content blocks.
func (c *Client) encodeRequest(req model.Request) (sdk.MessageNewParams, error) {
	if len(req.Messages) == 0 {
		return sdk.MessageNewParams{}, errors.New("messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}
	params := sdk.MessageNewParams{
		Model:     sdk.Model(modelID),
		MaxTokens: int64(maxTokens),
	}
	if req.Temperature > 0 {
		params.Temperature = sdk.Float(float64(req.Temperature))
	}
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			params.System = append(params.System, sdk.TextBlockParam{Text: m.Content})
		case "user":
			params.Messages = append(params.Messages, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		case "assistant":
			blocks := make([]sdk.ContentBlockParamUnion, 0, 1+len(m.ToolCalls))
			if m.Content != "" {
				blocks = append(blocks, sdk.NewTextBlock(m.Content))
			}
			for _, call := range m.ToolCalls {
				args := call.Arguments
				if args == "" {
					args = "{}"
				}
				blocks = append(blocks, sdk.NewToolUseBlock(call.ID, json.RawMessage(args), call.Name))
			}
			params.Messages = append(params.Messages, sdk.NewAssistantMessage(blocks...))
		case "tool":
			params.Messages = append(params.Messages,
				sdk.NewUserMessage(sdk.NewToolResultBlock(m.ToolCallID, m.Content, false)))
		default:
			return sdk.MessageNewParams{}, fmt.Errorf("unsupported message role %q", m.Role)
		}
	}
	for _, def := range req.Tools {
		params.Tools = append(params.Tools, encodeTool(def))
	}
	return params, nil
}

func encodeTool(def model.ToolDefinition) sdk.ToolUnionParam {
	schema := sdk.ToolInputSchemaParam{}
	if props, ok := def.InputSchema["properties"]; ok {
		schema.Properties = props
	}
	if req, ok := def.InputSchema["required"].([]any); ok {
		for _, r := range req {
			if s, ok := r.(string); ok {
				schema.Required = append(schema.Required, s)
			}
		}
	}
	tool := sdk.ToolParam{
		Name:        def.Name,
		InputSchema: schema,
	}
	if def.Description != "" {
		tool.Description = sdk.String(def.Description)
	}
	return sdk.ToolUnionParam{OfTool: &tool}
}

// classify maps provider 429 responses onto model.ErrRateLimited so rate
// limiting middlewares can react.
func classify(err error) error {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) && apiErr.StatusCode == 429 {
		return fmt.Errorf("%w: %w", model.ErrRateLimited, err)
	}
	return err
}

func translateMessage(msg *sdk.Message) model.Response {
	out := model.Response{
		StopReason: string(msg.StopReason),
		Usage: model.TokenUsage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
			TotalTokens:  int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		},
	}
	for _, block := range msg.Content {
		switch b := block.AsAny().(type) {
		case sdk.TextBlock:
			out.Content += b.Text
		case sdk.ToolUseBlock:
			out.ToolCalls = append(out.ToolCalls, step.ToolCall{
				ID:        b.ID,
				Name:      b.Name,
				Arguments: string(b.Input),
			})
		}
	}
	return out
}
