// Package openai provides a model.Client backed by the OpenAI Chat
// Completions API. It translates normalized requests into ChatCompletion
// calls using github.com/sashabaranov/go-openai and maps streamed responses
// back onto the generic chunk types.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"goa.design/agentcore/runtime/model"
	"goa.design/agentcore/runtime/step"
)

// ChatClient captures the subset of the go-openai client used by the
// adapter so tests can substitute fakes.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (
		openai.ChatCompletionResponse, error)
	CreateChatCompletionStream(ctx context.Context, request openai.ChatCompletionRequest) (
		*openai.ChatCompletionStream, error)
}

// Options configures the OpenAI adapter.
type Options struct {
	// Client is the go-openai client. Required.
	Client ChatClient
	// DefaultModel is used when the request does not name one. Required.
	DefaultModel string
}

// Client implements model.Client via the OpenAI Chat Completions API.
type Client struct {
	chat  ChatClient
	model string
}

// New builds an OpenAI-backed model client from the provided options.
func New(opts Options) (*Client, error) {
	if opts.Client == nil {
		return nil, errors.New("openai client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model is required")
	}
	return &Client{chat: opts.Client, model: opts.DefaultModel}, nil
}

// NewFromAPIKey constructs a client using the default go-openai HTTP client.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	return New(Options{Client: openai.NewClient(apiKey), DefaultModel: defaultModel})
}

// Complete implements model.Client.
func (c *Client) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	request, err := c.encodeRequest(req)
	if err != nil {
		return model.Response{}, err
	}
	response, err := c.chat.CreateChatCompletion(ctx, request)
	if err != nil {
		return model.Response{}, fmt.Errorf("openai chat completion: %w", classify(err))
	}
	return translateResponse(response), nil
}

// Stream implements model.Client.
func (c *Client) Stream(ctx context.Context, req model.Request) (model.Streamer, error) {
	request, err := c.encodeRequest(req)
	if err != nil {
		return nil, err
	}
	request.Stream = true
	request.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	stream, err := c.chat.CreateChatCompletionStream(ctx, request)
	if err != nil {
		return nil, fmt.Errorf("openai chat completion stream: %w", classify(err))
	}
	return newStreamer(stream), nil
}

func (c *Client) encodeRequest(req model.Request) (openai.ChatCompletionRequest, error) {
	if len(req.Messages) == 0 {
		return openai.ChatCompletionRequest{}, errors.New("messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.model
	}
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, encodeMessage(m))
	}
	toolDefs, err := encodeTools(req.Tools)
	if err != nil {
		return openai.ChatCompletionRequest{}, err
	}
	return openai.ChatCompletionRequest{
		Model:       modelID,
		Messages:    messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Tools:       toolDefs,
	}, nil
}

func encodeMessage(m model.Message) openai.ChatCompletionMessage {
	out := openai.ChatCompletionMessage{
		Role:       m.Role,
		Content:    m.Content,
		ToolCallID: m.ToolCallID,
	}
	if m.Role == "tool" {
		out.Name = m.Name
	}
	for _, call := range m.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, openai.ToolCall{
			ID:   call.ID,
			Type: openai.ToolTypeFunction,
			Function: openai.FunctionCall{
				Name:      call.Name,
				Arguments: call.Arguments,
			},
		})
	}
	return out
}

func encodeTools(defs []model.ToolDefinition) ([]openai.Tool, error) {
	if len(defs) == 0 {
		return nil, nil
	}
	out := make([]openai.Tool, 0, len(defs))
	for _, def := range defs {
		params, err := json.Marshal(def.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("marshal tool %s schema: %w", def.Name, err)
		}
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  json.RawMessage(params),
			},
		})
	}
	return out, nil
}

// classify maps provider 429 responses onto model.ErrRateLimited so rate
// limiting middlewares can react.
func classify(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode == 429 {
		return fmt.Errorf("%w: %s", model.ErrRateLimited, apiErr.Message)
	}
	return err
}

func translateResponse(resp openai.ChatCompletionResponse) model.Response {
	out := model.Response{
		Usage: model.TokenUsage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		},
	}
	if len(resp.Choices) == 0 {
		return out
	}
	choice := resp.Choices[0]
	out.Content = choice.Message.Content
	out.StopReason = string(choice.FinishReason)
	for _, call := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, step.ToolCall{
			ID:        call.ID,
			Name:      call.Function.Name,
			Arguments: call.Function.Arguments,
		})
	}
	return out
}
