package openai

import (
	"errors"
	"io"

	openai "github.com/sashabaranov/go-openai"

	"goa.design/agentcore/runtime/model"
	"goa.design/agentcore/runtime/step"
)

// streamer adapts an OpenAI SSE stream to model.Streamer. OpenAI interleaves
// content and tool-call fragments inside choice deltas; usage arrives on the
// final frame when stream options request it.
type streamer struct {
	stream *openai.ChatCompletionStream

	// pending holds chunks decoded from one frame but not yet returned:
	// a frame can carry both a delta and a finish reason.
	pending []model.Chunk
}

func newStreamer(stream *openai.ChatCompletionStream) *streamer {
	return &streamer{stream: stream}
}

// Recv implements model.Streamer.
func (s *streamer) Recv() (model.Chunk, error) {
	for {
		if len(s.pending) > 0 {
			chunk := s.pending[0]
			s.pending = s.pending[1:]
			return chunk, nil
		}
		frame, err := s.stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return model.Chunk{}, io.EOF
			}
			return model.Chunk{}, err
		}
		s.decode(frame)
	}
}

// Close implements model.Streamer.
func (s *streamer) Close() error {
	return s.stream.Close()
}

func (s *streamer) decode(frame openai.ChatCompletionStreamResponse) {
	if frame.Usage != nil {
		s.pending = append(s.pending, model.Chunk{
			Type: model.ChunkTypeUsage,
			Usage: &model.TokenUsage{
				InputTokens:  frame.Usage.PromptTokens,
				OutputTokens: frame.Usage.CompletionTokens,
				TotalTokens:  frame.Usage.TotalTokens,
			},
		})
	}
	if len(frame.Choices) == 0 {
		return
	}
	choice := frame.Choices[0]
	delta := step.Delta{Content: choice.Delta.Content}
	for _, call := range choice.Delta.ToolCalls {
		index := 0
		if call.Index != nil {
			index = *call.Index
		}
		delta.ToolCalls = append(delta.ToolCalls, step.ToolCallDelta{
			Index:             index,
			ID:                call.ID,
			Name:              call.Function.Name,
			ArgumentsFragment: call.Function.Arguments,
		})
	}
	if delta.Content != "" || len(delta.ToolCalls) > 0 {
		s.pending = append(s.pending, model.Chunk{Type: model.ChunkTypeDelta, Delta: &delta})
	}
	if choice.FinishReason != "" {
		s.pending = append(s.pending, model.Chunk{
			Type:       model.ChunkTypeStop,
			StopReason: string(choice.FinishReason),
		})
	}
}
