package anthropic

import (
	"fmt"
	"io"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"goa.design/agentcore/runtime/model"
	"goa.design/agentcore/runtime/step"
)

// streamer adapts an Anthropic SSE stream to model.Streamer. Anthropic splits
// a tool call across content_block_start (id and name) and input_json_delta
// events (argument fragments); both map onto tool-call deltas keyed by block
// index so the accumulator reassembles them.
type streamer struct {
	stream *ssestream.Stream[sdk.MessageStreamEventUnion]

	// pending holds chunks decoded from one event but not yet returned:
	// message_delta carries both usage and a stop reason.
	pending []model.Chunk
}

func newStreamer(stream *ssestream.Stream[sdk.MessageStreamEventUnion]) *streamer {
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
		if !s.stream.Next() {
			if err := s.stream.Err(); err != nil {
				return model.Chunk{}, fmt.Errorf("anthropic stream: %w", err)
			}
			return model.Chunk{}, io.EOF
		}
		s.decode(s.stream.Current())
	}
}

// Close implements model.Streamer.
func (s *streamer) Close() error {
	return s.stream.Close()
}

func (s *streamer) decode(event sdk.MessageStreamEventUnion) {
	switch ev := event.AsAny().(type) {
	case sdk.MessageStartEvent:
		// message_start reports input tokens; output tokens arrive as a
		// cumulative count on message_delta, so only the input side is
		// credited here to keep summed usage accurate.
		s.pending = append(s.pending, model.Chunk{
			Type: model.ChunkTypeUsage,
			Usage: &model.TokenUsage{
				InputTokens: int(ev.Message.Usage.InputTokens),
				TotalTokens: int(ev.Message.Usage.InputTokens),
			},
		})
	case sdk.ContentBlockStartEvent:
		if block, ok := ev.ContentBlock.AsAny().(sdk.ToolUseBlock); ok {
			s.pending = append(s.pending, model.Chunk{
				Type: model.ChunkTypeDelta,
				Delta: &step.Delta{ToolCalls: []step.ToolCallDelta{{
					Index: int(ev.Index),
					ID:    block.ID,
					Name:  block.Name,
				}}},
			})
		}
	case sdk.ContentBlockDeltaEvent:
		switch d := ev.Delta.AsAny().(type) {
		case sdk.TextDelta:
			if d.Text != "" {
				s.pending = append(s.pending, model.Chunk{
					Type:  model.ChunkTypeDelta,
					Delta: &step.Delta{Content: d.Text},
				})
			}
		case sdk.InputJSONDelta:
			if d.PartialJSON != "" {
				s.pending = append(s.pending, model.Chunk{
					Type: model.ChunkTypeDelta,
					Delta: &step.Delta{ToolCalls: []step.ToolCallDelta{{
						Index:             int(ev.Index),
						ArgumentsFragment: d.PartialJSON,
					}}},
				})
			}
		}
	case sdk.MessageDeltaEvent:
		// The output token count on message_delta is cumulative, so report
		// only the final tally alongside the stop reason.
		if ev.Delta.StopReason != "" {
			s.pending = append(s.pending, model.Chunk{
				Type: model.ChunkTypeUsage,
				Usage: &model.TokenUsage{
					OutputTokens: int(ev.Usage.OutputTokens),
					TotalTokens:  int(ev.Usage.OutputTokens),
				},
			}, model.Chunk{
				Type:       model.ChunkTypeStop,
				StopReason: string(ev.Delta.StopReason),
			})
		}
	}
}
