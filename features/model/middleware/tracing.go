package middleware

import (
	"context"
	"errors"
	"io"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"goa.design/agentcore/runtime/model"
)

const tracerName = "goa.design/agentcore/features/model/middleware"

type (
	tracedClient struct {
		next   model.Client
		tracer trace.Tracer
	}

	// tracedStream keeps the span open until the stream terminates so the
	// span covers delivery, not just the request handshake.
	tracedStream struct {
		inner model.Streamer
		span  trace.Span

		mu    sync.Mutex
		usage model.TokenUsage

		endOnce sync.Once
	}
)

// Tracing returns a model.Client middleware that wraps invocations in OTEL
// client spans. Spans record the target model, token usage and stop reason;
// streaming spans end when the stream reaches EOF or is closed.
func Tracing() func(model.Client) model.Client {
	return func(next model.Client) model.Client {
		if next == nil {
			return nil
		}
		return &tracedClient{next: next, tracer: otel.Tracer(tracerName)}
	}
}

// Complete implements model.Client.
func (c *tracedClient) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	ctx, span := c.tracer.Start(ctx, "model.complete",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(requestAttrs(req)...),
	)
	defer span.End()

	resp, err := c.next.Complete(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "model complete failed")
		return resp, err
	}
	recordUsage(span, resp.Usage)
	if resp.StopReason != "" {
		span.SetAttributes(attribute.String("model.stop_reason", resp.StopReason))
	}
	span.SetStatus(codes.Ok, "")
	return resp, nil
}

// Stream implements model.Client.
func (c *tracedClient) Stream(ctx context.Context, req model.Request) (model.Streamer, error) {
	ctx, span := c.tracer.Start(ctx, "model.stream",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(requestAttrs(req)...),
	)

	stream, err := c.next.Stream(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "model stream failed")
		span.End()
		return nil, err
	}
	return &tracedStream{inner: stream, span: span}, nil
}

// Recv implements model.Streamer.
func (s *tracedStream) Recv() (model.Chunk, error) {
	chunk, err := s.inner.Recv()
	if err != nil {
		if errors.Is(err, io.EOF) {
			s.end(codes.Ok, "")
			return chunk, err
		}
		s.span.RecordError(err)
		s.end(codes.Error, "stream recv failed")
		return chunk, err
	}
	if chunk.Usage != nil {
		s.mu.Lock()
		s.usage.Add(*chunk.Usage)
		s.mu.Unlock()
	}
	if chunk.Type == model.ChunkTypeStop && chunk.StopReason != "" {
		s.span.SetAttributes(attribute.String("model.stop_reason", chunk.StopReason))
	}
	return chunk, nil
}

// Close implements model.Streamer.
func (s *tracedStream) Close() error {
	err := s.inner.Close()
	if err != nil {
		s.span.RecordError(err)
		s.end(codes.Error, "stream close failed")
		return err
	}
	s.end(codes.Ok, "")
	return nil
}

func (s *tracedStream) end(code codes.Code, desc string) {
	s.endOnce.Do(func() {
		s.mu.Lock()
		usage := s.usage
		s.mu.Unlock()

		recordUsage(s.span, usage)
		s.span.SetStatus(code, desc)
		s.span.End()
	})
}

func recordUsage(span trace.Span, usage model.TokenUsage) {
	if (usage == model.TokenUsage{}) {
		return
	}
	span.SetAttributes(
		attribute.Int("model.input_tokens", usage.InputTokens),
		attribute.Int("model.output_tokens", usage.OutputTokens),
		attribute.Int("model.total_tokens", usage.TotalTokens),
	)
}

func requestAttrs(req model.Request) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("model.name", req.Model),
		attribute.Int("model.max_tokens", req.MaxTokens),
		attribute.Int("model.messages", len(req.Messages)),
		attribute.Int("model.tools", len(req.Tools)),
	}
}
