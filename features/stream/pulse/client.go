// Package pulse publishes run events to goa.design/pulse streams so browsers
// and sibling services can follow a run over Redis instead of holding the
// in-process wire. It mirrors the layering used by existing Pulse
// deployments: services build a Redis client, pass it to New, and hand the
// resulting forwarder a drained wire.
package pulse

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"
)

type (
	// Client exposes the subset of Pulse APIs the forwarder needs so tests
	// can substitute fakes.
	Client interface {
		// Stream returns a handle to the named Pulse stream, creating it if
		// needed.
		Stream(name string) (Stream, error)
		// Close releases resources owned by the client. Callers typically
		// own the Redis connection and may provide a no-op implementation.
		Close(ctx context.Context) error
	}

	// Stream exposes the publish side of one Pulse stream.
	Stream interface {
		// Add publishes an event with the given name and payload, returning
		// the Redis-assigned event id.
		Add(ctx context.Context, event string, payload []byte) (string, error)
		// Destroy deletes the stream and all its messages.
		Destroy(ctx context.Context) error
	}

	// ClientOptions configures the Redis-backed client.
	ClientOptions struct {
		// Redis is the connection backing the Pulse streams. Required.
		Redis *redis.Client
		// StreamMaxLen bounds entries kept per stream. Zero uses Pulse
		// defaults.
		StreamMaxLen int
		// OperationTimeout bounds individual Add operations. Zero means no
		// timeout.
		OperationTimeout time.Duration
	}

	client struct {
		redis   *redis.Client
		maxLen  int
		timeout time.Duration
	}

	handle struct {
		stream  *streaming.Stream
		timeout time.Duration
	}
)

// New constructs a Pulse client backed by the provided Redis connection.
func New(opts ClientOptions) (Client, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	return &client{
		redis:   opts.Redis,
		maxLen:  opts.StreamMaxLen,
		timeout: opts.OperationTimeout,
	}, nil
}

// Stream implements Client.
func (c *client) Stream(name string) (Stream, error) {
	if name == "" {
		return nil, errors.New("stream name is required")
	}
	var streamOptions []streamopts.Stream
	if c.maxLen > 0 {
		streamOptions = append(streamOptions, streamopts.WithStreamMaxLen(c.maxLen))
	}
	str, err := streaming.NewStream(name, c.redis, streamOptions...)
	if err != nil {
		return nil, fmt.Errorf("create pulse stream: %w", err)
	}
	return &handle{stream: str, timeout: c.timeout}, nil
}

// Close implements Client. The caller owns the Redis connection, so this is
// a no-op.
func (c *client) Close(context.Context) error { return nil }

// Add implements Stream.
func (h *handle) Add(ctx context.Context, event string, payload []byte) (string, error) {
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}
	return h.stream.Add(ctx, event, payload)
}

// Destroy implements Stream.
func (h *handle) Destroy(ctx context.Context) error {
	return h.stream.Destroy(ctx)
}
