package middleware

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"goa.design/agentcore/runtime/model"
)

type (
	// RetryConfig configures the retry middleware.
	RetryConfig struct {
		// MaxAttempts is the maximum number of attempts (including the initial
		// attempt). A value of 0 or 1 means no retries.
		MaxAttempts int
		// InitialBackoff is the initial delay before the first retry.
		InitialBackoff time.Duration
		// MaxBackoff is the maximum delay between retries.
		MaxBackoff time.Duration
		// BackoffMultiplier is the factor by which the backoff increases after
		// each retry. A value of 2.0 provides exponential backoff.
		BackoffMultiplier float64
		// Jitter adds randomness to the backoff to prevent thundering herd.
		// A value of 0.1 adds up to 10% jitter.
		Jitter float64
		// Retryable reports whether an error warrants another attempt.
		// Defaults to retrying rate limit errors only. Context cancellation is
		// never retried.
		Retryable func(error) bool
	}

	retryClient struct {
		next model.Client
		cfg  RetryConfig
	}

	// RetryExhaustedError is returned when all retry attempts failed.
	RetryExhaustedError struct {
		// Attempts is the number of attempts made.
		Attempts int
		// TotalDuration is the total time spent retrying.
		TotalDuration time.Duration
		// LastError is the error from the last attempt.
		LastError error
	}
)

// DefaultRetryConfig returns a sensible default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        10 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            0.1,
	}
}

// Error implements the error interface.
func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("retry exhausted after %d attempts over %v: %v", e.Attempts, e.TotalDuration, e.LastError)
}

// Unwrap returns the underlying error.
func (e *RetryExhaustedError) Unwrap() error {
	return e.LastError
}

// Retry returns a model.Client middleware that retries failed invocations
// with exponential backoff. Only the request phase is retried: once a stream
// is established, mid-stream failures surface to the caller since partial
// output may already have been delivered.
func Retry(cfg RetryConfig) func(model.Client) model.Client {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.Retryable == nil {
		cfg.Retryable = func(err error) bool {
			return errors.Is(err, model.ErrRateLimited)
		}
	}
	return func(next model.Client) model.Client {
		if next == nil {
			return nil
		}
		return &retryClient{next: next, cfg: cfg}
	}
}

// Complete implements model.Client.
func (c *retryClient) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	var resp model.Response
	err := c.do(ctx, func(ctx context.Context) error {
		var err error
		resp, err = c.next.Complete(ctx, req)
		return err
	})
	return resp, err
}

// Stream implements model.Client.
func (c *retryClient) Stream(ctx context.Context, req model.Request) (model.Streamer, error) {
	var stream model.Streamer
	err := c.do(ctx, func(ctx context.Context) error {
		var err error
		stream, err = c.next.Stream(ctx, req)
		return err
	})
	return stream, err
}

func (c *retryClient) do(ctx context.Context, fn func(ctx context.Context) error) error {
	start := time.Now()
	var lastErr error

	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if errors.Is(err, context.Canceled) || !c.cfg.Retryable(err) {
			return err
		}
		if attempt >= c.cfg.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.backoff(attempt)):
		}
	}

	return &RetryExhaustedError{
		Attempts:      c.cfg.MaxAttempts,
		TotalDuration: time.Since(start),
		LastError:     lastErr,
	}
}

// backoff computes the delay before the next attempt.
func (c *retryClient) backoff(attempt int) time.Duration {
	d := float64(c.cfg.InitialBackoff) * math.Pow(c.cfg.BackoffMultiplier, float64(attempt-1))
	if d > float64(c.cfg.MaxBackoff) {
		d = float64(c.cfg.MaxBackoff)
	}
	if c.cfg.Jitter > 0 {
		d += d * c.cfg.Jitter * (rand.Float64()*2 - 1)
	}
	return time.Duration(d)
}
