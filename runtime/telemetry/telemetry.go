// Package telemetry integrates run execution with Clue logging and OTEL
// metrics. The interfaces are intentionally small so tests can provide
// lightweight stubs.
package telemetry

import (
	"context"
	"time"
)

// Logger captures structured logging used throughout the runtime.
// Implementations typically delegate to Clue.
type Logger interface {
	Debug(ctx context.Context, msg string, keyvals ...any)
	Info(ctx context.Context, msg string, keyvals ...any)
	Warn(ctx context.Context, msg string, keyvals ...any)
	Error(ctx context.Context, msg string, keyvals ...any)
}

// Metrics exposes counter and histogram helpers for run instrumentation.
type Metrics interface {
	IncCounter(name string, value float64, tags ...string)
	RecordTimer(name string, duration time.Duration, tags ...string)
}

// Metric names emitted by the executor.
const (
	// MetricRunsTotal counts finished runs, tagged by termination reason.
	MetricRunsTotal = "agentcore.runs.total"
	// MetricRunDuration records run wall time, tagged by runnable id.
	MetricRunDuration = "agentcore.run.duration"
	// MetricModelTokens counts tokens, tagged by direction and model.
	MetricModelTokens = "agentcore.model.tokens"
	// MetricToolDuration records tool execution time, tagged by tool name
	// and outcome.
	MetricToolDuration = "agentcore.tool.duration"
)

type (
	// NoopLogger discards all log messages.
	NoopLogger struct{}

	// NoopMetrics discards all metrics.
	NoopMetrics struct{}
)

// NewNoopLogger constructs a Logger that discards all log messages.
func NewNoopLogger() Logger { return NoopLogger{} }

// NewNoopMetrics constructs a Metrics recorder that discards all metrics.
func NewNoopMetrics() Metrics { return NoopMetrics{} }

// Debug discards the log message.
func (NoopLogger) Debug(context.Context, string, ...any) {}

// Info discards the log message.
func (NoopLogger) Info(context.Context, string, ...any) {}

// Warn discards the log message.
func (NoopLogger) Warn(context.Context, string, ...any) {}

// Error discards the log message.
func (NoopLogger) Error(context.Context, string, ...any) {}

// IncCounter discards the counter metric.
func (NoopMetrics) IncCounter(string, float64, ...string) {}

// RecordTimer discards the timer metric.
func (NoopMetrics) RecordTimer(string, time.Duration, ...string) {}
