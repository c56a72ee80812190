// Package telemetry defines the logging, metrics, and tracing interfaces
// used across the core. Implementations typically delegate to
// goa.design/clue/log for logging and OpenTelemetry for metrics/tracing, but
// the interfaces are intentionally narrow so tests can supply lightweight
// stubs and so the core never depends on a concrete backend.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type (
	// Logger captures structured logging used throughout the core.
	Logger interface {
		Debug(ctx context.Context, msg string, keyvals ...any)
		Info(ctx context.Context, msg string, keyvals ...any)
		Warn(ctx context.Context, msg string, keyvals ...any)
		Error(ctx context.Context, msg string, keyvals ...any)
	}

	// Metrics exposes counter/timer/gauge helpers for core instrumentation.
	Metrics interface {
		IncCounter(name string, value float64, tags ...string)
		RecordTimer(name string, duration time.Duration, tags ...string)
		RecordGauge(name string, value float64, tags ...string)
	}

	// Tracer abstracts span creation so core code remains agnostic of the
	// underlying OpenTelemetry provider.
	Tracer interface {
		Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
	}

	// Span represents an in-flight tracing span.
	Span interface {
		End(opts ...trace.SpanEndOption)
		AddEvent(name string, attrs ...any)
		SetStatus(code codes.Code, description string)
		RecordError(err error, opts ...trace.EventOption)
	}

	// ToolTelemetry captures observability metadata collected during a tool
	// dispatch: wall-clock duration, retries, and provider-specific extras.
	ToolTelemetry struct {
		// DurationMs is the wall-clock execution time in milliseconds.
		DurationMs int64
		// Attempts is the number of attempts made (1 plus retries).
		Attempts int
		// Extra holds tool-specific metadata not captured by common fields.
		Extra map[string]any
	}
)
