package ports

import (
	"context"
	"io"
)

// Span attribute keys set by the engine.
const (
	AttrPath        = "kiln.path"
	AttrCached      = "kiln.cached"
	AttrStale       = "kiln.stale"
	AttrJobID       = "kiln.job_id"
	AttrKey         = "kiln.key"
	AttrBatchSize   = "kiln.batch_size"
	AttrInvalidated = "kiln.invalidated"
)

//go:generate mockgen -source=telemetry.go -destination=mocks/mock_telemetry.go -package=mocks

// Tracer is the entry point for creating spans.
type Tracer interface {
	// Start creates a new span.
	Start(ctx context.Context, name string, opts ...SpanOption) (context.Context, Span)
	// EmitBatch records the set of files about to be compiled together.
	EmitBatch(ctx context.Context, paths []string)
}

// Span represents a unit of work.
type Span interface {
	io.Writer
	// End completes the span.
	End()
	// RecordError records an error for the span.
	RecordError(err error)
	// SetAttribute adds a key-value pair to the span.
	SetAttribute(key string, value any)
}

// SpanConfig holds configuration for a starting span.
type SpanConfig struct {
	// Attributes are set on the span when it starts.
	Attributes map[string]any
}

// SpanOption is a functional option for configuring a span.
type SpanOption func(*SpanConfig)

// WithAttribute sets an attribute on the span at start.
func WithAttribute(key string, value any) SpanOption {
	return func(c *SpanConfig) {
		if c.Attributes == nil {
			c.Attributes = make(map[string]any)
		}
		c.Attributes[key] = value
	}
}
