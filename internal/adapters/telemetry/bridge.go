package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.trai.ch/kiln/internal/core/ports"
)

var _ sdktrace.SpanProcessor = (*LogBridge)(nil)

// LogBridge is a span processor that reports failed and slow spans through
// the logger. Spans faster than threshold that did not fail are ignored.
type LogBridge struct {
	logger    ports.Logger
	threshold time.Duration
}

// NewLogBridge returns a bridge that reports spans slower than threshold.
func NewLogBridge(logger ports.Logger, threshold time.Duration) *LogBridge {
	return &LogBridge{logger: logger, threshold: threshold}
}

// OnStart does nothing.
func (b *LogBridge) OnStart(_ context.Context, _ sdktrace.ReadWriteSpan) {}

// OnEnd reports the span when it failed or exceeded the threshold.
func (b *LogBridge) OnEnd(s sdktrace.ReadOnlySpan) {
	if !s.SpanContext().IsValid() {
		return
	}

	took := s.EndTime().Sub(s.StartTime()).Round(time.Microsecond)
	target := spanTarget(s)

	switch {
	case s.Status().Code == codes.Error:
		b.logger.Warn(fmt.Sprintf("%s %s failed after %s: %s", s.Name(), target, took, s.Status().Description))
	case b.threshold > 0 && took > b.threshold:
		b.logger.Warn(fmt.Sprintf("%s %s took %s (target %s)", s.Name(), target, took, b.threshold))
	}
}

// Shutdown does nothing.
func (b *LogBridge) Shutdown(_ context.Context) error { return nil }

// ForceFlush does nothing.
func (b *LogBridge) ForceFlush(_ context.Context) error { return nil }

func spanTarget(s sdktrace.ReadOnlySpan) string {
	for _, kv := range s.Attributes() {
		if kv.Key == ports.AttrPath {
			return kv.Value.AsString()
		}
	}
	return ""
}
