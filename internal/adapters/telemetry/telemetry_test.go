package telemetry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.trai.ch/kiln/internal/adapters/telemetry"
	"go.trai.ch/kiln/internal/core/ports"
	"go.trai.ch/kiln/internal/core/ports/mocks"
	"go.uber.org/mock/gomock"
)

func newRecordingTracer(t *testing.T, processors ...sdktrace.SpanProcessor) (*telemetry.OTelTracer, *tracetest.SpanRecorder) {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	opts := []sdktrace.TracerProviderOption{sdktrace.WithSpanProcessor(rec)}
	for _, p := range processors {
		opts = append(opts, sdktrace.WithSpanProcessor(p))
	}
	tp := sdktrace.NewTracerProvider(opts...)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return telemetry.NewOTelTracerFrom(tp, "test"), rec
}

func TestOTelTracer_SpanAttributes(t *testing.T) {
	tracer, rec := newRecordingTracer(t)

	_, span := tracer.Start(context.Background(), "compile",
		ports.WithAttribute(ports.AttrPath, "src/a.page"),
	)
	span.SetAttribute(ports.AttrCached, true)
	span.SetAttribute("count", 3)
	span.SetAttribute("hits", uint64(7))
	_, _ = span.Write([]byte("compiler said hi"))
	span.End()

	ended := rec.Ended()
	require.Len(t, ended, 1)
	s := ended[0]
	assert.Equal(t, "compile", s.Name())
	assert.Contains(t, s.Attributes(), attribute.String(ports.AttrPath, "src/a.page"))
	assert.Contains(t, s.Attributes(), attribute.Bool(ports.AttrCached, true))
	assert.Contains(t, s.Attributes(), attribute.Int64("hits", 7))
	require.Len(t, s.Events(), 1)
	assert.Equal(t, "log", s.Events()[0].Name)
}

func TestOTelTracer_RecordError(t *testing.T) {
	tracer, rec := newRecordingTracer(t)

	_, span := tracer.Start(context.Background(), "compile")
	span.RecordError(errors.New("syntax error"))
	span.RecordError(nil)
	span.End()

	s := rec.Ended()[0]
	assert.Equal(t, codes.Error, s.Status().Code)
	assert.Equal(t, "syntax error", s.Status().Description)
}

func TestOTelTracer_EmitBatch(t *testing.T) {
	tracer, rec := newRecordingTracer(t)

	ctx, span := tracer.Start(context.Background(), "compile_files")
	tracer.EmitBatch(ctx, []string{"a", "b"})
	span.End()

	events := rec.Ended()[0].Events()
	require.Len(t, events, 1)
	assert.Equal(t, "batch_planned", events[0].Name)
}

func TestLogBridge_ReportsFailedSpans(t *testing.T) {
	ctrl := gomock.NewController(t)
	logger := mocks.NewMockLogger(ctrl)
	logger.EXPECT().Warn(gomock.Any()).Do(func(msg string) {
		assert.Contains(t, msg, "src/bad.page")
		assert.Contains(t, msg, "unexpected token")
	}).Times(1)

	tracer, _ := newRecordingTracer(t, telemetry.NewLogBridge(logger, time.Hour))

	_, ok := tracer.Start(context.Background(), "compile", ports.WithAttribute(ports.AttrPath, "src/ok.page"))
	ok.End()

	_, bad := tracer.Start(context.Background(), "compile", ports.WithAttribute(ports.AttrPath, "src/bad.page"))
	bad.RecordError(errors.New("unexpected token"))
	bad.End()
}

func TestLogBridge_ReportsSlowSpans(t *testing.T) {
	ctrl := gomock.NewController(t)
	logger := mocks.NewMockLogger(ctrl)
	logger.EXPECT().Warn(gomock.Any()).Do(func(msg string) {
		assert.Contains(t, msg, "took")
	}).Times(1)

	tracer, _ := newRecordingTracer(t, telemetry.NewLogBridge(logger, time.Nanosecond))

	_, span := tracer.Start(context.Background(), "compile")
	time.Sleep(time.Millisecond)
	span.End()
}

func TestNoOpTracer(t *testing.T) {
	tracer := telemetry.NewNoOpTracer()
	ctx := context.Background()

	got, span := tracer.Start(ctx, "anything")
	assert.Equal(t, ctx, got)

	n, err := span.Write([]byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	span.SetAttribute("k", "v")
	span.RecordError(errors.New("ignored"))
	span.End()
	tracer.EmitBatch(ctx, nil)
}
