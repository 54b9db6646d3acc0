package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ContextLogger wraps a zap logger and adds trace context to log entries
type ContextLogger struct {
	*zap.Logger
}

// NewContextLogger creates a new ContextLogger that wraps the given logger
func NewContextLogger(logger *zap.Logger) *ContextLogger {
	return &ContextLogger{Logger: logger}
}

// For returns a logger carrying trace_id and span_id of the span in ctx.
// Without a recording span the wrapped logger is returned unchanged.
func (l *ContextLogger) For(ctx context.Context) *zap.Logger {
	return l.Logger.With(traceFields(ctx)...)
}

func traceFields(ctx context.Context) []zap.Field {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return nil
	}
	sc := span.SpanContext()
	return []zap.Field{
		zap.String("trace_id", sc.TraceID().String()),
		zap.String("span_id", sc.SpanID().String()),
	}
}

// InfoWithTrace logs at info level with trace context
func InfoWithTrace(ctx context.Context, logger *zap.Logger, msg string, fields ...zap.Field) {
	logger.Info(msg, append(fields, traceFields(ctx)...)...)
}

// WarnWithTrace logs at warn level with trace context
func WarnWithTrace(ctx context.Context, logger *zap.Logger, msg string, fields ...zap.Field) {
	logger.Warn(msg, append(fields, traceFields(ctx)...)...)
}
