package observe

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/z-wentao/livecaption"

// Tracer 使用全局 TracerProvider
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartChunkSpan 为一个片段的某个步骤开启 span，调用方负责 End
func StartChunkSpan(ctx context.Context, name, sessionID string, index int) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, trace.WithAttributes(
		attribute.String("session.id", sessionID),
		attribute.Int("chunk.index", index),
	))
}

// EndSpan 记录错误（如有）并结束 span
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
