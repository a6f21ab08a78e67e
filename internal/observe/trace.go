package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope name for the wakeloop tracer.
const tracerName = "github.com/MrWong99/wakeloop"

// Span attributes recorded by the conversation loop.
const (
	AttrWakeSource      = attribute.Key("wakeloop.wake.source")
	AttrRecognizerFinal = attribute.Key("wakeloop.recognizer.final")
	AttrPlaybackStatus  = attribute.Key("wakeloop.playback.status")
	AttrConversing      = attribute.Key("wakeloop.conversation.conversing")
	AttrRetries         = attribute.Key("wakeloop.conversation.retries")
	AttrStopReason      = attribute.Key("wakeloop.stop.reason")
)

// StartSpan starts a span on the wakeloop tracer. The caller must call
// span.End().
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, opts...)
}

// ConversationState annotates span with the dialogue state after a message
// was handled.
func ConversationState(span trace.Span, conversing bool, retries int) {
	span.SetAttributes(AttrConversing.Bool(conversing), AttrRetries.Int(retries))
}

// CorrelationID is the trace ID of the span in ctx, or "". It ties a wake
// to the reply and journal entries it caused.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}

// Logger returns slog.Default with trace_id and span_id attached when ctx
// carries a span.
func Logger(ctx context.Context) *slog.Logger {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return slog.Default()
	}
	return slog.Default().With(
		slog.String("trace_id", sc.TraceID().String()),
		slog.String("span_id", sc.SpanID().String()),
	)
}
