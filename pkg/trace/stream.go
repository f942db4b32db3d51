package trace

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentStreamStarted creates a span for a stream attach.
func InstrumentStreamStarted(ctx context.Context, callID, streamID, track string) (context.Context, trace.Span) {
	attrs := StreamAttrs(callID, streamID)
	attrs = append(attrs, attribute.String(AttrTrack, track))
	return StartSpan(ctx, "stream.started", trace.WithAttributes(attrs...))
}

// InstrumentStreamStopped creates a span for a stream teardown.
func InstrumentStreamStopped(ctx context.Context, streamKey string) (context.Context, trace.Span) {
	return StartSpan(ctx, "stream.stopped",
		trace.WithAttributes(attribute.String(AttrStreamID, streamKey)),
	)
}

// InstrumentConnectionStateChange creates a span for a transport state
// transition.
func InstrumentConnectionStateChange(ctx context.Context, url, oldState, newState string) (context.Context, trace.Span) {
	attrs := ConnectionAttrs(url, newState)
	attrs = append(attrs, attribute.String("connection.old_state", oldState))
	return StartSpan(ctx, "connection.state_change", trace.WithAttributes(attrs...))
}

// InstrumentConnectionError creates a span for a transport error.
func InstrumentConnectionError(ctx context.Context, url string, err error) (context.Context, trace.Span) {
	ctx, span := StartSpan(ctx, "connection.error",
		trace.WithAttributes(ConnectionAttrs(url, "error")...),
	)
	RecordError(span, err)
	return ctx, span
}
