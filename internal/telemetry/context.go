package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys shared by dispatcher and API spans
const (
	AttrSource         = attribute.Key("notifyd.source")
	AttrKind           = attribute.Key("notifyd.kind")
	AttrNotificationID = attribute.Key("notifyd.notification_id")
	AttrSubscriptionID = attribute.Key("notifyd.subscription_id")
	AttrCallbacks      = attribute.Key("notifyd.callbacks")
)

// StartSpan starts a new span on the notifyd tracer
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// AddSpanAttributes adds attributes to the current span
func AddSpanAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).SetAttributes(attrs...)
}

// AddSpanEvent adds an event to the current span
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}

// MarkSpanError marks the current span as having an error
func MarkSpanError(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	span.SetStatus(codes.Error, err.Error())
	span.RecordError(err)
}
