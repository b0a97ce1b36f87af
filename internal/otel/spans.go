package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for warroom spans.
var (
	AttrWorkspaceID = attribute.Key("warroom.workspace.id")
	AttrAgentID     = attribute.Key("warroom.agent.id")
	AttrMessageID   = attribute.Key("warroom.message.id")
	AttrActionID    = attribute.Key("warroom.action.id")
	AttrTriggerID   = attribute.Key("warroom.trigger.id")
	AttrTopic       = attribute.Key("warroom.message.topic")
	AttrGateType    = attribute.Key("warroom.gate.type")
	AttrModel       = attribute.Key("warroom.llm.model")
)

// StartSpan starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound request (gateway).
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound call (LLM, external action).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
