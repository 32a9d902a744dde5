package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// Metadata keys carrying trace identity on events that cross a context
// boundary. They double as CloudEvents extension attributes.
const (
	MetaTraceID = "amcptraceid"
	MetaSpanID  = "amcpspanid"
)

// TraceManager wraps the OTel tracer with span helpers for the runtime's
// operations: publish, deliver, orchestrate, migrate.
type TraceManager struct {
	tracer trace.Tracer
}

func NewTraceManager(serviceName string) *TraceManager {
	return &TraceManager{
		tracer: otel.Tracer(serviceName),
	}
}

func (tm *TraceManager) StartSpan(ctx context.Context, operationName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tm.tracer.Start(ctx, operationName, trace.WithAttributes(attrs...))
}

// InjectTraceContext writes W3C trace context plus the amcp trace extension
// keys into an event metadata map before the event leaves the process.
func (tm *TraceManager) InjectTraceContext(ctx context.Context, metadata map[string]string) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(metadata))
	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		metadata[MetaTraceID] = span.SpanContext().TraceID().String()
		metadata[MetaSpanID] = span.SpanContext().SpanID().String()
	}
}

// ExtractTraceContext restores trace context from event metadata.
func (tm *TraceManager) ExtractTraceContext(ctx context.Context, metadata map[string]string) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(metadata))
}

func (tm *TraceManager) StartPublishSpan(ctx context.Context, topic string) (context.Context, trace.Span) {
	return tm.tracer.Start(ctx, "broker.publish", trace.WithAttributes(
		attribute.String("messaging.system", "amcp"),
		attribute.String("messaging.destination", topic),
		attribute.String("messaging.operation", "publish"),
	))
}

func (tm *TraceManager) StartDeliverSpan(ctx context.Context, topic, subscriber string) (context.Context, trace.Span) {
	return tm.tracer.Start(ctx, "broker.deliver", trace.WithAttributes(
		attribute.String("messaging.system", "amcp"),
		attribute.String("messaging.source", topic),
		attribute.String("messaging.operation", "deliver"),
		attribute.String("amcp.subscriber", subscriber),
	))
}

func (tm *TraceManager) StartEventProcessingSpan(ctx context.Context, eventID, topic string, agentID string) (context.Context, trace.Span) {
	return tm.tracer.Start(ctx, "agent.handle_event", trace.WithAttributes(
		attribute.String("amcp.event.id", eventID),
		attribute.String("amcp.event.topic", topic),
		attribute.String("amcp.agent.id", agentID),
	))
}

func (tm *TraceManager) StartMigrationSpan(ctx context.Context, operation, agentID, destination string) (context.Context, trace.Span) {
	return tm.tracer.Start(ctx, "mobility."+operation, trace.WithAttributes(
		attribute.String("amcp.agent.id", agentID),
		attribute.String("amcp.mobility.destination", destination),
	))
}

func (tm *TraceManager) StartOrchestrationSpan(ctx context.Context, correlationID string) (context.Context, trace.Span) {
	return tm.tracer.Start(ctx, "orchestrator.process_request", trace.WithAttributes(
		attribute.String("amcp.correlation.id", correlationID),
	))
}

func (tm *TraceManager) StartLLMSpan(ctx context.Context, connector string) (context.Context, trace.Span) {
	return tm.tracer.Start(ctx, "llm.generate", trace.WithAttributes(
		attribute.String("amcp.llm.connector", connector),
	))
}

func (tm *TraceManager) RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

func (tm *TraceManager) SetSpanSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// AddComponentAttribute marks the runtime component owning the span.
func (tm *TraceManager) AddComponentAttribute(span trace.Span, component string) {
	span.SetAttributes(attribute.String("amcp.component", component))
}

// AddEventAttributes records routing facts about one delivery.
func (tm *TraceManager) AddEventAttributes(span trace.Span, eventID, topic, sender string, subscriberCount int) {
	span.SetAttributes(
		attribute.String("amcp.event.id", eventID),
		attribute.String("amcp.event.topic", topic),
		attribute.Int("amcp.event.subscriber_count", subscriberCount),
	)
	if sender != "" {
		span.SetAttributes(attribute.String("amcp.event.sender", sender))
	}
}

// AddTaskAttributes records the capability and correlation of a dispatched
// task.
func (tm *TraceManager) AddTaskAttributes(span trace.Span, capability, correlationID, agentID string) {
	span.SetAttributes(
		attribute.String("amcp.task.capability", capability),
		attribute.String("amcp.correlation.id", correlationID),
	)
	if agentID != "" {
		span.SetAttributes(attribute.String("amcp.task.agent", agentID))
	}
}

// AddSpanEvent adds a timestamped processing step to a span.
func (tm *TraceManager) AddSpanEvent(span trace.Span, eventName string, attributes ...attribute.KeyValue) {
	span.AddEvent(eventName, trace.WithAttributes(attributes...))
}
