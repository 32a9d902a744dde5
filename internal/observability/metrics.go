package observability

import (
	"context"
	"runtime"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsManager owns the runtime's counters, histograms and gauges. One
// instance is shared by the broker, the agent context, the mobility manager
// and the LLM layer.
type MetricsManager struct {
	meter metric.Meter

	// Broker metrics
	eventsPublishedTotal    metric.Int64Counter
	eventsDeliveredTotal    metric.Int64Counter
	eventsRedeliveredTotal  metric.Int64Counter
	eventsDeadLetteredTotal metric.Int64Counter
	eventsDroppedTotal      metric.Int64Counter
	deliveryDuration        metric.Float64Histogram
	publishDuration         metric.Float64Histogram
	subscriptionQueueDepth  metric.Int64UpDownCounter
	transportErrorsTotal    metric.Int64Counter

	// Agent metrics
	agentsActive          metric.Int64UpDownCounter
	handlerErrorsTotal    metric.Int64Counter
	migrationsTotal       metric.Int64Counter
	migrationDuration     metric.Float64Histogram

	// LLM and orchestration metrics
	llmRequestsTotal    metric.Int64Counter
	llmRequestDuration  metric.Float64Histogram
	llmCacheHitsTotal   metric.Int64Counter
	fallbacksTotal      metric.Int64Counter
	orchestrationsTotal metric.Int64Counter

	// System metrics
	processResidentMemoryBytes metric.Int64UpDownCounter
	goGoroutines               metric.Int64UpDownCounter
	goMemstatsAllocBytes       metric.Int64UpDownCounter
}

func NewMetricsManager(meter metric.Meter) (*MetricsManager, error) {
	mm := &MetricsManager{meter: meter}

	var err error

	mm.eventsPublishedTotal, err = meter.Int64Counter(
		"amcp_events_published_total",
		metric.WithDescription("Total number of events accepted by the broker"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	mm.eventsDeliveredTotal, err = meter.Int64Counter(
		"amcp_events_delivered_total",
		metric.WithDescription("Total number of successful handler deliveries"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	mm.eventsRedeliveredTotal, err = meter.Int64Counter(
		"amcp_events_redelivered_total",
		metric.WithDescription("Total number of delivery retries"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	mm.eventsDeadLetteredTotal, err = meter.Int64Counter(
		"amcp_events_dead_lettered_total",
		metric.WithDescription("Total number of events routed to a dead-letter topic"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	mm.eventsDroppedTotal, err = meter.Int64Counter(
		"amcp_events_dropped_total",
		metric.WithDescription("Total number of events dropped under back-pressure or TTL expiry"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	mm.deliveryDuration, err = meter.Float64Histogram(
		"amcp_delivery_duration_seconds",
		metric.WithDescription("Handler delivery duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	mm.publishDuration, err = meter.Float64Histogram(
		"amcp_publish_duration_seconds",
		metric.WithDescription("Broker publish duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	mm.subscriptionQueueDepth, err = meter.Int64UpDownCounter(
		"amcp_subscription_queue_depth",
		metric.WithDescription("Events currently buffered across subscription queues"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	mm.transportErrorsTotal, err = meter.Int64Counter(
		"amcp_transport_errors_total",
		metric.WithDescription("Total number of transport failures seen by the circuit breaker"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	mm.agentsActive, err = meter.Int64UpDownCounter(
		"amcp_agents_active",
		metric.WithDescription("Agents currently in the ACTIVE lifecycle state"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	mm.handlerErrorsTotal, err = meter.Int64Counter(
		"amcp_handler_errors_total",
		metric.WithDescription("Total number of errors returned by agent event handlers"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	mm.migrationsTotal, err = meter.Int64Counter(
		"amcp_migrations_total",
		metric.WithDescription("Total number of mobility operations by kind and outcome"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	mm.migrationDuration, err = meter.Float64Histogram(
		"amcp_migration_duration_seconds",
		metric.WithDescription("End-to-end mobility operation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	mm.llmRequestsTotal, err = meter.Int64Counter(
		"amcp_llm_requests_total",
		metric.WithDescription("Total number of LLM generation requests by outcome"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	mm.llmRequestDuration, err = meter.Float64Histogram(
		"amcp_llm_request_duration_seconds",
		metric.WithDescription("LLM generation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	mm.llmCacheHitsTotal, err = meter.Int64Counter(
		"amcp_llm_cache_hits_total",
		metric.WithDescription("Total number of response cache hits"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	mm.fallbacksTotal, err = meter.Int64Counter(
		"amcp_fallbacks_total",
		metric.WithDescription("Total number of responses produced by the rule-based fallback engine"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	mm.orchestrationsTotal, err = meter.Int64Counter(
		"amcp_orchestrations_total",
		metric.WithDescription("Total number of orchestration requests by terminal state"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	mm.processResidentMemoryBytes, err = meter.Int64UpDownCounter(
		"process_resident_memory_bytes",
		metric.WithDescription("Resident memory size in bytes"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	mm.goGoroutines, err = meter.Int64UpDownCounter(
		"go_goroutines",
		metric.WithDescription("Number of goroutines that currently exist"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	mm.goMemstatsAllocBytes, err = meter.Int64UpDownCounter(
		"go_memstats_alloc_bytes",
		metric.WithDescription("Number of bytes allocated and still in use"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	return mm, nil
}

// Broker metrics

func (mm *MetricsManager) IncrementEventsPublished(ctx context.Context, topic string) {
	mm.eventsPublishedTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("topic", topic),
	))
}

func (mm *MetricsManager) IncrementEventsDelivered(ctx context.Context, topic, subscriber string) {
	mm.eventsDeliveredTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("topic", topic),
		attribute.String("subscriber", subscriber),
	))
}

func (mm *MetricsManager) IncrementEventsRedelivered(ctx context.Context, topic, subscriber string) {
	mm.eventsRedeliveredTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("topic", topic),
		attribute.String("subscriber", subscriber),
	))
}

func (mm *MetricsManager) IncrementEventsDeadLettered(ctx context.Context, topic, reason string) {
	mm.eventsDeadLetteredTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("topic", topic),
		attribute.String("reason", reason),
	))
}

func (mm *MetricsManager) IncrementEventsDropped(ctx context.Context, topic, reason string) {
	mm.eventsDroppedTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("topic", topic),
		attribute.String("reason", reason),
	))
}

func (mm *MetricsManager) RecordDeliveryDuration(ctx context.Context, topic, subscriber string, duration time.Duration) {
	mm.deliveryDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("topic", topic),
		attribute.String("subscriber", subscriber),
	))
}

func (mm *MetricsManager) RecordPublishDuration(ctx context.Context, topic string, duration time.Duration) {
	mm.publishDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("topic", topic),
	))
}

func (mm *MetricsManager) AddQueueDepth(ctx context.Context, delta int64) {
	mm.subscriptionQueueDepth.Add(ctx, delta)
}

func (mm *MetricsManager) IncrementTransportErrors(ctx context.Context, transport string) {
	mm.transportErrorsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("transport", transport),
	))
}

// Agent metrics

func (mm *MetricsManager) AddActiveAgents(ctx context.Context, delta int64, agentType string) {
	mm.agentsActive.Add(ctx, delta, metric.WithAttributes(
		attribute.String("agent_type", agentType),
	))
}

func (mm *MetricsManager) IncrementHandlerErrors(ctx context.Context, agentType, topic string) {
	mm.handlerErrorsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("agent_type", agentType),
		attribute.String("topic", topic),
	))
}

func (mm *MetricsManager) IncrementMigrations(ctx context.Context, operation string, success bool) {
	mm.migrationsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.Bool("success", success),
	))
}

func (mm *MetricsManager) RecordMigrationDuration(ctx context.Context, operation string, duration time.Duration) {
	mm.migrationDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("operation", operation),
	))
}

// LLM and orchestration metrics

func (mm *MetricsManager) IncrementLLMRequests(ctx context.Context, connector, outcome string) {
	mm.llmRequestsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("connector", connector),
		attribute.String("outcome", outcome),
	))
}

func (mm *MetricsManager) RecordLLMRequestDuration(ctx context.Context, connector string, duration time.Duration) {
	mm.llmRequestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("connector", connector),
	))
}

func (mm *MetricsManager) IncrementLLMCacheHits(ctx context.Context) {
	mm.llmCacheHitsTotal.Add(ctx, 1)
}

func (mm *MetricsManager) IncrementFallbacks(ctx context.Context, category string) {
	mm.fallbacksTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("category", category),
	))
}

func (mm *MetricsManager) IncrementOrchestrations(ctx context.Context, state string) {
	mm.orchestrationsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("state", state),
	))
}

// System metrics

func (mm *MetricsManager) UpdateSystemMetrics(ctx context.Context) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	mm.goGoroutines.Add(ctx, int64(runtime.NumGoroutine()))
	mm.goMemstatsAllocBytes.Add(ctx, int64(m.Alloc))
	mm.processResidentMemoryBytes.Add(ctx, int64(m.Sys))
}

// StartSystemMetricsTicker refreshes system gauges until ctx is canceled.
func (mm *MetricsManager) StartSystemMetricsTicker(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				mm.UpdateSystemMetrics(ctx)
			}
		}
	}()
}

// StartTimer returns a closure recording delivery duration when called.
func (mm *MetricsManager) StartTimer() func(ctx context.Context, topic, subscriber string) {
	start := time.Now()
	return func(ctx context.Context, topic, subscriber string) {
		mm.RecordDeliveryDuration(ctx, topic, subscriber, time.Since(start))
	}
}
