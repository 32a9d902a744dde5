// Package observability wires OpenTelemetry tracing, Prometheus metrics,
// trace-correlated structured logging and health endpoints for every runtime
// process.
//
// A process initializes it once:
//
//	obs, err := observability.New(observability.DefaultConfig("amcp"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer obs.Shutdown(context.Background())
//
// This sets up the OTLP gRPC trace exporter, the Prometheus metric exporter
// and a slog.Logger whose records carry the active trace and span IDs.
// TraceManager provides span helpers for broker publishes and deliveries,
// agent event handling, mobility operations and LLM calls, and it moves trace
// context through event metadata (the amcptraceid and amcpspanid keys) when
// events cross context boundaries. MetricsManager owns the runtime's
// counters, histograms and gauges. HealthServer exposes /health, /ready and
// /metrics and can probe remote contexts over the standard gRPC health
// protocol.
package observability
