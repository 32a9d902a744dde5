package observability

import (
	"context"
	"log/slog"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
)

// Config selects the exporters and identity of one runtime process.
type Config struct {
	ServiceName    string
	ServiceVersion string
	// OTLPEndpoint receives trace export over gRPC.
	OTLPEndpoint string
	Environment  string
	// Disabled skips exporter setup; tracers and meters fall back to the
	// global no-op providers. Used by tests and embedded deployments.
	Disabled bool
}

// DefaultConfig reads the observability environment with sane defaults.
func DefaultConfig(serviceName string) Config {
	return Config{
		ServiceName:    serviceName,
		ServiceVersion: getEnv("AMCP_SERVICE_VERSION", "0.1.0"),
		OTLPEndpoint:   getEnv("AMCP_OTLP_ENDPOINT", "127.0.0.1:4317"),
		Environment:    getEnv("AMCP_ENVIRONMENT", "development"),
		Disabled:       os.Getenv("AMCP_OBSERVABILITY_DISABLED") == "true",
	}
}

// Observability bundles the tracer, meter and logger handed to every runtime
// component.
type Observability struct {
	Config   Config
	Tracer   trace.Tracer
	Meter    metric.Meter
	Logger   *slog.Logger
	Handler  *LogHandler
	shutdown func(context.Context) error
}

// New wires the OTLP trace exporter, the Prometheus metric exporter and the
// trace-correlated slog handler.
func New(config Config) (*Observability, error) {
	if config.Disabled {
		return &Observability{
			Config:   config,
			Tracer:   otel.Tracer(config.ServiceName),
			Meter:    otel.Meter(config.ServiceName),
			Logger:   slog.New(slog.NewTextHandler(os.Stderr, nil)),
			shutdown: func(context.Context) error { return nil },
		}, nil
	}

	ctx := context.Background()

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
		),
	)
	if err != nil {
		return nil, err
	}

	traceExporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(config.OTLPEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tracerProvider)

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	promExporter, err := prometheus.New()
	if err != nil {
		return nil, err
	}
	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExporter),
	)
	otel.SetMeterProvider(meterProvider)

	tracer := otel.Tracer(config.ServiceName)
	meter := otel.Meter(config.ServiceName)

	handler, err := NewLogHandler(meter, config.ServiceName, HandlerOptions{
		Level:      ParseLogLevel(getEnv("AMCP_LOG_LEVEL", "INFO")),
		Writer:     os.Stderr,
		BufferSize: 1000,
	})
	if err != nil {
		return nil, err
	}

	return &Observability{
		Config:  config,
		Tracer:  tracer,
		Meter:   meter,
		Logger:  slog.New(handler),
		Handler: handler,
		shutdown: func(ctx context.Context) error {
			if err := handler.Shutdown(ctx); err != nil {
				return err
			}
			if err := tracerProvider.Shutdown(ctx); err != nil {
				return err
			}
			return meterProvider.Shutdown(ctx)
		},
	}, nil
}

// Shutdown flushes exporters and the log buffer.
func (o *Observability) Shutdown(ctx context.Context) error {
	return o.shutdown(ctx)
}

// ParseLogLevel maps the AMCP_LOG_LEVEL values to slog levels.
func ParseLogLevel(level string) slog.Level {
	switch level {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
