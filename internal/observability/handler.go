package observability

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// LogHandler is a slog.Handler that stamps every record with the active trace
// and span IDs, counts log volume per level, and writes JSON lines through a
// bounded buffer so logging never blocks event processing.
type LogHandler struct {
	opts        HandlerOptions
	serviceName string
	attrs       []slog.Attr
	group       string

	logCounter  metric.Int64Counter
	logsDropped metric.Int64Counter

	buffer   chan logEntry
	shutdown chan struct{}
	once     sync.Once
	wg       sync.WaitGroup
}

// HandlerOptions configures a LogHandler.
type HandlerOptions struct {
	Level      slog.Level
	Writer     io.Writer
	BufferSize int
}

type logEntry struct {
	time  time.Time
	level slog.Level
	msg   string
	attrs []slog.Attr
}

// NewLogHandler builds a handler writing to opts.Writer.
func NewLogHandler(meter metric.Meter, serviceName string, opts HandlerOptions) (*LogHandler, error) {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 1000
	}

	logCounter, err := meter.Int64Counter(
		"amcp_logs_total",
		metric.WithDescription("Total number of log entries"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}
	logsDropped, err := meter.Int64Counter(
		"amcp_logs_dropped_total",
		metric.WithDescription("Log entries dropped because the buffer was full"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	h := &LogHandler{
		opts:        opts,
		serviceName: serviceName,
		logCounter:  logCounter,
		logsDropped: logsDropped,
		buffer:      make(chan logEntry, opts.BufferSize),
		shutdown:    make(chan struct{}),
	}
	h.wg.Add(1)
	go h.drain()
	return h, nil
}

func (h *LogHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.opts.Level
}

func (h *LogHandler) Handle(ctx context.Context, r slog.Record) error {
	if !h.Enabled(ctx, r.Level) {
		return nil
	}

	attrs := make([]slog.Attr, 0, r.NumAttrs()+len(h.attrs)+3)
	attrs = append(attrs, h.attrs...)
	r.Attrs(func(attr slog.Attr) bool {
		attrs = append(attrs, h.qualify(attr))
		return true
	})

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		spanCtx := span.SpanContext()
		attrs = append(attrs,
			slog.String("trace_id", spanCtx.TraceID().String()),
			slog.String("span_id", spanCtx.SpanID().String()),
		)
	}

	h.logCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("level", r.Level.String()),
		attribute.String("service", h.serviceName),
	))

	entry := logEntry{time: r.Time, level: r.Level, msg: r.Message, attrs: attrs}
	select {
	case h.buffer <- entry:
	default:
		// Full buffer means something downstream stalled; dropping is
		// preferable to back-pressuring delivery paths through logging.
		h.logsDropped.Add(ctx, 1, metric.WithAttributes(
			attribute.String("service", h.serviceName),
		))
	}
	return nil
}

func (h *LogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.attrs = make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	clone.attrs = append(clone.attrs, h.attrs...)
	for _, a := range attrs {
		clone.attrs = append(clone.attrs, clone.qualify(a))
	}
	return &clone
}

func (h *LogHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := *h
	if clone.group != "" {
		clone.group += "." + name
	} else {
		clone.group = name
	}
	return &clone
}

func (h *LogHandler) qualify(a slog.Attr) slog.Attr {
	if h.group == "" {
		return a
	}
	return slog.Attr{Key: h.group + "." + a.Key, Value: a.Value}
}

func (h *LogHandler) drain() {
	defer h.wg.Done()
	for {
		select {
		case entry := <-h.buffer:
			h.write(entry)
		case <-h.shutdown:
			for {
				select {
				case entry := <-h.buffer:
					h.write(entry)
				default:
					return
				}
			}
		}
	}
}

func (h *LogHandler) write(entry logEntry) {
	if h.opts.Writer == nil {
		return
	}
	line := map[string]any{
		"time":    entry.time.Format(time.RFC3339Nano),
		"level":   entry.level.String(),
		"msg":     entry.msg,
		"service": h.serviceName,
	}
	for _, attr := range entry.attrs {
		line[attr.Key] = attr.Value.Any()
	}
	raw, err := json.Marshal(line)
	if err != nil {
		return
	}
	raw = append(raw, '\n')
	_, _ = h.opts.Writer.Write(raw)
}

// Shutdown stops the drain goroutine after flushing buffered entries.
func (h *LogHandler) Shutdown(ctx context.Context) error {
	h.once.Do(func() { close(h.shutdown) })

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
