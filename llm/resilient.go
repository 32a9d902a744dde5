package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"

	amcp "github.com/amcp-project/amcp-go"
	"github.com/amcp-project/amcp-go/internal/observability"
	"github.com/amcp-project/amcp-go/internal/retry"
	"github.com/amcp-project/amcp-go/llm/cache"
)

// LearnFunc receives every successful prompt/response pair. The fallback
// engine registers itself here to induce new rules.
type LearnFunc func(ctx context.Context, prompt, response string)

// FallbackFunc produces a deterministic response when the model is
// unreachable. ok=false means the fallback has nothing for this prompt.
type FallbackFunc func(ctx context.Context, prompt string) (response string, ok bool)

// ResilientConfig bounds the wrapper.
type ResilientConfig struct {
	// RequestTimeout caps one attempt against the backend.
	RequestTimeout time.Duration
	// Retry bounds the attempts per Generate call.
	Retry retry.Config
}

func DefaultResilientConfig() ResilientConfig {
	return ResilientConfig{
		RequestTimeout: 30 * time.Second,
		Retry: retry.Config{
			MaxAttempts:    3,
			InitialBackoff: 500 * time.Millisecond,
			MaxBackoff:     5 * time.Second,
			Multiplier:     2.0,
			Jitter:         0.2,
		},
	}
}

// Resilient decorates a Connector with the full degradation ladder: cache
// lookup, bounded retries with jitter, the learning hook and the rule-based
// fallback. Only when every rung fails does the caller see
// ErrLLMUnavailable.
type Resilient struct {
	cfg      ResilientConfig
	inner    Connector
	cache    *cache.Cache
	learn    LearnFunc
	fallback FallbackFunc
	logger   *slog.Logger
	trace    *observability.TraceManager
	metrics  *observability.MetricsManager

	total        atomic.Uint64
	successes    atomic.Uint64
	cacheHits    atomic.Uint64
	fallbacks    atomic.Uint64
	failures     atomic.Uint64
	latencyNanos atomic.Int64
}

// NewResilient wires the wrapper. Cache, learn and fallback are optional;
// a nil cache disables caching, a nil fallback fails hard on exhaustion.
func NewResilient(cfg ResilientConfig, inner Connector, responseCache *cache.Cache, learn LearnFunc, fallback FallbackFunc, logger *slog.Logger, tm *observability.TraceManager, mm *observability.MetricsManager) (*Resilient, error) {
	if inner == nil {
		return nil, amcp.Errorf("llm.NewResilient", amcp.KindInvalidInput, "connector is required")
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultResilientConfig().RequestTimeout
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultResilientConfig().Retry
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if tm == nil {
		tm = observability.NewTraceManager("amcp-llm")
	}
	if mm == nil {
		var err error
		mm, err = observability.NewMetricsManager(otel.Meter("amcp-llm"))
		if err != nil {
			return nil, err
		}
	}
	return &Resilient{
		cfg:      cfg,
		inner:    inner,
		cache:    responseCache,
		learn:    learn,
		fallback: fallback,
		logger:   logger,
		trace:    tm,
		metrics:  mm,
	}, nil
}

func cacheKey(req Request) string {
	return cache.Key(
		req.Prompt,
		req.ModelID,
		strconv.FormatFloat(req.Parameters.Temperature, 'g', -1, 64),
		strconv.Itoa(req.Parameters.MaxTokens),
		strconv.FormatFloat(req.Parameters.TopP, 'g', -1, 64),
	)
}

// Generate walks the ladder: cache, live model with retries, fallback.
func (r *Resilient) Generate(ctx context.Context, req Request) (string, error) {
	r.total.Add(1)
	start := time.Now()
	ctx, span := r.trace.StartLLMSpan(ctx, req.ModelID)
	defer span.End()
	defer func() {
		r.latencyNanos.Add(time.Since(start).Nanoseconds())
		r.metrics.RecordLLMRequestDuration(ctx, req.ModelID, time.Since(start))
	}()

	var key string
	if r.cache != nil {
		key = cacheKey(req)
		if response, ok := r.cache.Get(key); ok {
			r.cacheHits.Add(1)
			r.successes.Add(1)
			r.metrics.IncrementLLMCacheHits(ctx)
			r.metrics.IncrementLLMRequests(ctx, req.ModelID, "cache")
			r.trace.SetSpanSuccess(span)
			return response, nil
		}
	}

	var response string
	err := retry.Do(ctx, r.cfg.Retry, func(ctx context.Context) error {
		attemptCtx, cancel := context.WithTimeout(ctx, r.cfg.RequestTimeout)
		defer cancel()
		out, err := r.inner.Generate(attemptCtx, req)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return amcp.E("llm.Generate", amcp.KindTimeout, err)
			}
			return err
		}
		response = out
		return nil
	})
	if err == nil {
		r.successes.Add(1)
		r.metrics.IncrementLLMRequests(ctx, req.ModelID, "success")
		r.trace.SetSpanSuccess(span)
		if r.cache != nil {
			r.cache.Put(key, response)
		}
		if r.learn != nil {
			r.learn(ctx, req.Prompt, response)
		}
		return response, nil
	}

	r.logger.WarnContext(ctx, "LLM retries exhausted, degrading",
		"model_id", req.ModelID,
		"error", err,
	)
	if r.fallback != nil {
		if response, ok := r.fallback(ctx, req.Prompt); ok {
			r.fallbacks.Add(1)
			r.metrics.IncrementLLMRequests(ctx, req.ModelID, "fallback")
			r.trace.SetSpanSuccess(span)
			return response, nil
		}
	}

	r.failures.Add(1)
	r.metrics.IncrementLLMRequests(ctx, req.ModelID, "failure")
	r.trace.RecordError(span, err)
	return "", &amcp.Error{
		Kind: amcp.KindUnavailable, Op: "llm.Generate",
		Message: fmt.Sprintf("model %s unreachable and no fallback matched", req.ModelID),
		Err:     errors.Join(amcp.ErrLLMUnavailable, err),
	}
}

// IsHealthy reports the backend's own health signal.
func (r *Resilient) IsHealthy(ctx context.Context) bool { return r.inner.IsHealthy(ctx) }

// Stats is a point-in-time view of connector behavior.
type Stats struct {
	TotalRequests  uint64
	Successes      uint64
	CacheHits      uint64
	Fallbacks      uint64
	Failures       uint64
	AverageLatency time.Duration
	SuccessRate    float64
}

func (r *Resilient) Stats() Stats {
	total := r.total.Load()
	s := Stats{
		TotalRequests: total,
		Successes:     r.successes.Load(),
		CacheHits:     r.cacheHits.Load(),
		Fallbacks:     r.fallbacks.Load(),
		Failures:      r.failures.Load(),
	}
	if total > 0 {
		s.AverageLatency = time.Duration(r.latencyNanos.Load() / int64(total))
		s.SuccessRate = float64(s.Successes+s.Fallbacks) / float64(total)
	}
	return s
}
