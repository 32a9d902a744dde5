// Package retry provides bounded retries with exponential backoff and
// jitter for transient failures: transport hiccups, LLM overload, broker
// acknowledgement timeouts.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	amcp "github.com/amcp-project/amcp-go"
)

// Config configures retry behavior.
type Config struct {
	// MaxAttempts is the maximum number of attempts including the first.
	// Zero or one means no retries.
	MaxAttempts int
	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration
	// MaxBackoff caps the delay between retries.
	MaxBackoff time.Duration
	// Multiplier grows the backoff after each retry; 2.0 is exponential.
	Multiplier float64
	// Jitter adds up to the given fraction of randomness to each delay.
	Jitter float64
}

// DefaultConfig returns the runtime-wide default retry configuration.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		Multiplier:     2.0,
		Jitter:         0.1,
	}
}

// Linear returns a configuration with constant backoff.
func Linear(attempts int, backoff time.Duration) Config {
	return Config{MaxAttempts: attempts, InitialBackoff: backoff, MaxBackoff: backoff, Multiplier: 1.0}
}

// ExhaustedError is returned when the retry budget is spent.
type ExhaustedError struct {
	Attempts      int
	TotalDuration time.Duration
	LastError     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry exhausted after %d attempts over %v: %v", e.Attempts, e.TotalDuration, e.LastError)
}

func (e *ExhaustedError) Unwrap() error { return e.LastError }

// Retryable reports whether an error is worth retrying. Invalid input,
// missing entities, lifecycle and policy violations never are; cancellation
// by the caller is final, a deadline may succeed on retry.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	switch amcp.KindOf(err) {
	case amcp.KindInvalidInput, amcp.KindNotFound, amcp.KindLifecycle, amcp.KindPolicy:
		return false
	}
	return true
}

// Do runs fn with retries. Non-retryable errors are returned immediately;
// once attempts are exhausted the last error is wrapped in ExhaustedError.
func Do(ctx context.Context, cfg Config, fn func(ctx context.Context) error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	start := time.Now()
	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !Retryable(err) {
			return err
		}
		if attempt >= cfg.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(Backoff(cfg, attempt)):
		}
	}
	return &ExhaustedError{
		Attempts:      cfg.MaxAttempts,
		TotalDuration: time.Since(start),
		LastError:     lastErr,
	}
}

// Backoff computes the delay after a given 1-based attempt.
func Backoff(cfg Config, attempt int) time.Duration {
	backoff := float64(cfg.InitialBackoff) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if cfg.MaxBackoff > 0 && backoff > float64(cfg.MaxBackoff) {
		backoff = float64(cfg.MaxBackoff)
	}
	if cfg.Jitter > 0 {
		backoff += backoff * cfg.Jitter * (rand.Float64()*2 - 1)
	}
	return time.Duration(backoff)
}
