// Package llm defines the connector contract to language models and the
// resilient wrapper the orchestrator talks to: per-request timeouts,
// bounded retries with jitter, response caching, a learning hook feeding
// the rule engine and a deterministic fallback path when the model is
// unreachable.
package llm

import (
	"context"
)

// Parameters are the generation knobs that take part in cache keying.
type Parameters struct {
	Temperature float64
	MaxTokens   int
	TopP        float64
}

// Request is one generation call.
type Request struct {
	Prompt     string
	ModelID    string
	Parameters Parameters
}

// Connector is the interface to a concrete model backend.
type Connector interface {
	// Generate returns the model response for a prompt. Failures carry
	// amcp kinds: KindTimeout for deadline expiry, KindUnavailable for an
	// unreachable backend, KindTransient for retryable model errors.
	Generate(ctx context.Context, req Request) (string, error)
	// IsHealthy reports whether the backend currently accepts requests.
	IsHealthy(ctx context.Context) bool
}
