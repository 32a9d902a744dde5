package llm

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	amcp "github.com/amcp-project/amcp-go"
	"github.com/amcp-project/amcp-go/internal/retry"
	"github.com/amcp-project/amcp-go/llm/cache"
)

func fastConfig() ResilientConfig {
	return ResilientConfig{
		RequestTimeout: time.Second,
		Retry:          retry.Linear(3, time.Millisecond),
	}
}

func req(prompt string) Request {
	return Request{Prompt: prompt, ModelID: "test-model", Parameters: Parameters{Temperature: 0.2}}
}

func TestGenerateHitsBackend(t *testing.T) {
	mock := NewMockConnector()
	r, err := NewResilient(fastConfig(), mock, nil, nil, nil, nil, nil, nil)
	require.NoError(t, err)

	got, err := r.Generate(context.Background(), req("hello"))
	require.NoError(t, err)
	assert.Equal(t, "echo: hello", got)
	assert.Equal(t, 1, mock.CallCount())
	assert.Equal(t, "hello", mock.LastRequest().Prompt)

	stats := r.Stats()
	assert.Equal(t, uint64(1), stats.TotalRequests)
	assert.Equal(t, uint64(1), stats.Successes)
	assert.Equal(t, 1.0, stats.SuccessRate)
}

func TestGenerateServesFromCache(t *testing.T) {
	mock := NewMockConnector()
	c := cache.New(cache.Config{MaxEntries: 10, TTL: time.Minute}, nil)
	r, err := NewResilient(fastConfig(), mock, c, nil, nil, nil, nil, nil)
	require.NoError(t, err)

	_, err = r.Generate(context.Background(), req("hello"))
	require.NoError(t, err)
	_, err = r.Generate(context.Background(), req("hello"))
	require.NoError(t, err)

	assert.Equal(t, 1, mock.CallCount(), "second call is a cache hit")
	assert.Equal(t, uint64(1), r.Stats().CacheHits)

	// Different parameters miss the cache.
	other := req("hello")
	other.Parameters.Temperature = 0.9
	_, err = r.Generate(context.Background(), other)
	require.NoError(t, err)
	assert.Equal(t, 2, mock.CallCount())
}

func TestGenerateRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	mock := NewMockConnectorWithFunc(func(_ context.Context, _ Request) (string, error) {
		if calls.Add(1) < 3 {
			return "", amcp.Errorf("backend", amcp.KindTransient, "overloaded")
		}
		return "recovered", nil
	})
	r, err := NewResilient(fastConfig(), mock, nil, nil, nil, nil, nil, nil)
	require.NoError(t, err)

	got, err := r.Generate(context.Background(), req("q"))
	require.NoError(t, err)
	assert.Equal(t, "recovered", got)
	assert.Equal(t, int32(3), calls.Load())
}

func TestGenerateDoesNotRetryInvalidInput(t *testing.T) {
	var calls atomic.Int32
	mock := NewMockConnectorWithFunc(func(_ context.Context, _ Request) (string, error) {
		calls.Add(1)
		return "", amcp.Errorf("backend", amcp.KindInvalidInput, "prompt too long")
	})
	r, err := NewResilient(fastConfig(), mock, nil, nil, nil, nil, nil, nil)
	require.NoError(t, err)

	_, err = r.Generate(context.Background(), req("q"))
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load(), "invalid input is terminal")
}

func TestGenerateFallsBackWhenExhausted(t *testing.T) {
	mock := NewMockConnectorWithFunc(func(_ context.Context, _ Request) (string, error) {
		return "", amcp.Errorf("backend", amcp.KindUnavailable, "down")
	})
	fallback := func(_ context.Context, prompt string) (string, bool) {
		return "canned answer for " + prompt, true
	}
	r, err := NewResilient(fastConfig(), mock, nil, nil, fallback, nil, nil, nil)
	require.NoError(t, err)

	got, err := r.Generate(context.Background(), req("weather"))
	require.NoError(t, err)
	assert.Equal(t, "canned answer for weather", got)
	assert.Equal(t, 3, mock.CallCount(), "fallback only after the retry budget")

	stats := r.Stats()
	assert.Equal(t, uint64(1), stats.Fallbacks)
	assert.Equal(t, 1.0, stats.SuccessRate, "a fallback response still answers the caller")
}

func TestGenerateFailsWhenNothingMatches(t *testing.T) {
	mock := NewMockConnectorWithFunc(func(_ context.Context, _ Request) (string, error) {
		return "", amcp.Errorf("backend", amcp.KindUnavailable, "down")
	})
	fallback := func(_ context.Context, _ string) (string, bool) { return "", false }
	r, err := NewResilient(fastConfig(), mock, nil, nil, fallback, nil, nil, nil)
	require.NoError(t, err)

	_, err = r.Generate(context.Background(), req("q"))
	require.ErrorIs(t, err, amcp.ErrLLMUnavailable)
	assert.Equal(t, uint64(1), r.Stats().Failures)
}

func TestLearnHookSeesSuccessfulPairs(t *testing.T) {
	mock := NewMockConnector()
	var learnedPrompt, learnedResponse string
	learn := func(_ context.Context, prompt, response string) {
		learnedPrompt, learnedResponse = prompt, response
	}
	r, err := NewResilient(fastConfig(), mock, nil, learn, nil, nil, nil, nil)
	require.NoError(t, err)

	_, err = r.Generate(context.Background(), req("teach me"))
	require.NoError(t, err)
	assert.Equal(t, "teach me", learnedPrompt)
	assert.Equal(t, "echo: teach me", learnedResponse)
}

func TestLearnHookNotCalledOnFallback(t *testing.T) {
	mock := NewMockConnectorWithFunc(func(_ context.Context, _ Request) (string, error) {
		return "", amcp.Errorf("backend", amcp.KindUnavailable, "down")
	})
	var learned atomic.Int32
	learn := func(_ context.Context, _, _ string) { learned.Add(1) }
	fallback := func(_ context.Context, _ string) (string, bool) { return "canned", true }
	r, err := NewResilient(fastConfig(), mock, nil, learn, fallback, nil, nil, nil)
	require.NoError(t, err)

	_, err = r.Generate(context.Background(), req("q"))
	require.NoError(t, err)
	assert.Equal(t, int32(0), learned.Load(), "fallback output must not train the rule engine")
}

func TestIsHealthyDelegates(t *testing.T) {
	mock := NewMockConnector()
	r, err := NewResilient(fastConfig(), mock, nil, nil, nil, nil, nil, nil)
	require.NoError(t, err)
	assert.True(t, r.IsHealthy(context.Background()))

	mock.Unhealthy = true
	assert.False(t, r.IsHealthy(context.Background()))
}
