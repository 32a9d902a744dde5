package llm

import (
	"context"
	"fmt"
	"sync"
)

// MockConnector is a configurable connector for tests. A nil GenerateFunc
// echoes the prompt.
type MockConnector struct {
	// GenerateFunc overrides the response logic.
	GenerateFunc func(ctx context.Context, req Request) (string, error)
	// Unhealthy makes IsHealthy report false.
	Unhealthy bool

	mu          sync.Mutex
	callCount   int
	lastRequest Request
}

func NewMockConnector() *MockConnector { return &MockConnector{} }

// NewMockConnectorWithFunc builds a mock around a custom generate function.
func NewMockConnectorWithFunc(fn func(ctx context.Context, req Request) (string, error)) *MockConnector {
	return &MockConnector{GenerateFunc: fn}
}

func (m *MockConnector) Generate(ctx context.Context, req Request) (string, error) {
	m.mu.Lock()
	m.callCount++
	m.lastRequest = req
	fn := m.GenerateFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	return fmt.Sprintf("echo: %s", req.Prompt), nil
}

func (m *MockConnector) IsHealthy(context.Context) bool { return !m.Unhealthy }

// CallCount returns how many times Generate ran.
func (m *MockConnector) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callCount
}

// LastRequest returns the most recent Generate argument.
func (m *MockConnector) LastRequest() Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastRequest
}
