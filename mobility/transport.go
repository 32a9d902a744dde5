package mobility

import (
	"context"
	"sync"

	amcp "github.com/amcp-project/amcp-go"
	"github.com/amcp-project/amcp-go/internal/observability"
	"github.com/amcp-project/amcp-go/mesh"
)

// Transport carries mobility operations to remote contexts. Endpoints are
// context IDs; how they resolve to network addresses is the transport's
// business. Install must be idempotent on the destination side: a retried
// hand-off surfaces as amcp.ErrAlreadyInstalled, which callers treat as
// success.
type Transport interface {
	// Install delivers snapshot bytes to the endpoint's install call.
	Install(ctx context.Context, endpoint string, snapshot []byte, source string) error
	// Freeze asks the endpoint to quiesce the agent and return its snapshot.
	// The remote agent stays MIGRATING until Commit or Abort.
	Freeze(ctx context.Context, endpoint string, id amcp.AgentID, destination string) ([]byte, error)
	// Commit finalizes a Freeze: the remote instance is destroyed.
	Commit(ctx context.Context, endpoint string, id amcp.AgentID) error
	// Abort rolls back a Freeze: the remote instance resumes.
	Abort(ctx context.Context, endpoint string, id amcp.AgentID) error
	// Probe checks whether the endpoint can accept installs.
	Probe(ctx context.Context, endpoint string) error
}

// InProcess routes mobility calls between contexts hosted in the same
// process. It is the reference transport and the one the tests run on.
type InProcess struct {
	mu       sync.RWMutex
	contexts map[string]*mesh.Context
}

func NewInProcess() *InProcess {
	return &InProcess{contexts: make(map[string]*mesh.Context)}
}

// Attach makes a context reachable under its own ID.
func (t *InProcess) Attach(c *mesh.Context) {
	t.mu.Lock()
	t.contexts[c.ID()] = c
	t.mu.Unlock()
}

// Detach removes an endpoint, simulating a departed or partitioned context.
func (t *InProcess) Detach(contextID string) {
	t.mu.Lock()
	delete(t.contexts, contextID)
	t.mu.Unlock()
}

func (t *InProcess) resolve(endpoint string) (*mesh.Context, error) {
	t.mu.RLock()
	c, ok := t.contexts[endpoint]
	t.mu.RUnlock()
	if !ok {
		return nil, amcp.Errorf("mobility.InProcess", amcp.KindUnavailable,
			"no context at endpoint %s", endpoint)
	}
	return c, nil
}

func (t *InProcess) Install(ctx context.Context, endpoint string, snapshot []byte, source string) error {
	c, err := t.resolve(endpoint)
	if err != nil {
		return err
	}
	img, err := DecodeSnapshot(snapshot)
	if err != nil {
		return err
	}
	return c.Install(ctx, img, source)
}

func (t *InProcess) Freeze(ctx context.Context, endpoint string, id amcp.AgentID, destination string) ([]byte, error) {
	c, err := t.resolve(endpoint)
	if err != nil {
		return nil, err
	}
	img, err := c.BeginMigration(ctx, id, destination)
	if err != nil {
		return nil, err
	}
	return EncodeSnapshot(img)
}

func (t *InProcess) Commit(ctx context.Context, endpoint string, id amcp.AgentID) error {
	c, err := t.resolve(endpoint)
	if err != nil {
		return err
	}
	return c.CompleteMigration(ctx, id, true)
}

func (t *InProcess) Abort(ctx context.Context, endpoint string, id amcp.AgentID) error {
	c, err := t.resolve(endpoint)
	if err != nil {
		return err
	}
	return c.AbortMigration(ctx, id)
}

func (t *InProcess) Probe(ctx context.Context, endpoint string) error {
	_, err := t.resolve(endpoint)
	return err
}

// GRPCProbed decorates a Transport with real gRPC health probing. Resolve
// maps a context ID to a gRPC address; endpoints it cannot map fall back to
// the inner transport's probe.
type GRPCProbed struct {
	Transport
	Resolve func(endpoint string) (addr string, ok bool)

	mu       sync.Mutex
	checkers map[string]*observability.GRPCHealthChecker
}

func NewGRPCProbed(inner Transport, resolve func(string) (string, bool)) *GRPCProbed {
	return &GRPCProbed{
		Transport: inner,
		Resolve:   resolve,
		checkers:  make(map[string]*observability.GRPCHealthChecker),
	}
}

func (t *GRPCProbed) Probe(ctx context.Context, endpoint string) error {
	addr, ok := t.Resolve(endpoint)
	if !ok {
		return t.Transport.Probe(ctx, endpoint)
	}
	t.mu.Lock()
	checker, ok := t.checkers[endpoint]
	if !ok {
		checker = observability.NewGRPCHealthChecker("context-"+endpoint, addr)
		t.checkers[endpoint] = checker
	}
	t.mu.Unlock()

	if hc := checker.Check(ctx); hc.Status != observability.HealthStatusHealthy {
		return amcp.Errorf("mobility.GRPCProbed", amcp.KindUnavailable,
			"endpoint %s unhealthy: %s", endpoint, hc.Message)
	}
	return nil
}

// Close releases all cached health-check connections.
func (t *GRPCProbed) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var firstErr error
	for _, checker := range t.checkers {
		if err := checker.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	t.checkers = make(map[string]*observability.GRPCHealthChecker)
	return firstErr
}
