// Package mesh hosts agents. The Context is the lifecycle authority: it
// creates agents from registered factories, drives their lifecycle
// transitions, owns their subscriptions and virtualizes each agent as a
// single-threaded actor through a per-agent serial dispatcher.
package mesh

import (
	"context"
	"time"

	amcp "github.com/amcp-project/amcp-go"
	"github.com/amcp-project/amcp-go/event"
)

// Agent is the minimal contract: a type tag, lifecycle callbacks and an
// event handler. The context guarantees that lifecycle callbacks and (for
// non-concurrent agents) handler invocations never overlap.
type Agent interface {
	// Type names the factory that builds this agent.
	Type() string
	// OnActivate runs during INACTIVE -> ACTIVATING -> ACTIVE. The agent
	// installs its subscriptions here through the AgentContext handle. An
	// error rolls the agent back to INACTIVE.
	OnActivate(ctx context.Context, ac *AgentContext) error
	// OnDeactivate runs during ACTIVE -> DEACTIVATING -> INACTIVE, after all
	// in-flight handlers finished.
	OnDeactivate(ctx context.Context) error
	// HandleEvent receives events matching the agent's subscriptions. Only
	// invoked in ACTIVE.
	HandleEvent(ctx context.Context, e *event.Event) error
}

// MobileAgent extends Agent with strong mobility: explicit state
// serialization and migration callbacks. Non-serializable resources (open
// connections, file handles) must be released in OnBeforeMigration and
// reacquired in OnAfterMigration.
type MobileAgent interface {
	Agent
	OnBeforeMigration(ctx context.Context, destination string) error
	OnAfterMigration(ctx context.Context, source string) error
	MarshalState() ([]byte, error)
	UnmarshalState(data []byte) error
}

// CapabilityAdvertiser is implemented by agents that register capabilities.
type CapabilityAdvertiser interface {
	Capabilities() []string
}

// ConcurrentHandler is an opt-in marker: an agent returning true declares
// itself thread-safe and receives handler invocations without the per-agent
// serialization lock.
type ConcurrentHandler interface {
	ConcurrentSafe() bool
}

// Factory builds a fresh, INACTIVE agent instance.
type Factory func() Agent

// Image is the serializable portrait of an agent, produced when it leaves a
// context and consumed when it is installed on another. The snapshot codec
// in the mobility package renders it to versioned bytes.
type Image struct {
	ID            amcp.AgentID
	Type          string
	State         []byte
	Subscriptions []string
	Capabilities  []string
	// AuthContext is the opaque security context; the mesh moves it without
	// interpreting it.
	AuthContext []byte
	Metadata    map[string]string
	Timestamp   time.Time
}
