package mesh

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"

	amcp "github.com/amcp-project/amcp-go"
	"github.com/amcp-project/amcp-go/broker"
	"github.com/amcp-project/amcp-go/event"
	"github.com/amcp-project/amcp-go/internal/observability"
	"github.com/amcp-project/amcp-go/registry"
)

// Config tunes one hosting context.
type Config struct {
	// ContextID identifies this host instance; used as the registry
	// endpoint for resident agents.
	ContextID string
	// ParkedBufferSize bounds the per-agent buffer holding events that
	// arrive while the agent is MIGRATING. Overflow spills back to the
	// broker for redelivery.
	ParkedBufferSize int
	// HeartbeatInterval paces registry heartbeats for resident agents.
	HeartbeatInterval time.Duration
	// Properties is free-form context configuration visible to agents.
	Properties map[string]string
}

// DefaultConfig returns context defaults with a generated context ID.
func DefaultConfig() Config {
	return Config{
		ContextID:         "ctx-" + amcp.NewEventID().String(),
		ParkedBufferSize:  128,
		HeartbeatInterval: 10 * time.Second,
	}
}

// agentRecord is the context-private state of one resident agent.
type agentRecord struct {
	id         amcp.AgentID
	agent      Agent
	handle     *AgentContext
	concurrent bool

	// dispatchMu serializes handler invocations and lifecycle callbacks for
	// this agent. Agents opting into concurrent handling skip it on the
	// handler path only.
	dispatchMu sync.Mutex

	stateMu  sync.RWMutex
	state    amcp.LifecycleState
	subs     []*broker.Subscription
	patterns []string
	parked   []*event.Event
	authCtx  []byte
	meta     map[string]string
}

func (r *agentRecord) currentState() amcp.LifecycleState {
	r.stateMu.RLock()
	defer r.stateMu.RUnlock()
	return r.state
}

func (r *agentRecord) transition(to amcp.LifecycleState) error {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	if !r.state.CanTransition(to) {
		return amcp.Errorf("mesh.transition", amcp.KindLifecycle,
			"agent %s cannot move %s -> %s", r.id, r.state, to)
	}
	r.state = to
	return nil
}

func (r *agentRecord) setState(to amcp.LifecycleState) {
	r.stateMu.Lock()
	r.state = to
	r.stateMu.Unlock()
}

func (r *agentRecord) park(e *event.Event, limit int) error {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	if len(r.parked) >= limit {
		return amcp.Errorf("mesh.park", amcp.KindTransient,
			"parking buffer full for agent %s", r.id)
	}
	r.parked = append(r.parked, e)
	return nil
}

func (r *agentRecord) takeParked() []*event.Event {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	parked := r.parked
	r.parked = nil
	return parked
}

// Context is a hosting environment for agents: the lifecycle authority and
// the only legitimate mutator of agent state.
type Context struct {
	cfg      Config
	broker   broker.Broker
	registry *registry.Registry
	logger   *slog.Logger
	trace    *observability.TraceManager
	metrics  *observability.MetricsManager

	mu        sync.RWMutex
	factories map[string]Factory
	agents    map[amcp.AgentID]*agentRecord
	order     []amcp.AgentID
	closed    bool
}

// New builds a context over a started broker and a registry.
func New(cfg Config, b broker.Broker, reg *registry.Registry, logger *slog.Logger, tm *observability.TraceManager, mm *observability.MetricsManager) (*Context, error) {
	if cfg.ContextID == "" {
		cfg.ContextID = DefaultConfig().ContextID
	}
	if cfg.ParkedBufferSize <= 0 {
		cfg.ParkedBufferSize = DefaultConfig().ParkedBufferSize
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultConfig().HeartbeatInterval
	}
	if b == nil || reg == nil {
		return nil, amcp.Errorf("mesh.New", amcp.KindInvalidInput, "broker and registry are required")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if tm == nil {
		tm = observability.NewTraceManager("amcp-mesh")
	}
	if mm == nil {
		var err error
		mm, err = observability.NewMetricsManager(otel.Meter("amcp-mesh"))
		if err != nil {
			return nil, err
		}
	}
	return &Context{
		cfg:       cfg,
		broker:    b,
		registry:  reg,
		logger:    logger,
		trace:     tm,
		metrics:   mm,
		factories: make(map[string]Factory),
		agents:    make(map[amcp.AgentID]*agentRecord),
	}, nil
}

// ID returns the context identifier.
func (c *Context) ID() string { return c.cfg.ContextID }

// Registry returns the capability registry this context reports to.
func (c *Context) Registry() *registry.Registry { return c.registry }

// Broker returns the broker handle.
func (c *Context) Broker() broker.Broker { return c.broker }

// Property reads one context property.
func (c *Context) Property(key string) string { return c.cfg.Properties[key] }

// RegisterAgentType installs a factory for an agent type. Both ends of a
// mobility operation must register the same types; code never moves.
func (c *Context) RegisterAgentType(agentType string, f Factory) error {
	if agentType == "" || f == nil {
		return amcp.Errorf("mesh.RegisterAgentType", amcp.KindInvalidInput, "empty type or nil factory")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.factories[agentType] = f
	return nil
}

// CreateAgent instantiates an INACTIVE agent of the given type.
func (c *Context) CreateAgent(agentType string) (amcp.AgentID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return "", amcp.Errorf("mesh.CreateAgent", amcp.KindLifecycle, "context closed")
	}
	f, ok := c.factories[agentType]
	if !ok {
		return "", amcp.ErrUnknownAgentType
	}
	agent := f()
	id := amcp.NewAgentID(agentType)
	c.insertRecordLocked(id, agent)
	c.logger.Debug("Agent created", "agent_id", id.String(), "agent_type", agentType)
	return id, nil
}

func (c *Context) insertRecordLocked(id amcp.AgentID, agent Agent) *agentRecord {
	concurrent := false
	if ch, ok := agent.(ConcurrentHandler); ok {
		concurrent = ch.ConcurrentSafe()
	}
	rec := &agentRecord{
		id:         id,
		agent:      agent,
		concurrent: concurrent,
		state:      amcp.StateInactive,
		meta:       make(map[string]string),
	}
	rec.handle = &AgentContext{id: id, c: c}
	c.agents[id] = rec
	c.order = append(c.order, id)
	return rec
}

func (c *Context) record(id amcp.AgentID) (*agentRecord, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.agents[id]
	if !ok {
		return nil, amcp.ErrAgentNotFound
	}
	return rec, nil
}

// Agent returns the live instance for an AgentID. Tests and diagnostics
// only; the context stays the lifecycle authority.
func (c *Context) Agent(id amcp.AgentID) (Agent, error) {
	rec, err := c.record(id)
	if err != nil {
		return nil, err
	}
	return rec.agent, nil
}

// AgentState returns the lifecycle state for an AgentID.
func (c *Context) AgentState(id amcp.AgentID) (amcp.LifecycleState, error) {
	rec, err := c.record(id)
	if err != nil {
		return amcp.StateDestroyed, err
	}
	return rec.currentState(), nil
}

// AgentIDs returns the resident agents in creation order.
func (c *Context) AgentIDs() []amcp.AgentID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]amcp.AgentID, 0, len(c.order))
	for _, id := range c.order {
		if _, ok := c.agents[id]; ok {
			out = append(out, id)
		}
	}
	return out
}

// Activate drives INACTIVE -> ACTIVATING -> ACTIVE. A failing OnActivate
// rolls back to INACTIVE and reports ActivationFailed.
func (c *Context) Activate(ctx context.Context, id amcp.AgentID) error {
	rec, err := c.record(id)
	if err != nil {
		return err
	}
	rec.dispatchMu.Lock()
	defer rec.dispatchMu.Unlock()

	if err := rec.transition(amcp.StateActivating); err != nil {
		return err
	}
	if err := rec.agent.OnActivate(ctx, rec.handle); err != nil {
		c.dropSubscriptions(rec)
		rec.setState(amcp.StateInactive)
		c.logger.ErrorContext(ctx, "Agent activation failed",
			"agent_id", id.String(),
			"error", err,
		)
		return amcp.E("mesh.Activate", amcp.KindLifecycle, amcp.ErrActivationFailed, err.Error())
	}
	rec.setState(amcp.StateActive)

	if adv, ok := rec.agent.(CapabilityAdvertiser); ok {
		if err := c.registry.Register(ctx, id, adv.Capabilities(), c.cfg.ContextID, rec.meta); err != nil {
			c.logger.ErrorContext(ctx, "Capability registration failed", "agent_id", id.String(), "error", err)
		}
	}
	c.metrics.AddActiveAgents(ctx, 1, rec.agent.Type())
	c.logger.InfoContext(ctx, "Agent activated", "agent_id", id.String(), "agent_type", rec.agent.Type())
	return nil
}

// Deactivate drives ACTIVE -> DEACTIVATING -> INACTIVE. In-flight handlers
// finish first; subscriptions are removed.
func (c *Context) Deactivate(ctx context.Context, id amcp.AgentID) error {
	rec, err := c.record(id)
	if err != nil {
		return err
	}
	rec.dispatchMu.Lock()
	defer rec.dispatchMu.Unlock()

	if err := rec.transition(amcp.StateDeactivating); err != nil {
		return err
	}
	c.dropSubscriptions(rec)
	if err := rec.agent.OnDeactivate(ctx); err != nil {
		c.logger.ErrorContext(ctx, "OnDeactivate failed", "agent_id", id.String(), "error", err)
	}
	rec.setState(amcp.StateInactive)
	c.registry.Unregister(id)
	c.metrics.AddActiveAgents(ctx, -1, rec.agent.Type())
	c.logger.InfoContext(ctx, "Agent deactivated", "agent_id", id.String())
	return nil
}

// Destroy deactivates if needed, then removes the agent permanently.
func (c *Context) Destroy(ctx context.Context, id amcp.AgentID) error {
	rec, err := c.record(id)
	if err != nil {
		return err
	}
	if rec.currentState() == amcp.StateActive {
		if err := c.Deactivate(ctx, id); err != nil {
			return err
		}
	}
	rec.dispatchMu.Lock()
	defer rec.dispatchMu.Unlock()

	c.dropSubscriptions(rec)
	rec.setState(amcp.StateDestroyed)
	rec.handle.invalidate()

	c.mu.Lock()
	delete(c.agents, id)
	c.mu.Unlock()
	c.registry.Unregister(id)
	c.logger.InfoContext(ctx, "Agent destroyed", "agent_id", id.String())
	return nil
}

// Publish forwards a system event to the broker.
func (c *Context) Publish(ctx context.Context, e *event.Event) error {
	return c.broker.Publish(ctx, e)
}

// Subscribe creates a broker subscription on behalf of an agent. The
// subscription is owned by the context and removed on deactivation.
func (c *Context) Subscribe(ctx context.Context, id amcp.AgentID, pattern string, opts event.DeliveryOptions) error {
	rec, err := c.record(id)
	if err != nil {
		return err
	}
	sub, err := c.broker.Subscribe(ctx, pattern, broker.HandlerFunc(func(ctx context.Context, e *event.Event) error {
		return c.dispatch(ctx, rec, e)
	}), broker.SubscribeOptions{
		Subscriber: id.String(),
		Delivery:   opts,
	})
	if err != nil {
		return err
	}

	rec.stateMu.Lock()
	defer rec.stateMu.Unlock()
	for _, existing := range rec.subs {
		if existing == sub {
			return nil
		}
	}
	rec.subs = append(rec.subs, sub)
	rec.patterns = append(rec.patterns, pattern)
	return nil
}

// dispatch is the per-agent delivery gate: handlers run only in ACTIVE,
// MIGRATING parks the event, and non-concurrent agents are serialized.
func (c *Context) dispatch(ctx context.Context, rec *agentRecord, e *event.Event) error {
	switch rec.currentState() {
	case amcp.StateActive:
	case amcp.StateMigrating:
		return rec.park(e, c.cfg.ParkedBufferSize)
	default:
		return amcp.Errorf("mesh.dispatch", amcp.KindTransient,
			"agent %s not deliverable in state %s", rec.id, rec.currentState())
	}

	if !rec.concurrent {
		rec.dispatchMu.Lock()
		defer rec.dispatchMu.Unlock()
		// The state may have moved while waiting for an in-flight handler.
		switch rec.currentState() {
		case amcp.StateActive:
		case amcp.StateMigrating:
			return rec.park(e, c.cfg.ParkedBufferSize)
		default:
			return amcp.Errorf("mesh.dispatch", amcp.KindTransient,
				"agent %s not deliverable in state %s", rec.id, rec.currentState())
		}
	}

	ctx, span := c.trace.StartEventProcessingSpan(ctx, e.ID().String(), e.Topic(), rec.id.String())
	defer span.End()
	err := rec.agent.HandleEvent(ctx, e)
	if err != nil {
		c.trace.RecordError(span, err)
		return err
	}
	c.trace.SetSpanSuccess(span)
	return nil
}

func (c *Context) dropSubscriptions(rec *agentRecord) {
	rec.stateMu.Lock()
	subs := rec.subs
	rec.subs = nil
	rec.patterns = nil
	rec.stateMu.Unlock()
	for _, sub := range subs {
		_ = c.broker.Unsubscribe(sub)
	}
}

// StartHeartbeats refreshes registry liveness for resident agents until ctx
// is canceled.
func (c *Context) StartHeartbeats(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(c.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, id := range c.AgentIDs() {
					if st, err := c.AgentState(id); err == nil && st == amcp.StateActive {
						_ = c.registry.Heartbeat(id)
					}
				}
			}
		}
	}()
}

// Shutdown deactivates and destroys all resident agents in reverse creation
// order.
func (c *Context) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	order := append([]amcp.AgentID(nil), c.order...)
	c.mu.Unlock()

	for i := len(order) - 1; i >= 0; i-- {
		id := order[i]
		if _, err := c.record(id); err != nil {
			continue
		}
		if err := c.Destroy(ctx, id); err != nil {
			c.logger.ErrorContext(ctx, "Shutdown destroy failed", "agent_id", id.String(), "error", err)
		}
	}
	c.logger.InfoContext(ctx, "Context shut down", "context_id", c.cfg.ContextID)
	return nil
}

// AgentContext is the handle an agent uses to reach its hosting context. It
// is a back-reference, invalidated when the agent is destroyed, so the
// context exclusively owns the agent.
type AgentContext struct {
	id amcp.AgentID

	mu sync.RWMutex
	c  *Context
}

func (ac *AgentContext) invalidate() {
	ac.mu.Lock()
	ac.c = nil
	ac.mu.Unlock()
}

func (ac *AgentContext) host() (*Context, error) {
	ac.mu.RLock()
	defer ac.mu.RUnlock()
	if ac.c == nil {
		return nil, amcp.Errorf("mesh.AgentContext", amcp.KindLifecycle, "agent %s is destroyed", ac.id)
	}
	return ac.c, nil
}

// ID returns the owning agent's ID.
func (ac *AgentContext) ID() amcp.AgentID { return ac.id }

// ContextID returns the hosting context's identifier.
func (ac *AgentContext) ContextID() string {
	c, err := ac.host()
	if err != nil {
		return ""
	}
	return c.ID()
}

// Publish sends an event, stamping the agent as sender when none is set.
func (ac *AgentContext) Publish(ctx context.Context, e *event.Event) error {
	c, err := ac.host()
	if err != nil {
		return err
	}
	return c.Publish(ctx, e.WithStampedSender(ac.id))
}

// Subscribe installs a subscription owned by the context on behalf of this
// agent.
func (ac *AgentContext) Subscribe(ctx context.Context, pattern string, opts event.DeliveryOptions) error {
	c, err := ac.host()
	if err != nil {
		return err
	}
	return c.Subscribe(ctx, ac.id, pattern, opts)
}

// Property reads a context property.
func (ac *AgentContext) Property(key string) string {
	c, err := ac.host()
	if err != nil {
		return ""
	}
	return c.Property(key)
}
