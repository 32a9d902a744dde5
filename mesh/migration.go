package mesh

import (
	"context"
	"time"

	amcp "github.com/amcp-project/amcp-go"
	"github.com/amcp-project/amcp-go/event"
)

// BeginMigration freezes an agent for hand-off: ACTIVE -> MIGRATING, the
// before-migration callback runs, state is serialized and the resulting
// Image is returned. Subscriptions stay installed; arriving events are
// parked until CompleteMigration or AbortMigration decides their fate.
func (c *Context) BeginMigration(ctx context.Context, id amcp.AgentID, destination string) (*Image, error) {
	rec, err := c.record(id)
	if err != nil {
		return nil, err
	}
	mobile, ok := rec.agent.(MobileAgent)
	if !ok {
		return nil, amcp.Errorf("mesh.BeginMigration", amcp.KindInvalidInput,
			"agent type %s is not mobile", rec.agent.Type())
	}

	rec.dispatchMu.Lock()
	defer rec.dispatchMu.Unlock()

	if err := rec.transition(amcp.StateMigrating); err != nil {
		return nil, err
	}

	if err := mobile.OnBeforeMigration(ctx, destination); err != nil {
		rec.setState(amcp.StateActive)
		return nil, &amcp.Error{
			Kind: amcp.KindMigration, Op: "mesh.BeginMigration",
			Message: "before-migration callback failed", Recoverable: true, Err: err,
		}
	}

	state, err := mobile.MarshalState()
	if err != nil {
		rec.setState(amcp.StateActive)
		return nil, &amcp.Error{
			Kind: amcp.KindMigration, Op: "mesh.BeginMigration",
			Message: "state serialization failed", Recoverable: true, Err: err,
		}
	}

	var caps []string
	if adv, ok := rec.agent.(CapabilityAdvertiser); ok {
		caps = append(caps, adv.Capabilities()...)
	}

	rec.stateMu.RLock()
	patterns := append([]string(nil), rec.patterns...)
	authCtx := append([]byte(nil), rec.authCtx...)
	meta := make(map[string]string, len(rec.meta))
	for k, v := range rec.meta {
		meta[k] = v
	}
	rec.stateMu.RUnlock()

	c.logger.InfoContext(ctx, "Agent frozen for migration",
		"agent_id", id.String(),
		"destination", destination,
		"state_bytes", len(state),
	)
	return &Image{
		ID:            id,
		Type:          rec.agent.Type(),
		State:         state,
		Subscriptions: patterns,
		Capabilities:  caps,
		AuthContext:   authCtx,
		Metadata:      meta,
		Timestamp:     time.Now().UTC(),
	}, nil
}

// CompleteMigration finalizes a successful hand-off: the local instance is
// destroyed and, when preservePending is set, parked events are returned to
// the broker for redelivery, which the destination now receives.
func (c *Context) CompleteMigration(ctx context.Context, id amcp.AgentID, preservePending bool) error {
	rec, err := c.record(id)
	if err != nil {
		return err
	}
	rec.dispatchMu.Lock()

	if rec.currentState() != amcp.StateMigrating {
		rec.dispatchMu.Unlock()
		return amcp.Errorf("mesh.CompleteMigration", amcp.KindLifecycle,
			"agent %s is not migrating", id)
	}
	c.dropSubscriptions(rec)
	parked := rec.takeParked()
	rec.setState(amcp.StateDestroyed)
	rec.handle.invalidate()
	rec.dispatchMu.Unlock()

	c.mu.Lock()
	delete(c.agents, id)
	c.mu.Unlock()

	c.metrics.AddActiveAgents(ctx, -1, rec.agent.Type())
	if !preservePending && len(parked) > 0 {
		c.logger.WarnContext(ctx, "Parked events discarded on migration",
			"agent_id", id.String(),
			"discarded", len(parked),
		)
		parked = nil
	}
	for _, e := range parked {
		if err := c.broker.Publish(ctx, e); err != nil {
			c.logger.ErrorContext(ctx, "Parked event redelivery failed",
				"agent_id", id.String(),
				"event_id", e.ID().String(),
				"error", err,
			)
		}
	}
	c.logger.InfoContext(ctx, "Migration completed, local instance destroyed",
		"agent_id", id.String(),
		"redelivered", len(parked),
	)
	return nil
}

// AbortMigration resumes a frozen agent after a failed hand-off: MIGRATING
// -> ACTIVE with subscriptions intact, and parked events are delivered
// locally in arrival order.
func (c *Context) AbortMigration(ctx context.Context, id amcp.AgentID) error {
	rec, err := c.record(id)
	if err != nil {
		return err
	}
	rec.dispatchMu.Lock()
	defer rec.dispatchMu.Unlock()

	if err := rec.transition(amcp.StateActive); err != nil {
		return err
	}
	parked := rec.takeParked()
	for _, e := range parked {
		if err := rec.agent.HandleEvent(ctx, e); err != nil {
			c.logger.ErrorContext(ctx, "Parked event delivery failed after abort",
				"agent_id", id.String(),
				"event_id", e.ID().String(),
				"error", err,
			)
		}
	}
	c.logger.InfoContext(ctx, "Migration aborted, agent resumed",
		"agent_id", id.String(),
		"delivered_parked", len(parked),
	)
	return nil
}

// Install recreates an agent from an Image: factory instantiation, state
// restore, subscription install, activation and the after-migration
// callback. A failure discards the partial instance. Install never touches
// the capability registry; the mobility manager owns that commit point.
func (c *Context) Install(ctx context.Context, img *Image, source string) error {
	if img == nil || img.ID.IsZero() || img.Type == "" {
		return amcp.Errorf("mesh.Install", amcp.KindInvalidInput, "incomplete agent image")
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return amcp.Errorf("mesh.Install", amcp.KindLifecycle, "context closed")
	}
	if _, exists := c.agents[img.ID]; exists {
		c.mu.Unlock()
		return amcp.ErrAlreadyInstalled
	}
	f, ok := c.factories[img.Type]
	if !ok {
		c.mu.Unlock()
		return &amcp.Error{
			Kind: amcp.KindMigration, Op: "mesh.Install",
			Message: "destination refused: unknown agent type " + img.Type, Recoverable: true,
			Err: amcp.ErrUnknownAgentType,
		}
	}
	agent := f()
	rec := c.insertRecordLocked(img.ID, agent)
	c.mu.Unlock()

	discard := func() {
		c.dropSubscriptions(rec)
		rec.setState(amcp.StateDestroyed)
		rec.handle.invalidate()
		c.mu.Lock()
		delete(c.agents, img.ID)
		c.mu.Unlock()
	}

	mobile, isMobile := agent.(MobileAgent)
	if len(img.State) > 0 {
		if !isMobile {
			discard()
			return amcp.Errorf("mesh.Install", amcp.KindInvalidInput,
				"agent type %s carries state but is not mobile", img.Type)
		}
		if err := mobile.UnmarshalState(img.State); err != nil {
			discard()
			return &amcp.Error{
				Kind: amcp.KindMigration, Op: "mesh.Install",
				Message: "state restore failed", Recoverable: true, Err: err,
			}
		}
	}

	rec.stateMu.Lock()
	rec.authCtx = append([]byte(nil), img.AuthContext...)
	for k, v := range img.Metadata {
		rec.meta[k] = v
	}
	rec.stateMu.Unlock()

	rec.dispatchMu.Lock()
	defer rec.dispatchMu.Unlock()

	if err := rec.transition(amcp.StateActivating); err != nil {
		discard()
		return err
	}
	if err := agent.OnActivate(ctx, rec.handle); err != nil {
		discard()
		return &amcp.Error{
			Kind: amcp.KindMigration, Op: "mesh.Install",
			Message: "activation on destination failed", Recoverable: true, Err: err,
		}
	}
	for _, pattern := range img.Subscriptions {
		if err := c.Subscribe(ctx, img.ID, pattern, event.DeliveryOptions{Reliability: event.AtLeastOnce}); err != nil {
			discard()
			return &amcp.Error{
				Kind: amcp.KindMigration, Op: "mesh.Install",
				Message: "subscription restore failed", Recoverable: true, Err: err,
			}
		}
	}
	rec.setState(amcp.StateActive)

	if isMobile {
		if err := mobile.OnAfterMigration(ctx, source); err != nil {
			discard()
			return &amcp.Error{
				Kind: amcp.KindMigration, Op: "mesh.Install",
				Message: "after-migration callback failed", Recoverable: true, Err: err,
			}
		}
	}
	c.metrics.AddActiveAgents(ctx, 1, agent.Type())
	c.logger.InfoContext(ctx, "Agent installed",
		"agent_id", img.ID.String(),
		"agent_type", img.Type,
		"source", source,
		"subscriptions", len(img.Subscriptions),
	)
	return nil
}
