// Package broker implements hierarchical-topic publish/subscribe with
// per-subscription bounded queues, ordering, at-least-once redelivery,
// dead-lettering and back-pressure. The in-memory broker is the default; an
// external transport (Redis pub/sub) can be attached for cross-context
// fan-out, guarded by a circuit breaker.
package broker

import (
	"context"
	"time"

	"github.com/amcp-project/amcp-go/event"
	"github.com/amcp-project/amcp-go/internal/retry"
)

// Handler receives events delivered to a subscription.
type Handler interface {
	HandleEvent(ctx context.Context, e *event.Event) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, e *event.Event) error

func (f HandlerFunc) HandleEvent(ctx context.Context, e *event.Event) error { return f(ctx, e) }

// OverflowPolicy decides what happens when a subscription queue is full.
type OverflowPolicy int

const (
	// OverflowDefault resolves to DropOldest for best-effort subscriptions
	// and BlockPublisher for at-least-once.
	OverflowDefault OverflowPolicy = iota
	DropOldest
	DropNewest
	BlockPublisher
)

func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "drop-oldest"
	case DropNewest:
		return "drop-newest"
	case BlockPublisher:
		return "block-publisher"
	default:
		return "default"
	}
}

// ParseOverflowPolicy maps configuration values to a policy.
func ParseOverflowPolicy(s string) OverflowPolicy {
	switch s {
	case "drop-oldest":
		return DropOldest
	case "drop-newest":
		return DropNewest
	case "block-publisher":
		return BlockPublisher
	default:
		return OverflowDefault
	}
}

// State reflects broker availability.
type State int

const (
	StateStopped State = iota
	StateRunning
	// StateDegraded means the external transport tripped its circuit
	// breaker. Publishes fail until a health probe recovers.
	StateDegraded
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateDegraded:
		return "degraded"
	default:
		return "stopped"
	}
}

// SubscribeOptions configures one subscription.
type SubscribeOptions struct {
	// Subscriber names the owning component or agent. Subscriptions with
	// the same (pattern, subscriber) are deduplicated.
	Subscriber string
	// Delivery overrides event-level delivery options for this subscriber.
	Delivery event.DeliveryOptions
	// QueueSize bounds the subscription queue. Zero uses the broker default.
	QueueSize int
	// Overflow selects the back-pressure policy for a full queue.
	Overflow OverflowPolicy
}

// Broker is the routing and delivery contract. The in-memory implementation
// is the only one in-tree; remote fan-out goes through a Transport.
type Broker interface {
	// Publish hands the event to all matching subscription queues. It never
	// fails for lack of subscribers. It fails with ErrBrokerClosed when the
	// broker is stopped and ErrBrokerUnavailable when degraded.
	Publish(ctx context.Context, e *event.Event) error
	// Subscribe registers a pattern subscription. Exact duplicates return
	// the existing subscription.
	Subscribe(ctx context.Context, pattern string, h Handler, opts SubscribeOptions) (*Subscription, error)
	// Unsubscribe removes the subscription. In-flight deliveries run to
	// completion; no new events are enqueued.
	Unsubscribe(sub *Subscription) error
	// Start enables delivery.
	Start(ctx context.Context) error
	// Stop drains queues within the grace period, then drops the remainder.
	Stop(ctx context.Context) error
	State() State
}

// Config tunes the in-memory broker.
type Config struct {
	// QueueSize is the default per-subscription queue bound.
	QueueSize int
	// Overflow is the default back-pressure policy.
	Overflow OverflowPolicy
	// Retry governs at-least-once redelivery.
	Retry retry.Config
	// StopGrace bounds queue draining during Stop.
	StopGrace time.Duration
	// Breaker guards the external transport.
	Breaker BreakerConfig
	// ProbeInterval paces transport health probes while degraded.
	ProbeInterval time.Duration
}

// DefaultConfig returns the broker defaults.
func DefaultConfig() Config {
	return Config{
		QueueSize:     256,
		Overflow:      OverflowDefault,
		Retry:         retry.DefaultConfig(),
		StopGrace:     5 * time.Second,
		Breaker:       DefaultBreakerConfig(),
		ProbeInterval: 2 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry = d.Retry
	}
	if c.StopGrace <= 0 {
		c.StopGrace = d.StopGrace
	}
	if c.Breaker.FailureThreshold <= 0 {
		c.Breaker = d.Breaker
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = d.ProbeInterval
	}
	return c
}

// resolveOverflow applies the default policy for the effective reliability.
func resolveOverflow(p OverflowPolicy, reliability event.Reliability) OverflowPolicy {
	if p != OverflowDefault {
		return p
	}
	if reliability == event.AtLeastOnce {
		return BlockPublisher
	}
	return DropOldest
}
