package broker

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	amcp "github.com/amcp-project/amcp-go"
	"github.com/amcp-project/amcp-go/event"
	"github.com/amcp-project/amcp-go/internal/observability"
	"github.com/amcp-project/amcp-go/internal/retry"
	"github.com/amcp-project/amcp-go/topic"
)

// Subscription is a live pattern subscription with its own bounded queue and
// delivery worker.
type Subscription struct {
	id       string
	pattern  string
	handler  Handler
	opts     SubscribeOptions
	overflow OverflowPolicy

	queue   chan *event.Event
	quit    chan struct{}
	drained chan struct{}
	removed atomic.Bool
}

// ID returns the subscription identifier.
func (s *Subscription) ID() string { return s.id }

// Pattern returns the subscribed topic pattern.
func (s *Subscription) Pattern() string { return s.pattern }

// Subscriber returns the owning component name.
func (s *Subscription) Subscriber() string { return s.opts.Subscriber }

// InMemory is the default broker: a subscription registry under a
// reader-writer lock, one bounded queue and delivery goroutine per
// subscription, and an optional external transport behind a circuit breaker.
type InMemory struct {
	cfg       Config
	logger    *slog.Logger
	trace     *observability.TraceManager
	metrics   *observability.MetricsManager
	transport Transport
	breaker   *Breaker

	mu     sync.RWMutex
	state  State
	subs   map[string]*Subscription
	byKey  map[string]*Subscription
	wg     sync.WaitGroup
	base   context.Context
	cancel context.CancelFunc

	probeOnce sync.Once
}

// NewInMemory builds a broker. transport may be nil for a purely local
// deployment; logger, tm and mm may be nil, in which case no-op
// instrumentation is used.
func NewInMemory(cfg Config, logger *slog.Logger, tm *observability.TraceManager, mm *observability.MetricsManager, transport Transport) (*InMemory, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if tm == nil {
		tm = observability.NewTraceManager("amcp-broker")
	}
	if mm == nil {
		var err error
		mm, err = observability.NewMetricsManager(otel.Meter("amcp-broker"))
		if err != nil {
			return nil, err
		}
	}
	return &InMemory{
		cfg:       cfg,
		logger:    logger,
		trace:     tm,
		metrics:   mm,
		transport: transport,
		breaker:   NewBreaker(cfg.Breaker),
		subs:      make(map[string]*Subscription),
		byKey:     make(map[string]*Subscription),
	}, nil
}

// Start enables delivery and, when a transport is attached, installs the
// remote receive path.
func (b *InMemory) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.state != StateStopped {
		b.mu.Unlock()
		return amcp.Errorf("broker.Start", amcp.KindLifecycle, "broker already started")
	}
	b.base, b.cancel = context.WithCancel(context.Background())
	b.state = StateRunning
	b.mu.Unlock()

	if b.transport != nil {
		if err := b.transport.Subscribe(ctx, b.injectRemote); err != nil {
			b.mu.Lock()
			b.state = StateStopped
			b.cancel()
			b.mu.Unlock()
			return amcp.E("broker.Start", amcp.KindUnavailable, err)
		}
	}
	b.logger.InfoContext(ctx, "Broker started",
		"queue_size", b.cfg.QueueSize,
		"external_transport", b.transport != nil,
	)
	return nil
}

// Stop drains subscription queues within the grace period, aborts the
// remainder and closes the transport.
func (b *InMemory) Stop(ctx context.Context) error {
	b.mu.Lock()
	if b.state == StateStopped {
		b.mu.Unlock()
		return nil
	}
	b.state = StateStopped
	subs := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.removed.Store(true)
		close(s.quit)
	}

	done := make(chan struct{})
	go func() {
		for _, s := range subs {
			<-s.drained
		}
		close(done)
	}()

	grace := time.NewTimer(b.cfg.StopGrace)
	defer grace.Stop()
	select {
	case <-done:
	case <-grace.C:
		b.logger.WarnContext(ctx, "Broker stop grace elapsed, aborting in-flight deliveries")
	case <-ctx.Done():
	}
	b.cancel()
	b.wg.Wait()

	if b.transport != nil {
		if err := b.transport.Close(); err != nil {
			b.logger.ErrorContext(ctx, "Transport close failed", "error", err)
		}
	}
	b.logger.InfoContext(ctx, "Broker stopped")
	return nil
}

// State returns the broker availability state.
func (b *InMemory) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// Healthy reports an error unless the broker is RUNNING. Plugged into the
// health server.
func (b *InMemory) Healthy(context.Context) error {
	switch b.State() {
	case StateRunning:
		return nil
	case StateDegraded:
		return amcp.ErrBrokerUnavailable
	default:
		return amcp.ErrBrokerClosed
	}
}

// Subscribe registers a subscription. An exact duplicate of a live
// subscription (same pattern, same subscriber) returns the existing one.
func (b *InMemory) Subscribe(ctx context.Context, pattern string, h Handler, opts SubscribeOptions) (*Subscription, error) {
	if err := topic.ValidatePattern(pattern); err != nil {
		return nil, err
	}
	if h == nil {
		return nil, amcp.Errorf("broker.Subscribe", amcp.KindInvalidInput, "nil handler")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateStopped {
		return nil, amcp.ErrBrokerClosed
	}

	key := pattern + "\x00" + opts.Subscriber
	if opts.Subscriber != "" {
		if existing, ok := b.byKey[key]; ok {
			return existing, nil
		}
	}

	size := opts.QueueSize
	if size <= 0 {
		size = b.cfg.QueueSize
	}
	overflow := opts.Overflow
	if overflow == OverflowDefault {
		overflow = b.cfg.Overflow
	}
	sub := &Subscription{
		id:       uuid.NewString(),
		pattern:  pattern,
		handler:  h,
		opts:     opts,
		overflow: overflow,
		queue:    make(chan *event.Event, size),
		quit:     make(chan struct{}),
		drained:  make(chan struct{}),
	}
	b.subs[sub.id] = sub
	if opts.Subscriber != "" {
		b.byKey[key] = sub
	}

	b.wg.Add(1)
	go b.worker(sub)

	b.logger.DebugContext(ctx, "Subscription created",
		"subscription_id", sub.id,
		"pattern", pattern,
		"subscriber", opts.Subscriber,
	)
	return sub, nil
}

// Unsubscribe removes the subscription synchronously. The in-flight delivery
// finishes; queued events are dropped.
func (b *InMemory) Unsubscribe(sub *Subscription) error {
	if sub == nil {
		return amcp.Errorf("broker.Unsubscribe", amcp.KindInvalidInput, "nil subscription")
	}
	b.mu.Lock()
	_, ok := b.subs[sub.id]
	if ok {
		delete(b.subs, sub.id)
		delete(b.byKey, sub.pattern+"\x00"+sub.opts.Subscriber)
	}
	b.mu.Unlock()
	if !ok {
		return amcp.Errorf("broker.Unsubscribe", amcp.KindNotFound, "unknown subscription %s", sub.id)
	}
	if sub.removed.CompareAndSwap(false, true) {
		close(sub.quit)
	}
	return nil
}

// Publish routes the event to every matching subscription queue and, when a
// transport is attached, ships it to the other contexts.
func (b *InMemory) Publish(ctx context.Context, e *event.Event) error {
	if e == nil {
		return amcp.Errorf("broker.Publish", amcp.KindInvalidInput, "nil event")
	}
	switch b.State() {
	case StateStopped:
		return amcp.ErrBrokerClosed
	case StateDegraded:
		return amcp.ErrBrokerUnavailable
	}

	ctx, span := b.trace.StartPublishSpan(ctx, e.Topic())
	defer span.End()
	b.trace.AddComponentAttribute(span, "broker")
	start := time.Now()

	// Stamp trace identity so remote deliveries join this trace.
	md := map[string]string{}
	b.trace.InjectTraceContext(ctx, md)
	if len(md) > 0 {
		stamped, err := e.Redirect(e.Topic(), md)
		if err == nil {
			e = stamped
		}
	}

	if err := b.route(ctx, e); err != nil {
		b.trace.RecordError(span, err)
		return err
	}
	b.metrics.IncrementEventsPublished(ctx, e.Topic())
	b.metrics.RecordPublishDuration(ctx, e.Topic(), time.Since(start))

	if b.transport != nil {
		if err := b.forward(ctx, e); err != nil {
			b.trace.RecordError(span, err)
			return err
		}
	}
	b.trace.SetSpanSuccess(span)
	return nil
}

// route enqueues the event on every matching local subscription.
func (b *InMemory) route(ctx context.Context, e *event.Event) error {
	b.mu.RLock()
	matching := make([]*Subscription, 0, 4)
	for _, sub := range b.subs {
		ok, err := topic.Matches(e.Topic(), sub.pattern)
		if err != nil {
			continue
		}
		if ok {
			matching = append(matching, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range matching {
		if err := b.enqueue(ctx, sub, e); err != nil {
			return err
		}
	}
	return nil
}

// enqueue applies the subscription's back-pressure policy.
func (b *InMemory) enqueue(ctx context.Context, sub *Subscription, e *event.Event) error {
	if sub.removed.Load() {
		return nil
	}
	merged := e.DeliveryOptions().Merge(sub.opts.Delivery)
	policy := resolveOverflow(sub.overflow, merged.Reliability)

	select {
	case sub.queue <- e:
		b.metrics.AddQueueDepth(ctx, 1)
		return nil
	default:
	}

	switch policy {
	case DropNewest:
		b.metrics.IncrementEventsDropped(ctx, e.Topic(), "overflow-drop-newest")
		return nil
	case BlockPublisher:
		select {
		case sub.queue <- e:
			b.metrics.AddQueueDepth(ctx, 1)
			return nil
		case <-ctx.Done():
			return amcp.E("broker.Publish", amcp.KindTimeout, ctx.Err())
		case <-sub.quit:
			return nil
		}
	default: // DropOldest
		select {
		case old := <-sub.queue:
			b.metrics.IncrementEventsDropped(ctx, old.Topic(), "overflow-drop-oldest")
		default:
		}
		select {
		case sub.queue <- e:
			b.metrics.AddQueueDepth(ctx, 1)
		default:
			b.metrics.IncrementEventsDropped(ctx, e.Topic(), "overflow-drop-newest")
		}
		return nil
	}
}

// forward ships the event through the transport under the circuit breaker.
func (b *InMemory) forward(ctx context.Context, e *event.Event) error {
	if err := b.breaker.Allow(); err != nil {
		return amcp.ErrBrokerUnavailable
	}
	err := retry.Do(ctx, retry.Linear(2, 50*time.Millisecond), func(ctx context.Context) error {
		return b.transport.Publish(ctx, e)
	})
	b.breaker.Record(err)
	if err != nil {
		b.metrics.IncrementTransportErrors(ctx, "external")
		b.logger.ErrorContext(ctx, "Transport publish failed",
			"topic", e.Topic(),
			"error", err,
		)
		if b.breaker.State() == BreakerOpen {
			b.setDegraded(ctx)
		}
		return amcp.E("broker.Publish", amcp.KindTransient, err)
	}
	return nil
}

// injectRemote routes an event received from the transport to local
// subscriptions only.
func (b *InMemory) injectRemote(e *event.Event) {
	b.mu.RLock()
	base := b.base
	stopped := b.state == StateStopped
	b.mu.RUnlock()
	if stopped || base == nil {
		return
	}
	ctx := b.trace.ExtractTraceContext(base, e.Metadata())
	if err := b.route(ctx, e); err != nil {
		b.logger.ErrorContext(ctx, "Remote event routing failed",
			"topic", e.Topic(),
			"error", err,
		)
	}
}

// setDegraded flips the broker to DEGRADED and starts the recovery probe.
func (b *InMemory) setDegraded(ctx context.Context) {
	b.mu.Lock()
	if b.state != StateRunning {
		b.mu.Unlock()
		return
	}
	b.state = StateDegraded
	base := b.base
	b.mu.Unlock()

	b.logger.WarnContext(ctx, "Broker degraded, transport circuit open")
	b.probeOnce.Do(func() {
		b.wg.Add(1)
		go b.probeLoop(base)
	})
}

// probeLoop pings the transport until the breaker closes, then restores
// RUNNING. It keeps running for later trips.
func (b *InMemory) probeLoop(ctx context.Context) {
	defer b.wg.Done()
	ticker := time.NewTicker(b.cfg.ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if b.State() != StateDegraded {
			continue
		}
		if b.breaker.Allow() != nil {
			continue
		}
		pingCtx, cancel := context.WithTimeout(ctx, b.cfg.ProbeInterval)
		err := b.transport.Ping(pingCtx)
		cancel()
		b.breaker.Record(err)
		if err != nil {
			continue
		}
		if b.breaker.State() == BreakerClosed {
			b.mu.Lock()
			if b.state == StateDegraded {
				b.state = StateRunning
			}
			b.mu.Unlock()
			b.logger.Info("Broker recovered, transport circuit closed")
		}
	}
}

// worker is the per-subscription delivery goroutine. One worker per
// subscription gives publish-order delivery; retries happen inline so a
// failing event never overtakes its successors.
func (b *InMemory) worker(sub *Subscription) {
	defer b.wg.Done()
	defer close(sub.drained)
	for {
		select {
		case e := <-sub.queue:
			b.metrics.AddQueueDepth(b.base, -1)
			b.deliver(sub, e)
		case <-sub.quit:
			// Drain what is already queued; Stop bounds this with the
			// grace period by cancelling the base context.
			for {
				select {
				case e := <-sub.queue:
					b.metrics.AddQueueDepth(b.base, -1)
					if b.base.Err() != nil {
						b.metrics.IncrementEventsDropped(b.base, e.Topic(), "shutdown")
						continue
					}
					b.deliver(sub, e)
				default:
					return
				}
			}
		}
	}
}

// deliver invokes the handler with the subscription's effective delivery
// options, retrying at-least-once events and dead-lettering them once the
// retry budget is spent.
func (b *InMemory) deliver(sub *Subscription, e *event.Event) {
	if e.Expired(time.Now()) {
		b.metrics.IncrementEventsDropped(b.base, e.Topic(), "ttl")
		return
	}

	ctx := b.trace.ExtractTraceContext(b.base, e.Metadata())
	ctx, span := b.trace.StartDeliverSpan(ctx, e.Topic(), sub.opts.Subscriber)
	defer span.End()
	timer := b.metrics.StartTimer()
	defer timer(ctx, e.Topic(), sub.opts.Subscriber)

	merged := e.DeliveryOptions().Merge(sub.opts.Delivery)

	attempts := 1
	if merged.Reliability == event.AtLeastOnce {
		attempts = b.cfg.Retry.MaxAttempts
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			b.metrics.IncrementEventsRedelivered(ctx, e.Topic(), sub.opts.Subscriber)
			select {
			case <-time.After(retry.Backoff(b.cfg.Retry, attempt-1)):
			case <-b.base.Done():
				return
			}
		}
		err = b.invoke(ctx, sub, e)
		if err == nil {
			b.metrics.IncrementEventsDelivered(ctx, e.Topic(), sub.opts.Subscriber)
			b.trace.SetSpanSuccess(span)
			return
		}
		b.metrics.IncrementHandlerErrors(ctx, sub.opts.Subscriber, e.Topic())
		if !retry.Retryable(err) {
			break
		}
	}

	b.trace.RecordError(span, err)
	b.logger.ErrorContext(ctx, "Delivery failed",
		"topic", e.Topic(),
		"event_id", e.ID().String(),
		"subscriber", sub.opts.Subscriber,
		"attempts", attempts,
		"error", err,
	)
	if merged.Reliability == event.AtLeastOnce {
		b.deadLetter(ctx, sub, e, err)
	}
}

// invoke runs the handler, converting panics into errors so one bad handler
// cannot kill the delivery worker.
func (b *InMemory) invoke(ctx context.Context, sub *Subscription, e *event.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = amcp.Errorf("broker.deliver", amcp.KindTransient, "handler panic: %v", r)
		}
	}()
	return sub.handler.HandleEvent(ctx, e)
}

// deadLetter reroutes an undeliverable event to amcp.deadletter.<topic>,
// preserving its ID and metadata. Events already on a dead-letter topic are
// dropped to avoid loops.
func (b *InMemory) deadLetter(ctx context.Context, sub *Subscription, e *event.Event, cause error) {
	if strings.HasPrefix(e.Topic(), topic.DeadLetterPrefix) {
		b.metrics.IncrementEventsDropped(ctx, e.Topic(), "deadletter-failed")
		return
	}
	redirected, err := e.Redirect(topic.DeadLetter(e.Topic()), map[string]string{
		"amcpdeadletterreason":     cause.Error(),
		"amcpdeadlettersubscriber": sub.opts.Subscriber,
	})
	if err != nil {
		return
	}
	b.metrics.IncrementEventsDeadLettered(ctx, e.Topic(), "retry-exhausted")
	b.logger.WarnContext(ctx, "Event dead-lettered",
		"topic", e.Topic(),
		"event_id", e.ID().String(),
		"subscriber", sub.opts.Subscriber,
	)
	if err := b.route(ctx, redirected); err != nil {
		b.logger.ErrorContext(ctx, "Dead-letter routing failed", "error", err)
	}
}
