package broker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	amcp "github.com/amcp-project/amcp-go"
	"github.com/amcp-project/amcp-go/event"
	"github.com/amcp-project/amcp-go/internal/retry"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Retry = retry.Config{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond, Multiplier: 2.0}
	cfg.StopGrace = time.Second
	return cfg
}

func startBroker(t *testing.T, cfg Config, transport Transport) *InMemory {
	t.Helper()
	b, err := NewInMemory(cfg, nil, nil, nil, transport)
	require.NoError(t, err)
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(func() { _ = b.Stop(context.Background()) })
	return b
}

// collector buffers delivered events for assertions.
type collector struct {
	mu     sync.Mutex
	events []*event.Event
	notify chan struct{}
}

func newCollector() *collector {
	return &collector{notify: make(chan struct{}, 64)}
}

func (c *collector) HandleEvent(_ context.Context, e *event.Event) error {
	c.mu.Lock()
	c.events = append(c.events, e)
	c.mu.Unlock()
	select {
	case c.notify <- struct{}{}:
	default:
	}
	return nil
}

func (c *collector) snapshot() []*event.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*event.Event(nil), c.events...)
}

func (c *collector) waitFor(t *testing.T, n int) []*event.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if got := c.snapshot(); len(got) >= n {
			return got
		}
		select {
		case <-c.notify:
		case <-deadline:
			t.Fatalf("timed out waiting for %d events, got %d", n, len(c.snapshot()))
		}
	}
}

func TestPublishRoutesToMatchingSubscribers(t *testing.T) {
	b := startBroker(t, testConfig(), nil)

	exact := newCollector()
	wild := newCollector()
	miss := newCollector()

	_, err := b.Subscribe(context.Background(), "task.request.weather", exact, SubscribeOptions{Subscriber: "exact"})
	require.NoError(t, err)
	_, err = b.Subscribe(context.Background(), "task.request.**", wild, SubscribeOptions{Subscriber: "wild"})
	require.NoError(t, err)
	_, err = b.Subscribe(context.Background(), "task.response.*", miss, SubscribeOptions{Subscriber: "miss"})
	require.NoError(t, err)

	e := event.MustNew("task.request.weather", event.TextPayload("nice"))
	require.NoError(t, b.Publish(context.Background(), e))

	exact.waitFor(t, 1)
	wild.waitFor(t, 1)
	assert.Empty(t, miss.snapshot())
	assert.Equal(t, e.ID(), exact.snapshot()[0].ID())
}

func TestPublishWithoutSubscribersSucceeds(t *testing.T) {
	b := startBroker(t, testConfig(), nil)
	require.NoError(t, b.Publish(context.Background(), event.MustNew("nobody.listens", nil)))
}

func TestPublishAfterStopFails(t *testing.T) {
	b, err := NewInMemory(testConfig(), nil, nil, nil, nil)
	require.NoError(t, err)
	require.NoError(t, b.Start(context.Background()))
	require.NoError(t, b.Stop(context.Background()))

	err = b.Publish(context.Background(), event.MustNew("x.y", nil))
	require.ErrorIs(t, err, amcp.ErrBrokerClosed)

	_, err = b.Subscribe(context.Background(), "x.*", newCollector(), SubscribeOptions{})
	require.ErrorIs(t, err, amcp.ErrBrokerClosed)
}

func TestSubscribeIsIdempotent(t *testing.T) {
	b := startBroker(t, testConfig(), nil)
	c := newCollector()

	s1, err := b.Subscribe(context.Background(), "a.*", c, SubscribeOptions{Subscriber: "agent-1"})
	require.NoError(t, err)
	s2, err := b.Subscribe(context.Background(), "a.*", c, SubscribeOptions{Subscriber: "agent-1"})
	require.NoError(t, err)
	assert.Same(t, s1, s2)

	require.NoError(t, b.Publish(context.Background(), event.MustNew("a.b", nil)))
	c.waitFor(t, 1)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, c.snapshot(), 1, "duplicate subscription must not double-deliver")
}

func TestUnsubscribeStopsNewDeliveries(t *testing.T) {
	b := startBroker(t, testConfig(), nil)
	c := newCollector()

	sub, err := b.Subscribe(context.Background(), "a.*", c, SubscribeOptions{Subscriber: "agent-1"})
	require.NoError(t, err)
	require.NoError(t, b.Publish(context.Background(), event.MustNew("a.b", nil)))
	c.waitFor(t, 1)

	require.NoError(t, b.Unsubscribe(sub))
	require.NoError(t, b.Publish(context.Background(), event.MustNew("a.b", nil)))
	time.Sleep(30 * time.Millisecond)
	assert.Len(t, c.snapshot(), 1)

	err = b.Unsubscribe(sub)
	assert.True(t, amcp.IsKind(err, amcp.KindNotFound))
}

func TestOrderedDeliverySinglePublisher(t *testing.T) {
	b := startBroker(t, testConfig(), nil)
	c := newCollector()

	opts := SubscribeOptions{
		Subscriber: "ordered-sub",
		Delivery:   event.DeliveryOptions{Reliability: event.AtLeastOnce, Ordered: true},
	}
	_, err := b.Subscribe(context.Background(), "x.*", c, opts)
	require.NoError(t, err)

	var published []amcp.EventID
	for i := 0; i < 20; i++ {
		e := event.MustNew("x.y", nil, event.WithDeliveryOptions(event.DeliveryOptions{Ordered: true}))
		published = append(published, e.ID())
		require.NoError(t, b.Publish(context.Background(), e))
	}

	got := c.waitFor(t, 20)
	for i, e := range got {
		assert.Equal(t, published[i], e.ID(), "delivery order must match publish order")
	}
}

func TestAtLeastOnceRetriesPreserveEventID(t *testing.T) {
	b := startBroker(t, testConfig(), nil)

	var calls atomic.Int32
	var seen []amcp.EventID
	var mu sync.Mutex
	done := make(chan struct{})
	h := HandlerFunc(func(_ context.Context, e *event.Event) error {
		mu.Lock()
		seen = append(seen, e.ID())
		mu.Unlock()
		if calls.Add(1) < 3 {
			return amcp.E("handler", amcp.KindTransient, "flaky")
		}
		close(done)
		return nil
	})
	_, err := b.Subscribe(context.Background(), "x.y", h, SubscribeOptions{
		Subscriber: "flaky",
		Delivery:   event.DeliveryOptions{Reliability: event.AtLeastOnce},
	})
	require.NoError(t, err)

	e := event.MustNew("x.y", nil)
	require.NoError(t, b.Publish(context.Background(), e))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never succeeded")
	}
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 3)
	for _, id := range seen {
		assert.Equal(t, e.ID(), id, "retries must carry the same event id")
	}
}

func TestDeadLetterAfterRetryBudget(t *testing.T) {
	b := startBroker(t, testConfig(), nil)

	failing := HandlerFunc(func(context.Context, *event.Event) error {
		return amcp.E("handler", amcp.KindTransient, "always down")
	})
	_, err := b.Subscribe(context.Background(), "x.y", failing, SubscribeOptions{
		Subscriber: "broken",
		Delivery:   event.DeliveryOptions{Reliability: event.AtLeastOnce},
	})
	require.NoError(t, err)

	dl := newCollector()
	_, err = b.Subscribe(context.Background(), "amcp.deadletter.**", dl, SubscribeOptions{Subscriber: "dlq"})
	require.NoError(t, err)

	e := event.MustNew("x.y", event.TextPayload("poison"), event.WithMetadata("k", "v"))
	require.NoError(t, b.Publish(context.Background(), e))

	got := dl.waitFor(t, 1)
	assert.Equal(t, "amcp.deadletter.x.y", got[0].Topic())
	assert.Equal(t, e.ID(), got[0].ID(), "dead-letter preserves identity")
	assert.Equal(t, "v", got[0].Meta("k"), "original metadata preserved")
	assert.NotEmpty(t, got[0].Meta("amcpdeadletterreason"))
}

func TestNonRetryableHandlerErrorSkipsRetries(t *testing.T) {
	b := startBroker(t, testConfig(), nil)

	var calls atomic.Int32
	h := HandlerFunc(func(context.Context, *event.Event) error {
		calls.Add(1)
		return amcp.E("handler", amcp.KindInvalidInput, "bad payload")
	})
	_, err := b.Subscribe(context.Background(), "x.y", h, SubscribeOptions{
		Subscriber: "strict",
		Delivery:   event.DeliveryOptions{Reliability: event.AtLeastOnce},
	})
	require.NoError(t, err)

	dl := newCollector()
	_, err = b.Subscribe(context.Background(), "amcp.deadletter.**", dl, SubscribeOptions{Subscriber: "dlq"})
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), event.MustNew("x.y", nil)))
	dl.waitFor(t, 1)
	assert.Equal(t, int32(1), calls.Load(), "invalid-input errors must not be retried")
}

func TestDropOldestUnderBackPressure(t *testing.T) {
	b := startBroker(t, testConfig(), nil)

	entered := make(chan struct{})
	release := make(chan struct{})
	c := newCollector()
	var once sync.Once
	h := HandlerFunc(func(ctx context.Context, e *event.Event) error {
		once.Do(func() {
			close(entered)
			<-release
		})
		return c.HandleEvent(ctx, e)
	})

	_, err := b.Subscribe(context.Background(), "x.y", h, SubscribeOptions{
		Subscriber: "slow",
		QueueSize:  1,
		Overflow:   DropOldest,
	})
	require.NoError(t, err)

	e1 := event.MustNew("x.y", event.TextPayload("1"))
	e2 := event.MustNew("x.y", event.TextPayload("2"))
	e3 := event.MustNew("x.y", event.TextPayload("3"))

	require.NoError(t, b.Publish(context.Background(), e1))
	<-entered // worker is blocked inside the handler for e1
	require.NoError(t, b.Publish(context.Background(), e2))
	require.NoError(t, b.Publish(context.Background(), e3)) // evicts e2
	close(release)

	got := c.waitFor(t, 2)
	require.Len(t, got, 2)
	assert.Equal(t, e1.ID(), got[0].ID())
	assert.Equal(t, e3.ID(), got[1].ID(), "oldest queued event must be the one dropped")
}

func TestExpiredEventsAreDropped(t *testing.T) {
	b := startBroker(t, testConfig(), nil)

	entered := make(chan struct{})
	release := make(chan struct{})
	c := newCollector()
	var once sync.Once
	h := HandlerFunc(func(ctx context.Context, e *event.Event) error {
		once.Do(func() {
			close(entered)
			<-release
		})
		return c.HandleEvent(ctx, e)
	})
	_, err := b.Subscribe(context.Background(), "x.y", h, SubscribeOptions{Subscriber: "slow"})
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), event.MustNew("x.y", event.TextPayload("first"))))
	<-entered

	stale := event.MustNew("x.y", event.TextPayload("stale"),
		event.WithTimestamp(time.Now().Add(-time.Minute)),
		event.WithDeliveryOptions(event.DeliveryOptions{TTL: time.Second}),
	)
	require.NoError(t, b.Publish(context.Background(), stale))
	close(release)

	c.waitFor(t, 1)
	time.Sleep(30 * time.Millisecond)
	got := c.snapshot()
	require.Len(t, got, 1, "expired event must not reach the handler")
	assert.Equal(t, "first", got[0].Payload().GetStringValue())
}

func TestStopDrainsQueuedEvents(t *testing.T) {
	b, err := NewInMemory(testConfig(), nil, nil, nil, nil)
	require.NoError(t, err)
	require.NoError(t, b.Start(context.Background()))

	c := newCollector()
	_, err = b.Subscribe(context.Background(), "x.*", c, SubscribeOptions{
		Subscriber: "drainee",
		Delivery:   event.DeliveryOptions{Reliability: event.AtLeastOnce},
	})
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		require.NoError(t, b.Publish(context.Background(), event.MustNew("x.y", nil)))
	}
	require.NoError(t, b.Stop(context.Background()))
	assert.Len(t, c.snapshot(), 10, "stop must drain queued at-least-once events")
}
