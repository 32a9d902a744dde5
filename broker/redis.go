package broker

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	amcp "github.com/amcp-project/amcp-go"
	"github.com/amcp-project/amcp-go/event"
)

// Channel carrying the CloudEvents JSON projection between contexts.
const redisChannel = "amcp:events"

// originExtension lets a context filter out its own publishes, which Redis
// pub/sub echoes back to every subscriber.
const originExtension = "amcporigin"

// RedisTransport fans events out to other contexts through Redis pub/sub.
// Events travel as their CloudEvents 1.0 projection.
type RedisTransport struct {
	client    *redis.Client
	contextID string
	logger    *slog.Logger

	mu     sync.Mutex
	pubsub *redis.PubSub
	done   chan struct{}
}

// NewRedisTransport connects to Redis at addr. contextID identifies this
// context in the origin extension.
func NewRedisTransport(addr, contextID string, logger *slog.Logger) *RedisTransport {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &RedisTransport{
		client: redis.NewClient(&redis.Options{
			Addr: addr,
		}),
		contextID: contextID,
		logger:    logger,
	}
}

// Publish projects the event to CloudEvents JSON and publishes it on the
// shared channel.
func (t *RedisTransport) Publish(ctx context.Context, e *event.Event) error {
	ce, err := event.Project(e, t.contextID)
	if err != nil {
		return err
	}
	ce.Extensions[originExtension] = t.contextID
	raw, err := json.Marshal(ce)
	if err != nil {
		return amcp.E("broker.RedisTransport.Publish", amcp.KindInvalidInput, err)
	}
	if err := t.client.Publish(ctx, redisChannel, raw).Err(); err != nil {
		return amcp.E("broker.RedisTransport.Publish", amcp.KindTransient, err)
	}
	return nil
}

// Subscribe starts the receive loop. Own publishes and undecodable payloads
// are dropped with a log line; the broker never sees them.
func (t *RedisTransport) Subscribe(ctx context.Context, receive func(e *event.Event)) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pubsub != nil {
		return amcp.Errorf("broker.RedisTransport.Subscribe", amcp.KindLifecycle, "already subscribed")
	}

	pubsub := t.client.Subscribe(ctx, redisChannel)
	// Force the subscription onto the wire before we report success.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return amcp.E("broker.RedisTransport.Subscribe", amcp.KindUnavailable, err)
	}
	t.pubsub = pubsub
	t.done = make(chan struct{})

	go func() {
		defer close(t.done)
		for msg := range pubsub.Channel() {
			e, ok := t.decode(msg.Payload)
			if !ok {
				continue
			}
			receive(e)
		}
	}()
	return nil
}

func (t *RedisTransport) decode(payload string) (*event.Event, bool) {
	var ce event.CloudEvent
	if err := json.Unmarshal([]byte(payload), &ce); err != nil {
		t.logger.Warn("Dropping undecodable transport message", "error", err)
		return nil, false
	}
	if ce.Extensions[originExtension] == t.contextID {
		return nil, false
	}
	e, err := event.Unproject(&ce)
	if err != nil {
		t.logger.Warn("Dropping invalid transport event",
			"cloudevent_id", ce.ID,
			"error", err,
		)
		return nil, false
	}
	return e, true
}

// Ping probes the Redis connection.
func (t *RedisTransport) Ping(ctx context.Context) error {
	if err := t.client.Ping(ctx).Err(); err != nil {
		return amcp.E("broker.RedisTransport.Ping", amcp.KindUnavailable, err)
	}
	return nil
}

// Close tears down the subscription and the client.
func (t *RedisTransport) Close() error {
	t.mu.Lock()
	pubsub := t.pubsub
	done := t.done
	t.pubsub = nil
	t.mu.Unlock()

	if pubsub != nil {
		if err := pubsub.Close(); err != nil {
			return err
		}
		<-done
	}
	return t.client.Close()
}
