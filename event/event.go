// Package event defines the immutable event record exchanged through the
// broker, its delivery options, and the CloudEvents 1.0 projection used when
// an event crosses a context boundary.
package event

import (
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	amcp "github.com/amcp-project/amcp-go"
	"github.com/amcp-project/amcp-go/topic"
)

// Reliability selects the delivery guarantee for an event or subscription.
type Reliability int

const (
	// BestEffort events may be dropped under pressure and are never retried.
	BestEffort Reliability = iota
	// AtLeastOnce events are retried with backoff and dead-lettered when the
	// retry budget is exhausted.
	AtLeastOnce
)

func (r Reliability) String() string {
	if r == AtLeastOnce {
		return "at-least-once"
	}
	return "best-effort"
}

// DeliveryOptions accompanies an event or a subscription. Subscription
// options override event options for that subscriber.
type DeliveryOptions struct {
	Reliability Reliability
	// Ordered requests publish-order delivery per (publisher, subscription)
	// pair.
	Ordered bool
	// TTL is the duration after which an undelivered event may be dropped.
	// Zero means no expiry.
	TTL time.Duration
	// Priority is advisory; higher is earlier.
	Priority int
	// RequireAck requires the subscriber handler to return before the broker
	// considers delivery complete.
	RequireAck bool
}

// Merge overlays per-subscription overrides on event options. The stronger
// reliability and the ordered flag win.
func (o DeliveryOptions) Merge(sub DeliveryOptions) DeliveryOptions {
	out := o
	if sub.Reliability > out.Reliability {
		out.Reliability = sub.Reliability
	}
	out.Ordered = out.Ordered || sub.Ordered
	out.RequireAck = out.RequireAck || sub.RequireAck
	if sub.TTL > 0 && (out.TTL == 0 || sub.TTL < out.TTL) {
		out.TTL = sub.TTL
	}
	if sub.Priority != 0 {
		out.Priority = sub.Priority
	}
	return out
}

// Event is an immutable record published to a topic. Identity, topic, sender
// and timestamp never change after construction; the payload is treated as
// immutable by the runtime. Equality is by ID.
type Event struct {
	id       amcp.EventID
	topic    string
	payload  *structpb.Value
	sender   amcp.AgentID
	ts       time.Time
	corr     amcp.CorrelationID
	metadata map[string]string
	opts     DeliveryOptions
}

// Option customizes event construction.
type Option func(*Event)

// WithSender stamps the publishing agent. A zero sender marks a
// system-injected event.
func WithSender(id amcp.AgentID) Option { return func(e *Event) { e.sender = id } }

// WithCorrelationID links the event into a conversation.
func WithCorrelationID(c amcp.CorrelationID) Option { return func(e *Event) { e.corr = c } }

// WithMetadata sets one metadata entry.
func WithMetadata(key, value string) Option {
	return func(e *Event) { e.metadata[key] = value }
}

// WithMetadataMap merges a metadata map.
func WithMetadataMap(m map[string]string) Option {
	return func(e *Event) {
		for k, v := range m {
			e.metadata[k] = v
		}
	}
}

// WithDeliveryOptions sets the delivery options.
func WithDeliveryOptions(opts DeliveryOptions) Option { return func(e *Event) { e.opts = opts } }

// WithID forces a specific event ID. Used by transports when decoding a wire
// event so that redeliveries preserve identity.
func WithID(id amcp.EventID) Option { return func(e *Event) { e.id = id } }

// WithTimestamp forces a specific timestamp. Used when decoding.
func WithTimestamp(ts time.Time) Option { return func(e *Event) { e.ts = ts } }

// New constructs an event on the given topic. The topic must be well formed
// and wildcard-free.
func New(eventTopic string, payload *structpb.Value, opts ...Option) (*Event, error) {
	if err := topic.Validate(eventTopic); err != nil {
		return nil, err
	}
	e := &Event{
		id:       amcp.NewEventID(),
		topic:    eventTopic,
		payload:  payload,
		ts:       time.Now().UTC(),
		metadata: make(map[string]string),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// MustNew is New for payloads and topics known to be valid at compile time.
// It panics on error and is intended for tests and internal events.
func MustNew(eventTopic string, payload *structpb.Value, opts ...Option) *Event {
	e, err := New(eventTopic, payload, opts...)
	if err != nil {
		panic(err)
	}
	return e
}

// ID returns the unique event ID.
func (e *Event) ID() amcp.EventID { return e.id }

// Topic returns the dotted topic the event was published on.
func (e *Event) Topic() string { return e.topic }

// Payload returns the structured payload. It must not be mutated.
func (e *Event) Payload() *structpb.Value { return e.payload }

// Sender returns the publishing agent, zero for system-injected events.
func (e *Event) Sender() amcp.AgentID { return e.sender }

// Timestamp returns the construction wall-clock time.
func (e *Event) Timestamp() time.Time { return e.ts }

// CorrelationID returns the optional conversation link.
func (e *Event) CorrelationID() amcp.CorrelationID { return e.corr }

// Metadata returns a copy of the metadata map.
func (e *Event) Metadata() map[string]string {
	out := make(map[string]string, len(e.metadata))
	for k, v := range e.metadata {
		out[k] = v
	}
	return out
}

// Meta returns one metadata value.
func (e *Event) Meta(key string) string { return e.metadata[key] }

// DeliveryOptions returns the event-level delivery options.
func (e *Event) DeliveryOptions() DeliveryOptions { return e.opts }

// Expired reports whether the event's TTL elapsed relative to now.
func (e *Event) Expired(now time.Time) bool {
	return e.opts.TTL > 0 && now.After(e.ts.Add(e.opts.TTL))
}

// Equal reports identity equality.
func (e *Event) Equal(other *Event) bool {
	return other != nil && e.id == other.id
}

// WithStampedSender returns the event itself when a sender is present, or a
// shallow copy stamped with the given sender. The context uses this to stamp
// publishes made by agents.
func (e *Event) WithStampedSender(id amcp.AgentID) *Event {
	if !e.sender.IsZero() || id.IsZero() {
		return e
	}
	clone := *e
	clone.sender = id
	return &clone
}

// Redirect returns a copy of the event addressed to another topic, keeping
// the original ID, payload and metadata. The broker uses it for dead-letter
// routing.
func (e *Event) Redirect(newTopic string, extraMeta map[string]string) (*Event, error) {
	if err := topic.Validate(newTopic); err != nil {
		return nil, err
	}
	clone := *e
	clone.topic = newTopic
	clone.metadata = make(map[string]string, len(e.metadata)+len(extraMeta))
	for k, v := range e.metadata {
		clone.metadata[k] = v
	}
	for k, v := range extraMeta {
		clone.metadata[k] = v
	}
	return &clone, nil
}

// MapPayload builds a map payload from native Go values.
func MapPayload(fields map[string]any) (*structpb.Value, error) {
	s, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, amcp.E("event.MapPayload", amcp.KindInvalidInput, err)
	}
	return structpb.NewStructValue(s), nil
}

// TextPayload builds a scalar string payload.
func TextPayload(text string) *structpb.Value { return structpb.NewStringValue(text) }

// PayloadField extracts a string field from a map payload, empty when absent.
func PayloadField(payload *structpb.Value, key string) string {
	if payload == nil {
		return ""
	}
	s := payload.GetStructValue()
	if s == nil {
		return ""
	}
	if v, ok := s.Fields[key]; ok {
		return v.GetStringValue()
	}
	return ""
}
