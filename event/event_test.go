package event

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	amcp "github.com/amcp-project/amcp-go"
)

func TestNewValidatesTopic(t *testing.T) {
	_, err := New("x..y", TextPayload("hi"))
	require.Error(t, err)
	assert.True(t, amcp.IsKind(err, amcp.KindInvalidInput))

	_, err = New("x.*", TextPayload("hi"))
	require.Error(t, err)
}

func TestEventIdentity(t *testing.T) {
	payload, err := MapPayload(map[string]any{"n": 5})
	require.NoError(t, err)

	e1 := MustNew("counter.tick", payload)
	e2 := MustNew("counter.tick", payload)
	assert.False(t, e1.Equal(e2), "distinct events must have distinct IDs")
	assert.True(t, e1.Equal(e1))
	assert.NotEmpty(t, e1.ID())
	assert.False(t, e1.Timestamp().IsZero())
}

func TestMetadataIsolation(t *testing.T) {
	e := MustNew("x.y", nil, WithMetadata("k", "v"))
	m := e.Metadata()
	m["k"] = "mutated"
	assert.Equal(t, "v", e.Meta("k"), "returned metadata map must be a copy")
}

func TestWithStampedSender(t *testing.T) {
	e := MustNew("x.y", nil)
	stamped := e.WithStampedSender("counter-abc")
	assert.Equal(t, amcp.AgentID("counter-abc"), stamped.Sender())
	assert.True(t, e.Sender().IsZero(), "original stays unchanged")
	assert.Equal(t, e.ID(), stamped.ID())

	// An explicit sender is never overwritten.
	e2 := MustNew("x.y", nil, WithSender("a"))
	assert.Equal(t, amcp.AgentID("a"), e2.WithStampedSender("b").Sender())
}

func TestExpired(t *testing.T) {
	e := MustNew("x.y", nil, WithDeliveryOptions(DeliveryOptions{TTL: time.Minute}))
	assert.False(t, e.Expired(e.Timestamp().Add(time.Second)))
	assert.True(t, e.Expired(e.Timestamp().Add(2*time.Minute)))

	noTTL := MustNew("x.y", nil)
	assert.False(t, noTTL.Expired(time.Now().Add(24*time.Hour)))
}

func TestMergeDeliveryOptions(t *testing.T) {
	ev := DeliveryOptions{Reliability: BestEffort, TTL: time.Minute}
	sub := DeliveryOptions{Reliability: AtLeastOnce, Ordered: true, TTL: 10 * time.Second}
	merged := ev.Merge(sub)
	assert.Equal(t, AtLeastOnce, merged.Reliability)
	assert.True(t, merged.Ordered)
	assert.Equal(t, 10*time.Second, merged.TTL, "shorter TTL wins")
}

func TestCloudEventsProjection(t *testing.T) {
	payload, err := MapPayload(map[string]any{"location": "Nice,FR"})
	require.NoError(t, err)

	e := MustNew("task.request.weather",
		payload,
		WithSender("orchestrator-1"),
		WithCorrelationID("c1"),
		WithMetadata("amcptraceid", "0123456789abcdef"),
		WithMetadata("irrelevant", "dropped"),
	)

	ce, err := Project(e, "ctx-1")
	require.NoError(t, err)
	assert.Equal(t, "1.0", ce.SpecVersion)
	assert.Equal(t, "io.amcp.task.request.weather", ce.Type)
	assert.Equal(t, "urn:amcp:agent:orchestrator-1", ce.Source)
	assert.Equal(t, "application/json", ce.DataContentType)
	assert.Equal(t, "c1", ce.Extensions["amcpcorrelationid"])
	assert.Equal(t, "0123456789abcdef", ce.Extensions["amcptraceid"])
	assert.NotContains(t, ce.Extensions, "irrelevant")

	_, err = time.Parse(time.RFC3339Nano, ce.Time)
	assert.NoError(t, err)
}

func TestCloudEventsRoundTrip(t *testing.T) {
	payload, err := MapPayload(map[string]any{"q": "weather"})
	require.NoError(t, err)

	orig := MustNew("orchestration.request.q1",
		payload,
		WithSender("chat-agent-9"),
		WithCorrelationID("c1"),
		WithMetadata("amcpspanid", "feedface"),
	)

	ce, err := Project(orig, "ctx-1")
	require.NoError(t, err)

	raw, err := json.Marshal(ce)
	require.NoError(t, err)

	var decoded CloudEvent
	require.NoError(t, json.Unmarshal(raw, &decoded))

	restored, err := Unproject(&decoded)
	require.NoError(t, err)
	assert.Equal(t, orig.ID(), restored.ID())
	assert.Equal(t, orig.Topic(), restored.Topic())
	assert.Equal(t, orig.Sender(), restored.Sender())
	assert.Equal(t, orig.CorrelationID(), restored.CorrelationID())
	assert.Equal(t, "feedface", restored.Meta("amcpspanid"))
	assert.Equal(t, "weather", PayloadField(restored.Payload(), "q"))
}

func TestCloudEventValidateStrict(t *testing.T) {
	ce := &CloudEvent{SpecVersion: "1.0", ID: "e1", Source: "urn:amcp:context:c", Type: "io.amcp.x"}
	assert.NoError(t, ce.Validate())

	assert.Error(t, (&CloudEvent{SpecVersion: "0.3", ID: "e1", Source: "s", Type: "t"}).Validate())
	assert.Error(t, (&CloudEvent{SpecVersion: "1.0", Source: "s", Type: "t"}).Validate())
	assert.Error(t, (&CloudEvent{SpecVersion: "1.0", ID: "e1", Type: "t"}).Validate())
	assert.Error(t, (&CloudEvent{SpecVersion: "1.0", ID: "e1", Source: "s"}).Validate())
}
