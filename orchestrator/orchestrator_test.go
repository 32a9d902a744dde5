package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	amcp "github.com/amcp-project/amcp-go"
	"github.com/amcp-project/amcp-go/broker"
	"github.com/amcp-project/amcp-go/correlation"
	"github.com/amcp-project/amcp-go/event"
	"github.com/amcp-project/amcp-go/llm"
	"github.com/amcp-project/amcp-go/mesh"
	"github.com/amcp-project/amcp-go/registry"
)

// specialist answers task.request.<capability> with a fixed structured
// result. A silent specialist swallows requests so the task times out.
type specialist struct {
	capability string
	result     map[string]any
	silent     bool

	mu       sync.Mutex
	handle   *mesh.AgentContext
	received []*event.Event
}

func (s *specialist) Type() string { return "specialist-" + s.capability }

func (s *specialist) Capabilities() []string { return []string{s.capability} }

func (s *specialist) OnActivate(ctx context.Context, ac *mesh.AgentContext) error {
	s.mu.Lock()
	s.handle = ac
	s.mu.Unlock()
	return ac.Subscribe(ctx, "task.request."+s.capability, event.DeliveryOptions{Reliability: event.AtLeastOnce})
}

func (s *specialist) OnDeactivate(context.Context) error { return nil }

func (s *specialist) HandleEvent(ctx context.Context, e *event.Event) error {
	s.mu.Lock()
	s.received = append(s.received, e)
	handle := s.handle
	s.mu.Unlock()
	if s.silent {
		return nil
	}
	payload, err := event.MapPayload(s.result)
	if err != nil {
		return err
	}
	reply := event.MustNew("task.response."+e.CorrelationID().String(), payload,
		event.WithCorrelationID(e.CorrelationID()),
	)
	return handle.Publish(ctx, reply)
}

func (s *specialist) requests() []*event.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*event.Event(nil), s.received...)
}

// collector gathers orchestration responses for assertions.
type collector struct {
	mu     sync.Mutex
	events []*event.Event
	notify chan struct{}
}

func newCollector() *collector { return &collector{notify: make(chan struct{}, 8)} }

func (c *collector) Type() string { return "collector" }

func (c *collector) OnActivate(ctx context.Context, ac *mesh.AgentContext) error {
	return ac.Subscribe(ctx, "orchestration.response.**", event.DeliveryOptions{Reliability: event.AtLeastOnce})
}

func (c *collector) OnDeactivate(context.Context) error { return nil }

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

func (c *collector) waitForResponse(t *testing.T, timeout time.Duration) *event.Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		c.mu.Lock()
		if len(c.events) > 0 {
			e := c.events[0]
			c.mu.Unlock()
			return e
		}
		c.mu.Unlock()
		select {
		case <-c.notify:
		case <-deadline:
			t.Fatal("timed out waiting for orchestration response")
		}
	}
}

type fixture struct {
	t       *testing.T
	c       *mesh.Context
	orch    *Agent
	sink    *collector
	tracker *correlation.Tracker
}

// newFixture stands up an in-memory mesh with the orchestrator, a response
// collector and the given specialists all activated.
func newFixture(t *testing.T, cfg Config, model llm.Connector, specialists ...*specialist) *fixture {
	t.Helper()
	b, err := broker.NewInMemory(broker.DefaultConfig(), nil, nil, nil, nil)
	require.NoError(t, err)
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(func() { _ = b.Stop(context.Background()) })

	reg := registry.New(registry.DefaultConfig(), nil)
	c, err := mesh.New(mesh.Config{ContextID: "ctx-orch"}, b, reg, nil, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Shutdown(context.Background()) })

	tracker := correlation.New(nil)
	orch, err := New(cfg, model, nil, tracker, reg, nil, nil, nil)
	require.NoError(t, err)

	start := func(a mesh.Agent) {
		require.NoError(t, c.RegisterAgentType(a.Type(), func() mesh.Agent { return a }))
		id, err := c.CreateAgent(a.Type())
		require.NoError(t, err)
		require.NoError(t, c.Activate(context.Background(), id))
	}
	start(orch)
	sink := newCollector()
	start(sink)
	for _, s := range specialists {
		start(s)
	}
	return &fixture{t: t, c: c, orch: orch, sink: sink, tracker: tracker}
}

func (f *fixture) ask(query string) amcp.CorrelationID {
	f.t.Helper()
	corr := amcp.NewCorrelationID()
	payload, err := event.MapPayload(map[string]any{"query": query})
	require.NoError(f.t, err)
	req := event.MustNew("orchestration.request.user", payload, event.WithCorrelationID(corr))
	require.NoError(f.t, f.c.Publish(context.Background(), req))
	return corr
}

func responseFields(t *testing.T, e *event.Event) map[string]any {
	t.Helper()
	s := e.Payload().GetStructValue()
	require.NotNil(t, s)
	return s.AsMap()
}

func planningModel(planJSON, synthesis string) *llm.MockConnector {
	return llm.NewMockConnectorWithFunc(func(_ context.Context, req llm.Request) (string, error) {
		if strings.Contains(req.Prompt, "task planner") {
			return planJSON, nil
		}
		return synthesis, nil
	})
}

func TestOrchestrationHappyPath(t *testing.T) {
	weather := &specialist{
		capability: "weather.current",
		result:     map[string]any{"formattedResponse": "Sunny, 25C in Paris"},
	}
	model := planningModel(
		`{"tasks":[{"capability":"weather.current","parameters":{"location":"paris, france"}}]}`,
		"It is sunny and 25C in Paris today.",
	)
	f := newFixture(t, DefaultConfig(), model, weather)

	corr := f.ask("what is the weather in Paris")
	resp := f.sink.waitForResponse(t, 3*time.Second)

	assert.Equal(t, corr, resp.CorrelationID())
	assert.Equal(t, "orchestration.response."+corr.String(), resp.Topic())
	assert.Equal(t, "llm", resp.Meta("source"))

	fields := responseFields(t, resp)
	assert.Equal(t, "complete", fields["status"])
	assert.Equal(t, "It is sunny and 25C in Paris today.", fields["response"])

	tasks, ok := fields["tasks"].([]any)
	require.True(t, ok)
	require.Len(t, tasks, 1)
	audit := tasks[0].(map[string]any)
	assert.Equal(t, "weather.current", audit["capability"])
	assert.Equal(t, string(TaskSucceeded), audit["status"])
	assert.NotEmpty(t, audit["agentId"])

	// The specialist saw the canonical location form.
	reqs := weather.requests()
	require.Len(t, reqs, 1)
	params := responseFields(t, reqs[0])["parameters"].(map[string]any)
	assert.Equal(t, "Paris,FR", params["location"])

	assert.Equal(t, 0, f.orch.Pending())
}

func TestUnparseablePlanFallsBackToKeywordRouter(t *testing.T) {
	weather := &specialist{
		capability: "weather.current",
		result:     map[string]any{"formattedResponse": "Rainy"},
	}
	model := planningModel("I am sorry, I cannot produce JSON.", "Rain is expected.")
	f := newFixture(t, DefaultConfig(), model, weather)

	f.ask("weather forecast please")
	resp := f.sink.waitForResponse(t, 3*time.Second)

	fields := responseFields(t, resp)
	assert.Equal(t, "complete", fields["status"])

	reqs := weather.requests()
	require.Len(t, reqs, 1, "keyword router still reaches the weather specialist")
}

func TestModelDownSynthesizesFromSpecialistOutput(t *testing.T) {
	weather := &specialist{
		capability: "weather.current",
		result:     map[string]any{"formattedResponse": "Sunny, 25C in Paris"},
	}
	model := llm.NewMockConnectorWithFunc(func(context.Context, llm.Request) (string, error) {
		return "", errors.New("model unreachable")
	})
	f := newFixture(t, DefaultConfig(), model, weather)

	f.ask("weather in Paris")
	resp := f.sink.waitForResponse(t, 3*time.Second)

	// The router plans the capability the specialist advertises; the task
	// must run even though the model never answered.
	require.Len(t, weather.requests(), 1)

	assert.Equal(t, "fallback", resp.Meta("source"))
	fields := responseFields(t, resp)
	assert.Equal(t, "complete", fields["status"])
	assert.Contains(t, fields["response"], "Sunny, 25C in Paris")

	tasks := fields["tasks"].([]any)
	require.Len(t, tasks, 1)
	audit := tasks[0].(map[string]any)
	assert.Equal(t, "weather.current", audit["capability"])
	assert.Equal(t, string(TaskSucceeded), audit["status"])
}

func TestNoAgentForCapabilityFails(t *testing.T) {
	model := llm.NewMockConnectorWithFunc(func(context.Context, llm.Request) (string, error) {
		return "", errors.New("model unreachable")
	})
	f := newFixture(t, DefaultConfig(), model)

	f.ask("weather in Paris")
	resp := f.sink.waitForResponse(t, 3*time.Second)

	fields := responseFields(t, resp)
	assert.Equal(t, "failed", fields["status"])
	assert.Equal(t, FailureNoAgent, fields["category"])
	tasks := fields["tasks"].([]any)
	require.Len(t, tasks, 1)
	audit := tasks[0].(map[string]any)
	assert.Equal(t, string(TaskFailed), audit["status"])
	assert.Equal(t, FailureNoAgent, audit["reason"])
}

func TestPartialFailureOnTimeout(t *testing.T) {
	weather := &specialist{
		capability: "weather.current",
		result:     map[string]any{"formattedResponse": "Sunny"},
	}
	stock := &specialist{capability: "stock.quote", silent: true}
	model := planningModel(
		`{"tasks":[{"capability":"weather.current","parameters":{"location":"Paris,FR"}},{"capability":"stock.quote","parameters":{"symbol":"ACME"}}]}`,
		"Weather is sunny; stock data is unavailable.",
	)
	cfg := DefaultConfig()
	cfg.TaskTimeout = 200 * time.Millisecond
	f := newFixture(t, cfg, model, weather, stock)

	f.ask("weather in Paris and the ACME stock price")
	resp := f.sink.waitForResponse(t, 5*time.Second)

	fields := responseFields(t, resp)
	assert.Equal(t, "partial", fields["status"])

	byCapability := map[string]map[string]any{}
	for _, raw := range fields["tasks"].([]any) {
		entry := raw.(map[string]any)
		byCapability[entry["capability"].(string)] = entry
	}
	assert.Equal(t, string(TaskSucceeded), byCapability["weather.current"]["status"])
	assert.Equal(t, string(TaskTimedOut), byCapability["stock.quote"]["status"])
	assert.Equal(t, "timeout", byCapability["stock.quote"]["reason"])
}

func TestDependentTaskCancelledWhenDependencyFails(t *testing.T) {
	stock := &specialist{
		capability: "stock.quote",
		result:     map[string]any{"formattedResponse": "ACME at 42"},
	}
	// Task 0 targets a capability nobody advertises; task 1 depends on it.
	model := planningModel(
		`{"tasks":[{"capability":"geocode.lookup","parameters":{"place":"Paris"}},{"capability":"stock.quote","parameters":{"symbol":"ACME"},"dependsOn":[0]}]}`,
		"unused",
	)
	f := newFixture(t, DefaultConfig(), model, stock)

	f.ask("stock near Paris")
	resp := f.sink.waitForResponse(t, 3*time.Second)

	fields := responseFields(t, resp)
	assert.Equal(t, "failed", fields["status"])

	byCapability := map[string]map[string]any{}
	for _, raw := range fields["tasks"].([]any) {
		entry := raw.(map[string]any)
		byCapability[entry["capability"].(string)] = entry
	}
	assert.Equal(t, string(TaskFailed), byCapability["geocode.lookup"]["status"])
	assert.Equal(t, FailureNoAgent, byCapability["geocode.lookup"]["reason"])
	assert.Equal(t, string(TaskCancelled), byCapability["stock.quote"]["status"])
	assert.Empty(t, stock.requests(), "dependent task never dispatched")
}

func TestDependencyResultsUnlockDependents(t *testing.T) {
	weather := &specialist{
		capability: "weather.current",
		result:     map[string]any{"formattedResponse": "Sunny"},
	}
	travel := &specialist{
		capability: "travel.search",
		result:     map[string]any{"formattedResponse": "Flights are on time"},
	}
	model := planningModel(
		`{"tasks":[{"capability":"weather.current","parameters":{"location":"Paris,FR"}},{"capability":"travel.search","parameters":{"destination":"CDG"},"dependsOn":[0]}]}`,
		"Sunny in Paris and flights are on time.",
	)
	f := newFixture(t, DefaultConfig(), model, weather, travel)

	f.ask("plan my Paris trip")
	resp := f.sink.waitForResponse(t, 3*time.Second)

	fields := responseFields(t, resp)
	assert.Equal(t, "complete", fields["status"])
	require.Len(t, travel.requests(), 1)
	params := responseFields(t, travel.requests()[0])["parameters"].(map[string]any)
	assert.Equal(t, "Paris,FR", params["destination"], "IATA code normalized before dispatch")
}

func TestCancelAbortsInFlightOrchestration(t *testing.T) {
	stuck := &specialist{capability: "weather.current", silent: true}
	model := planningModel(
		`{"tasks":[{"capability":"weather.current","parameters":{"location":"Paris,FR"}}]}`,
		"unused",
	)
	cfg := DefaultConfig()
	cfg.TaskTimeout = time.Minute
	f := newFixture(t, cfg, model, stuck)

	corr := f.ask("weather in Paris")
	require.Eventually(t, func() bool { return f.orch.Pending() == 1 }, 2*time.Second, 10*time.Millisecond)

	assert.True(t, f.orch.Cancel(corr))
	assert.False(t, f.orch.Cancel(corr), "second cancel is a no-op")
	assert.Equal(t, 0, f.orch.Pending())
}
