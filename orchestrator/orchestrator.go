// Package orchestrator turns natural-language requests into coordinated
// work across capability-registered agents: an LLM (or keyword) plan,
// parallel task dispatch with correlation tracking, dependency unlocking,
// and a synthesized reply with a per-task audit trail.
package orchestrator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"

	amcp "github.com/amcp-project/amcp-go"
	"github.com/amcp-project/amcp-go/correlation"
	"github.com/amcp-project/amcp-go/event"
	"github.com/amcp-project/amcp-go/fallback"
	"github.com/amcp-project/amcp-go/internal/observability"
	"github.com/amcp-project/amcp-go/llm"
	"github.com/amcp-project/amcp-go/mesh"
	"github.com/amcp-project/amcp-go/registry"
)

// State of one orchestration.
type State string

const (
	StateNew          State = "NEW"
	StatePlanning     State = "PLANNING"
	StateDispatching  State = "DISPATCHING"
	StateCollecting   State = "COLLECTING"
	StateSynthesizing State = "SYNTHESIZING"
	StateDone         State = "DONE"
	StateFailed       State = "FAILED"
)

// TaskStatus of one planned task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskDispatched TaskStatus = "dispatched"
	TaskSucceeded  TaskStatus = "succeeded"
	TaskFailed     TaskStatus = "failed"
	TaskTimedOut   TaskStatus = "timedout"
	TaskCancelled  TaskStatus = "cancelled"
)

// Failure categories reported on total failure.
const (
	FailureNoAgent        = "no-agent"
	FailureAllTimeouts    = "all-timeouts"
	FailureLLMUnavailable = "llm-unavailable"
)

// Config bounds the orchestrator.
type Config struct {
	// ModelID names the model used for planning and synthesis.
	ModelID string
	// Parameters are the generation knobs for both templates.
	Parameters llm.Parameters
	// TaskTimeout caps one dispatched task.
	TaskTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{ModelID: "default", TaskTimeout: 30 * time.Second}
}

type task struct {
	index      int
	capability string
	parameters map[string]any
	dependsOn  []int

	corrID       amcp.CorrelationID
	agentID      amcp.AgentID
	status       TaskStatus
	result       map[string]any
	reason       string
	dispatchedAt time.Time
	latency      time.Duration
}

func (t *task) terminal() bool {
	switch t.status {
	case TaskSucceeded, TaskFailed, TaskTimedOut, TaskCancelled:
		return true
	}
	return false
}

type orchestration struct {
	mu        sync.Mutex
	id        amcp.CorrelationID
	query     string
	userCtx   map[string]any
	state     State
	tasks     []*task
	startedAt time.Time
}

// Agent is the orchestrator. It declares itself concurrent-safe: task
// timeouts arrive on timer goroutines and every orchestration carries its
// own lock.
type Agent struct {
	cfg      Config
	model    llm.Connector
	engine   *fallback.Engine
	tracker  *correlation.Tracker
	registry *registry.Registry
	logger   *slog.Logger
	trace    *observability.TraceManager
	metrics  *observability.MetricsManager

	ac *mesh.AgentContext

	mu     sync.Mutex
	active map[amcp.CorrelationID]*orchestration
}

// New wires the orchestrator. The model is normally the resilient LLM
// wrapper; the engine produces user-facing messages on total failure.
func New(cfg Config, model llm.Connector, engine *fallback.Engine, tracker *correlation.Tracker, reg *registry.Registry, logger *slog.Logger, tm *observability.TraceManager, mm *observability.MetricsManager) (*Agent, error) {
	if model == nil || tracker == nil || reg == nil {
		return nil, amcp.Errorf("orchestrator.New", amcp.KindInvalidInput, "model, tracker and registry are required")
	}
	if cfg.ModelID == "" {
		cfg.ModelID = DefaultConfig().ModelID
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = DefaultConfig().TaskTimeout
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if tm == nil {
		tm = observability.NewTraceManager("amcp-orchestrator")
	}
	if mm == nil {
		var err error
		mm, err = observability.NewMetricsManager(otel.Meter("amcp-orchestrator"))
		if err != nil {
			return nil, err
		}
	}
	return &Agent{
		cfg:      cfg,
		model:    model,
		engine:   engine,
		tracker:  tracker,
		registry: reg,
		logger:   logger,
		trace:    tm,
		metrics:  mm,
		active:   make(map[amcp.CorrelationID]*orchestration),
	}, nil
}

func (a *Agent) Type() string { return "orchestrator" }

func (a *Agent) ConcurrentSafe() bool { return true }

func (a *Agent) OnActivate(ctx context.Context, ac *mesh.AgentContext) error {
	a.ac = ac
	if err := ac.Subscribe(ctx, "orchestration.request.**", event.DeliveryOptions{Reliability: event.AtLeastOnce, Ordered: true}); err != nil {
		return err
	}
	return ac.Subscribe(ctx, "task.response.**", event.DeliveryOptions{Reliability: event.AtLeastOnce})
}

func (a *Agent) OnDeactivate(context.Context) error {
	a.mu.Lock()
	ids := make([]amcp.CorrelationID, 0, len(a.active))
	for id := range a.active {
		ids = append(ids, id)
	}
	a.mu.Unlock()
	for _, id := range ids {
		a.Cancel(id)
	}
	return nil
}

func (a *Agent) HandleEvent(ctx context.Context, e *event.Event) error {
	switch {
	case strings.HasPrefix(e.Topic(), "orchestration.request."):
		return a.handleRequest(ctx, e)
	case strings.HasPrefix(e.Topic(), "task.response."):
		// The continuation registered at dispatch does the bookkeeping.
		a.tracker.Resolve(e)
		return nil
	}
	return nil
}

// Pending returns the number of in-flight orchestrations.
func (a *Agent) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.active)
}

func (a *Agent) handleRequest(ctx context.Context, e *event.Event) error {
	query := event.PayloadField(e.Payload(), "query")
	if query == "" {
		return amcp.Errorf("orchestrator.handleRequest", amcp.KindInvalidInput, "request has no query")
	}
	corrID := e.CorrelationID()
	if corrID.IsZero() {
		corrID = amcp.NewCorrelationID()
	}

	a.mu.Lock()
	if _, dup := a.active[corrID]; dup {
		a.mu.Unlock()
		// At-least-once redelivery of a request already in flight.
		return nil
	}
	o := &orchestration{id: corrID, query: query, state: StateNew, startedAt: time.Now()}
	if s := e.Payload().GetStructValue(); s != nil {
		if uc, ok := s.AsMap()["userContext"].(map[string]any); ok {
			o.userCtx = uc
		}
	}
	a.active[corrID] = o
	a.mu.Unlock()

	ctx, span := a.trace.StartOrchestrationSpan(ctx, corrID.String())
	defer span.End()
	a.metrics.IncrementOrchestrations(ctx, "started")
	a.logger.InfoContext(ctx, "Orchestration started",
		"correlation_id", corrID.String(),
		"query", query,
	)

	o.mu.Lock()
	o.state = StatePlanning
	o.mu.Unlock()
	plan := a.plan(ctx, query)

	o.mu.Lock()
	for i, pt := range plan.Tasks {
		params := pt.Parameters
		if params == nil {
			params = map[string]any{}
		}
		o.tasks = append(o.tasks, &task{
			index:      i,
			capability: pt.Capability,
			parameters: NormalizeParameters(params),
			dependsOn:  pt.DependsOn,
			status:     TaskPending,
		})
	}
	o.state = StateDispatching
	o.mu.Unlock()

	a.dispatchReady(ctx, o)
	a.maybeSynthesize(o)
	return nil
}

// plan asks the model for a structured plan and falls back to the keyword
// router when the model fails or answers something unparseable.
func (a *Agent) plan(ctx context.Context, query string) *Plan {
	capabilities := a.knownCapabilities()
	raw, err := a.model.Generate(ctx, llm.Request{
		Prompt:     RenderTaskPlanning(query, capabilities),
		ModelID:    a.cfg.ModelID,
		Parameters: a.cfg.Parameters,
	})
	if err == nil {
		if plan, perr := ParsePlan(raw); perr == nil {
			return plan
		} else {
			a.logger.WarnContext(ctx, "Plan response unparseable, using keyword router", "error", perr)
		}
	} else {
		a.logger.WarnContext(ctx, "Planning call failed, using keyword router", "error", err)
	}
	return KeywordRoute(query)
}

func (a *Agent) knownCapabilities() []string {
	seen := make(map[string]struct{})
	for _, rec := range a.registry.Records() {
		for _, cap := range rec.Capabilities {
			seen[cap] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for cap := range seen {
		out = append(out, cap)
	}
	sort.Strings(out)
	return out
}

// dispatchReady publishes every pending task whose dependencies succeeded
// and cancels tasks whose dependencies terminally failed.
func (a *Agent) dispatchReady(ctx context.Context, o *orchestration) {
	type dispatchable struct {
		t       *task
		agentID amcp.AgentID
	}
	var ready []dispatchable

	o.mu.Lock()
	for _, t := range o.tasks {
		if t.status != TaskPending {
			continue
		}
		blocked, doomed := false, false
		for _, dep := range t.dependsOn {
			switch o.tasks[dep].status {
			case TaskSucceeded:
			case TaskFailed, TaskTimedOut, TaskCancelled:
				doomed = true
			default:
				blocked = true
			}
		}
		if doomed {
			t.status = TaskCancelled
			t.reason = "dependency failed"
			continue
		}
		if blocked {
			continue
		}
		agents := a.registry.FindAgentsByCapability(t.capability)
		if len(agents) == 0 {
			t.status = TaskFailed
			t.reason = FailureNoAgent
			continue
		}
		t.agentID = agents[0]
		t.corrID = o.id.Derive("task" + strconv.Itoa(t.index))
		t.status = TaskDispatched
		t.dispatchedAt = time.Now()
		ready = append(ready, dispatchable{t: t, agentID: agents[0]})
	}
	if len(ready) > 0 {
		o.state = StateCollecting
	}
	o.mu.Unlock()

	for _, d := range ready {
		t := d.t
		if err := a.tracker.Register(t.corrID, a.cfg.TaskTimeout,
			func(e *event.Event) { a.onTaskResponse(o, t, e) },
			func() { a.onTaskTimeout(o, t) },
		); err != nil {
			a.failTask(o, t, TaskFailed, err.Error())
			continue
		}
		payload, err := event.MapPayload(map[string]any{
			"query":       o.query,
			"parameters":  t.parameters,
			"userContext": o.userCtx,
		})
		if err != nil {
			a.tracker.Cancel(t.corrID)
			a.failTask(o, t, TaskFailed, err.Error())
			continue
		}
		req := event.MustNew("task.request."+t.capability, payload,
			event.WithCorrelationID(t.corrID),
			event.WithMetadata("amcptargetagent", t.agentID.String()),
			event.WithDeliveryOptions(event.DeliveryOptions{Reliability: event.AtLeastOnce}),
		)
		if err := a.ac.Publish(ctx, req); err != nil {
			a.tracker.Cancel(t.corrID)
			a.failTask(o, t, TaskFailed, err.Error())
			continue
		}
		a.logger.InfoContext(ctx, "Task dispatched",
			"correlation_id", t.corrID.String(),
			"capability", t.capability,
			"agent_id", t.agentID.String(),
		)
	}
}

func (a *Agent) failTask(o *orchestration, t *task, status TaskStatus, reason string) {
	o.mu.Lock()
	if !t.terminal() {
		t.status = status
		t.reason = reason
	}
	o.mu.Unlock()
}

func (a *Agent) onTaskResponse(o *orchestration, t *task, e *event.Event) {
	o.mu.Lock()
	if t.status != TaskDispatched {
		o.mu.Unlock()
		return
	}
	t.latency = time.Since(t.dispatchedAt)
	if s := e.Payload().GetStructValue(); s != nil {
		t.result = s.AsMap()
	} else {
		t.result = map[string]any{"value": e.Payload().AsInterface()}
	}
	if errMsg, ok := t.result["error"].(string); ok && errMsg != "" {
		t.status = TaskFailed
		t.reason = errMsg
	} else {
		t.status = TaskSucceeded
	}
	o.mu.Unlock()

	a.dispatchReady(context.Background(), o)
	a.maybeSynthesize(o)
}

func (a *Agent) onTaskTimeout(o *orchestration, t *task) {
	o.mu.Lock()
	if t.status == TaskDispatched {
		t.status = TaskTimedOut
		t.reason = "timeout"
		t.latency = time.Since(t.dispatchedAt)
	}
	o.mu.Unlock()

	// Dependents of the timed-out task are cancelled on the next pass.
	a.dispatchReady(context.Background(), o)
	a.maybeSynthesize(o)
}

// maybeSynthesize runs synthesis exactly once, when every task is terminal.
func (a *Agent) maybeSynthesize(o *orchestration) {
	o.mu.Lock()
	if o.state == StateSynthesizing || o.state == StateDone || o.state == StateFailed {
		o.mu.Unlock()
		return
	}
	for _, t := range o.tasks {
		if !t.terminal() {
			o.mu.Unlock()
			return
		}
	}
	o.state = StateSynthesizing
	o.mu.Unlock()

	a.synthesize(context.Background(), o)
}

func (a *Agent) synthesize(ctx context.Context, o *orchestration) {
	o.mu.Lock()
	results := make(map[string]any)
	succeeded, failed, timedOut, noAgent := 0, 0, 0, 0
	for _, t := range o.tasks {
		switch t.status {
		case TaskSucceeded:
			succeeded++
			results[t.capability] = t.result
		case TaskTimedOut:
			timedOut++
			failed++
		default:
			failed++
			if t.reason == FailureNoAgent {
				noAgent++
			}
		}
	}
	query := o.query
	total := len(o.tasks)
	o.mu.Unlock()

	if succeeded == 0 {
		category := FailureLLMUnavailable
		switch {
		case noAgent == total:
			category = FailureNoAgent
		case timedOut > 0 && timedOut == total:
			category = FailureAllTimeouts
		}
		message := "The request could not be completed; all tasks failed."
		if a.engine != nil {
			if msg, ok := a.engine.Respond(ctx, query); ok {
				message = msg
			}
		}
		a.reply(ctx, o, message, "failed", category, "fallback")
		return
	}

	response, source := "", "llm"
	text, err := a.model.Generate(ctx, llm.Request{
		Prompt:     RenderResponseSynthesis(query, results),
		ModelID:    a.cfg.ModelID,
		Parameters: a.cfg.Parameters,
	})
	if err == nil {
		response = text
	} else {
		// Rule-based summary from the specialists' own formatted fields.
		source = "fallback"
		var parts []string
		for _, capability := range sortedKeys(results) {
			fields, _ := results[capability].(map[string]any)
			if formatted, ok := fields["formattedResponse"].(string); ok && formatted != "" {
				parts = append(parts, formatted)
			} else {
				parts = append(parts, fmt.Sprintf("%s: completed", capability))
			}
		}
		response = strings.Join(parts, " ")
	}

	status := "complete"
	if failed > 0 {
		status = "partial"
	}
	a.reply(ctx, o, response, status, "", source)
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// reply publishes the orchestration response with the per-task audit trail
// and retires the orchestration.
func (a *Agent) reply(ctx context.Context, o *orchestration, response, status, category, source string) {
	o.mu.Lock()
	audit := make([]any, 0, len(o.tasks))
	for _, t := range o.tasks {
		entry := map[string]any{
			"capability": t.capability,
			"agentId":    t.agentID.String(),
			"status":     string(t.status),
			"latencyMs":  t.latency.Milliseconds(),
		}
		if t.reason != "" {
			entry["reason"] = t.reason
		}
		audit = append(audit, entry)
	}
	if status == "failed" {
		o.state = StateFailed
	} else {
		o.state = StateDone
	}
	duration := time.Since(o.startedAt)
	o.mu.Unlock()

	fields := map[string]any{
		"response": response,
		"status":   status,
		"tasks":    audit,
		"query":    o.query,
	}
	if category != "" {
		fields["category"] = category
	}
	payload, err := event.MapPayload(fields)
	if err != nil {
		a.logger.ErrorContext(ctx, "Response payload construction failed",
			"correlation_id", o.id.String(), "error", err)
		payload = event.TextPayload(response)
	}
	reply := event.MustNew("orchestration.response."+o.id.String(), payload,
		event.WithCorrelationID(o.id),
		event.WithMetadata("source", source),
		event.WithDeliveryOptions(event.DeliveryOptions{Reliability: event.AtLeastOnce}),
	)
	if err := a.ac.Publish(ctx, reply); err != nil {
		a.logger.ErrorContext(ctx, "Orchestration reply failed",
			"correlation_id", o.id.String(), "error", err)
	}

	a.metrics.IncrementOrchestrations(ctx, status)
	a.logger.InfoContext(ctx, "Orchestration finished",
		"correlation_id", o.id.String(),
		"status", status,
		"duration", duration,
	)

	a.mu.Lock()
	delete(a.active, o.id)
	a.mu.Unlock()
}

// Cancel aborts an orchestration: outstanding correlations are cancelled
// and not-yet-dispatched tasks never run. No reply is published.
func (a *Agent) Cancel(id amcp.CorrelationID) bool {
	a.mu.Lock()
	o, ok := a.active[id]
	if ok {
		delete(a.active, id)
	}
	a.mu.Unlock()
	if !ok {
		return false
	}

	o.mu.Lock()
	for _, t := range o.tasks {
		switch t.status {
		case TaskDispatched:
			a.tracker.Cancel(t.corrID)
			t.status = TaskCancelled
			t.reason = "orchestration cancelled"
		case TaskPending:
			t.status = TaskCancelled
			t.reason = "orchestration cancelled"
		}
	}
	o.state = StateFailed
	o.mu.Unlock()

	a.logger.Info("Orchestration cancelled", "correlation_id", id.String())
	return true
}
