// weather is a demo specialist: it joins the mesh through the external
// broker transport and answers task.request.weather.current with a canned
// forecast for any context sharing the broker. Capability records stay
// local to each context, so orchestrated dispatch finds this agent only
// when it shares the orchestrator's registry; direct task requests work
// from anywhere.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/amcp-project/amcp-go/broker"
	"github.com/amcp-project/amcp-go/event"
	"github.com/amcp-project/amcp-go/internal/config"
	"github.com/amcp-project/amcp-go/internal/observability"
	"github.com/amcp-project/amcp-go/mesh"
	"github.com/amcp-project/amcp-go/registry"
)

type weatherAgent struct {
	handle *mesh.AgentContext
}

func (a *weatherAgent) Type() string { return "weather" }

func (a *weatherAgent) Capabilities() []string { return []string{"weather.current"} }

func (a *weatherAgent) OnActivate(ctx context.Context, ac *mesh.AgentContext) error {
	a.handle = ac
	return ac.Subscribe(ctx, "task.request.weather.current", event.DeliveryOptions{Reliability: event.AtLeastOnce})
}

func (a *weatherAgent) OnDeactivate(context.Context) error { return nil }

func (a *weatherAgent) HandleEvent(ctx context.Context, e *event.Event) error {
	location := "your area"
	if s := e.Payload().GetStructValue(); s != nil {
		if params, ok := s.AsMap()["parameters"].(map[string]any); ok {
			if loc, ok := params["location"].(string); ok && loc != "" {
				location = loc
			}
		}
	}
	payload, err := event.MapPayload(map[string]any{
		"location":          location,
		"conditions":        "sunny",
		"temperatureC":      22,
		"formattedResponse": fmt.Sprintf("Sunny and 22C in %s.", location),
	})
	if err != nil {
		return err
	}
	reply := event.MustNew("task.response."+e.CorrelationID().String(), payload,
		event.WithCorrelationID(e.CorrelationID()),
		event.WithDeliveryOptions(event.DeliveryOptions{Reliability: event.AtLeastOnce}),
	)
	return a.handle.Publish(ctx, reply)
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Println("Shutting down weather agent...")
		cancel()
	}()

	if err := run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg := config.Load()
	contextID := cfg.ContextID + "-weather"

	obs, err := observability.New(observability.Config{
		ServiceName:    "amcp-weather",
		ServiceVersion: cfg.ServiceVersion,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		Environment:    cfg.Environment,
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = obs.Shutdown(shutdownCtx)
	}()
	logger := obs.Logger

	tm := observability.NewTraceManager("amcp-weather")
	mm, err := observability.NewMetricsManager(obs.Meter)
	if err != nil {
		return err
	}

	transport := broker.NewRedisTransport(cfg.BrokerRedisAddr, contextID, logger)
	b, err := broker.NewInMemory(broker.DefaultConfig(), logger, tm, mm, transport)
	if err != nil {
		return err
	}
	if err := b.Start(ctx); err != nil {
		return err
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer stopCancel()
		_ = b.Stop(stopCtx)
	}()

	reg := registry.New(registry.DefaultConfig(), logger)
	c, err := mesh.New(mesh.Config{ContextID: contextID}, b, reg, logger, tm, mm)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = c.Shutdown(shutdownCtx)
	}()
	c.StartHeartbeats(ctx)

	if err := c.RegisterAgentType("weather", func() mesh.Agent { return &weatherAgent{} }); err != nil {
		return err
	}
	id, err := c.CreateAgent("weather")
	if err != nil {
		return err
	}
	if err := c.Activate(ctx, id); err != nil {
		return err
	}

	logger.InfoContext(ctx, "Weather agent ready",
		"agent_id", id.String(),
		"context_id", contextID,
		"broker", cfg.BrokerRedisAddr,
	)

	<-ctx.Done()
	return nil
}
