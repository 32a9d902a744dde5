// amcpd runs one mesh context: broker, registry, mobility transport and
// the orchestrator agent, with health and metrics endpoints.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/amcp-project/amcp-go/broker"
	"github.com/amcp-project/amcp-go/correlation"
	"github.com/amcp-project/amcp-go/fallback"
	"github.com/amcp-project/amcp-go/internal/config"
	"github.com/amcp-project/amcp-go/internal/observability"
	"github.com/amcp-project/amcp-go/internal/retry"
	"github.com/amcp-project/amcp-go/llm"
	"github.com/amcp-project/amcp-go/llm/cache"
	"github.com/amcp-project/amcp-go/mesh"
	"github.com/amcp-project/amcp-go/mobility"
	"github.com/amcp-project/amcp-go/orchestrator"
	"github.com/amcp-project/amcp-go/registry"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	if err := run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg := config.Load()

	obs, err := observability.New(observability.Config{
		ServiceName:    cfg.ServiceName,
		ServiceVersion: cfg.ServiceVersion,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		Environment:    cfg.Environment,
	})
	if err != nil {
		return fmt.Errorf("observability setup: %w", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := obs.Shutdown(shutdownCtx); err != nil {
			obs.Logger.ErrorContext(shutdownCtx, "Error during observability shutdown", "error", err)
		}
	}()
	logger := obs.Logger

	tm := observability.NewTraceManager(cfg.ServiceName)
	mm, err := observability.NewMetricsManager(obs.Meter)
	if err != nil {
		return fmt.Errorf("metrics setup: %w", err)
	}

	brokerCfg := broker.DefaultConfig()
	brokerCfg.Overflow = broker.ParseOverflowPolicy(cfg.BackpressurePolicy)
	brokerCfg.Retry = deliveryRetry(cfg)
	var transport broker.Transport
	if cfg.BrokerType == "external" {
		transport = broker.NewRedisTransport(cfg.BrokerRedisAddr, cfg.ContextID, logger)
	}
	b, err := broker.NewInMemory(brokerCfg, logger, tm, mm, transport)
	if err != nil {
		return fmt.Errorf("broker setup: %w", err)
	}
	if err := b.Start(ctx); err != nil {
		return fmt.Errorf("broker start: %w", err)
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer stopCancel()
		_ = b.Stop(stopCtx)
	}()

	reg := registry.New(registry.Config{
		HeartbeatTTL:    cfg.HeartbeatTTL,
		CleanupInterval: cfg.HeartbeatInterval,
	}, logger)
	reg.StartCleanupLoop(ctx)

	c, err := mesh.New(mesh.Config{ContextID: cfg.ContextID}, b, reg, logger, tm, mm)
	if err != nil {
		return fmt.Errorf("context setup: %w", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = c.Shutdown(shutdownCtx)
	}()
	c.StartHeartbeats(ctx)

	// Mobility: other in-process contexts can attach to the same transport;
	// remote contexts are probed over gRPC health.
	meshTransport := mobility.NewInProcess()
	meshTransport.Attach(c)
	mover, err := mobility.NewManager(mobility.Config{
		OperationTimeout: cfg.MigrationTimeout,
	}, c, meshTransport, logger, tm, mm)
	if err != nil {
		return fmt.Errorf("mobility setup: %w", err)
	}
	_ = mover // exposed to operator tooling; nothing to move at boot

	// LLM ladder: cache, retried backend, learned-rule fallback.
	ruleStore, err := fallback.NewStore(cfg.FallbackRulesDir, logger)
	if err != nil {
		return fmt.Errorf("rule store setup: %w", err)
	}
	engine, err := fallback.NewEngine(fallback.Config{
		MinConfidence: cfg.FallbackMinConfidence,
		MaxRules:      cfg.FallbackMaxRules,
	}, ruleStore, logger, mm)
	if err != nil {
		return fmt.Errorf("fallback engine setup: %w", err)
	}
	if err := ruleStore.Watch(ctx, engine.SetRules); err != nil {
		logger.WarnContext(ctx, "Rule hot-reload unavailable", "error", err)
	}

	responseCache := cache.New(cache.Config{
		MaxEntries:   cfg.CacheMaxSize,
		TTL:          cfg.CacheTTL,
		SnapshotPath: cfg.CacheSnapshotPath,
	}, logger)
	if cfg.CacheSnapshotPath != "" {
		go responseCache.StartSnapshotLoop(ctx, 5*time.Minute)
	}

	// The backend connector is deployment-specific; the mock echoes until a
	// real adapter for cfg.LLMBaseURL is plugged in.
	model, err := llm.NewResilient(llm.ResilientConfig{
		RequestTimeout: cfg.LLMTimeout,
		Retry:          retry.Config{MaxAttempts: cfg.LLMMaxRetries, InitialBackoff: 500 * time.Millisecond, MaxBackoff: 5 * time.Second, Multiplier: 2.0, Jitter: 0.2},
	}, llm.NewMockConnector(), responseCache, engine.Learn, engine.Respond, logger, tm, mm)
	if err != nil {
		return fmt.Errorf("llm setup: %w", err)
	}

	tracker := correlation.New(logger)
	defer tracker.CancelAll()

	orchCfg := orchestrator.DefaultConfig()
	orchCfg.ModelID = cfg.LLMModel
	orch, err := orchestrator.New(orchCfg, model, engine, tracker, reg, logger, tm, mm)
	if err != nil {
		return fmt.Errorf("orchestrator setup: %w", err)
	}
	if err := c.RegisterAgentType(orch.Type(), func() mesh.Agent { return orch }); err != nil {
		return err
	}
	orchID, err := c.CreateAgent(orch.Type())
	if err != nil {
		return err
	}
	if err := c.Activate(ctx, orchID); err != nil {
		return fmt.Errorf("orchestrator activation: %w", err)
	}

	health := observability.NewHealthServer(cfg.HealthPort, cfg.ServiceName, cfg.ServiceVersion)
	health.AddChecker("broker", observability.NewBasicHealthChecker("broker", b.Healthy))
	health.SetReadiness(b.Healthy)
	if err := health.Start(ctx); err != nil {
		return fmt.Errorf("health server: %w", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = health.Shutdown(shutdownCtx)
	}()

	logger.InfoContext(ctx, "Context ready",
		"context_id", cfg.ContextID,
		"broker", cfg.BrokerType,
		"orchestrator", orchID.String(),
		"health_port", cfg.HealthPort,
	)

	<-ctx.Done()
	logger.Info("Shutting down")
	return nil
}

func deliveryRetry(cfg *config.Config) retry.Config {
	if cfg.DeliveryRetryBackoff == "linear" {
		return retry.Linear(cfg.DeliveryRetryMax, 500*time.Millisecond)
	}
	r := retry.DefaultConfig()
	r.MaxAttempts = cfg.DeliveryRetryMax
	return r
}
