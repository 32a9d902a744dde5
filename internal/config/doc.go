// Package config is the runtime configuration surface: environment
// variables with defaults, read once at startup, with optional .env
// bootstrap through godotenv.
//
// # Quick Start
//
//	cfg := config.Load()
//	fmt.Printf("broker: %s\n", cfg.BrokerType)
//	fmt.Printf("model: %s\n", cfg.LLMModel)
//
// # Recognized keys
//
// **Service identity**:
//   - AMCP_SERVICE_NAME (default "amcp")
//   - AMCP_SERVICE_VERSION (default "dev")
//   - AMCP_ENVIRONMENT (default "development")
//   - AMCP_LOG_LEVEL: DEBUG, INFO, WARN, ERROR (default "INFO")
//   - AMCP_CONTEXT_ID (default "default")
//
// **Broker**:
//   - AMCP_BROKER_TYPE: memory | external (default "memory")
//   - AMCP_BROKER_REDIS_ADDR: transport address for the external broker
//     (default "localhost:6379")
//   - AMCP_BROKER_BACKPRESSURE_POLICY: drop-oldest | drop-newest |
//     block-publisher (default "drop-oldest")
//   - AMCP_BROKER_DELIVERY_RETRY_MAX (default 3)
//   - AMCP_BROKER_DELIVERY_RETRY_BACKOFF: exponential | linear
//     (default "exponential")
//
// **Mobility**:
//   - AMCP_MIGRATION_TIMEOUT (default "30s")
//   - AMCP_MIGRATION_RETRY_MAX (default 2)
//   - AMCP_REPLICATION_CONSISTENCY: strong | eventual (default "eventual")
//
// **LLM**:
//   - AMCP_LLM_MODEL (default "default")
//   - AMCP_LLM_BASE_URL: transport endpoint for the connector adapter
//   - AMCP_LLM_TIMEOUT (default "30s")
//   - AMCP_LLM_MAX_RETRIES (default 3)
//
// **Response cache**:
//   - AMCP_CACHE_MAX_SIZE (default 1000)
//   - AMCP_CACHE_TTL (default "1h")
//   - AMCP_CACHE_SNAPSHOT_PATH: on-disk snapshot file, empty disables
//
// **Fallback engine**:
//   - AMCP_FALLBACK_MIN_CONFIDENCE: 0-100 (default 70)
//   - AMCP_FALLBACK_MAX_RULES (default 500)
//   - AMCP_FALLBACK_RULES_DIR (default "fallback_rules")
//
// **Registry**:
//   - AMCP_REGISTRY_HEARTBEAT_INTERVAL (default "10s")
//   - AMCP_REGISTRY_HEARTBEAT_TTL (default "30s")
//
// **Observability**:
//   - AMCP_OTLP_ENDPOINT: OTLP gRPC trace collector (default "127.0.0.1:4317")
//   - AMCP_HEALTH_PORT: HTTP health and metrics listener (default "8080")
//
// # Precedence
//
// Process environment wins over .env entries; .env entries win over
// built-in defaults. Durations use Go syntax ("30s", "1h"). Malformed
// numeric or duration values silently fall back to the default.
//
// Config is a read-only snapshot; do not mutate it after Load.
package config
