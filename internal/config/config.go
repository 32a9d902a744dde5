package config

import (
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config is the runtime configuration surface, read once at startup.
// Every option has an environment override; see doc.go for the key list.
type Config struct {
	// Service identity
	ServiceName    string
	ServiceVersion string
	Environment    string
	LogLevel       string
	ContextID      string

	// Broker
	BrokerType           string // memory | external
	BrokerRedisAddr      string
	BackpressurePolicy   string // drop-oldest | drop-newest | block-publisher
	DeliveryRetryMax     int
	DeliveryRetryBackoff string // exponential | linear

	// Mobility
	MigrationTimeout       time.Duration
	MigrationRetryMax      int
	ReplicationConsistency string // strong | eventual

	// LLM
	LLMModel      string
	LLMBaseURL    string
	LLMTimeout    time.Duration
	LLMMaxRetries int

	// Response cache
	CacheMaxSize      int
	CacheTTL          time.Duration
	CacheSnapshotPath string

	// Fallback engine
	FallbackMinConfidence int
	FallbackMaxRules      int
	FallbackRulesDir      string

	// Registry
	HeartbeatInterval time.Duration
	HeartbeatTTL      time.Duration

	// Observability
	OTLPEndpoint string
	HealthPort   string
}

// Load reads a .env file when present, then the environment, and returns
// the resolved configuration. Environment variables win over .env entries.
func Load() *Config {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("Ignoring unreadable .env file", "error", err)
	}
	return &Config{
		ServiceName:    getEnv("AMCP_SERVICE_NAME", "amcp"),
		ServiceVersion: getEnv("AMCP_SERVICE_VERSION", "dev"),
		Environment:    getEnv("AMCP_ENVIRONMENT", "development"),
		LogLevel:       getEnv("AMCP_LOG_LEVEL", "INFO"),
		ContextID:      getEnv("AMCP_CONTEXT_ID", "default"),

		BrokerType:           getEnv("AMCP_BROKER_TYPE", "memory"),
		BrokerRedisAddr:      getEnv("AMCP_BROKER_REDIS_ADDR", "localhost:6379"),
		BackpressurePolicy:   getEnv("AMCP_BROKER_BACKPRESSURE_POLICY", "drop-oldest"),
		DeliveryRetryMax:     getEnvAsInt("AMCP_BROKER_DELIVERY_RETRY_MAX", 3),
		DeliveryRetryBackoff: getEnv("AMCP_BROKER_DELIVERY_RETRY_BACKOFF", "exponential"),

		MigrationTimeout:       getEnvAsDuration("AMCP_MIGRATION_TIMEOUT", 30*time.Second),
		MigrationRetryMax:      getEnvAsInt("AMCP_MIGRATION_RETRY_MAX", 2),
		ReplicationConsistency: getEnv("AMCP_REPLICATION_CONSISTENCY", "eventual"),

		LLMModel:      getEnv("AMCP_LLM_MODEL", "default"),
		LLMBaseURL:    getEnv("AMCP_LLM_BASE_URL", ""),
		LLMTimeout:    getEnvAsDuration("AMCP_LLM_TIMEOUT", 30*time.Second),
		LLMMaxRetries: getEnvAsInt("AMCP_LLM_MAX_RETRIES", 3),

		CacheMaxSize:      getEnvAsInt("AMCP_CACHE_MAX_SIZE", 1000),
		CacheTTL:          getEnvAsDuration("AMCP_CACHE_TTL", time.Hour),
		CacheSnapshotPath: getEnv("AMCP_CACHE_SNAPSHOT_PATH", ""),

		FallbackMinConfidence: getEnvAsInt("AMCP_FALLBACK_MIN_CONFIDENCE", 70),
		FallbackMaxRules:      getEnvAsInt("AMCP_FALLBACK_MAX_RULES", 500),
		FallbackRulesDir:      getEnv("AMCP_FALLBACK_RULES_DIR", "fallback_rules"),

		HeartbeatInterval: getEnvAsDuration("AMCP_REGISTRY_HEARTBEAT_INTERVAL", 10*time.Second),
		HeartbeatTTL:      getEnvAsDuration("AMCP_REGISTRY_HEARTBEAT_TTL", 30*time.Second),

		OTLPEndpoint: getEnv("AMCP_OTLP_ENDPOINT", "127.0.0.1:4317"),
		HealthPort:   getEnv("AMCP_HEALTH_PORT", "8080"),
	}
}

// SlogLevel maps the configured log level to a slog.Level, defaulting to Info.
func (c *Config) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
