// Package config loads application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/platinummonkey/recurring/pkg/observability"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Redis         RedisConfig
	Processor     ProcessorConfig
	Dunning       DunningConfig
	Webhook       WebhookConfig
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Health/metrics server (separate port for k8s probes)
	HealthPort string
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	URL         string
	ReplicaURLs []string
	MaxConns    int
	MinConns    int
	Timeout     time.Duration
	MaxLifetime time.Duration
	MaxIdleTime time.Duration
}

// RedisConfig holds redis configuration for the idempotency cache.
// An empty URL disables the cache; the durable store still dedupes.
type RedisConfig struct {
	URL        string
	Password   string
	DB         int
	MaxRetries int
	PoolSize   int
}

// ProcessorConfig holds outbound payment processor configuration
type ProcessorConfig struct {
	BaseURL        string
	APIKey         string
	WebhookSecret  string
	RequestTimeout time.Duration

	// Bounded backoff for transient processor errors; distinct from the
	// dunning retry schedule.
	RetryMaxAttempts  int
	RetryInitialDelay time.Duration
	RetryMaxDelay     time.Duration
}

// DunningConfig holds the failed-payment retry policy
type DunningConfig struct {
	MaxAttempts  int
	RetryOffsets []time.Duration
}

// WebhookConfig holds inbound webhook processing configuration
type WebhookConfig struct {
	Workers            int
	ApplyTimeout       time.Duration
	SignatureTolerance time.Duration
	MaxBodyBytes       int64
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel       observability.LogLevel
	MetricsEnabled bool
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Database:      loadDatabaseConfig(),
		Redis:         loadRedisConfig(),
		Processor:     loadProcessorConfig(),
		Dunning:       loadDunningConfig(),
		Webhook:       loadWebhookConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("RECURRING_HOST", "0.0.0.0"),
		Port:            getEnv("RECURRING_PORT", "8080"),
		ReadTimeout:     getEnvDuration("RECURRING_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("RECURRING_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:     getEnvDuration("RECURRING_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("RECURRING_SHUTDOWN_TIMEOUT", 30*time.Second),
		HealthPort:      getEnv("RECURRING_HEALTH_PORT", "9090"),
	}
}

func loadDatabaseConfig() DatabaseConfig {
	cfg := DatabaseConfig{
		URL:         getEnv("RECURRING_POSTGRES_URL", ""),
		MaxConns:    getEnvInt("RECURRING_POSTGRES_MAX_CONNS", 25),
		MinConns:    getEnvInt("RECURRING_POSTGRES_MIN_CONNS", 5),
		Timeout:     getEnvDuration("RECURRING_POSTGRES_TIMEOUT", 10*time.Second),
		MaxLifetime: getEnvDuration("RECURRING_POSTGRES_MAX_LIFETIME", 30*time.Minute),
		MaxIdleTime: getEnvDuration("RECURRING_POSTGRES_MAX_IDLE_TIME", 5*time.Minute),
	}
	if replicaURLs := getEnv("RECURRING_POSTGRES_REPLICA_URLS", ""); replicaURLs != "" {
		cfg.ReplicaURLs = strings.Split(replicaURLs, ",")
	}
	return cfg
}

func loadRedisConfig() RedisConfig {
	return RedisConfig{
		URL:        getEnv("RECURRING_REDIS_URL", ""),
		Password:   getEnv("RECURRING_REDIS_PASSWORD", ""),
		DB:         getEnvInt("RECURRING_REDIS_DB", 0),
		MaxRetries: getEnvInt("RECURRING_REDIS_MAX_RETRIES", 3),
		PoolSize:   getEnvInt("RECURRING_REDIS_POOL_SIZE", 10),
	}
}

func loadProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		BaseURL:           getEnv("RECURRING_PROCESSOR_URL", "https://api.processor.example.com"),
		APIKey:            getEnv("RECURRING_PROCESSOR_API_KEY", ""),
		WebhookSecret:     getEnv("RECURRING_PROCESSOR_WEBHOOK_SECRET", ""),
		RequestTimeout:    getEnvDuration("RECURRING_PROCESSOR_TIMEOUT", 10*time.Second),
		RetryMaxAttempts:  getEnvInt("RECURRING_PROCESSOR_RETRY_MAX_ATTEMPTS", 3),
		RetryInitialDelay: getEnvDuration("RECURRING_PROCESSOR_RETRY_INITIAL_DELAY", 250*time.Millisecond),
		RetryMaxDelay:     getEnvDuration("RECURRING_PROCESSOR_RETRY_MAX_DELAY", 5*time.Second),
	}
}

func loadDunningConfig() DunningConfig {
	cfg := DunningConfig{
		MaxAttempts:  getEnvInt("RECURRING_DUNNING_MAX_ATTEMPTS", 3),
		RetryOffsets: []time.Duration{24 * time.Hour, 72 * time.Hour, 168 * time.Hour},
	}
	if raw := getEnv("RECURRING_DUNNING_RETRY_OFFSETS", ""); raw != "" {
		offsets := make([]time.Duration, 0)
		for _, part := range strings.Split(raw, ",") {
			d, err := time.ParseDuration(strings.TrimSpace(part))
			if err != nil {
				continue
			}
			offsets = append(offsets, d)
		}
		if len(offsets) > 0 {
			cfg.RetryOffsets = offsets
		}
	}
	return cfg
}

func loadWebhookConfig() WebhookConfig {
	return WebhookConfig{
		Workers:            getEnvInt("RECURRING_WEBHOOK_WORKERS", 8),
		ApplyTimeout:       getEnvDuration("RECURRING_WEBHOOK_APPLY_TIMEOUT", 30*time.Second),
		SignatureTolerance: getEnvDuration("RECURRING_WEBHOOK_SIGNATURE_TOLERANCE", 5*time.Minute),
		MaxBodyBytes:       getEnvInt64("RECURRING_WEBHOOK_MAX_BODY_BYTES", 1<<20),
	}
}

func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:       parseLogLevel(getEnv("RECURRING_LOG_LEVEL", "info")),
		MetricsEnabled: getEnvBool("RECURRING_METRICS_ENABLED", true),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	if c.Database.URL == "" {
		return fmt.Errorf("postgres URL is required")
	}

	if c.Processor.APIKey == "" {
		return fmt.Errorf("processor API key is required")
	}
	if c.Processor.WebhookSecret == "" {
		return fmt.Errorf("processor webhook secret is required")
	}

	if c.Dunning.MaxAttempts <= 0 {
		return fmt.Errorf("dunning max attempts must be positive")
	}
	if len(c.Dunning.RetryOffsets) < c.Dunning.MaxAttempts {
		return fmt.Errorf("dunning retry offsets must cover all %d attempts", c.Dunning.MaxAttempts)
	}

	if c.Webhook.Workers <= 0 {
		return fmt.Errorf("webhook worker count must be positive")
	}

	return nil
}

// parseLogLevel parses a log level string
func parseLogLevel(level string) observability.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return observability.DebugLevel
	case "info":
		return observability.InfoLevel
	case "warn", "warning":
		return observability.WarnLevel
	case "error":
		return observability.ErrorLevel
	default:
		return observability.InfoLevel
	}
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvInt64 returns an int64 environment variable or a default
func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
