package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds daemon-wide settings, loaded once at process start and
// passed by value into every component — no package-level globals.
type Config struct {
	// Operator HTTP surface (health/metrics, not the out-of-scope admin UI)
	Port int
	Env  string

	// Database URLs
	PostgresURL   string
	ClickHouseURL string
	RedisURL      string

	// Queue transport (C3)
	QueueAMQPURL   string
	QueueUseAMQP   bool
	ConsumerCount  int
	IdempotencyLRU int

	// Session synchronization / bot policy defaults (C7)
	DefaultIgnoreBots bool

	// Notification dispatcher (C9)
	NotificationConfigTTL   time.Duration
	DefaultCommandPrefix    string
	NotificationBroadcastID int

	// RCON monitor / retry backoff (C10)
	RconRequestTimeout    time.Duration
	RconBaseBackoff       time.Duration
	RconBackoffMultiplier float64
	RconMaxBackoffMinutes time.Duration
	RconMaxConsecutiveFailures int
	RconDormantRetryMinutes    time.Duration
	RconSweepInterval          time.Duration

	// Resolver coalescing (C6)
	ResolverCoalesceTTL time.Duration
}

// Load loads configuration from environment variables.
// It returns an error if critical configuration is missing.
func Load() (*Config, error) {
	cfg := &Config{
		Port: getEnvInt("PORT", 8080),
		Env:  getEnv("ENV", "development"),

		ConsumerCount:  getEnvInt("CONSUMER_COUNT", 8),
		IdempotencyLRU: getEnvInt("IDEMPOTENCY_LRU_SIZE", 16384),
		QueueUseAMQP:   getEnvBool("QUEUE_USE_AMQP", false),

		DefaultIgnoreBots: getEnvBool("DEFAULT_IGNORE_BOTS", true),

		NotificationConfigTTL:   getEnvDuration("NOTIFICATION_CONFIG_TTL", 5*time.Minute),
		DefaultCommandPrefix:    getEnv("NOTIFICATION_COMMAND_PREFIX", "hlx_event"),
		NotificationBroadcastID: getEnvInt("NOTIFICATION_BROADCAST_TARGET", 0),

		RconRequestTimeout:         getEnvDuration("RCON_REQUEST_TIMEOUT", 5*time.Second),
		RconBaseBackoff:            getEnvDuration("RCON_BASE_BACKOFF", 30*time.Second),
		RconBackoffMultiplier:      getEnvFloat("RCON_BACKOFF_MULTIPLIER", 2.0),
		RconMaxBackoffMinutes:      getEnvDuration("RCON_MAX_BACKOFF", 15*time.Minute),
		RconMaxConsecutiveFailures: getEnvInt("RCON_MAX_CONSECUTIVE_FAILURES", 5),
		RconDormantRetryMinutes:    getEnvDuration("RCON_DORMANT_RETRY", 30*time.Minute),
		RconSweepInterval:          getEnvDuration("RCON_SWEEP_INTERVAL", 60*time.Second),

		ResolverCoalesceTTL: getEnvDuration("RESOLVER_COALESCE_TTL", time.Second),
	}

	// Critical configuration - fail if missing
	var err error
	if cfg.PostgresURL, err = getEnvRequired("POSTGRES_URL"); err != nil {
		return nil, err
	}
	if cfg.ClickHouseURL, err = getEnvRequired("CLICKHOUSE_URL"); err != nil {
		return nil, err
	}
	if cfg.RedisURL, err = getEnvRequired("REDIS_URL"); err != nil {
		return nil, err
	}
	if cfg.QueueUseAMQP {
		if cfg.QueueAMQPURL, err = getEnvRequired("QUEUE_AMQP_URL"); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvRequired(key string) (string, error) {
	if value := os.Getenv(key); value != "" {
		return value, nil
	}
	return "", fmt.Errorf("missing required environment variable: %s", key)
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(value)); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}
