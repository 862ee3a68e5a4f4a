package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Environment selects which record store a sync pass writes to.
type Environment string

const (
	EnvironmentDev  Environment = "dev"
	EnvironmentProd Environment = "prod"
)

// ParseEnvironment accepts dev/prod and their long forms.
func ParseEnvironment(s string) (Environment, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "dev", "development", "":
		return EnvironmentDev, nil
	case "prod", "production":
		return EnvironmentProd, nil
	default:
		return "", fmt.Errorf("unknown environment %q", s)
	}
}

// Config holds application configuration.
type Config struct {
	// Application
	AppEnv    string
	LogLevel  string
	LogFormat string
	LogFile   string

	// Target record store
	Environment     Environment
	DatabaseURL     string
	DatabaseURLProd string
	SQLitePath      string

	// Redis
	RedisURL string

	// RabbitMQ
	RabbitMQURL      string
	RabbitMQExchange string

	// Sync
	FetchConcurrency    int
	PropertyConcurrency int
	FetchTimeout        time.Duration
	FetchMaxAttempts    int
	RetryBase           time.Duration
	RetryMax            time.Duration
	BreakerFailures     int
	BreakerCooldown     time.Duration
	ConflictRetries     int
	RunTimeout          time.Duration
	SyncInterval        time.Duration
	SyncSchedule        string
	InboxDir            string
	SourcesFile         string
	LockTTL             time.Duration

	// CalDAV
	CalDAVUsername string
	CalDAVPassword string

	// Outbox
	OutboxPollInterval     time.Duration
	OutboxBatchSize        int
	OutboxMaxRetries       int
	OutboxStatsInterval    time.Duration
	OutboxRetention        time.Duration
	OutboxProcessorEnabled bool

	// Worker
	WorkerHealthAddr string
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	env, err := ParseEnvironment(getEnv("STAYSYNC_ENVIRONMENT", "dev"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		AppEnv:    getEnv("APP_ENV", "development"),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", ""),
		LogFile:   getEnv("LOG_FILE", ""),

		Environment:     env,
		DatabaseURL:     getEnv("DATABASE_URL", ""),
		DatabaseURLProd: getEnv("DATABASE_URL_PROD", ""),
		SQLitePath:      getEnv("SQLITE_PATH", defaultSQLitePath()),

		RedisURL:         getEnv("REDIS_URL", ""),
		RabbitMQURL:      getEnv("RABBITMQ_URL", ""),
		RabbitMQExchange: getEnv("RABBITMQ_EXCHANGE", "staysync.reservations"),

		FetchConcurrency:    getIntEnv("SYNC_FETCH_CONCURRENCY", 16),
		PropertyConcurrency: getIntEnv("SYNC_PROPERTY_CONCURRENCY", 8),
		FetchTimeout:        getDurationEnv("SYNC_FETCH_TIMEOUT", 30*time.Second),
		FetchMaxAttempts:    getIntEnv("SYNC_FETCH_MAX_ATTEMPTS", 3),
		RetryBase:           getDurationEnv("SYNC_RETRY_BASE", 500*time.Millisecond),
		RetryMax:            getDurationEnv("SYNC_RETRY_MAX", 10*time.Second),
		BreakerFailures:     getIntEnv("SYNC_BREAKER_FAILURES", 5),
		BreakerCooldown:     getDurationEnv("SYNC_BREAKER_COOLDOWN", 5*time.Minute),
		ConflictRetries:     getIntEnv("SYNC_CONFLICT_RETRIES", 3),
		RunTimeout:          getDurationEnv("SYNC_RUN_TIMEOUT", 10*time.Minute),
		SyncInterval:        getDurationEnv("SYNC_INTERVAL", 15*time.Minute),
		SyncSchedule:        getEnv("SYNC_SCHEDULE", ""),
		InboxDir:            getEnv("SYNC_INBOX_DIR", ""),
		SourcesFile:         getEnv("SYNC_SOURCES_FILE", "sources.yaml"),
		LockTTL:             getDurationEnv("SYNC_LOCK_TTL", 2*time.Minute),

		CalDAVUsername: getEnv("CALDAV_USERNAME", ""),
		CalDAVPassword: getEnv("CALDAV_PASSWORD", ""),

		OutboxPollInterval:     getDurationEnv("OUTBOX_POLL_INTERVAL", time.Second),
		OutboxBatchSize:        getIntEnv("OUTBOX_BATCH_SIZE", 100),
		OutboxMaxRetries:       getIntEnv("OUTBOX_MAX_RETRIES", 5),
		OutboxStatsInterval:    getDurationEnv("OUTBOX_STATS_INTERVAL", 30*time.Second),
		OutboxRetention:        getDurationEnv("OUTBOX_RETENTION", 14*24*time.Hour),
		OutboxProcessorEnabled: getBoolEnv("OUTBOX_PROCESSOR_ENABLED", true),

		WorkerHealthAddr: getEnv("WORKER_HEALTH_ADDR", "0.0.0.0:8081"),
	}

	return cfg, nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.AppEnv == "production"
}

// StoreURL returns the connection URL for the given target environment.
// An empty URL means the local SQLite file.
func (c *Config) StoreURL(env Environment) string {
	if env == EnvironmentProd {
		return c.DatabaseURLProd
	}
	return c.DatabaseURL
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func defaultSQLitePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".staysync", "staysync.db")
	}
	return filepath.Join(home, ".staysync", "staysync.db")
}
