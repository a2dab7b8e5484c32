// Package config loads the environment-variable configuration for the sync
// engine: a flat struct populated from os.Getenv with typed defaults,
// optionally seeded from a local .env file via godotenv in development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// ProcessMode selects whether cmd/syncengine runs a single in-process
// worker with no coordinator, or a cluster member that participates in
// leader election.
type ProcessMode string

const (
	ModeSingle  ProcessMode = "single"
	ModeCluster ProcessMode = "cluster"
)

// Config is the full set of environment-derived settings for the sync
// engine core.
type Config struct {
	Environment string
	Mode        ProcessMode
	LogLevel    string

	DBHost     string
	DBPort     string
	DBUsername string
	DBPassword string
	DBName     string
	DBSSLMode  string

	EncryptionKeyBase64 string

	// HTTPPort serves /healthz and /metrics.
	HTTPPort string
	// ControlPort serves the coordinator's websocket rebalance push channel.
	ControlPort string

	// WorkerSupervisorCap is the number of Account Supervisors a single
	// Worker Process will host.
	WorkerSupervisorCap int
	// AccountSessionCap is the connection pool's per-account capacity.
	AccountSessionCap int
	// ServerMaxConcurrentSessions and ServerMaxNewConnectionsPerSec bound
	// the per-host rate limiter.
	ServerMaxConcurrentSessions   int
	ServerMaxNewConnectionsPerSec float64

	// BackfillBatchSize is the descending-UID batch size used during
	// initial enumeration.
	BackfillBatchSize int

	WebhookMaxAttempts    int
	WebhookBackoffInitial time.Duration
	WebhookBackoffMax     time.Duration
	WebhookHTTPTimeout    time.Duration

	SupervisorRestartBackoffInitial time.Duration
	SupervisorRestartBackoffMax     time.Duration

	WorkerHeartbeatInterval time.Duration
	LeaseTTL                time.Duration

	IMAPCommandTimeout time.Duration
	IMAPIdleRenewal    time.Duration
	// IMAPConnDialTimeout bounds establishing the TCP/TLS session itself.
	IMAPConnDialTimeout time.Duration
	// IMAPSessionIdleTTL is how long a pooled session may sit unused
	// before the pool discards it instead of handing it back out.
	IMAPSessionIdleTTL time.Duration

	// ProvisioningPollInterval is how often the core re-reads Account and
	// WebhookSubscription rows for lifecycle transitions.
	ProvisioningPollInterval time.Duration

	// ShutdownGraceDeadline bounds how long a Worker Process waits for
	// in-flight IMAP commands to finish after a shutdown signal.
	ShutdownGraceDeadline time.Duration
}

// Load reads configuration from the environment, loading a local .env file
// first when SYNCENGINE_ENV is "development" (the default).
func Load() (*Config, error) {
	env := getEnvOrDefault("SYNCENGINE_ENV", "development")

	if env == "development" {
		if err := godotenv.Load(); err != nil {
			fmt.Println("Warning: .env file not found, using environment variables")
		}
	}

	cfg := &Config{
		Environment: env,
		Mode:        ProcessMode(getEnvOrDefault("SYNCENGINE_MODE", string(ModeSingle))),
		LogLevel:    getEnvOrDefault("LOG_LEVEL", "info"),

		DBHost:     getEnvOrDefault("SYNCENGINE_DB_HOST", "localhost"),
		DBPort:     getEnvOrDefault("SYNCENGINE_DB_PORT", "5432"),
		DBUsername: getEnvOrDefault("SYNCENGINE_DB_USER", "syncengine"),
		DBPassword: os.Getenv("SYNCENGINE_DB_PASSWORD"),
		DBName:     getEnvOrDefault("SYNCENGINE_DB_NAME", "syncengine"),
		DBSSLMode:  getEnvOrDefault("SYNCENGINE_DB_SSLMODE", "disable"),

		EncryptionKeyBase64: os.Getenv("SYNCENGINE_ENCRYPTION_KEY_BASE64"),

		HTTPPort:    getEnvOrDefault("PORT", "8080"),
		ControlPort: getEnvOrDefault("SYNCENGINE_CONTROL_PORT", "8081"),

		WorkerSupervisorCap:           getEnvIntOrDefault("SYNCENGINE_WORKER_SUPERVISOR_CAP", 500),
		AccountSessionCap:             getEnvIntOrDefault("SYNCENGINE_ACCOUNT_SESSION_CAP", 4),
		ServerMaxConcurrentSessions:   getEnvIntOrDefault("SYNCENGINE_SERVER_MAX_CONCURRENT_SESSIONS", 10),
		ServerMaxNewConnectionsPerSec: getEnvFloatOrDefault("SYNCENGINE_SERVER_MAX_NEW_CONN_PER_SEC", 2),

		BackfillBatchSize: getEnvIntOrDefault("SYNCENGINE_BACKFILL_BATCH_SIZE", 200),

		WebhookMaxAttempts:    getEnvIntOrDefault("SYNCENGINE_WEBHOOK_MAX_ATTEMPTS", 12),
		WebhookBackoffInitial: getEnvDurationOrDefault("SYNCENGINE_WEBHOOK_BACKOFF_INITIAL", 30*time.Second),
		WebhookBackoffMax:     getEnvDurationOrDefault("SYNCENGINE_WEBHOOK_BACKOFF_MAX", time.Hour),
		WebhookHTTPTimeout:    getEnvDurationOrDefault("SYNCENGINE_WEBHOOK_HTTP_TIMEOUT", 30*time.Second),

		SupervisorRestartBackoffInitial: getEnvDurationOrDefault("SYNCENGINE_SUPERVISOR_BACKOFF_INITIAL", 2*time.Second),
		SupervisorRestartBackoffMax:     getEnvDurationOrDefault("SYNCENGINE_SUPERVISOR_BACKOFF_MAX", 5*time.Minute),

		WorkerHeartbeatInterval: getEnvDurationOrDefault("SYNCENGINE_WORKER_HEARTBEAT_INTERVAL", 5*time.Second),
		LeaseTTL:                getEnvDurationOrDefault("SYNCENGINE_LEASE_TTL", 15*time.Second),

		IMAPCommandTimeout:  getEnvDurationOrDefault("SYNCENGINE_IMAP_COMMAND_TIMEOUT", 60*time.Second),
		IMAPIdleRenewal:     getEnvDurationOrDefault("SYNCENGINE_IMAP_IDLE_RENEWAL", 28*time.Minute),
		IMAPConnDialTimeout: getEnvDurationOrDefault("SYNCENGINE_IMAP_DIAL_TIMEOUT", 10*time.Second),
		IMAPSessionIdleTTL:  getEnvDurationOrDefault("SYNCENGINE_IMAP_SESSION_IDLE_TTL", 10*time.Minute),

		ProvisioningPollInterval: getEnvDurationOrDefault("SYNCENGINE_PROVISIONING_POLL_INTERVAL", 2*time.Second),
		ShutdownGraceDeadline:    getEnvDurationOrDefault("SYNCENGINE_SHUTDOWN_GRACE_DEADLINE", 20*time.Second),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the settings required to start are present.
func (c *Config) Validate() error {
	if c.EncryptionKeyBase64 == "" {
		return fmt.Errorf("SYNCENGINE_ENCRYPTION_KEY_BASE64 is required")
	}
	if c.DBPassword == "" {
		return fmt.Errorf("SYNCENGINE_DB_PASSWORD is required")
	}
	if c.Mode != ModeSingle && c.Mode != ModeCluster {
		return fmt.Errorf("SYNCENGINE_MODE must be %q or %q, got %q", ModeSingle, ModeCluster, c.Mode)
	}
	return nil
}

// DatabaseURL builds the pgx connection string for this configuration.
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.DBUsername,
		c.DBPassword,
		c.DBHost,
		c.DBPort,
		c.DBName,
		c.DBSSLMode,
	)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return n
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return defaultValue
	}
	return f
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return d
}
