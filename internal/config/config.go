// Package config defines the global configuration structure for the Stillpoint
// notification engine. Configuration is loaded once at process initialization
// (Lambda cold start or server boot) and is immutable thereafter. It follows
// 12-Factor App principles by strictly separating code from configuration.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File (Lowest)
//
// Any missing required value or invalid format causes the application to fail
// immediately on startup.
package config

import (
	"time"

	"stillpoint/internal/types"
)

// SecretString is an alias for types.SecretString, the redacted secret type used
// throughout configuration to prevent accidental logging of sensitive values.
type SecretString = types.SecretString

// Config is the top-level configuration struct for the Stillpoint engine.
// It is populated once during process initialization and never modified.
// Sub-components receive only the specific config subsets they require.
type Config struct {
	// System Metadata
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"OTEL_SERVICE_NAME" default:"stillpoint"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	IsTestMode  bool   `envconfig:"IS_TEST_MODE" default:"false"`

	// Domain Configurations
	Server        ServerConfig
	Database      DatabaseConfig
	AWS           AWSConfig
	Push          PushConfig
	Auth          AuthConfig
	Queue         QueueConfig
	Observability ObservabilityConfig

	// Build Metadata (Injected via ldflags, not Env)
	Build BuildInfo
}

// ServerConfig holds HTTP server configuration for the ops API.
type ServerConfig struct {
	Port            string        `envconfig:"PORT" default:"8080"`
	ReadTimeout     time.Duration `envconfig:"SERVER_READ_TIMEOUT" default:"10s"`
	WriteTimeout    time.Duration `envconfig:"SERVER_WRITE_TIMEOUT" default:"30s"`
	ShutdownTimeout time.Duration `envconfig:"SERVER_SHUTDOWN_TIMEOUT" default:"15s"`
}

// DatabaseConfig holds database connection and pool tuning parameters.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"required,url"`

	// Tuning Parameters
	MaxConns          int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns          int           `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	AcquireTimeout    time.Duration `envconfig:"DB_ACQUIRE_TIMEOUT" default:"2s"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`
}

// AWSConfig holds AWS resource identifiers and regional configuration.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"us-east-1"`

	// CronQueueURL is the SQS queue the cron worker consumes. Continuation
	// messages for backlog draining are sent here.
	CronQueueURL string `envconfig:"SQS_CRON_QUEUE" validate:"required,url"`

	// LocalStack Support (Empty in Prod)
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// PushConfig holds the push transport endpoint and credentials.
type PushConfig struct {
	Endpoint  string        `envconfig:"PUSH_ENDPOINT" default:"https://fcm.googleapis.com/fcm/send"`
	ServerKey SecretString  `envconfig:"PUSH_SERVER_KEY" validate:"required"`
	Timeout   time.Duration `envconfig:"PUSH_TIMEOUT" default:"10s"`
}

// AuthConfig holds credentials for the ops API surface.
type AuthConfig struct {
	AdminAPIKey SecretString `envconfig:"ADMIN_API_KEY" validate:"required"`
}

// QueueConfig holds processing and retention tuning for the delivery queue.
type QueueConfig struct {
	// BatchLimit is the maximum number of due items drained per run.
	BatchLimit int `envconfig:"QUEUE_BATCH_LIMIT" default:"50"`
	// SeedScanLimit bounds how many recently active users one seeding pass
	// examines.
	SeedScanLimit int `envconfig:"SEED_SCAN_LIMIT" default:"200"`
	// RetentionMaxAge is how long terminal items stay queryable before the
	// archiver retires them.
	RetentionMaxAge time.Duration `envconfig:"QUEUE_RETENTION_MAX_AGE" default:"720h"`
	// RetentionBatchLimit bounds one archiver run.
	RetentionBatchLimit int `envconfig:"QUEUE_RETENTION_BATCH_LIMIT" default:"500"`
	// PurgeLimit bounds one broadcast purge call.
	PurgeLimit int `envconfig:"BROADCAST_PURGE_LIMIT" default:"500"`
	// LockTTL is how long a cron task lock is held before a stale holder is
	// presumed dead.
	LockTTL time.Duration `envconfig:"JOB_LOCK_TTL" default:"5m"`
}

// ObservabilityConfig holds metric emission settings.
type ObservabilityConfig struct {
	MetricNamespace string `envconfig:"METRIC_NAMESPACE" default:"Stillpoint/Notifications"`
	MetricsEnabled  bool   `envconfig:"METRICS_ENABLED" default:"true"`
}
