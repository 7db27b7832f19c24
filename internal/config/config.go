// Package config defines the global configuration structure for the MapleBill
// billing service. Configuration is loaded once at process initialization and
// is immutable thereafter, following 12-Factor App principles.
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

	"maplebill/internal/types"
)

// SecretString is an alias for types.SecretString, the redacted secret type used
// throughout configuration to prevent accidental logging of sensitive values.
type SecretString = types.SecretString

// Config is the top-level configuration struct for the MapleBill service.
// It is populated once during process initialization and never modified.
// Sub-components receive only the specific config subsets they require.
type Config struct {
	// System Metadata
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"maplebill"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	// Domain Configurations
	Server        ServerConfig
	Database      DatabaseConfig
	Processor     ProcessorConfig
	AWS           AWSConfig
	Sweep         SweepConfig
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            string        `envconfig:"PORT" default:"8080"`
	RequestTimeout  time.Duration `envconfig:"REQUEST_TIMEOUT" default:"29s"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
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

// ProcessorConfig holds payment processor credentials and client tuning.
type ProcessorConfig struct {
	SecretKey            SecretString  `envconfig:"PROCESSOR_SECRET_KEY" validate:"required"`
	WebhookSigningSecret SecretString  `envconfig:"PROCESSOR_WEBHOOK_SECRET" validate:"required"`
	BaseURL              string        `envconfig:"PROCESSOR_BASE_URL" default:"https://api.stripe.com"`
	Timeout              time.Duration `envconfig:"PROCESSOR_TIMEOUT" default:"15s"`
}

// AWSConfig holds AWS resource identifiers and regional configuration.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"ca-central-1"`

	// Domain events are published here for downstream consumers (email,
	// analytics). Empty disables publishing.
	EventQueueURL string `envconfig:"SQS_DOMAIN_EVENTS"`

	// LocalStack Support (Empty in Prod)
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// SweepConfig holds tuning for the periodic lifecycle sweeper.
type SweepConfig struct {
	BatchLimit     int           `envconfig:"SWEEP_BATCH_LIMIT" default:"200"`
	Concurrency    int           `envconfig:"SWEEP_CONCURRENCY" default:"8"`
	EventRetention time.Duration `envconfig:"SWEEP_EVENT_RETENTION" default:"720h"`
}

// ObservabilityConfig holds telemetry and monitoring settings.
type ObservabilityConfig struct {
	MetricNamespace string `envconfig:"METRIC_NAMESPACE" default:"MapleBill"`
	EnableMetrics   bool   `envconfig:"ENABLE_METRICS" default:"true"`
}

// ConfigErrorType categorizes configuration loading failures to aid debugging.
type ConfigErrorType string

const (
	// ErrValidation indicates the configuration failed struct validation rules.
	ErrValidation ConfigErrorType = "VALIDATION_FAILED"
	// ErrParsing indicates a failure when parsing environment variable values
	// into their target types.
	ErrParsing ConfigErrorType = "PARSING_FAILED"
)
