package telemetry_transport

import (
	"time"

	"github.com/roadrunner-server/errors"

	"github.com/your-org/roadrunner-telemetry-transport/batcher"
	"github.com/your-org/roadrunner-telemetry-transport/driver"
	"github.com/your-org/roadrunner-telemetry-transport/pipeline"
	"github.com/your-org/roadrunner-telemetry-transport/retry"
)

const PluginName = "telemetry_transport"

// Config represents the plugin configuration
type Config struct {
	// Enable/disable the plugin
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Destination DSN, https://<api-key>@<host>/<dataset>. Empty means
	// dry-run for the http transport.
	DSN string `mapstructure:"dsn" yaml:"dsn"`

	Transport TransportConfig `mapstructure:"transport" yaml:"transport"`
	Batch     BatchConfig     `mapstructure:"batch" yaml:"batch"`
	Request   RequestConfig   `mapstructure:"request" yaml:"request"`
	Driver    DriverConfig    `mapstructure:"driver" yaml:"driver"`
	Retry     RetryConfig     `mapstructure:"retry" yaml:"retry"`
	Intake    IntakeConfig    `mapstructure:"intake" yaml:"intake"`
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
}

const (
	TransportHTTP = "http"
	TransportS3   = "s3"

	CompressionGzip = "gzip"
	CompressionZstd = "zstd"
	CompressionNone = "none"

	CodecJSON    = "json"
	CodecMsgpack = "msgpack"
)

// TransportConfig contains transport settings
type TransportConfig struct {
	// http or s3
	Kind string `mapstructure:"kind" yaml:"kind"`
	// Per attempt timeout
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
	// gzip, zstd or none
	Compression string `mapstructure:"compression" yaml:"compression"`
	// json or msgpack
	Codec string `mapstructure:"codec" yaml:"codec"`
	// SSL verification
	SSLVerify *bool  `mapstructure:"ssl_verify" yaml:"ssl_verify"`
	Proxy     string `mapstructure:"proxy" yaml:"proxy"`

	S3 S3Config `mapstructure:"s3" yaml:"s3"`
}

// S3Config selects the archive bucket used by the s3 transport.
type S3Config struct {
	Bucket string `mapstructure:"bucket" yaml:"bucket"`
	Prefix string `mapstructure:"prefix" yaml:"prefix"`
	Region string `mapstructure:"region" yaml:"region"`
	// Endpoint overrides the S3 endpoint, for S3 compatible stores.
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`
}

// BatchConfig bounds the batches sent in one request
type BatchConfig struct {
	MaxBytes  int           `mapstructure:"max_bytes" yaml:"max_bytes"`
	MaxEvents int           `mapstructure:"max_events" yaml:"max_events"`
	Linger    time.Duration `mapstructure:"linger" yaml:"linger"`
}

// RequestConfig contains request building settings
type RequestConfig struct {
	// Concurrent encodings; 0 is unbounded, unset defaults to 2
	Concurrency *int `mapstructure:"concurrency" yaml:"concurrency"`
}

// DriverConfig contains delivery settings
type DriverConfig struct {
	// In-flight requests; 0 is unbounded, unset defaults to 4
	Concurrency *int `mapstructure:"concurrency" yaml:"concurrency"`
	// oldest, queued_first or retries_first
	Fairness string `mapstructure:"fairness" yaml:"fairness"`
	// Requests per second; 0 disables pacing
	QPS float64 `mapstructure:"qps" yaml:"qps"`
}

// RetryConfig contains retry mechanism settings
type RetryConfig struct {
	// Maximum attempts per request, the first one included
	MaxAttempts int `mapstructure:"max_attempts" yaml:"max_attempts"`
	// Initial backoff duration
	InitialBackoff time.Duration `mapstructure:"initial_backoff" yaml:"initial_backoff"`
	// Backoff multiplier
	BackoffMultiplier float64 `mapstructure:"backoff_multiplier" yaml:"backoff_multiplier"`
	// Maximum backoff duration
	MaxBackoff time.Duration `mapstructure:"max_backoff" yaml:"max_backoff"`
	// Jitter fraction in [0, 1]
	Jitter *float64 `mapstructure:"jitter" yaml:"jitter"`
}

// IntakeConfig contains intake queue settings
type IntakeConfig struct {
	// Buffer size for the event queue
	BufferSize int `mapstructure:"buffer_size" yaml:"buffer_size"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	// Log level for plugin operations
	Level string `mapstructure:"level" yaml:"level"`
}

// InitDefaults initializes default configuration values
func (cfg *Config) InitDefaults() {
	if cfg.Transport.Kind == "" {
		cfg.Transport.Kind = TransportHTTP
	}
	if cfg.Transport.Timeout == 0 {
		cfg.Transport.Timeout = 30 * time.Second
	}
	if cfg.Transport.Compression == "" {
		cfg.Transport.Compression = CompressionGzip
	}
	if cfg.Transport.Codec == "" {
		cfg.Transport.Codec = CodecJSON
	}
	if cfg.Transport.SSLVerify == nil {
		verify := true
		cfg.Transport.SSLVerify = &verify
	}

	if cfg.Batch.MaxBytes == 0 {
		cfg.Batch.MaxBytes = batcher.Defaults.MaxBytes
	}
	if cfg.Batch.MaxEvents == 0 {
		cfg.Batch.MaxEvents = batcher.Defaults.MaxEvents
	}
	if cfg.Batch.Linger == 0 {
		cfg.Batch.Linger = batcher.Defaults.Linger
	}

	if cfg.Request.Concurrency == nil {
		concurrency := 2
		cfg.Request.Concurrency = &concurrency
	}
	if cfg.Driver.Concurrency == nil {
		concurrency := 4
		cfg.Driver.Concurrency = &concurrency
	}
	if cfg.Driver.Fairness == "" {
		cfg.Driver.Fairness = driver.FairnessOldest.String()
	}

	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = 5
	}
	if cfg.Retry.InitialBackoff == 0 {
		cfg.Retry.InitialBackoff = retry.DefaultBackoff.Base
	}
	if cfg.Retry.BackoffMultiplier == 0 {
		cfg.Retry.BackoffMultiplier = retry.DefaultBackoff.Multiplier
	}
	if cfg.Retry.MaxBackoff == 0 {
		cfg.Retry.MaxBackoff = retry.DefaultBackoff.Max
	}
	if cfg.Retry.Jitter == nil {
		jitter := retry.DefaultBackoff.Jitter
		cfg.Retry.Jitter = &jitter
	}

	if cfg.Intake.BufferSize == 0 {
		cfg.Intake.BufferSize = 1000
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

// Validate validates the configuration
func (cfg *Config) Validate() error {
	const op = errors.Op("telemetry_transport_config_validate")

	switch cfg.Transport.Kind {
	case TransportHTTP:
		if cfg.DSN != "" {
			if _, err := ParseDSN(cfg.DSN); err != nil {
				return errors.E(op, err)
			}
		}
	case TransportS3:
		if cfg.Transport.S3.Bucket == "" {
			return errors.E(op, errors.Str("s3 transport needs transport.s3.bucket"))
		}
	default:
		return errors.E(op, errors.Errorf("unknown transport kind %q", cfg.Transport.Kind))
	}

	switch cfg.Transport.Compression {
	case CompressionGzip, CompressionZstd, CompressionNone:
	default:
		return errors.E(op, errors.Errorf("unknown compression %q", cfg.Transport.Compression))
	}
	switch cfg.Transport.Codec {
	case CodecJSON, CodecMsgpack:
	default:
		return errors.E(op, errors.Errorf("unknown codec %q", cfg.Transport.Codec))
	}

	if cfg.Intake.BufferSize < 0 {
		return errors.E(op, errors.Errorf("intake buffer_size must not be negative, got %d", cfg.Intake.BufferSize))
	}

	pc, err := cfg.pipelineConfig()
	if err != nil {
		return errors.E(op, err)
	}
	if err := pc.Validate(); err != nil {
		return errors.E(op, err)
	}
	return nil
}

// pipelineConfig translates the plugin configuration into the delivery core's.
func (cfg *Config) pipelineConfig() (pipeline.Config, error) {
	fairness, err := driver.ParseFairness(cfg.Driver.Fairness)
	if err != nil {
		return pipeline.Config{}, err
	}
	var jitter float64
	if cfg.Retry.Jitter != nil {
		jitter = *cfg.Retry.Jitter
	}
	var buildConcurrency, concurrency int
	if cfg.Request.Concurrency != nil {
		buildConcurrency = *cfg.Request.Concurrency
	}
	if cfg.Driver.Concurrency != nil {
		concurrency = *cfg.Driver.Concurrency
	}
	return pipeline.Config{
		Batch: batcher.Settings{
			MaxBytes:  cfg.Batch.MaxBytes,
			MaxEvents: cfg.Batch.MaxEvents,
			Linger:    cfg.Batch.Linger,
		},
		BuildConcurrency: buildConcurrency,
		Concurrency:      concurrency,
		Fairness:         fairness,
		QPS:              cfg.Driver.QPS,
		MaxAttempts:      cfg.Retry.MaxAttempts,
		Backoff: retry.Backoff{
			Base:       cfg.Retry.InitialBackoff,
			Max:        cfg.Retry.MaxBackoff,
			Multiplier: cfg.Retry.BackoffMultiplier,
			Jitter:     jitter,
		},
	}, nil
}
