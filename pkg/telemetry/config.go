package telemetry

import (
	"fmt"
	"time"
)

// Config contains the telemetry configuration for botgate.
type Config struct {
	// ServiceName is the name of the service for telemetry identification.
	ServiceName string `yaml:"serviceName" json:"serviceName"`

	// ServiceVersion is the version of the service.
	ServiceVersion string `yaml:"serviceVersion" json:"serviceVersion"`

	// Environment specifies the deployment environment (dev, staging, prod).
	Environment string `yaml:"environment" json:"environment"`

	Logging LoggingConfig `yaml:"logging" json:"logging"`
	Tracing TracingConfig `yaml:"tracing" json:"tracing"`
	Metrics MetricsConfig `yaml:"metrics" json:"metrics"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	// Level sets the minimum log level (trace, debug, info, warn, error, fatal).
	Level string `yaml:"level" json:"level"`

	// Format specifies the log format (console, json).
	Format string `yaml:"format" json:"format"`

	// Output specifies where logs are written (stdout, stderr, file path).
	Output string `yaml:"output" json:"output"`

	// EnableCaller adds file:line caller information to logs.
	EnableCaller bool `yaml:"enableCaller" json:"enableCaller"`

	// TimeFormat specifies the timestamp format (unix, unixms, rfc3339).
	TimeFormat string `yaml:"timeFormat" json:"timeFormat"`
}

// TracingConfig configures distributed tracing.
type TracingConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Exporter specifies the trace exporter (otlp, stdout, none).
	Exporter string `yaml:"exporter" json:"exporter"`

	// Endpoint is the OTLP collector endpoint, e.g. "localhost:4317".
	Endpoint string `yaml:"endpoint" json:"endpoint"`

	// SamplingRate is the trace sampling rate (0.0 to 1.0).
	SamplingRate float64 `yaml:"samplingRate" json:"samplingRate"`

	MaxExportBatchSize int           `yaml:"maxExportBatchSize" json:"maxExportBatchSize"`
	ExportTimeout      time.Duration `yaml:"exportTimeout" json:"exportTimeout"`

	// Headers are additional headers for the OTLP exporter.
	Headers map[string]string `yaml:"headers" json:"headers"`

	// Insecure disables TLS for the exporter connection.
	Insecure bool `yaml:"insecure" json:"insecure"`
}

// MetricsConfig configures metrics collection.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`

	// ListenAddress is the address for the metrics HTTP endpoint.
	ListenAddress string `yaml:"listenAddress" json:"listenAddress"`

	// Path is the HTTP path for metrics (default: /metrics).
	Path string `yaml:"path" json:"path"`

	// Namespace is the metrics namespace prefix.
	Namespace string `yaml:"namespace" json:"namespace"`

	// DefaultHistogramBuckets are the default latency buckets in seconds.
	DefaultHistogramBuckets []float64 `yaml:"buckets" json:"buckets"`
}

// DefaultConfig returns a default telemetry configuration.
// Tracing and metrics are off: a CLI run is short-lived and most operators
// only want logs.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "botgate",
		ServiceVersion: "dev",
		Environment:    "development",
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "console",
			Output:     "stderr",
			TimeFormat: "rfc3339",
		},
		Tracing: TracingConfig{
			Enabled:            false,
			Exporter:           "none",
			SamplingRate:       1.0,
			MaxExportBatchSize: 512,
			ExportTimeout:      30 * time.Second,
			Headers:            make(map[string]string),
			Insecure:           true,
		},
		Metrics: MetricsConfig{
			Enabled:       false,
			ListenAddress: ":9464",
			Path:          "/metrics",
			Namespace:     "botgate",
			// stack operations take minutes, not milliseconds
			DefaultHistogramBuckets: []float64{
				0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800,
			},
		},
	}
}

// DevelopmentConfig returns a development-optimized telemetry configuration.
func DevelopmentConfig() *Config {
	cfg := DefaultConfig()
	cfg.Logging.Level = "debug"
	cfg.Logging.EnableCaller = true
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "stdout"
	return cfg
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("service name is required")
	}

	if c.ServiceVersion == "" {
		return fmt.Errorf("service version is required")
	}

	validLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true,
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	if c.Logging.Format != "console" && c.Logging.Format != "json" {
		return fmt.Errorf("invalid log format: %s (must be 'console' or 'json')", c.Logging.Format)
	}

	validExporters := map[string]bool{"otlp": true, "stdout": true, "none": true}
	if c.Tracing.Enabled && !validExporters[c.Tracing.Exporter] {
		return fmt.Errorf("invalid trace exporter: %s", c.Tracing.Exporter)
	}

	if c.Tracing.Enabled && c.Tracing.Exporter == "otlp" && c.Tracing.Endpoint == "" {
		return fmt.Errorf("otlp exporter requires an endpoint")
	}

	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		return fmt.Errorf("trace sampling rate must be between 0 and 1, got: %f", c.Tracing.SamplingRate)
	}

	if c.Metrics.Enabled && c.Metrics.ListenAddress == "" {
		return fmt.Errorf("metrics listen address is required when metrics are enabled")
	}

	return nil
}
