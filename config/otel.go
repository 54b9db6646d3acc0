package config

import (
	"fmt"
	"os"
)

// OpenTelemetryConfig contains OpenTelemetry configuration
type OpenTelemetryConfig struct {
	Enabled            bool              `yaml:"enabled" env:"OTEL_ENABLED" env-default:"false"`
	ServiceName        string            `yaml:"serviceName" env:"OTEL_SERVICE_NAME" env-default:"podwatch"`
	ServiceVersion     string            `yaml:"serviceVersion" env:"OTEL_SERVICE_VERSION" env-default:"1.0.0"`
	Environment        string            `yaml:"environment" env:"OTEL_ENVIRONMENT" env-default:"production"`
	Endpoint           string            `yaml:"endpoint" env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	Headers            map[string]string `yaml:"headers"`
	ResourceAttributes map[string]string `yaml:"resourceAttributes"`
	Traces             OTelTracesConfig  `yaml:"traces"`
	Metrics            OTelMetricsConfig `yaml:"metrics"`
}

// OTelTracesConfig contains trace export configuration
type OTelTracesConfig struct {
	Enabled       bool              `yaml:"enabled" env:"OTEL_TRACES_ENABLED" env-default:"true"`
	Endpoint      string            `yaml:"endpoint" env:"OTEL_EXPORTER_OTLP_TRACES_ENDPOINT"`
	Headers       map[string]string `yaml:"headers"`
	SamplingRatio float64           `yaml:"samplingRatio" env:"OTEL_TRACES_SAMPLING_RATIO" env-default:"1.0"`
}

// OTelMetricsConfig contains metric export configuration
type OTelMetricsConfig struct {
	Enabled              bool              `yaml:"enabled" env:"OTEL_METRICS_ENABLED" env-default:"true"`
	Endpoint             string            `yaml:"endpoint" env:"OTEL_EXPORTER_OTLP_METRICS_ENDPOINT"`
	Headers              map[string]string `yaml:"headers"`
	IntervalMillis       int               `yaml:"intervalMillis" env:"OTEL_METRICS_INTERVAL" env-default:"30000"`
	EnableRuntimeMetrics bool              `yaml:"enableRuntimeMetrics" env:"OTEL_ENABLE_RUNTIME_METRICS" env-default:"true"`
}

func hasEndpoint(specific, specificEnv, general string) bool {
	return specific != "" || os.Getenv(specificEnv) != "" ||
		general != "" || os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != ""
}

// ValidateOpenTelemetry validates OpenTelemetry configuration if enabled
func ValidateOpenTelemetry(cfg *OpenTelemetryConfig) error {
	if !cfg.Enabled {
		return nil
	}

	if cfg.ServiceName == "" {
		return fmt.Errorf("opentelemetry service name is required when OpenTelemetry is enabled")
	}

	if cfg.Traces.Enabled {
		if !hasEndpoint(cfg.Traces.Endpoint, "OTEL_EXPORTER_OTLP_TRACES_ENDPOINT", cfg.Endpoint) {
			return fmt.Errorf("opentelemetry traces endpoint is required when traces are enabled")
		}
		if cfg.Traces.SamplingRatio < 0 || cfg.Traces.SamplingRatio > 1 {
			return fmt.Errorf("opentelemetry traces sampling ratio must be between 0 and 1, got: %f", cfg.Traces.SamplingRatio)
		}
	}

	if cfg.Metrics.Enabled {
		if !hasEndpoint(cfg.Metrics.Endpoint, "OTEL_EXPORTER_OTLP_METRICS_ENDPOINT", cfg.Endpoint) {
			return fmt.Errorf("opentelemetry metrics endpoint is required when metrics are enabled")
		}
		if cfg.Metrics.IntervalMillis < 1000 {
			return fmt.Errorf("opentelemetry metrics interval must be at least 1000ms (1 second)")
		}
	}

	return nil
}
