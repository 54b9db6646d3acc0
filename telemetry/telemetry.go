package telemetry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.uber.org/zap"

	"github.com/mjasion/balena-home/podwatch/config"
)

// Providers holds the initialized OpenTelemetry providers
type Providers struct {
	TracerProvider *trace.TracerProvider
	MeterProvider  *metric.MeterProvider
	logger         *zap.Logger
}

// InitProviders sets up the global tracer and meter providers. It returns nil
// when OpenTelemetry is disabled, leaving the no-op globals in place.
func InitProviders(ctx context.Context, cfg *config.OpenTelemetryConfig, logger *zap.Logger) (*Providers, error) {
	if !cfg.Enabled {
		logger.Info("OpenTelemetry is disabled")
		return nil, nil
	}

	res := newResource(cfg)
	providers := &Providers{logger: logger}

	if cfg.Traces.Enabled {
		endpoint := resolveEndpoint(cfg.Traces.Endpoint, "OTEL_EXPORTER_OTLP_TRACES_ENDPOINT", cfg.Endpoint)
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(endpoint)}
		if isLocal(endpoint) {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		if headers := resolveHeaders(cfg.Traces.Headers, "OTEL_EXPORTER_OTLP_TRACES_HEADERS", cfg.Headers); len(headers) > 0 {
			opts = append(opts, otlptracehttp.WithHeaders(headers))
		}

		exporter, err := otlptracehttp.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP trace exporter: %w", err)
		}

		providers.TracerProvider = trace.NewTracerProvider(
			trace.WithSampler(trace.ParentBased(trace.TraceIDRatioBased(cfg.Traces.SamplingRatio))),
			trace.WithResource(res),
			trace.WithBatcher(exporter),
		)
		otel.SetTracerProvider(providers.TracerProvider)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		))

		logger.Info("tracer provider initialized",
			zap.String("endpoint", endpoint),
			zap.Float64("sampling_ratio", cfg.Traces.SamplingRatio),
		)
	}

	if cfg.Metrics.Enabled {
		endpoint := resolveEndpoint(cfg.Metrics.Endpoint, "OTEL_EXPORTER_OTLP_METRICS_ENDPOINT", cfg.Endpoint)
		opts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(endpoint)}
		if isLocal(endpoint) {
			opts = append(opts, otlpmetrichttp.WithInsecure())
		}
		if headers := resolveHeaders(cfg.Metrics.Headers, "OTEL_EXPORTER_OTLP_METRICS_HEADERS", cfg.Headers); len(headers) > 0 {
			opts = append(opts, otlpmetrichttp.WithHeaders(headers))
		}

		exporter, err := otlpmetrichttp.New(ctx, opts...)
		if err != nil {
			if providers.TracerProvider != nil {
				_ = providers.TracerProvider.Shutdown(ctx)
			}
			return nil, fmt.Errorf("failed to create OTLP metric exporter: %w", err)
		}

		providers.MeterProvider = metric.NewMeterProvider(
			metric.WithResource(res),
			metric.WithReader(metric.NewPeriodicReader(exporter,
				metric.WithInterval(time.Duration(cfg.Metrics.IntervalMillis)*time.Millisecond),
			)),
		)
		otel.SetMeterProvider(providers.MeterProvider)

		logger.Info("meter provider initialized",
			zap.String("endpoint", endpoint),
			zap.Int("interval_ms", cfg.Metrics.IntervalMillis),
		)

		if cfg.Metrics.EnableRuntimeMetrics {
			if err := runtime.Start(runtime.WithMinimumReadMemStatsInterval(time.Second)); err != nil {
				logger.Warn("failed to start runtime metrics collection", zap.Error(err))
			}
		}
	}

	return providers, nil
}

// Shutdown flushes and stops the providers
func (p *Providers) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}

	var errs []error
	if p.TracerProvider != nil {
		if err := p.TracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracer provider shutdown: %w", err))
		}
	}
	if p.MeterProvider != nil {
		if err := p.MeterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter provider shutdown: %w", err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		p.logger.Error("failed to shutdown OpenTelemetry providers", zap.Error(err))
		return err
	}

	p.logger.Info("OpenTelemetry providers shutdown complete")
	return nil
}

func newResource(cfg *config.OpenTelemetryConfig) *resource.Resource {
	attributes := []attribute.KeyValue{
		semconv.ServiceNameKey.String(cfg.ServiceName),
		semconv.ServiceVersionKey.String(cfg.ServiceVersion),
		attribute.String("deployment.environment", cfg.Environment),
	}
	for key, value := range cfg.ResourceAttributes {
		attributes = append(attributes, attribute.String(key, value))
	}
	if hostname, err := os.Hostname(); err == nil {
		attributes = append(attributes, semconv.HostNameKey.String(hostname))
	}

	return resource.NewWithAttributes(semconv.SchemaURL, attributes...)
}

// resolveEndpoint picks the signal-specific setting, then its env var, then
// the shared setting, then OTEL_EXPORTER_OTLP_ENDPOINT
func resolveEndpoint(specific, specificEnv, general string) string {
	for _, candidate := range []string{specific, os.Getenv(specificEnv), general} {
		if candidate != "" {
			return candidate
		}
	}
	return os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
}

func resolveHeaders(specific map[string]string, specificEnv string, general map[string]string) map[string]string {
	if len(specific) > 0 {
		return specific
	}
	if env := os.Getenv(specificEnv); env != "" {
		return parseHeaders(env)
	}
	if len(general) > 0 {
		return general
	}
	return parseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"))
}

// parseHeaders parses "key1=value1,key2=value2"
func parseHeaders(s string) map[string]string {
	headers := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || key == "" {
			continue
		}
		headers[key] = value
	}
	return headers
}

func isLocal(endpoint string) bool {
	return strings.HasPrefix(endpoint, "localhost:") || strings.HasPrefix(endpoint, "127.0.0.1:")
}
