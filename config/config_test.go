package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to create test config file: %v", err)
	}
	return configPath
}

func TestLoad_ValidConfig(t *testing.T) {
	configPath := writeConfig(t, `
logging:
  logFormat: "LOGFMT"
  logLevel: "Debug"
prometheus:
  prometheusUrl: "https://prometheus-prod-01-eu-west-0.grafana.net/api/prom/push"
  prometheusUsername: "123456"
  prometheusPassword: "test-password"
  pushIntervalSeconds: 30
  bufferSize: 200
mqtt:
  enabled: true
  broker: "tcp://localhost:1883"
  topicPrefix: "home/airpods/"
health:
  port: 9090
watchdog:
  intervalSeconds: 10
devices:
  - name: Office
    address: "aa:bb:cc:dd:ee:01"
  - name: Travel
    address: "AA:BB:CC:DD:EE:02"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if cfg.Logging.Format != "logfmt" || cfg.Logging.Level != "debug" {
		t.Errorf("Expected normalized logging config, got %+v", cfg.Logging)
	}
	if !cfg.Prometheus.Enabled() {
		t.Error("Expected prometheus to be enabled")
	}
	if cfg.Prometheus.PushInterval() != 30*time.Second {
		t.Errorf("Expected push interval 30s, got %v", cfg.Prometheus.PushInterval())
	}
	if cfg.Prometheus.BufferSize != 200 {
		t.Errorf("Expected buffer size 200, got %d", cfg.Prometheus.BufferSize)
	}
	if cfg.Prometheus.BatchSize != 500 {
		t.Errorf("Expected default batch size 500, got %d", cfg.Prometheus.BatchSize)
	}
	if !cfg.MQTT.Enabled || cfg.MQTT.Broker != "tcp://localhost:1883" {
		t.Errorf("Unexpected MQTT config: %+v", cfg.MQTT)
	}
	if cfg.MQTT.TopicPrefix != "home/airpods" {
		t.Errorf("Expected trailing slash trimmed, got %s", cfg.MQTT.TopicPrefix)
	}
	if cfg.MQTT.ClientID != "podwatch" {
		t.Errorf("Expected default client id, got %s", cfg.MQTT.ClientID)
	}
	if cfg.Health.Port != 9090 {
		t.Errorf("Expected health port 9090, got %d", cfg.Health.Port)
	}
	if cfg.Watchdog.Interval() != 10*time.Second {
		t.Errorf("Expected watchdog interval 10s, got %v", cfg.Watchdog.Interval())
	}

	names := cfg.DeviceNames()
	if names["AA:BB:CC:DD:EE:01"] != "Office" || names["AA:BB:CC:DD:EE:02"] != "Travel" {
		t.Errorf("Unexpected device names: %v", names)
	}
}

func TestLoad_Defaults(t *testing.T) {
	configPath := writeConfig(t, "devices: []\n")

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if cfg.Logging.Format != "console" || cfg.Logging.Level != "info" {
		t.Errorf("Unexpected default logging: %+v", cfg.Logging)
	}
	if cfg.Prometheus.Enabled() {
		t.Error("Expected prometheus to be disabled without URL")
	}
	if cfg.MQTT.Enabled {
		t.Error("Expected MQTT to be disabled by default")
	}
	if !cfg.Health.Enabled || cfg.Health.Port != 8080 {
		t.Errorf("Unexpected default health config: %+v", cfg.Health)
	}
	if !cfg.Watchdog.Enabled || cfg.Watchdog.IntervalSeconds != 30 {
		t.Errorf("Unexpected default watchdog config: %+v", cfg.Watchdog)
	}
	if cfg.OpenTelemetry.Enabled || cfg.Profiling.Enabled {
		t.Error("Expected telemetry and profiling disabled by default")
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("LOG_LEVEL", "warn")
	t.Setenv("PROMETHEUS_URL", "http://localhost:9090/api/v1/write")
	configPath := writeConfig(t, `
logging:
  logLevel: "info"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("Expected env to override log level, got %s", cfg.Logging.Level)
	}
	if cfg.Prometheus.URL != "http://localhost:9090/api/v1/write" {
		t.Errorf("Expected env prometheus URL, got %s", cfg.Prometheus.URL)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("Expected error for missing file")
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		errPart string
	}{
		{
			name:    "bad log format",
			content: "logging:\n  logFormat: xml\n",
			errPart: "logFormat",
		},
		{
			name:    "bad log level",
			content: "logging:\n  logLevel: trace\n",
			errPart: "logLevel",
		},
		{
			name:    "bad prometheus url",
			content: "prometheus:\n  prometheusUrl: ftp://example.com\n",
			errPart: "prometheus URL",
		},
		{
			name:    "mqtt without broker",
			content: "mqtt:\n  enabled: true\n",
			errPart: "broker",
		},
		{
			name:    "mqtt wildcard prefix",
			content: "mqtt:\n  enabled: true\n  broker: tcp://localhost:1883\n  topicPrefix: home/#\n",
			errPart: "wildcards",
		},
		{
			name:    "bad health port",
			content: "health:\n  port: 70000\n",
			errPart: "health port",
		},
		{
			name:    "device without name",
			content: "devices:\n  - address: AA:BB:CC:DD:EE:01\n",
			errPart: "name is required",
		},
		{
			name:    "bad device address",
			content: "devices:\n  - name: Office\n    address: not-an-address\n",
			errPart: "invalid address",
		},
		{
			name:    "duplicate device address",
			content: "devices:\n  - name: A\n    address: aa:bb:cc:dd:ee:01\n  - name: B\n    address: AA:BB:CC:DD:EE:01\n",
			errPart: "duplicate address",
		},
		{
			name:    "otel without endpoint",
			content: "openTelemetry:\n  enabled: true\n",
			errPart: "endpoint",
		},
		{
			name:    "profiling without server",
			content: "profiling:\n  enabled: true\n",
			errPart: "server address",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			if err == nil {
				t.Fatal("Expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.errPart) {
				t.Errorf("Expected error containing %q, got: %v", tt.errPart, err)
			}
		})
	}
}

func TestNewLogger(t *testing.T) {
	for _, format := range []string{"console", "json", "logfmt"} {
		t.Run(format, func(t *testing.T) {
			logger, err := NewLogger(&LoggingConfig{Format: format, Level: "debug"})
			if err != nil {
				t.Fatalf("Expected no error, got: %v", err)
			}
			if !logger.Core().Enabled(zap.DebugLevel) {
				t.Error("Expected debug level to be enabled")
			}
		})
	}
}

func TestNewLogger_Level(t *testing.T) {
	logger, err := NewLogger(&LoggingConfig{Format: "json", Level: "warn"})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if logger.Core().Enabled(zap.InfoLevel) {
		t.Error("Expected info level to be disabled")
	}
	if !logger.Core().Enabled(zap.WarnLevel) {
		t.Error("Expected warn level to be enabled")
	}
}

func TestPrintConfig(t *testing.T) {
	cfg := &Config{
		Prometheus: PrometheusConfig{URL: "https://example.com", Password: "secret"},
		Devices:    []DeviceConfig{{Name: "Office", Address: "AA:BB:CC:DD:EE:01"}},
	}

	// Must not panic with a partially filled config
	cfg.PrintConfig(zap.NewNop())
}
