package config

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"go.uber.org/zap"
)

// Config represents the application configuration
type Config struct {
	Logging       LoggingConfig       `yaml:"logging"`
	Prometheus    PrometheusConfig    `yaml:"prometheus"`
	MQTT          MQTTConfig          `yaml:"mqtt"`
	Health        HealthConfig        `yaml:"health"`
	Watchdog      WatchdogConfig      `yaml:"watchdog"`
	OpenTelemetry OpenTelemetryConfig `yaml:"openTelemetry"`
	Profiling     ProfilingConfig     `yaml:"profiling"`
	Devices       []DeviceConfig      `yaml:"devices"`
}

// PrometheusConfig contains remote write configuration. Pushing is disabled
// when no URL is set.
type PrometheusConfig struct {
	URL                 string `yaml:"prometheusUrl" env:"PROMETHEUS_URL"`
	Username            string `yaml:"prometheusUsername" env:"PROMETHEUS_USERNAME"`
	Password            string `yaml:"prometheusPassword" env:"PROMETHEUS_PASSWORD"`
	PushIntervalSeconds int    `yaml:"pushIntervalSeconds" env:"PUSH_INTERVAL_SECONDS" env-default:"15"`
	BatchSize           int    `yaml:"batchSize" env:"PUSH_BATCH_SIZE" env-default:"500"`
	BufferSize          int    `yaml:"bufferSize" env:"BUFFER_SIZE" env-default:"1000"`
}

// Enabled reports whether readings are pushed
func (p PrometheusConfig) Enabled() bool {
	return p.URL != ""
}

// PushInterval returns the push interval as a duration
func (p PrometheusConfig) PushInterval() time.Duration {
	return time.Duration(p.PushIntervalSeconds) * time.Second
}

// MQTTConfig contains MQTT publishing configuration
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled" env:"MQTT_ENABLED" env-default:"false"`
	Broker      string `yaml:"broker" env:"MQTT_BROKER"`
	ClientID    string `yaml:"clientId" env:"MQTT_CLIENT_ID" env-default:"podwatch"`
	Username    string `yaml:"username" env:"MQTT_USERNAME"`
	Password    string `yaml:"password" env:"MQTT_PASSWORD"`
	TopicPrefix string `yaml:"topicPrefix" env:"MQTT_TOPIC_PREFIX" env-default:"podwatch"`
	QueueSize   int    `yaml:"queueSize" env:"MQTT_QUEUE_SIZE" env-default:"100"`
}

// HealthConfig contains health endpoint configuration
type HealthConfig struct {
	Enabled bool `yaml:"enabled" env:"HEALTH_ENABLED" env-default:"true"`
	Port    int  `yaml:"port" env:"HEALTH_PORT" env-default:"8080"`
}

// WatchdogConfig controls how often a stalled scan is restarted
type WatchdogConfig struct {
	Enabled         bool `yaml:"enabled" env:"WATCHDOG_ENABLED" env-default:"true"`
	IntervalSeconds int  `yaml:"intervalSeconds" env:"WATCHDOG_INTERVAL_SECONDS" env-default:"30"`
}

// Interval returns the watchdog interval as a duration
func (w WatchdogConfig) Interval() time.Duration {
	return time.Duration(w.IntervalSeconds) * time.Second
}

// DeviceConfig gives a friendly name to an advertiser address
type DeviceConfig struct {
	Name    string `yaml:"name"`
	Address string `yaml:"address"`
}

var addressRegex = regexp.MustCompile(`^([0-9A-Fa-f]{2}:){5}[0-9A-Fa-f]{2}$`)

// Load loads configuration from a YAML file with environment variable overrides
func Load(configPath string) (*Config, error) {
	var cfg Config

	if err := cleanenv.ReadConfig(configPath, &cfg); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if err := ValidateLogging(&c.Logging); err != nil {
		return err
	}
	if err := ValidatePrometheus(&c.Prometheus); err != nil {
		return err
	}
	if err := ValidateMQTT(&c.MQTT); err != nil {
		return err
	}
	if err := ValidateHealth(&c.Health); err != nil {
		return err
	}
	if err := ValidateWatchdog(&c.Watchdog); err != nil {
		return err
	}
	if err := ValidateOpenTelemetry(&c.OpenTelemetry); err != nil {
		return err
	}
	if err := ValidateProfiling(&c.Profiling); err != nil {
		return err
	}
	return ValidateDevices(c.Devices)
}

// ValidatePrometheus validates remote write configuration
func ValidatePrometheus(cfg *PrometheusConfig) error {
	if cfg.BufferSize < 1 {
		return fmt.Errorf("buffer size must be at least 1")
	}
	if !cfg.Enabled() {
		return nil
	}
	if !strings.HasPrefix(cfg.URL, "http://") && !strings.HasPrefix(cfg.URL, "https://") {
		return fmt.Errorf("prometheus URL must start with http:// or https://, got: %s", cfg.URL)
	}
	if cfg.PushIntervalSeconds < 1 {
		return fmt.Errorf("push interval must be at least 1 second")
	}
	if cfg.BatchSize < 1 {
		return fmt.Errorf("push batch size must be at least 1")
	}
	return nil
}

// ValidateMQTT validates MQTT configuration if enabled
func ValidateMQTT(cfg *MQTTConfig) error {
	if !cfg.Enabled {
		return nil
	}
	if cfg.Broker == "" {
		return fmt.Errorf("mqtt broker is required when MQTT is enabled")
	}
	if cfg.TopicPrefix == "" {
		return fmt.Errorf("mqtt topic prefix must not be empty")
	}
	if strings.ContainsAny(cfg.TopicPrefix, "#+") {
		return fmt.Errorf("mqtt topic prefix must not contain wildcards, got: %s", cfg.TopicPrefix)
	}
	cfg.TopicPrefix = strings.TrimSuffix(cfg.TopicPrefix, "/")
	if cfg.QueueSize < 1 {
		return fmt.Errorf("mqtt queue size must be at least 1")
	}
	return nil
}

// ValidateHealth validates health endpoint configuration
func ValidateHealth(cfg *HealthConfig) error {
	if !cfg.Enabled {
		return nil
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return fmt.Errorf("health port must be between 1 and 65535, got: %d", cfg.Port)
	}
	return nil
}

// ValidateWatchdog validates watchdog configuration
func ValidateWatchdog(cfg *WatchdogConfig) error {
	if cfg.Enabled && cfg.IntervalSeconds < 1 {
		return fmt.Errorf("watchdog interval must be at least 1 second")
	}
	return nil
}

// ValidateDevices checks device addresses and normalizes them to upper case
func ValidateDevices(devices []DeviceConfig) error {
	seen := make(map[string]bool)
	for i := range devices {
		d := &devices[i]
		if d.Name == "" {
			return fmt.Errorf("device %d: name is required", i)
		}
		if !addressRegex.MatchString(d.Address) {
			return fmt.Errorf("device %s: invalid address format: %s (expected format: XX:XX:XX:XX:XX:XX)", d.Name, d.Address)
		}
		d.Address = strings.ToUpper(d.Address)
		if seen[d.Address] {
			return fmt.Errorf("device %s: duplicate address %s", d.Name, d.Address)
		}
		seen[d.Address] = true
	}
	return nil
}

// DeviceNames returns friendly names keyed by upper-case address
func (c *Config) DeviceNames() map[string]string {
	names := make(map[string]string, len(c.Devices))
	for _, d := range c.Devices {
		names[strings.ToUpper(d.Address)] = d.Name
	}
	return names
}

// PrintConfig logs the configuration with secrets masked
func (c *Config) PrintConfig(logger *zap.Logger) {
	deviceInfo := make([]string, len(c.Devices))
	for i, d := range c.Devices {
		deviceInfo[i] = fmt.Sprintf("%s (%s)", d.Name, d.Address)
	}

	logger.Info("configuration loaded",
		zap.String("log_format", c.Logging.Format),
		zap.String("log_level", c.Logging.Level),
		zap.Bool("prometheus_enabled", c.Prometheus.Enabled()),
		zap.String("prometheus_url", c.Prometheus.URL),
		zap.String("prometheus_username", c.Prometheus.Username),
		zap.Bool("prometheus_password_set", c.Prometheus.Password != ""),
		zap.Int("push_interval_seconds", c.Prometheus.PushIntervalSeconds),
		zap.Int("buffer_size", c.Prometheus.BufferSize),
		zap.Bool("mqtt_enabled", c.MQTT.Enabled),
		zap.String("mqtt_broker", c.MQTT.Broker),
		zap.String("mqtt_topic_prefix", c.MQTT.TopicPrefix),
		zap.Bool("mqtt_password_set", c.MQTT.Password != ""),
		zap.Bool("health_enabled", c.Health.Enabled),
		zap.Int("health_port", c.Health.Port),
		zap.Bool("watchdog_enabled", c.Watchdog.Enabled),
		zap.Int("watchdog_interval_seconds", c.Watchdog.IntervalSeconds),
		zap.Bool("otel_enabled", c.OpenTelemetry.Enabled),
		zap.Bool("profiling_enabled", c.Profiling.Enabled),
		zap.Strings("devices", deviceInfo),
	)
}
