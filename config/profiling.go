package config

import "fmt"

// ProfilingConfig contains Pyroscope profiling configuration
type ProfilingConfig struct {
	Enabled           bool              `yaml:"enabled" env:"PYROSCOPE_ENABLED" env-default:"false"`
	ApplicationName   string            `yaml:"applicationName" env:"PYROSCOPE_APPLICATION_NAME" env-default:"podwatch"`
	ServerAddress     string            `yaml:"serverAddress" env:"PYROSCOPE_SERVER_ADDRESS"`
	BasicAuthUser     string            `yaml:"basicAuthUser" env:"PYROSCOPE_BASIC_AUTH_USER"`
	BasicAuthPassword string            `yaml:"basicAuthPassword" env:"PYROSCOPE_BASIC_AUTH_PASSWORD"`
	TenantID          string            `yaml:"tenantID" env:"PYROSCOPE_TENANT_ID"`
	Tags              map[string]string `yaml:"tags"`

	CPUProfile       bool `yaml:"cpuProfile" env:"PYROSCOPE_CPU_PROFILE" env-default:"true"`
	AllocProfile     bool `yaml:"allocProfile" env:"PYROSCOPE_ALLOC_PROFILE" env-default:"true"`
	InuseProfile     bool `yaml:"inuseProfile" env:"PYROSCOPE_INUSE_PROFILE" env-default:"true"`
	GoroutineProfile bool `yaml:"goroutineProfile" env:"PYROSCOPE_GOROUTINE_PROFILE" env-default:"true"`
	MutexProfile     bool `yaml:"mutexProfile" env:"PYROSCOPE_MUTEX_PROFILE" env-default:"false"`
	MutexProfileRate int  `yaml:"mutexProfileRate" env:"PYROSCOPE_MUTEX_PROFILE_RATE" env-default:"5"`
}

// ValidateProfiling validates profiling configuration if enabled
func ValidateProfiling(cfg *ProfilingConfig) error {
	if !cfg.Enabled {
		return nil
	}

	if cfg.ApplicationName == "" {
		return fmt.Errorf("profiling application name is required when profiling is enabled")
	}
	if cfg.ServerAddress == "" {
		return fmt.Errorf("profiling server address is required when profiling is enabled")
	}
	if cfg.MutexProfile && cfg.MutexProfileRate < 0 {
		return fmt.Errorf("profiling mutex profile rate must be >= 0")
	}
	if !cfg.CPUProfile && !cfg.AllocProfile && !cfg.InuseProfile &&
		!cfg.GoroutineProfile && !cfg.MutexProfile {
		return fmt.Errorf("at least one profile type must be enabled")
	}

	return nil
}
