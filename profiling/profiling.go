package profiling

import (
	"fmt"
	"maps"
	"runtime"

	"github.com/grafana/pyroscope-go"
	"go.uber.org/zap"

	"github.com/mjasion/balena-home/podwatch/config"
)

// Profiler wraps the Pyroscope profiler
type Profiler struct {
	profiler *pyroscope.Profiler
	logger   *zap.Logger
}

func profileTypes(cfg *config.ProfilingConfig) []pyroscope.ProfileType {
	var types []pyroscope.ProfileType
	if cfg.CPUProfile {
		types = append(types, pyroscope.ProfileCPU)
	}
	if cfg.AllocProfile {
		types = append(types, pyroscope.ProfileAllocObjects, pyroscope.ProfileAllocSpace)
	}
	if cfg.InuseProfile {
		types = append(types, pyroscope.ProfileInuseObjects, pyroscope.ProfileInuseSpace)
	}
	if cfg.GoroutineProfile {
		types = append(types, pyroscope.ProfileGoroutines)
	}
	if cfg.MutexProfile {
		types = append(types, pyroscope.ProfileMutexCount, pyroscope.ProfileMutexDuration)
	}
	return types
}

// Start starts the Pyroscope profiler in push mode. It returns nil when
// profiling is disabled.
func Start(cfg *config.ProfilingConfig, logger *zap.Logger) (*Profiler, error) {
	if !cfg.Enabled {
		logger.Info("profiling is disabled")
		return nil, nil
	}

	if cfg.MutexProfile {
		runtime.SetMutexProfileFraction(cfg.MutexProfileRate)
	}

	types := profileTypes(cfg)
	profiler, err := pyroscope.Start(pyroscope.Config{
		ApplicationName:   cfg.ApplicationName,
		ServerAddress:     cfg.ServerAddress,
		BasicAuthUser:     cfg.BasicAuthUser,
		BasicAuthPassword: cfg.BasicAuthPassword,
		TenantID:          cfg.TenantID,
		Tags:              maps.Clone(cfg.Tags),
		ProfileTypes:      types,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start Pyroscope profiler: %w", err)
	}

	logger.Info("Pyroscope profiler started",
		zap.String("server_address", cfg.ServerAddress),
		zap.String("application_name", cfg.ApplicationName),
		zap.Int("profile_types_count", len(types)),
	)

	return &Profiler{profiler: profiler, logger: logger}, nil
}

// Stop stops the profiler
func (p *Profiler) Stop() error {
	if p == nil || p.profiler == nil {
		return nil
	}

	if err := p.profiler.Stop(); err != nil {
		p.logger.Error("failed to stop profiler", zap.Error(err))
		return fmt.Errorf("profiler stop: %w", err)
	}

	p.logger.Info("Pyroscope profiler stopped")
	return nil
}
