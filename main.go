package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"tinygo.org/x/bluetooth"

	"github.com/mjasion/balena-home/podwatch/buffer"
	"github.com/mjasion/balena-home/podwatch/config"
	"github.com/mjasion/balena-home/podwatch/metrics"
	"github.com/mjasion/balena-home/podwatch/profiling"
	"github.com/mjasion/balena-home/podwatch/publisher"
	"github.com/mjasion/balena-home/podwatch/scanner"
	"github.com/mjasion/balena-home/podwatch/telemetry"
	"github.com/mjasion/balena-home/podwatch/types"
	"github.com/mjasion/balena-home/podwatch/watchdog"
)

func main() {
	configPath := flag.String("c", "config.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := config.NewLogger(&cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting AirPods battery observer")
	cfg.PrintConfig(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("podwatch failed", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("AirPods battery observer stopped")
}

func run(cfg *config.Config, logger *zap.Logger) error {
	profiler, err := profiling.Start(&cfg.Profiling, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize profiler: %w", err)
	}
	defer profiler.Stop()

	ctx := context.Background()
	otelProviders, err := telemetry.InitProviders(ctx, &cfg.OpenTelemetry, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry providers: %w", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		otelProviders.Shutdown(shutdownCtx)
	}()

	ctx, mainSpan := otel.Tracer("main").Start(ctx, "main.run")
	defer mainSpan.End()
	ctxLogger := telemetry.NewContextLogger(logger)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ringBuffer := buffer.New[*types.Reading](cfg.Prometheus.BufferSize, logger)
	rec := newRecorder(ringBuffer, cfg.DeviceNames(), logger)

	var wg sync.WaitGroup

	var mqttPublisher *publisher.Publisher
	if cfg.MQTT.Enabled {
		mqttPublisher = publisher.New(cfg.MQTT, logger)
		connectCtx, connectCancel := context.WithTimeout(ctx, 30*time.Second)
		err := mqttPublisher.Connect(connectCtx)
		connectCancel()
		if err != nil {
			return fmt.Errorf("failed to connect to MQTT broker: %w", err)
		}
		defer mqttPublisher.Close()
		rec.publisher = mqttPublisher

		wg.Add(1)
		go func() {
			defer wg.Done()
			mqttPublisher.Run(ctx)
		}()
	}

	var pusher *metrics.Pusher
	if cfg.Prometheus.Enabled() {
		pusher = metrics.New(metrics.Config{
			URL:          cfg.Prometheus.URL,
			Username:     cfg.Prometheus.Username,
			Password:     cfg.Prometheus.Password,
			PushInterval: cfg.Prometheus.PushInterval(),
			BatchSize:    cfg.Prometheus.BatchSize,
			TimeSeriesBuilder: metrics.CombineBuilders(
				metrics.BuildBatteryTimeSeries,
				metrics.BuildPairingTimeSeries,
			),
		}, ringBuffer, logger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			pusher.Start(ctx)
		}()
	}

	controller := scanner.New(scanner.NewBluetoothRadio(bluetooth.DefaultAdapter, logger), rec, logger)

	if cfg.Health.Enabled {
		var pushTimes metrics.PushTimeSource = neverPushed{}
		if pusher != nil {
			pushTimes = pusher
		}
		health := metrics.NewHealthChecker(ringBuffer, pushTimes, controller, cfg.Prometheus.PushInterval(), cfg.Health.Port, logger)
		rec.health = health

		go func() {
			if err := health.Start(); err != nil {
				logger.Error("health check server failed", zap.Error(err))
			}
		}()
		defer health.Stop()
	}

	controller.OnCreate()
	if err := controller.OnStart(ctx); err != nil {
		// The watchdog retries, so a busy radio at boot is not fatal
		ctxLogger.For(ctx).Warn("initial scan start failed", zap.Error(err))
	}
	telemetry.InfoWithTrace(ctx, logger, "scan session started", zap.Stringer("state", controller.State()))

	var wd *watchdog.Watchdog
	if cfg.Watchdog.Enabled {
		wd, err = watchdog.New(controller, cfg.Watchdog.Interval(), logger)
		if err != nil {
			return err
		}
		wd.Start()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	case <-ctx.Done():
		logger.Info("context cancelled")
	}
	cancel()

	// The watchdog must not restart the scan once teardown begins
	if wd != nil {
		wd.Stop()
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if err := controller.OnDestroy(stopCtx); err != nil {
		logger.Error("failed to stop BLE scan", zap.Error(err))
	}

	stats := controller.Stats()
	logger.Info("scan session summary",
		zap.Uint64("results", stats.Results),
		zap.Uint64("reports", stats.Reports),
		zap.Uint64("pairings", stats.Pairings),
		zap.Uint64("ignored", stats.IgnoredTotal()),
		zap.Uint64("observer_panics", stats.ObserverPanics),
		zap.Uint64("buffer_dropped", ringBuffer.Dropped()),
	)

	logger.Info("waiting for goroutines to finish")
	wg.Wait()

	if pusher != nil {
		finalCtx, finalCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer finalCancel()
		if err := pusher.Flush(finalCtx); err != nil {
			logger.Error("failed final metrics push", zap.Error(err))
		}
	}

	return nil
}

type neverPushed struct{}

func (neverPushed) LastPushTime() time.Time { return time.Time{} }
