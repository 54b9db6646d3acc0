package metrics

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gogo/protobuf/proto"
	"github.com/golang/snappy"
	"github.com/mjasion/balena-home/podwatch/buffer"
	"github.com/mjasion/balena-home/podwatch/types"
	"github.com/prometheus/prometheus/prompb"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const pushAttempts = 3

// TimeSeriesBuilder converts readings to Prometheus time series
type TimeSeriesBuilder func(ctx context.Context, readings []*types.Reading) ([]prompb.TimeSeries, error)

// Config contains configuration for the Prometheus pusher
type Config struct {
	URL               string
	Username          string
	Password          string
	PushInterval      time.Duration
	BatchSize         int
	TimeSeriesBuilder TimeSeriesBuilder
}

// Pusher drains the reading buffer into a Prometheus remote_write endpoint
type Pusher struct {
	cfg     Config
	client  *http.Client
	buffer  *buffer.RingBuffer[*types.Reading]
	logger  *zap.Logger
	backoff func(attempt int) time.Duration

	mu       sync.RWMutex
	lastPush time.Time
}

// New creates a pusher whose HTTP client is instrumented with OpenTelemetry
func New(cfg Config, buf *buffer.RingBuffer[*types.Reading], logger *zap.Logger) *Pusher {
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 1
	}
	if cfg.TimeSeriesBuilder == nil {
		cfg.TimeSeriesBuilder = CombineBuilders(BuildBatteryTimeSeries, BuildPairingTimeSeries)
	}

	return &Pusher{
		cfg: cfg,
		client: &http.Client{
			Timeout: 30 * time.Second,
			Transport: otelhttp.NewTransport(
				http.DefaultTransport,
				otelhttp.WithSpanNameFormatter(func(string, *http.Request) string {
					return "prometheus.remote_write"
				}),
			),
		},
		buffer: buf,
		logger: logger,
		// 1s, 2s, 4s
		backoff: func(attempt int) time.Duration {
			return time.Duration(1<<(attempt-1)) * time.Second
		},
	}
}

// Start pushes buffered readings every PushInterval until ctx is done
func (p *Pusher) Start(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.PushInterval)
	defer ticker.Stop()

	p.logger.Info("prometheus pusher started",
		zap.Duration("push_interval", p.cfg.PushInterval),
		zap.Int("batch_size", p.cfg.BatchSize),
	)

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("prometheus pusher stopping")
			return
		case <-ticker.C:
			if err := p.Flush(ctx); err != nil {
				p.logger.Error("failed to push readings", zap.Error(err))
			}
		}
	}
}

// Flush drains the buffer and pushes it in batches, oldest reading first. On
// failure the failed batch and everything after it go back into the buffer.
// An empty buffer counts as a successful push: readings only exist while
// earbuds are in range.
func (p *Pusher) Flush(ctx context.Context) error {
	readings := p.buffer.Drain()
	if len(readings) == 0 {
		p.logger.Debug("no readings to push")
		p.markPushed()
		return nil
	}

	// Requeued readings sit behind newer ones in the buffer
	sort.SliceStable(readings, func(i, j int) bool {
		return readings[i].GetTimestamp().Before(readings[j].GetTimestamp())
	})

	for start := 0; start < len(readings); start += p.cfg.BatchSize {
		end := min(start+p.cfg.BatchSize, len(readings))

		if err := p.Push(ctx, readings[start:end]); err != nil {
			p.buffer.Requeue(readings[start:])
			p.logger.Warn("re-added unpushed readings to buffer",
				zap.Int("requeued_readings", len(readings)-start))
			return err
		}
	}
	return nil
}

// Push sends readings with up to three attempts and exponential backoff
func (p *Pusher) Push(ctx context.Context, readings []*types.Reading) error {
	ctx, span := otel.Tracer("metrics").Start(ctx, "metrics.Push",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.Int("metrics.total_readings", len(readings))),
	)
	defer span.End()

	if len(readings) == 0 {
		span.SetStatus(codes.Ok, "no readings to push")
		return nil
	}

	timeSeries, err := p.cfg.TimeSeriesBuilder(ctx, readings)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "builder failed")
		return fmt.Errorf("time series builder failed: %w", err)
	}
	writeReq := &prompb.WriteRequest{Timeseries: timeSeries}

	var lastErr error
	for attempt := 1; attempt <= pushAttempts; attempt++ {
		span.AddEvent("push attempt", trace.WithAttributes(attribute.Int("metrics.attempt", attempt)))

		lastErr = p.pushOnce(ctx, writeReq)
		if lastErr == nil {
			p.markPushed()

			p.logger.Info("successfully pushed metrics",
				zap.Int("readings", len(readings)),
				zap.Int("time_series", len(timeSeries)),
				zap.Int("attempt", attempt),
			)
			span.SetStatus(codes.Ok, "metrics pushed successfully")
			return nil
		}

		p.logger.Warn("failed to push metrics, will retry",
			zap.Int("attempt", attempt),
			zap.Error(lastErr),
		)

		if attempt < pushAttempts {
			select {
			case <-ctx.Done():
				span.RecordError(ctx.Err())
				span.SetStatus(codes.Error, "context cancelled")
				return ctx.Err()
			case <-time.After(p.backoff(attempt)):
			}
		}
	}

	span.RecordError(lastErr)
	span.SetStatus(codes.Error, "push failed")
	return fmt.Errorf("failed to push metrics after %d attempts: %w", pushAttempts, lastErr)
}

func (p *Pusher) pushOnce(ctx context.Context, writeReq *prompb.WriteRequest) error {
	data, err := proto.Marshal(writeReq)
	if err != nil {
		return fmt.Errorf("failed to marshal protobuf: %w", err)
	}
	compressed := snappy.Encode(nil, data)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.URL, bytes.NewReader(compressed))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/x-protobuf")
	req.Header.Set("Content-Encoding", "snappy")
	req.Header.Set("X-Prometheus-Remote-Write-Version", "0.1.0")
	if p.cfg.Username != "" && p.cfg.Password != "" {
		req.SetBasicAuth(p.cfg.Username, p.cfg.Password)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("received non-2xx status code: %d, body: %s", resp.StatusCode, string(body))
	}
	return nil
}

func (p *Pusher) markPushed() {
	p.mu.Lock()
	p.lastPush = time.Now()
	p.mu.Unlock()
}

// LastPushTime returns the time of the last successful push
func (p *Pusher) LastPushTime() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastPush
}
