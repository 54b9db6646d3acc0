package scanner

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/mjasion/balena-home/podwatch/decoder"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"
)

// ErrScanStartFailed is returned by Start when the radio rejects the scan
var ErrScanStartFailed = errors.New("scan start failed")

// State of a scan session
type State int

const (
	StateCreated State = iota
	StateIdle
	StateScanning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateIdle:
		return "idle"
	case StateScanning:
		return "scanning"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Observer receives decoded advertisements. Calls are made from the radio
// delivery path and must return quickly.
type Observer interface {
	OnReport(report decoder.BatteryReport)
	OnPairing(source string)
}

// Stats counts what the controller has routed since it was created
type Stats struct {
	Results        uint64
	WithoutData    uint64
	Reports        uint64
	Pairings       uint64
	ObserverPanics uint64
	Ignored        map[decoder.IgnoreReason]uint64
}

// IgnoredTotal sums the ignored counters over all reasons
func (s Stats) IgnoredTotal() uint64 {
	var total uint64
	for _, n := range s.Ignored {
		total += n
	}
	return total
}

type instruments struct {
	results metric.Int64Counter
	outcome metric.Int64Counter
}

func newInstruments(logger *zap.Logger) instruments {
	meter := otel.Meter("scanner")

	results, err := meter.Int64Counter("podwatch.scan.results",
		metric.WithDescription("Scan results delivered by the radio"))
	if err != nil {
		logger.Warn("failed to create results counter", zap.Error(err))
		results = noop.Int64Counter{}
	}

	outcome, err := meter.Int64Counter("podwatch.scan.outcomes",
		metric.WithDescription("Decoded Apple advertisements by outcome"))
	if err != nil {
		logger.Warn("failed to create outcomes counter", zap.Error(err))
		outcome = noop.Int64Counter{}
	}

	return instruments{results: results, outcome: outcome}
}

// Controller owns the LE scanner for one observer. It is sticky: once started
// it keeps delivering until Stop, no matter how often Start is repeated.
type Controller struct {
	radio    Radio
	observer Observer
	logger   *zap.Logger
	filters  []Filter
	settings Settings
	inst     instruments

	mu         sync.Mutex
	state      State
	scanner    LEScanner
	sink       *session
	generation uint64

	// active holds the id of the session allowed to deliver, 0 when none
	active atomic.Uint64

	deliverMu sync.Mutex
	stats     Stats
}

// New creates a controller in the Created state
func New(radio Radio, observer Observer, logger *zap.Logger) *Controller {
	return &Controller{
		radio:    radio,
		observer: observer,
		logger:   logger,
		filters:  BuildFilters(),
		settings: DefaultSettings(),
		inst:     newInstruments(logger),
		state:    StateCreated,
		stats: Stats{
			Ignored: make(map[decoder.IgnoreReason]uint64),
		},
	}
}

// OnCreate moves a freshly created controller to Idle
func (c *Controller) OnCreate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.logger.Debug("onCreate", zap.Stringer("state", c.state))
	if c.state == StateCreated {
		c.state = StateIdle
	}
}

// OnStart is the harness start hook
func (c *Controller) OnStart(ctx context.Context) error {
	c.logger.Debug("onStart")
	return c.Start(ctx)
}

// OnDestroy is the harness teardown hook
func (c *Controller) OnDestroy(ctx context.Context) error {
	c.logger.Debug("onDestroy")
	return c.Stop(ctx)
}

// State returns the current session state
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Stats returns a snapshot of the routing counters. It waits for the batch
// being routed, so it must not be called from an Observer.
func (c *Controller) Stats() Stats {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()

	snapshot := c.stats
	snapshot.Ignored = make(map[decoder.IgnoreReason]uint64, len(c.stats.Ignored))
	for reason, n := range c.stats.Ignored {
		snapshot.Ignored[reason] = n
	}
	return snapshot
}

// Start resolves the adapter and scanner and begins scanning. A missing
// adapter or scanner is logged and leaves the controller Idle without error;
// a radio error is returned wrapped in ErrScanStartFailed.
func (c *Controller) Start(ctx context.Context) error {
	_, span := otel.Tracer("scanner").Start(ctx, "scanner.Start")
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateScanning {
		c.logger.Debug("scan already running")
		span.SetStatus(codes.Ok, "already scanning")
		return nil
	}
	c.state = StateIdle

	adapter := c.radio.DefaultAdapter()
	if adapter == nil {
		c.logger.Warn("bluetooth adapter unavailable, ignored")
		span.SetStatus(codes.Ok, "adapter unavailable")
		return nil
	}

	le := adapter.LEScanner()
	if le == nil {
		c.logger.Warn("bluetooth LE scanner unavailable, ignored")
		span.SetStatus(codes.Ok, "scanner unavailable")
		return nil
	}

	c.generation++
	sess := &session{controller: c, id: c.generation}
	c.active.Store(sess.id)

	c.logger.Info("starting BLE scan",
		zap.Stringer("scan_mode", c.settings.Mode),
		zap.Duration("report_delay", c.settings.ReportDelay),
		zap.Int("filter_count", len(c.filters)),
	)

	if err := le.StartScan(c.filters, c.settings, sess); err != nil {
		c.active.Store(0)
		span.RecordError(err)
		span.SetStatus(codes.Error, "start scan failed")
		c.logger.Error("failed to start BLE scan", zap.Error(err))
		return fmt.Errorf("%w: %w", ErrScanStartFailed, err)
	}

	c.scanner = le
	c.sink = sess
	c.state = StateScanning
	span.SetAttributes(attribute.Int64("scanner.session", int64(sess.id)))
	span.SetStatus(codes.Ok, "scanning")
	return nil
}

// Stop stops the running scan, if any, and releases the scanner. It is safe
// to call in any state and from inside an observer.
func (c *Controller) Stop(ctx context.Context) error {
	_, span := otel.Tracer("scanner").Start(ctx, "scanner.Stop")
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.active.Store(0)
	c.state = StateStopped

	if c.scanner == nil {
		span.SetStatus(codes.Ok, "no scanner")
		return nil
	}

	le, sink := c.scanner, c.sink
	c.scanner = nil
	c.sink = nil

	c.logger.Info("stopping BLE scan")
	if err := le.StopScan(sink); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "stop scan failed")
		return fmt.Errorf("failed to stop BLE scan: %w", err)
	}

	span.SetStatus(codes.Ok, "stopped")
	return nil
}

func (c *Controller) scanFailed(id uint64, err error) {
	c.mu.Lock()
	if c.active.Load() != id {
		c.mu.Unlock()
		return
	}
	c.active.Store(0)
	c.scanner = nil
	c.sink = nil
	c.state = StateIdle
	c.mu.Unlock()

	c.logger.Error("BLE scan aborted by radio", zap.Uint64("session", id), zap.Error(err))
}

// route delivers results in order. Results of a session that is no longer
// active are dropped.
func (c *Controller) route(id uint64, results []ScanResult) {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()

	for _, result := range results {
		if c.active.Load() != id {
			return
		}
		c.handleResult(result)
	}
}

func (c *Controller) handleResult(result ScanResult) {
	ctx := context.Background()
	c.stats.Results++
	c.inst.results.Add(ctx, 1)

	data := result.ManufacturerSpecificData(decoder.ManufacturerID)
	if data == nil {
		c.stats.WithoutData++
		return
	}

	c.logger.Debug("manufacturer data",
		zap.String("address", result.Address),
		zap.Int16("rssi_dbm", result.RSSI),
		zap.String("data", hex.EncodeToString(data)),
	)

	outcome := decoder.Decode(data, result.Address)
	c.inst.outcome.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", outcome.Kind.String()),
		attribute.String("reason", string(outcome.Reason)),
	))

	switch outcome.Kind {
	case decoder.KindIgnored:
		c.stats.Ignored[outcome.Reason]++
		c.logger.Debug("ignored advertisement",
			zap.String("address", result.Address),
			zap.String("reason", string(outcome.Reason)),
			zap.Uint64("ignored_count", c.stats.Ignored[outcome.Reason]),
		)
	case decoder.KindPairing:
		c.stats.Pairings++
		c.notify(outcome, func() { c.observer.OnPairing(outcome.Source) })
	case decoder.KindBattery:
		c.stats.Reports++
		c.notify(outcome, func() { c.observer.OnReport(outcome.Report) })
	}
}

func (c *Controller) notify(outcome decoder.Outcome, call func()) {
	defer func() {
		if r := recover(); r != nil {
			c.stats.ObserverPanics++
			c.logger.Error("observer panicked",
				zap.String("address", outcome.Source),
				zap.Stringer("kind", outcome.Kind),
				zap.Any("panic", r),
			)
		}
	}()
	call()
}

// session is the Sink handed to the radio for one StartScan call
type session struct {
	controller *Controller
	id         uint64
}

func (s *session) OnScanResult(result ScanResult) {
	s.controller.route(s.id, []ScanResult{result})
}

func (s *session) OnBatchScanResults(results []ScanResult) {
	s.controller.route(s.id, results)
}

func (s *session) OnScanFailed(err error) {
	s.controller.scanFailed(s.id, err)
}
