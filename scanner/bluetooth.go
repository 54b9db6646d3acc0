package scanner

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"tinygo.org/x/bluetooth"
)

// startWindow is how long StartScan waits for Adapter.Scan to fail before
// considering the scan started. Adapter.Scan blocks while scanning.
const startWindow = 200 * time.Millisecond

var errScanEnded = errors.New("scan ended unexpectedly")

// BluetoothRadio adapts tinygo bluetooth to the Radio interface. The stack has
// no hardware filters or batched delivery, so both are done in software.
type BluetoothRadio struct {
	adapter *bluetooth.Adapter
	logger  *zap.Logger

	mu      sync.Mutex
	enabled bool
}

// NewBluetoothRadio wraps the given adapter, usually bluetooth.DefaultAdapter
func NewBluetoothRadio(adapter *bluetooth.Adapter, logger *zap.Logger) *BluetoothRadio {
	return &BluetoothRadio{
		adapter: adapter,
		logger:  logger,
	}
}

// DefaultAdapter enables the BLE stack on first use. It returns nil when
// there is no adapter or it cannot be enabled.
func (r *BluetoothRadio) DefaultAdapter() Adapter {
	if r.adapter == nil {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.enabled {
		r.logger.Info("initializing BLE adapter")
		if err := r.adapter.Enable(); err != nil {
			r.logger.Warn("failed to enable BLE adapter", zap.Error(err))
			return nil
		}
		r.enabled = true
		r.logger.Info("BLE adapter initialized successfully")
	}

	return &bluetoothAdapter{adapter: r.adapter, logger: r.logger}
}

type bluetoothAdapter struct {
	adapter *bluetooth.Adapter
	logger  *zap.Logger
}

func (a *bluetoothAdapter) LEScanner() LEScanner {
	return &bluetoothScanner{
		scan:     a.adapter.Scan,
		stopScan: a.adapter.StopScan,
		logger:   a.logger,
	}
}

type bluetoothScanner struct {
	scan     func(func(*bluetooth.Adapter, bluetooth.ScanResult)) error
	stopScan func() error
	logger   *zap.Logger

	mu      sync.Mutex
	running bool
	stop    chan struct{}
}

func (s *bluetoothScanner) StartScan(filters []Filter, settings Settings, sink Sink) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return errors.New("scan already running")
	}

	b := newBatcher(filters, settings.ReportDelay, sink)
	stop := make(chan struct{})
	errCh := make(chan error, 1)

	go b.run(stop)
	go func() {
		errCh <- s.scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
			b.add(fromBluetooth(result))
		})
	}()

	select {
	case err := <-errCh:
		close(stop)
		if err == nil {
			err = errScanEnded
		}
		return fmt.Errorf("failed to start BLE scan: %w", err)
	case <-time.After(startWindow):
	}

	s.running = true
	s.stop = stop

	// Report a scan that ends without StopScan
	go func() {
		err := <-errCh

		s.mu.Lock()
		if !s.running || s.stop != stop {
			s.mu.Unlock()
			return
		}
		s.running = false
		close(stop)
		s.mu.Unlock()

		if err == nil {
			err = errScanEnded
		}
		s.logger.Warn("BLE scan ended", zap.Error(err))
		sink.OnScanFailed(err)
	}()

	return nil
}

// StopScan does not wait for in-flight deliveries, so it may be called from
// inside a Sink callback.
func (s *bluetoothScanner) StopScan(_ Sink) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}
	s.running = false
	close(s.stop)

	if err := s.stopScan(); err != nil {
		return fmt.Errorf("failed to stop BLE scan: %w", err)
	}
	return nil
}

func fromBluetooth(result bluetooth.ScanResult) ScanResult {
	out := ScanResult{
		Address: result.Address.String(),
		RSSI:    result.RSSI,
	}

	elements := result.ManufacturerData()
	if len(elements) > 0 {
		out.ManufacturerData = make(map[uint16][]byte, len(elements))
		for _, md := range elements {
			// The stack may reuse its buffers after the callback returns
			out.ManufacturerData[md.CompanyID] = bytes.Clone(md.Data)
		}
	}
	return out
}

// batcher applies the filters and delivers matching results either one by
// one (zero delay) or as a batch every delay.
type batcher struct {
	filters []Filter
	delay   time.Duration
	sink    Sink

	mu      sync.Mutex
	pending []ScanResult
}

func newBatcher(filters []Filter, delay time.Duration, sink Sink) *batcher {
	return &batcher{
		filters: filters,
		delay:   delay,
		sink:    sink,
	}
}

func (b *batcher) add(result ScanResult) {
	if !MatchAny(b.filters, result) {
		return
	}

	if b.delay <= 0 {
		b.sink.OnScanResult(result)
		return
	}

	b.mu.Lock()
	b.pending = append(b.pending, result)
	b.mu.Unlock()
}

func (b *batcher) flush() {
	b.mu.Lock()
	batch := b.pending
	b.pending = nil
	b.mu.Unlock()

	if len(batch) > 0 {
		b.sink.OnBatchScanResults(batch)
	}
}

func (b *batcher) run(stop <-chan struct{}) {
	if b.delay <= 0 {
		return
	}

	ticker := time.NewTicker(b.delay)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			b.flush()
		}
	}
}
