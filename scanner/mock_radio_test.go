package scanner

import (
	"errors"
	"fmt"
	"sync"

	"github.com/mjasion/balena-home/podwatch/decoder"
)

// mockRadio hands out a fixed adapter, or none when adapter is nil.
type mockRadio struct {
	mu           sync.Mutex
	adapter      *mockAdapter
	adapterCalls int
}

func (r *mockRadio) DefaultAdapter() Adapter {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapterCalls++
	if r.adapter == nil {
		return nil
	}
	return r.adapter
}

func (r *mockRadio) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.adapterCalls
}

type mockAdapter struct {
	scanner *mockScanner
}

func (a *mockAdapter) LEScanner() LEScanner {
	if a.scanner == nil {
		return nil
	}
	return a.scanner
}

// mockScanner records start/stop calls and lets tests deliver results
// through the sink it was started with.
type mockScanner struct {
	mu         sync.Mutex
	startErr   error
	stopErr    error
	startCalls int
	stopCalls  int
	filters    []Filter
	settings   Settings
	sink       Sink
	stopSinks  []Sink
}

func (s *mockScanner) StartScan(filters []Filter, settings Settings, sink Sink) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startCalls++
	if s.startErr != nil {
		return s.startErr
	}
	s.filters = filters
	s.settings = settings
	s.sink = sink
	return nil
}

func (s *mockScanner) StopScan(sink Sink) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopCalls++
	s.stopSinks = append(s.stopSinks, sink)
	return s.stopErr
}

func (s *mockScanner) currentSink() Sink {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sink
}

func (s *mockScanner) counts() (start, stop int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startCalls, s.stopCalls
}

func newMockRadio() (*mockRadio, *mockScanner) {
	sc := &mockScanner{}
	return &mockRadio{adapter: &mockAdapter{scanner: sc}}, sc
}

var errRadio = errors.New("radio busy")

// recordingObserver keeps every call as a readable event string.
type recordingObserver struct {
	mu      sync.Mutex
	events  []string
	reports []decoder.BatteryReport
	onEvent func()
	panicOn string
}

func (o *recordingObserver) OnReport(report decoder.BatteryReport) {
	o.record(fmt.Sprintf("report:%s", report.Source))
	o.mu.Lock()
	o.reports = append(o.reports, report)
	o.mu.Unlock()
}

func (o *recordingObserver) OnPairing(source string) {
	o.record(fmt.Sprintf("pairing:%s", source))
}

func (o *recordingObserver) record(event string) {
	o.mu.Lock()
	o.events = append(o.events, event)
	hook := o.onEvent
	panicOn := o.panicOn
	o.mu.Unlock()

	if panicOn != "" && event == panicOn {
		panic("observer failure")
	}
	if hook != nil {
		hook()
	}
}

func (o *recordingObserver) snapshot() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.events...)
}

func batteryData(flags, earpiece, charger byte) []byte {
	data := make([]byte, 2+decoder.DataLengthBattery)
	data[0] = decoder.Magic
	data[1] = decoder.DataLengthBattery
	data[5] = flags
	data[6] = earpiece
	data[7] = charger
	return data
}

func pairingData() []byte {
	data := make([]byte, 2+decoder.DataLengthPairing)
	data[0] = decoder.Magic
	data[1] = decoder.DataLengthPairing
	return data
}

func appleResult(address string, data []byte) ScanResult {
	return ScanResult{
		Address:          address,
		RSSI:             -60,
		ManufacturerData: map[uint16][]byte{decoder.ManufacturerID: data},
	}
}
