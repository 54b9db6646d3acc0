// Package scanner owns the BLE scan session for Apple earbud advertisements:
// it builds the manufacturer data filters, drives the radio through its
// start/stop lifecycle and routes every delivered result through the decoder.
package scanner

import "time"

// ScanMode mirrors the duty-cycle settings exposed by BLE stacks
type ScanMode int

const (
	ScanModeLowPower ScanMode = iota
	ScanModeBalanced
	ScanModeLowLatency
)

func (m ScanMode) String() string {
	switch m {
	case ScanModeLowPower:
		return "low_power"
	case ScanModeBalanced:
		return "balanced"
	case ScanModeLowLatency:
		return "low_latency"
	default:
		return "unknown"
	}
}

// ReportDelay is how long the radio may batch results before delivering them
const ReportDelay = 500 * time.Millisecond

// Settings are handed to the radio together with the filters
type Settings struct {
	Mode        ScanMode
	ReportDelay time.Duration
}

// DefaultSettings returns the settings used for every scan session
func DefaultSettings() Settings {
	return Settings{
		Mode:        ScanModeLowLatency,
		ReportDelay: ReportDelay,
	}
}

// ScanResult is a single advertisement as delivered by the radio
type ScanResult struct {
	Address          string
	RSSI             int16
	ManufacturerData map[uint16][]byte
}

// ManufacturerSpecificData returns the payload advertised under the given
// company ID, or nil if the advertisement carries none.
func (r ScanResult) ManufacturerSpecificData(id uint16) []byte {
	if r.ManufacturerData == nil {
		return nil
	}
	return r.ManufacturerData[id]
}

// Sink receives scan results from an LEScanner
type Sink interface {
	OnScanResult(result ScanResult)
	OnBatchScanResults(results []ScanResult)
	// OnScanFailed is called when the radio aborts a running scan.
	OnScanFailed(err error)
}

// LEScanner is a low energy scanner handle obtained from an Adapter
type LEScanner interface {
	StartScan(filters []Filter, settings Settings, sink Sink) error
	StopScan(sink Sink) error
}

// Adapter is a local Bluetooth adapter. LEScanner returns nil when the
// adapter cannot scan (e.g. it is powered off).
type Adapter interface {
	LEScanner() LEScanner
}

// Radio resolves the default adapter, or nil if there is none
type Radio interface {
	DefaultAdapter() Adapter
}
