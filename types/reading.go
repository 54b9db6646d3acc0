package types

import (
	"time"

	"github.com/mjasion/balena-home/podwatch/decoder"
)

// ReadingType identifies the kind of advertisement a reading came from
type ReadingType string

const (
	ReadingTypeBattery ReadingType = "battery"
	ReadingTypePairing ReadingType = "pairing"
)

// Reading is a union of the readings buffered for export
type Reading struct {
	Type    ReadingType
	Battery *BatteryReading
	Pairing *PairingReading
}

// BatteryReading is a decoded battery frame stamped with its arrival time
type BatteryReading struct {
	Timestamp  time.Time
	Address    string
	DeviceName string // Friendly name from config, empty if unknown
	Report     decoder.BatteryReport
}

// PairingReading records that a device advertised its pairing frame
type PairingReading struct {
	Timestamp  time.Time
	Address    string
	DeviceName string
}

// NewBatteryReading wraps a report received at the given time
func NewBatteryReading(ts time.Time, name string, report decoder.BatteryReport) *Reading {
	return &Reading{
		Type: ReadingTypeBattery,
		Battery: &BatteryReading{
			Timestamp:  ts,
			Address:    report.Source,
			DeviceName: name,
			Report:     report,
		},
	}
}

// NewPairingReading wraps a pairing sighting received at the given time
func NewPairingReading(ts time.Time, name, address string) *Reading {
	return &Reading{
		Type: ReadingTypePairing,
		Pairing: &PairingReading{
			Timestamp:  ts,
			Address:    address,
			DeviceName: name,
		},
	}
}

// GetTimestamp returns the timestamp of the reading regardless of type
func (r *Reading) GetTimestamp() time.Time {
	switch r.Type {
	case ReadingTypeBattery:
		return r.Battery.Timestamp
	case ReadingTypePairing:
		return r.Pairing.Timestamp
	default:
		return time.Time{}
	}
}

// GetAddress returns the advertiser address regardless of type
func (r *Reading) GetAddress() string {
	switch r.Type {
	case ReadingTypeBattery:
		return r.Battery.Address
	case ReadingTypePairing:
		return r.Pairing.Address
	default:
		return ""
	}
}
