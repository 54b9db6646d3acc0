package main

import (
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mjasion/balena-home/podwatch/buffer"
	"github.com/mjasion/balena-home/podwatch/decoder"
	"github.com/mjasion/balena-home/podwatch/types"
)

type readingSink interface {
	Enqueue(r *types.Reading) bool
}

type reportClock interface {
	RecordReport(t time.Time)
}

// recorder is the scan observer: it stamps every decoded advertisement and
// hands it to the buffer, the MQTT publisher and the health checker
type recorder struct {
	buffer    *buffer.RingBuffer[*types.Reading]
	publisher readingSink
	health    reportClock
	names     map[string]string
	logger    *zap.Logger
	now       func() time.Time
}

func newRecorder(buf *buffer.RingBuffer[*types.Reading], names map[string]string, logger *zap.Logger) *recorder {
	return &recorder{
		buffer: buf,
		names:  names,
		logger: logger,
		now:    time.Now,
	}
}

func (r *recorder) OnReport(report decoder.BatteryReport) {
	ts := r.now()
	name := r.names[strings.ToUpper(report.Source)]

	r.logger.Info("battery_report",
		zap.String("address", report.Source),
		zap.String("device", name),
		zap.Uint8("left", report.Left),
		zap.Uint8("right", report.Right),
		zap.Uint8("case", report.Case),
		zap.Bool("left_charging", report.LeftCharging),
		zap.Bool("right_charging", report.RightCharging),
		zap.Bool("case_charging", report.CaseCharging),
	)

	r.record(ts, types.NewBatteryReading(ts, name, report))
}

func (r *recorder) OnPairing(source string) {
	ts := r.now()
	name := r.names[strings.ToUpper(source)]

	r.logger.Info("pairing_advertisement",
		zap.String("address", source),
		zap.String("device", name),
	)

	r.record(ts, types.NewPairingReading(ts, name, source))
}

func (r *recorder) record(ts time.Time, reading *types.Reading) {
	r.buffer.Add(reading)
	if r.health != nil {
		r.health.RecordReport(ts)
	}
	if r.publisher != nil {
		r.publisher.Enqueue(reading)
	}
}
