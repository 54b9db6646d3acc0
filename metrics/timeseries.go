package metrics

import (
	"context"
	"sort"

	"github.com/mjasion/balena-home/podwatch/decoder"
	"github.com/mjasion/balena-home/podwatch/types"
	"github.com/prometheus/prometheus/prompb"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Metric names
const (
	MetricBatteryLevel   = "airpods_battery_level"
	MetricBatteryPercent = "airpods_battery_percent"
	MetricCharging       = "airpods_charging"
	MetricPairing        = "airpods_pairing_advertisement"
)

// Components of a battery report
const (
	ComponentLeft  = "left"
	ComponentRight = "right"
	ComponentCase  = "case"
)

type deviceKey struct {
	name    string
	address string
}

type component struct {
	name     string
	level    uint8
	charging bool
}

func components(r decoder.BatteryReport) []component {
	return []component{
		{name: ComponentLeft, level: r.Left, charging: r.LeftCharging},
		{name: ComponentRight, level: r.Right, charging: r.RightCharging},
		{name: ComponentCase, level: r.Case, charging: r.CaseCharging},
	}
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// newSeries builds a time series with labels sorted by name, as remote write
// receivers expect
func newSeries(name string, labels map[string]string, samples []prompb.Sample) prompb.TimeSeries {
	ls := make([]prompb.Label, 0, len(labels)+1)
	ls = append(ls, prompb.Label{Name: "__name__", Value: name})
	for k, v := range labels {
		if v == "" {
			continue
		}
		ls = append(ls, prompb.Label{Name: k, Value: v})
	}
	sort.Slice(ls, func(i, j int) bool { return ls[i].Name < ls[j].Name })

	return prompb.TimeSeries{Labels: ls, Samples: samples}
}

// BuildBatteryTimeSeries builds per-component level, percent and charging
// series for every device seen in the readings
func BuildBatteryTimeSeries(ctx context.Context, readings []*types.Reading) ([]prompb.TimeSeries, error) {
	_, span := otel.Tracer("metrics").Start(ctx, "metrics.BuildBatteryTimeSeries")
	defer span.End()

	grouped := make(map[deviceKey][]*types.BatteryReading)
	var order []deviceKey
	for _, r := range readings {
		if r.Type != types.ReadingTypeBattery || r.Battery == nil {
			continue
		}
		key := deviceKey{name: r.Battery.DeviceName, address: r.Battery.Address}
		if _, ok := grouped[key]; !ok {
			order = append(order, key)
		}
		grouped[key] = append(grouped[key], r.Battery)
	}

	if len(order) == 0 {
		span.SetStatus(codes.Ok, "no battery readings")
		return nil, nil
	}

	var timeSeries []prompb.TimeSeries
	for _, key := range order {
		group := grouped[key]
		sort.SliceStable(group, func(a, b int) bool {
			return group[a].Timestamp.Before(group[b].Timestamp)
		})

		for i, comp := range []string{ComponentLeft, ComponentRight, ComponentCase} {
			labels := map[string]string{
				"device":    key.name,
				"address":   key.address,
				"component": comp,
			}

			var levels, percents, charging []prompb.Sample
			for _, r := range group {
				c := components(r.Report)[i]
				ts := r.Timestamp.UnixMilli()

				levels = append(levels, prompb.Sample{Value: float64(c.level), Timestamp: ts})
				charging = append(charging, prompb.Sample{Value: boolValue(c.charging), Timestamp: ts})
				// Unknown levels (15 for a disconnected earbud) have no percentage
				if pct, ok := decoder.LevelPercent(c.level); ok {
					percents = append(percents, prompb.Sample{Value: float64(pct), Timestamp: ts})
				}
			}

			timeSeries = append(timeSeries, newSeries(MetricBatteryLevel, labels, levels))
			timeSeries = append(timeSeries, newSeries(MetricCharging, labels, charging))
			if len(percents) > 0 {
				timeSeries = append(timeSeries, newSeries(MetricBatteryPercent, labels, percents))
			}
		}
	}

	span.SetAttributes(
		attribute.Int("metrics.battery_device_count", len(order)),
		attribute.Int("metrics.battery_time_series_count", len(timeSeries)),
	)
	span.SetStatus(codes.Ok, "battery time series built")

	return timeSeries, nil
}

// BuildPairingTimeSeries emits one sample per pairing advertisement
func BuildPairingTimeSeries(ctx context.Context, readings []*types.Reading) ([]prompb.TimeSeries, error) {
	_, span := otel.Tracer("metrics").Start(ctx, "metrics.BuildPairingTimeSeries")
	defer span.End()

	grouped := make(map[deviceKey][]prompb.Sample)
	var order []deviceKey
	for _, r := range readings {
		if r.Type != types.ReadingTypePairing || r.Pairing == nil {
			continue
		}
		key := deviceKey{name: r.Pairing.DeviceName, address: r.Pairing.Address}
		if _, ok := grouped[key]; !ok {
			order = append(order, key)
		}
		grouped[key] = append(grouped[key], prompb.Sample{Value: 1, Timestamp: r.Pairing.Timestamp.UnixMilli()})
	}

	var timeSeries []prompb.TimeSeries
	for _, key := range order {
		samples := grouped[key]
		sort.SliceStable(samples, func(a, b int) bool {
			return samples[a].Timestamp < samples[b].Timestamp
		})
		timeSeries = append(timeSeries, newSeries(MetricPairing, map[string]string{
			"device":  key.name,
			"address": key.address,
		}, samples))
	}

	span.SetAttributes(attribute.Int("metrics.pairing_time_series_count", len(timeSeries)))
	span.SetStatus(codes.Ok, "pairing time series built")

	return timeSeries, nil
}

// CombineBuilders concatenates the output of several builders
func CombineBuilders(builders ...TimeSeriesBuilder) TimeSeriesBuilder {
	return func(ctx context.Context, readings []*types.Reading) ([]prompb.TimeSeries, error) {
		var all []prompb.TimeSeries
		for _, build := range builders {
			ts, err := build(ctx, readings)
			if err != nil {
				return nil, err
			}
			all = append(all, ts...)
		}
		return all, nil
	}
}
