package probe

import (
	"context"
	"log/slog"
	"sync"

	"go.ntppool.org/common/metrics"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

var (
	probesTotal  metric.Int64Counter
	probeLatency metric.Float64Histogram

	setupOnce sync.Once
)

func initInstruments() {
	setupOnce.Do(func() {
		if err := initializeInstruments(); err != nil {
			slog.Default().ErrorContext(context.Background(), "probe metrics unavailable", "err", err)
			meter := noop.NewMeterProvider().Meter("nodeking.probe")
			probesTotal, _ = meter.Int64Counter("nodeking.probes_total")
			probeLatency, _ = meter.Float64Histogram("nodeking.probe_latency")
		}
	})
}

func initializeInstruments() error {
	meter := metrics.GetMeter("nodeking.probe")

	var err error
	probesTotal, err = meter.Int64Counter("nodeking.probes_total",
		metric.WithDescription("TCP connect probes by outcome"))
	if err != nil {
		return err
	}

	probeLatency, err = meter.Float64Histogram("nodeking.probe_latency",
		metric.WithDescription("TCP connect round trip time"),
		metric.WithUnit("ms"))
	if err != nil {
		return err
	}
	return nil
}
