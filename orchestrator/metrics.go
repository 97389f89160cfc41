package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains the prometheus metrics for evaluation batches
type Metrics struct {
	BatchDuration prometheus.Histogram
	Probes        *prometheus.CounterVec
	Survivors     prometheus.Gauge
	Batches       *prometheus.CounterVec
	DailyChecks   prometheus.Counter
}

// NewMetrics creates and registers the batch metrics
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		BatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "nodeking_batch_duration_seconds",
			Help:    "Time taken to probe and rank one batch",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		Probes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nodeking_batch_probes_total",
				Help: "Probe results applied to the ledger, by result",
			},
			[]string{"result"}, // success, failure, unparseable
		),
		Survivors: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nodeking_batch_survivors",
			Help: "Nodes published by the most recent batch",
		}),
		Batches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nodeking_batches_total",
				Help: "Completed batch runs, by status",
			},
			[]string{"status"}, // ok, empty, error
		),
		DailyChecks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nodeking_daily_checks_total",
			Help: "Daily maintenance passes triggered from a batch",
		}),
	}

	reg.MustRegister(
		m.BatchDuration,
		m.Probes,
		m.Survivors,
		m.Batches,
		m.DailyChecks,
	)

	return m
}
