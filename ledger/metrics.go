package ledger

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains the prometheus metrics for ledger state changes
type Metrics struct {
	Eliminations *prometheus.CounterVec
	Revivals     prometheus.Counter
	KingChanges  prometheus.Counter
	SaveErrors   prometheus.Counter

	ActiveNodes prometheus.Gauge
	DeadNodes   prometheus.Gauge
	KingScore   prometheus.Gauge
}

// NewMetrics creates and registers the ledger metrics
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Eliminations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nodeking_eliminations_total",
				Help: "Nodes moved to the dead set, by cause",
			},
			[]string{"cause"},
		),
		Revivals: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nodeking_king_revivals_total",
			Help: "Historical kings brought back into the active set",
		}),
		KingChanges: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nodeking_king_changes_total",
			Help: "Times a different node was crowned",
		}),
		SaveErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nodeking_ledger_save_errors_total",
			Help: "Failed attempts to persist the ledger",
		}),
		ActiveNodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nodeking_active_nodes",
			Help: "Nodes in the active set",
		}),
		DeadNodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nodeking_dead_nodes",
			Help: "Nodes in the dead set",
		}),
		KingScore: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nodeking_king_score",
			Help: "Score of the current king, 0 when there is none",
		}),
	}

	reg.MustRegister(
		m.Eliminations,
		m.Revivals,
		m.KingChanges,
		m.SaveErrors,
		m.ActiveNodes,
		m.DeadNodes,
		m.KingScore,
	)

	return m
}
