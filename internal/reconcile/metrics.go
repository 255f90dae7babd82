package reconcile

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts facts by source and outcome. A nil *Metrics is valid.
type Metrics struct {
	Facts *prometheus.CounterVec
	Runs  *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		Facts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "consentledger_reconcile_facts_total",
			Help: "Reconciliation facts by source and outcome",
		}, []string{"source", "outcome"}),
		Runs: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "consentledger_reconcile_runs_total",
			Help: "Reconciliation source runs by result",
		}, []string{"source", "result"}),
	}
}

func (m *Metrics) incFact(source string, outcome Outcome) {
	if m == nil {
		return
	}
	m.Facts.WithLabelValues(source, string(outcome)).Inc()
}

func (m *Metrics) incRun(source string, ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.Runs.WithLabelValues(source, result).Inc()
}
