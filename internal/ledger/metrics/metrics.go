package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the ledger write path.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	Writes        *prometheus.CounterVec
	WriteRetries  prometheus.Counter
	CurrentFlips  prometheus.Counter
	WriteDuration prometheus.Histogram
}

// New registers the ledger metrics with reg, or the default registerer when
// reg is nil.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		Writes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "consentledger_writes_total",
			Help: "Ledger writes by outcome",
		}, []string{"outcome"}),
		WriteRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "consentledger_write_retries_total",
			Help: "Ledger writes retried after a storage conflict",
		}),
		CurrentFlips: factory.NewCounter(prometheus.CounterOpts{
			Name: "consentledger_current_flips_total",
			Help: "Writes whose new version became the current version",
		}),
		WriteDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "consentledger_write_duration_seconds",
			Help:    "Duration of WriteVersion including retries",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),
	}
}

// ObserveWrite records the outcome and duration of one WriteVersion call.
// Call with time.Now() at the start of the operation.
func (m *Metrics) ObserveWrite(outcome string, start time.Time) {
	if m == nil {
		return
	}
	m.Writes.WithLabelValues(outcome).Inc()
	m.WriteDuration.Observe(time.Since(start).Seconds())
}

func (m *Metrics) IncrementRetries() {
	if m == nil {
		return
	}
	m.WriteRetries.Inc()
}

func (m *Metrics) IncrementCurrentFlips() {
	if m == nil {
		return
	}
	m.CurrentFlips.Inc()
}
