package hawk

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts verification outcomes. A nil *Metrics records nothing.
type Metrics struct {
	Accepted   prometheus.Counter
	Rejections *prometheus.CounterVec
	Replays    prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		Accepted: factory.NewCounter(prometheus.CounterOpts{
			Name: "consentledger_hawk_accepted_total",
			Help: "Requests that passed Hawk verification",
		}),
		Rejections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "consentledger_hawk_rejections_total",
			Help: "Requests rejected by Hawk verification, by reason",
		}, []string{"reason"}),
		Replays: factory.NewCounter(prometheus.CounterOpts{
			Name: "consentledger_hawk_replays_total",
			Help: "Requests rejected because their nonce was already used",
		}),
	}
}

func (m *Metrics) IncAccepted() {
	if m == nil {
		return
	}
	m.Accepted.Inc()
}

func (m *Metrics) IncRejection(reason string) {
	if m == nil {
		return
	}
	m.Rejections.WithLabelValues(reason).Inc()
}

func (m *Metrics) IncReplay() {
	if m == nil {
		return
	}
	m.Replays.Inc()
}
