package rendezvous

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the set of relay counters exported on /metrics.
type Metrics struct {
	Sessions      prometheus.Gauge
	Registrations *prometheus.CounterVec
	Envelopes     *prometheus.CounterVec
}

// NewMetrics registers the relay metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		Sessions: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: "plotsync",
			Subsystem: "relay",
			Name:      "sessions",
			Help:      "Number of registered device sessions",
		}),
		Registrations: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "plotsync",
			Subsystem: "relay",
			Name:      "registrations_total",
			Help:      "Registration attempts by result",
		}, []string{"result"}),
		Envelopes: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "plotsync",
			Subsystem: "relay",
			Name:      "envelopes_total",
			Help:      "Envelopes routed by result",
		}, []string{"result"}),
	}
}
