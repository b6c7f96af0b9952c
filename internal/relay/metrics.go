package relay

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the relay's Prometheus collectors. Each instance owns its
// registry so several relays can live in one process.
type Metrics struct {
	registry    *prometheus.Registry
	connections prometheus.Gauge
	envelopes   *prometheus.CounterVec
	evictions   prometheus.Counter
}

// NewMetrics creates and registers the relay collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "huddle_connections",
			Help: "Number of registered user connections.",
		}),
		envelopes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "huddle_envelopes_total",
			Help: "Envelopes handled by the relay by kind and routing outcome.",
		}, []string{"kind", "outcome"}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "huddle_evictions_total",
			Help: "Connections closed because the same user connected again.",
		}),
	}
	m.registry.MustRegister(m.connections, m.envelopes, m.evictions)
	return m
}

// Handler serves the collectors in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) observeEnvelope(kind string, outcome Outcome) {
	m.envelopes.WithLabelValues(kind, outcome.String()).Inc()
}
