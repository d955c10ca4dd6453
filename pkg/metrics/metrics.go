// Package metrics exposes the control plane's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the control plane's collectors, registered on a private
// registry so tests can create instances independently.
type Metrics struct {
	RunnersOnline    prometheus.Gauge
	SessionsActive   prometheus.Gauge
	EventsRouted     prometheus.Counter
	EventsDuplicate  prometheus.Counter
	PolicyViolations prometheus.Counter
	Subscribers      prometheus.Gauge

	registry *prometheus.Registry
}

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{
		RunnersOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "village_runners_online",
			Help: "Number of runners currently online.",
		}),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "village_sessions_active",
			Help: "Number of sessions in a non-terminal state.",
		}),
		EventsRouted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "village_events_routed_total",
			Help: "Runner events journaled and fanned out to subscribers.",
		}),
		EventsDuplicate: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "village_events_duplicate_total",
			Help: "Runner events discarded as replay duplicates.",
		}),
		PolicyViolations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "village_policy_violations_total",
			Help: "Commands refused by session policy.",
		}),
		Subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "village_ws_subscribers",
			Help: "Active websocket subscriber connections.",
		}),
		registry: prometheus.NewRegistry(),
	}
	m.registry.MustRegister(
		m.RunnersOnline, m.SessionsActive,
		m.EventsRouted, m.EventsDuplicate,
		m.PolicyViolations, m.Subscribers,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler returns the HTTP handler serving this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
