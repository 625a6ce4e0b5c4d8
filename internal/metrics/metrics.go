// Package metrics replaces the teacher's hand-rolled atomic-counter
// /metrics text formatter with the real Prometheus client, registering
// the daemon's HTTP request/error surface plus the signer- and
// peer-specific gauges SPEC_FULL's domain stack calls for.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal prometheus.Counter
	httpErrorsTotal   prometheus.Counter
	droppedEvents     prometheus.Counter
	peersOnline       prometheus.Gauge
	activeSigners     prometheus.Gauge
	signOpsTotal      *prometheus.CounterVec
	rateLimitHits     *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		httpRequestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "igloo_http_requests_total",
			Help: "Total number of HTTP requests served by the admin surface.",
		}),
		httpErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "igloo_http_errors_total",
			Help: "Total number of HTTP requests that ended in a 5xx response.",
		}),
		droppedEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "igloo_events_dropped_total",
			Help: "Admin event-stream events dropped because the websocket write failed.",
		}),
		peersOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "igloo_peers_online",
			Help: "Number of co-signer peers currently observed online.",
		}),
		activeSigners: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "igloo_active_signers",
			Help: "Number of users with a running (signer, agent) pair.",
		}),
		signOpsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "igloo_sign_operations_total",
			Help: "Signer dispatch operations by method and outcome.",
		}, []string{"method", "outcome"}),
		rateLimitHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "igloo_rate_limit_denied_total",
			Help: "Requests denied by the persistent rate limiter, by bucket.",
		}, []string{"bucket"}),
	}
	reg.MustRegister(
		m.httpRequestsTotal, m.httpErrorsTotal, m.droppedEvents,
		m.peersOnline, m.activeSigners, m.signOpsTotal, m.rateLimitHits,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) IncHTTPRequest()          { m.httpRequestsTotal.Inc() }
func (m *Metrics) IncHTTPError()            { m.httpErrorsTotal.Inc() }
func (m *Metrics) IncDroppedEvent()         { m.droppedEvents.Inc() }
func (m *Metrics) SetPeersOnline(n int)     { m.peersOnline.Set(float64(n)) }
func (m *Metrics) SetActiveSigners(n int)   { m.activeSigners.Set(float64(n)) }
func (m *Metrics) ObserveSignOp(method, outcome string) {
	m.signOpsTotal.WithLabelValues(method, outcome).Inc()
}
func (m *Metrics) ObserveRateLimitDenied(bucket string) {
	m.rateLimitHits.WithLabelValues(bucket).Inc()
}

// Handler serves the registry in the standard Prometheus text exposition
// format, mounted at /metrics alongside the JSON admin API.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
