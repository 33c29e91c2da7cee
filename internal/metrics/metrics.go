// Package metrics exposes delivery counters for the notification agent.
//
// All methods are safe on a nil *Metrics so components can be built without
// a registry (tests, minimal runs).
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tajpoint"

type Metrics struct {
	reg *prometheus.Registry

	claims         *prometheus.CounterVec
	renders        *prometheus.CounterVec
	versionChecks  *prometheus.CounterVec
	realtimeStatus *prometheus.CounterVec
	realtimeUp     prometheus.Gauge
	pollFetches    prometheus.Counter
	scheduled      prometheus.Gauge
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		reg: reg,
		claims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claims_total",
			Help:      "Delivery coordinator claim decisions.",
		}, []string{"result"}),
		renders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "renders_total",
			Help:      "Notification render attempts by sink and outcome.",
		}, []string{"sink", "outcome"}),
		versionChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "version_checks_total",
			Help:      "Version monitor checks by result.",
		}, []string{"result"}),
		realtimeStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "realtime_status_total",
			Help:      "Realtime channel lifecycle statuses observed.",
		}, []string{"status"}),
		realtimeUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "realtime_joined",
			Help:      "1 when the realtime channel is joined.",
		}),
		pollFetches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_fetches_total",
			Help:      "Fetches performed by the poll fallback.",
		}),
		scheduled: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scheduled_notifications",
			Help:      "Pending background reminders.",
		}),
	}
	reg.MustRegister(m.claims, m.renders, m.versionChecks, m.realtimeStatus, m.realtimeUp, m.pollFetches, m.scheduled)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry (tests use it with testutil).
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

func (m *Metrics) ClaimGranted() {
	if m == nil {
		return
	}
	m.claims.WithLabelValues("granted").Inc()
}

func (m *Metrics) ClaimDenied(reason string) {
	if m == nil {
		return
	}
	m.claims.WithLabelValues(reason).Inc()
}

func (m *Metrics) Render(sink, outcome string) {
	if m == nil {
		return
	}
	m.renders.WithLabelValues(sink, outcome).Inc()
}

func (m *Metrics) VersionCheck(result string) {
	if m == nil {
		return
	}
	m.versionChecks.WithLabelValues(result).Inc()
}

func (m *Metrics) RealtimeStatus(status string, joined bool) {
	if m == nil {
		return
	}
	m.realtimeStatus.WithLabelValues(status).Inc()
	if joined {
		m.realtimeUp.Set(1)
	} else {
		m.realtimeUp.Set(0)
	}
}

func (m *Metrics) PollFetch() {
	if m == nil {
		return
	}
	m.pollFetches.Inc()
}

func (m *Metrics) Scheduled(n int) {
	if m == nil {
		return
	}
	m.scheduled.Set(float64(n))
}

// ClaimsCounter returns the claims counter for one result label.
func (m *Metrics) ClaimsCounter(result string) prometheus.Counter {
	return m.claims.WithLabelValues(result)
}
