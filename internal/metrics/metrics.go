// Package metrics exposes Prometheus counters for the tracking endpoints.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "abtrack"

// Ingestion paths used as the "path" label.
const (
	PathTrack  = "track"
	PathBeacon = "beacon"
)

// Rejection reasons used as the "reason" label.
const (
	ReasonOrigin    = "origin"
	ReasonRateLimit = "rate_limit"
	ReasonSignature = "signature"
	ReasonInvalid   = "invalid"
	ReasonDuplicate = "duplicate"
	ReasonStorage   = "storage"
)

// Metrics holds the collectors of one server instance.
type Metrics struct {
	registry *prometheus.Registry

	EventsAccepted  *prometheus.CounterVec
	EventsRejected  *prometheus.CounterVec
	StatsRequests   *prometheus.CounterVec
	Leads           *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// New creates the collectors on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		EventsAccepted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_accepted_total",
			Help:      "Tracking events persisted, by ingestion path, event type and variant",
		}, []string{"path", "event_type", "variant"}),
		EventsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_rejected_total",
			Help:      "Tracking events rejected, by ingestion path and reason",
		}, []string{"path", "reason"}),
		StatsRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stats_requests_total",
			Help:      "Reporting requests, by outcome",
		}, []string{"outcome"}),
		Leads: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "leads_total",
			Help:      "Lead submissions, by outcome",
		}, []string{"outcome"}),
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency, by route and status code",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "status"}),
	}
}

// Accepted counts a persisted event.
func (m *Metrics) Accepted(path, eventType, variant string) {
	m.EventsAccepted.WithLabelValues(path, eventType, variant).Inc()
}

// Rejected counts a rejected event.
func (m *Metrics) Rejected(path, reason string) {
	m.EventsRejected.WithLabelValues(path, reason).Inc()
}

func (m *Metrics) Stats(outcome string) {
	m.StatsRequests.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Lead(outcome string) {
	m.Leads.WithLabelValues(outcome).Inc()
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
