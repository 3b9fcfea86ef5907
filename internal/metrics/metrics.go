// Package metrics holds the Prometheus instrumentation for the baha daemon.
// One Metrics value is created at startup and threaded through the
// scheduler, collectors, fusion engine, and router; its Handler serves the
// standard exposition format on /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every collector registered by the daemon.
type Metrics struct {
	registry *prometheus.Registry

	// TicksTotal counts completed scheduler ticks.
	TicksTotal prometheus.Counter
	// FusionDuration observes the wall time of each fusion pass.
	FusionDuration prometheus.Histogram
	// EdgesUpdated is the number of edges touched by the last fusion pass.
	EdgesUpdated prometheus.Gauge
	// SourceFailures counts upstream failures by source name.
	SourceFailures *prometheus.CounterVec
	// InvalidRecords counts records dropped at ingress validation.
	InvalidRecords prometheus.Counter
	// ScoutDuplicates counts deduplicated scout submissions.
	ScoutDuplicates prometheus.Counter
	// CollectorPaused is 1 while a collector is paused by backpressure.
	CollectorPaused *prometheus.GaugeVec
	// RouteRequests counts route queries by outcome (ok, unreachable_endpoint,
	// no_safe_route, timeout, invalid).
	RouteRequests *prometheus.CounterVec
	// RouteDuration observes route search wall time.
	RouteDuration prometheus.Histogram
}

// New creates a Metrics value backed by its own registry, so tests can hold
// several without collisions.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		TicksTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "baha_ticks_total",
			Help: "Completed scheduler ticks.",
		}),
		FusionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "baha_fusion_duration_seconds",
			Help:    "Wall time of each hazard fusion pass.",
			Buckets: prometheus.DefBuckets,
		}),
		EdgesUpdated: factory.NewGauge(prometheus.GaugeOpts{
			Name: "baha_fusion_edges_updated",
			Help: "Edges touched by the last fusion pass.",
		}),
		SourceFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "baha_source_failures_total",
			Help: "Upstream source failures by source.",
		}, []string{"source"}),
		InvalidRecords: factory.NewCounter(prometheus.CounterOpts{
			Name: "baha_invalid_records_total",
			Help: "Records dropped at ingress validation.",
		}),
		ScoutDuplicates: factory.NewCounter(prometheus.CounterOpts{
			Name: "baha_scout_duplicates_total",
			Help: "Scout reports dropped as duplicates.",
		}),
		CollectorPaused: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "baha_collector_paused",
			Help: "1 while the collector is paused by inbox backpressure.",
		}, []string{"collector"}),
		RouteRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "baha_route_requests_total",
			Help: "Route queries by outcome.",
		}, []string{"outcome"}),
		RouteDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "baha_route_duration_seconds",
			Help:    "Route search wall time.",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5},
		}),
	}
}

// Handler serves the registry in the Prometheus text exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
