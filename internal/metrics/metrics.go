// Package metrics provides Prometheus metrics for the insights engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "insights"

// Query outcomes.
const (
	OutcomeOK          = "ok"
	OutcomeClientError = "client_error"
	OutcomeTimeout     = "timeout"
	OutcomeStoreError  = "store_error"
	OutcomeError       = "error"
)

// Collector holds all Prometheus metrics of the engine.
type Collector struct {
	QueriesTotal    *prometheus.CounterVec
	QueryDuration   *prometheus.HistogramVec
	CacheRequests   *prometheus.CounterVec
	RegistryReloads *prometheus.CounterVec
}

// New creates a collector registered with reg.
func New(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)
	return &Collector{
		QueriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "queries_total",
				Help:      "Total number of insight requests by domain, kind and outcome",
			},
			[]string{"domain", "kind", "outcome"},
		),
		QueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "query_duration_seconds",
				Help:      "Insight request duration in seconds, store round trips included",
				Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"domain", "kind"},
		),
		CacheRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_requests_total",
				Help:      "Query cache lookups by result",
			},
			[]string{"result"},
		),
		RegistryReloads: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "registry_reloads_total",
				Help:      "Warehouse registry reloads by outcome",
			},
			[]string{"outcome"},
		),
	}
}

// ObserveQuery records one finished request.
func (c *Collector) ObserveQuery(domain, kind, outcome string, elapsed time.Duration) {
	c.QueriesTotal.WithLabelValues(domain, kind, outcome).Inc()
	c.QueryDuration.WithLabelValues(domain, kind).Observe(elapsed.Seconds())
}

// CacheLookup records a cache hit or miss.
func (c *Collector) CacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	c.CacheRequests.WithLabelValues(result).Inc()
}

// RegistryReload records a registry reload attempt.
func (c *Collector) RegistryReload(err error) {
	outcome := OutcomeOK
	if err != nil {
		outcome = OutcomeError
	}
	c.RegistryReloads.WithLabelValues(outcome).Inc()
}
