// Package metrics holds the Prometheus instruments of the portal.
//
// All instruments live on a private registry so tests can create as many
// Metrics values as they like. Every method is safe on a nil *Metrics, which
// is what callers pass when they do not care about instrumentation.
package metrics

import (
	"database/sql"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "portal"

// Metrics bundles the instruments and their registry.
type Metrics struct {
	Registry *prometheus.Registry

	treeRebuilds    *prometheus.CounterVec
	rebuildDuration prometheus.Histogram
	treeRealms      prometheus.Gauge
	treeGeneration  prometheus.Gauge
	poolWait        prometheus.Histogram
	poolExhausted   prometheus.Counter
	requests        *prometheus.CounterVec
}

// New creates and registers all instruments.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		treeRebuilds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "realm_tree_rebuilds_total",
			Help:      "Realm tree rebuild attempts by result.",
		}, []string{"result"}),
		rebuildDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "realm_tree_rebuild_seconds",
			Help:      "Time spent loading and linking the realm tree.",
			Buckets:   prometheus.DefBuckets,
		}),
		treeRealms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "realm_tree_realms",
			Help:      "Number of realms in the installed snapshot.",
		}),
		treeGeneration: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "realm_tree_generation",
			Help:      "Generation of the installed snapshot.",
		}),
		poolWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "db_checkout_wait_seconds",
			Help:      "Time spent waiting for a pooled connection.",
			Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5},
		}),
		poolExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "db_pool_exhausted_total",
			Help:      "Checkouts that timed out waiting for a free connection.",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_requests_total",
			Help:      "API requests by transport and outcome.",
		}, []string{"transport", "outcome"}),
	}
	m.Registry.MustRegister(
		m.treeRebuilds,
		m.rebuildDuration,
		m.treeRealms,
		m.treeGeneration,
		m.poolWait,
		m.poolExhausted,
		m.requests,
		collectors.NewGoCollector(),
	)
	return m
}

// RegisterDB exports database/sql pool statistics for db.
func (m *Metrics) RegisterDB(db *sql.DB) {
	if m == nil {
		return
	}
	m.Registry.MustRegister(collectors.NewDBStatsCollector(db, namespace))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// ObserveRebuild records one rebuild attempt. realms and generation are only
// used on success.
func (m *Metrics) ObserveRebuild(err error, took time.Duration, realms int, generation uint64) {
	if m == nil {
		return
	}
	m.rebuildDuration.Observe(took.Seconds())
	if err != nil {
		m.treeRebuilds.WithLabelValues("error").Inc()
		return
	}
	m.treeRebuilds.WithLabelValues("ok").Inc()
	m.treeRealms.Set(float64(realms))
	m.treeGeneration.Set(float64(generation))
}

// ObserveCheckout records how long a connection checkout waited.
func (m *Metrics) ObserveCheckout(waited time.Duration, exhausted bool) {
	if m == nil {
		return
	}
	m.poolWait.Observe(waited.Seconds())
	if exhausted {
		m.poolExhausted.Inc()
	}
}

// ObserveRequest counts one API request.
func (m *Metrics) ObserveRequest(transport, outcome string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(transport, outcome).Inc()
}
