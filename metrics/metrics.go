// Package metrics exports cache counters to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tidecache"

// Request results.
const (
	ResultHit       = "hit"
	ResultMiss      = "miss"
	ResultFailure   = "upstream_failure"
	ResultError     = "error"
	ResultRefresh   = "refresh"
	ResultRejected  = "rejected"
	ResultPreflight = "preflight"
	ResultBypass    = "bypass"
)

// Store operations.
const (
	OpPut      = "put"
	OpInstall  = "install"
	OpDelete   = "delete"
	OpEvict    = "evict"
	OpDrop     = "drop_table"
	OpRejected = "rejected"
	OpError    = "error"
)

// Metrics holds the counters of one process.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry    *prometheus.Registry
	Requests    *prometheus.CounterVec
	StoreOps    *prometheus.CounterVec
	Activations prometheus.Counter
}

// New creates the counters and registers them in a new registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Requests handled, by component and result.",
		}, []string{"component", "result"}),
		StoreOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_ops_total",
			Help:      "Cache store operations, by component and operation.",
		}, []string{"component", "op"}),
		Activations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "activations_total",
			Help:      "Shell versions activated.",
		}),
	}
	m.registry.MustRegister(m.Requests, m.StoreOps, m.Activations)
	return m
}

// Request counts one handled request.
func (m *Metrics) Request(component, result string) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(component, result).Inc()
}

// StoreOp counts n store operations.
func (m *Metrics) StoreOp(component, op string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.StoreOps.WithLabelValues(component, op).Add(float64(n))
}

// Activated counts one version activation.
func (m *Metrics) Activated() {
	if m == nil {
		return
	}
	m.Activations.Inc()
}

// Handler serves the registry for scraping.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
