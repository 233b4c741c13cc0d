// Package prometheus exports coordinator metrics through client_golang.
//
// Each Collector owns its own registry so several coordinators (or tests)
// can run in one process without colliding on the default registerer.
package prometheus

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"

	"github.com/c0deZ3R0/go-cart-sync/synckit"
)

// Metric names, without namespace.
const (
	MetricSyncDurationSeconds = "sync_duration_seconds"
	MetricSyncErrorsTotal     = "sync_errors_total"
	MetricOutboxDepth         = "outbox_depth"
	MetricReconciledTotal     = "reconciled_items_total"
	MetricStateTransitions    = "state_transitions_total"
	MetricState               = "state"
)

var states = []string{"guest", "reconciling", "synced", "degraded"}

// Config holds the collector settings.
type Config struct {
	// Namespace prefixes every metric. Default: "cartsync".
	Namespace string

	// Buckets for the remote call duration histogram.
	// Default: prometheus.DefBuckets
	Buckets []float64
}

// Collector implements synckit.MetricsCollector.
type Collector struct {
	registry *prometheus.Registry

	duration    *prometheus.HistogramVec
	errors      *prometheus.CounterVec
	outbox      prometheus.Gauge
	reconciled  *prometheus.CounterVec
	transitions *prometheus.CounterVec
	state       *prometheus.GaugeVec
}

var _ synckit.MetricsCollector = (*Collector)(nil)

// New creates a Collector and registers its metrics on a fresh registry.
func New(cfg Config) *Collector {
	if cfg.Namespace == "" {
		cfg.Namespace = "cartsync"
	}
	if len(cfg.Buckets) == 0 {
		cfg.Buckets = prometheus.DefBuckets
	}

	c := &Collector{
		registry: prometheus.NewRegistry(),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Name:      MetricSyncDurationSeconds,
			Help:      "Duration of remote cart service calls in seconds.",
			Buckets:   cfg.Buckets,
		}, []string{"operation"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      MetricSyncErrorsTotal,
			Help:      "Failed remote calls by operation and error kind.",
		}, []string{"operation", "type"}),
		outbox: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Name:      MetricOutboxDepth,
			Help:      "Operations waiting to be sent to the remote cart service.",
		}),
		reconciled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      MetricReconciledTotal,
			Help:      "Guest items handled by login reconciliation.",
		}, []string{"result"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      MetricStateTransitions,
			Help:      "Coordinator state transitions by target state.",
		}, []string{"state"}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Name:      MetricState,
			Help:      "1 for the current coordinator state, 0 otherwise.",
		}, []string{"state"}),
	}

	c.registry.MustRegister(c.duration, c.errors, c.outbox, c.reconciled, c.transitions, c.state)
	for _, s := range states {
		c.state.WithLabelValues(s).Set(0)
	}
	c.state.WithLabelValues("guest").Set(1)
	return c
}

func (c *Collector) RecordSyncDuration(operation string, duration time.Duration) {
	c.duration.WithLabelValues(operation).Observe(duration.Seconds())
}

func (c *Collector) RecordSyncErrors(operation string, errorType string) {
	c.errors.WithLabelValues(operation, errorType).Inc()
}

func (c *Collector) RecordOutboxDepth(depth int) {
	c.outbox.Set(float64(depth))
}

func (c *Collector) RecordReconciliation(pushed, failed int) {
	c.reconciled.WithLabelValues("pushed").Add(float64(pushed))
	c.reconciled.WithLabelValues("failed").Add(float64(failed))
}

func (c *Collector) RecordStateChange(state string) {
	c.transitions.WithLabelValues(state).Inc()
	for _, s := range states {
		v := 0.0
		if s == state {
			v = 1
		}
		c.state.WithLabelValues(s).Set(v)
	}
}

// Registry returns the collector's registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Gather returns the current metric families.
func (c *Collector) Gather() ([]*dto.MetricFamily, error) {
	return c.registry.Gather()
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}
