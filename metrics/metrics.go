// Package metrics exposes Prometheus counters for webhook intake and reconciliation
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "subledger"

// Collector owns its own registry so tests can inspect it in isolation
type Collector struct {
	registry *prometheus.Registry

	EventsReceived  *prometheus.CounterVec
	EventsOutcome   *prometheus.CounterVec
	Transitions     *prometheus.CounterVec
	Transactions    *prometheus.CounterVec
	LockWaits       *prometheus.CounterVec
	HandleDuration  *prometheus.HistogramVec
	SideEffectFails *prometheus.CounterVec
}

// New returns a Collector with every metric registered
func New() *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{
		registry: reg,
		EventsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_received_total",
			Help:      "Normalized provider events by provider and kind",
		}, []string{"provider", "kind"}),
		EventsOutcome: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_outcome_total",
			Help:      "Webhook deliveries by provider and how they were answered",
		}, []string{"provider", "outcome"}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscription_transitions_total",
			Help:      "Subscription status transitions",
		}, []string{"provider", "from", "to"}),
		Transactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transaction_records_total",
			Help:      "Payment attempts recorded by status",
		}, []string{"provider", "status"}),
		LockWaits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_contention_total",
			Help:      "Attempts that found the subscription key locked",
		}, []string{"provider"}),
		HandleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reconcile_duration_seconds",
			Help:      "Time spent reconciling one event",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider"}),
		SideEffectFails: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "side_effect_failures_total",
			Help:      "Post-commit side effects that failed",
		}, []string{"effect"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.EventsReceived,
		c.EventsOutcome,
		c.Transitions,
		c.Transactions,
		c.LockWaits,
		c.HandleDuration,
		c.SideEffectFails,
	)
	return c
}

// ObserveHandle records how long reconciling an event took
func (c *Collector) ObserveHandle(provider string, start time.Time) {
	c.HandleDuration.WithLabelValues(provider).Observe(time.Since(start).Seconds())
}

// Registry returns the underlying registry
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
