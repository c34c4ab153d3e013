// Package metrics exposes participation counters and latencies to
// Prometheus.  Service code depends only on the Recorder interface; Nop
// is used when metrics are disabled and in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder receives one observation per service operation.
type Recorder interface {
	// ObserveOperation records the outcome of op ("register", "scan", ...).
	// outcome is "ok" or the domain error kind.
	ObserveOperation(op, outcome string, elapsed time.Duration)
	// AddPromotions counts waitlist promotions by trigger.
	AddPromotions(trigger string, n int)
	// IncConflictRetry counts storage conflicts that were retried.
	IncConflictRetry(op string)
}

// Nop discards every observation.
type Nop struct{}

func (Nop) ObserveOperation(string, string, time.Duration) {}
func (Nop) AddPromotions(string, int)                      {}
func (Nop) IncConflictRetry(string)                        {}

// PrometheusCollector implements Recorder backed by Prometheus.
type PrometheusCollector struct {
	gatherer prometheus.Gatherer

	operations *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	promotions *prometheus.CounterVec
	retries    *prometheus.CounterVec
}

var _ Recorder = (*PrometheusCollector)(nil)

// NewPrometheus creates and registers the collector.
//
// Parameters:
//   - reg: registry to register on (a fresh registry is created if nil)
//   - namespace: metrics namespace (defaults to "rsvp" if empty)
func NewPrometheus(reg *prometheus.Registry, namespace string) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	if namespace == "" {
		namespace = "rsvp"
	}
	p := &PrometheusCollector{
		gatherer: reg,
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "participation",
			Name:      "operations_total",
			Help:      "Participation operations by name and outcome.",
		}, []string{"op", "outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "participation",
			Name:      "operation_duration_seconds",
			Help:      "Latency of participation operations in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms .. ~2s
		}, []string{"op"}),
		promotions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "waitlist",
			Name:      "promotions_total",
			Help:      "Waitlisted records promoted to registered, by trigger.",
		}, []string{"trigger"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "conflict_retries_total",
			Help:      "Storage conflicts retried, by operation.",
		}, []string{"op"}),
	}
	reg.MustRegister(p.operations, p.latency, p.promotions, p.retries)
	return p
}

// ObserveOperation implements Recorder.
func (p *PrometheusCollector) ObserveOperation(op, outcome string, elapsed time.Duration) {
	p.operations.WithLabelValues(op, outcome).Inc()
	p.latency.WithLabelValues(op).Observe(elapsed.Seconds())
}

// AddPromotions implements Recorder.
func (p *PrometheusCollector) AddPromotions(trigger string, n int) {
	if n <= 0 {
		return
	}
	p.promotions.WithLabelValues(trigger).Add(float64(n))
}

// IncConflictRetry implements Recorder.
func (p *PrometheusCollector) IncConflictRetry(op string) {
	p.retries.WithLabelValues(op).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (p *PrometheusCollector) Handler() http.Handler {
	return promhttp.HandlerFor(p.gatherer, promhttp.HandlerOpts{})
}
