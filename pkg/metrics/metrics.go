// Package metrics exposes routing telemetry as Prometheus collectors:
// per-candidate attempt counters and latency histograms on the record
// path, plus live gauges for circuit state, in-flight and success rate
// read at scrape time.
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zen-systems/routegate/pkg/breaker"
	"github.com/zen-systems/routegate/pkg/health"
)

// Recorder reports routing metrics using Prometheus primitives.
type Recorder struct {
	registry *prometheus.Registry
	attempts *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

// NewRecorder registers the routing collectors on the given registry.
// A nil registry gets a fresh one.
func NewRecorder(registry *prometheus.Registry, h *health.Tracker, b *breaker.Breaker) (*Recorder, error) {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	r := &Recorder{
		registry: registry,
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "routegate_attempts_total",
			Help: "Total dispatch attempts by candidate and outcome kind",
		}, []string{"candidate", "kind"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "routegate_attempt_latency_seconds",
			Help:    "Dispatch attempt latency in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"candidate"}),
	}

	for _, collector := range []prometheus.Collector{r.attempts, r.latency, newLiveCollector(h, b)} {
		if err := registry.Register(collector); err != nil {
			return nil, fmt.Errorf("register collector: %w", err)
		}
	}
	return r, nil
}

// ObserveOutcome records one dispatch attempt. Satisfies the engine's
// Observer.
func (r *Recorder) ObserveOutcome(o health.Outcome) {
	r.attempts.WithLabelValues(o.Key, string(o.Kind)).Inc()
	if o.Latency > 0 {
		r.latency.WithLabelValues(o.Key).Observe(o.Latency.Seconds())
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// liveCollector reads circuit and health state at scrape time instead of
// mirroring it into gauges on every update.
type liveCollector struct {
	health  *health.Tracker
	breaker *breaker.Breaker

	circuitDesc     *prometheus.Desc
	inFlightDesc    *prometheus.Desc
	successRateDesc *prometheus.Desc
}

func newLiveCollector(h *health.Tracker, b *breaker.Breaker) *liveCollector {
	return &liveCollector{
		health:  h,
		breaker: b,
		circuitDesc: prometheus.NewDesc(
			"routegate_circuit_state",
			"Circuit state by key (0 closed, 1 open, 2 half_open)",
			[]string{"key"}, nil),
		inFlightDesc: prometheus.NewDesc(
			"routegate_in_flight",
			"In-flight dispatch attempts by key",
			[]string{"key"}, nil),
		successRateDesc: prometheus.NewDesc(
			"routegate_success_rate",
			"Rolling success rate by key",
			[]string{"key"}, nil),
	}
}

func (c *liveCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.circuitDesc
	ch <- c.inFlightDesc
	ch <- c.successRateDesc
}

func (c *liveCollector) Collect(ch chan<- prometheus.Metric) {
	for key, state := range c.breaker.Snapshot() {
		ch <- prometheus.MustNewConstMetric(c.circuitDesc, prometheus.GaugeValue, float64(state), key)
	}
	for _, key := range c.health.Keys() {
		stats := c.health.Snapshot(key)
		ch <- prometheus.MustNewConstMetric(c.inFlightDesc, prometheus.GaugeValue, float64(stats.InFlight), key)
		ch <- prometheus.MustNewConstMetric(c.successRateDesc, prometheus.GaugeValue, stats.SuccessRate, key)
	}
}
