// Package metrics exposes Prometheus counters for lobby operations, fanout and sweeps.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder is what the coordinator, fanout and scheduler report into.
type Recorder interface {
	RecordOperation(op, result string, d time.Duration)
	RecordRetry(op string)
	RecordDelivery(event string, delivered, failed int)
	RecordSweep(job string, processed, failed int, d time.Duration)
	SetConnections(n int)
}

// Collector is the Prometheus implementation of Recorder.
type Collector struct {
	operations  *prometheus.CounterVec
	opLatency   *prometheus.HistogramVec
	retries     *prometheus.CounterVec
	delivered   *prometheus.CounterVec
	failed      *prometheus.CounterVec
	swept       *prometheus.CounterVec
	sweepFailed *prometheus.CounterVec
	sweepTime   *prometheus.HistogramVec
	connections prometheus.Gauge
}

// NewCollector builds a Collector and registers it with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wordle_lobby_operations_total",
			Help: "Lobby coordinator operations by result code.",
		}, []string{"op", "result"}),
		opLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "wordle_lobby_operation_seconds",
			Help:    "Lobby coordinator operation latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wordle_lobby_conflict_retries_total",
			Help: "Transactions retried after a lobby version conflict.",
		}, []string{"op"}),
		delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wordle_fanout_delivered_total",
			Help: "Events queued to a live connection.",
		}, []string{"event"}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wordle_fanout_failed_total",
			Help: "Events that could not be queued to a connection.",
		}, []string{"event"}),
		swept: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wordle_sweep_items_total",
			Help: "Items processed by cleanup sweeps.",
		}, []string{"job"}),
		sweepFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wordle_sweep_failures_total",
			Help: "Items a cleanup sweep failed to process.",
		}, []string{"job"}),
		sweepTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "wordle_sweep_seconds",
			Help:    "Cleanup sweep duration.",
			Buckets: prometheus.DefBuckets,
		}, []string{"job"}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "wordle_registry_connections",
			Help: "Users with a bound live connection.",
		}),
	}

	reg.MustRegister(
		c.operations,
		c.opLatency,
		c.retries,
		c.delivered,
		c.failed,
		c.swept,
		c.sweepFailed,
		c.sweepTime,
		c.connections,
	)

	return c
}

func (c *Collector) RecordOperation(op, result string, d time.Duration) {
	c.operations.WithLabelValues(op, result).Inc()
	c.opLatency.WithLabelValues(op).Observe(d.Seconds())
}

func (c *Collector) RecordRetry(op string) {
	c.retries.WithLabelValues(op).Inc()
}

func (c *Collector) RecordDelivery(event string, delivered, failed int) {
	if delivered > 0 {
		c.delivered.WithLabelValues(event).Add(float64(delivered))
	}
	if failed > 0 {
		c.failed.WithLabelValues(event).Add(float64(failed))
	}
}

func (c *Collector) RecordSweep(job string, processed, failed int, d time.Duration) {
	c.swept.WithLabelValues(job).Add(float64(processed))
	if failed > 0 {
		c.sweepFailed.WithLabelValues(job).Add(float64(failed))
	}
	c.sweepTime.WithLabelValues(job).Observe(d.Seconds())
}

func (c *Collector) SetConnections(n int) {
	c.connections.Set(float64(n))
}

// Nop discards everything. Used when no registry is wired, mostly in tests.
type Nop struct{}

func (Nop) RecordOperation(string, string, time.Duration) {}
func (Nop) RecordRetry(string) {}
func (Nop) RecordDelivery(string, int, int) {}
func (Nop) RecordSweep(string, int, int, time.Duration) {}
func (Nop) SetConnections(int) {}

// Handler serves the gatherer in the Prometheus text format.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
