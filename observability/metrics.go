package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the prometheus metrics of a migration process on its own
// registry. A nil *Collector is valid and records nothing.
type Collector struct {
	registry *prometheus.Registry

	Batches       *prometheus.CounterVec
	RowsAffected  *prometheus.CounterVec
	BatchDuration *prometheus.HistogramVec
	Operations    *prometheus.CounterVec
}

// NewCollector creates a Collector whose metric names are prefixed with
// namespace.
func NewCollector(namespace string) *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{
		registry: reg,
		Batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backfill_batches_total",
			Help:      "Total number of backfill batches executed",
		}, []string{"table"}),
		RowsAffected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backfill_rows_affected_total",
			Help:      "Total number of rows changed by backfill batches",
		}, []string{"table"}),
		BatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backfill_batch_duration_seconds",
			Help:      "Duration of backfill batches in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"table"}),
		Operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Total number of orchestrated schema operations",
		}, []string{"operation", "outcome"}),
	}
	reg.MustRegister(c.Batches, c.RowsAffected, c.BatchDuration, c.Operations)
	return c
}

// Registry returns the collector's registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the collector's metrics.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// WriteTextfile writes the current metrics in the text exposition format,
// for pickup by node_exporter's textfile collector.
func (c *Collector) WriteTextfile(path string) error {
	if c == nil {
		return nil
	}
	return prometheus.WriteToTextfile(path, c.registry)
}

// ObserveBatch records one finished backfill batch.
func (c *Collector) ObserveBatch(table string, rows int64, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.Batches.WithLabelValues(table).Inc()
	if rows > 0 {
		c.RowsAffected.WithLabelValues(table).Add(float64(rows))
	}
	c.BatchDuration.WithLabelValues(table).Observe(elapsed.Seconds())
}

// RecordOperation counts a finished operation by its outcome.
func (c *Collector) RecordOperation(operation string, outcome Outcome) {
	if c == nil {
		return
	}
	c.Operations.WithLabelValues(operation, outcome.String()).Inc()
}

// RecordFailure counts an operation that returned an error.
func (c *Collector) RecordFailure(operation string) {
	if c == nil {
		return
	}
	c.Operations.WithLabelValues(operation, "error").Inc()
}
