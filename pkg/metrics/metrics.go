// Package metrics provides Prometheus instrumentation for Comet copy
// operations: rows copied, batches prepared and flushed, the unflushed
// memory footprint, blocked producers and flush latency.
//
// Each operation creates its own Collector:
//
//	collector := metrics.NewCollector("orders-export")
//	collector.AddRowsCopied(float64(rows))
//	collector.ObserveFlushLatency(time.Since(start))
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RowsCopied tracks the total number of rows accepted by copy operations.
	RowsCopied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "comet_rows_copied_total",
			Help: "Total number of rows copied",
		},
		[]string{"operation"},
	)

	// BatchesPrepared tracks batches transformed by the sink's prepare callback.
	BatchesPrepared = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "comet_batches_prepared_total",
			Help: "Total number of batches prepared",
		},
		[]string{"operation"},
	)

	// BatchesFlushed tracks batches written to the sink.
	BatchesFlushed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "comet_batches_flushed_total",
			Help: "Total number of batches flushed",
		},
		[]string{"operation"},
	)

	// UnflushedBytes tracks memory held by yet-unflushed data.
	UnflushedBytes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "comet_unflushed_bytes",
			Help: "Memory held by raw and prepared batches not yet flushed",
		},
		[]string{"operation"},
	)

	// MemoryReservation tracks the granted memory reservation.
	MemoryReservation = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "comet_memory_reservation_bytes",
			Help: "Memory reservation granted by the broker",
		},
		[]string{"operation"},
	)

	// BlockedProducers tracks producers parked by backpressure.
	BlockedProducers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "comet_blocked_producers",
			Help: "Number of producers currently parked by backpressure",
		},
		[]string{"operation"},
	)

	// FlushLatency tracks the duration of sink flush callbacks.
	FlushLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "comet_flush_latency_seconds",
			Help: "Latency of sink flush calls",
			Buckets: []float64{
				0.0001, // 100μs
				0.001,  // 1ms
				0.01,   // 10ms
				0.1,    // 100ms
				1,      // 1s
				10,     // 10s
			},
		},
		[]string{"operation"},
	)
)

// Collector records engine metrics for a single copy operation.
type Collector struct {
	operation string
}

// NewCollector creates a collector labeled with the operation name.
func NewCollector(operation string) *Collector {
	return &Collector{operation: operation}
}

// AddRowsCopied adds to the rows-copied counter.
func (c *Collector) AddRowsCopied(n float64) {
	RowsCopied.WithLabelValues(c.operation).Add(n)
}

// IncBatchesPrepared increments the batches-prepared counter.
func (c *Collector) IncBatchesPrepared() {
	BatchesPrepared.WithLabelValues(c.operation).Inc()
}

// IncBatchesFlushed increments the batches-flushed counter.
func (c *Collector) IncBatchesFlushed() {
	BatchesFlushed.WithLabelValues(c.operation).Inc()
}

// SetUnflushedBytes records the unflushed memory footprint.
func (c *Collector) SetUnflushedBytes(n float64) {
	UnflushedBytes.WithLabelValues(c.operation).Set(n)
}

// SetMemoryReservation records the granted reservation.
func (c *Collector) SetMemoryReservation(n float64) {
	MemoryReservation.WithLabelValues(c.operation).Set(n)
}

// AddBlockedProducers adjusts the blocked-producers gauge.
func (c *Collector) AddBlockedProducers(delta float64) {
	BlockedProducers.WithLabelValues(c.operation).Add(delta)
}

// ObserveFlushLatency records the duration of one flush call.
func (c *Collector) ObserveFlushLatency(d time.Duration) {
	FlushLatency.WithLabelValues(c.operation).Observe(d.Seconds())
}
