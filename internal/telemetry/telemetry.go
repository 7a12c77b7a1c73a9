// Package telemetry exposes the counters, histograms, and gauges named in
// spec §6, backed by github.com/prometheus/client_golang — the teacher's
// transitive metrics dependency, given a concrete home here since the
// teacher's own metrics/ package is a hand-rolled in-process collector
// rather than a Prometheus exporter.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Telemetry is a process-wide singleton with explicit lifecycle, wired
// through the constructor rather than ambient global state (SPEC_FULL §A /
// spec §9 design note on global mutable state).
type Telemetry struct {
	registry *prometheus.Registry

	TransactionsTotal  *prometheus.CounterVec
	BatchesTotal       *prometheus.CounterVec
	SigningOperations  *prometheus.CounterVec
	FailoversTotal     prometheus.Counter
	RotationsTotal     prometheus.Counter
	ReconcilerRepairs  *prometheus.CounterVec

	TransactionLatency prometheus.Histogram
	BatchProcessing    prometheus.Histogram
	SigningLatency     prometheus.Histogram

	QueueSize              prometheus.Gauge
	ActiveConnections      prometheus.Gauge
	CurrentSigningProvider prometheus.Gauge
	EmergencyMode          prometheus.Gauge
}

// New constructs a Telemetry instance registered against a fresh registry
// (never the global default, to keep lifecycle explicit and testable).
func New() *Telemetry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Telemetry{
		registry: reg,
		TransactionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "transactions_total", Help: "Transactions processed by status.",
		}, []string{"status"}),
		BatchesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "batches_total", Help: "Batches processed by status.",
		}, []string{"status"}),
		SigningOperations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "signing_operations", Help: "Signing operations by status.",
		}, []string{"status"}),
		FailoversTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "failovers_total", Help: "Signing provider failovers.",
		}),
		RotationsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "rotations_total", Help: "Key rotations completed.",
		}),
		ReconcilerRepairs: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "reconciler_repairs_total", Help: "Reconciler repairs by kind.",
		}, []string{"kind"}),
		TransactionLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name: "transaction_latency_seconds", Help: "End-to-end transaction admission-to-receipt latency.",
			Buckets: prometheus.DefBuckets,
		}),
		BatchProcessing: factory.NewHistogram(prometheus.HistogramOpts{
			Name: "batch_processing_seconds", Help: "Time to build, sign, and submit a batch.",
			Buckets: prometheus.DefBuckets,
		}),
		SigningLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name: "signing_latency_seconds", Help: "Latency of individual sign() calls.",
			Buckets: prometheus.DefBuckets,
		}),
		QueueSize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "queue_size", Help: "Current RingQueue depth.",
		}),
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "active_connections", Help: "Active signing-provider connections.",
		}),
		CurrentSigningProvider: factory.NewGauge(prometheus.GaugeOpts{
			Name: "current_signing_provider", Help: "Index of the active signing provider (0=Primary,1=Secondary,2=Emergency).",
		}),
		EmergencyMode: factory.NewGauge(prometheus.GaugeOpts{
			Name: "emergency_mode", Help: "1 when only the emergency software signer is available.",
		}),
	}
}

// Handler returns the HTTP handler to mount at /metrics.
func (t *Telemetry) Handler() http.Handler {
	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{})
}
