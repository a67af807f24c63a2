// Package metrics exposes the sync engine's operational counters and
// gauges over Prometheus: queue depth, upload/download outcomes,
// conflict counts, and push-channel connectivity.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "driftsync"

// Metrics holds every Prometheus collector the sync engine publishes.
// Construct one per engine instance; collectors register against a
// private registry, not the global default.
type Metrics struct {
	registry *prometheus.Registry

	queueDepth *prometheus.GaugeVec

	uploadsTotal   *prometheus.CounterVec
	downloadsTotal *prometheus.CounterVec
	appliedTotal   *prometheus.CounterVec
	prunedTotal    prometheus.Counter

	conflictsTotal *prometheus.CounterVec

	pushConnected prometheus.Gauge
}

// New constructs a Metrics instance with all collectors registered
// against a fresh private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,

		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "pending_changes",
			Help:      "Number of synced=0 change-log rows per table awaiting upload.",
		}, []string{"table"}),

		uploadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upload",
			Name:      "batches_total",
			Help:      "Upload batch attempts, by table and outcome.",
		}, []string{"table", "status"}),

		downloadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "download",
			Name:      "cycles_total",
			Help:      "Download cycle attempts, by outcome.",
		}, []string{"status"}),

		appliedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "download",
			Name:      "changes_applied_total",
			Help:      "Remote changes successfully applied, by table.",
		}, []string{"table"}),

		prunedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "pruned_total",
			Help:      "Change-log rows demoted to pruned because the queue exceeded its cap.",
		}),

		conflictsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "merge",
			Name:      "conflicts_total",
			Help:      "Conflicts resolved by the merge engine, by strategy.",
		}, []string{"strategy"}),

		pushConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "push",
			Name:      "connected",
			Help:      "1 if the remote-change push channel is currently connected, else 0.",
		}),
	}

	reg.MustRegister(
		m.queueDepth,
		m.uploadsTotal,
		m.downloadsTotal,
		m.appliedTotal,
		m.prunedTotal,
		m.conflictsTotal,
		m.pushConnected,
	)
	return m
}

// Handler returns an http.Handler serving this instance's metrics in the
// Prometheus text exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// SetQueueDepth records the current pending (synced=0) row count for a
// table.
func (m *Metrics) SetQueueDepth(table string, n int) {
	m.queueDepth.WithLabelValues(table).Set(float64(n))
}

// RecordUpload records the outcome of one table's upload attempt.
func (m *Metrics) RecordUpload(table string, ok bool) {
	m.uploadsTotal.WithLabelValues(table, statusLabel(ok)).Inc()
}

// RecordDownload records the outcome of one download cycle.
func (m *Metrics) RecordDownload(ok bool) {
	m.downloadsTotal.WithLabelValues(statusLabel(ok)).Inc()
}

// RecordApplied counts one remote change successfully applied to table.
func (m *Metrics) RecordApplied(table string) {
	m.appliedTotal.WithLabelValues(table).Inc()
}

// RecordPruned adds n to the queue-cap pruning counter.
func (m *Metrics) RecordPruned(n int) {
	if n <= 0 {
		return
	}
	m.prunedTotal.Add(float64(n))
}

// RecordConflict counts one conflict resolved under strategy.
func (m *Metrics) RecordConflict(strategy string) {
	m.conflictsTotal.WithLabelValues(strategy).Inc()
}

// SetPushConnected records the push channel's current connectivity.
func (m *Metrics) SetPushConnected(connected bool) {
	v := 0.0
	if connected {
		v = 1.0
	}
	m.pushConnected.Set(v)
}

func statusLabel(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
