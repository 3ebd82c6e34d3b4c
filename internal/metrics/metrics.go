// Package metrics holds the Prometheus collectors of a space server.
//
// Every method is safe on a nil *Metrics, so components built without a
// registry (unit tests, the verify command) need no special casing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "tuplespace"

// Metrics is the set of collectors exported at /metrics.
type Metrics struct {
	operations      *prometheus.CounterVec
	entries         *prometheus.GaugeVec
	expirations     *prometheus.CounterVec
	expirationDepth prometheus.Gauge
	monitorTasks    prometheus.Gauge
	monitorPolls    *prometheus.CounterVec
	notifications   *prometheus.CounterVec
	logAppends      *prometheus.CounterVec
	snapshotSeconds prometheus.Histogram
	blockedQueries  prometheus.Gauge
}

// New registers the collectors with reg. A nil reg yields nil metrics.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}
	f := promauto.With(reg)
	return &Metrics{
		operations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Space operations by kind and outcome",
		}, []string{"op", "outcome"}),
		entries: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "entries",
			Help:      "Entries held in the store, by entry type",
		}, []string{"type"}),
		expirations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lease_expirations_total",
			Help:      "Lease expirations processed by the expiration queue, by resource kind and outcome",
		}, []string{"kind", "outcome"}),
		expirationDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "expiration_queue_depth",
			Help:      "Expired leases waiting for the expiration worker",
		}),
		monitorTasks: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "monitor_tasks",
			Help:      "Transactions currently polled by the transaction monitor",
		}),
		monitorPolls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "monitor_polls_total",
			Help:      "Coordinator state queries by result",
		}, []string{"result"}),
		notifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Event notifications by outcome",
		}, []string{"outcome"}),
		logAppends: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "log_appends_total",
			Help:      "Recovery log records appended, by record kind",
		}, []string{"kind"}),
		snapshotSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "snapshot_duration_seconds",
			Help:      "Time to copy, encode and save a snapshot",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
		blockedQueries: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "blocked_queries",
			Help:      "Read and take calls currently waiting for a match",
		}),
	}
}

// Operation counts one client operation.
func (m *Metrics) Operation(op, outcome string) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(op, outcome).Inc()
}

// EntryAdded and EntryRemoved track the per-type entry gauge.
func (m *Metrics) EntryAdded(typ string) {
	if m == nil {
		return
	}
	m.entries.WithLabelValues(typ).Inc()
}

func (m *Metrics) EntryRemoved(typ string) {
	if m == nil {
		return
	}
	m.entries.WithLabelValues(typ).Dec()
}

// Expiration counts one processed lease expiration.
func (m *Metrics) Expiration(kind, outcome string) {
	if m == nil {
		return
	}
	m.expirations.WithLabelValues(kind, outcome).Inc()
}

// ExpirationQueueDepth reports the expiration backlog.
func (m *Metrics) ExpirationQueueDepth(n int) {
	if m == nil {
		return
	}
	m.expirationDepth.Set(float64(n))
}

// MonitorTasks reports the number of live monitoring tasks.
func (m *Metrics) MonitorTasks(n int) {
	if m == nil {
		return
	}
	m.monitorTasks.Set(float64(n))
}

// MonitorPoll counts one coordinator query.
func (m *Metrics) MonitorPoll(result string) {
	if m == nil {
		return
	}
	m.monitorPolls.WithLabelValues(result).Inc()
}

// Notification counts one event hand-off or delivery result.
func (m *Metrics) Notification(outcome string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(outcome).Inc()
}

// LogAppend counts one recovery log record.
func (m *Metrics) LogAppend(kind string) {
	if m == nil {
		return
	}
	m.logAppends.WithLabelValues(kind).Inc()
}

// Snapshot records how long a snapshot took.
func (m *Metrics) Snapshot(d time.Duration) {
	if m == nil {
		return
	}
	m.snapshotSeconds.Observe(d.Seconds())
}

// BlockedQueries adjusts the waiting-query gauge by delta.
func (m *Metrics) BlockedQueries(delta int) {
	if m == nil {
		return
	}
	m.blockedQueries.Add(float64(delta))
}
