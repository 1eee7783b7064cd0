// Package metrics exposes Prometheus instrumentation for the registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "masterlist"

// Label values of SubmissionsTotal.
const (
	ResultAccepted = "accepted"
	ResultRejected = "rejected"
	ResultDropped  = "dropped"
)

// Label values of AppliedTotal.
const (
	ResultApplied = "applied"
	ResultIgnored = "ignored"
	ResultFailed  = "failed"
)

// Metrics holds every collector of the service, registered on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	// SubmissionsTotal counts ingested submissions by kind and result.
	SubmissionsTotal *prometheus.CounterVec

	// AppliedTotal counts events applied by the reconciler by kind and result.
	AppliedTotal *prometheus.CounterVec

	// ExpiredTotal counts servers deactivated by the expiry sweep.
	ExpiredTotal prometheus.Counter

	// StoreErrorsTotal counts failed store operations by operation.
	StoreErrorsTotal *prometheus.CounterVec

	// TickDuration observes the wall time of reconciler ticks.
	TickDuration prometheus.Histogram

	// QueueDepth reports the length of each queue observed at drain time.
	QueueDepth *prometheus.GaugeVec

	// QueueWait observes the time events spent queued before a tick drained them.
	QueueWait *prometheus.HistogramVec

	// ActiveServers reports the number of servers in the current snapshot.
	ActiveServers prometheus.Gauge

	// SnapshotBytes reports the compressed size of the current snapshot.
	SnapshotBytes prometheus.Gauge

	// SnapshotReads counts snapshot reads served to clients.
	SnapshotReads prometheus.Counter
}

// New creates and registers all collectors, including Go runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		SubmissionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_total",
			Help:      "Submissions received from game servers.",
		}, []string{"kind", "result"}),
		AppliedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_applied_total",
			Help:      "Queued events processed by the reconciler.",
		}, []string{"kind", "result"}),
		ExpiredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "servers_expired_total",
			Help:      "Servers deactivated after missing their checkins.",
		}),
		StoreErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_errors_total",
			Help:      "Failed store operations.",
		}, []string{"op"}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tick_duration_seconds",
			Help:      "Duration of reconciler ticks.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Items drained from each queue on the last tick.",
		}, []string{"queue"}),
		QueueWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "queue_wait_seconds",
			Help:      "Time events spent queued before being applied.",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2, 5, 10, 30},
		}, []string{"queue"}),
		ActiveServers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_servers",
			Help:      "Servers listed in the current snapshot.",
		}),
		SnapshotBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "snapshot_bytes",
			Help:      "Compressed size of the current snapshot.",
		}),
		SnapshotReads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_reads_total",
			Help:      "Server list requests served.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.SubmissionsTotal,
		m.AppliedTotal,
		m.ExpiredTotal,
		m.StoreErrorsTotal,
		m.TickDuration,
		m.QueueDepth,
		m.QueueWait,
		m.ActiveServers,
		m.SnapshotBytes,
		m.SnapshotReads,
	)

	return m
}

// Registry returns the registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the HTTP handler serving the exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
