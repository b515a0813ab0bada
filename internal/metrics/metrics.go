// Package metrics provides Prometheus metrics for the mirror.
//
// Features:
//   - Counters for appended, reconstructed and storage-sourced leaves
//   - Gauges for the committed head, sync state and polled block
//   - Histograms for backward sync and probe duration
//   - HTTP handler for scraping a private registry
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mmrmirror"

// Probe outcomes, the values of the result label of ProbesTotal.
const (
	ProbeResolved   = "resolved"
	ProbeUnresolved = "unresolved"
	ProbeCancelled  = "cancelled"
	ProbeFailed     = "failed"
)

// Metrics holds every mirror metric, registered on one registry.
type Metrics struct {
	registry *prometheus.Registry
	started  time.Time

	// Counters
	LeavesAppendedTotal      prometheus.Counter
	LeavesReconstructedTotal prometheus.Counter
	StorageLeavesTotal       prometheus.Counter
	GapLeavesTotal           prometheus.Counter
	DuplicateEventsTotal     prometheus.Counter
	BatchesTotal             prometheus.Counter
	BlocksPublishedTotal     prometheus.Counter
	ProbesTotal              *prometheus.CounterVec
	ErrorsTotal              *prometheus.CounterVec

	// Gauges
	HighestCommitted prometheus.Gauge
	SyncState        prometheus.Gauge
	LastPolledBlock  prometheus.Gauge
	UptimeSeconds    prometheus.GaugeFunc

	// Histograms
	BackwardSyncDuration prometheus.Histogram
	ProbeDuration        prometheus.Histogram
}

// New creates the metrics on a fresh registry that also carries the Go and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{registry: reg, started: time.Now()}

	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help})
	}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help})
	}

	m.LeavesAppendedTotal = counter("leaves_appended_total", "Leaves appended to the local accumulator")
	m.LeavesReconstructedTotal = counter("leaves_reconstructed_total", "Leaves recovered by walking back ledger events")
	m.StorageLeavesTotal = counter("storage_leaves_total", "Leaves recovered from block storage by a probe")
	m.GapLeavesTotal = counter("gap_leaves_total", "Leaves fetched to fill gaps in live delivery")
	m.DuplicateEventsTotal = counter("duplicate_events_total", "Live events ignored as already committed")
	m.BatchesTotal = counter("backward_batches_total", "Block range batches processed by backward sync")
	m.BlocksPublishedTotal = counter("blocks_published_total", "New blocks written to block storage")
	m.ProbesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "probes_total", Help: "Storage probes by result",
	}, []string{"result"})
	m.ErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "errors_total", Help: "Errors by operation",
	}, []string{"op"})

	m.HighestCommitted = gauge("highest_committed_leaf", "Highest leaf index applied locally, -1 when empty")
	m.SyncState = gauge("sync_state", "Engine state: 0 idle, 1 syncing backward, 2 live")
	m.LastPolledBlock = gauge("last_polled_block", "Last ledger block covered by live sync")
	m.UptimeSeconds = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace, Name: "uptime_seconds", Help: "Seconds since the metrics were created",
	}, func() float64 { return time.Since(m.started).Seconds() })

	m.BackwardSyncDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace, Name: "backward_sync_duration_seconds", Help: "Backward sync latency",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	})
	m.ProbeDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace, Name: "probe_duration_seconds", Help: "Storage probe latency",
		Buckets: prometheus.DefBuckets,
	})

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.LeavesAppendedTotal, m.LeavesReconstructedTotal, m.StorageLeavesTotal,
		m.GapLeavesTotal, m.DuplicateEventsTotal, m.BatchesTotal, m.BlocksPublishedTotal,
		m.ProbesTotal, m.ErrorsTotal,
		m.HighestCommitted, m.SyncState, m.LastPolledBlock, m.UptimeSeconds,
		m.BackwardSyncDuration, m.ProbeDuration,
	)
	m.HighestCommitted.Set(-1)
	return m
}

// Registry returns the registry the metrics live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RecordProbe counts a finished probe.
func (m *Metrics) RecordProbe(result string, d time.Duration) {
	m.ProbesTotal.WithLabelValues(result).Inc()
	m.ProbeDuration.Observe(d.Seconds())
}

// RecordError counts a failed operation.
func (m *Metrics) RecordError(op string) {
	m.ErrorsTotal.WithLabelValues(op).Inc()
}

// RecordCommit records a leaf applied to the local accumulator.
func (m *Metrics) RecordCommit(index uint64) {
	m.LeavesAppendedTotal.Inc()
	m.HighestCommitted.Set(float64(index))
}

// StartBackwardTimer returns a func that observes the elapsed time.
func (m *Metrics) StartBackwardTimer() func() {
	start := time.Now()
	return func() { m.BackwardSyncDuration.Observe(time.Since(start).Seconds()) }
}
