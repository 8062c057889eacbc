// Package metrics owns the Prometheus registry and renders it in the OpenMetrics format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ghactivity"

// Metrics holds the process counters and gauges.
type Metrics struct {
	registry *prometheus.Registry

	upstreamRequests  *prometheus.CounterVec
	fetchFailures     *prometheus.CounterVec
	eventsIngested    *prometheus.CounterVec
	issuesReconciled  *prometheus.CounterVec
	labelEvents       *prometheus.CounterVec
	fullSyncRemaining *prometheus.GaugeVec
	jobs              *prometheus.CounterVec
	jobsDeadLettered  prometheus.Counter
	cycleDuration     *prometheus.HistogramVec
	isLeader          prometheus.Gauge
}

// New creates and registers the process metrics. A non-nil snapshot reader adds store-derived gauges.
func New(snapshot SnapshotReader) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		upstreamRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_requests_total",
			Help:      "Upstream API calls by operation and outcome.",
		}, []string{"op", "status"}),
		fetchFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_failures_total",
			Help:      "Event feeds skipped because they could not be read.",
		}, []string{"source"}),
		eventsIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_ingested_total",
			Help:      "Fetched events by ingestion result.",
		}, []string{"result"}),
		issuesReconciled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "issues_reconciled_total",
			Help:      "Issue reconciliations by outcome and path.",
		}, []string{"path", "outcome"}),
		labelEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "label_events_total",
			Help:      "Label timeline events by result.",
		}, []string{"result"}),
		fullSyncRemaining: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "full_sync_remaining_pages",
			Help:      "Pages left in the latest persisted full-sync checkpoint.",
		}, []string{"repo"}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Detached jobs by kind and result.",
		}, []string{"kind", "result"}),
		jobsDeadLettered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_dead_lettered_total",
			Help:      "Jobs moved to the dead-letter queue.",
		}),
		cycleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Duration of scheduled cycles.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"cycle", "result"}),
		isLeader: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "leader",
			Help:      "1 while this replica runs the scheduler.",
		}),
	}

	m.registry.MustRegister(
		m.upstreamRequests,
		m.fetchFailures,
		m.eventsIngested,
		m.issuesReconciled,
		m.labelEvents,
		m.fullSyncRemaining,
		m.jobs,
		m.jobsDeadLettered,
		m.cycleDuration,
		m.isLeader,
	)
	if snapshot != nil {
		m.registry.MustRegister(&snapshotCollector{reader: snapshot})
	}
	return m
}

// Handler renders the registry, negotiating OpenMetrics when requested.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Registry exposes the registry for additional collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveUpstream counts one upstream call.
func (m *Metrics) ObserveUpstream(op, status string) {
	m.upstreamRequests.WithLabelValues(op, status).Inc()
}

// AddFetchFailures counts skipped feeds of a source kind.
func (m *Metrics) AddFetchFailures(source string, count int) {
	if count > 0 {
		m.fetchFailures.WithLabelValues(source).Add(float64(count))
	}
}

// AddIngested counts events of one ingestion result.
func (m *Metrics) AddIngested(result string, count int) {
	if count > 0 {
		m.eventsIngested.WithLabelValues(result).Add(float64(count))
	}
}

// AddReconciled counts issue reconciliations.
func (m *Metrics) AddReconciled(path, outcome string, count int) {
	if count > 0 {
		m.issuesReconciled.WithLabelValues(path, outcome).Add(float64(count))
	}
}

// AddLabelEvents counts label timeline events.
func (m *Metrics) AddLabelEvents(result string, count int) {
	if count > 0 {
		m.labelEvents.WithLabelValues(result).Add(float64(count))
	}
}

// SetFullSyncRemaining records the remaining pages of repo.
func (m *Metrics) SetFullSyncRemaining(repo string, pages int) {
	m.fullSyncRemaining.WithLabelValues(repo).Set(float64(pages))
}

// ObserveJob counts one finished job.
func (m *Metrics) ObserveJob(kind, result string) {
	m.jobs.WithLabelValues(kind, result).Inc()
}

// IncDeadLettered counts one dead-lettered job.
func (m *Metrics) IncDeadLettered() {
	m.jobsDeadLettered.Inc()
}

// ObserveCycle records the duration of a scheduled cycle.
func (m *Metrics) ObserveCycle(cycle string, started time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.cycleDuration.WithLabelValues(cycle, result).Observe(time.Since(started).Seconds())
}

// SetLeader records whether this replica leads.
func (m *Metrics) SetLeader(leader bool) {
	if leader {
		m.isLeader.Set(1)
		return
	}
	m.isLeader.Set(0)
}
