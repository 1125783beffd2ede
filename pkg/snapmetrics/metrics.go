// Prometheus metrics of snapshot set operations. snapset is not a long-running server, so
// metrics are exported through node_exporter's textfile collector.
package snapmetrics

import (
	"time"

	"github.com/function61/snapset/pkg/snaptypes"
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	registry *prometheus.Registry

	// using (totalRequests, errors) instead of (successes, errors) b/c:
	//   https://promcon.io/2017-munich/slides/best-practices-and-beastly-pitfalls.pdf
	operations      *prometheus.CounterVec
	operationErrors *prometheus.CounterVec

	resizes    prometheus.Counter
	gcDeleted  prometheus.Counter
	warnings   *prometheus.CounterVec
	sets       *prometheus.GaugeVec
	atRisk     prometheus.Gauge
	lastSetAge prometheus.Gauge

	// not const metrics with timestamps, as the textfile collector rejects those
	jobRuntime *prometheus.GaugeVec
	jobLastRun *prometheus.GaugeVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "snapset_operations_total",
			Help: "Set operations (incl. errors)",
		}, []string{"op"}),
		operationErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "snapset_operation_errors_total",
			Help: "Failed set operations (partial failures included)",
		}, []string{"op"}),
		resizes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "snapset_autoextend_resizes_total",
			Help: "Snapshots grown by autoextend",
		}),
		gcDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "snapset_gc_deleted_sets_total",
			Help: "Sets deleted by retention policies",
		}),
		warnings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "snapset_warnings_total",
			Help: "Non-fatal problems encountered",
		}, []string{"source"}),
		sets: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "snapset_sets",
			Help: "Recorded sets by state",
		}, []string{"state"}),
		atRisk: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "snapset_members_at_risk",
			Help: "Snapshots running out of space that could not be grown",
		}),
		lastSetAge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "snapset_newest_set_age_seconds",
			Help: "Age of the newest active set (alert on this to catch stalled schedules)",
		}),
		jobRuntime: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "snapset_scheduledjob_runtime_seconds",
			Help: "Scheduled job's runtime (seconds)",
		}, []string{"job"}),
		jobLastRun: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "snapset_scheduledjob_last_run_timestamp_seconds",
			Help: "When scheduled job last finished",
		}, []string{"job"}),
	}

	reg.MustRegister(m.operations)
	reg.MustRegister(m.operationErrors)
	reg.MustRegister(m.resizes)
	reg.MustRegister(m.gcDeleted)
	reg.MustRegister(m.warnings)
	reg.MustRegister(m.sets)
	reg.MustRegister(m.atRisk)
	reg.MustRegister(m.lastSetAge)
	reg.MustRegister(m.jobRuntime)
	reg.MustRegister(m.jobLastRun)

	return m
}

func (m *Metrics) Operation(op string, err error) {
	m.operations.With(prometheus.Labels{"op": op}).Inc()

	if err != nil {
		m.operationErrors.With(prometheus.Labels{"op": op}).Inc()
	}
}

func (m *Metrics) Resized(count int) {
	m.resizes.Add(float64(count))
}

func (m *Metrics) GCDeleted(count int) {
	m.gcDeleted.Add(float64(count))
}

func (m *Metrics) Warnings(source string, warnings []snaptypes.Warning) {
	m.warnings.With(prometheus.Labels{"source": source}).Add(float64(len(warnings)))
}

// ObserveSets replaces the set gauges with a census of sets
func (m *Metrics) ObserveSets(sets []snaptypes.Set, now time.Time) {
	m.sets.Reset()
	for _, state := range snaptypes.AllSetStates {
		m.sets.With(prometheus.Labels{"state": string(state)}).Set(0)
	}

	atRisk := 0
	var newest *snaptypes.Set

	for idx, set := range sets {
		m.sets.With(prometheus.Labels{"state": string(set.State)}).Inc()

		for _, member := range set.Members {
			if member.AtRisk {
				atRisk++
			}
		}

		if set.State == snaptypes.SetActive && (newest == nil || set.Timestamp.After(newest.Timestamp)) {
			newest = &sets[idx]
		}
	}

	m.atRisk.Set(float64(atRisk))

	if newest != nil {
		m.lastSetAge.Set(newest.Age(now).Seconds())
	}
}

func (m *Metrics) JobRan(job string, runtime time.Duration, finished time.Time) {
	m.jobRuntime.With(prometheus.Labels{"job": job}).Set(runtime.Seconds())
	m.jobLastRun.With(prometheus.Labels{"job": job}).Set(float64(finished.Unix()))
}

func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}

// WriteTextfile writes all metrics in the text exposition format, atomically replacing path
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.registry)
}
