// Package metrics exposes vigil's Prometheus collectors and the optional
// HTTP listener that serves them. Collectors are package-level so the
// monitor can record observations without threading a registry through
// every component; Register attaches them to a registry exactly once.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/steveyegge/vigil/internal/types"
)

const (
	// ResultSuccess labels repair attempts whose action executed cleanly.
	ResultSuccess = "success"
	// ResultFailure labels repair attempts whose action failed or timed out.
	ResultFailure = "failure"
)

var (
	cyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vigil",
			Name:      "cycles_total",
			Help:      "Monitoring cycles completed, partitioned by verdict.",
		},
		[]string{"verdict"},
	)

	probeLatencySeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "vigil",
			Name:      "probe_latency_seconds",
			Help:      "Latency of health probes that reached the service.",
			Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
	)

	incidentsOpenedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "vigil",
			Name:      "incidents_opened_total",
			Help:      "Incidents opened.",
		},
	)

	incidentsClosedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "vigil",
			Name:      "incidents_closed_total",
			Help:      "Incidents closed after the service recovered.",
		},
	)

	incidentsUnresolvedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "vigil",
			Name:      "incidents_unresolved_total",
			Help:      "Incidents parked as unresolved after the repair attempt cap was spent.",
		},
	)

	openIncidents = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "vigil",
			Name:      "open_incidents",
			Help:      "Incidents currently open. Always 0 or 1 while the single-slot invariant holds.",
		},
	)

	repairsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vigil",
			Name:      "repairs_total",
			Help:      "Repair attempts executed, partitioned by action and result.",
		},
		[]string{"action", "result"},
	)

	diagnosesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vigil",
			Name:      "diagnoses_total",
			Help:      "Diagnoses produced, partitioned by source (oracle or fallback rules).",
		},
		[]string{"source"},
	)

	storeSizeBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "vigil",
			Name:      "store_size_bytes",
			Help:      "Size of the incident store database file in bytes.",
		},
	)
)

// Register attaches vigil's collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		cyclesTotal,
		probeLatencySeconds,
		incidentsOpenedTotal,
		incidentsClosedTotal,
		incidentsUnresolvedTotal,
		openIncidents,
		repairsTotal,
		diagnosesTotal,
		storeSizeBytes,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveCycle records one completed monitoring cycle under its final verdict.
func ObserveCycle(verdict types.Verdict) {
	cyclesTotal.WithLabelValues(string(verdict)).Inc()
}

// ObserveProbe records probe latency. Unreachable probes are skipped so
// connection timeouts do not distort the latency distribution.
func ObserveProbe(latency time.Duration, reachable bool) {
	if !reachable {
		return
	}
	if latency < 0 {
		latency = 0
	}
	probeLatencySeconds.Observe(latency.Seconds())
}

// IncidentOpened records a newly opened incident.
func IncidentOpened() {
	incidentsOpenedTotal.Inc()
	openIncidents.Set(1)
}

// IncidentClosed records an incident closed on recovery.
func IncidentClosed() {
	incidentsClosedTotal.Inc()
	openIncidents.Set(0)
}

// IncidentUnresolved records an incident parked after its attempt budget ran out.
// The incident stays in the open slot, so the gauge is left alone.
func IncidentUnresolved() {
	incidentsUnresolvedTotal.Inc()
}

// SetIncidentOpen seeds the open-incident gauge, typically at startup from
// the store's view.
func SetIncidentOpen(open bool) {
	if open {
		openIncidents.Set(1)
		return
	}
	openIncidents.Set(0)
}

// ObserveRepair records one repair attempt and whether its action executed
// cleanly. A clean action that did not restore health still counts as success
// here; the verdict series tells the recovery story.
func ObserveRepair(action types.RepairAction, success bool) {
	result := ResultFailure
	if success {
		result = ResultSuccess
	}
	repairsTotal.WithLabelValues(string(action), result).Inc()
}

// ObserveDiagnosis records which source produced a diagnosis.
func ObserveDiagnosis(source types.DiagnosisSource) {
	diagnosesTotal.WithLabelValues(string(source)).Inc()
}

// SetStoreSize records the current database file size.
func SetStoreSize(bytes int64) {
	if bytes < 0 {
		return
	}
	storeSizeBytes.Set(float64(bytes))
}
