package engine

import "github.com/prometheus/client_golang/prometheus"

const (
	outcomeSuccess  = "success"
	outcomeFailure  = "failure"
	outcomeSkipped  = "skipped"
	outcomeRejected = "rejected"
	outcomeOffline  = "offline"
)

type metrics struct {
	cycles    *prometheus.CounterVec
	conflicts *prometheus.CounterVec
	backups   *prometheus.CounterVec
	duration  prometheus.Histogram
	pending   prometheus.Gauge
	lastSync  prometheus.Gauge
}

// newMetrics builds the engine collectors and registers them on reg when it
// is not nil. Unregistered collectors still count, they are just not exported.
func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "statesync",
			Name:      "cycles_total",
			Help:      "Reconciliation cycles by outcome.",
		}, []string{"outcome"}),
		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "statesync",
			Name:      "conflicts_detected_total",
			Help:      "Conflicts detected by entity kind.",
		}, []string{"kind"}),
		backups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "statesync",
			Name:      "backups_created_total",
			Help:      "Backup creation attempts by outcome.",
		}, []string{"outcome"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "statesync",
			Name:      "cycle_duration_seconds",
			Help:      "Duration of reconciliation cycles.",
			Buckets:   []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5},
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "statesync",
			Name:      "pending_changes",
			Help:      "Change markers waiting for the next successful cycle.",
		}),
		lastSync: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "statesync",
			Name:      "last_sync_timestamp_seconds",
			Help:      "Start time of the last successful cycle.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.cycles, m.conflicts, m.backups, m.duration, m.pending, m.lastSync)
	}
	return m
}
