package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Component/container gauges, refreshed by Collector on a tick.
	ComponentsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gantry_components_total",
			Help: "Total number of components declared in this host's configuration",
		},
	)

	ContainersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gantry_containers_total",
			Help: "Total number of containers by component and metadata status",
		},
		[]string{"component", "status"},
	)

	PrimaryMissingTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gantry_primary_missing_total",
			Help: "Number of components with no primary container",
		},
	)

	// ComponentState gauges, one per status value, labeled by component.
	ComponentStateStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gantry_component_state_status",
			Help: "1 for the ComponentState status currently observed for a component, 0 otherwise",
		},
		[]string{"component", "status"},
	)

	// Watcher operation counters.
	UpdatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gantry_updates_total",
			Help: "Total number of rollovers attempted by component and outcome",
		},
		[]string{"component", "outcome"},
	)

	UpdateDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gantry_update_duration_seconds",
			Help:    "Time taken for Component.Update to complete, by component",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"component"},
	)

	CASConflictsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gantry_cas_conflicts_total",
			Help: "Total number of lost compare-and-swap attempts on ComponentState, by component",
		},
		[]string{"component"},
	)

	SelfHealsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gantry_self_heals_total",
			Help: "Total number of liveness-loop self-heal restarts attempted, by component and outcome",
		},
		[]string{"component", "outcome"},
	)

	// Ready/health/termination check instrumentation.
	ReadyCheckDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gantry_ready_check_duration_seconds",
			Help:    "Time spent waiting for a new container's ready checks to pass, by component",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"component"},
	)

	TerminationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gantry_termination_duration_seconds",
			Help:    "Time spent draining a container before it is stopped, by component",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"component"},
	)

	HealthCheckFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gantry_health_check_failures_total",
			Help: "Total number of failed health-check evaluations, by component",
		},
		[]string{"component"},
	)

	// Proxy metrics.
	ProxyRoutesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gantry_proxy_routes_total",
			Help: "Number of routes currently committed to the proxy",
		},
	)

	ProxyConnectionsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gantry_proxy_connections_total",
			Help: "Number of live connections currently reported by the proxy",
		},
	)

	ProxyCommitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gantry_proxy_commit_duration_seconds",
			Help:    "Time taken for a proxy route-table commit",
			Buckets: prometheus.DefBuckets,
		},
	)

	// KV store metrics.
	KVStoreOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gantry_kvstore_op_duration_seconds",
			Help:    "Time taken for a key-value store operation, by op",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	MachineLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gantry_kvstore_is_leader",
			Help: "Whether this host's Raft node currently holds cluster leadership (1 = leader, 0 = follower)",
		},
	)
)

func init() {
	prometheus.MustRegister(
		ComponentsTotal,
		ContainersTotal,
		PrimaryMissingTotal,
		ComponentStateStatus,
		UpdatesTotal,
		UpdateDuration,
		CASConflictsTotal,
		SelfHealsTotal,
		ReadyCheckDuration,
		TerminationDuration,
		HealthCheckFailuresTotal,
		ProxyRoutesTotal,
		ProxyConnectionsTotal,
		ProxyCommitDuration,
		KVStoreOpDuration,
		MachineLeader,
	)
}

// Handler returns the Prometheus scrape handler, served at /metrics by
// `gantryd run` when --metrics-addr is non-empty.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer times a single operation and records its duration to a
// histogram (or histogram vec) once the operation completes.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time to a label combination of
// a histogram vec.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
