/*
Package metrics provides Prometheus metrics collection and exposition for a
Gantry host daemon.

Every metric is a package-level variable registered with the default
Prometheus registry at init(); callers update them inline at the operation
site (watcher, component, runtime) rather than through a periodic sampler,
except for the gauges that reflect steady-state counts (components,
containers, ComponentState), which a daemon-owned collector refreshes on a
tick.

# Metrics Catalog

gantry_components_total: Gauge. Number of components declared on this host.

gantry_containers_total{component,status}: Gauge. Containers by component and
metadata status (starting, running, draining, shutting-down, unknown).

gantry_primary_missing_total: Gauge. Components with no primary container.

gantry_component_state_status{component,status}: Gauge. 1 for the
ComponentState status currently observed for a component.

gantry_updates_total{component,outcome}: Counter. Rollovers attempted, by
outcome (ready, pullfail, updatefail).

gantry_update_duration_seconds{component}: Histogram. Component.Update wall time.

gantry_cas_conflicts_total{component}: Counter. Lost CAS attempts on
ComponentState, a proxy for cross-host rollout contention.

gantry_self_heals_total{component,outcome}: Counter. Liveness-loop restarts.

gantry_ready_check_duration_seconds{component}: Histogram. Time spent in the
ready-check driver after a new container starts.

gantry_termination_duration_seconds{component}: Histogram. Drain time from
a termination worker picking the container up to stop.

gantry_health_check_failures_total{component}: Counter. Failed steady-state
health-check evaluations (ready-check failures are not counted).

gantry_proxy_routes_total: Gauge. Routes in the last committed table.

gantry_proxy_connections_total: Gauge. Live connections reported by the proxy.

gantry_proxy_commit_duration_seconds: Histogram. Proxy Commit() wall time.

gantry_kvstore_op_duration_seconds{op}: Histogram. KV store call latency.

gantry_kvstore_is_leader: Gauge. Whether this host's Raft node is leader.

# Usage

	timer := metrics.NewTimer()
	err := component.Update(ctx)
	timer.ObserveDurationVec(metrics.UpdateDuration, component.Name())
	if err != nil {
		metrics.UpdatesTotal.WithLabelValues(component.Name(), "updatefail").Inc()
	}

# Integration points

  - pkg/watcher: update/self-heal counters and timers
  - pkg/component: ready-check timer, health-check failure counter
  - pkg/runtime: proxy commit timer/gauge, termination timer
  - pkg/daemon: the Collector that refreshes the steady-state gauges
    alongside the watcher loops
  - cmd/gantryd: serves /metrics, /health, /ready, /live during run
*/
package metrics
