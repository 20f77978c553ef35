package daemon

import (
	"context"
	"time"

	"github.com/devtable/gantry/pkg/kvstore"
	"github.com/devtable/gantry/pkg/metadata"
	"github.com/devtable/gantry/pkg/metrics"
	"github.com/devtable/gantry/pkg/proxy"
	"github.com/devtable/gantry/pkg/runtime"
	"github.com/devtable/gantry/pkg/state"
)

// CollectorInterval is how often Collector refreshes the steady-state
// gauges.
const CollectorInterval = 15 * time.Second

// knownComponentStatuses enumerates every state.Status value so
// Collector can zero the ones a component isn't currently in, keeping
// gantry_component_state_status a clean one-hot per component rather
// than an ever-growing set of stale label combinations.
var knownComponentStatuses = []state.Status{
	state.StatusReady,
	state.StatusStopped,
	state.StatusKilled,
	state.StatusUpdating,
	state.StatusPullFail,
	state.StatusUpdateFail,
	state.StatusUnknown,
}

// knownContainerStatuses enumerates every metadata.Status value so
// Collector can zero out a status a component no longer has any
// container in, rather than leaving gantry_containers_total stuck at
// its last nonzero value for a status that has since cleared.
var knownContainerStatuses = []metadata.Status{
	metadata.StatusUnknown,
	metadata.StatusStarting,
	metadata.StatusRunning,
	metadata.StatusDraining,
	metadata.StatusShuttingDown,
}

// Collector refreshes the gauges that reflect steady-state counts rather
// than discrete events: component/container counts, ComponentState, proxy
// connections, and Raft leadership. It is kept out of pkg/metrics itself
// to avoid that package needing to import pkg/runtime.
type Collector struct {
	rm         *runtime.RuntimeManager
	proxy      proxy.Facade
	raftStore  *kvstore.RaftStore // nil for a single-host gantry process
	stateOf    map[string]*state.ComponentStateHandle
}

// NewCollector builds a Collector. raftStore may be nil when there is no
// fleet-wide KV store to report leadership for (the single-host `gantry`
// CLI never constructs a Collector at all, but NewCollector tolerates it
// for tests).
func NewCollector(rm *runtime.RuntimeManager, proxyFacade proxy.Facade, raftStore *kvstore.RaftStore, stateOf map[string]*state.ComponentStateHandle) *Collector {
	return &Collector{rm: rm, proxy: proxyFacade, raftStore: raftStore, stateOf: stateOf}
}

// Run ticks collectOnce every CollectorInterval until ctx is cancelled.
func (col *Collector) Run(ctx context.Context) {
	ticker := time.NewTicker(CollectorInterval)
	defer ticker.Stop()

	col.collectOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			col.collectOnce(ctx)
		}
	}
}

func (col *Collector) collectOnce(ctx context.Context) {
	comps := col.rm.Components()
	metrics.ComponentsTotal.Set(float64(len(comps)))

	var missing int
	for _, c := range comps {
		infos, err := c.ContainerInformation(ctx)
		if err == nil {
			counts := map[metadata.Status]int{}
			for _, info := range infos {
				counts[info.Status]++
			}
			for _, status := range knownContainerStatuses {
				metrics.ContainersTotal.WithLabelValues(c.Name(), string(status)).Set(float64(counts[status]))
			}
		}

		if _, _, hasPrimary, err := c.PrimaryContainerNetwork(ctx); err == nil && !hasPrimary {
			missing++
		}

		handle, ok := col.stateOf[c.Name()]
		if !ok {
			continue
		}
		current := handle.Get()
		for _, s := range knownComponentStatuses {
			v := 0.0
			if current.Status == s {
				v = 1
			}
			metrics.ComponentStateStatus.WithLabelValues(c.Name(), string(s)).Set(v)
		}
		metrics.RegisterComponent(c.Name(), current.Status == state.StatusReady, string(current.Status))
	}
	metrics.PrimaryMissingTotal.Set(float64(missing))

	if conns, err := col.proxy.Connections(ctx); err == nil {
		metrics.ProxyConnectionsTotal.Set(float64(len(conns)))
	}

	if col.raftStore != nil {
		leader := 0.0
		if col.raftStore.IsLeader() {
			leader = 1
		}
		metrics.MachineLeader.Set(leader)
	}
}
