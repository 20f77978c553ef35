package daemon

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/devtable/gantry/pkg/kvstore"
	"github.com/devtable/gantry/pkg/log"
	"github.com/devtable/gantry/pkg/runtime"
	"github.com/devtable/gantry/pkg/state"
	"github.com/devtable/gantry/pkg/watcher"
	"github.com/rs/zerolog"
)

// Host is one fleet member's `gantryd run` process: a RuntimeManager, one
// ComponentWatcher per declared component racing for the CAS update lock
// against every other host, a refreshed MachineState liveness record, and
// a Collector feeding the metrics gauges. It is the Go analogue of the
// original gantryd.py's main loop.
type Host struct {
	rm      *runtime.RuntimeManager
	handles *Handles
	store   *kvstore.RaftStore
	project string
	machine string

	watchers     []*watcher.Watcher
	stateOf      map[string]*state.ComponentStateHandle
	machineState *state.MachineStateHandle
	Collector    *Collector

	logger zerolog.Logger
}

// NewHost builds a watcher for every component rm knows about, bound to
// project and machineID.
func NewHost(project, machineID string, rm *runtime.RuntimeManager, handles *Handles, store *kvstore.RaftStore) *Host {
	h := &Host{
		rm:           rm,
		handles:      handles,
		store:        store,
		project:      project,
		machine:      machineID,
		stateOf:      make(map[string]*state.ComponentStateHandle),
		machineState: state.NewMachineStateHandle(store, project, machineID),
		logger:       log.WithProject(project),
	}

	for _, c := range rm.Components() {
		stateHandle := state.NewComponentStateHandle(store, project, c.Name())
		h.stateOf[c.Name()] = stateHandle
		h.watchers = append(h.watchers, watcher.New(c, stateHandle, machineID))
	}
	h.Collector = NewCollector(rm, handles.Proxy(), store, h.stateOf)

	return h
}

// componentNames returns every component name this host runs, for the
// MachineState record.
func (h *Host) componentNames() []string {
	names := make([]string, 0, len(h.watchers))
	for name := range h.stateOf {
		names = append(names, name)
	}
	return names
}

// localIP picks the first non-loopback IPv4 address for the MachineState
// record, falling back to "127.0.0.1" when none is found (a single-box
// development setup).
func localIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if ip4 := ipNet.IP.To4(); ip4 != nil {
			return ip4.String()
		}
	}
	return "127.0.0.1"
}

// Run registers this host's MachineState, starts every ComponentWatcher,
// the MachineState refresh loop, and the Collector, then blocks until ctx
// is cancelled. On return it deregisters the MachineState (a clean exit;
// an unclean one relies on the TTL instead) and closes every resource
// BuildRuntime opened.
func (h *Host) Run(ctx context.Context) error {
	names := h.componentNames()
	ip := localIP()

	if err := h.machineState.Register(names, ip); err != nil {
		h.logger.Warn().Err(err).Msg("register machine state failed")
	}

	var wg sync.WaitGroup
	for _, w := range h.watchers {
		wg.Add(1)
		go func(w *watcher.Watcher) {
			defer wg.Done()
			w.Run(ctx)
		}(w)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		h.refreshMachineState(ctx, names, ip)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		h.Collector.Run(ctx)
	}()

	<-ctx.Done()
	wg.Wait()

	if err := h.machineState.Remove(); err != nil {
		h.logger.Warn().Err(err).Msg("deregister machine state failed")
	}
	return h.handles.Close()
}

// refreshMachineState re-writes this host's MachineState at TTL-ε so its
// liveness record never lapses while the process is healthy.
func (h *Host) refreshMachineState(ctx context.Context, names []string, ip string) {
	ticker := time.NewTicker(state.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := h.machineState.Register(names, ip); err != nil {
				h.logger.Warn().Err(err).Msg("refresh machine state failed")
			}
		}
	}
}
