package state

import (
	"encoding/json"

	"github.com/devtable/gantry/pkg/kvstore"
)

// Status is a ComponentState's lifecycle status.
type Status string

const (
	StatusReady      Status = "ready"
	StatusStopped    Status = "stopped"
	StatusKilled     Status = "killed"
	StatusUpdating   Status = "updating"
	StatusPullFail   Status = "pullfail"
	StatusUpdateFail Status = "updatefail"
	StatusUnknown    Status = "unknown"
)

// ComponentState is the CAS-backed rollout record at
// /gantryd/projects/<p>/components/<c>/state.
type ComponentState struct {
	Status  Status `json:"status"`
	ImageID string `json:"imageid,omitempty"`
	Machine string `json:"machine,omitempty"`
}

// ComponentStateHandle reads and CAS-writes a single component's state.
// It mirrors the original system's EtcdState/ComponentState pairing: a
// thin path-scoped wrapper over the raw get/compareAndSet store calls.
type ComponentStateHandle struct {
	store   kvstore.Store
	path    string
	project string
	name    string
}

// NewComponentStateHandle binds a handle to one component within a project.
func NewComponentStateHandle(store kvstore.Store, project, component string) *ComponentStateHandle {
	return &ComponentStateHandle{
		store:   store,
		path:    ComponentStatePath(project, component),
		project: project,
		name:    component,
	}
}

// Get returns the current state, or {Status: StatusUnknown} if absent
// or unparsable.
func (h *ComponentStateHandle) Get() ComponentState {
	raw, ok, err := h.store.Get(h.path)
	if err != nil || !ok {
		return ComponentState{Status: StatusUnknown}
	}
	var s ComponentState
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return ComponentState{Status: StatusUnknown}
	}
	return s
}

// Set unconditionally overwrites the state (used by operator-driven
// commands: stop, kill, update-request).
func (h *ComponentStateHandle) Set(s ComponentState) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return h.store.Set(h.path, string(data), 0)
}

// CompareAndSet atomically replaces observed with next, succeeding only
// if the stored value still round-trips to exactly observed. This backs
// the per-component update lock: only the host whose CAS succeeds may
// hold status=updating.
func (h *ComponentStateHandle) CompareAndSet(observed, next ComponentState) (bool, error) {
	observedData, err := json.Marshal(observed)
	if err != nil {
		return false, err
	}
	nextData, err := json.Marshal(next)
	if err != nil {
		return false, err
	}
	return h.store.CompareAndSet(h.path, string(nextData), string(observedData))
}
