package state

import (
	"encoding/json"
	"time"

	"github.com/devtable/gantry/pkg/kvstore"
)

// MachineState is the TTL-refreshed liveness record for a host, at
// /gantryd/projects/<p>/machines/<mid>/state.
type MachineState struct {
	Status     string   `json:"status"`
	Components []string `json:"components"`
	IP         string   `json:"ip"`
}

const MachineStatusRunning = "running"

// MachineStateHandle registers and refreshes one host's liveness
// record. It is refreshed at TTL-ε; absence of the record means the
// host is considered lost.
type MachineStateHandle struct {
	store kvstore.Store
	path  string
}

func NewMachineStateHandle(store kvstore.Store, project, machineID string) *MachineStateHandle {
	return &MachineStateHandle{store: store, path: MachineStatePath(project, machineID)}
}

// Register writes the initial (or refreshed) liveness record with the
// given component set and host IP, carrying the standard TTL.
func (h *MachineStateHandle) Register(componentNames []string, ip string) error {
	data, err := json.Marshal(MachineState{
		Status:     MachineStatusRunning,
		Components: componentNames,
		IP:         ip,
	})
	if err != nil {
		return err
	}
	return h.store.Set(h.path, string(data), MachineStateTTLSeconds*time.Second)
}

// Get returns the current liveness record, or a zero-value
// {Status: "unknown"} record if the TTL has lapsed (or it was never
// written).
func (h *MachineStateHandle) Get() MachineState {
	raw, ok, err := h.store.Get(h.path)
	if err != nil || !ok {
		return MachineState{Status: "unknown"}
	}
	var s MachineState
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return MachineState{Status: "unknown"}
	}
	return s
}

// Remove deletes this host's liveness record on clean shutdown; an
// unclean exit relies on the KV store's TTL instead.
func (h *MachineStateHandle) Remove() error {
	return h.store.Delete(h.path)
}

// RefreshInterval is the interval at which a running daemon re-writes
// its MachineState: TTL-ε.
const RefreshInterval = (MachineStateTTLSeconds - 10) * time.Second
