// Package state implements the two CAS-backed records built on top of
// pkg/kvstore: ComponentState (the per-component rollout record hosts
// coordinate through) and MachineState (a TTL-refreshed liveness record
// for each host). It also owns the KV store path layout and the
// project Configuration record.
//
// Grounded on the original system's gantryd/etcdstate.py (a thin
// get/replace/set wrapper keyed by a path), gantryd/componentstate.py,
// gantryd/machinestate.py, and gantryd/etcdpaths.py; reworked as typed
// Go structs with JSON (de)serialization and the pkg/kvstore CAS
// contract in place of etcd's test_and_set.
package state
