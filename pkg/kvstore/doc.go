// Package kvstore implements the distributed key-value store Gantry
// coordinates through: get/set/delete plus an atomic compareAndSet,
// with per-key TTL. ComponentWatcher and MachineState poll this store;
// it is the only state that crosses host boundaries in Gantry (contrast
// pkg/metadata, which is process-local).
//
// Grounded on a Raft bootstrap/Apply idiom (Command/Apply/Snapshot FSM
// shape) extended here with the TTL and compare-and-swap semantics
// Gantry's coordination protocol needs. Reusing a Raft-backed
// key-value FSM rather than a typed-entity store keeps Gantry's data
// plane (ComponentState, MachineState, project config) agnostic to any
// one backing system, treating the KV store as an external
// collaborator named only by its interface.
//
// Server and RemoteClient add a small HTTP gateway in front of a
// RaftStore, so a one-shot operator command or a joining peer can reach
// the cluster without embedding a Raft node of its own, the same
// API-gateway-in-front-of-consensus split a long-running cluster
// manager and its CLI normally have, minus the generated RPC stubs.
package kvstore
