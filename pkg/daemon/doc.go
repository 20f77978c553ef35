// Package daemon wires the per-host pieces (engine, metadata store, proxy,
// runtime manager) into Gantry's two running modes: the single-host
// `gantry` control tool (pkg/daemon's Local) and the
// fleet-coordinated `gantryd` daemon (Host, backed by a KV store and one
// ComponentWatcher per component) plus its one-shot operator actions
// against the KV store (Client). It is the Go analogue of the original
// gantry.py/gantryd.py/gantryd/client.py trio, following the convention
// of building the long-lived pieces in main and handing the rest to
// small per-concern types.
package daemon
