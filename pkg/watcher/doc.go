// Package watcher implements ComponentWatcher: the per-component
// control loop pair: a command loop that observes ComponentState and
// drives local rollout/stop/kill actions, and a liveness loop that
// self-heals a component whose health checks start failing, serialized
// against the command loop by a shared updateLock.
//
// Grounded on the original gantryd watcher thread pair (not present
// verbatim in original_source, but described by componentstate.py's
// status vocabulary and etcdstate.py's compare-and-swap contract) and
// reworked as a goroutine-per-loop pair started by a single Run method
// that returns once its context is cancelled, with the original's
// threading.Event replaced
// by a small closable-channel signal the two loops share.
package watcher
