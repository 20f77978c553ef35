// Package component implements the per-component state machine: the
// only agent allowed to call the container engine for a given
// component's containers, and the owner of the zero-downtime rollover,
// drain, and health-check procedures.
//
// Grounded on the original runtime/component.py (getAllContainers,
// getPrimaryContainer, update, stop, healthCheck, start/ensureImage),
// reworked with explicit dependencies threaded through a constructor
// instead of module-level globals, a narrow Manager interface in place
// of a back-reference to the whole runtime, and the ready-check
// driver's thread+join-with-timeout rewritten as a result channel
// raced against a timer.
package component
