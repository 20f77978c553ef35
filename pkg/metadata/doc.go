// Package metadata is the process-local persistent key-value store: a
// MetadataStore holding two namespaces, container fields keyed by short
// container id and component fields keyed by component name. It is
// read before any container or component operation and written
// transactionally on status change.
//
// Grounded on a bbolt-backed, bucket-per-entity, JSON-marshalled
// storage idiom; unlike a multi-entity cluster store this one is
// deliberately narrow: two buckets, no Raft, no cross-host replication
// (the metadata store is host-local by design; only
// ComponentState/MachineState in pkg/state cross the network).
package metadata
