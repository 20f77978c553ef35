package kvstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/devtable/gantry/pkg/metrics"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
)

// Config configures a single Store node. A Gantry deployment normally
// runs one small Raft quorum shared by every host's daemon process,
// bootstrapped once and joined by the rest.
type Config struct {
	NodeID   string
	BindAddr string
	DataDir  string
}

// Store is the distributed key-value store contract Gantry coordinates
// through: get/set/delete plus an atomic compare-and-swap, with
// per-key TTL.
type Store interface {
	Get(path string) (string, bool, error)
	Set(path, value string, ttl time.Duration) error
	Delete(path string) error
	CompareAndSet(path, newValue, expectedValue string) (bool, error)
	CompareAndSetAbsent(path, newValue string) (bool, error)
	Close() error
}

// RaftStore implements Store on top of hashicorp/raft with a
// raft-boltdb log/stable store and the usual transport/snapshot/
// log-store bootstrap wiring.
type RaftStore struct {
	raft     *raft.Raft
	fsm      *fsm
	nodeID   string
	bindAddr string
}

// Open creates the Raft node's on-disk stores and transport but does
// not yet make it part of a cluster; call Bootstrap to found a new
// single-node cluster, or have an existing member's gateway AddVoter
// this node in to join one already running.
func Open(cfg Config) (*RaftStore, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("kvstore: create data dir: %w", err)
	}

	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(cfg.NodeID)

	transport, err := raft.NewTCPTransport(cfg.BindAddr, nil, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("kvstore: create transport: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(cfg.DataDir, 2, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("kvstore: create snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-log.db"))
	if err != nil {
		return nil, fmt.Errorf("kvstore: create log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-stable.db"))
	if err != nil {
		return nil, fmt.Errorf("kvstore: create stable store: %w", err)
	}

	theFSM := newFSM()
	r, err := raft.NewRaft(raftCfg, theFSM, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return nil, fmt.Errorf("kvstore: create raft: %w", err)
	}

	return &RaftStore{raft: r, fsm: theFSM, nodeID: cfg.NodeID, bindAddr: string(transport.LocalAddr())}, nil
}

// Bootstrap forms a new single-node cluster with this node as the only
// voter. Additional hosts join via Join + the leader's AddVoter.
func (s *RaftStore) Bootstrap() error {
	cfg := raft.Configuration{
		Servers: []raft.Server{{
			ID:      raft.ServerID(s.nodeID),
			Address: raft.ServerAddress(s.bindAddr),
		}},
	}
	future := s.raft.BootstrapCluster(cfg)
	if err := future.Error(); err != nil && err != raft.ErrCantBootstrap {
		return fmt.Errorf("kvstore: bootstrap: %w", err)
	}
	return nil
}

// AddVoter adds another node to the cluster; only the leader can do
// this successfully.
func (s *RaftStore) AddVoter(nodeID, addr string) error {
	future := s.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(addr), 0, 10*time.Second)
	return future.Error()
}

// IsLeader reports whether this node currently holds the Raft leadership.
func (s *RaftStore) IsLeader() bool {
	return s.raft.State() == raft.Leader
}

func (s *RaftStore) apply(cmd command) (interface{}, error) {
	if s.raft.State() != raft.Leader {
		return nil, fmt.Errorf("kvstore: not leader (leader is %q)", s.raft.Leader())
	}
	// Stamped once, here, by the leader proposing the entry: every
	// replica's Apply uses this same value instead of its own clock, so
	// the FSM stays deterministic across the cluster.
	cmd.Now = time.Now()
	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("kvstore: marshal command: %w", err)
	}
	future := s.raft.Apply(data, 5*time.Second)
	if err := future.Error(); err != nil {
		return nil, fmt.Errorf("kvstore: apply: %w", err)
	}
	if respErr, ok := future.Response().(error); ok && respErr != nil {
		return nil, respErr
	}
	return future.Response(), nil
}

// Get returns the value at path, or ok=false if absent or expired.
func (s *RaftStore) Get(path string) (string, bool, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.KVStoreOpDuration, "get")

	r, ok := s.fsm.get(path)
	if !ok {
		return "", false, nil
	}
	return r.Value, true, nil
}

// Set writes value at path. ttl<=0 means no expiry.
func (s *RaftStore) Set(path, value string, ttl time.Duration) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.KVStoreOpDuration, "set")

	_, err := s.apply(command{Op: opSet, Path: path, Value: value, TTL: ttl})
	return err
}

// Delete removes path, if present.
func (s *RaftStore) Delete(path string) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.KVStoreOpDuration, "delete")

	_, err := s.apply(command{Op: opDelete, Path: path})
	return err
}

// CompareAndSet atomically writes newValue at path iff the current
// value equals expectedValue.
func (s *RaftStore) CompareAndSet(path, newValue, expectedValue string) (bool, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.KVStoreOpDuration, "cas")

	return s.casApply(command{Op: opCAS, Path: path, Value: newValue, Expected: expectedValue})
}

// CompareAndSetAbsent atomically writes newValue at path iff path does
// not currently exist (or has expired), the "create" case of CAS,
// used when a ComponentState or MachineState has never been written.
func (s *RaftStore) CompareAndSetAbsent(path, newValue string) (bool, error) {
	return s.casApply(command{Op: opCAS, Path: path, Value: newValue, ExpectAbsent: true})
}

func (s *RaftStore) casApply(cmd command) (bool, error) {
	resp, err := s.apply(cmd)
	if err != nil {
		return false, err
	}
	result, ok := resp.(casResult)
	if !ok {
		return false, fmt.Errorf("kvstore: unexpected CAS response %T", resp)
	}
	return result.Applied, nil
}

func (s *RaftStore) Close() error {
	future := s.raft.Shutdown()
	return future.Error()
}
