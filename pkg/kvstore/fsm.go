package kvstore

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/hashicorp/raft"
)

// record is one stored value plus its optional expiry.
type record struct {
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expiresAt,omitempty"`
	HasTTL    bool      `json:"hasTTL"`
}

func (r record) expired(now time.Time) bool {
	return r.HasTTL && now.After(r.ExpiresAt)
}

// opKind enumerates the Raft log command kinds the FSM accepts.
type opKind string

const (
	opSet    opKind = "set"
	opDelete opKind = "delete"
	opCAS    opKind = "cas"
)

// command is one Raft log entry, a Command{Op, Data} shape combined
// with the CAS and TTL fields Gantry's coordination protocol needs.
//
// For CAS commands, Expected carries the value the caller last observed.
// ExpectAbsent distinguishes "expect the path to not exist" from
// "expect it to hold the empty string", since both render identically
// as a zero-value Go string. Now is stamped by the proposing leader in
// RaftStore.apply before the entry is marshalled, so every replica
// computes the same ExpiresAt and the same expired-on-read-during-CAS
// decision from the same input, instead of each node's own apply-time
// clock.
type command struct {
	Op           opKind        `json:"op"`
	Path         string        `json:"path"`
	Value        string        `json:"value"`
	TTL          time.Duration `json:"ttl"`
	Expected     string        `json:"expected"`
	ExpectAbsent bool          `json:"expectAbsent"`
	Now          time.Time     `json:"now"`
}

// casResult is returned from Apply for a "cas" command so CompareAndSet
// can report whether it won without a second round trip.
type casResult struct {
	Applied bool
}

// fsm is the Raft finite state machine backing the key-value store: an
// in-memory map guarded by a mutex, snapshotted as JSON. Apply never
// calls time.Now() itself; every time-dependent decision it makes (an
// existing CAS target's expiry, a new record's ExpiresAt) is computed
// from the command's own Now field, stamped once by the proposing
// leader, so Apply stays a pure function of its input, as Raft
// requires. Only the read path (Store.Get, fsm.get) evaluates expiry
// against the caller's own clock, since a read never mutates replicated
// state.
type fsm struct {
	mu   sync.RWMutex
	data map[string]record
}

func newFSM() *fsm {
	return &fsm{data: make(map[string]record)}
}

// Apply implements raft.FSM.
func (f *fsm) Apply(logEntry *raft.Log) interface{} {
	var cmd command
	if err := json.Unmarshal(logEntry.Data, &cmd); err != nil {
		return fmt.Errorf("kvstore: unmarshal command: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Op {
	case opSet:
		f.data[cmd.Path] = newRecord(cmd.Value, cmd.TTL, cmd.Now)
		return nil

	case opDelete:
		delete(f.data, cmd.Path)
		return nil

	case opCAS:
		existing, ok := f.data[cmd.Path]
		if ok && existing.expired(cmd.Now) {
			ok = false
		}
		var matches bool
		if cmd.ExpectAbsent {
			matches = !ok
		} else {
			matches = ok && existing.Value == cmd.Expected
		}
		if !matches {
			return casResult{Applied: false}
		}
		f.data[cmd.Path] = newRecord(cmd.Value, cmd.TTL, cmd.Now)
		return casResult{Applied: true}

	default:
		return fmt.Errorf("kvstore: unknown op %q", cmd.Op)
	}
}

func newRecord(value string, ttl time.Duration, now time.Time) record {
	r := record{Value: value}
	if ttl > 0 {
		r.HasTTL = true
		r.ExpiresAt = now.Add(ttl)
	}
	return r
}

// Snapshot implements raft.FSM.
func (f *fsm) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	data := make(map[string]record, len(f.data))
	for k, v := range f.data {
		data[k] = v
	}
	return &fsmSnapshot{data: data}, nil
}

// Restore implements raft.FSM.
func (f *fsm) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	var data map[string]record
	if err := json.NewDecoder(rc).Decode(&data); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data = data
	return nil
}

func (f *fsm) get(path string) (record, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	r, ok := f.data[path]
	if !ok || r.expired(time.Now()) {
		return record{}, false
	}
	return r, true
}

// fsmSnapshot implements raft.FSMSnapshot, matching the standard
// Persist/Release shape used by Raft-backed key-value FSMs.
type fsmSnapshot struct {
	data map[string]record
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s.data); err != nil {
			return err
		}
		return sink.Close()
	}()
	if err != nil {
		sink.Cancel()
	}
	return err
}

func (s *fsmSnapshot) Release() {}
