package metadata

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketContainers = []byte("containers")
	bucketComponents = []byte("components")
)

// Status is a container's lifecycle status as tracked by the metadata
// store. Absence of a container entry means StatusUnknown.
type Status string

const (
	StatusUnknown      Status = "unknown"
	StatusStarting     Status = "starting"
	StatusRunning      Status = "running"
	StatusDraining     Status = "draining"
	StatusShuttingDown Status = "shutting-down"
)

// ContainerEntry is the persisted record for one container, keyed by its
// short (12-hex) id.
type ContainerEntry struct {
	Status    Status `json:"status"`
	Component string `json:"component"`
}

// Store is the MetadataStore contract Component and RuntimeManager use.
// All reads reflect the most recently committed write in this process;
// bbolt gives us crash-safety for free, though the contract does not
// require it (a restart losing the status field degrades a container to
// StatusUnknown and the watcher recomputes it).
type Store interface {
	ContainerStatus(shortID string) (ContainerEntry, bool)
	SetContainerStatus(shortID string, status Status, component string) error
	ForgetContainer(shortID string) error
	AllContainers() (map[string]ContainerEntry, error)

	ComponentField(component, field string) (string, bool)
	SetComponentField(component, field, value string) error

	Close() error
}

// BoltStore is the bbolt-backed implementation: one file per host,
// two buckets, JSON-encoded values. The component's field map is stored
// as a single JSON blob per component name to keep field addition
// transactional without a third bucket layer.
type BoltStore struct {
	mu sync.Mutex
	db *bolt.DB
}

// Open creates or opens the metadata database under dataDir.
func Open(dataDir string) (*BoltStore, error) {
	path := filepath.Join(dataDir, "gantry_metadata.db")
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open metadata store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketContainers); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketComponents)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init metadata buckets: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error { return s.db.Close() }

func (s *BoltStore) ContainerStatus(shortID string) (ContainerEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var entry ContainerEntry
	found := false
	_ = s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketContainers).Get([]byte(shortID))
		if data == nil {
			return nil
		}
		found = json.Unmarshal(data, &entry) == nil
		return nil
	})
	if !found {
		return ContainerEntry{Status: StatusUnknown}, false
	}
	return entry, true
}

// SetContainerStatus writes status, preserving a previously-recorded
// component name if the caller passes an empty one (component assignment
// is sticky for the lifetime of the container).
func (s *BoltStore) SetContainerStatus(shortID string, status Status, component string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketContainers)
		entry := ContainerEntry{Status: status, Component: component}
		if component == "" {
			if data := b.Get([]byte(shortID)); data != nil {
				var existing ContainerEntry
				if json.Unmarshal(data, &existing) == nil {
					entry.Component = existing.Component
				}
			}
		}
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return b.Put([]byte(shortID), data)
	})
}

func (s *BoltStore) ForgetContainer(shortID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketContainers).Delete([]byte(shortID))
	})
}

func (s *BoltStore) AllContainers() (map[string]ContainerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := map[string]ContainerEntry{}
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketContainers).ForEach(func(k, v []byte) error {
			var entry ContainerEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			out[string(k)] = entry
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) ComponentField(component, field string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fields := s.loadComponentFields(component)
	v, ok := fields[field]
	return v, ok
}

func (s *BoltStore) SetComponentField(component, field, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketComponents)
		fields := map[string]string{}
		if data := b.Get([]byte(component)); data != nil {
			_ = json.Unmarshal(data, &fields)
		}
		fields[field] = value
		data, err := json.Marshal(fields)
		if err != nil {
			return err
		}
		return b.Put([]byte(component), data)
	})
}

// loadComponentFields must be called with s.mu held.
func (s *BoltStore) loadComponentFields(component string) map[string]string {
	fields := map[string]string{}
	_ = s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketComponents).Get([]byte(component))
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &fields)
	})
	return fields
}

// ShortID returns the 12-character short id used as the metadata key,
// from a full 64-hex container engine id.
func ShortID(dockerID string) string {
	if len(dockerID) <= 12 {
		return dockerID
	}
	return dockerID[:12]
}
