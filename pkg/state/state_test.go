package state

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeStore is a minimal in-memory kvstore.Store for exercising the
// state package without standing up a real Raft node.
type fakeStore struct {
	mu   sync.Mutex
	data map[string]string
}

func newFakeStore() *fakeStore { return &fakeStore{data: map[string]string{}} }

func (f *fakeStore) Get(path string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[path]
	return v, ok, nil
}

func (f *fakeStore) Set(path, value string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[path] = value
	return nil
}

func (f *fakeStore) Delete(path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.data, path)
	return nil
}

func (f *fakeStore) CompareAndSet(path, newValue, expectedValue string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.data[path] != expectedValue {
		return false, nil
	}
	f.data[path] = newValue
	return true, nil
}

func (f *fakeStore) CompareAndSetAbsent(path, newValue string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.data[path]; ok {
		return false, nil
	}
	f.data[path] = newValue
	return true, nil
}

func (f *fakeStore) Close() error { return nil }

func TestComponentStatePaths(t *testing.T) {
	require.Equal(t, "/gantryd/projects/acme/components/web/state", ComponentStatePath("acme", "web"))
	require.Equal(t, "/gantryd/projects/acme/config", ProjectConfigPath("acme"))
	require.Equal(t, "/gantryd/projects/acme/machines/host1/state", MachineStatePath("acme", "host1"))
}

func TestComponentStateGetAbsentIsUnknown(t *testing.T) {
	h := NewComponentStateHandle(newFakeStore(), "acme", "web")
	require.Equal(t, StatusUnknown, h.Get().Status)
}

func TestComponentStateSetAndGet(t *testing.T) {
	h := NewComponentStateHandle(newFakeStore(), "acme", "web")
	require.NoError(t, h.Set(ComponentState{Status: StatusReady, ImageID: "sha256:abc"}))

	got := h.Get()
	require.Equal(t, StatusReady, got.Status)
	require.Equal(t, "sha256:abc", got.ImageID)
}

func TestComponentStateCompareAndSetWinnerLoser(t *testing.T) {
	store := newFakeStore()
	h := NewComponentStateHandle(store, "acme", "web")
	require.NoError(t, h.Set(ComponentState{Status: StatusReady, ImageID: "I1"}))

	observed := h.Get()
	ok, err := h.CompareAndSet(observed, ComponentState{Status: StatusUpdating, Machine: "host1"})
	require.NoError(t, err)
	require.True(t, ok)

	// A second host racing on the stale observation must lose.
	ok, err = h.CompareAndSet(observed, ComponentState{Status: StatusUpdating, Machine: "host2"})
	require.NoError(t, err)
	require.False(t, ok)

	require.Equal(t, "host1", h.Get().Machine)
}

func TestMachineStateRegisterGetRemove(t *testing.T) {
	store := newFakeStore()
	h := NewMachineStateHandle(store, "acme", "host1")

	require.NoError(t, h.Register([]string{"web", "api"}, "10.0.0.5"))
	got := h.Get()
	require.Equal(t, MachineStatusRunning, got.Status)
	require.ElementsMatch(t, []string{"web", "api"}, got.Components)
	require.Equal(t, "10.0.0.5", got.IP)

	require.NoError(t, h.Remove())
	require.Equal(t, "unknown", h.Get().Status)
}
