package component

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/devtable/gantry/pkg/config"
	"github.com/devtable/gantry/pkg/engine"
	"github.com/devtable/gantry/pkg/metadata"
	"github.com/stretchr/testify/require"
)

// fakeEngine is an in-memory engine.Engine sufficient to drive the
// Component state machine without a real container runtime.
type fakeEngine struct {
	mu         sync.Mutex
	containers map[string]*engine.ContainerInfo
	images     map[string]bool
	killed     map[string]bool
	stopped    map[string]bool
	nextID     int
	readyIP    string // IP assigned to every created container, for health checks
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		containers: map[string]*engine.ContainerInfo{},
		images:     map[string]bool{},
		killed:     map[string]bool{},
		stopped:    map[string]bool{},
		readyIP:    "127.0.0.1",
	}
}

func (e *fakeEngine) ImageID(ctx context.Context, ref string) (string, error) {
	return "sha256:" + ref, nil
}

func (e *fakeEngine) HasImage(ctx context.Context, ref string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.images[ref], nil
}

func (e *fakeEngine) Pull(ctx context.Context, ref string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.images[ref] = true
	return nil
}

func (e *fakeEngine) Containers(ctx context.Context) ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.containers))
	for id := range e.containers {
		ids = append(ids, id)
	}
	return ids, nil
}

func (e *fakeEngine) Inspect(ctx context.Context, id string) (*engine.ContainerInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	info, ok := e.containers[id]
	if !ok {
		return nil, fmt.Errorf("no such container %s", id)
	}
	return info, nil
}

func (e *fakeEngine) Create(ctx context.Context, spec engine.ContainerSpec) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	id := fmt.Sprintf("container-%d-%064d", e.nextID, e.nextID)
	e.containers[id] = &engine.ContainerInfo{
		ID:        id,
		Image:     spec.Image,
		State:     engine.StatePending,
		IPAddress: e.readyIP,
		Gateway:   e.readyIP,
	}
	return id, nil
}

func (e *fakeEngine) Start(ctx context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	info, ok := e.containers[id]
	if !ok {
		return fmt.Errorf("no such container %s", id)
	}
	info.State = engine.StateRunning
	return nil
}

func (e *fakeEngine) Stop(ctx context.Context, id string, timeout time.Duration) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopped[id] = true
	return nil
}

func (e *fakeEngine) Kill(ctx context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.killed[id] = true
	return nil
}

func (e *fakeEngine) Remove(ctx context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.containers, id)
	return nil
}

func (e *fakeEngine) HostPort(ctx context.Context, id string, containerPort int) (int, error) {
	return 0, nil
}

func (e *fakeEngine) ExecCreate(ctx context.Context, id string, command []string) (string, error) {
	return id, nil
}

func (e *fakeEngine) ExecStart(ctx context.Context, execID string) error { return nil }

func (e *fakeEngine) Logs(ctx context.Context, id string) (io.ReadCloser, error) {
	return nil, fmt.Errorf("not supported")
}

func (e *fakeEngine) Close() error { return nil }

// fakeManager is a minimal Manager recording the calls a Component made.
type fakeManager struct {
	mu             sync.Mutex
	updateCalls    []string
	stopCalls      int
	terminated     []string
	links          map[string]LinkInfo
}

func newFakeManager() *fakeManager {
	return &fakeManager{links: map[string]LinkInfo{}}
}

func (m *fakeManager) AdjustForUpdatingComponent(ctx context.Context, c *Component, newContainerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updateCalls = append(m.updateCalls, newContainerID)
	return nil
}

func (m *fakeManager) AdjustForStoppingComponent(ctx context.Context, c *Component) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopCalls++
	return nil
}

func (m *fakeManager) TerminateContainer(c *Component, containerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.terminated = append(m.terminated, containerID)
}

func (m *fakeManager) LookupComponentLink(linkName string) (LinkInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.links[linkName]
	return info, ok
}

func newTestComponent(t *testing.T, cfg *config.Component, mgr *fakeManager, eng *fakeEngine) (*Component, *metadata.BoltStore) {
	t.Helper()
	store, err := metadata.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return New(mgr, cfg, eng, store), store
}

// listenOnFreePort opens a TCP listener and returns its port, for
// exercising the real "tcp" health checker.
func listenOnFreePort(t *testing.T) (net.Listener, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	_, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return ln, port
}

func baseConfig(readyPort int) *config.Component {
	return &config.Component{
		Name:               "web",
		Repo:               "acme/web",
		Tag:                "latest",
		ReadyTimeoutMillis: 2000,
		ReadyChecks: []config.Check{
			{Kind: "tcp", ID: "ready", Timeout: 1, Port: readyPort},
		},
		Ports: []config.PortMapping{
			{External: 80, Container: readyPort, Kind: "tcp"},
		},
	}
}

func TestIsRunningFalseWithNoContainers(t *testing.T) {
	ln, port := listenOnFreePort(t)
	defer ln.Close()

	c, _ := newTestComponent(t, baseConfig(port), newFakeManager(), newFakeEngine())
	running, err := c.IsRunning(context.Background())
	require.NoError(t, err)
	require.False(t, running)
}

func TestUpdateStartsContainerAndRecordsStarting(t *testing.T) {
	ln, port := listenOnFreePort(t)
	defer ln.Close()

	mgr := newFakeManager()
	eng := newFakeEngine()
	c, store := newTestComponent(t, baseConfig(port), mgr, eng)

	err := c.Update(context.Background())
	require.NoError(t, err)
	require.Len(t, mgr.updateCalls, 1)

	containers, err := eng.Containers(context.Background())
	require.NoError(t, err)
	require.Len(t, containers, 1)

	entry, ok := store.ContainerStatus(metadata.ShortID(containers[0]))
	require.True(t, ok)
	require.Equal(t, metadata.StatusStarting, entry.Status)
	require.Equal(t, "web", entry.Component)
}

func TestUpdateRolloverDrainsOldContainerAndEnqueuesTermination(t *testing.T) {
	ln, port := listenOnFreePort(t)
	defer ln.Close()

	mgr := newFakeManager()
	eng := newFakeEngine()
	c, store := newTestComponent(t, baseConfig(port), mgr, eng)

	require.NoError(t, c.Update(context.Background()))
	firstContainers, err := eng.Containers(context.Background())
	require.NoError(t, err)
	require.Len(t, firstContainers, 1)
	oldID := firstContainers[0]

	require.NoError(t, c.Update(context.Background()))
	require.Len(t, mgr.terminated, 1)
	require.Equal(t, oldID, mgr.terminated[0])

	entry, ok := store.ContainerStatus(metadata.ShortID(oldID))
	require.True(t, ok)
	require.Equal(t, metadata.StatusDraining, entry.Status)
}

func TestStopWithoutKillDrainsAndEnqueues(t *testing.T) {
	ln, port := listenOnFreePort(t)
	defer ln.Close()

	mgr := newFakeManager()
	eng := newFakeEngine()
	c, store := newTestComponent(t, baseConfig(port), mgr, eng)
	require.NoError(t, c.Update(context.Background()))

	containers, _ := eng.Containers(context.Background())
	id := containers[0]

	require.NoError(t, c.Stop(context.Background(), false))
	require.Len(t, mgr.terminated, 1)
	require.False(t, eng.killed[id])

	entry, _ := store.ContainerStatus(metadata.ShortID(id))
	require.Equal(t, metadata.StatusDraining, entry.Status)
	require.Equal(t, 1, mgr.stopCalls)
}

func TestStopWithKillForcesKillAndForgetsMetadata(t *testing.T) {
	ln, port := listenOnFreePort(t)
	defer ln.Close()

	mgr := newFakeManager()
	eng := newFakeEngine()
	c, store := newTestComponent(t, baseConfig(port), mgr, eng)
	require.NoError(t, c.Update(context.Background()))

	containers, _ := eng.Containers(context.Background())
	id := containers[0]

	require.NoError(t, c.Stop(context.Background(), true))
	require.True(t, eng.killed[id])

	_, ok := store.ContainerStatus(metadata.ShortID(id))
	require.False(t, ok)
}

func TestStopNoOpWhenNotRunning(t *testing.T) {
	ln, port := listenOnFreePort(t)
	defer ln.Close()

	mgr := newFakeManager()
	c, _ := newTestComponent(t, baseConfig(port), mgr, newFakeEngine())
	require.NoError(t, c.Stop(context.Background(), false))
	require.Equal(t, 0, mgr.stopCalls)
}

func TestUpdateFailsWhenRequiredLinkNotRunning(t *testing.T) {
	ln, port := listenOnFreePort(t)
	defer ln.Close()

	cfg := baseConfig(port)
	cfg.RequiredComponentLinks = []config.RequiredComponentLink{{Name: "db", Alias: "DB"}}

	mgr := newFakeManager() // no "db" link registered
	c, _ := newTestComponent(t, cfg, mgr, newFakeEngine())

	err := c.Update(context.Background())
	require.Error(t, err)
}

func TestUpdateInjectsComponentLinkEnvironment(t *testing.T) {
	ln, port := listenOnFreePort(t)
	defer ln.Close()

	cfg := baseConfig(port)
	cfg.RequiredComponentLinks = []config.RequiredComponentLink{{Name: "db", Alias: "DB"}}

	mgr := newFakeManager()
	mgr.links["db"] = LinkInfo{Kind: "tcp", ContainerPort: 5432, HostAddress: "10.0.0.5", HostPort: 40000, Running: true}

	eng := newFakeEngine()
	c, _ := newTestComponent(t, cfg, mgr, eng)

	require.NoError(t, c.Update(context.Background()))

	env, err := c.resolveEnvironment()
	require.NoError(t, err)
	require.Contains(t, env, "DB_CLINK=tcp://10.0.0.5:40000")
	require.Contains(t, env, "DB_CLINK_5432_TCP=tcp://10.0.0.5:40000")
	require.Contains(t, env, "DB_CLINK_5432_TCP_PORT=40000")
}

func TestHealthyFalseWithNoPrimary(t *testing.T) {
	ln, port := listenOnFreePort(t)
	defer ln.Close()

	c, _ := newTestComponent(t, baseConfig(port), newFakeManager(), newFakeEngine())
	require.False(t, c.Healthy(context.Background()))
}

func TestHealthyTrueWhenNoHealthChecksConfigured(t *testing.T) {
	ln, port := listenOnFreePort(t)
	defer ln.Close()

	mgr := newFakeManager()
	eng := newFakeEngine()
	c, _ := newTestComponent(t, baseConfig(port), mgr, eng)
	require.NoError(t, c.Update(context.Background()))

	require.True(t, c.Healthy(context.Background()))
}

func TestReadyCheckTimeoutStopsContainer(t *testing.T) {
	cfg := baseConfig(1) // port 1: nothing listens there, ready check always fails
	cfg.ReadyTimeoutMillis = 50
	cfg.ReadyChecks[0].Timeout = 1

	mgr := newFakeManager()
	eng := newFakeEngine()
	c, _ := newTestComponent(t, cfg, mgr, eng)

	err := c.Update(context.Background())
	require.Error(t, err)

	containers, _ := eng.Containers(context.Background())
	require.Len(t, containers, 1)
	require.True(t, eng.stopped[containers[0]])
}

func TestContainerInformationListsStatuses(t *testing.T) {
	ln, port := listenOnFreePort(t)
	defer ln.Close()

	mgr := newFakeManager()
	eng := newFakeEngine()
	c, _ := newTestComponent(t, baseConfig(port), mgr, eng)
	require.NoError(t, c.Update(context.Background()))

	info, err := c.ContainerInformation(context.Background())
	require.NoError(t, err)
	require.Len(t, info, 1)
	require.Equal(t, metadata.StatusStarting, info[0].Status)
}
