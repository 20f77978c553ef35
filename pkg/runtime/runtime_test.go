package runtime

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
	"github.com/devtable/gantry/pkg/health"
	"github.com/devtable/gantry/pkg/metadata"
	"github.com/devtable/gantry/pkg/proxy"
	"github.com/stretchr/testify/require"
)

type fakeEngine struct {
	mu         sync.Mutex
	containers map[string]*engine.ContainerInfo
	images     map[string]bool
	stopped    map[string]bool
	nextID     int
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		containers: map[string]*engine.ContainerInfo{},
		images:     map[string]bool{},
		stopped:    map[string]bool{},
	}
}

func (e *fakeEngine) ImageID(ctx context.Context, ref string) (string, error) { return "sha256:" + ref, nil }

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
		IPAddress: "127.0.0.1",
		Gateway:   "10.1.2.1",
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

func (e *fakeEngine) Kill(ctx context.Context, id string) error { return nil }

func (e *fakeEngine) Remove(ctx context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.containers, id)
	return nil
}

func (e *fakeEngine) HostPort(ctx context.Context, id string, containerPort int) (int, error) { return 0, nil }

func (e *fakeEngine) ExecCreate(ctx context.Context, id string, command []string) (string, error) {
	return id, nil
}

func (e *fakeEngine) ExecStart(ctx context.Context, execID string) error { return nil }

func (e *fakeEngine) Logs(ctx context.Context, id string) (io.ReadCloser, error) {
	return nil, fmt.Errorf("not supported")
}

func (e *fakeEngine) Close() error { return nil }

// fakeProxy is a minimal proxy.Facade recording the routes committed,
// with no connections ever live (so the default `connection`
// termination check passes instantly).
type fakeProxy struct {
	mu        sync.Mutex
	routes    []proxy.Route
	committed int
	shutdowns int
}

func (p *fakeProxy) ClearRoutes() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.routes = nil
}

func (p *fakeProxy) AddRoute(r proxy.Route) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.routes = append(p.routes, r)
}

func (p *fakeProxy) Commit(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.committed++
	return nil
}

func (p *fakeProxy) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.shutdowns++
	return nil
}

func (p *fakeProxy) Connections(ctx context.Context) ([]health.Connection, error) {
	return nil, nil
}

func singleComponentConfig(name string, readyPort int) *config.Configuration {
	return &config.Configuration{
		Components: []*config.Component{
			{
				Name:               name,
				Repo:               "acme/" + name,
				Tag:                "latest",
				ReadyTimeoutMillis: 2000,
				ReadyChecks:        []config.Check{{Kind: "tcp", ID: "ready", Timeout: 1, Port: readyPort}},
				Ports:              []config.PortMapping{{External: 80, Container: readyPort, Kind: "tcp"}},
				TerminationChecks:  []config.Check{{Kind: "connection", ID: "connection", Timeout: 1}},
			},
		},
	}
}

func TestComponentLookup(t *testing.T) {
	cfg := singleComponentConfig("web", 9000)
	store, err := metadata.Open(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	rm := New(cfg, newFakeEngine(), store, &fakeProxy{}, 1)
	defer rm.Close()

	c, ok := rm.Component("web")
	require.True(t, ok)
	require.Equal(t, "web", c.Name())

	_, ok = rm.Component("missing")
	require.False(t, ok)
}

func TestJoinWaitsForTerminationWorker(t *testing.T) {
	cfg := singleComponentConfig("web", 9001)
	store, err := metadata.Open(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	eng := newFakeEngine()
	rm := New(cfg, eng, store, &fakeProxy{}, 2)

	c, _ := rm.Component("web")
	id, err := eng.Create(context.Background(), engine.ContainerSpec{Image: "acme/web:latest"})
	require.NoError(t, err)
	require.NoError(t, eng.Start(context.Background(), id))

	rm.TerminateContainer(c, id)
	require.NoError(t, rm.Join())
	require.True(t, eng.stopped[id])

	_, ok := store.ContainerStatus(metadata.ShortID(id))
	require.False(t, ok)
}

func TestUpdateReconfiguresProxyRoutes(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	_, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	cfg := singleComponentConfig("web", port)
	store, err := metadata.Open(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	fp := &fakeProxy{}
	rm := New(cfg, newFakeEngine(), store, fp, 1)
	defer rm.Close()

	c, _ := rm.Component("web")
	require.NoError(t, c.Update(context.Background()))

	fp.mu.Lock()
	defer fp.mu.Unlock()
	require.Equal(t, 1, fp.committed)
	require.Len(t, fp.routes, 1)
	require.Equal(t, 80, fp.routes[0].External)
	require.Equal(t, port, fp.routes[0].ContainerPort)
}

func TestLookupComponentLinkAllocatesAndPersistsPort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	_, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	readyPort, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	cfg := singleComponentConfig("db", readyPort)
	cfg.Components[0].DefinedComponentLinks = []config.DefinedComponentLink{
		{Name: "db-link", Port: 5432, Kind: "tcp"},
	}

	store, err := metadata.Open(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	rm := New(cfg, newFakeEngine(), store, &fakeProxy{}, 1)
	defer rm.Close()

	c, _ := rm.Component("db")
	require.NoError(t, c.Update(context.Background()))

	first, ok := rm.LookupComponentLink("db-link")
	require.True(t, ok)
	require.True(t, first.Running)
	require.Equal(t, 5432, first.ContainerPort)
	require.NotZero(t, first.HostPort)

	second, ok := rm.LookupComponentLink("db-link")
	require.True(t, ok)
	require.Equal(t, first.HostPort, second.HostPort)

	_, ok = rm.LookupComponentLink("nonexistent")
	require.False(t, ok)
}
