package runtime

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/devtable/gantry/pkg/component"
	"github.com/devtable/gantry/pkg/config"
	"github.com/devtable/gantry/pkg/engine"
	"github.com/devtable/gantry/pkg/health"
	"github.com/devtable/gantry/pkg/log"
	"github.com/devtable/gantry/pkg/metadata"
	"github.com/devtable/gantry/pkg/metrics"
	"github.com/devtable/gantry/pkg/proxy"
	"github.com/rs/zerolog"
)

// DefaultTerminationWorkers is the size of the termination worker pool
// when the daemon doesn't override it.
const DefaultTerminationWorkers = 4

// DefaultStopTimeout bounds how long the container engine is given to
// gracefully stop a container once its termination checks have passed.
const DefaultStopTimeout = 10 * time.Second

type terminationTask struct {
	comp        *component.Component
	containerID string
}

// RuntimeManager owns every Component on a host, the shared Proxy
// facade, and the termination worker pool that drains old containers.
// It implements component.Manager.
type RuntimeManager struct {
	mu         sync.RWMutex
	components map[string]*component.Component

	proxy proxy.Facade
	store metadata.Store
	eng   engine.Engine

	tasks chan terminationTask
	wg    sync.WaitGroup

	errMu    sync.Mutex
	firstErr error

	logger zerolog.Logger
}

// New builds a RuntimeManager for every component in cfg, starts its
// termination worker pool, and returns it. The Proxy facade is not
// committed to until a Component first starts or stops.
func New(cfg *config.Configuration, eng engine.Engine, store metadata.Store, proxyFacade proxy.Facade, workerCount int) *RuntimeManager {
	if workerCount <= 0 {
		workerCount = DefaultTerminationWorkers
	}

	rm := &RuntimeManager{
		components: make(map[string]*component.Component, len(cfg.Components)),
		proxy:      proxyFacade,
		store:      store,
		eng:        eng,
		tasks:      make(chan terminationTask, 64),
		logger:     log.WithComponent("runtime"),
	}

	for _, c := range cfg.Components {
		rm.components[c.Name] = component.New(rm, c, eng, store)
	}

	for i := 0; i < workerCount; i++ {
		go rm.worker()
	}

	return rm
}

// Component returns the named component, or false if undeclared.
func (rm *RuntimeManager) Component(name string) (*component.Component, bool) {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	c, ok := rm.components[name]
	return c, ok
}

// Components returns every component this host knows about, for the
// `list` CLI action and the config-driven daemon loops.
func (rm *RuntimeManager) Components() []*component.Component {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	out := make([]*component.Component, 0, len(rm.components))
	for _, c := range rm.components {
		out = append(out, c)
	}
	return out
}

// LookupComponentLink resolves a defined component link by name: the
// defining component's host port (allocated and persisted on first use)
// and whether that component currently has a primary container.
func (rm *RuntimeManager) LookupComponentLink(linkName string) (component.LinkInfo, bool) {
	for _, c := range rm.Components() {
		for _, l := range c.Config().DefinedComponentLinks {
			if l.Name != linkName {
				continue
			}

			hostPort, err := rm.linkHostPort(c.Name(), l)
			if err != nil {
				rm.logger.Error().Err(err).Str("link", linkName).Msg("allocate link port failed")
				return component.LinkInfo{}, false
			}

			_, gateway, running, err := c.PrimaryContainerNetwork(context.Background())
			if err != nil {
				rm.logger.Error().Err(err).Str("link", linkName).Msg("resolve link container failed")
				return component.LinkInfo{}, false
			}

			return component.LinkInfo{
				Kind:          l.Kind,
				ContainerPort: l.Port,
				HostAddress:   gateway,
				HostPort:      hostPort,
				Running:       running,
			}, true
		}
	}
	return component.LinkInfo{}, false
}

// linkHostPort returns the persisted host port for a defining
// component's link, allocating and persisting one via pick-unused-port
// on first use (sticky across restarts).
func (rm *RuntimeManager) linkHostPort(definingComponent string, l config.DefinedComponentLink) (int, error) {
	field := "link-" + l.Name + "-port"

	if v, ok := rm.store.ComponentField(definingComponent, field); ok {
		if port, err := strconv.Atoi(v); err == nil {
			return port, nil
		}
	}

	port, err := pickUnusedPort()
	if err != nil {
		return 0, fmt.Errorf("allocate port for link %s: %w", l.Name, err)
	}
	if err := rm.store.SetComponentField(definingComponent, field, strconv.Itoa(port)); err != nil {
		return 0, fmt.Errorf("persist port for link %s: %w", l.Name, err)
	}
	return port, nil
}

func pickUnusedPort() (int, error) {
	ln, err := net.Listen("tcp", ":0")
	if err != nil {
		return 0, err
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port, nil
}

// AdjustForUpdatingComponent and AdjustForStoppingComponent both
// reconstruct the full proxy route table from the current set of
// non-draining containers; the distinction in the original is cosmetic
// (differing log messages), since route reconstruction is idempotent
// and does not look at which component changed.
func (rm *RuntimeManager) AdjustForUpdatingComponent(ctx context.Context, c *component.Component, newContainerID string) error {
	rm.logger.Debug().Str("component", c.Name()).Str("container", newContainerID).Msg("adjusting runtime for updating component")
	return rm.updateProxy(ctx)
}

func (rm *RuntimeManager) AdjustForStoppingComponent(ctx context.Context, c *component.Component) error {
	rm.logger.Debug().Str("component", c.Name()).Msg("adjusting runtime for stopped component")
	return rm.updateProxy(ctx)
}

// updateProxy rebuilds the proxy's route table from scratch: one route
// per declared port mapping and one per defined component link, for
// every component's primary (non-draining) container.
func (rm *RuntimeManager) updateProxy(ctx context.Context) error {
	rm.proxy.ClearRoutes()

	var anyRoutes bool
	var routeCount int
	for _, c := range rm.Components() {
		ip, _, running, err := c.PrimaryContainerNetwork(ctx)
		if err != nil {
			rm.logger.Warn().Err(err).Str("component", c.Name()).Msg("resolve primary container failed")
			continue
		}
		if !running {
			continue
		}
		anyRoutes = true

		for _, mapping := range c.Config().Ports {
			rm.proxy.AddRoute(proxy.Route{
				External:      mapping.External,
				ContainerIP:   ip,
				ContainerPort: mapping.Container,
				IsHTTP:        mapping.Kind == "http",
			})
			routeCount++
		}

		for _, l := range c.Config().DefinedComponentLinks {
			hostPort, err := rm.linkHostPort(c.Name(), l)
			if err != nil {
				rm.logger.Warn().Err(err).Str("link", l.Name).Msg("resolve link port failed")
				continue
			}
			rm.proxy.AddRoute(proxy.Route{
				External:      hostPort,
				ContainerIP:   ip,
				ContainerPort: l.Port,
				IsHTTP:        l.Kind == "http",
			})
			routeCount++
		}
	}
	metrics.ProxyRoutesTotal.Set(float64(routeCount))

	if anyRoutes {
		rm.logger.Debug().Msg("updating proxy")
		timer := metrics.NewTimer()
		err := rm.proxy.Commit(ctx)
		timer.ObserveDuration(metrics.ProxyCommitDuration)
		return err
	}
	rm.logger.Debug().Msg("shutting down proxy")
	metrics.ProxyRoutesTotal.Set(0)
	return rm.proxy.Shutdown(ctx)
}

// TerminateContainer enqueues a container for drain-then-stop; it
// returns immediately. The pool runs watchTermination.
func (rm *RuntimeManager) TerminateContainer(c *component.Component, containerID string) {
	rm.logger.Info().Str("component", c.Name()).Str("container", metadata.ShortID(containerID)).Msg("terminating container")
	rm.wg.Add(1)
	rm.tasks <- terminationTask{comp: c, containerID: containerID}
}

func (rm *RuntimeManager) worker() {
	for t := range rm.tasks {
		if err := rm.watchTermination(t.comp, t.containerID); err != nil {
			rm.recordError(err)
		}
		rm.wg.Done()
	}
}

func (rm *RuntimeManager) recordError(err error) {
	rm.errMu.Lock()
	defer rm.errMu.Unlock()
	if rm.firstErr == nil {
		rm.firstErr = err
	}
}

// watchTermination sends every configured termination signal, then
// blocks until every termination check passes (the default being the
// built-in `connection` check), then stops the container and forgets
// its metadata.
func (rm *RuntimeManager) watchTermination(c *component.Component, containerID string) error {
	ctx := context.Background()
	shortID := metadata.ShortID(containerID)

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.TerminationDuration, c.Name())

	info, err := rm.eng.Inspect(ctx, containerID)
	if err != nil {
		rm.logger.Warn().Err(err).Str("container", shortID).Msg("container vanished before termination, forgetting")
		return rm.store.ForgetContainer(shortID)
	}

	deps := health.Deps{ContainerIP: info.IPAddress, Source: rm.proxy, Exec: rm.eng}

	for _, sigCfg := range c.Config().TerminationSignals {
		sig, err := health.NewSignal(toCheckSpec(sigCfg), containerID, deps)
		if err != nil {
			rm.logger.Warn().Err(err).Str("signal", sigCfg.ID).Msg("build termination signal failed")
			continue
		}
		rm.logger.Info().Str("component", c.Name()).Str("signal", sigCfg.ID).Msg("sending termination signal")
		if err := sig.Send(ctx); err != nil {
			rm.logger.Warn().Err(err).Str("signal", sigCfg.ID).Msg("termination signal failed")
		}
	}

	for _, chkCfg := range c.Config().TerminationChecks {
		checker, err := health.NewChecker(toCheckSpec(chkCfg), deps)
		if err != nil {
			rm.logger.Error().Err(err).Str("check", chkCfg.ID).Msg("build termination checker failed")
			return err
		}

		for {
			result := checker.Check(ctx)
			if result.Healthy {
				break
			}
			rm.logger.Debug().Str("check", chkCfg.ID).Str("message", result.Message).Msg("termination check failed, retrying")
			time.Sleep(checker.Timeout())
		}
	}

	if err := rm.store.SetContainerStatus(shortID, metadata.StatusShuttingDown, ""); err != nil {
		rm.logger.Warn().Err(err).Str("container", shortID).Msg("mark shutting-down failed")
	}

	rm.logger.Info().Str("container", shortID).Msg("shutting down container")
	if err := rm.eng.Stop(ctx, containerID, DefaultStopTimeout); err != nil {
		rm.logger.Warn().Err(err).Str("container", shortID).Msg("stop failed")
	}

	return rm.store.ForgetContainer(shortID)
}

// Join waits for every pending termination worker to finish and
// returns the first failure observed, if any.
func (rm *RuntimeManager) Join() error {
	rm.wg.Wait()
	rm.errMu.Lock()
	defer rm.errMu.Unlock()
	return rm.firstErr
}

// Close waits for pending terminations (via Join) and then shuts the
// worker pool down. It must be called at most once, during daemon exit.
func (rm *RuntimeManager) Close() error {
	err := rm.Join()
	close(rm.tasks)
	return err
}

func toCheckSpec(chk config.Check) health.CheckSpec {
	return health.CheckSpec{
		Kind:        chk.Kind,
		ID:          chk.ID,
		Timeout:     chk.Timeout,
		Port:        chk.Port,
		Path:        chk.Path,
		ExecCommand: chk.ExecCommand,
	}
}
