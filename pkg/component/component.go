package component

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/devtable/gantry/pkg/config"
	"github.com/devtable/gantry/pkg/engine"
	"github.com/devtable/gantry/pkg/health"
	"github.com/devtable/gantry/pkg/log"
	"github.com/devtable/gantry/pkg/metadata"
	"github.com/devtable/gantry/pkg/metrics"
	"github.com/rs/zerolog"
)

// LinkInfo is the runtime view of a defined component link, as resolved
// by Manager.LookupComponentLink.
type LinkInfo struct {
	Kind          string // "tcp" or "http"
	ContainerPort int
	HostAddress   string
	HostPort      int
	Running       bool
}

// Manager is the narrow slice of RuntimeManager a Component needs: proxy
// reconfiguration, the termination queue, and component-link resolution.
// Declared here (rather than imported from pkg/runtime) so pkg/runtime
// can hold Components without an import cycle.
type Manager interface {
	AdjustForUpdatingComponent(ctx context.Context, c *Component, newContainerID string) error
	AdjustForStoppingComponent(ctx context.Context, c *Component) error
	TerminateContainer(c *Component, containerID string)
	LookupComponentLink(linkName string) (LinkInfo, bool)
}

// ContainerStatus pairs a container id with its metadata status, for
// `containerInformation()` and the `list` CLI action.
type ContainerStatus struct {
	ContainerID string
	ShortID     string
	Status      metadata.Status
}

// containerRef bundles what a Component needs to know about one of its
// containers during a single operation.
type containerRef struct {
	id      string
	shortID string
	info    *engine.ContainerInfo
	status  metadata.Status
}

// Component is the per-component state machine. It is the only caller
// of pkg/engine for containers it owns.
type Component struct {
	manager Manager
	config  *config.Component
	engine  engine.Engine
	store   metadata.Store
	logger  zerolog.Logger
}

// New constructs a Component bound to its collaborators. cfg is retained
// by reference; callers must not mutate it after the Component is
// constructed (config patches happen before daemon startup).
func New(manager Manager, cfg *config.Component, eng engine.Engine, store metadata.Store) *Component {
	return &Component{
		manager: manager,
		config:  cfg,
		engine:  eng,
		store:   store,
		logger:  log.WithComponent(cfg.Name),
	}
}

// Name returns the component's configured name.
func (c *Component) Name() string { return c.config.Name }

// Config returns the component's static configuration.
func (c *Component) Config() *config.Component { return c.config }

// allContainers returns every container belonging to this component: its
// current image matches fullImage, or its metadata component field
// matches this component's name (the union needed for both freshly
// created and retagged-image containers).
func (c *Component) allContainers(ctx context.Context) ([]containerRef, error) {
	ids, err := c.engine.Containers(ctx)
	if err != nil {
		return nil, fmt.Errorf("component %s: list containers: %w", c.Name(), err)
	}

	fullImage := c.config.FullImage()
	var refs []containerRef
	for _, id := range ids {
		info, err := c.engine.Inspect(ctx, id)
		if err != nil {
			c.logger.Warn().Err(err).Str("container", id).Msg("inspect failed, skipping")
			continue
		}

		shortID := metadata.ShortID(id)
		entry, _ := c.store.ContainerStatus(shortID)

		if info.Image != fullImage && entry.Component != c.Name() {
			continue
		}

		refs = append(refs, containerRef{id: id, shortID: shortID, info: info, status: entry.Status})
	}
	return refs, nil
}

// isRunning reports whether at least one container (including draining
// ones) belongs to this component.
func (c *Component) isRunning(ctx context.Context) (bool, error) {
	refs, err := c.allContainers(ctx)
	if err != nil {
		return false, err
	}
	return len(refs) > 0, nil
}

// IsRunning is the exported form of isRunning, used by callers outside
// the package (RuntimeManager, the watcher's update decision).
func (c *Component) IsRunning(ctx context.Context) (bool, error) { return c.isRunning(ctx) }

// primaryContainer returns the unique non-draining container, or nil.
func (c *Component) primaryContainer(ctx context.Context) (*containerRef, error) {
	refs, err := c.allContainers(ctx)
	if err != nil {
		return nil, err
	}
	for i := range refs {
		if refs[i].status != metadata.StatusDraining {
			return &refs[i], nil
		}
	}
	return nil, nil
}

// PrimaryContainerNetwork returns the non-draining container's IP
// address and gateway (the host's address as seen from inside the
// container, used as a component link's advertised host address). ok
// is false if there is no primary.
func (c *Component) PrimaryContainerNetwork(ctx context.Context) (ip, gateway string, ok bool, err error) {
	ref, err := c.primaryContainer(ctx)
	if err != nil {
		return "", "", false, err
	}
	if ref == nil {
		return "", "", false, nil
	}
	return ref.info.IPAddress, ref.info.Gateway, true, nil
}

// ImageID returns the container engine's canonical id for this
// component's fullImage.
func (c *Component) ImageID(ctx context.Context) (string, error) {
	return c.engine.ImageID(ctx, c.config.FullImage())
}

// PullRepo attempts a best-effort pull; failures are logged and
// swallowed, matching the original's "never raises upward" contract.
func (c *Component) PullRepo(ctx context.Context) bool {
	if err := c.engine.Pull(ctx, c.config.FullImage()); err != nil {
		c.logger.Warn().Err(err).Msg("pull failed")
		return false
	}
	return true
}

// Update performs a zero-downtime rollover: start new → mark old
// draining → reconfigure proxy → enqueue old for termination. On
// failure to start the new container, existing state is untouched.
func (c *Component) Update(ctx context.Context) error {
	existing, err := c.allContainers(ctx)
	if err != nil {
		return err
	}
	var oldPrimary *containerRef
	for i := range existing {
		if existing[i].status != metadata.StatusDraining {
			oldPrimary = &existing[i]
			break
		}
	}

	newID, err := c.start(ctx)
	if err != nil {
		return fmt.Errorf("component %s: update: %w", c.Name(), err)
	}

	for _, ref := range existing {
		if err := c.store.SetContainerStatus(ref.shortID, metadata.StatusDraining, ""); err != nil {
			c.logger.Warn().Err(err).Str("container", ref.shortID).Msg("mark draining failed")
		}
	}

	c.logger.Info().Str("container", newID).Msg("redirecting traffic to new container")
	if err := c.manager.AdjustForUpdatingComponent(ctx, c, newID); err != nil {
		return fmt.Errorf("component %s: adjust proxy for update: %w", c.Name(), err)
	}

	if oldPrimary != nil {
		c.manager.TerminateContainer(c, oldPrimary.id)
	}
	return nil
}

// Stop marks every container draining and enqueues it for termination.
// If kill is set, it additionally force-kills and forgets each
// container immediately, ahead of the drain worker reaching it.
func (c *Component) Stop(ctx context.Context, kill bool) error {
	running, err := c.isRunning(ctx)
	if err != nil {
		return err
	}
	if !running {
		return nil
	}

	refs, err := c.allContainers(ctx)
	if err != nil {
		return err
	}

	c.logger.Info().Bool("kill", kill).Msg("draining all containers")
	for _, ref := range refs {
		if err := c.store.SetContainerStatus(ref.shortID, metadata.StatusDraining, ""); err != nil {
			c.logger.Warn().Err(err).Str("container", ref.shortID).Msg("mark draining failed")
		}
		c.manager.TerminateContainer(c, ref.id)
	}

	if kill {
		for _, ref := range refs {
			c.logger.Info().Str("container", ref.shortID).Msg("killing container")
			if err := c.engine.Kill(ctx, ref.id); err != nil {
				c.logger.Warn().Err(err).Str("container", ref.shortID).Msg("kill failed")
			}
			if err := c.store.ForgetContainer(ref.shortID); err != nil {
				c.logger.Warn().Err(err).Str("container", ref.shortID).Msg("forget failed")
			}
		}
	}

	return c.manager.AdjustForStoppingComponent(ctx, c)
}

// Healthy runs every configured health check against the primary
// container; it is false on any failure, or if there is no primary.
func (c *Component) Healthy(ctx context.Context) bool {
	primary, err := c.primaryContainer(ctx)
	if err != nil || primary == nil {
		return false
	}
	if len(c.config.HealthChecks) == 0 {
		return true
	}

	deps := health.Deps{ContainerIP: primary.info.IPAddress}
	for _, chk := range c.config.HealthChecks {
		checker, err := health.NewChecker(toCheckSpec(chk), deps)
		if err != nil {
			c.logger.Error().Err(err).Str("check", chk.ID).Msg("build health checker failed")
			return false
		}
		if result := checker.Check(ctx); !result.Healthy {
			c.logger.Warn().Str("check", chk.ID).Str("message", result.Message).Msg("health check failed")
			metrics.HealthCheckFailuresTotal.WithLabelValues(c.Name()).Inc()
			return false
		}
	}
	return true
}

// ContainerInformation returns (containerId, metadataStatus) for every
// container belonging to this component, for the `list` CLI action.
func (c *Component) ContainerInformation(ctx context.Context) ([]ContainerStatus, error) {
	refs, err := c.allContainers(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]ContainerStatus, 0, len(refs))
	for _, ref := range refs {
		out = append(out, ContainerStatus{ContainerID: ref.id, ShortID: ref.shortID, Status: ref.status})
	}
	return out, nil
}

// start creates, starts, and ready-checks a new container for this
// component. It does not touch the proxy or any existing container;
// that is Update's and Stop's job. On any failure it returns an error
// and leaves no running container behind.
func (c *Component) start(ctx context.Context) (string, error) {
	fullImage := c.config.FullImage()

	has, err := c.engine.HasImage(ctx, fullImage)
	if err != nil {
		return "", fmt.Errorf("check image %s: %w", fullImage, err)
	}
	if !has {
		if err := c.engine.Pull(ctx, fullImage); err != nil {
			return "", fmt.Errorf("pull image %s: %w", fullImage, err)
		}
	}

	env, err := c.resolveEnvironment()
	if err != nil {
		return "", err
	}

	id := fmt.Sprintf("%s-%d", c.Name(), time.Now().UnixNano())
	spec := engine.ContainerSpec{
		ID:         id,
		Image:      fullImage,
		Command:    c.config.Command,
		User:       c.config.User,
		Env:        env,
		Privileged: c.config.Privileged,
		Bindings:   resolveBindings(c.config.Bindings),
		Ports:      resolvePorts(c.config),
	}

	containerID, err := c.engine.Create(ctx, spec)
	if err != nil {
		return "", fmt.Errorf("create container: %w", err)
	}

	c.logger.Info().Str("container", containerID).Msg("starting container")
	if err := c.engine.Start(ctx, containerID); err != nil {
		return "", fmt.Errorf("start container %s: %w", containerID, err)
	}

	info, err := c.engine.Inspect(ctx, containerID)
	if err != nil {
		_ = c.engine.Stop(ctx, containerID, time.Duration(c.config.ReadyTimeoutMillis)*time.Millisecond)
		return "", fmt.Errorf("inspect started container %s: %w", containerID, err)
	}

	c.logger.Info().Msg("waiting for ready checks")
	if !c.waitReady(ctx, info.IPAddress) {
		c.logger.Warn().Str("container", containerID).Msg("ready-check timed out, stopping container")
		timeout := time.Duration(c.config.ReadyTimeoutMillis) * time.Millisecond
		_ = c.engine.Stop(ctx, containerID, timeout)
		return "", fmt.Errorf("ready checks timed out after %dms", c.config.ReadyTimeoutMillis)
	}

	shortID := metadata.ShortID(containerID)
	if err := c.store.SetContainerStatus(shortID, metadata.StatusStarting, c.Name()); err != nil {
		c.logger.Warn().Err(err).Msg("record starting status failed")
	}

	return containerID, nil
}

// waitReady runs the ready-check driver in its own goroutine and races
// it against readyTimeoutMillis, mirroring the original's
// thread-spawn-then-join-with-timeout.
func (c *Component) waitReady(ctx context.Context, containerIP string) bool {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.ReadyCheckDuration, c.Name())

	timeout := time.Duration(c.config.ReadyTimeoutMillis) * time.Millisecond
	checkCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan bool, 1)
	go func() { done <- c.runReadyChecks(checkCtx, containerIP) }()

	select {
	case ok := <-done:
		return ok
	case <-time.After(timeout):
		return false
	}
}

// runReadyChecks runs every ready check in order; on any failure it
// sleeps that check's timeout and retries the whole sequence from the
// start, until ctx is cancelled (by waitReady's overall deadline).
func (c *Component) runReadyChecks(ctx context.Context, containerIP string) bool {
	deps := health.Deps{ContainerIP: containerIP}
	for {
		select {
		case <-ctx.Done():
			return false
		default:
		}

		allPassed := true
		for _, chk := range c.config.ReadyChecks {
			checker, err := health.NewChecker(toCheckSpec(chk), deps)
			if err != nil {
				c.logger.Error().Err(err).Str("check", chk.ID).Msg("build ready checker failed")
				return false
			}

			c.logger.Debug().Str("check", chk.ID).Msg("running ready check")
			result := checker.Check(ctx)
			if !result.Healthy {
				c.logger.Debug().Str("check", chk.ID).Msg("ready check failed, sleeping")
				allPassed = false
				select {
				case <-time.After(checker.Timeout()):
				case <-ctx.Done():
					return false
				}
				break
			}
		}
		if allPassed {
			return true
		}
	}
}

// resolveEnvironment computes the container environment: for every
// requiredComponentLink, it looks up the defining component's current
// proxy address and injects the CLINK variable set under the declared
// alias. A required link that is not currently running fails the start.
func (c *Component) resolveEnvironment() ([]string, error) {
	var env []string
	for _, link := range c.config.RequiredComponentLinks {
		info, ok := c.manager.LookupComponentLink(link.Name)
		if !ok || !info.Running {
			return nil, fmt.Errorf("required link %q is not currently running", link.Name)
		}

		alias := strings.ToUpper(link.Alias)
		proto := strings.ToUpper(info.Kind)
		target := fmt.Sprintf("%s://%s:%d", info.Kind, info.HostAddress, info.HostPort)

		env = append(env,
			fmt.Sprintf("%s_CLINK=%s", alias, target),
			fmt.Sprintf("%s_CLINK_%d_%s=%s", alias, info.ContainerPort, proto, target),
			fmt.Sprintf("%s_CLINK_%d_%s_PROTO=%s", alias, info.ContainerPort, proto, info.Kind),
			fmt.Sprintf("%s_CLINK_%d_%s_ADDR=%s", alias, info.ContainerPort, proto, info.HostAddress),
			fmt.Sprintf("%s_CLINK_%d_%s_PORT=%d", alias, info.ContainerPort, proto, info.HostPort),
		)
	}
	return env, nil
}

// resolvePorts is the union of declared container ports and the
// component's own published link ports.
func resolvePorts(cfg *config.Component) []int {
	seen := map[int]bool{}
	var ports []int
	add := func(p int) {
		if !seen[p] {
			seen[p] = true
			ports = append(ports, p)
		}
	}
	for _, p := range cfg.Ports {
		add(p.Container)
	}
	for _, l := range cfg.DefinedComponentLinks {
		add(l.Port)
	}
	return ports
}

func resolveBindings(bindings []config.VolumeBinding) []engine.Bind {
	out := make([]engine.Bind, 0, len(bindings))
	for _, b := range bindings {
		out = append(out, engine.Bind{HostPath: b.HostPath, ContainerPath: b.ContainerPath})
	}
	return out
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
