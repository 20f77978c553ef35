package engine

import (
	"context"
	"fmt"
	"io"
	"net"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

const (
	// DefaultNamespace is the containerd namespace Gantry-managed
	// containers live in, kept separate from anything else on the host.
	DefaultNamespace = "gantry"

	// DefaultSocketPath is the default containerd socket.
	DefaultSocketPath = "/run/containerd/containerd.sock"
)

// ContainerdEngine implements Engine against a local containerd socket.
type ContainerdEngine struct {
	client    *containerd.Client
	namespace string

	// execs holds processes created by ExecCreate until ExecStart (or a
	// process that's never started) claims them; the engine contract
	// splits create from start into two calls, but containerd's
	// task.Exec already returns a startable process in one call.
	execs sync.Map // execID string -> containerd.Process
}

// NewContainerdEngine connects to containerd at socketPath (DefaultSocketPath
// if empty).
func NewContainerdEngine(socketPath string) (*ContainerdEngine, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}

	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("connect to containerd: %w", err)
	}

	return &ContainerdEngine{client: client, namespace: DefaultNamespace}, nil
}

func (e *ContainerdEngine) Close() error {
	if e.client != nil {
		return e.client.Close()
	}
	return nil
}

func (e *ContainerdEngine) ctx(ctx context.Context) context.Context {
	return namespaces.WithNamespace(ctx, e.namespace)
}

func (e *ContainerdEngine) ImageID(ctx context.Context, ref string) (string, error) {
	ctx = e.ctx(ctx)
	image, err := e.client.GetImage(ctx, ref)
	if err != nil {
		return "", fmt.Errorf("get image %s: %w", ref, err)
	}
	return image.Target().Digest.String(), nil
}

func (e *ContainerdEngine) HasImage(ctx context.Context, ref string) (bool, error) {
	ctx = e.ctx(ctx)
	if _, err := e.client.GetImage(ctx, ref); err != nil {
		return false, nil
	}
	return true, nil
}

func (e *ContainerdEngine) Pull(ctx context.Context, ref string) error {
	ctx = e.ctx(ctx)
	if _, err := e.client.Pull(ctx, ref, containerd.WithPullUnpack); err != nil {
		return fmt.Errorf("pull image %s: %w", ref, err)
	}
	return nil
}

func (e *ContainerdEngine) Create(ctx context.Context, spec ContainerSpec) (string, error) {
	ctx = e.ctx(ctx)

	image, err := e.client.GetImage(ctx, spec.Image)
	if err != nil {
		return "", fmt.Errorf("get image %s: %w", spec.Image, err)
	}

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithEnv(spec.Env),
	}
	if len(spec.Command) > 0 {
		opts = append(opts, oci.WithProcessArgs(spec.Command...))
	}
	if spec.User != "" {
		opts = append(opts, oci.WithUser(spec.User))
	}
	if spec.Privileged {
		opts = append(opts, oci.WithPrivileged)
	}
	if len(spec.Bindings) > 0 {
		opts = append(opts, oci.WithMounts(bindMounts(spec.Bindings)))
	}

	ctrdContainer, err := e.client.NewContainer(
		ctx,
		spec.ID,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(spec.ID+"-snapshot", image),
		containerd.WithNewSpec(opts...),
	)
	if err != nil {
		return "", fmt.Errorf("create container: %w", err)
	}

	return ctrdContainer.ID(), nil
}

func bindMounts(bindings []Bind) []specs.Mount {
	mounts := make([]specs.Mount, 0, len(bindings))
	for _, b := range bindings {
		options := []string{"rbind"}
		if b.ReadOnly {
			options = append(options, "ro")
		} else {
			options = append(options, "rw")
		}
		mounts = append(mounts, specs.Mount{
			Source:      b.HostPath,
			Destination: b.ContainerPath,
			Type:        "bind",
			Options:     options,
		})
	}
	return mounts
}

func (e *ContainerdEngine) Start(ctx context.Context, id string) error {
	ctx = e.ctx(ctx)

	container, err := e.client.LoadContainer(ctx, id)
	if err != nil {
		return fmt.Errorf("load container %s: %w", id, err)
	}

	task, err := container.NewTask(ctx, cio.NullIO)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}

	if err := task.Start(ctx); err != nil {
		return fmt.Errorf("start task: %w", err)
	}

	return nil
}

func (e *ContainerdEngine) Stop(ctx context.Context, id string, timeout time.Duration) error {
	return e.signalStop(ctx, id, timeout, false)
}

func (e *ContainerdEngine) Kill(ctx context.Context, id string) error {
	return e.signalStop(ctx, id, 0, true)
}

func (e *ContainerdEngine) signalStop(ctx context.Context, id string, timeout time.Duration, hard bool) error {
	ctx = e.ctx(ctx)

	container, err := e.client.LoadContainer(ctx, id)
	if err != nil {
		return fmt.Errorf("load container %s: %w", id, err)
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		// No task means it is already stopped.
		return nil
	}

	if hard {
		if err := task.Kill(ctx, syscall.SIGKILL); err != nil {
			return fmt.Errorf("kill task: %w", err)
		}
		_, err = task.Delete(ctx)
		return err
	}

	stopCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := task.Kill(stopCtx, syscall.SIGTERM); err != nil {
		return fmt.Errorf("signal task: %w", err)
	}

	statusC, err := task.Wait(stopCtx)
	if err != nil {
		return fmt.Errorf("wait for task: %w", err)
	}

	select {
	case <-statusC:
	case <-stopCtx.Done():
		if err := task.Kill(ctx, syscall.SIGKILL); err != nil {
			return fmt.Errorf("force kill task: %w", err)
		}
	}

	_, err = task.Delete(ctx)
	return err
}

func (e *ContainerdEngine) Remove(ctx context.Context, id string) error {
	ctx = e.ctx(ctx)

	container, err := e.client.LoadContainer(ctx, id)
	if err != nil {
		return nil
	}

	_ = e.signalStop(ctx, id, 10*time.Second, false)

	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil {
		return fmt.Errorf("delete container: %w", err)
	}

	return nil
}

func (e *ContainerdEngine) Inspect(ctx context.Context, id string) (*ContainerInfo, error) {
	ctx = e.ctx(ctx)

	container, err := e.client.LoadContainer(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load container %s: %w", id, err)
	}

	info := &ContainerInfo{ID: id, State: StatePending}
	if meta, err := container.Info(ctx); err == nil {
		info.Image = meta.Image
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		return info, nil
	}

	status, err := task.Status(ctx)
	if err != nil {
		return nil, fmt.Errorf("task status: %w", err)
	}

	switch status.Status {
	case containerd.Running, containerd.Paused:
		info.State = StateRunning
	case containerd.Stopped:
		info.State = StateExited
	default:
		info.State = StateUnknown
	}

	if info.State == StateRunning {
		if ip, err := containerIP(ctx, task.Pid()); err == nil {
			info.IPAddress = ip
		}
		if gw, err := containerGateway(ctx, task.Pid()); err == nil {
			info.Gateway = gw
		}
	}

	return info, nil
}

func (e *ContainerdEngine) Containers(ctx context.Context) ([]string, error) {
	ctx = e.ctx(ctx)

	containers, err := e.client.Containers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}

	ids := make([]string, 0, len(containers))
	for _, c := range containers {
		ids = append(ids, c.ID())
	}

	return ids, nil
}

// HostPort is unused by Gantry: the proxy routes directly to container
// IPs rather than relying on engine-published host ports.
func (e *ContainerdEngine) HostPort(ctx context.Context, id string, containerPort int) (int, error) {
	return 0, nil
}

// ExecCreate builds a containerd exec process from the container's own
// OCI process spec with Args replaced by command, and returns an opaque
// id ExecStart uses to launch it. This backs the `exec` termination
// signal kind.
func (e *ContainerdEngine) ExecCreate(ctx context.Context, id string, command []string) (string, error) {
	ctx = e.ctx(ctx)

	container, err := e.client.LoadContainer(ctx, id)
	if err != nil {
		return "", fmt.Errorf("load container %s: %w", id, err)
	}
	task, err := container.Task(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("get task for container %s: %w", id, err)
	}

	containerSpec, err := container.Spec(ctx)
	if err != nil {
		return "", fmt.Errorf("get container spec: %w", err)
	}
	procSpec := *containerSpec.Process
	procSpec.Args = command
	procSpec.Terminal = false

	execID := id + "-exec-" + strconv.FormatInt(time.Now().UnixNano(), 36)
	proc, err := task.Exec(ctx, execID, &procSpec, cio.NullIO)
	if err != nil {
		return "", fmt.Errorf("exec create: %w", err)
	}
	e.execs.Store(execID, proc)
	return execID, nil
}

// ExecStart launches a process created by ExecCreate and waits for it
// to exit; the exec's own output is discarded (cio.NullIO), matching
// the termination signal's best-effort, result-ignored contract.
func (e *ContainerdEngine) ExecStart(ctx context.Context, execID string) error {
	ctx = e.ctx(ctx)

	v, ok := e.execs.LoadAndDelete(execID)
	if !ok {
		return fmt.Errorf("unknown exec id %s", execID)
	}
	proc := v.(containerd.Process)
	defer proc.Delete(ctx)

	statusC, err := proc.Wait(ctx)
	if err != nil {
		return fmt.Errorf("exec wait: %w", err)
	}
	if err := proc.Start(ctx); err != nil {
		return fmt.Errorf("exec start: %w", err)
	}

	select {
	case <-statusC:
	case <-ctx.Done():
	}
	return nil
}

func (e *ContainerdEngine) Logs(ctx context.Context, id string) (io.ReadCloser, error) {
	return nil, fmt.Errorf("log streaming not yet implemented")
}

// containerIP extracts the eth0 IPv4 address from a task's network
// namespace using nsenter.
func containerIP(ctx context.Context, pid uint32) (string, error) {
	cmd := exec.CommandContext(ctx, "nsenter", "-t", fmt.Sprintf("%d", pid), "-n", "ip", "-4", "addr", "show", "eth0")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("get container ip: %w (output: %s)", err, string(output))
	}

	for _, line := range strings.Split(string(output), "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "inet ") {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) < 2 {
			continue
		}
		ip, _, err := net.ParseCIDR(parts[1])
		if err != nil {
			return "", fmt.Errorf("parse ip %s: %w", parts[1], err)
		}
		return ip.String(), nil
	}

	return "", fmt.Errorf("no ip address found")
}

// containerGateway reads the default route's next hop from the task's
// network namespace.
func containerGateway(ctx context.Context, pid uint32) (string, error) {
	cmd := exec.CommandContext(ctx, "nsenter", "-t", fmt.Sprintf("%d", pid), "-n", "ip", "-4", "route", "show", "default")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("get container gateway: %w (output: %s)", err, string(output))
	}

	fields := strings.Fields(string(output))
	for i, f := range fields {
		if f == "via" && i+1 < len(fields) {
			return fields[i+1], nil
		}
	}

	return "", fmt.Errorf("no default route found")
}
