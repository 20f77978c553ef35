// Package engine defines the container engine contract Gantry's Component
// state machine drives, and a containerd-backed implementation of it.
//
// The contract is named by operation, not by library, per the external
// interface described for the container engine: containers/inspect/pull/
// create/start/stop/kill/port/exec. Nothing above pkg/engine is allowed to
// reach for a container runtime directly.
package engine

import (
	"context"
	"io"
	"time"
)

// ContainerSpec describes everything needed to create a container for a
// component. It deliberately carries no resource-limit fields: Gantry's
// component model has none (see Component in pkg/config).
type ContainerSpec struct {
	ID         string
	Image      string
	Command    []string
	User       string
	Env        []string
	Privileged bool
	Bindings   []Bind
	Ports      []int
}

// Bind is a host-path to container-path bind mount.
type Bind struct {
	HostPath      string
	ContainerPath string
	ReadOnly      bool
}

// ContainerState mirrors the handful of states the Component state machine
// cares about; it is not the full lifecycle of the underlying engine.
type ContainerState string

const (
	StatePending ContainerState = "pending"
	StateRunning ContainerState = "running"
	StateExited  ContainerState = "exited"
	StateUnknown ContainerState = "unknown"
)

// ContainerInfo is the subset of `inspect` Component and RuntimeManager need.
type ContainerInfo struct {
	ID        string
	Image     string
	State     ContainerState
	IPAddress string
	Gateway   string
	StartedAt time.Time
}

// Engine is the contract implemented by a concrete container runtime
// client. All calls are expected to be safe for concurrent use; a
// Component never holds more than one outstanding call per container.
type Engine interface {
	// Images
	ImageID(ctx context.Context, ref string) (string, error)
	HasImage(ctx context.Context, ref string) (bool, error)
	Pull(ctx context.Context, ref string) error

	// Containers
	Containers(ctx context.Context) ([]string, error)
	Inspect(ctx context.Context, id string) (*ContainerInfo, error)
	Create(ctx context.Context, spec ContainerSpec) (string, error)
	Start(ctx context.Context, id string) error
	Stop(ctx context.Context, id string, timeout time.Duration) error
	Kill(ctx context.Context, id string) error
	Remove(ctx context.Context, id string) error

	// HostPort returns the host-visible port bound to the given container
	// port, or 0 if none is published. Gantry publishes ports itself via
	// the proxy and does not call this.
	HostPort(ctx context.Context, id string, containerPort int) (int, error)

	// ExecCreate/ExecStart back the `exec` termination-signal kind.
	ExecCreate(ctx context.Context, id string, command []string) (string, error)
	ExecStart(ctx context.Context, execID string) error

	Logs(ctx context.Context, id string) (io.ReadCloser, error)

	Close() error
}
