// Package health implements Gantry's health/ready/termination check model:
// a small registry mapping a declared "kind" string to a constructor that
// builds a stateless Checker or TerminationSignal bound to one container.
package health

import (
	"context"
	"fmt"
	"time"
)

// Result is the outcome of one check attempt.
type Result struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

// Checker evaluates a ready/health/termination check against a container.
type Checker interface {
	Check(ctx context.Context) Result
	Kind() string
	ID() string
	// Timeout is the inter-attempt sleep the caller should wait before
	// retrying after a failed check; it is not a per-attempt network
	// timeout.
	Timeout() time.Duration
}

// TerminationSignal notifies a container it is about to be stopped.
// Delivery failures are logged by the caller but never fatal.
type TerminationSignal interface {
	Send(ctx context.Context) error
	Kind() string
	ID() string
}

// Connection is one live flow as reported by the proxy facade.
type Connection struct {
	LocalAddr  string
	RemoteAddr string
	Status     string
}

// ConnectionSource is the subset of the Proxy facade the `connection`
// check needs; it is declared here (rather than importing pkg/proxy) so
// pkg/health and pkg/proxy never depend on each other.
type ConnectionSource interface {
	Connections(ctx context.Context) ([]Connection, error)
}

// CheckerKnownKinds lists every kind the Checker registry accepts;
// Configuration.Validate uses it to reject typos at load time.
func CheckerKnownKinds() map[string]bool {
	return map[string]bool{"tcp": true, "http": true, "https": true, "connection": true}
}

// SignalKnownKinds lists every kind the TerminationSignal registry accepts.
func SignalKnownKinds() map[string]bool {
	return map[string]bool{"http": true, "https": true, "exec": true}
}

// Deps bundles the collaborators check/signal constructors may need
// beyond what is in the Check's own fields.
type Deps struct {
	ContainerIP string
	Source      ConnectionSource // required for "connection" checks
	Exec        ExecTarget       // required for "exec" signals
}

// ExecTarget is the narrow exec contract a termination signal needs from
// the container engine.
type ExecTarget interface {
	ExecCreate(ctx context.Context, containerID string, command []string) (string, error)
	ExecStart(ctx context.Context, execID string) error
}

// ID/Kind/Timeout carriers shared by every concrete checker below.
type base struct {
	id      string
	kind    string
	timeout time.Duration
}

func (b base) ID() string           { return b.id }
func (b base) Kind() string         { return b.kind }
func (b base) Timeout() time.Duration { return b.timeout }

// NewChecker builds the Checker named by spec.Kind, bound to deps.
func NewChecker(spec CheckSpec, deps Deps) (Checker, error) {
	b := base{id: spec.ID, kind: spec.Kind, timeout: time.Duration(spec.Timeout) * time.Second}

	switch spec.Kind {
	case "tcp":
		return &TCPChecker{base: b, Address: fmt.Sprintf("%s:%d", deps.ContainerIP, spec.Port)}, nil
	case "http", "https":
		return &HTTPChecker{
			base:   b,
			Scheme: spec.Kind,
			Host:   deps.ContainerIP,
			Port:   spec.Port,
			Path:   spec.Path,
		}, nil
	case "connection":
		if deps.Source == nil {
			return nil, fmt.Errorf("connection check %s: no connection source configured", spec.ID)
		}
		return &ConnectionChecker{base: b, ContainerIP: deps.ContainerIP, Source: deps.Source}, nil
	default:
		return nil, fmt.Errorf("unknown check kind %q", spec.Kind)
	}
}

// NewSignal builds the TerminationSignal named by spec.Kind, bound to deps.
func NewSignal(spec CheckSpec, containerID string, deps Deps) (TerminationSignal, error) {
	switch spec.Kind {
	case "http", "https":
		return &HTTPSignal{
			id:     spec.ID,
			kind:   spec.Kind,
			scheme: spec.Kind,
			host:   deps.ContainerIP,
			port:   spec.Port,
			path:   spec.Path,
		}, nil
	case "exec":
		if deps.Exec == nil {
			return nil, fmt.Errorf("exec signal %s: no exec target configured", spec.ID)
		}
		return &ExecSignal{
			id:          spec.ID,
			containerID: containerID,
			command:     spec.ExecCommand,
			exec:        deps.Exec,
		}, nil
	default:
		return nil, fmt.Errorf("unknown termination signal kind %q", spec.Kind)
	}
}

// CheckSpec is the minimal, registry-facing view of a pkg/config.Check;
// kept separate so pkg/health does not need to import pkg/config.
type CheckSpec struct {
	Kind        string
	ID          string
	Timeout     int
	Port        int
	Path        string
	ExecCommand []string
}
