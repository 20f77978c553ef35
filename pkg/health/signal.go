package health

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
)

// HTTPSignal POSTs an empty body to an in-container admin endpoint. The
// result is best-effort: delivery failure is logged by the caller but
// never blocks the termination sequence.
type HTTPSignal struct {
	id, kind     string
	scheme, host string
	port         int
	path         string
}

func (s *HTTPSignal) ID() string   { return s.id }
func (s *HTTPSignal) Kind() string { return s.kind }

func (s *HTTPSignal) Send(ctx context.Context) error {
	path := s.path
	if path == "" {
		path = "/"
	}
	url := fmt.Sprintf("%s://%s:%d%s", s.scheme, s.host, s.port, path)

	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(nil))
	if err != nil {
		return fmt.Errorf("build termination signal request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("send termination signal: %w", err)
	}
	defer resp.Body.Close()

	return nil
}

// ExecSignal runs a command inside the container via the engine's
// exec_create/exec_start pair.
type ExecSignal struct {
	id          string
	containerID string
	command     []string
	exec        ExecTarget
}

func (s *ExecSignal) ID() string   { return s.id }
func (s *ExecSignal) Kind() string { return "exec" }

func (s *ExecSignal) Send(ctx context.Context) error {
	execID, err := s.exec.ExecCreate(ctx, s.containerID, s.command)
	if err != nil {
		return fmt.Errorf("exec_create: %w", err)
	}
	if err := s.exec.ExecStart(ctx, execID); err != nil {
		return fmt.Errorf("exec_start: %w", err)
	}
	return nil
}
