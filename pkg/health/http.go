package health

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// requestTimeout is the per-attempt network timeout for http/https
// checks, distinct from the check's declared inter-attempt Timeout().
const requestTimeout = 2 * time.Second

// HTTPChecker issues a GET against the container and requires a fully
// readable 2xx response within requestTimeout.
type HTTPChecker struct {
	base
	Scheme string // "http" or "https"
	Host   string
	Port   int
	Path   string

	client *http.Client
}

func (h *HTTPChecker) url() string {
	path := h.Path
	if path == "" {
		path = "/"
	}
	return fmt.Sprintf("%s://%s:%d%s", h.Scheme, h.Host, h.Port, path)
}

func (h *HTTPChecker) Check(ctx context.Context) Result {
	start := time.Now()

	client := h.client
	if client == nil {
		client = &http.Client{Timeout: requestTimeout}
	}

	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, h.url(), nil)
	if err != nil {
		return Result{Healthy: false, Message: fmt.Sprintf("build request: %v", err), CheckedAt: start, Duration: time.Since(start)}
	}

	resp, err := client.Do(req)
	if err != nil {
		return Result{Healthy: false, Message: fmt.Sprintf("request failed: %v", err), CheckedAt: start, Duration: time.Since(start)}
	}
	defer resp.Body.Close()

	_, readErr := io.ReadAll(resp.Body)
	healthy := readErr == nil && resp.StatusCode >= 200 && resp.StatusCode < 300

	message := fmt.Sprintf("http %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	if readErr != nil {
		message = fmt.Sprintf("%s (body read failed: %v)", message, readErr)
	}

	return Result{Healthy: healthy, Message: message, CheckedAt: start, Duration: time.Since(start)}
}
