package health

import (
	"context"
	"fmt"
	"time"
)

// ConnectionChecker is the built-in "connection" termination check: it
// succeeds when the proxy reports zero live flows whose remote address
// matches the container's IP. Unlike tcp/http checks this never touches
// the container itself; it asks the routing layer ground truth.
type ConnectionChecker struct {
	base
	ContainerIP string
	Source      ConnectionSource
}

func (c *ConnectionChecker) Check(ctx context.Context) Result {
	start := time.Now()

	conns, err := c.Source.Connections(ctx)
	if err != nil {
		return Result{
			Healthy:   false,
			Message:   fmt.Sprintf("could not enumerate connections: %v", err),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}

	remaining := 0
	for _, conn := range conns {
		if conn.Status == "CLOSE_WAIT" {
			continue
		}
		if hostOf(conn.RemoteAddr) == c.ContainerIP {
			remaining++
		}
	}

	if remaining > 0 {
		return Result{
			Healthy:   false,
			Message:   fmt.Sprintf("%d connections remain open to %s", remaining, c.ContainerIP),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}

	return Result{Healthy: true, Message: "no remaining connections", CheckedAt: start, Duration: time.Since(start)}
}

// hostOf strips a trailing ":port" from an address string, tolerating
// addresses that have none.
func hostOf(addr string) string {
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			return addr[:i]
		}
	}
	return addr
}
