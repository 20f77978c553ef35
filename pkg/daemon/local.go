package daemon

import (
	"context"
	"fmt"
	"time"

	"github.com/devtable/gantry/pkg/component"
	"github.com/devtable/gantry/pkg/log"
	"github.com/devtable/gantry/pkg/runtime"
)

// Local drives a single host's components directly against a
// RuntimeManager, with no KV store or cross-host coordination, the
// backing type for the single-host `gantry` CLI.
type Local struct {
	rm      *runtime.RuntimeManager
	handles *Handles
}

// NewLocal parses and validates configPath, then builds a RuntimeManager
// for it.
func NewLocal(configPath string, data []byte, socketPath, dataDir string, workers int) (*Local, error) {
	cfg, err := LoadConfig(configPath, data)
	if err != nil {
		return nil, err
	}
	rm, handles, err := BuildRuntime(cfg, socketPath, dataDir, workers)
	if err != nil {
		return nil, err
	}
	return &Local{rm: rm, handles: handles}, nil
}

// NewLocalFromRuntime wraps an already-built RuntimeManager (used by
// cmd/gantry, which applies --setconfig overrides to the parsed
// Configuration before calling BuildRuntime).
func NewLocalFromRuntime(rm *runtime.RuntimeManager, handles *Handles) *Local {
	return &Local{rm: rm, handles: handles}
}

// Close releases every resource Local opened.
func (l *Local) Close() error { return l.handles.Close() }

func (l *Local) component(name string) (*component.Component, error) {
	c, ok := l.rm.Component(name)
	if !ok {
		return nil, fmt.Errorf("unknown component %q", name)
	}
	return c, nil
}

// Start and Update are the same operation on a single host: both run
// start → ready-check → rollover → drain-old (Component.Update), the
// same unified rollover path for both the first container and every
// subsequent one.
func (l *Local) Start(ctx context.Context, name string) error { return l.Update(ctx, name) }

func (l *Local) Update(ctx context.Context, name string) error {
	c, err := l.component(name)
	if err != nil {
		return err
	}
	return c.Update(ctx)
}

// Stop drains the component's primary container without killing it;
// Kill skips the drain and terminates it immediately.
func (l *Local) Stop(ctx context.Context, name string) error {
	c, err := l.component(name)
	if err != nil {
		return err
	}
	return c.Stop(ctx, false)
}

func (l *Local) Kill(ctx context.Context, name string) error {
	c, err := l.component(name)
	if err != nil {
		return err
	}
	return c.Stop(ctx, true)
}

// ListRow is one line of the `gantry list` status table (SUPPLEMENTED
// FEATURE 1).
type ListRow struct {
	Component   string
	ContainerID string
	Status      string
	ImageID     string
}

// List reports every container known for name, or for every component
// when name is empty.
func (l *Local) List(ctx context.Context, name string) ([]ListRow, error) {
	var comps []*component.Component
	if name != "" {
		c, err := l.component(name)
		if err != nil {
			return nil, err
		}
		comps = []*component.Component{c}
	} else {
		comps = l.rm.Components()
	}

	var rows []ListRow
	for _, c := range comps {
		imageID, _ := c.ImageID(ctx)
		infos, err := c.ContainerInformation(ctx)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", c.Name(), err)
		}
		if len(infos) == 0 {
			rows = append(rows, ListRow{Component: c.Name(), Status: "none"})
			continue
		}
		for _, info := range infos {
			rows = append(rows, ListRow{
				Component:   c.Name(),
				ContainerID: info.ShortID,
				Status:      string(info.Status),
				ImageID:     imageID,
			})
		}
	}
	return rows, nil
}

// monitorInterval is how often gantry -m polls Healthy() between
// self-heal attempts, matching ComponentWatcher's livenessCheckInterval.
const monitorInterval = 30 * time.Second

// Monitor runs the standalone liveness loop the original gantry.py
// keeps alive under -m: on an unhealthy primary it kills (not drains)
// the container before restarting, the more aggressive variant kept
// alongside ComponentWatcher's gentler drain-and-replace path
// (SUPPLEMENTED FEATURE 4). It blocks until ctx is cancelled.
func (l *Local) Monitor(ctx context.Context, name string) error {
	c, err := l.component(name)
	if err != nil {
		return err
	}
	logger := log.WithComponent(name)

	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if c.Healthy(ctx) {
				continue
			}
			logger.Warn().Msg("monitor: unhealthy primary, killing and restarting")
			if err := c.Stop(ctx, true); err != nil {
				logger.Error().Err(err).Msg("monitor: kill failed")
			}
			if err := c.Update(ctx); err != nil {
				logger.Error().Err(err).Msg("monitor: restart failed")
			}
		}
	}
}
