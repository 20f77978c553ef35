package daemon

import (
	"fmt"

	"github.com/devtable/gantry/pkg/config"
	"github.com/devtable/gantry/pkg/engine"
	"github.com/devtable/gantry/pkg/health"
	"github.com/devtable/gantry/pkg/metadata"
	"github.com/devtable/gantry/pkg/proxy"
	"github.com/devtable/gantry/pkg/runtime"
)

// LoadConfig reads and validates a project configuration file, accepting
// either JSON or YAML (pkg/config.LoadFile picks the encoding by
// extension) and rejecting any check or signal kind pkg/health doesn't
// implement.
func LoadConfig(path string, data []byte) (*config.Configuration, error) {
	cfg, err := config.LoadFile(path, data)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(health.CheckerKnownKinds(), health.SignalKnownKinds()); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// BuildRuntime wires a ContainerdEngine, a bbolt MetadataStore, and a
// TCPProxy into a RuntimeManager for cfg. The caller owns the returned
// engine and store's lifetime; Close releases both alongside the
// RuntimeManager's worker pool.
func BuildRuntime(cfg *config.Configuration, socketPath, dataDir string, workers int) (*runtime.RuntimeManager, *Handles, error) {
	eng, err := engine.NewContainerdEngine(socketPath)
	if err != nil {
		return nil, nil, fmt.Errorf("connect container engine: %w", err)
	}

	store, err := metadata.Open(dataDir)
	if err != nil {
		eng.Close()
		return nil, nil, fmt.Errorf("open metadata store: %w", err)
	}

	proxyFacade := proxy.NewTCPProxy()
	rm := runtime.New(cfg, eng, store, proxyFacade, workers)

	return rm, &Handles{eng: eng, store: store, proxy: proxyFacade, rm: rm}, nil
}

// Handles bundles the resources BuildRuntime opened, so a caller can shut
// them down in the right order without reaching back into pkg/engine or
// pkg/metadata directly.
type Handles struct {
	eng   engine.Engine
	store metadata.Store
	proxy proxy.Facade
	rm    *runtime.RuntimeManager
}

// Proxy returns the Facade BuildRuntime constructed, for callers (the
// Collector) that need to read live connection counts.
func (h *Handles) Proxy() proxy.Facade { return h.proxy }

// Close waits for outstanding terminations (RuntimeManager.Close), then
// releases the metadata store and engine connection.
func (h *Handles) Close() error {
	var firstErr error
	if err := h.rm.Close(); err != nil {
		firstErr = err
	}
	if err := h.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := h.eng.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
