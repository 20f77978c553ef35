package daemon

import (
	"fmt"

	"github.com/devtable/gantry/pkg/config"
	"github.com/devtable/gantry/pkg/kvstore"
	"github.com/devtable/gantry/pkg/state"
)

// Client drives the `gantryd` one-shot operator actions (getconfig,
// setconfig, list, update, stop, kill) against the shared KV store. None
// of these touch a container engine directly; they write the desired
// state a host's ComponentWatcher observes and reconciles on its next
// command-loop tick, the same separation the original gantryd/client.py
// keeps between the CLI process and the long-running daemon.
type Client struct {
	store   kvstore.Store
	project string
}

// NewClient binds a Client to one project's namespace in store.
func NewClient(store kvstore.Store, project string) *Client {
	return &Client{store: store, project: project}
}

// GetConfig reads and parses the project configuration currently stored
// at /gantryd/projects/<project>/config (SUPPLEMENTED FEATURE 3).
func (c *Client) GetConfig() (*config.Configuration, error) {
	raw, ok, err := c.store.Get(state.ProjectConfigPath(c.project))
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("no config stored for project %q", c.project)
	}
	return config.Parse([]byte(raw))
}

// PushConfig writes cfg as the project's stored configuration, replacing
// whatever was there. Used by `gantryd run` on first launch and by
// `gantryd setconfig` once the override has been applied.
func (c *Client) PushConfig(cfg *config.Configuration) error {
	data, err := cfg.MarshalJSONIndent()
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return c.store.Set(state.ProjectConfigPath(c.project), string(data), 0)
}

// SetConfig applies a `--setconfig` override to the component named by
// componentName within the stored configuration and writes the result
// back (SUPPLEMENTED FEATURE 2).
func (c *Client) SetConfig(componentName, override string) (*config.Configuration, error) {
	cfg, err := c.GetConfig()
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyOverride(componentName, override); err != nil {
		return nil, fmt.Errorf("apply override: %w", err)
	}
	if err := c.PushConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// componentState returns the handle for one component in this project.
func (c *Client) componentState(name string) *state.ComponentStateHandle {
	return state.NewComponentStateHandle(c.store, c.project, name)
}

// Update requests a rollover for name. It clears the recorded ImageID so
// the next ComponentWatcher command-loop tick always observes a mismatch
// against the component's real resolved image id, forcing PullRepo and
// Update regardless of whether the repo:tag reference itself changed,
// the expected trigger for "I pushed a new :latest, roll it out now".
func (c *Client) Update(name string) error {
	return c.componentState(name).Set(state.ComponentState{Status: state.StatusReady})
}

// Stop requests a drain-and-stop of name's primary container; Kill
// requests an immediate stop. Both are observed and carried out by
// whichever host's ComponentWatcher command loop next reads this state.
func (c *Client) Stop(name string) error {
	return c.componentState(name).Set(state.ComponentState{Status: state.StatusStopped})
}

func (c *Client) Kill(name string) error {
	return c.componentState(name).Set(state.ComponentState{Status: state.StatusKilled})
}

// List reports the current ComponentState status and image id for each
// name, or for every component declared in the stored config when names
// is empty. The machine recorded in the state is not included.
func (c *Client) List(names []string) ([]ListRow, error) {
	if len(names) == 0 {
		cfg, err := c.GetConfig()
		if err != nil {
			return nil, err
		}
		for _, comp := range cfg.Components {
			names = append(names, comp.Name)
		}
	}

	rows := make([]ListRow, 0, len(names))
	for _, name := range names {
		s := c.componentState(name).Get()
		rows = append(rows, ListRow{
			Component: name,
			Status:    string(s.Status),
			ImageID:   s.ImageID,
		})
	}
	return rows, nil
}
