// Package config holds the declarative project/component configuration
// schema and the patch engine that applies `--setconfig` overrides to it.
//
// The schema mirrors a small metaclass-based descriptor DSL in the system
// this was distilled from; here it is a plain set of Go structs with JSON
// tags plus per-type Validate methods, and a single reflection-based
// walker (see patch.go) that understands two declared roles a struct
// field can carry: the "name" field that addresses an element within a
// slice, and the "value" field that receives an override whose path ends
// exactly on a slice element.
package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Check describes a health check, ready check, termination check, or
// termination signal. The registry in pkg/health maps Kind to a
// constructor; unknown kinds fail validation at load.
type Check struct {
	Kind    string `json:"kind" patch:"value"`
	ID      string `json:"id" patch:"name"`
	Timeout int    `json:"timeout"` // inter-attempt sleep, seconds

	Port        int      `json:"port,omitempty"`
	Path        string   `json:"path,omitempty"`
	ExecCommand []string `json:"exec_command,omitempty"`
}

func (c Check) Validate(known map[string]bool) error {
	if c.ID == "" {
		return fmt.Errorf("check missing id")
	}
	if c.Kind == "" {
		return fmt.Errorf("check %s: missing kind", c.ID)
	}
	if known != nil && !known[c.Kind] {
		return fmt.Errorf("check %s: unknown kind %q", c.ID, c.Kind)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("check %s: timeout must be positive", c.ID)
	}
	return nil
}

// PortMapping is one external-to-container port publication.
type PortMapping struct {
	External  int    `json:"external" patch:"name"`
	Container int    `json:"container"`
	Kind      string `json:"kind" patch:"value"` // "tcp" or "http"
}

func (p PortMapping) Validate() error {
	if p.External <= 0 || p.Container <= 0 {
		return fmt.Errorf("port mapping %d->%d: ports must be positive", p.External, p.Container)
	}
	if p.Kind != "tcp" && p.Kind != "http" {
		return fmt.Errorf("port mapping %d: kind must be tcp or http, got %q", p.External, p.Kind)
	}
	return nil
}

// VolumeBinding is a host-path to container-path bind mount.
type VolumeBinding struct {
	HostPath      string `json:"hostPath" patch:"name"`
	ContainerPath string `json:"containerPath" patch:"value"`
}

// DefinedComponentLink is a network endpoint this component publishes.
type DefinedComponentLink struct {
	Name string `json:"name" patch:"name"`
	Port int    `json:"port" patch:"value"`
	Kind string `json:"kind"` // "tcp" or "http"
}

// RequiredComponentLink is a consumer declaration injected as environment.
type RequiredComponentLink struct {
	Name  string `json:"name" patch:"name"`
	Alias string `json:"alias" patch:"value"`
}

// Component is the immutable-per-run configuration for one deployable
// unit, matching the Component (configuration) record in the data model.
type Component struct {
	Name       string   `json:"name" patch:"name"`
	Repo       string   `json:"repo"`
	Tag        string   `json:"tag" patch:"value"`
	Command    []string `json:"command,omitempty"`
	User       string   `json:"user,omitempty"`
	Privileged bool     `json:"privileged,omitempty"`

	Ports    []PortMapping   `json:"ports,omitempty"`
	Bindings []VolumeBinding `json:"bindings,omitempty"`

	ReadyChecks        []Check `json:"readyChecks,omitempty"`
	HealthChecks       []Check `json:"healthChecks,omitempty"`
	TerminationChecks  []Check `json:"terminationChecks,omitempty"`
	TerminationSignals []Check `json:"terminationSignals,omitempty"`

	ReadyTimeoutMillis int `json:"readyTimeoutMillis,omitempty"`

	DefinedComponentLinks  []DefinedComponentLink  `json:"definedComponentLinks,omitempty"`
	RequiredComponentLinks []RequiredComponentLink `json:"requiredComponentLinks,omitempty"`
}

// DefaultReadyTimeoutMillis is applied when a component omits the field,
// matching the original system's default ready-check budget.
const DefaultReadyTimeoutMillis = 10000

// DefaultTerminationCheckID names the always-present built-in drain check
// applied when a component declares no explicit termination checks.
const DefaultTerminationCheckID = "connection"

// FullImage is the repo:tag reference used to pull and create containers.
func (c *Component) FullImage() string {
	return c.Repo + ":" + c.Tag
}

// applyDefaults fills in the defaults the original system applied
// implicitly at construction time.
func (c *Component) applyDefaults() {
	if c.ReadyTimeoutMillis <= 0 {
		c.ReadyTimeoutMillis = DefaultReadyTimeoutMillis
	}
	if len(c.TerminationChecks) == 0 {
		c.TerminationChecks = []Check{{
			Kind:    "connection",
			ID:      DefaultTerminationCheckID,
			Timeout: 5,
		}}
	}
}

// Validate checks the required fields are present and every check/signal
// names a kind known to the registry. Configuration errors are fatal at
// load time and never touch a running container.
func (c *Component) Validate(knownChecks, knownSignals map[string]bool) error {
	if c.Name == "" {
		return fmt.Errorf("component: missing name")
	}
	if c.Repo == "" || c.Tag == "" {
		return fmt.Errorf("component %s: repo and tag are required", c.Name)
	}
	for _, p := range c.Ports {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("component %s: %w", c.Name, err)
		}
	}
	for _, checks := range [][]Check{c.ReadyChecks, c.HealthChecks, c.TerminationChecks} {
		for _, chk := range checks {
			if err := chk.Validate(knownChecks); err != nil {
				return fmt.Errorf("component %s: %w", c.Name, err)
			}
		}
	}
	for _, sig := range c.TerminationSignals {
		if err := sig.Validate(knownSignals); err != nil {
			return fmt.Errorf("component %s: %w", c.Name, err)
		}
	}
	seen := map[string]bool{}
	for _, l := range c.DefinedComponentLinks {
		if l.Name == "" {
			return fmt.Errorf("component %s: defined link missing name", c.Name)
		}
		if seen[l.Name] {
			return fmt.Errorf("component %s: duplicate defined link %q", c.Name, l.Name)
		}
		seen[l.Name] = true
	}
	return nil
}

// Configuration is a parsed project config: its component set, keyed by
// name for lookup.
type Configuration struct {
	Components []*Component `json:"components"`
}

// Parse decodes a project configuration from JSON and applies defaults.
// It does not validate known check/signal kinds; call Validate with the
// health registry's kind sets for that.
func Parse(data []byte) (*Configuration, error) {
	var cfg Configuration
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse gantry config: %w", err)
	}
	for _, c := range cfg.Components {
		c.applyDefaults()
	}
	return &cfg, nil
}

// LoadFile parses a project configuration from disk. A .yml/.yaml
// extension is decoded as YAML and re-encoded to JSON before Parse, since
// the KV store's wire format and MarshalJSONIndent are always JSON; any
// other extension (or none) is parsed as JSON directly.
// Operators may keep their working copy in YAML for readability even
// though the copy pushed to /gantryd/projects/<p>/config is JSON.
func LoadFile(path string, data []byte) (*Configuration, error) {
	if isYAMLExt(path) {
		var generic interface{}
		if err := yaml.Unmarshal(data, &generic); err != nil {
			return nil, fmt.Errorf("parse gantry config as YAML: %w", err)
		}
		converted, err := json.Marshal(convertYAMLMaps(generic))
		if err != nil {
			return nil, fmt.Errorf("convert YAML config to JSON: %w", err)
		}
		return Parse(converted)
	}
	return Parse(data)
}

func isYAMLExt(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yml", ".yaml":
		return true
	default:
		return false
	}
}

// convertYAMLMaps recursively rewrites the map[string]interface{} values
// yaml.v3 produces into the map[interface{}]interface{}-free shape
// encoding/json requires, since yaml.v3 (unlike yaml.v2) already
// decodes string-keyed maps natively; this walk only needs to descend
// through slices and maps to reach every leaf.
func convertYAMLMaps(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, e := range val {
			out[k] = convertYAMLMaps(e)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, e := range val {
			out[i] = convertYAMLMaps(e)
		}
		return out
	default:
		return val
	}
}

// Validate validates every component against the given known check and
// signal kind sets.
func (cfg *Configuration) Validate(knownChecks, knownSignals map[string]bool) error {
	names := map[string]bool{}
	for _, c := range cfg.Components {
		if names[c.Name] {
			return fmt.Errorf("duplicate component name %q", c.Name)
		}
		names[c.Name] = true
		if err := c.Validate(knownChecks, knownSignals); err != nil {
			return err
		}
	}
	return nil
}

// LookupComponent returns the named component, or nil.
func (cfg *Configuration) LookupComponent(name string) *Component {
	for _, c := range cfg.Components {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// MarshalJSONIndent returns the configuration pretty-printed, as used by
// `gantryd getconfig`.
func (cfg *Configuration) MarshalJSONIndent() ([]byte, error) {
	return json.MarshalIndent(cfg, "", "  ")
}
