// Package manifest loads the per-actor YAML manifest format (§4.9, §6)
// describing which component to run and which capabilities to wire in.
// Variable substitution is explicitly out of scope (§1); a manifest's
// fields are taken verbatim.
package manifest

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/theater-rt/theater/internal/theatererr"
)

// HandlerConfig is one entry of a Manifest's handler[] list: a
// capability type name resolved against the process-wide
// handler.Registry, plus its free-form configuration.
type HandlerConfig struct {
	Type   string                 `yaml:"type"`
	Config map[string]interface{} `yaml:"config,omitempty"`
}

// Manifest is the validated, per-actor spawn record (§6).
type Manifest struct {
	// Component is a path to the WASM component binary. Required.
	Component string `yaml:"component"`

	// SaveChain archives the actor's chain to <actor_id>.chain.json in the
	// working directory before Runtime.RestartActor replaces the actor.
	// The chain is not saved when the actor terminates in any other way.
	SaveChain bool `yaml:"save_chain"`

	// InitState is a path to a JSON blob whose contents seed the actor's
	// opaque state bytes (GetState) at spawn. The component's init export
	// is not called with it.
	InitState string `yaml:"init_state,omitempty"`

	// Handlers lists the capabilities this actor's WASM imports will be
	// backed by.
	Handlers []HandlerConfig `yaml:"handler"`

	// Replay, if set, is a chain file path; its presence substitutes
	// ReplayHandler for every other host-import handler and runs the
	// actor in verification mode (§4.3, §9).
	Replay string `yaml:"replay,omitempty"`
}

// Load reads and validates the manifest at path.
func Load(path string) (*Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading manifest %s: %v", theatererr.ErrSerialization, path, err)
	}

	var m Manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("%w: parsing manifest %s: %v", theatererr.ErrSerialization, path, err)
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks the required fields and internal consistency of a
// decoded Manifest.
func (m *Manifest) Validate() error {
	if m.Component == "" {
		return fmt.Errorf("%w: manifest missing required field \"component\"", theatererr.ErrSerialization)
	}
	seen := make(map[string]struct{}, len(m.Handlers))
	for _, h := range m.Handlers {
		if h.Type == "" {
			return fmt.Errorf("%w: manifest has a handler entry with no type", theatererr.ErrSerialization)
		}
		if _, dup := seen[h.Type]; dup {
			return fmt.Errorf("%w: manifest declares handler %q more than once", theatererr.ErrSerialization, h.Type)
		}
		seen[h.Type] = struct{}{}
	}
	return nil
}

// IsReplay reports whether this manifest runs in replay/verification
// mode.
func (m *Manifest) IsReplay() bool { return m.Replay != "" }

// InitStateBytes loads InitState's contents, if set, or returns nil for
// an actor with no seeded state.
func (m *Manifest) InitStateBytes() ([]byte, error) {
	if m.InitState == "" {
		return nil, nil
	}
	data, err := os.ReadFile(m.InitState)
	if err != nil {
		return nil, fmt.Errorf("%w: reading init_state %s: %v", theatererr.ErrSerialization, m.InitState, err)
	}
	return data, nil
}

// ComponentBytes loads the component binary named by Component.
func (m *Manifest) ComponentBytes() ([]byte, error) {
	data, err := os.ReadFile(m.Component)
	if err != nil {
		return nil, fmt.Errorf("%w: reading component %s: %v", theatererr.ErrSerialization, m.Component, err)
	}
	return data, nil
}
