// Package manifest loads and validates gospawner profile manifests.
//
// A profile manifest is a YAML or JSON file listing the spawner profiles a
// gateway offers. Order matters: the first profile is the default.
//
// Manifests are validated against an embedded JSON Schema before decoding,
// so unknown fields are rejected rather than silently ignored. Driver
// config blocks are free-form here and checked when the profile table is
// compiled.
//
// Example manifest (YAML):
//
//	version: "1.0"
//	profiles:
//	  - key: cori-debug
//	    driver: batch
//	    description: Cori debug queue, 30 minutes
//	    config:
//	      partition: debug
//	      runtime: "00:30:00"
//	      account: m1234
//	  - key: login
//	    driver: direct
//	    users: ["staff-*"]
//	    config:
//	      remote_host: cori19
//
// Profiles may instead be drawn from a catalog of systems and setups. Such a
// profile names a system, a setup and one of the setup's architectures; its
// key defaults to "<system>-<setup>-<architecture>" and it inherits the
// architecture's description and the setup's resources and use cases:
//
//	systems:
//	  - name: cori
//	setups:
//	  - name: shared-node
//	    architectures:
//	      - name: cpu
//	        description: Shared CPU Node
//	    resources: Use a node shared with other users' notebooks.
//	    use_cases: Visualization and light analytics.
//	profiles:
//	  - system: cori
//	    setup: shared-node
//	    architecture: cpu
//	    driver: direct
package manifest

import (
	"github.com/3leaps/gospawner/pkg/profile"
)

// Manifest is a validated profile manifest.
type Manifest struct {
	// Schema is an optional JSON Schema reference for editor support.
	Schema string `json:"$schema,omitempty" yaml:"$schema,omitempty"`

	// Version is the manifest schema version. Must be "1.0".
	Version string `json:"version" yaml:"version"`

	Systems  []System       `json:"systems,omitempty" yaml:"systems,omitempty"`
	Setups   []Setup        `json:"setups,omitempty" yaml:"setups,omitempty"`
	Profiles []ProfileEntry `json:"profiles" yaml:"profiles"`
}

// System is a compute system in the profile catalog.
type System struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// Setup is a resource setup offered on one or more architectures.
type Setup struct {
	Name          string         `json:"name" yaml:"name"`
	Description   string         `json:"description,omitempty" yaml:"description,omitempty"`
	Architectures []Architecture `json:"architectures" yaml:"architectures"`
	Resources     string         `json:"resources,omitempty" yaml:"resources,omitempty"`
	UseCases      string         `json:"use_cases,omitempty" yaml:"use_cases,omitempty"`
}

// Architecture is one hardware flavour of a setup.
type Architecture struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// ProfileEntry is one profile as written in the manifest.
type ProfileEntry struct {
	Key          string         `json:"key,omitempty" yaml:"key,omitempty"`
	Driver       string         `json:"driver" yaml:"driver"`
	Description  string         `json:"description,omitempty" yaml:"description,omitempty"`
	System       string         `json:"system,omitempty" yaml:"system,omitempty"`
	Setup        string         `json:"setup,omitempty" yaml:"setup,omitempty"`
	Architecture string         `json:"architecture,omitempty" yaml:"architecture,omitempty"`
	Resources    string         `json:"resources,omitempty" yaml:"resources,omitempty"`
	UseCases     string         `json:"use_cases,omitempty" yaml:"use_cases,omitempty"`
	Users        []string       `json:"users,omitempty" yaml:"users,omitempty"`
	Config       map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
}

// ApplyDefaults fills optional fields.
func (m *Manifest) ApplyDefaults() {
	for i := range m.Profiles {
		if m.Profiles[i].Description == "" {
			m.Profiles[i].Description = m.Profiles[i].Key
		}
		if m.Profiles[i].Config == nil {
			m.Profiles[i].Config = map[string]any{}
		}
	}
}

// ProfileList converts the entries to profiles, preserving order.
func (m *Manifest) ProfileList() []profile.Profile {
	out := make([]profile.Profile, 0, len(m.Profiles))
	for _, e := range m.Profiles {
		out = append(out, profile.Profile{
			Key:          e.Key,
			Driver:       profile.DriverType(e.Driver),
			Description:  e.Description,
			System:       e.System,
			Setup:        e.Setup,
			Architecture: e.Architecture,
			Resources:    e.Resources,
			UseCases:     e.UseCases,
			Users:        append([]string(nil), e.Users...),
			Config:       e.Config,
		})
	}
	return out
}

// Table builds the ordered profile table.
func (m *Manifest) Table() (*profile.Table, error) {
	return profile.NewTable(m.ProfileList())
}
