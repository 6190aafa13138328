// Package profile resolves a user's profile choice to a session driver.
//
// A Table is the ordered, read-only list of profiles loaded from gateway
// configuration; its first entry is the default. A Selector looks keys up in
// the table, applies the configured FallbackPolicy on a miss, and binds the
// chosen driver to a session through a Spawner.
package profile

import (
	"errors"
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// DriverType names a driver implementation.
type DriverType string

const (
	DriverBatch  DriverType = "batch"
	DriverDirect DriverType = "direct"
	DriverNull   DriverType = "null"
)

// Profile is a named pairing of a driver type and its configuration.
type Profile struct {
	Key         string     `json:"key" yaml:"key"`
	Driver      DriverType `json:"driver" yaml:"driver"`
	Description string     `json:"description,omitempty" yaml:"description,omitempty"`

	// Catalog metadata, shown to users choosing a profile.
	System       string `json:"system,omitempty" yaml:"system,omitempty"`
	Setup        string `json:"setup,omitempty" yaml:"setup,omitempty"`
	Architecture string `json:"architecture,omitempty" yaml:"architecture,omitempty"`
	Resources    string `json:"resources,omitempty" yaml:"resources,omitempty"`
	UseCases     string `json:"use_cases,omitempty" yaml:"use_cases,omitempty"`

	Users  []string       `json:"users,omitempty" yaml:"users,omitempty"`
	Config map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
}

// AllowsUser reports whether user may select p. A profile without user
// patterns is open to everyone.
func (p Profile) AllowsUser(user string) bool {
	if len(p.Users) == 0 {
		return true
	}
	for _, pattern := range p.Users {
		if ok, err := doublestar.Match(pattern, user); err == nil && ok {
			return true
		}
	}
	return false
}

// Table is an ordered profile list with unique keys.
type Table struct {
	profiles []Profile
	index    map[string]int
}

// NewTable validates profiles and returns a Table. The first profile is the
// default.
func NewTable(profiles []Profile) (*Table, error) {
	if len(profiles) == 0 {
		return nil, errors.New("profile table is empty")
	}
	t := &Table{
		profiles: make([]Profile, 0, len(profiles)),
		index:    make(map[string]int, len(profiles)),
	}
	for i, p := range profiles {
		p.Key = strings.TrimSpace(p.Key)
		if p.Key == "" {
			return nil, fmt.Errorf("profiles[%d]: key is required", i)
		}
		if _, dup := t.index[p.Key]; dup {
			return nil, fmt.Errorf("profiles[%d]: duplicate key %q", i, p.Key)
		}
		if p.Driver == "" {
			return nil, fmt.Errorf("profiles[%d] (%s): driver is required", i, p.Key)
		}
		for _, pattern := range p.Users {
			if !doublestar.ValidatePattern(pattern) {
				return nil, fmt.Errorf("profiles[%d] (%s): invalid user pattern %q", i, p.Key, pattern)
			}
		}
		t.index[p.Key] = len(t.profiles)
		t.profiles = append(t.profiles, p)
	}
	return t, nil
}

// Lookup returns the profile with key.
func (t *Table) Lookup(key string) (Profile, bool) {
	i, ok := t.index[key]
	if !ok {
		return Profile{}, false
	}
	return t.profiles[i], true
}

// Default returns the first profile.
func (t *Table) Default() Profile {
	return t.profiles[0]
}

// Profiles returns the profiles in configured order.
func (t *Table) Profiles() []Profile {
	out := make([]Profile, len(t.profiles))
	copy(out, t.profiles)
	return out
}

// Keys returns the profile keys in configured order.
func (t *Table) Keys() []string {
	keys := make([]string, len(t.profiles))
	for i, p := range t.profiles {
		keys[i] = p.Key
	}
	return keys
}

// Len returns the number of profiles.
func (t *Table) Len() int {
	return len(t.profiles)
}

// FallbackPolicy decides what an unknown profile key resolves to.
type FallbackPolicy string

const (
	// FallbackNull resolves unknown keys to the null driver. Never fails.
	FallbackNull FallbackPolicy = "null"

	// FallbackDefault resolves unknown keys to the first profile.
	FallbackDefault FallbackPolicy = "default"

	// FallbackError returns *UnknownProfileError.
	FallbackError FallbackPolicy = "error"
)

// ParseFallbackPolicy parses a configured policy name. Empty means
// FallbackNull.
func ParseFallbackPolicy(s string) (FallbackPolicy, error) {
	switch p := FallbackPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return FallbackNull, nil
	case FallbackNull, FallbackDefault, FallbackError:
		return p, nil
	default:
		return "", fmt.Errorf("invalid profile fallback policy %q (expected null, default or error)", s)
	}
}

// ErrUnknownProfile is wrapped by UnknownProfileError.
var ErrUnknownProfile = errors.New("unknown profile")

// ErrProfileNotAllowed indicates the user may not select the profile.
var ErrProfileNotAllowed = errors.New("profile not allowed for user")

// UnknownProfileError reports a key missing from the table.
type UnknownProfileError struct {
	Key string
}

func (e *UnknownProfileError) Error() string {
	return fmt.Sprintf("unknown profile %q", e.Key)
}

func (e *UnknownProfileError) Unwrap() error {
	return ErrUnknownProfile
}

// IsUnknownProfile returns true if err reports an unknown profile key.
func IsUnknownProfile(err error) bool {
	return errors.Is(err, ErrUnknownProfile)
}
