package manifest

import (
	"fmt"
	"strings"
)

// ResolveCatalog checks every catalog reference and fills the fields a
// catalog profile inherits: its key, description, resources and use cases.
// Explicit values on the profile win.
func (m *Manifest) ResolveCatalog() error {
	var errs ValidationErrors

	systems := make(map[string]System, len(m.Systems))
	for i, sys := range m.Systems {
		if _, dup := systems[sys.Name]; dup {
			errs = append(errs, ValidationError{
				Path:    fmt.Sprintf("/systems/%d/name", i),
				Message: fmt.Sprintf("duplicate system %q", sys.Name),
			})
			continue
		}
		systems[sys.Name] = sys
	}

	setups := make(map[string]Setup, len(m.Setups))
	for i, setup := range m.Setups {
		if _, dup := setups[setup.Name]; dup {
			errs = append(errs, ValidationError{
				Path:    fmt.Sprintf("/setups/%d/name", i),
				Message: fmt.Sprintf("duplicate setup %q", setup.Name),
			})
			continue
		}
		setups[setup.Name] = setup
	}

	for i := range m.Profiles {
		e := &m.Profiles[i]
		if e.System == "" && e.Setup == "" && e.Architecture == "" {
			continue
		}
		path := fmt.Sprintf("/profiles/%d", i)
		if e.System == "" || e.Setup == "" || e.Architecture == "" {
			errs = append(errs, ValidationError{Path: path, Message: "system, setup and architecture must be given together"})
			continue
		}
		if _, ok := systems[e.System]; !ok {
			errs = append(errs, ValidationError{Path: path + "/system", Message: fmt.Sprintf("unknown system %q", e.System)})
			continue
		}
		setup, ok := setups[e.Setup]
		if !ok {
			errs = append(errs, ValidationError{Path: path + "/setup", Message: fmt.Sprintf("unknown setup %q", e.Setup)})
			continue
		}
		arch, ok := setup.architecture(e.Architecture)
		if !ok {
			errs = append(errs, ValidationError{
				Path:    path + "/architecture",
				Message: fmt.Sprintf("setup %q has no architecture %q", e.Setup, e.Architecture),
			})
			continue
		}

		if e.Key == "" {
			e.Key = strings.Join([]string{e.System, e.Setup, e.Architecture}, "-")
		}
		if e.Description == "" {
			e.Description = arch.Description
		}
		if e.Description == "" {
			e.Description = setup.Description
		}
		if e.Resources == "" {
			e.Resources = setup.Resources
		}
		if e.UseCases == "" {
			e.UseCases = setup.UseCases
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func (s Setup) architecture(name string) (Architecture, bool) {
	for _, a := range s.Architectures {
		if a.Name == name {
			return a, true
		}
	}
	return Architecture{}, false
}
