package profile

import (
	"fmt"

	"github.com/go-viper/mapstructure/v2"
	"go.uber.org/zap"

	"github.com/3leaps/gospawner/pkg/batch"
	"github.com/3leaps/gospawner/pkg/direct"
	"github.com/3leaps/gospawner/pkg/remote"
	"github.com/3leaps/gospawner/pkg/spawner"
)

// Env carries the shared collaborators a driver needs.
type Env struct {
	Executor remote.Executor
	Logger   *zap.Logger
}

// Factory creates drivers for one compiled profile.
type Factory struct {
	Form spawner.Form
	New  func(session spawner.Session) spawner.Driver
}

// Builder compiles a profile's driver configuration into a Factory. Builders
// run once, at table load; configuration errors surface there.
type Builder func(p Profile, env Env) (Factory, error)

// Registry maps driver types to builders.
type Registry struct {
	builders map[DriverType]Builder
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{builders: make(map[DriverType]Builder)}
}

// DefaultRegistry returns a Registry with the batch, direct and null drivers.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(DriverBatch, buildBatch)
	r.Register(DriverDirect, buildDirect)
	r.Register(DriverNull, buildNull)
	return r
}

// Register adds or replaces the builder for t.
func (r *Registry) Register(t DriverType, b Builder) {
	r.builders[t] = b
}

// Build compiles p.
func (r *Registry) Build(p Profile, env Env) (Factory, error) {
	b, ok := r.builders[p.Driver]
	if !ok {
		return Factory{}, fmt.Errorf("profile %s: unknown driver %q", p.Key, p.Driver)
	}
	if env.Logger == nil {
		env.Logger = zap.NewNop()
	}
	f, err := b(p, env)
	if err != nil {
		return Factory{}, fmt.Errorf("profile %s: %w", p.Key, err)
	}
	return f, nil
}

// DecodeConfig decodes a profile's config mapping onto out. Durations accept
// strings such as "90s"; unknown keys are rejected.
func DecodeConfig(in map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(in); err != nil {
		return &spawner.ConfigurationError{Message: err.Error()}
	}
	return nil
}

func buildBatch(p Profile, env Env) (Factory, error) {
	cfg := batch.DefaultConfig()
	if err := DecodeConfig(p.Config, &cfg); err != nil {
		return Factory{}, err
	}
	if cfg.Description == "" {
		cfg.Description = p.Description
	}
	spec, err := cfg.Compile()
	if err != nil {
		return Factory{}, err
	}
	logger := env.Logger.With(zap.String("profile", p.Key))
	return Factory{
		Form: batch.DescribeForm(spec.Config()),
		New: func(session spawner.Session) spawner.Driver {
			return batch.NewDriver(spec, env.Executor, session, batch.WithLogger(logger))
		},
	}, nil
}

func buildDirect(p Profile, env Env) (Factory, error) {
	cfg := direct.DefaultConfig()
	if err := DecodeConfig(p.Config, &cfg); err != nil {
		return Factory{}, err
	}
	if cfg.Description == "" {
		cfg.Description = p.Description
	}
	spec, err := cfg.Compile()
	if err != nil {
		return Factory{}, err
	}
	logger := env.Logger.With(zap.String("profile", p.Key))
	return Factory{
		Form: spawner.Form{Description: cfg.Description},
		New: func(session spawner.Session) spawner.Driver {
			return direct.NewDriver(spec, env.Executor, session, logger)
		},
	}, nil
}

func buildNull(p Profile, _ Env) (Factory, error) {
	reason := p.Description
	if reason == "" {
		reason = "no compute system configured for this profile"
	}
	return nullFactory(reason), nil
}

func nullFactory(reason string) Factory {
	return Factory{
		Form: spawner.Form{Description: reason},
		New: func(spawner.Session) spawner.Driver {
			return spawner.NewNullDriver(reason)
		},
	}
}
