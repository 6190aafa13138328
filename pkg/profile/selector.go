package profile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/3leaps/gospawner/pkg/spawner"
)

// FormField is the options-form field carrying the profile key.
const FormField = "profile"

// Persisted state keys. The driver type and configuration of the selected
// profile are saved with the session so it can be restored after the profile
// is edited or removed.
const (
	StateKeyProfile       = "profile"
	StateKeyProfileDriver = "profile_driver"
	StateKeyProfileConfig = "profile_config"
)

// ErrProfileUnavailable indicates a persisted session whose profile can no
// longer be rebuilt. The record is left in place for an operator.
var ErrProfileUnavailable = errors.New("persisted profile cannot be restored")

// Selector resolves profile keys and constructs session drivers.
type Selector struct {
	table     *Table
	registry  *Registry
	env       Env
	factories map[string]Factory
	policy    FallbackPolicy
	fallback  Factory
	log       *zap.Logger
}

// NewSelector compiles every profile in table through registry. Any profile
// whose configuration does not compile fails the whole table.
func NewSelector(table *Table, registry *Registry, env Env, policy FallbackPolicy) (*Selector, error) {
	if env.Logger == nil {
		env.Logger = zap.NewNop()
	}
	if registry == nil {
		registry = DefaultRegistry()
	}
	if _, err := ParseFallbackPolicy(string(policy)); err != nil {
		return nil, err
	}
	if policy == "" {
		policy = FallbackNull
	}

	s := &Selector{
		table:     table,
		registry:  registry,
		env:       env,
		factories: make(map[string]Factory, table.Len()),
		policy:    policy,
		fallback:  nullFactory("the selected profile is not available"),
		log:       env.Logger,
	}
	for _, p := range table.Profiles() {
		f, err := registry.Build(p, env)
		if err != nil {
			return nil, err
		}
		s.factories[p.Key] = f
	}
	return s, nil
}

// Table returns the profile table.
func (s *Selector) Table() *Table {
	return s.table
}

// Policy returns the fallback policy in effect.
func (s *Selector) Policy() FallbackPolicy {
	return s.policy
}

// Select resolves key. On a miss the fallback policy applies: FallbackNull
// returns a synthetic null profile carrying key, FallbackDefault the first
// profile, FallbackError an *UnknownProfileError.
func (s *Selector) Select(key string) (Profile, error) {
	if p, ok := s.table.Lookup(key); ok {
		return p, nil
	}
	switch s.policy {
	case FallbackDefault:
		p := s.table.Default()
		s.log.Warn("Unknown profile; using default",
			zap.String("profile", key),
			zap.String("fallback", string(s.policy)),
			zap.String("resolved", p.Key))
		return p, nil
	case FallbackError:
		return Profile{}, &UnknownProfileError{Key: key}
	default:
		s.log.Warn("Unknown profile; using null driver",
			zap.String("profile", key),
			zap.String("fallback", string(s.policy)))
		return Profile{Key: key, Driver: DriverNull}, nil
	}
}

func (s *Selector) factory(p Profile) Factory {
	if f, ok := s.factories[p.Key]; ok {
		return f
	}
	return s.fallback
}

// Construct resolves key and binds its driver to session.
func (s *Selector) Construct(key string, session spawner.Session) (*Spawner, error) {
	p, err := s.Select(key)
	if err != nil {
		return nil, err
	}
	if !p.AllowsUser(session.User) {
		return nil, fmt.Errorf("%w: %s may not use %s", ErrProfileNotAllowed, session.User, p.Key)
	}
	return &Spawner{
		selector: s,
		session:  session,
		profile:  p,
		child:    s.factory(p).New(session),
		persist:  true,
	}, nil
}

// Restore rebuilds a Spawner from persisted state without submitting. The
// fallback policy never applies here: a session is restored with the profile
// it was started with, or not at all.
func (s *Selector) Restore(session spawner.Session, st spawner.State) (*Spawner, error) {
	sp := &Spawner{selector: s, session: session}
	if err := sp.LoadState(st); err != nil {
		return nil, err
	}
	return sp, nil
}

// restoreProfile resolves the profile saved in st. The configured profile is
// used while its key and driver type still match; otherwise the saved
// definition is recompiled.
func (s *Selector) restoreProfile(st spawner.State) (Profile, Factory, error) {
	key := st[StateKeyProfile]
	driver := DriverType(st[StateKeyProfileDriver])
	if p, ok := s.table.Lookup(key); ok && (driver == "" || driver == p.Driver) {
		return p, s.factories[p.Key], nil
	}
	if driver == "" {
		return Profile{}, Factory{}, fmt.Errorf("%w: profile %q is not configured and no definition was saved", ErrProfileUnavailable, key)
	}

	p := Profile{Key: key, Driver: driver}
	if raw := st[StateKeyProfileConfig]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &p.Config); err != nil {
			return Profile{}, Factory{}, fmt.Errorf("%w: profile %q: decode saved config: %v", ErrProfileUnavailable, key, err)
		}
	}
	f, err := s.registry.Build(p, s.env)
	if err != nil {
		return Profile{}, Factory{}, fmt.Errorf("%w: %v", ErrProfileUnavailable, err)
	}
	s.log.Warn("Profile no longer configured; restoring session from its saved definition",
		zap.String("profile", key),
		zap.String("driver", string(driver)))
	return p, f, nil
}

// ResolveForm returns the profile selected by an options-form submission.
// A missing, unknown or disallowed selection yields the first profile the
// user may use.
func (s *Selector) ResolveForm(user string, form url.Values) Profile {
	key := ParseFormProfile(form)
	if p, ok := s.table.Lookup(key); ok && p.AllowsUser(user) {
		return p
	}
	opts := s.Options(user)
	if len(opts) > 0 {
		p, _ := s.table.Lookup(opts[0].Key)
		return p
	}
	return s.table.Default()
}

// ParseFormProfile reads the profile field of an options form.
func ParseFormProfile(form url.Values) string {
	return strings.TrimSpace(form.Get(FormField))
}

// Option is one selectable profile as shown on the options form.
type Option struct {
	Key          string       `json:"key"`
	Driver       DriverType   `json:"driver"`
	Description  string       `json:"description,omitempty"`
	System       string       `json:"system,omitempty"`
	Setup        string       `json:"setup,omitempty"`
	Architecture string       `json:"architecture,omitempty"`
	Resources    string       `json:"resources,omitempty"`
	UseCases     string       `json:"use_cases,omitempty"`
	Default      bool         `json:"default,omitempty"`
	Form         spawner.Form `json:"form"`
}

// Options lists the profiles user may select, in table order. The first
// listed option is marked default.
func (s *Selector) Options(user string) []Option {
	var out []Option
	for _, p := range s.table.Profiles() {
		if !p.AllowsUser(user) {
			continue
		}
		out = append(out, Option{
			Key:          p.Key,
			Driver:       p.Driver,
			Description:  p.Description,
			System:       p.System,
			Setup:        p.Setup,
			Architecture: p.Architecture,
			Resources:    p.Resources,
			UseCases:     p.UseCases,
			Default:      len(out) == 0,
			Form:         s.factories[p.Key].Form,
		})
	}
	return out
}

// Spawner binds a selected profile's driver to one session. It implements
// spawner.Driver by delegating to the child and adds the profile key to the
// persisted state.
type Spawner struct {
	selector *Selector
	session  spawner.Session
	profile  Profile
	child    spawner.Driver
	persist  bool
	// config is the profile configuration as saved JSON.
	config string
}

var _ spawner.Driver = (*Spawner)(nil)

// Profile returns the resolved profile.
func (s *Spawner) Profile() Profile {
	return s.profile
}

// Session returns the session the child was bound to.
func (s *Spawner) Session() spawner.Session {
	return s.session
}

// Child returns the delegated driver.
func (s *Spawner) Child() spawner.Driver {
	return s.child
}

func (s *Spawner) Submit(ctx context.Context) (spawner.Status, error) {
	s.persist = true
	return s.child.Submit(ctx)
}

func (s *Spawner) Poll(ctx context.Context) (spawner.Status, error) {
	return s.child.Poll(ctx)
}

func (s *Spawner) Cancel(ctx context.Context) (spawner.Status, error) {
	return s.child.Cancel(ctx)
}

// GetState returns the profile key, driver type and configuration plus the
// child's fields.
func (s *Spawner) GetState() spawner.State {
	st := s.child.GetState().Clone()
	if !s.persist || s.profile.Key == "" {
		return st
	}
	st[StateKeyProfile] = s.profile.Key
	st[StateKeyProfileDriver] = string(s.profile.Driver)
	if cfg := s.savedConfig(); cfg != "" {
		st[StateKeyProfileConfig] = cfg
	}
	return st
}

func (s *Spawner) savedConfig() string {
	if s.config == "" && len(s.profile.Config) > 0 {
		raw, err := json.Marshal(s.profile.Config)
		if err != nil {
			s.selector.log.Warn("Failed to encode profile config", zap.String("profile", s.profile.Key), zap.Error(err))
			return ""
		}
		s.config = string(raw)
	}
	return s.config
}

// LoadState resolves the persisted profile, constructs the child for it and
// hands the remaining fields to the child.
func (s *Spawner) LoadState(st spawner.State) error {
	p, f, err := s.selector.restoreProfile(st)
	if err != nil {
		return err
	}
	child := st.Clone()
	delete(child, StateKeyProfile)
	delete(child, StateKeyProfileDriver)
	delete(child, StateKeyProfileConfig)

	s.profile = p
	s.config = ""
	s.child = f.New(s.session)
	s.persist = true
	return s.child.LoadState(child)
}

// ClearState clears the child and the persisted profile key.
func (s *Spawner) ClearState() {
	s.child.ClearState()
	s.persist = false
}

func (s *Spawner) DescribeForm() spawner.Form {
	return s.child.DescribeForm()
}
