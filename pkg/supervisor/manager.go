// Package supervisor owns every live session: it spawns them through the
// profile selector, persists their records, polls them on an interval and
// stops them on request.
//
// Sessions share nothing mutable. Each has its own lock, so a slow remote
// host stalls only its own session.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/3leaps/gospawner/pkg/profile"
	"github.com/3leaps/gospawner/pkg/spawner"
	"github.com/3leaps/gospawner/pkg/statestore"
)

// Defaults for Config.
const (
	DefaultPollInterval    = 30 * time.Second
	DefaultPollTimeout     = 30 * time.Second
	DefaultMaxPollFailures = 5
	DefaultConcurrency     = 8
)

// Operator-facing messages recorded on failed sessions.
const (
	msgSubmitAmbiguous  = "submission timed out; the job may exist on the queue and needs manual review"
	msgSubmitCrash      = "gateway stopped during submission; check the queue manually"
	msgPollFailureLimit = "queue status unavailable after repeated attempts"
)

var (
	// ErrNoSession indicates the user has no session.
	ErrNoSession = errors.New("no session for user")

	// ErrSessionActive indicates the user already has a pending or running
	// session.
	ErrSessionActive = errors.New("session already active")
)

// Config tunes the supervision loop.
type Config struct {
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	PollTimeout     time.Duration `mapstructure:"poll_timeout"`
	MaxPollFailures int           `mapstructure:"max_poll_failures"`
	Concurrency     int           `mapstructure:"concurrency"`
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = DefaultPollTimeout
	}
	if c.MaxPollFailures <= 0 {
		c.MaxPollFailures = DefaultMaxPollFailures
	}
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	return c
}

// Manager supervises sessions.
type Manager struct {
	selector *profile.Selector
	store    statestore.Store
	cfg      Config
	log      *zap.Logger
	now      func() time.Time

	mu       sync.Mutex
	sessions map[string]*session
}

type session struct {
	// ctx is cancelled by Stop to abort an in-flight poll.
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sp       *profile.Spawner
	rec      statestore.Record
	failures int
	stopped  bool
}

// New returns a Manager. A nil logger disables logging.
func New(selector *profile.Selector, store statestore.Store, cfg Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		selector: selector,
		store:    store,
		cfg:      cfg.withDefaults(),
		log:      logger,
		now:      time.Now,
		sessions: make(map[string]*session),
	}
}

func (m *Manager) newSession(sp *profile.Spawner, rec statestore.Record) *session {
	ctx, cancel := context.WithCancel(context.Background())
	return &session{ctx: ctx, cancel: cancel, sp: sp, rec: rec}
}

func (m *Manager) get(user string) (*session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[user]
	return s, ok
}

func (m *Manager) remove(user string, s *session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions[user] == s {
		delete(m.sessions, user)
	}
}

// update copies the driver's view into the record.
func (m *Manager) update(s *session, st spawner.Status) {
	s.rec.State = st.State
	s.rec.JobID = st.JobID
	s.rec.Host = st.Host
	s.rec.Message = st.Message
	s.rec.Driver = s.sp.GetState()
	s.rec.UpdatedAt = m.now().UTC()
}

func (m *Manager) save(ctx context.Context, s *session) error {
	rec := s.rec
	return m.store.Save(ctx, &rec)
}

// Spawn starts a session for sess.User with the given profile. The record is
// persisted as submitting before the remote submit and with the job id after
// it; Spawn reports success only once the second write is durable.
func (m *Manager) Spawn(ctx context.Context, sess spawner.Session, profileKey string) (spawner.Status, error) {
	if sess.SessionID == "" {
		sess.SessionID = uuid.NewString()
	}
	log := m.log.With(zap.String("user", sess.User), zap.String("session_id", sess.SessionID))

	sp, err := m.selector.Construct(profileKey, sess)
	if err != nil {
		return spawner.Status{}, err
	}

	now := m.now().UTC()
	s := m.newSession(sp, statestore.Record{
		User:      sess.User,
		SessionID: sess.SessionID,
		Profile:   sp.Profile().Key,
		State:     spawner.StateSubmitting,
		Session:   sess,
		CreatedAt: now,
		UpdatedAt: now,
	})
	s.rec.Driver = sp.GetState()

	existing, _ := m.get(sess.User)
	if existing != nil {
		existing.mu.Lock()
		active := !existing.stopped && (existing.rec.State.Active() || existing.rec.State == spawner.StateSubmitting)
		if !active && !existing.stopped {
			// A failed session can still hold a job on the queue.
			existing.stopped = true
			if _, err := existing.sp.Cancel(ctx); err != nil {
				log.Warn("Cancel of previous session reported an error", zap.Error(err))
			}
			existing.sp.ClearState()
		}
		existing.mu.Unlock()
		if active {
			return spawner.Status{}, fmt.Errorf("%w: %s", ErrSessionActive, sess.User)
		}
	}

	m.mu.Lock()
	if cur := m.sessions[sess.User]; cur != existing {
		m.mu.Unlock()
		return spawner.Status{}, fmt.Errorf("%w: %s", ErrSessionActive, sess.User)
	}
	if existing != nil {
		existing.cancel()
	}
	m.sessions[sess.User] = s
	s.mu.Lock()
	m.mu.Unlock()
	defer s.mu.Unlock()

	if err := m.save(ctx, s); err != nil {
		m.remove(sess.User, s)
		return spawner.Status{}, fmt.Errorf("persist session: %w", err)
	}

	st, err := sp.Submit(ctx)
	m.update(s, st)
	if err != nil {
		if spawner.IsSubmitAmbiguous(err) {
			s.rec.Message = msgSubmitAmbiguous
			if serr := m.save(ctx, s); serr != nil {
				log.Error("Failed to persist ambiguous submission", zap.Error(serr))
			}
			log.Error("Submission outcome unknown", zap.String("profile", s.rec.Profile), zap.Error(err))
			return st, err
		}
		log.Error("Submission failed", zap.String("profile", s.rec.Profile), zap.Error(err))
		if derr := m.store.Delete(ctx, sess.User); derr != nil {
			log.Warn("Failed to remove session record", zap.Error(derr))
		}
		m.remove(sess.User, s)
		s.stopped = true
		return st, err
	}

	if err := m.save(ctx, s); err != nil {
		log.Error("Failed to persist submitted job; cancelling it", zap.String("job_id", st.JobID), zap.Error(err))
		_, _ = sp.Cancel(ctx)
		_ = m.store.Delete(ctx, sess.User)
		m.remove(sess.User, s)
		s.stopped = true
		return st, fmt.Errorf("persist session: %w", err)
	}

	log.Info("Session submitted",
		zap.String("profile", s.rec.Profile),
		zap.String("job_id", st.JobID),
		zap.String("state", string(st.State)))
	return st, nil
}

// Poll refreshes one user's session. Transient failures are counted; after
// MaxPollFailures in a row the session is marked failed.
func (m *Manager) Poll(ctx context.Context, user string) (spawner.Status, error) {
	s, ok := m.get(user)
	if !ok {
		return spawner.Status{}, fmt.Errorf("%w: %s", ErrNoSession, user)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return spawner.Status{State: spawner.StateStopped, UpdatedAt: m.now().UTC()}, nil
	}
	if !s.rec.State.Active() {
		return m.snapshot(s), nil
	}

	pollCtx, cancel := context.WithTimeout(s.ctx, m.cfg.PollTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	log := m.log.With(zap.String("user", user), zap.String("session_id", s.rec.SessionID))
	st, err := s.sp.Poll(pollCtx)
	if s.ctx.Err() != nil {
		// Stop is waiting for the lock.
		return st, nil
	}

	if spawner.IsTransient(err) {
		s.failures++
		log.Warn("Poll failed",
			zap.Int("attempt", s.failures),
			zap.Int("max_attempts", m.cfg.MaxPollFailures),
			zap.Error(err))
		if s.failures < m.cfg.MaxPollFailures {
			return st, err
		}
		st.State = spawner.StateFailed
		st.Message = msgPollFailureLimit
		m.update(s, st)
		if serr := m.save(ctx, s); serr != nil {
			log.Error("Failed to persist session", zap.Error(serr))
		}
		log.Error("Giving up on session after repeated poll failures", zap.String("job_id", st.JobID))
		return st, err
	}
	s.failures = 0

	prev := s.rec.State
	m.update(s, st)
	if serr := m.save(ctx, s); serr != nil {
		log.Error("Failed to persist session", zap.Error(serr))
	}
	if prev != st.State {
		log.Info("Session state changed",
			zap.String("from", string(prev)),
			zap.String("to", string(st.State)),
			zap.String("host", st.Host))
	}
	return st, err
}

// Refresh polls the user's session, restoring it from the store first when
// it is not supervised yet.
func (m *Manager) Refresh(ctx context.Context, user string) (spawner.Status, error) {
	if _, ok := m.get(user); !ok {
		if _, err := m.restore(ctx, user); err != nil {
			return spawner.Status{}, err
		}
	}
	return m.Poll(ctx, user)
}

// Stop cancels the user's session exactly once, then clears and deletes its
// record. A session known only to the store is restored first.
func (m *Manager) Stop(ctx context.Context, user string) (spawner.Status, error) {
	s, ok := m.get(user)
	if !ok {
		var err error
		if s, err = m.restore(ctx, user); err != nil {
			return spawner.Status{}, err
		}
	}

	// Abort an in-flight poll before queueing for the session lock.
	s.cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return spawner.Status{State: spawner.StateStopped, UpdatedAt: m.now().UTC()}, nil
	}
	s.stopped = true

	st, err := s.sp.Cancel(ctx)
	if err != nil {
		m.log.Warn("Cancel reported an error", zap.String("user", user), zap.Error(err))
	}
	s.sp.ClearState()
	m.remove(user, s)

	if err := m.store.Delete(ctx, user); err != nil {
		return st, fmt.Errorf("delete session record: %w", err)
	}
	m.log.Info("Session stopped", zap.String("user", user), zap.String("job_id", s.rec.JobID))
	return st, nil
}

// Forget deletes the user's persisted record without contacting the queue.
// It is the operator's way out for a record that cannot be restored; any job
// it names must be cancelled by hand.
func (m *Manager) Forget(ctx context.Context, user string) (statestore.Record, error) {
	rec, err := m.store.Load(ctx, user)
	if err != nil {
		if statestore.IsNotFound(err) {
			return statestore.Record{}, fmt.Errorf("%w: %s", ErrNoSession, user)
		}
		return statestore.Record{}, err
	}
	if s, ok := m.get(user); ok {
		s.cancel()
		s.mu.Lock()
		s.stopped = true
		s.mu.Unlock()
		m.remove(user, s)
	}
	if err := m.store.Delete(ctx, user); err != nil {
		return *rec, fmt.Errorf("delete session record: %w", err)
	}
	m.log.Warn("Session record discarded without cancelling",
		zap.String("user", user),
		zap.String("profile", rec.Profile),
		zap.String("job_id", rec.JobID),
		zap.String("host", rec.Host))
	return *rec, nil
}

func (m *Manager) restore(ctx context.Context, user string) (*session, error) {
	rec, err := m.store.Load(ctx, user)
	if err != nil {
		if statestore.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrNoSession, user)
		}
		return nil, err
	}
	sp, err := m.selector.Restore(rec.Session, rec.Driver)
	if err != nil {
		return nil, err
	}
	s := m.newSession(sp, *rec)

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.sessions[user]; ok {
		s.cancel()
		return existing, nil
	}
	m.sessions[user] = s
	return s, nil
}

// Resume loads every persisted record after a restart. Pending and running
// sessions are rebuilt from their saved driver state and polled, never
// resubmitted. A record left in submitting is marked failed for manual
// review. It returns the number of sessions loaded.
func (m *Manager) Resume(ctx context.Context) (int, error) {
	recs, err := m.store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list sessions: %w", err)
	}

	var active []string
	loaded := 0
	for _, rec := range recs {
		if _, ok := m.get(rec.User); ok {
			continue
		}
		log := m.log.With(zap.String("user", rec.User), zap.String("session_id", rec.SessionID))

		if rec.State == spawner.StateSubmitting {
			rec.State = spawner.StateFailed
			rec.Message = msgSubmitCrash
			rec.UpdatedAt = m.now().UTC()
			if err := m.store.Save(ctx, &rec); err != nil {
				log.Error("Failed to persist session", zap.Error(err))
			}
			log.Warn("Session was mid-submission at shutdown; marked failed")
		}

		if _, err := m.restore(ctx, rec.User); err != nil {
			log.Error("Failed to restore session", zap.Error(err))
			continue
		}
		loaded++
		if rec.State.Active() {
			active = append(active, rec.User)
		}
	}

	m.pollUsers(ctx, active)
	m.log.Info("Resumed sessions", zap.Int("loaded", loaded), zap.Int("active", len(active)))
	return loaded, nil
}

// Run polls every active session each PollInterval until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.pollUsers(ctx, m.activeUsers())
		}
	}
}

func (m *Manager) activeUsers() []string {
	m.mu.Lock()
	all := make([]*session, 0, len(m.sessions))
	users := make([]string, 0, len(m.sessions))
	for user, s := range m.sessions {
		all = append(all, s)
		users = append(users, user)
	}
	m.mu.Unlock()

	var out []string
	for i, s := range all {
		if s.mu.TryLock() {
			active := !s.stopped && s.rec.State.Active()
			s.mu.Unlock()
			if !active {
				continue
			}
		}
		// A locked session is busy; polling queues behind it.
		out = append(out, users[i])
	}
	sort.Strings(out)
	return out
}

func (m *Manager) pollUsers(ctx context.Context, users []string) {
	if len(users) == 0 {
		return
	}
	var g errgroup.Group
	g.SetLimit(m.cfg.Concurrency)
	for _, user := range users {
		g.Go(func() error {
			if _, err := m.Poll(ctx, user); err != nil && !spawner.IsTransient(err) {
				m.log.Warn("Poll error", zap.String("user", user), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (m *Manager) snapshot(s *session) spawner.Status {
	port := s.rec.Session.Port
	return spawner.Status{
		State:     s.rec.State,
		JobID:     s.rec.JobID,
		Host:      s.rec.Host,
		Port:      port,
		Message:   s.rec.Message,
		UpdatedAt: s.rec.UpdatedAt,
	}
}

// Status returns the user's session record.
func (m *Manager) Status(user string) (statestore.Record, bool) {
	s, ok := m.get(user)
	if !ok {
		return statestore.Record{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec, true
}

// Sessions returns every supervised session record, most recent first.
func (m *Manager) Sessions() []statestore.Record {
	m.mu.Lock()
	all := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.Unlock()

	out := make([]statestore.Record, 0, len(all))
	for _, s := range all {
		s.mu.Lock()
		out = append(out, s.rec)
		s.mu.Unlock()
	}
	statestore.SortRecords(out)
	return out
}
