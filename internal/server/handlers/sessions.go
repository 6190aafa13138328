package handlers

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/gospawner/internal/errors"
	"github.com/3leaps/gospawner/pkg/profile"
	"github.com/3leaps/gospawner/pkg/spawner"
	"github.com/3leaps/gospawner/pkg/statestore"
)

// SessionManager owns the users' sessions.
type SessionManager interface {
	Spawn(ctx context.Context, sess spawner.Session, profileKey string) (spawner.Status, error)
	Poll(ctx context.Context, user string) (spawner.Status, error)
	Stop(ctx context.Context, user string) (spawner.Status, error)
	Status(user string) (statestore.Record, bool)
}

// ProfileCatalog describes and resolves the profiles a user may choose.
type ProfileCatalog interface {
	Options(user string) []profile.Option
	ResolveForm(user string, form url.Values) profile.Profile
}

// AllocationLookup lists a user's compute allocations.
type AllocationLookup interface {
	Allocations(ctx context.Context, user string) ([]string, error)
	Default(ctx context.Context, user string) (string, bool)
}

// Session form fields accepted by POST /api/users/{user}/server.
const (
	fieldAPIToken    = "api_token"
	fieldHubAPIURL   = "hub_api_url"
	fieldBaseURL     = "base_url"
	fieldHubPrefix   = "hub_prefix"
	fieldCookieName  = "cookie_name"
	fieldNotebookDir = "notebook_dir"
	fieldPort        = "port"
)

// API serves the session endpoints.
type API struct {
	sessions    SessionManager
	profiles    ProfileCatalog
	allocations AllocationLookup
	log         *zap.Logger
}

// NewAPI wires the session endpoints. allocations may be nil when no
// inventory service is configured.
func NewAPI(sessions SessionManager, profiles ProfileCatalog, allocations AllocationLookup, logger *zap.Logger) *API {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &API{
		sessions:    sessions,
		profiles:    profiles,
		allocations: allocations,
		log:         logger,
	}
}

// SessionView is the public form of a session record.
type SessionView struct {
	User      string                 `json:"user"`
	SessionID string                 `json:"session_id,omitempty"`
	Profile   string                 `json:"profile"`
	State     spawner.LifecycleState `json:"state"`
	JobID     string                 `json:"job_id,omitempty"`
	Host      string                 `json:"host,omitempty"`
	Port      int                    `json:"port,omitempty"`
	Message   string                 `json:"message,omitempty"`
	CreatedAt time.Time              `json:"created_at,omitzero"`
	UpdatedAt time.Time              `json:"updated_at,omitzero"`
}

func viewOf(rec statestore.Record) SessionView {
	return SessionView{
		User:      rec.User,
		SessionID: rec.SessionID,
		Profile:   rec.Profile,
		State:     rec.State,
		JobID:     rec.JobID,
		Host:      rec.Host,
		Port:      rec.Session.Port,
		Message:   rec.Message,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	}
}

// ProfilesResponse is the body of GET /api/profiles.
type ProfilesResponse struct {
	User              string           `json:"user"`
	Profiles          []profile.Option `json:"profiles"`
	DefaultAllocation string           `json:"default_allocation,omitempty"`
}

// AllocationsResponse is the body of GET /api/users/{user}/allocations.
type AllocationsResponse struct {
	User        string   `json:"user"`
	Allocations []string `json:"allocations"`
	Default     string   `json:"default,omitempty"`
}

// ListProfiles serves GET /api/profiles?user=NAME.
func (a *API) ListProfiles(w http.ResponseWriter, r *http.Request) {
	user := strings.TrimSpace(r.URL.Query().Get("user"))
	if !validUser(user) {
		respondWithError(w, r, apperrors.BadRequest("query parameter user is required"))
		return
	}

	resp := ProfilesResponse{User: user, Profiles: a.profiles.Options(user)}
	if resp.Profiles == nil {
		resp.Profiles = []profile.Option{}
	}
	if a.allocations != nil {
		if def, ok := a.allocations.Default(r.Context(), user); ok {
			resp.DefaultAllocation = def
		}
	}
	respondJSON(w, http.StatusOK, resp)
}

// StartServer serves POST /api/users/{user}/server.
func (a *API) StartServer(w http.ResponseWriter, r *http.Request) {
	user, ok := userParam(w, r)
	if !ok {
		return
	}
	if err := r.ParseForm(); err != nil {
		respondWithError(w, r, apperrors.BadRequest("invalid form body"))
		return
	}

	sess, err := sessionFromForm(user, r.Form)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	p := a.profiles.ResolveForm(user, r.Form)

	st, err := a.sessions.Spawn(r.Context(), sess, p.Key)
	if err != nil {
		a.log.Error("Failed to start server",
			zap.String("user", user),
			zap.String("profile", p.Key),
			zap.String("request_id", apperrors.RequestIDFromContext(r.Context())),
			zap.Error(err))
		respondWithError(w, r, err)
		return
	}

	view := SessionView{User: user, Profile: p.Key, State: st.State, JobID: st.JobID, Host: st.Host, Port: st.Port, Message: st.Message, UpdatedAt: st.UpdatedAt}
	if rec, ok := a.sessions.Status(user); ok {
		view = viewOf(rec)
	}
	respondJSON(w, http.StatusAccepted, view)
}

// GetServer serves GET /api/users/{user}/server. With refresh=true the
// session is polled first.
func (a *API) GetServer(w http.ResponseWriter, r *http.Request) {
	user, ok := userParam(w, r)
	if !ok {
		return
	}
	if refresh, _ := strconv.ParseBool(r.URL.Query().Get("refresh")); refresh {
		if _, err := a.sessions.Poll(r.Context(), user); err != nil && !spawner.IsTransient(err) {
			respondWithError(w, r, err)
			return
		}
	}
	rec, found := a.sessions.Status(user)
	if !found {
		respondWithError(w, r, apperrors.NotFound(apperrors.MsgNoSession))
		return
	}
	respondJSON(w, http.StatusOK, viewOf(rec))
}

// StopServer serves DELETE /api/users/{user}/server.
func (a *API) StopServer(w http.ResponseWriter, r *http.Request) {
	user, ok := userParam(w, r)
	if !ok {
		return
	}
	st, err := a.sessions.Stop(r.Context(), user)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, SessionView{User: user, State: st.State, JobID: st.JobID, Message: st.Message, UpdatedAt: st.UpdatedAt})
}

// ListAllocations serves GET /api/users/{user}/allocations.
func (a *API) ListAllocations(w http.ResponseWriter, r *http.Request) {
	user, ok := userParam(w, r)
	if !ok {
		return
	}
	if a.allocations == nil {
		respondWithError(w, r, apperrors.NotFound("allocation lookup is not configured"))
		return
	}
	allocs, err := a.allocations.Allocations(r.Context(), user)
	if err != nil {
		a.log.Warn("Allocation lookup failed", zap.String("user", user), zap.Error(err))
		respondWithError(w, r, err)
		return
	}
	resp := AllocationsResponse{User: user, Allocations: allocs}
	if resp.Allocations == nil {
		resp.Allocations = []string{}
	}
	if len(allocs) > 0 {
		resp.Default = allocs[0]
	}
	respondJSON(w, http.StatusOK, resp)
}

func userParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	user := chi.URLParam(r, "user")
	if !validUser(user) {
		respondWithError(w, r, apperrors.BadRequest("invalid user"))
		return "", false
	}
	return user, true
}

func validUser(user string) bool {
	rec := statestore.Record{User: user}
	return rec.Validate() == nil
}

func sessionFromForm(user string, form url.Values) (spawner.Session, error) {
	sess := spawner.Session{
		User:        user,
		APIToken:    form.Get(fieldAPIToken),
		HubAPIURL:   form.Get(fieldHubAPIURL),
		BaseURL:     form.Get(fieldBaseURL),
		HubPrefix:   form.Get(fieldHubPrefix),
		CookieName:  form.Get(fieldCookieName),
		NotebookDir: form.Get(fieldNotebookDir),
	}
	if raw := strings.TrimSpace(form.Get(fieldPort)); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil || port <= 0 || port > 65535 {
			e := apperrors.BadRequest("invalid port")
			e.Details = map[string]any{"field": fieldPort}
			return spawner.Session{}, e
		}
		sess.Port = port
	}
	return sess, nil
}
