package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/3leaps/gospawner/internal/errors"
	"github.com/3leaps/gospawner/pkg/allocation"
	"github.com/3leaps/gospawner/pkg/profile"
	"github.com/3leaps/gospawner/pkg/spawner"
	"github.com/3leaps/gospawner/pkg/statestore"
	"github.com/3leaps/gospawner/pkg/supervisor"
)

type fakeSessions struct {
	spawnErr error
	pollErr  error
	stopErr  error

	gotSession spawner.Session
	gotProfile string
	polled     int
	records    map[string]statestore.Record
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{records: map[string]statestore.Record{}}
}

func (f *fakeSessions) Spawn(_ context.Context, sess spawner.Session, key string) (spawner.Status, error) {
	f.gotSession = sess
	f.gotProfile = key
	if f.spawnErr != nil {
		return spawner.Status{State: spawner.StateFailed}, f.spawnErr
	}
	f.records[sess.User] = statestore.Record{
		User:      sess.User,
		SessionID: "sid-1",
		Profile:   key,
		State:     spawner.StatePending,
		JobID:     "4242",
		Session:   sess,
		UpdatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	return spawner.Status{State: spawner.StatePending, JobID: "4242"}, nil
}

func (f *fakeSessions) Poll(_ context.Context, user string) (spawner.Status, error) {
	f.polled++
	if f.pollErr != nil {
		return spawner.Status{}, f.pollErr
	}
	rec, ok := f.records[user]
	if !ok {
		return spawner.Status{}, supervisor.ErrNoSession
	}
	rec.State = spawner.StateRunning
	rec.Host = "nid00042"
	f.records[user] = rec
	return spawner.Status{State: rec.State, Host: rec.Host}, nil
}

func (f *fakeSessions) Stop(_ context.Context, user string) (spawner.Status, error) {
	if f.stopErr != nil {
		return spawner.Status{}, f.stopErr
	}
	if _, ok := f.records[user]; !ok {
		return spawner.Status{}, fmt.Errorf("%w: %s", supervisor.ErrNoSession, user)
	}
	delete(f.records, user)
	return spawner.Status{State: spawner.StateStopped, Message: "cancelled"}, nil
}

func (f *fakeSessions) Status(user string) (statestore.Record, bool) {
	rec, ok := f.records[user]
	return rec, ok
}

type fakeCatalog struct{}

func (fakeCatalog) Options(user string) []profile.Option {
	if user == "nobody" {
		return nil
	}
	return []profile.Option{
		{Key: "cori-debug", Driver: profile.DriverBatch, Default: true},
		{Key: "login", Driver: profile.DriverDirect},
	}
}

func (fakeCatalog) ResolveForm(_ string, form url.Values) profile.Profile {
	switch key := profile.ParseFormProfile(form); key {
	case "cori-debug", "login":
		return profile.Profile{Key: key}
	default:
		return profile.Profile{Key: "cori-debug"}
	}
}

type fakeAllocations struct {
	allocs []string
	err    error
}

func (f fakeAllocations) Allocations(context.Context, string) ([]string, error) {
	return f.allocs, f.err
}

func (f fakeAllocations) Default(context.Context, string) (string, bool) {
	if f.err != nil || len(f.allocs) == 0 {
		return "", false
	}
	return f.allocs[0], true
}

func newRouter(api *API) http.Handler {
	r := chi.NewRouter()
	r.Get("/api/profiles", api.ListProfiles)
	r.Post("/api/users/{user}/server", api.StartServer)
	r.Get("/api/users/{user}/server", api.GetServer)
	r.Delete("/api/users/{user}/server", api.StopServer)
	r.Get("/api/users/{user}/allocations", api.ListAllocations)
	return r
}

func do(t *testing.T, h http.Handler, method, target, form string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if form != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(form))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body apperrors.HTTPErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Error.Code
}

func TestListProfiles(t *testing.T) {
	h := newRouter(NewAPI(newFakeSessions(), fakeCatalog{}, fakeAllocations{allocs: []string{"m1234", "m5678"}}, nil))

	rec := do(t, h, http.MethodGet, "/api/profiles?user=alice", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp ProfilesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Profiles, 2)
	assert.True(t, resp.Profiles[0].Default)
	assert.Equal(t, "m1234", resp.DefaultAllocation)

	t.Run("allocation lookup failure is not fatal", func(t *testing.T) {
		h := newRouter(NewAPI(newFakeSessions(), fakeCatalog{}, fakeAllocations{err: errors.New("down")}, nil))
		rec := do(t, h, http.MethodGet, "/api/profiles?user=alice", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.NotContains(t, rec.Body.String(), "default_allocation")
	})

	t.Run("no profiles is an empty list", func(t *testing.T) {
		rec := do(t, h, http.MethodGet, "/api/profiles?user=nobody", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"profiles":[]`)
	})

	t.Run("user required", func(t *testing.T) {
		rec := do(t, h, http.MethodGet, "/api/profiles", "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestStartServer(t *testing.T) {
	sessions := newFakeSessions()
	h := newRouter(NewAPI(sessions, fakeCatalog{}, nil, nil))

	rec := do(t, h, http.MethodPost, "/api/users/alice/server",
		"profile=login&api_token=tok&base_url=/user/alice/&cookie_name=c&port=8888")
	require.Equal(t, http.StatusAccepted, rec.Code)

	assert.Equal(t, "login", sessions.gotProfile)
	assert.Equal(t, "alice", sessions.gotSession.User)
	assert.Equal(t, "tok", sessions.gotSession.APIToken)
	assert.Equal(t, "/user/alice/", sessions.gotSession.BaseURL)
	assert.Equal(t, 8888, sessions.gotSession.Port)

	var view SessionView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, spawner.StatePending, view.State)
	assert.Equal(t, "4242", view.JobID)
	assert.Equal(t, 8888, view.Port)
	assert.NotContains(t, rec.Body.String(), "tok")

	t.Run("missing profile uses default", func(t *testing.T) {
		rec := do(t, h, http.MethodPost, "/api/users/bob/server", "other=1")
		require.Equal(t, http.StatusAccepted, rec.Code)
		assert.Equal(t, "cori-debug", sessions.gotProfile)
	})

	t.Run("invalid port", func(t *testing.T) {
		rec := do(t, h, http.MethodPost, "/api/users/carol/server", "port=abc")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestStartServer_Errors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"already active", fmt.Errorf("%w: alice", supervisor.ErrSessionActive), http.StatusConflict, apperrors.CodeSessionActive},
		{"ambiguous", fmt.Errorf("%w: timed out", spawner.ErrSubmitAmbiguous), http.StatusGatewayTimeout, apperrors.CodeSubmitAmbiguous},
		{"rejected", &spawner.SubmitError{ExitCode: 1, Stderr: "sbatch: error: QOSMaxSubmitJobPerUserLimit"}, http.StatusBadGateway, apperrors.CodeSubmitFailed},
		{"not allowed", profile.ErrProfileNotAllowed, http.StatusForbidden, apperrors.CodeProfileNotAllowed},
		{"unknown profile", &profile.UnknownProfileError{Key: "x"}, http.StatusBadRequest, apperrors.CodeUnknownProfile},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sessions := newFakeSessions()
			sessions.spawnErr = tt.err
			h := newRouter(NewAPI(sessions, fakeCatalog{}, nil, nil))

			rec := do(t, h, http.MethodPost, "/api/users/alice/server", "profile=cori-debug")
			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantCode, errorCode(t, rec))
			assert.NotContains(t, rec.Body.String(), "QOSMaxSubmitJobPerUserLimit")
		})
	}
}

func TestGetServer(t *testing.T) {
	sessions := newFakeSessions()
	h := newRouter(NewAPI(sessions, fakeCatalog{}, nil, nil))

	rec := do(t, h, http.MethodGet, "/api/users/alice/server", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	_, _ = sessions.Spawn(context.Background(), spawner.Session{User: "alice"}, "cori-debug")

	rec = do(t, h, http.MethodGet, "/api/users/alice/server", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, sessions.polled)

	rec = do(t, h, http.MethodGet, "/api/users/alice/server?refresh=true", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, sessions.polled)

	var view SessionView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, spawner.StateRunning, view.State)
	assert.Equal(t, "nid00042", view.Host)

	t.Run("transient poll failure still reports status", func(t *testing.T) {
		sessions.pollErr = &spawner.PollTransientError{JobID: "4242", Err: errors.New("unreachable")}
		rec := do(t, h, http.MethodGet, "/api/users/alice/server?refresh=1", "")
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("configuration failure surfaces", func(t *testing.T) {
		sessions.pollErr = &spawner.ConfigurationError{Field: "state_exechost_re", Message: "no match"}
		rec := do(t, h, http.MethodGet, "/api/users/alice/server?refresh=1", "")
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.NotContains(t, rec.Body.String(), "state_exechost_re")
	})
}

func TestStopServer(t *testing.T) {
	sessions := newFakeSessions()
	h := newRouter(NewAPI(sessions, fakeCatalog{}, nil, nil))

	rec := do(t, h, http.MethodDelete, "/api/users/alice/server", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	_, _ = sessions.Spawn(context.Background(), spawner.Session{User: "alice"}, "cori-debug")
	rec = do(t, h, http.MethodDelete, "/api/users/alice/server", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var view SessionView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, spawner.StateStopped, view.State)
}

func TestListAllocations(t *testing.T) {
	t.Run("not configured", func(t *testing.T) {
		h := newRouter(NewAPI(newFakeSessions(), fakeCatalog{}, nil, nil))
		rec := do(t, h, http.MethodGet, "/api/users/alice/allocations", "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("lists with default", func(t *testing.T) {
		h := newRouter(NewAPI(newFakeSessions(), fakeCatalog{}, fakeAllocations{allocs: []string{"m1", "m2"}}, nil))
		rec := do(t, h, http.MethodGet, "/api/users/alice/allocations", "")
		require.Equal(t, http.StatusOK, rec.Code)

		var resp AllocationsResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, []string{"m1", "m2"}, resp.Allocations)
		assert.Equal(t, "m1", resp.Default)
	})

	t.Run("upstream failure", func(t *testing.T) {
		h := newRouter(NewAPI(newFakeSessions(), fakeCatalog{}, fakeAllocations{err: &allocation.StatusError{StatusCode: 503}}, nil))
		rec := do(t, h, http.MethodGet, "/api/users/alice/allocations", "")
		assert.Equal(t, http.StatusBadGateway, rec.Code)
		assert.Equal(t, apperrors.CodeUpstream, errorCode(t, rec))
	})
}
