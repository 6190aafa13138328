package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/3leaps/gospawner/internal/errors"
	"github.com/3leaps/gospawner/internal/server/handlers"
	"github.com/3leaps/gospawner/pkg/profile"
	"github.com/3leaps/gospawner/pkg/spawner"
	"github.com/3leaps/gospawner/pkg/statestore"
)

func TestServerUsesStandardErrorHandlers(t *testing.T) {
	srv := New("127.0.0.1", 0)

	req := httptest.NewRequest(http.MethodGet, "/does-not-exist", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)

	var body apperrors.HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "NOT_FOUND", body.Error.Code)
	assert.NotEmpty(t, body.Error.RequestID)
}

func TestServer_Port(t *testing.T) {
	tests := []struct {
		name string
		port int
	}{
		{"default port", 8080},
		{"custom port", 9000},
		{"zero port", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := New("127.0.0.1", tt.port)
			assert.Equal(t, tt.port, srv.Port())
		})
	}
	assert.Equal(t, "127.0.0.1:8080", New("127.0.0.1", 8080).Addr())
}

func TestServer_MethodNotAllowed(t *testing.T) {
	srv := New("127.0.0.1", 0)

	req := httptest.NewRequest(http.MethodPost, "/version", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	var body apperrors.HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "METHOD_NOT_ALLOWED", body.Error.Code)
}

func TestServer_RoutesRegistered(t *testing.T) {
	handlers.InitHealthManager("test")

	srv := New("127.0.0.1", 0)

	for _, path := range []string{"/health", "/health/live", "/health/ready", "/health/startup", "/version"} {
		t.Run(path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
			assert.Equal(t, http.StatusOK, rec.Code)
		})
	}
}

func TestServer_APIAbsentWithoutOption(t *testing.T) {
	srv := New("127.0.0.1", 0)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/profiles?user=alice", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

type stubSessions struct {
	spawned string
	rec     *statestore.Record
}

func (s *stubSessions) Spawn(_ context.Context, sess spawner.Session, key string) (spawner.Status, error) {
	s.spawned = key
	s.rec = &statestore.Record{User: sess.User, Profile: key, State: spawner.StatePending, JobID: "42"}
	return spawner.Status{State: spawner.StatePending, JobID: "42"}, nil
}

func (s *stubSessions) Poll(context.Context, string) (spawner.Status, error) {
	return spawner.Status{}, nil
}

func (s *stubSessions) Stop(context.Context, string) (spawner.Status, error) {
	return spawner.Status{State: spawner.StateStopped}, nil
}

func (s *stubSessions) Status(string) (statestore.Record, bool) {
	if s.rec == nil {
		return statestore.Record{}, false
	}
	return *s.rec, true
}

type stubCatalog struct{}

func (stubCatalog) Options(string) []profile.Option {
	return []profile.Option{{Key: "cori", Driver: profile.DriverBatch, Default: true}}
}

func (stubCatalog) ResolveForm(_ string, form url.Values) profile.Profile {
	return profile.Profile{Key: profile.ParseFormProfile(form), Driver: profile.DriverBatch}
}

func TestServer_APIRoutes(t *testing.T) {
	sessions := &stubSessions{}
	srv := New("127.0.0.1", 0, WithAPI(handlers.NewAPI(sessions, stubCatalog{}, nil, nil)))
	h := srv.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/profiles?user=alice", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/users/alice/server", strings.NewReader("profile=cori"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "cori", sessions.spawned)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/users/alice/server", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/users/alice/server", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/users/alice/allocations", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/api/users/alice/server", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestServer_RunStopsOnCancel(t *testing.T) {
	srv := New("127.0.0.1", 0)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()
	cancel()
	assert.NoError(t, <-done)
}
