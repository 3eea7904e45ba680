package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/keystate/account"
	"github.com/jmcleod/keystate/keyconnector"
	"github.com/jmcleod/keystate/secrets"
)

type fakeTokens map[string]string

func (f fakeTokens) Tokens(_ context.Context, userID string) (secrets.Tokens, error) {
	tok, ok := f[userID]
	if !ok {
		return secrets.Tokens{}, account.ErrNoAccounts
	}
	return secrets.Tokens{AccessToken: tok, RefreshToken: "r"}, nil
}

type fakeAccounts map[string]account.Account

func (f fakeAccounts) Account(_ context.Context, userID string) (account.Account, error) {
	a, ok := f[userID]
	if !ok {
		return account.Account{}, account.ErrNoAccounts
	}
	return a, nil
}

type fakeServer struct {
	mu      sync.Mutex
	auth    []string
	status  int
	version string
}

func (s *fakeServer) router() chi.Router {
	r := chi.NewRouter()
	r.Get("/api/config", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.auth = append(s.auth, r.Header.Get("Authorization"))
		status, version := s.status, s.version
		s.mu.Unlock()
		if status != 0 {
			writeTestJSON(w, status, map[string]string{"error": "maintenance"})
			return
		}
		writeTestJSON(w, http.StatusOK, map[string]any{
			"version":       version,
			"gitHash":       "deadbeef",
			"featureStates": map[string]any{"cipher-key-encryption": true},
		})
	})
	r.Get("/kc/user-keys", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok-u1" {
			writeTestJSON(w, http.StatusUnauthorized, map[string]string{"message": "bad token"})
			return
		}
		writeTestJSON(w, http.StatusOK, map[string]string{"key": "bWFzdGVy"})
	})
	return r
}

func writeTestJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func newServer(t *testing.T) (*fakeServer, *httptest.Server) {
	t.Helper()
	fs := &fakeServer{version: "2024.2.0"}
	srv := httptest.NewServer(fs.router())
	t.Cleanup(srv.Close)
	return fs, srv
}

func TestFetchConfigPreAuth(t *testing.T) {
	fs, srv := newServer(t)
	c := New(srv.URL+"/", fakeTokens{"u1": "tok-u1"})

	resp, err := c.FetchConfig(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "2024.2.0", resp.Version)
	assert.Equal(t, "deadbeef", resp.GitHash)
	assert.JSONEq(t, "true", string(resp.FeatureStates["cipher-key-encryption"]))
	assert.Equal(t, []string{""}, fs.auth, "pre-auth requests are anonymous")
}

func TestFetchConfigUser(t *testing.T) {
	fs, srv := newServer(t)
	c := New(srv.URL, fakeTokens{"u1": "tok-u1"})

	_, err := c.FetchConfig(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"Bearer tok-u1"}, fs.auth)
}

func TestFetchConfigUsesAccountEnvironment(t *testing.T) {
	fs, srv := newServer(t)
	accounts := fakeAccounts{"u1": {Settings: account.Settings{EnvironmentURLs: account.EnvironmentURLs{Base: srv.URL}}}}
	c := New("http://unused.invalid", fakeTokens{"u1": "tok-u1"}, WithAccounts(accounts))

	_, err := c.FetchConfig(context.Background(), "u1")
	require.NoError(t, err)
	assert.Len(t, fs.auth, 1)
}

func TestFetchConfigErrors(t *testing.T) {
	fs, srv := newServer(t)
	fs.status = http.StatusServiceUnavailable
	c := New(srv.URL, nil)

	_, err := c.FetchConfig(context.Background(), "")
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusServiceUnavailable, se.Status)
	assert.Equal(t, "maintenance", se.Message)

	_, err = New("", nil).FetchConfig(context.Background(), "")
	require.ErrorIs(t, err, ErrNoBaseURL)

	_, err = New(srv.URL, fakeTokens{}).FetchConfig(context.Background(), "u9")
	require.ErrorIs(t, err, account.ErrNoAccounts)
}

func TestFetchConfigCancelled(t *testing.T) {
	_, srv := newServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(srv.URL, nil).FetchConfig(ctx, "")
	require.True(t, errors.Is(err, context.Canceled))
}

func TestFetchMasterKey(t *testing.T) {
	_, srv := newServer(t)
	c := New(srv.URL, fakeTokens{"u1": "tok-u1", "u2": "stale"})
	ctx := context.Background()

	key, err := c.FetchMasterKey(ctx, srv.URL+"/kc/", "u1")
	require.NoError(t, err)
	assert.Equal(t, "bWFzdGVy", key)

	_, err = c.FetchMasterKey(ctx, srv.URL+"/kc", "u2")
	require.ErrorIs(t, err, ErrUnauthorized)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "bad token", se.Message)

	_, err = c.FetchMasterKey(ctx, "", "u1")
	require.ErrorIs(t, err, keyconnector.ErrMissingKeyConnectorURL)
}
