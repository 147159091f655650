package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cim-project/cim/connector"
	"github.com/cim-project/cim/connector/mock"
	"github.com/cim-project/cim/pkg/log"
	"github.com/cim-project/cim/storage"
	"github.com/cim-project/cim/storage/memory"
)

// refreshableMockConnector wraps the canned mock connector with a
// RefreshConnector implementation, since connector/mock deliberately only
// implements CallbackConnector/GroupsConnector and the offline_access grant
// path requires a RefreshConnector to issue a refresh token at all.
type refreshableMockConnector struct {
	connector.Connector
}

func (r refreshableMockConnector) LoginURL(s connector.Scopes, callbackURL, state string) (string, error) {
	return r.Connector.(connector.CallbackConnector).LoginURL(s, callbackURL, state)
}

func (r refreshableMockConnector) HandleCallback(s connector.Scopes, req *http.Request) (connector.Identity, error) {
	return r.Connector.(connector.CallbackConnector).HandleCallback(s, req)
}

func (r refreshableMockConnector) Refresh(ctx context.Context, s connector.Scopes, identity connector.Identity) (connector.Identity, error) {
	return identity, nil
}

func newTestServer(t *testing.T, configure func(c *Config)) *Server {
	t.Helper()

	store := memory.New(log.NewLogrusLogger())
	require.NoError(t, store.CreateClient(storage.Client{
		ID:           "test-client",
		Secret:       "test-secret",
		RedirectURIs: []string{"https://client.example.com/callback"},
	}))
	require.NoError(t, store.CreateConnector(storage.Connector{
		ID:   "mock",
		Type: "mock",
		Name: "Mock",
	}))

	refreshPolicy, err := NewRefreshTokenPolicy(log.NewLogrusLogger(), true, "", "", "")
	require.NoError(t, err)

	c := Config{
		Issuer:             "https://cim.example.com",
		Storage:            store,
		RefreshTokenPolicy: refreshPolicy,
		Logger:             log.NewLogrusLogger(),
		Now:                time.Now,
	}
	if configure != nil {
		configure(&c)
	}

	srv, err := NewServer(context.Background(), c)
	require.NoError(t, err)

	srv.mu.Lock()
	srv.connectors["mock"] = Connector{Connector: refreshableMockConnector{Connector: mock.New()}}
	srv.mu.Unlock()

	return srv
}

func TestDiscoveryHandler(t *testing.T) {
	srv := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/.well-known/openid-configuration", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var d discovery
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &d))
	require.Equal(t, "https://cim.example.com", d.Issuer)
	require.Equal(t, "https://cim.example.com/auth", d.Auth)
	require.Equal(t, "https://cim.example.com/token", d.Token)
	require.Contains(t, d.GrantTypes, "authorization_code")
	require.Contains(t, d.GrantTypes, "refresh_token")
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
}

// runAuthCodeFlow drives /auth -> /auth/mock -> /callback -> /token using
// the canned mock connector, mirroring the single-connector path
// handleAuthorization redirects through.
func runAuthCodeFlow(t *testing.T, srv *Server, scopes string) *accessTokenResponse {
	t.Helper()

	authURL := "/auth?" + url.Values{
		"client_id":     {"test-client"},
		"redirect_uri":  {"https://client.example.com/callback"},
		"response_type": {"code"},
		"scope":         {scopes},
		"state":         {"xyz"},
		"nonce":         {"abc"},
	}.Encode()

	req := httptest.NewRequest(http.MethodGet, authURL, nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	require.Equal(t, http.StatusFound, w.Code)
	loc := w.Result().Header.Get("Location")
	require.True(t, strings.HasPrefix(loc, "/auth/mock"))

	req = httptest.NewRequest(http.MethodGet, loc, nil)
	w = httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	require.Equal(t, http.StatusFound, w.Code)
	callbackURL := w.Result().Header.Get("Location")

	req = httptest.NewRequest(http.MethodGet, callbackURL, nil)
	w = httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	require.Equal(t, http.StatusSeeOther, w.Code)
	clientRedirect := w.Result().Header.Get("Location")

	u, err := url.Parse(clientRedirect)
	require.NoError(t, err)
	require.Equal(t, "xyz", u.Query().Get("state"))
	code := u.Query().Get("code")
	require.NotEmpty(t, code)

	form := url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {code},
		"redirect_uri": {"https://client.example.com/callback"},
	}
	req = httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth("test-client", "test-secret")
	w = httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp accessTokenResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return &resp
}

func TestAuthCodeFlowIssuesTokens(t *testing.T) {
	srv := newTestServer(t, nil)

	resp := runAuthCodeFlow(t, srv, "openid profile email groups")
	require.NotEmpty(t, resp.AccessToken)
	require.NotEmpty(t, resp.IDToken)
	require.Equal(t, "bearer", resp.TokenType)

	claims, err := srv.tokens.Verify(resp.AccessToken, "test-client")
	require.NoError(t, err)
	require.Equal(t, "0-385-28089-0", claims.Subject)
}

func TestAuthCodeFlowRequestsOfflineAccessRefreshToken(t *testing.T) {
	srv := newTestServer(t, nil)

	resp := runAuthCodeFlow(t, srv, "openid offline_access")
	require.NotEmpty(t, resp.RefreshToken)
}

func TestUserInfoRequiresBearerToken(t *testing.T) {
	srv := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/userinfo", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestUserInfoReturnsClaimsForValidToken(t *testing.T) {
	srv := newTestServer(t, nil)
	resp := runAuthCodeFlow(t, srv, "openid profile email groups")

	req := httptest.NewRequest(http.MethodGet, "/userinfo", nil)
	req.Header.Set("Authorization", "Bearer "+resp.AccessToken)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var info userInfoResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &info))
	require.Equal(t, "0-385-28089-0", info.Subject)
	require.Equal(t, "kilgore@kilgore.trout", info.Email)
}

func TestHandlePublicKeys(t *testing.T) {
	srv := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/keys", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Header().Get("Content-Type"), "application/json")
}

func TestOpenConnectorUnknownType(t *testing.T) {
	srv := newTestServer(t, nil)

	_, err := srv.OpenConnector(storage.Connector{ID: "bogus", Type: "bogus"})
	require.Error(t, err)
}

func TestNewServerRequiresStorage(t *testing.T) {
	_, err := NewServer(context.Background(), Config{Issuer: "https://cim.example.com"})
	require.Error(t, err)
}

func TestNewServerRequiresRefreshTokenPolicy(t *testing.T) {
	store := memory.New(log.NewLogrusLogger())
	_, err := NewServer(context.Background(), Config{
		Issuer:  "https://cim.example.com",
		Storage: store,
		Logger:  log.NewLogrusLogger(),
	})
	require.Error(t, err)
}
