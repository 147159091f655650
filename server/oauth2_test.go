package server

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cim-project/cim/storage"
)

func TestParseScopes(t *testing.T) {
	s := parseScopes([]string{"openid", "offline_access", "groups", "email"})
	require.True(t, s.OfflineAccess)
	require.True(t, s.Groups)
}

func TestValidateRedirectURI(t *testing.T) {
	tests := []struct {
		name   string
		client storage.Client
		uri    string
		want   bool
	}{
		{
			name:   "exact match",
			client: storage.Client{RedirectURIs: []string{"https://example.com/cb"}},
			uri:    "https://example.com/cb",
			want:   true,
		},
		{
			name:   "no match",
			client: storage.Client{RedirectURIs: []string{"https://example.com/cb"}},
			uri:    "https://evil.example.com/cb",
			want:   false,
		},
		{
			name:   "public client with no configured URIs allows localhost",
			client: storage.Client{Public: true},
			uri:    "http://localhost:8080/cb",
			want:   true,
		},
		{
			name:   "public client with no configured URIs rejects non-localhost",
			client: storage.Client{Public: true},
			uri:    "http://example.com/cb",
			want:   false,
		},
		{
			name:   "public client with explicit URIs only allows those",
			client: storage.Client{Public: true, RedirectURIs: []string{"https://example.com/cb"}},
			uri:    "http://localhost:8080/cb",
			want:   false,
		},
		{
			name:   "non-public client rejects localhost fallback",
			client: storage.Client{},
			uri:    "http://localhost:8080/cb",
			want:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, validateRedirectURI(tt.client, tt.uri))
		})
	}
}

func TestValidateConnectorID(t *testing.T) {
	connectors := []storage.Connector{{ID: "ldap"}, {ID: "mock"}}
	require.True(t, validateConnectorID(connectors, "mock"))
	require.False(t, validateConnectorID(connectors, "oidc"))
}

func TestRedirectedAuthErrHandler(t *testing.T) {
	err := &redirectedAuthErr{
		State:       "xyz",
		RedirectURI: "https://client.example.com/cb",
		Type:        errInvalidScope,
		Description: "bad scope",
	}

	req := httptest.NewRequest("GET", "/auth/mock", nil)
	w := httptest.NewRecorder()
	err.Handler().ServeHTTP(w, req)

	require.Equal(t, 303, w.Code)
	loc := w.Result().Header.Get("Location")
	require.Contains(t, loc, "state=xyz")
	require.Contains(t, loc, "error=invalid_scope")
	require.Contains(t, loc, "error_description=bad+scope")
}

func TestRedirectedAuthErrHandlerAppendsToExistingQuery(t *testing.T) {
	err := &redirectedAuthErr{
		State:       "xyz",
		RedirectURI: "https://client.example.com/cb?foo=bar",
		Type:        errInvalidRequest,
	}

	req := httptest.NewRequest("GET", "/auth/mock", nil)
	w := httptest.NewRecorder()
	err.Handler().ServeHTTP(w, req)

	loc := w.Result().Header.Get("Location")
	require.Contains(t, loc, "foo=bar")
	require.Contains(t, loc, "state=xyz")
}

func TestTokenErr(t *testing.T) {
	w := httptest.NewRecorder()
	require.NoError(t, tokenErr(w, errInvalidGrant, "bad code", 400))
	require.Equal(t, 400, w.Code)
	require.JSONEq(t, `{"error":"invalid_grant","error_description":"bad code"}`, w.Body.String())
}
