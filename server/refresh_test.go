package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func refreshTokenRequest(t *testing.T, srv *Server, refreshToken string) *httptest.ResponseRecorder {
	t.Helper()
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
	}
	req := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth("test-client", "test-secret")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	return w
}

func TestRefreshTokenGrant(t *testing.T) {
	srv := newTestServer(t, nil)
	tokens := runAuthCodeFlow(t, srv, "openid offline_access")
	require.NotEmpty(t, tokens.RefreshToken)

	w := refreshTokenRequest(t, srv, tokens.RefreshToken)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp accessTokenResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.AccessToken)
	require.NotEmpty(t, resp.RefreshToken)
	require.NotEqual(t, tokens.RefreshToken, resp.RefreshToken, "rotation is enabled by default in newTestServer")
}

func TestRefreshTokenGrantRejectsRedeemedToken(t *testing.T) {
	srv := newTestServer(t, nil)
	tokens := runAuthCodeFlow(t, srv, "openid offline_access")

	w := refreshTokenRequest(t, srv, tokens.RefreshToken)
	require.Equal(t, http.StatusOK, w.Code)
	var resp accessTokenResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))

	// resp.RefreshToken is the freshly rotated current token; using it
	// advances the chain once more.
	newer := refreshTokenRequest(t, srv, resp.RefreshToken)
	require.Equal(t, http.StatusOK, newer.Code)
	var resp2 accessTokenResponse
	require.NoError(t, json.Unmarshal(newer.Body.Bytes(), &resp2))

	stale := refreshTokenRequest(t, srv, tokens.RefreshToken)
	require.Equal(t, http.StatusBadRequest, stale.Code)
}

func TestRefreshTokenGrantRejectsUnknownToken(t *testing.T) {
	srv := newTestServer(t, nil)

	w := refreshTokenRequest(t, srv, "not-a-real-token")
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRefreshTokenGrantNarrowsScopes(t *testing.T) {
	srv := newTestServer(t, nil)
	tokens := runAuthCodeFlow(t, srv, "openid offline_access groups")

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {tokens.RefreshToken},
		"scope":         {"not_originally_granted"},
	}
	req := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth("test-client", "test-secret")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)
}
