package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cim-project/cim/pkg/log"
	"github.com/cim-project/cim/policy"
	"github.com/cim-project/cim/storage"
	"github.com/cim-project/cim/storage/memory"
	"github.com/cim-project/cim/token"
)

func newAuthzFixture(t *testing.T, statements []storage.Statement) (*AuthzMiddleware, string) {
	t.Helper()
	store := memory.New(log.NewLogrusLogger())
	now := time.Now()
	tokens := token.New(store, func() time.Time { return now })

	if err := store.CreatePolicy(storage.Policy{
		ID:        "p1",
		AccountID: "acct1",
		Statements: append([]storage.Statement{{
			Effect:    storage.Allow,
			Subjects:  []string{"u1"},
			Actions:   []string{"noop"},
			Resources: []string{"noop"},
		}}, statements...),
	}); err != nil {
		t.Fatal(err)
	}
	if err := store.CreatePolicyBinding(storage.PolicyBinding{PolicyID: "p1", SubjectID: "u1"}); err != nil {
		t.Fatal(err)
	}

	jwt, _, err := tokens.Sign(token.Claims{Subject: "u1"}, time.Hour)
	require.NoError(t, err)

	m := NewAuthzMiddleware(tokens, store, policy.New(0))
	return m, jwt
}

func doRequest(t *testing.T, m *AuthzMiddleware, method, path, bearer string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	reached := false
	m.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached = true
		w.WriteHeader(http.StatusNoContent)
	})).ServeHTTP(rec, req)
	if rec.Code < 300 {
		require.True(t, reached, "handler should run on success")
	}
	return rec
}

func TestAuthzMiddlewareRejectsMissingBearer(t *testing.T) {
	m, _ := newAuthzFixture(t, nil)
	rec := doRequest(t, m, http.MethodGet, "/v1/users/abc", "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthzMiddlewareDeniesWithoutMatchingStatement(t *testing.T) {
	m, jwt := newAuthzFixture(t, nil)
	rec := doRequest(t, m, http.MethodGet, "/v1/users/abc", jwt)
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAuthzMiddlewareAllowsMatchingStatement(t *testing.T) {
	m, jwt := newAuthzFixture(t, []storage.Statement{{
		Effect:    storage.Allow,
		Subjects:  []string{"u1"},
		Actions:   []string{"get"},
		Resources: []string{"crn:iam:user:abc"},
	}})
	rec := doRequest(t, m, http.MethodGet, "/v1/users/abc", jwt)
	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestAuthzMiddlewareDenyOverridesAllow(t *testing.T) {
	m, jwt := newAuthzFixture(t, []storage.Statement{
		{Effect: storage.Allow, Subjects: []string{"u1"}, Actions: []string{"get"}, Resources: []string{"crn:iam:user:abc"}},
		{Effect: storage.Deny, Subjects: []string{"u1"}, Actions: []string{"get"}, Resources: []string{"crn:iam:user:abc"}},
	})
	rec := doRequest(t, m, http.MethodGet, "/v1/users/abc", jwt)
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestResourceForDerivesCRNFromPath(t *testing.T) {
	tests := map[string]string{
		"/v1/users/abc":          "crn:iam:user:abc",
		"/v2/policies/p1":        "crn:iam:policy:p1",
		"/role_bindings/rb1":     "crn:iam:role_binding:rb1",
		"/v10/groups":            "crn:iam:group",
		"/":                      "crn:iam:",
	}
	for path, want := range tests {
		require.Equal(t, want, resourceFor(path), "path=%s", path)
	}
}

func TestActionForMapsHTTPMethods(t *testing.T) {
	require.Equal(t, "create", actionFor(http.MethodPost))
	require.Equal(t, "get", actionFor(http.MethodGet))
	require.Equal(t, "update", actionFor(http.MethodPut))
	require.Equal(t, "patch", actionFor(http.MethodPatch))
	require.Equal(t, "delete", actionFor(http.MethodDelete))
}

func TestRequestContextIncludesHostAndClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/v1/users/abc", nil)
	req.RemoteAddr = "10.0.0.5:4321"
	ctx := requestContext(req)

	var host string
	require.NoError(t, json.Unmarshal(ctx["host"], &host))
	require.Equal(t, req.Host, host)

	var ip string
	require.NoError(t, json.Unmarshal(ctx["client_ip"], &ip))
	require.Equal(t, "10.0.0.5", ip)
}
