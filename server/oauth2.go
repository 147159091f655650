package server

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cim-project/cim/connector"
	"github.com/cim-project/cim/server/internal"
	"github.com/cim-project/cim/storage"
	"github.com/cim-project/cim/token"
)

// See: https://tools.ietf.org/html/rfc6749#section-4.1.2.1

// displayedAuthErr is an error whose description is shown directly to the
// caller of /auth, rather than being redirected back to the client.
type displayedAuthErr struct {
	Status      int
	Description string
}

func (err *displayedAuthErr) Error() string {
	return err.Description
}

func newDisplayedErr(status int, format string, a ...interface{}) *displayedAuthErr {
	return &displayedAuthErr{status, fmt.Sprintf(format, a...)}
}

// redirectedAuthErr is reported back to the client by a 303 redirect to its
// own redirect_uri, per RFC 6749 §4.1.2.1.
type redirectedAuthErr struct {
	State       string
	RedirectURI string
	Type        string
	Description string
}

func (err *redirectedAuthErr) Error() string {
	return err.Description
}

func (err *redirectedAuthErr) Handler() http.Handler {
	hf := func(w http.ResponseWriter, r *http.Request) {
		v := url.Values{}
		v.Add("state", err.State)
		v.Add("error", err.Type)
		if err.Description != "" {
			v.Add("error_description", err.Description)
		}
		var redirectURI string
		if strings.Contains(err.RedirectURI, "?") {
			redirectURI = err.RedirectURI + "&" + v.Encode()
		} else {
			redirectURI = err.RedirectURI + "?" + v.Encode()
		}
		http.Redirect(w, r, redirectURI, http.StatusSeeOther)
	}
	return http.HandlerFunc(hf)
}

func tokenErr(w http.ResponseWriter, typ, description string, statusCode int) error {
	data := struct {
		Error       string `json:"error"`
		Description string `json:"error_description,omitempty"`
	}{typ, description}
	body, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal token error response: %v", err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(statusCode)
	w.Write(body)
	return nil
}

const (
	errInvalidRequest          = "invalid_request"
	errAccessDenied            = "access_denied"
	errUnsupportedResponseType = "unsupported_response_type"
	errInvalidScope            = "invalid_scope"
	errServerError             = "server_error"
	errUnsupportedGrantType    = "unsupported_grant_type"
	errInvalidGrant            = "invalid_grant"
	errInvalidClient           = "invalid_client"
)

const (
	scopeOfflineAccess = "offline_access" // Request a refresh token.
	scopeOpenID        = "openid"
	scopeGroups        = "groups"
	scopeEmail         = "email"
	scopeProfile       = "profile"
)

const (
	grantTypeAuthorizationCode = "authorization_code"
	grantTypeRefreshToken      = "refresh_token"
	grantTypePassword          = "password"
)

const (
	responseTypeCode = "code" // The only flow this server supports.
)

func parseScopes(scopes []string) connector.Scopes {
	var s connector.Scopes
	for _, scope := range scopes {
		switch scope {
		case scopeOfflineAccess:
			s.OfflineAccess = true
		case scopeGroups:
			s.Groups = true
		}
	}
	return s
}

// newAccessToken signs the bearer token returned as access_token. Its
// subject is the connector-reported user ID verbatim, so the authorization
// middleware (C9) can match it straight against policy statement subjects
// without unwrapping an opaque value.
func (s *Server) newAccessToken(clientID string, claims storage.Claims, scopes []string, nonce, connID string) (accessToken string, expiry time.Time, err error) {
	return s.tokens.Sign(token.Claims{
		Issuer:   s.issuerURL.String(),
		Subject:  claims.UserID,
		Audience: []string{clientID},
		Nonce:    nonce,
	}, s.idTokensValidFor)
}

// newIDToken signs the ID token returned alongside an access token. Its
// subject wraps the connector ID with the user ID (internal.IDTokenSubject)
// per spec.md §4.6, matching the OIDC convention that "sub" is opaque to
// clients.
func (s *Server) newIDToken(clientID string, claims storage.Claims, scopes []string, nonce, accessToken, code, connID string) (idToken string, expiry time.Time, err error) {
	subjectString, err := internal.Marshal(&internal.IDTokenSubject{
		UserId: claims.UserID,
		ConnId: connID,
	})
	if err != nil {
		return "", time.Time{}, fmt.Errorf("marshal id token subject: %w", err)
	}

	tc := token.Claims{
		Issuer:   s.issuerURL.String(),
		Subject:  subjectString,
		Audience: []string{clientID},
		Nonce:    nonce,
	}

	if accessToken != "" {
		if tc.AccessTokenHash, err = token.AccessTokenHash(accessToken); err != nil {
			return "", time.Time{}, fmt.Errorf("compute at_hash: %w", err)
		}
	}
	if code != "" {
		if tc.CodeHash, err = token.AccessTokenHash(code); err != nil {
			return "", time.Time{}, fmt.Errorf("compute c_hash: %w", err)
		}
	}

	for _, scope := range scopes {
		switch scope {
		case scopeEmail:
			tc.Email = claims.Email
			verified := claims.EmailVerified
			tc.EmailVerified = &verified
		case scopeGroups:
			tc.Groups = claims.Groups
		case scopeProfile:
			tc.PreferredUsername = claims.PreferredUsername
		}
	}

	return s.tokens.Sign(tc, s.idTokensValidFor)
}

// parseAuthorizationRequest parses and validates the initial request from
// the OAuth2 client at /auth.
func (s *Server) parseAuthorizationRequest(r *http.Request) (*storage.AuthRequest, error) {
	if err := r.ParseForm(); err != nil {
		return nil, newDisplayedErr(http.StatusBadRequest, "Failed to parse request.")
	}
	q := r.Form
	redirectURI, err := url.QueryUnescape(q.Get("redirect_uri"))
	if err != nil {
		return nil, newDisplayedErr(http.StatusBadRequest, "No redirect_uri provided.")
	}

	clientID := q.Get("client_id")
	state := q.Get("state")
	nonce := q.Get("nonce")
	connectorID := q.Get("connector_id")
	scopes := strings.Fields(q.Get("scope"))
	responseTypes := strings.Fields(q.Get("response_type"))

	codeChallenge := q.Get("code_challenge")
	codeChallengeMethod := q.Get("code_challenge_method")
	if codeChallengeMethod == "" {
		codeChallengeMethod = codeChallengeMethodPlain
	}

	client, err := s.storage.GetClient(clientID)
	if err != nil {
		if err == storage.ErrNotFound {
			return nil, newDisplayedErr(http.StatusNotFound, "Invalid client_id (%q).", clientID)
		}
		s.logger.Errorf("failed to get client: %v", err)
		return nil, newDisplayedErr(http.StatusInternalServerError, "Database error.")
	}

	if !validateRedirectURI(client, redirectURI) {
		return nil, newDisplayedErr(http.StatusBadRequest, "Unregistered redirect_uri (%q).", redirectURI)
	}

	newRedirectedErr := func(typ, format string, a ...interface{}) *redirectedAuthErr {
		return &redirectedAuthErr{state, redirectURI, typ, fmt.Sprintf(format, a...)}
	}

	if connectorID != "" {
		connectors, err := s.storage.ListConnectors()
		if err != nil {
			s.logger.Errorf("failed to list connectors: %v", err)
			return nil, newRedirectedErr(errServerError, "Unable to retrieve connectors")
		}
		if !validateConnectorID(connectors, connectorID) {
			return nil, newRedirectedErr(errInvalidRequest, "Invalid ConnectorID")
		}
	}

	if codeChallengeMethod != codeChallengeMethodS256 && codeChallengeMethod != codeChallengeMethodPlain {
		return nil, newRedirectedErr(errInvalidRequest, "Unsupported PKCE challenge method (%q).", codeChallengeMethod)
	}

	var unrecognized []string
	hasOpenIDScope := false
	for _, scope := range scopes {
		switch scope {
		case scopeOpenID:
			hasOpenIDScope = true
		case scopeOfflineAccess, scopeEmail, scopeProfile, scopeGroups:
		default:
			unrecognized = append(unrecognized, scope)
		}
	}
	if !hasOpenIDScope {
		return nil, newRedirectedErr(errInvalidScope, `Missing required scope(s) ["openid"].`)
	}
	if len(unrecognized) > 0 {
		return nil, newRedirectedErr(errInvalidScope, "Unrecognized scope(s) %q", unrecognized)
	}

	if len(responseTypes) != 1 || responseTypes[0] != responseTypeCode {
		return nil, newRedirectedErr(errUnsupportedResponseType, "Only the %q response type is supported.", responseTypeCode)
	}

	return &storage.AuthRequest{
		ID:            storage.NewID(),
		ClientID:      client.ID,
		State:         state,
		Nonce:         nonce,
		Scopes:        scopes,
		RedirectURI:   redirectURI,
		ResponseTypes: responseTypes,
		ConnectorID:   connectorID,
		PKCE: storage.PKCE{
			CodeChallenge:       codeChallenge,
			CodeChallengeMethod: codeChallengeMethod,
		},
	}, nil
}

func validateRedirectURI(client storage.Client, redirectURI string) bool {
	// Allow named RedirectURIs for both public and non-public clients.
	// This is required make PKCE-enabled web apps work, when configured as public clients.
	for _, uri := range client.RedirectURIs {
		if redirectURI == uri {
			return true
		}
	}
	// For non-public clients or when RedirectURIs is set, we allow only explicitly named RedirectURIs.
	// Otherwise, we check below for the localhost URI used by installed apps.
	if !client.Public || len(client.RedirectURIs) > 0 {
		return false
	}

	u, err := url.Parse(redirectURI)
	if err != nil {
		return false
	}
	if u.Scheme != "http" {
		return false
	}
	if u.Host == "localhost" {
		return true
	}
	host, _, err := net.SplitHostPort(u.Host)
	return err == nil && host == "localhost"
}

func validateConnectorID(connectors []storage.Connector, connectorID string) bool {
	for _, c := range connectors {
		if c.ID == connectorID {
			return true
		}
	}
	return false
}
