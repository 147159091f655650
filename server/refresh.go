package server

import (
	"net/http"
	"strings"

	"github.com/cim-project/cim/server/internal"
	"github.com/cim-project/cim/storage"
)

// handleRefreshToken implements the refresh grant of spec.md §4.7: reuse of
// the current obsolete_token within the policy's reuse window returns the
// already-rotated token (idempotent retry), while reuse of anything older
// revokes every refresh token tied to the offline session.
func (s *Server) handleRefreshToken(w http.ResponseWriter, r *http.Request, client storage.Client) {
	code := r.PostFormValue("refresh_token")
	if code == "" {
		s.tokenErrHelper(w, errInvalidRequest, "No refresh token in request.", http.StatusBadRequest)
		return
	}

	var rt internal.RefreshToken
	if err := internal.Unmarshal(code, &rt); err != nil {
		s.tokenErrHelper(w, errInvalidRequest, "Invalid refresh token.", http.StatusBadRequest)
		return
	}

	refresh, err := s.storage.GetRefresh(rt.RefreshId)
	switch {
	case err == nil:
	case err == storage.ErrNotFound:
		s.tokenErrHelper(w, errInvalidGrant, "Refresh token is invalid or has already been redeemed.", http.StatusBadRequest)
		return
	default:
		s.logger.Errorf("failed to get refresh token: %v", err)
		s.tokenErrHelper(w, errServerError, "", http.StatusInternalServerError)
		return
	}

	if refresh.ClientID != client.ID {
		s.logger.Errorf("client %s trying to claim token for client %s", client.ID, refresh.ClientID)
		s.tokenErrHelper(w, errInvalidGrant, "Refresh token is invalid or has already been redeemed.", http.StatusBadRequest)
		return
	}

	presentedObsolete := false
	switch rt.Token {
	case refresh.Token:
		// current secret, normal use.
	case refresh.ObsoleteToken:
		if !s.refreshTokenPolicy.AllowedToReuse(refresh.ObsoleteSetAt) {
			s.logger.Errorf("refresh token reuse detected outside reuse window for client %s", client.ID)
			if err := s.storage.RevokeOfflineSessionChain(refresh.Claims.UserID, refresh.ConnectorID); err != nil {
				s.logger.Errorf("failed to revoke offline session chain: %v", err)
			}
			s.tokenErrHelper(w, errInvalidGrant, "Refresh token is invalid or has already been redeemed.", http.StatusBadRequest)
			return
		}
		presentedObsolete = true
	default:
		// Neither the current nor the immediately prior secret: someone is
		// replaying a token that's already been superseded more than once.
		s.logger.Errorf("refresh token reuse detected for client %s", client.ID)
		if err := s.storage.RevokeOfflineSessionChain(refresh.Claims.UserID, refresh.ConnectorID); err != nil {
			s.logger.Errorf("failed to revoke offline session chain: %v", err)
		}
		s.tokenErrHelper(w, errInvalidGrant, "Refresh token is invalid or has already been redeemed.", http.StatusBadRequest)
		return
	}

	if s.refreshTokenPolicy.CompletelyExpired(refresh.CreatedAt) {
		s.tokenErrHelper(w, errInvalidGrant, "Refresh token expired.", http.StatusBadRequest)
		return
	}
	if s.refreshTokenPolicy.ExpiredBecauseUnused(refresh.LastUsed) {
		s.tokenErrHelper(w, errInvalidGrant, "Refresh token expired due to inactivity.", http.StatusBadRequest)
		return
	}

	// A client may narrow the scopes it asks for on refresh, never broaden them.
	scopes := refresh.Scopes
	if scope := r.PostFormValue("scope"); scope != "" {
		requested := strings.Fields(scope)
		for _, sc := range requested {
			if !contains(refresh.Scopes, sc) {
				s.tokenErrHelper(w, errInvalidScope, "Requested scope did not originally grant offline access.", http.StatusBadRequest)
				return
			}
		}
		scopes = requested
	}

	var currentToken string
	if err := s.storage.UpdateRefreshToken(refresh.ID, func(old storage.RefreshToken) (storage.RefreshToken, error) {
		old.LastUsed = s.now()
		if !presentedObsolete && s.refreshTokenPolicy.RotationEnabled() {
			old.ObsoleteToken = old.Token
			old.ObsoleteSetAt = s.now()
			old.Token = storage.NewID()
		}
		currentToken = old.Token
		return old, nil
	}); err != nil {
		s.logger.Errorf("failed to update refresh token: %v", err)
		s.tokenErrHelper(w, errServerError, "", http.StatusInternalServerError)
		return
	}

	refreshTokenWire, err := internal.Marshal(&internal.RefreshToken{RefreshId: refresh.ID, Token: currentToken})
	if err != nil {
		s.logger.Errorf("failed to marshal refresh token: %v", err)
		s.tokenErrHelper(w, errServerError, "", http.StatusInternalServerError)
		return
	}

	accessToken, _, err := s.newAccessToken(client.ID, refresh.Claims, scopes, refresh.Nonce, refresh.ConnectorID)
	if err != nil {
		s.logger.Errorf("failed to create new access token: %v", err)
		s.tokenErrHelper(w, errServerError, "", http.StatusInternalServerError)
		return
	}

	idToken, expiry, err := s.newIDToken(client.ID, refresh.Claims, scopes, refresh.Nonce, accessToken, "", refresh.ConnectorID)
	if err != nil {
		s.logger.Errorf("failed to create ID token: %v", err)
		s.tokenErrHelper(w, errServerError, "", http.StatusInternalServerError)
		return
	}

	s.writeAccessToken(w, s.toAccessTokenResponse(idToken, accessToken, refreshTokenWire, expiry))
}
