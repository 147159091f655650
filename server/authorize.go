package server

import (
	"encoding/json"
	"net/http"

	"github.com/cim-project/cim/apierror"
	"github.com/cim-project/cim/policy"
	"github.com/cim-project/cim/storage"
)

// authorizeRequest is the wire shape of spec.md §6's direct PDE
// invocation: the caller names resource/action/subject/context explicitly
// rather than having them inferred from the HTTP request the way
// AuthzMiddleware does for the IAM REST surface.
type authorizeRequest struct {
	Resource string                     `json:"resource"`
	Action   string                     `json:"action"`
	Subject  string                     `json:"subject"`
	Context  map[string]json.RawMessage `json:"context"`
}

// handleAuthorize implements `POST /authorize`: 204 on allow, 403 on deny.
func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		apierror.WriteStatus(w, http.StatusMethodNotAllowed, &apierror.Error{Code: errInvalidRequest})
		return
	}

	var req authorizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierror.Write(w, storage.Error{Code: storage.ErrCodeBadRequest, Details: "malformed request body"})
		return
	}
	if req.Resource == "" || req.Action == "" || req.Subject == "" {
		apierror.Write(w, storage.Error{Code: storage.ErrCodeValidates, Details: "resource, action and subject are required"})
		return
	}

	statements, err := s.storage.StatementsFor(req.Subject)
	if err != nil {
		s.logger.Errorf("failed to load statements for %q: %v", req.Subject, err)
		apierror.Write(w, err)
		return
	}

	pdeReq := policy.Request{
		Resource: req.Resource,
		Action:   req.Action,
		Subject:  req.Subject,
		Context:  req.Context,
	}

	switch s.engine.Evaluate(statements, storage.DefaultDelimiterStart, storage.DefaultDelimiterEnd, pdeReq) {
	case policy.Allowed:
		w.WriteHeader(http.StatusNoContent)
	default:
		apierror.Write(w, storage.Error{Code: storage.ErrCodeForbidden, Details: "access denied"})
	}
}
