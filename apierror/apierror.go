// Package apierror implements spec.md §7's error taxonomy: a stable code
// suffix and HTTP status per storage.ErrorCode, and the JSON envelope HTTP
// handlers write on failure. Grounded on the teacher's server/error.go
// (apiError{Type, Description}, writeAPIError) and server/errors.go
// (toStorageErr's status-by-error-kind dispatch), generalized from dex's
// OAuth2-only error vocabulary to spec.md's storage.ErrorCode taxonomy.
package apierror

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/cim-project/cim/storage"
)

// Error is the JSON body written for any failed API request.
type Error struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

func (e *Error) Error() string {
	return e.Code
}

// statusByCode is spec.md §7's taxonomy table.
var statusByCode = map[storage.ErrorCode]int{
	storage.ErrCodeInternal:     http.StatusInternalServerError,
	storage.ErrCodeNotFound:     http.StatusNotFound,
	storage.ErrCodeConflict:     http.StatusConflict,
	storage.ErrCodeForbidden:    http.StatusForbidden,
	storage.ErrCodeUnauthorized: http.StatusUnauthorized,
	storage.ErrCodeBadRequest:   http.StatusBadRequest,
	storage.ErrCodeValidates:    http.StatusUnprocessableEntity,
}

// FromStorageError maps err to its HTTP status and API error body. Errors
// that aren't a storage.Error are treated as Internal, never leaking
// implementation detail to the client (spec.md §7's "Token verify errors
// ... never leak signature detail" generalizes to every internal error).
func FromStorageError(err error) (status int, body *Error) {
	var serr storage.Error
	if !errors.As(err, &serr) {
		return http.StatusInternalServerError, &Error{Code: string(storage.ErrCodeInternal)}
	}
	status, ok := statusByCode[serr.Code]
	if !ok {
		status = http.StatusInternalServerError
	}
	return status, &Error{Code: string(serr.Code), Description: serr.Details}
}

// Write maps err onto its HTTP status and writes the JSON error envelope.
func Write(w http.ResponseWriter, err error) {
	status, body := FromStorageError(err)
	WriteStatus(w, status, body)
}

// WriteStatus writes body as a JSON error envelope with an explicit
// status, for callers (like C9's authorization middleware) that already
// know the status they want without going through a storage.Error.
func WriteStatus(w http.ResponseWriter, status int, body *Error) {
	data, marshalErr := json.Marshal(body)
	if marshalErr != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}
