package storage

import "fmt"

// ErrorCode enumerates the error taxonomy of spec.md §7. Higher layers
// (apierror) map these onto HTTP statuses; storage and policy code only need
// to express which kind of failure occurred.
type ErrorCode string

const (
	// ErrCodeInternal wraps unexpected failures (HTTP 500).
	ErrCodeInternal ErrorCode = "internal"

	// ErrCodeNotFound is returned when a resource cannot be found (HTTP 404).
	ErrCodeNotFound ErrorCode = "not_found"

	// ErrCodeConflict is returned by Create when the id already exists
	// (spec.md §4.4: "fails Conflict if id exists").
	ErrCodeConflict ErrorCode = "conflict"

	// ErrCodeForbidden covers policy denial and client auth mismatches (HTTP 403).
	ErrCodeForbidden ErrorCode = "forbidden"

	// ErrCodeUnauthorized covers missing/invalid bearer tokens and invalid
	// client authentication (HTTP 401).
	ErrCodeUnauthorized ErrorCode = "unauthorized"

	// ErrCodeBadRequest covers malformed PKCE, unsupported grants, and
	// unknown condition types (HTTP 400).
	ErrCodeBadRequest ErrorCode = "bad_request"

	// ErrCodeValidates covers schema/field validation failures (HTTP 422).
	ErrCodeValidates ErrorCode = "validates"
)

// Error is a storage-and-policy-layer error type. Providing an Error lets
// callers make informed decisions (e.g. apierror's HTTP mapping) instead of
// string-matching error messages.
type Error struct {
	Code    ErrorCode
	Details string
}

// Error satisfies the error interface.
func (c Error) Error() string {
	if c.Details != "" {
		return fmt.Sprintf("%s - %s", string(c.Code), c.Details)
	}
	return string(c.Code)
}

// IsErrorCode reports whether err is a storage.Error carrying the given code.
func IsErrorCode(err error, code ErrorCode) bool {
	if e, ok := err.(Error); ok {
		return e.Code == code
	}
	if e, ok := err.(*Error); ok {
		return e.Code == code
	}
	return false
}

var (
	// ErrNotFound is the sentinel error storages return when a resource
	// cannot be found by id, kept from the teacher for Get-by-id callers
	// that don't need the richer Error type.
	ErrNotFound = Error{Code: ErrCodeNotFound, Details: "resource not found"}

	// ErrAlreadyExists is the sentinel error storages return when a Create
	// call's id already exists.
	ErrAlreadyExists = Error{Code: ErrCodeConflict, Details: "resource already exists"}
)
