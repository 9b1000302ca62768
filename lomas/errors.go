package lomas

import (
	"errors"
	"fmt"
	"net/http"
)

// The gateway distinguishes exactly four error kinds. They are disjoint:
// every error that crosses the core's boundary is one of these, and each
// maps to a fixed HTTP status. Anything unexpected degrades to
// InternalServerError so that no internal detail leaks to the caller.

// InvalidQueryError reports a request the caller can fix: a malformed or
// unreconstructable pipeline, an unsupported imputation strategy,
// insufficient budget, or a result that violated structural invariants.
type InvalidQueryError struct {
	Message string
}

func (e *InvalidQueryError) Error() string {
	return "invalid query: " + e.Message
}

// ExternalLibraryError reports a failure inside a wrapped DP backend,
// tagged with the library it came from. Never retried by the core.
type ExternalLibraryError struct {
	Library Library
	Message string
}

func (e *ExternalLibraryError) Error() string {
	return fmt.Sprintf("external library error (%s): %s", e.Library, e.Message)
}

// UnauthorizedAccessError reports a concurrent query attempt by the same
// user, or a user/budget record that does not exist.
type UnauthorizedAccessError struct {
	Message string
}

func (e *UnauthorizedAccessError) Error() string {
	return "unauthorized access: " + e.Message
}

// InternalServerError reports everything else: archive failures after a
// successful spend, unknown backend types, unknown metadata variants,
// unexpected panics' recovered causes. The wrapped cause is for server-side
// logs; callers see only the generic message.
type InternalServerError struct {
	Message string
	Err     error
}

func (e *InternalServerError) Error() string {
	if e.Err != nil {
		return "internal server error: " + e.Message + ": " + e.Err.Error()
	}
	return "internal server error: " + e.Message
}

func (e *InternalServerError) Unwrap() error { return e.Err }

// StatusCode maps an error to the HTTP status the external layer must use:
// invalid query 400, external library 422, unauthorized 403, everything
// else 500.
func StatusCode(err error) int {
	var (
		iq *InvalidQueryError
		el *ExternalLibraryError
		ua *UnauthorizedAccessError
	)
	switch {
	case errors.As(err, &iq):
		return http.StatusBadRequest
	case errors.As(err, &el):
		return http.StatusUnprocessableEntity
	case errors.As(err, &ua):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// isKnownKind reports whether err already carries one of the four kinds.
func isKnownKind(err error) bool {
	var (
		iq *InvalidQueryError
		el *ExternalLibraryError
		ua *UnauthorizedAccessError
		is *InternalServerError
	)
	return errors.As(err, &iq) || errors.As(err, &el) || errors.As(err, &ua) || errors.As(err, &is)
}

// internalize wraps errors of unknown kind as InternalServerError and
// passes already-classified errors through unchanged.
func internalize(msg string, err error) error {
	if err == nil {
		return nil
	}
	if isKnownKind(err) {
		return err
	}
	return &InternalServerError{Message: msg, Err: err}
}
