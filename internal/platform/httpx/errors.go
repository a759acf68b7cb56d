// Package httpx provides HTTP response utilities.
package httpx

import (
	"errors"
	"net/http"
)

// Sentinel errors for domain layer.
var (
	ErrNotFound     = errors.New("resource not found")
	ErrDuplicate    = errors.New("duplicate entry")
	ErrValidation   = errors.New("validation failed")
	ErrForbidden    = errors.New("forbidden")
	ErrUnauthorized = errors.New("unauthorized")
	ErrUnavailable  = errors.New("service unavailable")
)

// RespondError maps domain errors to HTTP responses using RFC7807.
func RespondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		ProblemCode(w, http.StatusNotFound, "Not Found", err.Error(), "NOT_FOUND")
	case errors.Is(err, ErrDuplicate):
		ProblemCode(w, http.StatusConflict, "Duplicate", err.Error(), "DUPLICATE")
	case errors.Is(err, ErrValidation):
		ProblemCode(w, http.StatusBadRequest, "Validation Failed", err.Error(), "VALIDATION")
	case errors.Is(err, ErrForbidden):
		ProblemCode(w, http.StatusForbidden, "Forbidden", "not permitted", "UNAUTHORIZED")
	case errors.Is(err, ErrUnauthorized):
		ProblemCode(w, http.StatusUnauthorized, "Unauthorized", err.Error(), "UNAUTHENTICATED")
	case errors.Is(err, ErrUnavailable):
		ProblemCode(w, http.StatusServiceUnavailable, "Service Unavailable", "", "STORAGE")
	default:
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
