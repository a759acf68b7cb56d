package shared

import "errors"

var (
	// ErrRequestInFlight occurs when a request with the same idempotency key is still running.
	ErrRequestInFlight = errors.New("request with this idempotency key is in progress")
	// ErrIdempotencyMismatch occurs when a key is reused for a different request.
	ErrIdempotencyMismatch = errors.New("idempotency key reused with a different request")
)
