package idempotency

import (
	"errors"
	"net/http"
)

var (
	// ErrMissingKey is returned when the request carries no idempotency key.
	ErrMissingKey = errors.New("missing idempotency key")

	// ErrKeyReuse is returned when a key is replayed with a different payload.
	ErrKeyReuse = errors.New("idempotency key reused with a different payload")

	// ErrPriorAttemptFailed is returned for a failed key when retries are disabled.
	ErrPriorAttemptFailed = errors.New("previous attempt failed")

	// ErrRecordNotFound is returned by Store.Get for an unknown (endpoint, key).
	ErrRecordNotFound = errors.New("idempotency record not found")
)

// StatusCode maps an idempotency error onto its HTTP status.
func StatusCode(err error) int {
	switch {
	case errors.Is(err, ErrMissingKey):
		return http.StatusBadRequest
	case errors.Is(err, ErrKeyReuse):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
