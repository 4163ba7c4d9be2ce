package store

import "errors"

// Sentinel errors shared by the service layers. Handlers map these onto
// HTTP status codes.
var (
	// ErrNotFound means the resource does not exist in the caller's scope.
	ErrNotFound = errors.New("not found")

	// ErrForbidden means the resource exists but belongs to someone else.
	ErrForbidden = errors.New("forbidden")

	// ErrInvalidState means the resource cannot accept the transition in
	// its current state.
	ErrInvalidState = errors.New("invalid state")
)
