package shared

import "errors"

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrValidation marks malformed input rejected before any write.
	ErrValidation = errors.New("validation failed")
	// ErrForbidden indicates the actor may not perform the action.
	ErrForbidden = errors.New("forbidden")
	// ErrUnauthenticated indicates no actor was attached to the request.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrConflict indicates the resource changed underneath the caller.
	ErrConflict = errors.New("conflict")
)
