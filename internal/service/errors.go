package service

import "errors"

var (
	// ErrUpstream is returned when a remote platform is unreachable,
	// answers with a non-success status or omits a required field.
	ErrUpstream = errors.New("upstream error")

	// ErrNotFound is returned for unknown visitors or threads.
	ErrNotFound = errors.New("not found")

	// ErrValidation is returned when a required field is missing.
	ErrValidation = errors.New("validation error")

	// ErrUnauthorized is returned when a webhook token does not match.
	ErrUnauthorized = errors.New("unauthorized")
)
