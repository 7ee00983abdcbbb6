package catalog

import "errors"

// Callers distinguish failures with errors.Is against these values.
var (
	// ErrInvalidInput marks a request missing a required field.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotFound marks an operation on an id or path with no record.
	ErrNotFound = errors.New("not found")

	// ErrStorageConflict marks a unique-constraint violation, typically a
	// concurrent insert for the same path. It is never retried here.
	ErrStorageConflict = errors.New("storage conflict")

	// ErrUpstreamFailure marks an analysis backend that errored or produced
	// unparseable output.
	ErrUpstreamFailure = errors.New("upstream failure")
)
