package registry

import "errors"

// Errors returned by the registry. Callers match them with errors.Is;
// ErrInvalidRequest is usually wrapped with the failing field details.
var (
	// ErrInvalidRequest is returned when a request is missing required fields
	ErrInvalidRequest = errors.New("invalid request")

	// ErrUnauthorized is returned when the ping secret does not match
	ErrUnauthorized = errors.New("incorrect ping secret")

	// ErrConflict is returned when a node is pinged from a second cloud instance
	ErrConflict = errors.New("node is already running on another instance")

	// ErrSlotsExhausted is returned when every slot below max_nodes is taken
	ErrSlotsExhausted = errors.New("no available node slots")

	// ErrNodeNotFound is returned when the node UUID is unknown
	ErrNodeNotFound = errors.New("node not found")
)
