package optimizer

import "errors"

var (
	// ErrNotFound indicates a referenced campaign, test or connection
	// does not exist. Never retried.
	ErrNotFound = errors.New("not found")

	// ErrInvalidState indicates an operation that violates an entity's
	// lifecycle, e.g. starting a test with fewer than two variants.
	ErrInvalidState = errors.New("invalid state")

	// ErrInsufficientData indicates an algorithm has too few data points
	// to produce a result; callers are expected to poll again later.
	ErrInsufficientData = errors.New("insufficient data")
)
