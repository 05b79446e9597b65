package graph

import (
	"errors"
	"fmt"
)

var (
	// ErrRejected marks a delta batch that failed validation; nothing was applied
	ErrRejected = errors.New("delta batch rejected")

	// ErrMalformedState marks a previous graph or exploitation table that violates
	// its own invariants. This is a contract error and is never coerced.
	ErrMalformedState = errors.New("malformed previous state")
)

// ValidationError describes why an edge update was rejected
type ValidationError struct {
	Field   string
	Value   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("%s %q: %s", e.Field, e.Value, e.Message)
}

// Unwrap lets callers match any validation failure with errors.Is(err, ErrRejected)
func (e *ValidationError) Unwrap() error {
	return ErrRejected
}
