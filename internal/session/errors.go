package session

import (
	"fmt"
	"time"
)

// ValidationError reports a malformed request rejected before any
// collaborator is invoked.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// RateLimitedError reports a request rejected by the provider-call
// budget. ResetAt tells the caller when the window rolls over.
type RateLimitedError struct {
	ResetAt time.Time
}

func (e *RateLimitedError) Error() string {
	return "rate limit exceeded"
}

// CollaboratorError wraps a downstream failure with the pipeline stage
// it occurred in.
type CollaboratorError struct {
	Stage string
	Err   error
}

func (e *CollaboratorError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *CollaboratorError) Unwrap() error {
	return e.Err
}
