package model

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("object already exists")
	ErrForbidden     = errors.New("operation not permitted")
	ErrConflict      = errors.New("conflicting operation in progress")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrNotConfigured = errors.New("required secret is not configured")
)

// InsufficientInventoryError is returned when a claim asks for more units
// than a limited tier has left.
type InsufficientInventoryError struct {
	TierID    string
	Remaining int
}

func (e *InsufficientInventoryError) Error() string {
	return fmt.Sprintf("tier %q has only %d unit(s) left", e.TierID, e.Remaining)
}

// RateLimitedError carries the time until the current window resets.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry in %s", e.RetryAfter)
}
