// Package ratelimit bounds outbound throughput with a fixed time window.
package ratelimit

import (
	"context"
	"errors"
	"time"
)

// ErrInvalidLimit is returned when a limiter is built with a non-positive
// ceiling or window.
var ErrInvalidLimit = errors.New("ratelimit: ceiling and window must be positive")

// Decision is the outcome of an admission check. A rejection is a normal
// result and is never reported as an error.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Admitter performs a non-blocking admission check.
type Admitter interface {
	Admit(ctx context.Context) (Decision, error)
}

// Clock returns the current time; tests substitute a fake.
type Clock func() time.Time
