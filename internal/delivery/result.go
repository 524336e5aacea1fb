package delivery

import (
	"errors"
	"fmt"
	"time"

	"github.com/acme/lead-delivery/internal/channel"
)

// Kind discriminates terminal failures.
type Kind string

const (
	KindInvalidPhone           Kind = "invalid_phone"
	KindOptedOut               Kind = "opted_out"
	KindComplianceLookup       Kind = "compliance_lookup_failed"
	KindRateLimited            Kind = "rate_limited"
	KindRateLimiterUnavailable Kind = "rate_limiter_unavailable"
	KindTemplateNotFound       Kind = "template_not_found"
	KindNotConfigured          Kind = "not_configured"
	KindChannelFailure         Kind = "channel_failure"
)

// Sentinels matched by errors.Is against a *Failure of the same kind.
var (
	ErrInvalidPhone           = errors.New("invalid phone number")
	ErrOptedOut               = errors.New("opted out")
	ErrComplianceLookup       = errors.New("opt-out lookup failed")
	ErrRateLimited            = errors.New("rate limit exceeded")
	ErrRateLimiterUnavailable = errors.New("rate limiter unavailable")
	ErrTemplateNotFound       = errors.New("template not found")
	ErrNotConfigured          = errors.New("secondary channel not configured")
	ErrChannelFailure         = errors.New("channel failure")
)

var sentinels = map[Kind]error{
	KindInvalidPhone:           ErrInvalidPhone,
	KindOptedOut:               ErrOptedOut,
	KindComplianceLookup:       ErrComplianceLookup,
	KindRateLimited:            ErrRateLimited,
	KindRateLimiterUnavailable: ErrRateLimiterUnavailable,
	KindTemplateNotFound:       ErrTemplateNotFound,
	KindNotConfigured:          ErrNotConfigured,
	KindChannelFailure:         ErrChannelFailure,
}

// Sentinel returns the error value matching k.
func (k Kind) Sentinel() error { return sentinels[k] }

// Business reports whether k is an expected outcome rather than a fault.
func (k Kind) Business() bool {
	switch k {
	case KindInvalidPhone, KindOptedOut, KindRateLimited:
		return true
	}
	return false
}

// Failure is the structured reason a delivery did not happen.
type Failure struct {
	Kind       Kind
	Reason     string
	RetryAfter time.Duration
	Cause      error
}

func (f *Failure) Error() string {
	if f.Cause != nil {
		return fmt.Sprintf("%s: %v", f.Reason, f.Cause)
	}
	return f.Reason
}

func (f *Failure) Unwrap() error { return f.Cause }

// Is matches the sentinel of the failure kind.
func (f *Failure) Is(target error) bool {
	s := f.Kind.Sentinel()
	return s != nil && target == s
}

// surfaced reports whether the failure is also returned as an error.
func (f *Failure) surfaced() bool {
	return !f.Kind.Business() || f.Cause != nil
}

// Result is the tagged outcome of one delivery call.
type Result struct {
	Success   bool
	Method    channel.Channel
	MessageID string
	Phone     string
	Failure   *Failure
}

// Err returns the failure as an error, or nil on success.
func (r Result) Err() error {
	if r.Failure == nil {
		return nil
	}
	return r.Failure
}
