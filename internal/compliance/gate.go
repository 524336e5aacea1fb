// Package compliance answers whether a canonical number may be contacted.
package compliance

import (
	"context"
	"errors"
	"fmt"

	"github.com/acme/lead-delivery/internal/phone"
)

var (
	// ErrLookupFailed wraps any store failure. Callers must not treat it as
	// "not opted out".
	ErrLookupFailed = errors.New("compliance: opt-out lookup failed")
	// ErrNotCanonical rejects numbers that skipped normalization.
	ErrNotCanonical = errors.New("compliance: phone is not canonical")
)

// Status is the stored consent state of a number.
type Status struct {
	OptedOut   bool
	LeadExists bool
}

// Store reads consent state. Unknown numbers report a zero Status.
type Store interface {
	OptOutStatus(ctx context.Context, canonical string) (Status, error)
}

// Gate checks consent before any message leaves the system. Results are never
// cached; every call reaches the store.
type Gate struct {
	store Store
}

// NewGate builds a gate over store.
func NewGate(store Store) *Gate {
	return &Gate{store: store}
}

// CheckOptOut reports the consent state of canonical.
func (g *Gate) CheckOptOut(ctx context.Context, canonical string) (Status, error) {
	if !phone.IsCanonical(canonical) {
		return Status{}, ErrNotCanonical
	}
	st, err := g.store.OptOutStatus(ctx, canonical)
	if err != nil {
		return Status{}, fmt.Errorf("%w: %w", ErrLookupFailed, err)
	}
	return st, nil
}
