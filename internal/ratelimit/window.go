package ratelimit

import (
	"context"
	"sync"
	"time"
)

var _ Admitter = (*Window)(nil)

// Window is an in-process fixed-window counter. All state is guarded by mu so
// concurrent callers can never push the count past the ceiling.
type Window struct {
	mu          sync.Mutex
	ceiling     int
	length      time.Duration
	windowStart time.Time
	count       int
	now         Clock
}

// NewWindow builds a fixed window admitting ceiling sends per length.
func NewWindow(ceiling int, length time.Duration) (*Window, error) {
	return NewWindowWithClock(ceiling, length, time.Now)
}

// NewWindowWithClock is NewWindow with an injectable clock.
func NewWindowWithClock(ceiling int, length time.Duration, now Clock) (*Window, error) {
	if ceiling <= 0 || length <= 0 {
		return nil, ErrInvalidLimit
	}
	if now == nil {
		now = time.Now
	}
	return &Window{ceiling: ceiling, length: length, now: now}, nil
}

// Admit consumes one slot of the current window if any is left.
func (w *Window) Admit(_ context.Context) (Decision, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	elapsed := now.Sub(w.windowStart)
	if w.windowStart.IsZero() || elapsed >= w.length {
		w.windowStart = now
		w.count = 0
		elapsed = 0
	}

	if w.count < w.ceiling {
		w.count++
		return Decision{Allowed: true}, nil
	}
	return Decision{RetryAfter: w.length - elapsed}, nil
}

// Remaining reports the slots left in the current window.
func (w *Window) Remaining() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.windowStart.IsZero() || w.now().Sub(w.windowStart) >= w.length {
		return w.ceiling
	}
	return w.ceiling - w.count
}
