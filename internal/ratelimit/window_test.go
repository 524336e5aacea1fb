package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)}
}

func TestNewWindowRejectsInvalidLimits(t *testing.T) {
	t.Parallel()

	_, err := NewWindow(0, time.Second)
	assert.ErrorIs(t, err, ErrInvalidLimit)
	_, err = NewWindow(5, 0)
	assert.ErrorIs(t, err, ErrInvalidLimit)
}

func TestWindowRejectsExactlyOneOverCeiling(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	w, err := NewWindowWithClock(5, time.Hour, clock.Now)
	require.NoError(t, err)

	ctx := context.Background()
	rejected := 0
	for i := 0; i < 6; i++ {
		if i > 0 {
			clock.Advance(time.Minute)
		}
		d, err := w.Admit(ctx)
		require.NoError(t, err)
		if !d.Allowed {
			rejected++
			assert.Equal(t, time.Hour-5*time.Minute, d.RetryAfter)
		}
	}
	assert.Equal(t, 1, rejected)
}

func TestWindowRetryAfterShrinksWithElapsedTime(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	w, err := NewWindowWithClock(1, 10*time.Second, clock.Now)
	require.NoError(t, err)

	d, _ := w.Admit(context.Background())
	require.True(t, d.Allowed)

	clock.Advance(4 * time.Second)
	d, _ = w.Admit(context.Background())
	assert.False(t, d.Allowed)
	assert.Equal(t, 6*time.Second, d.RetryAfter)
	assert.Equal(t, 0, w.Remaining())
}

func TestWindowResetsAfterWindowElapses(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	w, err := NewWindowWithClock(3, time.Minute, clock.Now)
	require.NoError(t, err)

	ctx := context.Background()
	for round := 0; round < 2; round++ {
		for i := 0; i < 3; i++ {
			d, err := w.Admit(ctx)
			require.NoError(t, err)
			assert.True(t, d.Allowed, "round %d send %d", round, i)
		}
		clock.Advance(time.Minute)
	}
	assert.Equal(t, 3, w.Remaining())
}

func TestWindowConcurrentAdmissionNeverExceedsCeiling(t *testing.T) {
	t.Parallel()

	w, err := NewWindow(50, time.Hour)
	require.NoError(t, err)

	var admitted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 500; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := w.Admit(context.Background())
			if err == nil && d.Allowed {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(50), admitted.Load())
}
