package ratelimit

import (
	"context"
	"sync"
	"time"
)

const minRetryDelay = time.Millisecond

type ticket struct {
	ctx     context.Context
	fn      func(context.Context) error
	ready   chan error
	settled bool
}

// Queue admits callers in strict FIFO order on top of an Admitter. A single
// drain goroutine owns admission, so two callers can never race for the same
// slot. Waiting uses timers and honours context cancellation.
type Queue struct {
	admitter Admitter

	mu       sync.Mutex
	waiters  []*ticket
	draining bool
	wake     chan struct{}
}

// NewQueue wraps admitter with a FIFO waiting queue.
func NewQueue(admitter Admitter) *Queue {
	return &Queue{admitter: admitter, wake: make(chan struct{}, 1)}
}

// Wait blocks until the caller is admitted or ctx is done. A caller whose
// context ends before admission never consumes a slot.
func (q *Queue) Wait(ctx context.Context) error {
	return q.submit(ctx, nil)
}

// Enqueue waits for admission and then runs fn. Admitted functions are
// started in the order they were enqueued.
func (q *Queue) Enqueue(ctx context.Context, fn func(context.Context) error) error {
	return q.submit(ctx, fn)
}

// Pending reports how many callers are still waiting for admission.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, t := range q.waiters {
		if !t.settled {
			n++
		}
	}
	return n
}

func (q *Queue) submit(ctx context.Context, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t := &ticket{ctx: ctx, fn: fn, ready: make(chan error, 1)}

	q.mu.Lock()
	q.waiters = append(q.waiters, t)
	if !q.draining {
		q.draining = true
		go q.drain()
	}
	q.mu.Unlock()

	select {
	case err := <-t.ready:
		return err
	case <-ctx.Done():
		q.mu.Lock()
		if t.settled {
			q.mu.Unlock()
			return <-t.ready
		}
		t.settled = true
		q.mu.Unlock()
		q.signal()
		return ctx.Err()
	}
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// head drops settled tickets and returns the first live one, or nil after
// marking the queue idle. Callers must hold mu.
func (q *Queue) head() *ticket {
	for len(q.waiters) > 0 && q.waiters[0].settled {
		q.waiters[0] = nil
		q.waiters = q.waiters[1:]
	}
	if len(q.waiters) == 0 {
		q.draining = false
		return nil
	}
	return q.waiters[0]
}

func (q *Queue) drain() {
	for {
		q.mu.Lock()
		if q.head() == nil {
			q.mu.Unlock()
			return
		}
		q.mu.Unlock()

		d, err := q.admitter.Admit(context.Background())
		if err != nil || d.Allowed {
			q.mu.Lock()
			t := q.head()
			if t == nil {
				q.mu.Unlock()
				return
			}
			t.settled = true
			q.waiters[0] = nil
			q.waiters = q.waiters[1:]
			q.mu.Unlock()
			q.dispatch(t, err)
			continue
		}

		delay := d.RetryAfter
		if delay < minRetryDelay {
			delay = minRetryDelay
		}
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-q.wake:
			timer.Stop()
		}
	}
}

func (q *Queue) dispatch(t *ticket, admitErr error) {
	if admitErr != nil || t.fn == nil {
		t.ready <- admitErr
		return
	}
	go func() {
		t.ready <- t.fn(t.ctx)
	}()
}
