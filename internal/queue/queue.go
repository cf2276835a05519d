package queue

import (
	"context"
	"sync"
	"time"
)

// Operation is one unit of deferred work. Operations may be enqueued faster
// than they execute; the queue guarantees they run strictly in enqueue order
// with at most one in flight at a time.
type Operation func(ctx context.Context) (any, error)

// outcome is the settled result of an entry.
type outcome struct {
	value any
	err   error
}

// Pending is the caller's handle to a queued operation. It settles exactly
// once: with the operation's result, with its error, or with (nil, nil) when
// the queue is cleared before the operation started.
type Pending struct {
	done chan outcome
}

// Wait blocks until the operation settles or the context is cancelled.
func (p *Pending) Wait(ctx context.Context) (any, error) {
	select {
	case out := <-p.done:
		return out.value, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type entry struct {
	op      Operation
	delay   time.Duration
	ctx     context.Context
	pending *Pending
}

// OperationQueue serializes asynchronous operation execution regardless of
// arrival or completion timing. A failing operation settles its own handle
// with the error and processing continues with the next entry.
type OperationQueue struct {
	mu      sync.Mutex
	entries []*entry
	running bool
	waiters []chan struct{}
}

// New creates an empty, idle OperationQueue.
func New() *OperationQueue {
	return &OperationQueue{}
}

// EnqueueOption configures a single enqueue call.
type EnqueueOption func(*entry)

// WithDelay waits d before the operation executes, holding its place in line.
func WithDelay(d time.Duration) EnqueueOption {
	return func(e *entry) { e.delay = d }
}

// Enqueue appends an operation. If the queue is idle, processing begins
// immediately. The returned Pending settles when this specific operation
// finishes.
func (q *OperationQueue) Enqueue(ctx context.Context, op Operation, opts ...EnqueueOption) *Pending {
	e := &entry{
		op:      op,
		ctx:     ctx,
		pending: &Pending{done: make(chan outcome, 1)},
	}
	for _, opt := range opts {
		opt(e)
	}

	q.mu.Lock()
	if q.running {
		q.entries = append(q.entries, e)
		q.mu.Unlock()
		return e.pending
	}
	// Idle queue: claim the entry as in-flight under the same lock that flips
	// running, so a racing Clear can never resolve it before it executes.
	q.running = true
	q.mu.Unlock()

	go q.drain(e)
	return e.pending
}

// drain executes the claimed entry and then keeps popping until none remain.
// Runs on a single goroutine at a time; q.running guards against a second
// drainer. Entries are claimed under the lock, so once drain holds one it is
// in flight and out of Clear's reach.
func (q *OperationQueue) drain(e *entry) {
	for {
		if e.delay > 0 {
			select {
			case <-time.After(e.delay):
			case <-e.ctx.Done():
			}
		}

		value, err := e.op(e.ctx)
		e.pending.done <- outcome{value: value, err: err}

		q.mu.Lock()
		if len(q.entries) == 0 {
			q.running = false
			waiters := q.waiters
			q.waiters = nil
			q.mu.Unlock()
			for _, w := range waiters {
				close(w)
			}
			return
		}
		e = q.entries[0]
		q.entries = q.entries[1:]
		q.mu.Unlock()
	}
}

// Clear drains all pending (not-yet-started) entries by resolving them with
// nil, never with an error. An in-flight operation is not interrupted.
func (q *OperationQueue) Clear() {
	q.mu.Lock()
	cleared := q.entries
	q.entries = nil
	q.mu.Unlock()

	for _, e := range cleared {
		e.pending.done <- outcome{}
	}
}

// Active reports whether an operation is in flight or entries remain.
func (q *OperationQueue) Active() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running || len(q.entries) > 0
}

// WaitIdle blocks until the queue is fully drained or the context is
// cancelled. Callers use it to defer the feedback call until every streamed
// action has executed.
func (q *OperationQueue) WaitIdle(ctx context.Context) error {
	q.mu.Lock()
	if !q.running && len(q.entries) == 0 {
		q.mu.Unlock()
		return nil
	}
	w := make(chan struct{})
	q.waiters = append(q.waiters, w)
	q.mu.Unlock()

	select {
	case <-w:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
