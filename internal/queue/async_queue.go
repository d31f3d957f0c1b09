// Package queue runs a client's operations one at a time, in order, on a single goroutine.
//
// Everything that touches client state goes through the AsyncQueue: application calls,
// frames delivered by the network streams, and timers (backoff, idle stream close, online
// state timeout, garbage collection, index backfill, lease refresh). Operations never run
// concurrently with each other, so the engine needs no further locking.
package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/steveyegge/docsync/internal/logging"
	"github.com/steveyegge/docsync/internal/status"
)

// TimerID names a kind of delayed operation so tests can find and run it early.
type TimerID string

const (
	TimerAll                   TimerID = "all"
	TimerListenStreamIdle      TimerID = "listen_stream_idle"
	TimerListenStreamBackoff   TimerID = "listen_stream_connection_backoff"
	TimerWriteStreamIdle       TimerID = "write_stream_idle"
	TimerWriteStreamBackoff    TimerID = "write_stream_connection_backoff"
	TimerHealthCheck           TimerID = "health_check_timeout"
	TimerOnlineStateTimeout    TimerID = "online_state_timeout"
	TimerGarbageCollection     TimerID = "garbage_collection"
	TimerIndexBackfill         TimerID = "index_backfill"
	TimerClientMetadataRefresh TimerID = "client_metadata_refresh"
	TimerSharedStateNotify     TimerID = "shared_state_notify"
	TimerRetryTransaction      TimerID = "retry_transaction"
)

type operation struct {
	fn   func() error
	done chan error
}

// AsyncQueue is a FIFO of operations drained by one goroutine.
type AsyncQueue struct {
	log *logrus.Entry

	mu       sync.Mutex
	cond     *sync.Cond
	pending  []operation
	shutdown bool
	stopped  bool
	failure  error
	delayed  map[*DelayedOperation]struct{}
	done     chan struct{}
}

// New starts a queue.
func New(log *logrus.Entry) *AsyncQueue {
	q := &AsyncQueue{
		log:     logging.OrDiscard(log),
		delayed: map[*DelayedOperation]struct{}{},
		done:    make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	go q.run()
	return q
}

func (q *AsyncQueue) run() {
	defer close(q.done)
	for {
		q.mu.Lock()
		for len(q.pending) == 0 && !q.stopped {
			q.cond.Wait()
		}
		if len(q.pending) == 0 {
			q.mu.Unlock()
			return
		}
		op := q.pending[0]
		q.pending = q.pending[1:]
		failure := q.failure
		q.mu.Unlock()

		var err error
		if failure != nil {
			err = failure
		} else {
			err = q.invoke(op.fn)
		}
		if op.done != nil {
			op.done <- err
		}
	}
}

func (q *AsyncQueue) invoke(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = status.Assertf("operation panicked: %v", r)
		}
		if err != nil && status.Is(err, status.ErrAssertion) {
			q.mu.Lock()
			if q.failure == nil {
				q.failure = err
			}
			q.mu.Unlock()
			q.log.WithError(err).Error("queue operation failed; rejecting further operations")
		}
	}()
	return fn()
}

func (q *AsyncQueue) push(fn func() error, force bool) (chan error, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped || (q.shutdown && !force) {
		return nil, status.ErrCancelled.New("queue is shut down")
	}
	done := make(chan error, 1)
	q.pending = append(q.pending, operation{fn: fn, done: done})
	q.cond.Signal()
	return done, nil
}

// Enqueue runs fn on the queue and waits for its result. It must not be called from an
// operation already running on the queue; use EnqueueAndForget there.
func (q *AsyncQueue) Enqueue(ctx context.Context, fn func() error) error {
	done, err := q.push(fn, false)
	if err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// EnqueueAndForget schedules fn without waiting. Failures are logged.
func (q *AsyncQueue) EnqueueAndForget(fn func() error) {
	done, err := q.push(fn, false)
	if err != nil {
		q.log.WithError(err).Debug("dropping operation enqueued after shutdown")
		return
	}
	go func() {
		if err := <-done; err != nil && !status.Is(err, status.ErrCancelled) {
			q.log.WithError(err).Warn("queued operation failed")
		}
	}()
}

// EnqueueAfterDelay schedules fn to run on the queue once delay has elapsed.
func (q *AsyncQueue) EnqueueAfterDelay(id TimerID, delay time.Duration, fn func() error) *DelayedOperation {
	op := &DelayedOperation{q: q, ID: id, TargetTime: time.Now().Add(delay), fn: fn}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.shutdown || q.stopped {
		op.cancelled = true
		return op
	}
	q.delayed[op] = struct{}{}
	op.timer = time.AfterFunc(delay, op.fire)
	return op
}

// ContainsDelayedOperation reports whether a timer with id is pending.
func (q *AsyncQueue) ContainsDelayedOperation(id TimerID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for op := range q.delayed {
		if op.ID == id {
			return true
		}
	}
	return false
}

// RunDelayedOperationsEarly runs pending timers in target-time order, up to and including
// the first with id lastID (TimerAll runs everything), and waits for them to finish.
func (q *AsyncQueue) RunDelayedOperationsEarly(ctx context.Context, lastID TimerID) error {
	q.mu.Lock()
	ops := make([]*DelayedOperation, 0, len(q.delayed))
	for op := range q.delayed {
		ops = append(ops, op)
	}
	q.mu.Unlock()
	sort.Slice(ops, func(i, j int) bool { return ops[i].TargetTime.Before(ops[j].TargetTime) })

	for _, op := range ops {
		op.SkipDelay()
		if lastID != TimerAll && op.ID == lastID {
			break
		}
	}
	// Wait for everything enqueued so far.
	return q.Enqueue(ctx, func() error { return nil })
}

// IsShuttingDown reports whether Shutdown has been called.
func (q *AsyncQueue) IsShuttingDown() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.shutdown
}

// Shutdown rejects new work, cancels timers and pending operations, runs final as the last
// operation, and waits for the queue goroutine to exit.
func (q *AsyncQueue) Shutdown(ctx context.Context, final func() error) error {
	q.mu.Lock()
	if q.shutdown {
		q.mu.Unlock()
		return nil
	}
	q.shutdown = true
	pending := q.pending
	q.pending = nil
	for op := range q.delayed {
		op.stop()
	}
	q.delayed = map[*DelayedOperation]struct{}{}
	q.mu.Unlock()

	for _, op := range pending {
		if op.done != nil {
			op.done <- status.ErrCancelled.New("queue is shut down")
		}
	}

	var err error
	if final != nil {
		done, perr := q.push(final, true)
		if perr != nil {
			return perr
		}
		select {
		case err = <-done:
		case <-ctx.Done():
			err = ctx.Err()
		}
	}

	q.mu.Lock()
	q.stopped = true
	q.cond.Broadcast()
	q.mu.Unlock()
	<-q.done
	return err
}

// DelayedOperation is a timer that runs its function on the queue.
type DelayedOperation struct {
	q          *AsyncQueue
	ID         TimerID
	TargetTime time.Time
	fn         func() error

	timer     *time.Timer
	cancelled bool
	fired     bool
}

func (d *DelayedOperation) String() string {
	return fmt.Sprintf("%s@%s", d.ID, d.TargetTime.Format(time.RFC3339Nano))
}

func (d *DelayedOperation) fire() {
	q := d.q
	q.mu.Lock()
	if d.cancelled || d.fired {
		q.mu.Unlock()
		return
	}
	d.fired = true
	delete(q.delayed, d)
	q.mu.Unlock()

	q.EnqueueAndForget(func() error {
		q.mu.Lock()
		cancelled := d.cancelled
		q.mu.Unlock()
		if cancelled {
			return nil
		}
		return d.fn()
	})
}

// SkipDelay enqueues the operation now.
func (d *DelayedOperation) SkipDelay() {
	if d.timer != nil {
		d.timer.Stop()
	}
	d.fire()
}

// Cancel stops the operation if it has not run yet. Cancelling from a queue operation
// guarantees fn will not run afterwards.
func (d *DelayedOperation) Cancel() {
	d.q.mu.Lock()
	defer d.q.mu.Unlock()
	d.stop()
	delete(d.q.delayed, d)
}

func (d *DelayedOperation) stop() {
	d.cancelled = true
	if d.timer != nil {
		d.timer.Stop()
	}
}
