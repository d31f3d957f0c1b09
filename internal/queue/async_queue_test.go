package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/docsync/internal/status"
)

func TestOperationsRunInOrder(t *testing.T) {
	q := New(nil)
	defer q.Shutdown(context.Background(), nil)

	var mu sync.Mutex
	var got []int
	for i := 0; i < 50; i++ {
		i := i
		q.EnqueueAndForget(func() error {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
			return nil
		})
	}
	require.NoError(t, q.Enqueue(context.Background(), func() error { return nil }))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 50)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestEnqueueReturnsOperationError(t *testing.T) {
	q := New(nil)
	defer q.Shutdown(context.Background(), nil)

	boom := errors.New("boom")
	assert.ErrorIs(t, q.Enqueue(context.Background(), func() error { return boom }), boom)
	// Ordinary errors do not poison the queue.
	assert.NoError(t, q.Enqueue(context.Background(), func() error { return nil }))
}

func TestAssertionFailurePoisonsQueue(t *testing.T) {
	q := New(nil)
	defer q.Shutdown(context.Background(), nil)

	err := q.Enqueue(context.Background(), func() error { panic("broken invariant") })
	require.True(t, status.Is(err, status.ErrAssertion))

	ran := false
	err = q.Enqueue(context.Background(), func() error { ran = true; return nil })
	assert.True(t, status.Is(err, status.ErrAssertion))
	assert.False(t, ran)
}

func TestDelayedOperations(t *testing.T) {
	ctx := context.Background()

	t.Run("run early in target order", func(t *testing.T) {
		q := New(nil)
		defer q.Shutdown(ctx, nil)

		var order []TimerID
		q.EnqueueAfterDelay(TimerGarbageCollection, time.Hour, func() error {
			order = append(order, TimerGarbageCollection)
			return nil
		})
		q.EnqueueAfterDelay(TimerListenStreamBackoff, time.Minute, func() error {
			order = append(order, TimerListenStreamBackoff)
			return nil
		})
		assert.True(t, q.ContainsDelayedOperation(TimerGarbageCollection))

		require.NoError(t, q.RunDelayedOperationsEarly(ctx, TimerListenStreamBackoff))
		require.NoError(t, q.Enqueue(ctx, func() error {
			assert.Equal(t, []TimerID{TimerListenStreamBackoff}, order)
			return nil
		}))
		assert.True(t, q.ContainsDelayedOperation(TimerGarbageCollection))
		assert.False(t, q.ContainsDelayedOperation(TimerListenStreamBackoff))

		require.NoError(t, q.RunDelayedOperationsEarly(ctx, TimerAll))
		require.NoError(t, q.Enqueue(ctx, func() error {
			assert.Equal(t, []TimerID{TimerListenStreamBackoff, TimerGarbageCollection}, order)
			return nil
		}))
	})

	t.Run("cancelled timers never run", func(t *testing.T) {
		q := New(nil)
		defer q.Shutdown(ctx, nil)

		ran := false
		op := q.EnqueueAfterDelay(TimerOnlineStateTimeout, 10*time.Millisecond, func() error {
			ran = true
			return nil
		})
		op.Cancel()
		time.Sleep(30 * time.Millisecond)
		require.NoError(t, q.Enqueue(ctx, func() error { return nil }))
		assert.False(t, ran)
		assert.False(t, q.ContainsDelayedOperation(TimerOnlineStateTimeout))
	})

	t.Run("timers fire on their own", func(t *testing.T) {
		q := New(nil)
		defer q.Shutdown(ctx, nil)

		fired := make(chan struct{})
		q.EnqueueAfterDelay(TimerIndexBackfill, 5*time.Millisecond, func() error {
			close(fired)
			return nil
		})
		select {
		case <-fired:
		case <-time.After(2 * time.Second):
			t.Fatal("timer did not fire")
		}
	})
}

func TestShutdown(t *testing.T) {
	ctx := context.Background()
	q := New(nil)

	block := make(chan struct{})
	started := make(chan struct{})
	q.EnqueueAndForget(func() error {
		close(started)
		<-block
		return nil
	})
	<-started

	pendingErr := make(chan error, 1)
	go func() {
		pendingErr <- q.Enqueue(ctx, func() error { return nil })
	}()
	// Give the second operation time to queue behind the blocked one.
	time.Sleep(20 * time.Millisecond)

	finalRan := false
	shutdownErr := make(chan error, 1)
	go func() {
		shutdownErr <- q.Shutdown(ctx, func() error { finalRan = true; return nil })
	}()
	time.Sleep(20 * time.Millisecond)
	close(block)

	require.NoError(t, <-shutdownErr)
	assert.True(t, finalRan)
	assert.True(t, status.Is(<-pendingErr, status.ErrCancelled))
	assert.True(t, q.IsShuttingDown())

	err := q.Enqueue(ctx, func() error { return nil })
	assert.True(t, status.Is(err, status.ErrCancelled))
}
