package remote

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/docsync/internal/queue"
	"github.com/steveyegge/docsync/internal/status"
)

func TestOnlineStateTracker(t *testing.T) {
	ctx := context.Background()
	q := queue.New(nil)
	defer q.Shutdown(ctx, nil)

	var states []OnlineState
	tracker := NewOnlineStateTracker(q, nil, func(s OnlineState) error {
		states = append(states, s)
		return nil
	})
	run := func(fn func() error) { require.NoError(t, q.Enqueue(ctx, fn)) }

	// A stream that never connects goes offline after the timeout.
	run(tracker.HandleWatchStreamStart)
	assert.True(t, q.ContainsDelayedOperation(queue.TimerOnlineStateTimeout))
	require.NoError(t, q.RunDelayedOperationsEarly(ctx, queue.TimerOnlineStateTimeout))
	run(func() error {
		assert.Equal(t, OnlineStateOffline, tracker.State())
		return nil
	})

	run(func() error { return tracker.Set(OnlineStateOnline) })

	// Losing an established stream is not proof of being offline.
	run(func() error { return tracker.HandleWatchStreamFailure(status.New(status.Unavailable, "reset")) })
	run(func() error {
		assert.Equal(t, OnlineStateUnknown, tracker.State())
		return nil
	})

	run(func() error { return tracker.HandleWatchStreamFailure(status.New(status.Unavailable, "reset")) })
	run(func() error {
		assert.Equal(t, OnlineStateOffline, tracker.State())
		return nil
	})
	run(func() error {
		assert.Equal(t, []OnlineState{OnlineStateOffline, OnlineStateOnline, OnlineStateUnknown, OnlineStateOffline}, states)
		return nil
	})
}

func TestOnlineStateSetCancelsTimeout(t *testing.T) {
	ctx := context.Background()
	q := queue.New(nil)
	defer q.Shutdown(ctx, nil)
	tracker := NewOnlineStateTracker(q, nil, nil)

	require.NoError(t, q.Enqueue(ctx, tracker.HandleWatchStreamStart))
	require.NoError(t, q.Enqueue(ctx, func() error { return tracker.Set(OnlineStateOnline) }))
	assert.False(t, q.ContainsDelayedOperation(queue.TimerOnlineStateTimeout))
}
