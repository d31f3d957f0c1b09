package lease

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/docsync/internal/queue"
	"github.com/steveyegge/docsync/internal/status"
	"github.com/steveyegge/docsync/internal/storage"
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
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	store *storage.Store
	queue *queue.AsyncQueue
	clock *fakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := storage.OpenMemory(storage.Options{RetryInitialInterval: time.Millisecond, RetryMaxInterval: time.Millisecond})
	q := queue.New(nil)
	t.Cleanup(func() {
		q.Shutdown(context.Background(), nil)
		s.Close()
	})
	return &fixture{store: s, queue: q, clock: &fakeClock{now: time.Unix(1700000000, 0)}}
}

func (f *fixture) manager(id string, allowSharing bool) *Manager {
	return NewManager(f.store, f.queue, Options{
		ClientID:        id,
		AllowSharing:    allowSharing,
		RefreshInterval: time.Hour,
		Now:             f.clock.Now,
	})
}

func TestFirstClientBecomesPrimary(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.manager("a", true)
	changes := a.Subscribe()
	require.NoError(t, a.Start(ctx))
	assert.True(t, a.IsPrimary())
	assert.True(t, <-changes)
	assert.True(t, f.queue.ContainsDelayedOperation(queue.TimerClientMetadataRefresh))

	b := f.manager("b", true)
	require.NoError(t, b.Start(ctx))
	assert.False(t, b.IsPrimary())

	ids, err := a.ActiveClients(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, ids)
}

func TestExpiredLeaseIsTakenOver(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.manager("a", true)
	b := f.manager("b", true)
	require.NoError(t, a.Start(ctx))
	require.NoError(t, b.Start(ctx))
	require.False(t, b.IsPrimary())

	f.clock.Advance(DefaultMaxAge + time.Second)
	require.NoError(t, b.UpdateClientMetadataAndTryBecomePrimary(ctx))
	assert.True(t, b.IsPrimary())

	// a only notices when its next primary-only transaction fails the lease check.
	err := f.store.RunTransaction(ctx, "write", storage.ReadWritePrimary, func(*storage.Tx) error { return nil })
	assert.NoError(t, err, "the store now checks b's lease")
	require.NoError(t, f.store.RunTransaction(ctx, "check a", storage.ReadOnly, func(tx *storage.Tx) error {
		held, err := a.VerifyPrimary(tx)
		require.NoError(t, err)
		assert.False(t, held)
		return nil
	}))
	assert.False(t, a.IsPrimary())
}

func TestPrimaryOnlyTransactionsFailForSecondary(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.manager("a", true)
	b := f.manager("b", true)
	require.NoError(t, a.Start(ctx))
	require.NoError(t, b.Start(ctx))

	// The store checks whichever manager started last.
	err := f.store.RunTransaction(ctx, "write", storage.ReadWritePrimary, func(*storage.Tx) error { return nil })
	assert.True(t, status.Is(err, status.ErrPrimaryLeaseLost))
}

func TestExclusiveLeaseRejectsOtherClients(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.manager("a", false)
	require.NoError(t, a.Start(ctx))

	b := f.manager("b", true)
	err := b.Start(ctx)
	require.Error(t, err)
	assert.Equal(t, status.FailedPrecondition, status.CodeOf(err))
}

func TestNetworkDisabledPrimaryYieldsToBetterClient(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.manager("a", true)
	b := f.manager("b", true)
	require.NoError(t, a.Start(ctx))
	require.NoError(t, b.Start(ctx))

	require.NoError(t, a.SetNetworkEnabled(ctx, false))
	assert.False(t, a.IsPrimary())

	require.NoError(t, b.UpdateClientMetadataAndTryBecomePrimary(ctx))
	assert.True(t, b.IsPrimary())
}

func TestShutdownReleasesLease(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.manager("a", true)
	b := f.manager("b", true)
	require.NoError(t, a.Start(ctx))
	require.NoError(t, b.Start(ctx))

	require.NoError(t, a.Shutdown(ctx))
	assert.False(t, a.IsPrimary())

	require.NoError(t, b.UpdateClientMetadataAndTryBecomePrimary(ctx))
	assert.True(t, b.IsPrimary())

	ids, err := b.ActiveClients(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, ids)
}

func TestStaleClientMetadataIsRemoved(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.manager("a", true)
	b := f.manager("b", true)
	require.NoError(t, a.Start(ctx))
	require.NoError(t, b.Start(ctx))

	f.clock.Advance(ClientMetadataMaxAge + time.Minute)
	require.NoError(t, a.UpdateClientMetadataAndTryBecomePrimary(ctx))
	ids, err := a.ActiveClients(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids)
}

func TestClientIDsAreUnique(t *testing.T) {
	assert.NotEqual(t, NewClientID(), NewClientID())
	m := NewManager(nil, nil, Options{})
	assert.Len(t, m.ClientID(), 26)
}
