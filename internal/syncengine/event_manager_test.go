package syncengine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/remote"
	"github.com/steveyegge/docsync/internal/status"
)

type observed struct {
	snaps []*ViewSnapshot
	errs  []error
}

func (o *observed) observer() Observer {
	return func(snap *ViewSnapshot, err error) {
		if err != nil {
			o.errs = append(o.errs, err)
			return
		}
		o.snaps = append(o.snaps, snap)
	}
}

func newEventFixture(t *testing.T) (*fixture, *EventManager) {
	f := newFixture(t, Options{})
	return f, NewEventManager(f.engine)
}

func TestEventManagerSharesOneListen(t *testing.T) {
	f, m := newEventFixture(t)
	var a, b observed
	la := NewQueryListener(roomsQuery(), ListenOptions{}, a.observer())
	lb := NewQueryListener(roomsQuery(), ListenOptions{}, b.observer())

	require.NoError(t, m.Listen(f.ctx, la))
	require.NoError(t, m.Listen(f.ctx, lb))
	targetID := onlyTarget(t, f.remote)

	f.snapshot(t, 1, targetID, true, []*model.MutableDocument{doc("rooms/a", 1, nil)})
	require.Len(t, a.snaps, 1)
	require.Len(t, b.snaps, 1)
	assert.False(t, a.snaps[0].FromCache)

	require.NoError(t, m.Unlisten(f.ctx, la))
	assert.Empty(t, f.remote.unlistens)
	require.NoError(t, m.Unlisten(f.ctx, lb))
	assert.Equal(t, []int{targetID}, f.remote.unlistens)
}

func TestEmptyCachedResultWaitsForBackendOrOffline(t *testing.T) {
	f, m := newEventFixture(t)
	var o observed
	require.NoError(t, m.Listen(f.ctx, NewQueryListener(roomsQuery(), ListenOptions{}, o.observer())))
	assert.Empty(t, o.snaps, "an empty cache result is not worth raising yet")

	require.NoError(t, f.engine.ApplyOnlineStateChange(remote.OnlineStateOffline))
	require.Len(t, o.snaps, 1)
	assert.True(t, o.snaps[0].FromCache)
	assert.Equal(t, 0, o.snaps[0].Docs.Len())
}

func TestWaitForSyncWhenOnline(t *testing.T) {
	f, m := newEventFixture(t)
	require.NoError(t, f.engine.Write(f.ctx, []model.Mutation{setRoom("rooms/a", 1)}, nil))

	var eager, patient observed
	require.NoError(t, m.Listen(f.ctx, NewQueryListener(roomsQuery(), ListenOptions{}, eager.observer())))
	require.NoError(t, m.Listen(f.ctx, NewQueryListener(roomsQuery(), ListenOptions{WaitForSyncWhenOnline: true}, patient.observer())))
	require.Len(t, eager.snaps, 1)
	assert.True(t, eager.snaps[0].FromCache)
	assert.Empty(t, patient.snaps)

	f.snapshot(t, 1, onlyTarget(t, f.remote), true, nil)
	require.Len(t, patient.snaps, 1)
	assert.False(t, patient.snaps[0].FromCache)
	assert.Equal(t, 1, patient.snaps[0].Docs.Len())
}

func TestMetadataChangesAreOptIn(t *testing.T) {
	f, m := newEventFixture(t)
	var plain, meta observed
	require.NoError(t, m.Listen(f.ctx, NewQueryListener(roomsQuery(), ListenOptions{}, plain.observer())))
	require.NoError(t, m.Listen(f.ctx, NewQueryListener(roomsQuery(), ListenOptions{IncludeMetadataChanges: true}, meta.observer())))
	targetID := onlyTarget(t, f.remote)

	f.snapshot(t, 1, targetID, true, []*model.MutableDocument{doc("rooms/a", 1, nil)})
	require.Len(t, plain.snaps, 1)
	require.Len(t, meta.snaps, 1)
	assert.True(t, plain.snaps[0].ExcludesMetadataChanges)

	// Going offline only changes the sync state.
	require.NoError(t, f.engine.ApplyOnlineStateChange(remote.OnlineStateOffline))
	assert.Len(t, plain.snaps, 1)
	require.Len(t, meta.snaps, 2)
	assert.True(t, meta.snaps[1].FromCache)
	assert.False(t, meta.snaps[1].ExcludesMetadataChanges)
}

func TestWatchErrorEndsListeners(t *testing.T) {
	f, m := newEventFixture(t)
	var o observed
	require.NoError(t, m.Listen(f.ctx, NewQueryListener(roomsQuery(), ListenOptions{}, o.observer())))

	denied := status.New(status.PermissionDenied, "no")
	require.NoError(t, f.engine.RejectListen(f.ctx, onlyTarget(t, f.remote), denied))
	assert.Equal(t, []error{denied}, o.errs)
	assert.Empty(t, m.queries)
}
