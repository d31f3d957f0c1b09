package syncengine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/remote"
	"github.com/steveyegge/docsync/internal/status"
)

type batchUpdate struct {
	batchID int
	keys    []string
	err     error
}

type sharedRecorder struct {
	pending []int
	updates []batchUpdate
	changed [][]string
	states  []remote.OnlineState
}

func (r *sharedRecorder) AddPendingMutation(_ model.User, batchID int) {
	r.pending = append(r.pending, batchID)
}

func (r *sharedRecorder) UpdateMutationState(_ model.User, batchID int, keys model.DocumentKeySet, err error) {
	r.updates = append(r.updates, batchUpdate{batchID: batchID, keys: keyStrings(keys), err: err})
}

func (r *sharedRecorder) NotifyDocumentsChanged(keys model.DocumentKeySet) {
	r.changed = append(r.changed, keyStrings(keys))
}

func (r *sharedRecorder) SetOnlineState(state remote.OnlineState) {
	r.states = append(r.states, state)
}

func keyStrings(keys model.DocumentKeySet) []string {
	var out []string
	for _, k := range keys.Sorted() {
		out = append(out, k.String())
	}
	return out
}

func TestSharedStateReportsWritesAndOnlineState(t *testing.T) {
	f := newFixture(t, Options{})
	shared := &sharedRecorder{}
	f.engine.SetSharedState(shared)

	require.NoError(t, f.engine.Write(f.ctx, []model.Mutation{setRoom("rooms/a", 1)}, nil))
	batch, err := f.local.NextMutationBatch(f.ctx, model.UnknownBatchID)
	require.NoError(t, err)
	assert.Equal(t, []int{batch.BatchID}, shared.pending)

	denied := status.New(status.PermissionDenied, "no")
	require.NoError(t, f.engine.RejectFailedWrite(f.ctx, batch.BatchID, denied))
	require.Len(t, shared.updates, 1)
	assert.Equal(t, batchUpdate{batchID: batch.BatchID, keys: []string{"rooms/a"}, err: denied}, shared.updates[0])

	require.NoError(t, f.engine.ApplyOnlineStateChange(remote.OnlineStateOnline))
	assert.Equal(t, []remote.OnlineState{remote.OnlineStateOnline}, shared.states)

	// A secondary keeps its own online state to itself.
	require.NoError(t, f.engine.SetPrimary(false))
	require.NoError(t, f.engine.ApplyOnlineStateChange(remote.OnlineStateOffline))
	assert.Len(t, shared.states, 1)
}

func TestApplyBatchStateResolvesWrite(t *testing.T) {
	f := newFixture(t, Options{})
	_, err := f.engine.Listen(f.ctx, roomsQuery(), true)
	require.NoError(t, err)

	var outcome error = status.ErrCancelled.New("not called")
	require.NoError(t, f.engine.Write(f.ctx, []model.Mutation{setRoom("rooms/a", 1)}, func(err error) { outcome = err }))
	batch, err := f.local.NextMutationBatch(f.ctx, model.UnknownBatchID)
	require.NoError(t, err)
	keys := batch.Keys()

	// Batches of another user are not ours to resolve.
	require.NoError(t, f.engine.ApplyBatchState(f.ctx, model.User{UID: "bob"}, batch.BatchID, keys, nil))
	assert.Error(t, outcome)

	require.NoError(t, f.engine.ApplyBatchState(f.ctx, alice, batch.BatchID, keys, nil))
	assert.NoError(t, outcome)
}

func TestApplyDocumentChangesRaisesSnapshot(t *testing.T) {
	f := newFixture(t, Options{})
	_, err := f.engine.Listen(f.ctx, roomsQuery(), true)
	require.NoError(t, err)
	before := len(f.events.snapshots)

	// Another client wrote through the shared store.
	res, err := f.local.LocalWrite(f.ctx, []model.Mutation{setRoom("rooms/b", 2)})
	require.NoError(t, err)
	assert.Len(t, f.events.snapshots, before)

	keys := model.NewDocumentKeySet()
	for k := range res.Changes {
		keys.Add(k)
	}
	require.NoError(t, f.engine.ApplyDocumentChanges(f.ctx, keys))
	require.Len(t, f.events.snapshots, before+1)
	assert.Equal(t, []string{"rooms/b"}, changeKeys(f.events.last(t).DocumentChanges, ChangeAdded))

	require.NoError(t, f.engine.ApplyDocumentChanges(f.ctx, model.NewDocumentKeySet()))
	assert.Len(t, f.events.snapshots, before+1)
}

func TestApplySharedOnlineStateIgnoredByPrimary(t *testing.T) {
	f := newFixture(t, Options{})
	require.NoError(t, f.engine.ApplySharedOnlineState(remote.OnlineStateOffline))
	assert.Empty(t, f.events.states)

	require.NoError(t, f.engine.SetPrimary(false))
	assert.False(t, f.engine.IsPrimary())
	require.NoError(t, f.engine.ApplySharedOnlineState(remote.OnlineStateOffline))
	assert.Equal(t, []remote.OnlineState{remote.OnlineStateOffline}, f.events.states)
}
