package syncengine

import (
	"context"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/docsync/internal/local"
	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/remote"
	"github.com/steveyegge/docsync/internal/status"
	"github.com/steveyegge/docsync/internal/storage"
)

var alice = model.User{UID: "alice"}

type fakeRemote struct {
	listens   map[int]model.TargetData
	unlistens []int
	fills     int
}

func (r *fakeRemote) Listen(td model.TargetData) error {
	r.listens[td.TargetID] = td
	return nil
}

func (r *fakeRemote) Unlisten(targetID int) error {
	delete(r.listens, targetID)
	r.unlistens = append(r.unlistens, targetID)
	return nil
}

func (r *fakeRemote) FillWritePipeline() error {
	r.fills++
	return nil
}

// recorder is a Listener that keeps everything it is told.
type recorder struct {
	snapshots []*ViewSnapshot
	errs      map[string]error
	states    []remote.OnlineState
}

func (r *recorder) OnWatchChange(snaps []*ViewSnapshot) { r.snapshots = append(r.snapshots, snaps...) }
func (r *recorder) OnWatchError(q model.Query, err error) {
	r.errs[q.CanonicalID()] = err
}
func (r *recorder) OnOnlineStateChange(s remote.OnlineState) { r.states = append(r.states, s) }

func (r *recorder) last(t *testing.T) *ViewSnapshot {
	t.Helper()
	require.NotEmpty(t, r.snapshots)
	return r.snapshots[len(r.snapshots)-1]
}

type fixture struct {
	ctx    context.Context
	local  *local.LocalStore
	engine *SyncEngine
	remote *fakeRemote
	events *recorder
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	ctx := context.Background()
	s := storage.OpenMemory(storage.Options{})
	t.Cleanup(func() { s.Close() })
	l := local.NewLocalStore(s, alice, local.Options{})
	require.NoError(t, l.Start(ctx))

	f := &fixture{
		ctx:    ctx,
		local:  l,
		engine: New(l, alice, opts),
		remote: &fakeRemote{listens: map[int]model.TargetData{}},
		events: &recorder{errs: map[string]error{}},
	}
	f.engine.SetRemoteStore(f.remote)
	f.engine.SetListener(f.events)
	return f
}

// snapshot applies a watch snapshot at v that reports docs as the target's members.
func (f *fixture) snapshot(t *testing.T, v int64, targetID int, current bool, added []*model.MutableDocument, removed ...string) {
	t.Helper()
	ev := model.NewRemoteEvent(version(v))
	tc := model.NewTargetChange()
	tc.Current = current
	tc.ResumeToken = []byte("token")
	for _, d := range added {
		tc.AddedDocuments.Add(d.Key())
		ev.DocumentUpdates[d.Key()] = d
	}
	for _, p := range removed {
		tc.RemovedDocuments.Add(model.MustKey(p))
	}
	ev.TargetChanges[targetID] = tc
	require.NoError(t, f.engine.ApplyRemoteEvent(f.ctx, ev))
}

func setRoom(path string, n int) model.Mutation {
	return model.NewSetMutation(model.MustKey(path), model.ObjectFromGo(map[string]interface{}{"n": n}), model.PreconditionNone())
}

func TestListenRaisesInitialSnapshot(t *testing.T) {
	f := newFixture(t, Options{})
	snap, err := f.engine.Listen(f.ctx, roomsQuery(), true)
	require.NoError(t, err)
	assert.True(t, snap.FromCache)
	assert.Equal(t, 0, snap.Docs.Len())

	require.Len(t, f.remote.listens, 1)
	for id, td := range f.remote.listens {
		assert.Zero(t, id%2, "query targets take even ids")
		assert.Equal(t, model.PurposeListen, td.Purpose)
	}

	// Listening without the backend leaves the remote store alone.
	_, err = f.engine.Listen(f.ctx, model.NewQuery(model.NewResourcePath("users")), false)
	require.NoError(t, err)
	assert.Len(t, f.remote.listens, 1)
}

func TestWriteRaisesLatencyCompensatedSnapshot(t *testing.T) {
	f := newFixture(t, Options{})
	_, err := f.engine.Listen(f.ctx, roomsQuery(), true)
	require.NoError(t, err)

	var outcome error = status.ErrCancelled.New("not called")
	require.NoError(t, f.engine.Write(f.ctx, []model.Mutation{setRoom("rooms/a", 1)}, func(err error) { outcome = err }))
	assert.Equal(t, 1, f.remote.fills)

	snap := f.events.last(t)
	assert.Equal(t, []string{"rooms/a"}, changeKeys(snap.DocumentChanges, ChangeAdded))
	assert.True(t, snap.HasPendingWrites())

	batch, err := f.local.NextMutationBatch(f.ctx, model.UnknownBatchID)
	require.NoError(t, err)
	require.NotNil(t, batch)
	res, err := model.NewMutationBatchResult(batch, version(5), []model.MutationResult{{Version: version(5)}}, []byte("stream"))
	require.NoError(t, err)
	require.NoError(t, f.engine.ApplySuccessfulWrite(f.ctx, res))
	assert.NoError(t, outcome)
}

func TestRejectedWriteRevertsView(t *testing.T) {
	f := newFixture(t, Options{})
	_, err := f.engine.Listen(f.ctx, roomsQuery(), true)
	require.NoError(t, err)

	var outcome error
	require.NoError(t, f.engine.Write(f.ctx, []model.Mutation{setRoom("rooms/a", 1)}, func(err error) { outcome = err }))
	batch, err := f.local.NextMutationBatch(f.ctx, model.UnknownBatchID)
	require.NoError(t, err)

	denied := status.New(status.PermissionDenied, "no")
	require.NoError(t, f.engine.RejectFailedWrite(f.ctx, batch.BatchID, denied))
	assert.Equal(t, denied, outcome)
	snap := f.events.last(t)
	assert.Equal(t, []string{"rooms/a"}, changeKeys(snap.DocumentChanges, ChangeRemoved))
	assert.False(t, snap.HasPendingWrites())
}

func TestRemoteEventSyncsView(t *testing.T) {
	f := newFixture(t, Options{})
	_, err := f.engine.Listen(f.ctx, roomsQuery(), true)
	require.NoError(t, err)
	targetID := onlyTarget(t, f.remote)

	f.snapshot(t, 1, targetID, true, []*model.MutableDocument{doc("rooms/a", 1, map[string]interface{}{"n": 1})})
	snap := f.events.last(t)
	assert.False(t, snap.FromCache)
	assert.True(t, snap.SyncStateChanged)
	assert.Equal(t, []string{"rooms/a"}, changeKeys(snap.DocumentChanges, ChangeAdded))
	assert.Equal(t, model.NewDocumentKeySet(model.MustKey("rooms/a")), f.engine.GetRemoteKeysForTarget(targetID))
}

func TestRepeatedRemoteEventChangesNothing(t *testing.T) {
	f := newFixture(t, Options{})
	_, err := f.engine.Listen(f.ctx, roomsQuery(), true)
	require.NoError(t, err)
	targetID := onlyTarget(t, f.remote)
	docs := []*model.MutableDocument{
		doc("rooms/a", 1, map[string]interface{}{"n": 1}),
		doc("rooms/b", 1, map[string]interface{}{"n": 2}),
	}

	f.snapshot(t, 1, targetID, true, docs)
	raised := len(f.events.snapshots)
	before, err := f.local.ExecuteQuery(f.ctx, roomsQuery(), true)
	require.NoError(t, err)

	f.snapshot(t, 1, targetID, true, docs)
	assert.Len(t, f.events.snapshots, raised)
	after, err := f.local.ExecuteQuery(f.ctx, roomsQuery(), true)
	require.NoError(t, err)
	assert.Equal(t, documentKeys(before.Documents), documentKeys(after.Documents))
	assert.True(t, before.RemoteKeys.Equal(after.RemoteKeys))
	for key, d := range before.Documents {
		assert.True(t, d.Data().Equal(after.Documents[key].Data()), "data of %s", key)
	}
}

func documentKeys(docs map[model.DocumentKey]*model.MutableDocument) []string {
	var out []string
	for k := range docs {
		out = append(out, k.String())
	}
	sort.Strings(out)
	return out
}

func onlyTarget(t *testing.T, r *fakeRemote) int {
	t.Helper()
	require.Len(t, r.listens, 1)
	for id := range r.listens {
		return id
	}
	return 0
}

// limboTargets returns the limbo resolutions the remote store is listening to.
func limboTargets(r *fakeRemote) map[int]model.TargetData {
	out := map[int]model.TargetData{}
	for id, td := range r.listens {
		if td.Purpose == model.PurposeLimboResolution {
			out[id] = td
		}
	}
	return out
}

func TestLimboDocumentIsResolved(t *testing.T) {
	f := newFixture(t, Options{})
	_, err := f.engine.Listen(f.ctx, roomsQuery(), true)
	require.NoError(t, err)
	targetID := onlyTarget(t, f.remote)

	f.snapshot(t, 1, targetID, true, []*model.MutableDocument{doc("rooms/a", 1, nil), doc("rooms/b", 1, nil)})
	// The backend drops rooms/b from the target without saying why.
	f.snapshot(t, 2, targetID, true, nil, "rooms/b")

	limbo := limboTargets(f.remote)
	require.Len(t, limbo, 1)
	var limboID int
	for id, td := range limbo {
		limboID = id
		assert.Equal(t, 1, id%2, "limbo targets take odd ids")
		assert.True(t, td.Target.IsDocumentTarget())
	}
	assert.Equal(t, map[model.DocumentKey]int{model.MustKey("rooms/b"): limboID}, f.engine.ActiveLimboDocumentResolutions())
	assert.True(t, f.events.last(t).FromCache)
	assert.Empty(t, f.engine.GetRemoteKeysForTarget(limboID))

	// The lookup finds the document deleted.
	ev := model.NewRemoteEvent(version(3))
	tc := model.NewTargetChange()
	tc.Current = true
	ev.TargetChanges[limboID] = tc
	ev.DocumentUpdates[model.MustKey("rooms/b")] = model.NewNoDocument(model.MustKey("rooms/b"), version(3))
	ev.ResolvedLimboDocuments.Add(model.MustKey("rooms/b"))
	require.NoError(t, f.engine.ApplyRemoteEvent(f.ctx, ev))

	snap := f.events.last(t)
	assert.Equal(t, []string{"rooms/b"}, changeKeys(snap.DocumentChanges, ChangeRemoved))
	assert.False(t, snap.FromCache)
	assert.Contains(t, f.remote.unlistens, limboID)
	assert.Empty(t, f.engine.ActiveLimboDocumentResolutions())
}

func TestLimboResolutionsAreBounded(t *testing.T) {
	f := newFixture(t, Options{MaxConcurrentLimboResolutions: 1})
	_, err := f.engine.Listen(f.ctx, roomsQuery(), true)
	require.NoError(t, err)
	targetID := onlyTarget(t, f.remote)

	f.snapshot(t, 1, targetID, true, []*model.MutableDocument{doc("rooms/a", 1, nil), doc("rooms/b", 1, nil), doc("rooms/c", 1, nil)})
	f.snapshot(t, 2, targetID, true, nil, "rooms/b", "rooms/c")

	require.Len(t, limboTargets(f.remote), 1)
	assert.Equal(t, []model.DocumentKey{model.MustKey("rooms/c")}, f.engine.EnqueuedLimboDocumentResolutions())
	first, ok := f.engine.ActiveLimboDocumentResolutions()[model.MustKey("rooms/b")]
	require.True(t, ok)

	// A rejected lookup counts as a delete and frees the slot for the next key.
	require.NoError(t, f.engine.RejectListen(f.ctx, first, status.New(status.PermissionDenied, "no")))
	assert.Empty(t, f.engine.EnqueuedLimboDocumentResolutions())
	active := f.engine.ActiveLimboDocumentResolutions()
	require.Contains(t, active, model.MustKey("rooms/c"))
	assert.Equal(t, first+2, active[model.MustKey("rooms/c")])
	assert.Equal(t, []string{"rooms/b"}, changeKeys(f.events.last(t).DocumentChanges, ChangeRemoved))
}

func TestRejectListenReportsError(t *testing.T) {
	f := newFixture(t, Options{})
	q := roomsQuery()
	_, err := f.engine.Listen(f.ctx, q, true)
	require.NoError(t, err)

	denied := status.New(status.PermissionDenied, "no")
	require.NoError(t, f.engine.RejectListen(f.ctx, onlyTarget(t, f.remote), denied))
	assert.Equal(t, denied, f.events.errs[q.CanonicalID()])
	assert.Error(t, f.engine.Unlisten(f.ctx, q, true), "the query is gone")
}

func TestUnlistenReleasesTarget(t *testing.T) {
	f := newFixture(t, Options{})
	q := roomsQuery()
	_, err := f.engine.Listen(f.ctx, q, true)
	require.NoError(t, err)
	targetID := onlyTarget(t, f.remote)

	require.NoError(t, f.engine.Unlisten(f.ctx, q, true))
	assert.Equal(t, []int{targetID}, f.remote.unlistens)
	assert.Equal(t, uint64(0), f.local.ActiveTargetIDs().GetCardinality())
}

func TestOnlineStateChangeMarksViewsStale(t *testing.T) {
	f := newFixture(t, Options{})
	_, err := f.engine.Listen(f.ctx, roomsQuery(), true)
	require.NoError(t, err)
	f.snapshot(t, 1, onlyTarget(t, f.remote), true, []*model.MutableDocument{doc("rooms/a", 1, nil)})
	before := len(f.events.snapshots)

	require.NoError(t, f.engine.ApplyOnlineStateChange(remote.OnlineStateOffline))
	assert.Equal(t, []remote.OnlineState{remote.OnlineStateOffline}, f.events.states)
	require.Len(t, f.events.snapshots, before+1)
	assert.True(t, f.events.last(t).FromCache)
}

func TestPendingWritesCallback(t *testing.T) {
	f := newFixture(t, Options{})

	var immediate []error
	require.NoError(t, f.engine.RegisterPendingWritesCallback(f.ctx, func(err error) { immediate = append(immediate, err) }))
	assert.Equal(t, []error{nil}, immediate)

	require.NoError(t, f.engine.Write(f.ctx, []model.Mutation{setRoom("rooms/a", 1)}, nil))
	called := false
	require.NoError(t, f.engine.RegisterPendingWritesCallback(f.ctx, func(err error) {
		called = true
		assert.NoError(t, err)
	}))
	assert.False(t, called)

	batch, err := f.local.NextMutationBatch(f.ctx, model.UnknownBatchID)
	require.NoError(t, err)
	require.NoError(t, f.engine.RejectFailedWrite(f.ctx, batch.BatchID, status.New(status.InvalidArgument, "bad")))
	assert.True(t, called)
}

func TestCredentialChangeCancelsPendingWritesWait(t *testing.T) {
	f := newFixture(t, Options{})
	require.NoError(t, f.engine.Write(f.ctx, []model.Mutation{setRoom("rooms/a", 1)}, nil))

	var got error
	require.NoError(t, f.engine.RegisterPendingWritesCallback(f.ctx, func(err error) { got = err }))
	require.NoError(t, f.engine.HandleCredentialChange(f.ctx, model.User{UID: "bob"}))
	assert.True(t, status.Is(got, status.ErrCancelled))
	assert.Equal(t, "bob", f.local.User().UID)

	// Bob has no queued writes.
	batch, err := f.local.NextMutationBatch(f.ctx, model.UnknownBatchID)
	require.NoError(t, err)
	assert.Nil(t, batch)
}
