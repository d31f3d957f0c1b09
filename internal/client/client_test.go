package client

import (
	"context"
	"testing"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/docsync/internal/config"
	"github.com/steveyegge/docsync/internal/logging"
	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/remote"
	"github.com/steveyegge/docsync/internal/sharedstate"
	"github.com/steveyegge/docsync/internal/status"
	"github.com/steveyegge/docsync/internal/syncengine"
)

func memorySettings() *config.Settings {
	s := config.DefaultSettings()
	s.Persistence = config.PersistenceConfig{Backend: config.BackendMemory}
	return s
}

func newTestClient(t *testing.T, s *config.Settings) *Client {
	t.Helper()
	discard := logging.Discard().Logger
	c, err := New(context.Background(), Options{Settings: s, Logger: discard})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Terminate(context.Background()) })
	return c
}

func rooms() model.Query { return model.NewQuery(model.NewResourcePath("rooms")) }

func setRoom(path string, n int) model.Mutation {
	return model.NewSetMutation(model.MustKey(path), model.ObjectFromGo(map[string]interface{}{"n": n}), model.PreconditionNone())
}

func signedToken(t *testing.T, sub string) string {
	t.Helper()
	tok, err := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"sub": sub,
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("test-key"))
	require.NoError(t, err)
	return tok
}

type snapshots chan *syncengine.ViewSnapshot

func (s snapshots) observe(t *testing.T) func(*syncengine.ViewSnapshot, error) {
	return func(snap *syncengine.ViewSnapshot, err error) {
		if err != nil {
			t.Errorf("listener error: %v", err)
			return
		}
		s <- snap
	}
}

func (s snapshots) next(t *testing.T) *syncengine.ViewSnapshot {
	t.Helper()
	select {
	case snap := <-s:
		return snap
	case <-time.After(5 * time.Second):
		t.Fatal("no snapshot raised")
		return nil
	}
}

func TestOfflineClientStartsAsPrimary(t *testing.T) {
	c := newTestClient(t, memorySettings())
	ctx := context.Background()

	st, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, c.ClientID(), st.ClientID)
	assert.Equal(t, "memory", st.Backend)
	assert.True(t, st.Primary)
	assert.Equal(t, "offline", st.OnlineState)
	assert.Equal(t, []string{c.ClientID()}, st.ActiveClients)
	assert.False(t, st.HasUnacknowledgedWrites)

	state, err := c.GetOnlineState(ctx)
	require.NoError(t, err)
	assert.Equal(t, remote.OnlineStateOffline, state)

	err = c.EnableNetwork(ctx)
	assert.True(t, status.Is(err, status.ErrInvalidArgument), "got %v", err)
}

func TestLocalWriteIsVisibleToQueries(t *testing.T) {
	c := newTestClient(t, memorySettings())
	ctx := context.Background()

	w, err := c.LocalWrite(ctx, setRoom("rooms/a", 1), setRoom("rooms/b", 2))
	require.NoError(t, err)
	select {
	case <-w.Done():
		t.Fatal("an offline write cannot be acknowledged")
	default:
	}
	assert.NoError(t, w.Err())

	snap, err := c.ExecuteQuery(ctx, rooms())
	require.NoError(t, err)
	assert.Equal(t, 2, snap.Docs.Len())
	assert.True(t, snap.HasPendingWrites())
	assert.True(t, snap.FromCache)

	doc, err := c.ReadDocument(ctx, model.MustKey("rooms/a"))
	require.NoError(t, err)
	assert.True(t, doc.IsFoundDocument())
	assert.True(t, doc.HasLocalMutations())

	st, err := c.Status(ctx)
	require.NoError(t, err)
	assert.True(t, st.HasUnacknowledgedWrites)

	_, err = c.LocalWrite(ctx)
	assert.Error(t, err)
}

func TestListenRaisesSnapshots(t *testing.T) {
	c := newTestClient(t, memorySettings())
	ctx := context.Background()
	got := make(snapshots, 16)

	reg, err := c.Listen(ctx, rooms(), syncengine.ListenOptions{}, got.observe(t))
	require.NoError(t, err)

	// Offline, so the empty cached result is raised right away.
	first := got.next(t)
	assert.Equal(t, 0, first.Docs.Len())
	assert.True(t, first.FromCache)

	_, err = c.LocalWrite(ctx, setRoom("rooms/a", 1))
	require.NoError(t, err)
	second := got.next(t)
	require.Equal(t, 1, second.Docs.Len())
	assert.True(t, second.HasPendingWrites())
	require.Len(t, second.DocumentChanges, 1)
	assert.Equal(t, syncengine.ChangeAdded, second.DocumentChanges[0].Type)

	require.NoError(t, reg.Remove(ctx))
	require.NoError(t, reg.Remove(ctx))
	_, err = c.LocalWrite(ctx, setRoom("rooms/b", 1))
	require.NoError(t, err)
	select {
	case snap := <-got:
		t.Fatalf("snapshot after Remove: %v", snap.Docs.Keys())
	case <-time.After(50 * time.Millisecond):
	}

	st, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.ActiveTargets)
}

func TestWaitForPendingWrites(t *testing.T) {
	c := newTestClient(t, memorySettings())
	ctx := context.Background()
	require.NoError(t, c.WaitForPendingWrites(ctx))

	_, err := c.LocalWrite(ctx, setRoom("rooms/a", 1))
	require.NoError(t, err)
	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.WaitForPendingWrites(short), context.DeadlineExceeded)
}

func TestSetAuthTokenSwitchesUser(t *testing.T) {
	c := newTestClient(t, memorySettings())
	ctx := context.Background()
	assert.Equal(t, model.Unauthenticated, c.User())

	_, err := c.LocalWrite(ctx, setRoom("rooms/a", 1))
	require.NoError(t, err)

	require.NoError(t, c.SetAuthToken(ctx, signedToken(t, "bob")))
	assert.Equal(t, model.User{UID: "bob"}, c.User())

	// The anonymous user's pending write is not part of bob's view.
	snap, err := c.ExecuteQuery(ctx, rooms())
	require.NoError(t, err)
	assert.Equal(t, 0, snap.Docs.Len())
	require.NoError(t, c.WaitForPendingWrites(ctx))

	require.NoError(t, c.SetAuthToken(ctx, ""))
	snap, err = c.ExecuteQuery(ctx, rooms())
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Docs.Len())

	assert.Error(t, c.SetAuthToken(ctx, "not-a-jwt"))
}

func TestFieldIndexConfiguration(t *testing.T) {
	c := newTestClient(t, memorySettings())
	ctx := context.Background()

	idx := model.FieldIndex{
		CollectionGroup: "rooms",
		Segments:        []model.IndexSegment{{FieldPath: model.NewFieldPath("n"), Kind: model.SegmentAscending}},
	}
	require.NoError(t, c.ConfigureFieldIndexes(ctx, []model.FieldIndex{idx}))
	got, err := c.GetFieldIndexes(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "rooms", got[0].CollectionGroup)

	require.NoError(t, c.SetIndexAutoCreationEnabled(ctx, true))
	require.NoError(t, c.DeleteAllFieldIndexes(ctx))
	got, err = c.GetFieldIndexes(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestCollectGarbageBelowThreshold(t *testing.T) {
	c := newTestClient(t, memorySettings())
	ctx := context.Background()
	_, err := c.LocalWrite(ctx, setRoom("rooms/a", 1))
	require.NoError(t, err)

	res, err := c.CollectGarbage(ctx)
	require.NoError(t, err)
	assert.False(t, res.DidRun)
}

func TestTerminate(t *testing.T) {
	c, err := New(context.Background(), Options{Settings: memorySettings(), Logger: logging.Discard().Logger})
	require.NoError(t, err)
	ctx := context.Background()

	got := make(snapshots, 16)
	_, err = c.Listen(ctx, rooms(), syncengine.ListenOptions{}, got.observe(t))
	require.NoError(t, err)

	require.NoError(t, c.Terminate(ctx))
	require.NoError(t, c.Terminate(ctx))

	_, err = c.ExecuteQuery(ctx, rooms())
	assert.True(t, status.Is(err, status.ErrCancelled), "got %v", err)
}

func TestPersistsAcrossRestart(t *testing.T) {
	s := config.DefaultSettings()
	s.Persistence.Path = t.TempDir()
	ctx := context.Background()

	first, err := New(ctx, Options{Settings: s, Logger: logging.Discard().Logger})
	require.NoError(t, err)
	_, err = first.LocalWrite(ctx, setRoom("rooms/a", 7))
	require.NoError(t, err)
	require.NoError(t, first.Terminate(ctx))

	second := newTestClient(t, s)
	snap, err := second.ExecuteQuery(ctx, rooms())
	require.NoError(t, err)
	require.Equal(t, 1, snap.Docs.Len())
	doc := snap.Docs.First()
	assert.True(t, doc.HasLocalMutations())
	assert.True(t, doc.Data().Equal(model.ObjectFromGo(map[string]interface{}{"n": 7})))
}

func TestSecondaryFollowsSharedState(t *testing.T) {
	s := config.DefaultSettings()
	s.Persistence.Path = t.TempDir()
	s.Lease.AllowSharing = true
	ctx := context.Background()

	primary := newTestClient(t, s)
	secondary := newTestClient(t, s)

	pst, err := primary.Status(ctx)
	require.NoError(t, err)
	sst, err := secondary.Status(ctx)
	require.NoError(t, err)
	require.True(t, pst.Primary)
	require.False(t, sst.Primary)
	assert.ElementsMatch(t, []string{primary.ClientID(), secondary.ClientID()}, sst.ActiveClients)

	got := make(snapshots, 16)
	_, err = secondary.Listen(ctx, rooms(), syncengine.ListenOptions{}, got.observe(t))
	require.NoError(t, err)

	// A secondary's online state is whatever the primary last reported.
	online := sharedstate.NewMessage(primary.ClientID(), secondary.ClientID(), sharedstate.KindOnlineState)
	online.OnlineState = remote.OnlineStateOffline.String()
	require.NoError(t, primary.router.Send(online))
	assert.Equal(t, 0, got.next(t).Docs.Len())

	// The queued batch reaches the secondary's inbox.
	_, err = primary.LocalWrite(ctx, setRoom("rooms/a", 1))
	require.NoError(t, err)

	msg := sharedstate.NewMessage(primary.ClientID(), secondary.ClientID(), sharedstate.KindDocumentsChanged)
	msg.SetKeys(model.NewDocumentKeySet(model.MustKey("rooms/a")))
	require.NoError(t, primary.router.Send(msg))

	snap := got.next(t)
	require.Equal(t, 1, snap.Docs.Len())
	assert.True(t, snap.HasPendingWrites())
}

func TestSecondaryWritesReachPrimaryPipeline(t *testing.T) {
	s := config.DefaultSettings()
	s.Persistence.Path = t.TempDir()
	s.Lease.AllowSharing = true
	ctx := context.Background()

	conn := newFakeConnection()
	primary, err := New(ctx, Options{Settings: s, Logger: logging.Discard().Logger, Connection: conn})
	require.NoError(t, err)
	t.Cleanup(func() { _ = primary.Terminate(context.Background()) })
	secondary, err := New(ctx, Options{Settings: s, Logger: logging.Discard().Logger, Connection: newFakeConnection()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = secondary.Terminate(context.Background()) })
	require.False(t, secondary.engine.IsPrimary())

	first, err := primary.LocalWrite(ctx, setRoom("rooms/a", 1))
	require.NoError(t, err)

	stream := conn.next(t, remote.StreamWrite)
	var handshake remote.WriteRequest
	stream.nextSent(t, &handshake)
	require.Empty(t, handshake.Writes)
	stream.respond(t, remote.WriteResponse{StreamToken: []byte("s1")})

	second, err := secondary.LocalWrite(ctx, setRoom("rooms/b", 2))
	require.NoError(t, err)

	// Both clients' batches go out on the primary's stream, in batch id order.
	for _, want := range []string{"rooms/a", "rooms/b"} {
		var req remote.WriteRequest
		stream.nextSent(t, &req)
		require.Len(t, req.Writes, 1)
		assert.Equal(t, model.MustKey(want), req.Writes[0].Key)
	}

	// The primary acknowledges the secondary's batch and tells it so.
	now := model.Timestamp{Seconds: 9}
	for i := 0; i < 2; i++ {
		stream.respond(t, remote.WriteResponse{
			StreamToken:  []byte("s2"),
			CommitTime:   &now,
			WriteResults: []remote.WriteResultFrame{{UpdateTime: &now}},
		})
	}
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, first.Wait(waitCtx))
	require.NoError(t, second.Wait(waitCtx))
}
