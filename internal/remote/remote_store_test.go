package remote

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/queue"
	"github.com/steveyegge/docsync/internal/status"
)

// openListen starts listening to target id and acknowledges the watch request.
func (f *fixture) openListen(id int) *fakeStream {
	f.t.Helper()
	f.run(func() error { return f.rs.Listen(roomsTarget(id)) })
	s := f.conn.next(f.t, StreamListen)
	var req ListenRequest
	s.nextSent(f.t, &req)
	require.NotNil(f.t, req.AddTarget)
	require.Equal(f.t, id, req.AddTarget.TargetID)
	s.respond(f.t, ListenResponse{TargetChange: &TargetChangeFrame{State: TargetAdded, TargetIDs: []int{id}}})
	return s
}

func globalSnapshot(sec int64) ListenResponse {
	return ListenResponse{TargetChange: &TargetChangeFrame{State: TargetNoChange, ReadTime: ts(sec)}}
}

func TestWatchStreamRaisesSnapshot(t *testing.T) {
	f := newFixture(t)
	s := f.openListen(2)

	s.respond(t, ListenResponse{DocumentChange: &DocumentChangeFrame{Document: roomDoc("a", 4), TargetIDs: []int{2}}})
	s.respond(t, ListenResponse{TargetChange: &TargetChangeFrame{State: TargetCurrent, TargetIDs: []int{2}, ResumeToken: []byte("t1")}})
	s.respond(t, globalSnapshot(5))

	require.Eventually(t, func() bool { return f.syncer.eventCount() == 1 }, waitTimeout, waitTick)
	ev := f.syncer.lastEvent()
	assert.Equal(t, model.Timestamp{Seconds: 5}, ev.SnapshotVersion)
	change := ev.TargetChanges[2]
	assert.True(t, change.Current)
	assert.Equal(t, []byte("t1"), change.ResumeToken)
	assert.True(t, change.AddedDocuments.Has(model.MustKey("rooms/a")))
	doc := ev.DocumentUpdates[model.MustKey("rooms/a")]
	require.NotNil(t, doc)
	assert.Equal(t, model.Timestamp{Seconds: 5}, doc.ReadTime())
	assert.Empty(t, ev.ResolvedLimboDocuments)

	f.run(func() error {
		td := f.rs.GetTargetDataForTarget(2)
		require.NotNil(t, td)
		assert.Equal(t, []byte("t1"), td.ResumeToken)
		assert.Equal(t, OnlineStateOnline, f.rs.OnlineState())
		return nil
	})
	assert.Equal(t, OnlineStateOnline, f.syncer.lastState())
}

func TestChangesBeforeAckAreIgnored(t *testing.T) {
	f := newFixture(t)
	f.run(func() error { return f.rs.Listen(roomsTarget(2)) })
	s := f.conn.next(t, StreamListen)
	var req ListenRequest
	s.nextSent(t, &req)

	// Still waiting for the ADD acknowledgement.
	s.respond(t, ListenResponse{DocumentChange: &DocumentChangeFrame{Document: roomDoc("a", 4), TargetIDs: []int{2}}})
	s.respond(t, globalSnapshot(5))
	require.Eventually(t, func() bool { return f.syncer.eventCount() == 1 }, waitTimeout, waitTick)
	ev := f.syncer.lastEvent()
	assert.Empty(t, ev.TargetChanges)
	assert.Empty(t, ev.DocumentUpdates)
}

func TestOlderSnapshotIsNotRaised(t *testing.T) {
	f := newFixture(t)
	f.local.snapshot = model.Timestamp{Seconds: 10}
	s := f.openListen(2)
	s.respond(t, globalSnapshot(5))
	s.respond(t, globalSnapshot(11))
	require.Eventually(t, func() bool { return f.syncer.eventCount() == 1 }, waitTimeout, waitTick)
	assert.Equal(t, model.Timestamp{Seconds: 11}, f.syncer.lastEvent().SnapshotVersion)
}

func TestExistenceFilterMismatchResetsTarget(t *testing.T) {
	f := newFixture(t)
	a, b := model.MustKey("rooms/a"), model.MustKey("rooms/b")
	f.syncer.remoteKeys[2] = model.NewDocumentKeySet(a, b)
	s := f.openListen(2)

	s.respond(t, ListenResponse{Filter: &ExistenceFilterFrame{TargetID: 2, Count: 1}})
	s.respond(t, globalSnapshot(5))

	require.Eventually(t, func() bool { return f.syncer.eventCount() == 1 }, waitTimeout, waitTick)
	ev := f.syncer.lastEvent()
	assert.Equal(t, model.PurposeExistenceFilterMismatch, ev.TargetMismatches[2])
	assert.True(t, ev.TargetChanges[2].RemovedDocuments.Equal(model.NewDocumentKeySet(a, b)))

	var unwatch, rewatch ListenRequest
	s.nextSent(t, &unwatch)
	assert.Equal(t, 2, unwatch.RemoveTarget)
	s.nextSent(t, &rewatch)
	require.NotNil(t, rewatch.AddTarget)
	assert.Equal(t, 2, rewatch.AddTarget.TargetID)
	assert.Equal(t, model.PurposeExistenceFilterMismatch.String(), rewatch.AddTarget.Purpose)
	assert.Empty(t, rewatch.AddTarget.ResumeToken)
}

func TestBloomFilterAvoidsFullReset(t *testing.T) {
	f := newFixture(t)
	a, b := model.MustKey("rooms/a"), model.MustKey("rooms/b")
	f.syncer.remoteKeys[2] = model.NewDocumentKeySet(a, b)
	s := f.openListen(2)

	bf := &BloomFilter{bitmap: make([]byte, 256), hashCount: 3, bitCount: 2048}
	bf.insert(a.String())
	s.respond(t, ListenResponse{Filter: &ExistenceFilterFrame{
		TargetID:       2,
		Count:          1,
		UnchangedNames: &BloomFilterFrame{Bitmap: bf.bitmap, HashCount: 3},
	}})
	s.respond(t, globalSnapshot(5))

	require.Eventually(t, func() bool { return f.syncer.eventCount() == 1 }, waitTimeout, waitTick)
	ev := f.syncer.lastEvent()
	assert.Empty(t, ev.TargetMismatches)
	assert.True(t, ev.TargetChanges[2].RemovedDocuments.Equal(model.NewDocumentKeySet(b)))
}

func TestMissingDocumentTargetSynthesizesDelete(t *testing.T) {
	f := newFixture(t)
	key := model.MustKey("rooms/gone")
	td := model.NewTargetData(model.NewDocumentTarget(key), 1, model.PurposeLimboResolution, 1)
	f.run(func() error { return f.rs.Listen(td) })
	s := f.conn.next(t, StreamListen)
	var req ListenRequest
	s.nextSent(t, &req)
	s.respond(t, ListenResponse{TargetChange: &TargetChangeFrame{State: TargetAdded, TargetIDs: []int{1}}})
	s.respond(t, ListenResponse{TargetChange: &TargetChangeFrame{State: TargetCurrent, TargetIDs: []int{1}}})
	s.respond(t, globalSnapshot(7))

	require.Eventually(t, func() bool { return f.syncer.eventCount() == 1 }, waitTimeout, waitTick)
	ev := f.syncer.lastEvent()
	doc := ev.DocumentUpdates[key]
	require.NotNil(t, doc)
	assert.True(t, doc.IsNoDocument())
	assert.Equal(t, model.Timestamp{Seconds: 7}, doc.Version())
	assert.True(t, ev.ResolvedLimboDocuments.Has(key))
}

func TestTargetErrorRejectsListen(t *testing.T) {
	f := newFixture(t)
	s := f.openListen(2)
	s.respond(t, ListenResponse{TargetChange: &TargetChangeFrame{
		State:     TargetRemoved,
		TargetIDs: []int{2},
		Cause:     &StatusFrame{Code: status.PermissionDenied.String(), Message: "no access"},
	}})

	require.Eventually(t, func() bool {
		f.syncer.mu.Lock()
		defer f.syncer.mu.Unlock()
		return f.syncer.rejectedListen[2] != nil
	}, waitTimeout, waitTick)
	f.syncer.mu.Lock()
	assert.Equal(t, status.PermissionDenied, status.CodeOf(f.syncer.rejectedListen[2]))
	f.syncer.mu.Unlock()
	f.run(func() error {
		assert.Nil(t, f.rs.GetTargetDataForTarget(2))
		return nil
	})
}

func TestListenStreamReconnectsAfterFailure(t *testing.T) {
	f := newFixture(t)
	s := f.openListen(2)
	s.fail(status.New(status.Unavailable, "connection reset"))

	// The first retry after a healthy response runs without delay.
	next := f.conn.next(t, StreamListen)
	var req ListenRequest
	next.nextSent(t, &req)
	require.NotNil(t, req.AddTarget)
	assert.Equal(t, 2, req.AddTarget.TargetID)
	assert.True(t, s.isClosed())
}

func TestResumedListenSendsExpectedCount(t *testing.T) {
	f := newFixture(t)
	f.syncer.remoteKeys[2] = model.NewDocumentKeySet(model.MustKey("rooms/a"), model.MustKey("rooms/b"))
	td := roomsTarget(2).WithResumeToken([]byte("resume"), model.Timestamp{Seconds: 3})
	f.run(func() error { return f.rs.Listen(td) })
	s := f.conn.next(t, StreamListen)
	var req ListenRequest
	s.nextSent(t, &req)
	require.NotNil(t, req.AddTarget)
	assert.Equal(t, []byte("resume"), req.AddTarget.ResumeToken)
	require.NotNil(t, req.AddTarget.ExpectedCount)
	assert.Equal(t, 2, *req.AddTarget.ExpectedCount)
}

func TestIdleListenStreamCloses(t *testing.T) {
	f := newFixture(t)
	s := f.openListen(2)
	f.run(func() error { return f.rs.Unlisten(2) })
	var req ListenRequest
	s.nextSent(t, &req)
	assert.Equal(t, 2, req.RemoveTarget)

	assert.True(t, f.queue.ContainsDelayedOperation(queue.TimerListenStreamIdle))
	require.NoError(t, f.queue.RunDelayedOperationsEarly(context.Background(), queue.TimerListenStreamIdle))
	assert.True(t, s.isClosed())
}

func TestDisableAndEnableNetwork(t *testing.T) {
	f := newFixture(t)
	s := f.openListen(2)

	f.run(func() error { return f.rs.DisableNetwork() })
	assert.True(t, s.isClosed())
	assert.Equal(t, OnlineStateOffline, f.syncer.lastState())

	// Listening while offline only records the target.
	f.run(func() error { return f.rs.Listen(roomsTarget(4)) })
	select {
	case <-f.conn.opened:
		t.Fatal("stream opened while the network is disabled")
	default:
	}

	f.run(func() error { return f.rs.EnableNetwork() })
	next := f.conn.next(t, StreamListen)
	got := map[int]bool{}
	for i := 0; i < 2; i++ {
		var req ListenRequest
		next.nextSent(t, &req)
		require.NotNil(t, req.AddTarget)
		got[req.AddTarget.TargetID] = true
	}
	assert.Equal(t, map[int]bool{2: true, 4: true}, got)
}

func batch(id int, path string) *model.MutationBatch {
	return &model.MutationBatch{
		BatchID: id,
		Mutations: []model.Mutation{model.NewSetMutation(model.MustKey(path),
			model.ObjectFromGo(map[string]interface{}{"n": int64(id)}), model.PreconditionNone())},
	}
}

// openWrite starts the write stream and completes the handshake with token.
func (f *fixture) openWrite(token string) *fakeStream {
	f.t.Helper()
	f.run(func() error { return f.rs.Start() })
	s := f.conn.next(f.t, StreamWrite)
	var hs WriteRequest
	s.nextSent(f.t, &hs)
	require.Empty(f.t, hs.Writes)
	s.respond(f.t, WriteResponse{StreamToken: []byte(token)})
	return s
}

func TestWritePipeline(t *testing.T) {
	f := newFixture(t)
	f.local.batches = []*model.MutationBatch{batch(1, "rooms/a"), batch(2, "rooms/b")}
	s := f.openWrite("s1")

	for _, want := range []string{"rooms/a", "rooms/b"} {
		var req WriteRequest
		s.nextSent(t, &req)
		require.Len(t, req.Writes, 1)
		assert.Equal(t, model.MustKey(want), req.Writes[0].Key)
		assert.Equal(t, []byte("s1"), req.StreamToken)
	}
	assert.Equal(t, []byte("s1"), f.local.streamToken())

	s.respond(t, WriteResponse{
		StreamToken:  []byte("s2"),
		CommitTime:   ts(9),
		WriteResults: []WriteResultFrame{{UpdateTime: ts(8)}},
	})
	require.Eventually(t, func() bool { return f.syncer.ackCount() == 1 }, waitTimeout, waitTick)
	f.syncer.mu.Lock()
	res := f.syncer.acked[0]
	f.syncer.mu.Unlock()
	assert.Equal(t, 1, res.Batch.BatchID)
	assert.Equal(t, model.Timestamp{Seconds: 9}, res.CommitVersion)
	assert.Equal(t, model.Timestamp{Seconds: 8}, res.MutationResults[0].Version)
	assert.Equal(t, []byte("s2"), res.StreamToken)
	f.run(func() error {
		assert.Equal(t, 1, f.rs.PendingWrites())
		return nil
	})
}

func TestWritePipelineIsBounded(t *testing.T) {
	f := newFixture(t)
	for i := 1; i <= MaxPendingWrites+3; i++ {
		f.local.batches = append(f.local.batches, batch(i, "rooms/a"))
	}
	f.openWrite("s1")
	f.flush()
	f.run(func() error {
		assert.Equal(t, MaxPendingWrites, f.rs.PendingWrites())
		return nil
	})
}

func TestPermanentWriteErrorRejectsBatch(t *testing.T) {
	f := newFixture(t)
	f.local.batches = []*model.MutationBatch{batch(1, "rooms/a"), batch(2, "rooms/b")}
	s := f.openWrite("s1")
	var req WriteRequest
	s.nextSent(t, &req)
	s.nextSent(t, &req)

	s.fail(status.New(status.PermissionDenied, "denied"))
	require.Eventually(t, func() bool {
		f.syncer.mu.Lock()
		defer f.syncer.mu.Unlock()
		return f.syncer.rejectedWrites[1] != nil
	}, waitTimeout, waitTick)

	// The remaining batch is resent on a fresh stream without backoff.
	next := f.conn.next(t, StreamWrite)
	var hs WriteRequest
	next.nextSent(t, &hs)
	assert.Empty(t, hs.Writes)
	next.respond(t, WriteResponse{StreamToken: []byte("s2")})
	var resent WriteRequest
	next.nextSent(t, &resent)
	require.Len(t, resent.Writes, 1)
	assert.Equal(t, model.MustKey("rooms/b"), resent.Writes[0].Key)
}

func TestTransientWriteErrorKeepsBatch(t *testing.T) {
	f := newFixture(t)
	f.local.batches = []*model.MutationBatch{batch(1, "rooms/a")}
	s := f.openWrite("s1")
	var req WriteRequest
	s.nextSent(t, &req)

	s.fail(status.New(status.Unavailable, "try again"))
	next := f.conn.next(t, StreamWrite)
	var hs WriteRequest
	next.nextSent(t, &hs)
	next.respond(t, WriteResponse{StreamToken: []byte("s2")})
	var resent WriteRequest
	next.nextSent(t, &resent)
	require.Len(t, resent.Writes, 1)
	assert.Equal(t, model.MustKey("rooms/a"), resent.Writes[0].Key)

	f.syncer.mu.Lock()
	assert.Empty(t, f.syncer.rejectedWrites)
	f.syncer.mu.Unlock()
}

func TestHandshakeFailureResetsStreamToken(t *testing.T) {
	f := newFixture(t)
	f.local.token = []byte("stale")
	f.local.batches = []*model.MutationBatch{batch(1, "rooms/a")}
	f.run(func() error { return f.rs.Start() })
	s := f.conn.next(t, StreamWrite)
	var hs WriteRequest
	s.nextSent(t, &hs)

	s.fail(status.New(status.InvalidArgument, "bad token"))
	require.Eventually(t, func() bool { return f.local.streamToken() == nil }, waitTimeout, waitTick)
}
