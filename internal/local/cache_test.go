package local

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/RoaringBitmap/roaring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/storage"
)

// inTxn runs fn in one writable transaction against s.
func inTxn(t *testing.T, s *storage.Store, seq int64, fn func(txn *Txn)) {
	t.Helper()
	require.NoError(t, s.RunTransaction(context.Background(), "test", storage.ReadWrite, func(tx *storage.Tx) error {
		fn(&Txn{Tx: tx, SequenceNumber: seq})
		return nil
	}))
}

func TestTargetCache(t *testing.T) {
	s := storage.OpenMemory(storage.Options{})
	defer s.Close()
	delegate := NewLruDelegate()
	tc := NewTargetCache(delegate)
	rdc := NewRemoteDocumentCache(NewIndexManager(alice))
	delegate.SetCaches(tc, rdc)
	delegate.SetInMemoryPins(NewReferenceSet())

	rooms := roomsQuery().ToTarget()
	users := model.NewQuery(model.NewResourcePath("users")).ToTarget()
	key := model.MustKey("rooms/eros")

	inTxn(t, s, 1, func(txn *Txn) {
		id, err := tc.AllocateTargetID(txn)
		require.NoError(t, err)
		assert.Equal(t, 2, id)
		require.NoError(t, tc.AddTargetData(txn, model.NewTargetData(rooms, id, model.PurposeListen, 1)))
		require.NoError(t, tc.AddMatchingKeys(txn, model.NewDocumentKeySet(key), id))

		id, err = tc.AllocateTargetID(txn)
		require.NoError(t, err)
		assert.Equal(t, 4, id)
		require.NoError(t, tc.AddTargetData(txn, model.NewTargetData(users, id, model.PurposeListen, 5)))
	})

	inTxn(t, s, 6, func(txn *Txn) {
		td, err := tc.GetTargetData(txn, rooms)
		require.NoError(t, err)
		require.NotNil(t, td)
		assert.Equal(t, 2, td.TargetID)

		missing, err := tc.GetTargetData(txn, model.NewQuery(model.NewResourcePath("other")).ToTarget())
		require.NoError(t, err)
		assert.Nil(t, missing)

		count, err := tc.GetTargetCount(txn)
		require.NoError(t, err)
		assert.Equal(t, 2, count)

		highest, err := tc.GetHighestSequenceNumber(txn)
		require.NoError(t, err)
		assert.Equal(t, int64(5), highest)

		contains, err := tc.ContainsKey(txn, key)
		require.NoError(t, err)
		assert.True(t, contains)

		// Target 4 is active; only target 2 is old enough and inactive.
		removed, err := tc.RemoveTargets(txn, 5, roaring.BitmapOf(4))
		require.NoError(t, err)
		assert.Equal(t, 1, removed)

		contains, err = tc.ContainsKey(txn, key)
		require.NoError(t, err)
		assert.False(t, contains)
		gone, err := tc.GetTargetData(txn, rooms)
		require.NoError(t, err)
		assert.Nil(t, gone)
	})
}

func TestRemoteDocumentCacheSizeAndCollectionGroups(t *testing.T) {
	s := storage.OpenMemory(storage.Options{})
	defer s.Close()
	rdc := NewRemoteDocumentCache(NewIndexManager(alice))

	a := doc("rooms/a/messages/1", 3, map[string]interface{}{"text": "hi"})
	b := doc("rooms/b/messages/2", 4, map[string]interface{}{"text": "yo"})
	top := doc("messages/3", 5, map[string]interface{}{"text": "hey"})

	inTxn(t, s, 1, func(txn *Txn) {
		buf := rdc.NewChangeBuffer()
		for _, d := range []*model.MutableDocument{a, b, top} {
			buf.AddEntry(d.Clone().SetReadTime(d.Version()))
		}
		require.NoError(t, buf.Apply(txn))
		assert.Error(t, buf.Apply(txn), "a buffer applies once")
	})

	var size int64
	inTxn(t, s, 2, func(txn *Txn) {
		var err error
		size, err = rdc.GetSize(txn)
		require.NoError(t, err)
		assert.Positive(t, size)

		docs, err := rdc.GetAllFromCollectionGroup(txn, "messages", model.InitialIndexOffset, 10)
		require.NoError(t, err)
		assert.Len(t, docs, 3)

		after, err := rdc.GetAllFromCollectionGroup(txn, "messages", model.IndexOffsetFromDocument(a.Clone().SetReadTime(version(3))), 10)
		require.NoError(t, err)
		assert.Len(t, after, 2)
		assert.NotContains(t, after, a.Key())

		got, err := rdc.GetEntry(txn, model.MustKey("rooms/a/messages/9"))
		require.NoError(t, err)
		assert.False(t, got.IsValidDocument())
	})

	inTxn(t, s, 3, func(txn *Txn) {
		buf := rdc.NewChangeBuffer()
		buf.RemoveEntry(a.Key())
		require.NoError(t, buf.Apply(txn))
		shrunk, err := rdc.GetSize(txn)
		require.NoError(t, err)
		assert.Less(t, shrunk, size)
	})
}

func TestListenSequence(t *testing.T) {
	seq := NewListenSequence(7)
	assert.Equal(t, int64(7), seq.Current())
	assert.Equal(t, int64(8), seq.Next())
	assert.Equal(t, int64(9), seq.Next())
	assert.Equal(t, int64(9), seq.Current())
}

func TestNthSequenceNumber(t *testing.T) {
	buf := &rollingSequenceNumberBuffer{max: 3}
	for _, v := range []int64{9, 2, 7, 4, 1, 8} {
		buf.add(v)
	}
	assert.Equal(t, int64(4), buf.maxValue())
}

func TestReferenceSetConcurrentUse(t *testing.T) {
	refs := NewReferenceSet()
	pinned := model.MustKey("rooms/pinned")
	refs.AddReference(pinned, 1)

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := model.MustKey(fmt.Sprintf("rooms/r%d-%d", w, i))
				refs.AddReferences(model.NewDocumentKeySet(key), w+2)
				refs.RemoveReference(key, w+2)
			}
			refs.RemoveReferencesForID(w + 2)
		}(w)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 800; i++ {
			assert.True(t, refs.ContainsKey(pinned))
		}
	}()
	wg.Wait()

	assert.Equal(t, model.NewDocumentKeySet(pinned), refs.ReferencesForID(1))
	assert.True(t, refs.ReferencesForID(2).Len() == 0)
}
