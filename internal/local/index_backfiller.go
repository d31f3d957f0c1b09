package local

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/queue"
	"github.com/steveyegge/docsync/internal/storage"
)

// Backfill defaults.
const (
	DefaultMaxDocumentsToBackfill = 50
	BackfillInitialDelay          = 15 * time.Second
	BackfillRegularDelay          = time.Minute
)

// Backfill writes index entries for up to maxDocuments documents, visiting the
// least recently updated collection groups first. It returns the number of documents
// indexed.
func (l *LocalStore) Backfill(ctx context.Context, maxDocuments int) (int, error) {
	if maxDocuments <= 0 {
		maxDocuments = DefaultMaxDocumentsToBackfill
	}
	_, _, view, manager, _ := l.components()
	var processed int
	err := l.runTransaction(ctx, "Backfill indexes", storage.ReadWrite, func(txn *Txn) error {
		processed = 0
		remaining := maxDocuments
		seen := map[string]bool{}
		for remaining > 0 {
			group, err := manager.GetNextCollectionGroupToUpdate(txn)
			if err != nil {
				return err
			}
			if group == "" || seen[group] {
				break
			}
			seen[group] = true
			n, err := backfillCollectionGroup(txn, view, manager, group, remaining)
			if err != nil {
				return err
			}
			remaining -= n
			processed += n
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	documentsBackfilled.Add(float64(processed))
	return processed, nil
}

// backfillCollectionGroup indexes the next documents of group and advances the group's
// offset past them.
func backfillCollectionGroup(txn *Txn, view *LocalDocumentsView, manager *IndexManager, group string, count int) (int, error) {
	existing, err := manager.GetMinOffsetForCollectionGroup(txn, group)
	if err != nil {
		return 0, err
	}
	next, err := view.GetNextDocuments(txn, group, existing, count)
	if err != nil {
		return 0, err
	}
	if err := manager.UpdateIndexEntries(txn, next.Documents); err != nil {
		return 0, err
	}
	if err := manager.UpdateCollectionGroup(txn, group, nextOffset(existing, next)); err != nil {
		return 0, err
	}
	return len(next.Documents), nil
}

func nextOffset(existing model.IndexOffset, next LocalWriteBatch) model.IndexOffset {
	largest := existing
	for _, doc := range next.Documents {
		if off := model.IndexOffsetFromDocument(doc); off.Compare(largest) > 0 {
			largest = off
		}
	}
	batchID := next.BatchID
	if existing.LargestBatchID > batchID {
		batchID = existing.LargestBatchID
	}
	return model.IndexOffset{ReadTime: largest.ReadTime, DocumentKey: largest.DocumentKey, LargestBatchID: batchID}
}

// IndexBackfiller runs Backfill on the async queue, first after InitialDelay and then every
// RegularDelay.
type IndexBackfiller struct {
	store        *LocalStore
	queue        *queue.AsyncQueue
	log          *logrus.Entry
	MaxDocuments int
	InitialDelay time.Duration
	RegularDelay time.Duration

	mu      sync.Mutex
	pending *queue.DelayedOperation
	hasRun  bool
	stopped bool
}

// NewIndexBackfiller returns a stopped backfiller.
func NewIndexBackfiller(store *LocalStore, q *queue.AsyncQueue) *IndexBackfiller {
	return &IndexBackfiller{
		store:        store,
		queue:        q,
		log:          store.log.WithField("subsystem", "backfill"),
		MaxDocuments: DefaultMaxDocumentsToBackfill,
		InitialDelay: BackfillInitialDelay,
		RegularDelay: BackfillRegularDelay,
	}
}

// Start schedules backfill passes.
func (b *IndexBackfiller) Start() {
	b.mu.Lock()
	b.stopped = false
	b.mu.Unlock()
	b.schedule()
}

// Stop cancels the next pass.
func (b *IndexBackfiller) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopped = true
	if b.pending != nil {
		b.pending.Cancel()
		b.pending = nil
	}
}

func (b *IndexBackfiller) schedule() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return
	}
	delay := b.RegularDelay
	if !b.hasRun {
		delay = b.InitialDelay
	}
	b.pending = b.queue.EnqueueAfterDelay(queue.TimerIndexBackfill, delay, func() error {
		b.mu.Lock()
		b.pending = nil
		b.hasRun = true
		b.mu.Unlock()
		n, err := b.store.Backfill(context.Background(), b.MaxDocuments)
		if err != nil {
			b.log.WithError(err).Warn("index backfill failed")
		} else if n > 0 {
			b.log.WithField("documents", n).Debug("backfilled index entries")
		}
		b.schedule()
		return nil
	})
}
