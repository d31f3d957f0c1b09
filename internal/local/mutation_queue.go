package local

import (
	"fmt"
	"sort"

	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/status"
	"github.com/steveyegge/docsync/internal/storage"
)

// mutationQueueMetadata is the mutation_queues row of one user.
type mutationQueueMetadata struct {
	LastAcknowledgedBatchID int    `json:"lastAcknowledgedBatchId"`
	LastStreamToken         []byte `json:"lastStreamToken,omitempty"`
	// NextBatchID is the id the next batch takes. Every client sharing the store
	// allocates from it inside the writing transaction.
	NextBatchID int `json:"nextBatchId,omitempty"`
}

// MutationQueue is the durable FIFO of one user's pending mutation batches.
type MutationQueue struct {
	uid          string
	indexManager *IndexManager
	delegate     ReferenceDelegate
}

// NewMutationQueue returns the queue for user.
func NewMutationQueue(user model.User, indexManager *IndexManager, delegate ReferenceDelegate) *MutationQueue {
	return &MutationQueue{uid: user.Key(), indexManager: indexManager, delegate: delegate}
}

// Start checks the queue's consistency.
func (q *MutationQueue) Start(txn *Txn) error {
	empty, err := q.CheckEmpty(txn)
	if err != nil || !empty {
		return err
	}
	return q.checkConsistency(txn)
}

// checkConsistency verifies an empty queue leaves no document index rows behind.
func (q *MutationQueue) checkConsistency(txn *Txn) error {
	var dangling int
	err := txn.Scan(storage.TableDocumentMutations, storage.Prefix(mutationPrefix(q.uid)), storage.Asc, 1,
		func(_, _ []byte) (bool, error) {
			dangling++
			return false, nil
		})
	if err != nil {
		return err
	}
	if dangling > 0 {
		return status.Assertf("document mutation index for %q is not empty while its queue is", q.uid)
	}
	return nil
}

func (q *MutationQueue) metadata(txn *Txn) (mutationQueueMetadata, error) {
	md := mutationQueueMetadata{LastAcknowledgedBatchID: model.UnknownBatchID}
	_, err := getJSON(txn, storage.TableMutationQueues, mutationQueueKey(q.uid), &md)
	return md, err
}

// allocateBatchID takes the next batch id from the persisted queue state and advances it
// in txn. Ids never repeat, even after the batches holding them were removed.
func (q *MutationQueue) allocateBatchID(txn *Txn) (int, error) {
	md, err := q.metadata(txn)
	if err != nil {
		return 0, err
	}
	highest, err := q.GetHighestUnacknowledgedBatchID(txn)
	if err != nil {
		return 0, err
	}
	id := max(md.NextBatchID, highest+1, md.LastAcknowledgedBatchID+1, 1)
	md.NextBatchID = id + 1
	if err := putJSON(txn, storage.TableMutationQueues, mutationQueueKey(q.uid), md); err != nil {
		return 0, err
	}
	return id, nil
}

// CheckEmpty reports whether the queue holds no batches.
func (q *MutationQueue) CheckEmpty(txn *Txn) (bool, error) {
	empty := true
	err := txn.Scan(storage.TableMutations, storage.Prefix(mutationPrefix(q.uid)), storage.Asc, 1,
		func(_, _ []byte) (bool, error) {
			empty = false
			return false, nil
		})
	return empty, err
}

// AcknowledgeBatch records that batch was accepted and stores the stream token that came
// with the acknowledgement.
func (q *MutationQueue) AcknowledgeBatch(txn *Txn, batch *model.MutationBatch, streamToken []byte) error {
	md, err := q.metadata(txn)
	if err != nil {
		return err
	}
	if batch.BatchID > md.LastAcknowledgedBatchID {
		md.LastAcknowledgedBatchID = batch.BatchID
	}
	md.LastStreamToken = append([]byte(nil), streamToken...)
	return putJSON(txn, storage.TableMutationQueues, mutationQueueKey(q.uid), md)
}

// GetLastStreamToken returns the write stream token last persisted.
func (q *MutationQueue) GetLastStreamToken(txn *Txn) ([]byte, error) {
	md, err := q.metadata(txn)
	return md.LastStreamToken, err
}

// SetLastStreamToken persists the write stream token.
func (q *MutationQueue) SetLastStreamToken(txn *Txn, token []byte) error {
	md, err := q.metadata(txn)
	if err != nil {
		return err
	}
	md.LastStreamToken = append([]byte(nil), token...)
	return putJSON(txn, storage.TableMutationQueues, mutationQueueKey(q.uid), md)
}

// AddMutationBatch assigns the next batch id and persists the batch with its per-document
// index rows. The id comes from the store, so clients sharing it never reuse one.
func (q *MutationQueue) AddMutationBatch(txn *Txn, localWriteTime model.Timestamp, baseMutations, mutations []model.Mutation) (*model.MutationBatch, error) {
	id, err := q.allocateBatchID(txn)
	if err != nil {
		return nil, err
	}
	if existing, err := txn.Get(storage.TableMutations, mutationKey(q.uid, id)); err != nil {
		return nil, err
	} else if existing != nil {
		return nil, status.Assertf("batch %d of %q already exists", id, q.uid)
	}
	batch := &model.MutationBatch{
		BatchID:        id,
		LocalWriteTime: localWriteTime,
		BaseMutations:  baseMutations,
		Mutations:      mutations,
	}
	data, err := encodeBatch(batch)
	if err != nil {
		return nil, err
	}
	if err := txn.Put(storage.TableMutations, mutationKey(q.uid, batch.BatchID), data); err != nil {
		return nil, err
	}
	for _, m := range mutations {
		if err := txn.Put(storage.TableDocumentMutations, documentMutationKey(q.uid, m.Key, batch.BatchID), emptyValue); err != nil {
			return nil, err
		}
		if err := q.indexManager.AddToCollectionParentIndex(txn, m.Key.CollectionPath()); err != nil {
			return nil, err
		}
	}
	return batch, nil
}

// LookupMutationBatch returns the batch with id, or nil.
func (q *MutationQueue) LookupMutationBatch(txn *Txn, batchID int) (*model.MutationBatch, error) {
	data, err := txn.Get(storage.TableMutations, mutationKey(q.uid, batchID))
	if err != nil || data == nil {
		return nil, err
	}
	return decodeBatch(data)
}

// GetNextMutationBatchAfterBatchID returns the first batch with an id above batchID, or nil.
func (q *MutationQueue) GetNextMutationBatchAfterBatchID(txn *Txn, batchID int) (*model.MutationBatch, error) {
	iv := storage.Prefix(mutationPrefix(q.uid))
	iv.Start = mutationKey(q.uid, batchID+1)
	var out *model.MutationBatch
	err := txn.Scan(storage.TableMutations, iv, storage.Asc, 1, func(_, v []byte) (bool, error) {
		b, err := decodeBatch(v)
		out = b
		return false, err
	})
	return out, err
}

// GetHighestUnacknowledgedBatchID returns the largest queued batch id, or UnknownBatchID.
func (q *MutationQueue) GetHighestUnacknowledgedBatchID(txn *Txn) (int, error) {
	id := model.UnknownBatchID
	err := txn.Scan(storage.TableMutations, storage.Prefix(mutationPrefix(q.uid)), storage.Desc, 1,
		func(k, _ []byte) (bool, error) {
			r := storage.ReadKey(k)
			_ = r.String()
			id = int(r.Int())
			return false, r.Err()
		})
	return id, err
}

// GetAllMutationBatches returns every queued batch in id order.
func (q *MutationQueue) GetAllMutationBatches(txn *Txn) ([]*model.MutationBatch, error) {
	var out []*model.MutationBatch
	err := txn.Scan(storage.TableMutations, storage.Prefix(mutationPrefix(q.uid)), storage.Asc, 0,
		func(_, v []byte) (bool, error) {
			b, err := decodeBatch(v)
			if err != nil {
				return false, err
			}
			out = append(out, b)
			return true, nil
		})
	return out, err
}

// GetAllMutationBatchesAffectingDocumentKey returns the batches writing key, in id order.
func (q *MutationQueue) GetAllMutationBatchesAffectingDocumentKey(txn *Txn, key model.DocumentKey) ([]*model.MutationBatch, error) {
	return q.GetAllMutationBatchesAffectingDocumentKeys(txn, model.NewDocumentKeySet(key))
}

// GetAllMutationBatchesAffectingDocumentKeys returns the batches writing any of keys, in
// id order and without duplicates.
func (q *MutationQueue) GetAllMutationBatchesAffectingDocumentKeys(txn *Txn, keys model.DocumentKeySet) ([]*model.MutationBatch, error) {
	ids := map[int]struct{}{}
	for _, key := range keys.Sorted() {
		err := txn.Scan(storage.TableDocumentMutations, storage.Prefix(documentMutationPrefix(q.uid, key)), storage.Asc, 0,
			func(k, _ []byte) (bool, error) {
				r := storage.ReadKey(k)
				_ = r.String()
				_ = r.String()
				ids[int(r.Int())] = struct{}{}
				return true, r.Err()
			})
		if err != nil {
			return nil, err
		}
	}
	return q.lookupAll(txn, ids)
}

// GetAllMutationBatchesAffectingQuery returns the batches writing documents directly in the
// query's collection. Collection group queries are expanded by the caller.
func (q *MutationQueue) GetAllMutationBatchesAffectingQuery(txn *Txn, query model.Query) ([]*model.MutationBatch, error) {
	if query.IsCollectionGroupQuery() {
		return nil, status.Assertf("collection group query %s passed to the mutation queue", query)
	}
	prefix := query.Path
	if query.IsDocumentQuery() {
		return q.GetAllMutationBatchesAffectingDocumentKeys(txn, model.NewDocumentKeySet(mustKey(prefix)))
	}
	scanPrefix := storage.NewKey().String(q.uid).StringPrefix(prefix.CanonicalString() + "/").Bytes()
	ids := map[int]struct{}{}
	err := txn.Scan(storage.TableDocumentMutations, storage.Prefix(scanPrefix), storage.Asc, 0,
		func(k, _ []byte) (bool, error) {
			r := storage.ReadKey(k)
			_ = r.String()
			path := r.String()
			id := int(r.Int())
			if err := r.Err(); err != nil {
				return false, err
			}
			p, err := model.ParseResourcePath(path)
			if err != nil {
				return false, err
			}
			// Skip documents in subcollections.
			if p.Len() == prefix.Len()+1 {
				ids[id] = struct{}{}
			}
			return true, nil
		})
	if err != nil {
		return nil, err
	}
	return q.lookupAll(txn, ids)
}

func (q *MutationQueue) lookupAll(txn *Txn, ids map[int]struct{}) ([]*model.MutationBatch, error) {
	sorted := make([]int, 0, len(ids))
	for id := range ids {
		sorted = append(sorted, id)
	}
	sort.Ints(sorted)
	out := make([]*model.MutationBatch, 0, len(sorted))
	for _, id := range sorted {
		b, err := q.LookupMutationBatch(txn, id)
		if err != nil {
			return nil, err
		}
		if b == nil {
			return nil, status.Assertf("dangling document-mutation reference to batch %d", id)
		}
		out = append(out, b)
	}
	return out, nil
}

// RemoveMutationBatch deletes batch and its index rows. The batch must exist.
func (q *MutationQueue) RemoveMutationBatch(txn *Txn, batch *model.MutationBatch) error {
	key := mutationKey(q.uid, batch.BatchID)
	existing, err := txn.Get(storage.TableMutations, key)
	if err != nil {
		return err
	}
	if existing == nil {
		return status.Assertf("attempt to remove nonexistent batch %d", batch.BatchID)
	}
	if err := txn.Delete(storage.TableMutations, key); err != nil {
		return err
	}
	for _, m := range batch.Mutations {
		if err := txn.Delete(storage.TableDocumentMutations, documentMutationKey(q.uid, m.Key, batch.BatchID)); err != nil {
			return err
		}
		if err := q.delegate.RemoveMutationReference(txn, m.Key); err != nil {
			return err
		}
	}
	return nil
}

// mutationQueuesContainKey reports whether any user's queue writes key.
func mutationQueuesContainKey(txn *Txn, key model.DocumentKey) (bool, error) {
	found := false
	err := txn.Scan(storage.TableMutationQueues, storage.All(), storage.Asc, 0, func(k, _ []byte) (bool, error) {
		uid := storage.ReadKey(k).String()
		err := txn.Scan(storage.TableDocumentMutations, storage.Prefix(documentMutationPrefix(uid, key)), storage.Asc, 1,
			func(_, _ []byte) (bool, error) {
				found = true
				return false, nil
			})
		return !found, err
	})
	return found, err
}

func mustKey(p model.ResourcePath) model.DocumentKey {
	k, err := model.NewDocumentKey(p)
	if err != nil {
		panic(fmt.Sprintf("not a document path: %s", p))
	}
	return k
}
