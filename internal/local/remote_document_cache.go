package local

import (
	"sort"

	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/status"
	"github.com/steveyegge/docsync/internal/storage"
)

// RemoteDocumentCache holds the last known server state of every cached document,
// including deletes (NoDocument) and documents known only to exist (UnknownDocument).
// Its byte size drives garbage collection.
type RemoteDocumentCache struct {
	indexManager *IndexManager
}

// NewRemoteDocumentCache returns the cache. Adds record collection parents in indexManager.
func NewRemoteDocumentCache(indexManager *IndexManager) *RemoteDocumentCache {
	return &RemoteDocumentCache{indexManager: indexManager}
}

// Add stores doc with readTime and returns the change in cache size.
func (c *RemoteDocumentCache) Add(txn *Txn, doc *model.MutableDocument, readTime model.Timestamp) (int64, error) {
	if readTime.IsZero() {
		return 0, status.Assertf("cannot add document %s with an unset read time", doc.Key())
	}
	key := remoteDocumentKey(doc.Key())
	previous, err := txn.Get(storage.TableRemoteDocuments, key)
	if err != nil {
		return 0, err
	}
	if previous != nil {
		old, err := decodeDocument(previous)
		if err != nil {
			return 0, err
		}
		if err := txn.Delete(storage.TableRemoteDocumentRead, readTimeKey(old.Key(), old.ReadTime())); err != nil {
			return 0, err
		}
	}

	stored := doc.Clone().SetReadTime(readTime)
	data, err := encodeDocument(stored)
	if err != nil {
		return 0, err
	}
	if err := txn.Put(storage.TableRemoteDocuments, key, data); err != nil {
		return 0, err
	}
	if err := txn.Put(storage.TableRemoteDocumentRead, readTimeKey(doc.Key(), readTime), emptyValue); err != nil {
		return 0, err
	}
	if err := c.indexManager.AddToCollectionParentIndex(txn, doc.Key().CollectionPath()); err != nil {
		return 0, err
	}
	return int64(len(data) - len(previous)), nil
}

// Remove deletes the entry for key and returns the change in cache size.
func (c *RemoteDocumentCache) Remove(txn *Txn, key model.DocumentKey) (int64, error) {
	rk := remoteDocumentKey(key)
	previous, err := txn.Get(storage.TableRemoteDocuments, rk)
	if err != nil || previous == nil {
		return 0, err
	}
	old, err := decodeDocument(previous)
	if err != nil {
		return 0, err
	}
	if err := txn.Delete(storage.TableRemoteDocumentRead, readTimeKey(key, old.ReadTime())); err != nil {
		return 0, err
	}
	if err := txn.Delete(storage.TableRemoteDocuments, rk); err != nil {
		return 0, err
	}
	return -int64(len(previous)), nil
}

// GetEntry returns the cached document, or an invalid document when there is none.
func (c *RemoteDocumentCache) GetEntry(txn *Txn, key model.DocumentKey) (*model.MutableDocument, error) {
	doc, _, err := c.getEntryWithSize(txn, key)
	return doc, err
}

func (c *RemoteDocumentCache) getEntryWithSize(txn *Txn, key model.DocumentKey) (*model.MutableDocument, int, error) {
	data, err := txn.Get(storage.TableRemoteDocuments, remoteDocumentKey(key))
	if err != nil {
		return nil, 0, err
	}
	if data == nil {
		return model.NewInvalidDocument(key), 0, nil
	}
	doc, err := decodeDocument(data)
	return doc, len(data), err
}

// GetEntries looks up every key; missing keys map to invalid documents.
func (c *RemoteDocumentCache) GetEntries(txn *Txn, keys model.DocumentKeySet) (map[model.DocumentKey]*model.MutableDocument, error) {
	out := make(map[model.DocumentKey]*model.MutableDocument, len(keys))
	for key := range keys {
		doc, err := c.GetEntry(txn, key)
		if err != nil {
			return nil, err
		}
		out[key] = doc
	}
	return out, nil
}

// GetDocumentsMatchingQuery returns the found documents directly in the query's collection
// that match it, or whose key is in mutatedKeys (their local view may match even if the
// remote version does not). Only documents past offset are returned. qc, when set, counts
// the documents read.
func (c *RemoteDocumentCache) GetDocumentsMatchingQuery(txn *Txn, query model.Query, offset model.IndexOffset, mutatedKeys model.DocumentKeySet, qc *QueryContext) (map[model.DocumentKey]*model.MutableDocument, error) {
	out := make(map[model.DocumentKey]*model.MutableDocument)
	docs, err := c.collectionDocuments(txn, query.Path, offset, 0)
	if err != nil {
		return nil, err
	}
	if qc != nil {
		qc.DocumentReadCount += len(docs)
	}
	for _, doc := range docs {
		if !doc.IsFoundDocument() {
			continue
		}
		if query.Matches(doc) || mutatedKeys.Has(doc.Key()) {
			out[doc.Key()] = doc
		}
	}
	return out, nil
}

// GetAllFromCollectionGroup returns up to limit documents of the group past offset, in
// offset order.
func (c *RemoteDocumentCache) GetAllFromCollectionGroup(txn *Txn, group string, offset model.IndexOffset, limit int) (map[model.DocumentKey]*model.MutableDocument, error) {
	parents, err := c.indexManager.GetCollectionParents(txn, group)
	if err != nil {
		return nil, err
	}
	var all []*model.MutableDocument
	for _, parent := range parents {
		docs, err := c.collectionDocuments(txn, parent.Child(group), offset, limit)
		if err != nil {
			return nil, err
		}
		all = append(all, docs...)
	}
	sort.Slice(all, func(i, j int) bool {
		return model.IndexOffsetFromDocument(all[i]).Compare(model.IndexOffsetFromDocument(all[j])) < 0
	})
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	out := make(map[model.DocumentKey]*model.MutableDocument, len(all))
	for _, doc := range all {
		out[doc.Key()] = doc
	}
	return out, nil
}

// collectionDocuments reads the documents directly in collection that sort after offset.
// With the initial offset the primary table is scanned; otherwise the read-time index is.
func (c *RemoteDocumentCache) collectionDocuments(txn *Txn, collection model.ResourcePath, offset model.IndexOffset, limit int) ([]*model.MutableDocument, error) {
	var out []*model.MutableDocument
	if offset.Compare(model.InitialIndexOffset) == 0 {
		err := txn.Scan(storage.TableRemoteDocuments, storage.Prefix(remoteCollectionPrefix(collection)), storage.Asc, 0,
			func(_, v []byte) (bool, error) {
				doc, err := decodeDocument(v)
				if err != nil {
					return false, err
				}
				out = append(out, doc)
				return true, nil
			})
		if err != nil {
			return nil, err
		}
		if limit > 0 {
			sort.Slice(out, func(i, j int) bool {
				return model.IndexOffsetFromDocument(out[i]).Compare(model.IndexOffsetFromDocument(out[j])) < 0
			})
			if len(out) > limit {
				out = out[:limit]
			}
		}
		return out, nil
	}

	iv := storage.Prefix(remoteCollectionPrefix(collection))
	iv.Start = storage.NewKey().String(collection.CanonicalString()).
		Int(offset.ReadTime.Seconds).Int(int64(offset.ReadTime.Nanos)).Bytes()
	err := txn.Scan(storage.TableRemoteDocumentRead, iv, storage.Asc, 0, func(k, _ []byte) (bool, error) {
		r := storage.ReadKey(k)
		_ = r.String()
		readTime := model.Timestamp{Seconds: r.Int(), Nanos: int32(r.Int())}
		id := r.String()
		if err := r.Err(); err != nil {
			return false, err
		}
		key, err := model.NewDocumentKey(collection.Child(id))
		if err != nil {
			return false, err
		}
		pos := model.IndexOffset{ReadTime: readTime, DocumentKey: key, LargestBatchID: model.UnknownBatchID}
		if pos.Compare(offset) <= 0 {
			return true, nil
		}
		doc, err := c.GetEntry(txn, key)
		if err != nil {
			return false, err
		}
		if doc.IsValidDocument() {
			out = append(out, doc)
		}
		return limit <= 0 || len(out) < limit, nil
	})
	return out, err
}

// GetSize returns the byte size of the cache.
func (c *RemoteDocumentCache) GetSize(txn *Txn) (int64, error) {
	data, err := txn.Get(storage.TableRemoteDocumentGlobals, remoteDocumentSizeKey)
	return decodeInt64(data), err
}

func (c *RemoteDocumentCache) adjustSize(txn *Txn, delta int64) error {
	if delta == 0 {
		return nil
	}
	size, err := c.GetSize(txn)
	if err != nil {
		return err
	}
	return txn.Put(storage.TableRemoteDocumentGlobals, remoteDocumentSizeKey, encodeInt64(size+delta))
}

// NewChangeBuffer starts a set of buffered changes to apply in one transaction.
func (c *RemoteDocumentCache) NewChangeBuffer() *RemoteDocumentChangeBuffer {
	return &RemoteDocumentChangeBuffer{cache: c, changes: map[model.DocumentKey]*model.MutableDocument{}}
}

// RemoteDocumentChangeBuffer collects adds and removes so reads within the buffer see them
// and the cache size is adjusted once on Apply.
type RemoteDocumentChangeBuffer struct {
	cache   *RemoteDocumentCache
	changes map[model.DocumentKey]*model.MutableDocument
	applied bool
}

// AddEntry buffers doc, which must carry a read time.
func (b *RemoteDocumentChangeBuffer) AddEntry(doc *model.MutableDocument) {
	b.changes[doc.Key()] = doc
}

// RemoveEntry buffers the removal of key.
func (b *RemoteDocumentChangeBuffer) RemoveEntry(key model.DocumentKey) {
	b.changes[key] = model.NewInvalidDocument(key)
}

// GetEntry reads through the buffer.
func (b *RemoteDocumentChangeBuffer) GetEntry(txn *Txn, key model.DocumentKey) (*model.MutableDocument, error) {
	if doc, ok := b.changes[key]; ok {
		return doc.Clone(), nil
	}
	return b.cache.GetEntry(txn, key)
}

// GetEntries reads every key through the buffer.
func (b *RemoteDocumentChangeBuffer) GetEntries(txn *Txn, keys model.DocumentKeySet) (map[model.DocumentKey]*model.MutableDocument, error) {
	out := make(map[model.DocumentKey]*model.MutableDocument, len(keys))
	for key := range keys {
		doc, err := b.GetEntry(txn, key)
		if err != nil {
			return nil, err
		}
		out[key] = doc
	}
	return out, nil
}

// Apply writes every buffered change and the size delta.
func (b *RemoteDocumentChangeBuffer) Apply(txn *Txn) error {
	if b.applied {
		return status.Assertf("change buffer applied twice")
	}
	b.applied = true
	var delta int64
	for _, key := range sortedKeys(b.changes) {
		doc := b.changes[key]
		var d int64
		var err error
		if doc.IsValidDocument() {
			d, err = b.cache.Add(txn, doc, doc.ReadTime())
		} else {
			d, err = b.cache.Remove(txn, key)
		}
		if err != nil {
			return err
		}
		delta += d
	}
	return b.cache.adjustSize(txn, delta)
}

func sortedKeys[V any](m map[model.DocumentKey]V) []model.DocumentKey {
	keys := make([]model.DocumentKey, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Compare(keys[j]) < 0 })
	return keys
}
