package local

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/golang/snappy"

	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/storage"
)

// Txn is the handle the local caches run in. SequenceNumber is the listen sequence number
// assigned to the transaction; read-only transactions carry 0.
type Txn struct {
	*storage.Tx
	SequenceNumber int64
}

// Key layouts, one per table:
//
//	mutation_queues        (uid)
//	mutations              (uid, batchID)
//	document_mutations     (uid, documentPath, batchID)
//	document_overlays      (uid, collectionPath, documentID)
//	remote_documents       (collectionPath, documentID)
//	remote_document_read   (collectionPath, readSeconds, readNanos, documentID)
//	targets                (targetID)
//	target_canonical_ids   (canonicalID, targetID)
//	target_documents       (targetID, documentPath)
//	document_targets       (documentPath, targetID)
//	collection_parents     (collectionID, parentPath)
//	field_indexes          (indexID)
//	index_state            (indexID, uid)
//	index_entries          (indexID, uid, arrayValue, directionalValue, documentPath)
//	index_entries_by_doc   (indexID, uid, documentPath, arrayValue, directionalValue)
//	bundles                (bundleID)
//	named_queries          (name)

func mutationQueueKey(uid string) []byte { return storage.NewKey().String(uid).Bytes() }

func mutationKey(uid string, batchID int) []byte {
	return storage.NewKey().String(uid).Int(int64(batchID)).Bytes()
}

func mutationPrefix(uid string) []byte { return mutationQueueKey(uid) }

func documentMutationKey(uid string, key model.DocumentKey, batchID int) []byte {
	return storage.NewKey().String(uid).String(key.String()).Int(int64(batchID)).Bytes()
}

func documentMutationPrefix(uid string, key model.DocumentKey) []byte {
	return storage.NewKey().String(uid).String(key.String()).Bytes()
}

func overlayKey(uid string, key model.DocumentKey) []byte {
	return storage.NewKey().String(uid).String(key.CollectionPath().CanonicalString()).String(key.ID()).Bytes()
}

func overlayCollectionPrefix(uid string, collection model.ResourcePath) []byte {
	return storage.NewKey().String(uid).String(collection.CanonicalString()).Bytes()
}

func remoteDocumentKey(key model.DocumentKey) []byte {
	return storage.NewKey().String(key.CollectionPath().CanonicalString()).String(key.ID()).Bytes()
}

func remoteCollectionPrefix(collection model.ResourcePath) []byte {
	return storage.NewKey().String(collection.CanonicalString()).Bytes()
}

func readTimeKey(key model.DocumentKey, readTime model.Timestamp) []byte {
	return storage.NewKey().String(key.CollectionPath().CanonicalString()).
		Int(readTime.Seconds).Int(int64(readTime.Nanos)).String(key.ID()).Bytes()
}

func targetKey(targetID int) []byte { return storage.NewKey().Int(int64(targetID)).Bytes() }

func canonicalIDKey(canonicalID string, targetID int) []byte {
	return storage.NewKey().String(canonicalID).Int(int64(targetID)).Bytes()
}

func canonicalIDPrefix(canonicalID string) []byte {
	return storage.NewKey().String(canonicalID).Bytes()
}

func targetDocumentKey(targetID int, key model.DocumentKey) []byte {
	return storage.NewKey().Int(int64(targetID)).String(key.String()).Bytes()
}

func documentTargetKey(key model.DocumentKey, targetID int) []byte {
	return storage.NewKey().String(key.String()).Int(int64(targetID)).Bytes()
}

func documentTargetPrefix(key model.DocumentKey) []byte {
	return storage.NewKey().String(key.String()).Bytes()
}

func collectionParentKey(collectionID string, parent model.ResourcePath) []byte {
	return storage.NewKey().String(collectionID).String(parent.CanonicalString()).Bytes()
}

func fieldIndexKey(indexID int) []byte { return storage.NewKey().Int(int64(indexID)).Bytes() }

func indexStateKey(indexID int, uid string) []byte {
	return storage.NewKey().Int(int64(indexID)).String(uid).Bytes()
}

func bundleKey(id string) []byte { return storage.NewKey().String(id).Bytes() }

func namedQueryKey(name string) []byte { return storage.NewKey().String(name).Bytes() }

var (
	targetGlobalKey       = []byte("target_global")
	remoteDocumentSizeKey = []byte("remote_document_size")
	emptyValue            = []byte{}
)

// sentinelTargetID marks the document_targets row that carries a document's last
// reference sequence number.
const sentinelTargetID = 0

func encodeInt64(v int64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v))
	return b[:]
}

func decodeInt64(b []byte) int64 {
	if len(b) != 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b))
}

// putJSON stores v as JSON.
func putJSON(txn *Txn, table storage.Table, key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s row: %w", table, err)
	}
	return txn.Put(table, key, data)
}

// getJSON loads a JSON row into v, reporting whether it existed.
func getJSON(txn *Txn, table storage.Table, key []byte, v interface{}) (bool, error) {
	data, err := txn.Get(table, key)
	if err != nil || data == nil {
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decoding %s row: %w", table, err)
	}
	return true, nil
}

// encodeDocument stores documents as snappy-compressed JSON.
func encodeDocument(doc *model.MutableDocument) ([]byte, error) {
	data, err := model.JSONCodec{}.EncodeDocument(doc)
	if err != nil {
		return nil, fmt.Errorf("encoding document %s: %w", doc.Key(), err)
	}
	return snappy.Encode(nil, data), nil
}

func decodeDocument(data []byte) (*model.MutableDocument, error) {
	raw, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("decompressing document: %w", err)
	}
	doc, err := model.JSONCodec{}.DecodeDocument(raw)
	if err != nil {
		return nil, fmt.Errorf("decoding document: %w", err)
	}
	return doc, nil
}

func encodeBatch(b *model.MutationBatch) ([]byte, error) {
	data, err := model.JSONCodec{}.EncodeBatch(b)
	if err != nil {
		return nil, fmt.Errorf("encoding batch %d: %w", b.BatchID, err)
	}
	return snappy.Encode(nil, data), nil
}

func decodeBatch(data []byte) (*model.MutationBatch, error) {
	raw, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("decompressing batch: %w", err)
	}
	return model.JSONCodec{}.DecodeBatch(raw)
}

// isImmediateChild reports whether path names a document directly inside collection.
func isImmediateChild(collection model.ResourcePath, key model.DocumentKey) bool {
	return collection.IsImmediateParentOf(key.Path())
}
