package local

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/storage"
)

type overlayJSON struct {
	LargestBatchID int            `json:"largestBatchId"`
	Mutation       model.Mutation `json:"mutation"`
}

// DocumentOverlayCache stores, per user and document, the single mutation that turns the
// remote document into its local view.
type DocumentOverlayCache struct {
	uid string
}

// NewDocumentOverlayCache returns the overlay cache of user.
func NewDocumentOverlayCache(user model.User) *DocumentOverlayCache {
	return &DocumentOverlayCache{uid: user.Key()}
}

func decodeOverlay(data []byte) (*model.Overlay, error) {
	var j overlayJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("decoding overlay: %w", err)
	}
	return &model.Overlay{LargestBatchID: j.LargestBatchID, Mutation: j.Mutation}, nil
}

// GetOverlay returns the overlay for key, or nil.
func (c *DocumentOverlayCache) GetOverlay(txn *Txn, key model.DocumentKey) (*model.Overlay, error) {
	data, err := txn.Get(storage.TableDocumentOverlays, overlayKey(c.uid, key))
	if err != nil || data == nil {
		return nil, err
	}
	return decodeOverlay(data)
}

// GetOverlays returns the overlays of the keys that have one.
func (c *DocumentOverlayCache) GetOverlays(txn *Txn, keys model.DocumentKeySet) (map[model.DocumentKey]*model.Overlay, error) {
	out := make(map[model.DocumentKey]*model.Overlay)
	for key := range keys {
		o, err := c.GetOverlay(txn, key)
		if err != nil {
			return nil, err
		}
		if o != nil {
			out[key] = o
		}
	}
	return out, nil
}

// SaveOverlays stores each mutation as the overlay of its key. Nil mutations are skipped.
func (c *DocumentOverlayCache) SaveOverlays(txn *Txn, largestBatchID int, overlays map[model.DocumentKey]*model.Mutation) error {
	for key, m := range overlays {
		if m == nil {
			continue
		}
		if err := putJSON(txn, storage.TableDocumentOverlays, overlayKey(c.uid, key),
			overlayJSON{LargestBatchID: largestBatchID, Mutation: *m}); err != nil {
			return err
		}
	}
	return nil
}

// RemoveOverlaysForBatchID deletes the overlays of keys that were last written by batchID.
func (c *DocumentOverlayCache) RemoveOverlaysForBatchID(txn *Txn, keys model.DocumentKeySet, batchID int) error {
	for key := range keys {
		o, err := c.GetOverlay(txn, key)
		if err != nil {
			return err
		}
		if o == nil || o.LargestBatchID != batchID {
			continue
		}
		if err := txn.Delete(storage.TableDocumentOverlays, overlayKey(c.uid, key)); err != nil {
			return err
		}
	}
	return nil
}

// GetOverlaysForCollection returns the overlays of documents directly in collection whose
// largest batch id is above sinceBatchID.
func (c *DocumentOverlayCache) GetOverlaysForCollection(txn *Txn, collection model.ResourcePath, sinceBatchID int) (map[model.DocumentKey]*model.Overlay, error) {
	out := make(map[model.DocumentKey]*model.Overlay)
	err := txn.Scan(storage.TableDocumentOverlays, storage.Prefix(overlayCollectionPrefix(c.uid, collection)), storage.Asc, 0,
		func(_, v []byte) (bool, error) {
			o, err := decodeOverlay(v)
			if err != nil {
				return false, err
			}
			if o.LargestBatchID > sinceBatchID {
				out[o.Key()] = o
			}
			return true, nil
		})
	return out, err
}

// GetOverlaysForCollectionGroup returns overlays in the collection group with a largest
// batch id above sinceBatchID, in batch order. It stops once count overlays are collected,
// but never splits a batch.
func (c *DocumentOverlayCache) GetOverlaysForCollectionGroup(txn *Txn, group string, sinceBatchID, count int) (map[model.DocumentKey]*model.Overlay, error) {
	var matches []*model.Overlay
	err := txn.Scan(storage.TableDocumentOverlays, storage.Prefix(mutationQueueKey(c.uid)), storage.Asc, 0,
		func(_, v []byte) (bool, error) {
			o, err := decodeOverlay(v)
			if err != nil {
				return false, err
			}
			if o.LargestBatchID > sinceBatchID && o.Key().CollectionGroup() == group {
				matches = append(matches, o)
			}
			return true, nil
		})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].LargestBatchID != matches[j].LargestBatchID {
			return matches[i].LargestBatchID < matches[j].LargestBatchID
		}
		return matches[i].Key().Compare(matches[j].Key()) < 0
	})

	out := make(map[model.DocumentKey]*model.Overlay)
	lastBatch := model.UnknownBatchID
	for _, o := range matches {
		if len(out) >= count && o.LargestBatchID != lastBatch {
			break
		}
		out[o.Key()] = o
		lastBatch = o.LargestBatchID
	}
	return out, nil
}
