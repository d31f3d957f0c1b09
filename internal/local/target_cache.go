package local

import (
	"github.com/RoaringBitmap/roaring"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/status"
	"github.com/steveyegge/docsync/internal/storage"
)

// canonicalIDCacheSize bounds the canonical id lookups kept in memory.
const canonicalIDCacheSize = 1024

type targetGlobal struct {
	HighestTargetID             int             `json:"highestTargetId"`
	HighestListenSequenceNumber int64           `json:"highestListenSequenceNumber"`
	LastRemoteSnapshotVersion   model.Timestamp `json:"lastRemoteSnapshotVersion"`
	TargetCount                 int             `json:"targetCount"`
}

// TargetCache persists the targets being listened to, the documents the server reported as
// matching each of them, and the global listen metadata.
type TargetCache struct {
	delegate     ReferenceDelegate
	canonicalIDs *lru.Cache[string, int]
}

// NewTargetCache returns a target cache. The delegate is told about every membership change.
func NewTargetCache(delegate ReferenceDelegate) *TargetCache {
	cache, _ := lru.New[string, int](canonicalIDCacheSize)
	return &TargetCache{delegate: delegate, canonicalIDs: cache}
}

func (c *TargetCache) global(txn *Txn) (targetGlobal, error) {
	var g targetGlobal
	_, err := getJSON(txn, storage.TableTargetGlobal, targetGlobalKey, &g)
	return g, err
}

func (c *TargetCache) saveGlobal(txn *Txn, g targetGlobal) error {
	return putJSON(txn, storage.TableTargetGlobal, targetGlobalKey, g)
}

// AllocateTargetID returns the next even target id. Odd ids belong to limbo resolution.
func (c *TargetCache) AllocateTargetID(txn *Txn) (int, error) {
	g, err := c.global(txn)
	if err != nil {
		return 0, err
	}
	next := g.HighestTargetID + 2 - g.HighestTargetID%2
	g.HighestTargetID = next
	return next, c.saveGlobal(txn, g)
}

func (c *TargetCache) putTargetData(txn *Txn, td model.TargetData) error {
	data, err := model.JSONCodec{}.EncodeTargetData(td)
	if err != nil {
		return err
	}
	return txn.Put(storage.TableTargets, targetKey(td.TargetID), data)
}

// updateMetadata raises the highest target id and sequence number to td's and reports
// whether the global row changed.
func (c *TargetCache) updateMetadata(g *targetGlobal, td model.TargetData) bool {
	changed := false
	if td.TargetID > g.HighestTargetID {
		g.HighestTargetID = td.TargetID
		changed = true
	}
	if td.SequenceNumber > g.HighestListenSequenceNumber {
		g.HighestListenSequenceNumber = td.SequenceNumber
		changed = true
	}
	return changed
}

// AddTargetData stores a target that is not yet in the cache.
func (c *TargetCache) AddTargetData(txn *Txn, td model.TargetData) error {
	if err := c.putTargetData(txn, td); err != nil {
		return err
	}
	canonicalID := td.Target.CanonicalID()
	if err := txn.Put(storage.TableTargetCanonicalIDs, canonicalIDKey(canonicalID, td.TargetID), emptyValue); err != nil {
		return err
	}
	g, err := c.global(txn)
	if err != nil {
		return err
	}
	c.updateMetadata(&g, td)
	g.TargetCount++
	txn.OnCommitted(func() { c.canonicalIDs.Add(canonicalID, td.TargetID) })
	return c.saveGlobal(txn, g)
}

// UpdateTargetData replaces an existing target.
func (c *TargetCache) UpdateTargetData(txn *Txn, td model.TargetData) error {
	if err := c.putTargetData(txn, td); err != nil {
		return err
	}
	g, err := c.global(txn)
	if err != nil {
		return err
	}
	if c.updateMetadata(&g, td) {
		return c.saveGlobal(txn, g)
	}
	return nil
}

// RemoveTargetData deletes a target along with its document membership.
func (c *TargetCache) RemoveTargetData(txn *Txn, td model.TargetData) error {
	if err := c.RemoveMatchingKeysForTargetID(txn, td.TargetID); err != nil {
		return err
	}
	canonicalID := td.Target.CanonicalID()
	if err := txn.Delete(storage.TableTargetCanonicalIDs, canonicalIDKey(canonicalID, td.TargetID)); err != nil {
		return err
	}
	if err := txn.Delete(storage.TableTargets, targetKey(td.TargetID)); err != nil {
		return err
	}
	c.canonicalIDs.Remove(canonicalID)
	g, err := c.global(txn)
	if err != nil {
		return err
	}
	if g.TargetCount <= 0 {
		return status.Assertf("removing target %d from an empty target cache", td.TargetID)
	}
	g.TargetCount--
	return c.saveGlobal(txn, g)
}

// GetTargetData returns the cached data for target, or nil.
func (c *TargetCache) GetTargetData(txn *Txn, target model.Target) (*model.TargetData, error) {
	canonicalID := target.CanonicalID()
	if id, ok := c.canonicalIDs.Get(canonicalID); ok {
		td, err := c.GetTargetDataForID(txn, id)
		if err != nil {
			return nil, err
		}
		if td != nil && td.Target.Equal(target) {
			return td, nil
		}
		c.canonicalIDs.Remove(canonicalID)
	}

	var found *model.TargetData
	err := txn.Scan(storage.TableTargetCanonicalIDs, storage.Prefix(canonicalIDPrefix(canonicalID)), storage.Asc, 0,
		func(k, _ []byte) (bool, error) {
			r := storage.ReadKey(k)
			_ = r.String()
			id := int(r.Int())
			if err := r.Err(); err != nil {
				return false, err
			}
			td, err := c.GetTargetDataForID(txn, id)
			if err != nil {
				return false, err
			}
			if td != nil && td.Target.Equal(target) {
				found = td
				return false, nil
			}
			return true, nil
		})
	if err != nil || found == nil {
		return nil, err
	}
	id := found.TargetID
	txn.OnCommitted(func() { c.canonicalIDs.Add(canonicalID, id) })
	return found, nil
}

// GetTargetDataForID returns the target with id, or nil.
func (c *TargetCache) GetTargetDataForID(txn *Txn, targetID int) (*model.TargetData, error) {
	data, err := txn.Get(storage.TableTargets, targetKey(targetID))
	if err != nil || data == nil {
		return nil, err
	}
	td, err := model.JSONCodec{}.DecodeTargetData(data)
	if err != nil {
		return nil, err
	}
	return &td, nil
}

// AddMatchingKeys records that keys match targetID.
func (c *TargetCache) AddMatchingKeys(txn *Txn, keys model.DocumentKeySet, targetID int) error {
	for _, key := range keys.Sorted() {
		if err := txn.Put(storage.TableTargetDocuments, targetDocumentKey(targetID, key), emptyValue); err != nil {
			return err
		}
		if err := txn.Put(storage.TableDocumentTargets, documentTargetKey(key, targetID), emptyValue); err != nil {
			return err
		}
		if err := c.delegate.AddReference(txn, targetID, key); err != nil {
			return err
		}
	}
	return nil
}

// RemoveMatchingKeys records that keys no longer match targetID.
func (c *TargetCache) RemoveMatchingKeys(txn *Txn, keys model.DocumentKeySet, targetID int) error {
	for _, key := range keys.Sorted() {
		if err := txn.Delete(storage.TableTargetDocuments, targetDocumentKey(targetID, key)); err != nil {
			return err
		}
		if err := txn.Delete(storage.TableDocumentTargets, documentTargetKey(key, targetID)); err != nil {
			return err
		}
		if err := c.delegate.RemoveReference(txn, targetID, key); err != nil {
			return err
		}
	}
	return nil
}

// RemoveMatchingKeysForTargetID clears every membership row of targetID without notifying
// the delegate.
func (c *TargetCache) RemoveMatchingKeysForTargetID(txn *Txn, targetID int) error {
	keys, err := c.GetMatchingKeysForTargetID(txn, targetID)
	if err != nil {
		return err
	}
	for key := range keys {
		if err := txn.Delete(storage.TableDocumentTargets, documentTargetKey(key, targetID)); err != nil {
			return err
		}
	}
	return txn.DeleteRange(storage.TableTargetDocuments, storage.Prefix(targetKey(targetID)))
}

// GetMatchingKeysForTargetID returns the keys matching targetID.
func (c *TargetCache) GetMatchingKeysForTargetID(txn *Txn, targetID int) (model.DocumentKeySet, error) {
	keys := model.NewDocumentKeySet()
	err := txn.Scan(storage.TableTargetDocuments, storage.Prefix(targetKey(targetID)), storage.Asc, 0,
		func(k, _ []byte) (bool, error) {
			r := storage.ReadKey(k)
			r.Int()
			path := r.String()
			if err := r.Err(); err != nil {
				return false, err
			}
			key, err := model.ParseDocumentKey(path)
			if err != nil {
				return false, err
			}
			keys.Add(key)
			return true, nil
		})
	return keys, err
}

// ContainsKey reports whether any target matches key.
func (c *TargetCache) ContainsKey(txn *Txn, key model.DocumentKey) (bool, error) {
	found := false
	err := txn.Scan(storage.TableDocumentTargets, storage.Prefix(documentTargetPrefix(key)), storage.Asc, 0,
		func(k, _ []byte) (bool, error) {
			r := storage.ReadKey(k)
			_ = r.String()
			if r.Int() != sentinelTargetID {
				found = true
				return false, nil
			}
			return true, r.Err()
		})
	return found, err
}

// GetTargetCount returns the number of cached targets.
func (c *TargetCache) GetTargetCount(txn *Txn) (int, error) {
	g, err := c.global(txn)
	return g.TargetCount, err
}

// ForEachTarget calls fn with every cached target in id order.
func (c *TargetCache) ForEachTarget(txn *Txn, fn func(model.TargetData) error) error {
	return txn.Scan(storage.TableTargets, storage.All(), storage.Asc, 0, func(_, v []byte) (bool, error) {
		td, err := model.JSONCodec{}.DecodeTargetData(v)
		if err != nil {
			return false, err
		}
		return true, fn(td)
	})
}

// RemoveTargets removes the targets whose sequence number is at most upperBound and which
// are not in active. It returns the number removed.
func (c *TargetCache) RemoveTargets(txn *Txn, upperBound int64, active *roaring.Bitmap) (int, error) {
	var doomed []model.TargetData
	err := c.ForEachTarget(txn, func(td model.TargetData) error {
		if td.SequenceNumber <= upperBound && !active.Contains(uint32(td.TargetID)) {
			doomed = append(doomed, td)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	for _, td := range doomed {
		if err := c.RemoveTargetData(txn, td); err != nil {
			return 0, err
		}
	}
	return len(doomed), nil
}

// GetHighestSequenceNumber returns the highest listen sequence number ever persisted.
func (c *TargetCache) GetHighestSequenceNumber(txn *Txn) (int64, error) {
	g, err := c.global(txn)
	return g.HighestListenSequenceNumber, err
}

// GetLastRemoteSnapshotVersion returns the version of the last applied remote event.
func (c *TargetCache) GetLastRemoteSnapshotVersion(txn *Txn) (model.Timestamp, error) {
	g, err := c.global(txn)
	return g.LastRemoteSnapshotVersion, err
}

// SetTargetsMetadata records the highest sequence number and, when set, the last remote
// snapshot version.
func (c *TargetCache) SetTargetsMetadata(txn *Txn, highestSequenceNumber int64, lastRemoteSnapshotVersion *model.Timestamp) error {
	g, err := c.global(txn)
	if err != nil {
		return err
	}
	if highestSequenceNumber > g.HighestListenSequenceNumber {
		g.HighestListenSequenceNumber = highestSequenceNumber
	}
	if lastRemoteSnapshotVersion != nil {
		g.LastRemoteSnapshotVersion = *lastRemoteSnapshotVersion
	}
	return c.saveGlobal(txn, g)
}
